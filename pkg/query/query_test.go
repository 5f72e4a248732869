package query_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/libris/circulation/pkg/query"
)

var limits = query.Limits{DefaultLimit: 10, MaxLimit: 100}

func TestParseClampsPageAndLimit(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		wantPage  int
		wantLimit int
	}{
		{"defaults", "", 1, 10},
		{"explicit", "page=3&limit=25", 3, 25},
		{"limit above max", "limit=5000", 1, 100},
		{"garbage", "page=x&limit=-4", 1, 10},
		{"zero page", "page=0", 1, 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			values, err := url.ParseQuery(tc.raw)
			assert.NoError(t, err)
			params := query.Parse(values, limits)
			assert.Equal(t, tc.wantPage, params.Page)
			assert.Equal(t, tc.wantLimit, params.Limit)
		})
	}
}

func TestParseCollectsOnlyKnownFilters(t *testing.T) {
	values, _ := url.ParseQuery("author=Woolf&title=Orlando&drop=me&fields=title,author,")
	params := query.Parse(values, limits, "author", "title")

	assert.Equal(t, map[string]string{"author": "Woolf", "title": "Orlando"}, params.Filters)
	assert.Equal(t, []string{"title", "author"}, params.Fields)
	assert.False(t, params.IncludeDeleted)

	values, _ = url.ParseQuery("include_deleted=true")
	assert.True(t, query.Parse(values, limits).IncludeDeleted)
}

func TestOrderClauseHonorsAllowList(t *testing.T) {
	allowed := map[string]string{"title": "title", "year": "publication_year"}

	values, _ := url.ParseQuery("sort=year&order=desc")
	params := query.Parse(values, limits)
	assert.Equal(t, "ORDER BY publication_year DESC", params.OrderClause(allowed, "created_at"))

	// Anything off the allow-list falls back, never reaching the SQL text.
	values, _ = url.ParseQuery("sort=title%2C%20version--&order=up")
	params = query.Parse(values, limits)
	assert.Equal(t, "ORDER BY created_at ASC", params.OrderClause(allowed, "created_at"))
}

func TestPaginationMath(t *testing.T) {
	p := query.NewPagination(42, 2, 10)
	assert.Equal(t, int64(42), p.Total)
	assert.Equal(t, 5, p.Pages)
	assert.True(t, p.HasNext)
	assert.True(t, p.HasPrev)

	last := query.NewPagination(42, 5, 10)
	assert.False(t, last.HasNext)

	empty := query.NewPagination(0, 1, 10)
	assert.Zero(t, empty.Pages)
	assert.False(t, empty.HasNext)
	assert.False(t, empty.HasPrev)
}

func TestSelectFieldsKeepsID(t *testing.T) {
	docs := []map[string]any{
		{"id": "b-1", "title": "Orlando", "author": "Woolf", "price": "9.99"},
	}

	projected := query.SelectFields(docs, []string{"title"})
	assert.Equal(t, []map[string]any{{"id": "b-1", "title": "Orlando"}}, projected)

	// No field list means the full document.
	assert.Equal(t, docs, query.SelectFields(docs, nil))
}

func TestOffset(t *testing.T) {
	values, _ := url.ParseQuery("page=4&limit=25")
	assert.Equal(t, 75, query.Parse(values, limits).Offset())
}
