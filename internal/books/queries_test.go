package books_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libris/circulation/internal/books"
	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/query"
	"github.com/libris/circulation/pkg/store/sqlite"
)

func newQueriesFixture(t *testing.T) (*sql.DB, *books.Queries) {
	t.Helper()
	eventStore, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	db := eventStore.DB()
	require.NoError(t, books.Migrate(db))
	return db, books.NewQueries(db, query.Limits{DefaultLimit: 10, MaxLimit: 100})
}

func seedBook(t *testing.T, db *sql.DB, id, isbn, author string, deleted bool) {
	t.Helper()
	var deletedAt any
	if deleted {
		deletedAt = 99
	}
	_, err := db.Exec(`
		INSERT INTO books_view (id, version, isbn, title, author, publication_year, publisher, price, created_at, updated_at, deleted_at)
		VALUES (?, 1, ?, 'Title '||?, ?, 2020, 'House', '12.50', ?, ?, ?)`,
		id, isbn, id, author, len(id), len(id), deletedAt)
	require.NoError(t, err)
}

func TestListBooksPaginatesAndFilters(t *testing.T) {
	db, queries := newQueriesFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedBook(t, db, fmt.Sprintf("book-%d", i), fmt.Sprintf("isbn-%d", i), "Le Guin", false)
	}
	seedBook(t, db, "book-other", "isbn-other", "Borges", false)
	seedBook(t, db, "book-dead", "isbn-dead", "Le Guin", true)

	params := query.Parse(url.Values{
		"author": {"Le Guin"},
		"limit":  {"2"},
		"page":   {"2"},
		"sort":   {"title"},
	}, queries.Limits(), books.FilterKeys...)

	result, err := queries.List(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Pagination.Total, "soft-deleted rows stay out of the count")
	assert.Equal(t, 3, result.Pagination.Pages)
	assert.True(t, result.Pagination.HasNext)
	assert.True(t, result.Pagination.HasPrev)

	docs, ok := result.Data.([]map[string]any)
	require.True(t, ok)
	require.Len(t, docs, 2)
	assert.Equal(t, "Title book-2", docs[0]["title"])
	assert.Equal(t, "12.50", docs[0]["price"], "money stays a string")
}

func TestListBooksFieldSelection(t *testing.T) {
	db, queries := newQueriesFixture(t)
	seedBook(t, db, "book-1", "isbn-1", "Author", false)

	params := query.Parse(url.Values{"fields": {"title,isbn"}}, queries.Limits(), books.FilterKeys...)
	result, err := queries.List(context.Background(), params)
	require.NoError(t, err)

	docs := result.Data.([]map[string]any)
	require.Len(t, docs, 1)
	assert.Equal(t, map[string]any{"id": "book-1", "title": "Title book-1", "isbn": "isbn-1"}, docs[0])
}

func TestGetBookHidesSoftDeleted(t *testing.T) {
	db, queries := newQueriesFixture(t)
	ctx := context.Background()

	seedBook(t, db, "book-1", "isbn-1", "Author", false)
	seedBook(t, db, "book-dead", "isbn-dead", "Author", true)

	doc, err := queries.Get(ctx, "book-1", false)
	require.NoError(t, err)
	assert.Equal(t, "book-1", doc["id"])
	assert.NotContains(t, doc, "deleted_at")

	_, err = queries.Get(ctx, "book-dead", false)
	require.Error(t, err)
	assert.Equal(t, domain.CodeBookNotFound, domain.AsAppError(err).Code)

	doc, err = queries.Get(ctx, "book-dead", true)
	require.NoError(t, err, "operators can still read soft-deleted documents")
	assert.Contains(t, doc, "deleted_at")

	_, err = queries.Get(ctx, "never-existed", true)
	require.Error(t, err)
	assert.Equal(t, domain.CodeBookNotFound, domain.AsAppError(err).Code)
}
