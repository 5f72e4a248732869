// Package query implements the shared read-side request contract: pagination
// with clamped limits, allow-listed sorting, simple equality filters and
// field selection. Every list endpoint answers with the same envelope.
package query

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Limits carries the service's pagination configuration.
type Limits struct {
	DefaultLimit int
	MaxLimit     int
}

// Params is a parsed and clamped list request.
type Params struct {
	Page           int
	Limit          int
	Sort           string
	Desc           bool
	Filters        map[string]string
	Fields         []string
	IncludeDeleted bool
}

// Parse extracts list parameters from a query string. page and limit are
// clamped, sort/order and fields are passed through for the caller's
// allow-lists, and only the named filter keys are collected.
func Parse(values url.Values, limits Limits, filterKeys ...string) Params {
	page, _ := strconv.Atoi(values.Get("page"))
	if page < 1 {
		page = 1
	}

	limit, _ := strconv.Atoi(values.Get("limit"))
	if limit < 1 {
		limit = limits.DefaultLimit
	}
	if limits.MaxLimit > 0 && limit > limits.MaxLimit {
		limit = limits.MaxLimit
	}

	params := Params{
		Page:           page,
		Limit:          limit,
		Sort:           strings.TrimSpace(values.Get("sort")),
		Desc:           strings.EqualFold(values.Get("order"), "desc"),
		IncludeDeleted: values.Get("include_deleted") == "true",
	}

	if fields := strings.TrimSpace(values.Get("fields")); fields != "" {
		for _, field := range strings.Split(fields, ",") {
			if field = strings.TrimSpace(field); field != "" {
				params.Fields = append(params.Fields, field)
			}
		}
	}

	for _, key := range filterKeys {
		if value := strings.TrimSpace(values.Get(key)); value != "" {
			if params.Filters == nil {
				params.Filters = make(map[string]string)
			}
			params.Filters[key] = value
		}
	}

	return params
}

// Offset returns the SQL offset for the current page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// OrderClause builds an ORDER BY clause from the allow-list, which maps API
// field names to column names. Unknown sort fields fall back to the given
// column, so a hostile sort parameter can never reach the SQL text.
func (p Params) OrderClause(allowed map[string]string, fallback string) string {
	column, ok := allowed[p.Sort]
	if !ok {
		column = fallback
	}
	direction := "ASC"
	if p.Desc {
		direction = "DESC"
	}
	return "ORDER BY " + column + " " + direction
}

// Pagination is the metadata half of every list response.
type Pagination struct {
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Pages   int   `json:"pages"`
	HasNext bool  `json:"hasNext"`
	HasPrev bool  `json:"hasPrev"`
}

// NewPagination computes page metadata for a result set.
func NewPagination(total int64, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1 && total > 0,
	}
}

// Result is the list response envelope.
type Result struct {
	Data       any        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// NewResult pairs documents with their pagination. A nil document slice is
// normalized to empty so the envelope always serializes data as an array.
func NewResult(docs []map[string]any, pagination Pagination) Result {
	if docs == nil {
		docs = []map[string]any{}
	}
	return Result{Data: docs, Pagination: pagination}
}

// FormatTime renders a view timestamp (stored as Unix nanoseconds) as
// RFC 3339 in UTC.
func FormatTime(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

// SelectFields projects each document onto the requested fields. The id
// field always survives so results stay addressable; an empty field list
// returns the documents untouched.
func SelectFields(docs []map[string]any, fields []string) []map[string]any {
	if len(fields) == 0 {
		return docs
	}

	keep := make(map[string]struct{}, len(fields)+1)
	keep["id"] = struct{}{}
	for _, field := range fields {
		keep[field] = struct{}{}
	}

	projected := make([]map[string]any, len(docs))
	for i, doc := range docs {
		out := make(map[string]any, len(keep))
		for key := range keep {
			if value, ok := doc[key]; ok {
				out[key] = value
			}
		}
		projected[i] = out
	}
	return projected
}
