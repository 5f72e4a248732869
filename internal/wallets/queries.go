package wallets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/query"
)

// FilterKeys are the equality filters the wallet list accepts.
var FilterKeys = []string{"user_id"}

var sortColumns = map[string]string{
	"balance":    "balance",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

// Queries serves the wallets_view read model.
type Queries struct {
	db     *sql.DB
	limits query.Limits
}

// NewQueries wires the wallet read side.
func NewQueries(db *sql.DB, limits query.Limits) *Queries {
	return &Queries{db: db, limits: limits}
}

// Limits exposes the pagination configuration for request parsing.
func (q *Queries) Limits() query.Limits {
	return q.limits
}

// List returns one page of wallet documents.
func (q *Queries) List(ctx context.Context, params query.Params) (query.Result, error) {
	where, args := buildFilter(params)

	var total int64
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallets_view `+where, args...,
	).Scan(&total); err != nil {
		return query.Result{}, domain.WrapInfra(domain.CodeDatabaseError, "count wallets", err)
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, version, user_id, balance, created_at, updated_at, deleted_at
		 FROM wallets_view `+where+" "+params.OrderClause(sortColumns, "created_at")+
			" LIMIT ? OFFSET ?",
		append(args, params.Limit, params.Offset())...,
	)
	if err != nil {
		return query.Result{}, domain.WrapInfra(domain.CodeDatabaseError, "list wallets", err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		doc, err := scanWallet(rows)
		if err != nil {
			return query.Result{}, domain.WrapInfra(domain.CodeDatabaseError, "list wallets", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, domain.WrapInfra(domain.CodeDatabaseError, "list wallets", err)
	}

	docs = query.SelectFields(docs, params.Fields)
	return query.NewResult(docs, query.NewPagination(total, params.Page, params.Limit)), nil
}

// Get returns one wallet document. Soft-deleted wallets read as not found
// unless includeDeleted is set.
func (q *Queries) Get(ctx context.Context, id string, includeDeleted bool) (map[string]any, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, version, user_id, balance, created_at, updated_at, deleted_at
		 FROM wallets_view WHERE id = ?`, id)

	doc, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewAppErrorf(domain.CodeWalletNotFound, "wallet %s not found", id)
	}
	if err != nil {
		return nil, domain.WrapInfra(domain.CodeDatabaseError, "get wallet "+id, err)
	}
	if _, deleted := doc["deleted_at"]; deleted && !includeDeleted {
		return nil, domain.NewAppErrorf(domain.CodeWalletNotFound, "wallet %s not found", id)
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (map[string]any, error) {
	var (
		id, userID, balance  string
		version              int64
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	if err := row.Scan(&id, &version, &userID, &balance, &createdAt, &updatedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan wallet: %w", err)
	}

	doc := map[string]any{
		"id":         id,
		"version":    version,
		"user_id":    userID,
		"balance":    balance,
		"created_at": query.FormatTime(createdAt),
		"updated_at": query.FormatTime(updatedAt),
	}
	if deletedAt.Valid {
		doc["deleted_at"] = query.FormatTime(deletedAt.Int64)
	}
	return doc, nil
}

// buildFilter renders the WHERE clause. Only the allow-listed filter keys can
// reach the SQL text.
func buildFilter(params query.Params) (string, []any) {
	clauses := make([]string, 0, len(params.Filters)+1)
	args := make([]any, 0, len(params.Filters))

	if !params.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	for _, key := range FilterKeys {
		if value, ok := params.Filters[key]; ok {
			clauses = append(clauses, key+" = ?")
			args = append(args, value)
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
