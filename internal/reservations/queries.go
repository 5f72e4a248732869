package reservations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/libris/circulation/pkg/domain"
	"github.com/libris/circulation/pkg/query"
)

// FilterKeys are the equality filters the reservations list accepts.
var FilterKeys = []string{"user_id", "book_id", "status"}

var sortColumns = map[string]string{
	"status":      "status",
	"reserved_at": "reserved_at",
	"due_date":    "due_date",
	"created_at":  "created_at",
	"updated_at":  "updated_at",
}

// Queries serves the reservations_view read model.
type Queries struct {
	db     *sql.DB
	limits query.Limits
}

// NewQueries wires the reservations read side.
func NewQueries(db *sql.DB, limits query.Limits) *Queries {
	return &Queries{db: db, limits: limits}
}

// Limits exposes the pagination configuration for request parsing.
func (q *Queries) Limits() query.Limits {
	return q.limits
}

const reservationColumns = `id, version, user_id, book_id, status, reserved_at, due_date,
	fee_charged, retail_price, payment_amount, payment_reason, days_late,
	late_fee_applied, returned_at, created_at, updated_at, deleted_at`

// List returns one page of reservation documents.
func (q *Queries) List(ctx context.Context, params query.Params) (query.Result, error) {
	where, args := buildFilter(params)

	var total int64
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations_view `+where, args...,
	).Scan(&total); err != nil {
		return query.Result{}, domain.WrapInfra(domain.CodeDatabaseError, "count reservations", err)
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations_view `+where+" "+
			params.OrderClause(sortColumns, "reserved_at")+" LIMIT ? OFFSET ?",
		append(args, params.Limit, params.Offset())...,
	)
	if err != nil {
		return query.Result{}, domain.WrapInfra(domain.CodeDatabaseError, "list reservations", err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		doc, err := scanReservation(rows)
		if err != nil {
			return query.Result{}, domain.WrapInfra(domain.CodeDatabaseError, "list reservations", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, domain.WrapInfra(domain.CodeDatabaseError, "list reservations", err)
	}

	docs = query.SelectFields(docs, params.Fields)
	return query.NewResult(docs, query.NewPagination(total, params.Page, params.Limit)), nil
}

// Get returns one reservation document. Soft-deleted reservations read as not
// found unless includeDeleted is set.
func (q *Queries) Get(ctx context.Context, id string, includeDeleted bool) (map[string]any, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations_view WHERE id = ?`, id)

	doc, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewAppErrorf(domain.CodeReservationNotFound, "reservation %s not found", id)
	}
	if err != nil {
		return nil, domain.WrapInfra(domain.CodeDatabaseError, "get reservation "+id, err)
	}
	if _, deleted := doc["deleted_at"]; deleted && !includeDeleted {
		return nil, domain.NewAppErrorf(domain.CodeReservationNotFound, "reservation %s not found", id)
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (map[string]any, error) {
	var (
		id, userID, bookID, status            string
		feeCharged, retailPrice               string
		paymentAmount, paymentReason, lateFee string
		version                               int64
		reservedAt, dueDate                   int64
		daysLate                              int
		createdAt, updatedAt                  int64
		returnedAt, deletedAt                 sql.NullInt64
	)
	if err := row.Scan(&id, &version, &userID, &bookID, &status, &reservedAt, &dueDate,
		&feeCharged, &retailPrice, &paymentAmount, &paymentReason, &daysLate,
		&lateFee, &returnedAt, &createdAt, &updatedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan reservation: %w", err)
	}

	doc := map[string]any{
		"id":           id,
		"version":      version,
		"user_id":      userID,
		"book_id":      bookID,
		"status":       status,
		"reserved_at":  query.FormatTime(reservedAt),
		"due_date":     query.FormatTime(dueDate),
		"fee_charged":  feeCharged,
		"retail_price": retailPrice,
		"days_late":    daysLate,
		"created_at":   query.FormatTime(createdAt),
		"updated_at":   query.FormatTime(updatedAt),
	}
	if paymentAmount != "" {
		doc["payment_amount"] = paymentAmount
	}
	if paymentReason != "" {
		doc["payment_reason"] = paymentReason
	}
	if lateFee != "" {
		doc["late_fee_applied"] = lateFee
	}
	if returnedAt.Valid {
		doc["returned_at"] = query.FormatTime(returnedAt.Int64)
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
