package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Queries reads back what the SQLite exporters wrote. It powers the
// telemetryctl report and keeps ad-hoc digging out of raw SQL.
type Queries struct {
	db      *sql.DB
	spans   string
	metrics string
}

// NewQueries builds a reader over the exporter's tables.
func NewQueries(cfg ExporterConfig) (*Queries, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Queries{db: cfg.DB, spans: cfg.SpansTable, metrics: cfg.MetricsTable}, nil
}

// SpanFilter narrows a span query. Zero values mean "any".
type SpanFilter struct {
	// TraceID selects one trace.
	TraceID string

	// Name matches the span name, as a LIKE pattern when it contains %.
	Name string

	// Service matches the emitting binary.
	Service string

	// ErrorsOnly keeps spans with ERROR status.
	ErrorsOnly bool

	// MinDuration drops spans shorter than this.
	MinDuration time.Duration

	// Since drops spans that started before it.
	Since time.Time

	// SlowestFirst orders by duration instead of recency.
	SlowestFirst bool

	// Limit caps the result, 100 by default.
	Limit int
}

// SpanRecord is one stored span.
type SpanRecord struct {
	SpanID        string
	TraceID       string
	ParentSpanID  string
	Name          string
	Kind          string
	Service       string
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	Status        string
	StatusMessage string
	Attributes    map[string]any
}

// Spans returns stored spans matching the filter, most recent first unless
// SlowestFirst is set.
func (q *Queries) Spans(ctx context.Context, filter SpanFilter) ([]SpanRecord, error) {
	query := fmt.Sprintf(`
		SELECT span_id, trace_id, parent_span_id, name, kind, service,
		       start_time, end_time, status, status_message, attributes
		FROM %s WHERE 1=1`, q.spans)
	var args []any

	if filter.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, filter.TraceID)
	}
	if filter.Name != "" {
		if strings.Contains(filter.Name, "%") {
			query += " AND name LIKE ?"
		} else {
			query += " AND name = ?"
		}
		args = append(args, filter.Name)
	}
	if filter.Service != "" {
		query += " AND service = ?"
		args = append(args, filter.Service)
	}
	if filter.ErrorsOnly {
		query += " AND status = 'ERROR'"
	}
	if filter.MinDuration > 0 {
		query += " AND end_time - start_time >= ?"
		args = append(args, filter.MinDuration.Nanoseconds())
	}
	if !filter.Since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, filter.Since.UnixNano())
	}

	if filter.SlowestFirst {
		query += " ORDER BY end_time - start_time DESC"
	} else {
		query += " ORDER BY start_time DESC"
	}
	query += " LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var out []SpanRecord
	for rows.Next() {
		var (
			r          SpanRecord
			parent     sql.NullString
			message    sql.NullString
			start, end int64
			attrs      sql.NullString
		)
		if err := rows.Scan(&r.SpanID, &r.TraceID, &parent, &r.Name, &r.Kind, &r.Service,
			&start, &end, &r.Status, &message, &attrs); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		r.ParentSpanID = parent.String
		r.StatusMessage = message.String
		r.Start = time.Unix(0, start)
		r.End = time.Unix(0, end)
		r.Duration = r.End.Sub(r.Start)
		if attrs.Valid && attrs.String != "" {
			_ = json.Unmarshal([]byte(attrs.String), &r.Attributes)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MetricFilter narrows a metric query. Zero values mean "any".
type MetricFilter struct {
	// Name matches the instrument name, as a LIKE pattern when it
	// contains %.
	Name string

	// Service matches the emitting binary.
	Service string

	// Since drops collections recorded before it.
	Since time.Time

	// Limit caps the result, 100 by default.
	Limit int
}

// MetricRecord is one stored data point. Value is set for gauges and sums;
// Count, Sum, Min and Max for histograms.
type MetricRecord struct {
	Name       string
	Kind       string
	Unit       string
	Service    string
	At         time.Time
	Value      *float64
	Count      *int64
	Sum        *float64
	Min        *float64
	Max        *float64
	Attributes map[string]any
}

// Metrics returns stored data points matching the filter, most recent first.
func (q *Queries) Metrics(ctx context.Context, filter MetricFilter) ([]MetricRecord, error) {
	query := fmt.Sprintf(`
		SELECT name, kind, unit, service, at, value, count, sum, min, max, attributes
		FROM %s WHERE 1=1`, q.metrics)
	var args []any

	if filter.Name != "" {
		if strings.Contains(filter.Name, "%") {
			query += " AND name LIKE ?"
		} else {
			query += " AND name = ?"
		}
		args = append(args, filter.Name)
	}
	if filter.Service != "" {
		query += " AND service = ?"
		args = append(args, filter.Service)
	}
	if !filter.Since.IsZero() {
		query += " AND at >= ?"
		args = append(args, filter.Since.Unix())
	}

	query += " ORDER BY at DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRecord
	for rows.Next() {
		var (
			r             MetricRecord
			unit          sql.NullString
			at            int64
			value         sql.NullFloat64
			count         sql.NullInt64
			sum, min, max sql.NullFloat64
			attrs         sql.NullString
		)
		if err := rows.Scan(&r.Name, &r.Kind, &unit, &r.Service, &at,
			&value, &count, &sum, &min, &max, &attrs); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		r.Unit = unit.String
		r.At = time.Unix(at, 0)
		r.Value = nullFloat(value)
		if count.Valid {
			c := count.Int64
			r.Count = &c
		}
		r.Sum = nullFloat(sum)
		r.Min = nullFloat(min)
		r.Max = nullFloat(max)
		if attrs.Valid && attrs.String != "" {
			_ = json.Unmarshal([]byte(attrs.String), &r.Attributes)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
