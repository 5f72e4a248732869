package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// sweepInterval rate-limits retention deletes; exports between sweeps skip
// the cleanup entirely.
const sweepInterval = time.Hour

// ExporterConfig configures the SQLite telemetry sink. The services write
// spans and metrics into a plain SQLite file next to the event store, which
// keeps the development topology dependency-free and queryable with the
// same tools.
type ExporterConfig struct {
	// DB is the telemetry database. The exporters create their tables on
	// construction and never close the handle; the caller owns it.
	DB *sql.DB

	// SpansTable and MetricsTable override the table names,
	// "telemetry_spans" and "telemetry_metrics" by default.
	SpansTable   string
	MetricsTable string

	// RetentionDays removes rows older than this many days. Zero keeps
	// everything.
	RetentionDays int
}

// DefaultExporterConfig returns the config the binaries use: default table
// names and a week of retention.
func DefaultExporterConfig(db *sql.DB) ExporterConfig {
	return ExporterConfig{
		DB:            db,
		SpansTable:    "telemetry_spans",
		MetricsTable:  "telemetry_metrics",
		RetentionDays: 7,
	}
}

func (c *ExporterConfig) normalize() error {
	if c.DB == nil {
		return fmt.Errorf("telemetry database is required")
	}
	if c.SpansTable == "" {
		c.SpansTable = "telemetry_spans"
	}
	if c.MetricsTable == "" {
		c.MetricsTable = "telemetry_metrics"
	}
	return nil
}

// SpanExporter writes finished spans to SQLite. It implements
// sdktrace.SpanExporter and is driven by the SDK's batch processor.
type SpanExporter struct {
	db        *sql.DB
	table     string
	retention time.Duration

	mu        sync.Mutex
	nextSweep time.Time
}

var _ sdktrace.SpanExporter = (*SpanExporter)(nil)

// NewSpanExporter creates the span table and indexes if needed.
func NewSpanExporter(cfg ExporterConfig) (*SpanExporter, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	e := &SpanExporter{
		db:        cfg.DB,
		table:     cfg.SpansTable,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			span_id        TEXT PRIMARY KEY,
			trace_id       TEXT NOT NULL,
			parent_span_id TEXT,
			name           TEXT NOT NULL,
			kind           TEXT NOT NULL,
			service        TEXT NOT NULL,
			start_time     INTEGER NOT NULL,
			end_time       INTEGER NOT NULL,
			status         TEXT NOT NULL,
			status_message TEXT,
			attributes     TEXT,
			events         TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_trace ON %[1]s(trace_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_start ON %[1]s(start_time);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_name ON %[1]s(name);`, cfg.SpansTable)
	if _, err := cfg.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("create span table: %w", err)
	}
	return e, nil
}

// ExportSpans implements sdktrace.SpanExporter. The whole batch lands in one
// transaction.
func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin span export tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			span_id, trace_id, parent_span_id, name, kind, service,
			start_time, end_time, status, status_message, attributes, events
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, e.table))
	if err != nil {
		return fmt.Errorf("prepare span insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		spanCtx := span.SpanContext()

		var parent any
		if span.Parent().SpanID().IsValid() {
			parent = span.Parent().SpanID().String()
		}

		attrs, _ := json.Marshal(attributesToMap(span.Attributes()))
		events, _ := json.Marshal(spanEventsToSlice(span.Events()))

		if _, err := stmt.ExecContext(ctx,
			spanCtx.SpanID().String(),
			spanCtx.TraceID().String(),
			parent,
			span.Name(),
			spanKindToString(span.SpanKind()),
			serviceName(span.Resource().Attributes()),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			statusToString(span.Status().Code),
			span.Status().Description,
			string(attrs),
			string(events),
		); err != nil {
			return fmt.Errorf("insert span %s: %w", span.Name(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit span export tx: %w", err)
	}

	e.sweepLocked()
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The database handle belongs to
// the caller and stays open.
func (e *SpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

// sweepLocked deletes spans past retention, at most once per sweepInterval.
// Callers hold e.mu.
func (e *SpanExporter) sweepLocked() {
	if e.retention <= 0 {
		return
	}
	now := time.Now()
	if now.Before(e.nextSweep) {
		return
	}
	e.nextSweep = now.Add(sweepInterval)

	cutoff := now.Add(-e.retention).UnixNano()
	_, _ = e.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE start_time < ?`, e.table), cutoff)
}

// MetricExporter writes metric collections to SQLite. It implements
// sdkmetric.Exporter, one row per data point per collection.
type MetricExporter struct {
	db        *sql.DB
	table     string
	retention time.Duration

	mu        sync.Mutex
	nextSweep time.Time
}

var _ sdkmetric.Exporter = (*MetricExporter)(nil)

// NewMetricExporter creates the metric table and indexes if needed.
func NewMetricExporter(cfg ExporterConfig) (*MetricExporter, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	e := &MetricExporter{
		db:        cfg.DB,
		table:     cfg.MetricsTable,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			kind       TEXT NOT NULL,
			unit       TEXT,
			service    TEXT NOT NULL,
			at         INTEGER NOT NULL,
			value      REAL,
			count      INTEGER,
			sum        REAL,
			min        REAL,
			max        REAL,
			attributes TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_name ON %[1]s(name);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_at ON %[1]s(at);`, cfg.MetricsTable)
	if _, err := cfg.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("create metric table: %w", err)
	}
	return e, nil
}

// Export implements sdkmetric.Exporter.
func (e *MetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metric export tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, kind, unit, service, at, value, count, sum, min, max, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, e.table))
	if err != nil {
		return fmt.Errorf("prepare metric insert: %w", err)
	}
	defer stmt.Close()

	service := serviceName(rm.Resource.Attributes())
	at := time.Now().Unix()

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if err := writeMetric(ctx, stmt, m, service, at); err != nil {
				return fmt.Errorf("insert metric %s: %w", m.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metric export tx: %w", err)
	}

	e.sweepLocked()
	return nil
}

// writeMetric flattens one instrument's data points into rows. Gauges and
// sums carry a single value; histograms carry count/sum/min/max.
func writeMetric(ctx context.Context, stmt *sql.Stmt, m metricdata.Metrics, service string, at int64) error {
	point := func(kind string, attrSet attribute.Set, value any, count any, sum, minVal, maxVal any) error {
		attrs, _ := json.Marshal(attributeSetToMap(attrSet))
		_, err := stmt.ExecContext(ctx,
			m.Name, kind, m.Unit, service, at,
			value, count, sum, minVal, maxVal, string(attrs))
		return err
	}

	switch data := m.Data.(type) {
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			if err := point("gauge", dp.Attributes, float64(dp.Value), nil, nil, nil, nil); err != nil {
				return err
			}
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			if err := point("gauge", dp.Attributes, dp.Value, nil, nil, nil, nil); err != nil {
				return err
			}
		}
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			if err := point("sum", dp.Attributes, float64(dp.Value), nil, nil, nil, nil); err != nil {
				return err
			}
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			if err := point("sum", dp.Attributes, dp.Value, nil, nil, nil, nil); err != nil {
				return err
			}
		}
	case metricdata.Histogram[int64]:
		for _, dp := range data.DataPoints {
			minVal, maxVal := extrema(dp.Min, dp.Max)
			if err := point("histogram", dp.Attributes, nil, int64(dp.Count), float64(dp.Sum), minVal, maxVal); err != nil {
				return err
			}
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			minVal, maxVal := extrema(dp.Min, dp.Max)
			if err := point("histogram", dp.Attributes, nil, int64(dp.Count), dp.Sum, minVal, maxVal); err != nil {
				return err
			}
		}
	}
	return nil
}

// extrema converts histogram bounds to nullable floats.
func extrema[N int64 | float64](minEx, maxEx metricdata.Extrema[N]) (any, any) {
	var minVal, maxVal any
	if v, ok := minEx.Value(); ok {
		minVal = float64(v)
	}
	if v, ok := maxEx.Value(); ok {
		maxVal = float64(v)
	}
	return minVal, maxVal
}

// Temporality implements sdkmetric.Exporter. Cumulative keeps each row a
// running total, so the latest row per series is the current state.
func (e *MetricExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

// Aggregation implements sdkmetric.Exporter.
func (e *MetricExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

// ForceFlush implements sdkmetric.Exporter. Export writes synchronously, so
// there is nothing buffered here.
func (e *MetricExporter) ForceFlush(ctx context.Context) error {
	return nil
}

// Shutdown implements sdkmetric.Exporter. The database handle belongs to the
// caller and stays open.
func (e *MetricExporter) Shutdown(ctx context.Context) error {
	return nil
}

func (e *MetricExporter) sweepLocked() {
	if e.retention <= 0 {
		return
	}
	now := time.Now()
	if now.Before(e.nextSweep) {
		return
	}
	e.nextSweep = now.Add(sweepInterval)

	cutoff := now.Add(-e.retention).Unix()
	_, _ = e.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE at < ?`, e.table), cutoff)
}

func serviceName(attrs []attribute.KeyValue) string {
	for _, attr := range attrs {
		if attr.Key == "service.name" {
			return attr.Value.AsString()
		}
	}
	return ""
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		m[string(attr.Key)] = attr.Value.AsInterface()
	}
	return m
}

func attributeSetToMap(attrs attribute.Set) map[string]any {
	m := make(map[string]any, attrs.Len())
	iter := attrs.Iter()
	for iter.Next() {
		attr := iter.Attribute()
		m[string(attr.Key)] = attr.Value.AsInterface()
	}
	return m
}

func spanEventsToSlice(events []sdktrace.Event) []map[string]any {
	out := make([]map[string]any, len(events))
	for i, event := range events {
		out[i] = map[string]any{
			"name":       event.Name,
			"time":       event.Time.UnixNano(),
			"attributes": attributesToMap(event.Attributes),
		}
	}
	return out
}

func statusToString(code codes.Code) string {
	switch code {
	case codes.Ok:
		return "OK"
	case codes.Error:
		return "ERROR"
	default:
		return "UNSET"
	}
}

func spanKindToString(kind trace.SpanKind) string {
	switch kind {
	case trace.SpanKindServer:
		return "SERVER"
	case trace.SpanKindClient:
		return "CLIENT"
	case trace.SpanKindProducer:
		return "PRODUCER"
	case trace.SpanKindConsumer:
		return "CONSUMER"
	default:
		return "INTERNAL"
	}
}
