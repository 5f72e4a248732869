// telemetryctl reports on the telemetry database the services write when
// TELEMETRY_DB is set: slowest operations, recent errors and the latest
// metric readings, straight from the SQLite file the exporters feed.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	_ "modernc.org/sqlite"

	"github.com/libris/circulation/pkg/observability"
)

func main() {
	defaultDB := os.Getenv("TELEMETRY_DB")
	if defaultDB == "" {
		defaultDB = "telemetry.db"
	}

	var (
		dbPath  = flag.String("db", defaultDB, "telemetry database file")
		since   = flag.Duration("since", time.Hour, "report window")
		limit   = flag.Int("limit", 15, "rows per section")
		service = flag.String("service", "", "only this service")
		traceID = flag.String("trace", "", "print one trace and exit")
		metric  = flag.String("metric", "circulation.%", "metric name pattern")
	)
	flag.Parse()

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fail(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	queries, err := observability.NewQueries(observability.ExporterConfig{DB: db})
	if err != nil {
		fail(err)
	}

	ctx := context.Background()

	if *traceID != "" {
		if err := printTrace(ctx, queries, *traceID); err != nil {
			fail(err)
		}
		return
	}

	cutoff := time.Now().Add(-*since)
	if err := printReport(ctx, queries, cutoff, *limit, *service, *metric); err != nil {
		fail(err)
	}
}

func printReport(ctx context.Context, queries *observability.Queries, cutoff time.Time, limit int, service, metric string) error {
	slowest, err := queries.Spans(ctx, observability.SpanFilter{
		Since:        cutoff,
		Service:      service,
		SlowestFirst: true,
		Limit:        limit,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Slowest spans since %s\n", cutoff.Format(time.RFC3339))
	if len(slowest) == 0 {
		fmt.Println("  none recorded; is the service running with TELEMETRY_DB set?")
	} else {
		w := newTable()
		fmt.Fprintln(w, "DURATION\tNAME\tSERVICE\tSTATUS\tTRACE")
		for _, span := range slowest {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				span.Duration.Round(time.Microsecond), span.Name, span.Service, span.Status, span.TraceID)
		}
		w.Flush()
	}

	failed, err := queries.Spans(ctx, observability.SpanFilter{
		Since:      cutoff,
		Service:    service,
		ErrorsOnly: true,
		Limit:      limit,
	})
	if err != nil {
		return err
	}

	fmt.Println("\nRecent errors")
	if len(failed) == 0 {
		fmt.Println("  none")
	} else {
		w := newTable()
		fmt.Fprintln(w, "WHEN\tNAME\tSERVICE\tMESSAGE\tTRACE")
		for _, span := range failed {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				span.Start.Format(time.TimeOnly), span.Name, span.Service, span.StatusMessage, span.TraceID)
		}
		w.Flush()
	}

	points, err := queries.Metrics(ctx, observability.MetricFilter{
		Name:    metric,
		Service: service,
		Since:   cutoff,
		Limit:   limit,
	})
	if err != nil {
		return err
	}

	fmt.Println("\nLatest metrics")
	if len(points) == 0 {
		fmt.Println("  none recorded")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "AT\tNAME\tSERVICE\tREADING\tATTRIBUTES")
	for _, point := range points {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			point.At.Format(time.TimeOnly), point.Name, point.Service, reading(point), attrs(point.Attributes))
	}
	w.Flush()
	return nil
}

// printTrace lists one trace's spans in the order they started.
func printTrace(ctx context.Context, queries *observability.Queries, traceID string) error {
	spans, err := queries.Spans(ctx, observability.SpanFilter{TraceID: traceID, Limit: 1000})
	if err != nil {
		return err
	}
	if len(spans) == 0 {
		return fmt.Errorf("trace %s not found", traceID)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })

	root := spans[0].Start
	w := newTable()
	fmt.Fprintln(w, "OFFSET\tDURATION\tNAME\tSERVICE\tKIND\tSTATUS")
	for _, span := range spans {
		fmt.Fprintf(w, "+%s\t%s\t%s\t%s\t%s\t%s\n",
			span.Start.Sub(root).Round(time.Microsecond),
			span.Duration.Round(time.Microsecond),
			span.Name, span.Service, span.Kind, span.Status)
	}
	w.Flush()
	return nil
}

// reading renders a data point: plain value for gauges and sums, a summary
// for histograms.
func reading(point observability.MetricRecord) string {
	if point.Kind == "histogram" {
		var count int64
		if point.Count != nil {
			count = *point.Count
		}
		if count > 0 && point.Sum != nil {
			return fmt.Sprintf("n=%d avg=%.4g%s", count, *point.Sum/float64(count), point.Unit)
		}
		return fmt.Sprintf("n=%d", count)
	}
	if point.Value == nil {
		return "-"
	}
	return fmt.Sprintf("%g%s", *point.Value, point.Unit)
}

func attrs(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, m[k])
	}
	return out
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "telemetryctl:", err)
	os.Exit(1)
}
