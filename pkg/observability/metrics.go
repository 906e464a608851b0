package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRunsTotal     = "nixvet.runs.total"
	metricRunDuration   = "nixvet.run.duration.seconds"
	metricPackages      = "nixvet.packages.scanned"
	metricProblemsTotal = "nixvet.problems.total"
	metricEditsTotal    = "nixvet.edits.total"
	metricMovesTotal    = "nixvet.moves.total"
	metricManualTotal   = "nixvet.manual_migrations.total"

	attrOp     = "op"
	attrStatus = "status"
	attrKind   = "kind"

	// StatusOK marks a run that completed and passed.
	StatusOK = "ok"
	// StatusFailed marks a run whose verdict reported problems.
	StatusFailed = "failed"
	// StatusError marks a run aborted by an operational error.
	StatusError = "error"
)

// durationBucketBoundaries covers 10ms to 600s, from snapshot checks to
// scans of a full tree.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// RatchetMetrics holds the OTel instruments of ratchet runs.
type RatchetMetrics struct {
	runsTotal     metric.Int64Counter
	runDuration   metric.Float64Histogram
	packages      metric.Int64Counter
	problemsTotal metric.Int64Counter
	editsTotal    metric.Int64Counter
	movesTotal    metric.Int64Counter
	manualTotal   metric.Int64Counter
}

// NewRatchetMetrics creates the ratchet instruments from the given meter.
func NewRatchetMetrics(mt metric.Meter) (*RatchetMetrics, error) {
	runsTotal, err := mt.Int64Counter(metricRunsTotal,
		metric.WithDescription("Total number of command runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunsTotal, err)
	}

	runDuration, err := mt.Float64Histogram(metricRunDuration,
		metric.WithDescription("Command run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunDuration, err)
	}

	rm := &RatchetMetrics{runsTotal: runsTotal, runDuration: runDuration}

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&rm.packages, metricPackages, "Packages found in scanned trees", "{package}"},
		{&rm.problemsTotal, metricProblemsTotal, "Ratchet problems reported", "{problem}"},
		{&rm.editsTotal, metricEditsTotal, "Source edits planned by migrations", "{edit}"},
		{&rm.movesTotal, metricMovesTotal, "File moves planned by migrations", "{move}"},
		{&rm.manualTotal, metricManualTotal, "Packages flagged for manual migration", "{package}"},
	}

	for _, c := range counters {
		counter, err := mt.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}

		*c.target = counter
	}

	return rm, nil
}

// RecordRun records a finished command run.
func (rm *RatchetMetrics) RecordRun(ctx context.Context, op, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrOp, op),
		attribute.String(attrStatus, status),
	)

	rm.runsTotal.Add(ctx, 1, attrs)
	rm.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPackages records the size of a scanned snapshot.
func (rm *RatchetMetrics) RecordPackages(ctx context.Context, n int) {
	rm.packages.Add(ctx, int64(n))
}

// RecordProblem counts one reported problem of the given kind.
func (rm *RatchetMetrics) RecordProblem(ctx context.Context, kind string) {
	rm.problemsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// RecordMigration records the outcome of a migration plan.
func (rm *RatchetMetrics) RecordMigration(ctx context.Context, edits, moves, manual int) {
	rm.editsTotal.Add(ctx, int64(edits))
	rm.movesTotal.Add(ctx, int64(moves))
	rm.manualTotal.Add(ctx, int64(manual))
}
