package prom

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_CountsByLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry)
	ctx := context.Background()

	tags := map[string]string{"operation": "task.run", "task_kind": "grant", "outcome": "success", "grant_id": "ignored"}
	recorder.IncCounter(ctx, "grants.task.runs", 1, tags)
	recorder.IncCounter(ctx, "grants.task.runs", 2, tags)
	recorder.IncCounter(ctx, "grants.task.runs", 1, map[string]string{"task_kind": "revoke", "outcome": "retry"})
	recorder.IncCounter(ctx, "grants.task.runs", 0, tags)

	vec := recorder.counter("grants.task.runs")
	if got := testutil.ToFloat64(vec.WithLabelValues("task.run", "grant", "unknown", "success")); got != 3 {
		t.Fatalf("expected 3 successful grant runs, got %v", got)
	}
	if got := testutil.ToFloat64(vec.WithLabelValues("unknown", "revoke", "unknown", "retry")); got != 1 {
		t.Fatalf("expected 1 revoke retry, got %v", got)
	}
	count, err := testutil.GatherAndCount(registry, "grants_task_runs_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two label sets, got %d", count)
	}
}

func TestRecorder_ObservesHistograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry, WithBuckets([]float64{10, 100}))

	recorder.ObserveHistogram(context.Background(), "grants.queue.job_duration_ms", 42, map[string]string{"task_kind": "cycle"})
	recorder.ObserveHistogram(context.Background(), "grants.queue.job_duration_ms", 7, map[string]string{"task_kind": "cycle"})

	count, err := testutil.GatherAndCount(registry, "grants_queue_job_duration_ms")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one histogram series, got %d", count)
	}
}

func TestRecorder_SharesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewRecorder(registry)
	second := NewRecorder(registry)

	first.IncCounter(context.Background(), "grants.outbox.claimed", 1, nil)
	second.IncCounter(context.Background(), "grants.outbox.claimed", 1, nil)

	vec := first.counter("grants.outbox.claimed")
	if got := testutil.ToFloat64(vec.WithLabelValues("unknown", "unknown", "unknown", "unknown")); got != 2 {
		t.Fatalf("expected both recorders to share the collector, got %v", got)
	}
}

func TestMetricName(t *testing.T) {
	cases := map[string]string{
		"grants.task.runs":   "grants_task_runs",
		" grants.sweep-ran ": "grants_sweep_ran",
		"9lives":             "_9lives",
		"":                   "",
	}
	for in, want := range cases {
		if got := metricName(in); got != want {
			t.Fatalf("metricName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeLabel(t *testing.T) {
	if got := sanitizeLabel(""); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
	if got := sanitizeLabel("meter credit"); got != "meter_credit" {
		t.Fatalf("expected underscores, got %q", got)
	}
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	if got := sanitizeLabel(string(long)); len(got) != maxLabelLen {
		t.Fatalf("expected truncation to %d, got %d", maxLabelLen, len(got))
	}
}
