package core

import (
	"context"
	"sync"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// MultiMetricsRecorder fans every observation out to several recorders.
type MultiMetricsRecorder []MetricsRecorder

func (m MultiMetricsRecorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	for _, recorder := range m {
		if recorder != nil {
			recorder.IncCounter(ctx, name, value, cloneTags(tags))
		}
	}
}

func (m MultiMetricsRecorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	for _, recorder := range m {
		if recorder != nil {
			recorder.ObserveHistogram(ctx, name, value, cloneTags(tags))
		}
	}
}

// CountingMetricsRecorder keeps counter totals in memory, keyed by metric
// name. Useful for the CLI dispatch summary and for tests.
type CountingMetricsRecorder struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewCountingMetricsRecorder() *CountingMetricsRecorder {
	return &CountingMetricsRecorder{counters: map[string]int64{}}
}

func (c *CountingMetricsRecorder) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	c.mu.Lock()
	c.counters[name] += value
	c.mu.Unlock()
}

func (c *CountingMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (c *CountingMetricsRecorder) Counter(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var (
	_ MetricsRecorder = NopMetricsRecorder{}
	_ MetricsRecorder = MultiMetricsRecorder{}
	_ MetricsRecorder = (*CountingMetricsRecorder)(nil)
)
