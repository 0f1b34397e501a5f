package prom

import (
	"context"
	"strings"
	"sync"

	"github.com/esinanturan/polar/core"
	"github.com/prometheus/client_golang/prometheus"
)

const maxLabelLen = 64

// Labels every grants metric carries. Tags outside this set are dropped.
var labelNames = []string{"operation", "task_kind", "benefit_kind", "outcome"}

// DefaultBuckets covers task and job durations in milliseconds.
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Recorder is a core.MetricsRecorder backed by Prometheus vectors. Vectors
// are created on first use and registered with the configured registerer.
type Recorder struct {
	registerer prometheus.Registerer
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

type Option func(*Recorder)

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

func NewRecorder(registerer prometheus.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		registerer: registerer,
		buckets:    DefaultBuckets,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value <= 0 {
		return
	}
	vec := r.counter(name)
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues(tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	vec := r.histogram(name)
	if vec == nil {
		return
	}
	vec.WithLabelValues(labelValues(tags)...).Observe(value)
}

func (r *Recorder) counter(name string) *prometheus.CounterVec {
	metric := metricName(name)
	if metric == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.counters[metric]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metric + "_total",
		Help: "Total " + name + " events by operation, task kind, benefit kind and outcome",
	}, labelNames)
	vec = registerCollector(r.registerer, vec)
	r.counters[metric] = vec
	return vec
}

func (r *Recorder) histogram(name string) *prometheus.HistogramVec {
	metric := metricName(name)
	if metric == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if vec, ok := r.histograms[metric]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metric,
		Help:    "Distribution of " + name,
		Buckets: r.buckets,
	}, labelNames)
	vec = registerCollector(r.registerer, vec)
	r.histograms[metric] = vec
	return vec
}

// registerCollector returns the already registered collector when another
// recorder registered the same metric first.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

// metricName maps "grants.task.runs" to "grants_task_runs".
func metricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func labelValues(tags map[string]string) []string {
	values := make([]string, len(labelNames))
	for i, label := range labelNames {
		values[i] = sanitizeLabel(tags[label])
	}
	return values
}

func sanitizeLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

var _ core.MetricsRecorder = (*Recorder)(nil)
