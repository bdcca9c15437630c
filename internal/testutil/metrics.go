package testutil

import (
	"sync"
	"time"
)

// MetricCall is one metric captured by MetricsRecorder.
type MetricCall struct {
	Kind  string
	Name  string
	Value float64
	Tags  map[string]string
}

// MetricsRecorder is an in-memory statsd.Sink for assertions.
type MetricsRecorder struct {
	mu    sync.Mutex
	calls []MetricCall
}

func (r *MetricsRecorder) record(kind, name string, v float64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, MetricCall{Kind: kind, Name: name, Value: v, Tags: tags})
}

func (r *MetricsRecorder) Count(name string, value int64, tags map[string]string) {
	r.record("count", name, float64(value), tags)
}

func (r *MetricsRecorder) Gauge(name string, value float64, tags map[string]string) {
	r.record("gauge", name, value, tags)
}

func (r *MetricsRecorder) Timing(name string, value time.Duration, tags map[string]string) {
	r.record("timing", name, float64(value)/float64(time.Millisecond), tags)
}

// Named returns the captured calls for name.
func (r *MetricsRecorder) Named(name string) []MetricCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []MetricCall
	for _, c := range r.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
