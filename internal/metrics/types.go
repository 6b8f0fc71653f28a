package metrics

import (
	"sync"
	"time"
)

// TimingMetric tracks timing statistics
type TimingMetric struct {
	mu    sync.RWMutex
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration
}

func (t *TimingMetric) add(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Total += d
	t.Last = d
}

// CounterMetric tracks incrementing values
type CounterMetric struct {
	mu    sync.RWMutex
	Value int64
	Last  time.Time
}

// OutcomeMetric counts occurrences of named outcomes
type OutcomeMetric struct {
	mu     sync.RWMutex
	Counts map[string]int64
	Last   string
}

// MetricSnapshot is a point-in-time copy of one metric path
type MetricSnapshot struct {
	Path     string
	Count    int64
	AvgMs    float64
	MinMs    int64
	MaxMs    int64
	Value    int64
	Outcomes map[string]int64
}
