// Package metrics keeps in-process counters and timings for status reporting.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsManager is the global metrics manager
type MetricsManager struct {
	mu       sync.RWMutex
	timings  map[string]*TimingMetric
	counters map[string]*CounterMetric
	outcomes map[string]*OutcomeMetric
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New creates an independent manager (tests use this instead of the singleton)
func New() *MetricsManager {
	return &MetricsManager{
		timings:  make(map[string]*TimingMetric),
		counters: make(map[string]*CounterMetric),
		outcomes: make(map[string]*OutcomeMetric),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	return strings.ToLower(topic) + "/" + strings.ToLower(function)
}

// RecordDuration adds one timing sample
func (m *MetricsManager) RecordDuration(topic, function string, d time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	t, ok := m.timings[path]
	if !ok {
		t = &TimingMetric{}
		m.timings[path] = t
	}
	m.mu.Unlock()

	t.add(d)
}

// IncrementCounter adds 1 to a counter
func (m *MetricsManager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds delta to a counter
func (m *MetricsManager) AddCounter(topic, function string, delta int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	c, ok := m.counters[path]
	if !ok {
		c = &CounterMetric{}
		m.counters[path] = c
	}
	m.mu.Unlock()

	c.mu.Lock()
	c.Value += delta
	c.Last = time.Now()
	c.mu.Unlock()
}

// RecordOutcome counts one occurrence of a named outcome ("applied", "noop", ...)
func (m *MetricsManager) RecordOutcome(topic, function, outcome string) {
	path := buildPath(topic, function)

	m.mu.Lock()
	o, ok := m.outcomes[path]
	if !ok {
		o = &OutcomeMetric{Counts: make(map[string]int64)}
		m.outcomes[path] = o
	}
	m.mu.Unlock()

	o.mu.Lock()
	o.Counts[outcome]++
	o.Last = outcome
	o.mu.Unlock()
}

// Counter returns a counter's value (0 if never recorded)
func (m *MetricsManager) Counter(topic, function string) int64 {
	m.mu.RLock()
	c, ok := m.counters[buildPath(topic, function)]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Value
}

// OutcomeCount returns how many times outcome was recorded
func (m *MetricsManager) OutcomeCount(topic, function, outcome string) int64 {
	m.mu.RLock()
	o, ok := m.outcomes[buildPath(topic, function)]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.Counts[outcome]
}

// GetSnapshot returns a point-in-time copy of every metric keyed by path
func (m *MetricsManager) GetSnapshot() map[string]*MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*MetricSnapshot)
	get := func(path string) *MetricSnapshot {
		s, ok := out[path]
		if !ok {
			s = &MetricSnapshot{Path: path}
			out[path] = s
		}
		return s
	}

	for path, t := range m.timings {
		t.mu.RLock()
		s := get(path)
		s.Count = t.Count
		if t.Count > 0 {
			s.AvgMs = float64(t.Total.Milliseconds()) / float64(t.Count)
		}
		s.MinMs = t.Min.Milliseconds()
		s.MaxMs = t.Max.Milliseconds()
		t.mu.RUnlock()
	}
	for path, c := range m.counters {
		c.mu.RLock()
		get(path).Value = c.Value
		c.mu.RUnlock()
	}
	for path, o := range m.outcomes {
		o.mu.RLock()
		s := get(path)
		s.Outcomes = make(map[string]int64, len(o.Counts))
		for k, v := range o.Counts {
			s.Outcomes[k] = v
		}
		o.mu.RUnlock()
	}
	return out
}

// FormatTopic renders every metric under topic as one line each, sorted by path
func (m *MetricsManager) FormatTopic(topic string) []string {
	prefix := strings.ToLower(topic) + "/"
	snap := m.GetSnapshot()

	paths := make([]string, 0, len(snap))
	for p := range snap {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	lines := make([]string, 0, len(paths))
	for _, p := range paths {
		lines = append(lines, snap[p].String())
	}
	return lines
}

func (s *MetricSnapshot) String() string {
	var parts []string
	if s.Count > 0 {
		parts = append(parts, fmt.Sprintf("n=%d avg=%.0fms max=%dms", s.Count, s.AvgMs, s.MaxMs))
	}
	if s.Value != 0 {
		parts = append(parts, fmt.Sprintf("value=%d", s.Value))
	}
	if len(s.Outcomes) > 0 {
		keys := make([]string, 0, len(s.Outcomes))
		for k := range s.Outcomes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, s.Outcomes[k]))
		}
	}
	return s.Path + ": " + strings.Join(parts, " ")
}
