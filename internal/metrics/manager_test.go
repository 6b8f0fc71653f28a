package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCountersAndOutcomes(t *testing.T) {
	m := New()
	m.IncrementCounter("Compaction", "Runs")
	m.AddCounter("compaction", "runs", 4)
	m.RecordOutcome("compaction", "manual", "applied")
	m.RecordOutcome("compaction", "manual", "applied")
	m.RecordOutcome("compaction", "manual", "noop")

	if n := m.Counter("compaction", "runs"); n != 5 {
		t.Errorf("counter = %d, want 5 (paths are case-insensitive)", n)
	}
	if n := m.OutcomeCount("compaction", "manual", "applied"); n != 2 {
		t.Errorf("applied = %d, want 2", n)
	}
	if n := m.OutcomeCount("compaction", "auto", "applied"); n != 0 {
		t.Errorf("unrecorded outcome = %d", n)
	}
}

func TestFormatTopic(t *testing.T) {
	m := New()
	m.RecordDuration("compaction", "compact", 10*time.Millisecond)
	m.RecordDuration("compaction", "compact", 30*time.Millisecond)
	m.RecordOutcome("compaction", "manual", "noop")
	m.RecordOutcome("compaction", "manual", "applied")
	m.AddCounter("gateway", "turns", 3)

	lines := m.FormatTopic("compaction")
	want := []string{
		"compaction/compact: n=2 avg=20ms max=30ms",
		"compaction/manual: applied=1 noop=1",
	}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "gateway/") {
			t.Errorf("other topic leaked: %q", l)
		}
	}
}

func TestSnapshotTimings(t *testing.T) {
	m := New()
	m.RecordDuration("llm", "request", 50*time.Millisecond)
	m.RecordDuration("llm", "request", 5*time.Millisecond)

	s := m.GetSnapshot()["llm/request"]
	if s == nil {
		t.Fatal("missing snapshot")
	}
	if s.Count != 2 || s.MinMs != 5 || s.MaxMs != 50 {
		t.Errorf("snapshot = %+v", s)
	}
}
