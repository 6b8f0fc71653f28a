package compaction

import (
	"encoding/json"
	"time"
)

// MetadataKey is where telemetry lives in session metadata.
const MetadataKey = "compactions"

// TimestampLayout is the sortable form of last_at (UTC, microseconds).
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Telemetry holds cumulative compaction counters for a session.
// Count and MessagesCompacted are always equal; both are kept because tooling reads either.
type Telemetry struct {
	Total             int    `json:"total"`
	Count             int    `json:"count"`
	MessagesCompacted int    `json:"messages_compacted"`
	LastAt            string `json:"last_at,omitempty"`
}

// ReadTelemetry extracts telemetry from session metadata. ok is false if none has been recorded.
// Accepts both in-memory ints and the float64s produced by JSON decoding.
func ReadTelemetry(meta map[string]any) (t Telemetry, ok bool) {
	raw, ok := meta[MetadataKey].(map[string]any)
	if !ok {
		return Telemetry{}, false
	}
	t.Total = toInt(raw["total"])
	t.Count = toInt(raw["count"])
	t.MessagesCompacted = toInt(raw["messages_compacted"])
	t.LastAt, _ = raw["last_at"].(string)
	return t, true
}

// Record returns the telemetry after one successful compaction that removed n messages.
func (t Telemetry) Record(n int, now time.Time) Telemetry {
	t.Total++
	t.Count += n
	t.MessagesCompacted += n
	t.LastAt = now.UTC().Format(TimestampLayout)
	return t
}

// Map renders the persisted shape.
func (t Telemetry) Map() map[string]any {
	m := map[string]any{
		"total":              t.Total,
		"count":              t.Count,
		"messages_compacted": t.MessagesCompacted,
	}
	if t.LastAt != "" {
		m["last_at"] = t.LastAt
	}
	return m
}

// LastAtTime parses LastAt; ok is false when absent or malformed.
func (t Telemetry) LastAtTime() (time.Time, bool) {
	if t.LastAt == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(TimestampLayout, t.LastAt)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// writeTelemetry stores t into meta under MetadataKey
func writeTelemetry(meta map[string]any, t Telemetry) {
	meta[MetadataKey] = t.Map()
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
