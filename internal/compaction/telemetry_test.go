package compaction

import (
	"encoding/json"
	"testing"
	"time"
)

func TestReadTelemetryAbsent(t *testing.T) {
	if _, ok := ReadTelemetry(nil); ok {
		t.Error("nil metadata should have no telemetry")
	}
	if _, ok := ReadTelemetry(map[string]any{"compactions": "garbage"}); ok {
		t.Error("malformed telemetry should read as absent")
	}
}

func TestReadTelemetryFromDecodedJSON(t *testing.T) {
	raw := `{"compactions":{"total":2,"count":212,"messages_compacted":212,"last_at":"2026-03-14T09:26:53.589793"},"other":true}`

	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tel, ok := ReadTelemetry(meta)
	if !ok {
		t.Fatal("expected telemetry")
	}
	want := Telemetry{Total: 2, Count: 212, MessagesCompacted: 212, LastAt: "2026-03-14T09:26:53.589793"}
	if tel != want {
		t.Errorf("got %+v, want %+v", tel, want)
	}

	ts, ok := tel.LastAtTime()
	if !ok || !ts.Equal(time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)) {
		t.Errorf("LastAtTime = %v (ok=%v)", ts, ok)
	}
}

func TestTelemetryRecord(t *testing.T) {
	local := time.FixedZone("SAST", 2*60*60)
	now := time.Date(2026, 1, 2, 14, 0, 0, 123456789, local)

	tel := Telemetry{}.Record(152, now).Record(60, now)
	if tel.Total != 2 || tel.Count != 212 || tel.MessagesCompacted != 212 {
		t.Errorf("unexpected counters: %+v", tel)
	}
	if tel.LastAt != "2026-01-02T12:00:00.123456" {
		t.Errorf("last_at should be UTC with microseconds, got %q", tel.LastAt)
	}

	m := tel.Map()
	if m["total"] != 2 || m["count"] != 212 || m["messages_compacted"] != 212 || m["last_at"] != tel.LastAt {
		t.Errorf("unexpected map: %v", m)
	}
}
