package commands

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/roelfdiedericks/clawgate/internal/compaction"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

type fakeProvider struct {
	info      *SessionInfo
	result    compaction.Result
	rawArgs   string
	queries   []string
	query     []any
	history   []types.Message
	historyN  int
	cleared   string
	metrics   []string
	failWith  error
}

func (f *fakeProvider) GetSessionInfoForCommands(ctx context.Context, key string) (*SessionInfo, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.info, nil
}

func (f *fakeProvider) ForceCompact(ctx context.Context, key, rawArgs string) (compaction.Result, compaction.ManualArgs) {
	f.rawArgs = rawArgs
	return f.result, compaction.ParseManualArgs(rawArgs)
}

func (f *fakeProvider) QueryCompactions(ctx context.Context, key, query string) ([]any, error) {
	f.queries = append(f.queries, query)
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.query, nil
}

func (f *fakeProvider) GetHistory(ctx context.Context, key string, max int) ([]types.Message, error) {
	f.historyN = max
	return f.history, nil
}

func (f *fakeProvider) ResetSession(ctx context.Context, key string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.cleared = key
	return nil
}

func (f *fakeProvider) GetCompactionMetrics() []string {
	return f.metrics
}

func TestSplit(t *testing.T) {
	tests := []struct {
		in, name, args string
	}{
		{"/compact", "/compact", ""},
		{"  /Compact 20 --verbose ", "/compact", "20 --verbose"},
		{"/compact@clawgate_bot 5", "/compact", "5"},
		{"/help@clawgate_bot", "/help", ""},
	}
	for _, tt := range tests {
		name, args := Split(tt.in)
		if name != tt.name || args != tt.args {
			t.Errorf("Split(%q) = %q, %q; want %q, %q", tt.in, name, args, tt.name, tt.args)
		}
	}
}

func TestIsCommand(t *testing.T) {
	if !IsCommand(" /status") {
		t.Error("expected /status to be a command")
	}
	if IsCommand("hello /status") {
		t.Error("plain text is not a command")
	}
}

func TestUnknownCommand(t *testing.T) {
	m := NewManager(&fakeProvider{})
	res := m.Execute(context.Background(), "/nope", "cli:test")
	if !strings.Contains(res.Text, "Unknown command: /nope") || res.ExitCode != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCompactApplied(t *testing.T) {
	p := &fakeProvider{result: compaction.Result{
		Outcome:   compaction.OutcomeApplied,
		Compacted: 152,
		Kept:      50,
		Telemetry: compaction.Telemetry{Total: 1, Count: 152, MessagesCompacted: 152},
	}}
	m := NewManager(p)

	res := m.Execute(context.Background(), "/compact 50 --silent", "cli:test")
	if p.rawArgs != "50 --silent" {
		t.Errorf("raw args = %q", p.rawArgs)
	}
	if res.Error != nil || res.ExitCode != 0 {
		t.Errorf("unexpected error: %+v", res)
	}
	// silent still reports
	if !strings.Contains(res.Text, "Compacted 152 messages") || !strings.Contains(res.Text, "kept the last 50") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestCompactNoOpAndFailure(t *testing.T) {
	p := &fakeProvider{result: compaction.Result{Outcome: compaction.OutcomeNoOp, Reason: compaction.ReasonWithinThreshold}}
	m := NewManager(p)

	res := m.Execute(context.Background(), "/compact", "cli:test")
	if res.Text != "Nothing to compact: history within threshold." {
		t.Errorf("noop text = %q", res.Text)
	}

	cause := errors.New("upstream 500 with secret detail")
	p.result = compaction.Result{
		Outcome: compaction.OutcomeFailed,
		Kind:    compaction.KindSummarizationFailure,
		Err:     &compaction.CompactionError{Op: "summarize", Kind: compaction.KindSummarizationFailure, Err: cause},
	}
	res = m.Execute(context.Background(), "/compact", "cli:test")
	if res.ExitCode != 1 || !errors.Is(res.Error, compaction.ErrSummarizationFailed) {
		t.Errorf("expected summarization failure, got %+v", res)
	}
	if strings.Contains(res.Text, "secret") {
		t.Errorf("failure report leaks internal detail: %q", res.Text)
	}
}

func TestStatus(t *testing.T) {
	p := &fakeProvider{
		info: &SessionInfo{
			SessionKey:   "telegram:1",
			Model:        "claude-sonnet-4-5",
			Messages:     51,
			TotalTokens:  1500,
			MaxTokens:    200000,
			UsagePercent: 0.75,
			Policy:       compaction.Policy{Enabled: true, KeepLast: 50, TriggerRatio: 0.8},
			Telemetry:    compaction.Telemetry{Total: 2, Count: 212, MessagesCompacted: 212, LastAt: "2026-03-14T09:26:53.589793"},
			HasTelemetry: true,
		},
		metrics: []string{"compaction/compact: n=2 avg=12ms max=20ms"},
	}
	m := NewManager(p)

	res := m.Execute(context.Background(), "/status", "telegram:1")
	for _, want := range []string{
		"Model: claude-sonnet-4-5",
		"Messages: 51",
		"Automatic: at 80% usage, keeping 50",
		"Compactions: 2 (212 messages)",
		"Last: 2026-03-14 09:26 UTC",
		"compaction/compact: n=2",
	} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("status missing %q:\n%s", want, res.Text)
		}
	}

	p.failWith = errors.New("session not found")
	res = m.Execute(context.Background(), "/status", "telegram:1")
	if res.Error == nil {
		t.Error("expected error result")
	}
}

func TestCompactionsQuery(t *testing.T) {
	p := &fakeProvider{query: []any{float64(2)}}
	m := NewManager(p)

	res := m.Execute(context.Background(), "/compactions .compactions.total", "cli:test")
	if p.queries[0] != ".compactions.total" {
		t.Errorf("query = %q", p.queries[0])
	}
	if res.Text != "2" {
		t.Errorf("text = %q", res.Text)
	}

	p.query = []any{nil}
	res = m.Execute(context.Background(), "/compactions", "cli:test")
	if res.Text != "No compactions recorded." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestHistory(t *testing.T) {
	p := &fakeProvider{history: []types.Message{
		{Role: types.RoleSystem, Content: "earlier", Source: types.SourceCompaction},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: strings.Repeat("x", 400)},
	}}
	m := NewManager(p)

	res := m.Execute(context.Background(), "/history 3", "cli:test")
	if p.historyN != 3 {
		t.Errorf("history n = %d", p.historyN)
	}
	lines := strings.Split(res.Text, "\n")
	if len(lines) != 3 || lines[1] != "[user] hi" {
		t.Fatalf("unexpected history:\n%s", res.Text)
	}
	if !strings.HasSuffix(lines[2], "...") || len([]rune(lines[2])) != len("[assistant] ")+300 {
		t.Errorf("long message not truncated: %d runes", len([]rune(lines[2])))
	}

	res = m.Execute(context.Background(), "/history abc", "cli:test")
	if res.ExitCode != 1 || !strings.Contains(res.Text, "Usage: /history [count]") {
		t.Errorf("expected usage, got %+v", res)
	}
}

func TestClearAlias(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p)

	res := m.Execute(context.Background(), "/reset", "telegram:7")
	if p.cleared != "telegram:7" || res.Text != "Session cleared." {
		t.Errorf("clear not routed: %+v cleared=%q", res, p.cleared)
	}
}

func TestHelpListsCommandsOnce(t *testing.T) {
	m := NewManager(&fakeProvider{})
	res := m.Execute(context.Background(), "/help", "cli:test")

	if strings.Count(res.Text, "/clear") != 1 {
		t.Errorf("alias listed separately:\n%s", res.Text)
	}
	for _, name := range []string{"/compact [keep_last] [--silent|--verbose]", "/compactions", "/history", "/status"} {
		if !strings.Contains(res.Text, name) {
			t.Errorf("help missing %q", name)
		}
	}
}
