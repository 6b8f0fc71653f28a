package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/roelfdiedericks/clawgate/internal/compaction"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/llm"
	"github.com/roelfdiedericks/clawgate/internal/session"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

type fakeProvider struct {
	model      string
	chatErr    error
	summaryErr error
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Type() string  { return "fake" }
func (f *fakeProvider) Model() string { return f.model }
func (f *fakeProvider) WithModel(model string) llm.Provider {
	clone := *f
	clone.model = model
	return &clone
}
func (f *fakeProvider) WithMaxTokens(int) llm.Provider { return f }
func (f *fakeProvider) IsAvailable() bool              { return f.model != "" }
func (f *fakeProvider) ContextTokens() int             { return 200 }
func (f *fakeProvider) MaxTokens() int                 { return 100 }

func (f *fakeProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	if f.summaryErr != nil {
		return "", f.summaryErr
	}
	return "  summary of the earlier conversation  ", nil
}

func (f *fakeProvider) Chat(ctx context.Context, messages []types.Message, systemPrompt string) (*llm.Response, error) {
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	last := messages[len(messages)-1]
	return &llm.Response{Text: "reply to: " + last.Content, StopReason: "end_turn"}, nil
}

func tenTokens(string) int { return 10 }

type harness struct {
	gw       *Gateway
	sessions *session.Manager
	provider *fakeProvider
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Compaction.KeepLast = 4
	cfg.Compaction.TriggerRatio = 0.5
	cfg.Compaction.SweepSchedule = "off"
	if mutate != nil {
		mutate(cfg)
	}

	provider := &fakeProvider{model: "test-model"}
	registry, err := llm.NewRegistry(llm.LLMConfig{})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	registry.Register("fake", provider)
	registry.SetPurpose(llm.PurposeAgent, llm.LLMPurposeConfig{Models: []string{"fake/test-model"}})

	sessions := session.NewManager(nil, session.ManagerConfig{TokenCounter: tenTokens})
	return &harness{
		gw:       NewWithSessions(cfg, sessions, registry),
		sessions: sessions,
		provider: provider,
	}
}

func (h *harness) seed(t *testing.T, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		if _, err := h.sessions.Append(context.Background(), key, types.Message{Role: role, Content: fmt.Sprintf("message %d", i)}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

func (h *harness) messages(t *testing.T, key string) []types.Message {
	t.Helper()
	sess, err := h.sessions.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return sess.GetMessages()
}

func TestChatTurn(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp, err := h.gw.HandleMessage(ctx, "cli:test", "cli", "  hello  ")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if resp.Text != "reply to: hello" || resp.Command || resp.Model != "fake/test-model" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Compaction != nil {
		t.Errorf("short session should not trigger compaction: %+v", resp.Compaction)
	}

	msgs := h.messages(t, "cli:test")
	if len(msgs) != 2 || msgs[0].Role != types.RoleUser || msgs[1].Role != types.RoleAssistant {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if msgs[0].Source != "cli" {
		t.Errorf("source = %q", msgs[0].Source)
	}

	sess, _ := h.sessions.Get(ctx, "cli:test")
	if sess.Model() != "test-model" || sess.MaxTokens() != 200 {
		t.Errorf("model tracking: model=%q maxTokens=%d", sess.Model(), sess.MaxTokens())
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.gw.HandleMessage(context.Background(), "cli:test", "cli", "   "); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestTurnTriggersAutoCompaction(t *testing.T) {
	h := newHarness(t, nil)
	key := "telegram:1"
	h.seed(t, key, 20)

	resp, err := h.gw.HandleMessage(context.Background(), key, "telegram", "hello")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if resp.Compaction == nil || !resp.Compaction.Applied() {
		t.Fatalf("expected automatic compaction, got %+v", resp.Compaction)
	}
	if resp.Compaction.Compacted != 18 || resp.Compaction.Kept != 4 || resp.Compaction.Trigger != compaction.TriggerAuto {
		t.Errorf("unexpected result: %+v", resp.Compaction)
	}

	msgs := h.messages(t, key)
	if len(msgs) != 5 || !msgs[0].IsCompactionSummary() {
		t.Fatalf("expected summary + 4, got %d messages", len(msgs))
	}
	if msgs[0].Content != "summary of the earlier conversation" {
		t.Errorf("summary = %q", msgs[0].Content)
	}
	if msgs[4].Content != "reply to: hello" {
		t.Errorf("last message = %q", msgs[4].Content)
	}
}

func TestPerModelOverrideApplies(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Compaction.Models = map[string]*compaction.Override{
			"test-model": {KeepLast: compaction.Int(10)},
		}
	})
	key := "telegram:2"
	h.seed(t, key, 20)

	resp, err := h.gw.HandleMessage(context.Background(), key, "telegram", "hello")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if resp.Compaction == nil || resp.Compaction.Compacted != 12 || resp.Compaction.Kept != 10 {
		t.Fatalf("expected model keepLast 10, got %+v", resp.Compaction)
	}
}

func TestAutoCompactionFailureDoesNotFailTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.summaryErr = errors.New("503 service unavailable")
	key := "telegram:3"
	h.seed(t, key, 20)

	resp, err := h.gw.HandleMessage(context.Background(), key, "telegram", "hello")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if resp.Text != "reply to: hello" {
		t.Errorf("reply = %q", resp.Text)
	}
	if resp.Compaction == nil || !resp.Compaction.Failed() || resp.Compaction.Kind != compaction.KindSummarizationFailure {
		t.Fatalf("expected summarization failure, got %+v", resp.Compaction)
	}
	if n := len(h.messages(t, key)); n != 22 {
		t.Errorf("history changed on failure: %d messages", n)
	}
}

func TestAgentFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.chatErr = errors.New("401 invalid x-api-key")

	_, err := h.gw.HandleMessage(context.Background(), "cli:test", "cli", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if llm.ClassifyError(err.Error()) != llm.ErrorTypeAuth {
		t.Errorf("error lost its cause: %v", err)
	}
}

func TestCommandsRouted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	key := "telegram:4"
	h.seed(t, key, 6)

	resp, err := h.gw.HandleMessage(ctx, key, "telegram", "/compact 2 --verbose")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !resp.Command || !strings.Contains(resp.Text, "Compacted 4 messages into a summary, kept the last 2.") {
		t.Fatalf("unexpected compact response: %+v", resp)
	}

	resp, _ = h.gw.HandleMessage(ctx, key, "telegram", "/status")
	if !strings.Contains(resp.Text, "Compactions: 1 (4 messages)") {
		t.Errorf("status:\n%s", resp.Text)
	}

	resp, _ = h.gw.HandleMessage(ctx, key, "telegram", "/compactions .compactions.messages_compacted")
	if resp.Text != "4" {
		t.Errorf("compactions query = %q", resp.Text)
	}

	resp, _ = h.gw.HandleMessage(ctx, key, "telegram", "/history")
	if lines := strings.Split(resp.Text, "\n"); len(lines) != 3 {
		t.Errorf("history:\n%s", resp.Text)
	}

	resp, _ = h.gw.HandleMessage(ctx, key, "telegram", "/clear")
	if resp.Text != "Session cleared." {
		t.Errorf("clear = %q", resp.Text)
	}
	sess, _ := h.sessions.Get(ctx, key)
	if sess.MessageCount() != 0 {
		t.Errorf("expected empty session, got %d", sess.MessageCount())
	}
	if tel, ok := compaction.ReadTelemetry(sess.Metadata()); !ok || tel.Total != 1 {
		t.Errorf("telemetry should survive clear: %+v", tel)
	}
}

func TestManualCompactUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := h.gw.HandleMessage(context.Background(), "telegram:404", "telegram", "/compact")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !errors.Is(resp.Err, compaction.ErrSessionNotFound) {
		t.Errorf("expected session not found, got %v", resp.Err)
	}
}

func TestApplyConfig(t *testing.T) {
	h := newHarness(t, nil)
	key := "telegram:5"
	h.seed(t, key, 20)

	cfg := config.Default()
	cfg.Compaction.Enabled = false
	cfg.Compaction.KeepLast = 8
	h.gw.ApplyConfig(cfg)

	policy := h.gw.Dispatcher().EffectivePolicy(context.Background(), key, nil)
	if policy.Enabled || policy.KeepLast != 8 {
		t.Errorf("policy not reloaded: %+v", policy)
	}
	if h.gw.Config().Compaction.SweepSchedule != "off" {
		t.Error("non-reloadable fields must be kept")
	}

	resp, err := h.gw.HandleMessage(context.Background(), key, "telegram", "hello")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if resp.Compaction != nil {
		t.Errorf("disabled policy must not compact: %+v", resp.Compaction)
	}
}
