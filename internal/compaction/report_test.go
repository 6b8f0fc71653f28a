package compaction

import (
	"errors"
	"strings"
	"testing"
)

func TestRenderApplied(t *testing.T) {
	res := appliedResult("telegram:1", TriggerManual, 152, 50, Telemetry{Total: 3, Count: 400, MessagesCompacted: 400})
	r := Render(res)

	for _, want := range []string{"152", "50", "3", "400"} {
		if !strings.Contains(r.Text, want) {
			t.Errorf("text missing %q: %q", want, r.Text)
		}
		if !strings.Contains(r.Markdown, want) {
			t.Errorf("markdown missing %q: %q", want, r.Markdown)
		}
	}
}

func TestRenderNoOp(t *testing.T) {
	r := Render(noOpResult("telegram:1", TriggerManual, ReasonWithinThreshold))
	if r.Text != "Nothing to compact: history within threshold." {
		t.Errorf("unexpected text: %q", r.Text)
	}
}

func TestRenderFailedHidesDetail(t *testing.T) {
	cause := errors.New("POST https://api.example.com: 401 invalid x-api-key sk-secret")
	r := Render(failedResult("telegram:1", TriggerManual, KindSummarizationFailure, "summarize", cause))

	if r.Text != "Compaction failed: summarization failed" {
		t.Errorf("unexpected text: %q", r.Text)
	}
	if strings.Contains(r.Markdown, "sk-secret") || strings.Contains(r.Text, "401") {
		t.Error("report leaks internal error detail")
	}
}
