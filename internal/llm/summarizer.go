package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

// CompactionSummaryPrompt is the prompt for generating compaction summaries
const CompactionSummaryPrompt = `Summarize this conversation for context preservation. Include:
1. Main topics discussed
2. Key decisions or conclusions
3. Current state/context
4. Any pending items or open questions

If the conversation starts with an earlier summary, fold it into yours.
Keep the summary concise but comprehensive (max 2000 tokens).
Format as plain text, not JSON.`

const summarySystemPrompt = "You are a helpful assistant that creates concise conversation summaries."

// maxMessageChars bounds how much of one message goes into the transcript
const maxMessageChars = 2000

// SummaryClient is the part of the registry the summarizer needs
type SummaryClient interface {
	SimpleMessageWithFailover(ctx context.Context, purpose, userMessage, systemPrompt string) (text, ref string, err error)
}

// Summarizer condenses history through the summarization model chain.
// It satisfies compaction.Summarizer.
type Summarizer struct {
	client  SummaryClient
	purpose string
}

// NewSummarizer creates a summarizer over the summarization purpose
func NewSummarizer(client SummaryClient) *Summarizer {
	return &Summarizer{client: client, purpose: PurposeSummarization}
}

// Summarize asks the model for a summary of messages and returns it as a system message
func (s *Summarizer) Summarize(ctx context.Context, messages []types.Message) (types.Message, error) {
	if s.client == nil {
		return types.Message{}, fmt.Errorf("no LLM client available")
	}

	userMessage := fmt.Sprintf("%s\n\nConversation to summarize:\n%s", CompactionSummaryPrompt, BuildTranscript(messages))

	L_info("compaction: generating summary", "messages", len(messages))
	start := time.Now()

	text, ref, err := s.client.SimpleMessageWithFailover(ctx, s.purpose, userMessage, summarySystemPrompt)
	if err != nil {
		return types.Message{}, fmt.Errorf("LLM call failed: %w", err)
	}
	L_elapsed(start, "compaction: summary completed", "model", ref, "length", len(text))

	return types.Message{
		Role:    types.RoleSystem,
		Content: strings.TrimSpace(text),
		Source:  types.SourceCompaction,
	}, nil
}

// BuildTranscript renders messages as numbered "role: content" blocks,
// truncating very long messages.
func BuildTranscript(messages []types.Message) string {
	var b strings.Builder
	for i, msg := range messages {
		role := msg.Role
		if msg.IsCompactionSummary() {
			role = "earlier summary"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n\n", i+1, role, truncateRunes(msg.Content, maxMessageChars))
	}
	return b.String()
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "... [truncated]"
}
