package compaction

import (
	"context"

	"github.com/roelfdiedericks/clawgate/internal/types"
)

// Summarizer condenses an ordered run of messages into one message.
// On success the content must be non-empty; the engine fixes role, source and timestamp.
type Summarizer interface {
	Summarize(ctx context.Context, messages []types.Message) (types.Message, error)
}

// SummarizerFunc adapts a function to Summarizer
type SummarizerFunc func(ctx context.Context, messages []types.Message) (types.Message, error)

func (f SummarizerFunc) Summarize(ctx context.Context, messages []types.Message) (types.Message, error) {
	return f(ctx, messages)
}
