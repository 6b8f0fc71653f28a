// Package tokens provides token estimation utilities using tiktoken.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Estimator provides token estimation using tiktoken
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// DefaultEncoding is cl100k_base, used by GPT-4 and close enough for Claude models
const DefaultEncoding = "cl100k_base"

// MessageOverhead approximates the per-message framing cost (role, separators).
const MessageOverhead = 4

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the global token estimator (singleton)
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using fallback", "error", err)
			globalEstimator = &Estimator{}
		}
	})
	return globalEstimator
}

// New creates a new token estimator
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string.
// Falls back to chars/4 if tiktoken is unavailable.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessage returns the token count of a message body plus framing overhead.
func (e *Estimator) CountMessage(content string) int {
	return e.Count(content) + MessageOverhead
}

// EstimateMessage is CountMessage on the global estimator.
func EstimateMessage(content string) int {
	return Get().CountMessage(content)
}

// UsageRatio returns used/window, or 0 when the window is unknown.
func UsageRatio(used, window int) float64 {
	if window <= 0 {
		return 0
	}
	return float64(used) / float64(window)
}
