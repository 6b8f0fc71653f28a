package compaction

import (
	"errors"
	"fmt"

	"github.com/roelfdiedericks/clawgate/internal/session"
)

// Sentinel errors for errors.Is checks against a Result's Err.
var (
	ErrSessionNotFound     = session.ErrSessionNotFound
	ErrSummarizationFailed = errors.New("summarization failed")
	ErrPersistenceFailed   = errors.New("persistence failed")
)

// FailureKind classifies a failed compaction
type FailureKind string

const (
	KindSessionNotFound      FailureKind = "session_not_found"
	KindSummarizationFailure FailureKind = "summarization_failure"
	KindPersistenceFailure   FailureKind = "persistence_failure"
)

// Describe returns a short user-facing name for the kind
func (k FailureKind) Describe() string {
	switch k {
	case KindSessionNotFound:
		return "session not found"
	case KindSummarizationFailure:
		return "summarization failed"
	case KindPersistenceFailure:
		return "could not save session"
	default:
		return "unknown error"
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case KindSessionNotFound:
		return ErrSessionNotFound
	case KindSummarizationFailure:
		return ErrSummarizationFailed
	case KindPersistenceFailure:
		return ErrPersistenceFailed
	}
	return nil
}

// CompactionError carries the failing step and session alongside the cause
type CompactionError struct {
	Op         string // "load", "summarize", "persist"
	SessionKey string
	Kind       FailureKind
	Err        error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("compaction %s failed for session %s: %v", e.Op, e.SessionKey, e.Err)
}

func (e *CompactionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind, so errors.Is(err, ErrSummarizationFailed)
// holds regardless of the underlying provider error.
func (e *CompactionError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}
