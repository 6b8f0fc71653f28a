package llm

import (
	"fmt"
	"strings"
)

// ErrorType categorizes LLM errors for failover and user messaging decisions.
type ErrorType string

const (
	ErrorTypeUnknown         ErrorType = "unknown"
	ErrorTypeContextOverflow ErrorType = "context_overflow"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeOverloaded      ErrorType = "overloaded"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeBilling         ErrorType = "billing"
	ErrorTypeTimeout         ErrorType = "timeout"
)

// errorPatterns are checked in order; the first type with a matching substring wins.
// Context overflow comes first because overflow errors often also carry a 400/413.
var errorPatterns = []struct {
	kind     ErrorType
	patterns []string
}{
	{ErrorTypeContextOverflow, []string{
		"context_length_exceeded", "context length exceeded", "context size has been exceeded",
		"maximum context length", "prompt is too long", "request_too_large",
		"exceeds model context window", "exceeded model token limit",
	}},
	{ErrorTypeRateLimit, []string{
		"429", "rate_limit", "rate limit", "too many requests", "quota exceeded",
		"exceeded your current quota", "resource_exhausted", "requests per minute",
	}},
	{ErrorTypeOverloaded, []string{
		"overloaded", "529", "server is busy", "temporarily unavailable",
	}},
	{ErrorTypeBilling, []string{
		"402", "payment required", "insufficient credits", "credit balance", "insufficient_quota", "billing",
	}},
	{ErrorTypeAuth, []string{
		"401", "403", "invalid api key", "invalid_api_key", "incorrect api key", "x-api-key",
		"unauthorized", "forbidden", "authentication",
	}},
	{ErrorTypeTimeout, []string{
		"408", "504", "timeout", "timed out", "deadline exceeded", "connection reset",
	}},
}

// ClassifyError determines the error type from an error message.
// Returns ErrorTypeUnknown if the error doesn't match any known pattern.
func ClassifyError(msg string) ErrorType {
	if msg == "" {
		return ErrorTypeUnknown
	}
	lower := strings.ToLower(msg)
	for _, group := range errorPatterns {
		for _, p := range group.patterns {
			if strings.Contains(lower, p) {
				return group.kind
			}
		}
	}
	return ErrorTypeUnknown
}

// IsFailoverError returns true if the error type should move on to the next model in the chain.
// Context overflow is not a failover error: the session needs compaction instead.
func IsFailoverError(errType ErrorType) bool {
	switch errType {
	case ErrorTypeRateLimit, ErrorTypeAuth, ErrorTypeBilling, ErrorTypeTimeout, ErrorTypeOverloaded:
		return true
	}
	return false
}

// FormatErrorForUser returns a user-friendly error message based on error type.
func FormatErrorForUser(msg string, errType ErrorType) string {
	switch errType {
	case ErrorTypeContextOverflow:
		return "Context overflow: the conversation is too large for the model. Try /compact."
	case ErrorTypeRateLimit:
		return "Rate limited - too many requests. Please wait a moment and try again."
	case ErrorTypeOverloaded:
		return "The AI service is temporarily overloaded. Please try again in a moment."
	case ErrorTypeAuth:
		return "Authentication failed. Check your API key configuration."
	case ErrorTypeBilling:
		return "Billing issue with the AI provider. Check your account credits/plan."
	case ErrorTypeTimeout:
		return "Request timed out. Please try again."
	default:
		return fmt.Sprintf("LLM error: %s", msg)
	}
}
