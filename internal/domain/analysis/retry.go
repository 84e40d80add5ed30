package analysis

import "strings"

// Error text that marks an entity failure as transient.
const (
	ErrMsgDispatchFailed      = "dispatch failed"
	ErrMsgStaleRunningEntity  = "stale running entity"
	ErrMsgNoEligibleNode      = "no eligible node"
	ErrMsgResourceExhausted   = "resource exhausted"
	ErrMsgTimeout             = "timed out"
	ErrMsgExceedsTaskCapacity = "exceeds historical analysis task limit"
	ErrMsgWorkerShutdown      = "worker shutting down"
)

// DefaultRetryablePatterns lists the substrings treated as transient when no
// configuration overrides them.
var DefaultRetryablePatterns = []string{
	ErrMsgDispatchFailed,
	ErrMsgStaleRunningEntity,
	ErrMsgNoEligibleNode,
	ErrMsgResourceExhausted,
	ErrMsgTimeout,
	ErrMsgExceedsTaskCapacity,
	ErrMsgWorkerShutdown,
}

// RetryClassifier decides whether an entity failure should be retried.
// Transport delivery failures are themselves classified here, so the
// coordinator decides retryability rather than the transport.
type RetryClassifier struct {
	patterns []string
}

// NewRetryClassifier builds a classifier from case-insensitive substrings.
// An empty list falls back to DefaultRetryablePatterns.
func NewRetryClassifier(patterns []string) RetryClassifier {
	if len(patterns) == 0 {
		patterns = DefaultRetryablePatterns
	}
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	return RetryClassifier{patterns: lowered}
}

// IsRetryable reports whether the error message matches a transient pattern.
func (c RetryClassifier) IsRetryable(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	msg := strings.ToLower(errMsg)
	for _, p := range c.patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
