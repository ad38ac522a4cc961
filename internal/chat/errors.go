package chat

import (
	"errors"
	"time"
)

var (
	// ErrUnauthorized: the actor is not a participant of the match, or the
	// realtime credential was rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidContent: empty or oversized message content.
	ErrInvalidContent = errors.New("invalid content")
	// ErrRateLimited: the caller is being throttled.
	ErrRateLimited = errors.New("rate limited")
	// ErrConnectionLost: the realtime transport dropped.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotFound: the referenced record does not exist or is not visible to
	// the caller.
	ErrNotFound = errors.New("not found")
)

// RateLimitError carries the advised wait before retrying. It matches
// ErrRateLimited under errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited, retry after " + e.RetryAfter.String()
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter returns the advised wait carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidContent):
		return "invalid_content"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	default:
		return "internal"
	}
}
