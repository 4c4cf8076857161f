package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrUnknownPolicy = errors.New("unknown rate limit type")
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
	ErrUnavailable   = errors.New("rate limit store unavailable")
)

// ExceededError is returned while an identifier is blocked.
type ExceededError struct {
	LimitType  LimitType
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.LimitType, int(e.RetryAfter.Seconds()))
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the wait duration from err, if it is an ExceededError.
func RetryAfter(err error) (time.Duration, bool) {
	var ex *ExceededError
	if errors.As(err, &ex) {
		return ex.RetryAfter, true
	}
	return 0, false
}
