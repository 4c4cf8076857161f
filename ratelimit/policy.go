package ratelimit

import (
	"fmt"
	"time"
)

// LimitType names a policy.
type LimitType string

const (
	Login         LimitType = "login"
	TwoFactor     LimitType = "2fa"
	PasswordReset LimitType = "password_reset"
	OTPSend       LimitType = "otp_send"
	APICall       LimitType = "api_call"
)

// Policy bounds attempts within a window. Exceeding it blocks the identifier
// for BlockDuration.
type Policy struct {
	MaxAttempts   int           `toml:"max_attempts"`
	Window        time.Duration `toml:"window"`
	BlockDuration time.Duration `toml:"block"`
}

func (p Policy) validate(t LimitType) error {
	switch {
	case p.MaxAttempts <= 0:
		return fmt.Errorf("%w: %s max attempts must be > 0", ErrInvalidPolicy, t)
	case p.Window <= 0:
		return fmt.Errorf("%w: %s window must be > 0", ErrInvalidPolicy, t)
	case p.BlockDuration <= 0:
		return fmt.Errorf("%w: %s block duration must be > 0", ErrInvalidPolicy, t)
	}
	return nil
}

// DefaultPolicies returns a fresh copy of the built-in policy table.
func DefaultPolicies() map[LimitType]Policy {
	return map[LimitType]Policy{
		Login:         {MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: time.Hour},
		TwoFactor:     {MaxAttempts: 3, Window: 5 * time.Minute, BlockDuration: 30 * time.Minute},
		PasswordReset: {MaxAttempts: 3, Window: time.Hour, BlockDuration: 2 * time.Hour},
		OTPSend:       {MaxAttempts: 5, Window: time.Hour, BlockDuration: time.Hour},
		APICall:       {MaxAttempts: 100, Window: time.Minute, BlockDuration: 5 * time.Minute},
	}
}

// resetsOnSuccess lists the types whose counter clears after a successful
// attempt. Other types count every attempt.
func resetsOnSuccess(t LimitType) bool {
	return t == Login || t == TwoFactor
}
