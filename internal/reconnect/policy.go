// Package reconnect holds the retry policy and the single-timer scheduler
// that drive automatic reconnection.
package reconnect

import (
	"errors"
	"time"
)

// Policy describes how long to wait before each reconnect attempt and when
// to give up. It is read-only once handed to a manager.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Unrecognised close codes back off on a slower curve.
	UnknownBaseDelay time.Duration
	UnknownMaxDelay  time.Duration

	// ReauthDelay is the fixed pause before presenting a fresh QR challenge
	// after the account was logged out.
	ReauthDelay time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:        3 * time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
		UnknownBaseDelay: 5 * time.Second,
		UnknownMaxDelay:  60 * time.Second,
		ReauthDelay:      3 * time.Second,
	}
}

// Delay returns min(BaseDelay*attempt, MaxDelay) for a transient close.
func (p Policy) Delay(attempt int) time.Duration {
	return linear(p.BaseDelay, p.MaxDelay, attempt)
}

// UnknownDelay is Delay for close codes the classifier did not recognise.
func (p Policy) UnknownDelay(attempt int) time.Duration {
	return linear(p.UnknownBaseDelay, p.UnknownMaxDelay, attempt)
}

// Exhausted reports whether attempt is past the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// Validate checks the policy for values that would stall or spin.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 || p.UnknownBaseDelay <= 0 {
		return errors.New("reconnect base delays must be positive")
	}
	if p.BaseDelay > p.MaxDelay {
		return errors.New("reconnect base delay must be less than or equal to max delay")
	}
	if p.UnknownBaseDelay > p.UnknownMaxDelay {
		return errors.New("reconnect unknown base delay must be less than or equal to unknown max delay")
	}
	if p.MaxAttempts < 0 {
		return errors.New("reconnect max attempts must be non-negative")
	}
	if p.ReauthDelay < 0 {
		return errors.New("reauth delay must be non-negative")
	}
	return nil
}

func linear(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Compare before multiplying so large attempt counts cannot overflow.
	if base > 0 && time.Duration(attempt) > ceiling/base {
		return ceiling
	}
	return min(base*time.Duration(attempt), ceiling)
}
