package core

import (
	"math"
	"time"
)

// RetryScheduler turns retry results into a next attempt time, escalating to
// a fatal failure once MaxAttempts is reached.
type RetryScheduler struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type RetryDecision struct {
	Retry     bool
	NotBefore time.Time
	Delay     time.Duration
	Escalated bool
	Err       error
}

func DefaultRetryScheduler() RetryScheduler {
	return DefaultConfig().RetryScheduler()
}

func (s RetryScheduler) normalized() RetryScheduler {
	defaults := RetryScheduler{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaults.MaxAttempts
	}
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = defaults.InitialBackoff
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = defaults.MaxBackoff
	}
	return s
}

// Decide is only meaningful for retry results; any other outcome yields a
// zero decision. attempt is the 1-based number of the attempt that failed.
func (s RetryScheduler) Decide(attempt int, result TaskResult, now time.Time) RetryDecision {
	if !result.IsRetry() {
		return RetryDecision{}
	}
	s = s.normalized()
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= s.MaxAttempts {
		return RetryDecision{
			Escalated: true,
			Err:       RetriesExhaustedError(attempt, result.Err),
		}
	}
	delay := result.Delay
	if delay <= 0 {
		delay = s.Backoff(attempt)
	}
	return RetryDecision{
		Retry:     true,
		Delay:     delay,
		NotBefore: now.Add(delay),
		Err:       result.Err,
	}
}

// Backoff is InitialBackoff * 2^(attempt-1), capped at MaxBackoff.
func (s RetryScheduler) Backoff(attempt int) time.Duration {
	s = s.normalized()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(s.InitialBackoff)
	multiplier := math.Pow(2, float64(attempt-1))
	next := time.Duration(base * multiplier)
	if next <= 0 || next > s.MaxBackoff {
		return s.MaxBackoff
	}
	return next
}
