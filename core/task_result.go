package core

import (
	"strings"
	"time"
)

type TaskOutcome string

const (
	TaskOutcomeSuccess TaskOutcome = "success"
	TaskOutcomeRetry   TaskOutcome = "retry"
	TaskOutcomeFatal   TaskOutcome = "fatal"
)

// TaskResult is the explicit outcome of running one task. Retry results carry
// the delay hint of the failure; fatal results are never retried.
type TaskResult struct {
	Outcome    TaskOutcome
	Properties GrantProperties
	Grant      *GrantRecord
	Delay      time.Duration
	Err        error
	Skipped    bool
	Reason     string
}

func Success(grant GrantRecord) TaskResult {
	record := grant.Clone()
	return TaskResult{
		Outcome:    TaskOutcomeSuccess,
		Properties: record.Properties.Clone(),
		Grant:      &record,
	}
}

// Skipped reports an idempotent short-circuit: nothing was called upstream.
func Skipped(reason string) TaskResult {
	return TaskResult{
		Outcome: TaskOutcomeSuccess,
		Skipped: true,
		Reason:  strings.TrimSpace(reason),
	}
}

func RetryAfter(delay time.Duration, cause error) TaskResult {
	if delay < 0 {
		delay = 0
	}
	return TaskResult{
		Outcome: TaskOutcomeRetry,
		Delay:   delay,
		Err:     cause,
	}
}

func Fatal(err error) TaskResult {
	return TaskResult{
		Outcome: TaskOutcomeFatal,
		Err:     err,
	}
}

func (r TaskResult) IsSuccess() bool {
	return r.Outcome == TaskOutcomeSuccess
}

func (r TaskResult) IsRetry() bool {
	return r.Outcome == TaskOutcomeRetry
}

func (r TaskResult) IsFatal() bool {
	return r.Outcome == TaskOutcomeFatal
}

// ResultFromError classifies err into retry or fatal.
func ResultFromError(err error) TaskResult {
	if err == nil {
		return TaskResult{Outcome: TaskOutcomeSuccess}
	}
	if retriable, ok := AsRetriable(err); ok {
		return RetryAfter(retriable.Delay, err)
	}
	if IsConflict(err) && HasTextCode(err, ServiceErrorLocked) {
		return RetryAfter(0, err)
	}
	return Fatal(err)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return ResultFromError(err).IsFatal()
}
