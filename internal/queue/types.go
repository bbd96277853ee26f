package queue

import (
	"context"
	"errors"
	"time"
)

type BackoffKind string

const (
	// BackoffExponential delays retry n by base * 2^(n-1).
	BackoffExponential BackoffKind = "exponential"
	// BackoffFixed delays every retry by base.
	BackoffFixed BackoffKind = "fixed"
	// BackoffNone retries immediately.
	BackoffNone BackoffKind = "none"
)

// RetryPolicy bounds how often a failing job is re-run before it is parked
// in the failed state.
type RetryPolicy struct {
	MaxAttempts int // total attempts including the first; <=0 means 1
	Backoff     BackoffKind
	Base        time.Duration // default 1s
}

// Repeat re-enqueues the job after each successful run. Exactly one of Cron
// (standard 5-field spec) or Every must be set.
type Repeat struct {
	Cron  string
	Every time.Duration
}

type Options struct {
	// Delay postpones the first run.
	Delay time.Duration

	// UniqueKey dedupes enqueues: while a job with this key is pending or
	// active in the queue, further enqueues are no-ops returning the
	// existing handle.
	UniqueKey string

	Retry  RetryPolicy
	Repeat *Repeat
}

// Handle identifies an accepted job.
type Handle struct {
	ID    string
	Queue string
	// Existing is true when a unique-key collision made this enqueue a no-op.
	Existing bool
}

// Job is one claimed unit of work handed to a Handler.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Payload     []byte
	Attempt     int // 1-based
	MaxAttempts int
	UniqueKey   string
}

// Handler processes exactly one job. A nil return completes the job; an
// error return schedules a retry per the job's policy, unless the error is
// marked Permanent.
type Handler func(ctx context.Context, job *Job) error

// FailedJob is a job whose attempts are exhausted. These stay queryable for
// operator alerting; they are never silently dropped.
type FailedJob struct {
	ID        string
	Queue     string
	Name      string
	Attempts  int
	LastError string
	FailedAt  time.Time
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the job fails immediately regardless
// of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}
