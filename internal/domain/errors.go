package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRaceLost signals that a compare-and-set did not apply because another worker
	// already moved the record. It is a concurrency signal, not a failure.
	ErrRaceLost = errors.New("compare-and-set lost: record already moved")

	// ErrTimeout is returned when an item exceeds its overall polling budget.
	ErrTimeout = errors.New("timed out")

	// ErrCancelled is the cancellation cause attached to a cancelled job's item contexts.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound is returned when a job or item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRemoteCourseTaken is returned when a remote course id is already assigned to another item.
	ErrRemoteCourseTaken = errors.New("remote course already assigned to another item")
)

// ValidationError rejects a malformed submission before any record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ErrorKind classifies remote failures for the retry policy.
type ErrorKind string

const (
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindPermanent   ErrorKind = "permanent"
)

// RemoteError is a failed call to the course-provisioning API.
type RemoteError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NewTransientError builds a retryable remote error.
func NewTransientError(op string, statusCode int, err error) *RemoteError {
	return &RemoteError{Op: op, Kind: ErrorKindTransient, StatusCode: statusCode, Err: err}
}

// NewRateLimitedError builds a remote error that should be retried after a cool-down.
func NewRateLimitedError(op string, statusCode int, retryAfter time.Duration, msg string) *RemoteError {
	return &RemoteError{Op: op, Kind: ErrorKindRateLimited, StatusCode: statusCode, RetryAfter: retryAfter, Message: msg}
}

// NewPermanentError builds a remote error that must not be retried.
func NewPermanentError(op string, statusCode int, msg string) *RemoteError {
	return &RemoteError{Op: op, Kind: ErrorKindPermanent, StatusCode: statusCode, Message: msg}
}

// KindOf classifies err. Unclassified errors and per-call deadline expiries are transient;
// validation failures are permanent.
func KindOf(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrorKindPermanent
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return ErrorKindPermanent
	}
	return ErrorKindTransient
}

// RetryAfterOf returns the server-supplied cool-down carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// FinalizeError reports that a job's notification could not be delivered after retries.
// It fails the job, never its items.
type FinalizeError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize job %s: notification failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}
