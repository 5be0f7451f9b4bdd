package showrun

import (
	"errors"
	"fmt"
)

// maxErrorLen caps every error message persisted to a step result or task row.
const maxErrorLen = 1000

// ErrTransient marks a failure worth retrying: network blips, upstream 5xx,
// resource contention. The dispatcher re-enqueues the task with backoff.
type ErrTransient struct {
	Op      string
	Message string
	Err     error
}

func (e *ErrTransient) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ErrTransient) Unwrap() error { return e.Err }

// ErrPermanent marks a failure that no retry can fix: input contract
// violation, unsupported media, explicit rejection by a tool.
type ErrPermanent struct {
	Op      string
	Message string
	Err     error
}

func (e *ErrPermanent) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ErrPermanent) Unwrap() error { return e.Err }

// ErrPaused propagates a pause request observed at an inter-step checkpoint.
// Never retried; the task stays paused until an explicit resume.
type ErrPaused struct {
	Reason string
}

func (e *ErrPaused) Error() string {
	return fmt.Sprintf("paused: %s", e.Reason)
}

// ErrCanceled propagates a cancel request observed at an inter-step
// checkpoint. Terminal.
type ErrCanceled struct {
	Reason string
}

func (e *ErrCanceled) Error() string {
	return fmt.Sprintf("canceled: %s", e.Reason)
}

// ErrDuplicateContent rejects an enqueue whose candidate carries a content
// signature already held by an approved or used candidate in the project.
type ErrDuplicateContent struct {
	ProjectID   string
	CandidateID string
	MatchID     string
	Signature   string
}

func (e *ErrDuplicateContent) Error() string {
	return fmt.Sprintf("duplicate content in project %s: candidate %s matches %s (signature %s)",
		e.ProjectID, e.CandidateID, e.MatchID, e.Signature)
}

// ErrTopicRepeat rejects an enqueue whose topic signature matches one of the
// N most recently published tasks on the destination.
type ErrTopicRepeat struct {
	Destination string
	Signature   string
	MatchTaskID string
}

func (e *ErrTopicRepeat) Error() string {
	return fmt.Sprintf("topic repeat on %s: signature %s last published by task %s",
		e.Destination, e.Signature, e.MatchTaskID)
}

// ErrAcquireTimeout reports a semaphore acquire that found no free slot
// within the wait budget. Classified transient.
type ErrAcquireTimeout struct {
	Name string
	Wait string
}

func (e *ErrAcquireTimeout) Error() string {
	return fmt.Sprintf("semaphore %s: no slot within %s", e.Name, e.Wait)
}

// ErrUnavailable reports a backing-store outage (durable store or KV).
// Classified transient.
type ErrUnavailable struct {
	Store string
	Err   error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Store, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

// ErrorClass is the dispatcher-facing classification of a step failure.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassTransient
	ClassPermanent
	ClassPaused
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassPaused:
		return "paused"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error to its retry class. Unknown errors are the
// caller's problem: the dispatcher treats them as transient on the first
// attempt and permanent after that.
func Classify(err error) ErrorClass {
	var (
		transient *ErrTransient
		permanent *ErrPermanent
		paused    *ErrPaused
		canceled  *ErrCanceled
		acquire   *ErrAcquireTimeout
		unavail   *ErrUnavailable
	)
	switch {
	case errors.As(err, &canceled):
		return ClassCanceled
	case errors.As(err, &paused):
		return ClassPaused
	case errors.As(err, &permanent):
		return ClassPermanent
	case errors.As(err, &transient), errors.As(err, &acquire), errors.As(err, &unavail):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// TruncateError trims a message to the persisted cap. Step results and task
// error columns never store more than this.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen]
}
