package settlement

import (
	"context"
	"fmt"
)

type OutcomeKind int

const (
	// Indeterminate means the true result is unknown. It is never treated as a failure.
	Indeterminate OutcomeKind = iota
	Confirmed
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	default:
		return "indeterminate"
	}
}

type Outcome struct {
	Kind      OutcomeKind
	Reference string
	Reason    string
}

func ConfirmedOutcome(reference string) Outcome {
	return Outcome{Kind: Confirmed, Reference: reference}
}

func RejectedOutcome(reason string) Outcome {
	return Outcome{Kind: Rejected, Reason: reason}
}

func IndeterminateOutcome(reason string) Outcome {
	return Outcome{Kind: Indeterminate, Reason: reason}
}

// Handle identifies an outstanding submission. Raw carries whatever the executor needs
// to re-send the same submission, e.g. a signed transaction.
type Handle struct {
	ID  string
	Raw []byte
}

// Executor is the external settlement system.
//
// Submit returns a *RejectedError when the executor definitely refused the payload.
// Any other error is indeterminate; if Handle.ID is set alongside such an error the
// submission may have gone out and the handle must be kept.
type Executor interface {
	Name() string
	Submit(ctx context.Context, payload []byte) (Handle, error)
	PollOutcome(ctx context.Context, h Handle) (Outcome, error)
}

type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("settlement rejected: %s", e.Reason)
}

func Reject(format string, args ...interface{}) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}
