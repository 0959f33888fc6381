package runtime

import (
	"errors"
	"fmt"

	"github.com/quantfold/tradeflow/internal/domain"
)

// Fault markers. Job bodies and exchange exception handlers wrap errors in
// exactly one of these; the harness classifies with errors.As. An unwrapped
// error is treated as retryable, since the taxonomy's permanent bucket is for
// faults a handler has positively identified as non-recoverable.

type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return "retryable: " + errText(e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error { return &RetryableError{Err: err} }

type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + errText(e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error { return &PermanentError{Err: err} }

// IgnorableError completes the step with the error recorded for audit.
// Typical: duplicate-entry on an idempotent upsert, "order already cancelled"
// when cancellation is the goal anyway.
type IgnorableError struct{ Err error }

func (e *IgnorableError) Error() string { return "ignorable: " + errText(e.Err) }
func (e *IgnorableError) Unwrap() error { return e.Err }

func Ignorable(err error) error { return &IgnorableError{Err: err} }

// JustEndError ends the step as completed without compensators or alerts.
type JustEndError struct{ Reason string }

func (e *JustEndError) Error() string { return "just-end: " + e.Reason }

func JustEnd(reason string) error { return &JustEndError{Reason: reason} }

// JustResolveError fails the step and fires compensators, skipping the
// ignorable-classification round trip.
type JustResolveError struct{ Err error }

func (e *JustResolveError) Error() string { return "just-resolve: " + errText(e.Err) }
func (e *JustResolveError) Unwrap() error { return e.Err }

func JustResolve(err error) error { return &JustResolveError{Err: err} }

// NonNotifiableError downgrades an otherwise notifiable failure to silent.
// The step still fails.
type NonNotifiableError struct{ Err error }

func (e *NonNotifiableError) Error() string { return "non-notifiable: " + errText(e.Err) }
func (e *NonNotifiableError) Unwrap() error { return e.Err }

func NonNotifiable(err error) error { return &NonNotifiableError{Err: err} }

// VerificationError is raised when DoubleCheck reports the external
// side-effect did not take hold. Retryable up to verifyAttemptCap.
type VerificationError struct{ Detail string }

func (e *VerificationError) Error() string { return "verification failed: " + e.Detail }

func errText(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// Classification is the harness's decision for a fault.
type Classification struct {
	Kind       domain.ErrorKind
	Notifiable bool
	Message    string
}

const verifyAttemptCap = 3

func classify(err error) Classification {
	var perm *PermanentError
	var ign *IgnorableError
	var jend *JustEndError
	var jres *JustResolveError
	var nonn *NonNotifiableError
	var verr *VerificationError
	var retr *RetryableError

	switch {
	case errors.As(err, &jend):
		return Classification{Kind: domain.ErrKindJustEnd, Notifiable: false, Message: jend.Reason}
	case errors.As(err, &jres):
		return Classification{Kind: domain.ErrKindJustResolve, Notifiable: true, Message: jres.Error()}
	case errors.As(err, &nonn):
		return Classification{Kind: domain.ErrKindPermanent, Notifiable: false, Message: nonn.Error()}
	case errors.As(err, &ign):
		return Classification{Kind: domain.ErrKindIgnorable, Notifiable: false, Message: ign.Error()}
	case errors.As(err, &verr):
		return Classification{Kind: domain.ErrKindVerification, Notifiable: true, Message: verr.Error()}
	case errors.As(err, &perm):
		return Classification{Kind: domain.ErrKindPermanent, Notifiable: true, Message: perm.Error()}
	case errors.As(err, &retr):
		return Classification{Kind: domain.ErrKindRetryable, Notifiable: false, Message: retr.Error()}
	default:
		return Classification{Kind: domain.ErrKindRetryable, Notifiable: false, Message: fmt.Sprintf("unclassified: %v", err)}
	}
}
