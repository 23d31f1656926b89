package app

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can map it to a response without string matching.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindGateway       Kind = "gateway"
	KindPersistence   Kind = "persistence"
	KindCompensation  Kind = "compensation"
	KindRateLimited   Kind = "rate_limited"
	KindUnknown       Kind = "unknown"
)

var (
	ErrInvalidAmount          = errors.New("invalid transfer amount")
	ErrAccountInactive        = errors.New("account is inactive")
	ErrNotMainAccount         = errors.New("account is not a main account")
	ErrFundingSourceInactive  = errors.New("funding source is inactive")
	ErrFundingSourceNotOwned  = errors.New("funding source does not belong to funder")
	ErrRelationshipInactive   = errors.New("funder is not authorized for this dependent")
	ErrRateLimited            = errors.New("transfer rate limit exceeded")
	ErrAccountsExist          = errors.New("user already has accounts")
	ErrAccountNumberExhausted = errors.New("could not generate a unique account number")
	ErrAccountAccessDenied    = errors.New("account does not belong to user")
	ErrSplitPolicyViolation   = errors.New("split policy returned invalid shares")
)

// Error is the typed failure returned by every service operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
	// Transient marks failures that may succeed on retry (gateway timeouts, 5xx).
	Transient bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the classification of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var allocErr *AllocationFailedError
	if errors.As(err, &allocErr) {
		return allocErr.Kind()
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Transient
	}
	return false
}

// AllocationFailedError is returned when a card was charged but the funds could not be
// allocated. The refund outcome decides whether money is left stranded.
type AllocationFailedError struct {
	TransferID    string
	ChargeID      string
	Reference     string
	AllocationErr error
	RefundErr     error
}

func (e *AllocationFailedError) Error() string {
	if e.RefundErr != nil {
		return fmt.Sprintf("allocation failed after charge %s and refund failed: allocation: %v; refund: %v",
			e.ChargeID, e.AllocationErr, e.RefundErr)
	}
	return fmt.Sprintf("allocation failed after charge %s, charge refunded: %v", e.ChargeID, e.AllocationErr)
}

func (e *AllocationFailedError) Unwrap() error {
	return e.AllocationErr
}

// Refunded reports whether the compensating refund went through.
func (e *AllocationFailedError) Refunded() bool {
	return e.RefundErr == nil
}

// Kind is persistence when the charge was returned and compensation when it was not.
func (e *AllocationFailedError) Kind() Kind {
	if e.Refunded() {
		return KindPersistence
	}
	return KindCompensation
}
