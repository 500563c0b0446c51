package models

import (
	"context"
	"errors"
)

// Terminal access and budget errors. None of these are retried.
var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrTenantSuspended = errors.New("tenant suspended")
	ErrBudgetExceeded  = errors.New("budget exceeded")
	ErrBadRequest      = errors.New("bad request")
	ErrModelNotPriced  = errors.New("model not priced")
)

// Invoker errors. Timeout and unavailable are retried before surfacing as
// ErrModelCallFailed.
var (
	ErrInvokerTimeout     = errors.New("invoker timeout")
	ErrInvokerUnavailable = errors.New("invoker unavailable")
	ErrInvokerRejected    = errors.New("invoker rejected")
	ErrModelCallFailed    = errors.New("model call failed")
)

// ErrRecorderWriteFailed never fails a user request.
var ErrRecorderWriteFailed = errors.New("recorder write failed")

// ErrorClass tells callers how to react to an error.
type ErrorClass string

const (
	ClassTransient    ErrorClass = "transient"
	ClassBudgetAccess ErrorClass = "budget_access"
	ClassBadRequest   ErrorClass = "bad_request"
	ClassInternal     ErrorClass = "internal"
)

// Classify maps an error onto the caller-facing taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrTenantNotFound),
		errors.Is(err, ErrTenantSuspended),
		errors.Is(err, ErrBudgetExceeded):
		return ClassBudgetAccess
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrModelNotPriced),
		errors.Is(err, ErrInvokerRejected):
		return ClassBadRequest
	case errors.Is(err, ErrModelCallFailed),
		errors.Is(err, ErrInvokerTimeout),
		errors.Is(err, ErrInvokerUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassInternal
	}
}

// FailureReason returns the usage-record failure string for err.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTenantNotFound):
		return "tenant_not_found"
	case errors.Is(err, ErrTenantSuspended):
		return "tenant_suspended"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrModelNotPriced):
		return "model_not_priced"
	case errors.Is(err, ErrInvokerRejected):
		return "invoker_rejected"
	case errors.Is(err, ErrModelCallFailed):
		return "model_call_failed"
	case errors.Is(err, ErrInvokerTimeout):
		return "invoker_timeout"
	case errors.Is(err, ErrInvokerUnavailable):
		return "invoker_unavailable"
	case errors.Is(err, context.Canceled):
		return "client_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "client_timeout"
	default:
		return "internal_error"
	}
}
