// Package errs provides structured error types and helpers for ToGather services.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a failure category surfaced by the core services.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates an optimistic-version conflict on a concurrent mutation.
	CodeConflict Code = "conflict"
	// CodeInsufficientFunds indicates a debit leg would overdraw an account.
	CodeInsufficientFunds Code = "insufficient_funds"
	// CodeInsufficientBalance indicates the cached trading balance cannot cover a buy.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeInsufficientHolding indicates the cached position cannot cover a sell.
	CodeInsufficientHolding Code = "insufficient_holding"
	// CodeInsufficientGroupHolding indicates the group position cannot cover a group sell.
	CodeInsufficientGroupHolding Code = "insufficient_group_holding"
	// CodeStockDisabled indicates trading is disabled for the instrument.
	CodeStockDisabled Code = "stock_disabled"
	// CodeOrderNotCancellable indicates the order already reached a terminal state.
	CodeOrderNotCancellable Code = "order_not_cancellable"
	// CodeUnavailable indicates an external dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInvariant indicates a broken internal invariant; never user-correctable.
	CodeInvariant Code = "invariant_violation"
)

// E captures structured error information produced across the ToGather core.
type E struct {
	Scope   string
	Code    Code
	Message string
	Reason  string
	Entity  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and failure code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope: strings.TrimSpace(scope),
		Code:  code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithReason attaches the audit reason persisted on financial records.
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithEntity records the id of the entity the failure relates to.
func WithEntity(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Entity = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+strconv.Quote(e.Reason))
	}
	if e.Entity != "" {
		parts = append(parts, "entity="+e.Entity)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the structured code from err, returning ok=false for
// errors produced outside this package.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if structured, ok := err.(*E); ok {
			return structured.Code, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = unwrapper.Unwrap()
	}
	return "", false
}

// Is reports whether err carries the given structured code.
func Is(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}

// Retryable reports whether the failure category is safe to retry.
func Retryable(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	return code == CodeConflict || code == CodeUnavailable
}

// Reason returns the persisted audit reason for err, falling back to the
// message and finally the raw error text.
func Reason(err error) string {
	for cursor := err; cursor != nil; {
		if structured, ok := cursor.(*E); ok {
			if structured.Reason != "" {
				return structured.Reason
			}
			if structured.Message != "" {
				return structured.Message
			}
		}
		unwrapper, ok := cursor.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cursor = unwrapper.Unwrap()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
