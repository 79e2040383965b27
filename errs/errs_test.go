package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New("ledger/post", CodeInsufficientFunds,
		WithMessage("debit leg overdraws account"),
		WithEntity("acct-1"),
	)
	got := err.Error()
	want := `scope=ledger/post code=insufficient_funds message="debit leg overdraws account" entity=acct-1`
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCodeOfWrapped(t *testing.T) {
	base := New("execution/settle", CodeConflict, WithMessage("version mismatch"))
	wrapped := fmt.Errorf("settle order: %w", base)

	code, ok := CodeOf(wrapped)
	if !ok {
		t.Fatal("expected structured code through wrapping")
	}
	if code != CodeConflict {
		t.Errorf("CodeOf() = %s, want %s", code, CodeConflict)
	}
	if !Is(wrapped, CodeConflict) {
		t.Error("Is() should match wrapped code")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Error("plain errors must not report a structured code")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeConflict, true},
		{CodeUnavailable, true},
		{CodeInsufficientFunds, false},
		{CodeInvariant, false},
	}
	for _, tc := range cases {
		err := New("test", tc.code)
		if got := Retryable(err); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestReasonFallback(t *testing.T) {
	withReason := New("wallet/transfer", CodeInsufficientFunds, WithReason("balance below requested amount"))
	if got := Reason(withReason); got != "balance below requested amount" {
		t.Errorf("Reason() = %q", got)
	}
	withMessage := New("wallet/transfer", CodeNotFound, WithMessage("account missing"))
	if got := Reason(withMessage); got != "account missing" {
		t.Errorf("Reason() = %q", got)
	}
	plain := errors.New("boom")
	if got := Reason(plain); got != "boom" {
		t.Errorf("Reason() = %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("io failure")
	err := New("feed/connect", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}
