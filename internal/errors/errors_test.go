package errors

import (
	goerrors "errors"
	"fmt"
	"testing"
)

func TestError(t *testing.T) {
	t.Run("Codes", func(t *testing.T) {
		tests := []struct {
			kind Kind
			code ErrorCode
			name string
		}{
			{KindInternal, ErrInternal, "Internal"},
			{KindBadSchema, ErrBadSchema, "BadSchema"},
			{KindName, ErrName, "NameError"},
			{KindInvalid, ErrInvalid, "Invalid"},
			{KindInvalidField, ErrInvalidField, "InvalidField"},
			{KindDuplicateRecord, ErrDuplicateRecord, "DuplicateRecord"},
			{KindNoRecord, ErrNoRecord, "NoRecord"},
			{KindConflict, ErrConflict, "Conflict"},
		}
		for _, tt := range tests {
			e := New(tt.kind, "boom")
			if e.Code() != tt.code {
				t.Errorf("%v: code = %q, want %q", tt.kind, e.Code(), tt.code)
			}
			if e.Name() != tt.name {
				t.Errorf("%v: name = %q, want %q", tt.kind, e.Name(), tt.name)
			}
		}
	})

	t.Run("Wrap", func(t *testing.T) {
		cause := goerrors.New("disk full")
		e := Internal("write failed", cause)
		if e.Error() != "write failed: disk full" {
			t.Errorf("Error() = %q", e.Error())
		}
		if !goerrors.Is(e, cause) {
			t.Error("expected errors.Is to find the cause")
		}
	})

	t.Run("KindThroughWrapping", func(t *testing.T) {
		err := fmt.Errorf("saving: %w", New(KindInvalidField, "Item.name: expected `string`"))
		if KindOf(err) != KindInvalidField {
			t.Errorf("KindOf = %v", KindOf(err))
		}
		if !IsValidation(err) {
			t.Error("expected validation error")
		}
		if IsValidation(goerrors.New("plain")) {
			t.Error("plain errors are not validation errors")
		}
		if KindOf(goerrors.New("plain")) != KindInternal {
			t.Error("plain errors are internal")
		}
	})

	t.Run("Is", func(t *testing.T) {
		sentinel := New(KindNoRecord, "")
		err := fmt.Errorf("get: %w", Newf(KindNoRecord, "no record %q", "Item/1"))
		if !goerrors.Is(err, sentinel) {
			t.Error("expected kind match")
		}
		if goerrors.Is(err, New(KindDuplicateRecord, "")) {
			t.Error("unexpected match on a different kind")
		}
	})

	t.Run("Reason", func(t *testing.T) {
		e := New(KindInvalid, "double, expected `double`: \"foo\"").WithReason("expected `double`: \"foo\"")
		if Message(e) != "expected `double`: \"foo\"" {
			t.Errorf("Message = %q", Message(e))
		}
		if Message(goerrors.New("even numbers only")) != "even numbers only" {
			t.Error("plain error message should pass through")
		}
		e.WithDetail("type", "double")
		if e.Details()["type"] != "double" {
			t.Errorf("details = %v", e.Details())
		}
	})
}
