package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindNotFound, "ruleset missing")
	if err.Error() != "ruleset missing" {
		t.Errorf("expected 'ruleset missing', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "fetch failed")
	if wrapped.Error() != "fetch failed: ruleset missing" {
		t.Errorf("expected 'fetch failed: ruleset missing', got '%s'", wrapped.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindApply, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, KindApply, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
	if Attr(nil, "k", "v") != nil {
		t.Error("Attr(nil) should be nil")
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindProtocol, "bad frame")
	if GetKind(err) != KindProtocol {
		t.Errorf("expected KindProtocol, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindTransport, "read failed")
	if GetKind(wrapped) != KindTransport {
		t.Errorf("expected KindTransport, got %v", GetKind(wrapped))
	}

	// fmt wrapping keeps the inner kind visible
	std := fmt.Errorf("context: %w", err)
	if !IsKind(std, KindProtocol) {
		t.Errorf("expected KindProtocol through fmt wrap, got %v", GetKind(std))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
	if IsKind(nil, KindUnknown) {
		t.Error("nil should not match any kind")
	}
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindConfig:    "config",
		KindTransport: "transport",
		KindProtocol:  "protocol",
		KindNotFound:  "not_found",
		KindApply:     "apply",
		KindAuth:      "auth",
		KindInvalid:   "invalid",
		KindInternal:  "internal",
		KindUnknown:   "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindApply, "kernel rejected ruleset")
	err = Attr(err, "ruleset", "01-table")
	err = Attr(err, "size", 80)

	attrs := GetAttributes(err)
	if attrs["ruleset"] != "01-table" {
		t.Errorf("expected 01-table, got %v", attrs["ruleset"])
	}
	if attrs["size"] != 80 {
		t.Errorf("expected 80, got %v", attrs["size"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "peer", "10.0.0.2")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["ruleset"] != "01-table" || allAttrs["peer"] != "10.0.0.2" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}
