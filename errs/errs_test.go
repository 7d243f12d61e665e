package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMessageAndCause(t *testing.T) {
	err := New(
		CodeHandlerFailure,
		WithMessage("handler panicked"),
		WithPublishedObjects([]any{"hi"}),
		WithCause(errors.New("boom")),
	)

	out := err.Error()
	if !strings.Contains(out, "code=handler_failure") {
		t.Fatalf("expected code marker in error string: %s", out)
	}
	if !strings.Contains(out, "message=\"handler panicked\"") {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, "published_count=1") {
		t.Fatalf("expected published count in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"boom\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
	if err.ID == "" {
		t.Fatalf("expected a non-empty correlation id")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(CodeHandlerFailure, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to see through PublicationError to its cause")
	}
}

func TestEachPublicationErrorHasDistinctID(t *testing.T) {
	a := New(CodeHandlerFailure)
	b := New(CodeHandlerFailure)
	if a.ID == b.ID {
		t.Fatalf("expected distinct correlation ids, got %q twice", a.ID)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *PublicationError
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestSinkFuncHandlesNilWithoutPanicking(t *testing.T) {
	var f SinkFunc
	f.Handle(New(CodeHandlerFailure))
}
