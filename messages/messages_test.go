package messages

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestWrapBackendErrorKeepsOriginal(t *testing.T) {
	err := WrapBackendError("fetch", "emails", io.ErrUnexpectedEOF)

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected wrapped error to match io.ErrUnexpectedEOF: %v", err)
	}

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected a *BackendError, got %T", err)
	}

	if be.Op != "fetch" || be.Queue != "emails" {
		t.Errorf("unexpected op/queue: %s/%s", be.Op, be.Queue)
	}

	want := "backend fetch on queue 'emails' failed: unexpected EOF"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestWrapBackendErrorNil(t *testing.T) {
	if err := WrapBackendError("list", "", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestBackendErrorWithoutQueue(t *testing.T) {
	err := WrapBackendError("list", "", fmt.Errorf("connection refused"))
	if err.Error() != "backend list failed: connection refused" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
