package logging

import (
	"errors"
	"testing"
)

func TestNewOperationErrorKeepsNil(t *testing.T) {
	if err := NewOperationError("preview.put", "req-1", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorFormatsAndUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewOperationError("history.save", "req-9", cause)

	if got, want := err.Error(), "history.save (request_id=req-9): connection reset"; got != want {
		t.Fatalf("unexpected message: %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected error to unwrap to cause")
	}
	op, ok := OperationOf(err)
	if !ok || op != "history.save" {
		t.Fatalf("unexpected operation: %q %v", op, ok)
	}
}

func TestOperationErrorWithoutRequestID(t *testing.T) {
	err := NewOperationError("preview.delete", "", errors.New("boom"))
	if got := err.Error(); got != "preview.delete: boom" {
		t.Fatalf("unexpected message: %q", got)
	}
}
