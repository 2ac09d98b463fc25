package logging

import (
	"context"
	"errors"
	"testing"
)

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("op", "wf-1", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorFormatsAndUnwraps(t *testing.T) {
	err := NewOperationError("livenessclient.evaluate", "wf-1", context.DeadlineExceeded)

	if got, want := err.Error(), "livenessclient.evaluate (workflow_id=wf-1): context deadline exceeded"; got != want {
		t.Fatalf("unexpected message: %q", got)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected errors.Is to match the wrapped error")
	}

	bare := NewOperationError("config.load", "", errors.New("boom"))
	if got := bare.Error(); got != "config.load: boom" {
		t.Fatalf("unexpected message: %q", got)
	}
}
