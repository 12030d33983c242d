package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError(t *testing.T) {
	t.Run("Format", func(t *testing.T) {
		err := NewError(ErrQueueFull, "backlog at capacity")
		want := "[QUEUE_FULL] backlog at capacity"
		if err.Error() != want {
			t.Errorf("got %q, want %q", err.Error(), want)
		}
	})

	t.Run("Unwrap", func(t *testing.T) {
		cause := errors.New("disk full")
		err := NewError(ErrSetupFailed, "scratch dir").WithCause(cause)
		if !errors.Is(err, cause) {
			t.Error("errors.Is should reach the cause")
		}
	})

	t.Run("CodeOfWrapped", func(t *testing.T) {
		err := fmt.Errorf("provisioning: %w", NewError(ErrResourceExhausted, "no slots"))
		if CodeOf(err) != ErrResourceExhausted {
			t.Errorf("CodeOf = %s", CodeOf(err))
		}
		if CodeOf(errors.New("plain")) != "" {
			t.Error("plain errors carry no code")
		}
	})

	t.Run("Retryable", func(t *testing.T) {
		err := NewError(ErrResourceExhausted, "no slots").WithRetryable(true)
		if !IsRetryable(err) {
			t.Error("should be retryable")
		}
		if IsRetryable(errors.New("plain")) {
			t.Error("plain errors are not retryable")
		}
	})
}
