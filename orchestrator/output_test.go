package orchestrator

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestOutputBuffer(t *testing.T) {
	t.Run("CapturesWithinCap", func(t *testing.T) {
		b := newOutputBuffer(64)
		n, err := b.Write([]byte("hello"))
		if err != nil || n != 5 {
			t.Fatalf("Write = (%d, %v)", n, err)
		}
		if b.String() != "hello" {
			t.Errorf("String = %q", b.String())
		}
		if b.Truncated() {
			t.Error("should not be truncated")
		}
		select {
		case <-b.Overflow():
			t.Error("overflow should not be signalled")
		default:
		}
	})

	t.Run("OverflowSignalledOnce", func(t *testing.T) {
		b := newOutputBuffer(8)
		if n, err := b.Write(bytes.Repeat([]byte("a"), 20)); err != nil || n != 20 {
			t.Fatalf("overflowing write must still report success, got (%d, %v)", n, err)
		}
		select {
		case <-b.Overflow():
		default:
			t.Fatal("overflow channel should be closed")
		}

		// Further writes are dropped but never error.
		if n, err := b.Write([]byte("more")); err != nil || n != 4 {
			t.Errorf("post-overflow write = (%d, %v)", n, err)
		}
		if got := b.String(); len(got) > 8 {
			t.Errorf("captured %d bytes, cap is 8", len(got))
		}
		if !b.Truncated() {
			t.Error("should be truncated")
		}
	})

	t.Run("TruncatesAtUTF8Boundary", func(t *testing.T) {
		// Cap of 2 splits the two-byte é; the kept output must not end in a
		// partial rune.
		b := newOutputBuffer(2)
		b.Write([]byte("hé"))
		got := b.String()
		if !utf8.ValidString(got) {
			t.Errorf("truncated output %q is not valid UTF-8", got)
		}
		if got != "h" {
			t.Errorf("got %q, want %q", got, "h")
		}
	})

	t.Run("Subscribe", func(t *testing.T) {
		b := newOutputBuffer(1024)
		b.Write([]byte("early "))

		snapshot, ch, cancel := b.Subscribe()
		defer cancel()
		if string(snapshot) != "early " {
			t.Errorf("snapshot = %q", snapshot)
		}

		b.Write([]byte("late"))
		b.Close()

		var rest strings.Builder
		for chunk := range ch {
			rest.Write(chunk)
		}
		if rest.String() != "late" {
			t.Errorf("streamed chunks = %q, want %q", rest.String(), "late")
		}
	})

	t.Run("SubscribeAfterClose", func(t *testing.T) {
		b := newOutputBuffer(1024)
		b.Write([]byte("done"))
		b.Close()

		snapshot, ch, cancel := b.Subscribe()
		defer cancel()
		if string(snapshot) != "done" {
			t.Errorf("snapshot = %q", snapshot)
		}
		if _, open := <-ch; open {
			t.Error("channel should be closed for a finished buffer")
		}
	})

	t.Run("CancelDetaches", func(t *testing.T) {
		b := newOutputBuffer(1024)
		_, ch, cancel := b.Subscribe()
		cancel()
		cancel() // safe to call twice
		if _, open := <-ch; open {
			t.Error("cancelled subscriber channel should be closed")
		}
		b.Write([]byte("after"))
		b.Close()
	})
}
