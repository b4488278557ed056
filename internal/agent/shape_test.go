package agent

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		got := SplitMessage("hello\nworld", 4000)
		if len(got) != 1 || got[0] != "hello\nworld" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("empty yields nothing", func(t *testing.T) {
		if got := SplitMessage("  \n ", 4000); got != nil {
			t.Fatalf("got %q, want nil", got)
		}
	})

	t.Run("splits on line boundaries", func(t *testing.T) {
		text := strings.Repeat("aaaa\n", 10) // 50 bytes
		chunks := SplitMessage(text, 12)
		for i, c := range chunks {
			if len(c) > 12 {
				t.Errorf("chunk %d is %d bytes", i, len(c))
			}
			for _, line := range strings.Split(c, "\n") {
				if line != "aaaa" {
					t.Errorf("chunk %d broke a line: %q", i, c)
				}
			}
		}
		if joined := strings.Join(chunks, "\n") + "\n"; joined != text {
			t.Errorf("content lost: %q", joined)
		}
	})

	t.Run("hard-splits oversized lines on rune boundaries", func(t *testing.T) {
		text := strings.Repeat("界", 100) // 300 bytes, no newlines
		chunks := SplitMessage(text, 16)
		var total int
		for i, c := range chunks {
			if len(c) > 16 {
				t.Errorf("chunk %d is %d bytes", i, len(c))
			}
			if !utf8.ValidString(c) {
				t.Errorf("chunk %d cut a rune: %q", i, c)
			}
			total += utf8.RuneCountInString(c)
		}
		if total != 100 {
			t.Errorf("rune count = %d, want 100", total)
		}
	})
}
