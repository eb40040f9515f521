package server

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCloseReason(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want int
	}{
		{"short", "idle timeout", len("idle timeout")},
		{"ascii truncated", strings.Repeat("x", 200), 120},
		// 119 ASCII bytes put a 3-byte rune across the 120 byte cut.
		{"rune on boundary", strings.Repeat("x", 119) + "€€", 119},
		{"multibyte only", strings.Repeat("ü", 100), 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := closeReason(errors.New(tt.msg))
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("reason %q is not valid UTF-8", got)
			}
		})
	}
}
