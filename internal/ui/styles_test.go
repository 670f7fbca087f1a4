package ui

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{-1, "n/a"},
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderWithoutColor(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	if got := RenderPass("ok"); got != "ok" {
		t.Errorf("RenderPass = %q, want plain text", got)
	}
	got := RenderFields(map[string]string{"path": "/tmp/a", "id": "x"})
	want := "id:   x\npath: /tmp/a\n"
	if got != want {
		t.Errorf("RenderFields = %q, want %q", got, want)
	}
}
