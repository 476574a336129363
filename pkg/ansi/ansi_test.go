package ansi_test

import (
	"os"
	"reflect"
	"testing"

	"conductor/pkg/ansi"
)

func TestColorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"single color", ansi.Colorize("hello", ansi.Red), "\x1b[31mhello\x1b[0m"},
		{"multiple colors", ansi.Colorize("hello", ansi.Bold, ansi.Red), "\x1b[1;31mhello\x1b[0m"},
		{"no reset", ansi.ColorizeOpen("hello", ansi.Red), "\x1b[31mhello"},
		{"unknown color resets", ansi.Colorize("x", ansi.Color("chartreuse")), "\x1b[0mx\x1b[0m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.got != tt.want {
				t.Fatalf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestCode(t *testing.T) {
	t.Parallel()
	for c, want := range map[ansi.Color]string{
		ansi.Reset:          "0",
		ansi.Strikethrough:  "9",
		ansi.Red:            "31",
		ansi.BrightMagenta:  "95",
		ansi.BgCyan:         "46",
		ansi.BgBrightWhite:  "107",
		ansi.Color("bogus"): "0",
	} {
		if got := ansi.Code(c); got != want {
			t.Fatalf("Code(%q) = %q, want %q", c, got, want)
		}
	}
}

func TestCursorMovement(t *testing.T) {
	t.Parallel()

	for n, want := range map[int]string{1: "\x1b[1A", 7: "\x1b[7A", 13: "\x1b[13A", 0: "", -1: ""} {
		if got := ansi.CursorUp(n); got != want {
			t.Fatalf("CursorUp(%d) = %q, want %q", n, got, want)
		}
	}
	for n, want := range map[int]string{1: "\x1b[1B", 7: "\x1b[7B", 13: "\x1b[13B", 0: "", -1: ""} {
		if got := ansi.CursorDown(n); got != want {
			t.Fatalf("CursorDown(%d) = %q, want %q", n, got, want)
		}
	}
	if got := ansi.CursorColumn(4); got != "\x1b[4G" {
		t.Fatalf("CursorColumn(4) = %q", got)
	}
	if got := ansi.ClearLine(); got != "\x1b[2K\r" {
		t.Fatalf("ClearLine() = %q", got)
	}
	if got := ansi.ClearLineForward(); got != "\x1b[K" {
		t.Fatalf("ClearLineForward() = %q", got)
	}
}

func TestSplitVisibleCharGroups(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "codes stick to the following glyph",
			in:   "\x1b[31mh\x1b[1;34me\x1b[33mllo",
			want: []string{"\x1b[31mh", "\x1b[1;34me", "\x1b[33ml", "l", "o"},
		},
		{
			name: "only codes",
			in:   "\x1b[31m\x1b[1;34m",
			want: []string{"\x1b[31m\x1b[1;34m"},
		},
		{
			name: "consecutive codes attach to the next glyph",
			in:   "\x1b[31mh\x1b[34m\x1b[33mello",
			want: []string{"\x1b[31mh", "\x1b[34m\x1b[33me", "l", "l", "o"},
		},
		{
			name: "trailing reset is its own group",
			in:   "hi\x1b[0m",
			want: []string{"h", "i", "\x1b[0m"},
		},
		{
			name: "multiple leading codes",
			in:   "\x1b[31m\x1b[34m\x1b[33mhello",
			want: []string{"\x1b[31m\x1b[34m\x1b[33mh", "e", "l", "l", "o"},
		},
		{
			name: "charset designator stays attached",
			in:   "a\x1b(Bb",
			want: []string{"a", "\x1b(Bb"},
		},
		{
			name: "osc hyperlink is invisible",
			in:   "\x1b]8;;http://x\x07ab\x1b]8;;\x1b\\",
			want: []string{"\x1b]8;;http://x\x07a", "b", "\x1b]8;;\x1b\\"},
		},
		{
			name: "private csi",
			in:   "\x1b[?25lx",
			want: []string{"\x1b[?25lx"},
		},
		{
			name: "stray escape keeps its byte",
			in:   "a\x1b",
			want: []string{"a", "\x1b"},
		},
		{
			name: "wide glyphs are single groups",
			in:   "日\x1b[31m本",
			want: []string{"日", "\x1b[31m本"},
		},
		{
			name: "plain",
			in:   "ab",
			want: []string{"a", "b"},
		},
		{
			name: "empty",
			in:   "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ansi.SplitVisibleCharGroups(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVisibleChars_StripsCodes(t *testing.T) {
	t.Parallel()
	if got := ansi.VisibleChars("\x1b[2A\x1b[1;31mhello\x1b[0m"); got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
	if got := ansi.VisibleChars("a\x1b(Bb\x1b]0;title\x07c"); got != "abc" {
		t.Fatalf("got %q, want abc", got)
	}
}

func TestVisibleWidth_CountsCells(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		in   string
		want int
	}{
		{"\x1b[32m▓▓\x1b[0m", 2},
		{"hello", 5},
		{"日本語", 6},
		{"\x1b[31mテスト\x1b[0m", 6},
		{"a😀b", 4},
		{"", 0},
	} {
		if got := ansi.VisibleWidth(tt.in); got != tt.want {
			t.Errorf("VisibleWidth(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTTYSize_NonTerminalFallsBack(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	if ansi.IsTTY(f) {
		t.Fatal("a regular file is not a terminal")
	}
	w, h := ansi.TTYSize(f)
	if w != 80 || h != 25 {
		t.Fatalf("TTYSize = %dx%d, want 80x25", w, h)
	}
	if ansi.TTYWidth(nil) != 80 {
		t.Fatal("nil file should report width 80")
	}
}
