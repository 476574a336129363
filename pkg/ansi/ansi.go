// Package ansi builds the escape sequences conductor writes to a terminal:
// SGR color/style codes, cursor movement, line clearing, and the
// visible-character-group split that keeps escape codes attached to the
// glyphs they style.
package ansi

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// Color names an SGR style or color.
type Color string

// Styles.
const (
	Reset         Color = "reset"
	Bold          Color = "bold"
	Dim           Color = "dim"
	Italic        Color = "italic"
	Underline     Color = "underline"
	Blink         Color = "blink"
	Inverse       Color = "inverse"
	Hidden        Color = "hidden"
	Strikethrough Color = "strikethrough"
)

// Foreground colors.
const (
	Black   Color = "black"
	Red     Color = "red"
	Green   Color = "green"
	Yellow  Color = "yellow"
	Blue    Color = "blue"
	Magenta Color = "magenta"
	Cyan    Color = "cyan"
	White   Color = "white"

	BrightBlack   Color = "bright_black"
	BrightRed     Color = "bright_red"
	BrightGreen   Color = "bright_green"
	BrightYellow  Color = "bright_yellow"
	BrightBlue    Color = "bright_blue"
	BrightMagenta Color = "bright_magenta"
	BrightCyan    Color = "bright_cyan"
	BrightWhite   Color = "bright_white"
)

// Background colors.
const (
	BgBlack   Color = "bg_black"
	BgRed     Color = "bg_red"
	BgGreen   Color = "bg_green"
	BgYellow  Color = "bg_yellow"
	BgBlue    Color = "bg_blue"
	BgMagenta Color = "bg_magenta"
	BgCyan    Color = "bg_cyan"
	BgWhite   Color = "bg_white"

	BgBrightBlack   Color = "bg_bright_black"
	BgBrightRed     Color = "bg_bright_red"
	BgBrightGreen   Color = "bg_bright_green"
	BgBrightYellow  Color = "bg_bright_yellow"
	BgBrightBlue    Color = "bg_bright_blue"
	BgBrightMagenta Color = "bg_bright_magenta"
	BgBrightCyan    Color = "bg_bright_cyan"
	BgBrightWhite   Color = "bg_bright_white"
)

//nolint:gochecknoglobals // fixed lookup table
var codes = map[Color]string{
	Reset: "0",

	Bold: "1", Dim: "2", Italic: "3", Underline: "4",
	Blink: "5", Inverse: "7", Hidden: "8", Strikethrough: "9",

	Black: "30", Red: "31", Green: "32", Yellow: "33",
	Blue: "34", Magenta: "35", Cyan: "36", White: "37",

	BrightBlack: "90", BrightRed: "91", BrightGreen: "92", BrightYellow: "93",
	BrightBlue: "94", BrightMagenta: "95", BrightCyan: "96", BrightWhite: "97",

	BgBlack: "40", BgRed: "41", BgGreen: "42", BgYellow: "43",
	BgBlue: "44", BgMagenta: "45", BgCyan: "46", BgWhite: "47",

	BgBrightBlack: "100", BgBrightRed: "101", BgBrightGreen: "102", BgBrightYellow: "103",
	BgBrightBlue: "104", BgBrightMagenta: "105", BgBrightCyan: "106", BgBrightWhite: "107",
}

// Code returns the SGR parameter for c. Unknown names map to reset.
func Code(c Color) string {
	if code, ok := codes[c]; ok {
		return code
	}
	return codes[Reset]
}

// Colorize wraps s in the SGR sequence for colors followed by a reset.
func Colorize(s string, colors ...Color) string {
	return sgr(colors) + s + "\x1b[" + codes[Reset] + "m"
}

// ColorizeOpen is Colorize without the trailing reset, for callers that
// style a run of text and reset it themselves.
func ColorizeOpen(s string, colors ...Color) string {
	return sgr(colors) + s
}

func sgr(colors []Color) string {
	params := make([]string, len(colors))
	for i, c := range colors {
		params[i] = Code(c)
	}
	return "\x1b[" + strings.Join(params, ";") + "m"
}

// CursorUp moves the cursor up n rows. Non-positive n yields "".
func CursorUp(n int) string {
	if n <= 0 {
		return ""
	}
	return "\x1b[" + strconv.Itoa(n) + "A"
}

// CursorDown moves the cursor down n rows. Non-positive n yields "".
func CursorDown(n int) string {
	if n <= 0 {
		return ""
	}
	return "\x1b[" + strconv.Itoa(n) + "B"
}

// CursorColumn moves the cursor to the 1-based column n.
func CursorColumn(n int) string {
	return "\x1b[" + strconv.Itoa(n) + "G"
}

// ClearLine erases the whole line and returns the cursor to column 1.
func ClearLine() string {
	return "\x1b[2K\r"
}

// ClearLineForward erases from the cursor to the end of the line.
func ClearLineForward() string {
	return "\x1b[K"
}

// invisible matches one escape sequence: CSI, OSC terminated by BEL or ST,
// a designator such as ESC ( B, or any other two-byte escape.
const invisible = `(?:\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[ -/]+[0-~]|\x1b[0-Z\\-~])`

//nolint:gochecknoglobals // compiled once
var (
	groupRe  = regexp.MustCompile(invisible + `*[^\x1b]|` + invisible + `+|\x1b`)
	escapeRe = regexp.MustCompile(invisible)

	// Ambiguous-width runes are narrow regardless of locale.
	widthCond = &runewidth.Condition{StrictEmojiNeutral: true}
)

// SplitVisibleCharGroups splits s into groups of one visible character plus
// the escape sequences that precede it, so that slicing the result never
// cuts an escape sequence in half. A trailing run of escapes with no glyph
// forms its own group, as does a stray ESC that starts no known sequence.
func SplitVisibleCharGroups(s string) []string {
	return groupRe.FindAllString(s, -1)
}

// VisibleChars strips every escape sequence from s.
func VisibleChars(s string) string {
	return escapeRe.ReplaceAllString(s, "")
}

// VisibleWidth is the number of terminal cells s occupies once its escape
// sequences are stripped. Wide East Asian characters and emoji count two.
func VisibleWidth(s string) int {
	return widthCond.StringWidth(VisibleChars(s))
}

// IsTTY reports whether f is an interactive terminal.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// TTYSize returns the terminal width and height of f, or 80x25 when f is
// not a terminal or its size cannot be read.
func TTYSize(f *os.File) (width, height int) {
	if !IsTTY(f) {
		return 80, 25
	}
	w, h, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 80, 25
	}
	return w, h
}

// TTYWidth returns the terminal width of f, 80 for non-terminals.
func TTYWidth(f *os.File) int {
	w, _ := TTYSize(f)
	return w
}
