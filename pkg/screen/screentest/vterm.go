// Package screentest provides a virtual terminal that applies the control
// sequences a screen.Buffer emits, for tests that check what ends up on the
// glass rather than the bytes written.
package screentest

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"conductor/pkg/ansi"
)

// wideTail fills the second cell of a double-width glyph.
const wideTail = rune(0)

// VTerm is a grid of cells sitting at the bottom of the screen: cursor down
// stops at the last row that exists and only a newline adds one. It
// understands cursor up/down, column moves, line clears, SGR (ignored) and
// the other escapes ansi.SplitVisibleCharGroups treats as invisible.
type VTerm struct {
	rows   [][]rune
	row    int
	col    int
	bottom int
	err    error
}

// New returns an empty VTerm with the cursor on its only row.
func New() *VTerm {
	return &VTerm{bottom: 1}
}

// Write applies p. Sequences VTerm cannot interpret are recorded in Err and
// the rest of p is dropped.
func (v *VTerm) Write(p []byte) (int, error) {
	if v.err == nil {
		v.err = v.apply(string(p))
	}
	return len(p), nil
}

// Err returns the first sequence VTerm could not apply.
func (v *VTerm) Err() error { return v.err }

// Cursor returns the zero-based cursor row and column.
func (v *VTerm) Cursor() (row, col int) { return v.row, v.col }

// Len is the number of rows the terminal holds.
func (v *VTerm) Len() int { return v.bottom }

// Line returns row i with trailing blanks removed.
func (v *VTerm) Line(i int) string {
	if i < 0 || i >= len(v.rows) {
		return ""
	}
	var b strings.Builder
	for _, r := range v.rows[i] {
		if r != wideTail {
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func (v *VTerm) apply(s string) error {
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == '\n':
			v.row++
			v.col = 0
			v.bottom = max(v.bottom, v.row+1)
			i++
		case c == '\r':
			v.col = 0
			i++
		case c == 0x1b:
			n, err := v.escape(s[i:])
			if err != nil {
				return err
			}
			i += n
		default:
			r, size := utf8.DecodeRuneInString(s[i:])
			v.put(r)
			i += size
		}
	}
	return nil
}

// escape applies the sequence at the start of s and returns its length.
func (v *VTerm) escape(s string) (int, error) {
	if len(s) < 2 || s[1] != '[' {
		// Shortest prefix that is entirely escape sequence.
		for k := 2; k <= len(s); k++ {
			if ansi.VisibleChars(s[:k]) == "" {
				return k, nil
			}
		}
		return 0, fmt.Errorf("unterminated escape in %q", s)
	}

	j := 2
	for j < len(s) && (s[j] == ';' || s[j] == '?' || (s[j] >= '0' && s[j] <= '9')) {
		j++
	}
	if j >= len(s) {
		return 0, fmt.Errorf("truncated escape in %q", s)
	}
	n, _ := strconv.Atoi(s[2:j])

	switch s[j] {
	case 'A':
		v.row -= n
		if v.row < 0 {
			return 0, fmt.Errorf("cursor moved above the first row")
		}
	case 'B':
		v.row = min(v.row+n, v.bottom-1)
	case 'G':
		v.col = max(n-1, 0)
	case 'K':
		v.grow()
		line := v.rows[v.row]
		switch n {
		case 0:
			if v.col < len(line) {
				v.rows[v.row] = line[:v.col]
			}
		case 2:
			v.rows[v.row] = nil
		default:
			return 0, fmt.Errorf("unexpected erase mode %d", n)
		}
	case 'm', 'l', 'h':
	default:
		return 0, fmt.Errorf("unexpected escape %q", s[:j+1])
	}
	return j + 1, nil
}

func (v *VTerm) put(r rune) {
	v.grow()
	w := max(ansi.VisibleWidth(string(r)), 1)

	line := v.rows[v.row]
	for len(line) < v.col+w {
		line = append(line, ' ')
	}
	// Overwriting either half of a wide glyph erases the other half.
	if line[v.col] == wideTail && v.col > 0 {
		line[v.col-1] = ' '
	}
	if end := v.col + w; end < len(line) && line[end] == wideTail {
		line[end] = ' '
	}
	line[v.col] = r
	if w == 2 {
		line[v.col+1] = wideTail
	}
	v.rows[v.row] = line
	v.col += w
}

func (v *VTerm) grow() {
	for len(v.rows) <= v.row {
		v.rows = append(v.rows, nil)
	}
	v.bottom = max(v.bottom, v.row+1)
}
