// Package screen redraws a block of terminal rows in place. Buffer turns the
// previous and next row sets into the smallest cursor-movement and content
// sequence that transforms one into the other; Terminal lays out a tree of
// lines and boxes into those rows.
package screen

import (
	"bufio"
	"io"
	"strings"

	"conductor/pkg/ansi"
)

// Buffer tracks what is currently drawn on the terminal and emits minimal
// updates. It is not safe for concurrent use.
type Buffer struct {
	out io.Writer
	tty bool

	lines     []string
	cursorRow int
	cursorCol int
	height    int // rows ever drawn; only grows
	bottom    int // rows the terminal holds for the block, cursor parking row included
}

// NewBuffer returns a Buffer writing to out. When tty is false every update
// prints the visible characters of the new rows, with no cursor control.
func NewBuffer(out io.Writer, tty bool) *Buffer {
	return &Buffer{out: out, tty: tty, height: 1, bottom: 1}
}

// Update diffs lines against the last drawn state and writes the result.
func (b *Buffer) Update(lines []string) {
	if !b.tty {
		w := bufio.NewWriter(b.out)
		for _, l := range lines {
			_, _ = w.WriteString(ansi.VisibleChars(l))
			_ = w.WriteByte('\n')
		}
		_ = w.Flush()
		return
	}

	if ops := b.diff(lines); ops != "" {
		_, _ = io.WriteString(b.out, ops)
	}
	b.lines = append(b.lines[:0:0], lines...)
}

// ScrollToBottom moves the cursor to the row just below everything drawn so
// far, scrolling if needed. Buffer contents are left untouched.
func (b *Buffer) ScrollToBottom() {
	if !b.tty {
		return
	}
	_, _ = io.WriteString(b.out, b.moveCursor(b.height, 0, false))
}

// Cursor returns the zero-based row and column the cursor was left at.
func (b *Buffer) Cursor() (row, col int) {
	return b.cursorRow, b.cursorCol
}

// Lines returns a copy of the last drawn rows.
func (b *Buffer) Lines() []string {
	return append([]string(nil), b.lines...)
}

func (b *Buffer) diff(next []string) string {
	var buf strings.Builder

	rows := max(len(next), len(b.lines))
	for row := range rows {
		oldLine := at(b.lines, row)
		newLine := at(next, row)
		if oldLine == newLine {
			continue
		}

		oldGroups := ansi.SplitVisibleCharGroups(oldLine)
		newGroups := ansi.SplitVisibleCharGroups(newLine)

		first := len(newGroups)
		for i, g := range newGroups {
			if i >= len(oldGroups) || oldGroups[i] != g {
				first = i
				break
			}
		}

		col := cells(newGroups[:first])
		buf.WriteString(b.moveCursor(row, col, true))
		for _, g := range newGroups[first:] {
			buf.WriteString(g)
		}
		end := col + cells(newGroups[first:])
		if cells(oldGroups) > end {
			buf.WriteString(ansi.ClearLineForward())
		}
		b.cursorCol = end
	}

	return buf.String()
}

// moveCursor returns the sequence taking the cursor to (row, col). Rows the
// terminal does not hold yet are reached with newlines so it scrolls; cursor
// down stops at the last row it does hold.
func (b *Buffer) moveCursor(row, col int, grow bool) string {
	var buf strings.Builder

	switch {
	case row < b.cursorRow:
		buf.WriteString(ansi.CursorUp(b.cursorRow - row))
	case row > b.cursorRow:
		buf.WriteString(ansi.CursorDown(min(row, b.bottom-1) - b.cursorRow))
		if newlines := row - b.bottom + 1; newlines > 0 {
			buf.WriteString(strings.Repeat("\n", newlines))
		}
	}

	buf.WriteString(ansi.CursorColumn(col + 1))
	if grow {
		b.height = max(b.height, row+1)
	}
	b.bottom = max(b.bottom, row+1)
	b.cursorRow = row
	b.cursorCol = col
	return buf.String()
}

// cells is the terminal width of a run of groups.
func cells(groups []string) int {
	n := 0
	for _, g := range groups {
		n += ansi.VisibleWidth(g)
	}
	return n
}

func at(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return ""
}
