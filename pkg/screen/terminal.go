package screen

import (
	"strings"

	"conductor/pkg/ansi"
)

// Screen receives the flattened rows of a Terminal. *Buffer implements it.
type Screen interface {
	Update(lines []string)
	ScrollToBottom()
}

type element interface {
	rows(width int) []string
}

// Terminal is an ordered tree of lines and boxes. Changing any line
// re-flattens the whole tree and hands the rows to the Screen, which is
// responsible for keeping the actual output small.
type Terminal struct {
	screen Screen
	width  int
	height int
	root   Box
}

// NewTerminal returns a Terminal of the given size drawing onto screen.
func NewTerminal(screen Screen, width, height int) *Terminal {
	t := &Terminal{screen: screen, width: max(width, 1), height: height}
	t.root.term = t
	return t
}

// Puts appends a line that soft-wraps to the terminal width.
func (t *Terminal) Puts(content string) *Line { return t.root.Puts(content) }

// Line appends a line that is truncated to the terminal width.
func (t *Terminal) Line(content string) *Line { return t.root.Line(content) }

// Box appends an empty container.
func (t *Terminal) Box() *Box { return t.root.Box() }

// Width is the column count lines are wrapped or truncated to.
func (t *Terminal) Width() int { return t.width }

// Rows flattens the tree into physical rows, capped at one less than the
// terminal height so the cursor row never scrolls the block off screen.
func (t *Terminal) Rows() []string {
	rows := t.root.rows(t.width)
	if t.height > 1 && len(rows) > t.height-1 {
		rows = rows[:t.height-1]
	}
	return rows
}

// Redraw pushes the current rows to the screen.
func (t *Terminal) Redraw() {
	t.screen.Update(t.Rows())
}

// ScrollToBottom parks the cursor below the drawn block.
func (t *Terminal) ScrollToBottom() {
	t.screen.ScrollToBottom()
}

// Line is a single logical line of content. Content containing newlines
// occupies several rows.
type Line struct {
	term     *Terminal
	content  string
	truncate bool
}

// Update replaces the content and redraws the terminal.
func (l *Line) Update(content string) {
	l.content = content
	l.term.Redraw()
}

// Content returns the current content.
func (l *Line) Content() string { return l.content }

// Truncate reports whether the line is cut at the terminal width rather than
// wrapped.
func (l *Line) Truncate() bool { return l.truncate }

func (l *Line) rows(width int) []string {
	var out []string
	for _, part := range strings.Split(l.content, "\n") {
		if l.truncate {
			out = append(out, truncate(part, width))
		} else {
			out = append(out, wrap(part, width)...)
		}
	}
	return out
}

// Box groups lines and nested boxes; it renders its children in order.
type Box struct {
	term     *Terminal
	children []element
}

// Puts appends a wrapping line to the box.
func (b *Box) Puts(content string) *Line { return b.add(content, false) }

// Line appends a truncating line to the box.
func (b *Box) Line(content string) *Line { return b.add(content, true) }

// Box appends a nested box.
func (b *Box) Box() *Box {
	child := &Box{term: b.term}
	b.children = append(b.children, child)
	return child
}

func (b *Box) add(content string, trunc bool) *Line {
	l := &Line{term: b.term, content: content, truncate: trunc}
	b.children = append(b.children, l)
	b.term.Redraw()
	return l
}

func (b *Box) rows(width int) []string {
	var out []string
	for _, c := range b.children {
		out = append(out, c.rows(width)...)
	}
	return out
}

func truncate(s string, width int) string {
	var b strings.Builder
	n := 0
	for _, g := range ansi.SplitVisibleCharGroups(s) {
		w := ansi.VisibleWidth(g)
		if n+w > width {
			break
		}
		b.WriteString(g)
		n += w
	}
	return b.String()
}

// wrap splits s into rows of at most width terminal cells. Continuation
// rows repeat the leading indentation of the first row.
func wrap(s string, width int) []string {
	groups := ansi.SplitVisibleCharGroups(s)

	total := 0
	for _, g := range groups {
		total += ansi.VisibleWidth(g)
	}
	if total <= width {
		return []string{s}
	}

	indent := ""
	for _, g := range groups {
		v := ansi.VisibleChars(g)
		if v != " " && v != "\t" {
			break
		}
		indent += " "
	}
	if len(indent) >= width/2 {
		indent = ""
	}

	var rows []string
	var cur strings.Builder
	n := 0
	for _, g := range groups {
		w := ansi.VisibleWidth(g)
		if n+w > width && n > 0 {
			rows = append(rows, cur.String())
			cur.Reset()
			cur.WriteString(indent)
			n = len(indent)
		}
		cur.WriteString(g)
		n += w
	}
	if cur.Len() > 0 {
		rows = append(rows, cur.String())
	}
	return rows
}
