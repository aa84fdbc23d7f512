package main

import (
	"bufio"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

type editAction int

const (
	editContinue editAction = iota
	editSubmit
	editInterrupt
	editEOF
)

// editor is the key handling behind the raw-mode console. It works on
// runes so multi-byte input (the vocabulary is mostly CJK) edits as whole
// characters.
type editor struct {
	line   []rune
	cursor int
	dirty  bool

	esc     int
	csi     strings.Builder
	pending []byte

	history  []string
	histPos  int
	browsing bool
	draft    []rune
}

func newEditor(history []string) *editor {
	return &editor{history: history, histPos: len(history)}
}

func (e *editor) String() string { return string(e.line) }

// render returns the escape sequence that redraws the line and leaves the
// terminal cursor at the edit position.
func (e *editor) render(prompt string) string {
	var sb strings.Builder
	sb.WriteString("\r")
	sb.WriteString(prompt)
	sb.WriteString(string(e.line))
	sb.WriteString("\x1b[K")
	if e.cursor < len(e.line) {
		sb.WriteString("\r")
		sb.WriteString(prompt)
		sb.WriteString(string(e.line[:e.cursor]))
	}
	return sb.String()
}

func (e *editor) feed(b byte) editAction {
	if e.esc != 0 {
		e.feedEscape(b)
		return editContinue
	}
	if len(e.pending) > 0 || b >= utf8.RuneSelf {
		e.pending = append(e.pending, b)
		if !utf8.FullRune(e.pending) {
			return editContinue
		}
		r, _ := utf8.DecodeRune(e.pending)
		e.pending = e.pending[:0]
		if r != utf8.RuneError {
			e.insert(r)
		}
		return editContinue
	}

	switch b {
	case 27: // ESC
		e.esc = 1
	case '\r', '\n':
		if out := e.String(); strings.TrimSpace(out) != "" {
			e.history = append(e.history, out)
		}
		return editSubmit
	case 3: // Ctrl+C
		return editInterrupt
	case 4: // Ctrl+D
		if len(e.line) == 0 {
			return editEOF
		}
	case 127, 8: // backspace
		if e.cursor > 0 {
			e.line = append(e.line[:e.cursor-1], e.line[e.cursor:]...)
			e.cursor--
			e.dirty = true
		}
	case 1: // Ctrl+A
		e.move(0)
	case 5: // Ctrl+E
		e.move(len(e.line))
	case 21: // Ctrl+U
		e.line = append(e.line[:0], e.line[e.cursor:]...)
		e.cursor = 0
		e.dirty = true
	case 23: // Ctrl+W
		e.deleteWordBack()
	default:
		if b >= 32 {
			e.insert(rune(b))
		}
	}
	return editContinue
}

func (e *editor) feedEscape(b byte) {
	switch e.esc {
	case 1:
		e.esc = 0
		switch b {
		case '[':
			e.esc = 2
			e.csi.Reset()
		case 'b', 'B': // Alt+b
			e.move(e.wordLeft())
		case 'f', 'F': // Alt+f
			e.move(e.wordRight())
		case 127: // Alt+Backspace
			e.deleteWordBack()
		}
	case 2:
		e.csi.WriteByte(b)
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
			e.handleCSI(e.csi.String())
			e.esc = 0
		}
	}
}

func (e *editor) handleCSI(seq string) {
	switch seq {
	case "A": // up
		if len(e.history) == 0 {
			return
		}
		if !e.browsing {
			e.draft = append(e.draft[:0], e.line...)
			e.browsing = true
			e.histPos = len(e.history)
		}
		if e.histPos > 0 {
			e.histPos--
			e.setLine([]rune(e.history[e.histPos]))
		}
	case "B": // down
		if !e.browsing {
			return
		}
		if e.histPos < len(e.history)-1 {
			e.histPos++
			e.setLine([]rune(e.history[e.histPos]))
		} else {
			e.histPos = len(e.history)
			e.setLine(e.draft)
			e.browsing = false
		}
	case "D":
		if e.cursor > 0 {
			e.move(e.cursor - 1)
		}
	case "C":
		if e.cursor < len(e.line) {
			e.move(e.cursor + 1)
		}
	case "H":
		e.move(0)
	case "F":
		e.move(len(e.line))
	case "3~":
		if e.cursor < len(e.line) {
			e.line = append(e.line[:e.cursor], e.line[e.cursor+1:]...)
			e.dirty = true
		}
	case "1;5D", "5D":
		e.move(e.wordLeft())
	case "1;5C", "5C":
		e.move(e.wordRight())
	case "3;5~":
		end := e.wordRight()
		e.line = append(e.line[:e.cursor], e.line[end:]...)
		e.dirty = true
	}
}

func (e *editor) insert(r rune) {
	e.line = append(e.line, 0)
	copy(e.line[e.cursor+1:], e.line[e.cursor:])
	e.line[e.cursor] = r
	e.cursor++
	e.dirty = true
}

func (e *editor) setLine(r []rune) {
	e.line = append(e.line[:0], r...)
	e.cursor = len(e.line)
	e.dirty = true
}

func (e *editor) move(pos int) {
	if pos != e.cursor {
		e.cursor = pos
		e.dirty = true
	}
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }

func (e *editor) wordLeft() int {
	pos := e.cursor
	for pos > 0 && isSpace(e.line[pos-1]) {
		pos--
	}
	for pos > 0 && !isSpace(e.line[pos-1]) {
		pos--
	}
	return pos
}

func (e *editor) wordRight() int {
	pos := e.cursor
	for pos < len(e.line) && isSpace(e.line[pos]) {
		pos++
	}
	for pos < len(e.line) && !isSpace(e.line[pos]) {
		pos++
	}
	return pos
}

func (e *editor) deleteWordBack() {
	start := e.wordLeft()
	if start == e.cursor {
		return
	}
	e.line = append(e.line[:start], e.line[e.cursor:]...)
	e.cursor = start
	e.dirty = true
}

// readBufferedLine reads one line from r. It returns io.EOF only when no
// input is left.
func readBufferedLine(r *bufio.Reader) (string, error) {
	s, err := r.ReadString('\n')
	if err == io.EOF && s != "" {
		err = nil
	}
	if err != nil {
		return "", err
	}
	return trimTrailingNewline(s), nil
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// console reads prompted lines from a terminal, keeping the history of
// submitted lines across calls.
type console struct {
	in      *os.File
	out     io.Writer
	br      *bufio.Reader
	history []string
}

func newConsole(in *os.File, out io.Writer) *console {
	return &console{in: in, out: out, br: bufio.NewReader(in)}
}
