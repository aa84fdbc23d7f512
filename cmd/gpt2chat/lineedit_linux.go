//go:build linux

package main

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ReadLine prints prompt and reads one line. On a terminal the line is
// edited in raw mode; Ctrl+C and Ctrl+D on an empty line return io.EOF.
func (c *console) ReadLine(prompt string) (string, error) {
	fd := int(c.in.Fd())
	if !term.IsTerminal(fd) {
		_, _ = fmt.Fprint(c.out, prompt)
		return readBufferedLine(c.br)
	}

	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	newState := *oldState
	newState.Lflag &^= unix.ICANON | unix.ECHO
	newState.Cc[unix.VMIN] = 1
	newState.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &newState); err != nil {
		return "", err
	}
	defer func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, oldState)
	}()

	_, _ = fmt.Fprint(c.out, prompt)
	e := newEditor(c.history)
	var buf [16]byte
	for {
		n, err := c.in.Read(buf[:])
		if err != nil {
			return "", err
		}
		for _, b := range buf[:n] {
			switch e.feed(b) {
			case editSubmit:
				_, _ = fmt.Fprint(c.out, "\r\n")
				c.history = e.history
				return e.String(), nil
			case editInterrupt:
				_, _ = fmt.Fprint(c.out, "^C\r\n")
				return "", io.EOF
			case editEOF:
				_, _ = fmt.Fprint(c.out, "\r\n")
				return "", io.EOF
			}
			if e.dirty {
				_, _ = fmt.Fprint(c.out, e.render(prompt))
				e.dirty = false
			}
		}
	}
}
