//go:build !linux

package main

import "fmt"

// ReadLine prints prompt and reads one buffered line.
func (c *console) ReadLine(prompt string) (string, error) {
	_, _ = fmt.Fprint(c.out, prompt)
	return readBufferedLine(c.br)
}
