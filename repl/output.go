package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// termWriter wraps a file and converts \n to \r\n when the file is a terminal
// (needed because raw mode disables the kernel's NL→CRNL translation).
// When the file is redirected, \n passes through unchanged.
func termWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	replaced := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	_, err := c.w.Write(replaced)
	return len(p), err // report original length to caller
}

const transcriptMaxLines = 200

// transcript keeps the recent session text so TerminalContent requests can
// be answered. It records what the user saw: prompts, commands, and output.
type transcript struct {
	mu    sync.Mutex
	lines []string
}

// Append records text, splitting it into lines and trimming the backlog.
func (t *transcript) Append(text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, strings.Split(text, "\n")...)
	if len(t.lines) > transcriptMaxLines {
		t.lines = t.lines[len(t.lines)-transcriptMaxLines:]
	}
}

// VisibleText returns the recorded session text, oldest line first.
func (t *transcript) VisibleText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
