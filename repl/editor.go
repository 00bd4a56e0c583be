package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/term"
)

// Editor is a minimal line editor with cursor tracking.
// It reads from /dev/tty so it works even when stdout is redirected. The
// channel's dispatch goroutine calls InsertText and RevertPendingInput
// concurrently with the read loop, so all buffer edits hold mu.
type Editor struct {
	tty      *os.File
	oldState *term.State

	mu       sync.Mutex
	prompt   string
	buf      []byte
	pos      int // cursor byte offset into buf
	reading  bool
	inserted string // last synthetic insertion, empty once accepted or reverted
}

// NewEditor opens /dev/tty and switches to raw mode.
func NewEditor() (*Editor, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}

	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	return &Editor{tty: tty, oldState: old}, nil
}

// Close restores terminal state and closes the tty fd.
func (e *Editor) Close() {
	term.Restore(int(e.tty.Fd()), e.oldState)
	e.tty.Close()
}

// Tty returns the tty file for writing prompts/UI.
func (e *Editor) Tty() *os.File {
	return e.tty
}

// InputReady reports whether the editor sits at an empty prompt.
func (e *Editor) InputReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reading && len(e.buf) == 0
}

// InsertText places text at the cursor as if typed. The editor is a
// single-line surface, so embedded newlines become command separators.
func (e *Editor) InsertText(text string) {
	text = flattenInsertion(text)
	if text == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.reading {
		return
	}
	ch := []byte(text)
	e.buf = append(e.buf, make([]byte, len(ch))...)
	copy(e.buf[e.pos+len(ch):], e.buf[e.pos:len(e.buf)-len(ch)])
	copy(e.buf[e.pos:], ch)
	e.pos += len(ch)
	e.inserted = text
	e.redraw()
}

// RevertPendingInput removes the last synthetic insertion if the user has
// not edited past it.
func (e *Editor) RevertPendingInput() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inserted == "" || !e.reading {
		return
	}
	if s := string(e.buf); strings.HasSuffix(s, e.inserted) {
		e.buf = e.buf[:len(e.buf)-len(e.inserted)]
		if e.pos > len(e.buf) {
			e.pos = len(e.buf)
		}
		e.redraw()
	}
	e.inserted = ""
}

// flattenInsertion maps a multi-line code buffer onto the single input line.
func flattenInsertion(text string) string {
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "; ")
}

// ReadLine displays the prompt and reads a line with full cursor tracking.
// Returns io.EOF when the user presses Ctrl-D on empty input.
func (e *Editor) ReadLine(prompt string) (text string, err error) {
	e.mu.Lock()
	e.prompt = prompt
	e.buf = e.buf[:0]
	e.pos = 0
	e.reading = true
	e.inserted = ""
	e.redraw()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.reading = false
		e.inserted = ""
		e.mu.Unlock()
	}()

	var esc [8]byte // buffer for escape sequences

	for {
		var b [1]byte
		if _, err := e.tty.Read(b[:]); err != nil {
			return "", err
		}

		e.mu.Lock()
		switch b[0] {
		case 3: // Ctrl-C
			fmt.Fprintf(e.tty, "\r\n")
			e.mu.Unlock()
			return "", ErrInterrupt

		case 4: // Ctrl-D
			if len(e.buf) == 0 {
				fmt.Fprintf(e.tty, "\r\n")
				e.mu.Unlock()
				return "", io.EOF
			}

		case 13, 10: // Enter
			fmt.Fprintf(e.tty, "\r\n")
			text := string(e.buf)
			e.mu.Unlock()
			return text, nil

		case 127, 8: // Backspace / Ctrl-H
			if e.pos > 0 {
				_, size := prevRune(e.buf, e.pos)
				copy(e.buf[e.pos-size:], e.buf[e.pos:])
				e.buf = e.buf[:len(e.buf)-size]
				e.pos -= size
				e.inserted = ""
			}

		case 1: // Ctrl-A (Home)
			e.pos = 0

		case 5: // Ctrl-E (End)
			e.pos = len(e.buf)

		case 21: // Ctrl-U (clear line)
			e.buf = e.buf[:0]
			e.pos = 0
			e.inserted = ""

		case 27: // Escape sequence
			e.mu.Unlock()
			n, _ := e.tty.Read(esc[:1])
			if n == 0 {
				continue
			}
			if esc[0] != '[' {
				continue
			}
			n, _ = e.tty.Read(esc[1:2])
			if n == 0 {
				continue
			}
			e.mu.Lock()
			switch esc[1] {
			case 'D': // Left
				if e.pos > 0 {
					_, size := prevRune(e.buf, e.pos)
					e.pos -= size
				}
			case 'C': // Right
				if e.pos < len(e.buf) {
					_, size := utf8.DecodeRune(e.buf[e.pos:])
					e.pos += size
				}
			case 'H': // Home
				e.pos = 0
			case 'F': // End
				e.pos = len(e.buf)
			case '3': // Delete key: \x1b[3~
				e.tty.Read(esc[2:3]) // consume '~'
				if e.pos < len(e.buf) {
					_, size := utf8.DecodeRune(e.buf[e.pos:])
					copy(e.buf[e.pos:], e.buf[e.pos+size:])
					e.buf = e.buf[:len(e.buf)-size]
				}
			case '1': // Home: \x1b[1~
				e.tty.Read(esc[2:3])
				e.pos = 0
			case '4': // End: \x1b[4~
				e.tty.Read(esc[2:3])
				e.pos = len(e.buf)
			}

		default: // Printable character
			if b[0] >= 32 {
				// Determine full UTF-8 sequence length
				ch := []byte{b[0]}
				if b[0] >= 0xC0 {
					extra := utf8RuneLen(b[0]) - 1
					tmp := make([]byte, extra)
					e.tty.Read(tmp)
					ch = append(ch, tmp...)
				}
				// Insert at cursor position
				e.buf = append(e.buf, make([]byte, len(ch))...)
				copy(e.buf[e.pos+len(ch):], e.buf[e.pos:len(e.buf)-len(ch)])
				copy(e.buf[e.pos:], ch)
				e.pos += len(ch)
			}
		}

		e.redraw()
		e.mu.Unlock()
	}
}

// redraw clears the current line and redraws prompt + buffer with cursor.
// Callers hold mu.
func (e *Editor) redraw() {
	// \r = carriage return, \x1b[K = clear to end of line
	fmt.Fprintf(e.tty, "\r\x1b[K%s%s", e.prompt, string(e.buf))

	// Move cursor back to the correct position
	tailLen := utf8.RuneCount(e.buf[e.pos:])
	if tailLen > 0 {
		fmt.Fprintf(e.tty, "\x1b[%dD", tailLen)
	}
}

// prevRune returns the rune and byte size of the rune before pos.
func prevRune(buf []byte, pos int) (rune, int) {
	if pos <= 0 {
		return 0, 0
	}
	// Walk back to find the start of the rune
	i := pos - 1
	for i > 0 && !utf8.RuneStart(buf[i]) {
		i--
	}
	r, size := utf8.DecodeRune(buf[i:pos])
	return r, size
}

// utf8RuneLen returns the expected byte length of a UTF-8 sequence
// from its leading byte.
func utf8RuneLen(lead byte) int {
	if lead < 0xC0 {
		return 1
	}
	if lead < 0xE0 {
		return 2
	}
	if lead < 0xF0 {
		return 3
	}
	return 4
}

// ErrInterrupt is returned when the user presses Ctrl-C.
var ErrInterrupt = fmt.Errorf("interrupted")
