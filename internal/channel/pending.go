package channel

import (
	"strings"
	"sync"
)

// Host is the editor-integration capability the channel depends on. The real
// implementation lives in the repl; the channel only observes readiness and
// hands text over.
type Host interface {
	// InputReady reports whether the input line is idle and can accept
	// synthetic input.
	InputReady() bool
	// InsertText inserts text at the prompt.
	InsertText(text string)
	// RevertPendingInput clears any previously inserted, not-yet-submitted text.
	RevertPendingInput()
}

// Predictor can merge near-duplicate code fragments into one ranked
// insertion. It is an optional host capability, not part of the channel core.
type Predictor interface {
	// MergeCandidates returns the merged text and true when the fragments
	// could be merged; false means the caller should join them itself.
	MergeCandidates(blocks []string) (string, bool)
}

// pendingCode is the single-slot buffer for code awaiting insertion.
// A second posting while one is pending is dropped.
type pendingCode struct {
	mu   sync.Mutex
	text string
	set  bool
}

// put stores text as the pending item. Returns false when a pending item
// already exists (the new one is dropped).
func (p *pendingCode) put(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return false
	}
	p.text = text
	p.set = true
	return true
}

// take removes and returns the pending item, if any.
func (p *pendingCode) take() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.set {
		return "", false
	}
	text := p.text
	p.text = ""
	p.set = false
	return text, true
}

// joinBlocks renders code fragments into one insertion buffer: a single
// fragment is used verbatim; multiple fragments each keep a trailing newline
// and are joined by one newline.
func joinBlocks(blocks []string) string {
	if len(blocks) == 1 {
		return blocks[0]
	}
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b + "\n"
	}
	return strings.Join(parts, "\n")
}
