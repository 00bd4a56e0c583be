// Package history reads, redacts, and indexes shell history so the shell
// side can answer CommandHistory context requests. With an embedder wired in
// it maintains an HNSW graph for semantic relevance queries; without one it
// serves recent history only.
package history

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

const embedBatchSize = 32

// Embedder turns command text into vectors for the semantic index.
// internal/agent provides an OpenAI-compatible implementation; nil disables
// semantic search.
type Embedder interface {
	Embed(text string) ([]float32, error)
	EmbedBatch(texts []string) ([][]float32, error)
}

// Index serves recent and semantically relevant shell history.
type Index struct {
	path         string
	embedder     Embedder
	maxCommands  int
	refreshEvery time.Duration

	mu       sync.RWMutex
	graph    *hnsw.Graph[string] // keyed by command hash
	commands map[string]string   // hash -> redacted command

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewIndex creates a history index over the most recently modified history
// file. A nil embedder disables the semantic features; Recent still works.
func NewIndex(embedder Embedder, maxCommands int, refreshEvery time.Duration) *Index {
	return &Index{
		path:         resolveHistoryPath(),
		embedder:     embedder,
		maxCommands:  maxCommands,
		refreshEvery: refreshEvery,
		graph:        hnsw.NewGraph[string](),
		commands:     make(map[string]string),
		stopCh:       make(chan struct{}),
	}
}

// resolveHistoryPath picks $HISTFILE when set, otherwise the most recently
// modified of the common zsh/bash history files.
func resolveHistoryPath() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".zsh_history"),
		filepath.Join(home, ".bash_history"),
	}
	if hf := os.Getenv("HISTFILE"); hf != "" {
		candidates = append([]string{hf}, candidates...)
	}

	var bestPath string
	var bestTime time.Time
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(bestTime) {
			bestTime = info.ModTime()
			bestPath = path
		}
	}
	return bestPath
}

// Recent returns up to n recent commands, redacted, most recent last.
func (idx *Index) Recent(n int) []string {
	if idx.path == "" {
		return nil
	}
	lines := readLastLines(idx.path, n)
	cmds := make([]string, 0, len(lines))
	for _, line := range lines {
		if cmd := parseHistoryLine(line); cmd != "" {
			cmds = append(cmds, Redact(cmd))
		}
	}
	if len(cmds) > n {
		cmds = cmds[len(cmds)-n:]
	}
	return cmds
}

// Relevant returns up to k commands relevant to query via the semantic
// index, falling back to recent history when the index is unavailable.
func (idx *Index) Relevant(query string, k int) []string {
	cmds, err := idx.search(query, k)
	if err != nil {
		slog.Warn("semantic history search failed", "error", err)
	}
	if len(cmds) == 0 {
		return idx.Recent(k)
	}
	return cmds
}

func (idx *Index) search(query string, k int) ([]string, error) {
	if idx.embedder == nil || k <= 0 {
		return nil, nil
	}

	vec, err := idx.embedder.Embed(Redact(query))
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.graph.Len() == 0 {
		return nil, nil
	}
	neighbors := idx.graph.Search(vec, k)
	cmds := make([]string, len(neighbors))
	for i, n := range neighbors {
		cmds[i] = idx.commands[n.Key]
	}
	return cmds, nil
}

// Refresh embeds any history commands not yet in the graph.
func (idx *Index) Refresh() error {
	if idx.embedder == nil || idx.path == "" {
		return nil
	}

	cmds := idx.tailCommands()

	idx.mu.RLock()
	var fresh []string
	for _, cmd := range cmds {
		if _, exists := idx.graph.Lookup(hashCommand(cmd)); !exists {
			fresh = append(fresh, cmd)
		}
	}
	idx.mu.RUnlock()
	if len(fresh) == 0 {
		return nil
	}

	var nodes []hnsw.Node[string]
	redacted := make(map[string]string, len(fresh))

	for i := 0; i < len(fresh); i += embedBatchSize {
		end := min(i+embedBatchSize, len(fresh))
		batch := fresh[i:end]

		texts := make([]string, len(batch))
		for j, cmd := range batch {
			texts[j] = Redact(cmd)
		}
		vectors, err := idx.embedder.EmbedBatch(texts)
		if err != nil {
			return fmt.Errorf("embed history batch: %w", err)
		}
		for j, cmd := range batch {
			hash := hashCommand(cmd)
			nodes = append(nodes, hnsw.MakeNode(hash, vectors[j]))
			redacted[hash] = texts[j]
		}
	}

	idx.mu.Lock()
	idx.graph.Add(nodes...)
	for hash, cmd := range redacted {
		idx.commands[hash] = cmd
	}
	idx.mu.Unlock()
	return nil
}

// tailCommands reads the last maxCommands from the history file, deduplicated.
func (idx *Index) tailCommands() []string {
	lines := readLastLines(idx.path, idx.maxCommands)
	seen := make(map[string]bool)
	cmds := make([]string, 0, len(lines))
	for _, line := range lines {
		cmd := parseHistoryLine(line)
		if cmd == "" || seen[cmd] {
			continue
		}
		seen[cmd] = true
		cmds = append(cmds, cmd)
	}
	return cmds
}

// Start refreshes the index immediately and then on every refresh interval,
// blocking until Close. With no embedder it returns at once.
func (idx *Index) Start() {
	if idx.embedder == nil {
		return
	}
	if err := idx.Refresh(); err != nil {
		slog.Error("initial history indexing failed", "error", err)
	}

	ticker := time.NewTicker(idx.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-idx.stopCh:
			return
		case <-ticker.C:
			if err := idx.Refresh(); err != nil {
				slog.Error("history re-indexing failed", "error", err)
			}
		}
	}
}

// Close stops the refresh loop. Idempotent.
func (idx *Index) Close() {
	idx.closeOnce.Do(func() { close(idx.stopCh) })
}

// parseHistoryLine strips shell-specific prefixes.
// Zsh extended history: ": <timestamp>:<duration>;<command>".
func parseHistoryLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if strings.HasPrefix(line, ": ") {
		if idx := strings.Index(line, ";"); idx != -1 {
			return strings.TrimSpace(line[idx+1:])
		}
	}
	return line
}

func hashCommand(cmd string) string {
	h := sha256.Sum256([]byte(cmd))
	return fmt.Sprintf("%x", h)
}

// readLastLines returns the last n lines of path, seeking near the end for
// large files.
func readLastLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}

	// Estimate generously and skip the partial first line after the seek.
	estimated := int64(n) * 100
	if estimated < info.Size() {
		if _, err := f.Seek(-estimated, io.SeekEnd); err == nil {
			reader := bufio.NewReader(f)
			reader.ReadString('\n')
			var lines []string
			scanner := bufio.NewScanner(reader)
			for scanner.Scan() {
				lines = append(lines, scanner.Text())
			}
			if len(lines) >= n {
				return lines[len(lines)-n:]
			}
		}
		f.Seek(0, io.SeekStart)
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
