// Package shellctx produces the context payloads the shell side serves to
// the assistant: working-directory surroundings, redacted command history,
// visible terminal text, and redacted environment variables.
package shellctx

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/machjesusmoto/AIShell/pkg/protocol"
)

// HistorySource supplies recent and query-relevant shell history.
// internal/history implements it.
type HistorySource interface {
	// Recent returns up to n recent commands, most recent last.
	Recent(n int) []string
	// Relevant returns up to k commands relevant to query. Falls back to
	// recent history when semantic search is unavailable.
	Relevant(query string, k int) []string
}

// TerminalSource exposes the visible terminal text. The repl implements it.
type TerminalSource interface {
	VisibleText() string
}

const historyDefaultCount = 20

// Provider answers AskContext requests. Any nil source disables its kind.
type Provider struct {
	Dirs     *DirCache
	History  HistorySource
	Terminal TerminalSource
	Logger   *slog.Logger
}

// Handle implements the channel's ContextFunc signature: it returns the
// payload for the requested kind, or ok=false when the kind is unavailable.
func (p *Provider) Handle(kind protocol.ContextType, args []string) (string, bool) {
	switch kind {
	case protocol.ContextCurrentLocation:
		return p.currentLocation()
	case protocol.ContextCommandHistory:
		return p.commandHistory(args)
	case protocol.ContextTerminalContent:
		if p.Terminal == nil {
			return "", false
		}
		return p.Terminal.VisibleText(), true
	case protocol.ContextEnvironmentVariables:
		return EnvironmentContext(args), true
	}
	p.log().Warn("unknown context kind requested", "kind", kind.String())
	return "", false
}

func (p *Provider) currentLocation() (string, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	if p.Dirs == nil {
		return "cwd: " + cwd, true
	}
	return p.Dirs.Get(context.Background(), cwd).Render(), true
}

// commandHistory returns recent commands; with a query argument it asks the
// history source for relevant ones instead.
func (p *Provider) commandHistory(args []string) (string, bool) {
	if p.History == nil {
		return "", false
	}
	var cmds []string
	if len(args) > 0 && args[0] != "" {
		cmds = p.History.Relevant(args[0], historyDefaultCount)
	} else {
		cmds = p.History.Recent(historyDefaultCount)
	}
	if len(cmds) == 0 {
		return "", false
	}
	return strings.Join(cmds, "\n"), true
}

func (p *Provider) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
