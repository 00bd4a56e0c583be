package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/machjesusmoto/AIShell/pkg/protocol"
)

const defaultSystemPrompt = `You are aish, an AI assistant embedded in the user's shell.
Answer questions about the command line and produce shell commands the user
can run. Put every runnable command in a fenced code block; keep prose short.`

// Chatter is the completion surface HandleQuery talks to.
type Chatter interface {
	Chat(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// ShellLink is the slice of the channel a responder needs: context requests
// toward the shell and code delivery back to it.
type ShellLink interface {
	AskContext(ctx context.Context, kind protocol.ContextType, args []string) (*string, error)
	PostCode(blocks []string) error
}

// Responder turns incoming queries into chat requests and posts any code
// blocks from the reply back over the channel.
type Responder struct {
	chat   Chatter
	prompt string
	log    *slog.Logger
}

// NewResponder creates a responder. An empty systemPrompt selects the
// built-in one.
func NewResponder(chat Chatter, systemPrompt string, log *slog.Logger) *Responder {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	if log == nil {
		log = slog.Default()
	}
	return &Responder{chat: chat, prompt: systemPrompt, log: log}
}

// HandleQuery serves one PostQuery. Context gathering is best effort: a
// failed or refused context request degrades the prompt, it does not fail
// the query.
func (r *Responder) HandleQuery(ctx context.Context, link ShellLink, q *protocol.PostQuery) {
	msg := r.buildUserMessage(ctx, link, q)

	reply, err := r.chat.Chat(ctx, r.prompt, msg)
	if err != nil {
		r.log.Error("chat request failed", "error", err)
		return
	}

	blocks := ExtractCodeBlocks(reply)
	if len(blocks) == 0 {
		r.log.Debug("reply carried no code blocks")
		return
	}
	if err := link.PostCode(blocks); err != nil {
		r.log.Error("posting code failed", "error", err)
	}
}

func (r *Responder) buildUserMessage(ctx context.Context, link ShellLink, q *protocol.PostQuery) string {
	var b strings.Builder

	r.appendContext(&b, "Current location", r.fetch(ctx, link, protocol.ContextCurrentLocation, nil))
	r.appendContext(&b, "Recent commands", r.fetch(ctx, link, protocol.ContextCommandHistory, nil))
	if q.Context != nil && *q.Context != "" {
		r.appendContext(&b, "Additional context", *q.Context)
	}

	b.WriteString("Query:\n")
	b.WriteString(q.Query)
	return b.String()
}

func (r *Responder) fetch(ctx context.Context, link ShellLink, kind protocol.ContextType, args []string) string {
	text, err := link.AskContext(ctx, kind, args)
	if err != nil {
		r.log.Warn("context request failed", "kind", kind, "error", err)
		return ""
	}
	if text == nil {
		return ""
	}
	return *text
}

func (r *Responder) appendContext(b *strings.Builder, heading, text string) {
	if text == "" {
		return
	}
	b.WriteString(heading)
	b.WriteString(":\n")
	b.WriteString(text)
	b.WriteString("\n\n")
}

// ExtractCodeBlocks returns the contents of fenced code blocks in reply,
// in order. Language tags on the opening fence are dropped.
func ExtractCodeBlocks(reply string) []string {
	var blocks []string
	var current []string
	inBlock := false

	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inBlock {
				if block := strings.TrimRight(strings.Join(current, "\n"), "\n"); block != "" {
					blocks = append(blocks, block)
				}
				current = nil
			}
			inBlock = !inBlock
			continue
		}
		if inBlock {
			current = append(current, line)
		}
	}
	return blocks
}
