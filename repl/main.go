// Command aish-repl is the shell-side host: an interactive prompt that owns
// the channel's listening endpoint, serves context and command requests from
// the assistant, and inserts posted code at the prompt.
//
// Lines are executed through the user's shell; lines starting with '#' are
// sent to the connected assistant as queries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	aishell "github.com/machjesusmoto/AIShell"
	"github.com/machjesusmoto/AIShell/internal/agent"
	"github.com/machjesusmoto/AIShell/internal/channel"
	"github.com/machjesusmoto/AIShell/internal/history"
	"github.com/machjesusmoto/AIShell/internal/runner"
	"github.com/machjesusmoto/AIShell/internal/shellctx"
	"github.com/machjesusmoto/AIShell/pkg/protocol"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const prompt = "aish> "

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log channel traffic to stderr")
	flag.Parse()

	if *showVersion {
		fmt.Println("aish-repl", Version)
		os.Exit(0)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := aishell.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}

	editor, err := NewEditor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer editor.Close()
	tty := editor.Tty()

	scroll := &transcript{}

	dirs := shellctx.NewDirCache()
	defer dirs.Close()

	var embedder history.Embedder
	if aishell.EmbeddingEnabled(cfg) {
		embedder = agent.NewEmbedder(
			aishell.ResolveEmbeddingBaseURL(cfg),
			aishell.ResolveEmbeddingAPIKey(cfg),
			aishell.ResolveEmbeddingModel(cfg),
		)
	}
	idx := history.NewIndex(embedder, cfg.Embedding.MaxHistoryCommands,
		time.Duration(cfg.Embedding.RefreshMinutes)*time.Minute)
	go idx.Start()
	defer idx.Close()

	run := runner.New(slog.Default())
	defer run.Close()

	provider := &shellctx.Provider{Dirs: dirs, History: idx, Terminal: scroll}

	ch := channel.NewShellChannel(channel.ShellConfig{
		Timeout: cfg.ChannelTimeout(),
		Context: provider.Handle,
		Run:     run.Run,
		Output:  run.Output,
		Host:    editor,
	})
	defer ch.Close()

	name, err := ch.StartSetup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: channel setup: %v\n", err)
		os.Exit(1)
	}

	// Hand pending code to the editor whenever the prompt goes idle.
	flushDone := make(chan struct{})
	defer close(flushDone)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-flushDone:
				return
			case <-ticker.C:
				ch.FlushPendingCode()
			}
		}
	}()

	fmt.Fprintf(tty, "aish repl\r\n")
	fmt.Fprintf(tty, "channel: %s\r\n", name)
	fmt.Fprintf(tty, "connect the assistant with: aish -channel %s\r\n", name)
	fmt.Fprintf(tty, "\r\ncommands:\r\n")
	fmt.Fprintf(tty, "  # <question>  ask the assistant\r\n")
	fmt.Fprintf(tty, "  :status       channel state\r\n")
	fmt.Fprintf(tty, "  :reconnect    restart channel setup\r\n")
	fmt.Fprintf(tty, "  :quit         exit\r\n\r\n")

	out := termWriter(os.Stdout)

	for {
		text, err := editor.ReadLine(prompt)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrInterrupt) {
			continue
		}
		if err != nil {
			fmt.Fprintf(tty, "read error: %v\r\n", err)
			break
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		scroll.Append(prompt + text)

		switch {
		case text == ":quit" || text == ":q":
			return

		case text == ":status":
			fmt.Fprintf(tty, "channel: %s\r\n", ch.Status())
			if err := ch.SetupErr(); err != nil {
				fmt.Fprintf(tty, "setup error: %v\r\n", err)
			}

		case text == ":reconnect":
			ch.Reset()
			if name, err = ch.StartSetup(); err != nil {
				fmt.Fprintf(tty, "error: %v\r\n", err)
				continue
			}
			fmt.Fprintf(tty, "channel: %s\r\n", name)

		case strings.HasPrefix(text, "#"):
			query := strings.TrimSpace(strings.TrimPrefix(text, "#"))
			if query == "" {
				continue
			}
			postQuery(tty, ch, scroll, query)

		default:
			res := run.Run(context.Background(), text, true)
			fmt.Fprint(out, res.Output)
			scroll.Append(res.Output)
			if res.HasError && res.Exception != nil {
				fmt.Fprintf(tty, "error: %s\r\n", *res.Exception)
			}
		}
	}
}

// postQuery sends one query, waiting out an in-flight handshake first.
func postQuery(tty io.Writer, ch *channel.ShellChannel, scroll *transcript, query string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch.CheckConnection(ctx, true)

	visible := scroll.VisibleText()
	q := &protocol.PostQuery{Query: query}
	if visible != "" {
		q.Context = &visible
	}

	if err := ch.PostQuery(ctx, q); err != nil {
		var nc *channel.NotConnectedError
		if errors.As(err, &nc) {
			fmt.Fprintf(tty, "assistant not connected: %v\r\n", nc)
		} else {
			fmt.Fprintf(tty, "query failed: %v\r\n", err)
		}
		return
	}
	fmt.Fprintf(tty, "(sent, code suggestions will appear at the prompt)\r\n")
}
