// Command aish is the assistant-side daemon. It dials the shell's rendezvous
// name, completes the channel handshake, and serves queries: each query is
// answered through the configured chat API, with context pulled back over
// the channel, and any code blocks in the reply posted to the shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	aishell "github.com/machjesusmoto/AIShell"
	"github.com/machjesusmoto/AIShell/internal/agent"
	"github.com/machjesusmoto/AIShell/internal/channel"
	"github.com/machjesusmoto/AIShell/pkg/protocol"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	channelName := flag.String("channel", "", "shell rendezvous name to connect to (required)")
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log every request and response to stderr")
	flag.Parse()

	if *showVersion {
		fmt.Println("aish", Version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *channelName == "" {
		fmt.Fprintln(os.Stderr, "usage: aish -channel <rendezvous name>")
		fmt.Fprintln(os.Stderr, "the shell-side host prints the name on startup")
		os.Exit(2)
	}

	cfg, err := aishell.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	chat := agent.NewClient(
		aishell.ResolveAgentBaseURL(cfg),
		aishell.ResolveAgentAPIKey(cfg),
		aishell.ResolveAgentModel(cfg),
		cfg.Agent.MaxTokens,
		cfg.Agent.Temperature,
	)
	responder := agent.NewResponder(chat, loadSystemPrompt(), slog.Default())

	var ch *channel.AssistantChannel
	ch = channel.NewAssistantChannel(channel.AssistantConfig{
		Timeout: cfg.ChannelTimeout(),
		OnQuery: func(ctx context.Context, q *protocol.PostQuery) {
			slog.Debug("query received", "query", q.Query)
			responder.HandleQuery(ctx, ch, q)
		},
	})

	slog.Info("connecting", "channel", *channelName)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ChannelTimeout())
	err = ch.Connect(ctx, *channelName)
	cancel()
	if err != nil {
		slog.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("ready")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			slog.Info("shutting down")
			return
		case <-ticker.C:
			if !ch.Connected() {
				slog.Info("channel severed, exiting")
				return
			}
		}
	}
}

// loadSystemPrompt reads the user's prompt override, if present.
func loadSystemPrompt() string {
	data, err := os.ReadFile(aishell.PromptPath())
	if err != nil {
		return ""
	}
	return string(data)
}
