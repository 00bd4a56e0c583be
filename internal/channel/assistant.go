package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/machjesusmoto/AIShell/internal/transport"
	"github.com/machjesusmoto/AIShell/pkg/protocol"
)

// QueryFunc handles an unsolicited PostQuery pushed from the shell.
type QueryFunc func(ctx context.Context, query *protocol.PostQuery)

// AssistantConfig wires the assistant-side channel's collaborators.
type AssistantConfig struct {
	// Timeout bounds the connect and accept handshake steps. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// ListenName overrides the reciprocal rendezvous name (defaults to the
	// per-process derived name).
	ListenName string

	// OnQuery receives PostQuery pushes. A nil handler logs and ignores them.
	OnQuery QueryFunc
	Logger  *slog.Logger
}

// AssistantChannel is the assistant process's side of the channel: it
// connects to the shell's rendezvous name, opens its own reciprocal
// endpoint, and then issues request/response calls while receiving pushed
// queries.
//
// Request/response correlation is strict one-outstanding-call-at-a-time on
// the outbound link; there is no id field except AskCommandOutput's
// shell-minted command id.
type AssistantChannel struct {
	cfg AssistantConfig
	log *slog.Logger

	// reqMu serializes request/response exchanges on the outbound link.
	reqMu sync.Mutex

	mu        sync.Mutex
	client    *transport.Endpoint // our link to the shell: requests out, replies in
	server    *transport.Endpoint // shell's connect-back link: PostQuery in
	listener  *transport.Listener
	connected bool
	loopDone  chan struct{}
}

// NewAssistantChannel creates the channel. It does nothing until Connect.
func NewAssistantChannel(cfg AssistantConfig) *AssistantChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &AssistantChannel{cfg: cfg, log: log}
}

// Connect performs handshake steps 2–4: dial the shell's rendezvous name,
// open the reciprocal endpoint, announce it via AskConnection as the very
// first message, and wait for the shell to connect back.
func (c *AssistantChannel) Connect(ctx context.Context, shellName string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("channel: already connected")
	}
	c.mu.Unlock()

	client, err := transport.Dial(ctx, shellName, c.cfg.Timeout)
	if err != nil {
		return err
	}

	name := c.cfg.ListenName
	if name == "" {
		name = transport.SelfRendezvousName()
	}
	listener, err := transport.Listen(name)
	if err != nil {
		client.Close()
		return err
	}

	if err := client.Send(&protocol.AskConnection{PipeName: name}); err != nil {
		client.Close()
		listener.Close()
		return fmt.Errorf("channel: announce reciprocal endpoint: %w", err)
	}

	server, err := listener.Accept(ctx, c.cfg.Timeout)
	if err != nil {
		client.Close()
		listener.Close()
		return err
	}

	loopDone := make(chan struct{})
	c.mu.Lock()
	c.client = client
	c.server = server
	c.listener = listener
	c.connected = true
	c.loopDone = loopDone
	c.mu.Unlock()

	go c.receiveLoop(server, loopDone)

	c.log.Info("channel connected", "shell", shellName, "reciprocal", name)
	return nil
}

// receiveLoop handles pushes on the reciprocal link until it closes.
func (c *AssistantChannel) receiveLoop(server *transport.Endpoint, done chan struct{}) {
	defer close(done)
	for {
		msg, err := server.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("receive loop ended", "error", err)
			}
			return
		}

		switch m := msg.(type) {
		case *protocol.PostQuery:
			if c.cfg.OnQuery == nil {
				c.log.Warn("no query handler registered, dropping query")
				continue
			}
			c.dispatchQuery(m)
		default:
			c.log.Warn("unexpected message on reciprocal link", "type", msg.Type().String())
		}
	}
}

func (c *AssistantChannel) dispatchQuery(m *protocol.PostQuery) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("query handler panicked", "panic", r)
		}
	}()
	c.cfg.OnQuery(context.Background(), m)
}

// Connected reports whether both links are live.
func (c *AssistantChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected &&
		c.client != nil && c.client.Connected() &&
		c.server != nil && c.server.Connected()
}

// roundTrip sends a request and awaits the single correlated reply. A reply
// of the wrong variant is fatal for the link: it is closed and a
// ViolationError returned.
func (c *AssistantChannel) roundTrip(ctx context.Context, req protocol.Message, want protocol.MessageType) (protocol.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, &NotConnectedError{Reason: ReasonNeverStarted}
	}
	if !client.Connected() {
		return nil, &NotConnectedError{Reason: ReasonSevered, Detail: "outbound link closed"}
	}

	if err := client.Send(req); err != nil {
		return nil, fmt.Errorf("channel: send %s: %w", req.Type(), err)
	}

	resp, err := client.Receive(ctx)
	if err != nil {
		// The request is out and its reply may still arrive; letting the next
		// exchange read it would mis-correlate. The link is done.
		client.Close()
		if errors.Is(err, io.EOF) {
			return nil, &NotConnectedError{Reason: ReasonSevered, Detail: "link closed while awaiting " + want.String()}
		}
		return nil, err
	}
	if resp.Type() != want {
		client.Close()
		return nil, &protocol.ViolationError{Expected: want, Got: resp.Type()}
	}
	return resp, nil
}

// AskContext asks the shell for context. A nil result means the shell has no
// context of that kind.
func (c *AssistantChannel) AskContext(ctx context.Context, kind protocol.ContextType, args []string) (*string, error) {
	resp, err := c.roundTrip(ctx, &protocol.AskContext{Kind: kind, Args: args}, protocol.MsgPostContext)
	if err != nil {
		return nil, err
	}
	return resp.(*protocol.PostContext).Context, nil
}

// RunCommand asks the shell to execute a command. For a non-blocking run the
// result's Output carries the command id to pass to AskCommandOutput.
func (c *AssistantChannel) RunCommand(ctx context.Context, command string, blocking bool) (*protocol.PostResult, error) {
	resp, err := c.roundTrip(ctx, &protocol.RunCommand{Command: command, Blocking: blocking}, protocol.MsgPostResult)
	if err != nil {
		return nil, err
	}
	return resp.(*protocol.PostResult), nil
}

// AskCommandOutput fetches the output of an earlier non-blocking command.
func (c *AssistantChannel) AskCommandOutput(ctx context.Context, commandID string) (*protocol.PostResult, error) {
	resp, err := c.roundTrip(ctx, &protocol.AskCommandOutput{CommandID: commandID}, protocol.MsgPostResult)
	if err != nil {
		return nil, err
	}
	return resp.(*protocol.PostResult), nil
}

// PostCode pushes code blocks to the shell. One-way; no reply is expected.
func (c *AssistantChannel) PostCode(blocks []string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return &NotConnectedError{Reason: ReasonNeverStarted}
	}
	if err := client.Send(&protocol.PostCode{Blocks: blocks}); err != nil {
		return fmt.Errorf("channel: post code: %w", err)
	}
	return nil
}

// Close tears down both links. Idempotent; unblocks the receive loop and any
// in-flight round trip.
func (c *AssistantChannel) Close() {
	c.mu.Lock()
	client, server, listener := c.client, c.server, c.listener
	loopDone := c.loopDone
	c.client, c.server, c.listener = nil, nil, nil
	c.connected = false
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if server != nil {
		server.Close()
	}
	if listener != nil {
		listener.Close()
	}
	if loopDone != nil {
		<-loopDone
	}
}
