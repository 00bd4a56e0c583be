// Package channel implements the duplex IPC channel between the interactive
// shell and the assistant process: two Unix-socket links, a five-step
// handshake, and typed request/response dispatch on each side.
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

// DefaultTimeout bounds the accept and connect-back handshake steps.
const DefaultTimeout = 7 * time.Second

// State is the shell channel's setup lifecycle.
type State int

const (
	// StateIdle: no endpoint created yet.
	StateIdle State = iota
	// StateSettingUp: listener created, handshake running in the background.
	StateSettingUp
	// StateConnected: handshake completed, both links live.
	StateConnected
	// StateSetupFailed: handshake timed out or failed.
	StateSetupFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSettingUp:
		return "setting up"
	case StateConnected:
		return "connected"
	case StateSetupFailed:
		return "setup failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ContextFunc answers an AskContext request. Returning ok=false means the
// shell has no context of that kind.
type ContextFunc func(kind protocol.ContextType, args []string) (content string, ok bool)

// RunFunc executes a command for a RunCommand request.
type RunFunc func(ctx context.Context, command string, blocking bool) *protocol.PostResult

// OutputFunc answers an AskCommandOutput request for a previously started
// command.
type OutputFunc func(commandID string) *protocol.PostResult

// ShellConfig wires the shell-side channel's collaborators. Handlers are
// fixed at construction; the protocol never has more than one subscriber per
// event.
type ShellConfig struct {
	// Timeout bounds the handshake accept and connect-back. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// ListenName overrides the rendezvous name (defaults to the per-process
	// derived name). Tests and multi-channel hosts set this.
	ListenName string

	Context   ContextFunc
	Run       RunFunc
	Output    OutputFunc
	Host      Host
	Predictor Predictor
	Logger    *slog.Logger
}

// ShellChannel is the shell process's side of the channel. It owns the
// long-lived listening endpoint, accepts the assistant's link, connects back,
// and dispatches incoming requests to the configured handlers.
//
// Construct exactly one per process and thread it through; the rendezvous
// name is derived per process.
type ShellChannel struct {
	cfg ShellConfig
	log *slog.Logger

	mu          sync.Mutex
	state       State
	setupErr    error
	listener    *transport.Listener
	server      *transport.Endpoint // assistant's link to us: requests in, replies out
	client      *transport.Endpoint // our link to the assistant: PostQuery out
	setupDone   chan struct{}       // closed when the current setup attempt finishes
	cancelSetup context.CancelFunc

	pending pendingCode
}

// NewShellChannel creates the channel. It does nothing until StartSetup.
func NewShellChannel(cfg ShellConfig) *ShellChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ShellChannel{cfg: cfg, log: log, state: StateIdle}
}

// StartSetup creates the listening endpoint and runs the handshake in the
// background, returning the rendezvous name immediately. It fails when the
// channel is already connected or a setup attempt is in flight; a previous
// failed or severed attempt is reset and retried.
func (c *ShellChannel) StartSetup() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateSettingUp:
		return "", errors.New("channel: setup already in progress")
	case StateConnected:
		if c.server != nil && c.server.Connected() && c.client != nil && c.client.Connected() {
			return "", errors.New("channel: already connected")
		}
		// Connected on record but severed in practice: reset and retry.
		c.resetLocked()
	case StateSetupFailed:
		c.resetLocked()
	}

	name := c.cfg.ListenName
	if name == "" {
		name = transport.SelfRendezvousName()
	}
	listener, err := transport.Listen(name)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.listener = listener
	c.state = StateSettingUp
	c.setupErr = nil
	c.setupDone = make(chan struct{})
	c.cancelSetup = cancel

	go c.setup(ctx, listener, c.setupDone)

	return name, nil
}

// setup runs handshake steps 1–4 and then the steady-state dispatch loop.
func (c *ShellChannel) setup(ctx context.Context, listener *transport.Listener, done chan struct{}) {
	server, client, err := c.handshake(ctx, listener)
	if err != nil {
		c.mu.Lock()
		// A Reset may have superseded this attempt; only the current one may
		// record a terminal state.
		if c.setupDone == done {
			c.state = StateSetupFailed
			c.setupErr = err
			c.listener = nil
		}
		c.mu.Unlock()
		listener.Close()
		close(done)
		c.log.Warn("channel setup failed", "error", err)
		return
	}

	c.mu.Lock()
	if c.setupDone != done {
		// Abandoned by a Reset mid-handshake.
		c.mu.Unlock()
		server.Close()
		client.Close()
		listener.Close()
		close(done)
		return
	}
	c.server = server
	c.client = client
	c.state = StateConnected
	c.mu.Unlock()
	close(done)
	c.log.Info("channel connected", "peer", listener.Name())

	c.dispatchLoop(ctx, server)

	// Loop exit is connection loss, not setup failure: the probe observes it
	// through endpoint liveness.
	server.Close()
	client.Close()
	listener.Close()
	c.log.Info("channel disconnected")
}

func (c *ShellChannel) handshake(ctx context.Context, listener *transport.Listener) (server, client *transport.Endpoint, err error) {
	server, err = listener.Accept(ctx, c.cfg.Timeout)
	if err != nil {
		return nil, nil, err
	}

	recvCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	first, err := server.Receive(recvCtx)
	cancel()
	if err != nil {
		server.Close()
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("channel: peer closed before sending AskConnection")
		}
		return nil, nil, err
	}
	ask, ok := first.(*protocol.AskConnection)
	if !ok {
		server.Close()
		return nil, nil, &protocol.ViolationError{Expected: protocol.MsgAskConnection, Got: first.Type()}
	}

	client, err = transport.Dial(ctx, ask.PipeName, c.cfg.Timeout)
	if err != nil {
		server.Close()
		return nil, nil, err
	}
	return server, client, nil
}

// dispatchLoop decodes requests on the listening link until the stream
// closes or the frame layer fails. Handler failures never end the loop.
func (c *ShellChannel) dispatchLoop(ctx context.Context, server *transport.Endpoint) {
	for {
		msg, err := server.Receive(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				c.log.Warn("receive loop ended", "error", err)
			}
			return
		}

		switch m := msg.(type) {
		case *protocol.AskContext:
			c.reply(server, c.handleAskContext(m))
		case *protocol.PostCode:
			c.handlePostCode(m)
		case *protocol.RunCommand:
			c.reply(server, c.handleRunCommand(ctx, m))
		case *protocol.AskCommandOutput:
			c.reply(server, c.handleAskOutput(m))
		default:
			c.log.Warn("unexpected message on listening link", "type", msg.Type().String())
		}
	}
}

func (c *ShellChannel) reply(server *transport.Endpoint, m protocol.Message) {
	if err := server.Send(m); err != nil {
		c.log.Warn("failed to send reply", "type", m.Type().String(), "error", err)
	}
}

func (c *ShellChannel) handleAskContext(m *protocol.AskContext) *protocol.PostContext {
	resp := &protocol.PostContext{}
	if c.cfg.Context == nil {
		return resp
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("context handler panicked", "kind", m.Kind.String(), "panic", r)
			resp.Context = nil
		}
	}()
	if content, ok := c.cfg.Context(m.Kind, m.Args); ok {
		resp.Context = &content
	}
	return resp
}

func (c *ShellChannel) handlePostCode(m *protocol.PostCode) {
	if len(m.Blocks) == 0 {
		return
	}

	text := ""
	merged := false
	if c.cfg.Predictor != nil && len(m.Blocks) > 1 {
		text, merged = c.mergeCandidates(m.Blocks)
	}
	if !merged {
		text = joinBlocks(m.Blocks)
	}

	if !c.pending.put(text) {
		c.log.Debug("dropping posted code, insertion already pending")
	}
}

func (c *ShellChannel) mergeCandidates(blocks []string) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("predictor panicked", "panic", r)
			text, ok = "", false
		}
	}()
	return c.cfg.Predictor.MergeCandidates(blocks)
}

func (c *ShellChannel) handleRunCommand(ctx context.Context, m *protocol.RunCommand) (res *protocol.PostResult) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("command handler panicked", "panic", r)
			text := fmt.Sprint(r)
			res = &protocol.PostResult{HasError: true, Exception: &text}
		}
	}()
	if c.cfg.Run == nil {
		text := "no command handler registered"
		return &protocol.PostResult{HasError: true, Exception: &text}
	}
	return c.cfg.Run(ctx, m.Command, m.Blocking)
}

func (c *ShellChannel) handleAskOutput(m *protocol.AskCommandOutput) (res *protocol.PostResult) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("output handler panicked", "panic", r)
			text := fmt.Sprint(r)
			res = &protocol.PostResult{HasError: true, Exception: &text}
		}
	}()
	if c.cfg.Output == nil {
		text := "no command output handler registered"
		return &protocol.PostResult{HasError: true, Exception: &text}
	}
	return c.cfg.Output(m.CommandID)
}

// Status reports the setup state without blocking.
func (c *ShellChannel) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetupErr returns the terminal handshake error, if setup failed.
func (c *ShellChannel) SetupErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupErr
}

// CheckConnection probes channel liveness. When blocking, it first waits for
// the in-flight setup attempt to finish (bounded by ctx). The probe is a
// three-way check: the setup-complete signal, the local listening endpoint,
// and the outbound endpoint must all agree.
func (c *ShellChannel) CheckConnection(ctx context.Context, blocking bool) bool {
	c.mu.Lock()
	done := c.setupDone
	c.mu.Unlock()
	if done == nil {
		return false
	}

	if blocking {
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
	} else {
		select {
		case <-done:
		default:
			return false
		}
	}

	signalled, localLive, remoteLive := c.probe()
	return signalled && localLive && remoteLive
}

// probe snapshots the three liveness facts separately; callers that report
// errors use the disagreements to say what exactly went wrong.
func (c *ShellChannel) probe() (signalled, localLive, remoteLive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	signalled = c.state == StateConnected
	localLive = c.server != nil && c.server.Connected()
	remoteLive = c.client != nil && c.client.Connected()
	return signalled, localLive, remoteLive
}

// PostQuery sends a user query to the assistant. It requires a connected
// channel and reports precisely why one is missing otherwise.
func (c *ShellChannel) PostQuery(ctx context.Context, query *protocol.PostQuery) error {
	c.mu.Lock()
	state := c.state
	setupErr := c.setupErr
	client := c.client
	c.mu.Unlock()

	switch state {
	case StateIdle:
		return &NotConnectedError{Reason: ReasonNeverStarted}
	case StateSettingUp:
		return &NotConnectedError{Reason: ReasonNeverStarted, Detail: "setup still in progress"}
	case StateSetupFailed:
		return &NotConnectedError{Reason: ReasonSetupFailed, Cause: setupErr}
	}

	signalled, localLive, remoteLive := c.probe()
	if !signalled || !localLive || !remoteLive {
		return &NotConnectedError{
			Reason: ReasonSevered,
			Detail: fmt.Sprintf("setup signal=%t, local endpoint live=%t, remote endpoint live=%t", signalled, localLive, remoteLive),
		}
	}

	if err := client.Send(query); err != nil {
		return fmt.Errorf("channel: post query: %w", err)
	}
	return nil
}

// FlushPendingCode hands the pending code to the host once the input line is
// idle. Returns true when an insertion happened. The host calls this from
// its idle point; without a host the pending item stays queued.
func (c *ShellChannel) FlushPendingCode() bool {
	if c.cfg.Host == nil || !c.cfg.Host.InputReady() {
		return false
	}
	text, ok := c.pending.take()
	if !ok {
		return false
	}
	c.cfg.Host.InsertText(text)
	return true
}

// TakePendingCode removes and returns the pending insertion, for hosts that
// drive insertion themselves.
func (c *ShellChannel) TakePendingCode() (string, bool) {
	return c.pending.take()
}

// Reset tears down both endpoints and returns the channel to idle so setup
// can be retried. Safe to call concurrently with a running receive loop;
// closing the transport is what unblocks it.
func (c *ShellChannel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *ShellChannel) resetLocked() {
	if c.cancelSetup != nil {
		c.cancelSetup()
		c.cancelSetup = nil
	}
	if c.server != nil {
		c.server.Close()
		c.server = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	c.state = StateIdle
	c.setupErr = nil
	c.setupDone = nil
	c.pending.take()
}

// Close disposes the channel. Equivalent to Reset; the name marks intent at
// process shutdown.
func (c *ShellChannel) Close() {
	c.Reset()
}
