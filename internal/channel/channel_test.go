package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/machjesusmoto/AIShell/internal/transport"
	"github.com/machjesusmoto/AIShell/pkg/protocol"
)

var testChannelCounter atomic.Int64

// testNames returns a fresh pair of rendezvous names in /tmp, one per side.
func testNames(t *testing.T) (shellName, assistantName string) {
	t.Helper()
	n := testChannelCounter.Add(1)
	return fmt.Sprintf("/tmp/aish-chs%d.sock", n), fmt.Sprintf("/tmp/aish-cha%d.sock", n)
}

// connectedPair runs the full five-step handshake between an in-process
// shell and assistant channel.
func connectedPair(t *testing.T, shellCfg ShellConfig, assistantCfg AssistantConfig) (*ShellChannel, *AssistantChannel) {
	t.Helper()
	shellName, assistantName := testNames(t)
	shellCfg.ListenName = shellName
	assistantCfg.ListenName = assistantName
	if shellCfg.Timeout == 0 {
		shellCfg.Timeout = 2 * time.Second
	}
	if assistantCfg.Timeout == 0 {
		assistantCfg.Timeout = 2 * time.Second
	}

	shell := NewShellChannel(shellCfg)
	t.Cleanup(shell.Close)

	name, err := shell.StartSetup()
	if err != nil {
		t.Fatal(err)
	}
	if name != shellName {
		t.Fatalf("StartSetup returned %s, expected %s", name, shellName)
	}

	assistant := NewAssistantChannel(assistantCfg)
	t.Cleanup(assistant.Close)
	if err := assistant.Connect(context.Background(), name); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !shell.CheckConnection(ctx, true) {
		t.Fatalf("shell side not connected after handshake: state=%s err=%v", shell.Status(), shell.SetupErr())
	}
	if !assistant.Connected() {
		t.Fatal("assistant side not connected after handshake")
	}
	return shell, assistant
}

func TestHandshakeConnectsBothSides(t *testing.T) {
	shell, assistant := connectedPair(t, ShellConfig{}, AssistantConfig{})

	if shell.Status() != StateConnected {
		t.Errorf("expected state connected, got %s", shell.Status())
	}
	if !shell.CheckConnection(context.Background(), false) {
		t.Error("nonblocking probe disagrees with connected state")
	}
	if !assistant.Connected() {
		t.Error("assistant probe disagrees")
	}
}

func TestPostQueryReachesHandlerExactly(t *testing.T) {
	type received struct {
		query   string
		context *string
		agent   *string
	}
	got := make(chan received, 1)

	shell, _ := connectedPair(t, ShellConfig{}, AssistantConfig{
		OnQuery: func(_ context.Context, q *protocol.PostQuery) {
			got <- received{q.Query, q.Context, q.Agent}
		},
	})

	ctxText := "git repo on branch main"
	sent := &protocol.PostQuery{Query: "why did my push fail", Context: &ctxText}
	if err := shell.PostQuery(context.Background(), sent); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-got:
		if r.query != sent.Query {
			t.Errorf("query mismatch: sent %q, got %q", sent.Query, r.query)
		}
		if r.context == nil || *r.context != ctxText {
			t.Errorf("context mismatch: got %v", r.context)
		}
		if r.agent != nil {
			t.Errorf("expected nil agent, got %v", *r.agent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query handler never invoked")
	}
}

func TestAskContextRoundTrip(t *testing.T) {
	_, assistant := connectedPair(t, ShellConfig{
		Context: func(kind protocol.ContextType, args []string) (string, bool) {
			if kind != protocol.ContextCommandHistory {
				return "", false
			}
			return "git status\ngit push", true
		},
	}, AssistantConfig{})

	got, err := assistant.AskContext(context.Background(), protocol.ContextCommandHistory, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != "git status\ngit push" {
		t.Errorf("unexpected context payload: %v", got)
	}

	// A kind the handler declines comes back as null context, not an error.
	none, err := assistant.AskContext(context.Background(), protocol.ContextTerminalContent, nil)
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Errorf("expected nil context, got %q", *none)
	}
}

func TestContextHandlerPanicYieldsNeutralReply(t *testing.T) {
	_, assistant := connectedPair(t, ShellConfig{
		Context: func(protocol.ContextType, []string) (string, bool) {
			panic("handler bug")
		},
	}, AssistantConfig{})

	got, err := assistant.AskContext(context.Background(), protocol.ContextCurrentLocation, nil)
	if err != nil {
		t.Fatalf("panic must not surface as a transport error: %v", err)
	}
	if got != nil {
		t.Errorf("expected neutral nil context, got %q", *got)
	}

	// The dispatch loop survived; a second request still works.
	if _, err := assistant.AskContext(context.Background(), protocol.ContextCurrentLocation, nil); err != nil {
		t.Fatalf("dispatch loop died after handler panic: %v", err)
	}
}

func TestRunCommandRoundTrip(t *testing.T) {
	_, assistant := connectedPair(t, ShellConfig{
		Run: func(_ context.Context, command string, blocking bool) *protocol.PostResult {
			return &protocol.PostResult{Output: "ran: " + command}
		},
	}, AssistantConfig{})

	res, err := assistant.RunCommand(context.Background(), "ls -la", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "ran: ls -la" || res.HasError {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunCommandWithoutHandler(t *testing.T) {
	_, assistant := connectedPair(t, ShellConfig{}, AssistantConfig{})

	res, err := assistant.RunCommand(context.Background(), "ls", true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasError || res.Exception == nil {
		t.Errorf("expected neutral failure result, got %+v", res)
	}
}

func TestAskCommandOutputRoundTrip(t *testing.T) {
	_, assistant := connectedPair(t, ShellConfig{
		Output: func(id string) *protocol.PostResult {
			if id != "cmd-42" {
				return &protocol.PostResult{HasError: true}
			}
			return &protocol.PostResult{Output: "finished"}
		},
	}, AssistantConfig{})

	res, err := assistant.AskCommandOutput(context.Background(), "cmd-42")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "finished" {
		t.Errorf("unexpected output: %+v", res)
	}
}

type recordingHost struct {
	mu       sync.Mutex
	ready    bool
	inserted []string
}

func (h *recordingHost) InputReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *recordingHost) InsertText(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inserted = append(h.inserted, text)
}

func (h *recordingHost) RevertPendingInput() {}

func (h *recordingHost) setReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *recordingHost) insertions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.inserted...)
}

func TestPostCodePendingDedup(t *testing.T) {
	host := &recordingHost{}
	shell, assistant := connectedPair(t, ShellConfig{Host: host}, AssistantConfig{})

	if err := assistant.PostCode([]string{"echo first"}); err != nil {
		t.Fatal(err)
	}
	if err := assistant.PostCode([]string{"echo second"}); err != nil {
		t.Fatal(err)
	}

	// Both postings have been dispatched once a request round-trips behind them.
	if _, err := assistant.AskContext(context.Background(), protocol.ContextCurrentLocation, nil); err != nil {
		t.Fatal(err)
	}
	waitForPending(t, shell)

	// Input not ready yet: nothing consumed.
	if shell.FlushPendingCode() {
		t.Error("flush must not insert while input is busy")
	}

	host.setReady(true)
	if !shell.FlushPendingCode() {
		t.Fatal("expected a pending insertion")
	}
	if shell.FlushPendingCode() {
		t.Error("pending item must be consumed exactly once")
	}

	got := host.insertions()
	if len(got) != 1 {
		t.Fatalf("expected exactly one insertion, got %d: %v", len(got), got)
	}
	if got[0] != "echo first" {
		t.Errorf("second posting should have been dropped; inserted %q", got[0])
	}
}

func waitForPending(t *testing.T, shell *ShellChannel) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		shell.pending.mu.Lock()
		set := shell.pending.set
		shell.pending.mu.Unlock()
		if set {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("posted code never became pending")
}

func TestPostCodeMultipleBlocksJoined(t *testing.T) {
	host := &recordingHost{ready: true}
	shell, assistant := connectedPair(t, ShellConfig{Host: host}, AssistantConfig{})

	if err := assistant.PostCode([]string{"echo a", "echo b"}); err != nil {
		t.Fatal(err)
	}
	waitForPending(t, shell)

	text, ok := shell.TakePendingCode()
	if !ok {
		t.Fatal("expected pending code")
	}
	if text != "echo a\n\necho b\n" {
		t.Errorf("unexpected join: %q", text)
	}
}

type constantPredictor struct{ out string }

func (p *constantPredictor) MergeCandidates([]string) (string, bool) { return p.out, true }

func TestPostCodeUsesPredictorForMultipleBlocks(t *testing.T) {
	shell, assistant := connectedPair(t, ShellConfig{
		Predictor: &constantPredictor{out: "merged"},
	}, AssistantConfig{})

	if err := assistant.PostCode([]string{"echo a", "echo a "}); err != nil {
		t.Fatal(err)
	}
	waitForPending(t, shell)

	text, _ := shell.TakePendingCode()
	if text != "merged" {
		t.Errorf("expected predictor output, got %q", text)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	shellName, _ := testNames(t)
	shell := NewShellChannel(ShellConfig{ListenName: shellName, Timeout: 50 * time.Millisecond})
	t.Cleanup(shell.Close)

	start := time.Now()
	if _, err := shell.StartSetup(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if shell.CheckConnection(ctx, true) {
		t.Fatal("expected setup to fail with no peer")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout surfaced after %s, expected well under 500ms", elapsed)
	}

	if shell.Status() != StateSetupFailed {
		t.Fatalf("expected setup failed state, got %s", shell.Status())
	}
	var te *transport.TimeoutError
	if !errors.As(shell.SetupErr(), &te) {
		t.Errorf("expected TimeoutError, got %v", shell.SetupErr())
	}

	// The channel must be retryable after a timeout.
	if _, err := shell.StartSetup(); err != nil {
		t.Errorf("StartSetup after timeout failed: %v", err)
	}
}

func TestWrongFirstMessageRejected(t *testing.T) {
	shellName, _ := testNames(t)
	shell := NewShellChannel(ShellConfig{ListenName: shellName, Timeout: time.Second})
	t.Cleanup(shell.Close)

	name, err := shell.StartSetup()
	if err != nil {
		t.Fatal(err)
	}

	// A peer that skips AskConnection violates the handshake.
	peer, err := transport.Dial(context.Background(), name, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	if err := peer.Send(&protocol.PostCode{Blocks: []string{"oops"}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if shell.CheckConnection(ctx, true) {
		t.Fatal("handshake should have failed")
	}
	if shell.Status() != StateSetupFailed {
		t.Fatalf("probe must report failure, not %s", shell.Status())
	}
	var violation *protocol.ViolationError
	if !errors.As(shell.SetupErr(), &violation) {
		t.Fatalf("expected ViolationError, got %v", shell.SetupErr())
	}
	if violation.Expected != protocol.MsgAskConnection || violation.Got != protocol.MsgPostCode {
		t.Errorf("violation should name expected vs received: %v", violation)
	}
}

func TestWrongReplyVariantIsFatal(t *testing.T) {
	shellName, assistantName := testNames(t)

	// Hand-rolled shell side that answers AskContext with the wrong variant.
	ln, err := transport.Listen(shellName)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	fakeDone := make(chan error, 1)
	go func() {
		fakeDone <- func() error {
			server, err := ln.Accept(context.Background(), 2*time.Second)
			if err != nil {
				return err
			}
			defer server.Close()
			first, err := server.Receive(context.Background())
			if err != nil {
				return err
			}
			ask, ok := first.(*protocol.AskConnection)
			if !ok {
				return fmt.Errorf("fake shell: expected AskConnection, got %s", first.Type())
			}
			back, err := transport.Dial(context.Background(), ask.PipeName, 2*time.Second)
			if err != nil {
				return err
			}
			defer back.Close()
			if _, err := server.Receive(context.Background()); err != nil {
				return err
			}
			return server.Send(&protocol.PostResult{Output: "wrong variant"})
		}()
	}()

	assistant := NewAssistantChannel(AssistantConfig{ListenName: assistantName, Timeout: 2 * time.Second})
	t.Cleanup(assistant.Close)
	if err := assistant.Connect(context.Background(), shellName); err != nil {
		t.Fatal(err)
	}

	_, err = assistant.AskContext(context.Background(), protocol.ContextCurrentLocation, nil)
	var violation *protocol.ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected ViolationError, got %v", err)
	}
	if violation.Expected != protocol.MsgPostContext || violation.Got != protocol.MsgPostResult {
		t.Errorf("violation should name expected vs received: %v", violation)
	}
	if assistant.Connected() {
		t.Error("link must be closed after a wrong reply variant")
	}
	if err := <-fakeDone; err != nil {
		t.Fatalf("fake shell failed: %v", err)
	}
}

func TestCancelledRequestSeversLink(t *testing.T) {
	release := make(chan struct{})
	_, assistant := connectedPair(t, ShellConfig{
		Context: func(kind protocol.ContextType, _ []string) (string, bool) {
			if kind == protocol.ContextCurrentLocation {
				<-release
				return "slow location payload", true
			}
			return "history payload", true
		},
	}, AssistantConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := assistant.AskContext(ctx, protocol.ContextCurrentLocation, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	close(release) // the abandoned reply goes out now

	if assistant.Connected() {
		t.Error("link must not survive an abandoned exchange")
	}

	// The stale reply must never surface as the answer to a later request.
	got, err := assistant.AskContext(context.Background(), protocol.ContextCommandHistory, nil)
	if err == nil {
		if got != nil && *got == "slow location payload" {
			t.Fatal("later request received the cancelled request's reply")
		}
		t.Fatal("expected an error on the severed link")
	}
	var nce *NotConnectedError
	if !errors.As(err, &nce) || nce.Reason != ReasonSevered {
		t.Errorf("expected severed NotConnectedError, got %v", err)
	}
}

func TestPostQueryNotConnectedReasons(t *testing.T) {
	shellName, _ := testNames(t)

	t.Run("never started", func(t *testing.T) {
		shell := NewShellChannel(ShellConfig{ListenName: shellName})
		err := shell.PostQuery(context.Background(), &protocol.PostQuery{Query: "hi"})
		var nce *NotConnectedError
		if !errors.As(err, &nce) || nce.Reason != ReasonNeverStarted {
			t.Fatalf("expected never-started NotConnectedError, got %v", err)
		}
	})

	t.Run("setup failed carries cause", func(t *testing.T) {
		shell := NewShellChannel(ShellConfig{ListenName: shellName, Timeout: 50 * time.Millisecond})
		t.Cleanup(shell.Close)
		if _, err := shell.StartSetup(); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shell.CheckConnection(ctx, true)

		err := shell.PostQuery(context.Background(), &protocol.PostQuery{Query: "hi"})
		var nce *NotConnectedError
		if !errors.As(err, &nce) || nce.Reason != ReasonSetupFailed {
			t.Fatalf("expected setup-failed NotConnectedError, got %v", err)
		}
		var te *transport.TimeoutError
		if !errors.As(nce, &te) {
			t.Errorf("expected the timeout cause to be wrapped, got %v", nce)
		}
	})

	t.Run("severed after disconnect", func(t *testing.T) {
		shell, assistant := connectedPair(t, ShellConfig{}, AssistantConfig{})
		assistant.Close()

		// Wait for the shell's dispatch loop to observe the close.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && shell.CheckConnection(context.Background(), false) {
			time.Sleep(5 * time.Millisecond)
		}

		err := shell.PostQuery(context.Background(), &protocol.PostQuery{Query: "hi"})
		var nce *NotConnectedError
		if !errors.As(err, &nce) || nce.Reason != ReasonSevered {
			t.Fatalf("expected severed NotConnectedError, got %v", err)
		}
	})
}

func TestStartSetupWhileConnectedFails(t *testing.T) {
	shell, _ := connectedPair(t, ShellConfig{}, AssistantConfig{})
	if _, err := shell.StartSetup(); err == nil {
		t.Error("StartSetup on a connected channel must fail")
	}
}

func TestReconnectAfterReset(t *testing.T) {
	shell, assistant := connectedPair(t, ShellConfig{}, AssistantConfig{})

	assistant.Close()
	shell.Reset()
	if shell.Status() != StateIdle {
		t.Fatalf("expected idle after reset, got %s", shell.Status())
	}

	_, assistantName2 := testNames(t)
	name, err := shell.StartSetup()
	if err != nil {
		t.Fatal(err)
	}
	assistant2 := NewAssistantChannel(AssistantConfig{ListenName: assistantName2, Timeout: 2 * time.Second})
	t.Cleanup(assistant2.Close)
	if err := assistant2.Connect(context.Background(), name); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !shell.CheckConnection(ctx, true) {
		t.Fatal("reconnect after reset failed")
	}
}

func TestConcurrentCloseStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	for i := 0; i < 20; i++ {
		shell, assistant := connectedPair(t, ShellConfig{}, AssistantConfig{})

		done := make(chan struct{})
		go func() {
			assistant.Close()
			close(done)
		}()
		shell.Close()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: close deadlocked", i)
		}
	}
}
