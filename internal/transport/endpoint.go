// Package transport provides the Unix domain socket endpoints the channel is
// built on: a listening role that accepts exactly one peer, a connecting
// role, and framed send/receive with cancellation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machjesusmoto/AIShell/pkg/protocol"
)

// ErrNotConnected is returned by Send on a closed endpoint.
var ErrNotConnected = errors.New("transport: endpoint not connected")

// TimeoutError reports that no peer connected (or accepted) within the bound.
// Retrying the setup is the expected recovery.
type TimeoutError struct {
	// Op is "accept" or "connect".
	Op string
	// Name is the rendezvous name involved.
	Name string
	// Wait is the timeout that elapsed.
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport: %s on %s timed out after %s", e.Op, e.Name, e.Wait)
}

// Timeout marks this error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// ConnectError reports a hard connection failure (peer unreachable, refused),
// as opposed to a timeout.
type ConnectError struct {
	Name string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect to %s failed: %v", e.Name, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Listener is the listening role of an endpoint: it binds a rendezvous name
// and waits for exactly one peer.
type Listener struct {
	ln        *net.UnixListener
	path      string
	closeOnce sync.Once
}

// Listen binds the given rendezvous name. A pre-existing socket file is a
// name collision and is fatal; the name embeds the pid, so an existing file
// means another endpoint already claimed it.
func Listen(path string) (*Listener, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("transport: rendezvous name %s already in use", path)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: bad rendezvous name %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", path, err)
	}
	return &Listener{ln: ln, path: path}, nil
}

// Name returns the rendezvous name this listener is bound to.
func (l *Listener) Name() string { return l.path }

// Accept waits for one peer, bounded by timeout (zero means no bound) and by
// ctx. On timeout it returns *TimeoutError; on cancellation, ctx's error.
func (l *Listener) Accept(ctx context.Context, timeout time.Duration) (*Endpoint, error) {
	if timeout > 0 {
		l.ln.SetDeadline(time.Now().Add(timeout))
	} else {
		l.ln.SetDeadline(time.Time{})
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.SetDeadline(time.Now())
		case <-done:
		}
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, &TimeoutError{Op: "accept", Name: l.path, Wait: timeout}
		}
		return nil, fmt.Errorf("transport: accept on %s: %w", l.path, err)
	}
	return newEndpoint(conn), nil
}

// Close shuts the listener down and removes the socket file. Idempotent and
// safe from any goroutine; an in-flight Accept unblocks with an error.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.ln.Close()
		os.Remove(l.path)
	})
}

// Dial connects to a peer's rendezvous name within timeout (zero means no
// bound). A timeout returns *TimeoutError; any other failure *ConnectError.
func Dial(ctx context.Context, path string, timeout time.Duration) (*Endpoint, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, &TimeoutError{Op: "connect", Name: path, Wait: timeout}
		}
		return nil, &ConnectError{Name: path, Err: err}
	}
	return newEndpoint(conn), nil
}

// Endpoint is one live half of a link: framed send/receive over a connected
// Unix socket. Writes are serialized internally; reads must come from a
// single goroutine (the channel's receive loop).
type Endpoint struct {
	conn net.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once

	// readMu orders the cancellation watchdog's deadline arming against
	// receive completion. readGen retires a finished receive so a stale
	// watchdog cannot fire a deadline into a later one.
	readMu  sync.Mutex
	readGen uint64
}

func newEndpoint(conn net.Conn) *Endpoint {
	return &Endpoint{conn: conn}
}

// Send encodes and writes one message. Returns ErrNotConnected once the
// endpoint is closed.
func (e *Endpoint) Send(m protocol.Message) error {
	if e.closed.Load() {
		return ErrNotConnected
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := protocol.Encode(e.conn, m); err != nil {
		if e.closed.Load() || errors.Is(err, net.ErrClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

// Receive decodes one message. It unblocks when a message arrives, the peer
// closes (io.EOF), ctx is cancelled (ctx's error), or Close is called
// locally (io.EOF). Cancellation interrupts the read via a deadline, which
// can leave the stream mid-frame, so a cancelled receive closes the endpoint
// before returning. A *protocol.CorruptFrameError likewise closes the
// endpoint; the connection is unusable past either point.
func (e *Endpoint) Receive(ctx context.Context) (protocol.Message, error) {
	if e.closed.Load() {
		return nil, io.EOF
	}

	e.readMu.Lock()
	e.readGen++
	gen := e.readGen
	// Clear any deadline left behind by an earlier interrupted receive.
	e.conn.SetReadDeadline(time.Time{})
	e.readMu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.readMu.Lock()
			// Arm the deadline only while this receive is still the live one;
			// a watchdog outliving its receive must not poison the next.
			if e.readGen == gen {
				e.conn.SetReadDeadline(time.Now())
			}
			e.readMu.Unlock()
		case <-done:
		}
	}()

	msg, err := protocol.Decode(e.conn)
	e.readMu.Lock()
	e.readGen++
	e.readMu.Unlock()
	close(done)
	if err == nil {
		return msg, nil
	}

	var corrupt *protocol.CorruptFrameError
	switch {
	case errors.As(err, &corrupt):
		e.Close()
		return nil, err
	case ctx.Err() != nil:
		// The deadline may have cut a frame partway through; the stream
		// position is unknown.
		e.Close()
		return nil, ctx.Err()
	case e.closed.Load(), errors.Is(err, net.ErrClosed):
		// Local Close unblocked us; report it as a clean close.
		return nil, io.EOF
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	default:
		return nil, err
	}
}

// Connected reports whether the endpoint has not been closed locally.
func (e *Endpoint) Connected() bool { return !e.closed.Load() }

// Close shuts the endpoint down. Idempotent, safe from any goroutine, and
// unblocks any in-flight Receive.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		e.closed.Store(true)
		e.conn.Close()
	})
}
