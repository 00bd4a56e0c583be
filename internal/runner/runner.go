// Package runner executes RunCommand requests on the shell side and keeps
// the output of non-blocking commands for later AskCommandOutput retrieval.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/machjesusmoto/AIShell/pkg/protocol"
)

const (
	// outputTTL bounds how long a finished command's output stays fetchable.
	outputTTL = 30 * time.Minute
	// detachedTimeout bounds a non-blocking command's total runtime.
	detachedTimeout = 10 * time.Minute
)

// Runner executes commands through the user's shell.
type Runner struct {
	shell string
	log   *slog.Logger

	store *ttlcache.Cache[string, *protocol.PostResult]

	mu      sync.Mutex
	running map[string]bool
}

// New creates a runner using $SHELL (falling back to /bin/sh).
func New(log *slog.Logger) *Runner {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	if log == nil {
		log = slog.Default()
	}

	store := ttlcache.New[string, *protocol.PostResult](
		ttlcache.WithTTL[string, *protocol.PostResult](outputTTL),
	)
	go store.Start()

	return &Runner{
		shell:   shell,
		log:     log,
		store:   store,
		running: make(map[string]bool),
	}
}

// Run implements the channel's RunFunc. Blocking runs reply with the
// command's combined output; non-blocking runs detach and reply immediately
// with a freshly minted command id in Output.
func (r *Runner) Run(ctx context.Context, command string, blocking bool) *protocol.PostResult {
	if blocking {
		return r.execute(ctx, command)
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.running[id] = true
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
		defer cancel()
		res := r.execute(ctx, command)

		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
		r.store.Set(id, res, ttlcache.DefaultTTL)
		r.log.Debug("detached command finished", "id", id, "error", res.HasError)
	}()

	return &protocol.PostResult{Output: id}
}

// Output implements the channel's OutputFunc.
func (r *Runner) Output(commandID string) *protocol.PostResult {
	r.mu.Lock()
	stillRunning := r.running[commandID]
	r.mu.Unlock()
	if stillRunning {
		text := "command " + commandID + " is still running"
		return &protocol.PostResult{HasError: true, Exception: &text}
	}

	if item := r.store.Get(commandID); item != nil {
		return item.Value()
	}

	text := "unknown command id " + commandID
	return &protocol.PostResult{HasError: true, Exception: &text}
}

func (r *Runner) execute(ctx context.Context, command string) *protocol.PostResult {
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	out, err := cmd.CombinedOutput()

	res := &protocol.PostResult{Output: string(out)}
	if err != nil {
		res.HasError = true
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			res.UserCancelled = true
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			// A runtime bound expiring is not a user cancellation.
			text := "command timed out"
			res.Exception = &text
		default:
			if _, isExit := err.(*exec.ExitError); !isExit {
				// The shell itself failed to start; that is an internal
				// error, not a command failure.
				text := err.Error()
				res.Exception = &text
			}
		}
	}
	return res
}

// Close stops the output store's expiration loop.
func (r *Runner) Close() {
	r.store.Stop()
}
