package channel

import "fmt"

// NotConnectedReason says why an operation that needs a live channel could
// not run.
type NotConnectedReason int

const (
	// ReasonNeverStarted: setup was never attempted.
	ReasonNeverStarted NotConnectedReason = iota
	// ReasonSetupFailed: the handshake failed; Cause carries the original error.
	ReasonSetupFailed
	// ReasonSevered: setup completed but the probe now disagrees with the
	// recorded state (an endpoint died, or the endpoints report live while
	// the setup signal does not).
	ReasonSevered
)

// NotConnectedError is returned by operations that require a connected
// channel. The three reasons are deliberately distinguishable for diagnosis.
type NotConnectedError struct {
	Reason NotConnectedReason
	// Cause is the handshake error for ReasonSetupFailed, nil otherwise.
	Cause error
	// Detail adds probe specifics for ReasonSevered.
	Detail string
}

func (e *NotConnectedError) Error() string {
	switch e.Reason {
	case ReasonNeverStarted:
		return "channel: not connected: setup was never started"
	case ReasonSetupFailed:
		return fmt.Sprintf("channel: not connected: setup failed: %v", e.Cause)
	case ReasonSevered:
		if e.Detail != "" {
			return "channel: not connected: " + e.Detail
		}
		return "channel: not connected: connection was established but is no longer live"
	}
	return "channel: not connected"
}

func (e *NotConnectedError) Unwrap() error { return e.Cause }
