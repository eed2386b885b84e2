package sessions

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRegistryClosed is returned by Connect once CloseAll has run.
	ErrRegistryClosed = errors.New("sessions: registry closed")
	// ErrSessionClosed is returned when sending to a session that is no
	// longer Open.
	ErrSessionClosed = errors.New("sessions: session closed")
	// ErrClientNotConnected is returned by SendToClient when the client has
	// no open session.
	ErrClientNotConnected = errors.New("sessions: client not connected")
	ErrEmptyClientID      = errors.New("sessions: empty client id")
	// ErrSendTimeout is reported by a Conn whose peer stopped reading. The
	// transport is left mid-frame, so the session is disconnected.
	ErrSendTimeout = errors.New("sessions: send timed out")
)

// DeliveryFailure records one session that could not be sent to.
type DeliveryFailure struct {
	Handle   string
	ClientID string
	Err      error
}

// BroadcastError reports every failed delivery of a single fan-out.
type BroadcastError struct {
	Attempted int
	Failures  []DeliveryFailure
}

func (e *BroadcastError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sessions: %d of %d deliveries failed", len(e.Failures), e.Attempted)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s/%s: %v", f.ClientID, f.Handle, f.Err)
	}
	return b.String()
}

// Unwrap exposes the individual delivery errors to errors.Is and errors.As.
func (e *BroadcastError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FrameError is returned by message handlers to report a problem to the
// sender with a specific code. Other handler errors are reported with a
// generic message.
type FrameError struct {
	Code    string
	Message string
}

func (e *FrameError) Error() string {
	return e.Code + ": " + e.Message
}
