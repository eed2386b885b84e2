package sessions

import "context"

// WebSocket close codes used when the server ends a session.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseUnsupportedData  = 1003
	ClosePolicyViolation  = 1008
	CloseInternalError    = 1011
	closeReasonShutdown   = "server shutting down"
	closeReasonDisconnect = "disconnected"
)

// Conn is the transport under a session. Implementations must be comparable
// (typically a pointer) since the registry keys sessions by their Conn.
type Conn interface {
	// Receive blocks until the next inbound text frame, the peer closes, or
	// the transport fails. Closing the Conn unblocks a pending Receive.
	Receive(ctx context.Context) Received
	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error
	// Close sends a close frame and releases the transport. Calling it more
	// than once is harmless. It must not wait indefinitely on a peer that
	// stopped reading.
	Close(code int, reason string) error
	// Closed reports whether Close has been called.
	Closed() bool
}

// ReceiveKind tells what a call to Conn.Receive produced.
type ReceiveKind int

const (
	// KindMessage carries a text frame in Data.
	KindMessage ReceiveKind = iota
	// KindClosed reports that the peer closed the session or the Conn was
	// closed locally.
	KindClosed
	// KindError reports a transport failure or a protocol violation in Err.
	// When Fatal is false the session may keep receiving.
	KindError
)

func (k ReceiveKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindClosed:
		return "closed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Received is the result of one Receive call.
type Received struct {
	Kind  ReceiveKind
	Data  []byte
	Err   error
	Fatal bool
}
