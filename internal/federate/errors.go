// Package federate implements the federate-side coordination engine: the
// RTI bootstrap handshake, peer discovery and direct connections, the
// time-advance protocol, the inbound dispatchers that turn wire messages
// into scheduled local events, and the graceful stop protocol.
package federate

import (
	"errors"
	"fmt"

	"github.com/wan-ninjas/lockstep/internal/wire"
)

var (
	// ErrProtocol marks an unrecoverable wire-protocol violation: an
	// unknown message kind, a non-monotone time advance grant, a
	// truncated header, or an oversize payload. The offending connection
	// is closed and the error surfaces on Service.Fatal.
	ErrProtocol = errors.New("protocol violation")

	// ErrSocketClosed is returned by send APIs once the target
	// connection has been closed, locally or by error handling.
	ErrSocketClosed = errors.New("socket closed")

	// ErrRejected is returned when a handshake was answered with REJECT.
	ErrRejected = errors.New("handshake rejected")

	// ErrTimeout is returned when the RTI connection, a peer handshake or
	// address resolution exhausted its retry budget. A peer dial that runs
	// out of time reports netio.ErrConnectTimeout instead.
	ErrTimeout = errors.New("timed out")

	// ErrInvalidArgument is returned to callers that pass arguments the
	// engine cannot act on; it never terminates the run.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownPeer is returned by send APIs for a federate ID with no
	// established outbound connection.
	ErrUnknownPeer = fmt.Errorf("%w: unknown peer", ErrInvalidArgument)
)

// RejectionError is a handshake rejection carrying its wire reason. It
// matches ErrRejected under errors.Is.
type RejectionError struct {
	Reason wire.RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Reason)
}

// Unwrap lets errors.Is(err, ErrRejected) succeed.
func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

func rejectError(reason wire.RejectReason) error {
	return &RejectionError{Reason: reason}
}
