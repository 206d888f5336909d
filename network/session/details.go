package session

import (
	"github.com/pkg/errors"
)

// Disconnect reasons. They are translation keys the peer renders.
const (
	ReasonGeneric        = "disconnect.genericReason"
	ReasonTimeout        = "disconnect.timeout"
	ReasonEndOfStream    = "disconnect.endOfStream"
	ReasonQuitting       = "disconnect.quitting"
	ReasonServerShutdown = "disconnect.serverShutdown"
	ReasonInvalidPacket  = "disconnect.invalidPacket"
	ReasonSpam           = "disconnect.spam"
)

// DisconnectionDetails says why a session ended. Values are immutable.
type DisconnectionDetails struct {
	// Reason is the translation key reported to the peer.
	Reason string
	// Cause is the local error behind the disconnect, if any.
	Cause error
}

// String renders the reason followed by the cause, if any.
func (d DisconnectionDetails) String() string {
	if d.Cause == nil {
		return d.Reason
	}
	return d.Reason + ": " + d.Cause.Error()
}

// Handle errors a listener returns to steer the connection.
var (
	// ErrTransportShutdown means the work was rejected because the process
	// is shutting down. The connection ignores it.
	ErrTransportShutdown = errors.New("session: transport shutting down")
	// ErrResourceExhausted ends the session with ReasonServerShutdown.
	ErrResourceExhausted = errors.New("session: resources exhausted")
	// ErrUnexpectedPacket ends the session with ReasonInvalidPacket.
	ErrUnexpectedPacket = errors.New("session: unexpected packet")
)

// Connection errors.
var (
	ErrConnectionClosed  = errors.New("session: connection closed")
	ErrAlreadyBound      = errors.New("session: link already bound")
	ErrProtocolMismatch  = errors.New("session: protocol mismatch")
	ErrAlreadyEncrypted  = errors.New("session: encryption already enabled")
	ErrNoOutboundCodec   = errors.New("session: no outbound protocol")
	ErrNoInboundListener = errors.New("session: no inbound protocol")
)
