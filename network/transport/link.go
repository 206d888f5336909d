// Package transport defines the link abstraction sessions run over and the
// acceptor contract implemented by concrete transports.
package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrClosed is returned by operations on a link closed locally.
	ErrClosed = errors.New("transport: link closed")
	// ErrReadTimeout is returned by Recv when no bytes arrived within the
	// read timeout.
	ErrReadTimeout = errors.New("transport: read timeout")
)

// Link is one established, ordered and reliable byte connection.
//
// Recv is called from a single reader goroutine. Write and Flush are called
// from the owning session's loop. Close may be called from anywhere and must
// not block.
type Link interface {
	// Recv blocks until bytes arrive. The returned slice belongs to the
	// caller until it is handed back with Release.
	Recv() ([]byte, error)
	// Release returns a slice obtained from Recv for reuse.
	Release(b []byte)
	// Write queues b for sending. b may be reused once Write returns.
	Write(b []byte) error
	// Flush pushes queued writes to the peer.
	Flush() error
	Close() error
	// Closed reports whether either end has closed the link.
	Closed() bool
	RemoteAddr() net.Addr
	// Local reports whether the link preserves message boundaries, so no
	// length framing is needed.
	Local() bool
	// SetReadTimeout bounds the wait in Recv. Zero disables the bound.
	SetReadTimeout(d time.Duration)
}

// LinkHandler receives every link an Acceptor accepts.
type LinkHandler func(Link)

// Acceptor is a transport that accepts inbound links.
type Acceptor interface {
	// Start begins accepting and hands each link to handler. It does not
	// block.
	Start(ctx context.Context, handler LinkHandler) error
	// Stop stops accepting. Links already handed out are unaffected.
	Stop() error
	Addr() net.Addr
}

// IsTimeout reports whether err means the peer went silent.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrReadTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
