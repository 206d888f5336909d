// Package local provides in-memory links that preserve message boundaries.
// They back tests and in-process clients.
package local

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/conduit/network/transport"
)

type addr string

func (a addr) Network() string { return "local" }
func (a addr) String() string  { return string(a) }

// Link is one end of a Pipe.
type Link struct {
	name        string
	peer        *Link
	mu          sync.Mutex
	queue       [][]byte
	pending     [][]byte
	notify      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	readTimeout atomic.Int64
}

var _ transport.Link = (*Link)(nil)

// Pipe returns two connected links. Every flushed Write on one end arrives
// as exactly one Recv on the other.
func Pipe() (*Link, *Link) {
	a := newLink("local-a")
	b := newLink("local-b")
	a.peer, b.peer = b, a
	return a, b
}

func newLink(name string) *Link {
	return &Link{
		name:   name,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func isDone(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (l *Link) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Link) Recv() ([]byte, error) {
	var timeout <-chan time.Time
	if d := time.Duration(l.readTimeout.Load()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	for {
		if isDone(l.done) {
			return nil, transport.ErrClosed
		}
		l.mu.Lock()
		if len(l.queue) > 0 {
			b := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return b, nil
		}
		l.mu.Unlock()
		if isDone(l.peer.done) {
			return nil, io.EOF
		}

		select {
		case <-l.notify:
		case <-l.done:
		case <-l.peer.done:
		case <-timeout:
			return nil, transport.ErrReadTimeout
		}
	}
}

func (l *Link) Release([]byte) {}

func (l *Link) Write(b []byte) error {
	if l.Closed() {
		return transport.ErrClosed
	}
	l.pending = append(l.pending, append([]byte(nil), b...))
	return nil
}

func (l *Link) Flush() error {
	if l.Closed() {
		l.pending = nil
		return transport.ErrClosed
	}
	if len(l.pending) == 0 {
		return nil
	}
	p := l.peer
	p.mu.Lock()
	p.queue = append(p.queue, l.pending...)
	p.mu.Unlock()
	l.pending = nil
	p.signal()
	return nil
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}

func (l *Link) Closed() bool { return isDone(l.done) || isDone(l.peer.done) }

func (l *Link) RemoteAddr() net.Addr { return addr(l.peer.name) }

func (l *Link) Local() bool { return true }

func (l *Link) SetReadTimeout(d time.Duration) { l.readTimeout.Store(int64(d)) }

// Listener is an in-memory acceptor. Dial creates a pipe and hands the
// server end to the handler passed to Start.
type Listener struct {
	mu      sync.Mutex
	handler transport.LinkHandler
	ctx     context.Context
	seq     atomic.Uint64
}

var _ transport.Acceptor = (*Listener)(nil)

func NewListener() *Listener { return &Listener{} }

func (x *Listener) Start(ctx context.Context, handler transport.LinkHandler) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ctx, x.handler = ctx, handler
	return nil
}

func (x *Listener) Stop() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handler = nil
	return nil
}

func (x *Listener) Addr() net.Addr { return addr("local-listener") }

// FactoryName lets a Listener be registered as a transport plugin.
func (x *Listener) FactoryName() string { return "local" }

// Dial connects to the listener and returns the client end.
func (x *Listener) Dial() (*Link, error) {
	x.mu.Lock()
	handler, ctx := x.handler, x.ctx
	x.mu.Unlock()
	if handler == nil || (ctx != nil && ctx.Err() != nil) {
		return nil, transport.ErrClosed
	}
	client, server := Pipe()
	n := x.seq.Add(1)
	client.name = fmt.Sprintf("local-client-%d", n)
	server.name = fmt.Sprintf("local-server-%d", n)
	handler(server)
	return client, nil
}
