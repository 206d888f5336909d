package tcp

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/network/transport"
	"github.com/linchenxuan/conduit/utils/pool"
)

const (
	_defaultChunkSize   = 16 << 10
	_defaultWriteBuffer = 32 << 10
)

var _chunkPools sync.Map // size -> *pool.ChunkPool

func chunkPool(size int) *pool.ChunkPool {
	if p, ok := _chunkPools.Load(size); ok {
		return p.(*pool.ChunkPool)
	}
	p, _ := _chunkPools.LoadOrStore(size, pool.NewChunkPool("tcp_read_chunk", size))
	return p.(*pool.ChunkPool)
}

// Link is a TCP connection with a buffered writer. Writes are collected
// until Flush.
type Link struct {
	conn        net.Conn
	w           *bufio.Writer
	chunks      *pool.ChunkPool
	readTimeout atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
}

var _ transport.Link = (*Link)(nil)

func newLink(conn net.Conn, chunkSize, writeBuffer int) *Link {
	if chunkSize <= 0 {
		chunkSize = _defaultChunkSize
	}
	if writeBuffer <= 0 {
		writeBuffer = _defaultWriteBuffer
	}
	return &Link{
		conn:   conn,
		w:      bufio.NewWriterSize(conn, writeBuffer),
		chunks: chunkPool(chunkSize),
	}
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, cfg *Config) (*Link, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(!cfg.Nagle)
	}
	return newLink(conn, cfg.ChunkSize, cfg.WriteBufferSize), nil
}

func (l *Link) Recv() ([]byte, error) {
	if d := time.Duration(l.readTimeout.Load()); d > 0 {
		_ = l.conn.SetReadDeadline(time.Now().Add(d))
	}
	ch := l.chunks.Get()
	n, err := l.conn.Read(ch.B)
	if n > 0 {
		return ch.B[:n], nil
	}
	l.chunks.Put(ch)
	switch {
	case err == nil:
		return nil, io.ErrNoProgress
	case errors.Is(err, net.ErrClosed):
		return nil, transport.ErrClosed
	case transport.IsTimeout(err):
		return nil, errors.Wrap(transport.ErrReadTimeout, err.Error())
	case errors.Is(err, io.EOF):
		l.closed.Store(true)
		return nil, io.EOF
	}
	l.closed.Store(true)
	return nil, err
}

func (l *Link) Release(b []byte) {
	l.chunks.Put(&pool.Chunk{B: b[:cap(b)]})
}

func (l *Link) Write(b []byte) error {
	if l.closed.Load() {
		return transport.ErrClosed
	}
	_, err := l.w.Write(b)
	return err
}

func (l *Link) Flush() error {
	if l.closed.Load() {
		return transport.ErrClosed
	}
	return l.w.Flush()
}

// Close closes the socket. Buffered, unflushed bytes are discarded.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.conn.Close()
	})
	return err
}

func (l *Link) Closed() bool { return l.closed.Load() }

func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *Link) Local() bool { return false }

func (l *Link) SetReadTimeout(d time.Duration) {
	l.readTimeout.Store(int64(d))
	if d == 0 {
		_ = l.conn.SetReadDeadline(time.Time{})
	}
}
