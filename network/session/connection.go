// Package session implements the per-connection actor that drives a link
// through its protocol phases.
//
// Every Connection owns one loop goroutine. Packet handling, protocol
// switches, sends and ticks all run on that goroutine, so listeners and
// pipeline stages never need locks. Calls made from the loop itself (for
// example from a listener) run inline; calls from other goroutines are
// marshalled onto the loop.
package session

import (
	"context"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/linchenxuan/conduit/log"
	"github.com/linchenxuan/conduit/metrics"
	"github.com/linchenxuan/conduit/network/pipeline"
	"github.com/linchenxuan/conduit/network/protocol"
	"github.com/linchenxuan/conduit/network/transport"
)

type loopKey struct{}

type inboundEvent struct {
	data []byte
	err  error
}

// Option customizes a Connection.
type Option func(*Connection)

// WithConfig sets the connection settings. The connection keeps a
// validated copy.
func WithConfig(cfg *Config) Option {
	return func(c *Connection) { c.cfg = cfg }
}

// WithClock replaces the wall clock used by rate limiting and ticking.
func WithClock(clk clock.Clock) Option {
	return func(c *Connection) { c.clock = clk }
}

// WithLogger sets the parent logger.
func WithLogger(l *log.GameLogger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithFilters appends filters that run after the built-in ones.
func WithFilters(filters ...Filter) Option {
	return func(c *Connection) { c.extraFilters = append(c.extraFilters, filters...) }
}

// Connection is one session with a remote peer.
type Connection struct {
	id     uuid.UUID
	flow   protocol.Flow
	cfg    *Config
	clock  clock.Clock
	logger *log.GameLogger

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func(context.Context)
	inbox   chan inboundEvent
	done    chan struct{}

	// qmu guards overflow, which holds actions posted while the mailbox
	// is full. wake tells the loop that overflow is non-empty.
	qmu      sync.Mutex
	overflow []func(context.Context)
	wake     chan struct{}

	// mu guards link, ready, terminated and pending.
	mu         sync.Mutex
	link       transport.Link
	ready      bool
	terminated bool
	pending    []func(context.Context)

	inbound   atomic.Pointer[pipeline.StageList]
	outbound  atomic.Pointer[pipeline.StageList]
	listener  atomic.Pointer[Listener]
	details   atomic.Pointer[DisconnectionDetails]
	encrypted atomic.Bool

	sentTotal     atomic.Int64
	receivedTotal atomic.Int64
	avgSent       atomic.Uint64
	avgReceived   atomic.Uint64

	// Loop-confined state.
	sentInstant       int
	receivedInstant   int
	tickCount         int
	faulted           bool
	readOnly          bool
	stopReading       bool
	disconnectHandled bool
	limiter           *RateLimiter
	filters           FilterChain
	extraFilters      []Filter
	faultLog          rate.Sometimes
}

// NewConnection creates a connection that receives packets of flow and
// starts its loop. The connection is not ready until Bind; actions queued
// before then run in order once it is. Cancelling ctx tears the
// connection down.
func NewConnection(ctx context.Context, flow protocol.Flow, opts ...Option) *Connection {
	c := &Connection{
		id:       uuid.New(),
		flow:     flow,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		faultLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg == nil {
		c.cfg = DefaultConfig()
	}
	c.cfg = c.cfg.Clone()
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	c.logger = c.logger.With("session", c.id.String())
	if err := c.cfg.Validate(); err != nil {
		c.logger.Error().Err(err).Msg("invalid session config, rate limiting disabled")
		c.cfg.RateLimit = RateLimitConfig{}
	}
	if c.cfg.RateLimit.Enabled || len(c.cfg.RateLimit.Overrides) > 0 {
		c.limiter = NewRateLimiter(c.cfg.RateLimit, c.clock)
	}
	c.filters = append(FilterChain{c.rateLimitFilter, shouldHandleFilter}, c.extraFilters...)

	c.mailbox = make(chan func(context.Context), c.cfg.MailboxSize)
	c.inbox = make(chan inboundEvent, c.cfg.InboxSize)

	c.inbound.Store(pipeline.NewStageList(pipeline.Inbound, pipeline.NewFrameCodec(0)))
	c.outbound.Store(pipeline.NewStageList(pipeline.Outbound, pipeline.NewFrameCodec(0)))

	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() uuid.UUID           { return c.id }
// Flow returns the direction of the packets this connection receives.
func (c *Connection) Flow() protocol.Flow     { return c.flow }
// Config returns the connection's validated settings.
func (c *Connection) Config() *Config         { return c.cfg }
// Logger returns the logger tagged with the session id.
func (c *Connection) Logger() *log.GameLogger { return c.logger }

// Done is closed when the loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Wait blocks until the loop exits or ctx ends.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) currentLink() transport.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// RemoteAddr returns the peer address, or nil before Bind.
func (c *Connection) RemoteAddr() net.Addr {
	if l := c.currentLink(); l != nil {
		return l.RemoteAddr()
	}
	return nil
}

// IsConnected reports whether the connection is bound, ready and open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.terminated && c.link != nil && !c.link.Closed()
}

// IsConnecting reports whether the connection still waits for its link.
func (c *Connection) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link == nil && !c.terminated
}

// IsLocal reports whether the bound link is an in-memory pipe.
func (c *Connection) IsLocal() bool {
	l := c.currentLink()
	return l != nil && l.Local()
}

// IsEncrypted reports whether SetEncryptionKey has succeeded.
func (c *Connection) IsEncrypted() bool { return c.encrypted.Load() }

// Listener returns the listener of the current inbound phase, or nil.
func (c *Connection) Listener() Listener {
	if p := c.listener.Load(); p != nil {
		return *p
	}
	return nil
}

// Phase returns the current inbound phase, or "" before the first switch.
func (c *Connection) Phase() protocol.Phase {
	if l := c.Listener(); l != nil {
		return l.Phase()
	}
	return ""
}

// DisconnectionDetails returns why the session ended, or nil while it is
// alive.
func (c *Connection) DisconnectionDetails() *DisconnectionDetails {
	return c.details.Load()
}

// InboundStages and OutboundStages expose the current pipelines.
func (c *Connection) InboundStages() *pipeline.StageList  { return c.inbound.Load() }
func (c *Connection) OutboundStages() *pipeline.StageList { return c.outbound.Load() }

// SentPackets and ReceivedPackets return lifetime packet counts.
func (c *Connection) SentPackets() int64     { return c.sentTotal.Load() }
func (c *Connection) ReceivedPackets() int64 { return c.receivedTotal.Load() }

// AverageSentPackets returns the smoothed packets sent per averaging
// window.
func (c *Connection) AverageSentPackets() float64 {
	return math.Float64frombits(c.avgSent.Load())
}

// AverageReceivedPackets returns the smoothed packets received per
// averaging window.
func (c *Connection) AverageReceivedPackets() float64 {
	return math.Float64frombits(c.avgReceived.Load())
}

func (c *Connection) onLoop(ctx context.Context) bool {
	return ctx != nil && ctx.Value(loopKey{}) == c
}

// post queues fn on the loop and returns without waiting. When the
// mailbox is full fn goes to the overflow queue; once overflow is non-empty
// every later action follows it there, so actions keep their order.
func (c *Connection) post(fn func(context.Context)) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.overflow) == 0 {
		select {
		case c.mailbox <- fn:
			return nil
		default:
		}
	}
	c.overflow = append(c.overflow, fn)
	metrics.IncrCounterWithGroup(metrics.NameMailboxFullTotal, metrics.GroupConduit, 1)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// drainOverflow runs what is left in the mailbox, all of which was posted
// before the overflow, and then the overflow itself.
func (c *Connection) drainOverflow(ctx context.Context) {
	for drained := false; !drained; {
		select {
		case fn := <-c.mailbox:
			fn(ctx)
		default:
			drained = true
		}
	}
	c.qmu.Lock()
	queued := c.overflow
	c.overflow = nil
	c.qmu.Unlock()
	for _, fn := range queued {
		fn(ctx)
	}
}

// execute runs fn inline on the loop or queues it from elsewhere. It never
// blocks the caller.
func (c *Connection) execute(ctx context.Context, fn func(context.Context)) error {
	if c.onLoop(ctx) {
		fn(ctx)
		return nil
	}
	return c.post(fn)
}

// call runs fn on the loop and waits for its result.
func (c *Connection) call(ctx context.Context, fn func(context.Context) error) error {
	if c.onLoop(ctx) {
		return fn(ctx)
	}
	res := make(chan error, 1)
	if err := c.post(func(lctx context.Context) { res <- fn(lctx) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrConnectionClosed
		}
	}
}

// whenReady runs fn once the connection is bound. Before that it is
// queued, and queued actions run in submission order ahead of anything
// submitted afterwards.
func (c *Connection) whenReady(ctx context.Context, fn func(context.Context)) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if !c.ready {
		c.pending = append(c.pending, fn)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.execute(ctx, fn)
}

// RunOnceConnected runs action on the loop as soon as the connection is
// ready, or right away if it already is.
func (c *Connection) RunOnceConnected(ctx context.Context, action func(ctx context.Context)) error {
	return c.whenReady(ctx, action)
}

func (c *Connection) drainPending(ctx context.Context) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn(ctx)
	}
}

// Bind attaches the connection to link and makes it ready.
func (c *Connection) Bind(link transport.Link) error {
	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		return ErrAlreadyBound
	}
	if c.terminated {
		c.mu.Unlock()
		_ = link.Close()
		return ErrConnectionClosed
	}
	c.link = link
	c.mu.Unlock()
	return c.post(c.onBind)
}

func (c *Connection) onBind(ctx context.Context) {
	link := c.currentLink()
	if link.Local() {
		framer := pipeline.NewLocalFrameCodec()
		c.inbound.Store(c.inbound.Load().WithFramer(framer))
		c.outbound.Store(c.outbound.Load().WithFramer(framer))
	}
	link.SetReadTimeout(c.cfg.ReadTimeout)
	go c.readLoop(link)

	metrics.IncrCounterWithDimGroup(metrics.NameSessionOpenTotal, metrics.GroupConduit, 1, c.transportDim(link))
	metrics.UpdateGaugeWithGroup(metrics.NameSessionActive, metrics.GroupConduit, metrics.Value(_active.Add(1)))
	c.logger.Debug().Stringer("remote", link.RemoteAddr()).Bool("local", link.Local()).Msg("session bound")

	if c.details.Load() != nil {
		// disconnected before the link arrived
		_ = link.Close()
		c.handleDisconnection(ctx, true)
		return
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.drainPending(ctx)
}

var _active atomic.Int64

func (c *Connection) transportDim(link transport.Link) metrics.Dimension {
	if link != nil && link.Local() {
		return metrics.Dimension{metrics.DimTransport: "local"}
	}
	return metrics.Dimension{metrics.DimTransport: "tcp"}
}

func (c *Connection) readLoop(link transport.Link) {
	for {
		b, err := link.Recv()
		select {
		case c.inbox <- inboundEvent{data: b, err: err}:
		case <-c.ctx.Done():
			if b != nil {
				link.Release(b)
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) run() {
	defer close(c.done)
	ctx := context.WithValue(c.ctx, loopKey{}, c)

	var tick <-chan time.Time
	if c.cfg.TickInterval > 0 {
		t := c.clock.Ticker(c.cfg.TickInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-c.ctx.Done():
			if c.details.Load() == nil {
				c.details.CompareAndSwap(nil, &DisconnectionDetails{Reason: ReasonServerShutdown})
			}
			if l := c.currentLink(); l != nil {
				_ = l.Close()
			}
			c.handleDisconnection(ctx, true)
			return
		case fn := <-c.mailbox:
			fn(ctx)
		case <-c.wake:
			c.drainOverflow(ctx)
		case ev := <-c.inbox:
			c.onInbound(ctx, ev)
		case <-tick:
			c.tick(ctx)
		}
	}
}

func (c *Connection) onInbound(ctx context.Context, ev inboundEvent) {
	link := c.currentLink()
	if ev.err != nil {
		c.onReadError(ctx, ev.err)
		return
	}
	defer link.Release(ev.data)
	if c.stopReading || c.disconnectHandled {
		return
	}

	framer := c.inbound.Load().Framer()
	framer.Feed(ev.data)
	for !c.stopReading && !c.readOnly {
		frame, ok, err := framer.Next()
		if err != nil {
			c.handleFault(ctx, err)
			return
		}
		if !ok {
			return
		}
		// reload per frame so a switch made by the previous packet applies
		list := c.inbound.Load()
		if err := list.Run(pipeline.Message{Frame: frame}, func(m pipeline.Message) error {
			return c.dispatch(ctx, m.Packet)
		}); err != nil {
			c.handleFault(ctx, err)
		}
	}
}

func (c *Connection) onReadError(ctx context.Context, err error) {
	switch {
	case transport.IsTimeout(err):
		c.Disconnect(DisconnectionDetails{Reason: ReasonTimeout, Cause: err})
		c.handleDisconnection(ctx, false)
	case isEndOfStream(err):
		c.Disconnect(DisconnectionDetails{Reason: ReasonEndOfStream})
		c.handleDisconnection(ctx, false)
	default:
		c.handleFault(ctx, err)
	}
}

func (c *Connection) dispatch(ctx context.Context, pkt protocol.Packet) error {
	if c.readOnly || c.stopReading {
		return nil
	}
	l := c.Listener()
	if l == nil || pkt == nil {
		return pipeline.Fatal(pipeline.NameCodec, ErrNoInboundListener)
	}
	c.receivedInstant++
	c.receivedTotal.Add(1)
	metrics.IncrCounterWithDimGroup(metrics.NamePacketRecvTotal, metrics.GroupConduit, 1,
		metrics.Dimension{metrics.DimPhase: string(l.Phase())})
	return c.filters.Handle(ctx, &Delivery{Conn: c, Listener: l, Packet: pkt}, c.handlePacket)
}

func (c *Connection) handlePacket(ctx context.Context, d *Delivery) error {
	res, err := d.Listener.Handle(ctx, d.Packet)
	switch {
	case err == nil:
		if res == Pending {
			c.logger.Debug().Str("kind", string(d.Packet.Kind())).Msg("packet handling pending")
		}
		return nil
	case errors.Is(err, ErrTransportShutdown):
		return nil
	case errors.Is(err, ErrResourceExhausted):
		c.Disconnect(DisconnectionDetails{Reason: ReasonServerShutdown, Cause: err})
		return nil
	case errors.Is(err, ErrUnexpectedPacket):
		c.logger.Warn().Err(err).Str("kind", string(d.Packet.Kind())).Msg("unexpected packet")
		c.Disconnect(DisconnectionDetails{Reason: ReasonInvalidPacket, Cause: err})
		return nil
	}
	return err
}

// Tick runs the periodic work: it drains queued actions, ticks the
// listener, detects a closed link, flushes, and updates the packet
// averages.
func (c *Connection) Tick(ctx context.Context) error {
	return c.call(ctx, func(ctx context.Context) error {
		c.tick(ctx)
		return nil
	})
}

func (c *Connection) tick(ctx context.Context) {
	start := time.Now()
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready {
		c.drainPending(ctx)
	}

	link := c.currentLink()
	if link != nil && link.Closed() {
		c.handleDisconnection(ctx, false)
		return
	}
	if ready && !c.readOnly {
		if tl, ok := c.Listener().(TickingListener); ok {
			tl.Tick(ctx)
		}
	}
	if ready && link != nil {
		c.flush(ctx)
	}

	c.tickCount++
	if c.tickCount%c.cfg.AverageTicks == 0 {
		c.avgSent.Store(math.Float64bits(smooth(c.AverageSentPackets(), c.sentInstant)))
		c.avgReceived.Store(math.Float64bits(smooth(c.AverageReceivedPackets(), c.receivedInstant)))
		metrics.UpdateAvgGaugeWithGroup(metrics.NamePacketSentPerSecAvg, metrics.GroupConduit, metrics.Value(c.sentInstant))
		metrics.UpdateAvgGaugeWithGroup(metrics.NamePacketRecvPerSecAvg, metrics.GroupConduit, metrics.Value(c.receivedInstant))
		c.sentInstant, c.receivedInstant = 0, 0
	}
	metrics.RecordStopwatchWithGroup(metrics.NameTickProcessTime, metrics.GroupConduit, start)
}

// smooth weighs the new window at a quarter against the running average.
func smooth(avg float64, instant int) float64 {
	return 0.75*avg + 0.25*float64(instant)
}
