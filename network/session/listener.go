package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/network/protocol"
)

// Result tells the connection whether a handled packet finished its work.
type Result uint8

const (
	// Done means the packet was fully handled.
	Done Result = iota
	// Pending means the handler handed the packet to other work that
	// completes later. The connection does not wait for it.
	Pending
)

// String returns "done" or "pending".
func (r Result) String() string {
	if r == Pending {
		return "pending"
	}
	return "done"
}

// Listener receives the decoded packets of one phase. All methods run on
// the connection's loop goroutine.
type Listener interface {
	Flow() protocol.Flow
	Phase() protocol.Phase
	// ShouldHandle filters packets before Handle. Rejected packets are
	// dropped silently.
	ShouldHandle(pkt protocol.Packet) bool
	// Handle processes one packet. ErrTransportShutdown,
	// ErrResourceExhausted and ErrUnexpectedPacket steer the connection;
	// any other error is a fault.
	Handle(ctx context.Context, pkt protocol.Packet) (Result, error)
	// OnDisconnect is called exactly once when the session ends.
	OnDisconnect(details DisconnectionDetails)
	// CreateDisconnectionInfo turns a fault into the details reported to
	// the peer and to OnDisconnect.
	CreateDisconnectionInfo(reason string, cause error) DisconnectionDetails
}

// TickingListener is a Listener with a periodic hook.
type TickingListener interface {
	Listener
	Tick(ctx context.Context)
}

// DisconnectNotifier builds the packet that tells the peer why it is being
// disconnected. A nil packet sends nothing.
type DisconnectNotifier interface {
	DisconnectPacket(details DisconnectionDetails) protocol.Packet
}

// BaseListener carries the parts of Listener most implementations share.
// Embed it and add Handle.
type BaseListener struct {
	flow  protocol.Flow
	phase protocol.Phase
}

// NewBaseListener returns a BaseListener for flow and phase.
func NewBaseListener(flow protocol.Flow, phase protocol.Phase) BaseListener {
	return BaseListener{flow: flow, phase: phase}
}

// Flow returns the listener's flow.
func (b BaseListener) Flow() protocol.Flow               { return b.flow }
// Phase returns the listener's phase.
func (b BaseListener) Phase() protocol.Phase             { return b.phase }
// ShouldHandle accepts every packet.
func (b BaseListener) ShouldHandle(protocol.Packet) bool { return true }
// OnDisconnect does nothing.
func (b BaseListener) OnDisconnect(DisconnectionDetails) {}

// CreateDisconnectionInfo keeps reason and cause as they are.
func (b BaseListener) CreateDisconnectionInfo(reason string, cause error) DisconnectionDetails {
	return DisconnectionDetails{Reason: reason, Cause: cause}
}

// Router dispatches packets to typed handlers by kind. Register handlers
// with On before the router is used.
type Router struct {
	handlers map[protocol.Kind]func(context.Context, protocol.Packet) (Result, error)
}

// NewRouter returns an empty router. Register handlers with On.
func NewRouter() *Router {
	return &Router{handlers: map[protocol.Kind]func(context.Context, protocol.Packet) (Result, error){}}
}

// On registers h for the kind of P. The kind is taken from P's zero value,
// so Kind must not dereference its receiver.
func On[P protocol.Packet](r *Router, h func(ctx context.Context, pkt P) (Result, error)) {
	var zero P
	kind := zero.Kind()
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("handler for %s registered twice", kind))
	}
	r.handlers[kind] = func(ctx context.Context, pkt protocol.Packet) (Result, error) {
		p, ok := pkt.(P)
		if !ok {
			return Done, errors.Wrapf(ErrUnexpectedPacket, "%T for %s", pkt, kind)
		}
		return h(ctx, p)
	}
}

// Handles reports whether a handler is registered for kind.
func (r *Router) Handles(kind protocol.Kind) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Route calls the handler registered for pkt's kind. A kind without a
// handler is an unexpected packet.
func (r *Router) Route(ctx context.Context, pkt protocol.Packet) (Result, error) {
	h, ok := r.handlers[pkt.Kind()]
	if !ok {
		return Done, errors.Wrapf(ErrUnexpectedPacket, "no handler for %s", pkt.Kind())
	}
	return h(ctx, pkt)
}

// ListenerFactory builds the listener for a phase on c.
type ListenerFactory func(c *Connection) Listener

// ListenerRegistry maps each phase of one flow to the factory of its
// listener. It is safe for concurrent use.
type ListenerRegistry struct {
	flow      protocol.Flow
	mu        sync.RWMutex
	factories map[protocol.Phase]ListenerFactory
}

// NewListenerRegistry returns an empty registry for listeners of flow.
func NewListenerRegistry(flow protocol.Flow) *ListenerRegistry {
	return &ListenerRegistry{flow: flow, factories: map[protocol.Phase]ListenerFactory{}}
}

// Flow returns the flow every registered listener must receive.
func (r *ListenerRegistry) Flow() protocol.Flow { return r.flow }

// Register adds the factory for phase.
func (r *ListenerRegistry) Register(phase protocol.Phase, f ListenerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[phase]; dup {
		return fmt.Errorf("listener for %s already registered", phase)
	}
	r.factories[phase] = f
	return nil
}

// Listener builds the listener for phase and checks it declares the
// registry's flow and the requested phase.
func (r *ListenerRegistry) Listener(phase protocol.Phase, c *Connection) (Listener, error) {
	r.mu.RLock()
	f, ok := r.factories[phase]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrProtocolMismatch, "no listener for %s", phase)
	}
	l := f(c)
	if l.Flow() != r.flow || l.Phase() != phase {
		return nil, errors.Wrapf(ErrProtocolMismatch, "listener declares %s/%s, want %s/%s",
			l.Phase(), l.Flow(), phase, r.flow)
	}
	return l, nil
}
