package pipeline

import (
	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/network/protocol"
)

// ErrBundleTooLarge reports a bundle with more packets than its limit.
var ErrBundleTooLarge = errors.New("bundle exceeds packet limit")

// Unbundler collects the packets between two delimiters and emits them as
// one Bundle. Packets outside a bundle pass straight through.
type Unbundler struct {
	info    *protocol.BundleInfo
	open    bool
	pending []protocol.Packet
}

// NewUnbundler returns the inbound bundling stage.
func NewUnbundler(info *protocol.BundleInfo) *Unbundler {
	return &Unbundler{info: info}
}

// Name returns NameUnbundler.
func (u *Unbundler) Name() string { return NameUnbundler }

// Open reports whether a bundle has started but not yet closed.
func (u *Unbundler) Open() bool { return u.open }

// Process buffers packets while a bundle is open and emits the bundle at
// the closing delimiter.
func (u *Unbundler) Process(msg Message, emit Emit) error {
	if msg.Packet.Kind() == u.info.Delimiter {
		if !u.open {
			u.open = true
			return nil
		}
		packets := u.pending
		u.pending, u.open = nil, false
		return emit(Message{Packet: u.info.NewBundle(packets)})
	}
	if !u.open {
		return emit(msg)
	}
	if len(u.pending) >= u.info.Limit() {
		return Fatal(NameUnbundler, errors.Wrapf(ErrBundleTooLarge, "limit %d", u.info.Limit()))
	}
	u.pending = append(u.pending, msg.Packet)
	return nil
}

// Bundler expands an outbound Bundle into delimiter, members, delimiter.
type Bundler struct {
	info *protocol.BundleInfo
}

// NewBundler returns the outbound bundling stage.
func NewBundler(info *protocol.BundleInfo) *Bundler {
	return &Bundler{info: info}
}

// Name returns NameBundler.
func (b *Bundler) Name() string { return NameBundler }

// Process splits a bundle into delimiter, items, delimiter. Other
// packets pass through.
func (b *Bundler) Process(msg Message, emit Emit) error {
	bundle, ok := msg.Packet.(protocol.Bundle)
	if !ok {
		return emit(msg)
	}
	packets := bundle.Packets()
	if len(packets) > b.info.Limit() {
		return Fatal(NameBundler, errors.Wrapf(ErrBundleTooLarge, "%d packets, limit %d", len(packets), b.info.Limit()))
	}
	if err := emit(Message{Packet: b.info.NewDelimiter()}); err != nil {
		return err
	}
	for _, p := range packets {
		if err := emit(Message{Packet: p}); err != nil {
			return err
		}
	}
	return emit(Message{Packet: b.info.NewDelimiter()})
}
