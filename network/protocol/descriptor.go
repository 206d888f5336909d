package protocol

import (
	"fmt"
)

// DefaultMaxBundlePackets caps the number of packets accepted in one bundle.
const DefaultMaxBundlePackets = 4096

type idEntry struct {
	kind   Kind
	decode Decoder
}

// IDSpace maps packet kinds to sequential wire ids. It is immutable once
// built and safe to share between connections.
type IDSpace struct {
	entries []idEntry
	byKind  map[Kind]uint32
}

// IDSpaceBuilder assigns ids in registration order starting at zero.
type IDSpaceBuilder struct {
	entries []idEntry
	byKind  map[Kind]uint32
	err     error
}

// NewIDSpace starts an empty id space.
func NewIDSpace() *IDSpaceBuilder {
	return &IDSpaceBuilder{byKind: map[Kind]uint32{}}
}

// Add registers kind with the next free id. Registering a kind twice is
// reported by Build.
func (b *IDSpaceBuilder) Add(kind Kind, decode Decoder) *IDSpaceBuilder {
	if b.err != nil {
		return b
	}
	if _, dup := b.byKind[kind]; dup {
		b.err = fmt.Errorf("packet kind %s registered twice", kind)
		return b
	}
	if decode == nil {
		b.err = fmt.Errorf("packet kind %s has no decoder", kind)
		return b
	}
	b.byKind[kind] = uint32(len(b.entries))
	b.entries = append(b.entries, idEntry{kind: kind, decode: decode})
	return b
}

// Build freezes the id space.
func (b *IDSpaceBuilder) Build() (*IDSpace, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := &IDSpace{
		entries: make([]idEntry, len(b.entries)),
		byKind:  make(map[Kind]uint32, len(b.byKind)),
	}
	copy(s.entries, b.entries)
	for k, v := range b.byKind {
		s.byKind[k] = v
	}
	return s, nil
}

// MustBuild is Build for package-level protocol tables.
func (b *IDSpaceBuilder) MustBuild() *IDSpace {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// ID returns the wire id of kind.
func (s *IDSpace) ID(kind Kind) (uint32, bool) {
	id, ok := s.byKind[kind]
	return id, ok
}

// Lookup returns the kind and decoder registered under id.
func (s *IDSpace) Lookup(id uint32) (Kind, Decoder, bool) {
	if int64(id) >= int64(len(s.entries)) {
		return "", nil, false
	}
	e := s.entries[id]
	return e.kind, e.decode, true
}

// Len returns the number of registered kinds.
func (s *IDSpace) Len() int { return len(s.entries) }

// BundleInfo describes how a phase groups packets. A bundle travels as a
// delimiter packet, the member packets, and another delimiter.
type BundleInfo struct {
	// Delimiter is the kind that opens and closes a bundle.
	Delimiter Kind
	// NewDelimiter builds an outbound delimiter packet.
	NewDelimiter func() Packet
	// NewBundle assembles the packets received between two delimiters.
	NewBundle func(packets []Packet) Bundle
	// MaxPackets caps a bundle's size; zero selects DefaultMaxBundlePackets.
	MaxPackets int
}

// Limit returns the effective bundle size cap.
func (b *BundleInfo) Limit() int {
	if b.MaxPackets <= 0 {
		return DefaultMaxBundlePackets
	}
	return b.MaxPackets
}

// Descriptor identifies the packets valid for one phase and direction. A
// phase transition replaces descriptors; they are never mutated.
type Descriptor struct {
	phase  Phase
	flow   Flow
	ids    *IDSpace
	bundle *BundleInfo
}

// DescriptorOption customizes a Descriptor at construction.
type DescriptorOption func(*Descriptor)

// WithBundling makes the descriptor's packet codec (un)bundle packets.
func WithBundling(info BundleInfo) DescriptorOption {
	return func(d *Descriptor) {
		d.bundle = &info
	}
}

// NewDescriptor builds an immutable descriptor.
func NewDescriptor(phase Phase, flow Flow, ids *IDSpace, opts ...DescriptorOption) *Descriptor {
	d := &Descriptor{phase: phase, flow: flow, ids: ids}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Descriptor) Phase() Phase  { return d.phase }
func (d *Descriptor) Flow() Flow    { return d.flow }
func (d *Descriptor) IDs() *IDSpace { return d.ids }

// Bundling returns the bundle metadata when the phase declares bundling.
func (d *Descriptor) Bundling() (*BundleInfo, bool) {
	return d.bundle, d.bundle != nil
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s/%s", d.phase, d.flow)
}

type catalogKey struct {
	phase Phase
	flow  Flow
}

// Catalog indexes the descriptors of a whole protocol by phase and flow.
// It is populated once at startup and read without locking afterwards.
type Catalog struct {
	descriptors map[catalogKey]*Descriptor
}

// NewCatalog indexes descs. Two descriptors for the same phase and flow are
// rejected.
func NewCatalog(descs ...*Descriptor) (*Catalog, error) {
	c := &Catalog{descriptors: make(map[catalogKey]*Descriptor, len(descs))}
	for _, d := range descs {
		key := catalogKey{d.Phase(), d.Flow()}
		if _, dup := c.descriptors[key]; dup {
			return nil, fmt.Errorf("duplicate descriptor for %s", d)
		}
		c.descriptors[key] = d
	}
	return c, nil
}

// Get returns the descriptor for phase and flow.
func (c *Catalog) Get(phase Phase, flow Flow) (*Descriptor, bool) {
	d, ok := c.descriptors[catalogKey{phase, flow}]
	return d, ok
}
