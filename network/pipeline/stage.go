// Package pipeline implements the byte and packet processing stages of a
// session: framing, encryption, compression, packet encoding and bundling.
//
// Stages are arranged in an immutable StageList per direction. A connection
// replaces a list wholesale whenever its configuration changes, so a list
// that is being walked is never modified underneath the walker.
package pipeline

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/linchenxuan/conduit/network/protocol"
)

// Stage names used as anchors when editing a StageList.
const (
	NameFramer     = "framer"
	NameDecrypt    = "decrypt"
	NameEncrypt    = "encrypt"
	NameDecompress = "decompress"
	NameCompress   = "compress"
	NameCodec      = "codec"
	NameUnbundler  = "unbundler"
	NameBundler    = "bundler"
)

// Size limits shared by the stages.
const (
	// MaxFrameSize caps a single frame's payload.
	MaxFrameSize = 2 << 20
	// MaxUncompressedSize caps an inflated frame and an encoded packet.
	MaxUncompressedSize = 8 << 20
)

// Message is the unit passed between stages. Byte stages work on Frame;
// stages after the packet codec work on Packet.
type Message struct {
	Frame  []byte
	Packet protocol.Packet
}

// Emit hands a message to the next stage.
type Emit func(Message) error

// Stage transforms messages for one direction. A stage may emit zero, one or
// several messages per input. Stages run only on their connection's loop
// goroutine.
type Stage interface {
	Name() string
	Process(msg Message, emit Emit) error
}

// Releaser is implemented by stages that hold resources which must be freed
// when they leave the pipeline.
type Releaser interface {
	Release()
}

// Fault is an error raised by a stage. A skippable fault discards the
// offending frame or packet; any other fault ends the session.
type Fault struct {
	Stage     string
	Skippable bool
	Err       error
}

func (f *Fault) Error() string {
	kind := "fatal"
	if f.Skippable {
		kind = "skippable"
	}
	return fmt.Sprintf("%s %s fault: %v", f.Stage, kind, f.Err)
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error { return f.Err }

// Fatal builds a fault that ends the session.
func Fatal(stage string, err error) *Fault {
	return &Fault{Stage: stage, Err: err}
}

// Skip builds a fault limited to one frame or packet.
func Skip(stage string, err error) *Fault {
	return &Fault{Stage: stage, Skippable: true, Err: err}
}

// IsSkippable reports whether err is, or wraps, a skippable fault.
func IsSkippable(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Skippable
}

// OversizedPacketError reports a packet whose encoding exceeds Max bytes.
type OversizedPacketError struct {
	Packet protocol.Packet
	Size   int
	Max    int
}

func (e *OversizedPacketError) Error() string {
	return fmt.Sprintf("packet %s encodes to %d bytes, limit %d", e.Packet.Kind(), e.Size, e.Max)
}
