// Package packet defines the wire format shared by the control relay and the
// data node: a fixed 4-byte header followed by a type-selected payload.
package packet

import "fmt"

// Every packet starts with the magic sentinel and the protocol version.
// A receiver rejects anything else before looking at the payload.
const (
	Magic   uint8 = 0x5A
	Version uint8 = 0x00
)

// Packet type constants.
const (
	TypeRequest     uint8 = 0x01 // client → data node command
	TypeResponse    uint8 = 0x02 // data node → client reply
	TypeBatchSample uint8 = 0x03 // one timestep of multi-channel samples
	TypeError       uint8 = 0x7F // header-only error notification
)

// Flag bits.
const (
	FlagIsLast uint8 = 0x01 // BatchSample: final sample of the run
	FlagError  uint8 = 0x80 // payload reports an error condition
)

// Wire sizes. All multi-byte fields are big-endian on the wire.
const (
	HeaderSize         = 4 // magic + version + type + flags
	commandPayloadSize = 8 // id:u16 + addr:u16 + val:u32
	CommandSize        = HeaderSize + commandPayloadSize
	bsampFixedSize     = 8 // idx:u32 + nchips:u16 + nlines:u16
	BatchSampleMinSize = HeaderSize + bsampFixedSize
	SampleSize         = 2 // one u16 sample
)

// MaxSampleWords bounds nchips*nlines on receive so a corrupt or hostile
// header cannot make us allocate an arbitrarily large sample buffer.
const MaxSampleWords = 1 << 20

// Header is the fixed preamble common to every message variant. Magic and
// version are implicit: stamped on encode, validated on decode.
type Header struct {
	Type  uint8
	Flags uint8
}

// IsLast reports whether the is-last-sample-in-run flag is set.
func (h Header) IsLast() bool { return h.Flags&FlagIsLast != 0 }

// IsError reports whether the error flag is set.
func (h Header) IsError() bool { return h.Flags&FlagError != 0 }

// Message is the sum of the wire variants: *Command, *BatchSample, *ErrorMsg.
type Message interface {
	Hdr() Header
	WireSize() int
	appendWire(buf []byte) []byte
}

// Command is the payload shared by TypeRequest and TypeResponse packets.
// ID is the sequence/match tag, Addr the opaque target selector, Val the
// request argument or response value.
type Command struct {
	Header
	ID   uint16
	Addr uint16
	Val  uint32
}

// NewCommand returns a command packet with the header stamped. typ must be
// TypeRequest or TypeResponse; the payload is left for the caller to fill.
func NewCommand(typ, flags uint8) *Command {
	return &Command{Header: Header{Type: typ, Flags: flags}}
}

// Hdr returns the fixed header.
func (c *Command) Hdr() Header { return c.Header }

// WireSize returns the encoded size in bytes.
func (c *Command) WireSize() int { return CommandSize }

// Clone returns an independent copy.
func (c *Command) Clone() *Command {
	dup := *c
	return &dup
}

// BatchSample carries one timestep's worth of samples for NChips chips with
// NLines channels each. len(Samples) is always NChips*NLines.
type BatchSample struct {
	Header
	Idx     uint32
	NChips  uint16
	NLines  uint16
	Samples []uint16
}

// NewBatchSample returns a batch-sample packet sized for nchips*nlines
// samples. It is the only valid way to size a variable-length sample packet.
func NewBatchSample(nchips, nlines uint16) (*BatchSample, error) {
	n := int(nchips) * int(nlines)
	if n > MaxSampleWords {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManySamples, nchips, nlines)
	}
	return &BatchSample{
		Header:  Header{Type: TypeBatchSample},
		NChips:  nchips,
		NLines:  nlines,
		Samples: make([]uint16, n),
	}, nil
}

// Hdr returns the fixed header.
func (b *BatchSample) Hdr() Header { return b.Header }

// WireSize returns the encoded size in bytes, including the sample array.
func (b *BatchSample) WireSize() int {
	return BatchSampleMinSize + len(b.Samples)*SampleSize
}

// Clone returns an independent copy, sample array included.
func (b *BatchSample) Clone() *BatchSample {
	dup := *b
	dup.Samples = make([]uint16, len(b.Samples))
	copy(dup.Samples, b.Samples)
	return &dup
}

// ErrorMsg is a header-only error notification.
type ErrorMsg struct {
	Header
}

// NewError returns an error packet with the given flags.
func NewError(flags uint8) *ErrorMsg {
	return &ErrorMsg{Header{Type: TypeError, Flags: flags | FlagError}}
}

// Hdr returns the fixed header.
func (e *ErrorMsg) Hdr() Header { return e.Header }

// WireSize returns the encoded size in bytes.
func (e *ErrorMsg) WireSize() int { return HeaderSize }
