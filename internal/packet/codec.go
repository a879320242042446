package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Codec errors, coarsely split the way callers react to them: protocol
// errors mean the peer sent garbage, mismatch errors mean the stream got
// out of step with what the caller expected.
var (
	ErrBadMagic       = errors.New("bad packet magic")
	ErrBadVersion     = errors.New("unsupported protocol version")
	ErrUnknownType    = errors.New("unknown packet type")
	ErrTypeMismatch   = errors.New("unexpected packet type")
	ErrSizeMismatch   = errors.New("packet size mismatch")
	ErrTooManySamples = errors.New("sample count out of range")
)

// Encode serializes a message into a fresh wire buffer. The source message
// is never mutated; callers may reuse it after sending.
func Encode(m Message) ([]byte, error) {
	if err := checkType(m); err != nil {
		return nil, err
	}
	return m.appendWire(make([]byte, 0, m.WireSize())), nil
}

// WriteTo encodes m and writes it to w. An unknown type is rejected before
// any I/O happens. Returns the number of bytes written.
func WriteTo(w io.Writer, m Message) (int, error) {
	buf, err := Encode(m)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// checkType rejects a message whose header type disagrees with its variant.
// The type field is caller-settable, so this is a send-time contract check.
func checkType(m Message) error {
	typ := m.Hdr().Type
	switch m.(type) {
	case *Command:
		if typ != TypeRequest && typ != TypeResponse {
			return fmt.Errorf("%w: command with type 0x%02x", ErrUnknownType, typ)
		}
	case *BatchSample:
		if typ != TypeBatchSample {
			return fmt.Errorf("%w: batch sample with type 0x%02x", ErrUnknownType, typ)
		}
	case *ErrorMsg:
		if typ != TypeError {
			return fmt.Errorf("%w: error packet with type 0x%02x", ErrUnknownType, typ)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	return nil
}

func appendHeader(buf []byte, h Header) []byte {
	return append(buf, Magic, Version, h.Type, h.Flags)
}

func (c *Command) appendWire(buf []byte) []byte {
	buf = appendHeader(buf, c.Header)
	buf = binary.BigEndian.AppendUint16(buf, c.ID)
	buf = binary.BigEndian.AppendUint16(buf, c.Addr)
	buf = binary.BigEndian.AppendUint32(buf, c.Val)
	return buf
}

func (b *BatchSample) appendWire(buf []byte) []byte {
	buf = appendHeader(buf, b.Header)
	buf = binary.BigEndian.AppendUint32(buf, b.Idx)
	buf = binary.BigEndian.AppendUint16(buf, b.NChips)
	buf = binary.BigEndian.AppendUint16(buf, b.NLines)
	for _, s := range b.Samples {
		buf = binary.BigEndian.AppendUint16(buf, s)
	}
	return buf
}

func (e *ErrorMsg) appendWire(buf []byte) []byte {
	return appendHeader(buf, e.Header)
}

// decodeHeader validates magic and version and returns the header.
func decodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, want at least %d",
			ErrSizeMismatch, len(data), HeaderSize)
	}
	if data[0] != Magic {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrBadMagic, data[0])
	}
	if data[1] != Version {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrBadVersion, data[1])
	}
	return Header{Type: data[2], Flags: data[3]}, nil
}

// Decode deserializes a complete packet from a single buffer, as read from a
// datagram socket. The payload length must exactly match what the header and
// (for batch samples) the declared dimensions call for.
func Decode(data []byte) (Message, error) {
	hdr, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[HeaderSize:]
	switch hdr.Type {
	case TypeRequest, TypeResponse:
		if len(body) != commandPayloadSize {
			return nil, fmt.Errorf("%w: command payload %d bytes, want %d",
				ErrSizeMismatch, len(body), commandPayloadSize)
		}
		return decodeCommand(hdr, body), nil
	case TypeBatchSample:
		return decodeBatchSample(hdr, body)
	case TypeError:
		if len(body) != 0 {
			return nil, fmt.Errorf("%w: error packet with %d payload bytes",
				ErrSizeMismatch, len(body))
		}
		return &ErrorMsg{hdr}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, hdr.Type)
	}
}

func decodeCommand(hdr Header, body []byte) *Command {
	return &Command{
		Header: hdr,
		ID:     binary.BigEndian.Uint16(body[0:2]),
		Addr:   binary.BigEndian.Uint16(body[2:4]),
		Val:    binary.BigEndian.Uint32(body[4:8]),
	}
}

func decodeBatchSample(hdr Header, body []byte) (*BatchSample, error) {
	if len(body) < bsampFixedSize {
		return nil, fmt.Errorf("%w: batch sample payload %d bytes, want at least %d",
			ErrSizeMismatch, len(body), bsampFixedSize)
	}
	bs := &BatchSample{
		Header: hdr,
		Idx:    binary.BigEndian.Uint32(body[0:4]),
		NChips: binary.BigEndian.Uint16(body[4:6]),
		NLines: binary.BigEndian.Uint16(body[6:8]),
	}
	n := int(bs.NChips) * int(bs.NLines)
	if n > MaxSampleWords {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManySamples, bs.NChips, bs.NLines)
	}
	if len(body) != bsampFixedSize+n*SampleSize {
		return nil, fmt.Errorf("%w: %dx%d batch sample carries %d payload bytes",
			ErrSizeMismatch, bs.NChips, bs.NLines, len(body))
	}
	bs.Samples = make([]uint16, n)
	for i := range bs.Samples {
		off := bsampFixedSize + i*SampleSize
		bs.Samples[i] = binary.BigEndian.Uint16(body[off : off+SampleSize])
	}
	return bs, nil
}

// ReadCommand performs a two-phase read of a command packet from a stream:
// the fixed header first, then the command payload. If expect is nonzero and
// the received type differs, the payload is still consumed (keeping the
// stream framed) but ErrTypeMismatch is returned.
func ReadCommand(r io.Reader, expect uint8) (*Command, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Type != TypeRequest && hdr.Type != TypeResponse {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, hdr.Type)
	}
	var body [commandPayloadSize]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return nil, fmt.Errorf("reading command payload: %w", err)
	}
	if expect != 0 && hdr.Type != expect {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x",
			ErrTypeMismatch, hdr.Type, expect)
	}
	return decodeCommand(hdr, body[:]), nil
}

// ReadReply reads what a relay sends back on the control stream: either a
// response command or a header-only error packet.
func ReadReply(r io.Reader) (Message, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	switch hdr.Type {
	case TypeResponse:
		var body [commandPayloadSize]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, fmt.Errorf("reading response payload: %w", err)
		}
		return decodeCommand(hdr, body[:]), nil
	case TypeError:
		return &ErrorMsg{hdr}, nil
	default:
		return nil, fmt.Errorf("%w: got 0x%02x, want response or error",
			ErrTypeMismatch, hdr.Type)
	}
}

// ReadBatchSample performs a two-phase read of a batch-sample packet from a
// stream: header, fixed payload, then the sample array sized from the
// declared dimensions. maxWords caps nchips*nlines; pass 0 for the default
// MaxSampleWords bound.
func ReadBatchSample(r io.Reader, maxWords int) (*BatchSample, error) {
	if maxWords <= 0 || maxWords > MaxSampleWords {
		maxWords = MaxSampleWords
	}
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Type != TypeBatchSample {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x",
			ErrTypeMismatch, hdr.Type, TypeBatchSample)
	}
	var fixed [bsampFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("reading batch sample payload: %w", err)
	}
	bs := &BatchSample{
		Header: hdr,
		Idx:    binary.BigEndian.Uint32(fixed[0:4]),
		NChips: binary.BigEndian.Uint16(fixed[4:6]),
		NLines: binary.BigEndian.Uint16(fixed[6:8]),
	}
	n := int(bs.NChips) * int(bs.NLines)
	if n > maxWords {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManySamples, bs.NChips, bs.NLines)
	}
	raw := make([]byte, n*SampleSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading sample array: %w", err)
	}
	bs.Samples = make([]uint16, n)
	for i := range bs.Samples {
		bs.Samples[i] = binary.BigEndian.Uint16(raw[i*SampleSize : (i+1)*SampleSize])
	}
	return bs, nil
}

func readHeader(r io.Reader) (Header, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, err
	}
	return decodeHeader(raw[:])
}
