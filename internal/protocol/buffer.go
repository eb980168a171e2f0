package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketBuffer is a fixed-size packet buffer with a forward-only read cursor.
// The header must be read exactly once, and the payload only right after it.
type PacketBuffer struct {
	buf         [MaxPacketSize]byte
	pos         int
	payloadRead bool
}

// NewPacketBuffer returns a buffer holding data, zero-padded to MaxPacketSize.
func NewPacketBuffer(data []byte) (*PacketBuffer, error) {
	pb := &PacketBuffer{}
	if err := pb.Write(data); err != nil {
		return nil, err
	}
	return pb, nil
}

// Pos returns the read cursor.
func (pb *PacketBuffer) Pos() int {
	return pb.pos
}

// Bytes returns the whole buffer, padding included.
func (pb *PacketBuffer) Bytes() []byte {
	return pb.buf[:]
}

// Write copies data to the front of the buffer, zero-fills the remainder
// and rewinds the cursor.
func (pb *PacketBuffer) Write(data []byte) error {
	if len(data) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrOversize, len(data))
	}

	n := copy(pb.buf[:], data)
	clear(pb.buf[n:])
	pb.pos = 0
	pb.payloadRead = false

	return nil
}

func (pb *PacketBuffer) read() (uint8, error) {
	if pb.pos >= MaxPacketSize {
		return 0, fmt.Errorf("%w: end of buffer", ErrFormat)
	}
	b := pb.buf[pb.pos]
	pb.pos++
	return b, nil
}

func (pb *PacketBuffer) readUint16() (uint16, error) {
	if pb.pos+2 > MaxPacketSize {
		return 0, fmt.Errorf("%w: end of buffer", ErrFormat)
	}
	v := binary.BigEndian.Uint16(pb.buf[pb.pos:])
	pb.pos += 2
	return v, nil
}

// ReadHeader decodes the header. It fails unless the cursor is at offset 0.
func (pb *PacketBuffer) ReadHeader() (Header, error) {
	if pb.pos != 0 {
		return Header{}, fmt.Errorf("%w: header already read (pos %d)", ErrFormat, pb.pos)
	}

	var h Header
	var err error

	// Cannot fail at offset 0, the buffer is always MaxPacketSize long.
	h.PacketNum, _ = pb.read()
	h.MsgType, _ = pb.read()
	h.AuthType, _ = pb.read()
	h.Fragment, _ = pb.read()
	if h.ConnID, err = pb.readUint16(); err != nil {
		return Header{}, err
	}
	if h.DataLen, err = pb.readUint16(); err != nil {
		return Header{}, err
	}

	return h, nil
}

// ReadPayload returns a view of the length bytes following the header.
// It is valid exactly once, immediately after ReadHeader.
func (pb *PacketBuffer) ReadPayload(length uint16) ([]byte, error) {
	switch {
	case pb.payloadRead:
		return nil, fmt.Errorf("%w: payload already read", ErrFormat)
	case pb.pos != HeaderSize:
		return nil, fmt.Errorf("%w: header not read yet", ErrFormat)
	}

	if int(length) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrFormat, length, MaxPayloadSize)
	}

	end := HeaderSize + int(length)
	payload := pb.buf[HeaderSize:end]
	pb.pos = end
	pb.payloadRead = true

	return payload, nil
}
