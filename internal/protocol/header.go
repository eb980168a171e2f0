package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFormat is returned when a header or payload read is malformed or out of order
	ErrFormat = errors.New("malformed packet")

	// ErrOversize is returned when a packet would exceed MaxPacketSize
	ErrOversize = errors.New("packet exceeds maximum size")
)

// Header is the fixed packet header.
// Wire format (8 bytes):
//
//	PacketNum [1 byte]  - Sequence number within a connection
//	MsgType   [1 byte]  - Message type
//	AuthType  [1 byte]  - Encryption method
//	Fragment  [1 byte]  - Reserved
//	ConnID    [2 bytes] - Connection identifier (big-endian)
//	DataLen   [2 bytes] - Payload length (big-endian)
type Header struct {
	PacketNum uint8
	MsgType   uint8
	AuthType  uint8
	Fragment  uint8
	ConnID    uint16
	DataLen   uint16
}

// Encode serializes the header.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte

	buf[0] = h.PacketNum
	buf[1] = h.MsgType
	buf[2] = h.AuthType
	buf[3] = h.Fragment
	binary.BigEndian.PutUint16(buf[4:6], h.ConnID)
	binary.BigEndian.PutUint16(buf[6:8], h.DataLen)

	return buf
}

// Message returns the decoded message type.
func (h Header) Message() MessageType {
	return MessageTypeFromByte(h.MsgType)
}

// Method returns the decoded encryption method.
func (h Header) Method() EncryptMethod {
	return EncryptMethodFromByte(h.AuthType)
}

// String returns a debug representation of the header.
func (h Header) String() string {
	return fmt.Sprintf("Header{Num=%d, Type=%s, Auth=%s, Frag=%d, ConnID=%d, Len=%d}",
		h.PacketNum, h.Message(), h.Method(), h.Fragment, h.ConnID, h.DataLen)
}

// DecodeHeader decodes the header at the start of a received datagram.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short: %d bytes", ErrFormat, len(data))
	}

	var pb PacketBuffer
	if err := pb.Write(data); err != nil {
		return Header{}, err
	}
	return pb.ReadHeader()
}

// Build serializes a header followed by payload into one packet,
// setting DataLen to the payload length.
func Build(h Header, payload []byte) ([]byte, error) {
	if HeaderSize+len(payload) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversize, HeaderSize+len(payload))
	}

	h.DataLen = uint16(len(payload))
	hdr := h.Encode()

	buf := make([]byte, HeaderSize+len(payload))
	copy(buf, hdr[:])
	copy(buf[HeaderSize:], payload)

	return buf, nil
}
