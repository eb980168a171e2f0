package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageTypeFromByte(t *testing.T) {
	tests := []struct {
		in   uint8
		want MessageType
	}{
		{1, MsgServerHello},
		{2, MsgClientHello},
		{3, MsgData},
		{4, MsgErrCode},
		{5, MsgHeartbeat},
		{0, MsgErrCode},
		{6, MsgErrCode},
		{0xFF, MsgErrCode},
	}

	for _, tt := range tests {
		if got := MessageTypeFromByte(tt.in); got != tt.want {
			t.Errorf("MessageTypeFromByte(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestEncryptMethodFromByte(t *testing.T) {
	tests := []struct {
		in   uint8
		want EncryptMethod
	}{
		{0, MethodUnsafe},
		{1, MethodAES},
		{2, MethodChaCha},
		{3, MethodUnsafe},
		{0xFF, MethodUnsafe},
	}

	for _, tt := range tests {
		if got := EncryptMethodFromByte(tt.in); got != tt.want {
			t.Errorf("EncryptMethodFromByte(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseEncryptMethod(t *testing.T) {
	tests := []struct {
		in     string
		want   EncryptMethod
		wantOK bool
	}{
		{"unsafe", MethodUnsafe, true},
		{"aes", MethodAES, true},
		{"aes-128-gcm", MethodAES, true},
		{"chacha", MethodChaCha, true},
		{"chacha20-poly1305", MethodChaCha, true},
		{"rot13", MethodUnsafe, false},
	}

	for _, tt := range tests {
		got, ok := ParseEncryptMethod(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseEncryptMethod(%q) = (%s, %v), want (%s, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestErrorCodeName(t *testing.T) {
	tests := []struct {
		code uint8
		want string
	}{
		{ErrCodeGeneral, "GENERAL_FAILURE"},
		{ErrCodeUnknownUser, "UNKNOWN_USER"},
		{ErrCodeMethodRejected, "METHOD_REJECTED"},
		{ErrCodeNoPorts, "NO_PORTS"},
		{ErrCodeUnknownConn, "UNKNOWN_CONNECTION"},
		{ErrCodeAddressMismatch, "ADDRESS_MISMATCH"},
		{ErrCodeRateLimited, "RATE_LIMITED"},
		{200, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := ErrorCodeName(tt.code); got != tt.want {
			t.Errorf("ErrorCodeName(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestHeader_EncodeLayout(t *testing.T) {
	h := Header{
		PacketNum: 7,
		MsgType:   uint8(MsgData),
		AuthType:  uint8(MethodChaCha),
		Fragment:  0,
		ConnID:    0x1234,
		DataLen:   0x01F8,
	}

	got := h.Encode()
	want := [HeaderSize]byte{7, 3, 2, 0, 0x12, 0x34, 0x01, 0xF8}
	if got != want {
		t.Errorf("Encode() = %v, want %v", got, want)
	}
}

func TestHeader_RoundTrip(t *testing.T) {
	headers := []Header{
		{},
		{PacketNum: 255, MsgType: 255, AuthType: 255, Fragment: 255, ConnID: 65535, DataLen: 65535},
		{PacketNum: 1, MsgType: 2, AuthType: 1, Fragment: 0, ConnID: 7835, DataLen: 504},
		{PacketNum: 128, MsgType: 5, AuthType: 0, Fragment: 9, ConnID: 1, DataLen: 0},
	}

	for _, h := range headers {
		enc := h.Encode()
		got, err := DecodeHeader(enc[:])
		if err != nil {
			t.Fatalf("DecodeHeader(%v) error = %v", h, err)
		}
		if got != h {
			t.Errorf("round trip = %v, want %v", got, h)
		}
	}
}

func TestDecodeHeader_TooShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	if !errors.Is(err, ErrFormat) {
		t.Errorf("DecodeHeader() error = %v, want ErrFormat", err)
	}
}

func TestPacketBuffer_ReadHeaderTwice(t *testing.T) {
	h := Header{MsgType: uint8(MsgHeartbeat), ConnID: 40000}
	enc := h.Encode()

	pb, err := NewPacketBuffer(enc[:])
	if err != nil {
		t.Fatalf("NewPacketBuffer() error = %v", err)
	}

	if _, err := pb.ReadHeader(); err != nil {
		t.Fatalf("first ReadHeader() error = %v", err)
	}
	if pb.Pos() != HeaderSize {
		t.Errorf("Pos() = %d, want %d", pb.Pos(), HeaderSize)
	}

	if _, err := pb.ReadHeader(); !errors.Is(err, ErrFormat) {
		t.Errorf("second ReadHeader() error = %v, want ErrFormat", err)
	}
}

func TestPacketBuffer_ReadHeaderAfterPayload(t *testing.T) {
	pkt, err := Build(Header{MsgType: uint8(MsgData)}, []byte("abc"))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	pb, _ := NewPacketBuffer(pkt)
	h, _ := pb.ReadHeader()
	if _, err := pb.ReadPayload(h.DataLen); err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if _, err := pb.ReadHeader(); !errors.Is(err, ErrFormat) {
		t.Errorf("ReadHeader() after payload error = %v, want ErrFormat", err)
	}
}

func TestPacketBuffer_ReadPayload(t *testing.T) {
	payload := []byte("hello relay")
	pkt, err := Build(Header{MsgType: uint8(MsgData), ConnID: 50001}, payload)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	pb, err := NewPacketBuffer(pkt)
	if err != nil {
		t.Fatalf("NewPacketBuffer() error = %v", err)
	}

	// Payload before header
	if _, err := pb.ReadPayload(uint16(len(payload))); !errors.Is(err, ErrFormat) {
		t.Errorf("ReadPayload() before header error = %v, want ErrFormat", err)
	}

	h, err := pb.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if int(h.DataLen) != len(payload) {
		t.Errorf("DataLen = %d, want %d", h.DataLen, len(payload))
	}

	got, err := pb.ReadPayload(h.DataLen)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadPayload() = %q, want %q", got, payload)
	}

	// Second payload read
	if _, err := pb.ReadPayload(h.DataLen); !errors.Is(err, ErrFormat) {
		t.Errorf("second ReadPayload() error = %v, want ErrFormat", err)
	}
}

func TestPacketBuffer_ReadPayloadEmptyTwice(t *testing.T) {
	enc := Header{MsgType: uint8(MsgHeartbeat)}.Encode()
	pb, _ := NewPacketBuffer(enc[:])
	pb.ReadHeader()

	got, err := pb.ReadPayload(0)
	if err != nil {
		t.Fatalf("ReadPayload(0) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadPayload(0) len = %d, want 0", len(got))
	}
	if _, err := pb.ReadPayload(0); !errors.Is(err, ErrFormat) {
		t.Errorf("second ReadPayload(0) error = %v, want ErrFormat", err)
	}
}

func TestPacketBuffer_ReadPayloadTooLong(t *testing.T) {
	pb := &PacketBuffer{}
	pb.ReadHeader()

	if _, err := pb.ReadPayload(MaxPayloadSize + 1); !errors.Is(err, ErrFormat) {
		t.Errorf("ReadPayload(%d) error = %v, want ErrFormat", MaxPayloadSize+1, err)
	}

	pb.Write(nil)
	pb.ReadHeader()
	got, err := pb.ReadPayload(MaxPayloadSize)
	if err != nil {
		t.Fatalf("ReadPayload(%d) error = %v", MaxPayloadSize, err)
	}
	if len(got) != MaxPayloadSize {
		t.Errorf("len = %d, want %d", len(got), MaxPayloadSize)
	}
}

func TestPacketBuffer_WriteZeroPads(t *testing.T) {
	pb := &PacketBuffer{}
	full := bytes.Repeat([]byte{0xAA}, MaxPacketSize)
	if err := pb.Write(full); err != nil {
		t.Fatalf("Write(full) error = %v", err)
	}

	if err := pb.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := pb.Bytes()
	if len(buf) != MaxPacketSize {
		t.Fatalf("len(Bytes()) = %d, want %d", len(buf), MaxPacketSize)
	}
	if !bytes.Equal(buf[:3], []byte{1, 2, 3}) {
		t.Errorf("prefix = %v, want [1 2 3]", buf[:3])
	}
	if !bytes.Equal(buf[3:], make([]byte, MaxPacketSize-3)) {
		t.Error("remainder not zero-filled")
	}
	if pb.Pos() != 0 {
		t.Errorf("Pos() after Write = %d, want 0", pb.Pos())
	}
}

func TestPacketBuffer_WriteOversize(t *testing.T) {
	pb := &PacketBuffer{}
	err := pb.Write(make([]byte, MaxPacketSize+1))
	if !errors.Is(err, ErrOversize) {
		t.Errorf("Write(513 bytes) error = %v, want ErrOversize", err)
	}

	if _, err := NewPacketBuffer(make([]byte, MaxPacketSize+1)); !errors.Is(err, ErrOversize) {
		t.Errorf("NewPacketBuffer(513 bytes) error = %v, want ErrOversize", err)
	}
}

func TestBuild(t *testing.T) {
	h := Header{PacketNum: 3, MsgType: uint8(MsgData), AuthType: uint8(MethodAES), ConnID: 60000, DataLen: 999}

	pkt, err := Build(h, []byte("ping"))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(pkt) != HeaderSize+4 {
		t.Errorf("len = %d, want %d", len(pkt), HeaderSize+4)
	}

	got, _ := DecodeHeader(pkt)
	if got.DataLen != 4 {
		t.Errorf("DataLen = %d, want 4 (Build must override it)", got.DataLen)
	}
	if !bytes.Equal(pkt[HeaderSize:], []byte("ping")) {
		t.Errorf("payload = %q, want %q", pkt[HeaderSize:], "ping")
	}

	if _, err := Build(h, make([]byte, MaxPayloadSize)); err != nil {
		t.Errorf("Build(max payload) error = %v", err)
	}
	if _, err := Build(h, make([]byte, MaxPayloadSize+1)); !errors.Is(err, ErrOversize) {
		t.Errorf("Build(max+1) error = %v, want ErrOversize", err)
	}
}

func TestHeader_String(t *testing.T) {
	h := Header{PacketNum: 1, MsgType: uint8(MsgData), AuthType: uint8(MethodAES), ConnID: 5, DataLen: 4}
	want := "Header{Num=1, Type=DATA, Auth=AES, Frag=0, ConnID=5, Len=4}"
	if got := h.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
