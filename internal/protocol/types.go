// Package protocol defines the wire protocol for the Metroo UDP relay.
package protocol

import "time"

// Protocol constants
const (
	// ControlPort is the well-known rendezvous port clients contact first.
	ControlPort uint16 = 7835

	// MaxPacketSize is the size of every datagram on the wire.
	MaxPacketSize = 512

	// HeaderSize is the fixed header size:
	// PacketNum(1) + MsgType(1) + AuthType(1) + Fragment(1) + ConnID(2) + DataLen(2).
	HeaderSize = 8

	// MaxPayloadSize is the largest payload that fits behind a header.
	MaxPayloadSize = MaxPacketSize - HeaderSize

	// DefaultConnLifetime is how long a connection stays valid without a refresh.
	DefaultConnLifetime = 65 * time.Second

	// MaxRetry bounds retries of socket-level setup steps.
	MaxRetry = 3
)

// MessageType identifies the purpose of a packet.
type MessageType uint8

// Message types
const (
	MsgServerHello MessageType = 0x01 // Session accepted, carries nonce
	MsgClientHello MessageType = 0x02 // Session request, carries username
	MsgData        MessageType = 0x03 // Tunneled payload
	MsgErrCode     MessageType = 0x04 // Error notification, also the fallback
	MsgHeartbeat   MessageType = 0x05 // Liveness refresh
)

// MessageTypeFromByte converts a wire value to a MessageType.
// Unknown and reserved values map to MsgErrCode.
func MessageTypeFromByte(b uint8) MessageType {
	switch MessageType(b) {
	case MsgServerHello, MsgClientHello, MsgData, MsgHeartbeat:
		return MessageType(b)
	default:
		return MsgErrCode
	}
}

// String returns a human-readable name for the message type.
func (m MessageType) String() string {
	switch m {
	case MsgServerHello:
		return "SERVERHELLO"
	case MsgClientHello:
		return "CLIENTHELLO"
	case MsgData:
		return "DATA"
	case MsgErrCode:
		return "ERRCODE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// EncryptMethod is the per-connection encryption tag carried in AuthType.
type EncryptMethod uint8

// Encryption methods
const (
	MethodUnsafe EncryptMethod = 0x00 // No encryption
	MethodAES    EncryptMethod = 0x01 // AES-128-GCM
	MethodChaCha EncryptMethod = 0x02 // ChaCha20-Poly1305
)

// EncryptMethodFromByte converts a wire value to an EncryptMethod.
// Unknown values map to MethodUnsafe.
func EncryptMethodFromByte(b uint8) EncryptMethod {
	switch EncryptMethod(b) {
	case MethodAES, MethodChaCha:
		return EncryptMethod(b)
	default:
		return MethodUnsafe
	}
}

// ParseEncryptMethod parses a configuration name (unsafe, aes, chacha).
func ParseEncryptMethod(s string) (EncryptMethod, bool) {
	switch s {
	case "unsafe", "none":
		return MethodUnsafe, true
	case "aes", "aes-128-gcm":
		return MethodAES, true
	case "chacha", "chacha20-poly1305":
		return MethodChaCha, true
	default:
		return MethodUnsafe, false
	}
}

// Encrypted reports whether the method requires an authenticator.
func (m EncryptMethod) Encrypted() bool {
	return m == MethodAES || m == MethodChaCha
}

// String returns a human-readable name for the method.
func (m EncryptMethod) String() string {
	switch m {
	case MethodUnsafe:
		return "UNSAFE"
	case MethodAES:
		return "AES"
	case MethodChaCha:
		return "CHACHA"
	default:
		return "UNKNOWN"
	}
}

// Error codes carried as the one-byte payload of ERRCODE packets.
const (
	ErrCodeGeneral         uint8 = 1
	ErrCodeUnknownUser     uint8 = 2
	ErrCodeMethodRejected  uint8 = 3
	ErrCodeNoPorts         uint8 = 4
	ErrCodeUnknownConn     uint8 = 5
	ErrCodeAddressMismatch uint8 = 6
	ErrCodeRateLimited     uint8 = 7
)

// ErrorCodeName returns a human-readable name for an error code.
func ErrorCodeName(code uint8) string {
	switch code {
	case ErrCodeGeneral:
		return "GENERAL_FAILURE"
	case ErrCodeUnknownUser:
		return "UNKNOWN_USER"
	case ErrCodeMethodRejected:
		return "METHOD_REJECTED"
	case ErrCodeNoPorts:
		return "NO_PORTS"
	case ErrCodeUnknownConn:
		return "UNKNOWN_CONNECTION"
	case ErrCodeAddressMismatch:
		return "ADDRESS_MISMATCH"
	case ErrCodeRateLimited:
		return "RATE_LIMITED"
	default:
		return "UNKNOWN"
	}
}
