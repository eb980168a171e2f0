// Package crypto provides per-connection authenticated encryption for relay payloads.
// A connection uses either AES-128-GCM or ChaCha20-Poly1305; unencrypted
// connections have no Authenticator at all.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/postalsys/metroo-relay/internal/protocol"
)

const (
	// KeySize is the size of a provisioned key slot in bytes.
	KeySize = 32

	// AESKeySize is the portion of the key slot used by AES-128-GCM.
	AESKeySize = 16

	// NonceSize is the size of AEAD nonces in bytes.
	NonceSize = 12

	// TagSize is the size of the authentication tag appended to ciphertexts.
	TagSize = 16

	// hkdfInfo is the context string for passphrase key derivation.
	hkdfInfo = "metroo-relay-user-key-v1"
)

var (
	// ErrValidation is returned when an authenticator cannot be built
	// for the given key and method.
	ErrValidation = errors.New("invalid authenticator parameters")

	// ErrCrypto is returned on any AEAD failure, including tag mismatch.
	ErrCrypto = errors.New("aead failure")
)

// Authenticator encrypts and decrypts payloads for one connection.
// Nothing in it changes after construction, so it is safe for concurrent
// use. The key lives only inside the cipher; a dropped authenticator is
// reclaimed with it.
type Authenticator struct {
	clientID uuid.UUID
	nonce    [NonceSize]byte
	method   protocol.EncryptMethod
	aead     cipher.AEAD
}

// NewAuthenticator creates an authenticator with a fresh random nonce.
// AES uses only the first AESKeySize bytes of key. MethodUnsafe is rejected:
// unencrypted connections skip encryption instead.
func NewAuthenticator(clientID uuid.UUID, key [KeySize]byte, method protocol.EncryptMethod) (*Authenticator, error) {
	a, err := newAuthenticator(clientID, key, method)
	if err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(rand.Reader, a.nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return a, nil
}

// NewAuthenticatorWithNonce creates an authenticator that uses the nonce a
// relay announced in its SERVERHELLO. Clients use it to talk to the relay.
func NewAuthenticatorWithNonce(clientID uuid.UUID, key [KeySize]byte, method protocol.EncryptMethod,
	nonce []byte) (*Authenticator, error) {

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce should be %d bytes long, got %d", ErrValidation, NonceSize, len(nonce))
	}

	a, err := newAuthenticator(clientID, key, method)
	if err != nil {
		return nil, err
	}
	copy(a.nonce[:], nonce)

	return a, nil
}

func newAuthenticator(clientID uuid.UUID, key [KeySize]byte, method protocol.EncryptMethod) (*Authenticator, error) {
	a := &Authenticator{
		clientID: clientID,
		method:   method,
	}

	var err error
	switch method {
	case protocol.MethodAES:
		var block cipher.Block
		block, err = aes.NewCipher(key[:AESKeySize])
		if err == nil {
			a.aead, err = cipher.NewGCM(block)
		}
	case protocol.MethodChaCha:
		a.aead, err = chacha20poly1305.New(key[:])
	default:
		return nil, fmt.Errorf("%w: no authenticator for method %s", ErrValidation, method)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrValidation, err)
	}

	return a, nil
}

// NewAuthenticatorFromSlice is NewAuthenticator for keys of unchecked length.
// ChaCha20-Poly1305 needs exactly KeySize bytes; AES needs at least AESKeySize
// and the slice is copied into a zeroed key slot.
func NewAuthenticatorFromSlice(clientID uuid.UUID, key []byte, method protocol.EncryptMethod) (*Authenticator, error) {
	switch method {
	case protocol.MethodChaCha:
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: key should be exactly %d bytes long for chacha20-poly1305, got %d",
				ErrValidation, KeySize, len(key))
		}
	case protocol.MethodAES:
		if len(key) < AESKeySize || len(key) > KeySize {
			return nil, fmt.Errorf("%w: key should be %d to %d bytes long for aes-128-gcm, got %d",
				ErrValidation, AESKeySize, KeySize, len(key))
		}
	}

	var slot [KeySize]byte
	copy(slot[:], key)
	defer ZeroKey(&slot)

	return NewAuthenticator(clientID, slot, method)
}

// Encrypt seals plaintext with the connection nonce. The result is
// TagSize bytes longer than plaintext.
func (a *Authenticator) Encrypt(plaintext []byte) (out []byte, err error) {
	// Seal panics on inputs beyond the cipher's limits.
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: encrypt: %v", ErrCrypto, r)
		}
	}()

	return a.aead.Seal(nil, a.nonce[:], plaintext, nil), nil
}

// Decrypt opens ciphertext sealed with the connection nonce. Any tampering
// or truncation fails with ErrCrypto and no plaintext is returned.
func (a *Authenticator) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", ErrCrypto, len(ciphertext))
	}

	plaintext, err := a.aead.Open(nil, a.nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCrypto, err)
	}

	return plaintext, nil
}

// Nonce returns the connection nonce. Clients receive it in SERVERHELLO.
func (a *Authenticator) Nonce() [NonceSize]byte {
	return a.nonce
}

// ClientID returns the client the authenticator belongs to.
func (a *Authenticator) ClientID() uuid.UUID {
	return a.clientID
}

// Method returns the encryption method.
func (a *Authenticator) Method() protocol.EncryptMethod {
	return a.method
}

// Overhead returns the number of bytes Encrypt adds.
func (a *Authenticator) Overhead() int {
	return a.aead.Overhead()
}

// DeriveKey derives a key slot from a passphrase with HKDF-SHA256,
// salted with the username so equal passphrases give distinct keys.
func DeriveKey(username, passphrase string) [KeySize]byte {
	var key [KeySize]byte

	reader := hkdf.New(sha256.New, []byte(passphrase), []byte(username), []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		// HKDF-SHA256 can produce up to 255*32 bytes
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}

	return key
}

// GenerateKey returns a random key slot.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// ZeroBytes zeroes out a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
