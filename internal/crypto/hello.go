package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// HelloProofSize is the length of the key proof that trails the username
// in a CLIENTHELLO: a random nonce followed by a sealed 8-byte timestamp.
const HelloProofSize = NonceSize + 8 + TagSize

// ErrHelloProof is returned when a CLIENTHELLO proof does not open under
// the user's key.
var ErrHelloProof = errors.New("invalid hello proof")

// HelloProof is an opened CLIENTHELLO proof.
type HelloProof struct {
	Nonce  [NonceSize]byte
	SentAt time.Time
}

// SealHello returns the proof a client appends to its username. The send
// time is sealed with ChaCha20-Poly1305 under the user's key, with the
// username as additional data, whatever method the session asks for.
func SealHello(username string, key [KeySize]byte, now time.Time) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrValidation, err)
	}

	proof := make([]byte, NonceSize, HelloProofSize)
	if _, err := io.ReadFull(rand.Reader, proof); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))

	return aead.Seal(proof, proof[:NonceSize], ts[:], []byte(username)), nil
}

// OpenHello checks a proof produced by SealHello for username.
func OpenHello(username string, key [KeySize]byte, proof []byte) (HelloProof, error) {
	var hp HelloProof

	if len(proof) != HelloProofSize {
		return hp, fmt.Errorf("%w: %d bytes, want %d", ErrHelloProof, len(proof), HelloProofSize)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return hp, fmt.Errorf("%w: create cipher: %v", ErrValidation, err)
	}

	ts, err := aead.Open(nil, proof[:NonceSize], proof[NonceSize:], []byte(username))
	if err != nil {
		return hp, fmt.Errorf("%w: %v", ErrHelloProof, err)
	}

	copy(hp.Nonce[:], proof[:NonceSize])
	hp.SentAt = time.Unix(0, int64(binary.BigEndian.Uint64(ts)))

	return hp, nil
}
