package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/postalsys/metroo-relay/internal/protocol"
)

func testKey() [KeySize]byte {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestNewAuthenticator_Methods(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		method  protocol.EncryptMethod
		wantErr bool
	}{
		{"aes", protocol.MethodAES, false},
		{"chacha", protocol.MethodChaCha, false},
		{"unsafe", protocol.MethodUnsafe, true},
		{"unknown", protocol.EncryptMethod(9), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := NewAuthenticator(id, testKey(), tc.method)
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("NewAuthenticator(%s) error = %v, want ErrValidation", tc.method, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAuthenticator(%s) error = %v", tc.method, err)
			}
			if a.Method() != tc.method {
				t.Errorf("Method() = %s, want %s", a.Method(), tc.method)
			}
			if a.ClientID() != id {
				t.Error("ClientID mismatch")
			}
			if a.Overhead() != TagSize {
				t.Errorf("Overhead() = %d, want %d", a.Overhead(), TagSize)
			}
		})
	}
}

func TestNewAuthenticator_FreshNonce(t *testing.T) {
	a1, err := NewAuthenticator(uuid.New(), testKey(), protocol.MethodAES)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	a2, err := NewAuthenticator(uuid.New(), testKey(), protocol.MethodAES)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	var zero [NonceSize]byte
	if a1.Nonce() == zero {
		t.Error("nonce is zero")
	}
	if a1.Nonce() == a2.Nonce() {
		t.Error("two authenticators share a nonce")
	}
}

func TestNewAuthenticatorFromSlice_KeyLength(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		keyLen  int
		method  protocol.EncryptMethod
		wantErr bool
	}{
		{"chacha full key", 32, protocol.MethodChaCha, false},
		{"chacha short key", 31, protocol.MethodChaCha, true},
		{"chacha 16 bytes", 16, protocol.MethodChaCha, true},
		{"chacha long key", 33, protocol.MethodChaCha, true},
		{"aes 16 bytes", 16, protocol.MethodAES, false},
		{"aes 32 bytes", 32, protocol.MethodAES, false},
		{"aes short key", 15, protocol.MethodAES, true},
		{"unsafe", 32, protocol.MethodUnsafe, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAuthenticatorFromSlice(id, make([]byte, tc.keyLen), tc.method)
			if tc.wantErr && !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error = %v", err)
			}
		})
	}
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	plaintexts := [][]byte{
		{},
		[]byte("ping"),
		bytes.Repeat([]byte{0x5A}, protocol.MaxPayloadSize-TagSize),
		bytes.Repeat([]byte("relay"), 1000),
	}

	for _, method := range []protocol.EncryptMethod{protocol.MethodAES, protocol.MethodChaCha} {
		a, err := NewAuthenticator(uuid.New(), testKey(), method)
		if err != nil {
			t.Fatalf("NewAuthenticator(%s) error = %v", method, err)
		}

		for _, p := range plaintexts {
			ct, err := a.Encrypt(p)
			if err != nil {
				t.Fatalf("%s Encrypt() error = %v", method, err)
			}
			if len(ct) != len(p)+TagSize {
				t.Errorf("%s ciphertext len = %d, want %d", method, len(ct), len(p)+TagSize)
			}

			got, err := a.Decrypt(ct)
			if err != nil {
				t.Fatalf("%s Decrypt() error = %v", method, err)
			}
			if !bytes.Equal(got, p) {
				t.Errorf("%s round trip mismatch", method)
			}
		}
	}
}

func TestAuthenticator_AESUsesLowHalfOfKey(t *testing.T) {
	key1 := testKey()
	key2 := testKey()
	for i := AESKeySize; i < KeySize; i++ {
		key2[i] = 0xFF
	}

	a1, _ := NewAuthenticator(uuid.New(), key1, protocol.MethodAES)
	a2, _ := NewAuthenticator(uuid.New(), key2, protocol.MethodAES)

	// Same nonce, keys differ only in the upper half.
	a2.nonce = a1.nonce

	ct, err := a1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	got, err := a2.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt() with differing upper key half error = %v", err)
	}
	if string(got) != "secret" {
		t.Errorf("Decrypt() = %q, want %q", got, "secret")
	}
}

func TestAuthenticator_TamperDetected(t *testing.T) {
	for _, method := range []protocol.EncryptMethod{protocol.MethodAES, protocol.MethodChaCha} {
		a, _ := NewAuthenticator(uuid.New(), testKey(), method)

		ct, _ := a.Encrypt([]byte("integrity matters"))

		tampered := append([]byte(nil), ct...)
		tampered[0] ^= 0x01
		if _, err := a.Decrypt(tampered); !errors.Is(err, ErrCrypto) {
			t.Errorf("%s Decrypt(tampered) error = %v, want ErrCrypto", method, err)
		}

		if _, err := a.Decrypt(ct[:len(ct)-1]); !errors.Is(err, ErrCrypto) {
			t.Errorf("%s Decrypt(truncated) error = %v, want ErrCrypto", method, err)
		}

		if _, err := a.Decrypt(ct[:TagSize-1]); !errors.Is(err, ErrCrypto) {
			t.Errorf("%s Decrypt(short) error = %v, want ErrCrypto", method, err)
		}
	}
}

func TestAuthenticator_WrongKey(t *testing.T) {
	a1, _ := NewAuthenticator(uuid.New(), testKey(), protocol.MethodChaCha)

	other := testKey()
	other[31] ^= 0xFF
	a2, _ := NewAuthenticator(uuid.New(), other, protocol.MethodChaCha)
	a2.nonce = a1.nonce

	ct, _ := a1.Encrypt([]byte("hello"))
	if _, err := a2.Decrypt(ct); !errors.Is(err, ErrCrypto) {
		t.Errorf("Decrypt() with wrong key error = %v, want ErrCrypto", err)
	}
}

func TestNewAuthenticatorWithNonce(t *testing.T) {
	id := uuid.New()

	for _, method := range []protocol.EncryptMethod{protocol.MethodAES, protocol.MethodChaCha} {
		relay, err := NewAuthenticator(id, testKey(), method)
		if err != nil {
			t.Fatalf("NewAuthenticator(%s) error = %v", method, err)
		}
		nonce := relay.Nonce()
		client, err := NewAuthenticatorWithNonce(id, testKey(), method, nonce[:])
		if err != nil {
			t.Fatalf("NewAuthenticatorWithNonce(%s) error = %v", method, err)
		}

		ct, _ := client.Encrypt([]byte("hello relay"))
		pt, err := relay.Decrypt(ct)
		if err != nil {
			t.Fatalf("%s: relay Decrypt() error = %v", method, err)
		}
		if string(pt) != "hello relay" {
			t.Errorf("%s: Decrypt() = %q", method, pt)
		}
	}

	if _, err := NewAuthenticatorWithNonce(id, testKey(), protocol.MethodAES, make([]byte, 8)); !errors.Is(err, ErrValidation) {
		t.Errorf("short nonce error = %v, want ErrValidation", err)
	}
	if _, err := NewAuthenticatorWithNonce(id, testKey(), protocol.MethodUnsafe, make([]byte, NonceSize)); !errors.Is(err, ErrValidation) {
		t.Errorf("unsafe error = %v, want ErrValidation", err)
	}
}

func TestDeriveKey(t *testing.T) {
	k1 := DeriveKey("alice", "correct horse")
	k2 := DeriveKey("alice", "correct horse")
	k3 := DeriveKey("bob", "correct horse")

	if k1 != k2 {
		t.Error("DeriveKey is not deterministic")
	}
	if k1 == k3 {
		t.Error("different users derived the same key")
	}

	var zero [KeySize]byte
	if k1 == zero {
		t.Error("derived key is zero")
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	k2, _ := GenerateKey()
	if k1 == k2 {
		t.Error("two generated keys are identical")
	}
}

func TestZeroKey(t *testing.T) {
	key := testKey()
	ZeroKey(&key)

	var zero [KeySize]byte
	if key != zero {
		t.Error("ZeroKey did not clear the key")
	}

	b := []byte{1, 2, 3}
	ZeroBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Error("ZeroBytes did not clear the slice")
	}
}
