// Package auth loads the relay's user database.
//
// The users file maps a username to a 32-byte pre-shared key:
//
//	userpass:
//	  alice: "3f1c...e9"              # 64 hex characters
//	  bob: [1, 2, 3, ..., 32]         # list of 32 integers
//	  carol: {passphrase: "${PASS}"}  # derived with HKDF-SHA256
//
// Usernames are compared in Unicode NFC form, so a name typed with combining
// characters matches its precomposed spelling. Each user also gets a stable
// client ID derived from the normalized username.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/metroo-relay/internal/config"
	"github.com/postalsys/metroo-relay/internal/crypto"
	"github.com/postalsys/metroo-relay/internal/protocol"
)

var (
	// ErrInvalidKey is returned when a user's key entry cannot be decoded
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidUser is returned for usernames that cannot be sent in a CLIENTHELLO
	ErrInvalidUser = errors.New("invalid username")

	// ErrNoUsers is returned when the users file defines nobody
	ErrNoUsers = errors.New("no users defined")
)

// clientNamespace seeds the name-based client IDs.
var clientNamespace = uuid.MustParse("6f1d3c52-8a4e-4b7d-9c1a-2e5f7a9b0c3d")

// ClientID returns the stable client ID for a username.
func ClientID(username string) uuid.UUID {
	return uuid.NewSHA1(clientNamespace, []byte(NormalizeName(username)))
}

// NormalizeName returns the NFC form of a username.
func NormalizeName(username string) string {
	return norm.NFC.String(username)
}

// User is one entry of the users file.
type User struct {
	Name     string
	ClientID uuid.UUID
	Key      [crypto.KeySize]byte
}

// Store is an immutable username to key lookup table.
type Store struct {
	users map[string]User
}

// New builds a store from username/key pairs.
func New(keys map[string][crypto.KeySize]byte) (*Store, error) {
	s := &Store{users: make(map[string]User, len(keys))}
	for raw, key := range keys {
		if err := validateName(raw); err != nil {
			return nil, err
		}
		name := NormalizeName(raw)
		if _, dup := s.users[name]; dup {
			return nil, fmt.Errorf("%w: %q is listed twice", ErrInvalidUser, name)
		}
		s.users[name] = User{Name: name, ClientID: ClientID(name), Key: key}
	}
	return s, nil
}

// Lookup returns the user with the given name.
func (s *Store) Lookup(username string) (User, bool) {
	u, ok := s.users[NormalizeName(username)]
	return u, ok
}

// Len returns the number of users.
func (s *Store) Len() int {
	return len(s.users)
}

// Names returns the usernames in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// file is the on-disk layout.
type file struct {
	UserPass map[string]yaml.Node `yaml:"userpass"`
}

// Load reads and parses a users file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	return Parse(data)
}

// Parse parses a users file from YAML bytes. ${VAR} references are expanded
// so passphrases can come from the environment.
func Parse(data []byte) (*Store, error) {
	var f file
	if err := yaml.Unmarshal([]byte(config.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	if len(f.UserPass) == 0 {
		return nil, ErrNoUsers
	}

	keys := make(map[string][crypto.KeySize]byte, len(f.UserPass))
	for name, node := range f.UserPass {
		key, err := decodeKey(NormalizeName(name), &node)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		keys[name] = key
	}

	return New(keys)
}

// decodeKey accepts a hex string, a list of 32 integers or a passphrase mapping.
func decodeKey(name string, node *yaml.Node) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte

	switch node.Kind {
	case yaml.ScalarNode:
		return ParseKey(node.Value)

	case yaml.SequenceNode:
		var ints []int
		if err := node.Decode(&ints); err != nil {
			return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if len(ints) != crypto.KeySize {
			return key, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, crypto.KeySize, len(ints))
		}
		for i, v := range ints {
			if v < 0 || v > 255 {
				return key, fmt.Errorf("%w: byte %d out of range: %d", ErrInvalidKey, i, v)
			}
			key[i] = byte(v)
		}

	case yaml.MappingNode:
		var entry struct {
			Passphrase string `yaml:"passphrase"`
		}
		if err := node.Decode(&entry); err != nil {
			return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		if entry.Passphrase == "" {
			return key, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
		}
		key = crypto.DeriveKey(name, entry.Passphrase)

	default:
		return key, fmt.Errorf("%w: unsupported entry (line %d)", ErrInvalidKey, node.Line)
	}

	return key, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUser)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidUser)
	}
	// The CLIENTHELLO carries the key proof after the name.
	if limit := protocol.MaxPayloadSize - crypto.HelloProofSize; len(name) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidUser, len(name), limit)
	}
	return nil
}

// ParseKey decodes the hex form of a key.
func ParseKey(s string) ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte

	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(crypto.KeySize) {
		return key, fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidKey, hex.EncodedLen(crypto.KeySize), len(s))
	}
	if _, err := hex.Decode(key[:], []byte(s)); err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// FormatKey returns the hex form used in users files.
func FormatKey(key [crypto.KeySize]byte) string {
	return hex.EncodeToString(key[:])
}

// Marshal renders username/key pairs as a users file.
func Marshal(keys map[string][crypto.KeySize]byte) ([]byte, error) {
	out := struct {
		UserPass map[string]string `yaml:"userpass"`
	}{UserPass: make(map[string]string, len(keys))}

	for name, key := range keys {
		if err := validateName(name); err != nil {
			return nil, err
		}
		out.UserPass[name] = FormatKey(key)
	}

	return yaml.Marshal(out)
}
