// Package connid derives server connection IDs from client-chosen ones.
//
// The table key for an admitted session is a keyed pseudorandom function of
// the destination connection ID the client picked for its first Initial. The
// key never leaves the process, so clients cannot steer which table slot
// they land in, and the server can recompute a session's ID from the
// client's original DCID without storing it.
package connid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Len is the length of every derived connection ID. It is the largest
// connection ID QUIC v1 permits.
const Len = 20

// KeySize is the size of a freshly generated derivation key.
const KeySize = 32

var (
	// ErrKeySize is returned for an empty key or one longer than BLAKE2b accepts.
	ErrKeySize = errors.New("connid: key must be 1 to 64 bytes")
)

// Deriver computes stable connection IDs under one secret key.
type Deriver struct {
	key []byte
}

// NewDeriver returns a Deriver keyed with key.
func NewDeriver(key []byte) (*Deriver, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, ErrKeySize
	}

	return &Deriver{key: append([]byte(nil), key...)}, nil
}

// NewRandomDeriver returns a Deriver with a random per-process key.
func NewRandomDeriver() (*Deriver, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate connection ID key: %w", err)
	}

	return NewDeriver(key)
}

// LoadKeyFile reads a hex encoded key. Surrounding whitespace is ignored.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection ID key: %w", err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode connection ID key: %w", err)
	}

	return key, nil
}

// Derive returns the Len-byte connection ID for the client-chosen id.
func (d *Deriver) Derive(id []byte) []byte {
	// blake2b.New only fails for invalid size or key, both checked in NewDeriver
	h, err := blake2b.New(Len, d.key)
	if err != nil {
		panic(err)
	}
	h.Write(id)

	return h.Sum(nil)
}
