// Package chunkid encodes the composite chunk identifier: a 12-byte
// registry key followed by a 32-byte chunk hash.
package chunkid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// RegistryLen is the width of the registry part of a chunk id.
	RegistryLen = 12
	// HashLen is the width of the chunk hash part.
	HashLen = 32
	// Len is the total width of a chunk id.
	Len = RegistryLen + HashLen
)

// ErrInvalidLength is returned when decoding input of the wrong width.
var ErrInvalidLength = errors.New("chunkid: invalid length")

// RegistryPart is the fixed-width registry component of a chunk id.
type RegistryPart [RegistryLen]byte

// Hash is a 32-byte content hash.
type Hash [HashLen]byte

// ID is a 44-byte chunk identifier.
type ID [Len]byte

// Compose concatenates the registry part and the chunk hash.
func Compose(registry RegistryPart, hash Hash) ID {
	var id ID
	copy(id[:RegistryLen], registry[:])
	copy(id[RegistryLen:], hash[:])
	return id
}

// Decompose splits id at byte 12.
func Decompose(id ID) (RegistryPart, Hash) {
	var registry RegistryPart
	var hash Hash
	copy(registry[:], id[:RegistryLen])
	copy(hash[:], id[RegistryLen:])
	return registry, hash
}

// RegistryKey derives the registry part from a registry identifier.
// Identifiers of at most 12 bytes are right-padded with zeros; longer
// identifiers use the first 12 bytes of their SHA-256 digest. Padding makes
// "abc" and "abc\x00" share a key, so registry ids never contain NUL.
func RegistryKey(registryID string) RegistryPart {
	var part RegistryPart
	if len(registryID) <= RegistryLen {
		copy(part[:], registryID)
		return part
	}
	sum := sha256.Sum256([]byte(registryID))
	copy(part[:], sum[:RegistryLen])
	return part
}

// For returns the chunk id of hash within the named registry.
func For(registryID string, hash Hash) ID {
	return Compose(RegistryKey(registryID), hash)
}

// Parse decodes a raw 44-byte chunk id.
func Parse(b []byte) (ID, error) {
	var id ID
	if len(b) != Len {
		return id, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(b), Len)
	}
	copy(id[:], b)
	return id, nil
}

// ParseHex decodes the hex form of a chunk id.
func ParseHex(s string) (ID, error) {
	if len(s) != Len*2 {
		return ID{}, fmt.Errorf("%w: got %d hex chars, want %d", ErrInvalidLength, len(s), Len*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("chunkid: %w", err)
	}
	return Parse(b)
}

// String returns the lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseHash decodes a 64-character hex hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashLen*2 {
		return h, fmt.Errorf("%w: got %d hex chars, want %d", ErrInvalidLength, len(s), HashLen*2)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("chunkid: %w", err)
	}
	return h, nil
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
