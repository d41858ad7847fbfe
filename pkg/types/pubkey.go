package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// PublicKeySize is the length of a compressed secp256k1 public key.
const PublicKeySize = 33

// PublicKey identifies a transaction sender or recipient. It is the
// compressed secp256k1 public key from which an Address is derived via
// BLAKE3(pubkey)[:20].
type PublicKey [PublicKeySize]byte

// IsZero returns true if the public key is all zeros.
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// String returns the hex-encoded public key.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns a copy of the public key as a byte slice.
func (p PublicKey) Bytes() []byte {
	b := make([]byte, PublicKeySize)
	copy(b, p[:])
	return b
}

// MarshalJSON encodes the public key as a hex string.
func (p PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a hex string into a public key.
func (p *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*p = PublicKey{}
		return nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(decoded) != PublicKeySize {
		return fmt.Errorf("pubkey must be %d bytes, got %d", PublicKeySize, len(decoded))
	}
	copy(p[:], decoded)
	return nil
}

// PublicKeyFromBytes converts a raw byte slice to a PublicKey.
// Returns an error if the slice is not exactly PublicKeySize bytes.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("pubkey must be %d bytes, got %d", PublicKeySize, len(b))
	}
	var p PublicKey
	copy(p[:], b)
	return p, nil
}

// ParsePublicKey parses an address string into a PublicKey. Addresses in
// this chain are the hex encoding of the sender's own compressed
// secp256k1 public key, so every account is addressed by the same key
// that verifies its transaction signatures — there is no separate
// hash-of-key layer to invert.
func ParsePublicKey(s string) (PublicKey, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid address hex: %w", err)
	}
	return PublicKeyFromBytes(b)
}
