// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Transaction represents a blockchain transaction against the account ledger.
type Transaction struct {
	Version   uint32          `json:"version"`
	Sender    types.PublicKey `json:"sender"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Signature []byte          `json:"-"`
	Payload   Payload         `json:"-"`
}

// txJSON is the JSON representation of Transaction with hex-encoded
// signature and a discriminated-union payload.
type txJSON struct {
	Version   uint32          `json:"version"`
	Sender    types.PublicKey `json:"sender"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Signature *string         `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the transaction with a hex-encoded signature and a
// discriminated-union payload envelope.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tx payload: %w", err)
	}
	j := txJSON{
		Version: t.Version,
		Sender:  t.Sender,
		Nonce:   t.Nonce,
		Fee:     t.Fee,
		Payload: payload,
	}
	if len(t.Signature) > 0 {
		s := hex.EncodeToString(t.Signature)
		j.Signature = &s
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a transaction from its JSON representation.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	t.Version = j.Version
	t.Sender = j.Sender
	t.Nonce = j.Nonce
	t.Fee = j.Fee
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return fmt.Errorf("decode tx signature: %w", err)
		}
		t.Signature = b
	}
	payload, err := unmarshalPayload(j.Payload)
	if err != nil {
		return err
	}
	t.Payload = payload
	return nil
}

// Hash computes the transaction ID (BLAKE3 hash of the serialized signing
// data). This excludes the signature to avoid a circular dependency between
// signing and hashing.
func (t *Transaction) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for both
// hashing and signing.
//
// Format: version(4) | sender(33) | nonce(8) | fee(8) | payload_type(1) | payload...
func (t *Transaction) SigningBytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, t.Version)
	buf = append(buf, t.Sender[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, t.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, t.Fee)
	buf = append(buf, byte(t.Payload.Type()))
	buf = append(buf, t.Payload.signingBytes()...)
	return buf
}

// IsRegistration reports whether the payload is a RegistrationPayload.
func (t *Transaction) IsRegistration() bool {
	_, ok := t.Payload.(RegistrationPayload)
	return ok
}

// IsCoinbase reports whether the payload is a CoinbasePayload.
func (t *Transaction) IsCoinbase() bool {
	_, ok := t.Payload.(CoinbasePayload)
	return ok
}

// RequiresSignature reports whether this transaction variant must carry a
// valid signature. Registration and Coinbase transactions are exempt:
// Registration is gated by proof-of-work instead, and Coinbase is produced
// by the chain itself, never submitted by a user.
func (t *Transaction) RequiresSignature() bool {
	switch t.Payload.(type) {
	case RegistrationPayload, CoinbasePayload:
		return false
	default:
		return true
	}
}

// HasSignature reports whether a non-empty signature is present.
func (t *Transaction) HasSignature() bool {
	return len(t.Signature) > 0
}

// VerifySignature checks that the signature is valid for this transaction's
// hash under the sender's public key.
func (t *Transaction) VerifySignature() bool {
	hash := t.Hash()
	return crypto.VerifySignature(hash[:], t.Signature, t.Sender[:])
}

// Sign populates the Signature field using the given private key. The
// signer's public key must match t.Sender.
func (t *Transaction) Sign(signer crypto.Signer) error {
	hash := t.Hash()
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	t.Signature = sig
	return nil
}
