package tx

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder with the given sender,
// nonce, and fee.
func NewBuilder(sender types.PublicKey, nonce, fee uint64) *Builder {
	return &Builder{
		tx: &Transaction{
			Version: 1,
			Sender:  sender,
			Nonce:   nonce,
			Fee:     fee,
		},
	}
}

// Registration sets the payload to a RegistrationPayload.
func (b *Builder) Registration() *Builder {
	b.tx.Payload = RegistrationPayload{}
	return b
}

// Coinbase sets the payload to a CoinbasePayload.
func (b *Builder) Coinbase(blockReward, feeReward uint64) *Builder {
	b.tx.Payload = CoinbasePayload{BlockReward: blockReward, FeeReward: feeReward}
	return b
}

// Normal sets the payload to a NormalPayload with the given transfers.
func (b *Builder) Normal(outputs ...Transfer) *Builder {
	b.tx.Payload = NormalPayload{Outputs: outputs}
	return b
}

// Burn sets the payload to a BurnPayload.
func (b *Builder) Burn(amount uint64) *Builder {
	b.tx.Payload = BurnPayload{Amount: amount}
	return b
}

// Sign signs the built transaction with the given signer.
func (b *Builder) Sign(signer crypto.Signer) error {
	return b.tx.Sign(signer)
}

// Build returns the constructed transaction.
func (b *Builder) Build() *Transaction {
	return b.tx
}
