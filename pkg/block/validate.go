package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Validation errors. These check block-local structure only; consensus
// rules (difficulty, parent linkage) and account-state rules (balances,
// nonces, registration) live in internal/chain.
var (
	ErrNilHeader     = errors.New("block has nil header")
	ErrNilMinerTx    = errors.New("block has no miner transaction")
	ErrBadVersion    = errors.New("unsupported block version")
	ErrZeroTimestamp = errors.New("block timestamp is zero")
	ErrNotCoinbase   = errors.New("miner transaction must be a coinbase")
	ErrTooManyTxs    = errors.New("too many transactions in block")
	ErrBlockTooLarge = errors.New("block too large")
	ErrBadMerkleRoot = errors.New("merkle root mismatch")
	ErrHashCountMismatch = errors.New("tx_hashes length does not match transactions length")
	ErrHashMismatch      = errors.New("transaction hash does not match its tx_hashes entry")
)

// Block version constants.
const (
	CurrentVersion = 1
	MaxVersion     = 1
)

// Validate checks a Block's structure: header presence/version, a
// Coinbase-shaped miner tx, and size/count bounds.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}
	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if b.MinerTx == nil {
		return ErrNilMinerTx
	}
	if !b.MinerTx.IsCoinbase() {
		return ErrNotCoinbase
	}
	if len(b.TxHashes) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.TxHashes), config.MaxBlockTxs)
	}
	if b.Size() > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, b.Size(), config.MaxBlockSize)
	}
	return nil
}

// Validate checks a CompleteBlock's structure: the header checks of
// Block.Validate, the transaction count and size limits, each
// transaction's own Validate, and that the merkle root (miner tx + txs)
// matches the header. A CompleteBlock carries no separate tx_hashes list,
// so no positional hash-list comparison is made; the transaction order is
// bound to the header only through the merkle root.
func (b *CompleteBlock) Validate() error {
	if err := b.Block().Validate(); err != nil {
		return err
	}
	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	size := len(b.Header.SigningBytes()) + len(b.MinerTx.SigningBytes())
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		size += len(t.SigningBytes())
	}
	if size > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, config.MaxBlockSize)
	}

	minerHash := b.MinerTx.Hash()
	leaves := make([]types.Hash, 0, len(b.Transactions)+1)
	leaves = append(leaves, minerHash)
	for _, t := range b.Transactions {
		leaves = append(leaves, t.Hash())
	}
	expectedRoot := ComputeMerkleRoot(leaves)
	if b.Header.MerkleRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, expectedRoot)
	}

	return nil
}
