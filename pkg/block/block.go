// Package block defines block types and validation.
package block

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Block is an unsealed or sealed block as it travels before its
// transactions are resolved: a header, the miner's Coinbase transaction,
// and the ordered hashes of the transactions it claims to include.
type Block struct {
	Header   *Header         `json:"header"`
	MinerTx  *tx.Transaction `json:"miner_tx"`
	TxHashes []types.Hash    `json:"tx_hashes"`
}

// Size returns the approximate wire size of the block: the header plus
// the miner transaction plus one hash per claimed transaction.
func (b *Block) Size() int {
	size := len(b.Header.SigningBytes()) + len(b.MinerTx.SigningBytes())
	size += len(b.TxHashes) * types.HashSize
	return size
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// CompleteBlock is a Block with every transaction in TxHashes resolved to
// its full body, in the same order. It is immutable once assembled.
type CompleteBlock struct {
	Header       *Header           `json:"header"`
	MinerTx      *tx.Transaction   `json:"miner_tx"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewCompleteBlock builds a CompleteBlock from a header, miner tx, and
// resolved transaction list.
func NewCompleteBlock(header *Header, minerTx *tx.Transaction, txs []*tx.Transaction) *CompleteBlock {
	return &CompleteBlock{Header: header, MinerTx: minerTx, Transactions: txs}
}

// Hash returns the block header hash.
func (b *CompleteBlock) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// TxHashes returns the hashes of the resolved transactions, in order.
func (b *CompleteBlock) TxHashes() []types.Hash {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	return hashes
}

// Block strips the resolved transaction bodies back down to an unresolved
// Block (header + miner tx + tx hashes), e.g. for rebroadcast.
func (b *CompleteBlock) Block() *Block {
	return &Block{
		Header:   b.Header,
		MinerTx:  b.MinerTx,
		TxHashes: b.TxHashes(),
	}
}

// ToHex serializes the complete block to its canonical hex encoding
// (JSON bytes, hex-encoded). This is the format used for the genesis
// block blob.
func (b *CompleteBlock) ToHex() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal complete block: %w", err)
	}
	return hex.EncodeToString(data), nil
}

// CompleteBlockFromHex decodes a complete block from its hex encoding.
func CompleteBlockFromHex(s string) (*CompleteBlock, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode complete block hex: %w", err)
	}
	var b CompleteBlock
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal complete block: %w", err)
	}
	return &b, nil
}
