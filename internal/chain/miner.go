package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// TxSource selects candidate transactions for a new block, ordered by fee
// rate. Implemented by *mempool.Pool; kept as an interface here so miner.go
// does not need to import mempool at all, only chain.go's SetMempool does.
type TxSource interface {
	SelectForBlock(limit int) []*tx.Transaction
}

// MineBlock assembles and seals a new block on top of the current tip,
// paying the reward to miner. It blocks until a valid nonce is found or
// ctx is cancelled. Candidate transactions are drawn from src, highest
// fee rate first, and re-validated here since mempool admission and block
// assembly can race with other concurrent callers of AddNewBlock.
func (c *Chain) MineBlock(ctx context.Context, miner types.PublicKey, src TxSource, maxTxs int) (*block.CompleteBlock, error) {
	c.mu.Lock()

	registered, err := c.accounts.Has(miner)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if !registered {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMinerNotRegistered, miner)
	}

	height := c.state.Height + 1
	prevHash := c.state.TipHash
	tipTimestamp := c.state.TipTimestamp
	tipDifficulty := c.state.Difficulty

	now := uint64(time.Now().Unix())
	timestamp := now
	if !c.state.IsGenesis() && timestamp < tipTimestamp {
		timestamp = tipTimestamp
	}

	var candidates []*tx.Transaction
	if src != nil {
		for _, t := range src.SelectForBlock(maxTxs) {
			if _, err := c.verifyTransaction(t, t.Hash(), true); err != nil {
				continue
			}
			candidates = append(candidates, t)
		}
	}

	blockReward := computeBlockReward(c.genesis.Protocol.MaxSupply, c.state.Supply, c.genesis.Protocol.EmissionSpeedFactor)
	var feeReward uint64
	for _, t := range candidates {
		feeReward += t.Fee
	}

	difficulty := tipDifficulty
	if !c.state.IsGenesis() {
		difficulty = c.pow.NextDifficulty(height, tipDifficulty, tipTimestamp, timestamp)
	}
	c.mu.Unlock()

	minerTx := tx.NewBuilder(miner, 0, 0).Coinbase(blockReward, feeReward).Build()
	hashes := make([]types.Hash, 0, len(candidates)+1)
	hashes = append(hashes, minerTx.Hash())
	for _, t := range candidates {
		hashes = append(hashes, t.Hash())
	}
	merkleRoot := block.ComputeMerkleRoot(hashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   prevHash,
		MerkleRoot: merkleRoot,
		Timestamp:  timestamp,
		Height:     height,
		Difficulty: difficulty,
	}

	if err := c.pow.SealWithCancel(ctx, &block.Block{Header: header, MinerTx: minerTx, TxHashes: hashes[1:]}); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	return block.NewCompleteBlock(header, minerTx, candidates), nil
}
