// Package chain implements the account-ledger state machine: block
// application, transaction execution, and the chain tip.
package chain

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Chain is the account-model blockchain state machine. A single mutex
// guards every state-mutating entrypoint (InitFromGenesis, AddNewBlock,
// MineBlock) and the scalar accessors (Height, TipHash, Difficulty,
// Supply) as well; there is no lock-free read path. The chain has no
// mempool-insertion method of its own: admission goes through
// mempool.Pool.Add, which calls VerifyTransactionWithHash.
type Chain struct {
	mu sync.Mutex

	genesis  *config.Genesis
	accounts *AccountStore
	blocks   *BlockStore
	pow      *consensus.PoW

	devKey types.PublicKey

	state State

	mempoolPool *mempool.Pool
}

// New creates a chain backed by the given database and PoW engine and
// loads the tip state already persisted in db. On an empty database the
// chain is at height 0 with no tip until InitFromGenesis runs.
func New(gen *config.Genesis, db storage.DB, pow *consensus.PoW) (*Chain, error) {
	devKey, err := types.ParsePublicKey(gen.Protocol.DevAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid dev_address: %w", err)
	}

	c := &Chain{
		genesis:  gen,
		accounts: NewAccountStore(storage.NewPrefixDB(db, []byte("acct/"))),
		blocks:   NewBlockStore(storage.NewPrefixDB(db, []byte("blk/"))),
		pow:      pow,
		devKey:   devKey,
	}

	hash, height, difficulty, supply, err := c.blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	c.state.TipHash = hash
	c.state.Height = height
	c.state.Difficulty = difficulty
	c.state.Supply = supply
	if height > 0 {
		tip, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load tip block: %w", err)
		}
		c.state.TipTimestamp = tip.Header.Timestamp
	}
	if c.state.Difficulty == 0 {
		c.state.Difficulty = gen.Protocol.InitialDifficulty
	}

	return c, nil
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash returns the current tip block hash.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// Supply returns the total circulating supply.
func (c *Chain) Supply() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Supply
}

// Difficulty returns the difficulty carried by the current tip block
// (InitialDifficulty before any block has been applied).
func (c *Chain) Difficulty() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Difficulty
}

// Accounts exposes the account ledger for read access (RPC, wallet balance
// queries). Mutation happens through AddNewBlock and, for the dev
// account's registration, InitFromGenesis.
func (c *Chain) Accounts() *AccountStore {
	return c.accounts
}

// Blocks exposes the block store for read access.
func (c *Chain) Blocks() *BlockStore {
	return c.blocks
}

// SetMempool wires the local mempool so confirmed transactions are removed
// from it as blocks are applied. Optional: a node may run without one.
func (c *Chain) SetMempool(p *mempool.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mempoolPool = p
}

// GetAccount returns the account registered for pub, or nil if none.
func (c *Chain) GetAccount(pub types.PublicKey) (*Account, error) {
	ok, err := c.accounts.Has(pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return c.accounts.Get(pub)
}
