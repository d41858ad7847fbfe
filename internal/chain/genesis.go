package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// InitFromGenesis boots a fresh chain (no blocks applied yet) from the
// genesis configuration. If gen.Protocol.GenesisBlock is a non-empty
// hex-encoded CompleteBlock blob, it is decoded, its miner must equal the
// configured dev account, the dev account is registered, and the block is
// applied through the normal AddNewBlock path. An empty blob is a
// misconfiguration: every network must agree on a genesis block.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}
	if gen.Protocol.GenesisBlock == "" {
		return fmt.Errorf("genesis block is not configured")
	}

	genBlk, err := block.CompleteBlockFromHex(gen.Protocol.GenesisBlock)
	if err != nil {
		return fmt.Errorf("decode genesis block: %w", err)
	}

	devKey, err := types.ParsePublicKey(gen.Protocol.DevAddress)
	if err != nil {
		return fmt.Errorf("invalid dev_address: %w", err)
	}
	if genBlk.MinerTx.Sender != devKey {
		return fmt.Errorf("genesis miner %s does not match configured dev account %s", genBlk.MinerTx.Sender, devKey)
	}

	// The dev account must exist before the genesis coinbase can credit it.
	if err := c.accounts.Put(devKey, &Account{}); err != nil {
		return fmt.Errorf("register dev account: %w", err)
	}

	if err := c.AddNewBlock(genBlk); err != nil {
		return fmt.Errorf("apply genesis block: %w", err)
	}
	return nil
}
