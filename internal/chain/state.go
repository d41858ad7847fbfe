package chain

import "github.com/Klingon-tech/klingnet-chain/pkg/types"

// State holds the current chain tip state. It is read and written only
// while the chain's mutex is held; every mutation happens inside
// AddNewBlock.
type State struct {
	Height       uint64
	TipHash      types.Hash
	Difficulty   uint64 // Difficulty the tip block itself carries.
	Supply       uint64 // Total coins in circulation (sum of applied block rewards, minus burns).
	TipTimestamp uint64 // Timestamp of the current tip block.
}

// IsGenesis returns true if no blocks have been applied yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}
