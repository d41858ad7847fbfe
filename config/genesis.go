package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize = 2_000_000 // 2 MB max block size (header + miner tx + all tx signing bytes)
	MaxBlockTxs  = 500       // Max non-coinbase transactions per block
)

// Genesis holds the genesis identity and protocol rules for a network.
// This is immutable after chain launch — changes require a hard fork.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	Protocol ProtocolConfig `json:"protocol"`
}

// ProtocolConfig holds the consensus-critical constants every node must
// agree on. All fields correspond to a named configuration constant in
// the original design.
type ProtocolConfig struct {
	// MaxSupply is the hard cap on circulating supply, in base units.
	MaxSupply uint64 `json:"max_supply"`

	// EmissionSpeedFactor controls the block reward curve:
	// block_reward(supply) = (MaxSupply - supply) >> EmissionSpeedFactor.
	EmissionSpeedFactor uint `json:"emission_speed_factor"`

	// FeePerKB is the minimum fee, in base units, required per started
	// kilobyte of a transaction's signing bytes.
	FeePerKB uint64 `json:"fee_per_kb"`

	// DevFeePercent is the percentage (0-100) of each block reward routed
	// to DevAddress; the remainder (plus tx fees) goes to the miner.
	DevFeePercent uint64 `json:"dev_fee_percent"`

	// DevAddress is the hex-encoded public key of the fixed development
	// fund account. Parsed once at genesis boot; invalid input is fatal.
	DevAddress string `json:"dev_address"`

	// InitialDifficulty seeds the PoW target before any retarget has run.
	InitialDifficulty uint64 `json:"initial_difficulty"`

	// MinimumDifficulty is the floor the retarget function never goes below.
	MinimumDifficulty uint64 `json:"minimum_difficulty"`

	// RegistrationDifficulty is the (easier) target a Registration
	// transaction's hash must satisfy, acting as an anti-spam price for
	// joining the account ledger.
	RegistrationDifficulty uint64 `json:"registration_difficulty"`

	// TargetBlockTime is the desired number of seconds between blocks,
	// used by the difficulty retarget function.
	TargetBlockTime uint64 `json:"target_block_time"`

	// MaxFutureBlockTime bounds how far into the future (relative to the
	// validator's wall clock) a block timestamp may be before it is
	// rejected as TimestampIsInFuture.
	MaxFutureBlockTime uint64 `json:"max_future_block_time"`

	// GenesisBlock is the hex-encoded CompleteBlock blob that
	// chain.InitFromGenesis decodes and applies at boot; InitFromGenesis
	// rejects an empty value.
	GenesisBlock string `json:"genesis_block,omitempty"`

	// PruneSafetyLimit is the minimum number of trailing blocks that must
	// never be pruned from local storage.
	PruneSafetyLimit uint64 `json:"prune_safety_limit"`

	// P2PExtendPeerlistDelay is the base delay, in seconds, multiplied by
	// a stored peer's fail_count to compute its next eligible connection
	// attempt.
	P2PExtendPeerlistDelay uint64 `json:"p2p_extend_peerlist_delay"`

	// PeerFailToConnectLimit is the fail_count modulus at which a
	// temporary ban is applied (when requested).
	PeerFailToConnectLimit uint8 `json:"peer_fail_to_connect_limit"`

	// PeerTempBanTimeOnConnect is the duration, in seconds, of a
	// temporary ban triggered by repeated connection failures.
	PeerTempBanTimeOnConnect uint64 `json:"peer_temp_ban_time_on_connect"`
}

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "KGX",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Genesis",
		Protocol: ProtocolConfig{
			MaxSupply:                18_400_000 * Coin,
			EmissionSpeedFactor:      20,
			FeePerKB:                 10_000,
			DevFeePercent:            5,
			DevAddress:               "02a8b5f3c1d6e94a7b2c8f0d1e3a5b7c9d0e2f4a6b8c0d1e2f3a4b5c6d7e8f9a01",
			InitialDifficulty:        10_000,
			MinimumDifficulty:        1,
			RegistrationDifficulty:   100,
			TargetBlockTime:          15,
			MaxFutureBlockTime:       30,
			PruneSafetyLimit:         1_000,
			P2PExtendPeerlistDelay:   60,
			PeerFailToConnectLimit:   3,
			PeerTempBanTimeOnConnect: 900,
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"
	g.Protocol.DevAddress = TestnetAddress
	g.Protocol.InitialDifficulty = 100
	g.Protocol.FeePerKB = 10
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is structurally sound.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.Protocol.TargetBlockTime == 0 {
		return fmt.Errorf("target_block_time must be positive")
	}
	if g.Protocol.InitialDifficulty < g.Protocol.MinimumDifficulty {
		return fmt.Errorf("initial_difficulty must be >= minimum_difficulty")
	}
	if g.Protocol.DevFeePercent > 100 {
		return fmt.Errorf("dev_fee_percent must be between 0 and 100")
	}
	if _, err := types.ParsePublicKey(g.Protocol.DevAddress); err != nil {
		return fmt.Errorf("invalid dev_address: %w", err)
	}
	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration. Used to
// identify the chain and detect genesis mismatches between peers.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetAddress is the hex-encoded compressed public key derived
	// from the well-known testnet mnemonic.
	TestnetAddress = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"
)
