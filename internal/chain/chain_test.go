package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testKey(t *testing.T) (*crypto.PrivateKey, types.PublicKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := types.PublicKeyFromBytes(key.PublicKey())
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	return key, pub
}

func testGenesis(t *testing.T, devKey *crypto.PrivateKey, devPub types.PublicKey) *config.Genesis {
	t.Helper()
	gen := &config.Genesis{
		ChainID:   "klingnet-test",
		ChainName: "Klingnet Test",
		Timestamp: 1_700_000_000,
		Protocol: config.ProtocolConfig{
			MaxSupply:              1_000_000_000,
			EmissionSpeedFactor:    10,
			FeePerKB:               1,
			DevFeePercent:          5,
			DevAddress:             devPub.String(),
			InitialDifficulty:      1,
			MinimumDifficulty:      1,
			RegistrationDifficulty: 1,
			TargetBlockTime:        15,
			MaxFutureBlockTime:     30,
		},
	}

	pow, err := consensus.NewPoW(gen.Protocol.InitialDifficulty, gen.Protocol.MinimumDifficulty, int(gen.Protocol.TargetBlockTime))
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	blockReward := computeBlockReward(gen.Protocol.MaxSupply, 0, gen.Protocol.EmissionSpeedFactor)
	minerTx := tx.NewBuilder(devPub, 0, 0).Coinbase(blockReward, 0).Build()
	header := &block.Header{
		Version:    block.CurrentVersion,
		Timestamp:  gen.Timestamp,
		Height:     1,
		Difficulty: gen.Protocol.InitialDifficulty,
	}
	header.MerkleRoot = block.ComputeMerkleRoot([]types.Hash{minerTx.Hash()})

	blk := &block.Block{Header: header, MinerTx: minerTx, TxHashes: nil}
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("seal genesis: %v", err)
	}

	genBlk := block.NewCompleteBlock(header, minerTx, nil)
	hexBlk, err := genBlk.ToHex()
	if err != nil {
		t.Fatalf("genesis ToHex: %v", err)
	}
	gen.Protocol.GenesisBlock = hexBlk
	return gen
}

// testChain boots a fresh chain from a synthetic genesis and returns it
// along with the dev signing key and the PoW engine used to seal blocks.
func testChain(t *testing.T) (*Chain, *crypto.PrivateKey, *consensus.PoW) {
	t.Helper()
	devKey, devPub := testKey(t)
	gen := testGenesis(t, devKey, devPub)

	pow, err := consensus.NewPoW(gen.Protocol.InitialDifficulty, gen.Protocol.MinimumDifficulty, int(gen.Protocol.TargetBlockTime))
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	c, err := New(gen, storage.NewMemory(), pow)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}
	return c, devKey, pow
}

func sealAndComplete(t *testing.T, pow *consensus.PoW, header *block.Header, minerTx *tx.Transaction, txs []*tx.Transaction) *block.CompleteBlock {
	t.Helper()
	hashes := make([]types.Hash, len(txs))
	for i, tr := range txs {
		hashes[i] = tr.Hash()
	}
	blk := &block.Block{Header: header, MinerTx: minerTx, TxHashes: hashes}
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return block.NewCompleteBlock(header, minerTx, txs)
}

func TestInitFromGenesis_CreditsDevAccount(t *testing.T) {
	c, _, _ := testChain(t)

	if c.Height() != 1 {
		t.Fatalf("height = %d, want 1", c.Height())
	}
	devAcc, err := c.GetAccount(c.devKey)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if devAcc == nil || devAcc.Balance == 0 {
		t.Fatalf("dev account not credited: %+v", devAcc)
	}
	if c.Supply() != devAcc.Balance {
		t.Fatalf("supply = %d, want %d", c.Supply(), devAcc.Balance)
	}
}

func TestAddNewBlock_RegistrationAndTransfer(t *testing.T) {
	c, devKey, pow := testChain(t)
	_, bobPub := testKey(t)

	// Block 2: register bob.
	regTx := tx.NewBuilder(bobPub, 0, 0).Registration().Build()
	blockReward := computeBlockReward(c.genesis.Protocol.MaxSupply, c.Supply(), c.genesis.Protocol.EmissionSpeedFactor)
	devPub, _ := types.PublicKeyFromBytes(devKey.PublicKey())
	minerTx := tx.NewBuilder(devPub, 0, 0).Coinbase(blockReward, 0).Build()
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   c.TipHash(),
		Timestamp:  c.genesis.Timestamp + 20,
		Height:     2,
		Difficulty: c.Difficulty(),
	}
	header.MerkleRoot = block.ComputeMerkleRoot([]types.Hash{minerTx.Hash(), regTx.Hash()})
	blk2 := sealAndComplete(t, pow, header, minerTx, []*tx.Transaction{regTx})

	if err := c.AddNewBlock(blk2); err != nil {
		t.Fatalf("AddNewBlock(register): %v", err)
	}
	if ok, _ := c.accounts.Has(bobPub); !ok {
		t.Fatalf("bob not registered after block 2")
	}

	// Block 3: dev transfers to bob.
	devAcc, _ := c.GetAccount(devPub)
	xferTx := tx.NewBuilder(devPub, devAcc.Nonce, 1).Normal(tx.Transfer{To: bobPub, Amount: 500}).Build()
	if err := xferTx.Sign(devKey); err != nil {
		t.Fatalf("sign transfer: %v", err)
	}
	blockReward = computeBlockReward(c.genesis.Protocol.MaxSupply, c.Supply(), c.genesis.Protocol.EmissionSpeedFactor)
	minerTx3 := tx.NewBuilder(devPub, 0, 0).Coinbase(blockReward, xferTx.Fee).Build()
	header3 := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   c.TipHash(),
		Timestamp:  header.Timestamp + 20,
		Height:     3,
		Difficulty: c.Difficulty(),
	}
	header3.MerkleRoot = block.ComputeMerkleRoot([]types.Hash{minerTx3.Hash(), xferTx.Hash()})
	blk3 := sealAndComplete(t, pow, header3, minerTx3, []*tx.Transaction{xferTx})

	if err := c.AddNewBlock(blk3); err != nil {
		t.Fatalf("AddNewBlock(transfer): %v", err)
	}

	bobAcc, err := c.GetAccount(bobPub)
	if err != nil || bobAcc == nil {
		t.Fatalf("GetAccount(bob): %v", err)
	}
	if bobAcc.Balance != 500 {
		t.Fatalf("bob balance = %d, want 500", bobAcc.Balance)
	}
}

func TestAddNewBlock_RejectsBadPrevHash(t *testing.T) {
	c, devKey, pow := testChain(t)
	devPub, _ := types.PublicKeyFromBytes(devKey.PublicKey())

	blockReward := computeBlockReward(c.genesis.Protocol.MaxSupply, c.Supply(), c.genesis.Protocol.EmissionSpeedFactor)
	minerTx := tx.NewBuilder(devPub, 0, 0).Coinbase(blockReward, 0).Build()
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   types.Hash{0xFF},
		Timestamp:  c.genesis.Timestamp + 20,
		Height:     2,
		Difficulty: c.Difficulty(),
	}
	header.MerkleRoot = block.ComputeMerkleRoot([]types.Hash{minerTx.Hash()})
	blk := sealAndComplete(t, pow, header, minerTx, nil)

	if err := c.AddNewBlock(blk); !errors.Is(err, ErrBadPrevHash) {
		t.Fatalf("expected ErrBadPrevHash, got %v", err)
	}
}

func TestAddNewBlock_RejectsUnregisteredMiner(t *testing.T) {
	c, _, pow := testChain(t)
	_, strangerPub := testKey(t)

	blockReward := computeBlockReward(c.genesis.Protocol.MaxSupply, c.Supply(), c.genesis.Protocol.EmissionSpeedFactor)
	minerTx := tx.NewBuilder(strangerPub, 0, 0).Coinbase(blockReward, 0).Build()
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   c.TipHash(),
		Timestamp:  c.genesis.Timestamp + 20,
		Height:     2,
		Difficulty: c.Difficulty(),
	}
	header.MerkleRoot = block.ComputeMerkleRoot([]types.Hash{minerTx.Hash()})
	blk := sealAndComplete(t, pow, header, minerTx, nil)

	if err := c.AddNewBlock(blk); !errors.Is(err, ErrMinerNotRegistered) {
		t.Fatalf("expected ErrMinerNotRegistered, got %v", err)
	}
}

func TestVerifyTransactionWithHash_UnregisteredSender(t *testing.T) {
	c, _, _ := testChain(t)
	_, poorPub := testKey(t)

	// poorPub is not even registered yet; Normal requires registration.
	xferTx := tx.NewBuilder(poorPub, 0, 0).Normal(tx.Transfer{To: c.devKey, Amount: 1}).Build()
	_, err := c.VerifyTransactionWithHash(xferTx, xferTx.Hash())
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestMineBlock_ProducesApplicableBlock(t *testing.T) {
	c, devKey, _ := testChain(t)
	devPub, _ := types.PublicKeyFromBytes(devKey.PublicKey())

	blk, err := c.MineBlock(context.Background(), devPub, nil, 0)
	if err != nil {
		t.Fatalf("MineBlock: %v", err)
	}
	if err := c.AddNewBlock(blk); err != nil {
		t.Fatalf("AddNewBlock(mined): %v", err)
	}
	if c.Height() != 2 {
		t.Fatalf("height = %d, want 2", c.Height())
	}
}
