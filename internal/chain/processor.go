package chain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Block and transaction application errors.
var (
	ErrBadHeight          = errors.New("block height does not extend the current tip")
	ErrBadDifficulty      = errors.New("block difficulty does not match expected difficulty")
	ErrTimestampFuture    = errors.New("block timestamp is too far in the future")
	ErrBadPrevHash        = errors.New("block does not reference the current tip")
	ErrTimestampRegressed = errors.New("block timestamp does not advance past its parent")
	ErrDupRegistration    = errors.New("block contains more than one registration for the same sender")
	ErrCoinbaseInTxList   = errors.New("coinbase transaction is not allowed outside the miner slot")
	ErrMinerNotRegistered = errors.New("miner account is not registered")
	ErrMinerNotCoinbase   = errors.New("miner transaction is not a coinbase payload")
	ErrBadBlockReward     = errors.New("miner transaction claims the wrong block reward")
	ErrBadFeeReward       = errors.New("miner transaction claims the wrong fee reward")

	ErrAlreadyRegistered   = errors.New("account is already registered")
	ErrNotRegistered       = errors.New("account is not registered")
	ErrRegistrationPoW     = errors.New("registration hash does not satisfy the registration difficulty")
	ErrCoinbaseSubmitted   = errors.New("coinbase transactions cannot be submitted directly")
	ErrInsufficientBalance = errors.New("account balance is insufficient")
	ErrNonceMismatch       = errors.New("transaction nonce does not match the account's next nonce")
	ErrRecipientNotFound   = errors.New("transfer recipient is not registered")
)

// AddNewBlock verifies and applies a new block to the chain tip. It runs
// four steps: header checks, transaction-set checks, miner-tx checks, and
// commit. On success the mempool (if wired) drops the now-confirmed
// transactions; one arriving only inside a block, never having passed
// through the local mempool, is not an error.
func (c *Chain) AddNewBlock(blk *block.CompleteBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}
	if err := c.checkHeader(blk.Header); err != nil {
		return err
	}
	if err := c.checkTransactionSet(blk.Transactions); err != nil {
		return err
	}
	blockReward, feeReward, err := c.checkMinerTx(blk)
	if err != nil {
		return err
	}

	return c.commit(blk, blockReward, feeReward)
}

func (c *Chain) checkHeader(h *block.Header) error {
	wantHeight := c.state.Height + 1
	if h.Height != wantHeight {
		return fmt.Errorf("%w: got %d, want %d", ErrBadHeight, h.Height, wantHeight)
	}

	now := uint64(time.Now().Unix())
	if h.Timestamp > now+c.genesis.Protocol.MaxFutureBlockTime {
		return fmt.Errorf("%w: timestamp %d, now %d", ErrTimestampFuture, h.Timestamp, now)
	}

	if !c.state.IsGenesis() {
		if h.PrevHash != c.state.TipHash {
			return fmt.Errorf("%w: got %s, want %s", ErrBadPrevHash, h.PrevHash, c.state.TipHash)
		}
		if h.Timestamp < c.state.TipTimestamp {
			return fmt.Errorf("%w: %d < parent %d", ErrTimestampRegressed, h.Timestamp, c.state.TipTimestamp)
		}
		expected := c.pow.NextDifficulty(h.Height, c.state.Difficulty, c.state.TipTimestamp, h.Timestamp)
		if h.Difficulty != expected {
			return fmt.Errorf("%w: got %d, want %d", ErrBadDifficulty, h.Difficulty, expected)
		}
	}

	return c.pow.VerifyHeader(h)
}

func (c *Chain) checkTransactionSet(txs []*tx.Transaction) error {
	registeredThisBlock := make(map[types.PublicKey]bool)

	for i, t := range txs {
		if t.IsCoinbase() {
			return fmt.Errorf("tx %d: %w", i, ErrCoinbaseInTxList)
		}
		if t.IsRegistration() {
			if registeredThisBlock[t.Sender] {
				return fmt.Errorf("tx %d: %w", i, ErrDupRegistration)
			}
			registeredThisBlock[t.Sender] = true
		}

		hash := t.Hash()
		if _, err := c.verifyTransaction(t, hash, false); err != nil {
			return fmt.Errorf("tx %d (%s): %w", i, hash, err)
		}
	}
	return nil
}

// checkMinerTx validates the miner's coinbase transaction and returns the
// block reward and fee reward it is entitled to claim.
func (c *Chain) checkMinerTx(blk *block.CompleteBlock) (blockReward, feeReward uint64, err error) {
	miner := blk.MinerTx
	cb, ok := miner.Payload.(tx.CoinbasePayload)
	if !ok {
		return 0, 0, ErrMinerNotCoinbase
	}

	registered, err := c.accounts.Has(miner.Sender)
	if err != nil {
		return 0, 0, err
	}
	if !registered {
		return 0, 0, fmt.Errorf("%w: %s", ErrMinerNotRegistered, miner.Sender)
	}

	blockReward = computeBlockReward(c.genesis.Protocol.MaxSupply, c.state.Supply, c.genesis.Protocol.EmissionSpeedFactor)
	if cb.BlockReward != blockReward {
		return 0, 0, fmt.Errorf("%w: got %d, want %d", ErrBadBlockReward, cb.BlockReward, blockReward)
	}

	var totalFees uint64
	for _, t := range blk.Transactions {
		totalFees += t.Fee
	}
	if cb.FeeReward != totalFees {
		return 0, 0, fmt.Errorf("%w: got %d, want %d", ErrBadFeeReward, cb.FeeReward, totalFees)
	}

	return blockReward, totalFees, nil
}

// computeBlockReward implements block_reward(supply) = (max_supply -
// supply) >> emission_speed_factor. Once supply reaches max_supply the
// reward is zero and emission has finished.
func computeBlockReward(maxSupply, supply uint64, emissionSpeedFactor uint) uint64 {
	if supply >= maxSupply {
		return 0
	}
	return (maxSupply - supply) >> emissionSpeedFactor
}

// commit executes every transaction in order, applies the miner coinbase,
// advances the chain tip, and persists the new block. Called only after
// every check has passed, so failure here means a storage error, not a
// validation one.
func (c *Chain) commit(blk *block.CompleteBlock, blockReward, feeReward uint64) error {
	for i, t := range blk.Transactions {
		if err := c.executeTransaction(t); err != nil {
			return fmt.Errorf("commit tx %d: %w", i, err)
		}
	}

	devCut := blockReward * c.genesis.Protocol.DevFeePercent / 100
	minerCut := blockReward - devCut + feeReward

	if devCut > 0 {
		if err := c.credit(c.devKey, devCut); err != nil {
			return fmt.Errorf("credit dev fund: %w", err)
		}
	}
	if err := c.credit(blk.MinerTx.Sender, minerCut); err != nil {
		return fmt.Errorf("credit miner: %w", err)
	}

	c.state.Supply += blockReward

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("persist block: %w", err)
	}
	hash := blk.Hash()
	if err := c.blocks.SetTip(hash, blk.Header.Height, blk.Header.Difficulty, c.state.Supply); err != nil {
		return fmt.Errorf("persist tip: %w", err)
	}

	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp
	c.state.Difficulty = blk.Header.Difficulty

	if c.mempoolPool != nil {
		c.mempoolPool.RemoveConfirmed(blk.Transactions)
	}

	return nil
}

func (c *Chain) credit(pub types.PublicKey, amount uint64) error {
	if amount == 0 {
		return nil
	}
	acc, err := c.accounts.Get(pub)
	if err != nil {
		return err
	}
	acc.Balance += amount
	return c.accounts.Put(pub, acc)
}

// VerifyTransactionWithHash implements mempool.Verifier: it runs every
// stateful check a transaction must pass before entering the mempool
// (nonce checking enabled) and returns the fee it pays.
func (c *Chain) VerifyTransactionWithHash(t *tx.Transaction, hash types.Hash) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifyTransaction(t, hash, true)
}

// verifyTransaction runs every stateful, per-variant check a transaction
// must pass, without mutating any account. When checkNonce is false, the
// account-nonce check is skipped: transactions already embedded in a
// block being replayed are ordered by block position, not by a live
// nonce read, since earlier transactions in the same block have not yet
// been executed against storage at set-check time.
func (c *Chain) verifyTransaction(t *tx.Transaction, hash types.Hash, checkNonce bool) (uint64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	switch p := t.Payload.(type) {
	case tx.RegistrationPayload:
		registered, err := c.accounts.Has(t.Sender)
		if err != nil {
			return 0, err
		}
		if registered {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Sender)
		}
		if !satisfiesDifficulty(hash, c.genesis.Protocol.RegistrationDifficulty) {
			return 0, ErrRegistrationPoW
		}
		return 0, nil

	case tx.CoinbasePayload:
		return 0, ErrCoinbaseSubmitted

	case tx.NormalPayload:
		acc, err := c.requireAccount(t.Sender)
		if err != nil {
			return 0, err
		}
		if checkNonce && acc.Nonce != t.Nonce {
			return 0, fmt.Errorf("%w: account at %d, tx has %d", ErrNonceMismatch, acc.Nonce, t.Nonce)
		}
		var total uint64
		for _, o := range p.Outputs {
			recipientOK, err := c.accounts.Has(o.To)
			if err != nil {
				return 0, err
			}
			if !recipientOK {
				return 0, fmt.Errorf("%w: %s", ErrRecipientNotFound, o.To)
			}
			total += o.Amount
		}
		if acc.Balance < total+t.Fee {
			return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, acc.Balance, total+t.Fee)
		}
		return t.Fee, nil

	case tx.BurnPayload:
		acc, err := c.requireAccount(t.Sender)
		if err != nil {
			return 0, err
		}
		if checkNonce && acc.Nonce != t.Nonce {
			return 0, fmt.Errorf("%w: account at %d, tx has %d", ErrNonceMismatch, acc.Nonce, t.Nonce)
		}
		if acc.Balance < p.Amount+t.Fee {
			return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, acc.Balance, p.Amount+t.Fee)
		}
		return t.Fee, nil

	default:
		return 0, fmt.Errorf("unhandled payload variant %T", p)
	}
}

// executeTransaction applies a transaction's effects to the account
// ledger. Must only be called after verifyTransaction has passed for the
// same transaction. commit calls both per transaction in block order, so
// a later transaction observes an earlier one's effects.
func (c *Chain) executeTransaction(t *tx.Transaction) error {
	switch p := t.Payload.(type) {
	case tx.RegistrationPayload:
		return c.accounts.Put(t.Sender, &Account{})

	case tx.NormalPayload:
		acc, err := c.accounts.Get(t.Sender)
		if err != nil {
			return err
		}
		var total uint64
		for _, o := range p.Outputs {
			total += o.Amount
		}
		acc.Balance -= total + t.Fee
		acc.Nonce++
		if err := c.accounts.Put(t.Sender, acc); err != nil {
			return err
		}
		for _, o := range p.Outputs {
			if err := c.credit(o.To, o.Amount); err != nil {
				return err
			}
		}
		return nil

	case tx.BurnPayload:
		acc, err := c.accounts.Get(t.Sender)
		if err != nil {
			return err
		}
		acc.Balance -= p.Amount + t.Fee
		acc.Nonce++
		if err := c.accounts.Put(t.Sender, acc); err != nil {
			return err
		}
		// Burned coins leave circulation permanently.
		if p.Amount > c.state.Supply {
			c.state.Supply = 0
		} else {
			c.state.Supply -= p.Amount
		}
		return nil

	default:
		return fmt.Errorf("unexpected payload variant %T in executeTransaction", p)
	}
}

func (c *Chain) requireAccount(pub types.PublicKey) (*Account, error) {
	ok, err := c.accounts.Has(pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, pub)
	}
	return c.accounts.Get(pub)
}

// satisfiesDifficulty reports whether hash, read as a big-endian integer,
// is at or below MaxUint256/difficulty — the same target check applied
// to PoW block headers, applied here to a registration transaction hash.
func satisfiesDifficulty(hash types.Hash, difficulty uint64) bool {
	if difficulty == 0 {
		return true
	}
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	target := new(big.Int).Div(maxUint256, new(big.Int).SetUint64(difficulty))
	h := new(big.Int).SetBytes(hash[:])
	return h.Cmp(target) <= 0
}
