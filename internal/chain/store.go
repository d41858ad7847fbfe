package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> CompleteBlock JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx     = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)

	keyTipHash = []byte("s/tip")
	keyHeight  = []byte("s/height")
	keySupply  = []byte("s/supply")
	keyDiff    = []byte("s/difficulty")
)

// BlockStore persists complete blocks and chain metadata to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// PutBlock stores a complete block and indexes it by hash, height, and the
// hash of every transaction it carries (miner tx included).
func (bs *BlockStore) PutBlock(blk *block.CompleteBlock) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := bs.db.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}

	if err := bs.indexTx(blk.MinerTx.Hash(), blk.Header.Height, hash); err != nil {
		return err
	}
	for _, t := range blk.Transactions {
		if err := bs.indexTx(t.Hash(), blk.Header.Height, hash); err != nil {
			return err
		}
	}

	return nil
}

func (bs *BlockStore) indexTx(txHash types.Hash, height uint64, blockHash types.Hash) error {
	val := make([]byte, 8+types.HashSize)
	binary.BigEndian.PutUint64(val[:8], height)
	copy(val[8:], blockHash[:])
	if err := bs.db.Put(txKey(txHash), val); err != nil {
		return fmt.Errorf("tx index put %s: %w", txHash, err)
	}
	return nil
}

// GetBlock retrieves a complete block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.CompleteBlock, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.CompleteBlock
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a complete block by its height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.CompleteBlock, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// SetTip stores the current chain tip hash, height, difficulty, and supply.
func (bs *BlockStore) SetTip(hash types.Hash, height, difficulty, supply uint64) error {
	if err := bs.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	if err := bs.db.Put(keyHeight, buf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	binary.BigEndian.PutUint64(buf[:], difficulty)
	if err := bs.db.Put(keyDiff, buf[:]); err != nil {
		return fmt.Errorf("set difficulty: %w", err)
	}
	binary.BigEndian.PutUint64(buf[:], supply)
	if err := bs.db.Put(keySupply, buf[:]); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	return nil
}

// GetTip returns the current chain tip hash, height, difficulty, and
// supply. Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (hash types.Hash, height, difficulty, supply uint64, err error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, 0, 0, nil // No tip yet.
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, 0, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}
	copy(hash[:], hashBytes)

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, 0, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, 0, 0, 0, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}
	height = binary.BigEndian.Uint64(heightBytes)

	if diffBytes, derr := bs.db.Get(keyDiff); derr == nil && len(diffBytes) == 8 {
		difficulty = binary.BigEndian.Uint64(diffBytes)
	}
	if supplyBytes, serr := bs.db.Get(keySupply); serr == nil && len(supplyBytes) == 8 {
		supply = binary.BigEndian.Uint64(supplyBytes)
	}

	return hash, height, difficulty, supply, nil
}

// GetTxLocation returns the block height and hash that contain the given
// transaction (miner tx or any applied transaction).
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}
