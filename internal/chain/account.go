package chain

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var prefixAccount = []byte("a/") // a/<pubkey(33)> -> Account JSON

// Account is a balance+nonce record in the account ledger. Created once by
// a Registration transaction and mutated only by block application;
// accounts are never deleted.
type Account struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// AccountStore persists the account ledger, keyed by the owner's public key.
type AccountStore struct {
	db storage.DB
}

// NewAccountStore creates an account store backed by the given database.
func NewAccountStore(db storage.DB) *AccountStore {
	return &AccountStore{db: db}
}

func accountKey(pub types.PublicKey) []byte {
	key := make([]byte, len(prefixAccount)+types.PublicKeySize)
	copy(key, prefixAccount)
	copy(key[len(prefixAccount):], pub[:])
	return key
}

// Get retrieves an account by public key.
func (s *AccountStore) Get(pub types.PublicKey) (*Account, error) {
	data, err := s.db.Get(accountKey(pub))
	if err != nil {
		return nil, fmt.Errorf("account get: %w", err)
	}
	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("account unmarshal: %w", err)
	}
	return &a, nil
}

// Has reports whether an account is registered for the given public key.
func (s *AccountStore) Has(pub types.PublicKey) (bool, error) {
	return s.db.Has(accountKey(pub))
}

// Put creates or updates an account record.
func (s *AccountStore) Put(pub types.PublicKey, a *Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("account marshal: %w", err)
	}
	return s.db.Put(accountKey(pub), data)
}

// ForEach iterates over every registered account.
func (s *AccountStore) ForEach(fn func(pub types.PublicKey, a *Account) error) error {
	return s.db.ForEach(prefixAccount, func(key, value []byte) error {
		if len(key) != len(prefixAccount)+types.PublicKeySize {
			return fmt.Errorf("corrupt account key: %d bytes", len(key))
		}
		var pub types.PublicKey
		copy(pub[:], key[len(prefixAccount):])
		var a Account
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("account unmarshal: %w", err)
		}
		return fn(pub, &a)
	})
}
