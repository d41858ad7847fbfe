package tx

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func signedNormal(t *testing.T, nonce, fee uint64, outputs ...Transfer) *Transaction {
	t.Helper()
	key, sender := senderKey(t)
	b := NewBuilder(sender, nonce, fee).Normal(outputs...)
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return b.Build()
}

func TestValidate_Valid(t *testing.T) {
	transaction := signedNormal(t, 1, 10, Transfer{To: types.PublicKey{0x02}, Amount: 1000})
	if err := transaction.Validate(); err != nil {
		t.Errorf("valid tx should pass: %v", err)
	}
}

func TestValidate_NoOutputs(t *testing.T) {
	transaction := signedNormal(t, 1, 10)
	if err := transaction.Validate(); !errors.Is(err, ErrNoOutputs) {
		t.Errorf("expected ErrNoOutputs, got: %v", err)
	}
}

func TestValidate_ZeroAmount(t *testing.T) {
	transaction := signedNormal(t, 1, 10, Transfer{To: types.PublicKey{0x02}, Amount: 0})
	if err := transaction.Validate(); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got: %v", err)
	}
}

func TestValidate_SelfTransfer(t *testing.T) {
	key, sender := senderKey(t)
	b := NewBuilder(sender, 1, 10).Normal(Transfer{To: sender, Amount: 5})
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := b.Build().Validate(); !errors.Is(err, ErrSelfTransfer) {
		t.Errorf("expected ErrSelfTransfer, got: %v", err)
	}
}

func TestValidate_MissingSignature(t *testing.T) {
	_, sender := senderKey(t)
	transaction := NewBuilder(sender, 1, 10).
		Normal(Transfer{To: types.PublicKey{0x02}, Amount: 1}).
		Build()
	if err := transaction.Validate(); !errors.Is(err, ErrMissingSig) {
		t.Errorf("expected ErrMissingSig, got: %v", err)
	}
}

func TestValidate_InvalidSignature(t *testing.T) {
	transaction := signedNormal(t, 1, 10, Transfer{To: types.PublicKey{0x02}, Amount: 1})
	transaction.Signature[0] ^= 0xff
	if err := transaction.Validate(); !errors.Is(err, ErrInvalidSig) {
		t.Errorf("expected ErrInvalidSig, got: %v", err)
	}
}

func TestValidate_RegistrationMustBeFeeless(t *testing.T) {
	_, sender := senderKey(t)
	transaction := NewBuilder(sender, 0, 1).Registration().Build()
	if err := transaction.Validate(); !errors.Is(err, ErrNonZeroFee) {
		t.Errorf("expected ErrNonZeroFee, got: %v", err)
	}
}

func TestValidate_BurnZeroAmount(t *testing.T) {
	key, sender := senderKey(t)
	b := NewBuilder(sender, 1, 10).Burn(0)
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := b.Build().Validate(); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got: %v", err)
	}
}
