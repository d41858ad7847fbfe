package tx

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// PayloadType identifies which variant a Transaction payload carries.
type PayloadType uint8

const (
	PayloadRegistration PayloadType = iota
	PayloadCoinbase
	PayloadNormal
	PayloadBurn
)

func (t PayloadType) String() string {
	switch t {
	case PayloadRegistration:
		return "registration"
	case PayloadCoinbase:
		return "coinbase"
	case PayloadNormal:
		return "normal"
	case PayloadBurn:
		return "burn"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Payload is the variant data carried by a Transaction. Exactly one of
// RegistrationPayload, CoinbasePayload, NormalPayload, or BurnPayload
// implements it.
type Payload interface {
	Type() PayloadType
	signingBytes() []byte
}

// RegistrationPayload creates a new account for the sender's public key.
// It carries no data: admission is gated by the tx hash satisfying the
// registration proof-of-work target (see REGISTRATION_DIFFICULTY).
type RegistrationPayload struct{}

func (RegistrationPayload) Type() PayloadType { return PayloadRegistration }
func (RegistrationPayload) signingBytes() []byte {
	return nil
}

// CoinbasePayload is the miner's reward transaction. It is unsigned,
// feeless, and never admitted through the mempool.
type CoinbasePayload struct {
	BlockReward uint64 `json:"block_reward"`
	FeeReward   uint64 `json:"fee_reward"`
}

func (CoinbasePayload) Type() PayloadType { return PayloadCoinbase }
func (p CoinbasePayload) signingBytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, p.BlockReward)
	buf = binary.LittleEndian.AppendUint64(buf, p.FeeReward)
	return buf
}

// Transfer is a single (recipient, amount) pair within a NormalPayload.
type Transfer struct {
	To     types.PublicKey `json:"to"`
	Amount uint64          `json:"amount"`
}

// NormalPayload moves funds from the sender to one or more recipients.
type NormalPayload struct {
	Outputs []Transfer `json:"outputs"`
}

func (NormalPayload) Type() PayloadType { return PayloadNormal }
func (p NormalPayload) signingBytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Outputs)))
	for _, o := range p.Outputs {
		buf = append(buf, o.To[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, o.Amount)
	}
	return buf
}

// BurnPayload permanently removes funds from circulation.
type BurnPayload struct {
	Amount uint64 `json:"amount"`
}

func (BurnPayload) Type() PayloadType { return PayloadBurn }
func (p BurnPayload) signingBytes() []byte {
	return binary.LittleEndian.AppendUint64(nil, p.Amount)
}

// payloadJSON is the discriminated-union JSON envelope for Payload.
type payloadJSON struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func marshalPayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	env := payloadJSON{Type: p.Type().String(), Data: data}
	return json.Marshal(env)
}

func unmarshalPayload(raw json.RawMessage) (Payload, error) {
	var env payloadJSON
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}
	switch env.Type {
	case PayloadRegistration.String():
		return RegistrationPayload{}, nil
	case PayloadCoinbase.String():
		var p CoinbasePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal coinbase payload: %w", err)
		}
		return p, nil
	case PayloadNormal.String():
		var p NormalPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal normal payload: %w", err)
		}
		return p, nil
	case PayloadBurn.String():
		var p BurnPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal burn payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}
}
