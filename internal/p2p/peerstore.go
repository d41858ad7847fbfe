package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
)

const peerPolicyKeyPrefix = "peerpolicy/"

// PeerState is the durable policy classification of a stored peer address.
type PeerState uint8

const (
	Whitelist PeerState = 0
	Graylist  PeerState = 1
	Blacklist PeerState = 2
)

func (s PeerState) String() string {
	switch s {
	case Whitelist:
		return "whitelist"
	case Graylist:
		return "graylist"
	case Blacklist:
		return "blacklist"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// storedPeerSizeMin is the encoded length of a StoredPeer with no TempBanUntil.
const storedPeerSizeMin = 8 + 8 + 8 + 1 + 2 + 1 + 1 // +1 Option tag, +1 state

// StoredPeer is the durable, per-IP record backing the peer policy store.
// Its wire layout is bit-exact little-endian:
//
//	first_seen u64 | last_seen u64 | last_connection_try u64 | fail_count u8 |
//	local_port u16 | temp_ban_until Option<u64> | state u8
//
// Option<u64> is 0x00 for none, or 0x01 followed by the 8-byte payload.
type StoredPeer struct {
	FirstSeen         uint64
	LastSeen          uint64
	LastConnectionTry uint64
	FailCount         uint8
	LocalPort         uint16
	TempBanUntil      *uint64
	State             PeerState
}

// ErrInvalidPeerState is returned when decoding encounters a state byte
// outside {0,1,2}.
var ErrInvalidPeerState = fmt.Errorf("invalid stored peer state byte")

// ErrTruncatedStoredPeer is returned when a buffer is too short to decode.
var ErrTruncatedStoredPeer = fmt.Errorf("truncated stored peer record")

// ErrInvalidOptionTag is returned when the Option<u64> discriminant is
// neither 0x00 nor 0x01.
var ErrInvalidOptionTag = fmt.Errorf("invalid option tag in stored peer record")

// Encode serializes p to its bit-exact little-endian wire form.
func (p *StoredPeer) Encode() []byte {
	size := storedPeerSizeMin
	if p.TempBanUntil != nil {
		size += 8
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], p.FirstSeen)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], p.LastSeen)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], p.LastConnectionTry)
	off += 8
	buf[off] = p.FailCount
	off++
	binary.LittleEndian.PutUint16(buf[off:], p.LocalPort)
	off += 2
	if p.TempBanUntil == nil {
		buf[off] = 0x00
		off++
	} else {
		buf[off] = 0x01
		off++
		binary.LittleEndian.PutUint64(buf[off:], *p.TempBanUntil)
		off += 8
	}
	buf[off] = uint8(p.State)
	return buf
}

// DecodeStoredPeer parses the bit-exact little-endian wire form produced by
// StoredPeer.Encode.
func DecodeStoredPeer(buf []byte) (*StoredPeer, error) {
	if len(buf) < 8+8+8+1+2+1 {
		return nil, ErrTruncatedStoredPeer
	}
	p := &StoredPeer{}
	off := 0
	p.FirstSeen = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	p.LastSeen = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	p.LastConnectionTry = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	p.FailCount = buf[off]
	off++
	p.LocalPort = binary.LittleEndian.Uint16(buf[off:])
	off += 2

	tag := buf[off]
	off++
	switch tag {
	case 0x00:
		// no temp ban
	case 0x01:
		if len(buf) < off+8+1 {
			return nil, ErrTruncatedStoredPeer
		}
		v := binary.LittleEndian.Uint64(buf[off:])
		p.TempBanUntil = &v
		off += 8
	default:
		return nil, ErrInvalidOptionTag
	}

	if len(buf) < off+1 {
		return nil, ErrTruncatedStoredPeer
	}
	state := PeerState(buf[off])
	if state != Whitelist && state != Graylist && state != Blacklist {
		return nil, ErrInvalidPeerState
	}
	p.State = state
	return p, nil
}

// PolicyStore persists StoredPeer records keyed by IP address, under the
// "peerpolicy/" prefix. It is the single mutator of on-disk peer policy;
// callers must not hold a read cursor across writes.
type PolicyStore struct {
	db storage.DB
}

// NewPolicyStore creates a PolicyStore backed by the given DB.
func NewPolicyStore(db storage.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

func policyKey(ip string) []byte {
	return []byte(peerPolicyKeyPrefix + ip)
}

// Get loads the stored record for ip. ok is false if no record exists.
func (ps *PolicyStore) Get(ip string) (rec *StoredPeer, ok bool, err error) {
	has, err := ps.db.Has(policyKey(ip))
	if err != nil {
		return nil, false, fmt.Errorf("check peer policy: %w", err)
	}
	if !has {
		return nil, false, nil
	}
	data, err := ps.db.Get(policyKey(ip))
	if err != nil {
		return nil, false, fmt.Errorf("get peer policy: %w", err)
	}
	rec, err = DecodeStoredPeer(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode peer policy %s: %w", ip, err)
	}
	return rec, true, nil
}

// Put persists rec for ip.
func (ps *PolicyStore) Put(ip string, rec *StoredPeer) error {
	return ps.db.Put(policyKey(ip), rec.Encode())
}

// Delete removes the stored record for ip.
func (ps *PolicyStore) Delete(ip string) error {
	return ps.db.Delete(policyKey(ip))
}

// ForEach iterates over every stored policy record. fn receives the ip and
// the decoded record; a decode failure for one key is surfaced through fn
// rather than aborting the iteration.
func (ps *PolicyStore) ForEach(fn func(ip string, rec *StoredPeer) error) error {
	return ps.db.ForEach([]byte(peerPolicyKeyPrefix), func(key, value []byte) error {
		ip := string(key[len(peerPolicyKeyPrefix):])
		rec, err := DecodeStoredPeer(value)
		if err != nil {
			return fn(ip, nil)
		}
		return fn(ip, rec)
	})
}
