package p2p

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Direction records which side of a connection a shared-peer entry came
// from, mirroring how a remote peer reports peers it is itself connected
// to (so we never loop an address back as a connection target).
type Direction uint8

const (
	DirIn Direction = iota
	DirOut
)

// LivePeer is a connected peer tracked in the registry's live map. It is
// distinct from the durable StoredPeer: LivePeer exists only while a
// connection is open.
type LivePeer struct {
	ID         string
	Addr       string // IP address, used as the StoredPeer/policy key.
	LocalPort  uint16
	OutAddr    string // This side's outgoing dial address, for shared-peer bookkeeping.
	Sharable   bool
	Topoheight uint64

	mu          sync.Mutex
	sharedPeers map[string]Direction
}

func newLivePeer(id, addr string, port uint16, sharable bool) *LivePeer {
	return &LivePeer{ID: id, Addr: addr, LocalPort: port, Sharable: sharable, sharedPeers: make(map[string]Direction)}
}

// SetSharedPeer records that this peer reports addr as one of its own
// connections, in the given direction.
func (p *LivePeer) SetSharedPeer(addr string, dir Direction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sharedPeers[addr] = dir
}

// HasSharedPeer reports whether addr is present with a direction other than
// DirIn (an inbound-only entry was never dialed by this peer, so it isn't a
// candidate for a disconnect notification).
func (p *LivePeer) HasSharedPeer(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	dir, ok := p.sharedPeers[addr]
	return ok && dir != DirIn
}

// DeleteSharedPeer removes addr from the shared-peers map.
func (p *LivePeer) DeleteSharedPeer(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sharedPeers, addr)
}

// PeerDisconnected is the notification payload fanned out to every
// remaining live peer that shared an outbound connection to the peer being
// removed. Its wire form is ip_version:u8 | ip_bytes | port:u16.
type PeerDisconnected struct {
	Addr string
	Port uint16
}

// ErrPeerListFull is returned by AddPeer when the live map is already at
// capacity.
var ErrPeerListFull = fmt.Errorf("peer list full")

// ErrPeerIDAlreadyUsed is returned by AddPeer when peer_id collides with an
// already-connected peer.
var ErrPeerIDAlreadyUsed = fmt.Errorf("peer id already used")

// Clock abstracts wall-clock seconds so tests can control time without
// assuming a monotonic clock (the spec explicitly does not assume one).
type Clock func() uint64

func systemClock() uint64 { return uint64(time.Now().Unix()) }

// Registry owns the live peer table and the durable per-IP policy store,
// and implements every peer-registry operation. The live map is guarded by
// mu; the store performs its own independent transactional updates, so a
// remove_peer fan-out snapshots the live map under the write lock before
// releasing it — outbound notifications happen outside the critical
// section.
type Registry struct {
	mu       sync.RWMutex
	live     map[string]*LivePeer
	maxPeers int

	store *PolicyStore
	clock Clock

	extendPeerlistDelay uint64
	failLimit           uint8
	tempBanSeconds      uint64

	// disconnectCh receives every peer removed via RemovePeer, best-effort.
	disconnectCh chan *LivePeer

	// notify delivers PeerDisconnected fan-out packets; set by the
	// transport layer (nil is valid and simply drops notifications, e.g.
	// in unit tests).
	notify func(to *LivePeer, pkt PeerDisconnected)
}

// NewRegistry creates a Registry backed by store, with the given live-peer
// capacity and the three peer-policy constants from the genesis protocol
// config (P2PExtendPeerlistDelay, PeerFailToConnectLimit,
// PeerTempBanTimeOnConnect).
func NewRegistry(store *PolicyStore, maxPeers int, extendPeerlistDelay uint64, failLimit uint8, tempBanSeconds uint64) *Registry {
	return &Registry{
		live:                make(map[string]*LivePeer),
		maxPeers:            maxPeers,
		store:               store,
		clock:               systemClock,
		extendPeerlistDelay: extendPeerlistDelay,
		failLimit:           failLimit,
		tempBanSeconds:      tempBanSeconds,
		disconnectCh:        make(chan *LivePeer, 16),
	}
}

// SetClock overrides the wall-clock source; used by tests.
func (r *Registry) SetClock(c Clock) { r.clock = c }

// SetNotifier registers the fan-out delivery function used by RemovePeer.
func (r *Registry) SetNotifier(fn func(to *LivePeer, pkt PeerDisconnected)) {
	r.notify = fn
}

// DisconnectCh returns the best-effort channel every removed peer is sent
// through.
func (r *Registry) DisconnectCh() <-chan *LivePeer { return r.disconnectCh }

// PeerCount returns the number of live peers.
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// AddPeer admits peer into the live map, rejecting when at capacity or on a
// peer_id collision, then runs UpdatePeer against the durable store.
func (r *Registry) AddPeer(peer *LivePeer) error {
	r.mu.Lock()
	if r.maxPeers > 0 && len(r.live) >= r.maxPeers {
		r.mu.Unlock()
		return ErrPeerListFull
	}
	if _, exists := r.live[peer.ID]; exists {
		r.mu.Unlock()
		return ErrPeerIDAlreadyUsed
	}
	r.live[peer.ID] = peer
	r.mu.Unlock()

	return r.UpdatePeer(peer)
}

// UpdatePeer refreshes the durable record for peer: if the store already
// has an entry for its IP, fail_count resets to 0, last_seen advances to
// now, and local_port is refreshed; otherwise a fresh Graylist StoredPeer
// is inserted.
func (r *Registry) UpdatePeer(peer *LivePeer) error {
	now := r.clock()
	rec, ok, err := r.store.Get(peer.Addr)
	if err != nil {
		return err
	}
	if ok {
		rec.FailCount = 0
		rec.LastSeen = now
		rec.LocalPort = peer.LocalPort
	} else {
		rec = &StoredPeer{FirstSeen: now, LastSeen: now, LocalPort: peer.LocalPort, State: Graylist}
	}
	return r.store.Put(peer.Addr, rec)
}

// RemovePeer atomically removes peerID from the live map, and — if notify
// is set and the removed peer is sharable — sends a PeerDisconnected packet
// to every remaining peer that shares an outbound reference to it, then
// deletes that reference from their shared-peers maps. The removed peer is
// finally sent through the disconnect channel, best-effort.
func (r *Registry) RemovePeer(peerID string, notify bool) {
	r.mu.Lock()
	removed, ok := r.live[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.live, peerID)

	var remaining []*LivePeer
	if notify && removed.Sharable {
		remaining = make([]*LivePeer, 0, len(r.live))
		for _, p := range r.live {
			remaining = append(remaining, p)
		}
	}
	r.mu.Unlock()

	if remaining != nil {
		pkt := PeerDisconnected{Addr: removed.Addr, Port: removed.LocalPort}
		for _, p := range remaining {
			if !p.HasSharedPeer(removed.OutAddr) {
				continue
			}
			if r.notify != nil {
				r.notify(p, pkt) // Best-effort: failures are logged by the transport, not here.
			}
			p.DeleteSharedPeer(removed.OutAddr)
		}
	}

	select {
	case r.disconnectCh <- removed:
	default:
	}
}

func (r *Registry) findLiveByAddrPort(ip string, port uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.live {
		if p.Addr == ip && p.LocalPort == port {
			return true
		}
	}
	return false
}

// BlacklistAddress sets ip's stored state to Blacklist, creating the
// record if absent, and signals the exit of any live peer at that address.
func (r *Registry) BlacklistAddress(ip string) error {
	rec, ok, err := r.store.Get(ip)
	if err != nil {
		return err
	}
	now := r.clock()
	if !ok {
		rec = &StoredPeer{FirstSeen: now, LastSeen: now}
	}
	rec.State = Blacklist
	if err := r.store.Put(ip, rec); err != nil {
		return err
	}

	r.mu.RLock()
	var toRemove []string
	for id, p := range r.live {
		if p.Addr == ip {
			toRemove = append(toRemove, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range toRemove {
		r.RemovePeer(id, true)
	}
	return nil
}

// TempBanAddress sets or creates ip's stored record with
// temp_ban_until = now + seconds.
func (r *Registry) TempBanAddress(ip string, seconds uint64) error {
	rec, ok, err := r.store.Get(ip)
	if err != nil {
		return err
	}
	now := r.clock()
	if !ok {
		rec = &StoredPeer{FirstSeen: now, LastSeen: now, State: Graylist}
	}
	until := now + seconds
	rec.TempBanUntil = &until
	return r.store.Put(ip, rec)
}

// WhitelistAddress transitions ip's stored record to Whitelist, creating it
// if absent.
func (r *Registry) WhitelistAddress(ip string) error {
	rec, ok, err := r.store.Get(ip)
	if err != nil {
		return err
	}
	now := r.clock()
	if !ok {
		rec = &StoredPeer{FirstSeen: now, LastSeen: now}
	}
	rec.State = Whitelist
	return r.store.Put(ip, rec)
}

// SetGraylistForPeer transitions ip's stored record to Graylist. A record
// whose local_port is still 0 (it was never actually connected to) is
// deleted instead of graylisted, so manual never-connected entries don't
// linger.
func (r *Registry) SetGraylistForPeer(ip string) error {
	rec, ok, err := r.store.Get(ip)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rec.LocalPort == 0 {
		return r.store.Delete(ip)
	}
	rec.State = Graylist
	return r.store.Put(ip, rec)
}

// IsAllowed reports whether a connection to ip is currently permitted: an
// unknown ip is always allowed; a known ip is allowed iff it is not
// Blacklisted and has no active temp ban. Calling it repeatedly with no
// time passing returns the same value (it performs no mutation).
func (r *Registry) IsAllowed(ip string) (bool, error) {
	rec, ok, err := r.store.Get(ip)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if rec.State == Blacklist {
		return false, nil
	}
	if rec.TempBanUntil != nil && *rec.TempBanUntil >= r.clock() {
		return false, nil
	}
	return true, nil
}

// IncreaseFailCountForStoredPeer bumps ip's connection-failure counter.
// Whitelisted peers are exempt and left unchanged. Otherwise the record is
// created if absent (Graylist, fail_count 0); if tempBan is requested and
// the pre-increment fail_count is non-zero and a multiple of
// PeerFailToConnectLimit, a temp ban is applied before the counter
// advances. The counter wraps (not saturates) at 256.
func (r *Registry) IncreaseFailCountForStoredPeer(ip string, tempBan bool) error {
	rec, ok, err := r.store.Get(ip)
	if err != nil {
		return err
	}
	if ok && rec.State == Whitelist {
		return nil
	}
	now := r.clock()
	if !ok {
		rec = &StoredPeer{FirstSeen: now, LastSeen: now, State: Graylist}
	}

	if tempBan && rec.FailCount != 0 && r.failLimit != 0 && rec.FailCount%r.failLimit == 0 {
		until := now + r.tempBanSeconds
		rec.TempBanUntil = &until
	}
	rec.FailCount++ // wraps at 256, matching the spec's wrapping_add semantics.

	return r.store.Put(ip, rec)
}

// candidate pairs an IP with its stored record for eligibility scans.
type candidate struct {
	ip  string
	rec *StoredPeer
}

// FindPeerToConnect scans stored peers for one eligible to dial: its state
// must not be Blacklist, its backoff window
// (last_connection_try + fail_count*P2PExtendPeerlistDelay) must have
// elapsed, and no live peer may already occupy its (ip, local_port).
// Whitelist candidates are preferred; the first eligible match in whichever
// tier is returned, with last_connection_try stamped to now. Returns ("",
// false, nil) if nothing is eligible.
func (r *Registry) FindPeerToConnect() (ip string, ok bool, err error) {
	now := r.clock()

	var whitelisted, graylisted []candidate
	iterErr := r.store.ForEach(func(ip string, rec *StoredPeer) error {
		if rec == nil || rec.State == Blacklist {
			return nil
		}
		eligibleAt := rec.LastConnectionTry + uint64(rec.FailCount)*r.extendPeerlistDelay
		if eligibleAt > now {
			return nil
		}
		if r.findLiveByAddrPort(ip, rec.LocalPort) {
			return nil
		}
		c := candidate{ip: ip, rec: rec}
		if rec.State == Whitelist {
			whitelisted = append(whitelisted, c)
		} else {
			graylisted = append(graylisted, c)
		}
		return nil
	})
	if iterErr != nil {
		return "", false, iterErr
	}

	pick := func(cs []candidate) (string, bool, error) {
		if len(cs) == 0 {
			return "", false, nil
		}
		c := cs[0]
		c.rec.LastConnectionTry = now
		if err := r.store.Put(c.ip, c.rec); err != nil {
			return "", false, err
		}
		return c.ip, true, nil
	}

	if len(whitelisted) > 0 {
		return pick(whitelisted)
	}
	return pick(graylisted)
}

// GetBestTopoheight returns the highest Topoheight reported by any live
// peer, or 0 if there are none.
func (r *Registry) GetBestTopoheight() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best uint64
	for _, p := range r.live {
		if p.Topoheight > best {
			best = p.Topoheight
		}
	}
	return best
}

// GetMedianTopoheight returns the integer median of every live peer's
// Topoheight plus our own height. Values are sorted ascending; an even
// count averages (integer division) the two middle elements, an odd count
// takes the middle one, and an empty set (no peers, our excluded by
// caller) yields 0.
func (r *Registry) GetMedianTopoheight(our uint64, includeOur bool) uint64 {
	r.mu.RLock()
	values := make([]uint64, 0, len(r.live)+1)
	for _, p := range r.live {
		values = append(values, p.Topoheight)
	}
	r.mu.RUnlock()

	if includeOur {
		values = append(values, our)
	}
	return medianUint64(values)
}

func medianUint64(values []uint64) uint64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]uint64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
