package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// banGater implements the libp2p ConnectionGater interface to reject
// connections from banned peers at the transport level. registry is
// consulted in addition to banMgr so addresses the durable policy store
// has blacklisted or temp-banned are also rejected; it may be nil.
type banGater struct {
	banMgr   *BanManager
	registry *Registry
}

// InterceptPeerDial rejects outbound dials to banned peers.
func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	return !g.banMgr.IsBanned(p)
}

// InterceptAddrDial rejects dials to addresses the policy store has
// blacklisted or temp-banned.
func (g *banGater) InterceptAddrDial(_ peer.ID, a ma.Multiaddr) bool {
	if g.registry == nil {
		return true
	}
	ip, _ := a.ValueForProtocol(ma.P_IP4)
	if ip == "" {
		ip, _ = a.ValueForProtocol(ma.P_IP6)
	}
	if ip == "" {
		return true
	}
	allowed, err := g.registry.IsAllowed(ip)
	if err != nil {
		return true // Fail open: a store error must not itself sever connectivity.
	}
	return allowed
}

// InterceptAccept allows all inbound connections at the transport layer.
// Peer identity is not yet known at this stage.
func (g *banGater) InterceptAccept(_ network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured rejects connections from banned peers once their
// identity is authenticated.
func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.banMgr.IsBanned(p)
}

// InterceptUpgraded allows all fully upgraded connections.
func (g *banGater) InterceptUpgraded(_ network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
