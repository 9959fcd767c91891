// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// tunmesh is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// tunmesh is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package core

import (
	"tunmesh/transport"
)

// PassivePeer is a configured remote endpoint the daemon is willing to
// connect to. It is held in the PeerTable keyed by NetAddress and, while
// no live Connection exists for it, also tracked in the disconnected set.
type PassivePeer struct {
	Addr  transport.NetAddress
	Host  string // original peer-file specifier, for logging
	Label string
}

// PeerTable indexes the configured (passive) peer set and the live
// connections currently bridging the tun device to those peers. A
// PassivePeer has at most one live connection; every outbound live
// connection has a corresponding PassivePeer.
type PeerTable struct {
	passive      map[transport.NetAddress]*PassivePeer
	live         map[transport.NetAddress]*transport.Socket
	disconnected map[transport.NetAddress]bool
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{
		passive:      make(map[transport.NetAddress]*PassivePeer),
		live:         make(map[transport.NetAddress]*transport.Socket),
		disconnected: make(map[transport.NetAddress]bool),
	}
}

// AddPassive inserts a newly configured peer and marks it disconnected.
func (t *PeerTable) AddPassive(p *PassivePeer) {
	t.passive[p.Addr] = p
	t.disconnected[p.Addr] = true
}

// RemovePassive removes a peer no longer present in the configured set.
// Callers must have already torn down any live connection for addr.
func (t *PeerTable) RemovePassive(addr transport.NetAddress) {
	delete(t.passive, addr)
	delete(t.disconnected, addr)
}

// Passive returns the configured peer for addr, if any.
func (t *PeerTable) Passive(addr transport.NetAddress) (*PassivePeer, bool) {
	p, ok := t.passive[addr]
	return p, ok
}

// Passives returns every configured peer, for reconciliation diffing.
func (t *PeerTable) Passives() map[transport.NetAddress]*PassivePeer {
	return t.passive
}

// SetLive registers a live connection for addr. Every live Connection
// appears exactly once in this map, keyed by its peer NetAddress.
func (t *PeerTable) SetLive(addr transport.NetAddress, sock *transport.Socket) {
	t.live[addr] = sock
	delete(t.disconnected, addr)
}

// Live returns the live connection for addr, if any.
func (t *PeerTable) Live(addr transport.NetAddress) (*transport.Socket, bool) {
	s, ok := t.live[addr]
	return s, ok
}

// ClearLive removes addr's live connection entry. If it has a configured
// PassivePeer, addr is re-linked into the disconnected set so a later
// reload (or retry cycle) attempts reconnection.
func (t *PeerTable) ClearLive(addr transport.NetAddress) {
	delete(t.live, addr)
	if _, ok := t.passive[addr]; ok {
		t.disconnected[addr] = true
	}
}

// Disconnected reports whether addr currently has a configured peer but
// no live connection.
func (t *PeerTable) Disconnected(addr transport.NetAddress) bool {
	return t.disconnected[addr]
}

// Counts returns the number of live connections and configured peers, for
// the control/metrics surface.
func (t *PeerTable) Counts() (live, passive int) {
	return len(t.live), len(t.passive)
}

// DisconnectedAddrs returns every address currently awaiting a connection
// attempt.
func (t *PeerTable) DisconnectedAddrs() []transport.NetAddress {
	out := make([]transport.NetAddress, 0, len(t.disconnected))
	for a := range t.disconnected {
		out = append(out, a)
	}
	return out
}
