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
	"fmt"
	"sync/atomic"

	"github.com/bfix/gospel/logger"
	"golang.org/x/sys/unix"

	"tunmesh/transport"
)

// closeFD closes fd, logging (not panicking) on failure — a close error
// here is never actionable by the caller.
func closeFD(fd int) {
	if err := unix.Close(fd); err != nil {
		logger.Printf(logger.DBG, "[core] close fd %d: %s\n", fd, err.Error())
	}
}

// Context owns every socket, the two peer maps, the tun device, the
// readiness multiplexer and the traffic counters. It is a process-wide
// singleton in practice; there is no cross-instance sharing.
type Context struct {
	Poller   *transport.Poller
	Sockets  map[int]*transport.Socket // all-sockets list, keyed by fd
	Peers    *PeerTable
	Tun      *transport.Socket
	Route    transport.RouteInstaller
	Counters transport.Counters

	SelfV4, SelfV6 *transport.NetAddress
	UseV4, UseV6   bool
	AddrSet        string
	ListenPort     int

	snapshot atomic.Pointer[Snapshot]
}

// Snapshot is an immutable point-in-time copy of the loop's traffic
// counters and peer-table sizes. EventLoop.Step publishes one after every
// iteration so the control HTTP surface — running on its own goroutine —
// never reads Context state the loop is concurrently mutating.
type Snapshot struct {
	Counters     transport.Counters
	LivePeers    int
	PassivePeers int
}

// PublishSnapshot copies the current counters and peer counts into a new
// Snapshot and atomically installs it. Must only be called from the event
// loop goroutine, which alone may read Counters/Peers without synchronization.
func (c *Context) PublishSnapshot() {
	live, passive := c.Peers.Counts()
	c.snapshot.Store(&Snapshot{Counters: c.Counters, LivePeers: live, PassivePeers: passive})
}

// LoadSnapshot returns the most recently published Snapshot, or the zero
// Snapshot if none has been published yet. Safe to call from any goroutine.
func (c *Context) LoadSnapshot() Snapshot {
	p := c.snapshot.Load()
	if p == nil {
		return Snapshot{}
	}
	return *p
}

// NewContext allocates the epoll-equivalent multiplexer, installs the tun
// device as a socket, and returns an otherwise-empty Context. Failure to
// create the multiplexer is a configuration/initialization failure per
// spec: the caller must fail daemon start-up.
func NewContext(tunFD int, route transport.RouteInstaller, addrSet string, listenPort int) (*Context, error) {
	poller, err := transport.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("create readiness multiplexer: %w", err)
	}
	if err := transport.SetNonblock(tunFD); err != nil {
		poller.Close()
		return nil, fmt.Errorf("set tun fd non-blocking: %w", err)
	}
	backlog := transport.NewRing(transport.TunBacklogSize)
	tun := transport.NewTunSocket(tunFD, backlog)
	if err := poller.AddReadWrite(tunFD); err != nil {
		poller.Close()
		return nil, fmt.Errorf("register tun fd: %w", err)
	}

	ctx := &Context{
		Poller:     poller,
		Sockets:    map[int]*transport.Socket{tunFD: tun},
		Peers:      NewPeerTable(),
		Tun:        tun,
		Route:      route,
		AddrSet:    addrSet,
		ListenPort: listenPort,
	}
	return ctx, nil
}

// Route lookup used by the TunFramer: resolves a destination address to
// its live connection socket, or nil if no such peer is connected.
func (c *Context) RouteTo(dst transport.NetAddress) *transport.Socket {
	sock, ok := c.Peers.Live(dst)
	if !ok {
		return nil
	}
	return sock
}

// AddListener registers an already-bound, non-blocking listening fd.
func (c *Context) AddListener(fd int, fam transport.Family) error {
	if err := c.Poller.AddRead(fd); err != nil {
		return err
	}
	c.Sockets[fd] = transport.NewListenerSocket(fd, fam)
	return nil
}

// CreateConnection installs fd (already connected and non-blocking) as a
// live Connection socket for peer, registers it with the multiplexer,
// installs its route entry, and links it into the live-sockets map. On
// any failure the socket is completely torn down and an error returned,
// per spec §4.7 step 4.
func (c *Context) CreateConnection(fd int, peer transport.NetAddress, fam transport.Family, outbound bool) (*transport.Socket, error) {
	sock := transport.NewConnectionSocket(fd, peer, fam, outbound)
	if err := c.Poller.AddReadWrite(fd); err != nil {
		closeFD(fd)
		return nil, fmt.Errorf("register connection fd: %w", err)
	}
	c.Sockets[fd] = sock
	if err := c.Route.Install(c.AddrSet, peer); err != nil {
		c.DestroyConnection(sock)
		return nil, fmt.Errorf("install route for %s: %w", peer.String(), err)
	}
	c.Peers.SetLive(peer, sock)
	return sock, nil
}

// DestroyConnection tears a Connection down completely: route-drop,
// multiplexer deregistration, live-sockets map removal (re-linking an
// outbound peer's PassivePeer into the disconnected list), fd close, and
// unlinking from the all-sockets list. Safe to call more than once is NOT
// guaranteed — callers must not reuse sock afterward.
func (c *Context) DestroyConnection(sock *transport.Socket) {
	if err := c.Route.Drop(c.AddrSet, sock.Peer); err != nil {
		logger.Printf(logger.WARN, "[core] route drop for %s failed: %s\n", sock.Peer.String(), err.Error())
	}
	if err := c.Poller.Delete(sock.FD); err != nil {
		logger.Printf(logger.DBG, "[core] deregister fd %d: %s\n", sock.FD, err.Error())
	}
	c.Peers.ClearLive(sock.Peer)
	delete(c.Sockets, sock.FD)
	closeFD(sock.FD)
}
