// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package core

import (
	"github.com/bfix/gospel/logger"
	"golang.org/x/sys/unix"

	"tunmesh/transport"
)

// sendBatchHandler drains a connection's tx ring via non-blocking send,
// per spec §4.2.
func sendBatchHandler(fd int) transport.DrainHandler {
	return func(r *transport.Ring, buf []byte, other int) transport.Result {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return transport.OKExhausted
			}
			if err == unix.ECONNRESET || err == unix.ENOTCONN || err == unix.EPIPE {
				return transport.Kill
			}
			return transport.UnknownErr
		}
		r.Advance(n)
		if n < len(buf) {
			return transport.OKExhausted
		}
		return transport.OK
	}
}

// recvBatchHandler fills a connection's rx ring via non-blocking recv,
// per spec §4.2.
func recvBatchHandler(fd int) transport.FillHandler {
	return func(r *transport.Ring, buf []byte) transport.Result {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return transport.OKExhausted
			}
			if err == unix.ECONNRESET || err == unix.ENOTCONN {
				return transport.Kill
			}
			return transport.UnknownErr
		}
		if n == 0 {
			return transport.Kill
		}
		r.Commit(n)
		return transport.OK
	}
}

// handleConnectionReadable fills the rx ring, pushing newly-arrived bytes
// straight to the tun device within the same readiness cycle.
func handleConnectionReadable(ctx *Context, sock *transport.Socket) {
	pusher := &transport.PushToTun{Tun: ctx.Tun, Label: sock.Peer.String(), Counter: &ctx.Counters}
	res := sock.Rx.Fill(recvBatchHandler(sock.FD), pusher.Push)
	if res == transport.Kill {
		logger.Printf(logger.INFO, "[core] connection %s closed by peer\n", sock.Peer.String())
		ctx.DestroyConnection(sock)
	}
}

// handleConnectionWritable drains the tx ring over the socket.
func handleConnectionWritable(ctx *Context, sock *transport.Socket) {
	res := sock.Tx.Drain(sendBatchHandler(sock.FD))
	if res == transport.Kill {
		logger.Printf(logger.INFO, "[core] connection %s reset\n", sock.Peer.String())
		ctx.DestroyConnection(sock)
	}
}

// handleListenerReadable accepts every pending inbound connection until
// EAGAIN/EMFILE, per spec §4.6. A collision against an already-live peer
// address is resolved by rejecting the new connection and keeping the
// existing one (the resolved default for the open accept-collision
// question).
func handleListenerReadable(ctx *Context, listener *transport.Socket) {
	for {
		fd, sa, err := unix.Accept(listener.FD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EMFILE {
				return
			}
			logger.Printf(logger.WARN, "[core] accept failed: %s\n", err.Error())
			return
		}
		addr, fam, ok := peerAddrFromSockaddr(sa)
		if !ok {
			logger.Printf(logger.WARN, "[core] accepted connection with unsupported address family\n")
			unix.Close(fd)
			continue
		}
		if err := transport.SetNonblock(fd); err != nil {
			logger.Printf(logger.WARN, "[core] set accepted fd non-blocking: %s\n", err.Error())
			unix.Close(fd)
			continue
		}
		if _, already := ctx.Peers.Live(addr); already {
			logger.Printf(logger.WARN, "[core] rejecting inbound connection from %s: already connected\n", addr.String())
			unix.Close(fd)
			continue
		}
		if _, err := ctx.CreateConnection(fd, addr, fam, false); err != nil {
			logger.Printf(logger.WARN, "[core] accept install failed for %s: %s\n", addr.String(), err.Error())
		}
	}
}

func peerAddrFromSockaddr(sa unix.Sockaddr) (transport.NetAddress, transport.Family, bool) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		var a transport.NetAddress
		a.Family = transport.FamilyV4
		copy(a.Bytes[:4], s.Addr[:])
		return a, transport.FamilyV4, true
	case *unix.SockaddrInet6:
		var a transport.NetAddress
		a.Family = transport.FamilyV6
		copy(a.Bytes[:], s.Addr[:])
		return a, transport.FamilyV6, true
	default:
		return transport.NetAddress{}, 0, false
	}
}

// handleTunReadable implements spec §4.4: each readable packet is routed
// to its destination connection's tx ring.
func handleTunReadable(ctx *Context) {
	transport.ReadFromTun(ctx.Tun, ctx.RouteTo, ctx.DestroyConnection, &ctx.Counters, "tun")
}

// handleTunWritable implements spec §4.5: drain the shared backlog back
// onto the tun device.
func handleTunWritable(ctx *Context) {
	res := transport.WriteToTun(ctx.Tun)
	if res == transport.UnknownErr {
		logger.Println(logger.ERROR, "[core] tun write failed unexpectedly")
	}
}

// dispatch routes one readiness event to the handler appropriate to the
// owning socket's Kind — never by dynamic type assertion, per spec §9.
func dispatch(ctx *Context, ev transport.ReadyEvent) {
	sock, ok := ctx.Sockets[ev.FD]
	if !ok {
		return
	}
	switch sock.Kind {
	case transport.KindListener:
		if ev.Kind&transport.EventReadable != 0 {
			handleListenerReadable(ctx, sock)
		}
	case transport.KindConnection:
		if ev.Kind&transport.EventHangup != 0 {
			logger.Printf(logger.INFO, "[core] connection %s hung up\n", sock.Peer.String())
			ctx.DestroyConnection(sock)
			return
		}
		if ev.Kind&transport.EventWritable != 0 {
			handleConnectionWritable(ctx, sock)
			if _, live := ctx.Peers.Live(sock.Peer); !live {
				return
			}
		}
		if ev.Kind&transport.EventReadable != 0 {
			handleConnectionReadable(ctx, sock)
		}
	case transport.KindTun:
		if ev.Kind&transport.EventWritable != 0 {
			handleTunWritable(ctx)
		}
		if ev.Kind&transport.EventReadable != 0 {
			handleTunReadable(ctx)
		}
	}
}

// EventLoop drives the single-threaded, edge-triggered readiness loop
// described in spec §4.9.
type EventLoop struct {
	Ctx         *Context
	Controls    *Controls
	Reconciler  *PeerReconciler
	PeerFile    string
	PollTimeout int // ms; -1 blocks indefinitely
	OnTick      func()
}

// Init raises the reload flag so the initial peer set is connected on the
// first iteration.
func (l *EventLoop) Init() {
	l.Controls.RequestReload()
}

// Step runs a single poll/dispatch/reload pass: one Poller.Wait with
// PollTimeout, then dispatch, reconcile if requested, and snapshot
// publication. Exported so a caller can drive the loop one iteration at
// a time.
func (l *EventLoop) Step() (stop bool) {
	events, err := l.Ctx.Poller.Wait(l.PollTimeout)
	if err != nil {
		logger.Printf(logger.ERROR, "[core] poller wait failed: %s\n", err.Error())
		return false
	}
	if len(events) == 0 && l.OnTick != nil {
		l.OnTick()
	}
	for _, ev := range events {
		dispatch(l.Ctx, ev)
	}
	if l.Controls.TakeReload() {
		if err := l.Reconciler.Reconcile(l.Ctx, l.PeerFile); err != nil {
			logger.Printf(logger.WARN, "[core] reconcile failed: %s\n", err.Error())
		}
	}
	l.Ctx.PublishSnapshot()
	return l.Controls.StopRequested()
}

// Run drives the loop until a stop is requested, then destroys every
// remaining connection socket and closes the poller. Listener and tun
// fds are not closed here.
func (l *EventLoop) Run() {
	l.Init()
	for !l.Step() {
	}
	l.teardown()
}

func (l *EventLoop) teardown() {
	for _, sock := range l.Ctx.Sockets {
		if sock.Kind == transport.KindConnection {
			l.Ctx.DestroyConnection(sock)
		}
	}
	l.Ctx.Poller.Close()
}
