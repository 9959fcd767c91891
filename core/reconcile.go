// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package core

import (
	"bufio"
	"net"
	"os"
	"strings"

	"github.com/bfix/gospel/logger"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"tunmesh/transport"
)

// Resolver looks up every address a host specifier maps to. Production
// code resolves via DNS (or short-circuits literal IPs); tests substitute
// a fixed table so reconciliation logic can be verified without a
// network.
type Resolver interface {
	Resolve(host string) ([]net.IP, error)
}

// DNSResolver is the production Resolver. A literal IP short-circuits
// without a query. Otherwise it queries A (and, if v6 is enabled, AAAA)
// records via a direct dns.Exchange against the first nameserver listed
// in /etc/resolv.conf, mirroring the teacher's use of github.com/miekg/dns
// for outbound queries.
type DNSResolver struct {
	UseV6 bool
}

// Resolve implements Resolver.
func (r *DNSResolver) Resolve(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cc.Servers) == 0 {
		return nil, errNoResolvConf
	}
	server := net.JoinHostPort(cc.Servers[0], cc.Port)

	var ips []net.IP
	qtypes := []uint16{dns.TypeA}
	if r.UseV6 {
		qtypes = append(qtypes, dns.TypeAAAA)
	}
	for _, qt := range qtypes {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qt)
		m.RecursionDesired = true
		in, err := dns.Exchange(m, server)
		if err != nil {
			logger.Printf(logger.WARN, "[reconcile] DNS query for %s failed: %s\n", host, err.Error())
			continue
		}
		for _, ans := range in.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, errUnresolvable
	}
	return ips, nil
}

type reconcileError string

func (e reconcileError) Error() string { return string(e) }

const (
	errNoResolvConf reconcileError = "no usable resolver configuration"
	errUnresolvable reconcileError = "host did not resolve to any address"
)

// Dialer opens an outbound, non-blocking TCP connection to a peer
// address, returning the connected fd. Production code uses a raw
// non-blocking socket/connect pair, consistent with the raw-fd style used
// throughout transport; tests substitute a double.
type Dialer interface {
	Dial(addr transport.NetAddress, port int) (fd int, err error)
}

// TCPDialer is the production Dialer.
type TCPDialer struct{}

// Dial implements Dialer.
func (TCPDialer) Dial(addr transport.NetAddress, port int) (int, error) {
	domain := unix.AF_INET
	if addr.Family == transport.FamilyV6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		var a unix.SockaddrInet4
		copy(a.Addr[:], addr.Bytes[:4])
		a.Port = port
		sa = &a
	} else {
		var a unix.SockaddrInet6
		copy(a.Addr[:], addr.Bytes[:])
		a.Port = port
		sa = &a
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// PeerReconciler parses the peer file, resolves each host specifier,
// applies the self-family and strict-greater filters, and diffs the
// result against the Context's current peer table — installing newly
// added peers and tearing down removed ones.
type PeerReconciler struct {
	Resolver Resolver
	Dialer   Dialer
}

// NewPeerReconciler returns a reconciler using the production resolver
// and dialer.
func NewPeerReconciler(useV6 bool) *PeerReconciler {
	return &PeerReconciler{Resolver: &DNSResolver{UseV6: useV6}, Dialer: TCPDialer{}}
}

// desiredSet parses path and returns the filtered, deduplicated set of
// peer addresses tunmesh should be the active connector for, per spec
// §4.8: self-family filter (bitwise AND — an address family disabled
// locally is never retained) then the strict-greater asymmetric
// connector-election test.
func (r *PeerReconciler) desiredSet(ctx *Context, path string) (map[transport.NetAddress]*PassivePeer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[transport.NetAddress]*PassivePeer)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ips, err := r.Resolver.Resolve(line)
		if err != nil {
			logger.Printf(logger.WARN, "[reconcile] unresolvable peer %q: %s\n", line, err.Error())
			continue
		}
		for _, ip := range ips {
			addr, err := transport.NewNetAddress(ip)
			if err != nil {
				continue
			}
			if !familyEnabled(ctx, addr.Family) {
				continue
			}
			self := selfAddr(ctx, addr.Family)
			if self == nil {
				continue
			}
			if !addr.Greater(*self) {
				continue
			}
			out[addr] = &PassivePeer{Addr: addr, Host: line, Label: addr.String()}
		}
	}
	return out, scanner.Err()
}

// familyEnabled implements the resolved `&` (not `|`) self-family filter:
// an address family is retained only if tunmesh was configured to use it.
func familyEnabled(ctx *Context, fam transport.Family) bool {
	switch fam {
	case transport.FamilyV4:
		return ctx.UseV4
	case transport.FamilyV6:
		return ctx.UseV6
	default:
		return false
	}
}

func selfAddr(ctx *Context, fam transport.Family) *transport.NetAddress {
	switch fam {
	case transport.FamilyV4:
		return ctx.SelfV4
	case transport.FamilyV6:
		return ctx.SelfV6
	default:
		return nil
	}
}

// Reconcile computes the set diff between the current peer table and the
// freshly parsed peer file, tearing down removed peers and attempting to
// connect newly added ones, per spec §4.8.
func (r *PeerReconciler) Reconcile(ctx *Context, peerFilePath string) error {
	desired, err := r.desiredSet(ctx, peerFilePath)
	if err != nil {
		return err
	}

	for addr := range ctx.Peers.Passives() {
		if _, keep := desired[addr]; keep {
			continue
		}
		if sock, ok := ctx.Peers.Live(addr); ok {
			ctx.DestroyConnection(sock)
		}
		ctx.Peers.RemovePassive(addr)
		logger.Printf(logger.INFO, "[reconcile] removed peer %s\n", addr.String())
	}

	for addr, peer := range desired {
		if _, exists := ctx.Peers.Passive(addr); exists {
			continue
		}
		ctx.Peers.AddPassive(peer)
		logger.Printf(logger.INFO, "[reconcile] added peer %s (%s)\n", addr.String(), peer.Host)
	}

	r.RetryDisconnected(ctx)
	return nil
}

// connect attempts a single outbound connection attempt for peer. Failure
// leaves it in the disconnected list for a later reconcile pass.
func (r *PeerReconciler) connect(ctx *Context, peer *PassivePeer) {
	fd, err := r.Dialer.Dial(peer.Addr, ctx.ListenPort)
	if err != nil {
		logger.Printf(logger.WARN, "[reconcile] connect to %s failed: %s\n", peer.Label, err.Error())
		return
	}
	if _, err := ctx.CreateConnection(fd, peer.Addr, peer.Addr.Family, true); err != nil {
		logger.Printf(logger.WARN, "[reconcile] install connection to %s failed: %s\n", peer.Label, err.Error())
	}
}

// RetryDisconnected attempts to (re)connect every passive peer currently
// without a live connection. Called once per reconcile pass so a peer
// whose earlier connect attempt failed gets retried on the next reload.
func (r *PeerReconciler) RetryDisconnected(ctx *Context) {
	for _, addr := range ctx.Peers.DisconnectedAddrs() {
		peer, ok := ctx.Peers.Passive(addr)
		if !ok {
			continue
		}
		r.connect(ctx, peer)
	}
}
