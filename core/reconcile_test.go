// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package core

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"tunmesh/transport"
)

// fakeResolver maps host specifiers to a fixed set of addresses, for
// deterministic reconciliation tests.
type fakeResolver map[string][]net.IP

func (f fakeResolver) Resolve(host string) ([]net.IP, error) {
	ips, ok := f[host]
	if !ok {
		return nil, errUnresolvable
	}
	return ips, nil
}

// fakeDialer records dial attempts and hands out real pipe fds (see
// pipeFD), optionally failing named addresses.
type fakeDialer struct {
	fail   map[string]bool
	dialed []string
	nextFD int
	onDial func() (int, error)
}

func (d *fakeDialer) Dial(addr transport.NetAddress, port int) (int, error) {
	d.dialed = append(d.dialed, addr.String())
	if d.fail[addr.String()] {
		return -1, errUnresolvable
	}
	if d.onDial != nil {
		return d.onDial()
	}
	d.nextFD++
	return pipeFD(), nil
}

// pipeFD returns a real, valid fd (one end of an OS pipe) so that
// downstream epoll registration in CreateConnection succeeds.
func pipeFD() int {
	r, w, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	r.Close()
	return int(w.Fd())
}

func writePeerFile(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "peers")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, l := range lines {
		f.WriteString(l + "\n")
	}
	return path
}

func newTestContext(t *testing.T, selfV4 string) *Context {
	t.Helper()
	ctx, err := NewContext(pipeFD(), transport.NewRecordingInstaller(), "tunmesh", 4242)
	if err != nil {
		t.Fatal(err)
	}
	ctx.UseV4 = true
	self := addr(t, selfV4)
	ctx.SelfV4 = &self
	return ctx
}

func TestReconcileSelfFamilyFilterExcludesDisabledFamily(t *testing.T) {
	ctx := newTestContext(t, "10.0.0.1")
	ctx.UseV6 = false // v6 disabled: an AAAA-resolved peer must be dropped

	r := &PeerReconciler{
		Resolver: fakeResolver{"peerB": {net.ParseIP("fe80::2")}},
		Dialer:   &fakeDialer{},
	}
	path := writePeerFile(t, "peerB")
	if err := r.Reconcile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if len(ctx.Peers.Passives()) != 0 {
		t.Fatalf("expected the v6 peer to be filtered out, got %d passives", len(ctx.Peers.Passives()))
	}
}

func TestReconcileStrictGreaterFilterKeepsOnlyGreaterPeers(t *testing.T) {
	ctx := newTestContext(t, "10.0.0.5")
	r := &PeerReconciler{
		Resolver: fakeResolver{
			"lower":  {net.ParseIP("10.0.0.2")},
			"higher": {net.ParseIP("10.0.0.9")},
		},
		Dialer: &fakeDialer{},
	}
	path := writePeerFile(t, "lower", "higher")
	if err := r.Reconcile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if _, ok := ctx.Peers.Passive(addr(t, "10.0.0.2")); ok {
		t.Fatalf("a peer address lower than self must be filtered out")
	}
	if _, ok := ctx.Peers.Passive(addr(t, "10.0.0.9")); !ok {
		t.Fatalf("a peer address greater than self must be retained")
	}
}

func TestReconcileUnresolvableHostIsSkippedWithoutError(t *testing.T) {
	ctx := newTestContext(t, "10.0.0.1")
	r := &PeerReconciler{
		Resolver: fakeResolver{}, // resolves nothing
		Dialer:   &fakeDialer{},
	}
	path := writePeerFile(t, "ghost-host")
	if err := r.Reconcile(ctx, path); err != nil {
		t.Fatalf("an unresolvable line must not fail reconcile: %v", err)
	}
	if len(ctx.Peers.Passives()) != 0 {
		t.Fatalf("expected no passives from an unresolvable host")
	}
}

func TestReconcileAddsConnectsAndRemovesOnDiff(t *testing.T) {
	ctx := newTestContext(t, "10.0.0.1")
	dialer := &fakeDialer{}
	r := &PeerReconciler{
		Resolver: fakeResolver{
			"peerB": {net.ParseIP("10.0.0.2")},
			"peerC": {net.ParseIP("10.0.0.3")},
		},
		Dialer: dialer,
	}
	path := writePeerFile(t, "peerB", "peerC")
	if err := r.Reconcile(ctx, path); err != nil {
		t.Fatal(err)
	}
	bAddr, cAddr := addr(t, "10.0.0.2"), addr(t, "10.0.0.3")
	if _, ok := ctx.Peers.Live(bAddr); !ok {
		t.Fatalf("expected peerB to be connected")
	}
	if _, ok := ctx.Peers.Live(cAddr); !ok {
		t.Fatalf("expected peerC to be connected")
	}

	// rewrite the peer file to drop peerC and reconcile again.
	path2 := writePeerFile(t, "peerB")
	if err := r.Reconcile(ctx, path2); err != nil {
		t.Fatal(err)
	}
	if _, ok := ctx.Peers.Live(cAddr); ok {
		t.Fatalf("expected peerC's live connection to be torn down")
	}
	if _, ok := ctx.Peers.Passive(cAddr); ok {
		t.Fatalf("expected peerC's passive entry to be removed")
	}
	if _, ok := ctx.Peers.Live(bAddr); !ok {
		t.Fatalf("peerB must remain connected across the reload")
	}
}

func TestReconcileFailedConnectLeavesPeerDisconnectedForRetry(t *testing.T) {
	ctx := newTestContext(t, "10.0.0.1")
	dialer := &fakeDialer{fail: map[string]bool{"10.0.0.2": true}}
	r := &PeerReconciler{
		Resolver: fakeResolver{"peerB": {net.ParseIP("10.0.0.2")}},
		Dialer:   dialer,
	}
	path := writePeerFile(t, "peerB")
	if err := r.Reconcile(ctx, path); err != nil {
		t.Fatal(err)
	}
	bAddr := addr(t, "10.0.0.2")
	if _, ok := ctx.Peers.Live(bAddr); ok {
		t.Fatalf("a failed dial must not produce a live connection")
	}
	if !ctx.Peers.Disconnected(bAddr) {
		t.Fatalf("a failed dial must leave the peer disconnected for later retry")
	}

	// next reconcile pass (no file change) retries and this time succeeds.
	dialer.fail = nil
	if err := r.Reconcile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if _, ok := ctx.Peers.Live(bAddr); !ok {
		t.Fatalf("expected the retried connect to succeed")
	}
}
