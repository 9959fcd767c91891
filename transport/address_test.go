// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package transport

import (
	"net"
	"testing"
)

func TestNetAddressV4RoundTrip(t *testing.T) {
	ip := net.ParseIP("10.0.0.2")
	a, err := NewNetAddress(ip)
	if err != nil {
		t.Fatal(err)
	}
	if a.Family != FamilyV4 {
		t.Fatalf("expected FamilyV4, got %v", a.Family)
	}
	for i := 4; i < 16; i++ {
		if a.Bytes[i] != 0 {
			t.Fatalf("expected zero padding past byte 4, got %v at %d", a.Bytes[i], i)
		}
	}
	if got := a.IP().String(); got != "10.0.0.2" {
		t.Fatalf("round trip mismatch: got %s", got)
	}
}

func TestNetAddressEquality(t *testing.T) {
	a, _ := NewNetAddress(net.ParseIP("10.0.0.2"))
	b, _ := NewNetAddress(net.ParseIP("10.0.0.2"))
	c, _ := NewNetAddress(net.ParseIP("10.0.0.3"))
	if !a.Equal(b) {
		t.Fatalf("expected equal addresses to compare equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected different addresses to compare unequal")
	}
}

func TestNetAddressStrictGreaterIsAsymmetric(t *testing.T) {
	a, _ := NewNetAddress(net.ParseIP("10.0.0.1"))
	b, _ := NewNetAddress(net.ParseIP("10.0.0.2"))
	if a.Greater(b) {
		t.Fatalf("10.0.0.1 must not compare greater than 10.0.0.2")
	}
	if !b.Greater(a) {
		t.Fatalf("10.0.0.2 must compare greater than 10.0.0.1")
	}
	if a.Greater(a) {
		t.Fatalf("an address must never compare greater than itself")
	}
}
