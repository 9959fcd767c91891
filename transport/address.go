// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package transport

import (
	"bytes"
	"fmt"
	"net"
)

// Family identifies the IP address family of a NetAddress.
type Family int

const (
	// FamilyV4 marks a NetAddress holding an IPv4 host.
	FamilyV4 Family = iota
	// FamilyV6 marks a NetAddress holding an IPv6 host.
	FamilyV6
)

// NetAddress is a fixed-width, comparable host key wide enough to hold an
// IPv6 address. An IPv4 address occupies the first 4 bytes; the remaining
// 12 bytes are zero. Two addresses compare equal iff they represent the
// same host in the same family — both ends of a tunmesh pair must agree
// on this zero-padding convention (see DESIGN.md).
type NetAddress struct {
	Family Family
	Bytes  [16]byte
}

// NewNetAddress builds a NetAddress from a net.IP, selecting the family
// based on whether the address has a 4-byte form.
func NewNetAddress(ip net.IP) (NetAddress, error) {
	var a NetAddress
	if v4 := ip.To4(); v4 != nil {
		a.Family = FamilyV4
		copy(a.Bytes[:4], v4)
		return a, nil
	}
	if v6 := ip.To16(); v6 != nil {
		a.Family = FamilyV6
		copy(a.Bytes[:], v6)
		return a, nil
	}
	return a, fmt.Errorf("transport: not a valid IP address: %v", ip)
}

// IP reconstructs a net.IP from the NetAddress.
func (a NetAddress) IP() net.IP {
	if a.Family == FamilyV4 {
		ip := make(net.IP, 4)
		copy(ip, a.Bytes[:4])
		return ip
	}
	ip := make(net.IP, 16)
	copy(ip, a.Bytes[:])
	return ip
}

// String renders a human-readable form of the address.
func (a NetAddress) String() string {
	return a.IP().String()
}

// Greater reports whether a compares strictly greater than b under an
// unsigned bytewise comparison of the full zero-padded 16-byte field,
// regardless of family. PeerReconciler uses this asymmetric test to
// elect exactly one side of a pair as the active connector.
func (a NetAddress) Greater(b NetAddress) bool {
	return bytes.Compare(a.Bytes[:], b.Bytes[:]) > 0
}

// Equal reports whether two addresses represent the same host and family.
func (a NetAddress) Equal(b NetAddress) bool {
	return a.Family == b.Family && a.Bytes == b.Bytes
}
