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

package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openTun opens (creating if necessary) the named tun interface in raw
// IP mode (IFF_TUN, no packet-info prefix, matching spec.md's "L3 packet
// as presented by or to the tun device" wire format) and returns its fd.
// Opening and configuring the tun device is explicitly out of tunmesh's
// core scope (spec.md §1); this is the thin OS-specific glue the entry
// point needs to hand the core a live fd.
func openTun(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/net/tun: %w", err)
	}
	var req ifReq
	copy(req.Name[:], name)
	req.Flags = unix.IFF_TUN | unix.IFF_NO_PI
	if err := ioctlIfReq(fd, unix.TUNSETIFF, &req); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("TUNSETIFF %s: %w", name, err)
	}
	return fd, nil
}

// ifReq mirrors the kernel's struct ifreq as far as TUNSETIFF needs it.
type ifReq struct {
	Name  [16]byte
	Flags uint16
	_     [22]byte // pad to the kernel's sizeof(struct ifreq)
}

// ioctlIfReq issues an ioctl carrying an ifReq payload. golang.org/x/sys/unix
// has no typed wrapper for TUNSETIFF, so this goes through the raw
// syscall the way every other tun-opening Go program does.
func ioctlIfReq(fd int, req uint, arg *ifReq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}
	return nil
}
