// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package tunmesh

import (
	"golang.org/x/sys/unix"

	"tunmesh/transport"
)

// listenBacklog is the backlog depth spec.md §6 requires for the
// listening socket.
const listenBacklog = 1024

// newListenerSocket creates, binds and listens on a non-blocking TCP
// socket for the given family and port, with SO_REUSEADDR set.
func newListenerSocket(fam transport.Family, port int) (int, error) {
	domain := unix.AF_INET
	if fam == transport.FamilyV6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		sa = &unix.SockaddrInet4{Port: port}
	} else {
		sa = &unix.SockaddrInet6{Port: port}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
