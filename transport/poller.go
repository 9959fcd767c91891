// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package transport

import (
	"golang.org/x/sys/unix"
)

// EventKind describes why a fd became ready.
type EventKind int

const (
	// EventReadable means the fd is ready for a read/accept.
	EventReadable EventKind = 1 << iota
	// EventWritable means the fd is ready for a write/send.
	EventWritable
	// EventHangup means the peer hung up or the fd hit an error edge.
	EventHangup
)

// ReadyEvent is one readiness notification for one fd.
type ReadyEvent struct {
	FD   int
	Kind EventKind
}

const maxPollEvents = 256

// Poller wraps an epoll instance in edge-triggered mode. Every fd tracked
// by it must be non-blocking; the consumer must drain/fill until EAGAIN
// on each readiness edge, since epoll will not repeat a notification for
// bytes already signalled.
type Poller struct {
	epfd int
	buf  [maxPollEvents]unix.EpollEvent
}

// NewPoller creates a fresh epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: fd}, nil
}

// Close releases the underlying epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

const edgeTriggeredReadWrite = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET

// AddReadWrite registers fd for read|write|hangup interest, edge-triggered.
func (p *Poller) AddReadWrite(fd int) error {
	ev := unix.EpollEvent{Events: uint32(edgeTriggeredReadWrite), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// AddRead registers fd for read|hangup interest only, edge-triggered.
func (p *Poller) AddRead(fd int) error {
	ev := unix.EpollEvent{Events: uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Delete deregisters fd from the poller.
func (p *Poller) Delete(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to maxPollEvents events, with the given millisecond
// timeout (-1 for infinite), and returns the ready set.
func (p *Poller) Wait(timeoutMs int) ([]ReadyEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.buf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]ReadyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := p.buf[i]
		var kind EventKind
		if ev.Events&uint32(unix.EPOLLIN) != 0 {
			kind |= EventReadable
		}
		if ev.Events&uint32(unix.EPOLLOUT) != 0 {
			kind |= EventWritable
		}
		if ev.Events&uint32(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			kind |= EventHangup
		}
		out = append(out, ReadyEvent{FD: int(ev.Fd), Kind: kind})
	}
	return out, nil
}

// SetNonblock marks fd non-blocking.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
