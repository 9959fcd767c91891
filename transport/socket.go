// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package transport

const (
	// RxRingSize is the per-connection receive ring capacity.
	RxRingSize = 128 * 1024
	// TxRingSize is the per-connection transmit ring capacity.
	TxRingSize = 128 * 1024
	// TunBacklogSize is the shared tun-device write backlog capacity.
	TunBacklogSize = 4 * 1024 * 1024
	// MaxPacketSize is the largest L3 packet tunmesh will frame.
	MaxPacketSize = 65535
	// tunReadInitial is the tun read scratch buffer's starting capacity.
	tunReadInitial = 4096
)

// Kind tags the variant held by a Socket.
type Kind int

const (
	// KindListener is a bound, listening TCP socket.
	KindListener Kind = iota
	// KindConnection is an established peer TCP connection.
	KindConnection
	// KindTun is the process-wide tun device.
	KindTun
)

// Socket is a tagged union over the three fd-owning objects the event
// loop dispatches on: a listener, a peer connection, or the tun device.
// Only the fields relevant to Kind are populated; dispatch is by Kind,
// never by dynamic type assertion, to keep the hot path allocation-free.
type Socket struct {
	Kind Kind
	FD   int

	// KindListener
	ListenFamily Family

	// KindConnection
	Peer     NetAddress
	CFamily  Family
	Outbound bool
	Rx       *Ring
	Tx       *Ring

	// KindTun — Tx is the shared backlog ring passed to NewTunSocket
	ReadBuf  []byte // grown on demand up to MaxPacketSize
	WriteBuf []byte // reassembly scratch, grows on demand
	// PktLen/PktHave track a tun write in progress across calls (see
	// framer.go WriteToTun).
	PktLen  int
	PktHave int
}

// NewListenerSocket wraps an already-bound, non-blocking listening fd.
func NewListenerSocket(fd int, fam Family) *Socket {
	return &Socket{Kind: KindListener, FD: fd, ListenFamily: fam}
}

// NewConnectionSocket wraps a connected, non-blocking fd with fresh rings.
func NewConnectionSocket(fd int, peer NetAddress, fam Family, outbound bool) *Socket {
	return &Socket{
		Kind:     KindConnection,
		FD:       fd,
		Peer:     peer,
		CFamily:  fam,
		Outbound: outbound,
		Rx:       NewRing(RxRingSize),
		Tx:       NewRing(TxRingSize),
	}
}

// NewTunSocket wraps the tun device fd. tx is the single shared backlog
// ring referenced by every Connection's push-to-tun path.
func NewTunSocket(fd int, tx *Ring) *Socket {
	return &Socket{
		Kind:    KindTun,
		FD:      fd,
		Tx:      tx,
		ReadBuf: make([]byte, tunReadInitial),
	}
}

// growReadBuf doubles the tun read scratch buffer up to MaxPacketSize.
func (s *Socket) growReadBuf() bool {
	if len(s.ReadBuf) >= MaxPacketSize {
		return false
	}
	n := len(s.ReadBuf) * 2
	if n > MaxPacketSize {
		n = MaxPacketSize
	}
	s.ReadBuf = make([]byte, n)
	return true
}
