// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package transport

import (
	"encoding/binary"

	"github.com/bfix/gospel/logger"
	"golang.org/x/sys/unix"
)

// ipVersion returns the high nibble of the first octet, or -1 if b is empty.
func ipVersion(b []byte) int {
	if len(b) == 0 {
		return -1
	}
	return int(b[0] >> 4)
}

// readAt reads a byte at logical offset off from a pair of spans that
// together represent the ring's occupied region (span2 may be nil). It
// is always bounds-checked against the combined length, even when the
// caller believes enough bytes are present — crafted traffic must never
// read out of bounds.
func readAt(span1, span2 []byte, off int) (byte, bool) {
	if off < len(span1) {
		return span1[off], true
	}
	off -= len(span1)
	if off < len(span2) {
		return span2[off], true
	}
	return 0, false
}

// ipv4TotalLength extracts the 16-bit total-length field (bytes 2-3) of
// an IPv4 header split across up to two ring spans. Returns ok=false if
// not enough bytes are present yet.
func ipv4TotalLength(span1, span2 []byte) (int, bool) {
	b2, ok := readAt(span1, span2, 2)
	if !ok {
		return 0, false
	}
	b3, ok := readAt(span1, span2, 3)
	if !ok {
		return 0, false
	}
	return int(binary.BigEndian.Uint16([]byte{b2, b3})), true
}

// copySpans copies up to n bytes from (span1,span2) into dst, returning
// the number of bytes actually copied.
func copySpans(dst []byte, span1, span2 []byte, n int) int {
	copied := 0
	if n > 0 && len(span1) > 0 {
		c := copy(dst[:min(n, len(span1))], span1)
		copied += c
		n -= c
	}
	if n > 0 && len(span2) > 0 {
		c := copy(dst[copied:copied+min(n, len(span2))], span2)
		copied += c
	}
	return copied
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// PacketRouter resolves a destination NetAddress to a live Connection
// socket, returning nil if no live socket owns that address.
type PacketRouter func(dst NetAddress) *Socket

// ConnKill is invoked when a tun-sourced packet's passthrough send to a
// peer connection fails fatally; the caller must destroy that connection
// exactly as a failed recv/send from the event loop would.
type ConnKill func(sock *Socket)

// Counters accumulates the four byte/packet counter pairs (with drop
// sub-counters) the spec requires. All fields are updated only from the
// event-loop goroutine.
type Counters struct {
	TunRxBytes, TunRxPkts, TunRxDropBytes, TunRxDropPkts         uint64
	TunTxBytes, TunTxPkts, TunTxDropBytes, TunTxDropPkts         uint64
	WorldRxBytes, WorldRxPkts, WorldRxDropBytes, WorldRxDropPkts uint64
	WorldTxBytes, WorldTxPkts, WorldTxDropBytes, WorldTxDropPkts uint64
}

//----------------------------------------------------------------------
// Outbound-to-tun direction: slicing whole L3 packets out of a
// connection's rx ring and delivering them to the tun device (§4.3).
//----------------------------------------------------------------------

// PushToTun is the rx-ring pusher used while filling a connection's rx
// ring: it slices whole L3 packets from the newly-occupied bytes and
// hands each one to the tun device, either via a direct writev (when the
// tun backlog is empty) or by enqueueing into the backlog.
type PushToTun struct {
	Tun     *Socket
	Label   string
	Counter *Counters
}

// Push implements the Pusher signature used by Ring.Fill.
func (p *PushToTun) Push(span1, span2 []byte) int {
	total := 0
	for {
		pktLen, ok := ipv4TotalLength(span1, span2)
		ver := 0
		if b, has := readAt(span1, span2, 0); has {
			ver = int(b >> 4)
		} else {
			return total
		}
		if ver != 4 {
			if ver == 6 {
				logger.Println(logger.DBG, "["+p.Label+"] IPv6 forwarding not implemented; stalling")
			} else {
				logger.Printf(logger.WARN, "[%s] unknown IP version %d in rx stream\n", p.Label, ver)
			}
			return total
		}
		if !ok || pktLen == 0 {
			return total
		}
		avail := len(span1) + len(span2)
		if avail < pktLen {
			return total
		}

		if p.Tun.Tx.Empty() {
			// attempt a direct vectored write while the backlog is empty.
			var iovs [][]byte
			if pktLen <= len(span1) {
				iovs = [][]byte{span1[:pktLen]}
			} else {
				iovs = [][]byte{span1, span2[:pktLen-len(span1)]}
			}
			n, err := writevFD(p.Tun.FD, iovs)
			if err == nil && n == pktLen {
				p.Counter.TunTxBytes += uint64(pktLen)
				p.Counter.TunTxPkts++
				total += pktLen
				span1, span2 = advanceSpans(span1, span2, pktLen)
				continue
			}
			if err != nil && err != unix.EAGAIN {
				logger.Printf(logger.ERROR, "[%s] tun writev failed: %s\n", p.Label, err.Error())
			}
			// fall through to backlog path on EAGAIN or partial write.
		}

		res := playbackTunWriteBuf(p.Tun.Tx, span1, span2, pktLen)
		if res == OKNotEnoughSpace {
			// backlog cannot hold this packet; leave bytes in the rx
			// ring (backpressure) rather than drop — the spec reserves
			// drops for the tun-to-connection direction only.
			return total
		}
		p.Counter.TunTxBytes += uint64(pktLen)
		p.Counter.TunTxPkts++
		total += pktLen
		span1, span2 = advanceSpans(span1, span2, pktLen)
	}
}

// advanceSpans drops the first n bytes from the logical concatenation of
// span1 and span2.
func advanceSpans(span1, span2 []byte, n int) ([]byte, []byte) {
	if n <= len(span1) {
		return span1[n:], span2
	}
	n -= len(span1)
	return span2[n:], nil
}

// playbackTunWriteBuf copies exactly one whole packet into the tun tx
// backlog ring. It refuses partial copies: if the packet does not fit in
// the ring's current free capacity, nothing is written and
// OKNotEnoughSpace is returned.
func playbackTunWriteBuf(ring *Ring, span1, span2 []byte, pktLen int) Result {
	if ring.Free() < pktLen {
		return OKNotEnoughSpace
	}
	remaining := pktLen
	for remaining > 0 {
		free := ring.freeSpan()
		if len(free) == 0 {
			return OKNotEnoughSpace
		}
		n := copySpans(free, span1, span2, min(remaining, len(free)))
		if n == 0 {
			return OKNotEnoughSpace
		}
		ring.Commit(n)
		span1, span2 = advanceSpans(span1, span2, n)
		remaining -= n
	}
	return OK
}

//----------------------------------------------------------------------
// Tun-to-connection direction: reading whole packets off the tun device
// and routing each to the owning peer connection (§4.4).
//----------------------------------------------------------------------

// ReadFromTun reads L3 packets from the tun fd, one per read, until the
// read would block (growing the read scratch buffer on demand up to
// MaxPacketSize). For each packet it determines the IP version and — for
// IPv4 — looks up the destination address via route and enqueues the
// packet on that connection's tx ring via WriteToConn.
func ReadFromTun(tun *Socket, route PacketRouter, onKill ConnKill, counters *Counters, label string) Result {
	for {
		n, err := unix.Read(tun.FD, tun.ReadBuf)
		if err != nil {
			if err == unix.EAGAIN {
				return OKExhausted
			}
			logger.Printf(logger.ERROR, "[%s] tun read failed: %s\n", label, err.Error())
			return UnknownErr
		}
		if n == 0 {
			return OKExhausted
		}
		pkt := tun.ReadBuf[:n]
		counters.TunRxBytes += uint64(n)
		counters.TunRxPkts++

		ver := ipVersion(pkt)
		switch ver {
		case 4:
			if n < 20 {
				logger.Printf(logger.WARN, "[%s] short IPv4 packet from tun (%d bytes)\n", label, n)
				continue
			}
			var dstBytes [4]byte
			copy(dstBytes[:], pkt[16:20])
			dst := NetAddress{Family: FamilyV4}
			copy(dst.Bytes[:4], dstBytes[:])
			sock := route(dst)
			if sock == nil {
				counters.WorldTxDropBytes += uint64(n)
				counters.WorldTxDropPkts++
				continue
			}
			switch res := WriteToConn(sock, pkt); res {
			case OKNotEnoughSpace:
				counters.WorldTxDropBytes += uint64(n)
				counters.WorldTxDropPkts++
			case Kill:
				onKill(sock)
			}
		case 6:
			// not implemented: dropped silently (no counter defined for
			// the stubbed v6 path), but logged at the same density as
			// the other unknown/unhandled framing paths.
			logger.Printf(logger.DBG, "[%s] IPv6 packet from tun, forwarding not implemented\n", label)
		default:
			logger.Printf(logger.WARN, "[%s] unknown IP version %d from tun, dropping\n", label, ver)
		}

		if n == len(tun.ReadBuf) {
			if !tun.growReadBuf() {
				// already at MaxPacketSize; keep reading at this size.
				continue
			}
		}
	}
}

// WriteToConn fills a connection's tx ring with one whole packet via a
// handler that admits the entire packet or nothing, then pushes the
// admitted bytes out over the socket with a real send (mirroring the
// original's write_passthru_to_conn), so a short or EAGAIN send still
// arms the connection's EPOLLOUT edge for the remainder.
func WriteToConn(sock *Socket, pkt []byte) Result {
	tx := sock.Tx
	if tx.Free() < len(pkt) {
		return OKNotEnoughSpace
	}
	killed := false
	pusher := func(span1, span2 []byte) int {
		return writePassthruToConn(sock.FD, span1, span2, &killed)
	}
	if len(tx.freeSpan()) < len(pkt) {
		// packet straddles the wrap boundary in the free region: commit
		// via two writes, then offer the pusher the now-occupied bytes.
		fillWrapped(tx, pkt, pusher)
	} else {
		delivered := false
		handler := func(r *Ring, buf []byte) Result {
			if delivered {
				return OKExhausted
			}
			if len(buf) < len(pkt) {
				return OKNotEnoughSpace
			}
			n := copy(buf, pkt)
			r.Commit(n)
			delivered = true
			return OKExhausted
		}
		tx.Fill(handler, pusher)
	}
	if killed {
		return Kill
	}
	return OKExhausted
}

// fillWrapped admits a packet that must be split across the free
// region's wrap boundary (it has already been verified to fit in total),
// then offers pusher the newly-occupied bytes.
func fillWrapped(tx *Ring, pkt []byte, pusher Pusher) {
	first := tx.freeSpan()
	n1 := copy(first, pkt)
	tx.Commit(n1)
	rest := pkt[n1:]
	second := tx.freeSpan()
	n2 := copy(second, rest)
	tx.Commit(n2)
	tx.push(pusher)
}

// writePassthruToConn sends as much of the newly-admitted bytes
// (span1 then span2) as the socket accepts right now. EAGAIN consumes
// nothing, leaving the bytes buffered for the next EPOLLOUT edge; a
// fatal peer error sets *killed and also consumes nothing, letting the
// caller destroy the connection instead of retrying.
func writePassthruToConn(fd int, span1, span2 []byte, killed *bool) int {
	if len(span1)+len(span2) == 0 {
		return 0
	}
	var iovs [][]byte
	if len(span2) == 0 {
		iovs = [][]byte{span1}
	} else {
		iovs = [][]byte{span1, span2}
	}
	n, err := writevFD(fd, iovs)
	if err != nil {
		switch err {
		case unix.EAGAIN:
		case unix.ECONNRESET, unix.ENOTCONN, unix.EPIPE:
			*killed = true
		default:
			logger.Printf(logger.ERROR, "[passthru] send to peer failed: %s\n", err.Error())
		}
		return 0
	}
	return n
}

//----------------------------------------------------------------------
// Tun device writable: draining the shared backlog back onto the tun fd,
// reassembling whole packets across ring wraps and partial writes (§4.5).
//----------------------------------------------------------------------

// WriteToTun drains the tun tx backlog ring onto the tun fd, one whole
// L3 packet per write/writev, growing and using the socket's write
// scratch buffer to reassemble a packet whose bytes are split across a
// ring wrap or arrive over more than one drain call.
func WriteToTun(tun *Socket) Result {
	return tun.Tx.Drain(func(r *Ring, buf []byte, other int) Result {
		var span2 []byte
		if other > 0 {
			span2 = r.buf[:other]
		}
		if tun.PktLen == 0 {
			pktLen, ok := ipv4TotalLength(buf, span2)
			if !ok {
				return OKExhausted
			}
			avail := len(buf) + len(span2)
			if avail >= pktLen {
				// whole packet available across at most two spans.
				var iovs [][]byte
				if pktLen <= len(buf) {
					iovs = [][]byte{buf[:pktLen]}
				} else {
					iovs = [][]byte{buf, span2[:pktLen-len(buf)]}
				}
				n, err := writevFD(tun.FD, iovs)
				if err != nil {
					if err == unix.EAGAIN {
						return OKExhausted
					}
					return UnknownErr
				}
				r.Advance(n)
				return OK
			}
			// packet header is present but body isn't yet fully
			// buffered in this call: stash what we have and wait.
			tun.ensureWriteBuf(pktLen)
			tun.PktHave = copy(tun.WriteBuf, buf)
			tun.PktLen = pktLen
			r.Advance(len(buf))
			return OK
		}

		// a packet is already in progress in the scratch buffer.
		need := tun.PktLen - tun.PktHave
		if len(buf) >= need {
			iovs := [][]byte{tun.WriteBuf[:tun.PktHave], buf[:need]}
			n, err := writevFD(tun.FD, iovs)
			if err != nil {
				if err == unix.EAGAIN {
					return OKExhausted
				}
				return UnknownErr
			}
			consumed := n - tun.PktHave
			if consumed < 0 {
				consumed = 0
			}
			r.Advance(consumed)
			if n == tun.PktLen {
				tun.PktLen, tun.PktHave = 0, 0
			}
			return OK
		}
		tun.ensureWriteBuf(tun.PktLen)
		tun.PktHave += copy(tun.WriteBuf[tun.PktHave:], buf)
		r.Advance(len(buf))
		return OK
	})
}

func (s *Socket) ensureWriteBuf(need int) {
	if cap(s.WriteBuf) >= need {
		s.WriteBuf = s.WriteBuf[:need]
		return
	}
	s.WriteBuf = make([]byte, need)
}

// writevFD performs a vectored write of iovs to fd, returning the total
// bytes written.
func writevFD(fd int, iovs [][]byte) (int, error) {
	if len(iovs) == 1 {
		return unix.Write(fd, iovs[0])
	}
	return unix.Writev(fd, iovs)
}
