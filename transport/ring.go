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

package transport

import "fmt"

// Result is the return state of an IO handler or data pusher invoked by
// the ring's drain/fill loop.
type Result int

const (
	// OK indicates progress was made; the caller may invoke the handler
	// again.
	OK Result = iota
	// OKExhausted indicates the handler would block (EAGAIN) or cannot
	// make further progress without more data; the ring stops cleanly.
	OKExhausted
	// Kill indicates a fatal connection error (peer closed, ECONNRESET,
	// ENOTCONN, EPIPE); the caller must destroy the owning socket.
	Kill
	// UnknownErr indicates an unexpected syscall error; log and continue.
	UnknownErr
	// OKNotEnoughSpace indicates an atomic multi-byte write (a whole L3
	// packet) did not fit even considering wrap capacity; treat as a
	// drop, never a partial enqueue.
	OKNotEnoughSpace
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case OKExhausted:
		return "OK_EXHAUSTED"
	case Kill:
		return "KILL"
	case UnknownErr:
		return "UNKNOWN_ERR"
	case OKNotEnoughSpace:
		return "OK_NOT_ENOUGH_SPACE"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// DrainHandler is presented the currently occupied contiguous region
// `buf[:n]` of a ring, plus `other` — the length of a second span that
// continues at offset 0 when the ring is wrapped (0 otherwise). On OK the
// handler must have advanced the ring's start by the bytes it consumed
// (via Ring.Advance).
type DrainHandler func(r *Ring, buf []byte, other int) Result

// FillHandler is presented the currently free contiguous region `buf[:n]`
// of a ring. On OK the handler must have advanced the ring's end by the
// bytes it wrote (via Ring.Commit).
type FillHandler func(r *Ring, buf []byte) Result

// Pusher is invoked after every successful FillHandler call during fill,
// with the ring's currently occupied region split into up to two
// contiguous spans (span2 is nil unless the occupied region wraps). It
// returns the number of bytes consumed as a prefix of span1 (falling
// through into span2 if all of span1 was consumed); fill() advances start
// by that amount.
type Pusher func(span1, span2 []byte) int

// Ring is a fixed-capacity single-producer/single-consumer circular byte
// buffer. The occupied region is [start,end) when not wrapped, or
// [start,sz) U [0,end) when wrapped. Zero value is not usable; use
// NewRing.
type Ring struct {
	buf     []byte
	start   int
	end     int
	wrapped bool
}

// NewRing allocates a ring buffer with the given fixed capacity.
func NewRing(sz int) *Ring {
	return &Ring{buf: make([]byte, sz)}
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Empty returns true if the ring holds no bytes.
func (r *Ring) Empty() bool {
	return !r.wrapped && r.start == r.end
}

// Full returns true if the ring holds Cap() bytes.
func (r *Ring) Full() bool {
	return r.wrapped && r.start == r.end
}

// Len returns the number of occupied bytes.
func (r *Ring) Len() int {
	if r.wrapped {
		return len(r.buf) - r.start + r.end
	}
	return r.end - r.start
}

// Free returns the number of free bytes.
func (r *Ring) Free() int {
	return len(r.buf) - r.Len()
}

// Advance moves start forward by n bytes of consumed occupied data,
// wrapping and clearing the wrap flag when start reaches or passes the
// buffer end (n may cover both spans of a wrapped region).
func (r *Ring) Advance(n int) {
	r.start += n
	if r.start >= len(r.buf) {
		r.start -= len(r.buf)
		r.wrapped = false
	}
}

// Commit moves end forward by n bytes of newly written free space,
// wrapping (and setting the wrap flag) when end reaches the buffer end.
func (r *Ring) Commit(n int) {
	r.end += n
	if r.end == len(r.buf) {
		r.end = 0
		r.wrapped = true
	}
}

// occupiedSpan returns the first contiguous occupied span and the length
// of a second span that continues at offset 0 (0 if not wrapped).
func (r *Ring) occupiedSpan() (buf []byte, other int) {
	if r.wrapped {
		return r.buf[r.start:], r.end
	}
	return r.buf[r.start:r.end], 0
}

// freeSpan returns the first contiguous free span.
func (r *Ring) freeSpan() []byte {
	if r.wrapped {
		return r.buf[r.end:r.start]
	}
	return r.buf[r.end:]
}

// Drain repeatedly presents the occupied region to handler until handler
// returns a non-OK result, or (if wrapped) until start reaches the buffer
// end and wraps to continue presenting the second span.
func (r *Ring) Drain(handler DrainHandler) Result {
	for {
		if r.Empty() {
			return OKExhausted
		}
		span, other := r.occupiedSpan()
		res := handler(r, span, other)
		if res != OK {
			return res
		}
		// if the handler consumed exactly to the buffer end while
		// wrapped, Advance already wrapped start to 0 and cleared the
		// flag; loop again to present the continuation.
	}
}

// Fill repeatedly presents the free region to handler until handler
// returns a non-OK result and the ring is not full. After each successful
// handler call, if pusher is non-nil it is offered the newly-occupied
// bytes and may consume a prefix immediately (forwarding them to the next
// stage within the same readiness cycle).
func (r *Ring) Fill(handler FillHandler, pusher Pusher) Result {
	var last Result
	for {
		if r.Full() {
			return OKExhausted
		}
		span := r.freeSpan()
		if len(span) == 0 {
			return OKExhausted
		}
		res := handler(r, span)
		last = res
		if pusher != nil {
			r.push(pusher)
		}
		if res != OK && !r.Full() {
			return last
		}
	}
}

// push offers the pusher the occupied region (split across the wrap if
// necessary) and advances start by however much the pusher consumed.
func (r *Ring) push(pusher Pusher) {
	for {
		if r.Empty() {
			return
		}
		span1, other := r.occupiedSpan()
		var span2 []byte
		if other > 0 {
			span2 = r.buf[:other]
		}
		n := pusher(span1, span2)
		if n <= 0 {
			return
		}
		if n > r.Len() {
			n = r.Len()
		}
		r.Advance(n)
		if n < len(span1) {
			// pusher took a partial prefix of span1; nothing more to
			// offer this round.
			return
		}
	}
}

// Reset empties the ring, discarding any buffered bytes.
func (r *Ring) Reset() {
	r.start = 0
	r.end = 0
	r.wrapped = false
}
