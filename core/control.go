// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package core

import "sync/atomic"

// Controls exposes two idempotent, signal-handler-safe control entry
// points — reload and stop — backed by atomic flags. The event loop
// observes them at one defined point per iteration (see EventLoop.Step);
// no signal-unsafe code ever runs on the setting side.
type Controls struct {
	reload atomic.Bool
	stop   atomic.Bool
}

// NewControls returns a Controls with both flags clear.
func NewControls() *Controls {
	return &Controls{}
}

// RequestReload raises the reload flag. Safe to call from a signal
// handler or an HTTP handler goroutine.
func (c *Controls) RequestReload() {
	c.reload.Store(true)
}

// RequestStop raises the stop flag. Safe to call from a signal handler
// or an HTTP handler goroutine.
func (c *Controls) RequestStop() {
	c.stop.Store(true)
}

// TakeReload reports whether reload was requested, clearing the flag.
func (c *Controls) TakeReload() bool {
	return c.reload.CompareAndSwap(true, false)
}

// StopRequested reports whether a stop was requested.
func (c *Controls) StopRequested() bool {
	return c.stop.Load()
}
