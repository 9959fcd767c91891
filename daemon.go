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

// Package tunmesh wires the transport, core, control and store packages
// into a runnable peer-to-peer IP tunnel daemon.
package tunmesh

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/bfix/gospel/logger"

	"tunmesh/control"
	"tunmesh/core"
	"tunmesh/store"
	"tunmesh/transport"
)

// Config is the subset of config.Config the daemon entry point needs,
// restated here (rather than importing the config package directly) so
// Run's signature matches spec.md §6's unchanged entry point shape:
// (tun_fd, peer_file_path, self_addr_v4, self_addr_v6, listener_port,
// address_set_name), plus the ambient additions from SPEC_FULL.md §6.
type Config struct {
	TunFD         int
	PeerFilePath  string
	SelfAddrV4    string
	SelfAddrV6    string
	ListenPort    int
	AddressSet    string
	ControlAddr   string
	StatsDBPath   string
	StatsInterval int // seconds

	// Controls, if non-nil, is used in place of a freshly allocated
	// core.Controls — letting the caller (cmd/tund) wire OS signals to
	// the same reload/stop flags the control HTTP surface sets.
	Controls *core.Controls
}

// Run initializes the event loop, control HTTP surface and stats store
// per cfg, and blocks until a stop is requested. It returns 0 on clean
// shutdown and non-zero on initialization failure, per spec.md §6.
func Run(cfg Config) int {
	if cfg.SelfAddrV4 == "" && cfg.SelfAddrV6 == "" {
		logger.Println(logger.ERROR, "[tunmesh] at least one self address must be configured")
		return 1
	}

	ctx, err := core.NewContext(cfg.TunFD, transport.IPSet{}, cfg.AddressSet, cfg.ListenPort)
	if err != nil {
		logger.Printf(logger.ERROR, "[tunmesh] context init failed: %s\n", err.Error())
		return 1
	}

	if cfg.SelfAddrV4 != "" {
		v4, err := parseSelfAddr(cfg.SelfAddrV4)
		if err != nil {
			logger.Printf(logger.ERROR, "[tunmesh] bad self IPv4 address: %s\n", err.Error())
			return 1
		}
		ctx.SelfV4, ctx.UseV4 = &v4, true
		if err := bindListener(ctx, v4.Family, cfg.ListenPort); err != nil {
			logger.Printf(logger.ERROR, "[tunmesh] bind v4 listener: %s\n", err.Error())
			return 1
		}
	}
	if cfg.SelfAddrV6 != "" {
		v6, err := parseSelfAddr(cfg.SelfAddrV6)
		if err != nil {
			logger.Printf(logger.ERROR, "[tunmesh] bad self IPv6 address: %s\n", err.Error())
			return 1
		}
		ctx.SelfV6, ctx.UseV6 = &v6, true
		if err := bindListener(ctx, v6.Family, cfg.ListenPort); err != nil {
			logger.Printf(logger.ERROR, "[tunmesh] bind v6 listener: %s\n", err.Error())
			return 1
		}
	}

	controls := cfg.Controls
	if controls == nil {
		controls = core.NewControls()
	}
	// ctx.UseV6 is the single source of truth for v6 enablement (set above
	// from cfg.SelfAddrV6); the resolver must agree with it rather than
	// deriving its own flag from cfg, or a reload with a malformed
	// SelfAddrV6 could enable v6 resolution without a v6 listener ever
	// having bound.
	reconciler := core.NewPeerReconciler(ctx.UseV6)

	var statsStore *store.Store
	if cfg.StatsDBPath != "" {
		statsStore, err = store.Open(cfg.StatsDBPath)
		if err != nil {
			logger.Printf(logger.ERROR, "[tunmesh] stats store init failed: %s\n", err.Error())
			return 1
		}
		defer statsStore.Close()
	}

	pollTimeout := -1
	if statsStore != nil && cfg.StatsInterval > 0 {
		pollTimeout = cfg.StatsInterval * 1000
	}

	loop := &core.EventLoop{
		Ctx:         ctx,
		Controls:    controls,
		Reconciler:  reconciler,
		PeerFile:    cfg.PeerFilePath,
		PollTimeout: pollTimeout,
	}
	if statsStore != nil {
		loop.OnTick = func() {
			statsStore.Insert(store.SnapshotFromCounters(ctx.Counters, nowUnix()))
		}
	}

	var httpServer *control.Server
	var httpCtx context.Context
	var httpCancel context.CancelFunc
	if cfg.ControlAddr != "" {
		httpCtx, httpCancel = context.WithCancel(context.Background())
		httpServer = control.NewServer(cfg.ControlAddr, controls,
			func() transport.Counters { return ctx.LoadSnapshot().Counters },
			func() (live, passive int) {
				s := ctx.LoadSnapshot()
				return s.LivePeers, s.PassivePeers
			},
		)
		httpServer.Start(httpCtx)
		defer httpCancel()
	}

	loop.Run()
	return 0
}

func parseSelfAddr(s string) (transport.NetAddress, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return transport.NetAddress{}, fmt.Errorf("not a valid IP address: %q", s)
	}
	return transport.NewNetAddress(ip)
}

func bindListener(ctx *core.Context, fam transport.Family, port int) error {
	fd, err := newListenerSocket(fam, port)
	if err != nil {
		return err
	}
	return ctx.AddListener(fd, fam)
}

// nowUnix is split out so the idle-tick snapshot path has a single,
// explicit source of wall-clock time.
func nowUnix() int64 {
	return time.Now().Unix()
}
