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

// Command tund is the tunmesh daemon entry point: it parses flags, loads
// the JSON configuration, opens the tun device, wires OS signals to the
// two control triggers and runs the event loop until stopped.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/bfix/gospel/logger"

	"tunmesh"
	"tunmesh/config"
	"tunmesh/core"
)

func main() {
	defer func() {
		logger.Println(logger.INFO, "[tund] Bye.")
		logger.Flush()
	}()

	var (
		cfgFile string
		tunName string
	)
	flag.StringVar(&cfgFile, "c", "tunmesh-config.json", "tunmesh configuration file")
	flag.StringVar(&tunName, "t", "tun0", "tun device name")
	flag.Parse()

	if err := config.Parse(cfgFile); err != nil {
		logger.Printf(logger.ERROR, "[tund] invalid configuration file: %s\n", err.Error())
		os.Exit(1)
	}
	cfg := config.Cfg
	logger.SetLogLevel(cfg.LogLevel)

	if cfg.TunDevice != "" {
		tunName = cfg.TunDevice
	}
	tunFD, err := openTun(tunName)
	if err != nil {
		logger.Printf(logger.ERROR, "[tund] failed to open tun device %s: %s\n", tunName, err.Error())
		os.Exit(1)
	}

	daemonCfg := tunmesh.Config{
		TunFD:         tunFD,
		PeerFilePath:  cfg.PeerFile,
		SelfAddrV4:    cfg.SelfAddrV4,
		SelfAddrV6:    cfg.SelfAddrV6,
		ListenPort:    cfg.ListenPort,
		AddressSet:    cfg.AddressSet,
		ControlAddr:   cfg.ControlAddr,
		StatsDBPath:   cfg.StatsDBPath,
		StatsInterval: cfg.StatsInterval,
	}

	// handle OS signals: SIGHUP requests a reconcile pass, SIGINT/SIGTERM
	// a clean shutdown. Both paths funnel into core.Controls, the same
	// idempotent atomic flags the control HTTP surface uses, so the loop
	// cannot tell the two sources apart (SPEC_FULL.md §4.10).
	controls := core.NewControls()
	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logger.Println(logger.INFO, "[tund] SIGHUP: requesting reload")
				controls.RequestReload()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Printf(logger.INFO, "[tund] %s: requesting stop\n", sig.String())
				controls.RequestStop()
			}
		}
	}()
	daemonCfg.Controls = controls

	logger.Println(logger.INFO, "[tund] starting tunmesh")
	os.Exit(tunmesh.Run(daemonCfg))
}
