// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package transport

import (
	"os/exec"

	"github.com/bfix/gospel/logger"
)

// RouteInstaller manages kernel-side routing entries for peer addresses
// via an external address-set administration utility. Production code
// talks to the real `ipset` binary; tests substitute a recording double
// so PeerReconciler and connection lifecycle behaviour can be verified
// without touching the kernel.
type RouteInstaller interface {
	// Install adds addr to the named set. A non-nil error is fatal to
	// the socket being set up.
	Install(set string, addr NetAddress) error
	// Drop removes addr from the named set. Errors are logged and
	// ignored.
	Drop(set string, addr NetAddress) error
}

// IPSet is the production RouteInstaller, shelling out to `ipset`. Each
// argument is passed as a discrete argv entry to exec.Command — never
// through a shell — so a hostile peer-file entry cannot inject shell
// metacharacters into the address string.
type IPSet struct{}

// Install runs `ipset add <set> <addr>`.
func (IPSet) Install(set string, addr NetAddress) error {
	cmd := exec.Command("ipset", "add", set, addr.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Printf(logger.ERROR, "[route] ipset add %s %s failed: %s (%s)\n",
			set, addr.String(), err.Error(), string(out))
	}
	return err
}

// Drop runs `ipset del <set> <addr>`, logging and ignoring any failure.
func (IPSet) Drop(set string, addr NetAddress) error {
	cmd := exec.Command("ipset", "del", set, addr.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Printf(logger.WARN, "[route] ipset del %s %s failed: %s (%s)\n",
			set, addr.String(), err.Error(), string(out))
	}
	return err
}

// RecordingInstaller is a test double recording every successful Install
// and every Drop instead of shelling out, optionally failing installs for
// addresses listed in FailInstall.
type RecordingInstaller struct {
	Installed   []NetAddress
	Dropped     []NetAddress
	FailInstall map[NetAddress]bool
}

// NewRecordingInstaller returns an empty recording double.
func NewRecordingInstaller() *RecordingInstaller {
	return &RecordingInstaller{FailInstall: make(map[NetAddress]bool)}
}

// Install fails if addr is in FailInstall (recording nothing); otherwise
// it appends addr to Installed.
func (r *RecordingInstaller) Install(set string, addr NetAddress) error {
	if r.FailInstall[addr] {
		return errRouteInstallFailed
	}
	r.Installed = append(r.Installed, addr)
	return nil
}

// Drop records the call; it never fails.
func (r *RecordingInstaller) Drop(set string, addr NetAddress) error {
	r.Dropped = append(r.Dropped, addr)
	return nil
}

var errRouteInstallFailed = routeError("route install rejected by test fixture")

type routeError string

func (e routeError) Error() string { return string(e) }
