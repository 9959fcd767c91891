// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tund.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseAppliesEnvSubstitution(t *testing.T) {
	path := writeConfig(t, `{
		"environ": {"PEERDIR": "/etc/tunmesh"},
		"peerFile": "${PEERDIR}/peers.txt",
		"selfAddrV4": "10.0.0.1",
		"listenPort": 4242,
		"addressSet": "tunmesh"
	}`)
	if err := Parse(path); err != nil {
		t.Fatal(err)
	}
	if Cfg.PeerFile != "/etc/tunmesh/peers.txt" {
		t.Fatalf("expected substitution to apply, got %q", Cfg.PeerFile)
	}
}

func TestParseDefaultsStatsInterval(t *testing.T) {
	path := writeConfig(t, `{"selfAddrV4": "10.0.0.1", "listenPort": 4242, "addressSet": "tunmesh"}`)
	if err := Parse(path); err != nil {
		t.Fatal(err)
	}
	if Cfg.StatsInterval != 30 {
		t.Fatalf("expected default stats interval of 30, got %d", Cfg.StatsInterval)
	}
}

func TestParseUnresolvedSubstitutionLeftUntouched(t *testing.T) {
	path := writeConfig(t, `{"selfAddrV4": "${MISSING}", "listenPort": 1, "addressSet": "x"}`)
	if err := Parse(path); err != nil {
		t.Fatal(err)
	}
	if Cfg.SelfAddrV4 != "${MISSING}" {
		t.Fatalf("expected an unresolved reference to be left as-is, got %q", Cfg.SelfAddrV4)
	}
}
