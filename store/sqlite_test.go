// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"tunmesh/transport"
)

func TestOpenCreatesSchemaAndInsertPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	snap := SnapshotFromCounters(transport.Counters{TunRxBytes: 100, TunRxPkts: 2, WorldTxDropPkts: 3}, 1700000000)
	s.Insert(snap)

	verify, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer verify.Close()

	var count int
	if err := verify.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}

	var rxBytes, txDropPkts int64
	if err := verify.QueryRow("SELECT tun_rx_bytes, world_tx_drop_pkts FROM snapshots").Scan(&rxBytes, &txDropPkts); err != nil {
		t.Fatal(err)
	}
	if rxBytes != 100 || txDropPkts != 3 {
		t.Fatalf("unexpected row contents: rxBytes=%d txDropPkts=%d", rxBytes, txDropPkts)
	}
}
