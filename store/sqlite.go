// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package store

import (
	"database/sql"
	"fmt"

	"github.com/bfix/gospel/logger"
	_ "github.com/mattn/go-sqlite3"

	"tunmesh/transport"
)

// Snapshot is one row of the counters persistence record (SPEC_FULL.md
// §3 expansion): a point-in-time copy of every counter pair tunmesh
// tracks, so an operator can graph backpressure/drop history after the
// process exits.
type Snapshot struct {
	TakenAt      int64
	TunRxBytes   uint64
	TunRxPkts    uint64
	TunRxDropB   uint64
	TunRxDropP   uint64
	TunTxBytes   uint64
	TunTxPkts    uint64
	TunTxDropB   uint64
	TunTxDropP   uint64
	WorldRxBytes uint64
	WorldRxPkts  uint64
	WorldRxDropB uint64
	WorldRxDropP uint64
	WorldTxBytes uint64
	WorldTxPkts  uint64
	WorldTxDropB uint64
	WorldTxDropP uint64
}

// SnapshotFromCounters builds a Snapshot from the live counters at takenAt
// (a Unix timestamp, passed in rather than read from time.Now so callers
// control the clock).
func SnapshotFromCounters(c transport.Counters, takenAt int64) Snapshot {
	return Snapshot{
		TakenAt:      takenAt,
		TunRxBytes:   c.TunRxBytes,
		TunRxPkts:    c.TunRxPkts,
		TunRxDropB:   c.TunRxDropBytes,
		TunRxDropP:   c.TunRxDropPkts,
		TunTxBytes:   c.TunTxBytes,
		TunTxPkts:    c.TunTxPkts,
		TunTxDropB:   c.TunTxDropBytes,
		TunTxDropP:   c.TunTxDropPkts,
		WorldRxBytes: c.WorldRxBytes,
		WorldRxPkts:  c.WorldRxPkts,
		WorldRxDropB: c.WorldRxDropBytes,
		WorldRxDropP: c.WorldRxDropPkts,
		WorldTxBytes: c.WorldTxBytes,
		WorldTxPkts:  c.WorldTxPkts,
		WorldTxDropB: c.WorldTxDropBytes,
		WorldTxDropP: c.WorldTxDropPkts,
	}
}

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
	taken_at INTEGER NOT NULL,
	tun_rx_bytes INTEGER, tun_rx_pkts INTEGER, tun_rx_drop_bytes INTEGER, tun_rx_drop_pkts INTEGER,
	tun_tx_bytes INTEGER, tun_tx_pkts INTEGER, tun_tx_drop_bytes INTEGER, tun_tx_drop_pkts INTEGER,
	world_rx_bytes INTEGER, world_rx_pkts INTEGER, world_rx_drop_bytes INTEGER, world_rx_drop_pkts INTEGER,
	world_tx_bytes INTEGER, world_tx_pkts INTEGER, world_tx_drop_bytes INTEGER, world_tx_drop_pkts INTEGER
)`

const insertStmt = `INSERT INTO snapshots (
	taken_at,
	tun_rx_bytes, tun_rx_pkts, tun_rx_drop_bytes, tun_rx_drop_pkts,
	tun_tx_bytes, tun_tx_pkts, tun_tx_drop_bytes, tun_tx_drop_pkts,
	world_rx_bytes, world_rx_pkts, world_rx_drop_bytes, world_rx_drop_pkts,
	world_tx_bytes, world_tx_pkts, world_tx_drop_bytes, world_tx_drop_pkts
) VALUES (?, ?,?,?,?, ?,?,?,?, ?,?,?,?, ?,?,?,?)`

// Store is a write-only audit trail of counter snapshots, mirroring the
// teacher's ConnectSqlDatabase dispatch-by-spec-string pattern but
// narrowed to the one driver tunmesh needs (database/sql over
// github.com/mattn/go-sqlite3). No reads happen at runtime; an operator
// queries the file offline.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) the snapshots table at path and returns a
// ready-to-use Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert writes one snapshot row. Failures are logged, not returned —
// this is best-effort telemetry, never load-bearing for the data plane.
func (s *Store) Insert(snap Snapshot) {
	_, err := s.db.Exec(insertStmt,
		snap.TakenAt,
		snap.TunRxBytes, snap.TunRxPkts, snap.TunRxDropB, snap.TunRxDropP,
		snap.TunTxBytes, snap.TunTxPkts, snap.TunTxDropB, snap.TunTxDropP,
		snap.WorldRxBytes, snap.WorldRxPkts, snap.WorldRxDropB, snap.WorldRxDropP,
		snap.WorldTxBytes, snap.WorldTxPkts, snap.WorldTxDropB, snap.WorldTxDropP,
	)
	if err != nil {
		logger.Printf(logger.WARN, "[store] insert snapshot failed: %s\n", err.Error())
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
