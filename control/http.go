// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"

	"tunmesh/core"
	"tunmesh/transport"
)

// StatsSource is consulted for GET /stats. The event loop hands in an
// atomically-loaded counters snapshot, not the live counters, so the HTTP
// handler goroutine never reads a struct concurrently torn by the event
// loop (see SPEC_FULL.md §5).
type StatsSource func() transport.Counters

// PeerCounts reports live/passive peer table sizes for GET /stats.
type PeerCounts func() (live, passive int)

// Server is the control/metrics HTTP surface: a gorilla/mux router
// exposing reload/stop triggers and a counters snapshot, mirroring the
// teacher's http.Server-wrapping-mux.Router RPC pattern but with a small
// fixed route set instead of per-module JSON-RPC registration.
type Server struct {
	router *mux.Router
	srv    *http.Server
}

// NewServer builds the router for addr (not yet listening).
func NewServer(addr string, controls *core.Controls, stats StatsSource, peers PeerCounts) *Server {
	r := mux.NewRouter()
	s := &Server{router: r}
	r.HandleFunc("/reload", func(w http.ResponseWriter, req *http.Request) {
		controls.RequestReload()
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	r.HandleFunc("/stop", func(w http.ResponseWriter, req *http.Request) {
		controls.RequestStop()
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)
	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		live, passive := peers()
		writeStats(w, stats(), live, passive)
	}).Methods(http.MethodGet)

	s.srv = &http.Server{
		Handler:      r,
		Addr:         addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

type statsPayload struct {
	LivePeers    int    `json:"livePeers"`
	PassivePeers int    `json:"passivePeers"`
	TunRxBytes   uint64 `json:"tunRxBytes"`
	TunRxPkts    uint64 `json:"tunRxPkts"`
	TunRxDropB   uint64 `json:"tunRxDropBytes"`
	TunRxDropP   uint64 `json:"tunRxDropPkts"`
	TunTxBytes   uint64 `json:"tunTxBytes"`
	TunTxPkts    uint64 `json:"tunTxPkts"`
	TunTxDropB   uint64 `json:"tunTxDropBytes"`
	TunTxDropP   uint64 `json:"tunTxDropPkts"`
	WorldRxBytes uint64 `json:"worldRxBytes"`
	WorldRxPkts  uint64 `json:"worldRxPkts"`
	WorldRxDropB uint64 `json:"worldRxDropBytes"`
	WorldRxDropP uint64 `json:"worldRxDropPkts"`
	WorldTxBytes uint64 `json:"worldTxBytes"`
	WorldTxPkts  uint64 `json:"worldTxPkts"`
	WorldTxDropB uint64 `json:"worldTxDropBytes"`
	WorldTxDropP uint64 `json:"worldTxDropPkts"`
}

func writeStats(w http.ResponseWriter, c transport.Counters, live, passive int) {
	p := statsPayload{
		LivePeers: live, PassivePeers: passive,
		TunRxBytes: c.TunRxBytes, TunRxPkts: c.TunRxPkts, TunRxDropB: c.TunRxDropBytes, TunRxDropP: c.TunRxDropPkts,
		TunTxBytes: c.TunTxBytes, TunTxPkts: c.TunTxPkts, TunTxDropB: c.TunTxDropBytes, TunTxDropP: c.TunTxDropPkts,
		WorldRxBytes: c.WorldRxBytes, WorldRxPkts: c.WorldRxPkts, WorldRxDropB: c.WorldRxDropBytes, WorldRxDropP: c.WorldRxDropPkts,
		WorldTxBytes: c.WorldTxBytes, WorldTxPkts: c.WorldTxPkts, WorldTxDropB: c.WorldTxDropBytes, WorldTxDropP: c.WorldTxDropPkts,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p); err != nil {
		logger.Printf(logger.WARN, "[control] encode stats response: %s\n", err.Error())
	}
}

// Start runs the HTTP server in a background goroutine, shutting down
// when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf(logger.WARN, "[control] server listen failed: %s\n", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf(logger.WARN, "[control] server shutdown failed: %s\n", err.Error())
		}
	}()
}
