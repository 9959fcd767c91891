// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tunmesh/core"
	"tunmesh/transport"
)

func TestReloadAndStopSetControlFlags(t *testing.T) {
	controls := core.NewControls()
	s := NewServer("", controls, func() transport.Counters { return transport.Counters{} }, func() (int, int) { return 0, 0 })
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/reload", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if !controls.TakeReload() {
		t.Fatalf("expected the reload flag to be set")
	}

	resp2, err := http.Post(ts.URL+"/stop", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp2.StatusCode)
	}
	if !controls.StopRequested() {
		t.Fatalf("expected the stop flag to be set")
	}
}

func TestStatsReportsCounters(t *testing.T) {
	controls := core.NewControls()
	counters := transport.Counters{TunRxBytes: 42, TunRxPkts: 1}
	s := NewServer("", controls, func() transport.Counters { return counters }, func() (int, int) { return 2, 5 })
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload statsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.TunRxBytes != 42 || payload.TunRxPkts != 1 {
		t.Fatalf("unexpected counters in response: %+v", payload)
	}
	if payload.LivePeers != 2 || payload.PassivePeers != 5 {
		t.Fatalf("unexpected peer counts in response: %+v", payload)
	}
}
