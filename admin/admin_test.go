// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fluxmirror/target/mirror"
	"github.com/stretchr/testify/require"
)

func TestCounters_SnapshotReflectsIncrements(t *testing.T) {
	c := NewCounters()
	c.IncReplayed()
	c.IncDuplicate()
	c.IncAckStage(0, true)
	c.IncAckStage(2, false)
	c.IncIdempotentNoOp()

	snap := c.Snapshot()
	require.EqualValues(t, 1, snap.ReplayedTotal)
	require.EqualValues(t, 1, snap.DuplicatesTotal)
	require.EqualValues(t, 1, snap.AckStageDirect)
	require.EqualValues(t, 1, snap.AckUnresolved)
	require.EqualValues(t, 1, snap.AdminIdempotentTotal)
	require.EqualValues(t, 5, snap.EventsTotal)
}

func TestServer_HealthzAndStats(t *testing.T) {
	counters := NewCounters()
	counters.IncReplayed()

	srv := New(Config{Addr: ":0"}, counters, nil, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.server.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	srv.server.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.EqualValues(t, 1, stats.ReplayedTotal)
}

func TestSinks_AdaptToMirrorInterfaces(t *testing.T) {
	counters := NewCounters()
	sinks := NewSinks(counters, nil)

	sinks.ReplaySink().IncReplayed()
	sinks.AckSink().IncAckStage(mirror.AckStageFlush, true)
	sinks.AdminSink().IncIdempotentNoOp(mirror.EventDeleteQueue)

	snap := counters.Snapshot()
	require.EqualValues(t, 1, snap.ReplayedTotal)
	require.EqualValues(t, 1, snap.AckStageFlush)
	require.EqualValues(t, 1, snap.AdminIdempotentTotal)
}
