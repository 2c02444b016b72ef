// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirrormetrics

import (
	"testing"

	"github.com/fluxmirror/target/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	assert.NotNil(t, m.eventsTotal)
	assert.NotNil(t, m.ackStageTotal)
}

func TestSinksDoNotPanic(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.ReplaySink().IncDuplicate()
	m.ReplaySink().IncReplayed()
	m.AckSink().IncAckStage(mirror.AckStageDirect, true)
	m.AckSink().IncAckStage(mirror.AckStagePaged, false)
	m.AdminSink().IncIdempotentNoOp(mirror.EventCreateQueue)
}
