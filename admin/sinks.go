// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"github.com/fluxmirror/target/mirror"
)

// Sinks adapts a Counters/EventStream pair to the metrics interfaces the
// mirror package expects, so every event that updates /stats also reaches
// anyone watching /events/stream.
type Sinks struct {
	counters *Counters
	stream   *EventStream
}

// NewSinks constructs a Sinks. stream may be nil.
func NewSinks(counters *Counters, stream *EventStream) *Sinks {
	return &Sinks{counters: counters, stream: stream}
}

func (s *Sinks) broadcast(kind, note string) {
	if s.stream == nil {
		return
	}
	s.stream.Broadcast(StreamEvent{Kind: kind, Note: note})
}

// ReplaySink implements mirror.ReplayMetricsSink.
func (s *Sinks) ReplaySink() mirror.ReplayMetricsSink { return replayAdapter{s} }

// AckSink implements mirror.AckMetricsSink.
func (s *Sinks) AckSink() mirror.AckMetricsSink { return ackAdapter{s} }

// AdminSink implements mirror.AdminMetricsSink.
func (s *Sinks) AdminSink() mirror.AdminMetricsSink { return adminAdapter{s} }

type replayAdapter struct{ s *Sinks }

func (a replayAdapter) IncDuplicate() {
	a.s.counters.IncDuplicate()
	a.s.broadcast("data_message", "duplicate dropped")
}

func (a replayAdapter) IncReplayed() {
	a.s.counters.IncReplayed()
	a.s.broadcast("data_message", "replayed")
}

type ackAdapter struct{ s *Sinks }

func (a ackAdapter) IncAckStage(stage mirror.AckStage, resolved bool) {
	a.s.counters.IncAckStage(int(stage), resolved)
	note := stage.String()
	if !resolved {
		note += " (unresolved)"
	}
	a.s.broadcast("post_ack", note)
}

type adminAdapter struct{ s *Sinks }

func (a adminAdapter) IncIdempotentNoOp(kind mirror.EventKind) {
	a.s.counters.IncIdempotentNoOp()
	a.s.broadcast(string(kind), "idempotent no-op")
}
