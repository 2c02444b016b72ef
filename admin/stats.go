// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"sync/atomic"
	"time"
)

// Counters tracks a mirror target's running totals using atomic counters,
// so the handler goroutine can increment them without ever taking a lock.
type Counters struct {
	startTime time.Time

	eventsTotal     atomic.Uint64
	duplicatesTotal atomic.Uint64
	replayedTotal   atomic.Uint64

	ackStageDirect atomic.Uint64
	ackStageFlush  atomic.Uint64
	ackStagePaged  atomic.Uint64
	ackUnresolved  atomic.Uint64

	adminIdempotentTotal atomic.Uint64
}

// NewCounters creates a new Counters instance.
func NewCounters() *Counters {
	return &Counters{startTime: time.Now()}
}

func (c *Counters) IncEvent()     { c.eventsTotal.Add(1) }
func (c *Counters) IncDuplicate() { c.duplicatesTotal.Add(1); c.IncEvent() }
func (c *Counters) IncReplayed()  { c.replayedTotal.Add(1); c.IncEvent() }

func (c *Counters) IncAckStage(stage int, resolved bool) {
	c.IncEvent()
	if !resolved {
		c.ackUnresolved.Add(1)
		return
	}
	switch stage {
	case 0:
		c.ackStageDirect.Add(1)
	case 1:
		c.ackStageFlush.Add(1)
	case 2:
		c.ackStagePaged.Add(1)
	}
}

func (c *Counters) IncIdempotentNoOp() { c.adminIdempotentTotal.Add(1); c.IncEvent() }

// Stats is the JSON-serializable snapshot /stats returns.
type Stats struct {
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	EventsTotal     uint64  `json:"eventsTotal"`
	DuplicatesTotal uint64  `json:"duplicatesTotal"`
	ReplayedTotal   uint64  `json:"replayedTotal"`

	AckStageDirect uint64 `json:"ackStageDirect"`
	AckStageFlush  uint64 `json:"ackStageFlush"`
	AckStagePaged  uint64 `json:"ackStagePaged"`
	AckUnresolved  uint64 `json:"ackUnresolved"`

	AdminIdempotentTotal uint64 `json:"adminIdempotentTotal"`
}

// Snapshot implements Snapshotter.
func (c *Counters) Snapshot() Stats {
	return Stats{
		UptimeSeconds:        time.Since(c.startTime).Seconds(),
		EventsTotal:          c.eventsTotal.Load(),
		DuplicatesTotal:      c.duplicatesTotal.Load(),
		ReplayedTotal:        c.replayedTotal.Load(),
		AckStageDirect:       c.ackStageDirect.Load(),
		AckStageFlush:        c.ackStageFlush.Load(),
		AckStagePaged:        c.ackStagePaged.Load(),
		AckUnresolved:        c.ackUnresolved.Load(),
		AdminIdempotentTotal: c.adminIdempotentTotal.Load(),
	}
}
