// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"log/slog"
)

// Handler owns one replication link end to end: it reads InboundEvents off
// a channel the transport feeds, and runs every piece of work touching that
// link's state — event dispatch, and any completion that arrives
// asynchronously from storage — on a single goroutine.
//
// Funneling completions back onto this goroutine (rather than letting
// storage or IO callbacks mutate link state directly from their own
// goroutines) is what lets AckReconciler, ReplayEngine and AdminApplier
// assume single-threaded access to everything they touch without taking a
// single lock between them.
type Handler struct {
	events <-chan InboundEvent
	runNow chan func()
	demux  *EventDemux
	log    *slog.Logger
}

// NewHandler constructs a Handler for one link. events is the channel the
// transport delivers decoded InboundEvents on; it is closed by the
// transport when the link is torn down.
func NewHandler(events <-chan InboundEvent, demux *EventDemux, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		events: events,
		runNow: make(chan func(), 64),
		demux:  demux,
		log:    log,
	}
}

// RunOnHandler schedules fn to run on this Handler's goroutine. It is safe
// to call from any goroutine, including this Handler's own (fn is simply
// enqueued and run on the next iteration of Run's loop, never recursively).
// Pass this method to NewAckReconciler as its runOnHandler argument.
func (h *Handler) RunOnHandler(fn func()) {
	h.runNow <- fn
}

// Run processes events and scheduled completions until ctx is cancelled or
// the events channel is closed and drained. It blocks until then and
// should be run in its own goroutine by the caller.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-h.events:
			if !ok {
				return
			}
			if err := h.demux.Dispatch(ctx, ev); err != nil {
				h.log.Error("dispatching mirrored event failed", "kind", ev.Kind, "err", err)
			}

		case fn := <-h.runNow:
			fn()
		}
	}
}
