// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"log/slog"
)

// EventDemux is the single entry point a link's handler goroutine calls for
// every decoded InboundEvent. It dispatches to AdminApplier, ReplayEngine or
// AckReconciler based on ev.Kind and wraps every dispatch in the link's
// ControllerScope so none of the resulting local activity gets re-mirrored.
type EventDemux struct {
	admin   *AdminApplier
	replay  *ReplayEngine
	ack     *AckReconciler
	scope   *ControllerScope
	storage StorageLayer
	log     *slog.Logger
	remote  OriginId
}

// NewEventDemux constructs the demultiplexer for one link. storage is used
// to settle deliveries for paths that do not own the token themselves (the
// admin path, and any unrecognized-kind event), matching ReplayEngine's and
// AckReconciler's own after-complete settlement.
func NewEventDemux(admin *AdminApplier, replay *ReplayEngine, ack *AckReconciler, scope *ControllerScope, storage StorageLayer, remoteMirrorID OriginId, log *slog.Logger) *EventDemux {
	if log == nil {
		log = slog.Default()
	}
	return &EventDemux{admin: admin, replay: replay, ack: ack, scope: scope, storage: storage, remote: remoteMirrorID, log: log}
}

// Dispatch routes ev to the correct component. ctx is enriched with the
// link's ControllerScope before being passed down so any post-office call
// made while handling ev is recognizable as replay-originated.
//
// Every path settles ev.Delivery exactly once. A subsystem that owns
// deferred settlement (ReplayEngine, AckReconciler) settles it itself,
// including on every one of its own error returns; otherwise Dispatch hands
// the token to the storage layer's after-complete hook here, on both
// success and failure, so settlement never races ahead of in-flight I/O and
// is never simply dropped.
func (d *EventDemux) Dispatch(ctx context.Context, ev InboundEvent) error {
	ctx = WithControllerScope(ctx, d.scope)

	switch ev.Kind {
	case EventAddAddress, EventDeleteAddress, EventCreateQueue, EventDeleteQueue:
		err := d.admin.Apply(ctx, ev)
		d.settleAfterComplete(ev.Delivery)
		if err != nil {
			return fmt.Errorf("mirror: applying %s: %w", ev.Kind, err)
		}
		return nil

	case EventPostAck:
		if err := d.ack.Apply(ctx, ev, d.remote); err != nil {
			return fmt.Errorf("mirror: applying post-ack: %w", err)
		}
		return nil

	case EventDataMessage:
		if err := d.replay.Replay(ctx, ev); err != nil {
			return fmt.Errorf("mirror: replaying data message: %w", err)
		}
		return nil

	default:
		d.settleAfterComplete(ev.Delivery)
		return fmt.Errorf("%w: unrecognized event kind %q", ErrMalformedEvent, ev.Kind)
	}
}

func (d *EventDemux) settleAfterComplete(delivery DeliveryHandle) {
	if delivery == nil {
		return
	}
	token := NewCompletionSettleToken(delivery, func() {})
	d.storage.ExecuteOnCompletion(func() { token.Fire() })
}
