// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"log/slog"
)

// ReplayEngine turns a DataMessage InboundEvent into a locally routed
// message, guarding against duplicates and stamping the broker properties
// a further mirror hop downstream would need to re-identify this message.
type ReplayEngine struct {
	office       PostOffice
	origins      *OriginCacheRegistry
	linkSettings LinkSettings
	log          *slog.Logger
	metrics      ReplayMetricsSink

	// lastOrigin/lastID memoize the most recently replayed message's
	// identity. A source broker frequently redelivers the message
	// immediately preceding the one currently in flight (e.g. after a
	// brief flow-control stall), so checking this one slot first avoids a
	// cache lookup on the hot path.
	lastOrigin OriginId
	lastID     InternalId
	lastHit    bool
}

// ReplayMetricsSink receives replay outcome counts.
type ReplayMetricsSink interface {
	IncDuplicate()
	IncReplayed()
}

// NewReplayEngine constructs a ReplayEngine for one link. settings must
// already reflect the link's negotiated credit window.
func NewReplayEngine(office PostOffice, settings LinkSettings, log *slog.Logger, metrics ReplayMetricsSink) *ReplayEngine {
	if log == nil {
		log = slog.Default()
	}
	return &ReplayEngine{
		office:       office,
		origins:      NewOriginCacheRegistry(office, settings.CreditWindow),
		linkSettings: settings,
		log:          log,
		metrics:      metrics,
	}
}

// resolveOrigin determines which broker produced ev, falling back to the
// link's negotiated remote mirror ID when the event carries no explicit
// broker-id annotation. A source only stamps an explicit broker id when a
// message has already been mirrored at least once upstream of it; for a
// message produced directly by the peer at the other end of this link, the
// link's own identity is the origin.
func (e *ReplayEngine) resolveOrigin(ev InboundEvent) (OriginId, error) {
	if v, ok := ev.Annotations.String(AnnotationBrokerID); ok && v != "" {
		return OriginId(v), nil
	}
	if e.linkSettings.RemoteMirrorID != "" {
		return e.linkSettings.RemoteMirrorID, nil
	}
	return "", ErrMissingOrigin
}

// resolveInternalID reads the message's origin-assigned sequence number.
func (e *ReplayEngine) resolveInternalID(ev InboundEvent) (InternalId, error) {
	v, ok := ev.Annotations.Int64(AnnotationInternalID)
	if !ok {
		return 0, fmt.Errorf("%w: data message missing internal-id annotation", ErrMalformedEvent)
	}
	return InternalId(v), nil
}

// Replay applies one DataMessage event: it checks for a duplicate, and if
// the message is new, opens a transaction, assigns a local message id,
// stamps the broker properties a further hop would need, routes the
// message, and commits. Replay settles ev.Delivery itself on every path:
// through a pooled SettleToken bound to the transaction's commit or
// rollback once a transaction is open, and through the storage layer's
// after-complete hook for duplicates and earlier failures.
func (e *ReplayEngine) Replay(ctx context.Context, ev InboundEvent) error {
	origin, err := e.resolveOrigin(ev)
	if err != nil {
		e.settleAfterComplete(ev.Delivery)
		return err
	}
	internalID, err := e.resolveInternalID(ev)
	if err != nil {
		e.settleAfterComplete(ev.Delivery)
		return err
	}

	if e.lastHit && e.lastOrigin == origin && e.lastID == internalID {
		e.noteDuplicate(ev)
		return nil
	}

	dup, err := e.origins.IsDuplicate(ctx, origin, internalID)
	if err != nil {
		e.settleAfterComplete(ev.Delivery)
		return fmt.Errorf("mirror: checking duplicate-id cache: %w", err)
	}
	if dup {
		e.noteDuplicate(ev)
		e.lastOrigin, e.lastID, e.lastHit = origin, internalID, true
		return nil
	}

	tx, err := e.office.NewTransaction(ctx)
	if err != nil {
		e.settleAfterComplete(ev.Delivery)
		return fmt.Errorf("mirror: opening replay transaction: %w", err)
	}

	if err := e.origins.Observe(ctx, origin, internalID, tx); err != nil {
		_ = tx.Rollback(ctx)
		e.settleAfterComplete(ev.Delivery)
		return fmt.Errorf("mirror: recording duplicate-id cache entry: %w", err)
	}

	localID, err := e.office.NextMessageID(ctx)
	if err != nil {
		_ = tx.Rollback(ctx)
		e.settleAfterComplete(ev.Delivery)
		return fmt.Errorf("mirror: assigning local message id: %w", err)
	}

	msg := e.buildMessage(ev, origin, internalID, localID)

	targetQueues, _ := ev.Annotations.StringSlice(AnnotationTargetQueues)
	if address, ok := ev.Annotations.String(AnnotationAddress); ok && address != "" {
		msg.Address = address
	}
	// Step 6: an internal_destination annotation means the source wants this
	// message rerouted to a specific internal address on this broker,
	// overriding whatever address the message would otherwise route to.
	if dest, ok := ev.Annotations.String(AnnotationInternalDestination); ok && dest != "" {
		msg.Address = dest
	}

	token := NewDeliverySettleToken(ev.Delivery)
	tx.AddOperationWithRollback(func() { token.Fire() }, func() { token.Fire() })

	if err := routeMessage(ctx, e.registry(), msg, targetQueues, e.log); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mirror: routing replayed message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("mirror: committing replay transaction: %w", err)
	}

	e.lastOrigin, e.lastID, e.lastHit = origin, internalID, true
	if e.metrics != nil {
		e.metrics.IncReplayed()
	}
	return nil
}

func (e *ReplayEngine) registry() Registry {
	return e.office
}

func (e *ReplayEngine) noteDuplicate(ev InboundEvent) {
	e.log.Debug("dropping duplicate mirrored message")
	if e.metrics != nil {
		e.metrics.IncDuplicate()
	}
	e.settleAfterComplete(ev.Delivery)
}

// settleAfterComplete hands delivery to the storage layer's
// after-complete-operations hook. Used for every outcome that settles
// outside of a replay transaction's own commit/rollback hooks: duplicate
// drops and malformed- or failed-event early returns.
func (e *ReplayEngine) settleAfterComplete(delivery DeliveryHandle) {
	if delivery == nil {
		return
	}
	token := NewCompletionSettleToken(delivery, func() {})
	e.office.ExecuteOnCompletion(func() { token.Fire() })
}

func (e *ReplayEngine) buildMessage(ev InboundEvent, origin OriginId, internalID InternalId, localID int64) *ReplayMessage {
	props := make(map[string]string, len(ev.Properties)+2)
	for k, v := range ev.Properties {
		props[k] = v
	}
	props[BrokerPropInternalID] = fmt.Sprintf("%d", int64(internalID))
	props[BrokerPropInternalBrokerID] = string(origin)

	return &ReplayMessage{
		LocalID:               localID,
		OriginID:              origin,
		InternalID:            internalID,
		Payload:               ev.Payload,
		ApplicationProperties: props,
	}
}
