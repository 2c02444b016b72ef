// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"log/slog"
)

// AckStage names the three escalating strategies AckReconciler tries, in
// order, to resolve a remote ack against a local MessageReference.
type AckStage int

const (
	// AckStageDirect looks the reference up directly in the queue's
	// in-memory index. This resolves the overwhelming majority of acks:
	// by the time a source broker's ack for a message arrives back here,
	// the replayed message has almost always already settled into the
	// queue's visible state.
	AckStageDirect AckStage = iota
	// AckStageFlush forces any intermediate, not-yet-visible additions to
	// become visible and retries the direct lookup once. This covers the
	// narrow race where the ack arrives between the replay transaction's
	// commit and the queue's internal index catching up.
	AckStageFlush
	// AckStagePaged falls back to a full paged scan with a three-way
	// comparator. This is the expensive path, reached only when a
	// message was paged out of memory (or evicted before the flush-retry
	// window) before its ack arrived.
	AckStagePaged
)

func (s AckStage) String() string {
	switch s {
	case AckStageDirect:
		return "direct"
	case AckStageFlush:
		return "flush"
	case AckStagePaged:
		return "paged"
	default:
		return "unknown"
	}
}

// AckMetricsSink receives a count per stage an ack was resolved at (or
// failed to resolve at, for the final stage).
type AckMetricsSink interface {
	IncAckStage(stage AckStage, resolved bool)
}

// AckReconciler applies a remote POST_ACK event against the local Queue it
// names, escalating through AckStageDirect, AckStageFlush and AckStagePaged
// strictly in that order. Escalation never loops back to an earlier stage:
// each stage either resolves the ack or hands off to the next one exactly
// once.
type AckReconciler struct {
	registry Registry
	storage  StorageLayer
	log      *slog.Logger
	metrics  AckMetricsSink

	// runOnHandler schedules fn to run on the link's single handler
	// goroutine. FlushIntermediate's completion can fire from storage's
	// own IO-completion goroutine; routing that continuation back through
	// runOnHandler keeps every decision this type makes single-threaded
	// per link, matching the concurrency model the rest of this package
	// assumes.
	runOnHandler func(func())
}

// NewAckReconciler constructs an AckReconciler. runOnHandler must schedule
// fn to run on the owning link's handler goroutine, even when called from
// a different goroutine.
func NewAckReconciler(registry Registry, storage StorageLayer, log *slog.Logger, metrics AckMetricsSink, runOnHandler func(func())) *AckReconciler {
	if log == nil {
		log = slog.Default()
	}
	return &AckReconciler{
		registry:     registry,
		storage:      storage,
		log:          log,
		metrics:      metrics,
		runOnHandler: runOnHandler,
	}
}

// ackTarget is the decoded identity a POST_ACK event names.
type ackTarget struct {
	queueName  string
	origin     OriginId
	internalID InternalId
	reason     AckReason
}

func decodeAckTarget(ev InboundEvent, fallbackOrigin OriginId) (ackTarget, error) {
	queue, ok := ev.Annotations.String(AnnotationQueue)
	if !ok || queue == "" {
		return ackTarget{}, fmt.Errorf("%w: postAck event missing queue annotation", ErrMalformedEvent)
	}
	idVal, ok := ev.Annotations.Int64(AnnotationInternalID)
	if !ok {
		return ackTarget{}, fmt.Errorf("%w: postAck event missing internal-id annotation", ErrMalformedEvent)
	}
	origin := fallbackOrigin
	if v, ok := ev.Annotations.String(AnnotationBrokerID); ok && v != "" {
		origin = OriginId(v)
	}
	if origin == "" {
		return ackTarget{}, ErrMissingOrigin
	}
	reason := AckNormal
	if v, ok := ev.Annotations.String(AnnotationAckReason); ok && v != "" {
		reason = AckReason(v)
	}
	return ackTarget{queueName: queue, origin: origin, internalID: InternalId(idVal), reason: reason}, nil
}

// Apply resolves and applies ev, a POST_ACK event. fallbackOrigin is the
// link's negotiated remote mirror id, used when the event carries no
// explicit broker-id annotation. Apply settles ev.Delivery exactly once,
// regardless of which stage (if any) resolved the ack, routing settlement
// through the storage layer's after-complete hook so it never fires ahead
// of in-flight I/O.
func (r *AckReconciler) Apply(ctx context.Context, ev InboundEvent, fallbackOrigin OriginId) error {
	target, err := decodeAckTarget(ev, fallbackOrigin)
	if err != nil {
		r.settleAfterComplete(ev.Delivery)
		return err
	}

	queue, err := r.registry.GetQueue(ctx, target.queueName)
	if err != nil {
		// Missing target queue is deliberate: the source must not block on
		// an orphaned ack, so the ack is dropped and the token still
		// settles via the after-complete path.
		r.log.Warn("post-ack targets unknown queue, dropping ack", "queue", target.queueName, "err", err)
		r.settleAfterComplete(ev.Delivery)
		return nil
	}

	r.performAck(ctx, queue, target, ev.Delivery, AckStageDirect)
	return nil
}

// settleAfterComplete hands delivery to the storage layer's
// after-complete-operations hook rather than settling it inline, so
// settlement never races ahead of whatever I/O the storage layer still has
// queued.
func (r *AckReconciler) settleAfterComplete(delivery DeliveryHandle) {
	if delivery == nil {
		return
	}
	token := NewCompletionSettleToken(delivery, func() {})
	r.storage.ExecuteOnCompletion(func() { token.Fire() })
}

// performAck runs exactly one stage of the escalation and either finishes
// (settling delivery) or schedules the next stage. It never revisits a
// stage lower than the one it was called with.
func (r *AckReconciler) performAck(ctx context.Context, queue Queue, target ackTarget, delivery DeliveryHandle, stage AckStage) {
	switch stage {
	case AckStageDirect:
		ref, found, err := queue.RemoveWithSuppliedID(ctx, target.origin, target.internalID)
		if err != nil {
			r.log.Error("stage 0 ack lookup failed", "queue", target.queueName, "err", err)
			r.finishAck(delivery, queue, ref, target, stage, false)
			return
		}
		if found {
			r.finishAck(delivery, queue, ref, target, stage, true)
			return
		}
		// Schedule Stage 1 via the storage layer's after-complete hook so
		// it runs only once all currently queued I/O finishes — giving a
		// racing replay a chance to materialize the reference first — then
		// re-enter on the handler goroutine rather than the storage
		// callback's own goroutine.
		r.storage.ExecuteOnCompletion(func() {
			r.runOnHandler(func() {
				r.performAck(ctx, queue, target, delivery, AckStageFlush)
			})
		})

	case AckStageFlush:
		queue.FlushIntermediate(func() {
			r.runOnHandler(func() {
				ref, found, err := queue.RemoveWithSuppliedID(ctx, target.origin, target.internalID)
				if err != nil {
					r.log.Error("stage 1 ack lookup failed", "queue", target.queueName, "err", err)
					r.finishAck(delivery, queue, ref, target, AckStageFlush, false)
					return
				}
				if found {
					r.finishAck(delivery, queue, ref, target, AckStageFlush, true)
					return
				}
				r.performAck(ctx, queue, target, delivery, AckStagePaged)
			})
		})

	case AckStagePaged:
		if target.reason == AckExpired {
			// The message will expire again when depaged; skip the scan
			// and settle without paying for one.
			r.finishAck(delivery, queue, nil, target, AckStagePaged, false)
			return
		}
		scanner := queue.PageSubscription()
		entry, found, err := scanner.ScanAck(ctx, func(e PagedEntry) int {
			return compareAckTarget(e, target)
		})
		if err != nil {
			r.log.Error("stage 2 paged ack scan failed", "queue", target.queueName, "err", err)
			r.finishAck(delivery, queue, nil, target, AckStagePaged, false)
			return
		}
		if !found {
			r.finishAck(delivery, queue, nil, target, AckStagePaged, false)
			return
		}
		r.finishAck(delivery, queue, entry, target, AckStagePaged, true)
	}
}

// compareAckTarget implements the three-way comparator the paged scan
// drives: negative while the scan has not yet reached the target's
// internal id, zero on a match, positive once the scan has passed it
// (meaning the target was already removed from the page, e.g. by an
// earlier, out-of-order ack) and should stop.
func compareAckTarget(entry PagedEntry, target ackTarget) int {
	if entry.OriginID() != target.origin {
		// Different origins interleave arbitrarily on the same page;
		// treat as "not yet" so the scan keeps walking rather than
		// stopping on an unrelated origin's id ordering.
		return -1
	}
	switch {
	case entry.InternalID() < target.internalID:
		return -1
	case entry.InternalID() > target.internalID:
		return 1
	default:
		return 0
	}
}

func (r *AckReconciler) finishAck(delivery DeliveryHandle, queue Queue, ref MessageReference, target ackTarget, stage AckStage, found bool) {
	if !found {
		r.note(stage, false)
		if stage == AckStagePaged {
			// Exhausted all three stages: the message may have been purged
			// (expired, acked by a duplicate delivery, or otherwise already
			// gone) before this ack arrived. Settle anyway; there is nothing
			// local left to apply it to.
			r.log.Warn("ack reference not found after all stages, settling without applying",
				"queue", target.queueName, "origin", target.origin, "internal_id", target.internalID, "reason", target.reason, "err", ErrAckNotApplied)
		}
		r.settleAfterComplete(delivery)
		return
	}

	var err error
	if target.reason == AckExpired {
		err = queue.Expire(context.Background(), ref)
	} else {
		err = queue.Acknowledge(context.Background(), ref, target.reason)
	}
	if err != nil {
		r.log.Error("applying ack to local reference failed", "queue", target.queueName, "stage", stage.String(), "err", err)
	}

	token := NewCompletionSettleToken(delivery, func() {})
	r.storage.ExecuteOnCompletion(func() {
		token.Fire()
	})
	r.note(stage, true)
}

func (r *AckReconciler) note(stage AckStage, resolved bool) {
	if r.metrics != nil {
		r.metrics.IncAckStage(stage, resolved)
	}
}
