// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func dataEvent(origin, queue string, internalID int64, targetQueues []string) InboundEvent {
	ann := Annotations{
		AnnotationInternalID: internalID,
	}
	if origin != "" {
		ann[AnnotationBrokerID] = origin
	}
	if queue != "" {
		ann[AnnotationAddress] = queue
	}
	if len(targetQueues) > 0 {
		ann[AnnotationTargetQueues] = targetQueues
	}
	return InboundEvent{
		Kind:        EventDataMessage,
		Annotations: ann,
		Payload:     []byte("hello"),
		Delivery:    &fakeDelivery{},
	}
}

func postAckEvent(origin, queue string, internalID int64, reason AckReason) InboundEvent {
	ann := Annotations{
		AnnotationQueue:      queue,
		AnnotationInternalID: internalID,
	}
	if origin != "" {
		ann[AnnotationBrokerID] = origin
	}
	if reason != "" {
		ann[AnnotationAckReason] = string(reason)
	}
	return InboundEvent{
		Kind:        EventPostAck,
		Annotations: ann,
		Delivery:    &fakeDelivery{},
	}
}

func mustCreateQueue(t *testing.T, office *fakePostOffice, address, name string) {
	t.Helper()
	require.NoError(t, office.CreateQueue(context.Background(), QueueConfig{Name: name, Address: address}))
}

func TestReplay_NewMessageRoutedAndStamped(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")

	engine := NewReplayEngine(office, LinkSettings{RemoteMirrorID: "brokerA", CreditWindow: 8}, nil, nil)

	ev := dataEvent("", "orders", 1, []string{"orders.q"})
	require.NoError(t, engine.Replay(context.Background(), ev))

	q := office.queues["orders.q"]
	_, found, err := q.RemoveWithSuppliedID(context.Background(), "brokerA", 1)
	require.NoError(t, err)
	require.True(t, found, "message should have been routed into the named target queue")
	require.True(t, ev.Delivery.(*fakeDelivery).settled)
}

func TestReplay_DuplicateIsDroppedNotRerouted(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")

	engine := NewReplayEngine(office, LinkSettings{RemoteMirrorID: "brokerA", CreditWindow: 8}, nil, nil)

	ev1 := dataEvent("brokerA", "orders", 42, []string{"orders.q"})
	require.NoError(t, engine.Replay(context.Background(), ev1))

	q := office.queues["orders.q"]
	q.putDirect("brokerA", 42) // simulate the message having already settled into direct state

	ev2 := dataEvent("brokerA", "orders", 42, []string{"orders.q"})
	require.NoError(t, engine.Replay(context.Background(), ev2))

	require.True(t, ev2.Delivery.(*fakeDelivery).settled, "duplicate delivery must still be settled")
}

func TestReplay_InternalDestinationRewritesAddress(t *testing.T) {
	office := newFakePostOffice()
	engine := NewReplayEngine(office, LinkSettings{RemoteMirrorID: "brokerA", CreditWindow: 8}, nil, nil)

	ev := dataEvent("brokerA", "orders", 11, nil)
	ev.Annotations[AnnotationInternalDestination] = "orders.internal"
	require.NoError(t, engine.Replay(context.Background(), ev))

	require.Len(t, office.defaultRouted, 1)
	require.Equal(t, "orders.internal", office.defaultRouted[0].Address,
		"internal_destination annotation must rewrite the message's address")
}

func TestReplay_FallsBackToDefaultRoutingWhenNoTargetQueues(t *testing.T) {
	office := newFakePostOffice()
	engine := NewReplayEngine(office, LinkSettings{RemoteMirrorID: "brokerA", CreditWindow: 8}, nil, nil)

	ev := dataEvent("brokerA", "orders", 7, nil)
	require.NoError(t, engine.Replay(context.Background(), ev))

	require.Len(t, office.defaultRouted, 1)
	require.Equal(t, InternalId(7), office.defaultRouted[0].InternalID)
}

func TestReplay_TargetQueuesSkipsQueuesNotNamed(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "a1", "q1")
	mustCreateQueue(t, office, "a1", "q2")
	mustCreateQueue(t, office, "a1", "q3")

	engine := NewReplayEngine(office, LinkSettings{RemoteMirrorID: "brokerA", CreditWindow: 8}, nil, nil)

	ev := dataEvent("brokerA", "a1", 42, []string{"q1", "q3"})
	require.NoError(t, engine.Replay(context.Background(), ev))

	q1 := office.queues["q1"]
	q2 := office.queues["q2"]
	q3 := office.queues["q3"]

	_, found1, err := q1.RemoveWithSuppliedID(context.Background(), "brokerA", 42)
	require.NoError(t, err)
	require.True(t, found1, "named target queue q1 should have received the message")

	_, found3, err := q3.RemoveWithSuppliedID(context.Background(), "brokerA", 42)
	require.NoError(t, err)
	require.True(t, found3, "named target queue q3 should have received the message")

	require.Empty(t, q2.direct, "q2 was not named in target_queues and must not receive the message")
}

func TestPostAck_SubstitutesRemoteMirrorIDWhenOriginAbsent(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")
	q := office.queues["orders.q"]
	q.putDirect("brokerA", 9)

	recon := NewAckReconciler(office, office, nil, nil, func(fn func()) { fn() })

	ev := postAckEvent("", "orders.q", 9, AckNormal)
	require.NoError(t, recon.Apply(context.Background(), ev, "brokerA"))

	require.True(t, ev.Delivery.(*fakeDelivery).settled)
}

func TestAck_StageDirectResolves(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")
	q := office.queues["orders.q"]
	q.putDirect("brokerA", 1)

	recon := NewAckReconciler(office, office, nil, nil, func(fn func()) { fn() })
	ev := postAckEvent("brokerA", "orders.q", 1, AckNormal)
	require.NoError(t, recon.Apply(context.Background(), ev, ""))

	require.Equal(t, 0, q.flushCalls, "a direct hit must never escalate to flush")
	require.True(t, ev.Delivery.(*fakeDelivery).settled)
}

func TestAck_EscalatesThroughFlushToPaged(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")
	q := office.queues["orders.q"]
	q.putPaged("brokerA", 5)

	recon := NewAckReconciler(office, office, nil, nil, func(fn func()) { fn() })
	ev := postAckEvent("brokerA", "orders.q", 5, AckNormal)
	require.NoError(t, recon.Apply(context.Background(), ev, ""))

	require.Equal(t, 1, q.flushCalls)
	require.True(t, ev.Delivery.(*fakeDelivery).settled)
	require.Empty(t, q.paged, "resolved entry must be removed from the paged store")
}

func TestAck_ResolvesAtFlushStageViaIntermediatePromotion(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")
	q := office.queues["orders.q"]
	q.putIntermediate("brokerA", 3)

	recon := NewAckReconciler(office, office, nil, nil, func(fn func()) { fn() })
	ev := postAckEvent("brokerA", "orders.q", 3, AckNormal)
	require.NoError(t, recon.Apply(context.Background(), ev, ""))

	require.Equal(t, 1, q.flushCalls, "stage 1 flush must run exactly once")
	require.True(t, ev.Delivery.(*fakeDelivery).settled)
	require.Empty(t, q.paged, "resolved at stage 1; stage 2 paged scan must never run")
}

func TestAck_UnresolvedStillSettlesDelivery(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")

	recon := NewAckReconciler(office, office, nil, nil, func(fn func()) { fn() })
	ev := postAckEvent("brokerA", "orders.q", 99, AckNormal)
	require.NoError(t, recon.Apply(context.Background(), ev, ""))

	require.True(t, ev.Delivery.(*fakeDelivery).settled, "an unresolved ack must still release the delivery")
}

func TestAck_ExpiredAtPagedStageSkipsScanAndSettlesImmediately(t *testing.T) {
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")
	q := office.queues["orders.q"]
	q.putPaged("brokerA", 5) // present in the page; must not be touched

	recon := NewAckReconciler(office, office, nil, nil, func(fn func()) { fn() })
	ev := postAckEvent("brokerA", "orders.q", 5, AckExpired)
	require.NoError(t, recon.Apply(context.Background(), ev, ""))

	require.True(t, ev.Delivery.(*fakeDelivery).settled, "expired ack must settle immediately")
	require.Len(t, q.paged, 1, "expired ack must not scan or remove the paged entry")
}

func TestAck_MalformedEventStillSettlesDelivery(t *testing.T) {
	office := newFakePostOffice()
	recon := NewAckReconciler(office, office, nil, nil, func(fn func()) { fn() })

	ev := InboundEvent{
		Kind:        EventPostAck,
		Annotations: Annotations{AnnotationInternalID: int64(1)}, // no queue annotation
		Delivery:    &fakeDelivery{},
	}
	require.Error(t, recon.Apply(context.Background(), ev, "brokerA"))
	require.True(t, ev.Delivery.(*fakeDelivery).settled, "a malformed ack event must still settle and release credit")
}

func TestAck_UnknownQueueDropsAckButSettlesDelivery(t *testing.T) {
	office := newFakePostOffice()
	recon := NewAckReconciler(office, office, nil, nil, func(fn func()) { fn() })

	ev := postAckEvent("brokerA", "no-such-queue", 1, AckNormal)
	require.NoError(t, recon.Apply(context.Background(), ev, ""))
	require.True(t, ev.Delivery.(*fakeDelivery).settled)
}

func TestReplay_MalformedEventStillSettlesDelivery(t *testing.T) {
	office := newFakePostOffice()
	engine := NewReplayEngine(office, LinkSettings{CreditWindow: 8}, nil, nil) // no RemoteMirrorID fallback

	ev := dataEvent("", "orders", 1, nil) // no broker-id annotation, no fallback configured
	require.Error(t, engine.Replay(context.Background(), ev))
	require.True(t, ev.Delivery.(*fakeDelivery).settled, "a data message with no resolvable origin must still settle")
}

func TestOriginCacheRegistry_OneSlotMemoServesRepeatOriginWithoutMapLookup(t *testing.T) {
	office := newFakePostOffice()
	reg := NewOriginCacheRegistry(office, 4)

	c1, err := reg.CacheFor(context.Background(), "brokerA")
	require.NoError(t, err)

	// Sabotage every path except the one-slot memo: the durable office-level
	// cache and the registry's own map both forget this origin.
	delete(office.caches, originCacheKey("brokerA"))
	delete(reg.caches, "brokerA")

	c2, err := reg.CacheFor(context.Background(), "brokerA")
	require.NoError(t, err)
	require.Same(t, c1, c2, "repeat lookup of the same origin must be served from the one-slot memo")
}

func TestAdminApplier_CreateQueueIsIdempotent(t *testing.T) {
	office := newFakePostOffice()
	applier := NewAdminApplier(office, nil, nil)

	ev := InboundEvent{
		Kind: EventCreateQueue,
		Body: []byte(`{"name":"orders.q","address":"orders"}`),
	}
	require.NoError(t, applier.Apply(context.Background(), ev))
	require.NoError(t, applier.Apply(context.Background(), ev), "re-applying the same createQueue event must not error")
}

func TestAdminApplier_DeleteAddressIsIdempotent(t *testing.T) {
	office := newFakePostOffice()
	applier := NewAdminApplier(office, nil, nil)

	require.NoError(t, office.AddAddress(context.Background(), AddressInfo{Name: "orders"}))

	ev := InboundEvent{
		Kind: EventDeleteAddress,
		Body: []byte(`{"name":"orders"}`),
	}
	require.NoError(t, applier.Apply(context.Background(), ev))
	require.NoError(t, applier.Apply(context.Background(), ev), "deleting an already-absent address must not error")
}

// failingRegistry wraps a Registry and forces CreateQueue to fail with a
// genuine (non-idempotent) error, to verify AdminApplier's warn-and-swallow
// policy rather than its already-exists/not-found idempotency paths.
type failingRegistry struct {
	Registry
}

func (r *failingRegistry) CreateQueue(context.Context, QueueConfig) error {
	return fmt.Errorf("backing store unavailable")
}

func TestAdminApplier_GenuineFailureIsWarnedAndSwallowed(t *testing.T) {
	office := newFakePostOffice()
	applier := NewAdminApplier(&failingRegistry{Registry: office}, nil, nil)

	ev := InboundEvent{
		Kind: EventCreateQueue,
		Body: []byte(`{"name":"orders.q","address":"orders"}`),
	}
	require.NoError(t, applier.Apply(context.Background(), ev), "a genuine registry failure must not stall the stream")
}

func TestOriginCacheRegistry_RollbackUndoesTentativeAdd(t *testing.T) {
	office := newFakePostOffice()
	reg := NewOriginCacheRegistry(office, 4)

	tx := &fakeTransaction{}
	require.NoError(t, reg.Observe(context.Background(), "brokerA", 1, tx))

	dup, err := reg.IsDuplicate(context.Background(), "brokerA", 1)
	require.NoError(t, err)
	require.True(t, dup, "tentative add must be visible immediately")

	require.NoError(t, tx.Rollback(context.Background()))

	dup, err = reg.IsDuplicate(context.Background(), "brokerA", 1)
	require.NoError(t, err)
	require.False(t, dup, "rollback must undo the tentative add")
}

func TestControllerScope_RoundTripsThroughContext(t *testing.T) {
	scope := NewControllerScope("link-1")
	ctx := WithControllerScope(context.Background(), scope)

	got, ok := InScope(ctx)
	require.True(t, ok)
	require.Equal(t, "link-1", got.LinkID())

	_, ok = InScope(context.Background())
	require.False(t, ok)
}

func TestHandler_RunOnHandlerExecutesOnHandlerGoroutine(t *testing.T) {
	events := make(chan InboundEvent)
	office := newFakePostOffice()
	mustCreateQueue(t, office, "orders", "orders.q")

	admin := NewAdminApplier(office, nil, nil)
	replayEngine := NewReplayEngine(office, LinkSettings{RemoteMirrorID: "brokerA", CreditWindow: 4}, nil, nil)
	recon := NewAckReconciler(office, office, nil, nil, nil)
	scope := NewControllerScope("link-1")
	demux := NewEventDemux(admin, replayEngine, recon, scope, office, "brokerA", nil)

	h := NewHandler(events, demux, nil)
	recon.runOnHandler = h.RunOnHandler

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	q := office.queues["orders.q"]
	q.putDirect("brokerA", 3)

	result := make(chan error, 1)
	h.RunOnHandler(func() {
		_, found, err := q.RemoveWithSuppliedID(context.Background(), "brokerA", 3)
		if err == nil && !found {
			err = ErrAckNotApplied
		}
		result <- err
	})

	require.NoError(t, <-result)
	cancel()
	<-done
}
