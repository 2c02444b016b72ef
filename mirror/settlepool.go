// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import "sync"

// SettleToken is the pooled token threading a delivery settlement through
// to whichever completion eventually triggers it: either the transaction
// that replayed the message committing, or a storage IO callback firing
// once an ack has been durably applied.
//
// The source this package is modeled on used one object for both roles,
// distinguished at settlement time by a nil check on one of two mutually
// exclusive fields. That made it easy to construct a token in the wrong
// state and settle on the wrong signal. Here the two roles get two
// constructors, each returning a token already wired for exactly one
// purpose, so there is nothing left for a caller to get wrong.
type SettleToken struct {
	delivery DeliveryHandle
	onSettle func()
}

var settleTokenPool = sync.Pool{
	New: func() any { return &SettleToken{} },
}

// NewDeliverySettleToken returns a token that settles delivery when fired.
// Used by ReplayEngine for ordinary data-message replay, which fires it
// from the replay transaction's commit or rollback hook.
func NewDeliverySettleToken(delivery DeliveryHandle) *SettleToken {
	t := settleTokenPool.Get().(*SettleToken)
	t.delivery = delivery
	t.onSettle = nil
	return t
}

// NewCompletionSettleToken returns a token whose Fire calls
// onStorageComplete and then settles delivery. Callers fire it from the
// storage layer's ExecuteOnCompletion hook. Used by AckReconciler, which
// must not return credit to the sender for an ack it has not yet finished
// applying, and by the after-complete settlement of EventDemux and
// ReplayEngine.
func NewCompletionSettleToken(delivery DeliveryHandle, onStorageComplete func()) *SettleToken {
	t := settleTokenPool.Get().(*SettleToken)
	t.delivery = delivery
	t.onSettle = onStorageComplete
	return t
}

// Fire settles the underlying delivery, invoking the completion hook first
// if one was wired in, then returns the token to the pool. Fire must be
// called exactly once per token.
func (t *SettleToken) Fire() {
	if t.onSettle != nil {
		t.onSettle()
	}
	if t.delivery != nil {
		t.delivery.Settle()
	}
	t.delivery = nil
	t.onSettle = nil
	settleTokenPool.Put(t)
}
