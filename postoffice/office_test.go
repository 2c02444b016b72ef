// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package postoffice

import (
	"context"
	"testing"
	"time"

	"github.com/fluxmirror/target/mirror"
	"github.com/stretchr/testify/require"
)

func openTestOffice(t *testing.T) *Office {
	t.Helper()
	o, err := Open("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, o.Close()) })
	return o
}

func TestOffice_AddressLifecycleIsIdempotentViaSentinelErrors(t *testing.T) {
	o := openTestOffice(t)
	ctx := context.Background()

	require.NoError(t, o.AddAddress(ctx, mirror.AddressInfo{Name: "orders"}))
	err := o.AddAddress(ctx, mirror.AddressInfo{Name: "orders"})
	require.Error(t, err)

	require.NoError(t, o.DeleteAddress(ctx, mirror.AddressInfo{Name: "orders"}))
	err = o.DeleteAddress(ctx, mirror.AddressInfo{Name: "orders"})
	require.Error(t, err)
}

func TestOffice_CreateQueueAndRouteDefault(t *testing.T) {
	o := openTestOffice(t)
	ctx := context.Background()

	require.NoError(t, o.AddAddress(ctx, mirror.AddressInfo{Name: "orders"}))
	require.NoError(t, o.CreateQueue(ctx, mirror.QueueConfig{Name: "orders.q", Address: "orders"}))

	msg := &mirror.ReplayMessage{OriginID: "brokerA", InternalID: 1, Address: "orders", Payload: []byte("x")}
	require.NoError(t, o.RouteDefault(ctx, msg, &mirror.RoutingContext{MirrorSource: true, LocalOnly: true}))

	q, err := o.GetQueue(ctx, "orders.q")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, found, err := q.RemoveWithSuppliedID(ctx, "brokerA", 1)
		return err == nil && found
	}, time.Second, 2*time.Millisecond, "message should have been promoted into the direct index")
}

func TestOffice_QueueFlushIntermediateIsImmediate(t *testing.T) {
	o := openTestOffice(t)
	ctx := context.Background()

	require.NoError(t, o.AddAddress(ctx, mirror.AddressInfo{Name: "orders"}))
	require.NoError(t, o.CreateQueue(ctx, mirror.QueueConfig{Name: "orders.q", Address: "orders"}))

	msg := &mirror.ReplayMessage{OriginID: "brokerA", InternalID: 2, Address: "orders", Payload: []byte("x")}
	require.NoError(t, o.RouteDefault(ctx, msg, &mirror.RoutingContext{}))

	q, err := o.GetQueue(ctx, "orders.q")
	require.NoError(t, err)

	done := make(chan struct{})
	q.FlushIntermediate(func() { close(done) })
	<-done

	_, found, err := q.RemoveWithSuppliedID(ctx, "brokerA", 2)
	require.NoError(t, err)
	require.True(t, found)
}

func TestOffice_PagedScanFindsAndRemovesDurableRecord(t *testing.T) {
	o := openTestOffice(t)
	ctx := context.Background()

	require.NoError(t, o.AddAddress(ctx, mirror.AddressInfo{Name: "orders"}))
	require.NoError(t, o.CreateQueue(ctx, mirror.QueueConfig{Name: "orders.q", Address: "orders"}))

	msg := &mirror.ReplayMessage{OriginID: "brokerA", InternalID: 3, Address: "orders", Payload: []byte("x")}
	require.NoError(t, o.RouteDefault(ctx, msg, &mirror.RoutingContext{}))

	q, err := o.GetQueue(ctx, "orders.q")
	require.NoError(t, err)

	scanner := q.PageSubscription()
	entry, found, err := scanner.ScanAck(ctx, func(e mirror.PagedEntry) int {
		if e.OriginID() != "brokerA" {
			return -1
		}
		switch {
		case e.InternalID() < 3:
			return -1
		case e.InternalID() > 3:
			return 1
		default:
			return 0
		}
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, mirror.InternalId(3), entry.InternalID())

	_, found, err = scanner.ScanAck(ctx, func(e mirror.PagedEntry) int { return 0 })
	require.NoError(t, err)
	require.False(t, found, "a removed record must not be found again")
}

func TestOffice_DuplicateIdCacheEvictsOldestBeyondCapacity(t *testing.T) {
	o := openTestOffice(t)
	ctx := context.Background()

	cache, err := o.GetDuplicateIdCache(ctx, "brokerA", 2)
	require.NoError(t, err)

	tx := NewTransaction()
	cache.Add(ctx, 1, tx)
	cache.Add(ctx, 2, tx)
	cache.Add(ctx, 3, tx)

	require.False(t, cache.Contains(1), "oldest entry should have been evicted")
	require.True(t, cache.Contains(2))
	require.True(t, cache.Contains(3))
}

func TestOffice_DuplicateIdCacheRollbackUndoesAdd(t *testing.T) {
	o := openTestOffice(t)
	ctx := context.Background()

	cache, err := o.GetDuplicateIdCache(ctx, "brokerB", 4)
	require.NoError(t, err)

	tx := NewTransaction()
	cache.Add(ctx, 10, tx)
	require.True(t, cache.Contains(10))

	require.NoError(t, tx.Rollback(ctx))
	require.False(t, cache.Contains(10))
}

func TestOffice_NextMessageIDIsMonotonic(t *testing.T) {
	o := openTestOffice(t)
	ctx := context.Background()

	a, err := o.NextMessageID(ctx)
	require.NoError(t, err)
	b, err := o.NextMessageID(ctx)
	require.NoError(t, err)
	require.Less(t, a, b)
}
