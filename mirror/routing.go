// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"fmt"
	"log/slog"
)

// routeMessage delivers msg into the post office, choosing between two
// strategies depending on whether the source broker already resolved
// routing on its side.
//
// When the event carries target queue names (AnnotationTargetQueues), the
// source has already decided which queues should receive the message —
// typically because it resolved a filter or a non-anycast routing type
// before mirroring — and this side must honor that decision exactly rather
// than re-run its own routing logic, which could diverge from the source's
// view of the topology. When no target queues are present, the message is
// routed through the registry's normal algorithm.
//
// In both cases rctx.MirrorSource and rctx.LocalOnly are set: a replayed
// message must never be redistributed across a cluster by load balancing
// (the source already decided which node-local queues matter) and must
// never be treated as organic local traffic eligible for re-mirroring.
func routeMessage(ctx context.Context, reg Registry, msg *ReplayMessage, targetQueues []string, log *slog.Logger) error {
	rctx := &RoutingContext{
		MirrorSource:     true,
		LocalOnly:        true,
		TargetQueueNames: targetQueues,
	}

	if len(targetQueues) > 0 {
		routeToTargetQueues(ctx, reg, msg, rctx, log)
		return nil
	}
	if err := reg.RouteDefault(ctx, msg, rctx); err != nil {
		return fmt.Errorf("mirror: default routing for %q: %w", msg.Address, err)
	}
	return nil
}

// routeToTargetQueues binds msg directly into each named queue, skipping
// the registry's own routing decision entirely. It never aborts partway
// through: the source already decided this exact fan-out, so a problem with
// one named queue must not cost the message its delivery to the others. A
// missing binding or a per-queue routing failure is warn-logged and the loop
// continues; nothing here triggers a transaction rollback.
func routeToTargetQueues(ctx context.Context, reg Registry, msg *ReplayMessage, rctx *RoutingContext, log *slog.Logger) {
	bindings, err := reg.GetBindings(ctx, msg.Address)
	if err != nil {
		log.Warn("resolving bindings for target-queues routing failed, dropping message", "address", msg.Address, "err", err)
		return
	}

	for _, name := range rctx.TargetQueueNames {
		b, ok := bindings[name]
		if !ok {
			// The source named a queue this broker doesn't have (yet, or
			// anymore). That is expected during topology churn; skip it and
			// keep delivering to whichever named queues do exist.
			log.Warn("target-queues routing named a queue with no local binding, skipping", "address", msg.Address, "queue", name)
			continue
		}
		if err := b.Route(ctx, msg, rctx); err != nil {
			log.Warn("routing into named target queue failed, continuing with remaining targets", "address", msg.Address, "queue", name, "err", err)
			continue
		}
	}
}
