// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package postoffice

import (
	"context"

	"github.com/fluxmirror/target/mirror"
)

// binding implements mirror.Binding, routing directly into one queue.
type binding struct {
	queue *Queue
}

// Route implements mirror.Binding.
func (b *binding) Route(_ context.Context, msg *mirror.ReplayMessage, _ *mirror.RoutingContext) error {
	return b.queue.Enqueue(msg.OriginID, msg.InternalID, msg.Payload, msg.ApplicationProperties)
}
