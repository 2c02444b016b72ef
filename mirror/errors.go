// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import "errors"

var (
	// ErrAckNotApplied is logged by AckReconciler.finishAck when all three
	// stages have been exhausted and no matching reference was found. The
	// ack is settled regardless; this error is for observability only and
	// never propagates past AckReconciler.
	ErrAckNotApplied = errors.New("mirror: ack could not be applied to any stage")

	// ErrMissingOrigin is returned when an event that requires an
	// InternalID annotation to be meaningful arrives without either that
	// annotation or a usable link-level remote mirror ID fallback.
	ErrMissingOrigin = errors.New("mirror: event carries no resolvable origin")

	// ErrMalformedEvent is returned when an InboundEvent's annotations or
	// body cannot be decoded into the shape its Kind requires.
	ErrMalformedEvent = errors.New("mirror: malformed event")
)
