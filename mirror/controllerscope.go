// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package mirror

import "context"

// ControllerScope marks a goroutine as currently replaying a mirrored
// event. Anything the post office does while a ControllerScope is active on
// its context.Context — routing a message, acknowledging a reference — must
// not itself be re-mirrored back out over any outbound mirror link attached
// to the same address, or a two-node mesh would echo every event forever.
//
// The handler goroutine owns one ControllerScope for its whole lifetime and
// threads it through context.Context rather than a package-level variable,
// so multiple links in the same process never share scope state.
type ControllerScope struct {
	linkID string
}

// NewControllerScope creates the scope a handler goroutine will attach to
// every context it passes downstream while replaying events from linkID.
func NewControllerScope(linkID string) *ControllerScope {
	return &ControllerScope{linkID: linkID}
}

// InScope reports whether ctx was produced by WithControllerScope, i.e.
// whether the call is happening inside a replay rather than from some
// unrelated, organically produced local traffic.
func InScope(ctx context.Context) (*ControllerScope, bool) {
	v := ctx.Value(controllerScopeKey)
	if v == nil {
		return nil, false
	}
	scope, ok := v.(*ControllerScope)
	return scope, ok
}

// LinkID identifies which link's handler goroutine produced this scope,
// useful for an outbound mirror deciding whether the inbound event it is
// about to re-send is the one it just received on this very link.
func (s *ControllerScope) LinkID() string {
	if s == nil {
		return ""
	}
	return s.linkID
}
