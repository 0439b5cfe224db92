// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "context"

// stateContextKey is the context key for the request's session state.
type stateContextKey struct{}

// WithState stores the session state in the context. A nil state
// returns the context unchanged.
func WithState(ctx context.Context, state *State) context.Context {
	if state == nil {
		return ctx
	}
	return context.WithValue(ctx, stateContextKey{}, state)
}

// StateFromContext retrieves the session state placed by the
// authentication middleware.
func StateFromContext(ctx context.Context) (*State, bool) {
	state, ok := ctx.Value(stateContextKey{}).(*State)
	return state, ok
}
