package app

import "context"

// Notifier is told when a session's visible state changed so it can push a fresh view.
// Pull deployments use NopNotifier; the websocket hub is the push implementation.
type Notifier interface {
	SessionChanged(ctx context.Context, sessionID string)
}

// NopNotifier ignores change signals.
type NopNotifier struct{}

func (NopNotifier) SessionChanged(context.Context, string) {}
