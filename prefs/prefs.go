// Package prefs loads per-user notification preferences.
package prefs

import (
	"context"
	"dispenser-watch/pkg/schedule"
	"errors"
)

// ErrUnknownUser is returned when no preferences exist for a user.
var ErrUnknownUser = errors.New("unknown user")

// Store is the read side every preferences backend implements.
type Store interface {
	Get(ctx context.Context, userID string) (*schedule.Preferences, error)
	// Watchers lists the ids of users notified about changes in scope.
	Watchers(ctx context.Context, scope string) ([]string, error)
}
