package prefs

import (
	"context"
	"dispenser-watch/pkg/schedule"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of *pgxpool.Pool used by Postgres.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Schema creates the preferences table. Each row holds the JSON document for one user.
const Schema = `
CREATE TABLE IF NOT EXISTS watcher_preferences (
	user_id    TEXT PRIMARY KEY,
	prefs      JSONB NOT NULL,
	scopes     TEXT[] NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres reads preferences from PostgreSQL.
type Postgres struct {
	db Querier
}

// NewPostgres wraps a pool or connection.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// Get loads and validates one user's preferences.
func (s *Postgres) Get(ctx context.Context, userID string) (*schedule.Preferences, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT prefs FROM watcher_preferences WHERE user_id = $1`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrUnknownUser)
		}
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	var p schedule.Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode preferences for %s: %w", userID, err)
	}
	p.UserID = userID
	if p.Frequency == "" {
		p.Frequency = schedule.FrequencyImmediate
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return &p, nil
}

// Watchers returns users whose scope list contains scope, or whose id equals
// scope when the list is empty.
func (s *Postgres) Watchers(ctx context.Context, scope string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id FROM watcher_preferences
		WHERE $1 = ANY(scopes) OR (cardinality(scopes) = 0 AND user_id = $1)
		ORDER BY user_id`, scope)
	if err != nil {
		return nil, fmt.Errorf("list watchers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
