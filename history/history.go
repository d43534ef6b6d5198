// Package history records change and delivery events for audit and manual replay.
package history

import (
	"bufio"
	"context"
	"dispenser-watch/pkg/schedule"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sink receives events.
type Sink interface {
	Record(ctx context.Context, ev schedule.Event) error
}

// Multi fans an event out to several sinks, filling in ID and At first.
type Multi struct {
	sinks []Sink
	now   func() time.Time
}

// NewMulti combines sinks. Nil sinks are ignored.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{now: time.Now}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Record delivers ev to every sink and joins their errors.
func (m *Multi) Record(ctx context.Context, ev schedule.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to a structured logger.
type Log struct {
	Logger *slog.Logger
}

// Record logs ev. Failures are logged at Error so they can be replayed by hand.
func (l Log) Record(ctx context.Context, ev schedule.Event) error {
	attrs := []any{"event_id", ev.ID, "event", ev.Type, "user_id", ev.UserID}
	if ev.Scope != "" {
		attrs = append(attrs, "scope", ev.Scope)
	}
	if c := ev.Change; c != nil {
		attrs = append(attrs, "kind", c.Kind, "severity", c.Severity, "content_hash", c.ContentHash)
	}
	if d := ev.Delivery; d != nil {
		attrs = append(attrs, "channel", d.Channel, "mode", d.Mode, "parts", d.Parts, "attempts", d.Attempts, "content_hashes", d.Hashes)
		if d.Error != "" {
			attrs = append(attrs, "error", d.Error)
		}
	}
	level := slog.LevelInfo
	if ev.Type == schedule.EventNotificationFailed {
		level = slog.LevelError
	}
	l.Logger.Log(ctx, level, "History event", attrs...)
	return nil
}

// File appends events as JSON lines.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFile opens (or creates) a JSONL history file for appending.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	return &File{f: f, path: path}, nil
}

// Record appends one line.
func (h *File) Record(_ context.Context, ev schedule.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.f.Write(line); err != nil {
		return fmt.Errorf("write history %s: %w", h.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (h *File) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Close()
}

// Read decodes a JSONL history stream. Blank lines are skipped.
func Read(r io.Reader) ([]schedule.Event, error) {
	var out []schedule.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev schedule.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

// Failed returns the notification_failed events in evs.
func Failed(evs []schedule.Event) []schedule.Event {
	var out []schedule.Event
	for _, ev := range evs {
		if ev.Type == schedule.EventNotificationFailed {
			out = append(out, ev)
		}
	}
	return out
}

// Execer is the subset of *pgxpool.Pool used by Postgres.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the history table.
const Schema = `
CREATE TABLE IF NOT EXISTS watcher_events (
	id          UUID PRIMARY KEY,
	type        TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	scope       TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
)`

// Postgres inserts events into the watcher_events table.
type Postgres struct {
	db Execer
}

// NewPostgres wraps a pool or connection.
func NewPostgres(db Execer) *Postgres {
	return &Postgres{db: db}
}

// Record inserts ev. Duplicate ids are ignored so a replayed stream is harmless.
func (p *Postgres) Record(ctx context.Context, ev schedule.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO watcher_events (id, type, user_id, scope, at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.UserID, ev.Scope, ev.At, payload,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
