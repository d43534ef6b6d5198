// Package digest accumulates changes per user and flushes them as one batch.
//
// Each user has at most one pending entry. An entry is flushed when its one-off
// flush time passes (quiet-hours end, cooldown end), when the user's daily
// delivery time occurs, or when it is older than the staleness cap. Entries
// are written to a Journal after each tick and on shutdown, and read back on
// start, so a restart does not lose queued changes.
package digest

import (
	"context"
	"dispenser-watch/metrics"
	"dispenser-watch/pkg/schedule"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// DefaultMaxAge bounds how long changes may wait in a digest.
const DefaultMaxAge = 24 * time.Hour

// Reason explains why an entry was flushed.
type Reason string

// Flush reasons.
const (
	ReasonDaily  Reason = "daily"
	ReasonOneOff Reason = "one_off"
	ReasonStale  Reason = "stale"
	ReasonManual Reason = "manual"
	ReasonNotDue Reason = ""
)

// Preferences loads a user's notification settings.
type Preferences interface {
	Get(ctx context.Context, userID string) (*schedule.Preferences, error)
}

// Dispatcher delivers requests to channel adapters.
type Dispatcher interface {
	Deliver(ctx context.Context, reqs []schedule.DeliveryRequest) []schedule.DeliveryResult
}

// Gate limits daily digests per user. slot is the delivery-time occurrence
// being flushed, not the tick time.
type Gate interface {
	AllowDigest(userID string, slot time.Time) bool
}

// Journal persists pending entries across restarts.
type Journal interface {
	SaveDigests(ctx context.Context, entries []schedule.DigestEntry) error
	LoadDigests(ctx context.Context) ([]schedule.DigestEntry, error)
}

// Flush reports one flushed entry.
type Flush struct {
	UserID   string
	Reason   Reason
	Changes  int
	Requests []schedule.DeliveryRequest
	Results  []schedule.DeliveryResult
}

// Scheduler owns the per-user digest entries.
type Scheduler struct {
	prefs      Preferences
	dispatcher Dispatcher
	gate       Gate
	logger     *slog.Logger
	journal    Journal
	loc        *time.Location
	maxAge     time.Duration

	mu      sync.Mutex
	entries map[string]*schedule.DigestEntry
	dirty   bool
}

// Config holds scheduler settings.
type Config struct {
	Location *time.Location // default zone for delivery times, UTC when nil
	MaxAge   time.Duration
	Journal  Journal // optional
}

// New creates a digest scheduler.
func New(prefs Preferences, dispatcher Dispatcher, gate Gate, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Scheduler{
		prefs:      prefs,
		dispatcher: dispatcher,
		gate:       gate,
		journal:    cfg.Journal,
		logger:     logger,
		loc:        cfg.Location,
		maxAge:     cfg.MaxAge,
		entries:    make(map[string]*schedule.DigestEntry),
	}
}

// Enqueue adds changes to the user's entry. A non-zero flushAt requests a
// one-off flush; the earliest requested one-off time wins.
func (s *Scheduler) Enqueue(userID string, changes []schedule.ClassifiedChange, now, flushAt time.Time) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		e = &schedule.DigestEntry{UserID: userID, FirstQueuedAt: now}
		s.entries[userID] = e
	}
	have := make(map[string]bool, len(e.Changes))
	for _, c := range e.Changes {
		have[c.ContentHash] = true
	}
	for _, c := range changes {
		if have[c.ContentHash] {
			continue
		}
		have[c.ContentHash] = true
		e.Changes = append(e.Changes, c)
	}
	if !flushAt.IsZero() && (e.FlushAt.IsZero() || flushAt.Before(e.FlushAt)) {
		e.FlushAt = flushAt
	}
	s.dirty = true

	s.logger.Info("Changes queued for digest",
		"user_id", userID,
		"queued", len(changes),
		"pending", len(e.Changes),
		"flush_at", formatTime(e.FlushAt))
}

// Pending returns a copy of the user's entry, or nil.
func (s *Scheduler) Pending(userID string) *schedule.DigestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		return nil
	}
	cp := *e
	cp.Changes = append([]schedule.ClassifiedChange(nil), e.Changes...)
	return &cp
}

// Users lists users with pending entries, sorted.
func (s *Scheduler) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.entries))
	for u, e := range s.entries {
		if len(e.Changes) > 0 {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users
}

// Tick flushes every entry that is due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []Flush {
	var flushes []Flush
	for _, userID := range s.Users() {
		p, err := s.prefs.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("Digest flush skipped, preferences unavailable",
				"user_id", userID,
				"error", err)
			continue
		}
		entry := s.Pending(userID)
		if entry == nil {
			continue
		}
		reason, slot := s.due(p, entry, now)
		if reason == ReasonNotDue {
			continue
		}
		if reason == ReasonDaily && s.gate != nil && !s.gate.AllowDigest(userID, slot) {
			s.logger.Debug("Daily digest held by cooldown", "user_id", userID, "slot", slot.Format(time.RFC3339))
			continue
		}
		if f, ok := s.flush(ctx, p, reason); ok {
			flushes = append(flushes, f)
		}
	}
	return flushes
}

// FlushUser flushes the user's entry regardless of schedule.
func (s *Scheduler) FlushUser(ctx context.Context, userID string) (Flush, error) {
	p, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return Flush{}, fmt.Errorf("%w: %w", schedule.ErrPreferenceLookup, err)
	}
	f, _ := s.flush(ctx, p, ReasonManual)
	return f, nil
}

// FlushAll flushes every pending entry regardless of schedule.
func (s *Scheduler) FlushAll(ctx context.Context) []Flush {
	var flushes []Flush
	for _, userID := range s.Users() {
		f, err := s.FlushUser(ctx, userID)
		if err != nil {
			s.logger.Warn("Manual digest flush failed", "user_id", userID, "error", err)
			continue
		}
		flushes = append(flushes, f)
	}
	return flushes
}

// NextFlush returns when the entry would next be flushed.
func (s *Scheduler) NextFlush(p *schedule.Preferences, e *schedule.DigestEntry) time.Time {
	next := e.FirstQueuedAt.Add(s.maxAge)
	if !e.FlushAt.IsZero() && e.FlushAt.Before(next) {
		next = e.FlushAt
	}
	if p.Frequency == schedule.FrequencyDigest {
		if daily, err := nextOccurrence(p.DeliveryTime, p.Location(s.loc), e.FirstQueuedAt); err == nil && daily.Before(next) {
			next = daily
		}
	}
	return next
}

// due reports why the entry should be flushed at now. For daily flushes it
// also returns the delivery-time occurrence that fell due.
func (s *Scheduler) due(p *schedule.Preferences, e *schedule.DigestEntry, now time.Time) (Reason, time.Time) {
	if now.Sub(e.FirstQueuedAt) >= s.maxAge {
		return ReasonStale, time.Time{}
	}
	if !e.FlushAt.IsZero() && !now.Before(e.FlushAt) {
		return ReasonOneOff, time.Time{}
	}
	if p.Frequency == schedule.FrequencyDigest {
		last, err := lastOccurrence(p.DeliveryTime, p.Location(s.loc), now)
		if err != nil {
			s.logger.Warn("Invalid delivery time", "user_id", p.UserID, "delivery_time", p.DeliveryTime, "error", err)
			return ReasonNotDue, time.Time{}
		}
		if !last.Before(e.FirstQueuedAt) {
			return ReasonDaily, last
		}
	}
	return ReasonNotDue, time.Time{}
}

// flush builds one request per enabled channel from the entry, removes the
// entry, then hands the requests to the dispatcher.
func (s *Scheduler) flush(ctx context.Context, p *schedule.Preferences, reason Reason) (Flush, bool) {
	s.mu.Lock()
	e, ok := s.entries[p.UserID]
	if !ok || len(e.Changes) == 0 {
		s.mu.Unlock()
		return Flush{UserID: p.UserID, Reason: reason}, false
	}
	var reqs []schedule.DeliveryRequest
	for _, target := range p.Targets() {
		reqs = append(reqs, schedule.DeliveryRequest{
			UserID:    p.UserID,
			Channel:   target.Channel,
			Recipient: target.Recipient,
			Changes:   append([]schedule.ClassifiedChange(nil), e.Changes...),
			Mode:      schedule.ModeDigest,
		})
	}
	delete(s.entries, p.UserID)
	s.dirty = true
	s.mu.Unlock()

	f := Flush{UserID: p.UserID, Reason: reason, Changes: len(e.Changes), Requests: reqs}
	metrics.DigestFlush(string(reason))
	if len(reqs) == 0 {
		s.logger.Warn("Digest dropped, no enabled channels",
			"user_id", p.UserID,
			"changes", len(e.Changes),
			"content_hashes", schedule.Hashes(e.Changes))
		return f, true
	}

	s.logger.Info("Flushing digest",
		"user_id", p.UserID,
		"reason", string(reason),
		"changes", len(e.Changes),
		"channels", len(reqs),
		"first_queued_at", e.FirstQueuedAt.Format(time.RFC3339))
	f.Results = s.dispatcher.Deliver(ctx, reqs)
	return f, true
}

// Restore loads persisted entries into the scheduler. Entries already held in
// memory are merged with the restored ones.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	entries, err := s.journal.LoadDigests(ctx)
	if err != nil {
		return 0, fmt.Errorf("load digests: %w", err)
	}
	for _, e := range entries {
		s.restore(e)
	}
	if len(entries) > 0 {
		s.logger.Info("Digest entries restored", "entries", len(entries))
	}
	return len(entries), nil
}

func (s *Scheduler) restore(e schedule.DigestEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.UserID]
	if !ok {
		cp := e
		cp.Changes = append([]schedule.ClassifiedChange(nil), e.Changes...)
		s.entries[e.UserID] = &cp
		return
	}
	have := make(map[string]bool, len(cur.Changes))
	for _, c := range cur.Changes {
		have[c.ContentHash] = true
	}
	for _, c := range e.Changes {
		if !have[c.ContentHash] {
			have[c.ContentHash] = true
			cur.Changes = append(cur.Changes, c)
		}
	}
	if e.FirstQueuedAt.Before(cur.FirstQueuedAt) {
		cur.FirstQueuedAt = e.FirstQueuedAt
	}
	if !e.FlushAt.IsZero() && (cur.FlushAt.IsZero() || e.FlushAt.Before(cur.FlushAt)) {
		cur.FlushAt = e.FlushAt
	}
}

// Persist writes every pending entry to the journal if anything changed since
// the last write.
func (s *Scheduler) Persist(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	users := make([]string, 0, len(s.entries))
	for u := range s.entries {
		users = append(users, u)
	}
	sort.Strings(users)
	entries := make([]schedule.DigestEntry, 0, len(users))
	for _, u := range users {
		e := *s.entries[u]
		e.Changes = append([]schedule.ClassifiedChange(nil), e.Changes...)
		entries = append(entries, e)
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.journal.SaveDigests(ctx, entries); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("save digests: %w", err)
	}
	return nil
}

// Start runs Tick on the given cron spec until ctx is cancelled, then writes
// the remaining entries to the journal.
func (s *Scheduler) Start(ctx context.Context, spec string, now func() time.Time) error {
	c := rcron.New(rcron.WithLocation(s.loc))
	if _, err := c.AddFunc(spec, func() {
		flushes := s.Tick(ctx, now())
		if len(flushes) > 0 {
			s.logger.Info("Digest tick completed", "flushed", len(flushes))
		}
		if err := s.Persist(ctx); err != nil {
			s.logger.Warn("Failed to persist digest entries", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register digest tick %q: %w", spec, err)
	}
	c.Start()
	s.logger.Info("Digest scheduler started", "spec", spec, "timezone", s.loc.String())

	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("Digest scheduler stop timed out waiting for running tick")
	}
	s.Shutdown(context.Background())
	s.logger.Info("Digest scheduler stopped")
	return nil
}

// Shutdown persists pending entries. Entries that cannot be persisted are
// logged with their content hashes so they can be replayed by hand.
func (s *Scheduler) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.Persist(ctx)
	if err == nil && s.journal != nil {
		if n := len(s.Users()); n > 0 {
			s.logger.Info("Digest entries persisted for next start", "users", n)
		}
		return
	}
	if err != nil {
		s.logger.Error("Failed to persist digest entries", "error", err)
	}
	for _, userID := range s.Users() {
		e := s.Pending(userID)
		if e == nil {
			continue
		}
		s.logger.Error("Pending digest not persisted",
			"user_id", userID,
			"changes", len(e.Changes),
			"first_queued_at", e.FirstQueuedAt.Format(time.RFC3339),
			"content_hashes", schedule.Hashes(e.Changes))
	}
}

// lastOccurrence returns the latest HH:MM in loc at or before now.
func lastOccurrence(clock string, loc *time.Location, now time.Time) (time.Time, error) {
	mins, err := schedule.ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), mins/60, mins%60, 0, 0, loc)
	if t.After(now) {
		t = t.AddDate(0, 0, -1)
	}
	return t, nil
}

// nextOccurrence returns the earliest HH:MM in loc at or after from.
func nextOccurrence(clock string, loc *time.Location, from time.Time) (time.Time, error) {
	mins, err := schedule.ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	local := from.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), mins/60, mins%60, 0, 0, loc)
	if t.Before(from) {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
