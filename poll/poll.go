// Package poll runs the detect, dedup and route pipeline for each watched scope.
package poll

import (
	"context"
	"dispenser-watch/classify"
	"dispenser-watch/dedup"
	"dispenser-watch/diff"
	"dispenser-watch/metrics"
	"dispenser-watch/pkg/schedule"
	"dispenser-watch/route"
	"dispenser-watch/storage"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source supplies current snapshots.
type Source interface {
	Scopes(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, scope string) (*schedule.Snapshot, error)
}

// Store persists the last snapshot per scope.
type Store interface {
	Load(ctx context.Context, scope string) (*schedule.Snapshot, error)
	Save(ctx context.Context, snap *schedule.Snapshot) error
}

// Preferences resolves who watches a scope and how they want to hear about it.
type Preferences interface {
	Get(ctx context.Context, userID string) (*schedule.Preferences, error)
	Watchers(ctx context.Context, scope string) ([]string, error)
}

// Deduper suppresses repeated notifications.
type Deduper interface {
	Filter(userID string, changes []schedule.ClassifiedChange, now time.Time, manual bool) []dedup.Decision
	Remember(userID string, changes []schedule.ClassifiedChange, now time.Time)
}

// Router turns dedup decisions into deliveries or queued digest entries.
type Router interface {
	Route(p *schedule.Preferences, decisions []dedup.Decision, now time.Time) route.Plan
}

// Queue holds changes for a user until their preferences can be read.
type Queue interface {
	Enqueue(userID string, changes []schedule.ClassifiedChange, now, flushAt time.Time)
}

// Dispatcher sends delivery requests.
type Dispatcher interface {
	Deliver(ctx context.Context, reqs []schedule.DeliveryRequest) []schedule.DeliveryResult
}

// EventSink records pipeline events.
type EventSink interface {
	Record(ctx context.Context, ev schedule.Event) error
}

// Config holds monitor settings.
type Config struct {
	Concurrency int           // scopes checked in parallel by CheckAll
	MaxInterval time.Duration // longest gap between scheduled checks of a quiet scope, 0 checks every time
}

// UserOutcome reports what happened for one watcher of a scope.
type UserOutcome struct {
	UserID    string                    `json:"user_id"`
	Error     string                    `json:"error,omitempty"`
	Admitted  int                       `json:"admitted"`
	Duplicate int                       `json:"duplicate"`
	Cooldown  int                       `json:"cooldown"`
	Queued    int                       `json:"queued"`
	Held      int                       `json:"held,omitempty"`
	Route     string                    `json:"route,omitempty"`
	Results   []schedule.DeliveryResult `json:"results,omitempty"`
}

// Result reports one pipeline run.
type Result struct {
	Scope    string                      `json:"scope"`
	Manual   bool                        `json:"manual"`
	Baseline bool                        `json:"baseline"`
	Changes  []schedule.ClassifiedChange `json:"changes"`
	Users    []UserOutcome               `json:"users"`
	Saved    bool                        `json:"snapshot_saved"`
}

func (r *Result) failed() bool {
	for _, u := range r.Users {
		if u.Error != "" {
			return true
		}
	}
	return false
}

type scopeState struct {
	lastPolled time.Time
	lastChange time.Time
}

// Monitor handles per-scope checks.
type Monitor struct {
	source     Source
	store      Store
	prefs      Preferences
	dedup      Deduper
	router     Router
	held       Queue
	dispatcher Dispatcher
	events     EventSink
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]*scopeState
}

// New creates a new poll monitor. Changes for a user whose preferences cannot
// be read go to held. events may be nil.
func New(source Source, store Store, prefs Preferences, dd Deduper, router Router, held Queue, dispatcher Dispatcher, events EventSink, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Monitor{
		source:     source,
		store:      store,
		prefs:      prefs,
		dedup:      dd,
		router:     router,
		held:       held,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
		states:     make(map[string]*scopeState),
	}
}

// SetClock replaces the monitor's time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// CheckAll checks every scope the source knows about. One scope's failure does
// not stop the others.
func (m *Monitor) CheckAll(ctx context.Context) error {
	scopes, err := m.source.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}

	now := m.now()
	m.logger.Info("Checking scopes", "count", len(scopes), "timestamp", now.Format(time.RFC3339))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	var mu sync.Mutex
	var checked, skipped, failed int
	for _, scope := range scopes {
		if ctx.Err() != nil {
			m.logger.Info("Context cancelled, stopping scope check", "error", ctx.Err())
			break
		}
		if interval, due := m.due(scope, now); !due {
			m.logger.Debug("Skipping scope (not due for polling)", "scope", scope, "interval", interval.String())
			skipped++
			continue
		}
		g.Go(func() error {
			_, err := m.Check(gctx, scope, false)
			mu.Lock()
			defer mu.Unlock()
			checked++
			switch {
			case errors.Is(err, schedule.ErrScopeBusy):
				m.logger.Info("Scope check already in flight", "scope", scope)
			case err != nil:
				failed++
				m.logger.Warn("Scope check failed", "scope", scope, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.logger.Info("Scope check completed",
		"total_scopes", len(scopes),
		"checked", checked,
		"skipped", skipped,
		"failed", failed)
	return ctx.Err()
}

// Check fetches the current snapshot for scope and processes it.
func (m *Monitor) Check(ctx context.Context, scope string, manual bool) (*Result, error) {
	snap, err := m.source.Fetch(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	return m.Process(ctx, snap, manual)
}

// Process runs the pipeline for one freshly captured snapshot. At most one run
// per scope is in flight; a concurrent call fails with schedule.ErrScopeBusy.
func (m *Monitor) Process(ctx context.Context, cur *schedule.Snapshot, manual bool) (*Result, error) {
	unlock, ok := m.tryLock(cur.Scope)
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", cur.Scope, schedule.ErrScopeBusy)
	}
	defer unlock()

	start := m.now()
	res, err := m.process(ctx, cur, manual, start)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Baseline:
		outcome = "baseline"
	case res.failed():
		outcome = "partial"
	}
	metrics.Pipeline(outcome, m.now().Sub(start))
	return res, err
}

func (m *Monitor) process(ctx context.Context, cur *schedule.Snapshot, manual bool, now time.Time) (*Result, error) {
	scope := cur.Scope
	res := &Result{Scope: scope, Manual: manual}
	m.logger.Info("Starting scope check", "scope", scope, "manual", manual, "item_count", len(cur.Items))

	prev, err := m.store.Load(ctx, scope)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load previous snapshot: %w", err)
	}
	m.touch(scope, now, false)

	if prev == nil {
		// First observation: record the baseline, nothing to compare against.
		if _, err := cur.Index(); err != nil {
			return nil, err
		}
		if err := m.store.Save(ctx, cur); err != nil {
			return nil, fmt.Errorf("save baseline: %w", err)
		}
		res.Baseline = true
		res.Saved = true
		m.logger.Info("Baseline snapshot recorded", "scope", scope, "item_count", len(cur.Items))
		return res, nil
	}

	raw, err := diff.Diff(prev, cur)
	if err != nil {
		m.logger.Error("Snapshot rejected, previous snapshot retained", "scope", scope, "error", err)
		return nil, err
	}
	res.Changes = classify.Classify(raw, prev, cur, now)
	metrics.Changes(res.Changes)

	if len(res.Changes) == 0 {
		if err := m.store.Save(ctx, cur); err != nil {
			return nil, fmt.Errorf("save snapshot: %w", err)
		}
		res.Saved = true
		m.logger.Info("No schedule changes", "scope", scope)
		return res, nil
	}

	m.touch(scope, now, true)
	m.logger.Info("Schedule changes detected",
		"scope", scope,
		"raw", len(raw),
		"changes", len(res.Changes),
		"content_hashes", schedule.Hashes(res.Changes))

	watchers, err := m.prefs.Watchers(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: watchers of %s: %w", schedule.ErrPreferenceLookup, scope, err)
	}
	if len(watchers) == 0 {
		m.logger.Warn("Changes detected but nobody watches scope", "scope", scope, "changes", len(res.Changes))
	}

	for _, userID := range watchers {
		res.Users = append(res.Users, m.notifyUser(ctx, scope, userID, res.Changes, manual, now))
	}

	// Users whose lookup failed hold their changes in the queue, so the
	// snapshot advances for everyone.
	if err := m.store.Save(ctx, cur); err != nil {
		return res, fmt.Errorf("save snapshot: %w", err)
	}
	res.Saved = true
	return res, nil
}

// notifyUser runs dedup and routing for one watcher. Preferences are loaded
// before dedup so a lookup failure leaves no trace in the dedup caches.
func (m *Monitor) notifyUser(ctx context.Context, scope, userID string, changes []schedule.ClassifiedChange, manual bool, now time.Time) UserOutcome {
	out := UserOutcome{UserID: userID}

	p, err := m.prefs.Get(ctx, userID)
	if err != nil {
		err = fmt.Errorf("%w: %w", schedule.ErrPreferenceLookup, err)
		out.Error = err.Error()
		if m.held != nil {
			m.held.Enqueue(userID, changes, now, now)
			out.Held = len(changes)
		}
		m.logger.Warn("Preferences unavailable, changes held for user",
			"user_id", userID,
			"scope", scope,
			"held", out.Held,
			"content_hashes", schedule.Hashes(changes),
			"error", err)
		return out
	}

	for i := range changes {
		m.record(ctx, schedule.Event{Type: schedule.EventChangeDetected, UserID: userID, Scope: scope, At: now, Change: &changes[i]})
	}

	decisions := m.dedup.Filter(userID, changes, now, manual)
	for _, d := range decisions {
		metrics.Verdict(string(d.Verdict))
		switch d.Verdict {
		case dedup.Admitted:
			out.Admitted++
		case dedup.Duplicate:
			out.Duplicate++
		case dedup.Cooldown:
			out.Cooldown++
		}
	}

	plan := m.router.Route(p, decisions, now)
	if len(plan.Deferred) > 0 {
		m.dedup.Remember(userID, plan.Deferred, now)
	}
	out.Queued = len(plan.Queued) + len(plan.Deferred)
	out.Route = plan.Reason

	if len(plan.Immediate) > 0 {
		out.Results = m.dispatcher.Deliver(ctx, plan.Immediate)
	}

	m.logger.Info("User routed",
		"user_id", userID,
		"scope", scope,
		"admitted", out.Admitted,
		"duplicate", out.Duplicate,
		"cooldown", out.Cooldown,
		"queued", out.Queued,
		"route", out.Route,
		"deliveries", len(out.Results))
	return out
}

func (m *Monitor) record(ctx context.Context, ev schedule.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Record(ctx, ev); err != nil {
		m.logger.Warn("Failed to record event", "event", ev.Type, "user_id", ev.UserID, "error", err)
	}
}

func (m *Monitor) tryLock(scope string) (func(), bool) {
	m.mu.Lock()
	l, ok := m.locks[scope]
	if !ok {
		l = &sync.Mutex{}
		m.locks[scope] = l
	}
	m.mu.Unlock()

	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

func (m *Monitor) touch(scope string, now time.Time, changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[scope]
	if !ok {
		st = &scopeState{}
		m.states[scope] = st
	}
	st.lastPolled = now
	if changed {
		st.lastChange = now
	}
}

// due reports whether a scheduled check of scope should run now.
func (m *Monitor) due(scope string, now time.Time) (time.Duration, bool) {
	m.mu.Lock()
	st, ok := m.states[scope]
	var lastPolled, lastChange time.Time
	if ok {
		lastPolled, lastChange = st.lastPolled, st.lastChange
	}
	m.mu.Unlock()

	interval := calculateInterval(lastChange, lastPolled, now, m.cfg.MaxInterval)
	return interval, now.Sub(lastPolled) >= interval
}

// calculateInterval decides how often to check a scope based on how recently
// its schedule changed. Busy scopes are checked on every tick.
func calculateInterval(lastChange, lastPolled, now time.Time, maxInterval time.Duration) time.Duration {
	if maxInterval <= 0 || lastPolled.IsZero() {
		return 0
	}
	if lastChange.IsZero() {
		return maxInterval
	}

	sinceChange := now.Sub(lastChange)
	switch {
	case sinceChange < 6*time.Hour:
		return 0
	case sinceChange < 48*time.Hour:
		return maxInterval / 2
	default:
		return maxInterval
	}
}
