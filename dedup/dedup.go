// Package dedup suppresses repeated and noisy notifications.
//
// Two process-local caches are kept: a short TTL cache of content hashes per
// user, and a cooldown clock per (user, category). Both may be lost on restart;
// the worst case is a harmless re-notification.
package dedup

import (
	"dispenser-watch/pkg/schedule"
	"log/slog"
	"sync"
	"time"
)

// Category groups change kinds for cooldown purposes.
type Category string

// Cooldown categories.
const (
	CategoryScheduleChange Category = "schedule-change"
	CategoryDigest         Category = "digest"
)

// Default windows.
const (
	DefaultTTL                    = 5 * time.Minute
	DefaultScheduleChangeCooldown = 10 * time.Minute
	DefaultDigestCooldown         = 24 * time.Hour
)

// Verdict is the outcome of checking one change.
type Verdict string

// Verdicts.
const (
	Admitted  Verdict = "admitted"
	Duplicate Verdict = "duplicate"
	Cooldown  Verdict = "cooldown"
)

// Decision pairs a change with its verdict.
type Decision struct {
	Change  schedule.ClassifiedChange
	Verdict Verdict
	Until   time.Time // cooldown end, set for Cooldown verdicts
}

// Suppressed reports whether the change must not be delivered now.
func (d Decision) Suppressed() bool {
	return d.Verdict != Admitted
}

// Config holds the dedup windows.
type Config struct {
	TTL       time.Duration
	Cooldowns map[Category]time.Duration
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		TTL: DefaultTTL,
		Cooldowns: map[Category]time.Duration{
			CategoryScheduleChange: DefaultScheduleChangeCooldown,
			CategoryDigest:         DefaultDigestCooldown,
		},
	}
}

type record struct {
	firstSeen time.Time
	lastSeen  time.Time
	count     int
}

type hashKey struct {
	userID string
	hash   string
}

type cooldownKey struct {
	userID   string
	category Category
}

// Engine filters classified changes against the content cache and cooldowns.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	mu        sync.Mutex
	seen      map[hashKey]*record
	cooldowns map[cooldownKey]time.Time
}

// New creates a dedup engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = DefaultConfig().Cooldowns
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		seen:      make(map[hashKey]*record),
		cooldowns: make(map[cooldownKey]time.Time),
	}
}

// Check evaluates a single change. It is Filter for a batch of one.
func (e *Engine) Check(userID string, c schedule.ClassifiedChange, now time.Time, manual bool) Decision {
	return e.Filter(userID, []schedule.ClassifiedChange{c}, now, manual)[0]
}

// Filter evaluates a batch of changes detected in the same cycle.
// The cooldown is judged against the state before the batch, so every genuinely
// new change in one cycle is admitted together. Manual checks bypass the cooldown
// but not the content cache.
func (e *Engine) Filter(userID string, changes []schedule.ClassifiedChange, now time.Time, manual bool) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	ck := cooldownKey{userID: userID, category: CategoryScheduleChange}
	until, cooling := e.cooldownUntil(ck, now)
	if manual {
		cooling = false
	}

	decisions := make([]Decision, 0, len(changes))
	admitted := 0
	for _, c := range changes {
		hk := hashKey{userID: userID, hash: c.ContentHash}
		if rec, ok := e.seen[hk]; ok && now.Sub(rec.firstSeen) < e.cfg.TTL {
			rec.count++
			rec.lastSeen = now
			e.logger.Debug("Duplicate change suppressed",
				"user_id", userID,
				"content_hash", c.ContentHash,
				"count", rec.count)
			decisions = append(decisions, Decision{Change: c, Verdict: Duplicate})
			continue
		}
		if cooling {
			e.logger.Debug("Change held by cooldown",
				"user_id", userID,
				"content_hash", c.ContentHash,
				"until", until.Format(time.RFC3339))
			decisions = append(decisions, Decision{Change: c, Verdict: Cooldown, Until: until})
			continue
		}
		e.seen[hk] = &record{firstSeen: now, lastSeen: now, count: 1}
		decisions = append(decisions, Decision{Change: c, Verdict: Admitted})
		admitted++
	}

	if admitted > 0 {
		e.cooldowns[ck] = now
	}
	return decisions
}

// Remember records hashes without a cooldown, used for changes that were
// queued for later delivery so a re-detection within the TTL is not queued twice.
func (e *Engine) Remember(userID string, changes []schedule.ClassifiedChange, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range changes {
		hk := hashKey{userID: userID, hash: c.ContentHash}
		if _, ok := e.seen[hk]; !ok {
			e.seen[hk] = &record{firstSeen: now, lastSeen: now, count: 1}
		}
	}
}

// AllowDigest reports whether the daily digest for slot, a delivery-time
// occurrence, may be sent and, if so, starts the digest cooldown from slot.
func (e *Engine) AllowDigest(userID string, slot time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ck := cooldownKey{userID: userID, category: CategoryDigest}
	if _, cooling := e.cooldownUntil(ck, slot); cooling {
		return false
	}
	e.cooldowns[ck] = slot
	return true
}

func (e *Engine) cooldownUntil(k cooldownKey, now time.Time) (time.Time, bool) {
	last, ok := e.cooldowns[k]
	if !ok {
		return time.Time{}, false
	}
	until := e.cooldownEnd(k.category, last)
	return until, now.Before(until)
}

// cooldownEnd returns when a cooldown started at last ends. Whole days of the
// digest window are calendar days in last's zone, so a DST change neither
// holds back nor advances the next daily digest.
func (e *Engine) cooldownEnd(c Category, last time.Time) time.Time {
	w := e.cfg.Cooldowns[c]
	if c != CategoryDigest {
		return last.Add(w)
	}
	days := int(w / (24 * time.Hour))
	return last.AddDate(0, 0, days).Add(w % (24 * time.Hour))
}

// Sweep drops expired content records and elapsed cooldowns.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for k, rec := range e.seen {
		if now.Sub(rec.firstSeen) >= e.cfg.TTL {
			delete(e.seen, k)
			removed++
		}
	}
	for k, last := range e.cooldowns {
		if !now.Before(e.cooldownEnd(k.category, last)) {
			delete(e.cooldowns, k)
		}
	}
	return removed
}

// Len returns the number of cached content records.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}
