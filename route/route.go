// Package route decides, per user, whether admitted changes go out now or wait
// in the digest queue.
package route

import (
	"dispenser-watch/dedup"
	"dispenser-watch/pkg/schedule"
	"log/slog"
	"time"
)

// Queue holds changes for later delivery.
type Queue interface {
	Enqueue(userID string, changes []schedule.ClassifiedChange, now, flushAt time.Time)
}

// Plan is the routing outcome for one user and one batch.
type Plan struct {
	Immediate []schedule.DeliveryRequest
	Queued    []schedule.ClassifiedChange
	FlushAt   time.Time // one-off flush for queued changes, zero for the daily digest
	Deferred  []schedule.ClassifiedChange
	DeferTo   time.Time // when cooldown-held changes will flush
	Reason    string
}

// Router maps dedup decisions onto delivery requests.
type Router struct {
	queue  Queue
	loc    *time.Location
	logger *slog.Logger
}

// New creates a router. loc is the default zone for users without one.
func New(queue Queue, loc *time.Location, logger *slog.Logger) *Router {
	if loc == nil {
		loc = time.UTC
	}
	return &Router{queue: queue, loc: loc, logger: logger}
}

// Route routes one batch of decisions for the user. Duplicates are dropped,
// cooldown-held changes are queued to flush when the cooldown ends, and admitted
// changes go out immediately unless the user batches or is in quiet hours.
func (r *Router) Route(p *schedule.Preferences, decisions []dedup.Decision, now time.Time) Plan {
	var admitted, held []schedule.ClassifiedChange
	var heldUntil time.Time
	for _, d := range decisions {
		switch d.Verdict {
		case dedup.Admitted:
			admitted = append(admitted, d.Change)
		case dedup.Cooldown:
			held = append(held, d.Change)
			if d.Until.After(heldUntil) {
				heldUntil = d.Until
			}
		}
	}

	loc := p.Location(r.loc)
	var plan Plan

	if len(held) > 0 {
		flushAt := heldUntil
		if p.Frequency == schedule.FrequencyDigest {
			flushAt = time.Time{}
		} else if end, quiet := QuietUntil(p.QuietHours, loc, heldUntil); quiet {
			flushAt = end
		}
		r.queue.Enqueue(p.UserID, held, now, flushAt)
		plan.Deferred = held
		plan.DeferTo = flushAt
		r.logger.Info("Cooldown-held changes deferred",
			"user_id", p.UserID,
			"changes", len(held),
			"flush_at", flushAt.Format(time.RFC3339))
	}

	if len(admitted) == 0 {
		return plan
	}

	switch {
	case p.Frequency == schedule.FrequencyDigest:
		r.queue.Enqueue(p.UserID, admitted, now, time.Time{})
		plan.Queued = admitted
		plan.Reason = "digest"
	default:
		if end, quiet := QuietUntil(p.QuietHours, loc, now); quiet {
			r.queue.Enqueue(p.UserID, admitted, now, end)
			plan.Queued = admitted
			plan.FlushAt = end
			plan.Reason = "quiet_hours"
			r.logger.Info("Quiet hours, changes queued",
				"user_id", p.UserID,
				"changes", len(admitted),
				"until", end.Format(time.RFC3339))
			return plan
		}
		plan.Immediate = Requests(p, admitted, schedule.ModeImmediate)
		plan.Reason = "immediate"
		if len(plan.Immediate) == 0 {
			r.logger.Warn("No enabled channels, changes not delivered",
				"user_id", p.UserID,
				"content_hashes", schedule.Hashes(admitted))
		}
	}
	return plan
}

// Requests builds one request per enabled channel carrying all changes.
func Requests(p *schedule.Preferences, changes []schedule.ClassifiedChange, mode schedule.Mode) []schedule.DeliveryRequest {
	targets := p.Targets()
	reqs := make([]schedule.DeliveryRequest, 0, len(targets))
	for _, t := range targets {
		reqs = append(reqs, schedule.DeliveryRequest{
			UserID:    p.UserID,
			Channel:   t.Channel,
			Recipient: t.Recipient,
			Changes:   append([]schedule.ClassifiedChange(nil), changes...),
			Mode:      mode,
		})
	}
	return reqs
}

// QuietUntil reports whether t falls inside the quiet window and, if so, when
// the window ends. Windows may wrap midnight; equal start and end disable it.
func QuietUntil(q schedule.QuietHours, loc *time.Location, t time.Time) (time.Time, bool) {
	if !q.Enabled {
		return time.Time{}, false
	}
	start, err := schedule.ParseClock(q.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := schedule.ParseClock(q.End)
	if err != nil || start == end {
		return time.Time{}, false
	}

	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()
	endToday := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, loc)

	if start < end {
		if m >= start && m < end {
			return endToday, true
		}
		return time.Time{}, false
	}
	// Wraps midnight.
	switch {
	case m < end:
		return endToday, true
	case m >= start:
		return endToday.AddDate(0, 0, 1), true
	}
	return time.Time{}, false
}
