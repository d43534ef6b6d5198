// Package schedule contains the core domain types for the dispenser visit watcher.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformedSnapshot is returned when a snapshot contains duplicate item ids.
	ErrMalformedSnapshot = errors.New("malformed snapshot")

	// ErrPreferenceLookup is returned when a user's preferences cannot be loaded.
	ErrPreferenceLookup = errors.New("preference lookup failed")

	// ErrScopeBusy is returned when a pipeline run is already in flight for a scope.
	ErrScopeBusy = errors.New("scope busy")
)

// WorkItem represents a single scheduled dispenser service visit.
type WorkItem struct {
	ID             string `json:"id"`
	StoreID        string `json:"store_id"`
	StoreName      string `json:"store_name"`
	Location       string `json:"location"`
	ScheduledDate  string `json:"scheduled_date"` // YYYY-MM-DD, optionally with a time component
	DispenserCount int    `json:"dispenser_count"`
	ServiceCode    string `json:"service_code"`
}

// EffectiveDate returns the calendar date part of ScheduledDate.
func (w WorkItem) EffectiveDate() string {
	return EffectiveDate(w.ScheduledDate)
}

// EffectiveDate trims a scheduled date down to its YYYY-MM-DD prefix.
func EffectiveDate(date string) string {
	if len(date) > 10 {
		return date[:10]
	}
	return date
}

// Snapshot is a point-in-time set of work items for one scope.
type Snapshot struct {
	Scope      string     `json:"scope"`
	Items      []WorkItem `json:"items"`
	CapturedAt time.Time  `json:"captured_at"`
}

// Index builds an id -> item map, failing on duplicate ids.
func (s *Snapshot) Index() (map[string]WorkItem, error) {
	idx := make(map[string]WorkItem, len(s.Items))
	for _, item := range s.Items {
		if _, dup := idx[item.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q in scope %q", ErrMalformedSnapshot, item.ID, s.Scope)
		}
		idx[item.ID] = item
	}
	return idx, nil
}

// Kind identifies the type of a change record.
type Kind string

// Change kinds.
const (
	KindAdded       Kind = "added"
	KindRemoved     Kind = "removed"
	KindDateChanged Kind = "date_changed"
	KindSwapped     Kind = "swapped"
	KindReplaced    Kind = "replaced"
)

// Label returns a human-readable name for the kind.
func (k Kind) Label() string {
	switch k {
	case KindAdded:
		return "Added"
	case KindRemoved:
		return "Removed"
	case KindDateChanged:
		return "Date changed"
	case KindSwapped:
		return "Swapped"
	case KindReplaced:
		return "Replaced"
	default:
		return string(k)
	}
}

// ParseKind maps a label or raw kind string back to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindAdded, KindRemoved, KindDateChanged, KindSwapped, KindReplaced} {
		if s == string(k) || s == k.Label() {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown change kind %q", s)
}

// Severity ranks how urgently a change needs the operator's attention.
type Severity string

// Severities, most urgent first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityNormal   Severity = "normal"
)

// Severities lists all severities in display order.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityNormal}

// Rank orders severities; lower is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	default:
		return 2
	}
}

// ParseSeverity maps a string (any case) to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(s)) {
	case SeverityCritical:
		return SeverityCritical, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityNormal:
		return SeverityNormal, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// RawChange is a structural difference between two snapshots.
// Item is set for Added and Removed; Before/After for DateChanged.
type RawChange struct {
	Kind    Kind      `json:"kind"`
	ID      string    `json:"id"`
	Item    *WorkItem `json:"item,omitempty"`
	Before  *WorkItem `json:"before,omitempty"`
	After   *WorkItem `json:"after,omitempty"`
	OldDate string    `json:"old_date,omitempty"`
	NewDate string    `json:"new_date,omitempty"`
}

// Swap describes two items exchanging scheduled dates.
type Swap struct {
	IDA      string `json:"id_a"`
	IDB      string `json:"id_b"`
	OldDateA string `json:"old_date_a"`
	NewDateA string `json:"new_date_a"`
	OldDateB string `json:"old_date_b"`
	NewDateB string `json:"new_date_b"`
}

// Replacement describes one visit substituted by another in the same store-day slot.
type Replacement struct {
	Removed WorkItem `json:"removed"`
	Added   WorkItem `json:"added"`
}

// ClassifiedChange is a change record with severity and compound detection applied.
type ClassifiedChange struct {
	Kind        Kind         `json:"kind"`
	Severity    Severity     `json:"severity"`
	ContentHash string       `json:"content_hash"`
	Item        *WorkItem    `json:"item,omitempty"`
	OldDate     string       `json:"old_date,omitempty"`
	NewDate     string       `json:"new_date,omitempty"`
	Swap        *Swap        `json:"swap,omitempty"`
	Replacement *Replacement `json:"replacement,omitempty"`
	DetectedAt  time.Time    `json:"detected_at"`
}

// IDs returns the work item ids a change refers to.
func (c ClassifiedChange) IDs() []string {
	switch {
	case c.Swap != nil:
		return []string{c.Swap.IDA, c.Swap.IDB}
	case c.Replacement != nil:
		return []string{c.Replacement.Removed.ID, c.Replacement.Added.ID}
	case c.Item != nil:
		return []string{c.Item.ID}
	}
	return nil
}

// Hashes collects the content hashes of a batch of changes, for logging.
func Hashes(changes []ClassifiedChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.ContentHash
	}
	return out
}

// Mode selects how a delivery request reaches the user.
type Mode string

// Delivery modes.
const (
	ModeImmediate Mode = "immediate"
	ModeDigest    Mode = "digest"
)

// Channel names a notification channel.
type Channel string

// Supported channels.
const (
	ChannelEmail    Channel = "email"
	ChannelPush     Channel = "push"
	ChannelDesktop  Channel = "desktop"
	ChannelTelegram Channel = "telegram"
)

// DeliveryRequest carries one or more changes to one channel for one user.
type DeliveryRequest struct {
	UserID    string             `json:"user_id"`
	Channel   Channel            `json:"channel"`
	Recipient string             `json:"recipient"` // address, token or chat id, depending on channel
	Changes   []ClassifiedChange `json:"changes"`
	Mode      Mode               `json:"mode"`
}

// DeliveryResult reports the outcome of sending one DeliveryRequest.
type DeliveryResult struct {
	UserID   string   `json:"user_id"`
	Channel  Channel  `json:"channel"`
	Mode     Mode     `json:"mode"`
	Parts    int      `json:"parts"`
	Sent     int      `json:"sent"`
	Attempts int      `json:"attempts"`
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	Hashes   []string `json:"hashes"`
}

// ChannelSendError reports a channel send that failed after all retries.
type ChannelSendError struct {
	UserID   string
	Channel  Channel
	Part     int
	Attempts int
	Err      error
}

func (e *ChannelSendError) Error() string {
	return fmt.Sprintf("send %s to user %s (part %d) failed after %d attempts: %v", e.Channel, e.UserID, e.Part, e.Attempts, e.Err)
}

func (e *ChannelSendError) Unwrap() error {
	return e.Err
}

// DigestEntry accumulates changes for a user between digest flushes.
type DigestEntry struct {
	UserID        string             `json:"user_id"`
	Changes       []ClassifiedChange `json:"changes"`
	FirstQueuedAt time.Time          `json:"first_queued_at"`
	FlushAt       time.Time          `json:"flush_at,omitempty"` // one-off flush, zero for daily only
}
