package digest

import (
	"context"
	"dispenser-watch/dedup"
	"dispenser-watch/pkg/schedule"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var day = time.Date(2025, 4, 14, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type prefsMap map[string]*schedule.Preferences

func (m prefsMap) Get(_ context.Context, userID string) (*schedule.Preferences, error) {
	p, ok := m[userID]
	if !ok {
		return nil, errors.New("no such user")
	}
	return p, nil
}

type recorder struct {
	mu   sync.Mutex
	reqs []schedule.DeliveryRequest
}

func (r *recorder) Deliver(_ context.Context, reqs []schedule.DeliveryRequest) []schedule.DeliveryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, reqs...)
	out := make([]schedule.DeliveryResult, len(reqs))
	for i, req := range reqs {
		out[i] = schedule.DeliveryResult{UserID: req.UserID, Channel: req.Channel, Mode: req.Mode, Success: true}
	}
	return out
}

func digestUser(id string) *schedule.Preferences {
	return &schedule.Preferences{
		UserID:       id,
		Frequency:    schedule.FrequencyDigest,
		DeliveryTime: "08:00",
		Channels: schedule.ChannelSettings{
			Email:   schedule.EmailSettings{Enabled: true, Address: id + "@example.com"},
			Desktop: schedule.DesktopSettings{Enabled: true},
		},
	}
}

func changes(hashes ...string) []schedule.ClassifiedChange {
	out := make([]schedule.ClassifiedChange, len(hashes))
	for i, h := range hashes {
		out[i] = schedule.ClassifiedChange{
			Kind:        schedule.KindDateChanged,
			Severity:    schedule.SeverityNormal,
			ContentHash: h,
			Item:        &schedule.WorkItem{ID: h, StoreID: "S1", ScheduledDate: "2025-04-20"},
		}
	}
	return out
}

func newScheduler(p prefsMap, rec *recorder) *Scheduler {
	return New(p, rec, dedup.New(dedup.DefaultConfig(), testLogger()), Config{}, testLogger())
}

func TestDailyFlushBatchesChanges(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(prefsMap{"u1": digestUser("u1")}, rec)

	s.Enqueue("u1", changes("a"), day.Add(1*time.Hour), time.Time{})
	s.Enqueue("u1", changes("b"), day.Add(2*time.Hour), time.Time{})
	s.Enqueue("u1", changes("c"), day.Add(3*time.Hour), time.Time{})

	if got := s.Tick(context.Background(), day.Add(7*time.Hour+59*time.Minute)); len(got) != 0 {
		t.Fatalf("flushed before delivery time: %+v", got)
	}

	flushes := s.Tick(context.Background(), day.Add(8*time.Hour))
	if len(flushes) != 1 {
		t.Fatalf("got %d flushes, want 1", len(flushes))
	}
	if flushes[0].Reason != ReasonDaily {
		t.Errorf("reason = %s, want %s", flushes[0].Reason, ReasonDaily)
	}
	if len(rec.reqs) != 2 {
		t.Fatalf("got %d requests, want one per enabled channel (2)", len(rec.reqs))
	}
	for _, req := range rec.reqs {
		if req.Mode != schedule.ModeDigest {
			t.Errorf("%s mode = %s, want digest", req.Channel, req.Mode)
		}
		if len(req.Changes) != 3 {
			t.Errorf("%s carried %d changes, want 3", req.Channel, len(req.Changes))
		}
	}
	if s.Pending("u1") != nil {
		t.Error("entry not cleared after flush")
	}
}

func TestQueuedAfterDeliveryTimeWaitsForNextDay(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(prefsMap{"u1": digestUser("u1")}, rec)

	s.Enqueue("u1", changes("a"), day.Add(9*time.Hour), time.Time{})
	if got := s.Tick(context.Background(), day.Add(20*time.Hour)); len(got) != 0 {
		t.Fatalf("flushed same evening: %+v", got)
	}
	if got := s.Tick(context.Background(), day.Add(32*time.Hour)); len(got) != 1 {
		t.Fatalf("got %d flushes next morning, want 1", len(got))
	}
}

func TestOneOffFlush(t *testing.T) {
	rec := &recorder{}
	p := digestUser("u1")
	p.Frequency = schedule.FrequencyImmediate
	s := newScheduler(prefsMap{"u1": p}, rec)

	s.Enqueue("u1", changes("a"), day.Add(23*time.Hour), day.Add(31*time.Hour))
	s.Enqueue("u1", changes("b"), day.Add(23*time.Hour+30*time.Minute), day.Add(30*time.Hour))

	entry := s.Pending("u1")
	if entry == nil || !entry.FlushAt.Equal(day.Add(30*time.Hour)) {
		t.Fatalf("pending entry = %+v, want earliest flush time", entry)
	}
	if got := s.Tick(context.Background(), day.Add(29*time.Hour)); len(got) != 0 {
		t.Fatalf("flushed early: %+v", got)
	}
	flushes := s.Tick(context.Background(), day.Add(30*time.Hour))
	if len(flushes) != 1 || flushes[0].Reason != ReasonOneOff {
		t.Fatalf("flushes = %+v, want one one-off flush", flushes)
	}
	if flushes[0].Changes != 2 {
		t.Errorf("flushed %d changes, want 2", flushes[0].Changes)
	}
}

func TestStaleEntryFlushedDespiteDigestCooldown(t *testing.T) {
	rec := &recorder{}
	gate := dedup.New(dedup.DefaultConfig(), testLogger())
	s := New(prefsMap{"u1": digestUser("u1")}, rec, gate, Config{}, testLogger())

	// An earlier digest went out an hour before the next daily slot.
	gate.AllowDigest("u1", day.Add(31*time.Hour))
	s.Enqueue("u1", changes("a"), day.Add(9*time.Hour), time.Time{})

	if got := s.Tick(context.Background(), day.Add(32*time.Hour)); len(got) != 0 {
		t.Fatalf("daily flush ignored cooldown: %+v", got)
	}
	flushes := s.Tick(context.Background(), day.Add(33*time.Hour))
	if len(flushes) != 1 || flushes[0].Reason != ReasonStale {
		t.Fatalf("flushes = %+v, want one stale flush", flushes)
	}
}

func TestEnqueueSkipsRepeatedHashes(t *testing.T) {
	s := newScheduler(prefsMap{}, &recorder{})
	s.Enqueue("u1", changes("a", "b"), day, time.Time{})
	s.Enqueue("u1", changes("b", "c"), day.Add(time.Minute), time.Time{})

	entry := s.Pending("u1")
	if len(entry.Changes) != 3 {
		t.Errorf("pending %d changes, want 3", len(entry.Changes))
	}
	if !entry.FirstQueuedAt.Equal(day) {
		t.Errorf("first queued at = %v, want %v", entry.FirstQueuedAt, day)
	}
}

func TestPreferenceFailureKeepsEntry(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(prefsMap{}, rec)
	s.Enqueue("ghost", changes("a"), day, day.Add(time.Hour))

	if got := s.Tick(context.Background(), day.Add(2*time.Hour)); len(got) != 0 {
		t.Fatalf("flushed without preferences: %+v", got)
	}
	if s.Pending("ghost") == nil {
		t.Error("entry dropped after preference failure")
	}
	if _, err := s.FlushUser(context.Background(), "ghost"); !errors.Is(err, schedule.ErrPreferenceLookup) {
		t.Errorf("FlushUser() error = %v, want ErrPreferenceLookup", err)
	}
}

func TestFlushAll(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(prefsMap{"u1": digestUser("u1"), "u2": digestUser("u2")}, rec)
	s.Enqueue("u1", changes("a"), day, time.Time{})
	s.Enqueue("u2", changes("b"), day, time.Time{})

	flushes := s.FlushAll(context.Background())
	if len(flushes) != 2 {
		t.Fatalf("got %d flushes, want 2", len(flushes))
	}
	if len(rec.reqs) != 4 {
		t.Errorf("got %d requests, want 4", len(rec.reqs))
	}
	if len(s.Users()) != 0 {
		t.Errorf("users still pending: %v", s.Users())
	}
}

func TestDeliveryTimeInUserZone(t *testing.T) {
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	rec := &recorder{}
	p := digestUser("u1")
	p.Timezone = "America/New_York"
	s := newScheduler(prefsMap{"u1": p}, rec)

	s.Enqueue("u1", changes("a"), day.Add(13*time.Hour), time.Time{})
	// 08:00 in New York on April 15 is 12:00 UTC.
	if got := s.Tick(context.Background(), day.Add(32*time.Hour)); len(got) != 0 {
		t.Fatalf("flushed at 08:00 UTC: %+v", got)
	}
	if got := s.Tick(context.Background(), day.Add(36*time.Hour)); len(got) != 1 {
		t.Fatalf("got %d flushes at 08:00 New York, want 1", len(got))
	}
}

func TestNextFlush(t *testing.T) {
	s := newScheduler(prefsMap{}, &recorder{})
	p := digestUser("u1")
	e := &schedule.DigestEntry{UserID: "u1", FirstQueuedAt: day.Add(9 * time.Hour)}
	if got, want := s.NextFlush(p, e), day.Add(32*time.Hour); !got.Equal(want) {
		t.Errorf("NextFlush() = %v, want %v", got, want)
	}
	e.FlushAt = day.Add(10 * time.Hour)
	if got, want := s.NextFlush(p, e), day.Add(10*time.Hour); !got.Equal(want) {
		t.Errorf("NextFlush() with one-off = %v, want %v", got, want)
	}
}

func TestDailyFlushToleratesTickJitter(t *testing.T) {
	rec := &recorder{}
	s := newScheduler(prefsMap{"u1": digestUser("u1")}, rec)

	s.Enqueue("u1", changes("a"), day.Add(time.Hour), time.Time{})
	if got := s.Tick(context.Background(), day.Add(8*time.Hour+5*time.Millisecond)); len(got) != 1 {
		t.Fatalf("got %d flushes on first day, want 1", len(got))
	}

	// The next tick lands a few milliseconds earlier past 08:00 than the last one.
	s.Enqueue("u1", changes("b"), day.Add(9*time.Hour), time.Time{})
	flushes := s.Tick(context.Background(), day.Add(32*time.Hour+time.Millisecond))
	if len(flushes) != 1 || flushes[0].Reason != ReasonDaily {
		t.Fatalf("flushes = %+v, want one daily flush at the next 08:00", flushes)
	}
}

func TestDailyFlushOnShortDSTDay(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	rec := &recorder{}
	p := digestUser("u1")
	p.DeliveryTime = "08:30"
	s := New(prefsMap{"u1": p}, rec, dedup.New(dedup.DefaultConfig(), testLogger()), Config{Location: chicago}, testLogger())

	s.Enqueue("u1", changes("a"), time.Date(2025, 3, 8, 1, 0, 0, 0, chicago), time.Time{})
	if got := s.Tick(context.Background(), time.Date(2025, 3, 8, 8, 30, 0, 0, chicago)); len(got) != 1 {
		t.Fatalf("got %d flushes on 8 March, want 1", len(got))
	}

	// 9 March is 23 hours long in Chicago.
	s.Enqueue("u1", changes("b"), time.Date(2025, 3, 8, 12, 0, 0, 0, chicago), time.Time{})
	flushes := s.Tick(context.Background(), time.Date(2025, 3, 9, 8, 30, 0, 0, chicago))
	if len(flushes) != 1 || flushes[0].Reason != ReasonDaily {
		t.Fatalf("flushes = %+v, want one daily flush on 9 March", flushes)
	}
}

type memJournal struct {
	mu      sync.Mutex
	entries []schedule.DigestEntry
	saves   int
	err     error
}

func (j *memJournal) SaveDigests(_ context.Context, entries []schedule.DigestEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.saves++
	j.entries = entries
	return nil
}

func (j *memJournal) LoadDigests(context.Context) ([]schedule.DigestEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entries, j.err
}

func TestEntriesSurviveRestart(t *testing.T) {
	journal := &memJournal{}
	users := prefsMap{"u1": digestUser("u1")}
	s := New(users, &recorder{}, nil, Config{Journal: journal}, testLogger())
	s.Enqueue("u1", changes("a", "b"), day.Add(9*time.Hour), day.Add(10*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, "@every 1h", time.Now) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if journal.saves != 1 || len(journal.entries) != 1 {
		t.Fatalf("journal after shutdown = %d saves, %+v", journal.saves, journal.entries)
	}

	rec := &recorder{}
	restarted := New(users, rec, nil, Config{Journal: journal}, testLogger())
	n, err := restarted.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Restore() = %d, %v", n, err)
	}
	entry := restarted.Pending("u1")
	if entry == nil || len(entry.Changes) != 2 || !entry.FirstQueuedAt.Equal(day.Add(9*time.Hour)) {
		t.Fatalf("restored entry = %+v", entry)
	}
	flushes := restarted.Tick(context.Background(), day.Add(10*time.Hour))
	if len(flushes) != 1 || flushes[0].Reason != ReasonOneOff || len(rec.reqs) != 2 {
		t.Errorf("flushes = %+v, requests = %d", flushes, len(rec.reqs))
	}

	// The flush is written out once; an unchanged scheduler does not write again.
	if err := restarted.Persist(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(journal.entries) != 0 {
		t.Errorf("journal still holds %d entries after flush", len(journal.entries))
	}
	saves := journal.saves
	if err := restarted.Persist(context.Background()); err != nil || journal.saves != saves {
		t.Errorf("unchanged scheduler wrote again: %v, saves %d -> %d", err, saves, journal.saves)
	}
}

func TestPersistFailureKeepsEntriesDirty(t *testing.T) {
	journal := &memJournal{err: errors.New("bucket unavailable")}
	s := New(prefsMap{}, &recorder{}, nil, Config{Journal: journal}, testLogger())
	s.Enqueue("u1", changes("a"), day, time.Time{})

	if err := s.Persist(context.Background()); err == nil {
		t.Fatal("Persist() succeeded against a failing journal")
	}
	journal.mu.Lock()
	journal.err = nil
	journal.mu.Unlock()
	if err := s.Persist(context.Background()); err != nil {
		t.Fatalf("Persist() retry error = %v", err)
	}
	if len(journal.entries) != 1 {
		t.Errorf("journal = %+v, want the entry written on retry", journal.entries)
	}
	s.Shutdown(context.Background())
	if s.Pending("u1") == nil {
		t.Error("Shutdown dropped the in-memory entry")
	}
}
