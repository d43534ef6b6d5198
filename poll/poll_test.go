package poll

import (
	"context"
	"dispenser-watch/dedup"
	"dispenser-watch/digest"
	"dispenser-watch/pkg/schedule"
	"dispenser-watch/route"
	"dispenser-watch/storage"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var start = time.Date(2025, 4, 14, 12, 0, 0, 0, time.UTC)

type fakePrefs struct {
	mu      sync.Mutex
	users   map[string]*schedule.Preferences
	failing map[string]bool
}

func (f *fakePrefs) Get(_ context.Context, userID string) (*schedule.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[userID] {
		return nil, errors.New("preferences backend unavailable")
	}
	p, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("no preferences for %s", userID)
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrefs) Watchers(_ context.Context, scope string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, p := range f.users {
		if p.Watches(scope) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakePrefs) setFailing(userID string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[userID] = failing
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
		out[i] = schedule.DeliveryResult{UserID: req.UserID, Channel: req.Channel, Mode: req.Mode, Success: true, Hashes: schedule.Hashes(req.Changes)}
	}
	return out
}

func (r *recorder) sent() []schedule.DeliveryRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schedule.DeliveryRequest(nil), r.reqs...)
}

type eventLog struct {
	mu     sync.Mutex
	events []schedule.Event
}

func (l *eventLog) Record(_ context.Context, ev schedule.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

type mapSource struct {
	snaps map[string]*schedule.Snapshot
	fail  map[string]error
}

func (s *mapSource) Scopes(context.Context) ([]string, error) {
	var out []string
	for scope := range s.snaps {
		out = append(out, scope)
	}
	for scope := range s.fail {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

func (s *mapSource) Fetch(_ context.Context, scope string) (*schedule.Snapshot, error) {
	if err := s.fail[scope]; err != nil {
		return nil, err
	}
	snap, ok := s.snaps[scope]
	if !ok {
		return nil, errors.New("unknown scope")
	}
	return snap, nil
}

type harness struct {
	mon     *Monitor
	store   *storage.Store
	prefs   *fakePrefs
	out     *recorder
	events  *eventLog
	digests *digest.Scheduler
	source  *mapSource
	now     time.Time
}

func immediateUser(id string) *schedule.Preferences {
	return &schedule.Preferences{
		UserID:    id,
		Frequency: schedule.FrequencyImmediate,
		Channels: schedule.ChannelSettings{
			Email: schedule.EmailSettings{Enabled: true, Address: id + "@example.com"},
			Push:  schedule.PushSettings{Enabled: true, Token: "key-" + id},
		},
	}
}

func newHarness(t *testing.T, users ...*schedule.Preferences) *harness {
	t.Helper()
	h := &harness{
		prefs:  &fakePrefs{users: map[string]*schedule.Preferences{}, failing: map[string]bool{}},
		out:    &recorder{},
		events: &eventLog{},
		source: &mapSource{snaps: map[string]*schedule.Snapshot{}, fail: map[string]error{}},
		now:    start,
	}
	for _, u := range users {
		h.prefs.users[u.UserID] = u
	}
	h.store = storage.New(nil, "", t.TempDir(), []byte("salt"), testLogger())
	dd := dedup.New(dedup.DefaultConfig(), testLogger())
	h.digests = digest.New(h.prefs, h.out, dd, digest.Config{}, testLogger())
	router := route.New(h.digests, time.UTC, testLogger())
	h.mon = New(h.source, h.store, h.prefs, dd, router, h.digests, h.out, h.events, Config{Concurrency: 2}, testLogger())
	h.mon.SetClock(func() time.Time { return h.now })
	return h
}

func item(id, store, date string) schedule.WorkItem {
	return schedule.WorkItem{ID: id, StoreID: store, StoreName: "Shell " + store, Location: "Springfield", ScheduledDate: date, DispenserCount: 4}
}

func snap(scope string, items ...schedule.WorkItem) *schedule.Snapshot {
	return &schedule.Snapshot{Scope: scope, Items: items, CapturedAt: start}
}

func (h *harness) process(t *testing.T, s *schedule.Snapshot, manual bool) *Result {
	t.Helper()
	res, err := h.mon.Process(context.Background(), s, manual)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	return res
}

func TestFirstSnapshotIsBaseline(t *testing.T) {
	h := newHarness(t, immediateUser("tech-7"))
	res := h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20")), false)
	if !res.Baseline || !res.Saved || len(res.Changes) != 0 {
		t.Errorf("result = %+v, want saved baseline", res)
	}
	if len(h.out.sent()) != 0 {
		t.Error("baseline triggered deliveries")
	}
}

func TestChangeDeliveredImmediatelyPerChannel(t *testing.T) {
	h := newHarness(t, immediateUser("tech-7"))
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20"), item("V2", "S2", "2025-04-21")), false)

	h.now = start.Add(time.Minute)
	res := h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20"), item("V2", "S2", "2025-04-22")), false)
	if len(res.Changes) != 1 || res.Changes[0].Kind != schedule.KindDateChanged {
		t.Fatalf("changes = %+v", res.Changes)
	}
	if !res.Saved {
		t.Error("snapshot not saved")
	}
	sent := h.out.sent()
	if len(sent) != 2 || sent[0].Channel != schedule.ChannelEmail || sent[1].Channel != schedule.ChannelPush {
		t.Fatalf("deliveries = %+v, want email and push", sent)
	}
	if sent[0].Mode != schedule.ModeImmediate || len(sent[0].Changes) != 1 {
		t.Errorf("request = %+v", sent[0])
	}

	stored, err := h.store.Load(context.Background(), "tech-7")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Items[1].ScheduledDate != "2025-04-22" {
		t.Error("stored snapshot was not advanced")
	}

	var detected int
	for _, ev := range h.events.events {
		if ev.Type == schedule.EventChangeDetected && ev.Scope == "tech-7" {
			detected++
		}
	}
	if detected != 1 {
		t.Errorf("change_detected events = %d, want 1", detected)
	}

	// The same snapshot again changes nothing.
	h.now = start.Add(2 * time.Minute)
	res = h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20"), item("V2", "S2", "2025-04-22")), false)
	if len(res.Changes) != 0 || len(h.out.sent()) != 2 {
		t.Errorf("repeat produced %d changes, %d deliveries", len(res.Changes), len(h.out.sent()))
	}
}

func TestMalformedSnapshotKeepsPrevious(t *testing.T) {
	h := newHarness(t, immediateUser("tech-7"))
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20")), false)

	_, err := h.mon.Process(context.Background(), snap("tech-7", item("V1", "S1", "2025-04-21"), item("V1", "S1", "2025-04-22")), false)
	if !errors.Is(err, schedule.ErrMalformedSnapshot) {
		t.Fatalf("Process() error = %v, want ErrMalformedSnapshot", err)
	}
	stored, err := h.store.Load(context.Background(), "tech-7")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Items) != 1 || stored.Items[0].ScheduledDate != "2025-04-20" {
		t.Errorf("stored = %+v, want previous snapshot", stored.Items)
	}
}

func TestMalformedBaselineRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.mon.Process(context.Background(), snap("tech-7", item("V1", "S1", "2025-04-21"), item("V1", "S1", "2025-04-22")), false)
	if !errors.Is(err, schedule.ErrMalformedSnapshot) {
		t.Errorf("Process() error = %v, want ErrMalformedSnapshot", err)
	}
}

func TestScopeBusy(t *testing.T) {
	h := newHarness(t)
	unlock, ok := h.mon.tryLock("tech-7")
	if !ok {
		t.Fatal("tryLock() failed on idle scope")
	}
	_, err := h.mon.Process(context.Background(), snap("tech-7"), true)
	if !errors.Is(err, schedule.ErrScopeBusy) {
		t.Errorf("Process() error = %v, want ErrScopeBusy", err)
	}
	// Other scopes are unaffected.
	if _, err := h.mon.Process(context.Background(), snap("tech-9"), false); err != nil {
		t.Errorf("Process(other scope) error = %v", err)
	}
	unlock()
	if _, err := h.mon.Process(context.Background(), snap("tech-7"), true); err != nil {
		t.Errorf("Process() after unlock error = %v", err)
	}
}

func TestPreferenceFailureHoldsChangesForUser(t *testing.T) {
	watcher := immediateUser("dispatcher")
	watcher.Scopes = []string{"tech-7"}
	h := newHarness(t, immediateUser("tech-7"), watcher)
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20")), false)

	h.prefs.setFailing("tech-7", true)
	h.now = start.Add(time.Minute)
	next := snap("tech-7", item("V1", "S1", "2025-04-20"), item("V2", "S1", "2025-04-25"))
	res := h.process(t, next, false)
	if !res.Saved {
		t.Error("snapshot not advanced after a failed preference lookup")
	}
	if len(res.Users) != 2 || res.Users[1].UserID != "tech-7" || res.Users[1].Error == "" || res.Users[1].Held != 1 {
		t.Fatalf("users = %+v", res.Users)
	}
	if res.Users[0].Admitted != 1 || len(res.Users[0].Results) != 2 {
		t.Errorf("healthy watcher outcome = %+v", res.Users[0])
	}
	held := h.digests.Pending("tech-7")
	if held == nil || len(held.Changes) != 1 || held.Changes[0].Item.ID != "V2" {
		t.Fatalf("held entry = %+v", held)
	}

	// Still failing: the entry stays put.
	if got := h.digests.Tick(context.Background(), start.Add(2*time.Minute)); len(got) != 0 {
		t.Fatalf("flushed while preferences unavailable: %+v", got)
	}

	h.prefs.setFailing("tech-7", false)
	flushes := h.digests.Tick(context.Background(), start.Add(3*time.Minute))
	if len(flushes) != 1 || flushes[0].UserID != "tech-7" || flushes[0].Reason != digest.ReasonOneOff {
		t.Fatalf("flushes = %+v, want the held change delivered once", flushes)
	}
	perUser := map[string]int{}
	for _, r := range h.out.sent() {
		perUser[r.UserID]++
	}
	if perUser["tech-7"] != 2 || perUser["dispatcher"] != 2 {
		t.Errorf("deliveries per user = %v", perUser)
	}
}

func TestPreferenceFailureDoesNotRepeatForOtherWatchers(t *testing.T) {
	watcher := immediateUser("dispatcher")
	watcher.Scopes = []string{"tech-7"}
	h := newHarness(t, immediateUser("tech-7"), watcher)
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20")), false)
	h.prefs.setFailing("tech-7", true)

	next := snap("tech-7", item("V1", "S1", "2025-04-20"), item("V2", "S1", "2025-04-25"))
	// Cycles further apart than the content cache TTL.
	for _, offset := range []time.Duration{20, 40, 60, 80} {
		h.now = start.Add(offset * time.Minute)
		h.process(t, next, false)
	}

	perUser := map[string]int{}
	for _, r := range h.out.sent() {
		perUser[r.UserID]++
	}
	if perUser["dispatcher"] != 2 {
		t.Errorf("dispatcher deliveries = %d, want 2 (one change, two channels)", perUser["dispatcher"])
	}
	if e := h.digests.Pending("dispatcher"); e != nil {
		t.Errorf("dispatcher has a pending digest: %+v", e)
	}
	if e := h.digests.Pending("tech-7"); e == nil || len(e.Changes) != 1 {
		t.Errorf("held entry for tech-7 = %+v, want the change held once", e)
	}
}

func TestCooldownDefersToDigest(t *testing.T) {
	h := newHarness(t, immediateUser("tech-7"))
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20")), false)

	h.now = start.Add(time.Minute)
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-21")), false)
	if len(h.out.sent()) != 2 {
		t.Fatalf("first change deliveries = %d", len(h.out.sent()))
	}

	h.now = start.Add(3 * time.Minute)
	res := h.process(t, snap("tech-7", item("V1", "S1", "2025-04-22")), false)
	if res.Users[0].Cooldown != 1 || res.Users[0].Queued != 1 {
		t.Fatalf("outcome = %+v, want cooldown deferral", res.Users[0])
	}
	if len(h.out.sent()) != 2 {
		t.Error("cooldown-held change delivered immediately")
	}
	entry := h.digests.Pending("tech-7")
	if entry == nil || !entry.FlushAt.Equal(start.Add(11*time.Minute)) {
		t.Fatalf("pending entry = %+v, want flush at cooldown end", entry)
	}

	flushes := h.digests.Tick(context.Background(), start.Add(11*time.Minute))
	if len(flushes) != 1 || flushes[0].Reason != digest.ReasonOneOff {
		t.Fatalf("flushes = %+v", flushes)
	}
	if got := h.out.sent(); len(got) != 4 || got[3].Mode != schedule.ModeDigest {
		t.Errorf("deliveries after flush = %+v", got)
	}
}

func TestManualCheckBypassesCooldown(t *testing.T) {
	h := newHarness(t, immediateUser("tech-7"))
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20")), false)
	h.now = start.Add(time.Minute)
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-21")), false)

	h.now = start.Add(2 * time.Minute)
	res := h.process(t, snap("tech-7", item("V1", "S1", "2025-04-22")), true)
	if res.Users[0].Admitted != 1 || !res.Manual {
		t.Errorf("outcome = %+v, want manual admit", res.Users[0])
	}
	if len(h.out.sent()) != 4 {
		t.Errorf("deliveries = %d, want 4", len(h.out.sent()))
	}
}

func TestDigestUserQueues(t *testing.T) {
	u := immediateUser("tech-7")
	u.Frequency = schedule.FrequencyDigest
	u.DeliveryTime = "18:00"
	h := newHarness(t, u)
	h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20")), false)
	h.now = start.Add(time.Minute)
	res := h.process(t, snap("tech-7", item("V1", "S1", "2025-04-20"), item("V2", "S2", "2025-04-21")), false)
	if res.Users[0].Route != "digest" || len(h.out.sent()) != 0 {
		t.Errorf("outcome = %+v, deliveries = %d", res.Users[0], len(h.out.sent()))
	}
	if e := h.digests.Pending("tech-7"); e == nil || len(e.Changes) != 1 {
		t.Errorf("pending = %+v", e)
	}
}

func TestCheckAllIsolatesScopes(t *testing.T) {
	h := newHarness(t, immediateUser("tech-7"), immediateUser("tech-9"))
	h.source.snaps["tech-7"] = snap("tech-7", item("V1", "S1", "2025-04-20"))
	h.source.snaps["tech-9"] = snap("tech-9", item("V9", "S9", "2025-04-20"))
	h.source.fail["tech-3"] = errors.New("producer down")

	if err := h.mon.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	for _, scope := range []string{"tech-7", "tech-9"} {
		if _, err := h.store.Load(context.Background(), scope); err != nil {
			t.Errorf("scope %s has no baseline: %v", scope, err)
		}
	}

	h.now = start.Add(time.Minute)
	h.source.snaps["tech-9"] = snap("tech-9", item("V9", "S9", "2025-04-23"))
	if err := h.mon.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	sent := h.out.sent()
	if len(sent) != 2 || sent[0].UserID != "tech-9" {
		t.Errorf("deliveries = %+v", sent)
	}
}

func TestCheckAllSkipsQuietScopes(t *testing.T) {
	h := newHarness(t, immediateUser("tech-7"))
	h.mon.cfg.MaxInterval = 30 * time.Minute
	h.source.snaps["tech-7"] = snap("tech-7", item("V1", "S1", "2025-04-20"))

	if err := h.mon.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.source.snaps["tech-7"] = snap("tech-7", item("V1", "S1", "2025-04-21"))

	h.now = start.Add(5 * time.Minute)
	if err := h.mon.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.out.sent()) != 0 {
		t.Fatal("quiet scope checked before its interval elapsed")
	}

	h.now = start.Add(30 * time.Minute)
	if err := h.mon.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.out.sent()) != 2 {
		t.Errorf("deliveries = %d, want 2 once due", len(h.out.sent()))
	}
}

func TestCalculateInterval(t *testing.T) {
	now := start
	ceiling := 30 * time.Minute
	tests := []struct {
		name       string
		lastChange time.Time
		lastPolled time.Time
		maxIvl     time.Duration
		want       time.Duration
	}{
		{"never polled", time.Time{}, time.Time{}, ceiling, 0},
		{"adaptive polling off", now.Add(-72 * time.Hour), now, 0, 0},
		{"no change seen yet", time.Time{}, now, ceiling, ceiling},
		{"changed an hour ago", now.Add(-time.Hour), now, ceiling, 0},
		{"changed yesterday", now.Add(-24 * time.Hour), now, ceiling, 15 * time.Minute},
		{"quiet for a week", now.Add(-7 * 24 * time.Hour), now, ceiling, ceiling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateInterval(tt.lastChange, tt.lastPolled, now, tt.maxIvl); got != tt.want {
				t.Errorf("calculateInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}
