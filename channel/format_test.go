package channel

import (
	"dispenser-watch/email"
	"dispenser-watch/pkg/schedule"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func item(id, store, date string) schedule.WorkItem {
	return schedule.WorkItem{ID: id, StoreID: store, StoreName: "Shell " + store, Location: "Springfield", ScheduledDate: date, DispenserCount: 4}
}

const criticalHash = "h-repl"

// mixedChanges has one change of every kind across all severities.
func mixedChanges() []schedule.ClassifiedChange {
	v1, v2 := item("V1", "S1", "2025-04-20"), item("V2", "S1", "2025-04-20")
	v3, v4 := item("V3", "S2", "2025-04-22"), item("V5", "S3", "2025-04-23")
	return []schedule.ClassifiedChange{
		{Kind: schedule.KindDateChanged, Severity: schedule.SeverityNormal, ContentHash: "h-date", Item: &v3, OldDate: "2025-04-21", NewDate: "2025-04-22"},
		{Kind: schedule.KindAdded, Severity: schedule.SeverityHigh, ContentHash: "h-add", Item: &v4},
		{Kind: schedule.KindReplaced, Severity: schedule.SeverityCritical, ContentHash: criticalHash, Item: &v2, Replacement: &schedule.Replacement{Removed: v1, Added: v2}},
		{Kind: schedule.KindSwapped, Severity: schedule.SeverityHigh, ContentHash: "h-swap", Item: &v3, Swap: &schedule.Swap{IDA: "V3", IDB: "V4", OldDateA: "2025-04-21", NewDateA: "2025-04-22", OldDateB: "2025-04-22", NewDateB: "2025-04-21"}},
		{Kind: schedule.KindRemoved, Severity: schedule.SeverityNormal, ContentHash: "h-rm", Item: &v1},
	}
}

func manyChanges(n int) []schedule.ClassifiedChange {
	out := make([]schedule.ClassifiedChange, n)
	for i := range out {
		it := item(fmt.Sprintf("V%03d", i), fmt.Sprintf("S%03d", i), "2025-04-20")
		sev := schedule.SeverityNormal
		if i%7 == 0 {
			sev = schedule.SeverityHigh
		}
		out[i] = schedule.ClassifiedChange{Kind: schedule.KindAdded, Severity: sev, ContentHash: fmt.Sprintf("h%03d", i), Item: &it}
	}
	return out
}

func adapters() []Adapter {
	return []Adapter{
		NewEmail(email.NewMockProvider(testLogger()), testLogger()),
		NewPush("app", testLogger()),
		NewDesktop(LogNotifier{Logger: testLogger()}, testLogger()),
		&Telegram{bot: &fakeBot{}, logger: testLogger()},
	}
}

func recipient(ch schedule.Channel) string {
	switch ch {
	case schedule.ChannelEmail:
		return "ops@example.com"
	case schedule.ChannelTelegram:
		return "12345"
	}
	return "user-key"
}

func sameSummaries(t *testing.T, got, want []Summary) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d summaries, want %d\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("summary %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	changes := mixedChanges()
	want := Summaries(changes)
	for _, a := range adapters() {
		t.Run(string(a.Channel()), func(t *testing.T) {
			req := schedule.DeliveryRequest{UserID: "u1", Channel: a.Channel(), Recipient: recipient(a.Channel()), Changes: changes, Mode: schedule.ModeImmediate}
			payloads, err := a.Format(req)
			if err != nil {
				t.Fatalf("Format() error = %v", err)
			}
			got, err := ParseAll(a, payloads)
			if err != nil {
				t.Fatalf("ParseAll() error = %v", err)
			}
			sameSummaries(t, got, want)

			// Small channels split the batch; the part holding the critical
			// change carries the raised priority.
			var critical *Payload
			for i, pl := range payloads {
				if pl.Part != i+1 || pl.Parts != len(payloads) {
					t.Errorf("part %d numbered %d/%d", i+1, pl.Part, pl.Parts)
				}
				if slices.Contains(pl.Hashes, criticalHash) {
					critical = &payloads[i]
				}
			}
			if critical == nil {
				t.Fatalf("no part carries the critical change %s", criticalHash)
			}
			if critical.Priority != 1 {
				t.Errorf("priority of part %d = %d, want 1 for a critical change", critical.Part, critical.Priority)
			}
		})
	}
}

func TestFormatGroupsBySeverityThenKind(t *testing.T) {
	want := []Summary{
		{schedule.KindReplaced, schedule.SeverityCritical},
		{schedule.KindAdded, schedule.SeverityHigh},
		{schedule.KindSwapped, schedule.SeverityHigh},
		{schedule.KindDateChanged, schedule.SeverityNormal},
		{schedule.KindRemoved, schedule.SeverityNormal},
	}
	sameSummaries(t, Summaries(mixedChanges()), want)
}

func TestSplitNeverTruncates(t *testing.T) {
	changes := manyChanges(60)
	limits := map[schedule.Channel]func(Payload) bool{
		schedule.ChannelPush:     func(p Payload) bool { return len(p.Body) <= PushMessageLimit },
		schedule.ChannelDesktop:  func(p Payload) bool { return len(p.Body) <= DesktopBodyLimit },
		schedule.ChannelTelegram: func(p Payload) bool { return utf8.RuneCountInString(p.Body) <= TelegramLimit },
		schedule.ChannelEmail:    func(p Payload) bool { return len(p.Body) <= 8*1024 },
	}
	for _, a := range adapters() {
		if e, ok := a.(*Email); ok {
			e.limit = 8 * 1024
		}
		t.Run(string(a.Channel()), func(t *testing.T) {
			req := schedule.DeliveryRequest{UserID: "u1", Channel: a.Channel(), Recipient: recipient(a.Channel()), Changes: changes, Mode: schedule.ModeDigest}
			payloads, err := a.Format(req)
			if err != nil {
				t.Fatalf("Format() error = %v", err)
			}
			if a.Channel() != schedule.ChannelTelegram && len(payloads) < 2 {
				t.Fatalf("Format() returned %d parts, want a split", len(payloads))
			}
			seen := make(map[string]bool)
			for i, p := range payloads {
				if !limits[a.Channel()](p) {
					t.Errorf("part %d exceeds channel limit (%d bytes)", i+1, len(p.Body))
				}
				if p.Part != i+1 || p.Parts != len(payloads) {
					t.Errorf("part numbering = %d/%d, want %d/%d", p.Part, p.Parts, i+1, len(payloads))
				}
				if len(payloads) > 1 && !strings.Contains(p.Title, fmt.Sprintf("(%d/%d)", i+1, len(payloads))) {
					t.Errorf("title %q lacks part marker", p.Title)
				}
				for _, h := range p.Hashes {
					seen[h] = true
				}
			}
			if len(seen) != len(changes) {
				t.Errorf("parts carry %d distinct hashes, want %d", len(seen), len(changes))
			}
			got, err := ParseAll(a, payloads)
			if err != nil {
				t.Fatalf("ParseAll() error = %v", err)
			}
			sameSummaries(t, got, Summaries(changes))
		})
	}
}

func TestLongLineWrapsAcrossParts(t *testing.T) {
	it := item("V1", "S1", "2025-04-20")
	it.StoreName = strings.Repeat("Very Long Store Name ", 40)
	changes := []schedule.ClassifiedChange{{Kind: schedule.KindAdded, Severity: schedule.SeverityHigh, ContentHash: "h1", Item: &it}}

	d := NewDesktop(LogNotifier{Logger: testLogger()}, testLogger())
	payloads, err := d.Format(schedule.DeliveryRequest{UserID: "u1", Channel: schedule.ChannelDesktop, Changes: changes})
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if len(payloads) < 2 {
		t.Fatalf("got %d parts, want the line wrapped", len(payloads))
	}
	var joined strings.Builder
	for _, p := range payloads {
		if len(p.Body) > DesktopBodyLimit {
			t.Errorf("part %d is %d bytes", p.Part, len(p.Body))
		}
		joined.WriteString(p.Body)
	}
	if joined.String() != Line(changes[0]) {
		t.Error("wrapped parts do not reassemble the original line")
	}
	got, err := ParseAll(d, payloads)
	if err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}
	sameSummaries(t, got, Summaries(changes))
}

func TestDetail(t *testing.T) {
	changes := mixedChanges()
	tests := []struct {
		change schedule.ClassifiedChange
		want   string
	}{
		{changes[0], "V3 at Shell S2 #S2 (Springfield) moved 2025-04-21 -> 2025-04-22"},
		{changes[1], "V5 at Shell S3 #S3 (Springfield) on 2025-04-23, 4 dispensers"},
		{changes[2], "V1 replaced by V2 at Shell S1 #S1 (Springfield) on 2025-04-20"},
		{changes[3], "V3 2025-04-21 -> 2025-04-22, V4 2025-04-22 -> 2025-04-21 at Shell S2 #S2 (Springfield)"},
	}
	for _, tt := range tests {
		if got := Detail(tt.change); got != tt.want {
			t.Errorf("Detail(%s) = %q, want %q", tt.change.Kind, got, tt.want)
		}
	}
}

func TestEmptyRequestFormatsNothing(t *testing.T) {
	for _, a := range adapters() {
		payloads, err := a.Format(schedule.DeliveryRequest{Channel: a.Channel()})
		if err != nil || len(payloads) != 0 {
			t.Errorf("%s: Format(empty) = %d payloads, %v", a.Channel(), len(payloads), err)
		}
	}
}
