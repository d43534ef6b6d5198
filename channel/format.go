package channel

import (
	"dispenser-watch/classify"
	"dispenser-watch/pkg/schedule"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// unit is one change's rendering, possibly wrapped into several pieces.
type unit struct {
	text   string
	change schedule.ClassifiedChange
}

// part is a group of units that fits one message.
type part []unit

func (p part) hashes() []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range p {
		if !seen[u.change.ContentHash] {
			seen[u.change.ContentHash] = true
			out = append(out, u.change.ContentHash)
		}
	}
	return out
}

func (p part) priority() int {
	for _, u := range p {
		if u.change.Severity == schedule.SeverityCritical {
			return 1
		}
	}
	return 0
}

func (p part) texts() []string {
	out := make([]string, len(p))
	for i, u := range p {
		out[i] = u.text
	}
	return out
}

// ordered returns a copy sorted by severity, then kind.
func ordered(changes []schedule.ClassifiedChange) []schedule.ClassifiedChange {
	out := append([]schedule.ClassifiedChange(nil), changes...)
	classify.Sort(out)
	return out
}

func byteSize(s string) int { return len(s) }

func runeSize(s string) int { return utf8.RuneCountInString(s) }

// pack groups units greedily so the joined text of each part stays within
// budget. With canWrap a unit larger than the budget continues across parts;
// without it the unit travels whole in its own part. Nothing is cut.
func pack(units []unit, sep string, budget int, size func(string) int, canWrap bool) []part {
	var parts []part
	var cur part
	used := 0
	for _, u := range units {
		pieces := []string{u.text}
		if canWrap {
			pieces = wrap(u.text, budget, size)
		}
		for _, piece := range pieces {
			add := size(piece)
			if len(cur) > 0 {
				add += size(sep)
			}
			if len(cur) > 0 && used+add > budget {
				parts = append(parts, cur)
				cur, used = nil, 0
				add = size(piece)
			}
			cur = append(cur, unit{text: piece, change: u.change})
			used += add
		}
	}
	if len(cur) > 0 {
		parts = append(parts, cur)
	}
	return parts
}

func wrap(s string, budget int, size func(string) int) []string {
	if budget <= 0 || size(s) <= budget {
		return []string{s}
	}
	var out []string
	var b strings.Builder
	n := 0
	for _, r := range s {
		rs := size(string(r))
		if n+rs > budget && b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
			n = 0
		}
		b.WriteRune(r)
		n += rs
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// packNumbered packs units while reserving room for a part header whose size
// depends on the final part count.
func packNumbered(units []unit, sep string, limit int, size func(string) int, canWrap bool, header func(i, n int) string) []part {
	for maxParts := 9; ; maxParts = maxParts*10 + 9 {
		budget := limit - size(header(maxParts, maxParts))
		parts := pack(units, sep, budget, size, canWrap)
		if len(parts) <= maxParts {
			return parts
		}
	}
}

// textPayloads formats a request as "[SEVERITY] Kind: detail" lines, split so
// each body measures at most limit. With titleInBody the title is also the
// first line of every body.
func textPayloads(req schedule.DeliveryRequest, limit int, size func(string) int, titleInBody bool) []Payload {
	changes := ordered(req.Changes)
	if len(changes) == 0 {
		return nil
	}
	units := make([]unit, len(changes))
	for i, c := range changes {
		units[i] = unit{text: Line(c), change: c}
	}

	header := func(i, n int) string {
		if !titleInBody {
			return ""
		}
		return title(req, i, n) + "\n"
	}
	parts := packNumbered(units, "\n", limit, size, true, header)

	payloads := make([]Payload, len(parts))
	for i, p := range parts {
		payloads[i] = Payload{
			Channel:   req.Channel,
			Recipient: req.Recipient,
			Title:     title(req, i+1, len(parts)),
			Body:      header(i+1, len(parts)) + strings.Join(p.texts(), "\n"),
			Part:      i + 1,
			Parts:     len(parts),
			Priority:  p.priority(),
			Hashes:    p.hashes(),
		}
	}
	return payloads
}

// partSuffix is appended to titles of multi-part messages.
func partSuffix(i, n int) string {
	if n <= 1 {
		return ""
	}
	return fmt.Sprintf(" (%d/%d)", i, n)
}

// title names a message for a request.
func title(req schedule.DeliveryRequest, i, n int) string {
	noun := "change"
	if len(req.Changes) != 1 {
		noun = "changes"
	}
	prefix := "Dispenser schedule"
	if req.Mode == schedule.ModeDigest {
		prefix = "Dispenser schedule digest"
	}
	return fmt.Sprintf("%s: %d %s%s", prefix, len(req.Changes), noun, partSuffix(i, n))
}

// Line renders a change as "[SEVERITY] Kind: detail".
func Line(c schedule.ClassifiedChange) string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(c.Severity)), c.Kind.Label(), Detail(c))
}

var lineRE = regexp.MustCompile(`^\[([A-Z]+)\] ([A-Za-z ]+): `)

// parseLines recovers summaries from text produced by Line. Lines that do not
// start a change (headers, wrapped continuations) are skipped.
func parseLines(text string) ([]Summary, error) {
	var out []Summary
	for _, line := range strings.Split(text, "\n") {
		m := lineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		sev, err := schedule.ParseSeverity(m[1])
		if err != nil {
			return nil, err
		}
		kind, err := schedule.ParseKind(m[2])
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{Kind: kind, Severity: sev})
	}
	return out, nil
}

// Detail describes what changed, without kind or severity.
func Detail(c schedule.ClassifiedChange) string {
	var s string
	switch c.Kind {
	case schedule.KindSwapped:
		if sw := c.Swap; sw != nil {
			s = fmt.Sprintf("%s %s -> %s, %s %s -> %s", sw.IDA, sw.OldDateA, sw.NewDateA, sw.IDB, sw.OldDateB, sw.NewDateB)
			if c.Item != nil {
				s += " at " + store(*c.Item)
			}
		}
	case schedule.KindReplaced:
		if r := c.Replacement; r != nil {
			s = fmt.Sprintf("%s replaced by %s at %s on %s", r.Removed.ID, r.Added.ID, store(r.Added), r.Added.EffectiveDate())
		}
	case schedule.KindDateChanged:
		if c.Item != nil {
			s = fmt.Sprintf("%s at %s moved %s -> %s", c.Item.ID, store(*c.Item), c.OldDate, c.NewDate)
		}
	default:
		if c.Item != nil {
			s = fmt.Sprintf("%s at %s on %s", c.Item.ID, store(*c.Item), c.Item.ScheduledDate)
			if c.Item.DispenserCount > 0 {
				s += fmt.Sprintf(", %d dispensers", c.Item.DispenserCount)
			}
		}
	}
	if s == "" {
		s = strings.Join(c.IDs(), ", ")
	}
	return oneLine(s)
}

func store(item schedule.WorkItem) string {
	name := item.StoreName
	if name == "" {
		name = "store"
	}
	s := fmt.Sprintf("%s #%s", name, item.StoreID)
	if item.Location != "" {
		s += " (" + item.Location + ")"
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
