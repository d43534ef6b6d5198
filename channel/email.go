package channel

import (
	"context"
	"dispenser-watch/email"
	"dispenser-watch/pkg/schedule"
	"log/slog"
)

// EmailPartLimit caps the HTML body of one email.
const EmailPartLimit = 100 * 1024

// Email delivers changes as HTML emails through an email.Provider.
type Email struct {
	provider email.Provider
	logger   *slog.Logger
	limit    int
}

// NewEmail creates the email adapter.
func NewEmail(provider email.Provider, logger *slog.Logger) *Email {
	return &Email{provider: provider, logger: logger, limit: EmailPartLimit}
}

// Channel implements Adapter.
func (e *Email) Channel() schedule.Channel { return schedule.ChannelEmail }

// Format implements Adapter.
func (e *Email) Format(req schedule.DeliveryRequest) ([]Payload, error) {
	changes := ordered(req.Changes)
	if len(changes) == 0 {
		return nil, nil
	}
	units := make([]unit, len(changes))
	for i, c := range changes {
		units[i] = unit{
			text:   email.RenderRow(row(c)),
			change: c,
		}
	}

	intro := ""
	if req.Mode == schedule.ModeDigest {
		intro = "Changes collected since your last digest."
	}
	footer := "You receive this because email notifications are enabled for " + req.UserID + "."
	doc := func(i, n int, rows []email.Row) email.Document {
		return email.Document{Title: title(req, i, n), Intro: intro, Rows: rows, Part: i, Parts: n, Footer: footer}
	}

	// Rows are the only variable content; the envelope and up to one section
	// per severity are reserved up front.
	overhead := func(i, n int) string {
		return email.Render(doc(i, n, nil))
	}
	limit := e.limit - len(schedule.Severities)*email.SectionOverhead()
	parts := packNumbered(units, "", limit, byteSize, false, overhead)

	payloads := make([]Payload, len(parts))
	for i, p := range parts {
		rows := make([]email.Row, len(p))
		for j, u := range p {
			rows[j] = row(u.change)
		}
		d := doc(i+1, len(parts), rows)
		payloads[i] = Payload{
			Channel:   req.Channel,
			Recipient: req.Recipient,
			Title:     d.Title,
			Body:      email.Render(d),
			Part:      i + 1,
			Parts:     len(parts),
			Priority:  p.priority(),
			Hashes:    p.hashes(),
		}
	}
	return payloads, nil
}

// Send implements Adapter.
func (e *Email) Send(ctx context.Context, p Payload) error {
	return e.provider.Send(ctx, p.Recipient, p.Title, p.Body)
}

// Parse implements Adapter.
func (e *Email) Parse(p Payload) ([]Summary, error) {
	rows, err := email.Parse(p.Body)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, len(rows))
	for i, r := range rows {
		out[i] = Summary{Kind: r.Kind, Severity: r.Severity}
	}
	return out, nil
}

func row(c schedule.ClassifiedChange) email.Row {
	return email.Row{Kind: c.Kind, Severity: c.Severity, Detail: Detail(c)}
}
