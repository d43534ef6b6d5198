// Package channel formats classified changes for each notification channel and
// delivers them with retries.
//
// Every adapter pairs a pure Format with a transport Send, and exposes a Parse
// inverse that recovers the (kind, severity) of each change from a payload.
package channel

import (
	"context"
	"dispenser-watch/pkg/schedule"
	"fmt"
)

// Payload is one message ready for a transport.
type Payload struct {
	Channel   schedule.Channel
	Recipient string
	Title     string
	Body      string
	Part      int
	Parts     int
	Priority  int // push priority; 1 when the part carries a critical change
	Hashes    []string
}

// Summary is what a parser can recover about one change.
type Summary struct {
	Kind     schedule.Kind
	Severity schedule.Severity
}

// Adapter formats and sends for one channel.
type Adapter interface {
	Channel() schedule.Channel
	Format(req schedule.DeliveryRequest) ([]Payload, error)
	Send(ctx context.Context, p Payload) error
	Parse(p Payload) ([]Summary, error)
}

// Summaries lists the (kind, severity) pairs of changes in display order.
func Summaries(changes []schedule.ClassifiedChange) []Summary {
	ordered := ordered(changes)
	out := make([]Summary, len(ordered))
	for i, c := range ordered {
		out[i] = Summary{Kind: c.Kind, Severity: c.Severity}
	}
	return out
}

// ParseAll parses every payload with the adapter and concatenates the results.
func ParseAll(a Adapter, payloads []Payload) ([]Summary, error) {
	var out []Summary
	for _, p := range payloads {
		s, err := a.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse %s part %d/%d: %w", p.Channel, p.Part, p.Parts, err)
		}
		out = append(out, s...)
	}
	return out, nil
}
