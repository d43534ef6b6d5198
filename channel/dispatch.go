package channel

import (
	"context"
	"dispenser-watch/metrics"
	"dispenser-watch/pkg/schedule"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
)

// EventSink records delivery events.
type EventSink interface {
	Record(ctx context.Context, ev schedule.Event) error
}

// DispatchConfig controls per-send timeouts and retries.
type DispatchConfig struct {
	Timeout   time.Duration // per attempt
	Attempts  uint          // first send plus retries
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

// DefaultRetries is how many times a failed send is retried.
const DefaultRetries = 3

// DefaultDispatchConfig returns the production settings: one send and up to
// DefaultRetries retries.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Timeout:   10 * time.Second,
		Attempts:  1 + DefaultRetries,
		Delay:     time.Second,
		MaxDelay:  2 * time.Minute,
		MaxJitter: 10 * time.Second,
	}
}

// Dispatcher fans delivery requests out to channel adapters.
// Requests for different channels run concurrently; parts and requests for the
// same channel are sent in order.
type Dispatcher struct {
	adapters map[schedule.Channel]Adapter
	events   EventSink
	cfg      DispatchConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher for the given adapters.
func NewDispatcher(adapters []Adapter, events EventSink, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	m := make(map[schedule.Channel]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Channel()] = a
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDispatchConfig().Timeout
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = time.Millisecond // jitter must be positive
	}
	return &Dispatcher{adapters: m, events: events, cfg: cfg, logger: logger, now: time.Now}
}

// Adapter returns the adapter registered for ch.
func (d *Dispatcher) Adapter(ch schedule.Channel) (Adapter, bool) {
	a, ok := d.adapters[ch]
	return a, ok
}

// Deliver sends every request and returns one result per request, in order.
// Failures are reported in the results, never returned.
func (d *Dispatcher) Deliver(ctx context.Context, reqs []schedule.DeliveryRequest) []schedule.DeliveryResult {
	results := make([]schedule.DeliveryResult, len(reqs))

	byChannel := make(map[schedule.Channel][]int)
	var order []schedule.Channel
	for i, req := range reqs {
		if _, ok := byChannel[req.Channel]; !ok {
			order = append(order, req.Channel)
		}
		byChannel[req.Channel] = append(byChannel[req.Channel], i)
	}

	var g errgroup.Group
	for _, ch := range order {
		idxs := byChannel[ch]
		g.Go(func() error {
			for _, i := range idxs {
				results[i] = d.deliver(ctx, reqs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (d *Dispatcher) deliver(ctx context.Context, req schedule.DeliveryRequest) schedule.DeliveryResult {
	res := schedule.DeliveryResult{
		UserID:  req.UserID,
		Channel: req.Channel,
		Mode:    req.Mode,
		Hashes:  schedule.Hashes(req.Changes),
	}

	a, ok := d.adapters[req.Channel]
	if !ok {
		return d.fail(ctx, req, res, &schedule.ChannelSendError{
			UserID: req.UserID, Channel: req.Channel, Err: fmt.Errorf("no adapter registered"),
		})
	}

	payloads, err := a.Format(req)
	if err != nil {
		return d.fail(ctx, req, res, &schedule.ChannelSendError{
			UserID: req.UserID, Channel: req.Channel, Err: fmt.Errorf("format: %w", err),
		})
	}
	res.Parts = len(payloads)

	startTime := time.Now()
	for _, p := range payloads {
		attempts, err := d.send(ctx, a, p)
		res.Attempts += attempts
		if err != nil {
			return d.fail(ctx, req, res, &schedule.ChannelSendError{
				UserID: req.UserID, Channel: req.Channel, Part: p.Part, Attempts: attempts, Err: err,
			})
		}
		res.Sent++
	}

	res.Success = true
	d.logger.Info("Notification delivered",
		"user_id", req.UserID,
		"channel", string(req.Channel),
		"mode", string(req.Mode),
		"parts", res.Parts,
		"attempts", res.Attempts,
		"content_hashes", res.Hashes,
		"duration_ms", time.Since(startTime).Milliseconds())
	metrics.Delivery(res)
	d.record(ctx, schedule.Event{Type: schedule.EventNotificationSent, UserID: req.UserID, At: d.now(), Delivery: &res})
	return res
}

func (d *Dispatcher) send(ctx context.Context, a Adapter, p Payload) (int, error) {
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			return a.Send(actx, p)
		},
		retry.Attempts(d.cfg.Attempts),
		retry.Delay(d.cfg.Delay),
		retry.MaxDelay(d.cfg.MaxDelay),
		retry.MaxJitter(d.cfg.MaxJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying notification send after error",
				"channel", string(p.Channel),
				"part", p.Part,
				"attempt", n,
				"error", err)
		}),
	)
	return attempts, err
}

func (d *Dispatcher) fail(ctx context.Context, req schedule.DeliveryRequest, res schedule.DeliveryResult, sendErr *schedule.ChannelSendError) schedule.DeliveryResult {
	if sendErr.Attempts == 0 {
		sendErr.Attempts = res.Attempts
	}
	res.Success = false
	res.Error = sendErr.Error()
	d.logger.Error("Notification delivery failed",
		"user_id", req.UserID,
		"channel", string(req.Channel),
		"mode", string(req.Mode),
		"part", sendErr.Part,
		"sent_parts", res.Sent,
		"attempts", res.Attempts,
		"content_hashes", res.Hashes,
		"error", sendErr.Err)
	metrics.Delivery(res)
	d.record(ctx, schedule.Event{Type: schedule.EventNotificationFailed, UserID: req.UserID, At: d.now(), Delivery: &res})
	return res
}

func (d *Dispatcher) record(ctx context.Context, ev schedule.Event) {
	if d.events == nil {
		return
	}
	if err := d.events.Record(ctx, ev); err != nil {
		d.logger.Warn("Failed to record delivery event",
			"user_id", ev.UserID,
			"type", string(ev.Type),
			"error", err)
	}
}
