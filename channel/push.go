package channel

import (
	"context"
	"dispenser-watch/pkg/schedule"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Pushover limits.
const (
	PushMessageLimit = 1024
	PushTitleLimit   = 250
)

const pushoverEndpoint = "https://api.pushover.net/1/messages.json"

// Push delivers changes as Pushover notifications. The recipient is the
// user's Pushover key.
type Push struct {
	appToken string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewPush creates the push adapter.
func NewPush(appToken string, logger *slog.Logger) *Push {
	return &Push{
		appToken: appToken,
		endpoint: pushoverEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// Channel implements Adapter.
func (p *Push) Channel() schedule.Channel { return schedule.ChannelPush }

// Format implements Adapter.
func (p *Push) Format(req schedule.DeliveryRequest) ([]Payload, error) {
	payloads := textPayloads(req, PushMessageLimit, byteSize, false)
	for i := range payloads {
		if len(payloads[i].Title) > PushTitleLimit {
			return nil, fmt.Errorf("push title exceeds %d bytes", PushTitleLimit)
		}
	}
	return payloads, nil
}

// Send implements Adapter.
func (p *Push) Send(ctx context.Context, pl Payload) error {
	if p.appToken == "" {
		return retry.Unrecoverable(fmt.Errorf("pushover app token not configured"))
	}
	form := url.Values{
		"token":    {p.appToken},
		"user":     {pl.Recipient},
		"title":    {pl.Title},
		"message":  {pl.Body},
		"priority": {strconv.Itoa(pl.Priority)},
	}

	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		p.logger.Warn("Pushover request failed",
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("pushover request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("Pushover returned non-2xx status", "status_code", resp.StatusCode)
		err := fmt.Errorf("pushover: HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(err)
		}
		return err
	}

	p.logger.Info("Pushover request completed",
		"part", pl.Part,
		"parts", pl.Parts,
		"duration_ms", duration.Milliseconds())
	return nil
}

// Parse implements Adapter.
func (p *Push) Parse(pl Payload) ([]Summary, error) {
	return parseLines(pl.Body)
}
