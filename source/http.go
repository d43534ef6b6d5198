package source

import (
	"context"
	"dispenser-watch/pkg/schedule"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// HTTP403Error indicates a 403 Forbidden response (producer refused the request).
type HTTP403Error struct {
	URL string
}

func (e *HTTP403Error) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsHTTP403Error checks if an error is an HTTP 403 error.
func IsHTTP403Error(err error) bool {
	var forbidden *HTTP403Error
	return errors.As(err, &forbidden)
}

// HTTP fetches snapshots from a JSON endpoint:
//
//	GET {base}/scopes                  -> ["tech-7", ...]
//	GET {base}/scopes/{scope}/snapshot -> snapshot object or item array
type HTTP struct {
	client   *http.Client
	base     string
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
	now      func() time.Time
}

// NewHTTP creates an HTTP source rooted at baseURL.
func NewHTTP(client *http.Client, baseURL string, logger *slog.Logger) *HTTP {
	return &HTTP{
		client:   client,
		base:     strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
		attempts: 5,
		delay:    time.Second,
		now:      time.Now,
	}
}

// Scopes asks the producer which scopes it tracks.
func (h *HTTP) Scopes(ctx context.Context) ([]string, error) {
	var scopes []string
	err := h.get(ctx, h.base+"/scopes", "list_scopes", func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(&scopes); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode scopes: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scopes, nil
}

// Fetch downloads the current snapshot for scope.
func (h *HTTP) Fetch(ctx context.Context, scope string) (*schedule.Snapshot, error) {
	if !ValidScope(scope) {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	var snap *schedule.Snapshot
	u := h.base + "/scopes/" + url.PathEscape(scope) + "/snapshot"
	err := h.get(ctx, u, "fetch_snapshot", func(resp *http.Response) error {
		var err error
		snap, err = Decode(resp.Body, scope, h.now().UTC())
		if err != nil {
			return retry.Unrecoverable(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("Snapshot fetched", "scope", scope, "item_count", len(snap.Items), "captured_at", snap.CapturedAt.Format(time.RFC3339))
	return snap, nil
}

func (h *HTTP) get(ctx context.Context, target, purpose string, decode func(*http.Response) error) error {
	var forbidden, missing bool
	err := retry.Do(
		func() error {
			h.logger.Info("HTTP request starting",
				"method", "GET",
				"url", target,
				"purpose", purpose)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", "dispenser-watch/1.0")

			startTime := time.Now()
			resp, err := h.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				h.logger.Warn("HTTP request failed, will retry",
					"url", target,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					h.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			h.logger.Info("HTTP request completed",
				"url", target,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			switch {
			case resp.StatusCode == http.StatusForbidden:
				h.logger.Warn("HTTP 403 Forbidden - producer refused request", "url", target)
				forbidden = true
				return &HTTP403Error{URL: target}
			case resp.StatusCode == http.StatusNotFound:
				missing = true
				return retry.Unrecoverable(fmt.Errorf("%s: %w", target, ErrUnknownScope))
			case resp.StatusCode != http.StatusOK:
				h.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			return decode(resp)
		},
		retry.Attempts(h.attempts),
		retry.Delay(h.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(h.delay/2+time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			h.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsHTTP403Error(err)
		}),
	)
	switch {
	case forbidden:
		return &HTTP403Error{URL: target}
	case missing:
		return fmt.Errorf("%s: %w", target, ErrUnknownScope)
	case err != nil:
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}
