// Package email renders schedule-change emails and sends them via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Provider defines the interface for email sending implementations.
// Providers make a single attempt; callers own retries.
type Provider interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Kind            string // gmail, brevo or mock
	BrevoAPIKey     string
	FromAddr        string
	FromName        string
	CredentialsJSON string
}

// NewProvider builds the configured provider. An empty kind selects gmail when
// credentials are present and mock otherwise.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = "mock"
		if cfg.CredentialsJSON != "" {
			kind = "gmail"
		}
	}
	switch kind {
	case "mock":
		logger.Info("Mock email mode enabled")
		return NewMockProvider(logger), nil
	case "brevo":
		if cfg.BrevoAPIKey == "" {
			return nil, errors.New("brevo provider requires an API key")
		}
		return NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromAddr, cfg.FromName, logger), nil
	case "gmail":
		var opts []option.ClientOption
		if cfg.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		}
		svc, err := gmail.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		return NewGmailProvider(svc, logger), nil
	}
	return nil, fmt.Errorf("unknown email provider %q", kind)
}

// statusError classifies an HTTP status. Client errors other than 408 and 429
// will not succeed on retry.
func statusError(provider string, code int) error {
	err := fmt.Errorf("%s: HTTP %d", provider, code)
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return retry.Unrecoverable(err)
	}
	return err
}
