package channel

import (
	"context"
	"dispenser-watch/pkg/schedule"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/codeGROOVE-dev/retry"
)

// DesktopBodyLimit caps the body of one desktop notification.
const DesktopBodyLimit = 256

// Notifier shows a desktop notification.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Desktop delivers changes as local desktop notifications.
type Desktop struct {
	notifier Notifier
	logger   *slog.Logger
}

// NewDesktop creates the desktop adapter.
func NewDesktop(n Notifier, logger *slog.Logger) *Desktop {
	return &Desktop{notifier: n, logger: logger}
}

// Channel implements Adapter.
func (d *Desktop) Channel() schedule.Channel { return schedule.ChannelDesktop }

// Format implements Adapter.
func (d *Desktop) Format(req schedule.DeliveryRequest) ([]Payload, error) {
	return textPayloads(req, DesktopBodyLimit, byteSize, false), nil
}

// Send implements Adapter.
func (d *Desktop) Send(ctx context.Context, p Payload) error {
	return d.notifier.Notify(ctx, p.Title, p.Body)
}

// Parse implements Adapter.
func (d *Desktop) Parse(p Payload) ([]Summary, error) {
	return parseLines(p.Body)
}

// ExecNotifier runs the platform's notification command.
type ExecNotifier struct{}

// Notify implements Notifier.
func (ExecNotifier) Notify(ctx context.Context, title, body string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.CommandContext(ctx, "notify-send", "--app-name=dispenser-watch", title, body)
	case "darwin":
		cmd = exec.CommandContext(ctx, "osascript", "-e", fmt.Sprintf("display notification %q with title %q", body, title))
	default:
		return retry.Unrecoverable(fmt.Errorf("desktop notifications unsupported on %s", runtime.GOOS))
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Path, err, out)
	}
	return nil
}

// LogNotifier logs notifications instead of showing them.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, title, body string) error {
	l.Logger.Info("MOCK DESKTOP NOTIFICATION", "title", title, "body_length", len(body))
	return nil
}
