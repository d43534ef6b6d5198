// Package source fetches schedule snapshots from the external producer.
package source

import (
	"bytes"
	"context"
	"dispenser-watch/pkg/schedule"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrUnknownScope is returned when the producer has no snapshot for a scope.
var ErrUnknownScope = errors.New("unknown scope")

// Source supplies the current snapshot per scope.
type Source interface {
	Scopes(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, scope string) (*schedule.Snapshot, error)
}

// Decode reads a snapshot body. It accepts a full snapshot object or a bare
// array of work items; scope and capturedAt fill in whatever the body omits.
func Decode(r io.Reader, scope string, capturedAt time.Time) (*schedule.Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty snapshot body")
	}

	var snap schedule.Snapshot
	if data[0] == '[' {
		if err := json.Unmarshal(data, &snap.Items); err != nil {
			return nil, fmt.Errorf("decode work items: %w", err)
		}
	} else if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	if snap.Scope == "" {
		snap.Scope = scope
	} else if scope != "" && snap.Scope != scope {
		return nil, fmt.Errorf("snapshot is for scope %q, not %q", snap.Scope, scope)
	}
	if snap.Scope == "" {
		return nil, errors.New("snapshot has no scope")
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = capturedAt
	}
	for i, it := range snap.Items {
		if it.ID == "" {
			return nil, fmt.Errorf("work item %d has no id", i)
		}
	}
	return &snap, nil
}

// ValidScope rejects scope names that cannot be used as a file or path segment.
func ValidScope(scope string) bool {
	if scope == "" || len(scope) > 128 || scope == "." || scope == ".." {
		return false
	}
	return !strings.ContainsAny(scope, `/\`+"\x00")
}

// Dir reads snapshots from <dir>/<scope>.json, as written by an external producer.
type Dir struct {
	path   string
	logger *slog.Logger
}

// NewDir creates a directory source.
func NewDir(path string, logger *slog.Logger) *Dir {
	return &Dir{path: path, logger: logger}
}

// Scopes lists the scopes that have a snapshot file.
func (d *Dir) Scopes(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}
	var scopes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		scopes = append(scopes, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(scopes)
	return scopes, nil
}

// Fetch reads the snapshot file for scope. A missing capture time defaults to
// the file's modification time.
func (d *Dir) Fetch(_ context.Context, scope string) (*schedule.Snapshot, error) {
	if !ValidScope(scope) {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	path := filepath.Join(d.path, scope+".json")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", scope, ErrUnknownScope)
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			d.logger.Warn("Failed to close snapshot file", "path", path, "error", closeErr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	snap, err := Decode(f, scope, info.ModTime().UTC())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.logger.Debug("Snapshot read", "path", path, "scope", scope, "item_count", len(snap.Items))
	return snap, nil
}
