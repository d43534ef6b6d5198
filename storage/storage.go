// Package storage persists the last observed snapshot per scope.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"dispenser-watch/pkg/schedule"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when no snapshot has been stored for a scope.
var ErrNotFound = errors.New("storage: object doesn't exist")

const (
	keyPrefix = "snap-"
	digestKey = "state-digests.json"
)

// Store holds snapshots in a local directory or a Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	salt      []byte
}

// New creates a new snapshot store. A non-empty localPath selects the local
// filesystem; otherwise client and bucket are used.
func New(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

// ScopeKey derives a stable object name from a scope.
// Scopes are user-supplied, so they are hashed rather than used as paths.
func (s *Store) ScopeKey(scope string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.TrimSpace(scope)))
	return keyPrefix + hex.EncodeToString(h.Sum(nil)) + ".json"
}

// validKey reports whether key is a well-formed snapshot object name.
func validKey(key string) bool {
	hexPart, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return false
	}
	hexPart, ok = strings.CutSuffix(hexPart, ".json")
	if !ok || len(hexPart) != 64 {
		return false
	}
	valid := 1
	for _, c := range hexPart {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			valid = 0
		}
	}
	return valid == 1
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Save replaces the stored snapshot for snap.Scope.
func (s *Store) Save(ctx context.Context, snap *schedule.Snapshot) error {
	key := s.ScopeKey(snap.Scope)
	s.logger.Debug("Saving snapshot", "key", key, "scope", snap.Scope)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := s.writeObject(ctx, key, data, "save"); err != nil {
		return err
	}
	if s.localPath != "" {
		s.logger.Info("Snapshot saved to local storage", "path", filepath.Join(s.localPath, key), "scope", snap.Scope, "item_count", len(snap.Items))
		return nil
	}
	s.logger.Info("Snapshot saved", "key", key, "scope", snap.Scope, "item_count", len(snap.Items))
	return nil
}

// Load returns the stored snapshot for scope, or ErrNotFound.
func (s *Store) Load(ctx context.Context, scope string) (*schedule.Snapshot, error) {
	return s.loadKey(ctx, s.ScopeKey(scope))
}

func (s *Store) loadKey(ctx context.Context, key string) (*schedule.Snapshot, error) {
	if !validKey(key) {
		return nil, errors.New("invalid key format")
	}

	data, err := s.readObject(ctx, key, "load")
	if err != nil {
		return nil, err
	}

	var snap schedule.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// writeObject stores data under key, atomically on local disk.
func (s *Store) writeObject(ctx context.Context, key string, data []byte, op string) error {
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, op, key)...,
	)
	if err != nil {
		return fmt.Errorf("%s after retries: %w", op, err)
	}
	return nil
}

// readObject returns the object stored under key, or ErrNotFound.
func (s *Store) readObject(ctx context.Context, key, op string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, op, key)...,
	)
	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s after retries: %w", op, err)
	}
	return data, nil
}

// SaveDigests replaces the stored pending digest entries.
func (s *Store) SaveDigests(ctx context.Context, entries []schedule.DigestEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal digests: %w", err)
	}
	if err := s.writeObject(ctx, digestKey, data, "save digests"); err != nil {
		return err
	}
	s.logger.Debug("Digest entries saved", "key", digestKey, "entries", len(entries))
	return nil
}

// LoadDigests returns the stored pending digest entries; none is not an error.
func (s *Store) LoadDigests(ctx context.Context) ([]schedule.DigestEntry, error) {
	data, err := s.readObject(ctx, digestKey, "load digests")
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []schedule.DigestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal digests: %w", err)
	}
	return entries, nil
}

// Delete removes the stored snapshot for scope. Deleting a missing snapshot is not an error.
func (s *Store) Delete(ctx context.Context, scope string) error {
	key := s.ScopeKey(scope)
	s.logger.Debug("Deleting snapshot", "key", key, "scope", scope)

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Snapshot deleted from local storage", "path", filePath, "scope", scope)
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Snapshot deleted", "key", key, "scope", scope)
	return nil
}

// List returns every stored snapshot. Unreadable objects are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*schedule.Snapshot, error) {
	var snaps []*schedule.Snapshot

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !validKey(entry.Name()) {
				continue
			}
			snap, err := s.loadKey(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load snapshot", "file", entry.Name(), "error", err)
				continue
			}
			snaps = append(snaps, snap)
		}
		return snaps, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: keyPrefix,
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		snap, err := s.loadKey(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load snapshot", "key", attrs.Name, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// IsNotFound checks if an error indicates a snapshot was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
