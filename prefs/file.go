package prefs

import (
	"context"
	"dispenser-watch/pkg/schedule"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const maxFileSize = 4 << 20

// fileDoc is the on-disk layout of a preferences file.
type fileDoc struct {
	Users []schedule.Preferences `yaml:"users"`
}

// File serves preferences from a YAML file, re-reading it when it changes on disk.
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	users   map[string]*schedule.Preferences
	invalid map[string]error
}

// NewFile creates a file-backed store. The file is read on first use.
func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: path, logger: logger}
}

// Get returns a copy of the user's preferences.
func (f *File) Get(_ context.Context, userID string) (*schedule.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refresh(); err != nil {
		return nil, err
	}
	if err, ok := f.invalid[userID]; ok {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	p, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrUnknownUser)
	}
	cp := *p
	return &cp, nil
}

// Watchers returns the sorted ids of users watching scope. Users with invalid
// entries are included so their lookup failure surfaces at Get.
func (f *File) Watchers(_ context.Context, scope string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refresh(); err != nil {
		return nil, err
	}
	var ids []string
	for id, p := range f.users {
		if p.Watches(scope) {
			ids = append(ids, id)
		}
	}
	for id := range f.invalid {
		if id == scope {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// refresh re-parses the file when its size or modification time changed.
// Caller holds f.mu.
func (f *File) refresh() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("stat preferences file: %w", err)
	}
	if f.users != nil && info.ModTime().Equal(f.modTime) && info.Size() == f.size {
		return nil
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("preferences file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read preferences file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal preferences: %w", err)
	}

	users := make(map[string]*schedule.Preferences, len(doc.Users))
	invalid := make(map[string]error)
	for i := range doc.Users {
		p := doc.Users[i]
		if p.UserID == "" {
			f.logger.Warn("Skipping preferences entry without user id", "index", i)
			continue
		}
		if p.Frequency == "" {
			p.Frequency = schedule.FrequencyImmediate
		}
		if err := p.Validate(); err != nil {
			f.logger.Warn("Invalid preferences entry", "user_id", p.UserID, "error", err)
			invalid[p.UserID] = err
			continue
		}
		users[p.UserID] = &p
	}

	f.users = users
	f.invalid = invalid
	f.modTime = info.ModTime()
	f.size = info.Size()
	f.logger.Info("Preferences loaded", "path", f.path, "users", len(users), "invalid", len(invalid))
	return nil
}
