// Package allowlist implements the optional set of permitted agent ids.
// An empty set allows everyone; a non-empty set rejects any registration
// whose proposed agent id is not a member. The set is policy, not
// correctness: it is consulted once per socket open, before the connection
// row is registered.
//
// The set can be static (env-var list) or file-backed. A file-backed set is
// hot-reloadable: edits take effect without a restart, and a missing file
// means an empty set.
package allowlist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Allowlist is a concurrency-safe set of permitted agent ids.
type Allowlist struct {
	path   string // empty for a static set
	logger *zap.Logger

	mu  sync.RWMutex
	ids map[string]struct{}
}

// New creates a static allowlist from a parsed id list. An empty list
// allows all agents.
func New(ids []string, logger *zap.Logger) *Allowlist {
	a := &Allowlist{logger: logger.Named("allowlist")}
	a.replace(ids)
	return a
}

// NewFromFile creates a file-backed allowlist and performs the initial load.
// A missing file is not an error: it yields an empty set (allow-all).
func NewFromFile(path string, logger *zap.Logger) (*Allowlist, error) {
	a := &Allowlist{
		path:   path,
		logger: logger.Named("allowlist"),
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// ParseList splits an env-var style list on commas and whitespace.
func ParseList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// Allowed reports whether the given agent id may register. An empty set
// allows everyone.
func (a *Allowlist) Allowed(agentID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.ids) == 0 {
		return true
	}
	_, ok := a.ids[agentID]
	return ok
}

// Size returns the number of ids in the set. Zero means allow-all.
func (a *Allowlist) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}

// Reload re-reads the backing file. One id per line; blank lines and
// #-comments are skipped. A missing file resets the set to empty. Static
// sets reload to themselves.
func (a *Allowlist) Reload() error {
	if a.path == "" {
		return nil
	}

	f, err := os.Open(a.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.replace(nil)
			a.logger.Info("allowlist file missing, allowing all", zap.String("path", a.path))
			return nil
		}
		return fmt.Errorf("allowlist: open %s: %w", a.path, err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("allowlist: read %s: %w", a.path, err)
	}

	a.replace(ids)
	a.logger.Info("allowlist loaded",
		zap.String("path", a.path),
		zap.Int("ids", len(ids)),
	)
	return nil
}

// Watch starts watching the backing file for changes, reloading on write,
// create and remove. It returns immediately; the watch loop runs until ctx
// is cancelled. A static allowlist is a no-op.
func (a *Allowlist) Watch(ctx context.Context) error {
	if a.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("allowlist: create watcher: %w", err)
	}

	// Watch the directory containing the file — some systems do not support
	// watching files directly, and directory watches survive file removal.
	dir := filepath.Dir(a.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("allowlist: watch %s: %w", dir, err)
	}

	go a.watchLoop(ctx, watcher)
	a.logger.Info("watching allowlist file", zap.String("path", a.path))
	return nil
}

func (a *Allowlist) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	// Coalesce rapid successive writes into one reload.
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	base := filepath.Base(a.path)
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := a.Reload(); err != nil {
					a.logger.Error("allowlist reload failed", zap.Error(err))
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Error("allowlist watcher error", zap.Error(err))
		}
	}
}

func (a *Allowlist) replace(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	a.mu.Lock()
	a.ids = set
	a.mu.Unlock()
}
