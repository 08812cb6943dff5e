package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Source holds the current Snapshot behind an atomic pointer and optionally
// watches the config file for changes. A failed reload keeps the previous
// snapshot; readers never observe a partial configuration.
type Source struct {
	path string
	cur  atomic.Pointer[Snapshot]
}

// NewSource loads path and returns a Source serving that snapshot.
func NewSource(path string) (*Source, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Source{path: path}
	s.cur.Store(snap)
	return s, nil
}

// NewStaticSource wraps a prebuilt snapshot (used by tests).
func NewStaticSource(snap *Snapshot) *Source {
	s := &Source{}
	s.cur.Store(snap)
	return s
}

// Current returns the active snapshot. Callers capture it once per request.
func (s *Source) Current() *Snapshot { return s.cur.Load() }

// Swap replaces the active snapshot.
func (s *Source) Swap(snap *Snapshot) { s.cur.Store(snap) }

// Reload re-reads the config file and swaps in the new snapshot.
func (s *Source) Reload() error {
	if s.path == "" {
		return fmt.Errorf("config: source has no backing file")
	}
	snap, err := Load(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(snap)
	return nil
}

// Watch blocks until ctx is cancelled, reloading the snapshot whenever the
// backing file changes. Editors replace files by rename, so re-add the watch
// after such events. Implements worker.Worker.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.path); err != nil {
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Rename != 0 {
				w.Remove(s.path) //nolint:errcheck
				if err := w.Add(s.path); err != nil {
					slog.Warn("config re-watch failed", "path", s.path, "error", err)
					continue
				}
			}
			if err := s.Reload(); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "config reload failed, keeping previous snapshot",
					slog.String("path", s.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			slog.Info("config reloaded", "path", s.path)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

// Run implements worker.Worker.
func (s *Source) Run(ctx context.Context) error { return s.Watch(ctx) }
