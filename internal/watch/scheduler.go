// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch schedules hot reloads from file-system change events.
//
// The scheduler watches the working directory (excluding build, dependency,
// and cache directories plus log/map files) and separates the two reactions
// a change demands:
//
//   - Cancellation is immediate: the cancel hook runs synchronously inside
//     the change handler, before any debouncing, so an in-flight run dies
//     the moment the source changes.
//   - Re-discovery is lazy: a burst of changes arms a debounce timer, and
//     only when the burst quiesces is a reload marked due. The orchestrator
//     consumes the due flag at the start of the next run.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiescence window before a reload is marked due.
const DefaultDebounce = 100 * time.Millisecond

// defaultIgnore covers build output, dependency trees, caches, and the
// generated artifacts that churn during a dev session without being source.
var defaultIgnore = []string{
	".git", "node_modules", "dist", "build", "out", "vendor",
	"__pycache__", ".venv", ".idea", ".cache",
	"*.log", "*.map", "*.swp", "*.tmp", "*.pyc",
}

// Options configures a Scheduler.
type Options struct {
	// Debounce is the quiescence window. Zero uses DefaultDebounce.
	Debounce time.Duration

	// IgnorePatterns replace the default ignore set when non-nil.
	IgnorePatterns []string

	// OnChange runs synchronously for every raw (non-ignored) change
	// event, before debouncing. This is the cancellation hook.
	OnChange func()

	// OnReloadDue runs once per quiesced burst, after the due flag is
	// set. Optional; the orchestrator normally polls ConsumeReload.
	OnReloadDue func()

	// Logger for watcher events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Scheduler debounces file changes into reload decisions.
//
// Thread Safety: Safe for concurrent use. ReloadDue/ConsumeReload may be
// called from any goroutine; the hooks run on the watcher's goroutine.
type Scheduler struct {
	root     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	ignore   []string

	onChange    func()
	onReloadDue func()
	logger      *slog.Logger

	bursts   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	reloadDue atomic.Bool
	started   atomic.Bool
}

// NewScheduler creates a scheduler for the given root directory.
// Call Start to begin watching.
func NewScheduler(root string, opts Options) (*Scheduler, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ignore := opts.IgnorePatterns
	if ignore == nil {
		ignore = defaultIgnore
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		root:        root,
		watcher:     watcher,
		debounce:    debounce,
		ignore:      ignore,
		onChange:    opts.OnChange,
		onReloadDue: opts.OnReloadDue,
		logger:      logger.With("component", "hot_reload"),
		bursts:      make(chan struct{}, 256),
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching the root recursively. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.addRecursive(s.root); err != nil {
		return err
	}

	go s.processEvents(ctx)
	go s.debounceLoop(ctx)

	s.logger.Info("watching for changes", "root", s.root, "debounce", s.debounce)
	return nil
}

// Stop closes the watcher and both goroutines. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if err := s.watcher.Close(); err != nil {
			s.logger.Warn("error closing watcher", "error", err)
		}
	})
}

// ReloadDue reports whether a quiesced change burst awaits re-discovery.
func (s *Scheduler) ReloadDue() bool {
	return s.reloadDue.Load()
}

// ConsumeReload clears the due flag and reports whether it was set.
// The orchestrator calls this exactly once at the start of each run.
func (s *Scheduler) ConsumeReload() bool {
	return s.reloadDue.Swap(false)
}

// addRecursive registers the root and all non-ignored subdirectories.
func (s *Scheduler) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable entry: skip, keep walking.
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && s.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return s.watcher.Add(path)
	})
}

// shouldIgnore checks a path's base name against the ignore patterns.
func (s *Scheduler) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range s.ignore {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// processEvents reacts to raw fsnotify events: cancel synchronously,
// then feed the debouncer.
func (s *Scheduler) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if s.shouldIgnore(event.Name) {
				continue
			}

			s.logger.Debug("file changed", "path", event.Name, "op", event.Op.String())
			s.signalChange()

			// Newly created directories need their own watch.
			if event.Has(fsnotify.Create) {
				if isDir(event.Name) {
					_ = s.watcher.Add(event.Name)
				}
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

// signalChange runs the synchronous cancel hook and nudges the debouncer.
// The kill must happen here, inside the change handler, never deferred
// behind the debounce timer.
func (s *Scheduler) signalChange() {
	if s.onChange != nil {
		s.onChange()
	}
	select {
	case s.bursts <- struct{}{}:
	default:
		// The debouncer is behind; it already has a pending signal and
		// the timer reset below will still happen when it drains.
	}
}

// debounceLoop arms a timer on each change signal; expiry with no further
// changes marks a reload due.
func (s *Scheduler) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.bursts:
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			s.reloadDue.Store(true)
			s.logger.Info("changes quiesced, reload scheduled before next run")
			if s.onReloadDue != nil {
				s.onReloadDue()
			}
		}
	}
}

// isDir reports whether the path is an existing directory.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
