// Package watcher wraps fsnotify with root-recursive watch registration,
// per-path debouncing, and ignore-pattern filtering, publishing debounced
// Events on a channel for the mount orchestrator's command loop (C9).
//
// Adapted from the original watcher.Watcher nearly verbatim: the
// fsnotify plumbing, recursive Add on directory creation, and the
// debounce-timer-per-path map are unchanged. Exclude-pattern matching is
// generalized from the original's ad hoc filepath.Match/"**" special
// case to internal/ignore.Matcher's full gitignore semantics, and
// GroupEvents turns a debounced event batch into the kind-grouped shape
// the reconciler and scheduler consume.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"nithronsync/sync-core/internal/ignore"
)

// Event represents a file system event.
type Event struct {
	Path      string
	Op        Operation
	IsDir     bool
	Timestamp time.Time
}

// Operation represents the type of file operation.
type Operation int

const (
	OpCreate Operation = iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// Watcher watches a directory for file system changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	rootPath string
	ignore   *ignore.Matcher
	events   chan Event
	errors   chan error
	logger   zerolog.Logger

	// Debouncing
	debounceTime time.Duration
	pending      map[string]*pendingEvent
	pendingMu    sync.Mutex
	
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingEvent struct {
	event Event
	timer *time.Timer
}

// Config holds watcher configuration.
type Config struct {
	RootPath       string
	IgnorePatterns []string // gitignore-style, passed to ignore.New
	DebounceTime   time.Duration
	BufferSize     int
}

// DefaultConfig returns a default configuration.
func DefaultConfig(rootPath string) Config {
	return Config{
		RootPath: rootPath,
		IgnorePatterns: []string{
			"*.tmp",
			"*.temp",
			".DS_Store",
			"Thumbs.db",
			"desktop.ini",
			".git/",
			".svn/",
			"node_modules/",
			"__pycache__/",
			"*.pyc",
			".sync_*",
			"*.nstmp",
		},
		DebounceTime: 500 * time.Millisecond,
		BufferSize:   1000,
	}
}

// New creates a new file system watcher.
func New(cfg Config, logger zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		watcher:      fsWatcher,
		rootPath:     cfg.RootPath,
		ignore:       ignore.New(cfg.IgnorePatterns),
		events:       make(chan Event, cfg.BufferSize),
		errors:       make(chan error, 10),
		logger:       logger.With().Str("component", "watcher").Logger(),
		debounceTime: cfg.DebounceTime,
		pending:      make(map[string]*pendingEvent),
		ctx:          ctx,
		cancel:       cancel,
	}

	return w, nil
}

// Start starts watching the root directory.
func (w *Watcher) Start() error {
	// Add root path and all subdirectories
	if err := w.addRecursive(w.rootPath); err != nil {
		return err
	}

	// Start event processing
	w.wg.Add(1)
	go w.processEvents()

	w.logger.Info().Str("path", w.rootPath).Msg("File watcher started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	
	close(w.events)
	close(w.errors)
	
	return w.watcher.Close()
}

// Events returns the events channel.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the errors channel.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// addRecursive adds a directory and all subdirectories to the watcher.
func (w *Watcher) addRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			// Log but don't fail on permission errors
			if os.IsPermission(err) {
				w.logger.Warn().Str("path", walkPath).Msg("Permission denied, skipping")
				return nil
			}
			return err
		}

		// Only watch directories
		if !info.IsDir() {
			return nil
		}

		// Check excludes
		if w.shouldExclude(walkPath, true) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(walkPath); err != nil {
			w.logger.Warn().Err(err).Str("path", walkPath).Msg("Failed to add path to watcher")
			return nil
		}

		return nil
	})
}

// shouldExclude checks if a path should be excluded.
func (w *Watcher) shouldExclude(path string, isDir bool) bool {
	relPath, err := filepath.Rel(w.rootPath, path)
	if err != nil {
		return false
	}
	return w.ignore.IsMatch(relPath, isDir)
}

// processEvents processes raw fsnotify events.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			// Drop pending events that have not been published yet
			w.pendingMu.Lock()
			for _, pe := range w.pending {
				pe.timer.Stop()
			}
			w.pending = nil
			w.pendingMu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.logger.Error().Err(err).Msg("Error channel full, dropping error")
			}
		}
	}
}

// handleEvent handles a single fsnotify event.
func (w *Watcher) handleEvent(fsEvent fsnotify.Event) {
	statIsDir := false
	if info, err := os.Stat(fsEvent.Name); err == nil {
		statIsDir = info.IsDir()
	}

	// Check excludes
	if w.shouldExclude(fsEvent.Name, statIsDir) {
		return
	}

	// Determine operation
	var op Operation
	switch {
	case fsEvent.Has(fsnotify.Create):
		op = OpCreate
		// If a directory was created, add it to the watcher
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			w.watcher.Add(fsEvent.Name)
		}
	case fsEvent.Has(fsnotify.Write):
		op = OpWrite
	case fsEvent.Has(fsnotify.Remove):
		op = OpRemove
		// Remove from watcher (ignore error if not watched)
		w.watcher.Remove(fsEvent.Name)
	case fsEvent.Has(fsnotify.Rename):
		op = OpRename
	case fsEvent.Has(fsnotify.Chmod):
		op = OpChmod
		// Ignore chmod-only events
		return
	default:
		return
	}

	event := Event{
		Path:      fsEvent.Name,
		Op:        op,
		IsDir:     statIsDir,
		Timestamp: time.Now(),
	}

	// Debounce the event
	w.debounce(event)
}

// debounce debounces events for the same path.
func (w *Watcher) debounce(event Event) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	key := event.Path

	// Cancel existing timer
	if pe, exists := w.pending[key]; exists {
		pe.timer.Stop()
		// Merge events - a write following a create stays a create
		if event.Op == OpWrite && pe.event.Op == OpCreate {
			event.Op = OpCreate // Keep as create since we're writing to a new file
		}
	}

	// Set up new debounce timer
	pe := &pendingEvent{
		event: event,
	}
	pe.timer = time.AfterFunc(w.debounceTime, func() {
		w.pendingMu.Lock()
		delete(w.pending, key)
		w.pendingMu.Unlock()

		select {
		case w.events <- event:
		default:
			w.logger.Warn().Str("path", event.Path).Msg("Event channel full, dropping event")
		}
	})

	w.pending[key] = pe
}

// GetRelativePath returns the path relative to the root.
func (w *Watcher) GetRelativePath(absPath string) (string, error) {
	return filepath.Rel(w.rootPath, absPath)
}

// GetAbsolutePath returns the absolute path from a relative path.
func (w *Watcher) GetAbsolutePath(relPath string) string {
	return filepath.Join(w.rootPath, relPath)
}

// GroupEvents collapses a batch of debounced events into the kind →
// paths shape the reconciler and scheduler consume: one entry per
// operation with its paths in the order they arrived. Chmod-only events
// never reach this function since handleEvent drops them before they're
// published.
func GroupEvents(events []Event) map[Operation][]string {
	grouped := make(map[Operation][]string)
	for _, e := range events {
		grouped[e.Op] = append(grouped[e.Op], e.Path)
	}
	return grouped
}

