// Package drive implements the top-level mount registry (C12): the
// process-wide component that knows about every configured mount,
// builds and starts each one's full collaborator set, and routes an
// arbitrary filesystem path to whichever mount (if any) owns it.
//
// Grounded on cmd/daemon/main.go's top-level wiring (load config,
// construct the engine, start it, wait for a shutdown signal, stop with
// a bounded grace period) and engine.Engine's single-instance
// construction of its database/watcher/API client, generalized from one
// engine instance per process to one mount.Mount per configured drive.
package drive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nithronsync/sync-core/api"
	"nithronsync/sync-core/config"
	"nithronsync/sync-core/downloader"
	"nithronsync/sync-core/internal/ignore"
	"nithronsync/sync-core/inventory"
	"nithronsync/sync-core/mount"
	"nithronsync/sync-core/pathmap"
	"nithronsync/sync-core/placeholder"
	"nithronsync/sync-core/scheduler"
	"nithronsync/sync-core/uploader"
	"nithronsync/sync-core/watcher"
)

// handle pairs a running Mount with the means to stop it.
type handle struct {
	mount  *mount.Mount
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns every configured mount for the process: building each
// one's collaborators from persisted config, starting and stopping
// them, and routing local paths to the mount that owns them.
type Manager struct {
	mu      sync.RWMutex
	drives  *config.DrivesFile
	process *config.ProcessConfig
	dataDir string
	logger  zerolog.Logger

	mounts map[string]*handle
}

// NewManager builds a Manager. dataDir is where each mount's inventory
// database lives (one subdirectory per mount id), mirroring
// config.GetDataDir's per-client data directory.
func NewManager(process *config.ProcessConfig, drives *config.DrivesFile, dataDir string, logger zerolog.Logger) *Manager {
	return &Manager{
		drives:  drives,
		process: process,
		dataDir: dataDir,
		logger:  logger,
		mounts:  make(map[string]*handle),
	}
}

// buildMount constructs the full collaborator set for one mount's
// configuration, mirroring engine.New's single-instance wiring of
// database, watcher and API client, but producing a *mount.Mount
// instead of a monolithic engine.
func (mgr *Manager) buildMount(cfg *config.MountConfig) (*mount.Mount, error) {
	mapper, err := pathmap.New(cfg.LocalRoot, cfg.RemoteRoot)
	if err != nil {
		return nil, fmt.Errorf("drive %s: pathmap: %w", cfg.ID, err)
	}

	dbPath := filepath.Join(mgr.dataDir, cfg.ID, "inventory.db")
	store, err := inventory.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("drive %s: inventory: %w", cfg.ID, err)
	}

	excludes := cfg.ExcludePatterns
	if len(excludes) == 0 {
		excludes = mgr.process.DefaultExcludePatterns
	}
	matcher := ignore.New(excludes)

	adapter := placeholder.NewMemAdapter()
	if err := adapter.CreatePlaceholder(filepath.Dir(cfg.LocalRoot), filepath.Base(cfg.LocalRoot), placeholder.Attrs{}, true, 0, cfg.ID); err != nil {
		return nil, fmt.Errorf("drive %s: seed root placeholder: %w", cfg.ID, err)
	}

	client := api.NewClient(cfg.AsAPIConfig(), mapper)

	maxWorkers := mgr.process.MaxConcurrent
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	sched := scheduler.New(maxWorkers, 256)

	up := uploader.New(store, cfg.ID, localFileSource{}, client, client.NewTransportFactory(), uploader.DefaultOptions())
	down := downloader.New(client)

	watchLogger := mgr.logger.With().Str("mount", cfg.ID).Logger()
	w, err := watcher.New(watcher.Config{
		RootPath:       cfg.LocalRoot,
		IgnorePatterns: excludes,
		DebounceTime:   500 * time.Millisecond,
		BufferSize:     1000,
	}, watchLogger)
	if err != nil {
		return nil, fmt.Errorf("drive %s: watcher: %w", cfg.ID, err)
	}

	m := mount.New(mount.Deps{
		ID:         cfg.ID,
		LocalRoot:  cfg.LocalRoot,
		Credential: cfg.DeviceToken,
		Store:      store,
		Adapter:    adapter,
		Mapper:     mapper,
		Ignore:     matcher,
		Client:     client,
		Scheduler:  sched,
		Uploader:   up,
		Downloader: down,
		Watcher:    w,
		Logger:     mgr.logger,
	})
	return m, nil
}

// LoadAll builds (but does not start) a Mount for every enabled
// configured drive.
func (mgr *Manager) LoadAll() error {
	for _, cfg := range mgr.drives.All() {
		if !cfg.Enabled {
			continue
		}
		m, err := mgr.buildMount(cfg)
		if err != nil {
			mgr.logger.Error().Err(err).Str("mount", cfg.ID).Msg("failed to build mount")
			continue
		}
		mgr.mu.Lock()
		mgr.mounts[cfg.ID] = &handle{mount: m}
		mgr.mu.Unlock()
	}
	return nil
}

// StartAll starts every loaded mount's Run loop, each under its own
// cancellable context so one mount can be stopped or restarted without
// affecting the others.
func (mgr *Manager) StartAll(parent context.Context) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for id, h := range mgr.mounts {
		mgr.startLocked(parent, id, h)
	}
}

func (mgr *Manager) startLocked(parent context.Context, id string, h *handle) {
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		if err := h.mount.Run(ctx); err != nil && ctx.Err() == nil {
			mgr.logger.Error().Err(err).Str("mount", id).Msg("mount run exited")
		}
	}()
}

// StopAll cancels every running mount and waits for each to exit, or
// for ctx to be cancelled (e.g. a shutdown timeout), whichever comes
// first.
func (mgr *Manager) StopAll(ctx context.Context) {
	mgr.mu.RLock()
	handles := make([]*handle, 0, len(mgr.mounts))
	for _, h := range mgr.mounts {
		handles = append(handles, h)
	}
	mgr.mu.RUnlock()

	for _, h := range handles {
		if h.cancel != nil {
			h.cancel()
		}
	}
	for _, h := range handles {
		if h.done == nil {
			continue
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			return
		}
	}
}

// AddMount persists cfg, builds its collaborators, and starts it
// immediately under parent's lifetime.
func (mgr *Manager) AddMount(parent context.Context, cfg *config.MountConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("drive: mount id required")
	}
	if err := os.MkdirAll(cfg.LocalRoot, 0755); err != nil {
		return fmt.Errorf("drive %s: create local root: %w", cfg.ID, err)
	}
	cfg.Enabled = true
	if err := mgr.drives.Add(cfg); err != nil {
		return err
	}

	m, err := mgr.buildMount(cfg)
	if err != nil {
		return err
	}
	h := &handle{mount: m}
	mgr.mu.Lock()
	mgr.mounts[cfg.ID] = h
	mgr.startLocked(parent, cfg.ID, h)
	mgr.mu.Unlock()
	return nil
}

// RemoveMount stops id's mount (if running) and removes it from the
// persisted registry.
func (mgr *Manager) RemoveMount(ctx context.Context, id string) error {
	mgr.mu.Lock()
	h, ok := mgr.mounts[id]
	if ok {
		delete(mgr.mounts, id)
	}
	mgr.mu.Unlock()

	if ok && h.cancel != nil {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	}
	return mgr.drives.Remove(id)
}

// Mounts returns every currently registered mount.
func (mgr *Manager) Mounts() []*mount.Mount {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]*mount.Mount, 0, len(mgr.mounts))
	for _, h := range mgr.mounts {
		out = append(out, h.mount)
	}
	return out
}

// SearchByChildPath returns the mount whose local root is the longest
// matching prefix of path, the way a real on-demand filesystem driver
// must route a single incoming OS callback path to the one mount
// responsible for it.
func (mgr *Manager) SearchByChildPath(path string) (*mount.Mount, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	var best *mount.Mount
	bestLen := -1
	for _, h := range mgr.mounts {
		root := h.mount.LocalRoot()
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > bestLen {
			best = h.mount
			bestLen = len(root)
		}
	}
	return best, best != nil
}
