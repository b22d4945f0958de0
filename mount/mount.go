// Package mount implements the per-mount orchestrator (C11): the
// command-channel dispatcher that owns one mount's scheduler, inventory
// handle, placeholder session, local watcher and remote event
// subscriber for its lifetime.
//
// Grounded on engine.Engine's field layout (config/database/watchers/
// state) and its processWatcherEvents/syncLoop goroutine split,
// generalized from a single engine-wide loop driving N shares into a
// single mount's typed command-channel dispatcher (Sync, FetchData,
// FetchPlaceholders, Rename, Renamed, ProcessFsEvents, ResolveConflict,
// RefreshCredentials) — the unit engine.Engine called a "share" becomes
// the unit a mount.Mount owns entirely by itself, with drive.Manager
// (C12) playing the role engine.Engine's share loop used to play across
// many shares at once.
package mount

import (
	"context"
	"fmt"
	"hash/adler32"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nithronsync/sync-core/api"
	"nithronsync/sync-core/downloader"
	"nithronsync/sync-core/events"
	"nithronsync/sync-core/internal/ignore"
	"nithronsync/sync-core/inventory"
	"nithronsync/sync-core/pathmap"
	"nithronsync/sync-core/placeholder"
	"nithronsync/sync-core/reconcile"
	"nithronsync/sync-core/scheduler"
	"nithronsync/sync-core/syncerr"
	"nithronsync/sync-core/uploader"
	"nithronsync/sync-core/watcher"
)

// ConflictAction is the user's (or an automatic policy's) disposition
// for a conflicted path.
type ConflictAction string

const (
	ConflictKeepLocal  ConflictAction = "keep-local"
	ConflictKeepRemote ConflictAction = "keep-remote"
	ConflictDuplicate  ConflictAction = "duplicate"
)

// SyncCommand asks the reconciler to diff one or more local directories.
type SyncCommand struct {
	Paths []string
	Mode  reconcile.Mode
	Reply chan error
}

// FetchDataCommand is invoked from within an OS fetch-data callback.
type FetchDataCommand struct {
	LocalPath  string
	Ticket     placeholder.Ticket
	RangeStart int64
	RangeEnd   int64
	Reply      chan error
}

// FetchPlaceholdersCommand asks the mount to paginate the remote
// listing of LocalPath and materialize placeholders for every entry.
type FetchPlaceholdersCommand struct {
	LocalPath string
	Reply     chan error
}

// RenameCommand performs a user-initiated rename: remote first, then
// local inventory.
type RenameCommand struct {
	Src, Dst string
	Reply    chan error
}

// RenamedCommand reports a rename the OS already performed locally
// (e.g. via its own move UI); only the inventory needs to catch up.
type RenamedCommand struct {
	Src, Dst string
}

// ProcessFsEventsCommand carries one watcher tick's grouped local
// filesystem events.
type ProcessFsEventsCommand struct {
	Grouped map[watcher.Operation][]string
	Reply   chan error
}

// ResolveConflictCommand applies action to a path in ConflictDuplicatePending.
type ResolveConflictCommand struct {
	LocalPath string
	Action    ConflictAction
	Reply     chan error
}

// RefreshCredentialsCommand forces a token refresh ahead of its natural
// 401-triggered schedule (e.g. the OS warns of imminent expiry).
type RefreshCredentialsCommand struct {
	Reply chan error
}

// Command is the tagged union of everything a Mount accepts on its
// command channel. Exactly one of the typed fields is non-nil.
type Command struct {
	Sync               *SyncCommand
	FetchData          *FetchDataCommand
	FetchPlaceholders  *FetchPlaceholdersCommand
	Rename             *RenameCommand
	Renamed            *RenamedCommand
	ProcessFsEvents    *ProcessFsEventsCommand
	ResolveConflict    *ResolveConflictCommand
	RefreshCredentials *RefreshCredentialsCommand
}

// StateChange is published on the event broadcaster whenever the
// mount's lifecycle stage changes.
type StateChange struct {
	MountID string
	State   string
	Err     error
}

// Mount owns everything needed to keep one local folder synchronized
// against one remote root: its command channel, scheduler, inventory
// handle, placeholder session and the local/remote event feeds driving
// it.
type Mount struct {
	id         string
	cfgMu      sync.RWMutex
	localRoot  string
	credential string

	store     *inventory.Store
	adapter   placeholder.Adapter
	mapper    *pathmap.Mapper
	ignore    *ignore.Matcher
	client    *api.Client
	scheduler *scheduler.Scheduler
	uploader  *uploader.Uploader
	downloader *downloader.Downloader
	reconciler *reconcile.Reconciler
	watcher   *watcher.Watcher
	subscriber *events.Subscriber

	commandCh chan Command
	logger    zerolog.Logger

	propsMu    sync.RWMutex
	propsCache map[string]placeholder.QueryResult

	onStateChange func(StateChange)
}

// Deps bundles the already-constructed collaborators a Mount wires
// together. Every field is built by drive.Manager from persisted
// per-mount configuration before New is called.
type Deps struct {
	ID         string
	LocalRoot  string
	Credential string
	Store      *inventory.Store
	Adapter    placeholder.Adapter
	Mapper     *pathmap.Mapper
	Ignore     *ignore.Matcher
	Client     *api.Client
	Scheduler  *scheduler.Scheduler
	Uploader   *uploader.Uploader
	Downloader *downloader.Downloader
	Watcher    *watcher.Watcher
	Logger     zerolog.Logger
}

// New builds a Mount from deps. The reconciler and remote event
// subscriber are constructed here since both close over the Mount
// itself (SubmitSync, NearestPopulatedAncestor, RemoteToLocal).
func New(d Deps) *Mount {
	m := &Mount{
		id:         d.ID,
		localRoot:  d.LocalRoot,
		credential: d.Credential,
		store:      d.Store,
		adapter:    d.Adapter,
		mapper:     d.Mapper,
		ignore:     d.Ignore,
		client:     d.Client,
		scheduler:  d.Scheduler,
		uploader:   d.Uploader,
		downloader: d.Downloader,
		watcher:    d.Watcher,
		commandCh:  make(chan Command, 64),
		logger:     d.Logger.With().Str("mount", d.ID).Logger(),
		propsCache: make(map[string]placeholder.QueryResult),
	}
	m.reconciler = reconcile.New(d.ID, d.Store, d.Adapter, d.Client, d.Mapper, d.Ignore)
	m.subscriber = events.New(d.ID, d.LocalRoot, d.Client, m, m, m, m.logger)
	return m
}

// SetStateChangeCallback registers fn to be notified of lifecycle
// transitions, mirroring engine.Engine's onStateChange callback.
func (m *Mount) SetStateChangeCallback(fn func(StateChange)) {
	m.cfgMu.Lock()
	m.onStateChange = fn
	m.cfgMu.Unlock()
}

func (m *Mount) publishState(state string, err error) {
	m.cfgMu.RLock()
	cb := m.onStateChange
	m.cfgMu.RUnlock()
	if cb != nil {
		cb(StateChange{MountID: m.id, State: state, Err: err})
	}
}

// Commands returns the channel Send delivers to, for a drive.Manager to
// route top-level commands into.
func (m *Mount) Commands() chan<- Command { return m.commandCh }

// ID returns the mount's id.
func (m *Mount) ID() string { return m.id }

// LocalRoot returns the mount's local root directory.
func (m *Mount) LocalRoot() string { return m.localRoot }

// Run drives the mount's three long-lived loops (remote subscriber,
// local watcher, command dispatcher) until ctx is cancelled or one of
// them fails irrecoverably.
func (m *Mount) Run(ctx context.Context) error {
	m.scheduler.Start()
	defer m.scheduler.Stop()

	if err := m.watcher.Start(); err != nil {
		return fmt.Errorf("mount: start watcher: %w", err)
	}
	defer m.watcher.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.subscriber.Run(ctx) })
	g.Go(func() error { m.watchLocalEvents(ctx); return nil })
	g.Go(func() error { return m.dispatchLoop(ctx) })

	m.publishState("running", nil)
	err := g.Wait()
	m.publishState("stopped", err)
	return err
}

// Send delivers cmd to the dispatch loop, blocking only on channel
// capacity, never on the command's own completion.
func (m *Mount) Send(cmd Command) { m.commandCh <- cmd }

func (m *Mount) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.commandCh:
			m.dispatch(ctx, cmd)
		}
	}
}

func (m *Mount) dispatch(ctx context.Context, cmd Command) {
	switch {
	case cmd.Sync != nil:
		go m.handleSync(ctx, cmd.Sync)
	case cmd.FetchData != nil:
		go m.handleFetchData(ctx, cmd.FetchData)
	case cmd.FetchPlaceholders != nil:
		go m.handleFetchPlaceholders(ctx, cmd.FetchPlaceholders)
	case cmd.Rename != nil:
		go m.handleRename(ctx, cmd.Rename)
	case cmd.Renamed != nil:
		m.handleRenamed(cmd.Renamed)
	case cmd.ProcessFsEvents != nil:
		go m.handleProcessFsEvents(ctx, cmd.ProcessFsEvents)
	case cmd.ResolveConflict != nil:
		go m.handleResolveConflict(ctx, cmd.ResolveConflict)
	case cmd.RefreshCredentials != nil:
		go m.handleRefreshCredentials(ctx, cmd.RefreshCredentials)
	}
}

func reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// handleSync dispatches into the reconciler with the requested mode.
func (m *Mount) handleSync(ctx context.Context, c *SyncCommand) {
	var firstErr error
	for _, p := range c.Paths {
		if err := m.reconciler.Reconcile(ctx, p, c.Mode); err != nil && firstErr == nil {
			firstErr = err
		}
		m.invalidateProps(p)
	}
	reply(c.Reply, firstErr)
}

// SubmitSync implements events.SyncSubmitter: the remote subscriber
// calls this for every scoped change notification, independent of the
// command channel, so it is tracked as a scheduler task rather than
// blocking the subscriber's read loop.
func (m *Mount) SubmitSync(mountID, path string, mode events.SyncMode) string {
	rmode := reconcile.ModePathOnly
	if mode == events.ModeFullHierarchy {
		rmode = reconcile.ModeFullHierarchy
	}
	props := scheduler.Properties{TargetPath: path}
	return m.scheduler.Submit(mountID, schedulerPriorityForSync(mode), scheduler.KindSyncDir, props, func(ctx context.Context, _ *scheduler.Task) scheduler.Result {
		err := m.reconciler.Reconcile(ctx, path, rmode)
		m.invalidateProps(path)
		return scheduler.Result{Success: err == nil, Error: err}
	}, nil)
}

// handleFetchData dispatches a ranged fetch to the downloader. A fetch
// that hydrates the whole file (offset 0 through the recorded size)
// records a fresh local checksum baseline so the reconciler's
// equality pre-check has something to compare against next time this
// entry's etag changes.
func (m *Mount) handleFetchData(ctx context.Context, c *FetchDataCommand) {
	remoteURI, err := m.mapper.LocalToRemote(c.LocalPath)
	if err != nil {
		reply(c.Reply, err)
		return
	}
	err = m.downloader.FetchRange(ctx, remoteURI, c.Ticket, c.RangeStart, c.RangeEnd)
	if err == nil && c.RangeStart == 0 {
		m.recordLocalChecksum(c.LocalPath, c.RangeEnd)
	}
	reply(c.Reply, err)
}

// recordLocalChecksum recomputes and persists the fully-hydrated
// checksum baseline for localPath. Failures are logged, not fatal —
// the reconciler simply re-checks on the next divergence if the
// baseline is stale or absent.
func (m *Mount) recordLocalChecksum(localPath string, size int64) {
	entry, err := m.store.QueryByPath(localPath)
	if err != nil || entry == nil {
		return
	}
	q, err := m.adapter.Query(localPath)
	if err != nil || placeholder.Classify(q) != placeholder.StateInSync {
		return
	}
	h, err := m.adapter.Open(localPath, placeholder.ModeRead, placeholder.Share)
	if err != nil {
		return
	}
	defer h.Close()

	sum := adler32.New()
	if _, err := io.Copy(sum, io.NewSectionReader(h, 0, size)); err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("checksum local blob after hydration")
		return
	}
	entry.LocalChecksum = sum.Sum32()
	if err := m.store.Upsert(entry); err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("persist local checksum")
	}
}

// handleFetchPlaceholders paginates the remote listing, filters
// symlinks and ignore-matches, creates a placeholder per entry, and
// batch-upserts the inventory.
func (m *Mount) handleFetchPlaceholders(ctx context.Context, c *FetchPlaceholdersCommand) {
	remoteURI, err := m.mapper.LocalToRemote(c.LocalPath)
	if err != nil {
		reply(c.Reply, err)
		return
	}

	var entries []inventory.Entry
	token := ""
	for {
		page, next, more, err := m.client.ListDir(ctx, remoteURI, token)
		if err != nil {
			reply(c.Reply, err)
			return
		}
		for _, re := range page {
			if re.IsSymlink {
				continue
			}
			rel, err := filepath.Rel(m.mapper.LocalRoot(), filepath.Join(c.LocalPath, re.Name))
			if err != nil || m.ignore.IsMatch(rel, re.IsDir) {
				continue
			}
			localPath := filepath.Join(c.LocalPath, re.Name)
			attrs := placeholder.Attrs{Created: re.ModTime, Modified: re.ModTime}
			if err := m.adapter.CreatePlaceholder(c.LocalPath, re.Name, attrs, re.IsDir, re.Size, re.FileID); err != nil {
				m.logger.Warn().Err(err).Str("path", localPath).Msg("create placeholder")
				continue
			}
			childRemote, _ := m.mapper.LocalToRemote(localPath)
			entries = append(entries, inventory.Entry{
				MountID:       m.id,
				LocalPath:     localPath,
				IsFolder:      re.IsDir,
				RemoteURI:     childRemote,
				RemoteFileID:  re.FileID,
				RemoteEtag:    re.Etag,
				Size:          re.Size,
				RemoteModTime: re.ModTime,
			})
		}
		if !more {
			break
		}
		token = next
	}

	if err := m.store.BatchInsert(entries); err != nil {
		reply(c.Reply, err)
		return
	}
	if err := m.adapter.Update(c.LocalPath, placeholder.UpdateOpts{MarkHasChildren: true}); err != nil {
		reply(c.Reply, err)
		return
	}
	m.invalidateProps(c.LocalPath)
	reply(c.Reply, nil)
}

// handleRename performs a user-initiated rename: remote first (so a
// failure leaves nothing locally renamed), then the local placeholder
// and inventory.
func (m *Mount) handleRename(ctx context.Context, c *RenameCommand) {
	if err := m.checkSameMount(c.Src, c.Dst); err != nil {
		reply(c.Reply, err)
		return
	}
	remoteURI, err := m.mapper.LocalToRemote(c.Src)
	if err != nil {
		reply(c.Reply, err)
		return
	}
	if err := m.client.RenameFile(ctx, remoteURI, filepath.Base(c.Dst)); err != nil {
		reply(c.Reply, err)
		return
	}
	if err := m.adapter.Rename(c.Src, c.Dst); err != nil {
		reply(c.Reply, err)
		return
	}
	err = m.store.RenamePath(c.Src, c.Dst)
	m.invalidateProps(c.Src)
	m.invalidateProps(c.Dst)
	reply(c.Reply, err)
}

// handleRenamed catches the inventory up to a rename the OS already
// performed on disk.
func (m *Mount) handleRenamed(c *RenamedCommand) {
	if err := m.store.RenamePath(c.Src, c.Dst); err != nil {
		m.logger.Error().Err(err).Str("src", c.Src).Str("dst", c.Dst).Msg("renamed: inventory update failed")
	}
	m.invalidateProps(c.Src)
	m.invalidateProps(c.Dst)
}

// handleProcessFsEvents applies one watcher tick's grouped events: only
// Remove is handled here. Create and Write paths are submitted to the
// scheduler by submitLocalBatch; Rename events are not acted on by
// either.
func (m *Mount) handleProcessFsEvents(ctx context.Context, c *ProcessFsEventsCommand) {
	removed := c.Grouped[watcher.OpRemove]
	if len(removed) == 0 {
		reply(c.Reply, nil)
		return
	}

	uris := make([]string, 0, len(removed))
	for _, p := range removed {
		u, err := m.mapper.LocalToRemote(p)
		if err != nil {
			continue
		}
		uris = append(uris, u)
	}
	if len(uris) == 0 {
		reply(c.Reply, nil)
		return
	}
	if err := m.client.DeleteFiles(ctx, uris); err != nil {
		reply(c.Reply, err)
		return
	}
	err := m.store.BatchDeleteByPath(removed)
	for _, p := range removed {
		m.invalidateProps(p)
	}
	reply(c.Reply, err)
}

// handleResolveConflict applies the user's chosen disposition to a path
// left in ConflictDuplicatePending by the upload path's lock-conflict
// detection.
func (m *Mount) handleResolveConflict(ctx context.Context, c *ResolveConflictCommand) {
	entry, err := m.store.QueryByPath(c.LocalPath)
	if err != nil {
		reply(c.Reply, err)
		return
	}
	if entry == nil {
		reply(c.Reply, syncerr.New(syncerr.KindPlaceholderMismatch, "no inventory entry for "+c.LocalPath))
		return
	}

	switch c.Action {
	case ConflictKeepRemote:
		err = m.reconciler.Reconcile(ctx, filepath.Dir(c.LocalPath), reconcile.ModePathOnly)
	case ConflictKeepLocal:
		entry.Conflict = inventory.ConflictNone
		err = m.store.Upsert(entry)
	case ConflictDuplicate:
		err = m.duplicateConflict(entry)
	default:
		err = fmt.Errorf("mount: unknown conflict action %q", c.Action)
	}
	m.invalidateProps(c.LocalPath)
	reply(c.Reply, err)
}

func (m *Mount) duplicateConflict(entry *inventory.Entry) error {
	ext := filepath.Ext(entry.LocalPath)
	base := strings.TrimSuffix(entry.LocalPath, ext)
	dupPath := fmt.Sprintf("%s (conflicted copy)%s", base, ext)

	rec := conflictRecord{
		OriginalPath: entry.LocalPath,
		RemoteFileID: entry.RemoteFileID,
		RemoteEtag:   entry.RemoteEtag,
		DuplicatedAt: time.Now(),
	}
	sealed, err := sealConflictRecord(m.credential, rec)
	if err != nil {
		return err
	}

	if err := m.adapter.Rename(entry.LocalPath, dupPath); err != nil {
		return err
	}
	dupEntry := *entry
	dupEntry.ID = 0
	dupEntry.LocalPath = dupPath
	dupEntry.Conflict = inventory.ConflictNone
	dupEntry.PropsJSON = sealed
	if err := m.store.Upsert(&dupEntry); err != nil {
		return err
	}

	entry.Conflict = inventory.ConflictNone
	if err := m.store.Upsert(entry); err != nil {
		return err
	}
	return m.reconciler.Reconcile(context.Background(), filepath.Dir(entry.LocalPath), reconcile.ModePathOnly)
}

func (m *Mount) handleRefreshCredentials(ctx context.Context, c *RefreshCredentialsCommand) {
	err := m.client.ForceRefresh(ctx)
	reply(c.Reply, err)
}

// checkSameMount rejects a rename that would cross the mount boundary;
// per spec that case is explicitly unsupported rather than silently
// copying across mounts.
func (m *Mount) checkSameMount(src, dst string) error {
	if !strings.HasPrefix(dst, m.localRoot) {
		return syncerr.New(syncerr.KindCrossMountUnsupported, "rename destination outside mount root")
	}
	return nil
}

// watchLocalEvents drains the local watcher, grouping and forwarding
// batches into ProcessFsEvents, and submits upload tasks for
// create/write events directly to the scheduler.
func (m *Mount) watchLocalEvents(ctx context.Context) {
	var buf []watcher.Event
	flush := time.NewTicker(500 * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events():
			if !ok {
				return
			}
			buf = append(buf, ev)
		case err, ok := <-m.watcher.Errors():
			if !ok {
				return
			}
			m.logger.Error().Err(err).Msg("watcher error")
		case <-flush.C:
			if len(buf) == 0 {
				continue
			}
			grouped := watcher.GroupEvents(buf)
			buf = nil
			m.submitLocalBatch(grouped)
		}
	}
}

func (m *Mount) submitLocalBatch(grouped map[watcher.Operation][]string) {
	reply := make(chan error, 1)
	m.Send(Command{ProcessFsEvents: &ProcessFsEventsCommand{Grouped: grouped, Reply: reply}})

	for _, p := range grouped[watcher.OpCreate] {
		// GroupEvents buckets purely by (Op, Path), so the watcher's
		// per-event IsDir is gone by the time it reaches here; re-stat
		// to tell a new folder from a new file.
		if m.isLocalDir(p) {
			m.submitDirCreate(p)
			continue
		}
		m.submitUpload(p)
	}
	for _, p := range grouped[watcher.OpWrite] {
		m.submitUpload(p)
	}
}

func (m *Mount) isLocalDir(localPath string) bool {
	q, err := m.adapter.Query(localPath)
	return err == nil && q.Exists && q.IsDir
}

// submitDirCreate propagates a locally created directory to the remote
// as a directory, rather than letting it fall into submitUpload and
// fail streaming its (nonexistent) file body.
func (m *Mount) submitDirCreate(localPath string) {
	props := scheduler.Properties{TargetPath: localPath}
	m.scheduler.Submit(m.id, scheduler.PriorityNormal, scheduler.KindUpload, props, func(ctx context.Context, _ *scheduler.Task) scheduler.Result {
		err := m.createRemoteDir(ctx, localPath)
		return scheduler.Result{Success: err == nil, Error: err}
	}, nil)
}

func (m *Mount) createRemoteDir(ctx context.Context, localPath string) error {
	parentURI, err := m.mapper.LocalToRemote(filepath.Dir(localPath))
	if err != nil {
		return err
	}
	info, err := m.client.CreateFile(ctx, parentURI, filepath.Base(localPath), true)
	if err != nil {
		return err
	}
	m.commitRemoteCreate(localPath, info)
	return nil
}

func (m *Mount) submitUpload(localPath string) {
	props := scheduler.Properties{TargetPath: localPath}
	m.scheduler.Submit(m.id, scheduler.PriorityNormal, scheduler.KindUpload, props, func(ctx context.Context, task *scheduler.Task) scheduler.Result {
		err := m.uploader.Upload(ctx, task.ID, localPath, func(_ uploader.ProgressUpdate) {})
		if err == nil {
			m.commitUpload(localPath)
		}
		return scheduler.Result{Success: err == nil, Error: err}
	}, nil)
}

// commitUpload marks localPath in sync and records its inventory row
// once a chunked upload finishes. Without this the placeholder never
// leaves its dehydrated state and reconciliation has no local row to
// compare against.
func (m *Mount) commitUpload(localPath string) {
	q, err := m.adapter.Query(localPath)
	if err != nil || !q.Exists {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("query placeholder after upload")
		return
	}

	now := time.Now()
	if err := m.adapter.Update(localPath, placeholder.UpdateOpts{
		MarkInSync: true,
		Metadata:   &placeholder.MetadataOverwrite{Modified: &now, Size: &q.Size},
	}); err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("mark in sync after upload")
		return
	}

	remoteURI, err := m.mapper.LocalToRemote(localPath)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("map uploaded path")
		return
	}

	entry, err := m.store.QueryByPath(localPath)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("load inventory entry after upload")
		return
	}
	if entry == nil {
		entry = &inventory.Entry{MountID: m.id, LocalPath: localPath}
	}
	entry.RemoteURI = remoteURI
	entry.IsFolder = q.IsDir
	entry.Size = q.Size
	entry.RemoteModTime = now
	entry.Conflict = inventory.ConflictNone
	if err := m.store.Upsert(entry); err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("persist inventory entry after upload")
	}
}

// commitRemoteCreate records the inventory row for a directory (or
// file) the mount itself just created remotely via the API, using the
// server's own id/etag rather than re-deriving them locally.
func (m *Mount) commitRemoteCreate(localPath string, info *api.FileInfo) {
	if err := m.adapter.Update(localPath, placeholder.UpdateOpts{
		MarkInSync:  true,
		SetRemoteID: &info.FileID,
	}); err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("mark in sync after remote create")
	}

	entry, err := m.store.QueryByPath(localPath)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("load inventory entry after remote create")
		return
	}
	if entry == nil {
		entry = &inventory.Entry{MountID: m.id, LocalPath: localPath}
	}
	entry.RemoteURI = info.URI
	entry.RemoteFileID = info.FileID
	entry.RemoteEtag = info.Etag
	entry.IsFolder = info.IsDir
	entry.Size = info.Size
	entry.RemoteModTime = info.ModTime
	entry.Conflict = inventory.ConflictNone
	if err := m.store.Upsert(entry); err != nil {
		m.logger.Warn().Err(err).Str("path", localPath).Msg("persist inventory entry after remote create")
	}
}

// NearestPopulatedAncestor implements events.AncestorResolver by
// walking up from localPath until it finds a directory the placeholder
// adapter reports as populated, or reaches the mount root.
func (m *Mount) NearestPopulatedAncestor(localPath string) (string, bool) {
	p := filepath.Dir(localPath)
	for {
		q, err := m.adapter.Query(p)
		if err == nil && q.Exists && q.IsDir && q.Populated {
			return p, true
		}
		if p == m.localRoot || p == filepath.Dir(p) {
			return "", false
		}
		p = filepath.Dir(p)
	}
}

// RemoteToLocal implements events.PathMapper.
func (m *Mount) RemoteToLocal(remoteURI string) (string, error) {
	return m.mapper.RemoteToLocal(remoteURI)
}

func (m *Mount) invalidateProps(localPath string) {
	m.propsMu.Lock()
	delete(m.propsCache, localPath)
	m.propsMu.Unlock()
}

// QueryProps returns localPath's placeholder state, serving from the
// mount's properties cache when present and querying the adapter
// (caching the result) on a miss — the fast path an OS property-lookup
// callback hits many times per second.
func (m *Mount) QueryProps(localPath string) (placeholder.QueryResult, error) {
	m.propsMu.RLock()
	q, ok := m.propsCache[localPath]
	m.propsMu.RUnlock()
	if ok {
		return q, nil
	}

	q, err := m.adapter.Query(localPath)
	if err != nil {
		return placeholder.QueryResult{}, err
	}
	m.propsMu.Lock()
	m.propsCache[localPath] = q
	m.propsMu.Unlock()
	return q, nil
}

func schedulerPriorityForSync(mode events.SyncMode) scheduler.Priority {
	if mode == events.ModeFullHierarchy {
		return scheduler.PriorityHigh
	}
	return scheduler.PriorityNormal
}
