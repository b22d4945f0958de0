// Package reconcile implements the sync reconciler (C8): given a local
// directory, diff its remote listing against the inventory and bring
// the placeholder filesystem and inventory into agreement.
//
// Grounded on engine.go's processRemoteChange three-way classification
// (created/modified → fetch or conflict-check, deleted → remove,
// moved → rename-or-redownload), generalized from a single flat
// per-file change feed into a per-directory three-set diff
// (remote_only/local_only/both) against a paginated listing, since the
// object-store namespace here is hierarchical and populated on demand
// rather than a flat share mirrored in full up front.
package reconcile

import (
	"context"
	"fmt"
	"hash/adler32"
	"io"
	"path/filepath"
	"time"

	"nithronsync/sync-core/internal/ignore"
	"nithronsync/sync-core/inventory"
	"nithronsync/sync-core/pathmap"
	"nithronsync/sync-core/placeholder"
)

// Mode selects how much of a subtree one Reconcile call covers.
type Mode int

const (
	// ModePathOnly diffs exactly one directory, non-recursively.
	ModePathOnly Mode = iota
	// ModeFullHierarchy recurses into every already-populated child
	// directory after diffing the given one.
	ModeFullHierarchy
)

// RemoteEntry is one row of a directory's remote listing.
type RemoteEntry struct {
	Name      string
	IsDir     bool
	IsSymlink bool
	Size      int64
	Etag      string
	FileID    string
	ModTime   time.Time
}

// RemoteLister lists a remote directory's immediate children, one page
// at a time. ListDir is called repeatedly with the token from the
// previous call until more is false.
type RemoteLister interface {
	ListDir(ctx context.Context, remoteURI, pageToken string) (entries []RemoteEntry, nextToken string, more bool, err error)
}

// Reconciler diffs one mount's directories against its remote listing.
type Reconciler struct {
	mountID string
	store   *inventory.Store
	adapter placeholder.Adapter
	lister  RemoteLister
	mapper  *pathmap.Mapper
	ignore  *ignore.Matcher
}

// New builds a Reconciler for mountID.
func New(mountID string, store *inventory.Store, adapter placeholder.Adapter, lister RemoteLister, mapper *pathmap.Mapper, ignore *ignore.Matcher) *Reconciler {
	return &Reconciler{mountID: mountID, store: store, adapter: adapter, lister: lister, mapper: mapper, ignore: ignore}
}

// Reconcile diffs localDir (which must already exist as a populated or
// about-to-be-populated placeholder directory) against its remote
// listing and applies the three-set policy: creates placeholders for
// remote_only entries, applies the tombstone policy to local_only
// entries, and updates-or-renames both entries. It then flips
// mark-has-children on localDir, committing it as populated. In
// ModeFullHierarchy it recurses into every child directory that was
// already populated before this call.
func (r *Reconciler) Reconcile(ctx context.Context, localDir string, mode Mode) error {
	remoteURI, err := r.mapper.LocalToRemote(localDir)
	if err != nil {
		return fmt.Errorf("reconcile: map %s to remote: %w", localDir, err)
	}

	remoteEntries, err := r.listAll(ctx, remoteURI)
	if err != nil {
		return fmt.Errorf("reconcile: list %s: %w", remoteURI, err)
	}

	localEntries, err := r.store.QueryByParent(r.mountID, localDir)
	if err != nil {
		return fmt.Errorf("reconcile: query children of %s: %w", localDir, err)
	}

	remoteByName := make(map[string]RemoteEntry, len(remoteEntries))
	for _, re := range remoteEntries {
		if re.IsSymlink {
			continue
		}
		rel, err := filepath.Rel(r.mapper.LocalRoot(), filepath.Join(localDir, re.Name))
		if err != nil {
			continue
		}
		if r.ignore.IsMatch(rel, re.IsDir) {
			continue
		}
		remoteByName[re.Name] = re
	}

	localByName := make(map[string]inventory.Entry, len(localEntries))
	for _, e := range localEntries {
		localByName[filepath.Base(e.LocalPath)] = e
	}

	var recurseInto []string

	for name, re := range remoteByName {
		localPath := filepath.Join(localDir, name)

		le, existedLocally := localByName[name]
		switch {
		case existedLocally:
			if err := r.reconcileBoth(localPath, le, re); err != nil {
				return err
			}
		default:
			if renamed, err := r.reconcileRename(localDir, localPath, re); err != nil {
				return err
			} else if !renamed {
				if err := r.createRemoteOnly(localDir, localPath, re); err != nil {
					return err
				}
			}
		}

		if mode == ModeFullHierarchy && re.IsDir {
			q, err := r.adapter.Query(localPath)
			if err == nil && q.Exists && q.Populated {
				recurseInto = append(recurseInto, localPath)
			}
		}
	}

	for name, le := range localByName {
		if _, stillRemote := remoteByName[name]; stillRemote {
			continue
		}
		if err := r.tombstone(le); err != nil {
			return err
		}
	}

	if err := r.adapter.Update(localDir, placeholder.UpdateOpts{MarkHasChildren: true}); err != nil {
		return fmt.Errorf("reconcile: mark %s populated: %w", localDir, err)
	}

	if mode != ModeFullHierarchy {
		return nil
	}
	for _, child := range recurseInto {
		if err := r.Reconcile(ctx, child, mode); err != nil {
			return err
		}
	}
	return nil
}

// listAll drains the paginated listing to completion.
func (r *Reconciler) listAll(ctx context.Context, remoteURI string) ([]RemoteEntry, error) {
	var all []RemoteEntry
	token := ""
	for {
		page, next, more, err := r.lister.ListDir(ctx, remoteURI, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if !more {
			return all, nil
		}
		token = next
	}
}

// reconcileBoth handles an entry present both locally and remotely at
// the same name: differing etag updates metadata and marks the
// placeholder out of sync; matching etag is a no-op.
//
// Before trusting a changed etag, an already-hydrated entry with a
// recorded checksum gets a cheap adler32 equality pre-check against its
// bytes on disk. A match means the local copy hasn't drifted since the
// last confirmed sync, so the etag change is purely remote-side and
// safe to apply. A mismatch means the local copy changed without going
// through the upload path (the watcher missed it, or the write raced
// the reconcile) — that's flagged as a conflict instead of silently
// overwritten, reusing the same duplicate-pending disposition the
// upload path's lock-conflict case leaves behind.
func (r *Reconciler) reconcileBoth(localPath string, le inventory.Entry, re RemoteEntry) error {
	if le.RemoteEtag == re.Etag {
		return nil
	}

	if le.LocalChecksum != 0 {
		if sum, ok := r.localChecksum(localPath, le.Size); ok && sum != le.LocalChecksum {
			le.Conflict = inventory.ConflictDuplicatePending
			return r.store.Upsert(&le)
		}
	}

	modTime := re.ModTime
	if err := r.adapter.Update(localPath, placeholder.UpdateOpts{
		ClearInSync: true,
		Metadata:    &placeholder.MetadataOverwrite{Modified: &modTime, Size: &re.Size},
	}); err != nil {
		return fmt.Errorf("reconcile: update placeholder %s: %w", localPath, err)
	}

	le.RemoteEtag = re.Etag
	le.RemoteFileID = re.FileID
	le.Size = re.Size
	le.RemoteModTime = re.ModTime
	le.IsFolder = re.IsDir
	le.LocalChecksum = 0
	return r.store.Upsert(&le)
}

// localChecksum computes the adler32 checksum of localPath's on-disk
// bytes, but only when the placeholder is fully hydrated and in sync —
// a dehydrated or partially-hydrated entry has no complete local blob
// to check, and reading one would force an unwanted hydration.
func (r *Reconciler) localChecksum(localPath string, size int64) (uint32, bool) {
	q, err := r.adapter.Query(localPath)
	if err != nil || placeholder.Classify(q) != placeholder.StateInSync {
		return 0, false
	}

	h, err := r.adapter.Open(localPath, placeholder.ModeRead, placeholder.Share)
	if err != nil {
		return 0, false
	}
	defer h.Close()

	sum := adler32.New()
	if _, err := io.Copy(sum, io.NewSectionReader(h, 0, size)); err != nil {
		return 0, false
	}
	return sum.Sum32(), true
}

// reconcileRename detects a remote rename: an entry with re's file_id
// exists locally under a different name. If found, it renames both the
// placeholder and the inventory subtree and reports handled=true;
// otherwise it reports handled=false so the caller treats re as a
// fresh remote_only entry.
func (r *Reconciler) reconcileRename(localDir, newPath string, re RemoteEntry) (handled bool, err error) {
	if re.FileID == "" {
		return false, nil
	}
	existing, err := r.store.QueryByFileID(r.mountID, re.FileID)
	if err != nil {
		return false, fmt.Errorf("reconcile: lookup file id %s: %w", re.FileID, err)
	}
	if existing == nil || existing.LocalPath == newPath {
		return false, nil
	}

	if err := r.adapter.Rename(existing.LocalPath, newPath); err != nil {
		return false, fmt.Errorf("reconcile: rename placeholder %s -> %s: %w", existing.LocalPath, newPath, err)
	}
	if err := r.store.RenamePath(existing.LocalPath, newPath); err != nil {
		return false, fmt.Errorf("reconcile: rename inventory %s -> %s: %w", existing.LocalPath, newPath, err)
	}

	existing.LocalPath = newPath
	existing.RemoteEtag = re.Etag
	existing.Size = re.Size
	existing.RemoteModTime = re.ModTime
	if err := r.store.Upsert(existing); err != nil {
		return false, err
	}
	return true, nil
}

// createRemoteOnly materializes a brand-new remote entry as a
// placeholder plus inventory row.
func (r *Reconciler) createRemoteOnly(localDir, localPath string, re RemoteEntry) error {
	remoteURI, err := r.mapper.LocalToRemote(localPath)
	if err != nil {
		return fmt.Errorf("reconcile: map %s to remote: %w", localPath, err)
	}

	attrs := placeholder.Attrs{Created: re.ModTime, Modified: re.ModTime}
	if err := r.adapter.CreatePlaceholder(localDir, re.Name, attrs, re.IsDir, re.Size, re.FileID); err != nil {
		return fmt.Errorf("reconcile: create placeholder %s: %w", localPath, err)
	}

	entry := &inventory.Entry{
		MountID:       r.mountID,
		LocalPath:     localPath,
		IsFolder:      re.IsDir,
		RemoteURI:     remoteURI,
		RemoteFileID:  re.FileID,
		RemoteEtag:    re.Etag,
		Size:          re.Size,
		RemoteModTime: re.ModTime,
	}
	return r.store.Upsert(entry)
}

// tombstone applies the local_only disposition: a non-dirty in-sync
// placeholder with no remote counterpart was deleted remotely and is
// removed locally; anything dirty, or missing from the placeholder
// filesystem entirely, is left alone for the watcher path to pick up
// (it may be a pending local creation not yet uploaded).
func (r *Reconciler) tombstone(le inventory.Entry) error {
	q, err := r.adapter.Query(le.LocalPath)
	if err != nil {
		return fmt.Errorf("reconcile: query %s: %w", le.LocalPath, err)
	}
	if !q.Exists || !q.IsPlaceholder || !q.InSync {
		return nil
	}

	if err := r.adapter.Delete(le.LocalPath); err != nil {
		return fmt.Errorf("reconcile: delete placeholder %s: %w", le.LocalPath, err)
	}
	return r.store.BatchDeleteByPath([]string{le.LocalPath})
}
