package mount

import (
	"context"
	"encoding/json"
	"hash/adler32"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nithronsync/sync-core/api"
	"nithronsync/sync-core/internal/ignore"
	"nithronsync/sync-core/inventory"
	"nithronsync/sync-core/pathmap"
	"nithronsync/sync-core/placeholder"
	"nithronsync/sync-core/scheduler"
	"nithronsync/sync-core/watcher"
)

type fakeAPIConfig struct {
	serverURL string
}

func (f *fakeAPIConfig) ServerURL() string                          { return f.serverURL }
func (f *fakeAPIConfig) AccessToken() string                        { return "tok" }
func (f *fakeAPIConfig) RefreshToken() string                       { return "refresh" }
func (f *fakeAPIConfig) DeviceID() string                           { return "dev" }
func (f *fakeAPIConfig) SetTokens(access, refresh string) error     { return nil }

func writeEnvelope(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}{Data: raw})
}

// newMountHarness builds a Mount whose remote listing is empty (one
// page, no more) so Reconcile calls made from within handlers settle
// immediately, and whose local root already exists as a populated
// placeholder directory.
func newMountHarness(t *testing.T, handlers map[string]http.HandlerFunc) (*Mount, *inventory.Store, *placeholder.MemAdapter) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := handlers[r.URL.Path]; ok {
			h(w, r)
			return
		}
		writeEnvelope(w, api.ListFilesResponse{})
	}))
	t.Cleanup(srv.Close)

	root := filepath.Join(t.TempDir(), "drive")
	adapter := placeholder.NewMemAdapter()
	if err := adapter.CreatePlaceholder(filepath.Dir(root), filepath.Base(root), placeholder.Attrs{}, true, 0, "root-id"); err != nil {
		t.Fatalf("CreatePlaceholder root: %v", err)
	}
	if err := adapter.Update(root, placeholder.UpdateOpts{MarkHasChildren: true}); err != nil {
		t.Fatalf("Update root: %v", err)
	}

	mapper, err := pathmap.New(root, "cloudreve://drive")
	if err != nil {
		t.Fatalf("pathmap.New: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "inv.db")
	store, err := inventory.Open(dbPath)
	if err != nil {
		t.Fatalf("inventory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := api.NewClient(&fakeAPIConfig{serverURL: srv.URL}, mapper)

	m := New(Deps{
		ID:         "m1",
		LocalRoot:  root,
		Credential: "mount-credential",
		Store:      store,
		Adapter:    adapter,
		Mapper:     mapper,
		Ignore:     ignore.New(nil),
		Client:     client,
		Scheduler:  scheduler.New(1, 10),
		Logger:     zerolog.Nop(),
	})
	return m, store, adapter
}

func TestNearestPopulatedAncestorFindsPopulatedDir(t *testing.T) {
	m, _, adapter := newMountHarness(t, nil)
	root := m.LocalRoot()

	child := filepath.Join(root, "docs")
	if err := adapter.CreatePlaceholder(root, "docs", placeholder.Attrs{}, true, 0, "docs-id"); err != nil {
		t.Fatalf("CreatePlaceholder docs: %v", err)
	}
	// docs is not yet marked populated; its own child has never been listed.
	leaf := filepath.Join(child, "notes.txt")

	ancestor, ok := m.NearestPopulatedAncestor(leaf)
	if !ok {
		t.Fatal("expected to find a populated ancestor")
	}
	if ancestor != root {
		t.Fatalf("expected root %q, got %q", root, ancestor)
	}
}

func TestNearestPopulatedAncestorNoneFound(t *testing.T) {
	m, _, _ := newMountHarness(t, nil)
	outside := filepath.Join(t.TempDir(), "elsewhere", "file.txt")

	if _, ok := m.NearestPopulatedAncestor(outside); ok {
		t.Fatal("expected no populated ancestor outside the mount root")
	}
}

func TestHandleRenameUpdatesPlaceholderAndInventory(t *testing.T) {
	var sawRename bool
	m, store, adapter := newMountHarness(t, map[string]http.HandlerFunc{
		"/api/v1/file/rename": func(w http.ResponseWriter, r *http.Request) {
			sawRename = true
			writeEnvelope(w, nil)
		},
	})
	root := m.LocalRoot()

	src := filepath.Join(root, "a.txt")
	dst := filepath.Join(root, "b.txt")
	if err := adapter.CreatePlaceholder(root, "a.txt", placeholder.Attrs{}, false, 10, "f1"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	entry := &inventory.Entry{MountID: "m1", LocalPath: src, RemoteFileID: "f1"}
	if err := store.Upsert(entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reply := make(chan error, 1)
	m.handleRename(context.Background(), &RenameCommand{Src: src, Dst: dst, Reply: reply})
	if err := <-reply; err != nil {
		t.Fatalf("handleRename: %v", err)
	}
	if !sawRename {
		t.Fatal("expected remote rename endpoint to be called")
	}

	moved, err := store.QueryByPath(dst)
	if err != nil {
		t.Fatalf("QueryByPath: %v", err)
	}
	if moved == nil {
		t.Fatal("expected inventory entry at destination path")
	}

	q, err := adapter.Query(dst)
	if err != nil {
		t.Fatalf("Query placeholder: %v", err)
	}
	if !q.Exists {
		t.Fatal("expected placeholder to exist at destination path")
	}
}

func TestHandleRenameRejectsCrossMount(t *testing.T) {
	m, _, adapter := newMountHarness(t, nil)
	root := m.LocalRoot()
	src := filepath.Join(root, "a.txt")
	if err := adapter.CreatePlaceholder(root, "a.txt", placeholder.Attrs{}, false, 0, "f1"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}

	reply := make(chan error, 1)
	m.handleRename(context.Background(), &RenameCommand{Src: src, Dst: "/somewhere/else/a.txt", Reply: reply})
	if err := <-reply; err == nil {
		t.Fatal("expected cross-mount rename to fail")
	}
}

func TestHandleProcessFsEventsDeletesRemoteAndInventory(t *testing.T) {
	var deletedPaths []string
	m, store, _ := newMountHarness(t, map[string]http.HandlerFunc{
		"/api/v1/file/delete": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Paths []string `json:"paths"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			deletedPaths = body.Paths
			writeEnvelope(w, nil)
		},
	})
	root := m.LocalRoot()
	target := filepath.Join(root, "gone.txt")
	if err := store.Upsert(&inventory.Entry{MountID: "m1", LocalPath: target}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reply := make(chan error, 1)
	m.handleProcessFsEvents(context.Background(), &ProcessFsEventsCommand{
		Grouped: map[watcher.Operation][]string{watcher.OpRemove: {target}},
		Reply:   reply,
	})
	if err := <-reply; err != nil {
		t.Fatalf("handleProcessFsEvents: %v", err)
	}
	if len(deletedPaths) != 1 {
		t.Fatalf("expected one remote delete call, got %v", deletedPaths)
	}

	e, err := store.QueryByPath(target)
	if err != nil {
		t.Fatalf("QueryByPath: %v", err)
	}
	if e != nil {
		t.Fatal("expected inventory entry to be removed")
	}
}

func TestResolveConflictDuplicateSealsRecordAndRenames(t *testing.T) {
	m, store, adapter := newMountHarness(t, nil)
	root := m.LocalRoot()
	original := filepath.Join(root, "report.docx")
	if err := adapter.CreatePlaceholder(root, "report.docx", placeholder.Attrs{}, false, 5, "f9"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	entry := &inventory.Entry{
		MountID:      "m1",
		LocalPath:    original,
		RemoteFileID: "f9",
		RemoteEtag:   "etag-1",
		Conflict:     inventory.ConflictDuplicatePending,
	}
	if err := store.Upsert(entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reply := make(chan error, 1)
	m.handleResolveConflict(context.Background(), &ResolveConflictCommand{
		LocalPath: original,
		Action:    ConflictDuplicate,
		Reply:     reply,
	})
	if err := <-reply; err != nil {
		t.Fatalf("handleResolveConflict: %v", err)
	}

	dupPath := filepath.Join(root, "report (conflicted copy).docx")
	dup, err := store.QueryByPath(dupPath)
	if err != nil {
		t.Fatalf("QueryByPath dup: %v", err)
	}
	if dup == nil {
		t.Fatal("expected a duplicate inventory entry")
	}
	if dup.Conflict != inventory.ConflictNone {
		t.Fatalf("expected duplicate entry to clear conflict state, got %v", dup.Conflict)
	}
	if dup.PropsJSON == "" {
		t.Fatal("expected duplicate entry to carry a sealed conflict record")
	}

	rec, err := openConflictRecord(m.credential, dup.PropsJSON)
	if err != nil {
		t.Fatalf("openConflictRecord: %v", err)
	}
	if rec.OriginalPath != original || rec.RemoteFileID != "f9" || rec.RemoteEtag != "etag-1" {
		t.Fatalf("unexpected sealed record: %+v", rec)
	}
	if rec.DuplicatedAt.After(time.Now()) {
		t.Fatalf("unexpected future timestamp: %v", rec.DuplicatedAt)
	}

	q, err := adapter.Query(dupPath)
	if err != nil {
		t.Fatalf("Query dup placeholder: %v", err)
	}
	if !q.Exists {
		t.Fatal("expected duplicate placeholder to exist on disk")
	}
}

func TestRecordLocalChecksumPersistsBaselineAfterFullHydration(t *testing.T) {
	m, store, adapter := newMountHarness(t, nil)
	root := m.LocalRoot()
	local := filepath.Join(root, "blob.bin")
	content := []byte("hydrated content bytes")

	if err := adapter.CreatePlaceholder(root, "blob.bin", placeholder.Attrs{}, false, int64(len(content)), "f-blob"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	h, err := adapter.Open(local, placeholder.ModeWrite, placeholder.Exclusive)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	if _, err := h.WriteAt(content, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := adapter.Update(local, placeholder.UpdateOpts{MarkInSync: true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Upsert(&inventory.Entry{MountID: "m1", LocalPath: local, RemoteFileID: "f-blob", Size: int64(len(content))}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	m.recordLocalChecksum(local, int64(len(content)))

	e, err := store.QueryByPath(local)
	if err != nil || e == nil {
		t.Fatalf("QueryByPath: %v, %+v", err, e)
	}
	if want := adler32.Checksum(content); e.LocalChecksum != want {
		t.Fatalf("expected checksum %d, got %d", want, e.LocalChecksum)
	}
}

func TestRecordLocalChecksumSkipsEntryNotFullyInSync(t *testing.T) {
	m, store, adapter := newMountHarness(t, nil)
	root := m.LocalRoot()
	local := filepath.Join(root, "partial.bin")

	if err := adapter.CreatePlaceholder(root, "partial.bin", placeholder.Attrs{}, false, 10, "f-partial"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	// Never marked in-sync: still a plain dehydrated placeholder.
	if err := store.Upsert(&inventory.Entry{MountID: "m1", LocalPath: local, RemoteFileID: "f-partial", Size: 10}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	m.recordLocalChecksum(local, 10)

	e, err := store.QueryByPath(local)
	if err != nil || e == nil {
		t.Fatalf("QueryByPath: %v, %+v", err, e)
	}
	if e.LocalChecksum != 0 {
		t.Fatalf("expected no checksum recorded for a non-in-sync entry, got %d", e.LocalChecksum)
	}
}

func TestCommitUploadMarksInSyncAndUpsertsInventory(t *testing.T) {
	m, store, adapter := newMountHarness(t, nil)
	root := m.LocalRoot()
	local := filepath.Join(root, "report.csv")
	content := []byte("a,b,c\n1,2,3\n")

	if err := adapter.CreatePlaceholder(root, "report.csv", placeholder.Attrs{}, false, int64(len(content)), "f-report"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	h, err := adapter.Open(local, placeholder.ModeWrite, placeholder.Exclusive)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	if _, err := h.WriteAt(content, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m.commitUpload(local)

	q, err := adapter.Query(local)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !q.InSync {
		t.Fatal("expected placeholder to be marked in-sync after a successful upload")
	}

	e, err := store.QueryByPath(local)
	if err != nil || e == nil {
		t.Fatalf("QueryByPath: %v, %+v", err, e)
	}
	if e.Size != int64(len(content)) {
		t.Fatalf("expected size %d, got %d", len(content), e.Size)
	}
	if e.RemoteURI == "" {
		t.Fatal("expected a remote uri to be recorded")
	}
}

func TestIsLocalDirDistinguishesFilesFromDirectories(t *testing.T) {
	m, _, adapter := newMountHarness(t, nil)
	root := m.LocalRoot()

	dir := filepath.Join(root, "subdir")
	if err := adapter.CreatePlaceholder(root, "subdir", placeholder.Attrs{}, true, 0, "d-subdir"); err != nil {
		t.Fatalf("CreatePlaceholder dir: %v", err)
	}
	file := filepath.Join(root, "note.txt")
	if err := adapter.CreatePlaceholder(root, "note.txt", placeholder.Attrs{}, false, 4, "f-note"); err != nil {
		t.Fatalf("CreatePlaceholder file: %v", err)
	}

	if !m.isLocalDir(dir) {
		t.Fatal("expected subdir to be reported as a directory")
	}
	if m.isLocalDir(file) {
		t.Fatal("expected note.txt not to be reported as a directory")
	}
}

func TestCreateRemoteDirPropagatesDirectoryAndUpsertsInventory(t *testing.T) {
	var gotBody map[string]any
	m, store, adapter := newMountHarness(t, map[string]http.HandlerFunc{
		"/api/v1/file": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			writeEnvelope(w, api.FileInfo{
				URI:    "cloudreve://drive/new-folder",
				Name:   "new-folder",
				IsDir:  true,
				FileID: "d-new",
				Etag:   "etag-new",
			})
		},
	})
	root := m.LocalRoot()
	local := filepath.Join(root, "new-folder")
	if err := adapter.CreatePlaceholder(root, "new-folder", placeholder.Attrs{}, true, 0, ""); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}

	if err := m.createRemoteDir(context.Background(), local); err != nil {
		t.Fatalf("createRemoteDir: %v", err)
	}

	if gotBody["is_dir"] != true {
		t.Fatalf("expected is_dir=true in request body, got %+v", gotBody)
	}

	q, err := adapter.Query(local)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !q.InSync {
		t.Fatal("expected directory placeholder to be marked in-sync")
	}

	e, err := store.QueryByPath(local)
	if err != nil || e == nil {
		t.Fatalf("QueryByPath: %v, %+v", err, e)
	}
	if e.RemoteFileID != "d-new" || !e.IsFolder {
		t.Fatalf("expected folder entry with remote id d-new, got %+v", e)
	}
}
