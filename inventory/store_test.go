package inventory

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "inventory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndQuery(t *testing.T) {
	s := openTestStore(t)

	e := &Entry{
		MountID:   "mount-1",
		LocalPath: "/drive/docs/a.txt",
		RemoteURI: "cloudreve://drive/docs/a.txt",
		Size:      42,
		Metadata:  map[string]string{"k": "v"},
	}
	if err := s.Upsert(e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.QueryByPath("/drive/docs/a.txt")
	if err != nil {
		t.Fatalf("QueryByPath: %v", err)
	}
	if got == nil || got.Size != 42 || got.Metadata["k"] != "v" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	// Upsert again with changed fields should overwrite, not duplicate.
	e.Size = 99
	if err := s.Upsert(e); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	all, err := s.QueryByMount("mount-1")
	if err != nil {
		t.Fatalf("QueryByMount: %v", err)
	}
	if len(all) != 1 || all[0].Size != 99 {
		t.Fatalf("expected a single updated entry, got %+v", all)
	}
}

func TestBatchDeleteByPathDescendants(t *testing.T) {
	s := openTestStore(t)

	paths := []string{
		"/drive/folder",
		"/drive/folder/a.txt",
		"/drive/folder/sub/b.txt",
		"/drive/other.txt",
	}
	var entries []Entry
	for _, p := range paths {
		entries = append(entries, Entry{MountID: "m", LocalPath: p})
	}
	if err := s.BatchInsert(entries); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	if err := s.BatchDeleteByPath([]string{"/drive/folder"}); err != nil {
		t.Fatalf("BatchDeleteByPath: %v", err)
	}

	remaining, err := s.QueryByMount("m")
	if err != nil {
		t.Fatalf("QueryByMount: %v", err)
	}
	if len(remaining) != 1 || remaining[0].LocalPath != "/drive/other.txt" {
		t.Fatalf("expected only /drive/other.txt to remain, got %+v", remaining)
	}
}

func TestRenamePathMovesSubtree(t *testing.T) {
	s := openTestStore(t)

	entries := []Entry{
		{MountID: "m", LocalPath: "/drive/old"},
		{MountID: "m", LocalPath: "/drive/old/a.txt"},
		{MountID: "m", LocalPath: "/drive/old/sub/b.txt"},
		{MountID: "m", LocalPath: "/drive/oldish"}, // must NOT be affected
	}
	if err := s.BatchInsert(entries); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	if err := s.RenamePath("/drive/old", "/drive/new"); err != nil {
		t.Fatalf("RenamePath: %v", err)
	}

	all, err := s.QueryByMount("m")
	if err != nil {
		t.Fatalf("QueryByMount: %v", err)
	}
	got := map[string]bool{}
	for _, e := range all {
		got[e.LocalPath] = true
	}
	want := []string{"/drive/new", "/drive/new/a.txt", "/drive/new/sub/b.txt", "/drive/oldish"}
	for _, w := range want {
		if !got[w] {
			t.Errorf("expected path %s to exist after rename, got set %v", w, got)
		}
	}
	if got["/drive/old"] || got["/drive/old/a.txt"] {
		t.Errorf("old paths should not survive rename: %v", got)
	}
}

func TestQueryByParentNonRecursive(t *testing.T) {
	s := openTestStore(t)

	entries := []Entry{
		{MountID: "m", LocalPath: "/drive/folder"},
		{MountID: "m", LocalPath: "/drive/folder/a.txt"},
		{MountID: "m", LocalPath: "/drive/folder/sub"},
		{MountID: "m", LocalPath: "/drive/folder/sub/b.txt"},
		{MountID: "m", LocalPath: "/drive/other.txt"},
	}
	if err := s.BatchInsert(entries); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	children, err := s.QueryByParent("m", "/drive/folder")
	if err != nil {
		t.Fatalf("QueryByParent: %v", err)
	}
	got := map[string]bool{}
	for _, c := range children {
		got[c.LocalPath] = true
	}
	if len(got) != 2 || !got["/drive/folder/a.txt"] || !got["/drive/folder/sub"] {
		t.Fatalf("expected exactly the direct children, got %+v", got)
	}
	if got["/drive/folder/sub/b.txt"] {
		t.Fatalf("QueryByParent must not return grandchildren: %+v", got)
	}
}

func TestQueryByFileID(t *testing.T) {
	s := openTestStore(t)

	e := &Entry{MountID: "m", LocalPath: "/drive/a.txt", RemoteFileID: "file-123"}
	if err := s.Upsert(e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.QueryByFileID("m", "file-123")
	if err != nil {
		t.Fatalf("QueryByFileID: %v", err)
	}
	if got == nil || got.LocalPath != "/drive/a.txt" {
		t.Fatalf("unexpected lookup result: %+v", got)
	}

	if got, err := s.QueryByFileID("m", "nonexistent"); err != nil || got != nil {
		t.Fatalf("expected nil for unknown file id, got %+v err=%v", got, err)
	}
}

func TestMarkConflict(t *testing.T) {
	s := openTestStore(t)
	e := &Entry{MountID: "m", LocalPath: "/drive/x.txt"}
	if err := s.Upsert(e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.MarkConflict("/drive/x.txt", ConflictDuplicatePending); err != nil {
		t.Fatalf("MarkConflict: %v", err)
	}
	got, err := s.QueryByPath("/drive/x.txt")
	if err != nil {
		t.Fatalf("QueryByPath: %v", err)
	}
	if got.Conflict != ConflictDuplicatePending {
		t.Fatalf("expected conflict state to stick, got %q", got.Conflict)
	}
}

func TestUploadSessionRoundTripAndExpiry(t *testing.T) {
	s := openTestStore(t)

	u := &UploadSession{
		LocalPath:     "/drive/big.bin",
		SessionID:     "sess-1",
		TaskID:        "task-1",
		MountID:       "m",
		PolicyType:    "s3",
		ChunkSize:     1 << 20,
		FileSize:      3 << 20,
		ChunkProgress: []ChunkProgress{{Index: 0, LoadedBytes: 1 << 20, Etag: "abc"}},
		UploadURLs:    []string{"https://example.com/1", "https://example.com/2"},
		ExpiresAt:     time.Now().Add(-time.Minute), // already expired
	}
	if err := s.UpsertSession(u); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession("/drive/big.bin")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.LoadedBytes() != 1<<20 {
		t.Fatalf("LoadedBytes = %d, want %d", got.LoadedBytes(), int64(1<<20))
	}
	if len(got.UploadURLs) != 2 {
		t.Fatalf("expected 2 upload urls, got %v", got.UploadURLs)
	}
	if !got.Expired(time.Now()) {
		t.Fatal("expected session to report expired")
	}

	n, err := s.DeleteExpiredSessions(time.Now())
	if err != nil {
		t.Fatalf("DeleteExpiredSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired session removed, got %d", n)
	}

	got, err = s.GetSession("/drive/big.bin")
	if err != nil {
		t.Fatalf("GetSession after delete: %v", err)
	}
	if got != nil {
		t.Fatal("expected session to be gone after DeleteExpiredSessions")
	}
}
