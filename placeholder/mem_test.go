package placeholder

import (
	"testing"

	"nithronsync/sync-core/syncerr"
)

func TestCreatePlaceholderCollision(t *testing.T) {
	a := NewMemAdapter()
	if err := a.CreatePlaceholder("/drive", "file.txt", Attrs{}, false, 10, "r1"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	err := a.CreatePlaceholder("/drive", "file.txt", Attrs{}, false, 10, "r2")
	if syncerr.KindOf(err) != syncerr.KindNameCollision {
		t.Fatalf("expected NameCollision, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	a := NewMemAdapter()
	path := "/drive/report.txt"
	if err := a.CreatePlaceholder("/drive", "report.txt", Attrs{}, false, 8192, "r1"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}

	q, err := a.Query(path)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if Classify(q) != StateDehydrated {
		t.Fatalf("expected dehydrated, got %s", Classify(q))
	}

	ticket, err := a.HydrateRange(path, 0, 4096)
	if err != nil {
		t.Fatalf("HydrateRange: %v", err)
	}
	if err := ticket.WriteAt(make([]byte, 4096), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	q, _ = a.Query(path)
	if Classify(q) != StatePartial {
		t.Fatalf("expected partial after partial hydration, got %s", Classify(q))
	}

	ticket2, err := a.HydrateRange(path, 4096, 8192)
	if err != nil {
		t.Fatalf("HydrateRange: %v", err)
	}
	if err := ticket2.WriteAt(make([]byte, 4096), 4096); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	q, _ = a.Query(path)
	if q.PartialOnDisk {
		t.Fatalf("expected fully hydrated, not partial: %+v", q)
	}

	if err := a.Update(path, UpdateOpts{MarkInSync: true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	q, _ = a.Query(path)
	if Classify(q) != StateInSync {
		t.Fatalf("expected in-sync, got %s", Classify(q))
	}
}

func TestHydrateRangeRejectsOutOfOrder(t *testing.T) {
	a := NewMemAdapter()
	path := "/drive/f.bin"
	if err := a.CreatePlaceholder("/drive", "f.bin", Attrs{}, false, 8192, "r1"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	ticket, err := a.HydrateRange(path, 0, 8192)
	if err != nil {
		t.Fatalf("HydrateRange: %v", err)
	}
	if err := ticket.WriteAt(make([]byte, 4096), 4096); err == nil {
		t.Fatal("expected error writing out of order")
	}
}

func TestExclusiveOpenConflict(t *testing.T) {
	a := NewMemAdapter()
	path := "/drive/f.txt"
	if err := a.CreatePlaceholder("/drive", "f.txt", Attrs{}, false, 10, "r1"); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	h1, err := a.Open(path, ModeWrite, Exclusive)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h1.Close()

	_, err = a.Open(path, ModeWrite, Exclusive)
	if syncerr.KindOf(err) != syncerr.KindLockConflict {
		t.Fatalf("expected LockConflict on second exclusive open, got %v", err)
	}
}

func TestRenameMovesSubtree(t *testing.T) {
	a := NewMemAdapter()
	if err := a.CreatePlaceholder("/drive", "dir", Attrs{}, true, 0, "r1"); err != nil {
		t.Fatalf("CreatePlaceholder dir: %v", err)
	}
	if err := a.CreatePlaceholder("/drive/dir", "a.txt", Attrs{}, false, 1, "r2"); err != nil {
		t.Fatalf("CreatePlaceholder a.txt: %v", err)
	}
	if err := a.Rename("/drive/dir", "/drive/dir2"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	q, _ := a.Query("/drive/dir2/a.txt")
	if !q.Exists {
		t.Fatal("expected child to move with renamed parent")
	}
	q, _ = a.Query("/drive/dir/a.txt")
	if q.Exists {
		t.Fatal("expected old child path to be gone")
	}
}
