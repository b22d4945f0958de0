package drive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nithronsync/sync-core/api"
	"nithronsync/sync-core/config"
)

func writeEnvelope(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}{Data: raw})
}

func newTestManager(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, api.ListFilesResponse{})
	}))
	t.Cleanup(srv.Close)

	process := config.DefaultProcessConfig()
	drives := &config.DrivesFile{}
	mgr := NewManager(process, drives, t.TempDir(), zerolog.Nop())
	return mgr, srv
}

func TestAddMountBuildsAndStartsAMount(t *testing.T) {
	mgr, srv := newTestManager(t)
	root := filepath.Join(t.TempDir(), "drive-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.AddMount(ctx, &config.MountConfig{
		ID:         "a",
		ServerURL:  srv.URL,
		LocalRoot:  root,
		RemoteRoot: "cloudreve://drive-a",
	}); err != nil {
		t.Fatalf("AddMount: %v", err)
	}

	mounts := mgr.Mounts()
	if len(mounts) != 1 || mounts[0].ID() != "a" {
		t.Fatalf("expected one mount with id 'a', got %+v", mounts)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	mgr.StopAll(stopCtx)
}

func TestSearchByChildPathPicksLongestPrefix(t *testing.T) {
	mgr, srv := newTestManager(t)
	outer := filepath.Join(t.TempDir(), "outer")
	inner := filepath.Join(outer, "inner")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.AddMount(ctx, &config.MountConfig{ID: "outer", ServerURL: srv.URL, LocalRoot: outer, RemoteRoot: "cloudreve://outer"}); err != nil {
		t.Fatalf("AddMount outer: %v", err)
	}
	if err := mgr.AddMount(ctx, &config.MountConfig{ID: "inner", ServerURL: srv.URL, LocalRoot: inner, RemoteRoot: "cloudreve://inner"}); err != nil {
		t.Fatalf("AddMount inner: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		mgr.StopAll(stopCtx)
	}()

	leaf := filepath.Join(inner, "a", "b.txt")
	m, ok := mgr.SearchByChildPath(leaf)
	if !ok {
		t.Fatal("expected a mount to match")
	}
	if m.ID() != "inner" {
		t.Fatalf("expected longest-prefix match 'inner', got %q", m.ID())
	}

	outside := filepath.Join(t.TempDir(), "elsewhere", "c.txt")
	if _, ok := mgr.SearchByChildPath(outside); ok {
		t.Fatal("expected no match outside any mount root")
	}
}

func TestRemoveMountStopsAndForgetsIt(t *testing.T) {
	mgr, srv := newTestManager(t)
	root := filepath.Join(t.TempDir(), "drive-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.AddMount(ctx, &config.MountConfig{ID: "b", ServerURL: srv.URL, LocalRoot: root, RemoteRoot: "cloudreve://b"}); err != nil {
		t.Fatalf("AddMount: %v", err)
	}

	removeCtx, removeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer removeCancel()
	if err := mgr.RemoveMount(removeCtx, "b"); err != nil {
		t.Fatalf("RemoveMount: %v", err)
	}

	if len(mgr.Mounts()) != 0 {
		t.Fatal("expected no mounts after removal")
	}
	if len(mgr.drives.All()) != 0 {
		t.Fatal("expected drives registry to forget the removed mount")
	}
}
