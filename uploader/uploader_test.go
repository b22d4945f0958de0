package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nithronsync/sync-core/chunktransport"
	"nithronsync/sync-core/inventory"
	"nithronsync/sync-core/syncerr"
)

// memSource is a FileSource backed by an in-memory byte slice.
type memSource struct {
	data []byte
}

func (m *memSource) Size(localPath string) (int64, error) { return int64(len(m.data)), nil }

func (m *memSource) OpenAt(localPath string, offset int64) (io.ReadCloser, error) {
	if offset > int64(len(m.data)) {
		offset = int64(len(m.data))
	}
	return io.NopCloser(bytes.NewReader(m.data[offset:])), nil
}

// stubSessions hands back a fixed descriptor and counts deletes.
type stubSessions struct {
	desc      *SessionDescriptor
	deletes   int
	resolves  int
}

func (s *stubSessions) ResolveSession(ctx context.Context, localPath string, fileSize int64) (*SessionDescriptor, error) {
	s.resolves++
	return s.desc, nil
}

func (s *stubSessions) DeleteRemoteSession(ctx context.Context, sessionID string) error {
	s.deletes++
	return nil
}

// recordingTransport captures every chunk it receives and can be told to
// fail the first N attempts at a given index before succeeding.
type recordingTransport struct {
	mu           sync.Mutex
	received     map[int][]byte
	failFirst    map[int]int
	expireOnCall int // 1-based global call count at which to fail with KindSessionExpired; 0 disables
	expireAlways bool
	calls        int
	completed    []chunktransport.PartResult
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{received: make(map[int][]byte), failFirst: make(map[int]int)}
}

func (t *recordingTransport) UploadChunk(ctx context.Context, sess *chunktransport.Session, chunk chunktransport.Chunk, body io.Reader) (chunktransport.PartResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return chunktransport.PartResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.expireAlways || (t.expireOnCall != 0 && t.calls == t.expireOnCall) {
		return chunktransport.PartResult{}, syncerr.New(syncerr.KindSessionExpired, "session expired")
	}
	if remaining := t.failFirst[chunk.Index]; remaining > 0 {
		t.failFirst[chunk.Index] = remaining - 1
		return chunktransport.PartResult{}, errors.New("injected failure")
	}
	t.received[chunk.Index] = data
	return chunktransport.PartResult{Etag: fmt.Sprintf("etag-%d", chunk.Index)}, nil
}

func (t *recordingTransport) Complete(ctx context.Context, sess *chunktransport.Session, parts []chunktransport.PartResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = parts
	return nil
}

func newTestUploader(t *testing.T, data []byte, chunkSize int64, transport *recordingTransport) (*Uploader, *inventory.Store) {
	t.Helper()
	store, err := inventory.Open(t.TempDir() + "/inventory.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	desc := &SessionDescriptor{
		SessionID:     "sess-1",
		PolicyType:    chunktransport.PolicyS3,
		ChunkSize:     chunkSize,
		UploadURLs:    []string{"http://a", "http://b", "http://c"},
		CompletionURL: "http://complete",
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	sessions := &stubSessions{desc: desc}

	factory := func(policy chunktransport.Policy, baseURL, credential string) (chunktransport.Transport, error) {
		return transport, nil
	}

	u := New(store, "mount-1", &memSource{data: data}, sessions, factory, DefaultOptions())
	return u, store
}

func TestUploadMultiChunkSuccess(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 25)
	transport := newRecordingTransport()
	u, store := newTestUploader(t, data, 10, transport)

	var lastUpdate ProgressUpdate
	err := u.Upload(context.Background(), "task-1", "/file.bin", func(p ProgressUpdate) { lastUpdate = p })
	require.NoError(t, err)

	assert.Len(t, transport.received, 3)
	assert.EqualValues(t, 3, lastUpdate.CompletedChunks)
	assert.EqualValues(t, 3, lastUpdate.TotalChunks)
	assert.EqualValues(t, len(data), lastUpdate.Uploaded)

	sess, err := store.GetSession("/file.bin")
	require.NoError(t, err)
	assert.Nil(t, sess, "expected session deleted after completion")
}

func TestUploadResumesFromPartialSession(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 25)
	transport := newRecordingTransport()
	u, store := newTestUploader(t, data, 10, transport)

	seeded := &inventory.UploadSession{
		LocalPath:     "/file.bin",
		SessionID:     "sess-1",
		TaskID:        "task-1",
		MountID:       "mount-1",
		PolicyType:    string(chunktransport.PolicyS3),
		ChunkSize:     10,
		FileSize:      25,
		UploadURLs:    []string{"http://a", "http://b", "http://c"},
		CompletionURL: "http://complete",
		ChunkProgress: []inventory.ChunkProgress{{Index: 0, LoadedBytes: 10, Etag: "etag-0"}},
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, store.UpsertSession(seeded), "seed session")

	err := u.Upload(context.Background(), "task-1", "/file.bin", func(ProgressUpdate) {})
	require.NoError(t, err)

	_, reuploaded := transport.received[0]
	assert.False(t, reuploaded, "chunk 0 should not have been re-uploaded")
	assert.Len(t, transport.received, 2, "expected only the 2 remaining chunks uploaded")
}

func TestUploadRetriesThenSucceedsWithoutDoubleCounting(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 10)
	transport := newRecordingTransport()
	transport.failFirst[0] = 2
	u, _ := newTestUploader(t, data, 10, transport)
	u.opts.BaseDelay = time.Millisecond
	u.opts.MaxDelay = time.Millisecond

	var lastUpdate ProgressUpdate
	err := u.Upload(context.Background(), "task-1", "/file.bin", func(p ProgressUpdate) { lastUpdate = p })
	require.NoError(t, err)
	assert.EqualValues(t, len(data), lastUpdate.Uploaded, "expected uploaded == total after retries settle")
}

func TestUploadCancellationMidChunkLeavesSessionIntact(t *testing.T) {
	data := bytes.Repeat([]byte("w"), 30)
	transport := newRecordingTransport()
	transport.failFirst[1] = 1000 // chunk 1 never succeeds
	u, store := newTestUploader(t, data, 10, transport)
	u.opts.BaseDelay = 50 * time.Millisecond
	u.opts.MaxDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := u.Upload(ctx, "task-1", "/file.bin", func(ProgressUpdate) {})
	require.Error(t, err, "expected cancellation error")

	sess, err := store.GetSession("/file.bin")
	require.NoError(t, err)
	assert.NotNil(t, sess, "expected session to survive cancellation")
}

func TestUploadDeletesExpiredSessionAndRecreates(t *testing.T) {
	data := bytes.Repeat([]byte("v"), 10)
	transport := newRecordingTransport()
	u, store := newTestUploader(t, data, 10, transport)

	stale := &inventory.UploadSession{
		LocalPath:  "/file.bin",
		SessionID:  "old-sess",
		MountID:    "mount-1",
		PolicyType: string(chunktransport.PolicyS3),
		ChunkSize:  10,
		FileSize:   10,
		ExpiresAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.UpsertSession(stale), "seed stale session")

	sessions := u.sessions.(*stubSessions)
	require.NoError(t, u.Upload(context.Background(), "task-1", "/file.bin", func(ProgressUpdate) {}))
	assert.Equal(t, 1, sessions.deletes, "expected the expired remote session to be torn down")
	assert.Equal(t, 1, sessions.resolves, "expected exactly one new session resolve")
}

func TestUploadRestartsOnceAfterSessionExpiresThenSucceeds(t *testing.T) {
	data := bytes.Repeat([]byte("u"), 25) // 3 chunks of size 10
	transport := newRecordingTransport()
	transport.expireOnCall = 2 // chunk 0 of the first attempt succeeds, chunk 1 expires the session
	u, store := newTestUploader(t, data, 10, transport)

	sessions := u.sessions.(*stubSessions)
	err := u.Upload(context.Background(), "task-1", "/file.bin", func(ProgressUpdate) {})
	require.NoError(t, err)

	assert.Len(t, transport.received, 3, "expected every chunk to land after the restart")
	assert.Equal(t, 2, sessions.resolves, "expected one resolve for the original session and one for the restart")
	assert.Equal(t, 1, sessions.deletes, "expected the expired session torn down exactly once")

	sess, err := store.GetSession("/file.bin")
	require.NoError(t, err)
	assert.Nil(t, sess, "expected session deleted after completion")
}

func TestUploadFailsPermanentlyOnSecondSessionExpiry(t *testing.T) {
	data := bytes.Repeat([]byte("t"), 25)
	transport := newRecordingTransport()
	transport.expireAlways = true
	u, _ := newTestUploader(t, data, 10, transport)

	sessions := u.sessions.(*stubSessions)
	err := u.Upload(context.Background(), "task-1", "/file.bin", func(ProgressUpdate) {})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindSessionExpired, syncerr.KindOf(err))
	assert.Equal(t, 2, sessions.resolves, "expected exactly one restart attempt before giving up")
	assert.Equal(t, 1, sessions.deletes)
}
