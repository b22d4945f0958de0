// Package uploader implements the chunked resumable uploader (C5): one
// instance per active upload, persisting per-chunk state to inventory so
// a crash or cancellation resumes exactly where it left off.
//
// Grounded on engine.go's uploadFile (resolve state, stream the body,
// record the outcome), generalized from a single-shot WebDAV PUT to the
// full resumable, provider-dispatched, encrypted, progress-tracked flow
// of spec.md §4.6. Per-chunk bytes are wrapped in a cryptox.Reader keyed
// by the chunk's absolute offset whenever a session carries a symmetric
// key, so retries and resumes re-derive the same keystream position
// without re-reading earlier chunks.
package uploader

import (
	"context"
	"fmt"
	"io"
	"time"

	"nithronsync/sync-core/chunktransport"
	"nithronsync/sync-core/cryptox"
	"nithronsync/sync-core/inventory"
	"nithronsync/sync-core/syncerr"
)

// uploadKeyInfo binds the HKDF expansion in createSession to this one
// use (per-upload-session chunk encryption), so the same server-issued
// secret would expand to different bytes if ever reused for another
// purpose.
var uploadKeyInfo = []byte("nithronsync-upload-chunk-key")

// FileSource abstracts the local filesystem for the file being
// uploaded, so tests can substitute an in-memory source.
type FileSource interface {
	Size(localPath string) (int64, error)
	OpenAt(localPath string, offset int64) (io.ReadCloser, error)
}

// SessionDescriptor is what the remote API returns when resolving or
// creating an upload session (spec.md §3, §4.6 step 1).
type SessionDescriptor struct {
	SessionID      string
	PolicyType     chunktransport.Policy
	ChunkSize      int64
	UploadURLs     []string
	CompletionURL  string
	CallbackSecret string
	SymmetricKey   []byte
	IV             []byte
	ExpiresAt      time.Time
	Credential     string
}

// SessionProvider is the external collaborator that talks to the remote
// API to resolve/create and tear down upload sessions.
type SessionProvider interface {
	ResolveSession(ctx context.Context, localPath string, fileSize int64) (*SessionDescriptor, error)
	DeleteRemoteSession(ctx context.Context, sessionID string) error
}

// TransportFactory resolves the chunktransport.Transport for a policy.
type TransportFactory func(policy chunktransport.Policy, baseURL, credential string) (chunktransport.Transport, error)

// Options configures retry/backoff behavior.
type Options struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ReportInterval  time.Duration
}

// DefaultOptions matches spec.md's retry/backoff and reporting cadence.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     5,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		ReportInterval: 500 * time.Millisecond,
	}
}

// Uploader drives one upload at a time for its owning mount.
type Uploader struct {
	store     *inventory.Store
	mountID   string
	source    FileSource
	sessions  SessionProvider
	transport TransportFactory
	opts      Options
}

func New(store *inventory.Store, mountID string, source FileSource, sessions SessionProvider, transport TransportFactory, opts Options) *Uploader {
	return &Uploader{store: store, mountID: mountID, source: source, sessions: sessions, transport: transport, opts: opts}
}

// Upload runs the full flow of spec.md §4.6 for localPath, reporting
// progress via onProgress until completion, failure, or cancellation.
//
// A session-expired failure mid-flight is restarted from chunk 0 against
// a freshly created session at most once; a second occurrence fails the
// upload outright.
func (u *Uploader) Upload(ctx context.Context, taskID, localPath string, onProgress func(ProgressUpdate)) error {
	size, err := u.source.Size(localPath)
	if err != nil {
		return syncerr.Wrap(syncerr.KindLocalIO, "stat "+localPath, err)
	}

	sess, err := u.resolveSession(ctx, localPath, size, taskID)
	if err != nil {
		return err
	}

	restarted := false
	for {
		err := u.runUpload(ctx, sess, localPath, size, onProgress)
		if err == nil {
			return nil
		}
		if syncerr.KindOf(err) != syncerr.KindSessionExpired || restarted {
			return err
		}
		restarted = true
		sess, err = u.restartSession(ctx, localPath, size, taskID)
		if err != nil {
			return err
		}
	}
}

func (u *Uploader) runUpload(ctx context.Context, sess *inventory.UploadSession, localPath string, size int64, onProgress func(ProgressUpdate)) error {
	chunkSize := sess.ChunkSize
	if chunkSize <= 0 {
		chunkSize = size
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	numChunks := 1
	if size > 0 {
		numChunks = int((size + chunkSize - 1) / chunkSize)
	}

	done := make([]bool, numChunks)
	parts := make([]chunktransport.PartResult, numChunks)
	var completedBytes int64
	var completedChunks int
	for _, cp := range sess.ChunkProgress {
		if cp.Index >= 0 && cp.Index < numChunks && cp.LoadedBytes == chunkLen(cp.Index, chunkSize, size) {
			done[cp.Index] = true
			parts[cp.Index] = chunktransport.PartResult{Etag: cp.Etag}
			completedBytes += cp.LoadedBytes
			completedChunks++
		}
	}

	tracker := NewTracker(size, numChunks, completedBytes, completedChunks)
	reportDone := make(chan struct{})
	reporterExited := make(chan struct{})
	go func() {
		Reporter(reportDone, tracker, u.opts.ReportInterval, onProgress)
		close(reporterExited)
	}()
	defer func() {
		close(reportDone)
		<-reporterExited
	}()

	policy := chunktransport.Policy(sess.PolicyType)
	transport, err := u.transport(policy, "", sess.Credential)
	if err != nil {
		return fmt.Errorf("uploader: resolve transport: %w", err)
	}

	tsess := &chunktransport.Session{
		SessionID:      sess.SessionID,
		PolicyType:     policy,
		ChunkSize:      chunkSize,
		FileSize:       size,
		UploadURLs:     sess.UploadURLs,
		CompletionURL:  sess.CompletionURL,
		CallbackSecret: sess.CallbackSecret,
		Credential:     sess.Credential,
	}

	for i := 0; i < numChunks; i++ {
		if done[i] {
			continue
		}
		select {
		case <-ctx.Done():
			return syncerr.Cancelled
		default:
		}

		offset := int64(i) * chunkSize
		n := chunkLen(i, chunkSize, size)
		etag, err := u.uploadChunkWithRetry(ctx, transport, tsess, sess, chunktransport.Chunk{Index: i, Offset: offset, Size: n}, localPath, offset, n, tracker)
		if err != nil {
			return err
		}

		done[i] = true
		parts[i] = chunktransport.PartResult{Etag: etag}
		tracker.CompleteChunk(n)

		sess.ChunkProgress = append(sess.ChunkProgress, inventory.ChunkProgress{Index: i, LoadedBytes: n, Etag: etag})
		if err := u.store.UpsertSession(sess); err != nil {
			return fmt.Errorf("uploader: persist session: %w", err)
		}
	}

	if err := transport.Complete(ctx, tsess, parts); err != nil {
		return fmt.Errorf("uploader: finalize: %w", err)
	}

	if err := u.store.DeleteSession(localPath); err != nil {
		return fmt.Errorf("uploader: delete session: %w", err)
	}

	return nil
}

// chunkLen returns the byte size of chunk i for a file of size
// fileSize chunked at chunkSize — the final chunk is shorter.
func chunkLen(i int, chunkSize, fileSize int64) int64 {
	start := int64(i) * chunkSize
	end := start + chunkSize
	if end > fileSize {
		end = fileSize
	}
	if end < start {
		end = start
	}
	return end - start
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, transport chunktransport.Transport, tsess *chunktransport.Session, sess *inventory.UploadSession, chunk chunktransport.Chunk, localPath string, offset, size int64, tracker *Tracker) (string, error) {
	delay := u.opts.BaseDelay

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return "", syncerr.Cancelled
		default:
		}

		tracker.BeginChunk()
		reader, err := u.openChunkReader(localPath, offset, size, sess)
		if err != nil {
			tracker.ResetInFlight(0)
			return "", err
		}

		counting := &countingReader{r: reader, tracker: tracker}
		result, err := transport.UploadChunk(ctx, tsess, chunk, counting)
		reader.Close()

		if err == nil {
			return result.Etag, nil
		}

		tracker.ResetInFlight(counting.n)

		if syncerr.KindOf(err) == syncerr.KindSessionExpired {
			return "", err
		}

		if attempt >= u.opts.MaxRetries {
			return "", syncerr.Wrap(syncerr.KindTransientNetwork, fmt.Sprintf("chunk %d failed after %d attempts", chunk.Index, attempt+1), err)
		}

		select {
		case <-ctx.Done():
			return "", syncerr.Cancelled
		case <-time.After(delay):
		}
		delay *= 2
		if delay > u.opts.MaxDelay {
			delay = u.opts.MaxDelay
		}
	}
}

func (u *Uploader) openChunkReader(localPath string, offset, size int64, sess *inventory.UploadSession) (io.ReadCloser, error) {
	raw, err := u.source.OpenAt(localPath, offset)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindLocalIO, "open "+localPath, err)
	}

	limited := io.LimitReader(raw, size)
	if len(sess.SymmetricKey) == 0 {
		return &limitedReadCloser{r: limited, c: raw}, nil
	}

	stream, err := cryptox.New(sess.SymmetricKey, sess.IV)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("uploader: init cipher stream: %w", err)
	}
	return &limitedReadCloser{r: cryptox.NewReader(stream, limited, offset), c: raw}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

type countingReader struct {
	r       io.Reader
	tracker *Tracker
	n       int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.tracker.AddInFlight(int64(n))
	}
	return n, err
}

func (u *Uploader) resolveSession(ctx context.Context, localPath string, size int64, taskID string) (*inventory.UploadSession, error) {
	existing, err := u.store.GetSession(localPath)
	if err != nil {
		return nil, fmt.Errorf("uploader: load session: %w", err)
	}

	if existing != nil {
		if !existing.Expired(time.Now()) && existing.FileSize == size {
			return existing, nil
		}
		if err := u.discardSession(ctx, existing); err != nil {
			return nil, err
		}
	}

	return u.createSession(ctx, localPath, size, taskID)
}

// restartSession discards whatever session backs localPath, remotely and
// in the local record, and creates a fresh one. Used when a provider
// reports the session itself has expired mid-flight: the caller restarts
// the chunk loop from 0 against the session this returns.
func (u *Uploader) restartSession(ctx context.Context, localPath string, size int64, taskID string) (*inventory.UploadSession, error) {
	existing, err := u.store.GetSession(localPath)
	if err != nil {
		return nil, fmt.Errorf("uploader: load session: %w", err)
	}
	if existing != nil {
		if err := u.discardSession(ctx, existing); err != nil {
			return nil, err
		}
	}
	return u.createSession(ctx, localPath, size, taskID)
}

func (u *Uploader) discardSession(ctx context.Context, existing *inventory.UploadSession) error {
	_ = u.sessions.DeleteRemoteSession(ctx, existing.SessionID)
	if err := u.store.DeleteSession(existing.LocalPath); err != nil {
		return fmt.Errorf("uploader: delete stale session: %w", err)
	}
	return nil
}

func (u *Uploader) createSession(ctx context.Context, localPath string, size int64, taskID string) (*inventory.UploadSession, error) {
	desc, err := u.sessions.ResolveSession(ctx, localPath, size)
	if err != nil {
		return nil, fmt.Errorf("uploader: resolve session: %w", err)
	}

	sessionKey := desc.SymmetricKey
	if len(sessionKey) > 0 {
		sessionKey, err = cryptox.DeriveKey(desc.SymmetricKey, []byte(desc.SessionID), uploadKeyInfo, cryptox.KeySize)
		if err != nil {
			return nil, fmt.Errorf("uploader: derive session key: %w", err)
		}
	}

	sess := &inventory.UploadSession{
		LocalPath:      localPath,
		SessionID:      desc.SessionID,
		TaskID:         taskID,
		MountID:        u.mountID,
		PolicyType:     string(desc.PolicyType),
		ChunkSize:      desc.ChunkSize,
		FileSize:       size,
		SymmetricKey:   sessionKey,
		IV:             desc.IV,
		UploadURLs:     desc.UploadURLs,
		CompletionURL:  desc.CompletionURL,
		CallbackSecret: desc.CallbackSecret,
		Credential:     desc.Credential,
		ExpiresAt:      desc.ExpiresAt,
	}
	if err := u.store.UpsertSession(sess); err != nil {
		return nil, fmt.Errorf("uploader: persist new session: %w", err)
	}
	return sess, nil
}
