package chunktransport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestS3UploadChunkReadsETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "hello" {
			t.Errorf("unexpected body: %q", body)
		}
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(PolicyS3, srv.URL, srv.Client(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess := &Session{UploadURLs: []string{srv.URL}}
	result, err := tr.UploadChunk(context.Background(), sess, Chunk{Index: 0}, bytes.NewReader([]byte("hello")))
	if err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if result.Etag != "abc123" {
		t.Fatalf("expected unquoted etag, got %q", result.Etag)
	}
}

func TestS3CompleteInvokesCallback(t *testing.T) {
	var sawBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var callbackCalled bool
	cb := func(ctx context.Context, policy Policy, sessionID, secret string) error {
		callbackCalled = true
		return nil
	}

	tr, err := New(PolicyS3, srv.URL, srv.Client(), cb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess := &Session{SessionID: "sess-1", CompletionURL: srv.URL, CallbackSecret: "secret"}
	if err := tr.Complete(context.Background(), sess, []PartResult{{Etag: "e1"}, {Etag: "e2"}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !callbackCalled {
		t.Fatal("expected application-server callback to be invoked")
	}
	if !bytes.Contains(sawBody, []byte("<PartNumber>1</PartNumber>")) {
		t.Fatalf("expected completion XML to list part numbers, got %s", sawBody)
	}
}

func TestOSSCompleteSendsHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("x-oss-complete-all")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(PolicyOSS, srv.URL, srv.Client(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := &Session{CompletionURL: srv.URL}
	if err := tr.Complete(context.Background(), sess, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotHeader != "yes" {
		t.Fatalf("expected x-oss-complete-all: yes, got %q", gotHeader)
	}
}

func TestOneDriveFragmentOverlap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"fragmentOverlap"}}`))
	}))
	defer srv.Close()

	tr, err := New(PolicyOneDrive, srv.URL, srv.Client(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := &Session{UploadURLs: []string{srv.URL}, FileSize: 100}
	_, err = tr.UploadChunk(context.Background(), sess, Chunk{Index: 0, Offset: 0, Size: 10}, bytes.NewReader(make([]byte, 10)))
	if err != ErrFragmentOverlap {
		t.Fatalf("expected ErrFragmentOverlap, got %v", err)
	}
}

func TestUpyunRejectsMultipleChunks(t *testing.T) {
	tr, err := New(PolicyUpyun, "", http.DefaultClient, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := &Session{UploadURLs: []string{"http://example.invalid"}}
	_, err = tr.UploadChunk(context.Background(), sess, Chunk{Index: 1}, bytes.NewReader(nil))
	if err == nil {
		t.Fatal("expected error for chunk index > 0 on upyun")
	}
}

func TestQiniuCompleteBuildsJSONParts(t *testing.T) {
	var sawBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(PolicyQiniu, srv.URL, srv.Client(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess := &Session{Credential: "tok"}
	if err := tr.Complete(context.Background(), sess, []PartResult{{Etag: "a"}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !bytes.Contains(sawBody, []byte(`"partNumber":1`)) {
		t.Fatalf("expected JSON parts body, got %s", sawBody)
	}
}
