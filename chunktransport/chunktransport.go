// Package chunktransport implements the provider-pluggable chunk upload
// dispatcher of §4.6.1: one Transport per storage policy, each
// implementing upload_chunk and complete over that provider's actual
// wire protocol.
//
// Structurally grounded on api/webdav.go's doRequest helper (credential
// header plus a shared *http.Client, streaming request bodies) and its
// XML-PROPFIND string-scanning style for reading responses; S3-style
// completion bodies are instead built with encoding/xml, since no XML
// library appears anywhere in the reference pack and encoding/xml
// marshal is the idiomatic replacement for producing, rather than ad hoc
// scanning, an XML document.
package chunktransport

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"nithronsync/sync-core/syncerr"
)

// Policy identifies a storage provider's upload protocol.
type Policy string

const (
	PolicyLocal    Policy = "local"
	PolicySlave    Policy = "slave"
	PolicyS3       Policy = "s3"
	PolicyKS3      Policy = "ks3"
	PolicyCOS      Policy = "cos"
	PolicyOSS      Policy = "oss"
	PolicyOBS      Policy = "obs"
	PolicyOneDrive Policy = "onedrive"
	PolicyQiniu    Policy = "qiniu"
	PolicyUpyun    Policy = "upyun"
)

// IsS3Like reports whether the policy uses the S3 multipart-upload wire
// shape (per-chunk PUT to a presigned URL, ETag response header).
func (p Policy) IsS3Like() bool {
	switch p {
	case PolicyS3, PolicyKS3, PolicyCOS, PolicyOSS, PolicyOBS:
		return true
	default:
		return false
	}
}

// RequiresCallback reports whether complete() must notify the
// application server out-of-band after the provider acknowledges
// completion.
func (p Policy) RequiresCallback() bool {
	switch p {
	case PolicyS3, PolicyKS3, PolicyCOS, PolicyOneDrive:
		return true
	default:
		return false
	}
}

// UsesPerChunkURLs reports whether each chunk uploads to its own
// presigned URL (upload_urls[i]) rather than a single shared endpoint.
func (p Policy) UsesPerChunkURLs() bool {
	return p.IsS3Like()
}

// Session is the subset of inventory.UploadSession a Transport needs —
// kept narrow and duplicated here (rather than importing inventory) so
// this package has no dependency on the storage layer.
type Session struct {
	SessionID      string
	PolicyType     Policy
	ChunkSize      int64
	FileSize       int64
	UploadURLs     []string
	CompletionURL  string
	CallbackSecret string
	Credential     string // bearer token or upload-token header value
}

// Chunk is the ephemeral descriptor of one byte range of an upload.
type Chunk struct {
	Index  int
	Offset int64
	Size   int64
}

// PartResult is what a provider returns for one uploaded chunk.
type PartResult struct {
	Etag string
}

// Transport is the provider capability set the uploader drives.
type Transport interface {
	UploadChunk(ctx context.Context, sess *Session, chunk Chunk, body io.Reader) (PartResult, error)
	Complete(ctx context.Context, sess *Session, parts []PartResult) error
}

// CallbackFunc notifies the application server after a provider
// acknowledges completion (S3-style and OneDrive policies).
type CallbackFunc func(ctx context.Context, policy Policy, sessionID, secret string) error

// New returns the Transport for policy, using client for outbound HTTP
// and callback (if non-nil) to notify the application server where
// RequiresCallback is true.
func New(policy Policy, baseURL string, client *http.Client, callback CallbackFunc) (Transport, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base := &baseTransport{client: client, baseURL: baseURL, callback: callback}

	switch policy {
	case PolicyLocal, PolicySlave:
		return &localSlaveTransport{baseTransport: base}, nil
	case PolicyS3, PolicyKS3, PolicyCOS:
		return &s3Transport{baseTransport: base, useCallback: true}, nil
	case PolicyOSS:
		return &ossTransport{baseTransport: base}, nil
	case PolicyOBS:
		return &obsTransport{baseTransport: base}, nil
	case PolicyOneDrive:
		return &oneDriveTransport{baseTransport: base}, nil
	case PolicyQiniu:
		return &qiniuTransport{baseTransport: base}, nil
	case PolicyUpyun:
		return &upyunTransport{baseTransport: base}, nil
	default:
		return nil, fmt.Errorf("chunktransport: unknown policy %q", policy)
	}
}

type baseTransport struct {
	client   *http.Client
	baseURL  string
	callback CallbackFunc
}

func (b *baseTransport) doRequest(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("chunktransport: build request: %w", err)
	}
	req.Header.Set("User-Agent", "nithronsync-client/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransientNetwork, method+" "+url, err)
	}
	return resp, nil
}

func stripQuotes(s string) string {
	return strings.Trim(s, `"`)
}

// isSessionExpiredStatus reports whether code is how a provider signals
// that the upload session itself is gone, rather than this one chunk
// attempt failing transiently.
func isSessionExpiredStatus(code int) bool {
	return code == http.StatusNotFound || code == http.StatusGone || code == http.StatusUnauthorized
}

// chunkError classifies a non-2xx chunk response, distinguishing a dead
// session (syncerr.KindSessionExpired, so the uploader restarts from
// chunk 0 against a fresh session) from any other per-attempt failure.
func chunkError(action string, resp *http.Response) error {
	if isSessionExpiredStatus(resp.StatusCode) {
		return syncerr.New(syncerr.KindSessionExpired, fmt.Sprintf("%s: session expired: %s", action, resp.Status))
	}
	return fmt.Errorf("chunktransport: %s failed: %s", action, resp.Status)
}

// --- Local / Remote-slave ---------------------------------------------

type localSlaveTransport struct{ *baseTransport }

func (t *localSlaveTransport) UploadChunk(ctx context.Context, sess *Session, chunk Chunk, body io.Reader) (PartResult, error) {
	var url string
	if sess.PolicyType == PolicyLocal {
		url = fmt.Sprintf("%s/%s/%d", t.baseURL, sess.SessionID, chunk.Index)
	} else {
		url = fmt.Sprintf("%s?chunk=%d", sess.UploadURLs[0], chunk.Index)
	}

	resp, err := t.doRequest(ctx, http.MethodPost, url, body, map[string]string{
		"Authorization": sess.Credential,
	})
	if err != nil {
		return PartResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return PartResult{}, chunkError("chunk upload", resp)
	}
	return PartResult{}, nil
}

func (t *localSlaveTransport) Complete(ctx context.Context, sess *Session, parts []PartResult) error {
	return nil
}

// --- S3-style (S3, KS3, COS) -------------------------------------------

type s3Transport struct {
	*baseTransport
	useCallback bool
}

func (t *s3Transport) UploadChunk(ctx context.Context, sess *Session, chunk Chunk, body io.Reader) (PartResult, error) {
	if chunk.Index >= len(sess.UploadURLs) {
		return PartResult{}, fmt.Errorf("chunktransport: no upload url for chunk %d", chunk.Index)
	}
	resp, err := t.doRequest(ctx, http.MethodPut, sess.UploadURLs[chunk.Index], body, nil)
	if err != nil {
		return PartResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return PartResult{}, chunkError("chunk PUT", resp)
	}
	return PartResult{Etag: stripQuotes(resp.Header.Get("ETag"))}, nil
}

type s3CompletePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type s3CompleteBody struct {
	XMLName xml.Name         `xml:"CompleteMultipartUpload"`
	Parts   []s3CompletePart `xml:"Part"`
}

func buildS3CompletionXML(parts []PartResult) ([]byte, error) {
	body := s3CompleteBody{}
	for i, p := range parts {
		body.Parts = append(body.Parts, s3CompletePart{PartNumber: i + 1, ETag: p.Etag})
	}
	return xml.Marshal(body)
}

func (t *s3Transport) Complete(ctx context.Context, sess *Session, parts []PartResult) error {
	payload, err := buildS3CompletionXML(parts)
	if err != nil {
		return fmt.Errorf("chunktransport: marshal completion xml: %w", err)
	}
	resp, err := t.doRequest(ctx, http.MethodPost, sess.CompletionURL, bytes.NewReader(payload), map[string]string{
		"Content-Type": "application/xml",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chunktransport: s3 completion failed: %s", resp.Status)
	}
	if t.useCallback && t.baseTransport.callback != nil {
		return t.baseTransport.callback(ctx, sess.PolicyType, sess.SessionID, sess.CallbackSecret)
	}
	return nil
}

// --- OSS -----------------------------------------------------------------

type ossTransport struct{ *baseTransport }

func (t *ossTransport) UploadChunk(ctx context.Context, sess *Session, chunk Chunk, body io.Reader) (PartResult, error) {
	s3 := &s3Transport{baseTransport: t.baseTransport}
	return s3.UploadChunk(ctx, sess, chunk, body)
}

func (t *ossTransport) Complete(ctx context.Context, sess *Session, parts []PartResult) error {
	resp, err := t.doRequest(ctx, http.MethodPost, sess.CompletionURL, nil, map[string]string{
		"x-oss-complete-all": "yes",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chunktransport: oss completion failed: %s", resp.Status)
	}
	return nil
}

// --- OBS -------------------------------------------------------------------

type obsTransport struct{ *baseTransport }

func (t *obsTransport) UploadChunk(ctx context.Context, sess *Session, chunk Chunk, body io.Reader) (PartResult, error) {
	s3 := &s3Transport{baseTransport: t.baseTransport}
	return s3.UploadChunk(ctx, sess, chunk, body)
}

type obsErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (t *obsTransport) Complete(ctx context.Context, sess *Session, parts []PartResult) error {
	payload, err := buildS3CompletionXML(parts)
	if err != nil {
		return fmt.Errorf("chunktransport: marshal completion xml: %w", err)
	}
	resp, err := t.doRequest(ctx, http.MethodPost, sess.CompletionURL, bytes.NewReader(payload), map[string]string{
		"Content-Type": "application/xml",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e obsErrorBody
		data, _ := io.ReadAll(resp.Body)
		if jsonErr := json.Unmarshal(data, &e); jsonErr == nil && e.Message != "" {
			return fmt.Errorf("chunktransport: obs completion failed: %s (%s)", e.Message, e.Code)
		}
		return fmt.Errorf("chunktransport: obs completion failed: %s", resp.Status)
	}
	return nil
}

// --- OneDrive ----------------------------------------------------------

type oneDriveTransport struct{ *baseTransport }

// fragmentOverlap is returned by the Graph API when a chunk was already
// accepted in a prior attempt; it is a fatal per-attempt error (the
// chunk must not be retried as new data).
var ErrFragmentOverlap = fmt.Errorf("chunktransport: fragment overlap")

type oneDriveErrorBody struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (t *oneDriveTransport) UploadChunk(ctx context.Context, sess *Session, chunk Chunk, body io.Reader) (PartResult, error) {
	end := chunk.Offset + chunk.Size - 1
	headers := map[string]string{
		"Content-Range": fmt.Sprintf("bytes %d-%d/%d", chunk.Offset, end, sess.FileSize),
	}
	resp, err := t.doRequest(ctx, http.MethodPut, sess.UploadURLs[0], body, headers)
	if err != nil {
		return PartResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted {
		return PartResult{}, nil
	}

	data, _ := io.ReadAll(resp.Body)
	var e oneDriveErrorBody
	if json.Unmarshal(data, &e) == nil && e.Error.Code == "fragmentOverlap" {
		return PartResult{}, ErrFragmentOverlap
	}
	return PartResult{}, chunkError("onedrive chunk upload", resp)
}

func (t *oneDriveTransport) Complete(ctx context.Context, sess *Session, parts []PartResult) error {
	if t.callback != nil {
		return t.callback(ctx, PolicyOneDrive, sess.SessionID, sess.CallbackSecret)
	}
	return nil
}

// --- Qiniu -----------------------------------------------------------------

type qiniuTransport struct{ *baseTransport }

type qiniuChunkResponse struct {
	Etag string `json:"etag"`
}

func (t *qiniuTransport) UploadChunk(ctx context.Context, sess *Session, chunk Chunk, body io.Reader) (PartResult, error) {
	url := fmt.Sprintf("%s/%d", t.baseURL, chunk.Index+1)
	resp, err := t.doRequest(ctx, http.MethodPut, url, body, map[string]string{
		"Authorization": "UpToken " + sess.Credential,
	})
	if err != nil {
		return PartResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return PartResult{}, chunkError("qiniu chunk upload", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return PartResult{}, fmt.Errorf("chunktransport: read qiniu response: %w", err)
	}
	var qr qiniuChunkResponse
	if err := json.Unmarshal(data, &qr); err != nil {
		return PartResult{}, fmt.Errorf("chunktransport: unmarshal qiniu response: %w", err)
	}
	return PartResult{Etag: qr.Etag}, nil
}

type qiniuPart struct {
	Etag       string `json:"etag"`
	PartNumber int    `json:"partNumber"`
}

type qiniuCompleteBody struct {
	Parts    []qiniuPart `json:"parts"`
	MimeType string      `json:"mimeType,omitempty"`
}

func (t *qiniuTransport) Complete(ctx context.Context, sess *Session, parts []PartResult) error {
	body := qiniuCompleteBody{}
	for i, p := range parts {
		body.Parts = append(body.Parts, qiniuPart{Etag: p.Etag, PartNumber: i + 1})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chunktransport: marshal qiniu completion: %w", err)
	}
	resp, err := t.doRequest(ctx, http.MethodPost, t.baseURL, bytes.NewReader(payload), map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "UpToken " + sess.Credential,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chunktransport: qiniu completion failed: %s", resp.Status)
	}
	return nil
}

// --- Upyun -----------------------------------------------------------------

type upyunTransport struct{ *baseTransport }

func (t *upyunTransport) UploadChunk(ctx context.Context, sess *Session, chunk Chunk, body io.Reader) (PartResult, error) {
	if chunk.Index > 0 {
		return PartResult{}, fmt.Errorf("chunktransport: upyun supports only a single chunk, got index %d", chunk.Index)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("policy", sess.Credential); err != nil {
		return PartResult{}, err
	}
	if err := mw.WriteField("authorization", sess.CallbackSecret); err != nil {
		return PartResult{}, err
	}
	fw, err := mw.CreateFormFile("file", "upload.bin")
	if err != nil {
		return PartResult{}, err
	}
	if _, err := io.Copy(fw, body); err != nil {
		return PartResult{}, err
	}
	if err := mw.Close(); err != nil {
		return PartResult{}, err
	}

	resp, err := t.doRequest(ctx, http.MethodPost, sess.UploadURLs[0], &buf, map[string]string{
		"Content-Type": mw.FormDataContentType(),
	})
	if err != nil {
		return PartResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return PartResult{}, chunkError("upyun upload", resp)
	}

	// The server-side callback fires asynchronously after acceptance;
	// the engine gives it a fixed grace period before considering the
	// upload durably recorded.
	select {
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
		return PartResult{}, ctx.Err()
	}
	return PartResult{}, nil
}

func (t *upyunTransport) Complete(ctx context.Context, sess *Session, parts []PartResult) error {
	return nil
}
