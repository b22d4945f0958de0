// Package api is the HTTP client for the remote object-store server:
// request/refresh-token plumbing plus the endpoint set a mount needs to
// list, move, and upload against its remote namespace.
//
// Grounded on client.go's request()/refreshToken() (JSON body, Bearer
// auth, 401-triggers-refresh-then-retry), generalized from the bare-JSON
// response body to the {code, msg, data} envelope and from the
// share/device endpoint set to the object-store endpoint set. Client is
// deliberately scoped to one mount (one remote root, one credential)
// rather than shared across mounts, so it can implement
// uploader.SessionProvider, downloader.RangeReader, reconcile.RemoteLister
// and events.Connector directly instead of through adapter shims.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nithronsync/sync-core/chunktransport"
	"nithronsync/sync-core/pathmap"
	"nithronsync/sync-core/reconcile"
	"nithronsync/sync-core/uploader"
)

// Config is the narrow slice of a mount's persisted configuration the
// client needs. It is satisfied by the process-wide config type; kept
// as an interface here so api does not import config's full surface.
type Config interface {
	ServerURL() string
	AccessToken() string
	RefreshToken() string
	DeviceID() string
	SetTokens(accessToken, refreshToken string) error
}

// Client talks to one mount's remote object store.
type Client struct {
	cfg        Config
	mapper     *pathmap.Mapper
	httpClient *http.Client
	baseURL    string
	mu         sync.RWMutex

	onTokenRefresh func(accessToken, refreshToken string)
}

// NewClient builds a Client bound to one mount's credential and
// local/remote root mapping.
func NewClient(cfg Config, mapper *pathmap.Mapper) *Client {
	return &Client{
		cfg:    cfg,
		mapper: mapper,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:      10,
				IdleConnTimeout:   90 * time.Second,
				MaxConnsPerHost:   10,
				DisableKeepAlives: false,
			},
		},
		baseURL: cfg.ServerURL(),
	}
}

// SetTokenRefreshCallback registers fn to be notified whenever a 401
// triggers a successful token refresh, so the caller can persist the
// rotated tokens.
func (c *Client) SetTokenRefreshCallback(fn func(accessToken, refreshToken string)) {
	c.mu.Lock()
	c.onTokenRefresh = fn
	c.mu.Unlock()
}

// envelope is the {code, msg, data} response shape every endpoint uses.
// code == 0 means success; any other value is an application error
// carried in msg, independent of the HTTP status.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// APIError reports a non-zero envelope code.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string { return fmt.Sprintf("api: code %d: %s", e.Code, e.Msg) }

// request performs one authenticated JSON round trip and unmarshals the
// envelope's data field into result (if non-nil). A 401 triggers one
// token refresh and retry; retried prevents looping if the refreshed
// token is rejected again.
func (c *Client) request(ctx context.Context, method, path string, body, result any) error {
	return c.requestRetry(ctx, method, path, body, result, false)
}

func (c *Client) requestRetry(ctx context.Context, method, path string, body, result any, retried bool) error {
	c.mu.RLock()
	baseURL := c.baseURL
	c.mu.RUnlock()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nithronsync/1.0")
	if token := c.cfg.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && !retried {
		if err := c.refreshToken(ctx); err != nil {
			return fmt.Errorf("api: refresh after 401: %w", err)
		}
		return c.requestRetry(ctx, method, path, body, result, true)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api: %s %s: HTTP %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	var env envelope
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &env); err != nil {
			return fmt.Errorf("api: parse envelope: %w", err)
		}
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("api: parse data: %w", err)
		}
	}
	return nil
}

// ForceRefresh exchanges the stored refresh token for a new access
// token ahead of a 401, for callers (e.g. a RefreshCredentials command)
// that want to pre-empt imminent expiry rather than wait for one.
func (c *Client) ForceRefresh(ctx context.Context) error {
	return c.refreshToken(ctx)
}

// refreshToken exchanges the stored refresh token for a new access
// token, via the device-refresh endpoint.
func (c *Client) refreshToken(ctx context.Context) error {
	refreshToken := c.cfg.RefreshToken()
	if refreshToken == "" {
		return fmt.Errorf("api: no refresh token available")
	}

	reqBody := tokenRefreshRequest{RefreshToken: refreshToken, DeviceID: c.cfg.DeviceID()}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL()+"/api/v1/sync/devices/refresh", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: token refresh: HTTP %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	var tr tokenRefreshResponse
	if err := json.Unmarshal(env.Data, &tr); err != nil {
		return err
	}

	if err := c.cfg.SetTokens(tr.AccessToken, tr.RefreshToken); err != nil {
		return err
	}

	c.mu.RLock()
	cb := c.onTokenRefresh
	c.mu.RUnlock()
	if cb != nil {
		cb(tr.AccessToken, tr.RefreshToken)
	}
	return nil
}

type tokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

type tokenRefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// FileInfo describes one remote object-store entry.
type FileInfo struct {
	URI       string    `json:"uri"`
	Name      string    `json:"name"`
	IsDir     bool      `json:"is_dir"`
	IsSymlink bool      `json:"is_symlink"`
	Size      int64     `json:"size"`
	Etag      string    `json:"etag"`
	FileID    string    `json:"file_id"`
	ModTime   time.Time `json:"mod_time"`
}

// ListFilesResponse is the paginated list-files data payload.
type ListFilesResponse struct {
	Files     []FileInfo `json:"files"`
	NextToken string     `json:"next_token"`
	More      bool       `json:"more"`
}

// ListFiles lists one page of remoteURI's immediate children.
func (c *Client) ListFiles(ctx context.Context, remoteURI, pageToken string) (*ListFilesResponse, error) {
	q := url.Values{"path": {remoteURI}}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	var resp ListFilesResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/files?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDir implements reconcile.RemoteLister.
func (c *Client) ListDir(ctx context.Context, remoteURI, pageToken string) ([]reconcile.RemoteEntry, string, bool, error) {
	resp, err := c.ListFiles(ctx, remoteURI, pageToken)
	if err != nil {
		return nil, "", false, err
	}
	entries := make([]reconcile.RemoteEntry, len(resp.Files))
	for i, f := range resp.Files {
		entries[i] = reconcile.RemoteEntry{
			Name:      f.Name,
			IsDir:     f.IsDir,
			IsSymlink: f.IsSymlink,
			Size:      f.Size,
			Etag:      f.Etag,
			FileID:    f.FileID,
			ModTime:   f.ModTime,
		}
	}
	return entries, resp.NextToken, resp.More, nil
}

// GetFileInfo fetches metadata for a single remote object.
func (c *Client) GetFileInfo(ctx context.Context, remoteURI string) (*FileInfo, error) {
	var info FileInfo
	q := url.Values{"path": {remoteURI}}
	if err := c.request(ctx, http.MethodGet, "/api/v1/file?"+q.Encode(), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetFileURL resolves a signed or direct download URL for remoteURI,
// for callers (e.g. thumbnailing) that want a URL rather than a stream.
func (c *Client) GetFileURL(ctx context.Context, remoteURI string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	q := url.Values{"path": {remoteURI}}
	if err := c.request(ctx, http.MethodGet, "/api/v1/file/url?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// CreateFile creates a new empty file or directory under parentURI.
func (c *Client) CreateFile(ctx context.Context, parentURI, name string, isDir bool) (*FileInfo, error) {
	body := map[string]any{"parent": parentURI, "name": name, "is_dir": isDir}
	var info FileInfo
	if err := c.request(ctx, http.MethodPost, "/api/v1/file", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RenameFile renames the object at remoteURI in place.
func (c *Client) RenameFile(ctx context.Context, remoteURI, newName string) error {
	body := map[string]any{"path": remoteURI, "new_name": newName}
	return c.request(ctx, http.MethodPost, "/api/v1/file/rename", body, nil)
}

// MoveFiles moves srcURIs to become children of destURI.
func (c *Client) MoveFiles(ctx context.Context, srcURIs []string, destURI string) error {
	body := map[string]any{"src": srcURIs, "dest": destURI}
	return c.request(ctx, http.MethodPost, "/api/v1/file/move", body, nil)
}

// DeleteFiles deletes the objects at uris.
func (c *Client) DeleteFiles(ctx context.Context, uris []string) error {
	body := map[string]any{"paths": uris}
	return c.request(ctx, http.MethodPost, "/api/v1/file/delete", body, nil)
}

// PatchMetadata merges metadata into the object at remoteURI.
func (c *Client) PatchMetadata(ctx context.Context, remoteURI string, metadata map[string]string) error {
	body := map[string]any{"path": remoteURI, "metadata": metadata}
	return c.request(ctx, http.MethodPatch, "/api/v1/file/metadata", body, nil)
}

// SetPermissions replaces the permission string on the object at
// remoteURI.
func (c *Client) SetPermissions(ctx context.Context, remoteURI, perms string) error {
	body := map[string]any{"path": remoteURI, "permissions": perms}
	return c.request(ctx, http.MethodPut, "/api/v1/file/permissions", body, nil)
}

// GetThumbnail fetches a rendered thumbnail for remoteURI, returning its
// bytes and content type.
func (c *Client) GetThumbnail(ctx context.Context, remoteURI, size string) ([]byte, string, error) {
	c.mu.RLock()
	baseURL := c.baseURL
	c.mu.RUnlock()

	q := url.Values{"path": {remoteURI}, "size": {size}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/file/thumbnail?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	if token := c.cfg.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("api: thumbnail %s: HTTP %d", remoteURI, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// OpenRange implements downloader.RangeReader: a streaming GET with a
// Range header, returning the body unread so the caller can pipe it
// straight into decryption and the placeholder write.
func (c *Client) OpenRange(ctx context.Context, remoteURI string, start, end int64) (io.ReadCloser, error) {
	c.mu.RLock()
	baseURL := c.baseURL
	c.mu.RUnlock()

	q := url.Values{"path": {remoteURI}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/file/content?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if token := c.cfg.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("api: range GET %s: HTTP %d", remoteURI, resp.StatusCode)
	}
	return resp.Body, nil
}

// UploadSessionResponse is create-upload-session's data payload.
type UploadSessionResponse struct {
	SessionID      string    `json:"session_id"`
	PolicyType     string    `json:"policy_type"`
	ChunkSize      int64     `json:"chunk_size"`
	UploadURLs     []string  `json:"upload_urls"`
	CompletionURL  string    `json:"completion_url"`
	CallbackSecret string    `json:"callback_secret"`
	Credential     string    `json:"credential"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ResolveSession implements uploader.SessionProvider: it maps localPath
// to its remote URI and asks the server to create (or return an
// existing) upload session for it.
func (c *Client) ResolveSession(ctx context.Context, localPath string, fileSize int64) (*uploader.SessionDescriptor, error) {
	remoteURI, err := c.mapper.LocalToRemote(localPath)
	if err != nil {
		return nil, fmt.Errorf("api: map %s to remote: %w", localPath, err)
	}

	body := map[string]any{"path": remoteURI, "size": fileSize}
	var resp UploadSessionResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/upload-sessions", body, &resp); err != nil {
		return nil, err
	}

	return &uploader.SessionDescriptor{
		SessionID:      resp.SessionID,
		PolicyType:     chunktransport.Policy(resp.PolicyType),
		ChunkSize:      resp.ChunkSize,
		UploadURLs:     resp.UploadURLs,
		CompletionURL:  resp.CompletionURL,
		CallbackSecret: resp.CallbackSecret,
		ExpiresAt:      resp.ExpiresAt,
		Credential:     resp.Credential,
	}, nil
}

// DeleteRemoteSession implements uploader.SessionProvider.
func (c *Client) DeleteRemoteSession(ctx context.Context, sessionID string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/upload-sessions/"+url.PathEscape(sessionID), nil, nil)
}

// NewTransportFactory returns a uploader.TransportFactory bound to this
// client's HTTP client and completion-callback endpoint, for
// chunktransport policies that must notify the application server
// out-of-band once a provider (e.g. S3, OneDrive) acknowledges
// completion.
func (c *Client) NewTransportFactory() uploader.TransportFactory {
	return func(policy chunktransport.Policy, baseURL, credential string) (chunktransport.Transport, error) {
		return chunktransport.New(policy, baseURL, c.httpClient, c.completeCallback)
	}
}

// completeCallback notifies the application server that a provider
// finished a chunked upload out-of-band (S3-style completion, OneDrive
// session finalize). It satisfies chunktransport.CallbackFunc.
func (c *Client) completeCallback(ctx context.Context, policy chunktransport.Policy, sessionID, secret string) error {
	path := "/api/v1/upload-sessions/" + url.PathEscape(sessionID) + "/callback"
	switch {
	case policy == chunktransport.PolicyOneDrive:
		path = "/api/v1/upload-sessions/" + url.PathEscape(sessionID) + "/complete-onedrive"
	case policy.IsS3Like():
		path = "/api/v1/upload-sessions/" + url.PathEscape(sessionID) + "/complete-s3"
	}
	body := map[string]any{"secret": secret}
	return c.request(ctx, http.MethodPost, path, body, nil)
}

// Connect implements events.Connector: it opens the mount's SSE change
// stream and returns the unread response body for the subscriber to
// scan record by record.
func (c *Client) Connect(ctx context.Context) (io.ReadCloser, error) {
	c.mu.RLock()
	baseURL := c.baseURL
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/file/events?path="+url.QueryEscape(c.mapper.RemoteRoot()), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token := c.cfg.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("api: subscribe events: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}
