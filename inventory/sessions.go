package inventory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ChunkProgress is one entry of an upload session's per-chunk progress
// vector.
type ChunkProgress struct {
	Index       int    `json:"index"`
	LoadedBytes int64  `json:"loaded_bytes"`
	Etag        string `json:"etag,omitempty"`
}

// UploadSession is the persisted resumable state of one in-flight
// upload, keyed by local path (unique).
type UploadSession struct {
	LocalPath      string
	SessionID      string
	TaskID         string
	MountID        string
	PolicyType     string
	ChunkSize      int64
	FileSize       int64
	ChunkProgress  []ChunkProgress
	SymmetricKey   []byte
	IV             []byte
	UploadURLs     []string
	CompletionURL  string
	CallbackSecret string
	Credential     string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LoadedBytes returns sum(loaded-bytes) across the chunk progress
// vector — must never exceed FileSize (session invariant).
func (u *UploadSession) LoadedBytes() int64 {
	var total int64
	for _, c := range u.ChunkProgress {
		total += c.LoadedBytes
	}
	return total
}

// Expired reports whether the session's expiration timestamp has
// passed as of now.
func (u *UploadSession) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}

// GetSession returns the upload session for localPath, or nil if none
// exists.
func (s *Store) GetSession(localPath string) (*UploadSession, error) {
	query := `SELECT local_path, session_id, task_id, mount_id, policy_type, chunk_size, file_size,
		chunk_progress_json, symmetric_key, iv, upload_urls_json, completion_url, callback_secret,
		credential, expires_at, created_at, updated_at
		FROM upload_sessions WHERE local_path = ?`

	var u UploadSession
	var chunkJSON, urlsJSON sql.NullString
	var completionURL, callbackSecret, credential sql.NullString
	var expiresAt, createdAt, updatedAt sql.NullTime

	err := s.db.QueryRow(query, localPath).Scan(
		&u.LocalPath, &u.SessionID, &u.TaskID, &u.MountID, &u.PolicyType, &u.ChunkSize, &u.FileSize,
		&chunkJSON, &u.SymmetricKey, &u.IV, &urlsJSON, &completionURL, &callbackSecret,
		&credential, &expiresAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u.CompletionURL = completionURL.String
	u.CallbackSecret = callbackSecret.String
	u.Credential = credential.String
	if expiresAt.Valid {
		u.ExpiresAt = expiresAt.Time
	}
	if createdAt.Valid {
		u.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		u.UpdatedAt = updatedAt.Time
	}
	if chunkJSON.Valid && chunkJSON.String != "" {
		if err := json.Unmarshal([]byte(chunkJSON.String), &u.ChunkProgress); err != nil {
			return nil, fmt.Errorf("inventory: unmarshal chunk progress: %w", err)
		}
	}
	if urlsJSON.Valid && urlsJSON.String != "" {
		if err := json.Unmarshal([]byte(urlsJSON.String), &u.UploadURLs); err != nil {
			return nil, fmt.Errorf("inventory: unmarshal upload urls: %w", err)
		}
	}
	return &u, nil
}

// UpsertSession creates or replaces the session for u.LocalPath,
// persisting the current chunk progress vector idempotently: a
// re-upsert of the same chunk index is a no-op with the same data, so a
// crash mid-persist and retry never double-counts loaded bytes.
func (s *Store) UpsertSession(u *UploadSession) error {
	chunkJSON, err := json.Marshal(u.ChunkProgress)
	if err != nil {
		return fmt.Errorf("inventory: marshal chunk progress: %w", err)
	}
	urlsJSON, err := json.Marshal(u.UploadURLs)
	if err != nil {
		return fmt.Errorf("inventory: marshal upload urls: %w", err)
	}

	// A zero ExpiresAt means "never expires" (see Expired); store it as
	// NULL so DeleteExpiredSessions leaves the row alone.
	var expiresAt any
	if !u.ExpiresAt.IsZero() {
		expiresAt = u.ExpiresAt
	}

	query := `INSERT INTO upload_sessions (local_path, session_id, task_id, mount_id, policy_type,
		chunk_size, file_size, chunk_progress_json, symmetric_key, iv, upload_urls_json,
		completion_url, callback_secret, credential, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(local_path) DO UPDATE SET
		session_id = excluded.session_id,
		task_id = excluded.task_id,
		mount_id = excluded.mount_id,
		policy_type = excluded.policy_type,
		chunk_size = excluded.chunk_size,
		file_size = excluded.file_size,
		chunk_progress_json = excluded.chunk_progress_json,
		symmetric_key = excluded.symmetric_key,
		iv = excluded.iv,
		upload_urls_json = excluded.upload_urls_json,
		completion_url = excluded.completion_url,
		callback_secret = excluded.callback_secret,
		credential = excluded.credential,
		expires_at = excluded.expires_at,
		updated_at = CURRENT_TIMESTAMP`

	_, err = s.db.Exec(query, u.LocalPath, u.SessionID, u.TaskID, u.MountID, u.PolicyType,
		u.ChunkSize, u.FileSize, string(chunkJSON), u.SymmetricKey, u.IV, string(urlsJSON),
		u.CompletionURL, u.CallbackSecret, u.Credential, expiresAt)
	return err
}

// DeleteSession removes the session for localPath — called on
// completion, cancellation, or file disappearance.
func (s *Store) DeleteSession(localPath string) error {
	_, err := s.db.Exec(`DELETE FROM upload_sessions WHERE local_path = ?`, localPath)
	return err
}

// DeleteExpiredSessions removes every session whose expiration has
// passed as of now, returning the count removed.
func (s *Store) DeleteExpiredSessions(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM upload_sessions WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
