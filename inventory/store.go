// Package inventory is the durable, ACID local record of what the sync
// core believes exists — one row per local path, keyed by mount, plus
// the resumable state for in-flight uploads.
//
// Grounded on db/database.go: the same WAL-mode connection string, the
// same idempotent CREATE TABLE IF NOT EXISTS migration, and the same
// ON CONFLICT ... DO UPDATE upsert idiom, generalized from a single-share
// file index to a multi-mount inventory with the operations the
// reconciler, uploader, and watcher actually need (batch insert/delete
// with descendant cleanup, atomic subtree rename, conflict marking).
package inventory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ConflictState enumerates the optional conflict annotation on an Entry.
type ConflictState string

const (
	ConflictNone            ConflictState = ""
	ConflictKeepLocal       ConflictState = "keep-local"
	ConflictKeepRemote      ConflictState = "keep-remote"
	ConflictDuplicatePending ConflictState = "duplicate-pending"
)

// Entry is an inventory entry, keyed by absolute local path (unique).
type Entry struct {
	ID            int64
	MountID       string
	LocalPath     string
	IsFolder      bool
	RemoteURI     string
	RemoteFileID  string
	RemoteEtag    string
	Size          int64
	RemoteModTime time.Time
	Permissions   string // base64 boolset
	Metadata      map[string]string
	Conflict      ConflictState
	PropsJSON     string
	// LocalChecksum is an adler32 checksum of the local blob's bytes as
	// of the last time it was confirmed hydrated and in sync, or 0 if
	// never computed (e.g. the entry has never been fully hydrated).
	LocalChecksum uint32
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store wraps the local SQLite inventory database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the inventory database at path, in WAL mode with
// the same pragmas the teacher's db.Database uses.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("inventory: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("inventory: open: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("inventory: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mount_id TEXT NOT NULL,
		local_path TEXT NOT NULL,
		is_folder INTEGER NOT NULL DEFAULT 0,
		remote_uri TEXT,
		remote_file_id TEXT,
		remote_etag TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		remote_mod_time DATETIME,
		permissions TEXT,
		metadata_json TEXT,
		conflict_state TEXT NOT NULL DEFAULT '',
		props_json TEXT,
		local_checksum INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(local_path)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_mount ON entries(mount_id, local_path);
	CREATE INDEX IF NOT EXISTS idx_entries_conflict ON entries(conflict_state);
	CREATE INDEX IF NOT EXISTS idx_entries_file_id ON entries(mount_id, remote_file_id);

	CREATE TABLE IF NOT EXISTS upload_sessions (
		local_path TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		mount_id TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		chunk_size INTEGER NOT NULL,
		file_size INTEGER NOT NULL,
		chunk_progress_json TEXT NOT NULL DEFAULT '[]',
		symmetric_key BLOB,
		iv BLOB,
		upload_urls_json TEXT,
		completion_url TEXT,
		callback_secret TEXT,
		credential TEXT,
		expires_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON upload_sessions(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func scanEntry(row interface {
	Scan(dest ...any) error
}) (*Entry, error) {
	var e Entry
	var remoteModTime, createdAt, updatedAt sql.NullTime
	var remoteURI, remoteFileID, remoteEtag, permissions, metadataJSON, propsJSON sql.NullString
	var isFolder int

	err := row.Scan(&e.ID, &e.MountID, &e.LocalPath, &isFolder, &remoteURI, &remoteFileID, &remoteEtag,
		&e.Size, &remoteModTime, &permissions, &metadataJSON, &e.Conflict, &propsJSON, &e.LocalChecksum,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.IsFolder = isFolder != 0
	e.RemoteURI = remoteURI.String
	e.RemoteFileID = remoteFileID.String
	e.RemoteEtag = remoteEtag.String
	e.Permissions = permissions.String
	e.PropsJSON = propsJSON.String
	if remoteModTime.Valid {
		e.RemoteModTime = remoteModTime.Time
	}
	if createdAt.Valid {
		e.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		e.UpdatedAt = updatedAt.Time
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
	}
	return &e, nil
}

const entryColumns = `id, mount_id, local_path, is_folder, remote_uri, remote_file_id, remote_etag,
	size, remote_mod_time, permissions, metadata_json, conflict_state, props_json, local_checksum,
	created_at, updated_at`

// QueryByPath returns the entry at localPath, or nil if none exists.
func (s *Store) QueryByPath(localPath string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE local_path = ?`, localPath)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// QueryByID returns the entry with the given id, or nil if none exists.
func (s *Store) QueryByID(id int64) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// QueryByMount lists every entry for a mount, ordered by local path (for
// full scans).
func (s *Store) QueryByMount(mountID string) ([]Entry, error) {
	rows, err := s.db.Query(`SELECT `+entryColumns+` FROM entries WHERE mount_id = ? ORDER BY local_path`, mountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// QueryByParent lists the direct (non-recursive) children of parentPath
// within mountID, for the reconciler's per-directory diff.
func (s *Store) QueryByParent(mountID, parentPath string) ([]Entry, error) {
	prefix := parentPath + string(filepath.Separator)
	rows, err := s.db.Query(`SELECT `+entryColumns+` FROM entries
		WHERE mount_id = ? AND local_path LIKE ? ESCAPE '\'
		AND instr(substr(local_path, ?), ?) = 0
		ORDER BY local_path`,
		mountID, likePrefix(prefix), len(prefix)+1, string(filepath.Separator))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// QueryByFileID finds the entry within mountID carrying remoteFileID, if
// any — used to distinguish a remote rename (same file_id, new name)
// from an unrelated create/delete pair.
func (s *Store) QueryByFileID(mountID, remoteFileID string) (*Entry, error) {
	if remoteFileID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE mount_id = ? AND remote_file_id = ?`,
		mountID, remoteFileID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// Upsert creates or overwrites the mutable fields of an entry, keyed by
// local path, atomically.
func (s *Store) Upsert(e *Entry) error {
	return s.upsertTx(s.db, e)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertTx(x execer, e *Entry) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("inventory: marshal metadata: %w", err)
	}
	isFolder := 0
	if e.IsFolder {
		isFolder = 1
	}

	query := `INSERT INTO entries (mount_id, local_path, is_folder, remote_uri, remote_file_id, remote_etag,
		size, remote_mod_time, permissions, metadata_json, conflict_state, props_json, local_checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(local_path) DO UPDATE SET
		mount_id = excluded.mount_id,
		is_folder = excluded.is_folder,
		remote_uri = excluded.remote_uri,
		remote_file_id = excluded.remote_file_id,
		remote_etag = excluded.remote_etag,
		size = excluded.size,
		remote_mod_time = excluded.remote_mod_time,
		permissions = excluded.permissions,
		metadata_json = excluded.metadata_json,
		conflict_state = excluded.conflict_state,
		props_json = excluded.props_json,
		local_checksum = excluded.local_checksum,
		updated_at = CURRENT_TIMESTAMP`

	_, err = x.Exec(query, e.MountID, e.LocalPath, isFolder, e.RemoteURI, e.RemoteFileID, e.RemoteEtag,
		e.Size, e.RemoteModTime, e.Permissions, string(metaJSON), string(e.Conflict), e.PropsJSON, e.LocalChecksum)
	return err
}

// BatchInsert upserts every entry inside one transaction.
func (s *Store) BatchInsert(entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for i := range entries {
		if err := s.upsertTx(tx, &entries[i]); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DeleteByPath removes the entry at exactly localPath.
func (s *Store) DeleteByPath(localPath string) error {
	_, err := s.db.Exec(`DELETE FROM entries WHERE local_path = ?`, localPath)
	return err
}

// DeleteByMount removes every entry for a mount (drive nuke).
func (s *Store) DeleteByMount(mountID string) error {
	_, err := s.db.Exec(`DELETE FROM entries WHERE mount_id = ?`, mountID)
	return err
}

// BatchDeleteByPath deletes each exact path in paths, and every
// descendant under path+"/", in a single transaction.
func (s *Store) BatchDeleteByPath(paths []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := tx.Exec(`DELETE FROM entries WHERE local_path = ?`, p); err != nil {
			tx.Rollback()
			return err
		}
		prefix := p + string(filepath.Separator)
		if _, err := tx.Exec(`DELETE FROM entries WHERE local_path LIKE ? ESCAPE '\'`, likePrefix(prefix)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RenamePath atomically moves a path and its entire subtree: an
// exact-path update plus a descendant prefix rewrite using substring
// replacement of old+separator with new+separator, in one transaction.
func (s *Store) RenamePath(oldPath, newPath string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE entries SET local_path = ?, updated_at = CURRENT_TIMESTAMP WHERE local_path = ?`,
		newPath, oldPath); err != nil {
		tx.Rollback()
		return err
	}

	oldPrefix := oldPath + string(filepath.Separator)
	newPrefix := newPath + string(filepath.Separator)
	query := `UPDATE entries SET
		local_path = ? || substr(local_path, ?),
		updated_at = CURRENT_TIMESTAMP
		WHERE local_path LIKE ? ESCAPE '\'`
	if _, err := tx.Exec(query, newPrefix, len(oldPrefix)+1, likePrefix(oldPrefix)); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// MarkConflict sets (or clears, with ConflictNone) the conflict
// annotation on the entry at path.
func (s *Store) MarkConflict(localPath string, state ConflictState) error {
	_, err := s.db.Exec(`UPDATE entries SET conflict_state = ?, updated_at = CURRENT_TIMESTAMP WHERE local_path = ?`,
		string(state), localPath)
	return err
}

// likePrefix escapes SQL LIKE metacharacters in prefix and appends a
// trailing wildcard, for "starts with prefix" matching.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
