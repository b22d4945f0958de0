package mount

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// conflictRecord is the sidecar metadata kept for a duplicated
// conflict copy: what it was a duplicate of, and when.
type conflictRecord struct {
	OriginalPath string    `json:"original_path"`
	RemoteFileID string    `json:"remote_file_id"`
	RemoteEtag   string    `json:"remote_etag"`
	DuplicatedAt time.Time `json:"duplicated_at"`
}

// deriveConflictKey derives a per-mount sealing key from the mount's
// credential via HKDF-SHA256, grounded on encryption.go's DeriveKey,
// rather than using the raw credential bytes as a key directly.
func deriveConflictKey(credential string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(credential), nil, []byte("nithronsync-conflict-duplicate"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("mount: derive conflict key: %w", err)
	}
	return key, nil
}

// sealConflictRecord seals rec under a key derived from credential,
// returning a base64 blob safe to store in Entry.PropsJSON. Grounded on
// encryption.go's nonce-prefixed AEAD sealing, generalized from
// AES-GCM to XChaCha20-Poly1305's wider nonce so the nonce can be
// generated fresh per call without a counter.
func sealConflictRecord(credential string, rec conflictRecord) (string, error) {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	key, err := deriveConflictKey(credential)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// openConflictRecord reverses sealConflictRecord, for callers (e.g. a UI
// collaborator) that need to show what a conflict copy came from.
func openConflictRecord(credential, blob string) (*conflictRecord, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, err
	}
	key, err := deriveConflictKey(credential)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("mount: conflict record too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("mount: open conflict record: %w", err)
	}
	var rec conflictRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
