// Package pathmap implements the bijection between local absolute paths
// and remote URIs relative to a mount, per component C4.
package pathmap

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"nithronsync/sync-core/syncerr"
)

// Mapper converts between a mount's local root and its remote root.
//
// Unicode normalization: the bytes delivered by the OS are preserved
// verbatim; paths are never re-normalized (NFC/NFD) here.
type Mapper struct {
	localRoot  string
	remoteRoot string // e.g. "cloudreve://my-drive" (no trailing slash)
}

// New builds a Mapper for a mount. localRoot must be an absolute,
// existing directory (checked by the caller, per the Mount invariant);
// remoteRoot must be a well-formed URI.
func New(localRoot, remoteRoot string) (*Mapper, error) {
	if !filepath.IsAbs(localRoot) {
		return nil, fmt.Errorf("pathmap: local root %q is not absolute", localRoot)
	}
	if _, err := url.Parse(remoteRoot); err != nil {
		return nil, fmt.Errorf("pathmap: remote root %q is not a well-formed URI: %w", remoteRoot, err)
	}
	return &Mapper{
		localRoot:  filepath.Clean(localRoot),
		remoteRoot: strings.TrimSuffix(remoteRoot, "/"),
	}, nil
}

// LocalToRemote maps an absolute local path under the mount root to its
// remote URI. Fails with syncerr.OutsideMount if p is not under the root.
func (m *Mapper) LocalToRemote(p string) (string, error) {
	rel, err := filepath.Rel(m.localRoot, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", syncerr.Wrap(syncerr.KindOutsideMount, p, syncerr.OutsideMount)
	}
	if rel == "." {
		return m.remoteRoot + "/", nil
	}

	segments := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range segments {
		segments[i] = encodeSegment(seg)
	}
	return m.remoteRoot + "/" + strings.Join(segments, "/"), nil
}

// RemoteToLocal is the inverse of LocalToRemote.
func (m *Mapper) RemoteToLocal(u string) (string, error) {
	if !strings.HasPrefix(u, m.remoteRoot) {
		return "", syncerr.Wrap(syncerr.KindOutsideMount, u, syncerr.OutsideMount)
	}
	rel := strings.TrimPrefix(u, m.remoteRoot)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return m.localRoot, nil
	}

	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return "", fmt.Errorf("pathmap: invalid percent-encoding in %q: %w", u, err)
		}
		segments[i] = decoded
	}
	return filepath.Join(m.localRoot, filepath.Join(segments...)), nil
}

// LocalRoot returns the mount's local root directory.
func (m *Mapper) LocalRoot() string { return m.localRoot }

// RemoteRoot returns the mount's remote root URI (no trailing slash).
func (m *Mapper) RemoteRoot() string { return m.remoteRoot }

// encodeSegment percent-encodes a single path segment, leaving the
// segment's own bytes otherwise untouched (no Unicode normalization).
func encodeSegment(seg string) string {
	return url.PathEscape(seg)
}
