// Package staging keeps uploaded files between the message that delivers
// them and the message that names their header row.
//
// Files live under an afs base URL (mem:// by default, file:// or any other
// registered scheme in production) at <base>/<conversation-hash>/<uuid>.<ext>.
// The conversation state stores only the returned Ref.
package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// DefaultBaseURL keeps staged files in process memory.
const DefaultBaseURL = "mem://localhost/staging"

// ErrNotFound means a Ref no longer resolves to staged bytes.
var ErrNotFound = errors.New("staged file not found")

// Ref is an opaque handle to staged bytes.
type Ref string

// Store stages files in an afs file system.
type Store struct {
	fs   afs.Service
	base string
}

// New returns a Store rooted at baseURL. A nil fs uses afs.New().
func New(fs afs.Service, baseURL string) *Store {
	if fs == nil {
		fs = afs.New()
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Store{fs: fs, base: baseURL}
}

// BaseURL returns the root all refs live under.
func (s *Store) BaseURL() string { return s.base }

// Stage writes data for conversation key and returns its Ref. The original
// file name only contributes its extension.
func (s *Store) Stage(ctx context.Context, key, name string, data []byte) (Ref, error) {
	dir := s.dir(key)
	exists, err := s.fs.Exists(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("stage: check %s: %w", dir, err)
	}
	if !exists {
		if err := s.fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
			return "", fmt.Errorf("stage: create %s: %w", dir, err)
		}
	}

	dest := url.Join(dir, uuid.NewString()+strings.ToLower(path.Ext(name)))
	if err := s.fs.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("stage: upload %s: %w", dest, err)
	}
	return Ref(dest), nil
}

// Open returns the bytes behind ref, or ErrNotFound.
func (s *Store) Open(ctx context.Context, ref Ref) ([]byte, error) {
	if !s.Owns(ref) {
		return nil, fmt.Errorf("open %q: %w", ref, ErrNotFound)
	}
	exists, err := s.fs.Exists(ctx, string(ref))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	if !exists {
		return nil, fmt.Errorf("open %s: %w", ref, ErrNotFound)
	}
	data, err := s.fs.DownloadWithURL(ctx, string(ref))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	return data, nil
}

// Discard removes ref. Missing files and foreign refs are ignored.
func (s *Store) Discard(ctx context.Context, ref Ref) error {
	if ref == "" || !s.Owns(ref) {
		return nil
	}
	exists, err := s.fs.Exists(ctx, string(ref))
	if err != nil || !exists {
		return err
	}
	if err := s.fs.Delete(ctx, string(ref)); err != nil {
		return fmt.Errorf("discard %s: %w", ref, err)
	}
	return nil
}

// Purge removes everything staged for conversation key.
func (s *Store) Purge(ctx context.Context, key string) error {
	dir := s.dir(key)
	exists, err := s.fs.Exists(ctx, dir)
	if err != nil || !exists {
		return err
	}
	if err := s.fs.Delete(ctx, dir); err != nil {
		return fmt.Errorf("purge %s: %w", dir, err)
	}
	return nil
}

// Owns reports whether ref was issued by this store.
func (s *Store) Owns(ref Ref) bool {
	return strings.HasPrefix(string(ref), s.base+"/")
}

// dir hashes the conversation key so arbitrary channel ids are safe path
// segments.
func (s *Store) dir(key string) string {
	sum := sha256.Sum256([]byte(key))
	return url.Join(s.base, hex.EncodeToString(sum[:12]))
}
