// Package attachments moves attachment bytes between the saved (draft) root,
// the evictable cache root, memory and remote URLs.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/messages"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Fetcher downloads remote attachment bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Manager resolves attachment storage against two roots that are never mixed up:
// saved files live under savedDir, cached files under cacheDir.
type Manager struct {
	savedDir string
	cacheDir string
	fetcher  Fetcher
	log      *zap.Logger
}

// New constructs a manager. A nil fetcher uses HTTPFetcher.
func New(savedDir, cacheDir string, fetcher Fetcher, log *zap.Logger) *Manager {
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{savedDir: savedDir, cacheDir: cacheDir, fetcher: fetcher, log: log}
}

// CacheDir returns the cache root.
func (m *Manager) CacheDir() string { return m.cacheDir }

// Store writes data under the saved root and returns its relative path.
func (m *Manager) Store(data []byte, filename string) (string, error) {
	rel, err := newRelPath(filename)
	if err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(m.savedDir, rel), data); err != nil {
		return "", fmt.Errorf("store attachment: %w", err)
	}
	return rel, nil
}

// StoreFile copies the file at src under the saved root and returns its relative path.
func (m *Manager) StoreFile(src, filename string) (string, error) {
	if filename == "" {
		filename = filepath.Base(src)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("store attachment: %w", err)
	}
	defer in.Close()

	rel, err := newRelPath(filename)
	if err != nil {
		return "", err
	}
	if err := copyInto(filepath.Join(m.savedDir, rel), in); err != nil {
		return "", fmt.Errorf("store attachment: %w", err)
	}
	return rel, nil
}

// NewAttachment stores data as a draft file and describes it.
func (m *Manager) NewAttachment(data []byte, filename string) (messages.Attachment, error) {
	rel, err := m.Store(data, filename)
	if err != nil {
		return messages.Attachment{}, err
	}
	return messages.Attachment{
		ContentType: DetectContentType(data),
		Filename:    filename,
		Storage:     messages.Saved{Path: rel},
	}, nil
}

// CacheQueued moves a saved file into the cache root. Other storage passes through.
func (m *Manager) CacheQueued(a messages.Attachment) (messages.Storage, error) {
	s, ok := a.Storage.(messages.Saved)
	if !ok {
		return a.Storage, nil
	}
	from := filepath.Join(m.savedDir, s.Path)
	to := filepath.Join(m.cacheDir, s.Path)
	if !exists(from) {
		return nil, fmt.Errorf("saved attachment %q: %w", s.Path, errs.ErrMissingResource)
	}
	if err := os.MkdirAll(filepath.Dir(to), dirPerm); err != nil {
		return nil, err
	}
	if err := os.Rename(from, to); err != nil {
		if err := moveByCopy(from, to); err != nil {
			return nil, fmt.Errorf("cache attachment: %w", err)
		}
	}
	_ = os.Remove(filepath.Dir(from))
	return messages.Cached{Path: s.Path}, nil
}

// Download makes the attachment available locally and returns its path and
// resulting storage. Remote and in-memory attachments land in the cache root.
func (m *Manager) Download(ctx context.Context, a messages.Attachment) (string, messages.Storage, error) {
	switch s := a.Storage.(type) {
	case messages.Remote:
		rel, err := newRelPath(remoteName(a, s.URL))
		if err != nil {
			return "", nil, err
		}
		body, err := m.fetcher.Fetch(ctx, s.URL)
		if err != nil {
			return "", nil, fmt.Errorf("fetch attachment: %w", err)
		}
		defer body.Close()
		dst := filepath.Join(m.cacheDir, rel)
		if err := copyInto(dst, body); err != nil {
			return "", nil, fmt.Errorf("fetch attachment: %w", err)
		}
		m.log.Debug("attachment downloaded", zap.String("path", rel))
		return dst, messages.Cached{Path: rel}, nil
	case messages.Cached, messages.Saved:
		p, _ := m.Path(a)
		if !exists(p) {
			return "", nil, fmt.Errorf("attachment %s: %w", a.Storage.Kind(), errs.ErrMissingResource)
		}
		return p, a.Storage, nil
	case messages.InMemory:
		rel, err := newRelPath(a.Filename)
		if err != nil {
			return "", nil, err
		}
		dst := filepath.Join(m.cacheDir, rel)
		if err := writeFile(dst, s.Data); err != nil {
			return "", nil, fmt.Errorf("write attachment: %w", err)
		}
		return dst, messages.Cached{Path: rel}, nil
	}
	return "", nil, fmt.Errorf("attachment without storage: %w", errs.ErrMissingResource)
}

// Present reports whether a saved or cached file exists.
func (m *Manager) Present(a messages.Attachment) bool {
	p, ok := m.Path(a)
	return ok && exists(p)
}

// Path resolves saved and cached storage to an absolute file path.
func (m *Manager) Path(a messages.Attachment) (string, bool) {
	switch s := a.Storage.(type) {
	case messages.Saved:
		return filepath.Join(m.savedDir, s.Path), true
	case messages.Cached:
		return filepath.Join(m.cacheDir, s.Path), true
	}
	return "", false
}

// RemoveSaved deletes the draft file of a saved attachment.
func (m *Manager) RemoveSaved(a messages.Attachment) error {
	s, ok := a.Storage.(messages.Saved)
	if !ok {
		return nil
	}
	p := filepath.Join(m.savedDir, s.Path)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	_ = os.Remove(filepath.Dir(p))
	return nil
}

// EvictCache empties the cache root, keeping the directory itself.
func (m *Manager) EvictCache() error {
	entries, err := os.ReadDir(m.cacheDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("evict cache: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(m.cacheDir, e.Name())); err != nil {
			return fmt.Errorf("evict cache: %w", err)
		}
	}
	m.log.Info("attachment cache evicted", zap.Int("entries", len(entries)))
	return nil
}

// DetectContentType sniffs the MIME type of data.
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// DetectFileContentType sniffs the MIME type of the file at path.
func DetectFileContentType(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	return mt.String(), nil
}

// newRelPath returns "<uuid>/<name>" so equal file names never collide.
func newRelPath(filename string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return filepath.Join(id.String(), sanitize(filename)), nil
}

func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" || name == ".." {
		return "attachment"
	}
	return name
}

func remoteName(a messages.Attachment, url string) string {
	if a.Filename != "" {
		return a.Filename
	}
	if i := strings.LastIndexByte(url, '/'); i >= 0 && i < len(url)-1 {
		name := url[i+1:]
		if q := strings.IndexAny(name, "?#"); q >= 0 {
			name = name[:q]
		}
		return name
	}
	return ""
}

func exists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func writeFile(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return err
	}
	return os.WriteFile(p, data, filePerm)
}

func copyInto(p string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return err
	}
	return f.Close()
}

func moveByCopy(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	if err := copyInto(to, in); err != nil {
		_ = in.Close()
		return err
	}
	_ = in.Close()
	return os.Remove(from)
}
