package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsStore writes blobs under a local directory. It exists for development and
// tests; the "signed URL" is a file:// link with the expiry as a query hint
// (nothing enforces it locally).
type fsStore struct {
	dir string
}

func newFS(dir string) (Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("blob dir is required for fs driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fsStore{dir: dir}, nil
}

func (s *fsStore) Put(_ context.Context, key string, data []byte, _ string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *fsStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "file",
		Path:     abs,
		RawQuery: fmt.Sprintf("expires=%d", time.Now().Add(ttl).Unix()),
	}
	return u.String(), nil
}

// resolve maps a blob key onto the base dir, rejecting path escapes.
func (s *fsStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}
