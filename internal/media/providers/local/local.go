// Package local implements media.StorageProvider on a single flat directory.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/socialdeskhq/socialdesk/internal/media"
)

// Provider stores media objects as files under one directory.
type Provider struct {
	dir string
}

// New creates a local storage provider rooted at dir, creating it if needed.
func New(dir string) (*Provider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve media dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Provider{dir: abs}, nil
}

// Put writes data to a file named by key.
func (p *Provider) Put(_ context.Context, key string, reader io.Reader) error {
	dest, err := p.path(key)
	if err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Open reads a stored object.
func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes a stored object. Missing objects are not an error.
func (p *Provider) Delete(_ context.Context, key string) error {
	dest, err := p.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AccessPath returns the serving path for a storage key.
func (p *Provider) AccessPath(key string) string {
	return media.RefPrefix + key
}

func (p *Provider) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("storage key is required")
	}
	dest := filepath.Join(p.dir, filepath.Clean(key))
	if !strings.HasPrefix(dest, p.dir+string(filepath.Separator)) {
		return "", media.ErrPathTraversal
	}
	return dest, nil
}
