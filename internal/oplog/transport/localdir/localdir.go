// Package localdir is a file-based sync provider over a directory, typically
// a folder replicated by a third-party file sync tool. A Watcher reports
// chunk and manifest changes written by other devices.
package localdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/localfirst/opsync/internal/oplog/transport"
)

// Provider implements transport.FileProvider rooted at a directory.
type Provider struct {
	root string
}

// New creates a Provider, creating root if needed.
func New(root string) (*Provider, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sync directory: %w", err)
	}
	return &Provider{root: root}, nil
}

// Root returns the provider directory.
func (p *Provider) Root() string {
	return p.root
}

func (p *Provider) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sync directory", path)
	}
	return filepath.Join(p.root, clean), nil
}

// UploadFile writes data through a temp file and rename so readers never
// see a partial chunk.
func (p *Provider) UploadFile(ctx context.Context, path string, data []byte) error {
	full, err := p.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// DownloadFile implements transport.FileProvider.
func (p *Provider) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, transport.ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// ListFiles implements transport.FileProvider. Paths use forward slashes
// and are relative to the root.
func (p *Provider) ListFiles(ctx context.Context, dir string) ([]string, error) {
	full, err := p.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, strings.TrimSuffix(filepath.ToSlash(dir), "/")+"/"+e.Name())
	}
	sort.Strings(out)
	return out, nil
}
