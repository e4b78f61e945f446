package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalProvider copies objects into a directory, for CI runners that archive
// a workspace path instead of talking to object storage
type LocalProvider struct {
	root string
}

// NewLocalProvider creates a new LocalProvider
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

// Name returns the provider name
func (l *LocalProvider) Name() string {
	return "local"
}

// Configure reads the destination path
func (l *LocalProvider) Configure(settings map[string]string) error {
	root, ok := required(settings, "path")
	if !ok {
		return fmt.Errorf("local: path is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("local: invalid path %q: %w", root, err)
	}
	l.root = abs
	return nil
}

// Prepare creates the destination directory
func (l *LocalProvider) Prepare(ctx context.Context) error {
	if l.root == "" {
		return fmt.Errorf("local: provider not configured")
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("local: failed to create %s: %w", l.root, err)
	}
	return nil
}

// Upload writes reader to root/key
func (l *LocalProvider) Upload(ctx context.Context, reader io.Reader, key string) error {
	if l.root == "" {
		return fmt.Errorf("local: provider not configured")
	}
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("local: key %q escapes the destination", key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.Join(l.root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("local: failed to create directory for %s: %w", key, err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("local: failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		return fmt.Errorf("local: failed to write %s: %w", dst, err)
	}
	return f.Close()
}

// Location returns the destination file path of key
func (l *LocalProvider) Location(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}
