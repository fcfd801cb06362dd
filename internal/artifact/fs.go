package artifact

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// FS stores artifacts under a base directory, one file per key. The default
// driver for local development.
type FS struct {
	root string
}

// NewFS creates a filesystem-backed artifact store rooted at dir.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create root %s", dir)
	}
	return &FS{root: dir}, nil
}

func (f *FS) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FS) Put(_ context.Context, key string, data []byte, _ string) (Ref, error) {
	dst := f.path(key)
	if _, err := os.Stat(dst); err == nil {
		return Ref(key), nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", eris.Wrapf(err, "artifact: mkdir for %s", key)
	}

	// Write to a temp file then rename so a crashed write never leaves a
	// partial blob behind a valid key.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return "", eris.Wrap(err, "artifact: create temp")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", eris.Wrapf(err, "artifact: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", eris.Wrapf(err, "artifact: close %s", key)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", eris.Wrapf(err, "artifact: rename %s", key)
	}
	return Ref(key), nil
}

func (f *FS) Get(_ context.Context, ref Ref) ([]byte, error) {
	data, err := os.ReadFile(f.path(string(ref)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: read %s", ref)
	}
	return data, nil
}

func (f *FS) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "artifact: stat %s", key)
	}
	return true, nil
}
