package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
)

// overlay is a copy-on-write view of a workspace directory. Reads fall
// through to disk until a path is touched; every mutation lands in memory.
// Preview runs never flush; real runs flush after each successful operation
// so rollback can restore the exact pre-state.
type overlay struct {
	root  string
	files map[string]*overlayFile // keyed by repo-relative path
	dirs  map[string]bool         // dirs created in the overlay
}

type overlayFile struct {
	content []byte
	mode    fs.FileMode
	deleted bool
}

func newOverlay(root string) *overlay {
	return &overlay{
		root:  root,
		files: make(map[string]*overlayFile),
		dirs:  make(map[string]bool),
	}
}

// rel normalizes a caller path to the repo-relative overlay key.
func (o *overlay) rel(path string) (string, error) {
	abs, err := SafeJoin(o.root, path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(o.root, abs)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %q: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}

func (o *overlay) read(path string) ([]byte, fs.FileMode, error) {
	key, err := o.rel(path)
	if err != nil {
		return nil, 0, err
	}
	if f, ok := o.files[key]; ok {
		if f.deleted {
			return nil, 0, &brokererrors.NotFoundError{Path: path}
		}
		return f.content, f.mode, nil
	}
	abs := filepath.Join(o.root, filepath.FromSlash(key))
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &brokererrors.NotFoundError{Path: path}
		}
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	mode := fs.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	return data, mode, nil
}

func (o *overlay) exists(path string) bool {
	key, err := o.rel(path)
	if err != nil {
		return false
	}
	if f, ok := o.files[key]; ok {
		return !f.deleted
	}
	if o.dirs[key] {
		return true
	}
	_, err = os.Stat(filepath.Join(o.root, filepath.FromSlash(key)))
	return err == nil
}

func (o *overlay) write(path string, content []byte, mode fs.FileMode) error {
	key, err := o.rel(path)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = fs.FileMode(0o644)
		if _, existingMode, err := o.read(path); err == nil {
			mode = existingMode
		}
	}
	o.files[key] = &overlayFile{content: content, mode: mode}
	return nil
}

func (o *overlay) delete(path string) error {
	key, err := o.rel(path)
	if err != nil {
		return err
	}
	if !o.exists(path) {
		return &brokererrors.NotFoundError{Path: path}
	}
	o.files[key] = &overlayFile{deleted: true}
	return nil
}

func (o *overlay) rename(src, dst string) error {
	content, mode, err := o.read(src)
	if err != nil {
		return err
	}
	if err := o.write(dst, content, mode); err != nil {
		return err
	}
	return o.delete(src)
}

func (o *overlay) mkdir(path string) error {
	key, err := o.rel(path)
	if err != nil {
		return err
	}
	o.dirs[key] = true
	return nil
}

// touched returns the overlay keys with pending changes, sorted for
// deterministic flush and result ordering.
func (o *overlay) touched() []string {
	keys := make([]string, 0, len(o.files))
	for k := range o.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// flush writes the overlay state for the given keys to disk. File writes are
// atomic: temp file in the same directory, fsync, rename, directory fsync.
func (o *overlay) flush(keys []string, createParents bool) error {
	for key := range o.dirs {
		if err := os.MkdirAll(filepath.Join(o.root, filepath.FromSlash(key)), 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", key, err)
		}
	}
	for _, key := range keys {
		f, ok := o.files[key]
		if !ok {
			continue
		}
		abs := filepath.Join(o.root, filepath.FromSlash(key))
		if f.deleted {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
			continue
		}
		if createParents {
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", key, err)
			}
		}
		if err := atomicWriteFile(abs, f.content, f.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}
	return nil
}

// atomicWriteFile replaces path's contents without a window where readers
// can observe a partial file.
func atomicWriteFile(path string, content []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if mode != 0 {
		if err := os.Chmod(tmpName, mode); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	// Directory fsync makes the rename durable, not just ordered.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
