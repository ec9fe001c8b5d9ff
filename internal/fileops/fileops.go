// Package fileops resolves and manages the on-disk artifacts of batches. Every
// batch owns the directory named after its ID below the download root.
package fileops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/italolelis/batch_downloader/internal/batch"
)

// Files is backed by a billy filesystem rooted at the download directory.
type Files struct {
	fs billy.Filesystem
}

func New(fs billy.Filesystem) *Files {
	return &Files{fs: fs}
}

// NewOS roots Files at dir on the local disk.
func NewOS(dir string) *Files {
	return New(osfs.New(dir))
}

func NewInMemory() *Files {
	return New(memfs.New())
}

// Raw returns the underlying filesystem.
//
//nolint:ireturn // exposes the adapter target
func (f *Files) Raw() billy.Filesystem {
	return f.fs
}

// Dir is the directory holding the artifacts of a batch. IDs that would not
// resolve to a directory of their own below the root are rejected.
func (f *Files) Dir(id batch.ID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("fileops: %w", err)
	}

	return string(id), nil
}

// Path resolves rel inside the batch directory. It never escapes it.
func (f *Files) Path(id batch.ID, rel string) (string, error) {
	dir, err := f.Dir(id)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, filepath.Clean("/"+rel)), nil
}

// Size reports the bytes already on disk for a file; a missing file has zero.
func (f *Files) Size(id batch.ID, rel string) (int64, error) {
	name, err := f.Path(id, rel)
	if err != nil {
		return 0, err
	}

	info, err := f.fs.Stat(name)
	switch {
	case err == nil:
		return info.Size(), nil
	case errors.Is(err, os.ErrNotExist):
		return 0, nil
	default:
		return 0, fmt.Errorf("fileops: stat %q: %w", name, err)
	}
}

// OpenAppend opens a file for appending, creating it and its parents as needed.
//
//nolint:ireturn // billy.File is the upstream handle type
func (f *Files) OpenAppend(id batch.ID, rel string) (billy.File, error) {
	return f.open(id, rel, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
}

// Create opens a file for writing from scratch, dropping any previous content.
//
//nolint:ireturn // billy.File is the upstream handle type
func (f *Files) Create(id batch.ID, rel string) (billy.File, error) {
	return f.open(id, rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

func (f *Files) open(id batch.ID, rel string, flag int) (billy.File, error) {
	name, err := f.Path(id, rel)
	if err != nil {
		return nil, err
	}

	if err := f.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, fmt.Errorf("fileops: mkdirall %q: %w", filepath.Dir(name), err)
	}

	file, err := f.fs.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fileops: open %q: %w", name, err)
	}

	return file, nil
}

// RemoveFiles deletes the listed files and then the batch directory with
// anything left in it. Files that are already gone are ignored.
func (f *Files) RemoveFiles(id batch.ID, files []batch.File) error {
	dir, err := f.Dir(id)
	if err != nil {
		return err
	}

	var errs []error

	for _, file := range files {
		name := filepath.Join(dir, filepath.Clean("/"+file.Path))
		if err := f.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("fileops: remove %q: %w", name, err))
		}
	}

	if err := util.RemoveAll(f.fs, dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("fileops: remove dir %q: %w", dir, err))
	}

	return errors.Join(errs...)
}
