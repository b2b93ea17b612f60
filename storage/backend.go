// Package storage is the byte-addressable hierarchical store behind the node tree.
// Paths are slash-separated and relative to the backend root.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

type Backend interface {
	Exists(p string) (bool, error)
	OpenRead(p string) (io.ReadCloser, error)
	// Write stores r at p, creating parent directories, and returns size and sha256 hex.
	Write(p string, r io.Reader) (int64, string, error)
	// Delete removes a file or a directory tree. A missing path is not an error.
	Delete(p string) error
	// DeleteFile removes a regular file and refuses directories. A missing path is not an error.
	DeleteFile(p string) error
	IsDir(p string) (bool, error)
	Mkdir(p string) error
}

// IOError wraps every backend failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

var ErrIsDirectory = errors.New("is a directory")

type billyBackend struct {
	fs billy.Filesystem
}

func New(fs billy.Filesystem) Backend {
	return &billyBackend{fs: fs}
}

func NewLocal(basePath string) Backend {
	return New(osfs.New(basePath))
}

func Clean(p string) string {
	cleaned := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(cleaned, "/")
}

func (b *billyBackend) Exists(p string) (bool, error) {
	_, err := b.fs.Stat(Clean(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &IOError{Op: "stat", Path: p, Err: err}
}

func (b *billyBackend) OpenRead(p string) (io.ReadCloser, error) {
	p = Clean(p)
	info, err := b.fs.Stat(p)
	if err != nil {
		return nil, &IOError{Op: "open", Path: p, Err: err}
	}
	if info.IsDir() {
		return nil, &IOError{Op: "open", Path: p, Err: ErrIsDirectory}
	}
	f, err := b.fs.Open(p)
	if err != nil {
		return nil, &IOError{Op: "open", Path: p, Err: err}
	}
	return f, nil
}

func (b *billyBackend) Write(p string, r io.Reader) (int64, string, error) {
	p = Clean(p)
	dir := path.Dir(p)
	if dir != "." {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, "", &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	tmp, err := b.fs.TempFile(dir, ".upload-")
	if err != nil {
		return 0, "", &IOError{Op: "write", Path: p, Err: err}
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = b.fs.Remove(tmpName)
		return 0, "", &IOError{Op: "write", Path: p, Err: err}
	}

	if err := b.fs.Rename(tmpName, p); err != nil {
		_ = b.fs.Remove(tmpName)
		return 0, "", &IOError{Op: "rename", Path: p, Err: err}
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (b *billyBackend) Delete(p string) error {
	p = Clean(p)
	if p == "" {
		return &IOError{Op: "delete", Path: p, Err: errors.New("refusing to delete backend root")}
	}
	info, err := b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "delete", Path: p, Err: err}
	}
	if info.IsDir() {
		err = util.RemoveAll(b.fs, p)
	} else {
		err = b.fs.Remove(p)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "delete", Path: p, Err: err}
	}
	return nil
}

func (b *billyBackend) DeleteFile(p string) error {
	p = Clean(p)
	info, err := b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "delete", Path: p, Err: err}
	}
	if info.IsDir() {
		return &IOError{Op: "delete", Path: p, Err: ErrIsDirectory}
	}
	if err := b.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "delete", Path: p, Err: err}
	}
	return nil
}

func (b *billyBackend) IsDir(p string) (bool, error) {
	p = Clean(p)
	if p == "" {
		return true, nil
	}
	info, err := b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &IOError{Op: "stat", Path: p, Err: err}
	}
	return info.IsDir(), nil
}

func (b *billyBackend) Mkdir(p string) error {
	p = Clean(p)
	if err := b.fs.MkdirAll(p, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}
