package psvpfs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/absfs/absfs"
)

// HostFS is an absfs.FileSystem over the operating system's filesystem.
// Names are generic (slash separated); with a non-empty root they are
// resolved below it, otherwise they are used as host paths.
type HostFS struct {
	root string
	cwd  string
}

// NewHostFS creates a host filesystem rooted at root ("" for none)
func NewHostFS(root string) *HostFS {
	return &HostFS{root: root}
}

var _ absfs.FileSystem = (*HostFS)(nil)

func (fs *HostFS) native(name string) string {
	p := filepath.FromSlash(name)
	if fs.root == "" {
		return p
	}
	return filepath.Join(fs.root, p)
}

func (fs *HostFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	p := fs.native(name)
	if flag&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(p, flag, perm)
}

func (fs *HostFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.native(name), perm)
}

func (fs *HostFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.native(name), perm)
}

func (fs *HostFS) Remove(name string) error {
	return os.Remove(fs.native(name))
}

func (fs *HostFS) RemoveAll(path string) error {
	return os.RemoveAll(fs.native(path))
}

func (fs *HostFS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.native(oldpath), fs.native(newpath))
}

func (fs *HostFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.native(name))
}

func (fs *HostFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.native(name), mode)
}

func (fs *HostFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.native(name), atime, mtime)
}

func (fs *HostFS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.native(name), uid, gid)
}

func (fs *HostFS) Separator() uint8 {
	return '/'
}

func (fs *HostFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

// Chdir only records dir; names are never resolved against it
func (fs *HostFS) Chdir(dir string) error {
	fs.cwd = dir
	return nil
}

func (fs *HostFS) Getwd() (string, error) {
	if fs.cwd == "" {
		return "/", nil
	}
	return fs.cwd, nil
}

func (fs *HostFS) TempDir() string {
	return filepath.ToSlash(os.TempDir())
}

func (fs *HostFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *HostFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *HostFS) Truncate(name string, size int64) error {
	return os.Truncate(fs.native(name), size)
}
