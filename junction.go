package psvpfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/absfs/absfs"
)

// GenericPath converts backslashes to forward slashes
func GenericPath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// TrimTrailingSeparator returns p in generic form with one trailing
// separator removed. A lone separator is returned unchanged.
func TrimTrailingSeparator(p string) string {
	p = GenericPath(p)
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return p[:len(p)-1]
	}
	return p
}

// SourcePathToDestPath maps p, which lives under srcRoot, to the same
// relative location under dstRoot.
func SourcePathToDestPath(srcRoot, dstRoot, p string) (string, error) {
	src := path.Clean(GenericPath(srcRoot))
	dst := path.Clean(GenericPath(dstRoot))
	cp := path.Clean(GenericPath(p))

	if cp == src {
		return dst, nil
	}
	rel, ok := relativeTo(src, cp)
	if !ok {
		return "", &ValidationError{
			Field:   "path",
			Value:   p,
			Message: fmt.Sprintf("%s is not under %s", p, srcRoot),
		}
	}
	return path.Join(dst, rel), nil
}

// relativeTo returns p relative to src; both are clean generic paths.
// Every relative path that does not climb out is under ".".
func relativeTo(src, p string) (string, bool) {
	if src == "." {
		if path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
			return "", false
		}
		return p, true
	}
	prefix := src
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.CutPrefix(p, prefix)
}

// Junction binds a virtual archive path to the physical file that backs it.
//
// Junctions compare case-insensitively: files.db paths do not always match
// the case of the files on disk. The real path takes no part in equality
// or ordering.
type Junction struct {
	value string
	real  string
}

// NewJunction creates an unbound junction for a virtual path
func NewJunction(p string) Junction {
	return Junction{value: p}
}

// Path returns the virtual path
func (j Junction) Path() string {
	return j.value
}

// RealPath returns the bound physical path, or "" if unbound
func (j Junction) RealPath() string {
	return j.real
}

// IsBound reports whether LinkToReal has been called with a non-empty path
func (j Junction) IsBound() bool {
	return j.real != ""
}

// String returns the virtual path in generic form
func (j Junction) String() string {
	return GenericPath(j.value)
}

// Equal compares the virtual path to p ignoring case and separator style
func (j Junction) Equal(p string) bool {
	return strings.EqualFold(GenericPath(j.value), GenericPath(p))
}

// EqualJunction compares two junctions by virtual path
func (j Junction) EqualJunction(o Junction) bool {
	return j.Equal(o.value)
}

// Compare orders junctions byte-wise by virtual path
func (j Junction) Compare(o Junction) int {
	return strings.Compare(j.value, o.value)
}

// Less reports whether j sorts before o
func (j Junction) Less(o Junction) bool {
	return j.Compare(o) < 0
}

// SortJunctions sorts js in place by virtual path
func SortJunctions(js []Junction) {
	slices.SortFunc(js, Junction.Compare)
}

// LinkToReal binds j to the virtual path of o, normally a physical entry
// from the tree listing.
func (j *Junction) LinkToReal(o Junction) {
	j.real = o.value
}

func (j Junction) requireBound() error {
	if j.IsBound() {
		return nil
	}
	return &ValidationError{
		Field:   "junction",
		Value:   j.value,
		Message: "junction is not bound",
		Err:     ErrJunctionUnbound,
	}
}

// FileSize returns the size of the bound physical file
func (j Junction) FileSize(fs absfs.FileSystem) (int64, error) {
	if err := j.requireBound(); err != nil {
		return 0, err
	}
	info, err := fs.Stat(j.real)
	if err != nil {
		return 0, NewIOError("stat", j.real, err)
	}
	return info.Size(), nil
}

// Open opens the bound physical file for reading. It reports false if the
// junction is unbound or the file cannot be opened.
func (j Junction) Open(fs absfs.FileSystem) (absfs.File, bool) {
	if !j.IsBound() {
		return nil, false
	}
	f, err := fs.Open(j.real)
	if err != nil {
		return nil, false
	}
	return f, true
}

func (j Junction) destPath(srcRoot, dstRoot string) (string, error) {
	if err := j.requireBound(); err != nil {
		return "", err
	}
	return SourcePathToDestPath(srcRoot, dstRoot, j.real)
}

// CreateEmptyDirectory creates the destination counterpart of the bound
// directory, with all missing parents.
func (j Junction) CreateEmptyDirectory(fs absfs.FileSystem, srcRoot, dstRoot string) error {
	newPath, err := j.destPath(srcRoot, dstRoot)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(newPath, 0755); err != nil {
		return NewIOError("mkdir", newPath, err)
	}
	return nil
}

// CreateEmptyFile creates or truncates the destination counterpart of the
// bound file and returns it open for writing. The caller closes it.
func (j Junction) CreateEmptyFile(fs absfs.FileSystem, srcRoot, dstRoot string) (absfs.File, error) {
	newPath, err := j.destPath(srcRoot, dstRoot)
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(path.Dir(newPath), 0755); err != nil {
		return nil, NewIOError("mkdir", path.Dir(newPath), err)
	}

	f, err := fs.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, NewIOError("create", newPath, err)
	}
	return f, nil
}

// TouchEmptyFile is CreateEmptyFile followed by Close
func (j Junction) TouchEmptyFile(fs absfs.FileSystem, srcRoot, dstRoot string) error {
	f, err := j.CreateEmptyFile(fs, srcRoot, dstRoot)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return NewIOError("close", f.Name(), err)
	}
	return nil
}

// CopyExistingFile copies the bound file to its destination counterpart,
// replacing whatever is there.
func (j Junction) CopyExistingFile(fs absfs.FileSystem, srcRoot, dstRoot string) error {
	newPath, err := j.destPath(srcRoot, dstRoot)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(path.Dir(newPath), 0755); err != nil {
		return NewIOError("mkdir", path.Dir(newPath), err)
	}

	if _, err := fs.Stat(newPath); err == nil {
		if err := fs.Remove(newPath); err != nil {
			return NewIOError("remove", newPath, err)
		}
	}

	if err := copyFile(fs, j.real, newPath); err != nil {
		return err
	}

	if _, err := fs.Stat(newPath); err != nil {
		return NewIOError("copy", newPath, err)
	}
	return nil
}

// CopyExistingFileSize copies the bound file and truncates the copy to
// exactly size bytes.
func (j Junction) CopyExistingFileSize(fs absfs.FileSystem, srcRoot, dstRoot string, size int64) error {
	if err := ValidateSize(size, "size"); err != nil {
		return err
	}
	if err := j.CopyExistingFile(fs, srcRoot, dstRoot); err != nil {
		return err
	}

	newPath, err := j.destPath(srcRoot, dstRoot)
	if err != nil {
		return err
	}
	if err := fs.Truncate(newPath, size); err != nil {
		return NewIOError("truncate", newPath, err)
	}
	return nil
}

func copyFile(fs absfs.FileSystem, from, to string) error {
	in, err := fs.Open(from)
	if err != nil {
		return NewIOError("open", from, err)
	}
	defer in.Close()

	out, err := fs.OpenFile(to, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return NewIOError("create", to, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return NewIOError("copy", to, err)
	}
	if err := out.Close(); err != nil {
		return NewIOError("close", to, err)
	}
	return nil
}
