package psvpfs

import (
	"os"
	"slices"
	"sort"

	"github.com/absfs/absfs"
)

// PathSet is a set of generic paths
type PathSet map[string]struct{}

// Add inserts p
func (s PathSet) Add(p string) {
	s[p] = struct{}{}
}

// Contains reports whether p is in the set
func (s PathSet) Contains(p string) bool {
	_, ok := s[p]
	return ok
}

// Len returns the number of paths
func (s PathSet) Len() int {
	return len(s)
}

// Sorted returns the paths in byte order
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TreeListing is the physical content of a title directory
type TreeListing struct {
	Files       PathSet
	Directories PathSet
}

func newTreeListing() *TreeListing {
	return &TreeListing{
		Files:       make(PathSet),
		Directories: make(PathSet),
	}
}

// EnumerateTree lists every file and directory under root, skipping what
// files.db never describes: sce_pfs directories, <root>/sce_sys/package and
// nested sce_sys directories that carry their own keystone (add-on
// content). Skipped directories are not descended into.
func EnumerateTree(fs absfs.FileSystem, root string) (*TreeListing, error) {
	listing := newTreeListing()
	if root == "" {
		return listing, nil
	}
	if fs == nil {
		return nil, ErrNilFileSystem
	}

	root = TrimTrailingSeparator(root)
	w := &treeWalker{
		fs:          fs,
		listing:     listing,
		rootSceSys:  joinGeneric(root, "sce_sys"),
		rootPackage: joinGeneric(joinGeneric(root, "sce_sys"), "package"),
	}
	if err := w.walk(root); err != nil {
		return nil, err
	}
	return listing, nil
}

type treeWalker struct {
	fs          absfs.FileSystem
	listing     *TreeListing
	rootSceSys  string
	rootPackage string
}

func (w *treeWalker) walk(dir string) error {
	names, err := w.readDirNames(dir)
	if err != nil {
		return err
	}

	for _, name := range names {
		p := joinGeneric(dir, name)
		if w.skip(p, name) {
			continue
		}

		info, err := w.fs.Stat(p)
		if err != nil {
			return NewIOError("stat", p, err)
		}
		if !info.IsDir() {
			w.listing.Files.Add(p)
			continue
		}

		w.listing.Directories.Add(p)
		if err := w.walk(p); err != nil {
			return err
		}
	}
	return nil
}

func (w *treeWalker) skip(p, name string) bool {
	switch {
	case name == "sce_pfs":
		return true
	case p == w.rootPackage:
		return true
	case name == "sce_sys" && p != w.rootSceSys:
		_, err := w.fs.Stat(joinGeneric(p, "keystone"))
		return err == nil
	}
	return false
}

func (w *treeWalker) readDirNames(dir string) ([]string, error) {
	f, err := w.fs.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewIOError("open", dir, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, NewIOError("readdir", dir, err)
	}
	slices.Sort(names)
	return names, nil
}

func joinGeneric(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
