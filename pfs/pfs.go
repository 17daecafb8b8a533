// Package pfs mounts a PS Vita package filesystem: it reads and verifies
// sce_pfs/files.db, binds every record to the physical file that backs it
// and writes the title out to a destination directory.
package pfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/absfs/absfs"
	"github.com/absfs/psvpfs"
)

// FileType is the files.db entry type
type FileType uint16

const (
	TypeUnexisting       FileType = 0x00
	TypeNormalFile       FileType = 0x01
	TypeUnencryptedSysRW FileType = 0x06
	TypeEncryptedSysRW   FileType = 0x07
	TypeUnencryptedSysRO FileType = 0x0E
	TypeEncryptedSysRO   FileType = 0x0F
	TypeNormalDirectory  FileType = 0x8000
	TypeSysDirectory     FileType = 0xC000
)

// IsDirectory reports whether the type describes a directory
func (t FileType) IsDirectory() bool {
	return t&0x8000 != 0
}

// IsEncrypted reports whether the file content needs decrypting
func (t FileType) IsEncrypted() bool {
	switch t {
	case TypeNormalFile, TypeEncryptedSysRW, TypeEncryptedSysRO:
		return true
	}
	return false
}

func (t FileType) isUnencrypted() bool {
	return t == TypeUnencryptedSysRW || t == TypeUnencryptedSysRO
}

// String returns the string representation of the type
func (t FileType) String() string {
	switch {
	case t.IsDirectory():
		return "directory"
	case t.IsEncrypted():
		return "encrypted"
	case t.isUnencrypted():
		return "unencrypted"
	case t == TypeUnexisting:
		return "unexisting"
	default:
		return fmt.Sprintf("unknown(%#x)", uint16(t))
	}
}

// FileEntry is one files.db record bound to its physical path
type FileEntry struct {
	Junction    psvpfs.Junction
	Index       uint32
	ParentIndex uint32
	Type        FileType
	Size        uint32
}

// Path returns the virtual path of the entry
func (e *FileEntry) Path() string {
	return e.Junction.Path()
}

// ContentDecrypter decrypts the content of encrypted files
type ContentDecrypter interface {
	DecryptFile(entry *FileEntry, src io.Reader, dst io.Writer) error
}

// ErrNoContentDecrypter is returned when an encrypted file is met and no
// ContentDecrypter is configured
var ErrNoContentDecrypter = errors.New("pfs: no content decrypter configured")

// Summary counts what DecryptFiles wrote
type Summary struct {
	Directories int
	Files       int
	Decrypted   int
	Copied      int
	Bytes       int64
}

// Option configures a Filesystem
type Option func(*Filesystem)

// WithLogger sets the logger; the default is slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(p *Filesystem) {
		p.logger = logger
	}
}

// WithContentDecrypter sets the decrypter used for encrypted files
func WithContentDecrypter(d ContentDecrypter) Option {
	return func(p *Filesystem) {
		p.decrypter = d
	}
}

// Filesystem is a title directory opened for decryption
type Filesystem struct {
	fs        absfs.FileSystem
	crypto    psvpfs.CryptoService
	f00d      psvpfs.KeyEncryptor
	klicensee psvpfs.Klicensee
	root      string

	logger    *slog.Logger
	decrypter ContentDecrypter

	db        *FilesDB
	imageType ImageType
	entries   []FileEntry
	extraDirs []psvpfs.Junction
	extra     []psvpfs.Junction
	summary   Summary
}

// New prepares the title at root for mounting
func New(fs absfs.FileSystem, crypto psvpfs.CryptoService, f00d psvpfs.KeyEncryptor, klicensee psvpfs.Klicensee, root string, opts ...Option) (*Filesystem, error) {
	if fs == nil {
		return nil, psvpfs.ErrNilFileSystem
	}
	if crypto == nil {
		return nil, psvpfs.NewValidationError("crypto", nil, "crypto service cannot be nil")
	}
	if f00d == nil {
		return nil, psvpfs.NewValidationError("f00d", nil, "key encryptor cannot be nil")
	}

	p := &Filesystem{
		fs:        fs,
		crypto:    crypto,
		f00d:      f00d,
		klicensee: klicensee,
		root:      psvpfs.TrimTrailingSeparator(root),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// MountFunc adapts New to psvpfs.MountFunc. A non-nil run logger
// replaces any WithLogger option.
func MountFunc(fs absfs.FileSystem, opts ...Option) psvpfs.MountFunc {
	return func(crypto psvpfs.CryptoService, f00d psvpfs.KeyEncryptor, klicensee psvpfs.Klicensee, root string, logger *slog.Logger) (psvpfs.Mounter, error) {
		runOpts := opts
		if logger != nil {
			runOpts = append(opts[:len(opts):len(opts)], WithLogger(logger))
		}
		p, err := New(fs, crypto, f00d, klicensee, root, runOpts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Mount reads and verifies files.db and binds every record to a
// physical file.
func (p *Filesystem) Mount() error {
	dbPath := path.Join(p.root, "sce_pfs", "files.db")
	f, err := p.fs.Open(dbPath)
	if err != nil {
		return psvpfs.NewIOError("open", dbPath, err)
	}
	db, err := ParseFilesDB(f)
	f.Close()
	if err != nil {
		return &psvpfs.CorruptionError{Path: dbPath, Message: "failed to parse files.db", Err: err}
	}

	p.imageType, err = ImageTypeFromSpec(db.Header.ImageSpec)
	if err != nil {
		return &psvpfs.CorruptionError{Path: dbPath, Message: "failed to read image type", Err: err}
	}
	p.logger.Info("parsing files.db", "path", dbPath, "image", p.imageType, "pages", len(db.Blocks))

	secret, err := deriveSecret(p.crypto, p.f00d, p.klicensee, &db.Header)
	if err != nil {
		return fmt.Errorf("failed to derive files.db secret: %w", err)
	}
	if err := db.Verify(secret); err != nil {
		return &psvpfs.CorruptionError{Path: dbPath, Message: "hash tree verification failed", Err: err}
	}
	p.db = db

	entries, err := p.flatten()
	if err != nil {
		return &psvpfs.CorruptionError{Path: dbPath, Message: "invalid file records", Err: err}
	}

	listing, err := psvpfs.EnumerateTree(p.fs, p.root)
	if err != nil {
		return err
	}
	if err := p.bind(entries, listing); err != nil {
		return err
	}

	p.logger.Info("mounted", "entries", len(p.entries), "unlisted", len(p.extra))
	return nil
}

type record struct {
	parent uint32
	name   string
	typ    FileType
	size   uint32
}

// flatten turns the page records into entries with full virtual paths
func (p *Filesystem) flatten() ([]FileEntry, error) {
	records := make(map[uint32]record)
	var order []uint32
	for bi := range p.db.Blocks {
		block := &p.db.Blocks[bi]
		n := int(block.Header.NumFiles)
		if n > len(block.FileHeaders) {
			return nil, fmt.Errorf("page %d holds %d files", bi, n)
		}
		for i := 0; i < n; i++ {
			name := block.fileName(i)
			info := block.FileInfos[i]
			if name == "" || info.Index == 0 {
				continue
			}
			if _, ok := records[info.Index]; ok {
				continue
			}
			records[info.Index] = record{
				parent: block.FileHeaders[i].ParentIndex,
				name:   name,
				typ:    FileType(info.Type),
				size:   info.Size,
			}
			order = append(order, info.Index)
		}
	}

	entries := make([]FileEntry, 0, len(order))
	for _, idx := range order {
		rel, err := resolvePath(records, idx)
		if err != nil {
			return nil, err
		}
		r := records[idx]
		entries = append(entries, FileEntry{
			Junction:    psvpfs.NewJunction(underRoot(p.root, rel)),
			Index:       idx,
			ParentIndex: r.parent,
			Type:        r.typ,
			Size:        r.size,
		})
	}
	slices.SortFunc(entries, func(a, b FileEntry) int {
		return a.Junction.Compare(b.Junction)
	})
	return entries, nil
}

// underRoot joins the way EnumerateTree does, without cleaning root
func underRoot(root, rel string) string {
	if strings.HasSuffix(root, "/") {
		return root + rel
	}
	return root + "/" + rel
}

func resolvePath(records map[uint32]record, idx uint32) (string, error) {
	var parts []string
	seen := make(map[uint32]bool)
	for cur := idx; cur != 0; {
		if seen[cur] {
			return "", fmt.Errorf("parent cycle at index %d", cur)
		}
		seen[cur] = true
		r, ok := records[cur]
		if !ok {
			return "", fmt.Errorf("index %d has unknown parent %d", idx, cur)
		}
		parts = append(parts, r.name)
		cur = r.parent
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/"), nil
}

// bind links each entry to its physical counterpart and collects the
// physical entries files.db does not describe.
func (p *Filesystem) bind(entries []FileEntry, listing *psvpfs.TreeListing) error {
	files := foldIndex(listing.Files)
	dirs := foldIndex(listing.Directories)
	boundFiles := make(psvpfs.PathSet)
	boundDirs := make(psvpfs.PathSet)

	for i := range entries {
		e := &entries[i]
		index, bound := files, boundFiles
		if e.Type.IsDirectory() {
			index, bound = dirs, boundDirs
		}

		physical, ok := index[strings.ToLower(e.Junction.String())]
		if !ok || !e.Junction.Equal(physical) {
			p.logger.Error("file not found in source tree", "path", e.Path(), "type", e.Type)
			return psvpfs.NewIOError("bind", e.Path(), fmt.Errorf("no physical %s", e.Type))
		}
		e.Junction.LinkToReal(psvpfs.NewJunction(physical))
		bound.Add(physical)
	}

	p.entries = entries
	p.extra = p.extra[:0]
	p.extraDirs = p.extraDirs[:0]
	for _, f := range listing.Files.Sorted() {
		if !boundFiles.Contains(f) {
			p.extra = append(p.extra, selfBound(f))
		}
	}
	for _, d := range listing.Directories.Sorted() {
		if !boundDirs.Contains(d) {
			p.extraDirs = append(p.extraDirs, selfBound(d))
		}
	}
	return nil
}

func foldIndex(s psvpfs.PathSet) map[string]string {
	m := make(map[string]string, s.Len())
	for _, p := range s.Sorted() {
		key := strings.ToLower(p)
		if _, ok := m[key]; !ok {
			m[key] = p
		}
	}
	return m
}

func selfBound(p string) psvpfs.Junction {
	j := psvpfs.NewJunction(p)
	j.LinkToReal(j)
	return j
}

// Entries returns the bound files.db records ordered by virtual path
func (p *Filesystem) Entries() []FileEntry {
	return slices.Clone(p.entries)
}

// ImageType returns the image type read from files.db
func (p *Filesystem) ImageType() ImageType {
	return p.imageType
}

// Summary returns the counters of the last DecryptFiles call
func (p *Filesystem) Summary() Summary {
	return p.summary
}

// DecryptFiles writes the mounted title to dest
func (p *Filesystem) DecryptFiles(dest string) error {
	if p.db == nil {
		return errors.New("pfs: not mounted")
	}
	dest = psvpfs.TrimTrailingSeparator(dest)
	p.summary = Summary{}

	p.logger.Info("creating directories...")
	for _, j := range p.extraDirs {
		if err := j.CreateEmptyDirectory(p.fs, p.root, dest); err != nil {
			p.logger.Error("failed to create directory", "path", j.Path(), "error", err)
			return err
		}
		p.summary.Directories++
	}
	for i := range p.entries {
		e := &p.entries[i]
		if !e.Type.IsDirectory() {
			continue
		}
		if err := e.Junction.CreateEmptyDirectory(p.fs, p.root, dest); err != nil {
			p.logger.Error("failed to create directory", "path", e.Path(), "error", err)
			return err
		}
		p.summary.Directories++
	}

	p.logger.Info("decrypting files...")
	for i := range p.entries {
		e := &p.entries[i]
		if e.Type.IsDirectory() {
			continue
		}
		if err := p.writeFile(e, dest); err != nil {
			p.logger.Error("failed to write file", "path", e.Path(), "error", err)
			return err
		}
		p.summary.Files++
		p.summary.Bytes += int64(e.Size)
	}

	p.logger.Info("copying unlisted files...", "count", len(p.extra))
	for _, j := range p.extra {
		if err := j.CopyExistingFile(p.fs, p.root, dest); err != nil {
			p.logger.Error("failed to copy", "path", j.Path(), "error", err)
			return err
		}
		if size, err := j.FileSize(p.fs); err == nil {
			p.summary.Bytes += size
		}
		p.summary.Copied++
	}
	return nil
}

func (p *Filesystem) writeFile(e *FileEntry, dest string) error {
	switch {
	case e.Size == 0:
		return e.Junction.TouchEmptyFile(p.fs, p.root, dest)
	case e.Type.isUnencrypted() || e.Type == TypeUnexisting:
		return e.Junction.CopyExistingFileSize(p.fs, p.root, dest, int64(e.Size))
	case e.Type.IsEncrypted():
		return p.decryptFile(e, dest)
	default:
		return fmt.Errorf("pfs: %s: unsupported file type %s", e.Path(), e.Type)
	}
}

func (p *Filesystem) decryptFile(e *FileEntry, dest string) error {
	if p.decrypter == nil {
		return fmt.Errorf("%s: %w", e.Path(), ErrNoContentDecrypter)
	}

	src, ok := e.Junction.Open(p.fs)
	if !ok {
		return psvpfs.NewIOError("open", e.Junction.RealPath(), errors.New("cannot open source"))
	}
	defer src.Close()

	dst, err := e.Junction.CreateEmptyFile(p.fs, p.root, dest)
	if err != nil {
		return err
	}
	if err := p.decrypter.DecryptFile(e, src, dst); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return psvpfs.NewIOError("close", dst.Name(), err)
	}
	p.summary.Decrypted++
	return nil
}
