package pfs

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

const (
	filesDBMagic = "SCENGPFS"
	// PageSize is the only files.db page size this package reads
	PageSize   = 0x400
	headerSize = 0x400
	icvSize    = 0x14

	rootParentPage = 0xFFFFFFFF
	maxTreeDepth   = 64
)

// Header is the files.db header, little-endian on disk
type Header struct {
	Magic       [8]byte
	Version     uint32
	ImageSpec   uint16
	KeyID       uint16
	PageSize    uint32
	BtOrder     uint32
	RootICVPage uint32
	FilesSalt   uint32
	Unk6        uint64
	TailSize    uint64
	TotalSize   uint64
	RootICV     [icvSize]byte
	HeaderICV   [icvSize]byte
	RSASig0     [0x100]byte
	RSASig1     [0x100]byte
	_           [0x1A0]byte
}

// BlockHeader starts every files.db page
type BlockHeader struct {
	ParentPage uint32
	Type       uint32
	NumFiles   uint32
	_          uint32
}

// FileHeader names one entry of a page
type FileHeader struct {
	ParentIndex uint32
	FileName    [68]byte
}

// FileInfo describes one entry of a page
type FileInfo struct {
	Index uint32
	Type  uint16
	_     uint16
	Size  uint32
	_     uint32
}

// Block is one files.db page
type Block struct {
	Header      BlockHeader
	FileHeaders [9]FileHeader
	FileInfos   [10]FileInfo
	FileHashes  [10][icvSize]byte
}

// FilesDB is a parsed sce_pfs/files.db
type FilesDB struct {
	Header Header
	Blocks []Block

	raw [][]byte
}

var (
	// ErrBadMagic is returned when files.db does not start with SCENGPFS
	ErrBadMagic = errors.New("pfs: bad files.db magic")
	// ErrHashTree is returned when the page hash tree does not verify
	ErrHashTree = errors.New("pfs: invalid hash tree")
)

// ParseFilesDB reads the header and every page. Nothing is verified
// beyond the magic and page size; see Verify.
func ParseFilesDB(r io.Reader) (*FilesDB, error) {
	var db FilesDB
	if err := binary.Read(r, binary.LittleEndian, &db.Header); err != nil {
		return nil, fmt.Errorf("pfs: read header: %w", err)
	}
	if string(db.Header.Magic[:]) != filesDBMagic {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, db.Header.Magic[:])
	}
	if db.Header.PageSize != PageSize {
		return nil, fmt.Errorf("pfs: unsupported page size %#x", db.Header.PageSize)
	}

	count := db.Header.TailSize / uint64(db.Header.PageSize)
	for page := uint64(0); page < count; page++ {
		raw := make([]byte, PageSize)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("pfs: read page %d: %w", page, err)
		}
		var block Block
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &block); err != nil {
			return nil, fmt.Errorf("pfs: decode page %d: %w", page, err)
		}
		db.Blocks = append(db.Blocks, block)
		db.raw = append(db.raw, raw)
	}
	return &db, nil
}

// Verify checks the page hash tree against secret, starting at the root
// page named in the header.
func (db *FilesDB) Verify(secret []byte) error {
	if len(db.Blocks) == 0 {
		return fmt.Errorf("%w: no pages", ErrHashTree)
	}
	root := db.Header.RootICVPage
	if int(root) >= len(db.Blocks) {
		return fmt.Errorf("%w: root page %d out of range", ErrHashTree, root)
	}

	icvs := make([][]byte, len(db.Blocks))
	children := make(map[uint32][]uint32)
	for i := range db.Blocks {
		icvs[i] = db.nodeICV(secret, i)
		parent := db.Blocks[i].Header.ParentPage
		children[parent] = append(children[parent], uint32(i))
	}

	if !hmac.Equal(icvs[root], db.Header.RootICV[:]) {
		return fmt.Errorf("%w: root icv mismatch", ErrHashTree)
	}
	return db.verifyPage(root, icvs, children, 0)
}

func (db *FilesDB) verifyPage(page uint32, icvs [][]byte, children map[uint32][]uint32, depth int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("%w: tree deeper than %d", ErrHashTree, maxTreeDepth)
	}
	block := &db.Blocks[page]
	for _, child := range children[page] {
		if child == page {
			return fmt.Errorf("%w: page %d is its own parent", ErrHashTree, page)
		}
		if !slices.Contains(block.FileHashes[:], [icvSize]byte(icvs[child])) {
			return fmt.Errorf("%w: page %d not referenced by page %d", ErrHashTree, child, page)
		}
		if err := db.verifyPage(child, icvs, children, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func nodeSize(index uint32) uint32 {
	return 0x6C*index - 0x38
}

// orderMaxAvail is the largest number of entries a page can hold
func orderMaxAvail(pageSize uint32) uint32 {
	var index uint32 = 1
	for pageSize > nodeSize(index) {
		index++
	}
	if pageSize < nodeSize(index) {
		index--
	}
	return index
}

func (db *FilesDB) nodeICV(secret []byte, page int) []byte {
	raw := db.raw[page]
	order := orderMaxAvail(db.Header.PageSize)

	if db.Header.Version == 5 {
		size := 0x6C*order - 0x3C
		h := hmac.New(sha1.New, secret)
		h.Write(raw[4 : 4+size])
		return h.Sum(nil)
	}

	header := db.Blocks[page].Header
	n := header.NumFiles
	if header.Type > 0 {
		n++
	}
	base := raw[0x58*order-0x38:]

	icv := make([]byte, icvSize)
	for i := uint32(0); i < n && int(i+1)*icvSize <= len(base); i++ {
		h := hmac.New(sha1.New, secret)
		h.Write(icv)
		h.Write(base[i*icvSize : (i+1)*icvSize])
		icv = h.Sum(icv[:0])
	}
	return icv
}

// fileName returns the NUL-terminated name of entry i
func (b *Block) fileName(i int) string {
	name := b.FileHeaders[i].FileName[:]
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}
	return string(name)
}
