package pfs

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/absfs/psvpfs"
)

type testRecord struct {
	index, parent uint32
	name          string
	typ           FileType
	size          uint32
}

func buildPage(t *testing.T, parent uint32, records []testRecord, hashes [][]byte) []byte {
	t.Helper()
	var b Block
	b.Header.ParentPage = parent
	b.Header.NumFiles = uint32(len(records))
	for i, r := range records {
		b.FileHeaders[i].ParentIndex = r.parent
		copy(b.FileHeaders[i].FileName[:], r.name)
		b.FileInfos[i].Index = r.index
		b.FileInfos[i].Type = uint16(r.typ)
		b.FileInfos[i].Size = r.size
	}
	for i, h := range hashes {
		copy(b.FileHashes[i][:], h)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &b); err != nil {
		t.Fatalf("binary.Write failed: %v", err)
	}
	if buf.Len() != PageSize {
		t.Fatalf("page is %d bytes", buf.Len())
	}
	return buf.Bytes()
}

func pageICV(secret, raw []byte) []byte {
	h := hmac.New(sha1.New, secret)
	h.Write(raw[4:PageSize])
	return h.Sum(nil)
}

// buildFilesDB lays out pages[0] as the root; every other page is a child
// of the root and is referenced from its hash table.
func buildFilesDB(t *testing.T, spec uint16, salt uint32, secret []byte, pages ...[]testRecord) []byte {
	t.Helper()
	var children [][]byte
	var hashes [][]byte
	for _, recs := range pages[1:] {
		raw := buildPage(t, 0, recs, nil)
		children = append(children, raw)
		hashes = append(hashes, pageICV(secret, raw))
	}
	root := buildPage(t, rootParentPage, pages[0], hashes)

	var h Header
	copy(h.Magic[:], filesDBMagic)
	h.Version = 5
	h.ImageSpec = spec
	h.PageSize = PageSize
	h.RootICVPage = 0
	h.FilesSalt = salt
	h.TailSize = uint64(PageSize * len(pages))
	copy(h.RootICV[:], pageICV(secret, root))

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("binary.Write failed: %v", err)
	}
	buf.Write(root)
	for _, c := range children {
		buf.Write(c)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, fs absfs.FileSystem, name string, data []byte) {
	t.Helper()
	f, err := fs.Create(name)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", name, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write(%q) failed: %v", name, err)
	}
}

func readFile(t *testing.T, fs absfs.FileSystem, name string) []byte {
	t.Helper()
	f, err := fs.Open(name)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll(%q) failed: %v", name, err)
	}
	return data
}

var testKlicensee = psvpfs.Klicensee{0xEF, 0x3E, 0x79, 0x08, 0x49, 0x41, 0x27, 0xAE, 0x52, 0xA8, 0xEB, 0xC0, 0x30, 0xF2, 0x00, 0x7C}

var saveRecords = []testRecord{
	{index: 1, parent: 0, name: "data", typ: TypeNormalDirectory},
	{index: 2, parent: 1, name: "save.bin", typ: TypeUnencryptedSysRW, size: 9000},
	{index: 3, parent: 0, name: "empty.txt", typ: TypeUnencryptedSysRO},
	{index: 4, parent: 0, name: "enc.bin", typ: TypeNormalFile, size: 5},
}

type fixture struct {
	fs     absfs.FileSystem
	crypto *psvpfs.LocalCrypto
}

func newSaveFixture(t *testing.T) *fixture {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create filesystem: %v", err)
	}
	for _, d := range []string{"/title/sce_pfs", "/title/sce_sys", "/title/Data"} {
		if err := fs.MkdirAll(d, 0755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}

	secret := secretFromKlicensee(testKlicensee, 0)
	writeFile(t, fs, "/title/sce_pfs/files.db", buildFilesDB(t, 2, 0, secret, saveRecords))
	writeFile(t, fs, "/title/Data/save.bin", bytes.Repeat([]byte{1}, 10000))
	writeFile(t, fs, "/title/empty.txt", []byte("padding"))
	writeFile(t, fs, "/title/enc.bin", []byte("hello"))
	writeFile(t, fs, "/title/sce_sys/param.sfo", []byte("sfo"))

	return &fixture{fs: fs, crypto: psvpfs.NewLocalCrypto(fs, nil)}
}

func (f *fixture) open(t *testing.T, opts ...Option) *Filesystem {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	p, err := New(f.fs, f.crypto, psvpfs.NewNativeKeyEncryptor(f.crypto), testKlicensee, "/title/", opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

type upperDecrypter struct{}

func (upperDecrypter) DecryptFile(e *FileEntry, src io.Reader, dst io.Writer) error {
	data, err := io.ReadAll(io.LimitReader(src, int64(e.Size)))
	if err != nil {
		return err
	}
	_, err = dst.Write(bytes.ToUpper(data))
	return err
}

func TestMountAndDecrypt(t *testing.T) {
	f := newSaveFixture(t)
	p := f.open(t, WithContentDecrypter(upperDecrypter{}))

	if err := p.Mount(); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if p.ImageType() != ImageSaveData {
		t.Errorf("ImageType = %v, want savedata", p.ImageType())
	}

	entries := p.Entries()
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path())
	}
	want := []string{"/title/data", "/title/data/save.bin", "/title/empty.txt", "/title/enc.bin"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("entries = %v, want %v", paths, want)
	}
	if got := entries[1].Junction.RealPath(); got != "/title/Data/save.bin" {
		t.Errorf("save.bin bound to %q", got)
	}

	if err := p.DecryptFiles("/out/"); err != nil {
		t.Fatalf("DecryptFiles failed: %v", err)
	}

	if n := len(readFile(t, f.fs, "/out/Data/save.bin")); n != 9000 {
		t.Errorf("save.bin is %d bytes, want 9000", n)
	}
	if n := len(readFile(t, f.fs, "/out/empty.txt")); n != 0 {
		t.Errorf("empty.txt is %d bytes, want 0", n)
	}
	if got := string(readFile(t, f.fs, "/out/enc.bin")); got != "HELLO" {
		t.Errorf("enc.bin = %q", got)
	}
	if got := string(readFile(t, f.fs, "/out/sce_sys/param.sfo")); got != "sfo" {
		t.Errorf("param.sfo = %q", got)
	}
	if _, err := f.fs.Stat("/out/sce_pfs"); err == nil {
		t.Error("sce_pfs should not be written")
	}

	s := p.Summary()
	if s.Files != 3 || s.Decrypted != 1 || s.Copied != 1 || s.Directories != 2 {
		t.Errorf("Summary = %+v", s)
	}
}

func TestDecryptWithoutContentDecrypter(t *testing.T) {
	f := newSaveFixture(t)
	p := f.open(t)
	if err := p.Mount(); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := p.DecryptFiles("/out"); !errors.Is(err, ErrNoContentDecrypter) {
		t.Errorf("expected ErrNoContentDecrypter, got %v", err)
	}
}

func TestDecryptBeforeMount(t *testing.T) {
	f := newSaveFixture(t)
	if err := f.open(t).DecryptFiles("/out"); err == nil {
		t.Error("expected error")
	}
}

func TestMount_WrongKlicensee(t *testing.T) {
	f := newSaveFixture(t)
	p, err := New(f.fs, f.crypto, psvpfs.NewNativeKeyEncryptor(f.crypto), psvpfs.Klicensee{1}, "/title")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = p.Mount()
	if !errors.Is(err, ErrHashTree) {
		t.Errorf("expected ErrHashTree, got %v", err)
	}
	if !psvpfs.IsCorruptionError(err) {
		t.Errorf("expected CorruptionError, got %v", err)
	}
}

func TestMount_MissingPhysicalFile(t *testing.T) {
	f := newSaveFixture(t)
	if err := f.fs.Remove("/title/enc.bin"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := f.open(t).Mount(); !psvpfs.IsIOError(err) {
		t.Errorf("expected IOError, got %v", err)
	}
}

func TestMount_MissingFilesDB(t *testing.T) {
	f := newSaveFixture(t)
	if err := f.fs.Remove("/title/sce_pfs/files.db"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := f.open(t).Mount(); !psvpfs.IsIOError(err) {
		t.Errorf("expected IOError, got %v", err)
	}
}

func TestMount_Keygen(t *testing.T) {
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create filesystem: %v", err)
	}
	keys := &psvpfs.KeyStore{PFSSaltHMAC: bytes.Repeat([]byte{0x42}, 20)}
	crypto := psvpfs.NewLocalCrypto(fs, keys)
	f00d := psvpfs.NewNativeKeyEncryptor(crypto)

	h := Header{ImageSpec: 1, FilesSalt: 0x1234}
	secret, err := deriveSecret(crypto, f00d, testKlicensee, &h)
	if err != nil {
		t.Fatalf("deriveSecret failed: %v", err)
	}
	if len(secret) != 20 {
		t.Fatalf("secret is %d bytes", len(secret))
	}
	if bytes.Equal(secret, secretFromKlicensee(testKlicensee, 0)) {
		t.Fatal("keygen secret should differ from the plain one")
	}

	if err := fs.MkdirAll("/game/sce_pfs", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	recs := []testRecord{{index: 1, name: "eboot.bin", typ: TypeUnencryptedSysRO, size: 2}}
	writeFile(t, fs, "/game/sce_pfs/files.db", buildFilesDB(t, 1, 0x1234, secret, recs))
	writeFile(t, fs, "/game/eboot.bin", []byte("ok"))

	p, err := New(fs, crypto, f00d, testKlicensee, "/game")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Mount(); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	// the file strategy needs a cache entry for the klicensee
	writeFile(t, fs, "/cache.txt", []byte(strings.Repeat("00", 16)+"\t"+strings.Repeat("11", 16)+"\n"))
	p, err = New(fs, crypto, psvpfs.NewFileKeyEncryptor(fs, "/cache.txt"), testKlicensee, "/game")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Mount(); !psvpfs.IsCacheMiss(err) {
		t.Errorf("expected cache miss, got %v", err)
	}
}

func TestVerify_TwoLevels(t *testing.T) {
	secret := bytes.Repeat([]byte{9}, 20)
	data := buildFilesDB(t, 2, 0, secret,
		[]testRecord{{index: 1, name: "a", typ: TypeNormalDirectory}},
		[]testRecord{{index: 2, parent: 1, name: "b", typ: TypeUnencryptedSysRW}},
	)

	db, err := ParseFilesDB(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ParseFilesDB failed: %v", err)
	}
	if len(db.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(db.Blocks))
	}
	if err := db.Verify(secret); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	tampered := append([]byte{}, data...)
	tampered[headerSize+PageSize+0x20] ^= 0xff
	db, err = ParseFilesDB(bytes.NewReader(tampered))
	if err != nil {
		t.Fatalf("ParseFilesDB failed: %v", err)
	}
	if err := db.Verify(secret); !errors.Is(err, ErrHashTree) {
		t.Errorf("expected ErrHashTree, got %v", err)
	}
}

func TestParseFilesDB_Errors(t *testing.T) {
	secret := bytes.Repeat([]byte{9}, 20)
	good := buildFilesDB(t, 2, 0, secret, []testRecord{{index: 1, name: "a", typ: TypeNormalDirectory}})

	badMagic := append([]byte{}, good...)
	copy(badMagic, "NOTPFS!!")
	if _, err := ParseFilesDB(bytes.NewReader(badMagic)); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}

	if _, err := ParseFilesDB(bytes.NewReader(good[:headerSize+10])); err == nil {
		t.Error("expected error for truncated page")
	}
	if _, err := ParseFilesDB(bytes.NewReader(good[:10])); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestOrderMaxAvail(t *testing.T) {
	if got := orderMaxAvail(PageSize); got != 10 {
		t.Errorf("orderMaxAvail(0x400) = %d, want 10", got)
	}
}

func TestImageTypeFromSpec(t *testing.T) {
	tests := []struct {
		spec   uint16
		want   ImageType
		keygen bool
	}{
		{1, ImageGameData, true},
		{2, ImageSaveData, false},
		{3, ImageAddContRoot, false},
		{4, ImageAddContDir, true},
	}
	for _, tt := range tests {
		got, err := ImageTypeFromSpec(tt.spec)
		if err != nil {
			t.Fatalf("ImageTypeFromSpec(%d) failed: %v", tt.spec, err)
		}
		if got != tt.want || got.usesKeygen() != tt.keygen {
			t.Errorf("ImageTypeFromSpec(%d) = %v (keygen %v)", tt.spec, got, got.usesKeygen())
		}
	}
	if _, err := ImageTypeFromSpec(7); err == nil {
		t.Error("expected error for spec 7")
	}
}

func TestEncryptCTS(t *testing.T) {
	crypto := psvpfs.NewLocalCrypto(nil, nil)
	key := bytes.Repeat([]byte{3}, 16)
	iv := make([]byte, 16)
	src := bytes.Repeat([]byte{7}, 20)

	out, err := encryptCTS(crypto, key, iv, src)
	if err != nil {
		t.Fatalf("encryptCTS failed: %v", err)
	}
	if len(out) != 20 {
		t.Fatalf("len = %d", len(out))
	}
	cbc, _ := crypto.AESCBCEncrypt(key, iv, src[:16])
	if !bytes.Equal(out[:16], cbc) {
		t.Error("whole blocks should match plain CBC")
	}
	pad, _ := crypto.AESECBEncrypt(key, cbc)
	for i := 0; i < 4; i++ {
		if out[16+i] != src[16+i]^pad[i] {
			t.Fatalf("tail byte %d mismatch", i)
		}
	}
}

func TestMountFunc(t *testing.T) {
	f := newSaveFixture(t)
	mount := MountFunc(f.fs, WithContentDecrypter(upperDecrypter{}))
	m, err := mount(f.crypto, psvpfs.NewNativeKeyEncryptor(f.crypto), testKlicensee, "/title", nil)
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	if _, ok := m.(*Filesystem); !ok {
		t.Errorf("mount returned %T", m)
	}

	if _, err := MountFunc(nil)(f.crypto, nil, testKlicensee, "/title", nil); err == nil {
		t.Error("expected error for nil filesystem")
	}
}

func TestMountFunc_RunLogger(t *testing.T) {
	f := newSaveFixture(t)
	var own, run bytes.Buffer
	mount := MountFunc(f.fs, WithLogger(slog.New(slog.NewTextHandler(&own, nil))))

	logger := slog.New(slog.NewTextHandler(&run, nil)).With("run", "r1")
	m, err := mount(f.crypto, psvpfs.NewNativeKeyEncryptor(f.crypto), testKlicensee, "/title", logger)
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	if err := m.Mount(); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	if own.Len() != 0 {
		t.Errorf("option logger used: %q", own.String())
	}
	if !strings.Contains(run.String(), "msg=mounted") || !strings.Contains(run.String(), "run=r1") {
		t.Errorf("run logger output = %q", run.String())
	}

	// without a run logger the option applies
	m, err = mount(f.crypto, psvpfs.NewNativeKeyEncryptor(f.crypto), testKlicensee, "/title", nil)
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	if err := m.Mount(); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if !strings.Contains(own.String(), "msg=mounted") {
		t.Errorf("option logger output = %q", own.String())
	}
}
