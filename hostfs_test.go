package psvpfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestHostFS_CopyExistingFileSize(t *testing.T) {
	fs := NewHostFS(t.TempDir())

	if err := fs.MkdirAll("/pkg/sce_sys", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	content := bytes.Repeat([]byte{0x5a}, 10000)
	writeTestFile(t, fs, "/pkg/sce_sys/param.sfo", string(content))

	j := NewJunction("/pkg/sce_sys/param.sfo")
	j.LinkToReal(j)
	if err := j.CopyExistingFileSize(fs, "/pkg", "/out", 9000); err != nil {
		t.Fatalf("CopyExistingFileSize failed: %v", err)
	}

	info, err := fs.Stat("/out/sce_sys/param.sfo")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 9000 {
		t.Errorf("size = %d, want 9000", info.Size())
	}
}

func TestHostFS_EnumerateTree(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "title", "sce_pfs"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "title", "eboot.bin"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fs := NewHostFS("")
	root := filepath.ToSlash(filepath.Join(dir, "title"))
	listing, err := EnumerateTree(fs, root)
	if err != nil {
		t.Fatalf("EnumerateTree failed: %v", err)
	}
	if !listing.Files.Contains(root + "/eboot.bin") {
		t.Errorf("Files = %v", listing.Files.Sorted())
	}
	if listing.Directories.Len() != 0 {
		t.Errorf("Directories = %v, want none", listing.Directories.Sorted())
	}
}

func TestHostFS_OpenDoesNotCreateParents(t *testing.T) {
	dir := t.TempDir()
	fs := NewHostFS(dir)

	if _, err := fs.Open("/a/b/c"); err == nil {
		t.Fatal("Open of missing file succeeded")
	}
	if _, err := os.Stat(filepath.Join(dir, "a")); !os.IsNotExist(err) {
		t.Error("Open created parent directories")
	}

	f, err := fs.Create("/a/b/c")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.Close()

	r, err := fs.Open("/a/b/c")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	if data, _ := io.ReadAll(r); len(data) != 0 {
		t.Errorf("read %d bytes from new file", len(data))
	}
}

func TestHostFS_RelativeRoot(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	content := bytes.Repeat([]byte{0x11}, 10000)
	if err := os.WriteFile(filepath.Join(dir, "data", "save.bin"), content, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	fs := NewHostFS(dir)

	for _, root := range []string{".", "./"} {
		t.Run(root, func(t *testing.T) {
			listing, err := EnumerateTree(fs, root)
			if err != nil {
				t.Fatalf("EnumerateTree failed: %v", err)
			}
			if !listing.Files.Contains("./data/save.bin") {
				t.Fatalf("Files = %v", listing.Files.Sorted())
			}

			for _, d := range listing.Directories.Sorted() {
				j := NewJunction(d)
				j.LinkToReal(j)
				if err := j.CreateEmptyDirectory(fs, root, "out"); err != nil {
					t.Fatalf("CreateEmptyDirectory(%q) failed: %v", d, err)
				}
			}
			j := NewJunction("./data/save.bin")
			j.LinkToReal(j)
			if err := j.CopyExistingFileSize(fs, root, "out", 9000); err != nil {
				t.Fatalf("CopyExistingFileSize failed: %v", err)
			}

			info, err := os.Stat(filepath.Join(dir, "out", "data", "save.bin"))
			if err != nil {
				t.Fatalf("Stat failed: %v", err)
			}
			if info.Size() != 9000 {
				t.Errorf("size = %d, want 9000", info.Size())
			}
		})
	}
}
