package diskfs

import (
	"bytes"
	"testing"

	"github.com/kestrelos/kestrel/internal/vfs"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	dev := NewMemBlockDevice(512, 256)
	fs, err := Format(dev, 7)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return fs
}

func creator(t *testing.T, n vfs.Node) vfs.Creator {
	t.Helper()
	c, ok := n.(vfs.Creator)
	if !ok {
		t.Fatal("expected node to implement vfs.Creator")
	}
	return c
}

func TestFormatProducesUsableRoot(t *testing.T) {
	fs := newTestFS(t)
	attr, err := fs.Root().Stat()
	if err != nil {
		t.Fatalf("Stat root: %v", err)
	}
	if attr.Kind != vfs.KindDir {
		t.Fatalf("expected root to be a directory, got %v", attr.Kind)
	}
	entries, err := fs.Root().Readdir()
	if err != nil {
		t.Fatalf("Readdir root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an empty root, got %v", entries)
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	c := creator(t, fs.Root())

	n, err := c.Create("hello.txt", 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := bytes.Repeat([]byte("kestrel"), 200) // spans multiple 512B blocks
	if _, err := n.WriteAt(0, payload); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := n.ReadAt(0, uint32(len(payload)))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestWriteSpansIndirectBlock(t *testing.T) {
	fs := newTestFS(t)
	c := creator(t, fs.Root())
	n, err := c.Create("big.bin", 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// directBlocks(12) * 512B = 6144B; write past that into indirect range.
	off := uint64(7000)
	data := []byte("past the direct pointers")
	if _, err := n.WriteAt(off, data); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := n.ReadAt(off, uint32(len(data)))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
	attr, _ := n.Stat()
	if attr.Size != off+uint64(len(data)) {
		t.Fatalf("expected size %d, got %d", off+uint64(len(data)), attr.Size)
	}
}

func TestMkdirDotDotAndLookup(t *testing.T) {
	fs := newTestFS(t)
	c := creator(t, fs.Root())
	sub, err := c.Mkdir("sub", 0o755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	parent, err := sub.Lookup("..")
	if err != nil {
		t.Fatalf("Lookup(..): %v", err)
	}
	if parent.(*node).ino != fs.Root().(*node).ino {
		t.Fatal("expected .. from sub to resolve to root's inode")
	}
	self, err := sub.Lookup(".")
	if err != nil {
		t.Fatalf("Lookup(.): %v", err)
	}
	if self.(*node).ino != sub.(*node).ino {
		t.Fatal("expected . to resolve to sub's own inode")
	}
}

func TestUnlinkFileFreesInodeAndBlocks(t *testing.T) {
	fs := newTestFS(t)
	c := creator(t, fs.Root())
	n, _ := c.Create("victim.txt", 0o644)
	n.WriteAt(0, []byte("goodbye"))

	freeBefore := fs.sb.freeBlocks
	if err := fs.Root().Unlink("victim.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := fs.Root().Lookup("victim.txt"); err != vfs.ErrNotFound {
		t.Fatalf("expected ErrNotFound after unlink, got %v", err)
	}
	if fs.sb.freeBlocks <= freeBefore {
		t.Fatal("expected unlink to return the file's data block to the free pool")
	}
}

func TestUnlinkNonEmptyDirectoryFails(t *testing.T) {
	fs := newTestFS(t)
	c := creator(t, fs.Root())
	sub, _ := c.Mkdir("sub", 0o755)
	creator(t, sub).Create("f.txt", 0o644)

	if err := fs.Root().Unlink("sub"); err == nil {
		t.Fatal("expected unlink of a non-empty directory to fail")
	}
}

func TestSymlinkReadlink(t *testing.T) {
	fs := newTestFS(t)
	link, err := fs.Root().Symlink("ln", "/etc/passwd")
	if err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	target, err := link.Readlink()
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "/etc/passwd" {
		t.Fatalf("expected /etc/passwd, got %q", target)
	}
}

func TestRenameMovesEntry(t *testing.T) {
	fs := newTestFS(t)
	c := creator(t, fs.Root())
	c.Create("a.txt", 0o644)
	dir, _ := c.Mkdir("dir", 0o755)

	if err := fs.Root().Rename("a.txt", dir, "b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fs.Root().Lookup("a.txt"); err != vfs.ErrNotFound {
		t.Fatal("expected source name gone after rename")
	}
	if _, err := dir.Lookup("b.txt"); err != nil {
		t.Fatalf("expected destination to exist: %v", err)
	}
}

func TestRenameAcrossFilesystemsFails(t *testing.T) {
	a := newTestFS(t)
	b := newTestFS(t)
	creator(t, a.Root()).Create("a.txt", 0o644)

	err := a.Root().Rename("a.txt", b.Root(), "a.txt")
	if err != vfs.ErrCrossDevice {
		t.Fatalf("expected ErrCrossDevice, got %v", err)
	}
}

func TestTruncateShrinkFreesBlocks(t *testing.T) {
	fs := newTestFS(t)
	c := creator(t, fs.Root())
	n, _ := c.Create("f.bin", 0o644)
	n.WriteAt(0, bytes.Repeat([]byte{0xAB}, 5000))

	freeBefore := fs.sb.freeBlocks
	if err := n.Truncate(10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if fs.sb.freeBlocks <= freeBefore {
		t.Fatal("expected shrinking truncate to free blocks")
	}
	attr, _ := n.Stat()
	if attr.Size != 10 {
		t.Fatalf("expected size 10, got %d", attr.Size)
	}
}

func TestReopenPersistsData(t *testing.T) {
	dev := NewMemBlockDevice(512, 256)
	fs, err := Format(dev, 1)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	c := creator(t, fs.Root())
	n, _ := c.Create("persisted.txt", 0o644)
	n.WriteAt(0, []byte("still here"))

	reopened, err := Open(dev, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	found, err := reopened.Root().Lookup("persisted.txt")
	if err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	got, err := found.ReadAt(0, 10)
	if err != nil {
		t.Fatalf("ReadAt after reopen: %v", err)
	}
	if string(got) != "still here" {
		t.Fatalf("expected %q, got %q", "still here", got)
	}
}
