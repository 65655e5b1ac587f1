package memfs

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/vfs"
)

func rootCreator(t *testing.T, f *FS) vfs.Creator {
	t.Helper()
	c, ok := f.Root().(vfs.Creator)
	if !ok {
		t.Fatal("expected root node to implement vfs.Creator")
	}
	return c
}

func TestCreateReadWriteRoundTrip(t *testing.T) {
	f := New(1)
	c := rootCreator(t, f)

	n, err := c.Create("hello.txt", 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := n.WriteAt(0, []byte("hello world")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := n.ReadAt(0, 11)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}

	looked, err := f.Root().Lookup("hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	attr, err := looked.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attr.Size != 11 {
		t.Fatalf("expected size 11, got %d", attr.Size)
	}
}

func TestMkdirAndDotDot(t *testing.T) {
	f := New(1)
	c := rootCreator(t, f)

	sub, err := c.Mkdir("sub", 0o755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	parent, err := sub.Lookup("..")
	if err != nil {
		t.Fatalf("Lookup(..): %v", err)
	}
	if parent != f.Root() {
		t.Fatal("expected .. from sub to resolve to root")
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	f := New(1)
	c := rootCreator(t, f)
	c.Create("victim.txt", 0o644)

	if err := f.Root().Unlink("victim.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := f.Root().Lookup("victim.txt"); err != vfs.ErrNotFound {
		t.Fatalf("expected ErrNotFound after unlink, got %v", err)
	}
}

func TestUnlinkNonEmptyDirFails(t *testing.T) {
	f := New(1)
	c := rootCreator(t, f)
	sub, _ := c.Mkdir("sub", 0o755)
	subCreator := sub.(vfs.Creator)
	subCreator.Create("file.txt", 0o644)

	if err := f.Root().Unlink("sub"); err == nil {
		t.Fatal("expected unlink of a non-empty directory to fail")
	}
}

func TestSymlinkReadlink(t *testing.T) {
	f := New(1)
	root := f.Root()
	link, err := root.Symlink("ln", "/etc/passwd")
	if err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	target, err := link.Readlink()
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "/etc/passwd" {
		t.Fatalf("expected target /etc/passwd, got %q", target)
	}
}

func TestRenameMovesEntryWithinSameFilesystem(t *testing.T) {
	f := New(1)
	c := rootCreator(t, f)
	c.Create("a.txt", 0o644)
	dir, _ := c.Mkdir("dir", 0o755)

	if err := f.Root().Rename("a.txt", dir, "b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := f.Root().Lookup("a.txt"); err != vfs.ErrNotFound {
		t.Fatal("expected source name to be gone after rename")
	}
	if _, err := dir.Lookup("b.txt"); err != nil {
		t.Fatalf("expected destination to exist after rename: %v", err)
	}
}

func TestRenameAcrossFilesystemsFails(t *testing.T) {
	a := New(1)
	b := New(2)
	ca := rootCreator(t, a)
	ca.Create("a.txt", 0o644)

	err := a.Root().Rename("a.txt", b.Root(), "a.txt")
	if err != vfs.ErrCrossDevice {
		t.Fatalf("expected ErrCrossDevice, got %v", err)
	}
}

func TestTruncateShrinksAndGrows(t *testing.T) {
	f := New(1)
	c := rootCreator(t, f)
	n, _ := c.Create("f.txt", 0o644)
	n.WriteAt(0, []byte("0123456789"))

	if err := n.Truncate(4); err != nil {
		t.Fatalf("Truncate shrink: %v", err)
	}
	got, _ := n.ReadAt(0, 10)
	if string(got) != "0123" {
		t.Fatalf("expected truncated content %q, got %q", "0123", got)
	}

	if err := n.Truncate(8); err != nil {
		t.Fatalf("Truncate grow: %v", err)
	}
	got, _ = n.ReadAt(0, 8)
	if len(got) != 8 {
		t.Fatalf("expected 8 bytes after growing truncate, got %d", len(got))
	}
	for _, b := range got[4:] {
		if b != 0 {
			t.Fatal("expected zero-fill after growing truncate")
		}
	}
}
