package vfs_test

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/vfs"
	"github.com/kestrelos/kestrel/internal/vfs/memfs"
)

func setup(t *testing.T) (*vfs.Resolver, *memfs.FS) {
	t.Helper()
	fs := memfs.New(1)
	mt := vfs.NewMountTable()
	if err := mt.Mount("/", fs); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return vfs.NewResolver(mt), fs
}

func mustCreator(t *testing.T, n vfs.Node) vfs.Creator {
	t.Helper()
	c, ok := n.(vfs.Creator)
	if !ok {
		t.Fatal("expected node to implement vfs.Creator")
	}
	return c
}

func TestResolveAbsolutePath(t *testing.T) {
	r, fs := setup(t)
	c := mustCreator(t, fs.Root())
	c.Mkdir("etc", 0o755)

	n, err := r.Resolve("/", "/etc", "/", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	attr, _ := n.Stat()
	if attr.Kind != vfs.KindDir {
		t.Fatalf("expected /etc to resolve to a directory, got %v", attr.Kind)
	}
}

func TestDotDotAtContainerRootStaysAtRoot(t *testing.T) {
	r, fs := setup(t)
	c := mustCreator(t, fs.Root())
	c.Mkdir("boxes", 0o755)

	// spec.md §8: ".. at container_root yields container_root".
	n, err := r.Resolve("/", "../../..", "/", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n != fs.Root() {
		t.Fatal("expected excessive .. to clamp at container root")
	}
}

func TestContainerEscapeAttemptStaysScoped(t *testing.T) {
	// Mirrors spec.md's worked example: a process in box root "/boxes/b"
	// does chdir("../..") then open("../../etc/passwd"); the resolved
	// path must stay under "/boxes/b" and never reach the real root.
	fs := memfs.New(1)
	mt := vfs.NewMountTable()
	mt.Mount("/", fs)
	r := vfs.NewResolver(mt)

	root := mustCreator(t, fs.Root())
	boxes, _ := root.Mkdir("boxes", 0o755)
	b := mustCreator(t, boxes)
	b.Mkdir("b", 0o755)

	// chdir("../..") from "/" clamps to "/" (spec.md's container-escape
	// worked example), which under containerRoot="/boxes/b" resolves to
	// the box's own root directory, not the real filesystem root.
	clampedDir, err := r.Resolve("/", "../..", "/boxes/b", true)
	if err != nil {
		t.Fatalf("Resolve chdir target: %v", err)
	}
	boxRoot, err := r.Resolve("/", "/", "/boxes/b", true)
	if err != nil {
		t.Fatalf("Resolve box root: %v", err)
	}
	if clampedDir != boxRoot {
		t.Fatal("expected .. clamped at container root to land on the box's own root directory")
	}
	if clampedDir == fs.Root() {
		t.Fatal("expected the clamp to stay scoped inside the box, not escape to the real filesystem root")
	}

	if _, err := r.Resolve("/", "../../etc/passwd", "/boxes/b", true); err != vfs.ErrNotFound {
		t.Fatalf("expected ENOENT scoped under the box root, got %v", err)
	}
}

func TestSymlinkIsFollowedWhenRequested(t *testing.T) {
	r, fs := setup(t)
	c := mustCreator(t, fs.Root())
	c.Create("real.txt", 0o644)
	fs.Root().Symlink("link.txt", "/real.txt")

	n, err := r.Resolve("/", "/link.txt", "/", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	attr, _ := n.Stat()
	if attr.Kind != vfs.KindFile {
		t.Fatalf("expected following the symlink to reach a regular file, got %v", attr.Kind)
	}
}

func TestSymlinkNotFollowedWhenRequestedOff(t *testing.T) {
	r, fs := setup(t)
	c := mustCreator(t, fs.Root())
	c.Create("real.txt", 0o644)
	fs.Root().Symlink("link.txt", "/real.txt")

	n, err := r.Resolve("/", "/link.txt", "/", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	attr, _ := n.Stat()
	if attr.Kind != vfs.KindSymlink {
		t.Fatalf("expected lstat-style resolution to stop at the symlink, got %v", attr.Kind)
	}
}

func TestSymlinkLoopReturnsELOOP(t *testing.T) {
	r, fs := setup(t)
	fs.Root().Symlink("a", "/b")
	fs.Root().Symlink("b", "/a")

	if _, err := r.Resolve("/", "/a", "/", true); err != vfs.ErrLoop {
		t.Fatalf("expected ErrLoop for a symlink cycle, got %v", err)
	}
}

func TestRelativePathResolvesAgainstCWD(t *testing.T) {
	r, fs := setup(t)
	c := mustCreator(t, fs.Root())
	sub, _ := c.Mkdir("home", 0o755)
	subC := mustCreator(t, sub)
	subC.Create("file.txt", 0o644)

	n, err := r.Resolve("/home", "file.txt", "/", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	attr, _ := n.Stat()
	if attr.Kind != vfs.KindFile {
		t.Fatalf("expected relative lookup to find file.txt, got kind %v", attr.Kind)
	}
}

func TestAAndABCollapseToSameHandle(t *testing.T) {
	// spec.md §8: path resolution of "a/b/.." and "a" must yield the same
	// handle whenever both exist.
	r, fs := setup(t)
	c := mustCreator(t, fs.Root())
	a, _ := c.Mkdir("a", 0o755)
	aC := mustCreator(t, a)
	aC.Mkdir("b", 0o755)

	n1, err := r.Resolve("/", "/a", "/", true)
	if err != nil {
		t.Fatalf("Resolve /a: %v", err)
	}
	n2, err := r.Resolve("/", "/a/b/..", "/", true)
	if err != nil {
		t.Fatalf("Resolve /a/b/..: %v", err)
	}
	if n1 != n2 {
		t.Fatal("expected /a and /a/b/.. to resolve to the same handle")
	}
}
