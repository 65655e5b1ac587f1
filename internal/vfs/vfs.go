// Package vfs implements the layered virtual filesystem described in
// spec.md §4.9: a mount table, a path resolver with symlink-following
// and container-root scoping, and a common Node interface that pluggable
// drivers (memfs, diskfs, procfs) implement. The node/attr shape and the
// lookup-by-name interface are grounded on the teacher's own
// _grounding/vfs_backend.go fsNode design, generalized away from its
// FUSE wire format toward a plain in-process interface since kestrel is
// the kernel hosting the filesystem, not a userspace process serving one
// over virtio-fs to a separate guest.
package vfs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the node types the inode-like handle layer
// supports (spec.md §3).
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

// FileMode holds Linux-style permission bits (low 12 bits: rwxrwxrwx
// plus setuid/setgid/sticky), matching how the teacher's fsNode models
// permissions directly against Linux semantics rather than Go's
// fs.FileMode bit layout.
type FileMode uint32

const (
	ModePerm   FileMode = 0o7777
	ModeSetuid FileMode = 0o4000
	ModeSetgid FileMode = 0o2000
	ModeSticky FileMode = 0o1000
)

// Attr is the common stat-able metadata every Node reports.
type Attr struct {
	Kind    Kind
	Mode    FileMode
	Size    uint64
	NLink   uint32
	ModTime time.Time
	UID     uint32
	GID     uint32
}

// DirEntry is one name/kind pair returned by Readdir.
type DirEntry struct {
	Name string
	Kind Kind
}

// Node is the inode-like handle every filesystem driver implements
// (spec.md §3: "Opaque per-filesystem object with operations
// {lookup(name), open, stat, truncate, readdir, symlink, readlink,
// unlink, rename, set_perm, read_at, write_at}"). "open" has no
// separate method here: Node itself is the open handle once Lookup
// returns it, matching how the process fd table (internal/proc) treats
// any VFS handle as already-open.
type Node interface {
	Stat() (Attr, error)
	Lookup(name string) (Node, error)
	Readdir() ([]DirEntry, error)
	ReadAt(off uint64, size uint32) ([]byte, error)
	WriteAt(off uint64, data []byte) (int, error)
	Truncate(size uint64) error
	Readlink() (string, error)
	Symlink(name, target string) (Node, error)
	Unlink(name string) error
	Rename(oldName string, newParent Node, newName string) error
	SetPerm(mode FileMode) error
	// FSID identifies which mounted filesystem this node belongs to, so
	// Rename across filesystems can be rejected with ErrCrossDevice
	// (spec.md §4.9: "rename across filesystems is reported as EXDEV").
	FSID() uint64
}

// Creator is implemented by directory nodes of filesystems that support
// creating new regular files and subdirectories (memfs, diskfs). It's
// kept separate from Node because the synthetic /proc filesystem never
// supports creation.
type Creator interface {
	Create(name string, mode FileMode) (Node, error)
	Mkdir(name string, mode FileMode) (Node, error)
}

var (
	ErrNotFound      = errors.New("vfs: no such file or directory")
	ErrNotADirectory = errors.New("vfs: not a directory")
	ErrIsADirectory  = errors.New("vfs: is a directory")
	ErrLoop          = errors.New("vfs: too many levels of symbolic links")
	ErrExists        = errors.New("vfs: file exists")
	ErrCrossDevice   = errors.New("vfs: invalid cross-device link")
	ErrNotSupported  = errors.New("vfs: operation not supported by this filesystem")
)

// MaxSymlinkDepth bounds symlink-follow recursion (spec.md §4.9:
// "bound the follow depth (configurable limit, e.g. 40)").
const MaxSymlinkDepth = 40

// Driver is a mounted filesystem: it supplies the root Node and an id
// used for cross-filesystem checks.
type Driver interface {
	Root() Node
	FSID() uint64
}

// mountEntry is one row of the mount table (spec.md §3).
type mountEntry struct {
	prefix string
	driver Driver
}

// MountTable is an ordered sequence of mount points; path resolution
// picks the longest matching prefix. It has no lock of its own: Mount
// and Unmount are not synchronized with concurrent resolution.
type MountTable struct {
	mounts []mountEntry
}

// NewMountTable returns an empty table.
func NewMountTable() *MountTable {
	return &MountTable{}
}

// Mount adds a filesystem driver at prefix (must start with "/").
func (mt *MountTable) Mount(prefix string, d Driver) error {
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("vfs: mount prefix %q must be absolute", prefix)
	}
	prefix = strings.TrimSuffix(prefix, "/")
	mt.mounts = append(mt.mounts, mountEntry{prefix: prefix, driver: d})
	return nil
}

// Unmount removes the mount at exactly prefix.
func (mt *MountTable) Unmount(prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/")
	for i, m := range mt.mounts {
		if m.prefix == prefix {
			mt.mounts = append(mt.mounts[:i], mt.mounts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("vfs: no mount at %q", prefix)
}

// resolveMount picks the longest matching prefix covering `absPath`
// (already container-root-prefixed and cleaned) and returns that
// driver's root node plus the path remaining beneath the mount point.
func (mt *MountTable) resolveMount(absPath string) (Node, string, error) {
	best := -1
	bestLen := -1
	for i, m := range mt.mounts {
		if m.prefix == "" {
			if bestLen < 0 {
				best, bestLen = i, 0
			}
			continue
		}
		if absPath == m.prefix || strings.HasPrefix(absPath, m.prefix+"/") {
			if len(m.prefix) > bestLen {
				best, bestLen = i, len(m.prefix)
			}
		}
	}
	if best < 0 {
		return nil, "", ErrNotFound
	}
	m := mt.mounts[best]
	rest := strings.TrimPrefix(absPath, m.prefix)
	rest = strings.TrimPrefix(rest, "/")
	return m.driver.Root(), rest, nil
}

// Resolver implements the path resolution algorithm of spec.md §4.9.
type Resolver struct {
	Mounts *MountTable
}

// NewResolver wraps mt in a Resolver.
func NewResolver(mt *MountTable) *Resolver {
	return &Resolver{Mounts: mt}
}

// Resolve implements spec.md §4.9's path resolution algorithm. `cwd` and
// `path` are both expressed relative to containerRoot (e.g. cwd "/home"
// means the real path containerRoot+"/home"); containerRoot itself is
// never part of either string, matching how internal/proc stores a
// process's cwd. `.`/`..` are resolved purely as a string-component
// clamp — "`..` at container_root yields container_root" (spec.md
// §4.9/§8) — before any driver Lookup runs, so a process can never walk
// ".." past its own root regardless of what the mounted filesystems
// would otherwise allow. followLast controls whether a symlink in the
// final path component is itself followed (false for lstat/readlink,
// true for open/stat).
func (r *Resolver) Resolve(cwd, path, containerRoot string, followLast bool) (Node, error) {
	return r.resolve(cwd, path, containerRoot, followLast, 0)
}

func (r *Resolver) resolve(cwd, path, containerRoot string, followLast bool, depth int) (Node, error) {
	if depth > MaxSymlinkDepth {
		return nil, ErrLoop
	}

	base := cwd
	if strings.HasPrefix(path, "/") {
		base = "/"
	}
	clamped := clampComponents(base, path)

	root, rest, err := r.Mounts.resolveMount(cleanJoin(containerRoot, clamped))
	if err != nil {
		return nil, err
	}

	return r.walk(root, splitComponents(rest), cwd, containerRoot, followLast, depth)
}

// clampComponents resolves `.`/`..` components of `rel` against `base`
// (both already relative to containerRoot), clamping any `..` that
// would escape above "/" to stay at "/". It never touches the
// filesystem — it's pure string manipulation, matching spec.md §4.9
// step 2's "if that would escape container_root, stay at container_root".
func clampComponents(base, rel string) string {
	var stack []string
	if strings.HasPrefix(base, "/") {
		for _, c := range splitComponents(base) {
			if c != "" && c != "." {
				stack = append(stack, c)
			}
		}
	}
	for _, c := range splitComponents(rel) {
		switch c {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, c)
		}
	}
	return "/" + strings.Join(stack, "/")
}

func (r *Resolver) walk(start Node, comps []string, cwd, containerRoot string, followLast bool, depth int) (Node, error) {
	cur := start
	for i, c := range comps {
		if c == "" {
			continue
		}
		next, err := cur.Lookup(c)
		if err != nil {
			return nil, err
		}
		isLast := i == len(comps)-1
		if shouldFollow(next, isLast, followLast) {
			target, err := next.Readlink()
			if err != nil {
				return nil, err
			}
			// The target is resolved as a fresh path: an absolute target
			// from containerRoot, a relative one against the caller's
			// cwd. Relative targets are not resolved against the
			// directory containing the link.
			resolved, err := r.resolve(cwd, target, containerRoot, followLast, depth+1)
			if err != nil {
				return nil, err
			}
			next = resolved
		}
		cur = next
	}
	return cur, nil
}

func shouldFollow(n Node, isLast, followLast bool) bool {
	attr, err := n.Stat()
	if err != nil || attr.Kind != KindSymlink {
		return false
	}
	if !isLast {
		return true
	}
	return followLast
}

func splitComponents(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func cleanJoin(root, path string) string {
	root = strings.TrimSuffix(root, "/")
	if root == "" {
		root = "/"
	}
	if path == "/" {
		return root
	}
	return root + path
}
