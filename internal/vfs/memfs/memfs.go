// Package memfs is the in-memory filesystem driver used for /tmp
// (spec.md §4.9: "directory trees and file contents held in kernel
// heap"). Its node shape — a flat table of id-keyed nodes with a
// name/child-id map per directory, sparse-ish byte storage per file,
// nlink/mode/time bookkeeping — is grounded directly on the teacher's
// _grounding/vfs_backend.go fsNode, with the FUSE wire format, POSIX
// ACLs, xattrs, and byte-range locking stripped out: this driver is
// called in-process by internal/vfs, not served to a separate guest
// over virtio-fs.
package memfs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kestrelos/kestrel/internal/vfs"
)

type node struct {
	fs *FS

	id     uint64
	parent uint64
	kind   vfs.Kind
	mode   vfs.FileMode
	nlink  uint32
	uid    uint32
	gid    uint32
	mtime  time.Time

	entries map[string]uint64 // directory: name -> child id
	data    []byte             // file: contents
	target  string             // symlink: link target
}

// FS is an in-memory filesystem instance; each mounted /tmp gets its own
// FS so unmounting discards the whole tree.
type FS struct {
	mu     sync.Mutex
	fsid   uint64
	nodes  map[uint64]*node
	nextID uint64
}

// New creates an empty filesystem with a root directory.
func New(fsid uint64) *FS {
	f := &FS{fsid: fsid, nodes: make(map[uint64]*node), nextID: 2}
	root := &node{
		fs:      f,
		id:      1,
		parent:  1,
		kind:    vfs.KindDir,
		mode:    0o755,
		nlink:   2,
		entries: make(map[string]uint64),
		mtime:   time.Now(),
	}
	f.nodes[1] = root
	return f
}

// Root implements vfs.Driver.
func (f *FS) Root() vfs.Node { return f.nodes[1] }

// FSID implements vfs.Driver.
func (f *FS) FSID() uint64 { return f.fsid }

func (f *FS) alloc() uint64 {
	id := f.nextID
	f.nextID++
	return id
}

func (n *node) Stat() (vfs.Attr, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	return vfs.Attr{
		Kind:    n.kind,
		Mode:    n.mode,
		Size:    uint64(len(n.data)),
		NLink:   n.nlink,
		ModTime: n.mtime,
		UID:     n.uid,
		GID:     n.gid,
	}, nil
}

func (n *node) Lookup(name string) (vfs.Node, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	if name == ".." {
		return n.fs.nodes[n.parent], nil
	}
	id, ok := n.entries[name]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return n.fs.nodes[id], nil
}

func (n *node) Readdir() ([]vfs.DirEntry, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	out := make([]vfs.DirEntry, 0, len(n.entries))
	for name, id := range n.entries {
		out = append(out, vfs.DirEntry{Name: name, Kind: n.fs.nodes[id].kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (n *node) ReadAt(off uint64, size uint32) ([]byte, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindFile {
		return nil, vfs.ErrIsADirectory
	}
	if off >= uint64(len(n.data)) {
		return nil, nil
	}
	end := off + uint64(size)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}
	out := make([]byte, end-off)
	copy(out, n.data[off:end])
	return out, nil
}

func (n *node) WriteAt(off uint64, data []byte) (int, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindFile {
		return 0, vfs.ErrIsADirectory
	}
	end := off + uint64(len(data))
	if end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:end], data)
	n.mtime = bumpTime(n.mtime)
	return len(data), nil
}

func (n *node) Truncate(size uint64) error {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindFile {
		return vfs.ErrIsADirectory
	}
	if size <= uint64(len(n.data)) {
		n.data = n.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return nil
}

func (n *node) Readlink() (string, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindSymlink {
		return "", fmt.Errorf("memfs: not a symlink")
	}
	return n.target, nil
}

func (n *node) Symlink(name, target string) (vfs.Node, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	if _, exists := n.entries[name]; exists {
		return nil, vfs.ErrExists
	}
	id := n.fs.alloc()
	child := &node{fs: n.fs, id: id, parent: n.id, kind: vfs.KindSymlink, mode: 0o777, nlink: 1, target: target, mtime: time.Now()}
	n.entries[name] = id
	n.fs.nodes[id] = child
	return child, nil
}

func (n *node) Unlink(name string) error {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindDir {
		return vfs.ErrNotADirectory
	}
	id, ok := n.entries[name]
	if !ok {
		return vfs.ErrNotFound
	}
	child := n.fs.nodes[id]
	if child.kind == vfs.KindDir && len(child.entries) > 0 {
		return fmt.Errorf("memfs: directory %q not empty", name)
	}
	delete(n.entries, name)
	child.nlink--
	if child.nlink == 0 {
		delete(n.fs.nodes, id)
	}
	return nil
}

func (n *node) Rename(oldName string, newParent vfs.Node, newName string) error {
	np, ok := newParent.(*node)
	if !ok || np.fs != n.fs {
		return vfs.ErrCrossDevice
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindDir || np.kind != vfs.KindDir {
		return vfs.ErrNotADirectory
	}
	id, ok := n.entries[oldName]
	if !ok {
		return vfs.ErrNotFound
	}
	if existing, exists := np.entries[newName]; exists {
		delete(np.nodesMap(), existing)
	}
	delete(n.entries, oldName)
	np.entries[newName] = id
	n.fs.nodes[id].parent = np.id
	return nil
}

func (n *node) nodesMap() map[uint64]*node { return n.fs.nodes }

func (n *node) SetPerm(mode vfs.FileMode) error {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	n.mode = mode
	return nil
}

func (n *node) FSID() uint64 { return n.fs.fsid }

// Create adds a new regular file named `name` under directory n.
func (n *node) Create(name string, mode vfs.FileMode) (vfs.Node, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	if _, exists := n.entries[name]; exists {
		return nil, vfs.ErrExists
	}
	id := n.fs.alloc()
	child := &node{fs: n.fs, id: id, parent: n.id, kind: vfs.KindFile, mode: mode, nlink: 1, mtime: time.Now()}
	n.entries[name] = id
	n.fs.nodes[id] = child
	return child, nil
}

// Mkdir adds a new subdirectory named `name` under directory n.
func (n *node) Mkdir(name string, mode vfs.FileMode) (vfs.Node, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if n.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	if _, exists := n.entries[name]; exists {
		return nil, vfs.ErrExists
	}
	id := n.fs.alloc()
	child := &node{fs: n.fs, id: id, parent: n.id, kind: vfs.KindDir, mode: mode, nlink: 2, entries: make(map[string]uint64), mtime: time.Now()}
	n.entries[name] = id
	n.fs.nodes[id] = child
	return child, nil
}

func bumpTime(prev time.Time) time.Time {
	next := time.Now()
	if !next.After(prev) {
		return time.Unix(0, prev.UnixNano()+1)
	}
	return next
}
