// Package procfs implements the synthetic process filesystem of
// spec.md §4.9: "/proc, /proc/<pid>/fd/<n> resolving to the process's
// open file, filtered by container". It has no backing storage — every
// Stat/Lookup/Readdir call is computed on the fly from internal/proc's
// live process table, the same "derive the tree from in-memory state,
// there is nothing to persist" shape the teacher's own debug and status
// endpoints use, generalized here into a full vfs.Node tree instead of
// an HTTP handler.
package procfs

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/vfs"
)

// FS is one mounted /proc view, scoped to a single container: spec.md
// §4.9 requires the listing be "filtered by container" so one box's
// /proc never reveals another box's processes.
type FS struct {
	table     *proc.Table
	container proc.ContainerID
	fsid      uint64
	boot      time.Time
}

// New creates a /proc view over table, showing only processes whose
// Container equals container.
func New(table *proc.Table, container proc.ContainerID, fsid uint64) *FS {
	return &FS{table: table, container: container, fsid: fsid, boot: time.Now()}
}

func (f *FS) Root() vfs.Node { return &node{fs: f, kind: kindRoot} }
func (f *FS) FSID() uint64   { return f.fsid }

type kind int

const (
	kindRoot kind = iota
	kindProcDir
	kindStatus
	kindCwdLink
	kindFdDir
	kindFdLink
)

// node is procfs's single Node implementation; `kind` (plus pid/fd where
// relevant) is enough to recompute everything else on demand.
type node struct {
	fs  *FS
	kind kind
	pid proc.PID
	fd  int
}

var _ vfs.Node = (*node)(nil)

func (n *node) process() (*proc.Process, error) {
	p, ok := n.fs.table.Lookup(n.pid)
	if !ok {
		return nil, vfs.ErrNotFound
	}
	if p.Snapshot().Container != n.fs.container {
		return nil, vfs.ErrNotFound
	}
	return p, nil
}

func (n *node) Stat() (vfs.Attr, error) {
	now := time.Now()
	switch n.kind {
	case kindRoot, kindProcDir, kindFdDir:
		return vfs.Attr{Kind: vfs.KindDir, Mode: 0o555, NLink: 2, ModTime: now}, nil
	case kindStatus:
		body, err := n.statusBody()
		if err != nil {
			return vfs.Attr{}, err
		}
		return vfs.Attr{Kind: vfs.KindFile, Mode: 0o444, Size: uint64(len(body)), ModTime: now}, nil
	case kindCwdLink, kindFdLink:
		return vfs.Attr{Kind: vfs.KindSymlink, Mode: 0o777, NLink: 1, ModTime: now}, nil
	default:
		return vfs.Attr{}, fmt.Errorf("procfs: unknown node kind")
	}
}

func (n *node) Lookup(name string) (vfs.Node, error) {
	switch n.kind {
	case kindRoot:
		pidN, err := strconv.Atoi(name)
		if err != nil {
			return nil, vfs.ErrNotFound
		}
		pn := &node{fs: n.fs, kind: kindProcDir, pid: proc.PID(pidN)}
		if _, err := pn.process(); err != nil {
			return nil, err
		}
		return pn, nil
	case kindProcDir:
		if _, err := n.process(); err != nil {
			return nil, err
		}
		switch name {
		case "status":
			return &node{fs: n.fs, kind: kindStatus, pid: n.pid}, nil
		case "cwd":
			return &node{fs: n.fs, kind: kindCwdLink, pid: n.pid}, nil
		case "fd":
			return &node{fs: n.fs, kind: kindFdDir, pid: n.pid}, nil
		default:
			return nil, vfs.ErrNotFound
		}
	case kindFdDir:
		p, err := n.process()
		if err != nil {
			return nil, err
		}
		fdN, err := strconv.Atoi(name)
		if err != nil {
			return nil, vfs.ErrNotFound
		}
		if _, ok := p.FDs.Get(fdN); !ok {
			return nil, vfs.ErrNotFound
		}
		return &node{fs: n.fs, kind: kindFdLink, pid: n.pid, fd: fdN}, nil
	default:
		return nil, vfs.ErrNotADirectory
	}
}

func (n *node) Readdir() ([]vfs.DirEntry, error) {
	switch n.kind {
	case kindRoot:
		procs := n.fs.table.ListContainer(n.fs.container)
		out := make([]vfs.DirEntry, 0, len(procs))
		for _, p := range procs {
			out = append(out, vfs.DirEntry{Name: strconv.Itoa(int(p.PID)), Kind: vfs.KindDir})
		}
		return out, nil
	case kindProcDir:
		if _, err := n.process(); err != nil {
			return nil, err
		}
		return []vfs.DirEntry{
			{Name: "status", Kind: vfs.KindFile},
			{Name: "cwd", Kind: vfs.KindSymlink},
			{Name: "fd", Kind: vfs.KindDir},
		}, nil
	case kindFdDir:
		p, err := n.process()
		if err != nil {
			return nil, err
		}
		fds := p.FDs.List()
		sort.Ints(fds)
		out := make([]vfs.DirEntry, 0, len(fds))
		for _, fd := range fds {
			out = append(out, vfs.DirEntry{Name: strconv.Itoa(fd), Kind: vfs.KindSymlink})
		}
		return out, nil
	default:
		return nil, vfs.ErrNotADirectory
	}
}

func (n *node) statusBody() ([]byte, error) {
	p, err := n.process()
	if err != nil {
		return nil, err
	}
	s := p.Snapshot()
	body := fmt.Sprintf("Pid:\t%d\nPPid:\t%d\nState:\t%s\nContainer:\t%d\n",
		s.PID, s.PPID, s.State, s.Container)
	return []byte(body), nil
}

func (n *node) ReadAt(off uint64, size uint32) ([]byte, error) {
	if n.kind != kindStatus {
		return nil, vfs.ErrIsADirectory
	}
	body, err := n.statusBody()
	if err != nil {
		return nil, err
	}
	if off >= uint64(len(body)) {
		return nil, nil
	}
	end := off + uint64(size)
	if end > uint64(len(body)) {
		end = uint64(len(body))
	}
	return body[off:end], nil
}

func (n *node) Readlink() (string, error) {
	switch n.kind {
	case kindCwdLink:
		p, err := n.process()
		if err != nil {
			return "", err
		}
		return p.CWD(), nil
	case kindFdLink:
		p, err := n.process()
		if err != nil {
			return "", err
		}
		f, ok := p.FDs.Get(n.fd)
		if !ok {
			return "", vfs.ErrNotFound
		}
		return fmt.Sprintf("%s:[%d]", f.Kind(), n.fd), nil
	default:
		return "", fmt.Errorf("procfs: not a symlink")
	}
}

func (n *node) WriteAt(off uint64, data []byte) (int, error) { return 0, vfs.ErrNotSupported }
func (n *node) Truncate(size uint64) error                   { return vfs.ErrNotSupported }
func (n *node) Symlink(name, target string) (vfs.Node, error) {
	return nil, vfs.ErrNotSupported
}
func (n *node) Unlink(name string) error { return vfs.ErrNotSupported }
func (n *node) Rename(oldName string, newParent vfs.Node, newName string) error {
	return vfs.ErrNotSupported
}
func (n *node) SetPerm(mode vfs.FileMode) error { return vfs.ErrNotSupported }
func (n *node) FSID() uint64                    { return n.fs.fsid }
