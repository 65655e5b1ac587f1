package diskfs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/kestrelos/kestrel/internal/vfs"
)

// node is the in-process handle diskfs returns from Lookup; it names an
// inode number and always re-reads the on-disk record, so two node
// values for the same inode observe each other's writes immediately —
// the same "no separate cache layer" tradeoff memfs makes by holding its
// whole tree in one map, just rereading the device instead of a map.
type node struct {
	fs  *FS
	ino uint32
}

var (
	_ vfs.Node    = (*node)(nil)
	_ vfs.Creator = (*node)(nil)
)

func (n *node) Stat() (vfs.Attr, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return vfs.Attr{}, err
	}
	return vfs.Attr{
		Kind:    in.kind,
		Mode:    in.mode,
		Size:    in.size,
		NLink:   in.nlink,
		ModTime: time.Unix(0, in.mtime),
		UID:     in.uid,
		GID:     in.gid,
	}, nil
}

func (n *node) Lookup(name string) (vfs.Node, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return nil, err
	}
	if in.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	e, ok, err := n.findEntry(&in, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return &node{fs: n.fs, ino: e.inode}, nil
}

func (n *node) Readdir() ([]vfs.DirEntry, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return nil, err
	}
	if in.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	entries, err := n.listEntries(&in)
	if err != nil {
		return nil, err
	}
	out := make([]vfs.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		out = append(out, vfs.DirEntry{Name: e.name, Kind: e.kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// blockForRead returns the physical block index backing logical block
// `logical` of in, or ok=false if that range of the file was never
// written (a hole, read back as zeroes).
func (f *FS) blockForRead(in *diskInode, logical uint32) (uint64, bool, error) {
	if logical < directBlocks {
		b := in.direct[logical]
		return uint64(b), b != 0, nil
	}
	if in.indirect == 0 {
		return 0, false, nil
	}
	ptrs, err := f.readIndirectBlock(in.indirect)
	if err != nil {
		return 0, false, err
	}
	idx := logical - directBlocks
	if int(idx) >= len(ptrs) {
		return 0, false, fmt.Errorf("diskfs: file exceeds maximum supported size")
	}
	b := ptrs[idx]
	return uint64(b), b != 0, nil
}

// blockForWrite returns the physical block backing logical block
// `logical`, allocating and wiring it into in's direct/indirect pointers
// if this is the first write to that range. Caller must persist `in`
// with writeInode afterward.
func (f *FS) blockForWrite(in *diskInode, logical uint32) (uint64, error) {
	if logical < directBlocks {
		if in.direct[logical] != 0 {
			return uint64(in.direct[logical]), nil
		}
		b, err := f.allocBlock()
		if err != nil {
			return 0, err
		}
		in.direct[logical] = uint32(b)
		return b, nil
	}

	ptrsPerBlock := f.sb.blockSize / 4
	idx := logical - directBlocks
	if idx >= ptrsPerBlock {
		return 0, fmt.Errorf("diskfs: file exceeds maximum supported size")
	}
	if in.indirect == 0 {
		b, err := f.allocBlock()
		if err != nil {
			return 0, err
		}
		in.indirect = uint32(b)
		zero := make([]byte, f.sb.blockSize)
		if err := f.dev.WriteBlock(b, zero); err != nil {
			return 0, err
		}
	}
	ptrs, err := f.readIndirectBlock(in.indirect)
	if err != nil {
		return 0, err
	}
	if ptrs[idx] != 0 {
		return uint64(ptrs[idx]), nil
	}
	b, err := f.allocBlock()
	if err != nil {
		return 0, err
	}
	ptrs[idx] = uint32(b)
	if err := f.writeIndirectBlock(in.indirect, ptrs); err != nil {
		return 0, err
	}
	return b, nil
}

func (f *FS) readIndirectBlock(block uint32) ([]uint32, error) {
	buf := make([]byte, f.sb.blockSize)
	if err := f.dev.ReadBlock(uint64(block), buf); err != nil {
		return nil, err
	}
	ptrs := make([]uint32, f.sb.blockSize/4)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return ptrs, nil
}

func (f *FS) writeIndirectBlock(block uint32, ptrs []uint32) error {
	buf := make([]byte, f.sb.blockSize)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(buf[i*4:], p)
	}
	return f.dev.WriteBlock(uint64(block), buf)
}

func (n *node) ReadAt(off uint64, size uint32) ([]byte, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return nil, err
	}
	if in.kind != vfs.KindFile {
		return nil, vfs.ErrIsADirectory
	}
	if off >= in.size {
		return nil, nil
	}
	end := off + uint64(size)
	if end > in.size {
		end = in.size
	}
	out := make([]byte, 0, end-off)
	bs := uint64(n.fs.sb.blockSize)
	for pos := off; pos < end; {
		logical := uint32(pos / bs)
		blockOff := pos % bs
		chunk := bs - blockOff
		if pos+chunk > end {
			chunk = end - pos
		}
		phys, ok, err := n.fs.blockForRead(&in, logical)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, make([]byte, chunk)...)
		} else {
			buf := make([]byte, bs)
			if err := n.fs.dev.ReadBlock(phys, buf); err != nil {
				return nil, err
			}
			out = append(out, buf[blockOff:blockOff+chunk]...)
		}
		pos += chunk
	}
	return out, nil
}

func (n *node) WriteAt(off uint64, data []byte) (int, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return 0, err
	}
	if in.kind != vfs.KindFile {
		return 0, vfs.ErrIsADirectory
	}
	bs := uint64(n.fs.sb.blockSize)
	end := off + uint64(len(data))
	written := 0
	for pos := off; pos < end; {
		logical := uint32(pos / bs)
		blockOff := pos % bs
		chunk := bs - blockOff
		if pos+chunk > end {
			chunk = end - pos
		}
		phys, err := n.fs.blockForWrite(&in, logical)
		if err != nil {
			return written, err
		}
		buf := make([]byte, bs)
		if blockOff != 0 || chunk != bs {
			if err := n.fs.dev.ReadBlock(phys, buf); err != nil {
				return written, err
			}
		}
		copy(buf[blockOff:blockOff+chunk], data[pos-off:pos-off+chunk])
		if err := n.fs.dev.WriteBlock(phys, buf); err != nil {
			return written, err
		}
		written += int(chunk)
		pos += chunk
	}
	if end > in.size {
		in.size = end
	}
	in.mtime = time.Now().UnixNano()
	if err := n.fs.writeInode(n.ino, &in); err != nil {
		return written, err
	}
	if err := n.fs.sync(); err != nil {
		return written, err
	}
	return written, nil
}

func (n *node) Truncate(size uint64) error {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return err
	}
	if in.kind != vfs.KindFile {
		return vfs.ErrIsADirectory
	}
	if size < in.size {
		n.freeBlocksFrom(&in, size)
	}
	in.size = size
	in.mtime = time.Now().UnixNano()
	if err := n.fs.writeInode(n.ino, &in); err != nil {
		return err
	}
	return n.fs.sync()
}

// freeBlocksFrom releases every block whose logical range lies entirely
// at or beyond newSize, used by Truncate when shrinking a file.
func (n *node) freeBlocksFrom(in *diskInode, newSize uint64) {
	bs := uint64(n.fs.sb.blockSize)
	firstFreed := uint32((newSize + bs - 1) / bs)
	for i := firstFreed; i < directBlocks; i++ {
		if in.direct[i] != 0 {
			n.fs.freeBlock(uint64(in.direct[i]))
			in.direct[i] = 0
		}
	}
	if in.indirect == 0 {
		return
	}
	ptrs, err := n.fs.readIndirectBlock(in.indirect)
	if err != nil {
		return
	}
	changed := false
	for i, p := range ptrs {
		logical := directBlocks + uint32(i)
		if logical >= firstFreed && p != 0 {
			n.fs.freeBlock(uint64(p))
			ptrs[i] = 0
			changed = true
		}
	}
	if changed {
		n.fs.writeIndirectBlock(in.indirect, ptrs)
	}
}

func (n *node) Readlink() (string, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return "", err
	}
	if in.kind != vfs.KindSymlink {
		return "", fmt.Errorf("diskfs: not a symlink")
	}
	return string(in.symlinkTarget[:in.symlinkLen]), nil
}

func (n *node) Symlink(name, target string) (vfs.Node, error) {
	if len(target) > symlinkInlineMax {
		return nil, fmt.Errorf("diskfs: symlink target too long for inline storage (%d > %d)", len(target), symlinkInlineMax)
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	dir, err := n.fs.readInode(n.ino)
	if err != nil {
		return nil, err
	}
	if dir.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	if _, ok, _ := n.findEntry(&dir, name); ok {
		return nil, vfs.ErrExists
	}
	idx, err := n.fs.allocInode()
	if err != nil {
		return nil, err
	}
	link := diskInode{kind: vfs.KindSymlink, mode: 0o777, nlink: 1, mtime: time.Now().UnixNano()}
	link.symlinkLen = uint16(len(target))
	copy(link.symlinkTarget[:], target)
	if err := n.fs.writeInode(idx, &link); err != nil {
		return nil, err
	}
	if err := n.addEntryLocked(&dir, name, idx, vfs.KindSymlink); err != nil {
		return nil, err
	}
	if err := n.fs.sync(); err != nil {
		return nil, err
	}
	return &node{fs: n.fs, ino: idx}, nil
}

func (n *node) Unlink(name string) error {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	dir, err := n.fs.readInode(n.ino)
	if err != nil {
		return err
	}
	if dir.kind != vfs.KindDir {
		return vfs.ErrNotADirectory
	}
	e, ok, err := n.findEntry(&dir, name)
	if err != nil {
		return err
	}
	if !ok {
		return vfs.ErrNotFound
	}
	child, err := n.fs.readInode(e.inode)
	if err != nil {
		return err
	}
	if child.kind == vfs.KindDir {
		entries, err := (&node{fs: n.fs, ino: e.inode}).listEntries(&child)
		if err != nil {
			return err
		}
		for _, ce := range entries {
			if ce.name != "." && ce.name != ".." {
				return fmt.Errorf("diskfs: directory %q not empty", name)
			}
		}
	}
	if err := n.removeEntry(&dir, name); err != nil {
		return err
	}
	if child.kind == vfs.KindDir {
		dir.nlink--
		if err := n.fs.writeInode(n.ino, &dir); err != nil {
			return err
		}
	}
	child.nlink--
	if child.nlink == 0 {
		(&node{fs: n.fs, ino: e.inode}).freeBlocksFrom(&child, 0)
		n.fs.freeInode(e.inode)
	} else if err := n.fs.writeInode(e.inode, &child); err != nil {
		return err
	}
	return n.fs.sync()
}

func (n *node) Rename(oldName string, newParent vfs.Node, newName string) error {
	np, ok := newParent.(*node)
	if !ok || np.fs != n.fs {
		return vfs.ErrCrossDevice
	}
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()

	srcDir, err := n.fs.readInode(n.ino)
	if err != nil {
		return err
	}
	dstDir, err := n.fs.readInode(np.ino)
	if err != nil {
		return err
	}
	if srcDir.kind != vfs.KindDir || dstDir.kind != vfs.KindDir {
		return vfs.ErrNotADirectory
	}
	e, ok2, err := n.findEntry(&srcDir, oldName)
	if err != nil {
		return err
	}
	if !ok2 {
		return vfs.ErrNotFound
	}
	if existing, ok3, _ := np.findEntry(&dstDir, newName); ok3 {
		if err := np.removeEntry(&dstDir, newName); err != nil {
			return err
		}
		existingIn, err := n.fs.readInode(existing.inode)
		if err == nil {
			existingIn.nlink--
			if existingIn.nlink == 0 {
				(&node{fs: n.fs, ino: existing.inode}).freeBlocksFrom(&existingIn, 0)
				n.fs.freeInode(existing.inode)
			} else {
				n.fs.writeInode(existing.inode, &existingIn)
			}
		}
	}
	if err := n.removeEntry(&srcDir, oldName); err != nil {
		return err
	}
	if err := np.addEntryLocked(&dstDir, newName, e.inode, e.kind); err != nil {
		return err
	}
	return n.fs.sync()
}

func (n *node) SetPerm(mode vfs.FileMode) error {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return err
	}
	in.mode = mode
	if err := n.fs.writeInode(n.ino, &in); err != nil {
		return err
	}
	return n.fs.sync()
}

func (n *node) FSID() uint64 { return n.fs.fsid }

func (n *node) Create(name string, mode vfs.FileMode) (vfs.Node, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	dir, err := n.fs.readInode(n.ino)
	if err != nil {
		return nil, err
	}
	if dir.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	if _, ok, _ := n.findEntry(&dir, name); ok {
		return nil, vfs.ErrExists
	}
	idx, err := n.fs.allocInode()
	if err != nil {
		return nil, err
	}
	file := diskInode{kind: vfs.KindFile, mode: mode, nlink: 1, mtime: time.Now().UnixNano()}
	if err := n.fs.writeInode(idx, &file); err != nil {
		return nil, err
	}
	if err := n.addEntryLocked(&dir, name, idx, vfs.KindFile); err != nil {
		return nil, err
	}
	if err := n.fs.sync(); err != nil {
		return nil, err
	}
	return &node{fs: n.fs, ino: idx}, nil
}

func (n *node) Mkdir(name string, mode vfs.FileMode) (vfs.Node, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	dir, err := n.fs.readInode(n.ino)
	if err != nil {
		return nil, err
	}
	if dir.kind != vfs.KindDir {
		return nil, vfs.ErrNotADirectory
	}
	if _, ok, _ := n.findEntry(&dir, name); ok {
		return nil, vfs.ErrExists
	}
	idx, err := n.fs.allocInode()
	if err != nil {
		return nil, err
	}
	sub := diskInode{kind: vfs.KindDir, mode: mode, nlink: 2, mtime: time.Now().UnixNano()}
	if err := n.fs.writeInode(idx, &sub); err != nil {
		return nil, err
	}
	child := &node{fs: n.fs, ino: idx}
	if err := child.addEntry(".", idx, vfs.KindDir); err != nil {
		return nil, err
	}
	if err := child.addEntry("..", n.ino, vfs.KindDir); err != nil {
		return nil, err
	}
	if err := n.addEntryLocked(&dir, name, idx, vfs.KindDir); err != nil {
		return nil, err
	}
	dir.nlink++
	if err := n.fs.writeInode(n.ino, &dir); err != nil {
		return nil, err
	}
	if err := n.fs.sync(); err != nil {
		return nil, err
	}
	return child, nil
}

// --- directory entry helpers, operating on the caller-supplied decoded
// inode and persisting block pointer changes back via writeInode. ---

func (n *node) listEntries(dir *diskInode) ([]dirent, error) {
	bs := uint64(n.fs.sb.blockSize)
	perBlock := bs / direntSize
	var out []dirent
	nBlocks := uint32((dir.size + bs - 1) / bs)
	for logical := uint32(0); logical < nBlocks; logical++ {
		phys, ok, err := n.fs.blockForRead(dir, logical)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		buf := make([]byte, bs)
		if err := n.fs.dev.ReadBlock(phys, buf); err != nil {
			return nil, err
		}
		for i := uint64(0); i < perBlock; i++ {
			rec := buf[i*direntSize : (i+1)*direntSize]
			if e, ok := decodeDirent(rec); ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (n *node) findEntry(dir *diskInode, name string) (dirent, bool, error) {
	entries, err := n.listEntries(dir)
	if err != nil {
		return dirent{}, false, err
	}
	for _, e := range entries {
		if e.name == name {
			return e, true, nil
		}
	}
	return dirent{}, false, nil
}

// addEntry reads n's own inode, adds the entry, and persists — used when
// the caller (Mkdir/Format) doesn't already have the decoded inode in
// hand for n itself.
func (n *node) addEntry(name string, inode uint32, kind vfs.Kind) error {
	in, err := n.fs.readInode(n.ino)
	if err != nil {
		return err
	}
	if err := n.addEntryLocked(&in, name, inode, kind); err != nil {
		return err
	}
	return n.fs.writeInode(n.ino, &in)
}

// addEntryLocked appends a directory entry into dir (n's own decoded
// inode), growing the directory by one block when every existing block
// is full. Caller must persist dir via writeInode.
func (n *node) addEntryLocked(dir *diskInode, name string, inode uint32, kind vfs.Kind) error {
	bs := uint64(n.fs.sb.blockSize)
	perBlock := bs / direntSize
	nBlocks := uint32((dir.size + bs - 1) / bs)

	for logical := uint32(0); logical < nBlocks; logical++ {
		phys, ok, err := n.fs.blockForRead(dir, logical)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		buf := make([]byte, bs)
		if err := n.fs.dev.ReadBlock(phys, buf); err != nil {
			return err
		}
		for i := uint64(0); i < perBlock; i++ {
			rec := buf[i*direntSize : (i+1)*direntSize]
			if _, used := decodeDirent(rec); !used {
				e := dirent{inode: inode, kind: kind, name: name}
				if err := e.encode(rec); err != nil {
					return err
				}
				return n.fs.dev.WriteBlock(phys, buf)
			}
		}
	}

	// No free slot in any existing block: grow the directory by one block.
	phys, err := n.fs.blockForWrite(dir, nBlocks)
	if err != nil {
		return err
	}
	buf := make([]byte, bs)
	e := dirent{inode: inode, kind: kind, name: name}
	if err := e.encode(buf[0:direntSize]); err != nil {
		return err
	}
	if err := n.fs.dev.WriteBlock(phys, buf); err != nil {
		return err
	}
	dir.size = uint64(nBlocks+1) * bs
	return nil
}

func (n *node) removeEntry(dir *diskInode, name string) error {
	bs := uint64(n.fs.sb.blockSize)
	perBlock := bs / direntSize
	nBlocks := uint32((dir.size + bs - 1) / bs)

	for logical := uint32(0); logical < nBlocks; logical++ {
		phys, ok, err := n.fs.blockForRead(dir, logical)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		buf := make([]byte, bs)
		if err := n.fs.dev.ReadBlock(phys, buf); err != nil {
			return err
		}
		for i := uint64(0); i < perBlock; i++ {
			rec := buf[i*direntSize : (i+1)*direntSize]
			if e, used := decodeDirent(rec); used && e.name == name {
				for j := range rec {
					rec[j] = 0
				}
				if err := n.fs.dev.WriteBlock(phys, buf); err != nil {
					return err
				}
				return n.fs.writeInode(n.ino, dir)
			}
		}
	}
	return vfs.ErrNotFound
}
