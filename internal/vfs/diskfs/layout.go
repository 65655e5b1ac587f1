package diskfs

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelos/kestrel/internal/vfs"
)

// On-disk layout constants. Free-space accounting uses a flat bitmap
// scanned the same way internal/pmm scans its frame bitmap (Manager.state
// plus a linear free scan), generalized from 4 KiB physical frames to
// filesystem blocks since both are "find the next free fixed-size unit"
// problems with the same shape.
const (
	superblockMagic = 0x4b53544c // "KSTL"
	superblockBlock = 0

	inodeSize       = 256
	direntSize      = 64
	direntNameMax   = 58
	directBlocks    = 12
	symlinkInlineMax = 128

	rootInodeNum = 1
)

// superblock is the first block of every diskfs volume.
type superblock struct {
	magic       uint32
	version     uint32
	blockSize   uint32
	totalBlocks uint64

	inodeCount uint32

	blockBitmapStart  uint32
	blockBitmapBlocks uint32

	inodeBitmapStart  uint32
	inodeBitmapBlocks uint32

	inodeTableStart  uint32
	inodeTableBlocks uint32

	dataStart uint32

	freeBlocks uint64
	freeInodes uint32
}

func (sb *superblock) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], sb.magic)
	binary.LittleEndian.PutUint32(buf[4:], sb.version)
	binary.LittleEndian.PutUint32(buf[8:], sb.blockSize)
	binary.LittleEndian.PutUint64(buf[12:], sb.totalBlocks)
	binary.LittleEndian.PutUint32(buf[20:], sb.inodeCount)
	binary.LittleEndian.PutUint32(buf[24:], sb.blockBitmapStart)
	binary.LittleEndian.PutUint32(buf[28:], sb.blockBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[32:], sb.inodeBitmapStart)
	binary.LittleEndian.PutUint32(buf[36:], sb.inodeBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[40:], sb.inodeTableStart)
	binary.LittleEndian.PutUint32(buf[44:], sb.inodeTableBlocks)
	binary.LittleEndian.PutUint32(buf[48:], sb.dataStart)
	binary.LittleEndian.PutUint64(buf[52:], sb.freeBlocks)
	binary.LittleEndian.PutUint32(buf[60:], sb.freeInodes)
}

func decodeSuperblock(buf []byte) (superblock, error) {
	var sb superblock
	sb.magic = binary.LittleEndian.Uint32(buf[0:])
	if sb.magic != superblockMagic {
		return sb, fmt.Errorf("diskfs: bad superblock magic %#x", sb.magic)
	}
	sb.version = binary.LittleEndian.Uint32(buf[4:])
	sb.blockSize = binary.LittleEndian.Uint32(buf[8:])
	sb.totalBlocks = binary.LittleEndian.Uint64(buf[12:])
	sb.inodeCount = binary.LittleEndian.Uint32(buf[20:])
	sb.blockBitmapStart = binary.LittleEndian.Uint32(buf[24:])
	sb.blockBitmapBlocks = binary.LittleEndian.Uint32(buf[28:])
	sb.inodeBitmapStart = binary.LittleEndian.Uint32(buf[32:])
	sb.inodeBitmapBlocks = binary.LittleEndian.Uint32(buf[36:])
	sb.inodeTableStart = binary.LittleEndian.Uint32(buf[40:])
	sb.inodeTableBlocks = binary.LittleEndian.Uint32(buf[44:])
	sb.dataStart = binary.LittleEndian.Uint32(buf[48:])
	sb.freeBlocks = binary.LittleEndian.Uint64(buf[52:])
	sb.freeInodes = binary.LittleEndian.Uint32(buf[60:])
	return sb, nil
}

// diskInode is the fixed-size on-disk record for one file, directory, or
// symlink. Files up to directBlocks*blockSize are stored by direct
// pointers alone; larger files spill into a single indirect block of
// uint32 pointers, matching the classic Unix inode shape in miniature.
type diskInode struct {
	kind   vfs.Kind
	mode   vfs.FileMode
	nlink  uint32
	uid    uint32
	gid    uint32
	size   uint64
	mtime  int64
	direct [directBlocks]uint32
	indirect uint32

	symlinkLen    uint16
	symlinkTarget [symlinkInlineMax]byte
}

func (in *diskInode) encode(buf []byte) {
	buf[0] = byte(in.kind)
	binary.LittleEndian.PutUint32(buf[4:], uint32(in.mode))
	binary.LittleEndian.PutUint32(buf[8:], in.nlink)
	binary.LittleEndian.PutUint32(buf[12:], in.uid)
	binary.LittleEndian.PutUint32(buf[16:], in.gid)
	binary.LittleEndian.PutUint64(buf[20:], in.size)
	binary.LittleEndian.PutUint64(buf[28:], uint64(in.mtime))
	off := 36
	for _, d := range in.direct {
		binary.LittleEndian.PutUint32(buf[off:], d)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], in.indirect)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], in.symlinkLen)
	off += 4
	copy(buf[off:off+symlinkInlineMax], in.symlinkTarget[:])
}

func decodeDiskInode(buf []byte) diskInode {
	var in diskInode
	in.kind = vfs.Kind(buf[0])
	in.mode = vfs.FileMode(binary.LittleEndian.Uint32(buf[4:]))
	in.nlink = binary.LittleEndian.Uint32(buf[8:])
	in.uid = binary.LittleEndian.Uint32(buf[12:])
	in.gid = binary.LittleEndian.Uint32(buf[16:])
	in.size = binary.LittleEndian.Uint64(buf[20:])
	in.mtime = int64(binary.LittleEndian.Uint64(buf[28:]))
	off := 36
	for i := range in.direct {
		in.direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	in.indirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	in.symlinkLen = binary.LittleEndian.Uint16(buf[off:])
	off += 4
	copy(in.symlinkTarget[:], buf[off:off+symlinkInlineMax])
	return in
}

// dirent is one fixed-size directory entry.
type dirent struct {
	inode uint32
	kind  vfs.Kind
	name  string
}

func (e *dirent) encode(buf []byte) error {
	if len(e.name) > direntNameMax {
		return fmt.Errorf("diskfs: name %q exceeds %d bytes", e.name, direntNameMax)
	}
	binary.LittleEndian.PutUint32(buf[0:], e.inode)
	buf[4] = byte(e.kind)
	buf[5] = byte(len(e.name))
	copy(buf[8:8+len(e.name)], e.name)
	return nil
}

func decodeDirent(buf []byte) (dirent, bool) {
	inode := binary.LittleEndian.Uint32(buf[0:])
	if inode == 0 {
		return dirent{}, false
	}
	nameLen := int(buf[5])
	return dirent{
		inode: inode,
		kind:  vfs.Kind(buf[4]),
		name:  string(buf[8 : 8+nameLen]),
	}, true
}
