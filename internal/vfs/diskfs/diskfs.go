package diskfs

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrelos/kestrel/internal/vfs"
)

// FS is a mounted on-disk filesystem. One FS wraps one BlockDevice; the
// free-block and free-inode bitmaps are held fully in RAM and written
// through on every allocation or free, the same "small state, write
// through, no log" tradeoff internal/pmm makes for its frame bitmap —
// appropriate here too since journaling is explicitly not required.
type FS struct {
	mu sync.Mutex

	dev   BlockDevice
	sb    superblock
	fsid  uint64

	blockBitmap []byte
	inodeBitmap []byte
}

var _ vfs.Driver = (*FS)(nil)

// Format initializes a fresh diskfs volume across the full capacity of
// dev and returns it opened, with an empty root directory at inode 1.
func Format(dev BlockDevice, fsid uint64) (*FS, error) {
	bs := dev.BlockSize()
	total := dev.BlockCount()
	if total < 16 {
		return nil, fmt.Errorf("diskfs: device too small to format (%d blocks)", total)
	}

	inodeCount := uint32(total / 4)
	if inodeCount < 16 {
		inodeCount = 16
	}
	inodesPerBlock := uint32(bs / inodeSize)
	inodeTableBlocks := (inodeCount + inodesPerBlock - 1) / inodesPerBlock

	blockBitmapBlocks := uint32((total + uint64(bs*8) - 1) / uint64(bs*8))
	inodeBitmapBlocks := (inodeCount + uint32(bs*8) - 1) / uint32(bs*8)

	sb := superblock{
		magic:             superblockMagic,
		version:           1,
		blockSize:         uint32(bs),
		totalBlocks:       total,
		inodeCount:        inodeCount,
		blockBitmapStart:  1,
		blockBitmapBlocks: blockBitmapBlocks,
		inodeBitmapStart:  1 + blockBitmapBlocks,
		inodeBitmapBlocks: inodeBitmapBlocks,
		inodeTableStart:   1 + blockBitmapBlocks + inodeBitmapBlocks,
		inodeTableBlocks:  inodeTableBlocks,
	}
	sb.dataStart = sb.inodeTableStart + sb.inodeTableBlocks
	if uint64(sb.dataStart) >= total {
		return nil, fmt.Errorf("diskfs: device too small for metadata (%d blocks needed)", sb.dataStart)
	}

	f := &FS{
		dev:         dev,
		sb:          sb,
		fsid:        fsid,
		blockBitmap: make([]byte, blockBitmapBlocks*uint32(bs)),
		inodeBitmap: make([]byte, inodeBitmapBlocks*uint32(bs)),
	}

	for i := uint64(0); i < uint64(sb.dataStart); i++ {
		f.setBlockBit(i, true)
	}
	f.sb.freeBlocks = total - uint64(sb.dataStart)
	f.setInodeBit(0, true) // inode 0 never used
	f.sb.freeInodes = inodeCount - 1

	if err := f.flushBitmaps(); err != nil {
		return nil, err
	}
	if err := f.flushSuperblock(); err != nil {
		return nil, err
	}

	root := diskInode{kind: vfs.KindDir, mode: 0o755, nlink: 2, mtime: time.Now().UnixNano()}
	rootIdx, err := f.allocInode()
	if err != nil {
		return nil, err
	}
	if rootIdx != rootInodeNum {
		return nil, fmt.Errorf("diskfs: expected root inode %d, got %d", rootInodeNum, rootIdx)
	}
	if err := f.writeInode(rootIdx, &root); err != nil {
		return nil, err
	}
	rn := &node{fs: f, ino: rootIdx}
	if err := rn.addEntry(".", rootIdx, vfs.KindDir); err != nil {
		return nil, err
	}
	if err := rn.addEntry("..", rootIdx, vfs.KindDir); err != nil {
		return nil, err
	}
	if err := f.sync(); err != nil {
		return nil, err
	}
	return f, nil
}

// Open mounts an already-formatted volume.
func Open(dev BlockDevice, fsid uint64) (*FS, error) {
	buf := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(superblockBlock, buf); err != nil {
		return nil, err
	}
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return nil, err
	}
	f := &FS{dev: dev, sb: sb, fsid: fsid}
	f.blockBitmap = make([]byte, sb.blockBitmapBlocks*sb.blockSize)
	if err := f.readRegion(sb.blockBitmapStart, f.blockBitmap); err != nil {
		return nil, err
	}
	f.inodeBitmap = make([]byte, sb.inodeBitmapBlocks*sb.blockSize)
	if err := f.readRegion(sb.inodeBitmapStart, f.inodeBitmap); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FS) Root() vfs.Node { return &node{fs: f, ino: rootInodeNum} }
func (f *FS) FSID() uint64   { return f.fsid }

func (f *FS) readRegion(startBlock uint32, buf []byte) error {
	bs := int(f.sb.blockSize)
	for i := 0; i*bs < len(buf); i++ {
		if err := f.dev.ReadBlock(uint64(startBlock)+uint64(i), buf[i*bs:(i+1)*bs]); err != nil {
			return err
		}
	}
	return nil
}

func (f *FS) writeRegion(startBlock uint32, buf []byte) error {
	bs := int(f.sb.blockSize)
	for i := 0; i*bs < len(buf); i++ {
		if err := f.dev.WriteBlock(uint64(startBlock)+uint64(i), buf[i*bs:(i+1)*bs]); err != nil {
			return err
		}
	}
	return nil
}

func (f *FS) flushBitmaps() error {
	if err := f.writeRegion(f.sb.blockBitmapStart, f.blockBitmap); err != nil {
		return err
	}
	return f.writeRegion(f.sb.inodeBitmapStart, f.inodeBitmap)
}

func (f *FS) flushSuperblock() error {
	buf := make([]byte, f.sb.blockSize)
	f.sb.encode(buf)
	return f.dev.WriteBlock(superblockBlock, buf)
}

func bitSet(bm []byte, i uint64) bool { return bm[i/8]&(1<<(i%8)) != 0 }

func (f *FS) setBlockBit(i uint64, v bool) {
	if v {
		f.blockBitmap[i/8] |= 1 << (i % 8)
	} else {
		f.blockBitmap[i/8] &^= 1 << (i % 8)
	}
}

func (f *FS) setInodeBit(i uint64, v bool) {
	if v {
		f.inodeBitmap[i/8] |= 1 << (i % 8)
	} else {
		f.inodeBitmap[i/8] &^= 1 << (i % 8)
	}
}

// allocBlock scans the in-RAM bitmap for the first free data block, the
// same linear-scan fallback internal/pmm.Manager.scanContiguous uses for
// requests its buddy lists can't satisfy; diskfs never needs more than
// single-block granularity so it skips the buddy machinery entirely.
func (f *FS) allocBlock() (uint64, error) {
	for i := uint64(f.sb.dataStart); i < f.sb.totalBlocks; i++ {
		if !bitSet(f.blockBitmap, i) {
			f.setBlockBit(i, true)
			f.sb.freeBlocks--
			return i, nil
		}
	}
	return 0, fmt.Errorf("diskfs: no free blocks")
}

func (f *FS) freeBlock(idx uint64) {
	if bitSet(f.blockBitmap, idx) {
		f.setBlockBit(idx, false)
		f.sb.freeBlocks++
	}
}

func (f *FS) allocInode() (uint32, error) {
	for i := uint64(1); i < uint64(f.sb.inodeCount); i++ {
		if !bitSet(f.inodeBitmap, i) {
			f.setInodeBit(i, true)
			f.sb.freeInodes--
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("diskfs: no free inodes")
}

func (f *FS) freeInode(idx uint32) {
	if bitSet(f.inodeBitmap, uint64(idx)) {
		f.setInodeBit(uint64(idx), false)
		f.sb.freeInodes++
	}
}

func (f *FS) inodeBlockAndOffset(idx uint32) (uint64, int) {
	inodesPerBlock := uint32(f.sb.blockSize) / inodeSize
	block := uint64(f.sb.inodeTableStart) + uint64(idx/inodesPerBlock)
	off := int(idx%inodesPerBlock) * inodeSize
	return block, off
}

func (f *FS) readInode(idx uint32) (diskInode, error) {
	block, off := f.inodeBlockAndOffset(idx)
	buf := make([]byte, f.sb.blockSize)
	if err := f.dev.ReadBlock(block, buf); err != nil {
		return diskInode{}, err
	}
	return decodeDiskInode(buf[off : off+inodeSize]), nil
}

func (f *FS) writeInode(idx uint32, in *diskInode) error {
	block, off := f.inodeBlockAndOffset(idx)
	buf := make([]byte, f.sb.blockSize)
	if err := f.dev.ReadBlock(block, buf); err != nil {
		return err
	}
	in.encode(buf[off : off+inodeSize])
	return f.dev.WriteBlock(block, buf)
}

// Sync flushes the in-RAM bitmaps and superblock to the device. Every
// mutating Node operation calls this before returning, so there's no
// separate unmount step callers must remember.
func (f *FS) sync() error {
	if err := f.flushBitmaps(); err != nil {
		return err
	}
	return f.flushSuperblock()
}
