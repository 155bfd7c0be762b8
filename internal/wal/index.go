package wal

import (
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

// Index entries are fixed-width: a 4-byte relative offset plus an
// 8-byte store position. Fixed width is what lets Read(offset) jump
// straight to offset*entWidth instead of scanning.
const (
	offWidth uint64 = 4
	posWidth uint64 = 8
	entWidth        = offWidth + posWidth
)

// index is a segment's offset-to-position map: a file, memory-mapped
// for O(1) lookups, holding one entWidth-byte entry per record the
// segment has appended. size is the logical length in use; the file
// itself is pre-grown to MaxIndexBytes so the mmap never needs
// remapping mid-segment.
type index struct {
	file *os.File
	mmap gommap.MMap
	size uint64
}

// newIndex opens f as an index, growing it to its pre-sized capacity
// before mapping it — gommap.Map can't resize an already-mapped file,
// so the file must reach its final size first. Close later truncates
// the unused tail back off. A file that was never closed cleanly is
// still at its pre-sized length; its logical end is then the first
// all-zero entry after entry 0 (entry k > 0 always holds relative
// offset k, so a written entry past 0 is never all zero).
func newIndex(f *os.File, c Config) (*index, error) {
	idx := &index{file: f}

	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx.size = uint64(fi.Size())

	if err := os.Truncate(f.Name(), int64(c.Segment.MaxIndexBytes)); err != nil {
		return nil, err
	}
	if idx.mmap, err = gommap.Map(idx.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED); err != nil {
		return nil, err
	}
	for e := entWidth; e+entWidth <= idx.size && e+entWidth <= uint64(len(idx.mmap)); e += entWidth {
		if enc.Uint32(idx.mmap[e:e+offWidth]) == 0 && enc.Uint64(idx.mmap[e+offWidth:e+entWidth]) == 0 {
			idx.size = e
			break
		}
	}
	return idx, nil
}

// Close syncs the mmap and the file, then truncates the file back down
// to the entries actually written, undoing newIndex's pre-grow so a
// freshly reopened index reports the right size again. An unclean
// shutdown skips this; newIndex then finds the logical end by scanning.
func (i *index) Close() error {
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}
	return i.file.Close()
}

// Read resolves a relative entry index to the record's store position.
// offset is relative to the segment's base offset (0 is the segment's
// first record), kept narrow as uint32 so each entry only costs 4
// bytes here — the wider absolute offset lives in the record itself.
// offset == -1 resolves to the last entry, used by newSegment to
// recover nextOffset after a restart.
func (i *index) Read(offset int64) (out uint32, pos uint64, err error) {
	if i.size == 0 {
		return 0, 0, io.EOF
	}

	if offset == -1 {
		out = uint32(i.size/entWidth) - 1
	} else {
		out = uint32(offset)
	}

	entryPos := uint64(out) * entWidth
	if i.size < entryPos+entWidth {
		return 0, 0, io.EOF
	}

	out = enc.Uint32(i.mmap[entryPos : entryPos+offWidth])
	pos = enc.Uint64(i.mmap[entryPos+offWidth : entryPos+entWidth])
	return out, pos, nil
}

// Write appends one (offset, pos) entry. Callers append in strictly
// increasing offset order, same as store.Append — index and store
// always grow in lockstep.
func (i *index) Write(offset uint32, pos uint64) error {
	if uint64(len(i.mmap)) < i.size+entWidth {
		return io.EOF
	}
	enc.PutUint32(i.mmap[i.size:i.size+offWidth], offset)
	enc.PutUint64(i.mmap[i.size+offWidth:i.size+entWidth], pos)
	i.size += entWidth
	return nil
}

func (i *index) Name() string {
	return i.file.Name()
}
