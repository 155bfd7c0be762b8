package wal

import (
	"fmt"
	"os"
	"path"
)

// segment binds one store and one index to a base offset and enforces
// the size limits that make it eligible for rotation. The Log uniquely
// owns its segments, and each segment uniquely owns its store and index
// — there are no back-references.
type segment struct {
	store *store
	index *index
	// baseOffset is the absolute offset of this segment's first record.
	baseOffset uint64
	// nextOffset is the absolute offset the next Append will assign.
	nextOffset uint64
	config     Config
}

// newSegment opens (or creates) the <baseOffset>.store/.index pair in
// dir. The Log calls this both at startup, for every file pair it
// discovers, and at rotation time, for a fresh base offset.
func newSegment(dir string, baseOffset uint64, c Config) (*segment, error) {
	s := &segment{
		baseOffset: baseOffset,
		config:     c,
	}

	storeFile, err := os.OpenFile(
		path.Join(dir, fmt.Sprintf("%d%s", baseOffset, ".store")),
		os.O_RDWR|os.O_CREATE|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, err
	}

	syncEvery := c.Segment.SyncEvery
	if syncEvery == 0 {
		syncEvery = defaultSyncEvery
	}
	syncInterval := c.Segment.SyncInterval
	if syncInterval <= 0 {
		syncInterval = defaultSyncInterval
	}
	if s.store, err = newStoreWithPolicy(storeFile, syncEvery, syncInterval); err != nil {
		return nil, err
	}

	indexFile, err := os.OpenFile(
		path.Join(dir, fmt.Sprintf("%d%s", baseOffset, ".index")),
		os.O_RDWR|os.O_CREATE,
		0644,
	)
	if err != nil {
		return nil, err
	}

	if s.index, err = newIndex(indexFile, c); err != nil {
		return nil, err
	}

	// If the index already has entries, resume from the one past the
	// last; otherwise this is a fresh segment starting at baseOffset.
	if off, _, err := s.index.Read(-1); err != nil {
		s.nextOffset = baseOffset
	} else {
		s.nextOffset = baseOffset + uint64(off) + 1
	}

	return s, nil
}

// Append assigns the next offset to record, persists it, and returns
// that offset.
func (s *segment) Append(value []byte) (offset uint64, err error) {
	cur := s.nextOffset
	p := encodeRecord(Record{Offset: cur, Value: value})

	_, pos, err := s.store.Append(p)
	if err != nil {
		return 0, err
	}

	if err = s.index.Write(
		uint32(s.nextOffset-s.baseOffset),
		pos,
	); err != nil {
		return 0, err
	}
	s.nextOffset++
	return cur, nil
}

// Read returns the record stored at the absolute offset off, which must
// be in [baseOffset, nextOffset).
func (s *segment) Read(off uint64) (Record, error) {
	if off < s.baseOffset || off >= s.nextOffset {
		return Record{}, ErrOffsetOutOfRange{Offset: off}
	}

	relOff := int64(off - s.baseOffset)
	_, pos, err := s.index.Read(relOff)
	if err != nil {
		return Record{}, err
	}

	p, err := s.store.Read(pos)
	if err != nil {
		return Record{}, err
	}

	return decodeRecord(p)
}

// IsMaxed reports whether the segment has hit either size limit and
// should no longer be appended to.
func (s *segment) IsMaxed() bool {
	return s.store.size >= s.config.Segment.MaxStoreBytes || s.index.size >= s.config.Segment.MaxIndexBytes
}

// Sync forces the segment's store to fsync, guaranteeing every record
// appended so far is durable.
func (s *segment) Sync() error {
	return s.store.Sync()
}

// Remove closes and deletes both of the segment's files.
func (s *segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.index.Name()); err != nil {
		return err
	}
	return os.Remove(s.store.Name())
}

func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}
