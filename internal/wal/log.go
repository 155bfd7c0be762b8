package wal

import (
	"os"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Log manages an ordered, non-overlapping set of segments: it routes
// Append to the active segment, routes Read to whichever segment owns
// the requested offset, and handles startup recovery and rotation.
type Log struct {
	mu sync.RWMutex

	Dir    string
	Config Config

	activeSegment *segment
	segments      []*segment
}

// NewLog opens dir, recovering any segments already on disk, or creates
// the initial segment at Config.Segment.InitialOffset if dir is empty.
func NewLog(dir string, c Config) (*Log, error) {
	if c.Segment.MaxStoreBytes == 0 {
		c.Segment.MaxStoreBytes = 1024
	}
	if c.Segment.MaxIndexBytes == 0 {
		c.Segment.MaxIndexBytes = 1024
	}

	l := &Log{
		Dir:    dir,
		Config: c,
	}

	return l, l.setup()
}

// setup enumerates <base>.store/<base>.index pairs on disk, opens a
// segment for each in base-offset order, and promotes the last one to
// active. An empty directory gets one fresh segment at InitialOffset.
func (l *Log) setup() error {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return err
	}

	files, err := os.ReadDir(l.Dir)
	if err != nil {
		return err
	}

	var baseOffsets []uint64
	for _, file := range files {
		offStr := strings.TrimSuffix(file.Name(), path.Ext(file.Name()))
		off, err := strconv.ParseUint(offStr, 10, 0)
		if err != nil {
			continue
		}
		baseOffsets = append(baseOffsets, off)
	}

	slices.Sort(baseOffsets)

	for i := 0; i < len(baseOffsets); i++ {
		if err := l.newSegment(baseOffsets[i]); err != nil {
			return err
		}
		// each base offset names both a .store and a .index file
		i++
	}

	if l.segments == nil {
		if err := l.newSegment(l.Config.Segment.InitialOffset); err != nil {
			return err
		}
	}

	l.activeSegment = l.segments[len(l.segments)-1]
	return nil
}

// Append assigns value the next offset and persists it to the active
// segment, rotating to a new segment first if the active one is maxed.
func (l *Log) Append(value []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeSegment.IsMaxed() {
		if err := l.newSegment(l.activeSegment.nextOffset); err != nil {
			return 0, err
		}
	}

	return l.activeSegment.Append(value)
}

// Read returns the record at offset, scanning segments for the one that
// owns it. Returns ErrOffsetOutOfRange if none does.
func (l *Log) Read(offset uint64) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var s *segment
	for _, seg := range l.segments {
		if seg.baseOffset <= offset && offset < seg.nextOffset {
			s = seg
			break
		}
	}
	if s == nil {
		return Record{}, ErrOffsetOutOfRange{Offset: offset}
	}

	return s.Read(offset)
}

// Sync forces every segment's store to fsync, making every record
// appended so far durable. Called on the commit path before a leader
// reports success, or before a follower advances commit_index.
func (l *Log) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.segments {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.Dir)
}

func (l *Log) newSegment(offset uint64) error {
	s, err := newSegment(l.Dir, offset, l.Config)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	l.activeSegment = s
	return nil
}

// HighestOffset returns the offset of the most recently appended
// record, or 0 if the log is empty. Used by Election to compare
// candidates' last-log-index during voting.
func (l *Log) HighestOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	off := l.activeSegment.nextOffset
	if off == 0 {
		return 0
	}
	return off - 1
}

// NextOffset returns the offset that the next Append will assign.
func (l *Log) NextOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment.nextOffset
}

// TruncateSuffix drops every record at or after from, together with any
// earlier records in from's segment, so the next Append assigns that
// segment's base offset (which equals from only when from is the first
// offset of its segment). Unlike the compaction/snapshotting
// Truncate this log deliberately does not have, this exists purely to
// let a follower discard a conflicting suffix during the consensus
// log-consistency check (spec §4.7); it works at segment granularity —
// it removes the whole segment containing from and every later
// segment, then opens a fresh one at that segment's base offset. A
// from that falls inside the active segment's first entry is the
// common case; one that falls mid-segment still only costs re-sending
// the handful of entries between the segment's base and from.
func (l *Log) TruncateSuffix(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var keep []*segment
	var drop []*segment
	for _, s := range l.segments {
		if s.baseOffset >= from || (from > s.baseOffset && from < s.nextOffset) {
			drop = append(drop, s)
			continue
		}
		keep = append(keep, s)
	}
	if len(drop) == 0 {
		return nil
	}

	sort.Slice(drop, func(i, j int) bool { return drop[i].baseOffset < drop[j].baseOffset })
	truncateAt := drop[0].baseOffset

	for _, s := range drop {
		if err := s.Remove(); err != nil {
			return err
		}
	}
	l.segments = keep

	if err := l.newSegment(truncateAt); err != nil {
		return err
	}
	return nil
}

// IsEmpty reports whether the log has never had a record appended,
// distinguishing "empty" from "one record at offset 0" in a way
// HighestOffset alone cannot.
func (l *Log) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[0].baseOffset == l.activeSegment.nextOffset
}
