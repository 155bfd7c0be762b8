package wal

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"
	"time"
)

var enc = binary.BigEndian

const lenWidth = 8 // bytes used to store a frame's length prefix

// store is a single append-only file holding a concatenation of
// [len: u64-BE][bytes: len] frames. Writes go through a buffered writer;
// a record becomes visible to Read only once that buffer has been
// flushed to the OS, and durable across a crash only once it has been
// fsynced.
//
// Durability policy: group commit with a bounded size/time threshold,
// not sync-on-every-append. Append buffers and flushes/fsyncs eagerly
// only once syncEvery writes have accumulated; a background ticker
// covers the time bound by fsyncing every syncInterval regardless.
// Append itself never blocks on disk latency it doesn't have to.
// Callers on the commit path (the leader acking a client write, a
// follower advancing commit_index) call Sync to force an immediate
// flush+fsync before treating bytes as durable; Sync is a cheap no-op
// if a threshold sync already covered them.
type store struct {
	*os.File

	mu   sync.Mutex
	buf  *bufio.Writer
	size uint64

	syncEvery    uint64
	syncInterval time.Duration
	sinceSync    uint64
	syncedSize   uint64

	stopTicker chan struct{}
	tickerDone chan struct{}
}

func newStore(f *os.File) (*store, error) {
	return newStoreWithPolicy(f, defaultSyncEvery, defaultSyncInterval)
}

// newStoreWithPolicy lets callers (tests, and Segment when a Config
// overrides the policy) pick the group-commit thresholds explicitly.
// syncEvery == 0 disables the write-count trigger; syncInterval <= 0
// disables the background ticker, leaving Sync as the only path to
// durability.
func newStoreWithPolicy(f *os.File, syncEvery uint64, syncInterval time.Duration) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	size := uint64(fi.Size())
	s := &store{
		File:         f,
		size:         size,
		syncedSize:   size,
		buf:          bufio.NewWriter(f),
		syncEvery:    syncEvery,
		syncInterval: syncInterval,
		stopTicker:   make(chan struct{}),
		tickerDone:   make(chan struct{}),
	}
	go s.runTicker()
	return s, nil
}

func (s *store) runTicker() {
	defer close(s.tickerDone)
	if s.syncInterval <= 0 {
		return
	}
	t := time.NewTicker(s.syncInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopTicker:
			return
		case <-t.C:
			_ = s.Sync()
		}
	}
}

// Append persists p to the store and returns the number of bytes
// written (including the length prefix) and the frame's position. The
// segment uses the position when it writes the associated index entry.
func (s *store) Append(p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos = s.size
	if err = binary.Write(s.buf, enc, uint64(len(p))); err != nil {
		return 0, 0, err
	}

	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, err
	}
	w += lenWidth
	s.size += uint64(w)
	s.sinceSync++

	if s.syncEvery > 0 && s.sinceSync >= s.syncEvery {
		if err := s.syncLocked(); err != nil {
			return uint64(w), pos, err
		}
	}

	return uint64(w), pos, nil
}

// Read returns the record bytes stored at pos.
func (s *store) Read(pos uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return nil, err
	}

	length := make([]byte, lenWidth)
	if _, err := s.File.ReadAt(length, int64(pos)); err != nil {
		return nil, err
	}

	b := make([]byte, enc.Uint64(length))
	if _, err := s.File.ReadAt(b, int64(pos+lenWidth)); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadAt reads len(p) bytes into p starting at off, flushing the write
// buffer first so readers never see stale data.
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	return s.File.ReadAt(p, off)
}

// Sync flushes the write buffer and fsyncs the file if anything has
// changed since the last sync. Idempotent.
func (s *store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

func (s *store) syncLocked() error {
	if s.sinceSync == 0 && s.syncedSize == s.size {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.File.Sync(); err != nil {
		return err
	}
	s.syncedSize = s.size
	s.sinceSync = 0
	return nil
}

// Durable reports whether everything up to pos has already been fsynced.
func (s *store) Durable(pos uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncedSize >= pos
}

func (s *store) Close() error {
	close(s.stopTicker)
	<-s.tickerDone

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.File.Sync(); err != nil {
		return err
	}
	return s.File.Close()
}
