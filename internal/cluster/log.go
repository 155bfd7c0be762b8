package cluster

import "github.com/quorumlog/quorumlog/internal/wal"

// ReplicatedLog adapts internal/wal's segmented store to the indexed,
// termed view Election and Replication need: entries keyed by index
// with an inline term, rather than wal's raw offset/value records.
type ReplicatedLog struct {
	log *wal.Log
}

func NewReplicatedLog(log *wal.Log) *ReplicatedLog {
	return &ReplicatedLog{log: log}
}

// Append assigns the entry the log's next index and returns it.
func (r *ReplicatedLog) Append(term uint64, command []byte) (uint64, error) {
	return r.log.Append(encodeEntry(term, command))
}

// AppendAt writes entry at a specific index, as a follower does when
// accepting a leader's AppendEntries. The index must equal the log's
// NextIndex(); otherwise nothing is written and ErrLogMismatch is
// returned (Replication is responsible for truncating conflicting
// entries before calling this).
func (r *ReplicatedLog) AppendAt(index, term uint64, command []byte) error {
	if r.log.NextOffset() != index {
		return ErrLogMismatch
	}
	_, err := r.log.Append(encodeEntry(term, command))
	return err
}

// Read returns the entry at index.
func (r *ReplicatedLog) Read(index uint64) (LogEntry, error) {
	rec, err := r.log.Read(index)
	if err != nil {
		return LogEntry{}, err
	}
	term, command, err := decodeEntry(rec.Value)
	if err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Term: term, Index: index, Command: command}, nil
}

// NextIndex is the index the next Append will assign.
func (r *ReplicatedLog) NextIndex() uint64 {
	return r.log.NextOffset()
}

// IsEmpty reports whether the log has never had an entry appended.
func (r *ReplicatedLog) IsEmpty() bool {
	return r.log.IsEmpty()
}

// LastIndex and LastTerm describe the most recently appended entry,
// used to populate vote requests and AppendEntries' prev_log fields.
// On an empty log both are 0.
func (r *ReplicatedLog) LastIndex() uint64 {
	if r.log.IsEmpty() {
		return 0
	}
	return r.log.HighestOffset()
}

func (r *ReplicatedLog) LastTerm() uint64 {
	if r.log.IsEmpty() {
		return 0
	}
	e, err := r.Read(r.log.HighestOffset())
	if err != nil {
		return 0
	}
	return e.Term
}

// Sync forces the underlying store to fsync.
func (r *ReplicatedLog) Sync() error {
	return r.log.Sync()
}

// TruncateSuffix discards every entry at or after from, so the caller
// can append a replacement suffix sent by a new leader. It works at
// segment granularity: entries before from that share its segment are
// discarded too, and NextIndex() afterwards is that segment's base.
func (r *ReplicatedLog) TruncateSuffix(from uint64) error {
	return r.log.TruncateSuffix(from)
}
