package cluster

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// Role is a node's position in the Follower/Candidate/Leader state
// machine (spec §4.6). Transitions go through Election, never through
// ad-hoc boolean flags.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

func (r Role) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func (r *Role) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"follower"`:
		*r = Follower
	case `"candidate"`:
		*r = Candidate
	case `"leader"`:
		*r = Leader
	default:
		return fmt.Errorf("cluster: unknown role %s", b)
	}
	return nil
}

// NodeInfo is what a node tracks about a peer (or itself) in Cluster
// State.
type NodeInfo struct {
	ID            string
	Addr          string
	Role          Role
	Term          uint64
	LastHeartbeat time.Time
	IsAlive       bool
}

// LogEntry is the replication view of a record: the index corresponds
// 1:1 to the offset the underlying wal.Log assigns it. The term is
// carried inline in the record's stored bytes (spec §9's Open Question
// on term tracking, resolved here as option (a): "inline in the record
// schema") so a follower can run the log-consistency check without a
// sibling structure.
type LogEntry struct {
	Term    uint64
	Index   uint64
	Command []byte
}

const (
	entryTagTerm    = 1
	entryTagCommand = 2
)

// encodeEntry and decodeEntry use the same hand-rolled tag/varint/value
// scheme as internal/wal's record encoding, for the same reason: no
// protoc available to generate a real protobuf message. Index is not
// encoded — it's recovered from the wal.Record's own Offset field by
// whoever decodes the entry.
func encodeEntry(term uint64, command []byte) []byte {
	buf := make([]byte, 0, 2+2*binary.MaxVarintLen64+len(command))
	var tmp [binary.MaxVarintLen64]byte

	buf = append(buf, entryTagTerm)
	n := binary.PutUvarint(tmp[:], term)
	buf = append(buf, tmp[:n]...)

	buf = append(buf, entryTagCommand)
	n = binary.PutUvarint(tmp[:], uint64(len(command)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, command...)

	return buf
}

func decodeEntry(b []byte) (term uint64, command []byte, err error) {
	var sawTerm, sawCommand bool
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case entryTagTerm:
			v, n := binary.Uvarint(b)
			if n <= 0 {
				return 0, nil, fmt.Errorf("cluster: corrupt entry: bad term varint")
			}
			term = v
			sawTerm = true
			b = b[n:]
		case entryTagCommand:
			l, n := binary.Uvarint(b)
			if n <= 0 {
				return 0, nil, fmt.Errorf("cluster: corrupt entry: bad command length")
			}
			b = b[n:]
			if uint64(len(b)) < l {
				return 0, nil, fmt.Errorf("cluster: corrupt entry: truncated command")
			}
			command = append([]byte(nil), b[:l]...)
			sawCommand = true
			b = b[l:]
		default:
			return 0, nil, fmt.Errorf("cluster: corrupt entry: unknown tag %d", tag)
		}
	}
	if !sawTerm || !sawCommand {
		return 0, nil, fmt.Errorf("cluster: corrupt entry: missing field")
	}
	return term, command, nil
}

// VoteRequest is RequestVote's argument (spec §4.6).
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// HeartbeatRequest is the leader's periodic liveness broadcast
// (spec §4.6). It carries no entries; AppendEntriesRequest carries the
// replicated log.
type HeartbeatRequest struct {
	Term         uint64 `json:"term"`
	LeaderID     string `json:"leader_id"`
	PrevLogIndex uint64 `json:"prev_log_index"`
	PrevLogTerm  uint64 `json:"prev_log_term"`
	// LeaderCommit is only meaningful when LeaderHasCommitted is true:
	// 0-based offsets can't otherwise tell "index 0 is committed" from
	// "nothing is committed yet" on the wire.
	LeaderCommit       uint64 `json:"leader_commit"`
	LeaderHasCommitted bool   `json:"leader_has_committed"`
}

type HeartbeatResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// AppendEntriesRequest replicates a batch of entries (spec §4.7).
type AppendEntriesRequest struct {
	Term         uint64 `json:"term"`
	LeaderID     string `json:"leader_id"`
	// PrevLogIndex/PrevLogTerm are only meaningful when HasPrevLog is
	// true: the same 0-based-offset ambiguity LeaderHasCommitted
	// resolves for LeaderCommit applies here too — index 0 can't
	// otherwise be told apart from "there is no previous entry" on the
	// wire, and the log-consistency check must not skip itself for a
	// follower that is genuinely missing entry 0.
	PrevLogIndex       uint64     `json:"prev_log_index"`
	PrevLogTerm        uint64     `json:"prev_log_term"`
	HasPrevLog         bool       `json:"has_prev_log"`
	Entries            []LogEntry `json:"entries"`
	LeaderCommit       uint64     `json:"leader_commit"`
	LeaderHasCommitted bool       `json:"leader_has_committed"`
}

type AppendEntriesResponse struct {
	Term       uint64 `json:"term"`
	Success    bool   `json:"success"`
	MatchIndex uint64 `json:"match_index"`
}

// Transport is the peer-RPC contract Election and Replication depend
// on. internal/transport implements it over HTTP+JSON; tests can stub
// it directly.
type Transport interface {
	RequestVote(ctx context.Context, addr string, req VoteRequest) (VoteResponse, error)
	Heartbeat(ctx context.Context, addr string, req HeartbeatRequest) (HeartbeatResponse, error)
	AppendEntries(ctx context.Context, addr string, req AppendEntriesRequest) (AppendEntriesResponse, error)
}
