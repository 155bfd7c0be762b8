package cluster

import "errors"

// Error taxonomy from spec §7.
var (
	// ErrNotLeader is returned when a write is attempted against a node
	// that does not currently believe itself to be leader.
	ErrNotLeader = errors.New("cluster: not leader")

	// ErrStaleTerm names the stale-term case of the taxonomy. No function
	// in this package returns it: a reply carrying a newer term is
	// handled by State.ObserveTerm, and a request carrying an older term
	// is answered with Success/VoteGranted false plus our term.
	ErrStaleTerm = errors.New("cluster: stale term")

	// ErrLogMismatch is returned by ReplicatedLog.AppendAt when an
	// entry's index is not the log's next index. HandleAppendEntries
	// answers that, like a failed prev_log_index/prev_log_term check,
	// with Success false, which triggers the leader's next_index
	// decrement.
	ErrLogMismatch = errors.New("cluster: log mismatch at prev_log_index")

	// ErrCommitTimeout is returned when Replication.Append cannot
	// confirm quorum commit before its context is done.
	ErrCommitTimeout = errors.New("cluster: timed out waiting for quorum commit")

	// ErrUnknownPeer names the case of a peer Cluster State has no record
	// of. No function in this package returns it: State's per-node
	// methods silently ignore an id they do not know.
	ErrUnknownPeer = errors.New("cluster: unknown peer")
)
