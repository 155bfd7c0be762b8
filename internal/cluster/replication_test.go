package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumlog/quorumlog/internal/cluster"
)

// loopbackTransport routes AppendEntries straight into a follower's
// Replication.HandleAppendEntries, standing in for the network for a
// two-node in-process cluster.
type loopbackTransport struct {
	follower *cluster.Replication
}

func (l loopbackTransport) RequestVote(ctx context.Context, addr string, req cluster.VoteRequest) (cluster.VoteResponse, error) {
	return cluster.VoteResponse{}, nil
}

func (l loopbackTransport) Heartbeat(ctx context.Context, addr string, req cluster.HeartbeatRequest) (cluster.HeartbeatResponse, error) {
	return cluster.HeartbeatResponse{}, nil
}

func (l loopbackTransport) AppendEntries(ctx context.Context, addr string, req cluster.AppendEntriesRequest) (cluster.AppendEntriesResponse, error) {
	return l.follower.HandleAppendEntries(req), nil
}

func TestReplicationQuorumCommit(t *testing.T) {
	leaderState := cluster.NewState("leader", "addr-leader")
	leaderState.AddNode("follower", "addr-follower")
	followerState := cluster.NewState("follower", "addr-follower")
	followerState.AddNode("leader", "addr-leader")

	leaderLog := newTestReplicatedLog(t)
	followerLog := newTestReplicatedLog(t)

	replConfig := cluster.ReplicationConfig{
		ReplicateInterval: 5 * time.Millisecond,
		RPCTimeout:        50 * time.Millisecond,
		MaxEntriesPerCall: 64,
	}

	followerRepl := cluster.NewReplication(followerState, followerLog, noopTransport{}, replConfig)
	leaderRepl := cluster.NewReplication(leaderState, leaderLog, loopbackTransport{follower: followerRepl}, replConfig)

	term := leaderState.IncrementTerm()
	leaderState.SetRole(cluster.Leader)
	leaderState.SetLeader("leader")
	followerState.ObserveTerm(term)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderRepl.Start(ctx)
	defer leaderRepl.Stop()

	writeCtx, writeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer writeCancel()
	index, err := leaderRepl.Append(writeCtx, []byte("quorum me"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return followerState.HasCommitted() && followerState.CommitIndex() >= index
	}, time.Second, 10*time.Millisecond)

	entry, err := followerLog.Read(index)
	require.NoError(t, err)
	require.Equal(t, []byte("quorum me"), entry.Command)
}

func TestReplicationHandleAppendEntriesRejectsOnLogMismatch(t *testing.T) {
	state := cluster.NewState("follower", "addr-follower")
	log := newTestReplicatedLog(t)
	repl := cluster.NewReplication(state, log, noopTransport{}, cluster.DefaultReplicationConfig())

	resp := repl.HandleAppendEntries(cluster.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "leader",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
		HasPrevLog:   true,
	})
	require.False(t, resp.Success)
}

// TestReplicationHandleAppendEntriesRejectsMissingEntryZero covers the
// case HasPrevLog exists to disambiguate: a follower with an empty log
// is missing entry 0 itself, which must fail the consistency check the
// same as missing any other previous entry — not be waved through
// because PrevLogIndex happens to be the zero value.
func TestReplicationHandleAppendEntriesRejectsMissingEntryZero(t *testing.T) {
	state := cluster.NewState("follower", "addr-follower")
	log := newTestReplicatedLog(t)
	repl := cluster.NewReplication(state, log, noopTransport{}, cluster.DefaultReplicationConfig())

	resp := repl.HandleAppendEntries(cluster.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "leader",
		PrevLogIndex: 0,
		PrevLogTerm:  1,
		HasPrevLog:   true,
		Entries: []cluster.LogEntry{
			{Term: 1, Index: 1, Command: []byte("second")},
		},
	})
	require.False(t, resp.Success)

	require.True(t, log.IsEmpty())
}

func TestReplicationHandleAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	state := cluster.NewState("follower", "addr-follower")
	log := newTestReplicatedLog(t)
	repl := cluster.NewReplication(state, log, noopTransport{}, cluster.DefaultReplicationConfig())

	// follower accepted an entry from an old leader at term 1
	_, err := log.Append(1, []byte("stale"))
	require.NoError(t, err)

	// the new leader (term 2) overwrites index 0 with a different entry
	resp := repl.HandleAppendEntries(cluster.AppendEntriesRequest{
		Term:         2,
		LeaderID:     "leader-2",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries: []cluster.LogEntry{
			{Term: 2, Index: 0, Command: []byte("fresh")},
		},
		LeaderCommit: 0,
	})
	require.True(t, resp.Success)

	entry, err := log.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), entry.Command)
	require.Equal(t, uint64(2), entry.Term)
}
