package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumlog/quorumlog/internal/cluster"
)

func TestStateIncrementTerm(t *testing.T) {
	s := cluster.NewState("a", "127.0.0.1:1")
	s.SetVotedFor("b")
	s.SetLeader("b")

	term := s.IncrementTerm()
	require.Equal(t, uint64(1), term)
	require.Equal(t, "", s.VotedFor())
	require.Equal(t, "", s.LeaderID())
}

func TestStateObserveTermStepsDown(t *testing.T) {
	s := cluster.NewState("a", "127.0.0.1:1")
	s.SetRole(cluster.Leader)
	s.SetLeader("a")

	stepped := s.ObserveTerm(5)
	require.True(t, stepped)
	require.Equal(t, cluster.Follower, s.Role())
	require.Equal(t, uint64(5), s.CurrentTerm())
	require.Equal(t, "", s.LeaderID())

	// an equal or lower term is a no-op
	require.False(t, s.ObserveTerm(5))
	require.False(t, s.ObserveTerm(3))
}

func TestStateQuorumSizeShrinksWithDeadPeers(t *testing.T) {
	s := cluster.NewState("a", "127.0.0.1:1")
	s.AddNode("b", "127.0.0.1:2")
	s.AddNode("c", "127.0.0.1:3")
	require.Equal(t, 2, s.QuorumSize())

	s.MarkNodeDead("b")
	s.MarkNodeDead("c")
	require.Equal(t, 1, s.QuorumSize())
}

func TestStateWaitCommitUnblocksOnAdvance(t *testing.T) {
	s := cluster.NewState("a", "127.0.0.1:1")

	done := make(chan error, 1)
	go func() {
		done <- s.WaitCommit(context.Background(), 3)
	}()

	time.Sleep(20 * time.Millisecond)
	s.SetCommitIndex(2)
	select {
	case <-done:
		t.Fatal("should not have unblocked before commit_index reached 3")
	case <-time.After(20 * time.Millisecond):
	}

	s.SetCommitIndex(3)
	require.NoError(t, <-done)
}

func TestStateWaitCommitRespectsContext(t *testing.T) {
	s := cluster.NewState("a", "127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.WaitCommit(ctx, 10)
	require.Error(t, err)
}
