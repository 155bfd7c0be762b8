// Package service implements the Service facade (spec §4.9): the
// single entrypoint internal/transport calls into, translating
// Write/Read requests into Cluster State and Replication calls and
// mapping their outcomes onto the error taxonomy of spec §7.
package service

import (
	"context"

	"github.com/quorumlog/quorumlog/internal/cluster"
)

// Service is the facade client-facing and cluster-facing transports
// call into. It owns no goroutines of its own; it only coordinates
// the components Agent has already started.
type Service struct {
	state *cluster.State
	repl  *cluster.Replication
	log   *cluster.ReplicatedLog
}

func New(state *cluster.State, repl *cluster.Replication, log *cluster.ReplicatedLog) *Service {
	return &Service{state: state, repl: repl, log: log}
}

// Write appends command through the leader and blocks until a quorum
// has durably replicated it, returning its assigned offset.
// Returns cluster.ErrNotLeader if this node is not the leader.
func (s *Service) Write(ctx context.Context, command []byte) (uint64, error) {
	return s.repl.Append(ctx, command)
}

// Read returns the command stored at offset, delegating to the log
// directly (spec §4.9: "Returns None iff no segment owns the offset").
// It does not gate on commit_index — the system has no follower-read
// linearizability guarantee to begin with (spec's Non-goals), so
// restricting reads to committed entries here would add a contract
// Write's caller never signed up for.
func (s *Service) Read(offset uint64) ([]byte, error) {
	entry, err := s.log.Read(offset)
	if err != nil {
		return nil, err
	}
	return entry.Command, nil
}

// IsLeader reports whether this node currently believes itself leader.
func (s *Service) IsLeader() bool { return s.state.IsLeader() }

// LeaderAddr returns the address of the node this node believes to be
// leader, for a transport to redirect a misrouted write. Empty if
// unknown.
func (s *Service) LeaderAddr() string {
	leaderID := s.state.LeaderID()
	if leaderID == "" {
		return ""
	}
	for _, p := range s.state.Peers() {
		if p.ID == leaderID {
			return p.Addr
		}
	}
	return ""
}

// Status returns a read-only snapshot for a status/health endpoint.
func (s *Service) Status() cluster.Snapshot { return s.state.GetState() }
