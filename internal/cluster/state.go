package cluster

import (
	"context"
	"sync"
	"time"
)

// State is the single authoritative owner of a node's cluster-wide
// state: term, vote, leader, peer table, commit/applied indices. Every
// mutation goes through one of its methods, each of which takes the
// same lock, giving the "one exclusive writer at a time; readers may
// see a consistent snapshot" guarantee spec §4.5 requires. This is
// deliberately a set of named methods rather than a single generic
// UpdateState(mutator) entrypoint — it reads better in Go and still
// gives every caller the same single-writer discipline.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	selfID   string
	selfAddr string

	currentTerm uint64
	votedFor    string
	leaderID    string
	role        Role

	nodes map[string]*NodeInfo

	// committed distinguishes "index 0 has committed" from "nothing
	// has committed yet" — both would otherwise read as commitIndex
	// == 0, since offsets here are 0-based rather than classic Raft's
	// 1-based log.
	committed   bool
	commitIndex uint64
	lastApplied uint64
}

// Snapshot is a consistent, detached copy of State at one instant.
type Snapshot struct {
	SelfID      string
	CurrentTerm uint64
	VotedFor    string
	LeaderID    string
	Role        Role
	Nodes       map[string]NodeInfo
	CommitIndex uint64
	LastApplied uint64
}

func NewState(selfID, selfAddr string) *State {
	s := &State{
		selfID:   selfID,
		selfAddr: selfAddr,
		role:     Follower,
		nodes:    make(map[string]*NodeInfo),
	}
	s.cond = sync.NewCond(&s.mu)
	s.nodes[selfID] = &NodeInfo{ID: selfID, Addr: selfAddr, Role: Follower, IsAlive: true, LastHeartbeat: time.Now()}
	return s
}

// GetState returns a consistent snapshot.
func (s *State) GetState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	nodes := make(map[string]NodeInfo, len(s.nodes))
	for id, n := range s.nodes {
		nodes[id] = *n
	}
	return Snapshot{
		SelfID:      s.selfID,
		CurrentTerm: s.currentTerm,
		VotedFor:    s.votedFor,
		LeaderID:    s.leaderID,
		Role:        s.role,
		Nodes:       nodes,
		CommitIndex: s.commitIndex,
		LastApplied: s.lastApplied,
	}
}

func (s *State) SelfID() string { return s.selfID }

func (s *State) CurrentTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm
}

func (s *State) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *State) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID == s.selfID && s.role == Leader
}

func (s *State) LeaderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

func (s *State) VotedFor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor
}

func (s *State) CommitIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitIndex
}

func (s *State) LastApplied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApplied
}

// Peers returns the known nodes other than self, alive or not.
func (s *State) Peers() []NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]NodeInfo, 0, len(s.nodes))
	for id, n := range s.nodes {
		if id == s.selfID {
			continue
		}
		peers = append(peers, *n)
	}
	return peers
}

// aliveCountLocked counts alive nodes including self (self is always
// considered alive to itself).
func (s *State) aliveCountLocked() int {
	count := 0
	for _, n := range s.nodes {
		if n.IsAlive {
			count++
		}
	}
	return count
}

// QuorumSize returns floor(alive/2)+1 over the currently alive set,
// including self.
func (s *State) QuorumSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveCountLocked()/2 + 1
}

// IncrementTerm bumps current_term, clears voted_for and leader_id, and
// returns the new term. Used when a node becomes Candidate.
func (s *State) IncrementTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm++
	s.votedFor = ""
	s.leaderID = ""
	return s.currentTerm
}

// ObserveTerm is the cross-cutting "observe(term)" preamble every
// inbound RPC handler and every outbound RPC's reply handler runs
// before anything else (Design Notes: term monotonicity). If term is
// greater than current_term, the node steps down to Follower, adopts
// the new term, and clears voted_for/leader_id. Returns true if it
// stepped down.
func (s *State) ObserveTerm(term uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term <= s.currentTerm {
		return false
	}
	s.currentTerm = term
	s.votedFor = ""
	s.leaderID = ""
	s.role = Follower
	if self, ok := s.nodes[s.selfID]; ok {
		self.Role = Follower
		self.Term = term
	}
	return true
}

// SetVotedFor records a granted vote for candidate in the current term.
func (s *State) SetVotedFor(candidate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = candidate
}

// SetLeader records the current term's leader.
func (s *State) SetLeader(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
}

// SetRole transitions self's role, resetting nothing else — callers
// (Election) are responsible for resetting per-role timers and
// per-peer indices around the call, per the Design Notes' guidance on
// modeling role transitions as an explicit function.
func (s *State) SetRole(role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
	if self, ok := s.nodes[s.selfID]; ok {
		self.Role = role
		self.Term = s.currentTerm
	}
}

// AddNode registers a peer, marking it alive. Idempotent.
func (s *State) AddNode(id, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.Addr = addr
		n.IsAlive = true
		n.LastHeartbeat = time.Now()
		return
	}
	s.nodes[id] = &NodeInfo{ID: id, Addr: addr, Role: Follower, IsAlive: true, LastHeartbeat: time.Now()}
}

// RemoveNode drops a peer from Cluster State entirely (a Serf leave
// event, not just a missed heartbeat — see MarkNodeDead for that).
func (s *State) RemoveNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// UpdateHeartbeat marks id as freshly alive.
func (s *State) UpdateHeartbeat(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.LastHeartbeat = time.Now()
		n.IsAlive = true
	}
}

// MarkNodeDead flags a peer unreachable without forgetting it, so
// QuorumSize shrinks without losing its replication indices.
func (s *State) MarkNodeDead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.IsAlive = false
	}
}

// DeadPeers returns peers (other than self) whose last heartbeat is
// older than staleAfter. Discovery uses this to run the "3x
// election_timeout" sweep from spec §4.8.
func (s *State) DeadPeers(staleAfter time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var dead []string
	for id, n := range s.nodes {
		if id == s.selfID || !n.IsAlive {
			continue
		}
		if now.Sub(n.LastHeartbeat) > staleAfter {
			dead = append(dead, id)
		}
	}
	return dead
}

// SetCommitIndex advances commit_index and wakes anyone blocked in
// WaitCommit. It never moves commit_index backward.
func (s *State) SetCommitIndex(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed || index > s.commitIndex {
		s.committed = true
		s.commitIndex = index
		s.cond.Broadcast()
	}
}

// HasCommitted reports whether any entry has ever been committed.
func (s *State) HasCommitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// SetLastApplied advances last_applied. It never moves it backward.
func (s *State) SetLastApplied(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.lastApplied {
		s.lastApplied = index
	}
}

// WaitCommit blocks until commit_index >= index or ctx is done.
func (s *State) WaitCommit(ctx context.Context, index uint64) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.committed || s.commitIndex < index {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}
