package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// ReplicationConfig carries the batching/retry knobs for the leader's
// per-peer replication loop.
type ReplicationConfig struct {
	ReplicateInterval time.Duration
	RPCTimeout        time.Duration
	MaxEntriesPerCall int
}

func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		ReplicateInterval: 20 * time.Millisecond,
		RPCTimeout:        100 * time.Millisecond,
		MaxEntriesPerCall: 256,
	}
}

// peerProgress tracks the leader's per-peer replication state.
// matchIndex is -1 until the peer's first successful AppendEntries
// reply, which matters because indices start at 0 here (unlike
// classic Raft's 1-based log): a freshly started peer must not be
// mistaken for one that has already confirmed index 0.
type peerProgress struct {
	nextIndex  uint64
	matchIndex int64
}

// Replication is the leader-side per-peer log-shipping loop (spec
// §4.7): for each peer it tracks next_index/match_index, ships batched
// AppendEntries, and — on a quorum of acks for an entry from the
// leader's own current term — advances commit_index. Followers run
// the receiving half through HandleAppendEntries, carried by the same
// struct since both sides share the log and the per-peer bookkeeping
// a leader keeps even about itself (match_index for self is always
// its own last log index).
type Replication struct {
	state     *State
	log       *ReplicatedLog
	transport Transport
	config    ReplicationConfig
	logger    zerolog.Logger

	mu       sync.Mutex
	progress map[string]*peerProgress
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewReplication(state *State, log *ReplicatedLog, transport Transport, config ReplicationConfig) *Replication {
	return &Replication{
		state:     state,
		log:       log,
		transport: transport,
		config:    config,
		logger:    zlog.Logger.With().Str("component", "replication").Str("node", state.SelfID()).Logger(),
		progress:  make(map[string]*peerProgress),
	}
}

// Start launches one replication goroutine per current peer. Called
// when Election promotes this node to leader.
func (r *Replication) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	next := r.log.NextIndex()
	r.progress = make(map[string]*peerProgress)
	for _, p := range r.state.Peers() {
		r.progress[p.ID] = &peerProgress{nextIndex: next, matchIndex: -1}
		r.wg.Add(1)
		go r.replicateLoop(ctx, p.ID)
	}
}

// Stop halts every per-peer goroutine. Called when Election steps this
// node down from leader.
func (r *Replication) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Append is the leader-only write path (Service.Write calls this): it
// appends command to the local log under the current term, then blocks
// until a quorum of peers (including self) has replicated it, per the
// durability guarantee of spec §8.
func (r *Replication) Append(ctx context.Context, command []byte) (uint64, error) {
	if !r.state.IsLeader() {
		return 0, ErrNotLeader
	}
	term := r.state.CurrentTerm()
	index, err := r.log.Append(term, command)
	if err != nil {
		return 0, err
	}
	if err := r.log.Sync(); err != nil {
		return 0, err
	}
	r.maybeAdvanceCommit()

	if err := r.state.WaitCommit(ctx, index); err != nil {
		return index, ErrCommitTimeout
	}
	return index, nil
}

func (r *Replication) replicateLoop(ctx context.Context, peerID string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.ReplicateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.state.IsLeader() {
			return
		}
		r.replicateOnce(ctx, peerID)
	}
}

func (r *Replication) replicateOnce(ctx context.Context, peerID string) {
	r.mu.Lock()
	prog, ok := r.progress[peerID]
	r.mu.Unlock()
	if !ok {
		return
	}

	peers := r.state.Peers()
	addr := ""
	for _, p := range peers {
		if p.ID == peerID {
			addr = p.Addr
		}
	}
	if addr == "" {
		return
	}

	term := r.state.CurrentTerm()
	nextIndex := prog.nextIndex
	var prevIndex, prevTerm uint64
	hasPrevLog := nextIndex > 0
	if hasPrevLog {
		prevIndex = nextIndex - 1
		if e, err := r.log.Read(prevIndex); err == nil {
			prevTerm = e.Term
		}
	}

	last := r.log.NextIndex()
	var entries []LogEntry
	for i := nextIndex; i < last && len(entries) < r.config.MaxEntriesPerCall; i++ {
		e, err := r.log.Read(i)
		if err != nil {
			break
		}
		entries = append(entries, e)
	}

	req := AppendEntriesRequest{
		Term:               term,
		LeaderID:           r.state.SelfID(),
		PrevLogIndex:       prevIndex,
		PrevLogTerm:        prevTerm,
		HasPrevLog:         hasPrevLog,
		Entries:            entries,
		LeaderCommit:       r.state.CommitIndex(),
		LeaderHasCommitted: r.state.HasCommitted(),
	}

	rpcCtx, cancel := context.WithTimeout(ctx, r.config.RPCTimeout)
	defer cancel()
	resp, err := r.transport.AppendEntries(rpcCtx, addr, req)
	if err != nil {
		r.state.MarkNodeDead(peerID)
		return
	}
	r.state.UpdateHeartbeat(peerID)

	if r.state.ObserveTerm(resp.Term) {
		r.logger.Info().Uint64("term", resp.Term).Msg("observed higher term during replication, stepping down")
		return
	}

	r.mu.Lock()
	if resp.Success {
		prog.matchIndex = int64(resp.MatchIndex)
		prog.nextIndex = resp.MatchIndex + 1
	} else if prog.nextIndex > 0 {
		prog.nextIndex--
	}
	r.mu.Unlock()

	if resp.Success {
		r.maybeAdvanceCommit()
	}
}

// maybeAdvanceCommit implements Raft §5.4.2's rule: commit_index may
// only advance to an index whose entry was appended in the leader's
// current term, computed as the match_index held by a quorum
// (including self, whose match_index is always the log's last index).
func (r *Replication) maybeAdvanceCommit() {
	r.mu.Lock()
	matches := make([]int64, 0, len(r.progress)+1)
	matches = append(matches, int64(r.log.LastIndex()))
	for _, p := range r.progress {
		matches = append(matches, p.matchIndex)
	}
	r.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	quorum := r.state.QuorumSize()
	if quorum > len(matches) {
		return
	}
	candidateSigned := matches[quorum-1]
	if candidateSigned < 0 {
		return
	}
	candidate := uint64(candidateSigned)
	if r.state.HasCommitted() && candidate <= r.state.CommitIndex() {
		return
	}
	entry, err := r.log.Read(candidate)
	if err != nil {
		return
	}
	if entry.Term != r.state.CurrentTerm() {
		return
	}
	r.state.SetCommitIndex(candidate)
}

// HandleAppendEntries answers an inbound AppendEntries RPC (spec
// §4.7): it runs the log-consistency check against prev_log_index/
// prev_log_term, appends any new entries (truncating conflicting ones
// first), and advances its own commit_index to min(leader_commit,
// last new entry).
func (r *Replication) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	r.state.ObserveTerm(req.Term)
	current := r.state.CurrentTerm()
	if req.Term < current {
		return AppendEntriesResponse{Term: current, Success: false}
	}

	if r.state.Role() == Candidate {
		r.state.SetRole(Follower)
	}
	r.state.SetLeader(req.LeaderID)

	if req.HasPrevLog {
		entry, err := r.log.Read(req.PrevLogIndex)
		if err != nil || entry.Term != req.PrevLogTerm {
			return AppendEntriesResponse{Term: current, Success: false}
		}
	}

	lastNew := req.PrevLogIndex
	for _, e := range req.Entries {
		if e.Index < r.log.NextIndex() {
			existing, err := r.log.Read(e.Index)
			if err == nil && existing.Term == e.Term {
				lastNew = e.Index
				continue
			}
			// Conflicting entry at e.Index: spec §4.7's log-consistency
			// check requires discarding it and everything after before
			// accepting the leader's version.
			if err := r.log.TruncateSuffix(e.Index); err != nil {
				return AppendEntriesResponse{Term: current, Success: false}
			}
		}
		if err := r.log.AppendAt(e.Index, e.Term, e.Command); err != nil {
			return AppendEntriesResponse{Term: current, Success: false}
		}
		lastNew = e.Index
	}
	if len(req.Entries) > 0 {
		if err := r.log.Sync(); err != nil {
			return AppendEntriesResponse{Term: current, Success: false}
		}
	}

	if req.LeaderHasCommitted && (!r.state.HasCommitted() || req.LeaderCommit > r.state.CommitIndex()) {
		r.state.SetCommitIndex(min(req.LeaderCommit, lastNew))
	}

	return AppendEntriesResponse{Term: current, Success: true, MatchIndex: lastNew}
}
