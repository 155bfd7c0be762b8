package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// ElectionConfig carries the three timeouts Design Notes call out as
// the knobs that trade failover latency against spurious churn.
type ElectionConfig struct {
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
}

func DefaultElectionConfig() ElectionConfig {
	return ElectionConfig{
		HeartbeatInterval:  50 * time.Millisecond,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
	}
}

// Election runs the Follower/Candidate/Leader role loop (spec §4.6): it
// owns the election timer, issues and answers RequestVote RPCs, and
// sends/receives the leader's periodic heartbeat. It hands off to
// Replication the moment a node becomes leader.
type Election struct {
	state     *State
	log       *ReplicatedLog
	transport Transport
	config    ElectionConfig
	logger    zerolog.Logger

	onBecomeLeader   func()
	onStepDownLeader func()

	resetCh chan struct{}

	mu      sync.Mutex
	stopped bool
}

func NewElection(state *State, log *ReplicatedLog, transport Transport, config ElectionConfig) *Election {
	return &Election{
		state:     state,
		log:       log,
		transport: transport,
		config:    config,
		logger:    zlog.Logger.With().Str("component", "election").Str("node", state.SelfID()).Logger(),
		resetCh:   make(chan struct{}, 1),
	}
}

// OnBecomeLeader and OnStepDownLeader let Agent wire Replication's
// start/stop into the role loop without Election importing
// Replication directly.
func (e *Election) OnBecomeLeader(fn func())   { e.onBecomeLeader = fn }
func (e *Election) OnStepDownLeader(fn func()) { e.onStepDownLeader = fn }

// ResetTimer is called whenever a follower observes valid leader
// activity (a heartbeat or AppendEntries from the current leader),
// postponing its own election timeout.
func (e *Election) ResetTimer() {
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

func (e *Election) randomTimeout() time.Duration {
	spread := e.config.ElectionTimeoutMax - e.config.ElectionTimeoutMin
	if spread <= 0 {
		return e.config.ElectionTimeoutMin
	}
	return e.config.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(spread)))
}

// Run drives the role loop until ctx is done.
func (e *Election) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		switch e.state.Role() {
		case Follower:
			e.runFollower(ctx)
		case Candidate:
			e.runCandidate(ctx)
		case Leader:
			e.runLeader(ctx)
		}
	}
}

func (e *Election) runFollower(ctx context.Context) {
	timer := time.NewTimer(e.randomTimeout())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resetCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(e.randomTimeout())
		case <-timer.C:
			e.logger.Debug().Msg("election timeout elapsed, becoming candidate")
			e.state.SetRole(Candidate)
			return
		}
		if e.state.Role() != Follower {
			return
		}
	}
}

func (e *Election) runCandidate(ctx context.Context) {
	term := e.state.IncrementTerm()
	e.state.SetVotedFor(e.state.SelfID())
	e.logger.Info().Uint64("term", term).Msg("starting election")

	peers := e.state.Peers()
	votes := 1 // vote for self
	quorum := e.state.QuorumSize()

	if votes >= quorum {
		e.becomeLeader(term)
		return
	}

	req := VoteRequest{
		Term:         term,
		CandidateID:  e.state.SelfID(),
		LastLogIndex: e.log.LastIndex(),
		LastLogTerm:  e.log.LastTerm(),
	}

	type result struct {
		resp VoteResponse
		err  error
	}
	results := make(chan result, len(peers))
	voteCtx, cancel := context.WithTimeout(ctx, e.config.ElectionTimeoutMin)
	defer cancel()

	for _, p := range peers {
		p := p
		go func() {
			resp, err := e.transport.RequestVote(voteCtx, p.Addr, req)
			results <- result{resp, err}
		}()
	}

	timeout := time.NewTimer(e.randomTimeout())
	defer timeout.Stop()

	for i := 0; i < len(peers); i++ {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			e.logger.Debug().Msg("candidate timed out, retrying election")
			return
		case r := <-results:
			if r.err != nil {
				continue
			}
			if e.state.ObserveTerm(r.resp.Term) {
				e.logger.Info().Uint64("term", r.resp.Term).Msg("observed higher term, stepping down")
				return
			}
			if r.resp.VoteGranted {
				votes++
				if votes >= quorum {
					e.becomeLeader(term)
					return
				}
			}
		}
		if e.state.Role() != Candidate {
			return
		}
	}
}

func (e *Election) becomeLeader(term uint64) {
	e.logger.Info().Uint64("term", term).Msg("won election, becoming leader")
	e.state.SetRole(Leader)
	e.state.SetLeader(e.state.SelfID())
	if e.onBecomeLeader != nil {
		e.onBecomeLeader()
	}
}

func (e *Election) runLeader(ctx context.Context) {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	e.broadcastHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			if e.onStepDownLeader != nil {
				e.onStepDownLeader()
			}
			return
		case <-ticker.C:
			if e.state.Role() != Leader {
				if e.onStepDownLeader != nil {
					e.onStepDownLeader()
				}
				return
			}
			e.broadcastHeartbeat(ctx)
		}
	}
}

func (e *Election) broadcastHeartbeat(ctx context.Context) {
	term := e.state.CurrentTerm()
	req := HeartbeatRequest{
		Term:               term,
		LeaderID:           e.state.SelfID(),
		PrevLogIndex:       e.log.LastIndex(),
		PrevLogTerm:        e.log.LastTerm(),
		LeaderCommit:       e.state.CommitIndex(),
		LeaderHasCommitted: e.state.HasCommitted(),
	}
	for _, p := range e.state.Peers() {
		p := p
		go func() {
			hbCtx, cancel := context.WithTimeout(ctx, e.config.HeartbeatInterval)
			defer cancel()
			resp, err := e.transport.Heartbeat(hbCtx, p.Addr, req)
			if err != nil {
				e.state.MarkNodeDead(p.ID)
				return
			}
			e.state.UpdateHeartbeat(p.ID)
			if e.state.ObserveTerm(resp.Term) {
				e.logger.Info().Uint64("term", resp.Term).Msg("observed higher term from heartbeat reply, stepping down")
				if e.onStepDownLeader != nil {
					e.onStepDownLeader()
				}
			}
		}()
	}
}

// HandleVoteRequest answers an inbound RequestVote RPC (spec §4.6's
// vote-granting rule): grant once per term, to at most one candidate,
// only if that candidate's log is at least as up to date as ours.
func (e *Election) HandleVoteRequest(req VoteRequest) VoteResponse {
	e.state.ObserveTerm(req.Term)

	current := e.state.CurrentTerm()
	if req.Term < current {
		return VoteResponse{Term: current, VoteGranted: false}
	}

	votedFor := e.state.VotedFor()
	logOK := req.LastLogTerm > e.log.LastTerm() ||
		(req.LastLogTerm == e.log.LastTerm() && req.LastLogIndex >= e.log.LastIndex())

	if (votedFor == "" || votedFor == req.CandidateID) && logOK {
		e.state.SetVotedFor(req.CandidateID)
		e.ResetTimer()
		return VoteResponse{Term: current, VoteGranted: true}
	}
	return VoteResponse{Term: current, VoteGranted: false}
}

// HandleHeartbeat answers an inbound Heartbeat RPC: it's a liveness
// signal only, so it resets the follower's election timer and adopts
// the sender as leader, but never touches the log.
func (e *Election) HandleHeartbeat(req HeartbeatRequest) HeartbeatResponse {
	e.state.ObserveTerm(req.Term)
	current := e.state.CurrentTerm()
	if req.Term < current {
		return HeartbeatResponse{Term: current, Success: false}
	}
	if e.state.Role() == Candidate {
		e.state.SetRole(Follower)
	}
	e.state.SetLeader(req.LeaderID)
	if req.LeaderHasCommitted && !e.log.IsEmpty() {
		e.state.SetCommitIndex(min(req.LeaderCommit, e.log.LastIndex()))
	}
	e.ResetTimer()
	return HeartbeatResponse{Term: current, Success: true}
}
