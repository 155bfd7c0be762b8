// Package agent wires together every component a running node needs:
// the write-ahead log, Cluster State, Election, Replication,
// Discovery, and the HTTP transport that fronts them. An Agent is what
// cmd/server starts and stops.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quorumlog/quorumlog/internal/cluster"
	"github.com/quorumlog/quorumlog/internal/config"
	"github.com/quorumlog/quorumlog/internal/discovery"
	"github.com/quorumlog/quorumlog/internal/service"
	"github.com/quorumlog/quorumlog/internal/transport"
	"github.com/quorumlog/quorumlog/internal/wal"
)

// Agent runs on every node, setting up and connecting the storage,
// consensus, discovery, and transport components (spec's System
// Overview table, in full).
type Agent struct {
	Config config.ClusterConfig
	logger zerolog.Logger

	log        *wal.Log
	state      *cluster.State
	replLog    *cluster.ReplicatedLog
	election   *cluster.Election
	repl       *cluster.Replication
	svc        *service.Service
	server     *transport.Server
	membership *discovery.Membership

	cancel context.CancelFunc

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

func New(c config.ClusterConfig) (*Agent, error) {
	a := &Agent{
		Config:    c,
		logger:    zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("node", c.NodeID).Logger(),
		shutdowns: make(chan struct{}),
	}

	setup := []func() error{
		a.setupLog,
		a.setupCluster,
		a.setupService,
		a.setupTransport,
		a.setupMembership,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.election.Run(ctx)

	return a, nil
}

func (a *Agent) setupLog() error {
	var c wal.Config
	c.Segment.MaxStoreBytes = a.Config.MaxStoreBytes
	c.Segment.MaxIndexBytes = a.Config.MaxIndexBytes
	c.Segment.SyncEvery = a.Config.SyncEveryWrites
	c.Segment.SyncInterval = a.Config.SyncInterval

	var err error
	a.log, err = wal.NewLog(a.Config.DataDir, c)
	return err
}

func (a *Agent) setupCluster() error {
	a.state = cluster.NewState(a.Config.NodeID, a.Config.HTTPAddr)
	for _, p := range a.Config.Peers {
		if p.ID == a.Config.NodeID {
			continue
		}
		a.state.AddNode(p.ID, p.Addr)
	}

	a.replLog = cluster.NewReplicatedLog(a.log)
	client := transport.NewClient()

	electionConfig := cluster.ElectionConfig{
		HeartbeatInterval:  a.Config.HeartbeatInterval,
		ElectionTimeoutMin: a.Config.ElectionTimeoutMin,
		ElectionTimeoutMax: a.Config.ElectionTimeoutMax,
	}
	a.election = cluster.NewElection(a.state, a.replLog, client, electionConfig)

	replicationConfig := cluster.ReplicationConfig{
		ReplicateInterval: a.Config.ReplicateInterval,
		RPCTimeout:        a.Config.RPCTimeout,
		MaxEntriesPerCall: 256,
	}
	a.repl = cluster.NewReplication(a.state, a.replLog, client, replicationConfig)

	// Replication.Start derives its own cancelable context from
	// whatever it's given and tears it down again on Stop, so a single
	// long-lived background context here is enough to span every term
	// this node is leader for.
	a.election.OnBecomeLeader(func() { a.repl.Start(context.Background()) })
	a.election.OnStepDownLeader(a.repl.Stop)

	return nil
}

func (a *Agent) setupService() error {
	a.svc = service.New(a.state, a.repl, a.replLog)
	return nil
}

func (a *Agent) setupTransport() error {
	a.server = transport.NewServer(a.Config.HTTPAddr, a.svc, a.election, a.repl, a.logger)
	go func() {
		if err := a.server.Serve(); err != nil {
			a.logger.Error().Err(err).Msg("transport server stopped")
			_ = a.Shutdown()
		}
	}()
	return nil
}

// clusterHandler adapts Cluster State to discovery.Handler so
// Membership doesn't need to know about Election or Replication.
type clusterHandler struct {
	state *cluster.State
}

func (h *clusterHandler) Join(name, addr string) error {
	h.state.AddNode(name, addr)
	return nil
}

func (h *clusterHandler) Leave(name string) error {
	h.state.RemoveNode(name)
	return nil
}

func (h *clusterHandler) MarkDead(name string) error {
	h.state.MarkNodeDead(name)
	return nil
}

func (h *clusterHandler) DeadPeers(staleAfter time.Duration) []string {
	return h.state.DeadPeers(staleAfter)
}

func (a *Agent) setupMembership() error {
	var err error
	a.membership, err = discovery.New(&clusterHandler{state: a.state}, discovery.Config{
		NodeName: a.Config.NodeID,
		BindAddr: a.Config.BindAddr,
		Tags: map[string]string{
			"rpc_addr": a.Config.HTTPAddr,
		},
		StartJoinAddrs: a.Config.StartJoinAddrs,
		// spec §4.8's "3 x election_timeout" sweep; sampled at 1x the
		// timeout so a peer is caught within one extra period of going
		// stale, not three.
		DeadPeerSweepInterval: a.Config.ElectionTimeoutMax,
		DeadPeerThreshold:     3 * a.Config.ElectionTimeoutMax,
	})
	return err
}

// Shutdown stops the agent's components once, even if called more
// than once: leave the cluster so peers stop counting this node
// toward quorum, stop the role loop and any in-flight replication,
// close the transport, then close the log.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.membership.Leave,
		func() error { a.cancel(); return nil },
		a.server.Close,
		a.log.Close,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return fmt.Errorf("agent: shutdown: %w", err)
		}
	}
	return nil
}
