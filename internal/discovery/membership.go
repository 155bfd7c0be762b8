package discovery

import (
	"net"
	"os"
	"time"

	"github.com/hashicorp/serf/serf"
	"github.com/rs/zerolog"
)

type Config struct {
	NodeName       string
	BindAddr       string
	Tags           map[string]string
	StartJoinAddrs []string

	// DeadPeerSweepInterval and DeadPeerThreshold drive the periodic
	// heartbeat-age sweep from spec §4.8 ("marks as dead any peer whose
	// last_heartbeat is older than 3 x election_timeout"), run
	// alongside Serf's own failure detector rather than instead of it:
	// Serf's EventMemberFailed reacts fast to a peer that stops
	// gossiping, but a peer that keeps gossiping while its consensus
	// RPCs are wedged (a partial network partition, a stuck goroutine)
	// only shows up in Cluster State's own last-heartbeat bookkeeping.
	// Zero disables the sweep.
	DeadPeerSweepInterval time.Duration
	DeadPeerThreshold     time.Duration
}

// Handler is the component Membership drives as nodes come and go —
// Agent wires this to cluster.State so Election/Replication see an
// up-to-date peer table without importing Serf themselves.
type Handler interface {
	Join(name, addr string) error
	Leave(name string) error
	MarkDead(name string) error
	// DeadPeers returns peers whose last RPC heartbeat is older than
	// staleAfter, for the periodic sweep.
	DeadPeers(staleAfter time.Duration) []string
}

// Membership wraps Serf to give the cluster gossip-based discovery
// (spec §4.8): who's in the cluster, who Serf's own failure detector
// has flagged unreachable, and — via the periodic sweep — who has
// gone quiet at the consensus-RPC level without Serf noticing.
type Membership struct {
	Config
	handler Handler
	serf    *serf.Serf
	events  chan serf.Event
	logger  *zerolog.Logger
	stop    chan struct{}
}

func New(handler Handler, config Config) (*Membership, error) {
	logger := zerolog.New(os.Stderr).With().Str("service", "membership").Logger()
	c := &Membership{
		Config:  config,
		handler: handler,
		logger:  &logger,
		stop:    make(chan struct{}),
	}

	if err := c.setupSerf(); err != nil {
		return nil, err
	}
	go c.deadPeerSweep()
	return c, nil
}

// deadPeerSweep periodically asks the handler for peers whose last
// heartbeat has gone stale and marks each one dead, independent of
// whatever Serf's own failure detector has observed. A no-op loop when
// the sweep is left disabled (the zero Config).
func (m *Membership) deadPeerSweep() {
	if m.DeadPeerSweepInterval <= 0 || m.DeadPeerThreshold <= 0 {
		return
	}
	ticker := time.NewTicker(m.DeadPeerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			for _, id := range m.handler.DeadPeers(m.DeadPeerThreshold) {
				if err := m.handler.MarkDead(id); err != nil {
					m.logger.Error().Err(err).Str("name", id).Msg("failed to mark dead during sweep")
				} else {
					m.logger.Info().Str("name", id).Str("event", "sweep").Msg("peer heartbeat stale, marked dead")
				}
			}
		}
	}
}

// setupSerf creates and configures a serf instance and starts the
// eventHandler() goroutine to handle serf's events.
func (m *Membership) setupSerf() (err error) {
	addr, err := net.ResolveTCPAddr("tcp", m.BindAddr)
	if err != nil {
		return err
	}
	eventCh := make(chan serf.Event)
	m.events = eventCh

	config := serf.DefaultConfig()
	config.Init()
	config.MemberlistConfig.BindAddr = addr.IP.String()
	config.MemberlistConfig.BindPort = addr.Port
	config.EventCh = eventCh
	config.Tags = m.Tags
	config.NodeName = m.Config.NodeName
	m.serf, err = serf.Create(config)
	if err != nil {
		return err
	}

	go m.eventHandler()

	if m.StartJoinAddrs != nil {
		_, err := m.serf.Join(m.StartJoinAddrs, true)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Membership) eventHandler() {
	for e := range m.events {
		switch e.EventType() {
		case serf.EventMemberJoin:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				m.handleJoin(member)
			}
		case serf.EventMemberLeave:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				m.handleLeave(member)
			}
		case serf.EventMemberFailed:
			// Serf's own failure detector flagged this member
			// unreachable; tell Cluster State to stop counting this
			// peer toward quorum until it's seen again. The
			// heartbeat-age sweep (deadPeerSweep) runs alongside this.
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				m.handleFailed(member)
			}
		case serf.EventMemberReap:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				m.handleLeave(member)
			}
		}
	}
}

func (m *Membership) isLocal(member serf.Member) bool {
	return m.serf.LocalMember().Name == member.Name
}

func (m *Membership) Members() []serf.Member {
	return m.serf.Members()
}

func (m *Membership) Leave() error {
	close(m.stop)
	return m.serf.Leave()
}

func (m *Membership) logError(err error, msg string, member serf.Member) {
	m.logger.Error().Err(err).Str("name", member.Name).Str("rpc_addr", member.Tags["rpc_addr"]).Msg(msg)
}

func (m *Membership) handleJoin(member serf.Member) {
	if err := m.handler.Join(member.Name, member.Tags["rpc_addr"]); err != nil {
		m.logError(err, "failed to join", member)
	} else {
		m.logger.Info().Str("name", member.Name).Str("event", "join").Msg("member joined")
	}
}

func (m *Membership) handleLeave(member serf.Member) {
	if err := m.handler.Leave(member.Name); err != nil {
		m.logError(err, "failed to leave", member)
	} else {
		m.logger.Info().Str("name", member.Name).Str("event", "leave").Msg("member left")
	}
}

func (m *Membership) handleFailed(member serf.Member) {
	if err := m.handler.MarkDead(member.Name); err != nil {
		m.logError(err, "failed to mark dead", member)
	} else {
		m.logger.Info().Str("name", member.Name).Str("event", "failed").Msg("member unreachable")
	}
}
