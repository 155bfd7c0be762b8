package agent_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"

	"github.com/quorumlog/quorumlog/internal/agent"
	"github.com/quorumlog/quorumlog/internal/cluster"
	"github.com/quorumlog/quorumlog/internal/config"
)

// TestAgentQuorumWriteAndFailover exercises the end-to-end scenarios
// from spec §8: a 3-node cluster elects a leader, a quorum write
// becomes readable from a follower, and the cluster elects a new
// leader after the original one is shut down.
func TestAgentQuorumWriteAndFailover(t *testing.T) {
	var agents []*agent.Agent
	var httpAddrs []string

	for i := 0; i < 3; i++ {
		ports := dynaport.Get(2)
		bindAddr := fmt.Sprintf("127.0.0.1:%d", ports[0])
		httpAddr := fmt.Sprintf("127.0.0.1:%d", ports[1])

		dataDir, err := os.MkdirTemp("", "agent-test-log")
		require.NoError(t, err)

		var startJoinAddrs []string
		if i != 0 {
			startJoinAddrs = []string{agents[0].Config.BindAddr}
		}

		c := config.ClusterConfig{
			NodeID:             fmt.Sprint(i),
			BindAddr:           bindAddr,
			HTTPAddr:           httpAddr,
			DataDir:            dataDir,
			StartJoinAddrs:     startJoinAddrs,
			MaxStoreBytes:      1024,
			MaxIndexBytes:      1024,
			HeartbeatInterval:  20 * time.Millisecond,
			ElectionTimeoutMin: 100 * time.Millisecond,
			ElectionTimeoutMax: 200 * time.Millisecond,
			ReplicateInterval:  10 * time.Millisecond,
			RPCTimeout:         100 * time.Millisecond,
		}

		a, err := agent.New(c)
		require.NoError(t, err)

		agents = append(agents, a)
		httpAddrs = append(httpAddrs, httpAddr)
	}

	defer func() {
		for _, a := range agents {
			_ = a.Shutdown()
			_ = os.RemoveAll(a.Config.DataDir)
		}
	}()

	leaderIdx := waitForLeader(t, httpAddrs, 5*time.Second)

	offset := writeRecord(t, httpAddrs[leaderIdx], []byte("hello cluster"))

	require.Eventually(t, func() bool {
		for i, addr := range httpAddrs {
			if i == leaderIdx {
				continue
			}
			command, err := readRecord(addr, offset)
			if err != nil || !bytes.Equal(command, []byte("hello cluster")) {
				return false
			}
		}
		return true
	}, 3*time.Second, 50*time.Millisecond, "replicated write never reached all followers")

	require.NoError(t, agents[leaderIdx].Shutdown())

	remaining := make([]string, 0, 2)
	for i, addr := range httpAddrs {
		if i != leaderIdx {
			remaining = append(remaining, addr)
		}
	}
	newLeaderIdx := waitForLeader(t, remaining, 5*time.Second)
	require.NotEqual(t, -1, newLeaderIdx)
}

func waitForLeader(t *testing.T, addrs []string, timeout time.Duration) int {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for i, addr := range addrs {
			snap, err := status(addr)
			if err == nil && snap.Role == cluster.Leader {
				return i
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return -1
}

func status(addr string) (cluster.Snapshot, error) {
	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		return cluster.Snapshot{}, err
	}
	defer resp.Body.Close()
	var snap cluster.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return cluster.Snapshot{}, err
	}
	return snap, nil
}

func writeRecord(t *testing.T, addr string, command []byte) uint64 {
	t.Helper()
	body, err := json.Marshal(map[string][]byte{"command": command})
	require.NoError(t, err)

	resp, err := http.Post("http://"+addr+"/records", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Offset uint64 `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Offset
}

func readRecord(addr string, offset uint64) ([]byte, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/records/%d", addr, offset))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out struct {
		Command []byte `json:"command"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Command, nil
}
