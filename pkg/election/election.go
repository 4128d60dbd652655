package election

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/conduitq/conduit/pkg/log"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const applyTimeout = 5 * time.Second

// Coordinator elects the single active scheduler in a deployment and
// replicates expansion watermarks to the standbys. A nil *Coordinator means
// a standalone deployment: always leader, marks kept nowhere.
type Coordinator struct {
	nodeID   string
	bindAddr string
	dataDir  string
	fsm      *watermarkFSM
	raft     *raft.Raft
	logger   zerolog.Logger
}

// New creates a coordinator. Call Bootstrap or Join before use.
func New(nodeID, bindAddr, dataDir string) *Coordinator {
	return &Coordinator{
		nodeID:   nodeID,
		bindAddr: bindAddr,
		dataDir:  dataDir,
		fsm:      newWatermarkFSM(),
		logger:   log.WithComponent("election"),
	}
}

// Bootstrap initializes a new single-node Raft cluster. Standbys join later
// through AddVoter on the leader.
func (c *Coordinator) Bootstrap() error {
	transport, err := c.setup()
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(c.nodeID),
				Address: transport.LocalAddr(),
			},
		},
	}
	if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}
	c.logger.Info().Str("node_id", c.nodeID).Str("bind_addr", c.bindAddr).Msg("cluster bootstrapped")
	return nil
}

// Join starts Raft without bootstrapping; an existing leader must AddVoter
// this node's id and address
func (c *Coordinator) Join() error {
	if _, err := c.setup(); err != nil {
		return err
	}
	c.logger.Info().Str("node_id", c.nodeID).Msg("awaiting cluster admission")
	return nil
}

// AddVoter admits a standby to the cluster. Leader only.
func (c *Coordinator) AddVoter(nodeID, addr string) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %v", nodeID, err)
	}
	c.logger.Info().Str("node_id", nodeID).Str("addr", addr).Msg("voter added")
	return nil
}

// setup builds the shared Raft plumbing for Bootstrap and Join
func (c *Coordinator) setup() (*raft.NetworkTransport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)

	// Tuned below the library defaults: scheduler failover should settle in
	// a few seconds, and deployments run on LAN latencies
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %v", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %v", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %v", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}
	c.raft = r
	return transport, nil
}

// IsLeader reports whether this node currently holds leadership. Standalone
// deployments (nil coordinator) are always leader.
func (c *Coordinator) IsLeader() bool {
	if c == nil || c.raft == nil {
		return true
	}
	return c.raft.State() == raft.Leader
}

// Advance replicates a schedule's expansion watermark. No-op when
// standalone.
func (c *Coordinator) Advance(scheduleID string, at time.Time) error {
	if c == nil || c.raft == nil {
		return nil
	}
	return c.apply("advance_watermark", watermark{ScheduleID: scheduleID, At: at})
}

// Drop forgets a schedule's watermark, typically after cancellation
func (c *Coordinator) Drop(scheduleID string) error {
	if c == nil || c.raft == nil {
		return nil
	}
	return c.apply("drop_watermark", scheduleID)
}

// Watermark reads the replicated mark for one schedule. Standalone
// deployments report no mark.
func (c *Coordinator) Watermark(scheduleID string) (time.Time, bool) {
	if c == nil {
		return time.Time{}, false
	}
	return c.fsm.Watermark(scheduleID)
}

func (c *Coordinator) apply(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return err
	}
	future := c.raft.Apply(raw, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply %s: %v", op, err)
	}
	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok {
			return applyErr
		}
	}
	return nil
}

// Shutdown stops Raft and releases its stores
func (c *Coordinator) Shutdown() error {
	if c == nil || c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}
