// Package cluster implements the simplest possible multi-node story: a
// static peer list, a leader chosen as whichever member has the
// lexicographically lowest id (no voting, no term, no log replication),
// and fire-and-forget fan-out of local writes to every peer (REPLICATE
// frames for puts, DELETE frames for deletes).
// This is deliberately not a consensus protocol.
package cluster

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mtillman/embergrove/internal/wire"
)

// Peer is one other member of the static cluster list.
type Peer struct {
	ID   string
	Addr string
}

// Config configures a Cluster.
type Config struct {
	SelfID     string
	Peers      []Peer
	DialTimeout time.Duration
	Logger     *zap.Logger
}

// Cluster tracks the static peer set and fans out replicated writes.
type Cluster struct {
	selfID      string
	peers       []Peer
	dialTimeout time.Duration
	log         *zap.Logger
	sessionID   string
}

// New constructs a Cluster from config, generating a fresh ephemeral
// session id used to tag this process's outbound replication traffic in
// logs.
func New(config Config) *Cluster {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return &Cluster{
		selfID:      config.SelfID,
		peers:       config.Peers,
		dialTimeout: dialTimeout,
		log:         logger,
		sessionID:   uuid.NewString(),
	}
}

// IsLeader reports whether this node currently holds leadership: the
// member (among self and all configured peers) with the lowest id.
func (c *Cluster) IsLeader() bool {
	ids := make([]string, 0, len(c.peers)+1)
	ids = append(ids, c.selfID)
	for _, p := range c.peers {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids[0] == c.selfID
}

// LeaderID returns the id of the current leader.
func (c *Cluster) LeaderID() string {
	ids := make([]string, 0, len(c.peers)+1)
	ids = append(ids, c.selfID)
	for _, p := range c.peers {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids[0]
}

// ReplicatePut fans out a REPLICATE|k|v frame to every peer, in the
// background; failures are logged, not returned, so a slow or unreachable
// peer never blocks the local write path.
func (c *Cluster) ReplicatePut(key, value []byte) {
	c.fanOut(wire.Command{Verb: wire.VerbReplicate, Args: []string{string(key), string(value)}})
}

// ReplicateDelete fans out a DELETE|k frame to every peer, in the
// background, the same way ReplicatePut does; the peer applies it through
// its client-facing DELETE handling.
func (c *Cluster) ReplicateDelete(key []byte) {
	c.fanOut(wire.Command{Verb: wire.VerbDelete, Args: []string{string(key)}})
}

func (c *Cluster) fanOut(cmd wire.Command) {
	if len(c.peers) == 0 {
		return
	}
	peers := c.peers
	go func() {
		var g errgroup.Group
		for _, p := range peers {
			p := p
			g.Go(func() error {
				return c.send(p, cmd)
			})
		}
		if err := g.Wait(); err != nil {
			c.log.Warn("replication fan-out had failures", zap.String("session", c.sessionID), zap.Error(err))
		}
	}()
}

func (c *Cluster) send(p Peer, cmd wire.Command) error {
	conn, err := net.DialTimeout("tcp", p.Addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial peer %s (%s): %w", p.ID, p.Addr, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", cmd.Encode()); err != nil {
		return fmt.Errorf("send to peer %s: %w", p.ID, err)
	}
	reader := bufio.NewReader(conn)
	resp, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read response from peer %s: %w", p.ID, err)
	}
	if len(resp) >= len(wire.RespError) && resp[:len(wire.RespError)] == wire.RespError {
		return fmt.Errorf("peer %s rejected replication: %s", p.ID, resp)
	}
	return nil
}
