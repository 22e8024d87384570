package cluster

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCluster_LeaderIsLowestID(t *testing.T) {
	c := New(Config{
		SelfID: "node-b",
		Peers:  []Peer{{ID: "node-a", Addr: "localhost:1"}, {ID: "node-c", Addr: "localhost:2"}},
	})
	require.False(t, c.IsLeader())
	require.Equal(t, "node-a", c.LeaderID())
}

func TestCluster_SelfIsLeaderWhenLowestID(t *testing.T) {
	c := New(Config{
		SelfID: "node-a",
		Peers:  []Peer{{ID: "node-b", Addr: "localhost:1"}},
	})
	require.True(t, c.IsLeader())
}

func TestCluster_SoleNodeIsLeader(t *testing.T) {
	c := New(Config{SelfID: "only-node"})
	require.True(t, c.IsLeader())
}

func TestCluster_ReplicatePutReachesPeer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
		conn.Write([]byte("OK\n"))
	}()

	c := New(Config{
		SelfID:      "node-a",
		Peers:       []Peer{{ID: "node-b", Addr: lis.Addr().String()}},
		DialTimeout: time.Second,
	})
	c.ReplicatePut([]byte("k"), []byte("v"))

	select {
	case line := <-received:
		require.Equal(t, "REPLICATE|k|v\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replicated frame")
	}
}
