package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mtillman/embergrove/internal/cluster"
	"github.com/mtillman/embergrove/internal/server"
)

func main() {
	port := flag.Int("port", 7070, "Server port")
	dataDir := flag.String("data", "./data", "Data directory")
	nodeID := flag.String("node-id", "", "Cluster node id (required when -peers is set)")
	peers := flag.String("peers", "", "Comma-separated peer list, id=host:port,id=host:port,...")
	flushThreshold := flag.Int("flush-threshold", 10000, "Writes buffered in the memtable before an automatic flush")
	checkpointInterval := flag.Duration("checkpoint-interval", 60*time.Second, "Maximum time between WAL checkpoints")
	maxSSTables := flag.Int("max-sstables", 10, "An automatic full compaction runs when the SSTable count exceeds this")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	config := server.DefaultConfig(*dataDir)
	config.Port = *port
	config.Logger = logger
	config.EngineConfig.MemtableFlushThreshold = *flushThreshold
	config.EngineConfig.CheckpointInterval = *checkpointInterval
	config.EngineConfig.MaxSSTablesBeforeCompact = *maxSSTables

	if *peers != "" {
		if *nodeID == "" {
			fmt.Fprintln(os.Stderr, "-node-id is required when -peers is set")
			os.Exit(1)
		}
		peerList, err := parsePeers(*peers)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse -peers: %v\n", err)
			os.Exit(1)
		}
		config.Replicator = cluster.New(cluster.Config{
			SelfID: *nodeID,
			Peers:  peerList,
			Logger: logger,
		})
	}

	srv, err := server.NewServer(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		srv.Stop()
		os.Exit(0)
	}()

	logger.Info("starting kvstored", zap.Int("port", *port), zap.String("data_dir", *dataDir))
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func parsePeers(raw string) ([]cluster.Peer, error) {
	var peers []cluster.Peer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed peer entry %q, want id=host:port", entry)
		}
		peers = append(peers, cluster.Peer{ID: parts[0], Addr: parts[1]})
	}
	return peers, nil
}
