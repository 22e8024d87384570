// Package server implements the TCP front end: one goroutine per
// connection, speaking the line-oriented protocol in internal/wire against
// a shared storage engine.
package server

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/mtillman/embergrove/internal/storage"
	"github.com/mtillman/embergrove/internal/wire"
)

// Replicator fans out successful writes to peers. The cluster package
// implements this; a nil Replicator makes every write local-only.
type Replicator interface {
	ReplicatePut(key, value []byte)
	ReplicateDelete(key []byte)
}

// Config configures the server.
type Config struct {
	Port         int
	EngineConfig storage.EngineConfig
	Replicator   Replicator
	Logger       *zap.Logger
}

// DefaultConfig returns sensible defaults for a store rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Port:         7070,
		EngineConfig: storage.DefaultEngineConfig(dataDir),
	}
}

// Server owns the storage engine and the TCP listener accepting client
// connections.
type Server struct {
	store    *storage.Engine
	listener net.Listener
	config   Config
	log      *zap.Logger
	wg       sync.WaitGroup
	mu       sync.Mutex
	closing  bool
}

// NewServer opens the storage engine and prepares the server; it does not
// yet listen on the network.
func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	config.EngineConfig.Logger = logger

	store, err := storage.Open(config.EngineConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	return &Server{store: store, config: config, log: logger}, nil
}

// Start binds the listener and serves connections until Stop is called.
// It blocks the calling goroutine.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.log.Info("server listening", zap.Int("port", s.config.Port))
	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener and the storage engine, waiting for in-flight
// connections to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closing = true
	lis := s.listener
	s.mu.Unlock()

	if lis != nil {
		_ = lis.Close()
	}
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		s.log.Warn("error closing storage on shutdown", zap.Error(err))
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.Debug("connection opened", zap.String("remote", remote))

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if len(line) == 0 {
				break
			}
		}
		if line != "" && line != "\n" {
			resp := s.dispatch(line)
			if _, werr := writer.WriteString(resp + "\n"); werr != nil {
				break
			}
			if werr := writer.Flush(); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	s.log.Debug("connection closed", zap.String("remote", remote))
}

func (s *Server) dispatch(line string) string {
	cmd, err := wire.ParseLine(line)
	if err != nil {
		return wire.Error(err)
	}

	switch cmd.Verb {
	case wire.VerbPing:
		return wire.Pong()

	case wire.VerbPut:
		key, val := []byte(cmd.Args[0]), []byte(cmd.Args[1])
		if _, err := s.store.Put(key, val); err != nil {
			return wire.Error(err)
		}
		if s.config.Replicator != nil {
			s.config.Replicator.ReplicatePut(key, val)
		}
		return wire.OK()

	case wire.VerbReplicate:
		key, val := []byte(cmd.Args[0]), []byte(cmd.Args[1])
		if _, err := s.store.Put(key, val); err != nil {
			return wire.Error(err)
		}
		return wire.OK()

	case wire.VerbGet:
		val, found, err := s.store.Read([]byte(cmd.Args[0]))
		if err != nil {
			return wire.Error(err)
		}
		if !found {
			return wire.NotFound()
		}
		return wire.Value(val)

	case wire.VerbDelete:
		key := []byte(cmd.Args[0])
		if _, err := s.store.Delete(key); err != nil {
			return wire.Error(err)
		}
		if s.config.Replicator != nil {
			s.config.Replicator.ReplicateDelete(key)
		}
		return wire.OK()

	case wire.VerbRange:
		entries, err := s.store.ReadKeyRange([]byte(cmd.Args[0]), []byte(cmd.Args[1]))
		if err != nil {
			return wire.Error(err)
		}
		keys := make([][]byte, len(entries))
		vals := make([][]byte, len(entries))
		for i, e := range entries {
			keys[i], vals[i] = e.Key, e.Value
		}
		return wire.Range(keys, vals)

	case wire.VerbBatch:
		n := len(cmd.Args) / 2
		keys := make([][]byte, n)
		vals := make([][]byte, n)
		for i := 0; i < n; i++ {
			keys[i] = []byte(cmd.Args[2*i])
			vals[i] = []byte(cmd.Args[2*i+1])
		}
		ok, err := s.store.BatchPut(keys, vals)
		if err != nil {
			return wire.Error(err)
		}
		if !ok {
			return wire.Error(fmt.Errorf("batch_put: one or more entries rejected"))
		}
		if s.config.Replicator != nil {
			for i := range keys {
				s.config.Replicator.ReplicatePut(keys[i], vals[i])
			}
		}
		return wire.OK()

	default:
		return wire.Error(fmt.Errorf("unhandled verb %q", cmd.Verb))
	}
}
