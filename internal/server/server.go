// Package server wires bootstrap: config, optional snapshot load, listening
// socket, and role-dependent startup.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"kvrepl/internal/command"
	"kvrepl/internal/config"
	"kvrepl/internal/handler"
	"kvrepl/internal/logging"
	"kvrepl/internal/protocol"
	"kvrepl/internal/rdb"
	"kvrepl/internal/replication"
	"kvrepl/internal/store"

	"go.uber.org/zap"
)

type Server struct {
	cfg  *config.Config
	deps *handler.Deps

	replicaClient *replication.ReplicaClient
	listener      net.Listener
}

// New builds the store (optionally seeded from an on-disk snapshot),
// resolves the fixed role, and — for a replica — completes the outbound
// handshake to the configured master before any client connection is
// accepted.
func New(cfg *config.Config) (*Server, error) {
	st := store.New()

	if cfg.HasSnapshot() {
		if err := loadSnapshot(st, cfg); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}

	deps := &handler.Deps{
		Store:  st,
		Role:   cfg.Role,
		ReplID: config.FixedReplID,
		Config: cfg,
	}

	s := &Server{cfg: cfg, deps: deps}

	switch cfg.Role {
	case config.RoleMaster:
		deps.Manager = replication.NewManager(config.FixedReplID)
	case config.RoleReplica:
		client, replID, err := replication.DialMaster(cfg.MasterHost, cfg.MasterPort, cfg.Port)
		if err != nil {
			return nil, fmt.Errorf("connect to master: %w", err)
		}
		deps.ReplID = replID
		deps.ReplicaOffset = client.Offset
		s.replicaClient = client
	}

	return s, nil
}

func loadSnapshot(st *store.Store, cfg *config.Config) error {
	path := cfg.Dir + string(os.PathSeparator) + cfg.DBFilename
	r, f, err := rdb.Open(path)
	if err != nil {
		return err
	}
	if r == nil {
		logging.Info("snapshot file not found, starting with an empty store", zap.String("path", path))
		return nil
	}
	defer f.Close()

	entries, err := r.Load()
	if err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	data := make(map[string]string, len(entries))
	expiry := make(map[string]time.Time)
	for _, e := range entries {
		data[e.Key] = e.Value
		if e.Expiration != nil {
			expiry[e.Key] = *e.Expiration
		}
	}

	st.LoadSnapshot(data, expiry)
	logging.Info("loaded snapshot", zap.String("path", path), zap.Int("keys", len(entries)))
	return nil
}

// Run binds the listening socket and accepts connections until ctx is
// cancelled. For a replica, the propagated stream from the master is
// consumed concurrently on its own connection.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	logging.Info("listening", zap.String("addr", addr), zap.String("role", string(s.cfg.Role)))

	if s.replicaClient != nil {
		go s.runReplicaStream()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go handler.NewConnection(s.deps, conn).Serve(ctx)
	}
}

// runReplicaStream consumes the master's propagated write stream for the
// lifetime of the process. A decode or connection error here is the same
// class of fatal condition as a malformed frame on any other link.
func (s *Server) runReplicaStream() {
	err := s.replicaClient.Run(func(cmd *protocol.Command) {
		if cmd.Name != command.Set {
			return
		}
		key, value, deadline, err := command.ParseSet(cmd.Args)
		if err != nil {
			logging.Fatal("malformed propagated SET", zap.Error(err))
			return
		}
		s.deps.Store.Set(key, value, deadline)
	})
	if err != nil {
		logging.Fatal("replication stream from master ended", zap.Error(err))
	}
}
