package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	raftcluster "github.com/corvohq/replbench/internal/raft"
	"github.com/corvohq/replbench/internal/server"
	"github.com/corvohq/replbench/pkg/client"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Serve one replicated record-store node",
	Long: `Starts a raft node over TCP with the replbench HTTP API so that
"replbench eval --target http" can measure a real multi-process cluster.

The first node bootstraps; the others start with --bootstrap=false and
--join pointing at the first node's HTTP address.`,
	RunE: runNode,
}

var (
	nodeBindAddr          string
	nodeDataDir           string
	nodeRaftBind          string
	nodeRaftAdvertise     string
	nodeID                string
	nodeBootstrap         bool
	nodeJoinAddr          string
	nodeLogStore          string
	nodeRecordStore       string
	nodeDurable           bool
	nodeApplyDelay        time.Duration
	nodeJWTSecret         string
	nodeH2C               bool
	nodeSnapshotThreshold uint64
	nodeShutdownTimeout   time.Duration
)

func init() {
	d := raftcluster.DefaultNodeConfig()
	f := nodeCmd.Flags()
	f.StringVar(&nodeBindAddr, "bind", ":8080", "HTTP server bind address")
	f.StringVar(&nodeDataDir, "data-dir", d.DataDir, "Directory for raft logs, snapshots and records")
	f.StringVar(&nodeRaftBind, "raft-bind", d.RaftBind, "Raft transport bind address")
	f.StringVar(&nodeRaftAdvertise, "raft-advertise", "", "Raft address peers dial (defaults to 127.0.0.1:<raft-bind-port> when bind is wildcard)")
	f.StringVar(&nodeID, "node-id", d.NodeID, "Unique node ID")
	f.BoolVar(&nodeBootstrap, "bootstrap", d.Bootstrap, "Bootstrap a new single-node cluster")
	f.StringVar(&nodeJoinAddr, "join", "", "HTTP address of the leader to join")
	f.StringVar(&nodeLogStore, "log-store", d.LogStore, "Raft log/stable backend: bolt, pebble, badger or inmem")
	f.StringVar(&nodeRecordStore, "record-store", d.RecordStore, "Record store: memory, pebble, badger or sqlite")
	f.BoolVar(&nodeDurable, "durable", false, "Fsync the raft log and record store on every write")
	f.DurationVar(&nodeApplyDelay, "apply-delay", 0, "Artificial per-entry apply delay while following")
	f.StringVar(&nodeJWTSecret, "jwt-secret", "", "Require HS256 bearer tokens signed with this secret (or set REPLBENCH_JWT_SECRET)")
	f.BoolVar(&nodeH2C, "h2c", false, "Accept HTTP/2 cleartext connections")
	f.Uint64Var(&nodeSnapshotThreshold, "snapshot-threshold", d.SnapshotThreshold, "Raft log entries between snapshots")
	f.DurationVar(&nodeShutdownTimeout, "shutdown-timeout", 2*time.Second, "Graceful HTTP shutdown timeout before force-close")

	rootCmd.AddCommand(nodeCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	if nodeJoinAddr != "" && nodeBootstrap {
		return fmt.Errorf("--join requires --bootstrap=false")
	}
	secret := strings.TrimSpace(nodeJWTSecret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("REPLBENCH_JWT_SECRET"))
	}

	cfg := raftcluster.DefaultNodeConfig()
	cfg.NodeID = nodeID
	cfg.DataDir = nodeDataDir
	cfg.RaftBind = nodeRaftBind
	cfg.RaftAdvertise = nodeRaftAdvertise
	cfg.LogStore = nodeLogStore
	cfg.RecordStore = nodeRecordStore
	cfg.RaftNoSync = !nodeDurable
	cfg.StoreNoSync = !nodeDurable
	cfg.Bootstrap = nodeBootstrap
	cfg.ApplyDelay = nodeApplyDelay
	cfg.SnapshotThreshold = nodeSnapshotThreshold

	slog.Info("starting replbench node",
		"bind", nodeBindAddr,
		"raft_bind", nodeRaftBind,
		"raft_advertise", nodeRaftAdvertise,
		"node_id", nodeID,
		"bootstrap", nodeBootstrap,
		"join", nodeJoinAddr,
		"log_store", nodeLogStore,
		"record_store", nodeRecordStore,
		"durable", nodeDurable,
		"apply_delay", nodeApplyDelay,
		"auth", secret != "",
		"h2c", nodeH2C,
		"data_dir", nodeDataDir,
	)

	node, err := raftcluster.NewNode(cfg)
	if err != nil {
		return fmt.Errorf("start raft node: %w", err)
	}
	defer func() {
		if err := node.Shutdown(); err != nil {
			slog.Warn("raft shutdown error", "error", err)
		}
	}()

	srv := server.New(node, server.Options{Addr: nodeBindAddr, JWTSecret: secret, H2C: nodeH2C})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	if nodeJoinAddr != "" {
		var opts []client.Option
		if secret != "" {
			opts = append(opts, client.WithJWTSecret(secret))
		}
		joinCtx, cancel := context.WithTimeout(context.Background(), cfg.ApplyTimeout)
		err := client.New(nodeJoinAddr, opts...).Join(joinCtx, cfg.NodeID, node.RaftAddr())
		cancel()
		if err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		slog.Info("joined cluster", "target", nodeJoinAddr, "node_id", cfg.NodeID)
	}
	if err := node.WaitForLeader(10 * time.Second); err != nil {
		return fmt.Errorf("wait for leader: %w", err)
	}
	slog.Info("replbench node ready", "bind", nodeBindAddr, "state", node.State())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), nodeShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	slog.Info("replbench node stopped")
	return nil
}
