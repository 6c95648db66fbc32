package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/corvohq/replbench/internal/config"
	"github.com/corvohq/replbench/internal/harness"
	"github.com/corvohq/replbench/internal/observability"
	raftcluster "github.com/corvohq/replbench/internal/raft"
	"github.com/corvohq/replbench/internal/workload"
	"github.com/corvohq/replbench/pkg/client"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate replica throughput against a cluster",
	Long: `Runs one evaluation per worker-count level: sample every node, drive a
timed write burst at the primary, wait for the replicas to catch up and
compare the slowest replica's throughput with the primary's.

Targets (--target):
  local   in-process raft cluster (--nodes, --record-store, --log-store)
  http    running "replbench node" processes (--members)

Settings are read from built-in defaults, then --config, then any flag
given on the command line.`,
	RunE: runEval,
}

var (
	evalConfigPath        string
	evalOutputJSON        bool
	evalSave              string
	evalSampleParallelism int
	evalOtelEnabled       bool
	evalOtelEndpoint      string
)

func init() {
	f := evalCmd.Flags()
	f.StringVar(&evalConfigPath, "config", "", "YAML config file")
	registerConfigFlags(f)
	f.IntVar(&evalSampleParallelism, "sample-parallelism", 0, "Max concurrent node reads per snapshot (0 = all)")
	f.BoolVar(&evalOutputJSON, "output-json", false, "Print verdicts as JSON")
	f.StringVar(&evalSave, "save", "", "Write the run report as JSON to this path")
	f.BoolVar(&evalOtelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	f.StringVar(&evalOtelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty spans go to stderr")

	rootCmd.AddCommand(evalCmd)
}

// registerConfigFlags adds one flag per config.Config setting. Their values
// only apply when set explicitly; see applyFlags.
func registerConfigFlags(f *pflag.FlagSet) {
	d := config.Default()
	f.IntSlice("workers", d.WorkerCounts, "Worker-count levels to evaluate")
	f.Int("burst-seconds", d.BurstDurationSeconds, "Load burst duration per level")
	f.Int("poll-seconds", d.PollIntervalSeconds, "Replica poll interval while waiting for catch-up")
	f.Int("timeout-seconds", d.ConvergenceTimeoutSeconds, "How long to wait for replicas after the burst")
	f.Float64("threshold", d.ThroughputThreshold, "Minimum replica/primary throughput ratio to pass, in (0,1]")
	f.Int("batch-size", d.BatchSize, "Documents per write batch")
	f.Int("doc-size", d.DocumentSize, "Encoded size of each document in bytes")

	f.String("target", d.Target.Kind, "Cluster under test: local or http")
	f.StringSlice("members", nil, "Node HTTP addresses for --target http")
	f.String("jwt-secret", "", "HS256 secret for node API auth (or set REPLBENCH_JWT_SECRET)")
	f.Bool("h2c", false, "Use HTTP/2 cleartext to reach nodes")
	f.Int("nodes", d.Target.Local.Nodes, "Local cluster size")
	f.String("data-dir", "", "Directory for on-disk local stores (default: temp dir)")
	f.String("log-store", d.Target.Local.LogStore, "Local raft log store: inmem, bolt, pebble or badger")
	f.String("record-store", d.Target.Local.RecordStore, "Local record store: memory, pebble, badger or sqlite")
	f.Duration("replica-apply-delay", 0, "Artificial per-entry apply delay on local followers")
}

// loadEvalConfig layers defaults, the optional YAML file and the flags the
// user actually set.
func loadEvalConfig(flags *pflag.FlagSet, path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := applyFlags(flags, &cfg); err != nil {
		return config.Config{}, err
	}
	if cfg.Target.JWTSecret == "" {
		cfg.Target.JWTSecret = strings.TrimSpace(os.Getenv("REPLBENCH_JWT_SECRET"))
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	var errs []error
	intFlag := func(name string, dst *int) {
		if flags.Changed(name) {
			v, err := flags.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	stringFlag := func(name string, dst *string) {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = strings.TrimSpace(v)
		}
	}

	if flags.Changed("workers") {
		v, err := flags.GetIntSlice("workers")
		errs = append(errs, err)
		cfg.WorkerCounts = v
	}
	intFlag("burst-seconds", &cfg.BurstDurationSeconds)
	intFlag("poll-seconds", &cfg.PollIntervalSeconds)
	intFlag("timeout-seconds", &cfg.ConvergenceTimeoutSeconds)
	if flags.Changed("threshold") {
		v, err := flags.GetFloat64("threshold")
		errs = append(errs, err)
		cfg.ThroughputThreshold = v
	}
	intFlag("batch-size", &cfg.BatchSize)
	intFlag("doc-size", &cfg.DocumentSize)

	stringFlag("target", &cfg.Target.Kind)
	if flags.Changed("members") {
		v, err := flags.GetStringSlice("members")
		errs = append(errs, err)
		cfg.Target.Members = v
	}
	stringFlag("jwt-secret", &cfg.Target.JWTSecret)
	if flags.Changed("h2c") {
		v, err := flags.GetBool("h2c")
		errs = append(errs, err)
		cfg.Target.H2C = v
	}
	intFlag("nodes", &cfg.Target.Local.Nodes)
	stringFlag("data-dir", &cfg.Target.Local.DataDir)
	stringFlag("log-store", &cfg.Target.Local.LogStore)
	stringFlag("record-store", &cfg.Target.Local.RecordStore)
	if flags.Changed("replica-apply-delay") {
		v, err := flags.GetDuration("replica-apply-delay")
		errs = append(errs, err)
		cfg.Target.Local.ReplicaApplyDelayMicro = int(v / time.Microsecond)
	}
	return errors.Join(errs...)
}

// evalTarget is the cluster under test as the harness sees it.
type evalTarget struct {
	status      harness.StatusSource
	progress    harness.ProgressReader
	writer      harness.Writer
	beforeLevel func(ctx context.Context, workerCount int) error
	describe    string
	close       func() error
}

func openTarget(cfg config.Config) (*evalTarget, error) {
	switch strings.ToLower(cfg.Target.Kind) {
	case config.TargetLocal:
		return openLocalTarget(cfg)
	case config.TargetHTTP:
		return openHTTPTarget(cfg)
	}
	return nil, fmt.Errorf("unsupported target kind %q", cfg.Target.Kind)
}

func openLocalTarget(cfg config.Config) (*evalTarget, error) {
	local := cfg.Target.Local
	dataDir := local.DataDir
	var cleanup func() error
	if dataDir == "" && (local.LogStore != "inmem" || local.RecordStore != "memory") {
		dir, err := os.MkdirTemp("", "replbench-")
		if err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dataDir = dir
		cleanup = func() error { return os.RemoveAll(dir) }
	}
	var raftLog io.Writer
	if parseLevel(logLevel) <= slog.LevelDebug {
		raftLog = os.Stderr
	}

	cluster, err := raftcluster.NewLocalCluster(raftcluster.LocalClusterConfig{
		Nodes:         local.Nodes,
		DataDir:       dataDir,
		LogStore:      local.LogStore,
		RecordStore:   local.RecordStore,
		ApplyDelay:    cfg.ReplicaApplyDelay(),
		RaftLogOutput: raftLog,
	})
	if err != nil {
		if cleanup != nil {
			_ = cleanup()
		}
		return nil, fmt.Errorf("start local cluster: %w", err)
	}
	return &evalTarget{
		status:   cluster,
		progress: cluster,
		writer:   cluster,
		beforeLevel: func(ctx context.Context, _ int) error {
			return cluster.Settle(ctx)
		},
		describe: fmt.Sprintf("local (%d nodes, log=%s, records=%s, follower delay=%s)",
			local.Nodes, local.LogStore, local.RecordStore, cfg.ReplicaApplyDelay()),
		close: func() error {
			err := cluster.Shutdown()
			if cleanup != nil {
				err = errors.Join(err, cleanup())
			}
			return err
		},
	}, nil
}

func openHTTPTarget(cfg config.Config) (*evalTarget, error) {
	var opts []client.Option
	if cfg.Target.JWTSecret != "" {
		opts = append(opts, client.WithJWTSecret(cfg.Target.JWTSecret))
	}
	if cfg.Target.H2C {
		opts = append(opts, client.WithH2C())
	}
	cluster, err := client.NewCluster(cfg.Target.Members, opts...)
	if err != nil {
		return nil, err
	}
	return &evalTarget{
		status:   cluster,
		progress: cluster,
		writer:   cluster,
		describe: fmt.Sprintf("http (%s)", strings.Join(cluster.Members(), ", ")),
		close:    func() error { return nil },
	}, nil
}

func runEval(cmd *cobra.Command, args []string) error {
	cfg, err := loadEvalConfig(cmd.Flags(), evalConfigPath)
	if err != nil {
		return err
	}
	batch, err := workload.NewBatch(cfg.BatchSize, cfg.DocumentSize)
	if err != nil {
		return fmt.Errorf("build workload: %w", err)
	}

	otelShutdown, err := observability.InitTracer(observability.TracerConfig{
		Enabled:  evalOtelEnabled,
		Service:  "replbench",
		Endpoint: evalOtelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	target, err := openTarget(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := target.close(); err != nil {
			slog.Warn("target shutdown error", "error", err)
		}
	}()

	h, err := harness.New(target.status, target.progress, target.writer, harness.Options{
		WorkerCounts:       cfg.WorkerCounts,
		BurstDuration:      cfg.BurstDuration(),
		PollInterval:       cfg.PollInterval(),
		ConvergenceTimeout: cfg.ConvergenceTimeout(),
		Threshold:          cfg.ThroughputThreshold,
		Batch:              batch,
		SampleParallelism:  evalSampleParallelism,
		Logger:             slog.Default(),
		BeforeLevel:        target.beforeLevel,
	})
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if !evalOutputJSON {
		printHeader(out, cfg, target.describe, batch)
	}
	startedAt := time.Now()
	verdicts, runErr := h.Run(ctx)

	report := buildReport(cfg, target.describe, startedAt, verdicts, runErr)
	if evalOutputJSON {
		if err := writeReportJSON(out, report); err != nil {
			return err
		}
	} else {
		printVerdicts(out, verdicts)
	}
	if evalSave != "" {
		if err := saveReport(evalSave, report); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		slog.Info("report saved", "path", evalSave)
	}
	if runErr != nil {
		return runErr
	}
	if failed := countFailed(verdicts); failed > 0 {
		return fmt.Errorf("%d of %d levels failed", failed, len(verdicts))
	}
	return nil
}
