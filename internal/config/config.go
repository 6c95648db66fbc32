package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBurstDurationSeconds      = 180
	DefaultPollIntervalSeconds       = 1
	DefaultConvergenceTimeoutSeconds = 600
	DefaultThroughputThreshold       = 0.95
	DefaultBatchSize                 = 250
	DefaultDocumentSize              = 512

	TargetLocal = "local"
	TargetHTTP  = "http"
)

// DefaultWorkerCounts are the concurrency levels evaluated when none are configured.
var DefaultWorkerCounts = []int{1, 16, 32}

// Config is the evaluation configuration. It is built once, passed into the
// harness, and never mutated during a run.
type Config struct {
	WorkerCounts              []int        `yaml:"workerCounts" json:"workerCounts"`
	BurstDurationSeconds      int          `yaml:"burstDurationSeconds" json:"burstDurationSeconds"`
	PollIntervalSeconds       int          `yaml:"pollIntervalSeconds" json:"pollIntervalSeconds"`
	ConvergenceTimeoutSeconds int          `yaml:"convergenceTimeoutSeconds" json:"convergenceTimeoutSeconds"`
	ThroughputThreshold       float64      `yaml:"throughputThreshold" json:"throughputThreshold"`
	BatchSize                 int          `yaml:"batchSize" json:"batchSize"`
	DocumentSize              int          `yaml:"documentSize" json:"documentSize"`
	Target                    TargetConfig `yaml:"target" json:"target"`
}

// TargetConfig selects the cluster under test.
type TargetConfig struct {
	Kind      string      `yaml:"kind" json:"kind"`
	Members   []string    `yaml:"members,omitempty" json:"members,omitempty"`
	JWTSecret string      `yaml:"jwtSecret,omitempty" json:"-"`
	H2C       bool        `yaml:"h2c,omitempty" json:"h2c,omitempty"`
	Local     LocalConfig `yaml:"local" json:"local"`
}

// LocalConfig describes the in-process raft cluster used by --target local.
type LocalConfig struct {
	Nodes                  int    `yaml:"nodes" json:"nodes"`
	DataDir                string `yaml:"dataDir,omitempty" json:"dataDir,omitempty"`
	LogStore               string `yaml:"logStore" json:"logStore"`
	RecordStore            string `yaml:"recordStore" json:"recordStore"`
	ReplicaApplyDelayMicro int    `yaml:"replicaApplyDelayMicros,omitempty" json:"replicaApplyDelayMicros,omitempty"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		WorkerCounts:              append([]int(nil), DefaultWorkerCounts...),
		BurstDurationSeconds:      DefaultBurstDurationSeconds,
		PollIntervalSeconds:       DefaultPollIntervalSeconds,
		ConvergenceTimeoutSeconds: DefaultConvergenceTimeoutSeconds,
		ThroughputThreshold:       DefaultThroughputThreshold,
		BatchSize:                 DefaultBatchSize,
		DocumentSize:              DefaultDocumentSize,
		Target: TargetConfig{
			Kind: TargetLocal,
			Local: LocalConfig{
				Nodes:       3,
				LogStore:    "inmem",
				RecordStore: "memory",
			},
		},
	}
}

// Load reads a YAML config file on top of the defaults. The document is
// checked against the embedded schema before it is decoded.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults after checking it
// against the schema. Semantic checks are left to Validate so callers can
// layer further overrides first.
func Parse(data []byte) (Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("encode config for validation: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the semantic constraints the schema cannot express.
func (c Config) Validate() error {
	if len(c.WorkerCounts) == 0 {
		return fmt.Errorf("workerCounts must list at least one level")
	}
	for _, n := range c.WorkerCounts {
		if n <= 0 {
			return fmt.Errorf("workerCounts entries must be > 0, got %d", n)
		}
	}
	if c.BurstDurationSeconds <= 0 {
		return fmt.Errorf("burstDurationSeconds must be > 0")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("pollIntervalSeconds must be > 0")
	}
	if c.ConvergenceTimeoutSeconds <= 0 {
		return fmt.Errorf("convergenceTimeoutSeconds must be > 0")
	}
	if c.PollIntervalSeconds > c.ConvergenceTimeoutSeconds {
		return fmt.Errorf("pollIntervalSeconds (%d) exceeds convergenceTimeoutSeconds (%d)",
			c.PollIntervalSeconds, c.ConvergenceTimeoutSeconds)
	}
	if c.ThroughputThreshold <= 0 || c.ThroughputThreshold > 1 {
		return fmt.Errorf("throughputThreshold must be in (0,1], got %g", c.ThroughputThreshold)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be > 0")
	}
	switch strings.ToLower(c.Target.Kind) {
	case TargetLocal:
		if c.Target.Local.Nodes < 2 {
			return fmt.Errorf("local target needs at least 2 nodes, got %d", c.Target.Local.Nodes)
		}
	case TargetHTTP:
		if len(c.Target.Members) < 2 {
			return fmt.Errorf("http target needs at least 2 members, got %d", len(c.Target.Members))
		}
	default:
		return fmt.Errorf("unsupported target kind %q (expected local or http)", c.Target.Kind)
	}
	return nil
}

func (c Config) BurstDuration() time.Duration {
	return time.Duration(c.BurstDurationSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) ConvergenceTimeout() time.Duration {
	return time.Duration(c.ConvergenceTimeoutSeconds) * time.Second
}

func (c Config) ReplicaApplyDelay() time.Duration {
	return time.Duration(c.Target.Local.ReplicaApplyDelayMicro) * time.Microsecond
}
