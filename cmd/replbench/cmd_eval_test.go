package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/corvohq/replbench/internal/config"
)

func newConfigFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("eval", pflag.ContinueOnError)
	registerConfigFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return f
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replbench.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEvalConfigDefaults(t *testing.T) {
	cfg, err := loadEvalConfig(newConfigFlags(t), "")
	if err != nil {
		t.Fatalf("loadEvalConfig: %v", err)
	}
	want := config.Default()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("config = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadEvalConfigPrecedence(t *testing.T) {
	path := writeConfig(t, `
workerCounts: [2, 8]
burstDurationSeconds: 30
throughputThreshold: 0.9
target:
  kind: local
  local:
    nodes: 5
`)
	flags := newConfigFlags(t, "--burst-seconds", "12", "--replica-apply-delay", "250us")
	cfg, err := loadEvalConfig(flags, path)
	if err != nil {
		t.Fatalf("loadEvalConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg.WorkerCounts, []int{2, 8}) {
		t.Errorf("workers = %v, want file value", cfg.WorkerCounts)
	}
	if cfg.BurstDurationSeconds != 12 {
		t.Errorf("burst = %d, want flag value 12", cfg.BurstDurationSeconds)
	}
	if cfg.ThroughputThreshold != 0.9 {
		t.Errorf("threshold = %g, want file value", cfg.ThroughputThreshold)
	}
	if cfg.Target.Local.Nodes != 5 {
		t.Errorf("nodes = %d, want 5", cfg.Target.Local.Nodes)
	}
	if cfg.ReplicaApplyDelay() != 250*time.Microsecond {
		t.Errorf("apply delay = %s", cfg.ReplicaApplyDelay())
	}
	// Defaults survive where neither file nor flags say anything.
	if cfg.PollIntervalSeconds != config.DefaultPollIntervalSeconds {
		t.Errorf("poll = %d, want default", cfg.PollIntervalSeconds)
	}
}

func TestLoadEvalConfigHTTPTarget(t *testing.T) {
	t.Setenv("REPLBENCH_JWT_SECRET", "from-env")
	flags := newConfigFlags(t, "--target", "http", "--members", "a:8080,b:8080", "--h2c")
	cfg, err := loadEvalConfig(flags, "")
	if err != nil {
		t.Fatalf("loadEvalConfig: %v", err)
	}
	if cfg.Target.Kind != config.TargetHTTP || len(cfg.Target.Members) != 2 || !cfg.Target.H2C {
		t.Fatalf("target = %+v", cfg.Target)
	}
	if cfg.Target.JWTSecret != "from-env" {
		t.Fatalf("jwt secret = %q, want env value", cfg.Target.JWTSecret)
	}
}

func TestLoadEvalConfigFlagsCompleteFile(t *testing.T) {
	path := writeConfig(t, "target:\n  kind: http\n")
	flags := newConfigFlags(t, "--members", "http://a:1,http://b:2")
	cfg, err := loadEvalConfig(flags, path)
	if err != nil {
		t.Fatalf("loadEvalConfig: %v", err)
	}
	if cfg.Target.Kind != config.TargetHTTP {
		t.Fatalf("kind = %q, want file value", cfg.Target.Kind)
	}
	if !reflect.DeepEqual(cfg.Target.Members, []string{"http://a:1", "http://b:2"}) {
		t.Fatalf("members = %v, want flag value", cfg.Target.Members)
	}

	// Without the flag the merged config is still incomplete.
	if _, err := loadEvalConfig(newConfigFlags(t), path); err == nil {
		t.Fatal("expected error for http target without members")
	}
}

func TestLoadEvalConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"threshold above one", []string{"--threshold", "1.5"}},
		{"zero threshold", []string{"--threshold", "0"}},
		{"poll beyond timeout", []string{"--poll-seconds", "20", "--timeout-seconds", "10"}},
		{"zero burst", []string{"--burst-seconds", "0"}},
		{"http without members", []string{"--target", "http"}},
		{"unknown target", []string{"--target", "carrier-pigeon"}},
		{"single local node", []string{"--nodes", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadEvalConfig(newConfigFlags(t, tt.args...), ""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadEvalConfigBadFile(t *testing.T) {
	path := writeConfig(t, "workerCounts: not-a-list\n")
	if _, err := loadEvalConfig(newConfigFlags(t), path); err == nil {
		t.Fatal("expected schema error")
	}
	if _, err := loadEvalConfig(newConfigFlags(t), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEvalLocalEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a local raft cluster")
	}
	save := filepath.Join(t.TempDir(), "report.json")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"eval", "--log-level", "error",
		"--target", "local", "--nodes", "3",
		"--workers", "2",
		"--burst-seconds", "1", "--poll-seconds", "1", "--timeout-seconds", "20",
		"--threshold", "0.01",
		"--batch-size", "10", "--doc-size", "64",
		"--output-json", "--save", save,
	})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("eval: %v\n%s", err, out.String())
	}

	var report runReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if len(report.Verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(report.Verdicts))
	}
	v := report.Verdicts[0]
	if v.WorkerCount != 2 || !v.Passed || v.RecordsWritten <= 0 {
		t.Fatalf("verdict = %+v", v)
	}
	if report.RunID == "" || report.RunID != v.RunID {
		t.Fatalf("run id = %q, verdict run id = %q", report.RunID, v.RunID)
	}

	saved, err := os.ReadFile(save)
	if err != nil {
		t.Fatalf("read saved report: %v", err)
	}
	if !strings.Contains(string(saved), `"worker_count": 2`) {
		t.Fatalf("saved report missing verdict: %s", saved)
	}
}
