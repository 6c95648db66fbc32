package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/corvohq/replbench/internal/config"
	"github.com/corvohq/replbench/internal/harness"
	"github.com/corvohq/replbench/internal/workload"
)

type machineInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	CPUs     int    `json:"cpus"`
	Hostname string `json:"hostname"`
}

// runReport is what --save and --output-json write: one run's verdicts
// plus the settings that produced them.
type runReport struct {
	Timestamp string            `json:"timestamp"`
	RunID     string            `json:"run_id,omitempty"`
	Target    string            `json:"target"`
	Machine   machineInfo       `json:"machine"`
	Config    config.Config     `json:"config"`
	Verdicts  []harness.Verdict `json:"verdicts"`
	Error     string            `json:"error,omitempty"`
}

func buildReport(cfg config.Config, target string, startedAt time.Time, verdicts []harness.Verdict, runErr error) runReport {
	hostname, _ := os.Hostname()
	r := runReport{
		Timestamp: startedAt.UTC().Format(time.RFC3339),
		Target:    target,
		Machine: machineInfo{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			CPUs:     runtime.NumCPU(),
			Hostname: hostname,
		},
		Config:   cfg,
		Verdicts: verdicts,
	}
	if r.Verdicts == nil {
		r.Verdicts = []harness.Verdict{}
	}
	if len(verdicts) > 0 {
		r.RunID = verdicts[0].RunID
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

func writeReportJSON(w io.Writer, r runReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func saveReport(path string, r runReport) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

func countFailed(verdicts []harness.Verdict) int {
	n := 0
	for _, v := range verdicts {
		if !v.Passed {
			n++
		}
	}
	return n
}

func printHeader(w io.Writer, cfg config.Config, target string, batch workload.Batch) {
	fmt.Fprintf(w, "replbench\n")
	fmt.Fprintf(w, "  target:     %s\n", target)
	fmt.Fprintf(w, "  workers:    %s\n", joinInts(cfg.WorkerCounts))
	fmt.Fprintf(w, "  burst:      %s\n", cfg.BurstDuration())
	fmt.Fprintf(w, "  poll:       %s\n", cfg.PollInterval())
	fmt.Fprintf(w, "  timeout:    %s\n", cfg.ConvergenceTimeout())
	fmt.Fprintf(w, "  threshold:  %.3f\n", cfg.ThroughputThreshold)
	fmt.Fprintf(w, "  batch:      %d docs, %s\n", batch.Len(), humanize.IBytes(uint64(batch.Bytes())))
	fmt.Fprintln(w)
}

func printVerdicts(w io.Writer, verdicts []harness.Verdict) {
	if len(verdicts) == 0 {
		fmt.Fprintln(w, "no verdicts")
		return
	}
	fmt.Fprintf(w, "%-7s | %-12s | %-12s | %-7s | %-9s | %-10s | %s\n",
		"Workers", "Primary/s", "Replica/s", "Ratio", "Overall", "Converged", "Result")
	fmt.Fprintf(w, "%-7s-+-%-12s-+-%-12s-+-%-7s-+-%-9s-+-%-10s-+-%s\n",
		"-------", "------------", "------------", "-------", "---------", "----------", "------")
	for _, v := range verdicts {
		fmt.Fprintf(w, "%7d | %12s | %12s | %7s | %9s | %10s | %s\n",
			v.WorkerCount,
			formatRate(v.PrimaryThroughput),
			formatRate(v.BurstPhaseMinReplicaThroughput),
			formatRatio(v.BurstPhaseMinReplicaThroughput, v.PrimaryThroughput),
			formatMetric(v.OverallThroughputRatio, "%.3f"),
			formatConvergence(v),
			formatResult(v),
		)
	}
	for _, v := range verdicts {
		printDetail(w, v)
	}
}

func printDetail(w io.Writer, v harness.Verdict) {
	fmt.Fprintf(w, "\nworkers=%d\n", v.WorkerCount)
	fmt.Fprintf(w, "  written:      %s records (%s acknowledged by driver)\n",
		humanize.Comma(v.RecordsWritten), humanize.Comma(v.RecordsAcknowledged))
	fmt.Fprintf(w, "  burst:        %s\n", v.BurstDuration.Round(time.Millisecond))
	if v.Latency.Count > 0 {
		fmt.Fprintf(w, "  batch p50:    %s\n", v.Latency.P50)
		fmt.Fprintf(w, "  batch p99:    %s\n", v.Latency.P99)
	}
	fmt.Fprintf(w, "  overall rep/s: %s\n", formatRate(v.OverallReplicaThroughput))
	for _, r := range v.Replicas {
		if !r.Known {
			fmt.Fprintf(w, "  replica %-20s unknown\n", r.Address)
			continue
		}
		fmt.Fprintf(w, "  replica %-20s %s rec/s, %s behind at burst end\n",
			r.Address, formatRate(r.Throughput), humanize.Comma(r.LagRecords))
	}
	for _, a := range v.Annotations {
		node := ""
		if a.Node != "" {
			node = " " + a.Node
		}
		fmt.Fprintf(w, "  note: %s (%s%s): %s\n", a.Kind, a.Phase, node, a.Message)
	}
}

func formatMetric(m harness.Metric, format string) string {
	if !m.Defined {
		return "n/a"
	}
	return fmt.Sprintf(format, m.Value)
}

func formatRate(m harness.Metric) string {
	if !m.Defined {
		return "n/a"
	}
	return humanize.CommafWithDigits(m.Value, 1)
}

func formatRatio(replica, primary harness.Metric) string {
	if !replica.Defined || !primary.Defined || primary.Value == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", replica.Value/primary.Value)
}

func formatConvergence(v harness.Verdict) string {
	if v.TimedOut {
		return "timeout"
	}
	return v.ConvergenceDuration.Round(time.Millisecond).String()
}

func formatResult(v harness.Verdict) string {
	if v.Passed {
		return "PASS"
	}
	if len(v.FailReasons) == 0 {
		return "FAIL"
	}
	reasons := make([]string, len(v.FailReasons))
	for i, r := range v.FailReasons {
		reasons[i] = string(r)
	}
	return "FAIL (" + strings.Join(reasons, ", ") + ")"
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}
