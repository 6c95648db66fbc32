package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/corvohq/replbench/internal/clock"
	"github.com/corvohq/replbench/internal/workload"
)

const (
	latencyMinMicros = 1
	latencyMaxMicros = int64(5 * time.Minute / time.Microsecond)
	latencySigFigs   = 3
)

// BurstResult describes one load burst. Throughput is always computed from
// StartedAt/EndedAt, which reflect the actual elapsed time.
type BurstResult struct {
	WorkerCount             int
	RequestedDuration       time.Duration
	StartedAt               time.Time
	EndedAt                 time.Time
	PrimaryRecordCountAtEnd int64
	// AfterBurst is the sampling call that established PrimaryRecordCountAtEnd.
	AfterBurst Snapshot

	// RecordsAcknowledged is what the write driver saw accepted. It is
	// diagnostic only; the primary's own count is authoritative.
	RecordsAcknowledged int64
	Batches             int64
	WriteErrors         []*WriteError
	Aborted             bool
	AbortCause          error
	Latency             LatencySummary
}

// Elapsed is the actual burst duration.
func (r BurstResult) Elapsed() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// LatencySummary summarizes per-batch write latency.
type LatencySummary struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// LoadBurst drives concurrent write load against the primary for a bounded
// duration.
type LoadBurst struct {
	sampler *ProgressSampler
	clock   clock.Clock
	batch   workload.Batch
	log     *slog.Logger
}

// NewLoadBurst returns a burst runner that issues batch from every worker.
func NewLoadBurst(sampler *ProgressSampler, clk clock.Clock, batch workload.Batch, log *slog.Logger) *LoadBurst {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &LoadBurst{sampler: sampler, clock: clk, batch: batch, log: log}
}

// workerStats is owned by exactly one worker goroutine until the burst ends.
type workerStats struct {
	records int64
	batches int64
	hist    *hdrhistogram.Histogram
	err     *WriteError
}

// Run starts workerCount workers that write to topo.Primary until duration
// elapses, every worker has stopped, or a worker hits an irrecoverable
// failure. It then samples every node once; the primary's count from that
// call is the authoritative end-of-burst count.
func (b *LoadBurst) Run(ctx context.Context, topo Topology, workerCount int, duration time.Duration, w Writer) (BurstResult, error) {
	if workerCount <= 0 {
		return BurstResult{}, fmt.Errorf("worker count must be > 0, got %d", workerCount)
	}
	if duration <= 0 {
		return BurstResult{}, fmt.Errorf("burst duration must be > 0, got %s", duration)
	}

	primary := topo.Primary.Address
	burstCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := make([]workerStats, workerCount)
	stop := make(chan struct{})
	abortCh := make(chan *WriteError, 1)
	var abortOnce sync.Once
	abort := func(werr *WriteError) {
		abortOnce.Do(func() {
			abortCh <- werr
			cancel()
		})
	}

	var wg sync.WaitGroup
	result := BurstResult{WorkerCount: workerCount, RequestedDuration: duration}
	result.StartedAt = b.clock.Now()
	for i := range workerCount {
		stats[i].hist = hdrhistogram.New(latencyMinMicros, latencyMaxMicros, latencySigFigs)
		wg.Add(1)
		go func(id int, st *workerStats) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				case <-burstCtx.Done():
					return
				default:
				}
				opStart := time.Now()
				n, err := w.IssueBatch(burstCtx, primary, b.batch)
				if err != nil {
					if burstCtx.Err() != nil {
						return
					}
					st.err = &WriteError{Worker: id, Node: primary, Err: err}
					if IsIrrecoverableWrite(err) {
						abort(st.err)
					}
					return
				}
				_ = st.hist.RecordValue(time.Since(opStart).Microseconds())
				st.records += int64(n)
				st.batches++
			}
		}(i, &stats[i])
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-b.clock.After(duration):
	case werr := <-abortCh:
		result.Aborted = true
		result.AbortCause = werr
	case <-allDone:
		b.log.Warn("all burst workers stopped before the deadline", "workers", workerCount)
	case <-ctx.Done():
		result.Aborted = true
		result.AbortCause = ctx.Err()
	}
	close(stop)
	<-allDone
	result.EndedAt = b.clock.Now()
	if !result.Aborted {
		// A worker may have aborted in the same instant the deadline fired
		// or the last worker exited.
		select {
		case werr := <-abortCh:
			result.Aborted = true
			result.AbortCause = werr
		default:
		}
	}

	total := hdrhistogram.New(latencyMinMicros, latencyMaxMicros, latencySigFigs)
	for i := range stats {
		st := &stats[i]
		result.RecordsAcknowledged += st.records
		result.Batches += st.batches
		total.Merge(st.hist)
		if st.err != nil {
			result.WriteErrors = append(result.WriteErrors, st.err)
		}
	}
	result.Latency = summarizeLatency(total)

	if result.Aborted {
		b.log.Warn("burst aborted",
			"workers", workerCount,
			"requested", duration,
			"elapsed", result.Elapsed(),
			"cause", result.AbortCause,
		)
	}

	result.AfterBurst = b.sampler.Sample(context.WithoutCancel(ctx), PhaseAfterBurst, topo.Nodes())
	p, ok := result.AfterBurst.Get(primary)
	if !ok {
		return result, primaryUnreachable(PhaseAfterBurst, primary, result.AfterBurst)
	}
	result.PrimaryRecordCountAtEnd = p.RecordCount
	return result, nil
}

func summarizeLatency(h *hdrhistogram.Histogram) LatencySummary {
	if h.TotalCount() == 0 {
		return LatencySummary{}
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencySummary{
		Count: h.TotalCount(),
		Mean:  time.Duration(h.Mean() * float64(time.Microsecond)),
		P50:   us(h.ValueAtQuantile(50)),
		P99:   us(h.ValueAtQuantile(99)),
		Max:   us(h.Max()),
	}
}
