// Package run implements the demo command that exercises the scheduler end
// to end against a small simulated workload, the way the teacher's cmd/scan
// exercises internal/worker.Pool against real scanners.
package run

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/emptyset-io/taskpool/internal/batch"
	"github.com/emptyset-io/taskpool/internal/config"
	"github.com/emptyset-io/taskpool/internal/export"
	"github.com/emptyset-io/taskpool/internal/logging"
	"github.com/emptyset-io/taskpool/internal/pool"
)

type runOptions struct {
	jobs        int
	batchSize   int
	minJitterMs int
	maxJitterMs int
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a simulated workload through the scheduler",
		Long: `Run dispatches a simulated workload through the pool scheduler and a
persistent batcher, purely to demonstrate the concurrency and frequency
limits documented by the pool and batch packages.

Examples:
  # Run the default-sized workload
  taskpool run

  # Run 200 simulated jobs through a batcher releasing 10 at a time
  taskpool run --jobs 200 --batch-size 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.jobs <= 0 {
				return fmt.Errorf("--jobs must be positive")
			}
			if opts.batchSize <= 0 {
				return fmt.Errorf("--batch-size must be positive")
			}
			return runDemo(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.jobs, "jobs", config.Config.MaxWorkers, "number of simulated jobs to run")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 5, "number of jobs released per batch")
	cmd.Flags().IntVar(&opts.minJitterMs, "min-jitter-ms", 5, "minimum simulated operation latency")
	cmd.Flags().IntVar(&opts.maxJitterMs, "max-jitter-ms", 40, "maximum simulated operation latency")

	return cmd
}

// jobResult is what each simulated operation produces: enough to report a
// per-job status line and feed the result exporter.
type jobResult struct {
	Job      int    `json:"job"`
	Worker   string `json:"worker"`
	DurationMs int64 `json:"duration_ms"`
}

// simulatedOperation sleeps a jittered duration and returns a jobResult
// naming the job and the time it took, the stand-in for real asynchronous
// work.
func simulatedOperation(job int, minMs, maxMs int) pool.Operation[jobResult] {
	return func(ctx context.Context) (jobResult, error) {
		jitter := minMs
		if maxMs > minMs {
			jitter += rand.Intn(maxMs - minMs)
		}
		start := time.Now()
		select {
		case <-time.After(time.Duration(jitter) * time.Millisecond):
		case <-ctx.Done():
			return jobResult{}, ctx.Err()
		}
		return jobResult{Job: job, Worker: fmt.Sprintf("job-%d", job), DurationMs: time.Since(start).Milliseconds()}, nil
	}
}

func runDemo(cmd *cobra.Command, opts *runOptions) error {
	p, err := pool.New(poolOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}

	group, err := buildGroup(p)
	if err != nil {
		return fmt.Errorf("failed to build group profile: %w", err)
	}

	bar := progressbar.NewOptions(opts.jobs,
		progressbar.OptionSetDescription(color.CyanString("running jobs")),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	var completed int64
	var failed int64

	batcher, err := batch.New(p, batch.Options[int, jobResult]{
		Generator: func(ctx context.Context, items []int) ([]batch.Outcome[jobResult], error) {
			outcomes := make([]batch.Outcome[jobResult], len(items))
			var wg sync.WaitGroup
			wg.Add(len(items))
			for i, job := range items {
				i, job := i, job
				go func() {
					defer wg.Done()
					result, err := simulatedOperation(job, opts.minJitterMs, opts.maxJitterMs)(ctx)
					if err != nil {
						outcomes[i] = batch.Failure[jobResult](err)
						return
					}
					outcomes[i] = batch.Value(result)
				}()
			}
			wg.Wait()
			return outcomes, nil
		},
		MaxBatchSize: &opts.batchSize,
		Groups:       []*pool.Group{group},
	})
	if err != nil {
		return fmt.Errorf("failed to create batcher: %w", err)
	}

	results := make([]jobResult, 0, opts.jobs)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(opts.jobs)

	for job := 0; job < opts.jobs; job++ {
		job := job
		go func() {
			defer wg.Done()
			result, err := batcher.GetResult(cmd.Context(), job)
			_ = bar.Add(1)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				logging.Warn("job failed", map[string]interface{}{"job": job, "error": err.Error()})
				return
			}
			atomic.AddInt64(&completed, 1)
			resultsMu.Lock()
			results = append(results, result)
			resultsMu.Unlock()
		}()
	}

	wg.Wait()
	batcher.End()
	p.Wait()

	logging.Info("run complete", map[string]interface{}{
		"completed": atomic.LoadInt64(&completed),
		"failed":    atomic.LoadInt64(&failed),
	})

	sink, err := export.NewSink(export.Config{
		Target:       config.Config.ResultExportTarget,
		Path:         config.Config.ResultExportPath,
		Bucket:       config.Config.ResultExportBucket,
		BucketRegion: config.Config.ResultExportBucketRegion,
	})
	if err != nil {
		return fmt.Errorf("failed to create export sink: %w", err)
	}
	if err := sink.Write("run-results", results); err != nil {
		return fmt.Errorf("failed to export results: %w", err)
	}

	fmt.Printf("%s %d jobs completed, %d failed\n", color.GreenString("done:"), completed, failed)
	return nil
}

// poolOptions translates the process-wide pool limit configuration into
// pool.PoolOptions. A zero value for either limit leaves it unlimited,
// matching the CLI flags' documented "0 means unlimited" behavior.
func poolOptions() []pool.PoolOption {
	var opts []pool.PoolOption
	if config.Config.PoolConcurrencyLimit > 0 {
		opts = append(opts, pool.WithConcurrencyLimit(config.Config.PoolConcurrencyLimit))
	}
	if config.Config.PoolFrequencyLimit > 0 {
		window := time.Duration(config.Config.PoolFrequencyWindowMs) * time.Millisecond
		opts = append(opts, pool.WithFrequencyLimit(config.Config.PoolFrequencyLimit, window))
	}
	return opts
}

// buildGroup turns the configured group profile (or the built-in defaults)
// into a pool.Group shared by every simulated job, the same "named profile
// -> shared limits" shape as the AWS per-API rate limit table.
func buildGroup(p *pool.Pool) (*pool.Group, error) {
	profile := config.DefaultGroupLimitConfig
	if config.Config.GroupProfile != "" {
		loaded, err := config.LoadGroupProfile("group-profiles.ini", config.Config.GroupProfile)
		if err != nil {
			return nil, err
		}
		profile.ConcurrencyLimit = loaded.ConcurrencyLimit
		profile.FrequencyLimit = loaded.FrequencyLimit
		profile.FrequencyWindow = time.Duration(loaded.FrequencyWindowMs) * time.Millisecond
	}
	return p.AddGroup(profile.ConcurrencyLimit, profile.FrequencyLimit, profile.FrequencyWindow)
}
