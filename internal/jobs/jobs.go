// Package jobs runs the bot's recurring maintenance on a cron
// scheduler: universe revalidation, cache sweeps, the risk tick and
// the daily session rollover. Jobs are registered by name, panic
// isolated, and skipped if the previous run is still going.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/metrics"
)

// Job is one named recurring task. Schedule takes the cron v3 syntax,
// standard five fields or descriptors like "@every 5m". A zero Timeout
// runs under the scheduler's base context unbounded.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Result is one job's execution record.
type Result struct {
	Job        string    `json:"job"`
	Schedule   string    `json:"schedule"`
	Runs       uint64    `json:"runs"`
	Failures   uint64    `json:"failures"`
	LastStart  time.Time `json:"last_start"`
	LastMS     int64     `json:"last_ms"`
	LastError  string    `json:"last_error,omitempty"`
	LastOK     bool      `json:"last_ok"`
}

// Runner owns the cron scheduler and the per-job records.
type Runner struct {
	cron    *cron.Cron
	log     zerolog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	baseCtx context.Context
	jobs    map[string]Job
	results map[string]*Result
	started bool
}

// New builds an empty runner. The metrics registry may be nil.
func New(logger zerolog.Logger, m *metrics.Registry) *Runner {
	r := &Runner{
		log:     logger.With().Str("component", "jobs").Logger(),
		metrics: m,
		baseCtx: context.Background(),
		jobs:    make(map[string]Job),
		results: make(map[string]*Result),
	}
	cl := cronLog{log: r.log}
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cl)))
	return r
}

// Add registers a job. Names must be unique; the schedule is parsed
// eagerly so a typo fails at wiring time, not at midnight.
func (r *Runner) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errs.Validationf("job needs a name and a run func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[j.Name]; dup {
		return errs.Validationf("job %q already registered", j.Name)
	}

	job := j
	if _, err := r.cron.AddFunc(j.Schedule, func() { r.invoke(job) }); err != nil {
		return fmt.Errorf("schedule %q for job %q: %w", j.Schedule, j.Name, err)
	}
	r.jobs[j.Name] = job
	r.results[j.Name] = &Result{Job: j.Name, Schedule: j.Schedule}
	r.log.Info().Str("job", j.Name).Str("schedule", j.Schedule).Msg("Job registered")
	return nil
}

// Start begins scheduling. ctx becomes the base context every job run
// derives from; when it ends the runner stops and waits for running
// jobs.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.baseCtx = ctx
	r.mu.Unlock()

	r.cron.Start()
	r.log.Info().Int("jobs", len(r.jobs)).Msg("Job runner started")

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.log.Info().Msg("Job runner stopped")
}

// RunNow executes a registered job immediately, outside its schedule.
func (r *Runner) RunNow(name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return errs.Validationf("unknown job %q", name)
	}
	r.log.Info().Str("job", name).Msg("Running job on demand")
	return r.invoke(j)
}

// Results snapshots every job's record, sorted by name.
func (r *Runner) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Job < out[k].Job })
	return out
}

// invoke runs one job with panic isolation and records the outcome.
func (r *Runner) invoke(j Job) (err error) {
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()

	var cancel context.CancelFunc
	if j.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	var timer *metrics.StepTimer
	if r.metrics != nil {
		timer = r.metrics.StartStepTimer("job_" + j.Name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %q panicked: %v", j.Name, rec)
			r.log.Error().
				Str("job", j.Name).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Job panicked")
		}
		r.record(j.Name, start, err)
		if timer != nil {
			if err != nil {
				timer.Stop("error")
			} else {
				timer.Stop("ok")
			}
		}
	}()

	r.log.Debug().Str("job", j.Name).Msg("Running job")
	if err = j.Run(ctx); err != nil {
		r.log.Error().Err(err).Str("job", j.Name).Msg("Job failed")
		return err
	}
	r.log.Debug().Str("job", j.Name).Dur("elapsed", time.Since(start)).Msg("Job completed")
	return nil
}

func (r *Runner) record(name string, start time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[name]
	if !ok {
		return
	}
	res.Runs++
	res.LastStart = start.UTC()
	res.LastMS = time.Since(start).Milliseconds()
	res.LastOK = err == nil
	res.LastError = ""
	if err != nil {
		res.Failures++
		res.LastError = err.Error()
	}
}

// cronLog adapts zerolog to the cron.Logger interface. Scheduling
// chatter lands at debug, real errors at error.
type cronLog struct {
	log zerolog.Logger
}

func (l cronLog) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLog) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}
