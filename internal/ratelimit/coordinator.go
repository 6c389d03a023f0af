package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"
)

// WorkerClass partitions the effective budget between producers.
type WorkerClass string

const (
	ClassTrading  WorkerClass = "trading"
	ClassScanner  WorkerClass = "scanner"
	ClassAnalysis WorkerClass = "analysis"
)

// Priority orders backoff severity between classes.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

type classProfile struct {
	priority Priority
	fraction float64
	backoff  time.Duration
	workers  int
}

// Budget split: trading 40% HIGH, scanner 40% MEDIUM, analysis 20% LOW.
var classProfiles = map[WorkerClass]classProfile{
	ClassTrading:  {priority: PriorityHigh, fraction: 0.40, backoff: 100 * time.Millisecond, workers: 4},
	ClassScanner:  {priority: PriorityMedium, fraction: 0.40, backoff: 200 * time.Millisecond, workers: 4},
	ClassAnalysis: {priority: PriorityLow, fraction: 0.20, backoff: 500 * time.Millisecond, workers: 2},
}

// workerRecord tracks one registered worker's recent request volume.
type workerRecord struct {
	id          string
	class       WorkerClass
	requests    []time.Time
	lastRequest time.Time
}

// Coordinator divides the limiter's effective budget between worker
// classes. It never admits on its own: callers still go through
// Limiter.Acquire for every request.
type Coordinator struct {
	limiter *Limiter
	window  time.Duration

	mu      sync.Mutex
	workers map[string]*workerRecord

	pools map[WorkerClass]*pond.WorkerPool
	log   zerolog.Logger
	rand  *rand.Rand
}

// NewCoordinator builds the coordinator and one bounded pond pool per
// worker class so CPU-side work in a low class cannot starve trading.
func NewCoordinator(limiter *Limiter, logger zerolog.Logger) *Coordinator {
	pools := make(map[WorkerClass]*pond.WorkerPool, len(classProfiles))
	for class, prof := range classProfiles {
		pools[class] = pond.New(prof.workers, 256,
			pond.MinWorkers(1),
			pond.IdleTimeout(30*time.Second),
			pond.Strategy(pond.Balanced()),
		)
	}
	return &Coordinator{
		limiter: limiter,
		window:  10 * time.Second,
		workers: make(map[string]*workerRecord),
		pools:   pools,
		log:     logger.With().Str("component", "coordinator").Logger(),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds a worker to its class. Re-registering the same id
// resets its request history.
func (c *Coordinator) Register(workerID string, class WorkerClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[workerID] = &workerRecord{id: workerID, class: class}
	c.log.Debug().Str("worker", workerID).Str("class", string(class)).Msg("worker registered")
}

// Unregister removes a worker.
func (c *Coordinator) Unregister(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, workerID)
}

// RequestPermission applies class-budget backoff when the worker's
// request volume over the trailing window exceeds its share of the
// effective limit, then records the request. The caller must still call
// Limiter.Acquire afterwards.
func (c *Coordinator) RequestPermission(ctx context.Context, workerID string, cat Category) error {
	c.mu.Lock()
	rec, ok := c.workers[workerID]
	if !ok {
		rec = &workerRecord{id: workerID, class: ClassAnalysis}
		c.workers[workerID] = rec
	}
	prof := classProfiles[rec.class]

	now := time.Now()
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(rec.requests) && !rec.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rec.requests = append(rec.requests[:0], rec.requests[i:]...)
	}

	classBudget := int(float64(c.limiter.EffectiveLimit(cat)) * prof.fraction)
	if classBudget < 1 {
		classBudget = 1
	}
	over := len(rec.requests) >= classBudget
	var backoff time.Duration
	if over {
		// uniform(0.8, 1.2) jitter around the class backoff
		backoff = time.Duration(float64(prof.backoff) * (0.8 + c.rand.Float64()*0.4))
	}
	rec.requests = append(rec.requests, now)
	rec.lastRequest = now
	c.mu.Unlock()

	if over {
		c.log.Debug().
			Str("worker", workerID).
			Str("class", string(rec.class)).
			Str("category", string(cat)).
			Dur("backoff", backoff).
			Msg("class budget exceeded")
		return sleepCtx(ctx, backoff)
	}
	return nil
}

// Pool returns the pond pool for a worker class.
func (c *Coordinator) Pool(class WorkerClass) *pond.WorkerPool {
	return c.pools[class]
}

// CoordinatorStats summarizes registered workers and pool occupancy.
type CoordinatorStats struct {
	Workers     int                    `json:"workers"`
	ByClass     map[WorkerClass]int    `json:"by_class"`
	PoolRunning map[WorkerClass]int    `json:"pool_running"`
	PoolWaiting map[WorkerClass]uint64 `json:"pool_waiting"`
}

// Stats snapshots coordinator membership and pool state.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	byClass := make(map[WorkerClass]int)
	for _, rec := range c.workers {
		byClass[rec.class]++
	}
	n := len(c.workers)
	c.mu.Unlock()

	running := make(map[WorkerClass]int, len(c.pools))
	waiting := make(map[WorkerClass]uint64, len(c.pools))
	for class, p := range c.pools {
		running[class] = p.RunningWorkers()
		waiting[class] = p.WaitingTasks()
	}
	return CoordinatorStats{Workers: n, ByClass: byClass, PoolRunning: running, PoolWaiting: waiting}
}

// Shutdown drains the class pools, waiting for submitted work.
func (c *Coordinator) Shutdown() {
	for _, p := range c.pools {
		p.StopAndWait()
	}
}
