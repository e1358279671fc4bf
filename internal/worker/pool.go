package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scribeq/internal/config"
	"scribeq/internal/models"
	"scribeq/internal/telemetry"
)

// Executor runs one dequeued job to an outcome. *Processor satisfies it.
type Executor interface {
	Execute(ctx context.Context, jobID string)
}

// Reaper sweeps for jobs lost to dead workers. *Processor satisfies it.
type Reaper interface {
	ReapLost(ctx context.Context, olderThan time.Duration)
}

// Manager runs one worker pool per priority lane plus the shared
// housekeeping loop (scheduled promotion, lease reclaim, depth gauges).
// Every lane keeps at least its autoscale minimum of dedicated workers, so
// low-priority work always makes progress no matter how busy critical is.
type Manager struct {
	cfg    config.Config
	broker Broker
	exec   Executor
	reaper Reaper
	pools  []*pool
}

func NewManager(cfg config.Config, broker Broker, exec Executor, reaper Reaper) *Manager {
	lanes := models.AllQueueClasses()
	pools := make([]*pool, 0, len(lanes))
	for i, lane := range lanes {
		// A lane's workers drain their own lane first, then help with
		// strictly more urgent lanes when their own is empty.
		scan := make([]models.QueueClass, 0, i+1)
		scan = append(scan, lane)
		scan = append(scan, lanes[:i]...)
		pools = append(pools, &pool{
			lane:    lane,
			scan:    scan,
			profile: cfg.Pool,
			poll:    cfg.WorkerPollInterval,
			broker:  broker,
			exec:    exec,
		})
	}
	return &Manager{cfg: cfg, broker: broker, exec: exec, reaper: reaper, pools: pools}
}

// Run starts all pools and housekeeping, blocking until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.housekeeping(ctx) })
	for _, p := range m.pools {
		p := p
		g.Go(func() error { return p.run(ctx) })
	}
	return g.Wait()
}

func (m *Manager) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	reapEvery := 15
	tick := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := m.broker.PromoteScheduled(ctx, now, int64(m.cfg.ScheduledBatchSize)); err != nil {
			log.Printf("promote scheduled: %v", err)
		}
		if reclaimed, err := m.broker.RequeueExpired(ctx, now, 100); err != nil {
			log.Printf("requeue expired: %v", err)
		} else if len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired leases", len(reclaimed))
		}
		if depths, err := m.broker.Depths(ctx); err == nil {
			for lane, depth := range depths {
				telemetry.QueueDepth.WithLabelValues(string(lane)).Set(float64(depth))
			}
		}

		tick++
		if m.reaper != nil && tick%reapEvery == 0 {
			m.reaper.ReapLost(ctx, m.cfg.VisibilityTimeout*4)
		}
	}
}

// pool maintains between AutoscaleMin and AutoscaleMax live workers for one
// lane, sized by queue depth. A fetcher goroutine keeps a bounded prefetch
// buffer ahead of the workers; workers recycle after RecycleAfter jobs to
// cap memory growth from long-lived heterogeneous workloads.
type pool struct {
	lane    models.QueueClass
	scan    []models.QueueClass
	profile config.PoolProfile
	poll    time.Duration
	broker  Broker
	exec    Executor

	mu      sync.Mutex
	desired int
	live    int
}

func (p *pool) run(ctx context.Context) error {
	jobs := make(chan string, maxInt(1, p.profile.Prefetch))
	p.setDesired(clamp(p.profile.Concurrency, p.profile.AutoscaleMin, p.profile.AutoscaleMax))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.fetch(ctx, jobs)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	p.replenish(ctx, &wg, jobs)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.autoscale(ctx)
			p.replenish(ctx, &wg, jobs)
			telemetry.PoolWorkers.WithLabelValues(string(p.lane)).Set(float64(p.liveWorkers()))
		}
	}
}

// fetch pulls job ids into the prefetch buffer. The buffered channel bounds
// how far the pool reads ahead of its workers.
func (p *pool) fetch(ctx context.Context, jobs chan<- string) {
	defer close(jobs)
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := p.broker.Dequeue(ctx, p.scan)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
			}
			continue
		}
		select {
		case jobs <- jobID:
		case <-ctx.Done():
			return
		}
	}
}

// autoscale grows the pool when the lane backlog outruns the live workers
// and shrinks back toward the minimum when the lane is idle.
func (p *pool) autoscale(ctx context.Context) {
	depth, err := p.broker.Depth(ctx, p.lane)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case depth > int64(p.desired)*2 && p.desired < p.profile.AutoscaleMax:
		p.desired++
	case depth == 0 && p.desired > p.profile.AutoscaleMin:
		p.desired--
	}
}

// replenish spawns workers until live matches desired. Workers lost to
// recycling are replaced here on the next tick.
func (p *pool) replenish(ctx context.Context, wg *sync.WaitGroup, jobs <-chan string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.live < p.desired {
		p.live++
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, jobs)
		}()
	}
}

// worker executes jobs until cancelled, recycled, or scaled down.
func (p *pool) worker(ctx context.Context, jobs <-chan string) {
	defer func() {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
	}()

	executed := 0
	for {
		if p.surplus() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-jobs:
			if !ok {
				return
			}
			p.exec.Execute(ctx, jobID)
			executed++
			if p.profile.RecycleAfter > 0 && executed >= p.profile.RecycleAfter {
				// Recycle: exit and let replenish start a fresh worker.
				return
			}
		}
	}
}

func (p *pool) surplus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live > p.desired
}

func (p *pool) setDesired(n int) {
	p.mu.Lock()
	p.desired = n
	p.mu.Unlock()
}

func (p *pool) liveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
