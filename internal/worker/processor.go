package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"scribeq/internal/config"
	"scribeq/internal/ledger"
	"scribeq/internal/models"
	"scribeq/internal/pricing"
	"scribeq/internal/routing"
	"scribeq/internal/status"
	"scribeq/internal/telemetry"
)

// ProgressFunc reports handler progress. Implementations are cheap and safe
// to call often.
type ProgressFunc func(percent int, message string)

// Result is what a handler produces on success. BilledUnits is measured in
// the job type's pricing unit (minutes of audio, characters/1000, ignored
// for flat-fee and free types) and drives the ledger finalize correction.
type Result struct {
	Output      map[string]any
	BilledUnits float64
}

// Handler executes one job type.
type Handler func(ctx context.Context, job models.Job, report ProgressFunc) (Result, error)

// Broker is the worker-side surface of the queue fabric.
type Broker interface {
	Dequeue(ctx context.Context, scan []models.QueueClass) (string, error)
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, lane models.QueueClass, runAt time.Time) error
	Retry(ctx context.Context, jobID string, lane models.QueueClass, runAt time.Time) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	DLQPush(ctx context.Context, jobID string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context, lane models.QueueClass) (int64, error)
	Depths(ctx context.Context) (map[models.QueueClass]int64, error)
}

// OpsStore records lifecycle events and answers operational sweeps.
type OpsStore interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	StaleRunning(ctx context.Context, cutoff time.Time) ([]models.Job, error)
}

// Processor wraps every job execution with the retry/backoff contract and
// the ledger's reserve/finalize/refund sequence. Handlers only run work;
// the processor owns all outcome bookkeeping.
type Processor struct {
	cfg      config.Config
	table    routing.Table
	prices   pricing.Schedule
	broker   Broker
	rec      *status.Recorder
	ledger   *ledger.Coordinator
	audit    OpsStore
	handlers map[models.JobType]Handler
}

func NewProcessor(cfg config.Config, table routing.Table, prices pricing.Schedule, broker Broker, rec *status.Recorder, led *ledger.Coordinator, audit OpsStore) *Processor {
	return &Processor{
		cfg:      cfg,
		table:    table,
		prices:   prices,
		broker:   broker,
		rec:      rec,
		ledger:   led,
		audit:    audit,
		handlers: make(map[models.JobType]Handler),
	}
}

// Register binds a handler to a job type.
func (p *Processor) Register(jobType models.JobType, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	p.handlers[jobType] = h
}

// Execute runs one dequeued job to an outcome: success, scheduled retry, or
// terminal failure. It never returns handler errors; submission is
// fire-and-forget and callers observe outcomes via the status store.
func (p *Processor) Execute(ctx context.Context, jobID string) {
	job, err := p.rec.Get(ctx, jobID)
	if err != nil {
		// Row is gone (purged or never committed); drop the delivery.
		_ = p.broker.Ack(ctx, jobID)
		return
	}

	route, err := p.table.Resolve(job.Type)
	if err != nil {
		// Startup validation makes this unreachable for our own
		// submissions; a foreign row is terminally failed, not retried.
		_ = p.rec.Fail(ctx, job.ID, err.Error())
		_ = p.broker.Ack(ctx, jobID)
		return
	}

	if !route.Retry.AckLate {
		// At-most-once lane: remove from the broker before running, so a
		// worker crash loses the job instead of redelivering it.
		_ = p.broker.Ack(ctx, jobID)
	}

	if job.State.Terminal() {
		// Redelivery of an already-settled job (ack lost after a crash).
		// Make sure exactly one ledger outcome exists, then drop it.
		p.settleOutstanding(ctx, job)
		if route.Retry.AckLate {
			_ = p.broker.Ack(ctx, jobID)
		}
		return
	}

	if err := p.rec.Start(ctx, job.ID); err != nil {
		log.Printf("job %s: mark running: %v", job.ID, err)
	}
	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	res, reserveErr := p.reserve(ctx, job)
	if reserveErr != nil {
		// Nothing was debited, so there is nothing to refund.
		_ = p.rec.Fail(ctx, job.ID, reserveErr.Error())
		_ = p.audit.AppendAudit(ctx, job.ID, "reserve_failed", reserveErr.Error())
		_ = p.broker.DLQPush(ctx, job.ID)
		if route.Retry.AckLate {
			_ = p.broker.Ack(ctx, job.ID)
		}
		telemetry.JobsDeadLettered.WithLabelValues(string(route.Queue)).Inc()
		return
	}

	result, execErr := p.runWithLimits(ctx, job, route)
	if execErr == nil {
		p.succeed(ctx, job, route, res, result)
		return
	}
	p.handleFailure(ctx, job, route, res, execErr)
}

// reserve debits the estimated cost before execution. Replays are no-ops.
func (p *Processor) reserve(ctx context.Context, job models.Job) (ledger.Reservation, error) {
	if job.UserID == 0 {
		return ledger.Reservation{JobID: job.ID}, nil
	}
	estimated, err := p.prices.Estimate(job.Type, job.Payload)
	if err != nil {
		return ledger.Reservation{}, fmt.Errorf("estimate cost: %w", err)
	}
	res, err := p.ledger.Reserve(ctx, job.UserID, job.ID, estimated, string(job.Type))
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return ledger.Reservation{}, fmt.Errorf("reserve %.2f credits: %w", estimated, err)
		}
		return ledger.Reservation{}, fmt.Errorf("reserve: %w", err)
	}
	telemetry.CreditsReserved.Add(res.Amount)
	return res, nil
}

// runWithLimits executes the handler under the route's time limits. The soft
// limit logs a warning and the handler context carries the hard deadline, so
// well-behaved handlers can wind down gracefully; at the hard limit the job
// is abandoned and treated as a retriable failure.
func (p *Processor) runWithLimits(ctx context.Context, job models.Job, route routing.Route) (Result, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return Result{}, Terminal(fmt.Errorf("no handler registered for type %q", job.Type))
	}

	runCtx, cancel := context.WithTimeout(ctx, route.HardTimeLimit)
	defer cancel()

	// Long work outlives the broker lease; keep the lease ahead of the
	// hard limit so the reclaim sweep does not redeliver a live job.
	if route.Retry.AckLate && route.HardTimeLimit > p.cfg.VisibilityTimeout {
		_ = p.broker.ExtendLease(ctx, job.ID, route.HardTimeLimit)
	}

	soft := time.AfterFunc(route.SoftTimeLimit, func() {
		log.Printf("job %s (%s): exceeded soft time limit %s", job.ID, job.Type, route.SoftTimeLimit)
	})
	defer soft.Stop()

	report := func(percent int, message string) {
		_ = p.rec.Progress(ctx, job.ID, percent, message)
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(runCtx, job, report)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Shutdown, not a timeout. Ack-late jobs are redelivered.
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("hard time limit %s exceeded", route.HardTimeLimit)
	}
}

// succeed settles the ledger before marking the terminal state, so a crash
// in between is recovered by settleOutstanding on redelivery rather than
// leaving a reservation with no outcome.
func (p *Processor) succeed(ctx context.Context, job models.Job, route routing.Route, res ledger.Reservation, result Result) {
	actual := p.prices.Cost(job.Type, result.BilledUnits)
	// A zero estimate still settles when real work was measured: finalize
	// debits the full actual cost against the empty reservation.
	if job.UserID != 0 && (res.Amount > 0 || actual > 0) {
		if _, err := p.ledger.Finalize(ctx, res, actual); err != nil {
			log.Printf("job %s: finalize ledger: %v", job.ID, err)
		}
	}
	if result.Output == nil {
		result.Output = map[string]any{}
	}
	// Persisted so a redelivered success can recompute its settlement.
	result.Output["billed_units"] = result.BilledUnits
	if err := p.rec.Complete(ctx, job.ID, result.Output); err != nil {
		log.Printf("job %s: mark succeeded: %v", job.ID, err)
	}
	_ = p.audit.AppendAudit(ctx, job.ID, "succeeded", fmt.Sprintf("billed_units=%.3f actual_cost=%.3f", result.BilledUnits, actual))
	if route.Retry.AckLate {
		_ = p.broker.Ack(ctx, job.ID)
	}
	telemetry.JobsSucceeded.WithLabelValues(string(route.Queue)).Inc()
}

// handleFailure decides retry versus terminal failure. Terminal failures
// refund the full reservation; retries re-enter the same lane after backoff.
func (p *Processor) handleFailure(ctx context.Context, job models.Job, route routing.Route, res ledger.Reservation, execErr error) {
	attempts := job.Attempts + 1
	terminal := IsTerminal(execErr) || attempts > route.Retry.MaxRetries

	if !terminal {
		delay := Backoff(route.Retry, job.Attempts)
		nextRun := time.Now().Add(delay)
		if err := p.rec.Retrying(ctx, job.ID, attempts, nextRun, execErr.Error()); err != nil {
			log.Printf("job %s: mark retrying: %v", job.ID, err)
		}
		if route.Retry.AckLate {
			// One broker operation: releasing the lease with a separate Ack
			// would drop the lane meta and the retry would promote into the
			// default lane.
			_ = p.broker.Retry(ctx, job.ID, route.Queue, nextRun)
		} else {
			_ = p.broker.Schedule(ctx, job.ID, route.Queue, nextRun)
		}
		_ = p.audit.AppendAudit(ctx, job.ID, "retry_scheduled",
			fmt.Sprintf("attempt=%d next_run=%s error=%s", attempts, nextRun.UTC().Format(time.RFC3339), execErr))
		log.Printf("job %s (%s): attempt %d failed, retrying in %s: %v", job.ID, job.Type, attempts, delay.Round(time.Millisecond), execErr)
		telemetry.JobsRetried.WithLabelValues(string(route.Queue)).Inc()
		return
	}

	if job.UserID != 0 && res.Amount > 0 {
		if txn, err := p.ledger.Refund(ctx, res); err != nil {
			log.Printf("job %s: refund ledger: %v", job.ID, err)
		} else if txn.ID != "" {
			telemetry.CreditsRefunded.Add(txn.Amount)
		}
	}
	if err := p.rec.Fail(ctx, job.ID, execErr.Error()); err != nil {
		log.Printf("job %s: mark failed: %v", job.ID, err)
	}
	_ = p.broker.DLQPush(ctx, job.ID)
	if route.Retry.AckLate {
		_ = p.broker.Ack(ctx, job.ID)
	}
	_ = p.audit.AppendAudit(ctx, job.ID, "failed",
		fmt.Sprintf("attempt=%d error=%s", attempts, execErr))
	log.Printf("job %s (%s): terminally failed after attempt %d: %v", job.ID, job.Type, attempts, execErr)
	telemetry.JobsDeadLettered.WithLabelValues(string(route.Queue)).Inc()
}

// ReapLost sweeps jobs stuck in running state longer than olderThan. For
// ack-late lanes the broker's lease reclaim already redelivers them, so only
// ack-early (at-most-once) jobs are affected: their executing worker died
// after the early ack, the delivery is gone, and the job is terminally
// failed with a refund plus an operational alert.
func (p *Processor) ReapLost(ctx context.Context, olderThan time.Duration) {
	stale, err := p.audit.StaleRunning(ctx, time.Now().Add(-olderThan))
	if err != nil {
		log.Printf("scan stale running jobs: %v", err)
		return
	}
	for _, job := range stale {
		route, err := p.table.Resolve(job.Type)
		if err != nil || route.Retry.AckLate {
			continue
		}
		if job.UserID != 0 {
			if res, found, err := p.ledger.Reservation(ctx, job.UserID, job.ID, string(job.Type)); err == nil && found {
				if _, err := p.ledger.Refund(ctx, res); err != nil && !errors.Is(err, ledger.ErrConflictingOutcome) {
					log.Printf("job %s: refund lost job: %v", job.ID, err)
				}
			}
		}
		_ = p.rec.Fail(ctx, job.ID, "worker lost: executing process died without acknowledging completion")
		_ = p.audit.AppendAudit(ctx, job.ID, "worker_lost", "at-most-once delivery, job not redelivered")
		log.Printf("job %s (%s): worker lost, job not redelivered", job.ID, job.Type)
		telemetry.JobsLost.Inc()
	}
}

// settleOutstanding closes the ledger for a terminal job whose previous
// delivery crashed between settling and acking. Idempotency by
// (job_id, kind) makes this safe to run any number of times.
func (p *Processor) settleOutstanding(ctx context.Context, job models.Job) {
	if job.UserID == 0 {
		return
	}
	res, found, err := p.ledger.Reservation(ctx, job.UserID, job.ID, string(job.Type))
	if err != nil || !found {
		return
	}
	switch job.State {
	case models.StateSucceeded:
		actual := res.Amount
		if units, ok := job.Result["billed_units"].(float64); ok {
			actual = p.prices.Cost(job.Type, units)
		}
		if _, err := p.ledger.Finalize(ctx, res, actual); err != nil && !errors.Is(err, ledger.ErrConflictingOutcome) {
			log.Printf("job %s: settle finalize: %v", job.ID, err)
		}
	case models.StateFailed:
		if _, err := p.ledger.Refund(ctx, res); err != nil && !errors.Is(err, ledger.ErrConflictingOutcome) {
			log.Printf("job %s: settle refund: %v", job.ID, err)
		}
	}
}
