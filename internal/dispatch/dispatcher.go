// Package dispatch turns job submissions into durable queue entries.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"scribeq/internal/ledger"
	"scribeq/internal/models"
	"scribeq/internal/pricing"
	"scribeq/internal/routing"
	"scribeq/internal/store"
	"scribeq/internal/telemetry"
)

// SystemUser owns maintenance jobs. It is never billed.
const SystemUser int64 = 0

// JobStore is the persistence the dispatcher writes through.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	Fail(ctx context.Context, id string, errMsg string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Broker is the enqueue half of the queue fabric.
type Broker interface {
	Enqueue(ctx context.Context, jobID string, lane models.QueueClass, runAt time.Time) error
}

// Dispatcher accepts a job type + payload, resolves routing, verifies the
// user can afford the work, and publishes to the right lane. Submission is
// fire-and-forget: the caller gets a job id back immediately and observes
// the outcome through the status store.
type Dispatcher struct {
	table  routing.Table
	prices pricing.Schedule
	store  JobStore
	broker Broker
	ledger *ledger.Coordinator
}

func New(table routing.Table, prices pricing.Schedule, st JobStore, broker Broker, led *ledger.Coordinator) *Dispatcher {
	return &Dispatcher{table: table, prices: prices, store: st, broker: broker, ledger: led}
}

// Submit validates, prices, and durably enqueues a job, returning its id.
// A job id is returned if and only if the job was enqueued; on
// ErrInsufficientCredits nothing is written anywhere.
func (d *Dispatcher) Submit(ctx context.Context, jobType models.JobType, payload map[string]any, userID int64) (string, error) {
	return d.SubmitAt(ctx, jobType, payload, userID, time.Time{})
}

// SubmitAt is Submit with a deferred first run, used by the cron scheduler.
func (d *Dispatcher) SubmitAt(ctx context.Context, jobType models.JobType, payload map[string]any, userID int64, runAt time.Time) (string, error) {
	route, err := d.table.Resolve(jobType)
	if err != nil {
		return "", err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	// Preflight: fail fast before any row is written. The worker re-checks
	// under the per-user lock when it reserves.
	if userID != SystemUser {
		estimated, err := d.prices.Estimate(jobType, payload)
		if err != nil {
			return "", fmt.Errorf("estimate cost: %w", err)
		}
		if estimated > 0 {
			balance, err := d.ledger.Balance(ctx, userID)
			if err != nil {
				return "", err
			}
			if balance < estimated {
				return "", fmt.Errorf("%w: need %.2f, have %.2f", ledger.ErrInsufficientCredits, estimated, balance)
			}
		}
	}

	job, err := d.store.CreateJob(ctx, store.CreateJobParams{
		Type:       jobType,
		Queue:      route.Queue,
		UserID:     userID,
		Payload:    payload,
		MaxRetries: route.Retry.MaxRetries,
		RunAt:      runAt,
	})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if err := d.broker.Enqueue(ctx, job.ID, route.Queue, job.NextRunAt); err != nil {
		// The record exists but was never durably enqueued; the caller must
		// not receive an id for it.
		_ = d.store.Fail(ctx, job.ID, "broker enqueue failed: "+err.Error())
		_ = d.store.AppendAudit(ctx, job.ID, "enqueue_failed", err.Error())
		return "", fmt.Errorf("enqueue: %w", err)
	}

	_ = d.store.AppendAudit(ctx, job.ID, "enqueued", fmt.Sprintf("user=%d lane=%s", userID, route.Queue))
	telemetry.JobsEnqueued.WithLabelValues(string(route.Queue), string(jobType)).Inc()
	return job.ID, nil
}
