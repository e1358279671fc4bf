package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scribeq/internal/models"
)

// ErrInsufficientCredits rejects a reservation the user cannot cover.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrContention signals a transient serialization failure inside the store.
// The coordinator retries these a bounded number of times before giving up.
var ErrContention = errors.New("ledger contention")

// ErrConflictingOutcome means the opposite terminal effect was already
// applied for the job (finalize after refund, or refund after finalize).
var ErrConflictingOutcome = errors.New("conflicting ledger outcome for job")

// ApplyParams describes one ledger mutation. The store applies it atomically
// under a per-user lock: read balance, dedupe by (JobID, Kind), enforce the
// non-negative check, insert the transaction, update the balance.
type ApplyParams struct {
	UserID        int64
	JobID         string
	Kind          models.MutationKind
	Amount        float64
	OperationType string
	// RequireNonNegative rejects the mutation with ErrInsufficientCredits
	// if it would push the balance below zero.
	RequireNonNegative bool
	// ConflictKind, when set, rejects the mutation with
	// ErrConflictingOutcome if a transaction of that kind already exists
	// for the same job.
	ConflictKind models.MutationKind
}

// Store is the persistence boundary for the ledger. The Postgres
// implementation lives in internal/store; tests use an in-memory fake.
type Store interface {
	// Apply executes one mutation atomically. The returned bool is false
	// when an identical (JobID, Kind) row already existed and the call was
	// an idempotent no-op.
	Apply(ctx context.Context, p ApplyParams) (models.CreditTransaction, bool, error)
	// Transaction looks up the ledger row for (jobID, kind).
	Transaction(ctx context.Context, jobID string, kind models.MutationKind) (models.CreditTransaction, bool, error)
	// Balance returns the user's current spendable credits.
	Balance(ctx context.Context, userID int64) (float64, error)
}

// Reservation is the handle returned by Reserve and consumed by exactly one
// of Finalize or Refund. Amount is the estimated cost that was debited.
type Reservation struct {
	JobID         string
	UserID        int64
	Amount        float64
	OperationType string
}

// Coordinator enforces the billing contract around job execution: every
// billable job produces reserve -> finalize on success or reserve -> refund
// on terminal failure, never both, never neither.
type Coordinator struct {
	store      Store
	retries    int
	retryDelay time.Duration
}

// NewCoordinator wraps a store. retries bounds how often transient
// contention is retried before surfacing an error.
func NewCoordinator(store Store, retries int, retryDelay time.Duration) *Coordinator {
	if retries < 1 {
		retries = 1
	}
	return &Coordinator{store: store, retries: retries, retryDelay: retryDelay}
}

// Balance reads the user's current credits. Used by the dispatcher for its
// submit-time preflight check.
func (c *Coordinator) Balance(ctx context.Context, userID int64) (float64, error) {
	return c.store.Balance(ctx, userID)
}

// Reserve debits the estimated cost up front. Replays for the same job are
// no-ops that return the original reservation, so redelivered jobs cannot
// double-debit.
func (c *Coordinator) Reserve(ctx context.Context, userID int64, jobID string, estimated float64, opType string) (Reservation, error) {
	if estimated < 0 {
		return Reservation{}, fmt.Errorf("negative reservation amount %f", estimated)
	}
	res := Reservation{JobID: jobID, UserID: userID, Amount: estimated, OperationType: opType}
	if estimated == 0 {
		return res, nil
	}
	_, _, err := c.apply(ctx, ApplyParams{
		UserID:             userID,
		JobID:              jobID,
		Kind:               models.MutationReserve,
		Amount:             -estimated,
		OperationType:      opType,
		RequireNonNegative: true,
	})
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// Finalize settles a successful job against its measured actual cost. The
// correcting entry is actual-vs-estimate: a partial refund when the estimate
// was high, an additional debit when it was low, zero when they match.
func (c *Coordinator) Finalize(ctx context.Context, res Reservation, actual float64) (models.CreditTransaction, error) {
	if actual < 0 {
		actual = 0
	}
	if res.Amount == 0 && actual == 0 {
		return models.CreditTransaction{}, nil
	}
	txn, _, err := c.apply(ctx, ApplyParams{
		UserID:        res.UserID,
		JobID:         res.JobID,
		Kind:          models.MutationFinalize,
		Amount:        res.Amount - actual,
		OperationType: res.OperationType,
		ConflictKind:  models.MutationRefund,
	})
	return txn, err
}

// Refund reverses the reservation in full after a terminal failure,
// restoring the balance to its pre-reservation value net of any unrelated
// concurrent activity.
func (c *Coordinator) Refund(ctx context.Context, res Reservation) (models.CreditTransaction, error) {
	if res.Amount == 0 {
		return models.CreditTransaction{}, nil
	}
	txn, _, err := c.apply(ctx, ApplyParams{
		UserID:        res.UserID,
		JobID:         res.JobID,
		Kind:          models.MutationRefund,
		Amount:        res.Amount,
		OperationType: res.OperationType,
		ConflictKind:  models.MutationFinalize,
	})
	return txn, err
}

// Grant credits a user outside the job lifecycle (registration grant, admin
// top-up). Grants are not deduplicated.
func (c *Coordinator) Grant(ctx context.Context, userID int64, amount float64, opType string) (models.CreditTransaction, error) {
	if amount <= 0 {
		return models.CreditTransaction{}, fmt.Errorf("grant amount must be positive, got %f", amount)
	}
	txn, _, err := c.apply(ctx, ApplyParams{
		UserID:        userID,
		Kind:          models.MutationGrant,
		Amount:        amount,
		OperationType: opType,
	})
	return txn, err
}

// Reservation rebuilds a reservation handle from the ledger, for workers
// settling a job whose reserve happened on a previous delivery.
func (c *Coordinator) Reservation(ctx context.Context, userID int64, jobID string, opType string) (Reservation, bool, error) {
	txn, found, err := c.store.Transaction(ctx, jobID, models.MutationReserve)
	if err != nil {
		return Reservation{}, false, err
	}
	if !found {
		return Reservation{}, false, nil
	}
	return Reservation{JobID: jobID, UserID: userID, Amount: -txn.Amount, OperationType: opType}, true, nil
}

func (c *Coordinator) apply(ctx context.Context, p ApplyParams) (models.CreditTransaction, bool, error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		txn, applied, err := c.store.Apply(ctx, p)
		if err == nil {
			return txn, applied, nil
		}
		if !errors.Is(err, ErrContention) {
			return models.CreditTransaction{}, false, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return models.CreditTransaction{}, false, ctx.Err()
		case <-time.After(c.retryDelay * time.Duration(attempt+1)):
		}
	}
	return models.CreditTransaction{}, false, fmt.Errorf("ledger apply after %d attempts: %w", c.retries, lastErr)
}
