package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"scribeq/internal/ledger"
	"scribeq/internal/models"
)

// ErrUserNotFound is returned when a user has no balance row.
var ErrUserNotFound = errors.New("user not found")

// Apply implements ledger.Store. The user's balance row is locked with
// SELECT ... FOR UPDATE so concurrent reservations for the same user
// serialize; cross-user mutations never contend.
func (s *Store) Apply(ctx context.Context, p ledger.ApplyParams) (models.CreditTransaction, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CreditTransaction{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var balance float64
	err = tx.QueryRow(ctx, `
		SELECT credits FROM user_balances WHERE user_id = $1 FOR UPDATE
	`, p.UserID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditTransaction{}, false, ErrUserNotFound
	}
	if err != nil {
		return models.CreditTransaction{}, false, wrapPgErr("lock balance", err)
	}

	if p.JobID != "" {
		// Idempotent replay: the effect already applied on a previous delivery.
		if existing, found, err := s.jobTransaction(ctx, tx, p.JobID, p.Kind); err != nil {
			return models.CreditTransaction{}, false, err
		} else if found {
			return existing, false, nil
		}
		if p.ConflictKind != "" {
			if _, found, err := s.jobTransaction(ctx, tx, p.JobID, p.ConflictKind); err != nil {
				return models.CreditTransaction{}, false, err
			} else if found {
				return models.CreditTransaction{}, false, ledger.ErrConflictingOutcome
			}
		}
	}

	after := balance + p.Amount
	if p.RequireNonNegative && after < 0 {
		return models.CreditTransaction{}, false, ledger.ErrInsufficientCredits
	}

	txn := models.CreditTransaction{
		ID:            uuid.New().String(),
		UserID:        p.UserID,
		Amount:        p.Amount,
		OperationType: p.OperationType,
		Kind:          p.Kind,
		BalanceAfter:  after,
		CreatedAt:     time.Now().UTC(),
	}
	if p.JobID != "" {
		jobID := p.JobID
		txn.RelatedJobID = &jobID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, operation_type, related_job_id, kind, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, txn.ID, txn.UserID, txn.Amount, txn.OperationType, txn.RelatedJobID, txn.Kind, txn.BalanceAfter, txn.CreatedAt)
	if err != nil {
		// Unique (related_job_id, kind) lost a race with another worker.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.CreditTransaction{}, false, ledger.ErrContention
		}
		return models.CreditTransaction{}, false, wrapPgErr("insert transaction", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE user_balances SET credits = $2 WHERE user_id = $1
	`, p.UserID, after); err != nil {
		return models.CreditTransaction{}, false, wrapPgErr("update balance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.CreditTransaction{}, false, wrapPgErr("commit", err)
	}
	return txn, true, nil
}

// Transaction implements ledger.Store.
func (s *Store) Transaction(ctx context.Context, jobID string, kind models.MutationKind) (models.CreditTransaction, bool, error) {
	return s.jobTransaction(ctx, s.pool, jobID, kind)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) jobTransaction(ctx context.Context, q queryer, jobID string, kind models.MutationKind) (models.CreditTransaction, bool, error) {
	var txn models.CreditTransaction
	err := q.QueryRow(ctx, `
		SELECT id, user_id, amount, operation_type, related_job_id, kind, balance_after, created_at
		FROM credit_transactions WHERE related_job_id = $1 AND kind = $2
	`, jobID, kind).Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.OperationType, &txn.RelatedJobID, &txn.Kind, &txn.BalanceAfter, &txn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditTransaction{}, false, nil
	}
	if err != nil {
		return models.CreditTransaction{}, false, fmt.Errorf("query transaction: %w", err)
	}
	return txn, true, nil
}

// Balance implements ledger.Store.
func (s *Store) Balance(ctx context.Context, userID int64) (float64, error) {
	var credits float64
	err := s.pool.QueryRow(ctx, `
		SELECT credits FROM user_balances WHERE user_id = $1
	`, userID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return credits, nil
}

// EnsureUser creates the balance row for a new user if absent. Returns true
// when the row was created (the caller then applies the starting grant).
func (s *Store) EnsureUser(ctx context.Context, userID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO user_balances (user_id, credits)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListTransactions returns a user's ledger entries, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount, operation_type, related_job_id, kind, balance_after, created_at
		FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.CreditTransaction
	for rows.Next() {
		var txn models.CreditTransaction
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.OperationType, &txn.RelatedJobID, &txn.Kind, &txn.BalanceAfter, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// UsageRow aggregates one user's ledger activity over a reporting window.
type UsageRow struct {
	UserID       int64   `json:"user_id"`
	Debited      float64 `json:"debited"`
	Refunded     float64 `json:"refunded"`
	Transactions int64   `json:"transactions"`
}

// UsageSummary aggregates ledger activity since a cutoff, per user. Backs
// the usage_report maintenance job.
func (s *Store) UsageSummary(ctx context.Context, since time.Time) ([]UsageRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id,
		       COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0) AS debited,
		       COALESCE(SUM(amount) FILTER (WHERE kind = $2), 0) AS refunded,
		       COUNT(*)
		FROM credit_transactions
		WHERE created_at >= $1
		GROUP BY user_id
		ORDER BY debited DESC
	`, since, models.MutationRefund)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.UserID, &r.Debited, &r.Refunded, &r.Transactions); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func wrapPgErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Serialization and deadlock failures are transient; let the
		// coordinator retry them.
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%s: %w", op, ledger.ErrContention)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
