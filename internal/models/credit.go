package models

import "time"

// MutationKind distinguishes the ledger effects a job can produce. Rows are
// deduplicated by (related_job_id, kind) so redelivered work cannot apply the
// same effect twice.
type MutationKind string

const (
	MutationReserve  MutationKind = "reserve"
	MutationFinalize MutationKind = "finalize"
	MutationRefund   MutationKind = "refund"
	MutationGrant    MutationKind = "grant"
)

// CreditTransaction is an append-only ledger entry. Amount is signed:
// negative debits, positive credits back. BalanceAfter snapshots the user's
// balance immediately after the entry applied.
type CreditTransaction struct {
	ID            string       `json:"id"`
	UserID        int64        `json:"user_id"`
	Amount        float64      `json:"amount"`
	OperationType string       `json:"operation_type"`
	RelatedJobID  *string      `json:"related_job_id,omitempty"`
	Kind          MutationKind `json:"kind"`
	BalanceAfter  float64      `json:"balance_after"`
	CreatedAt     time.Time    `json:"created_at"`
}

// UserBalance is the current spendable balance, derived from the transaction
// log. It always equals the BalanceAfter of the user's latest transaction.
type UserBalance struct {
	UserID  int64   `json:"user_id"`
	Credits float64 `json:"credits"`
}
