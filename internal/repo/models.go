package repo

import "time"

// Deposit statuses. Transitions run forward only:
// pending -> batched -> settled | failed. A batched deposit may be
// requeued to pending by the settlement engine until its attempt
// ceiling, after which it goes terminal.
const (
	StatusPending = "pending"
	StatusBatched = "batched"
	StatusSettled = "settled"
	StatusFailed  = "failed"
)

// Failure reasons recorded on terminal deposits.
const (
	FailureInsufficientAmount = "insufficient_amount"
	FailureRetryCeiling       = "retry_ceiling_exceeded"
)

// Deposit represents a row in the deposits table: one user-initiated
// deposit intent, correlated to inbound funds by its memo.
type Deposit struct {
	ID               string
	OwnerRef         string
	RecipientAddress string
	Amount           int64
	Memo             string
	Status           string
	Attempts         int
	FailureReason    *string
	CreatedAt        time.Time
	ProcessedAt      *time.Time
}
