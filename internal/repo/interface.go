package repo

import (
	"context"
	"io/fs"
)

// Repository defines the interface for deposit persistence. All state
// transitions are conditional updates scoped to explicit id sets, so a
// snapshot taken by the settlement engine is never corrupted by deposits
// created concurrently.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Deposits
	CreateDeposit(ctx context.Context, ownerRef, recipientAddress string) (*Deposit, error)
	GetDepositByMemo(ctx context.Context, m string) (*Deposit, error)
	ListRecentByOwner(ctx context.Context, ownerRef string, limit int) ([]Deposit, error)
	SetAmount(ctx context.Context, id string, amount int64) error

	// Settlement transitions
	ListPending(ctx context.Context) ([]Deposit, error)
	ListBatched(ctx context.Context) ([]Deposit, error)
	MarkBatched(ctx context.Context, ids []string) error
	MarkSettled(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string, reason string) error
	Requeue(ctx context.Context, ids []string, maxAttempts int) (failed []string, err error)
}
