package repo

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides typed access to the deposits ledger on Postgres.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

const depositColumns = `id, owner_ref, recipient_address, amount, memo, status, attempts, failure_reason, created_at, processed_at`

// CreateDeposit validates the recipient address, derives the memo and
// persists a new pending intent. The full record is returned so the
// front-end can display deposit instructions.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, ownerRef, recipientAddress string) (*Deposit, error) {
	id, m, err := newDepositRecord(ownerRef, recipientAddress)
	if err != nil {
		return nil, err
	}

	const q = `
INSERT INTO deposits (id, owner_ref, recipient_address, amount, memo, status)
VALUES ($1, $2, $3, 0, $4, 'pending')
RETURNING ` + depositColumns + `;
`
	row := r.pool.QueryRow(ctx, q, id, ownerRef, recipientAddress, m)
	dep, err := scanDeposit(row)
	if err != nil {
		return nil, storageErr("create deposit", err)
	}
	return dep, nil
}

// GetDepositByMemo retrieves a deposit by its correlation memo.
func (r *PostgresRepository) GetDepositByMemo(ctx context.Context, m string) (*Deposit, error) {
	const q = `SELECT ` + depositColumns + ` FROM deposits WHERE memo = $1 LIMIT 1;`
	row := r.pool.QueryRow(ctx, q, m)
	dep, err := scanDeposit(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, storageErr("get deposit by memo", err)
	}
	return dep, nil
}

// ListRecentByOwner returns the latest deposits created by the owner.
func (r *PostgresRepository) ListRecentByOwner(ctx context.Context, ownerRef string, limit int) ([]Deposit, error) {
	if limit <= 0 {
		limit = 5
	}
	const q = `
SELECT ` + depositColumns + `
FROM deposits
WHERE owner_ref = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, ownerRef, limit)
	if err != nil {
		return nil, storageErr("list recent by owner", err)
	}
	defer rows.Close()
	return collectDeposits(rows)
}

// SetAmount credits a pending intent with the quantity to disburse.
func (r *PostgresRepository) SetAmount(ctx context.Context, id string, amount int64) error {
	const q = `UPDATE deposits SET amount = $2 WHERE id = $1 AND status = 'pending';`
	ct, err := r.pool.Exec(ctx, q, id, amount)
	if err != nil {
		return storageErr("set amount", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set amount: %w: %s", ErrNotFound, id)
	}
	return nil
}

// ListPending snapshots funded pending intents, oldest first. Intents that
// have not been credited yet (amount 0) are not eligible for settlement.
func (r *PostgresRepository) ListPending(ctx context.Context) ([]Deposit, error) {
	const q = `
SELECT ` + depositColumns + `
FROM deposits
WHERE status = 'pending' AND amount > 0
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	defer rows.Close()
	return collectDeposits(rows)
}

// ListBatched returns deposits stuck in batched, oldest first. A non-empty
// result outside an active run means the run that batched them never
// reconciled.
func (r *PostgresRepository) ListBatched(ctx context.Context) ([]Deposit, error) {
	const q = `
SELECT ` + depositColumns + `
FROM deposits
WHERE status = 'batched'
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, storageErr("list batched", err)
	}
	defer rows.Close()
	return collectDeposits(rows)
}

// MarkBatched transitions exactly the given ids from pending to batched.
// A single conditional statement, so rows inserted after the snapshot can
// never be swept in.
func (r *PostgresRepository) MarkBatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE deposits SET status = 'batched' WHERE id = ANY($1::uuid[]) AND status = 'pending';`
	ct, err := r.pool.Exec(ctx, q, ids)
	if err != nil {
		return storageErr("mark batched", err)
	}
	if got := ct.RowsAffected(); got != int64(len(ids)) {
		return fmt.Errorf("mark batched: updated %d of %d deposits", got, len(ids))
	}
	return nil
}

// MarkSettled transitions batched deposits to settled and stamps
// processed_at. Re-running with the same id set is a no-op: rows already
// settled no longer match the condition.
func (r *PostgresRepository) MarkSettled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
UPDATE deposits
SET status = 'settled', processed_at = NOW()
WHERE id = ANY($1::uuid[]) AND status = 'batched';
`
	if _, err := r.pool.Exec(ctx, q, ids); err != nil {
		return storageErr("mark settled", err)
	}
	return nil
}

// MarkFailed moves deposits to terminal failed with the given reason,
// stamping processed_at once.
func (r *PostgresRepository) MarkFailed(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
UPDATE deposits
SET status = 'failed', failure_reason = $2, processed_at = NOW()
WHERE id = ANY($1::uuid[]) AND status IN ('pending', 'batched');
`
	if _, err := r.pool.Exec(ctx, q, ids, reason); err != nil {
		return storageErr("mark failed", err)
	}
	return nil
}

// Requeue returns batched deposits to pending for the next run, counting
// the failed attempt. Deposits that reach maxAttempts go terminal instead;
// their ids are returned so the owner can be notified.
func (r *PostgresRepository) Requeue(ctx context.Context, ids []string, maxAttempts int) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var failed []string
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const failQ = `
UPDATE deposits
SET status = 'failed', failure_reason = $3, attempts = attempts + 1, processed_at = NOW()
WHERE id = ANY($1::uuid[]) AND status = 'batched' AND attempts + 1 >= $2
RETURNING id;
`
		rows, err := tx.Query(ctx, failQ, ids, maxAttempts, FailureRetryCeiling)
		if err != nil {
			return err
		}
		failed, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}

		const requeueQ = `
UPDATE deposits
SET status = 'pending', attempts = attempts + 1
WHERE id = ANY($1::uuid[]) AND status = 'batched';
`
		_, err = tx.Exec(ctx, requeueQ, ids)
		return err
	})
	if err != nil {
		return nil, storageErr("requeue", err)
	}
	return failed, nil
}

func scanDeposit(row pgx.Row) (*Deposit, error) {
	var d Deposit
	if err := row.Scan(&d.ID, &d.OwnerRef, &d.RecipientAddress, &d.Amount, &d.Memo, &d.Status, &d.Attempts, &d.FailureReason, &d.CreatedAt, &d.ProcessedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDeposits(rows pgx.Rows) ([]Deposit, error) {
	var deposits []Deposit
	for rows.Next() {
		dep, err := scanDeposit(rows)
		if err != nil {
			return nil, storageErr("scan deposit", err)
		}
		deposits = append(deposits, *dep)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate deposits", err)
	}
	return deposits, nil
}
