package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Timestamps are written from Go in UTC; SQLite has no NOW() and stores
// whatever text the driver hands it.

// CreateDeposit validates the recipient address, derives the memo and
// persists a new pending intent.
func (r *SQLiteRepository) CreateDeposit(ctx context.Context, ownerRef, recipientAddress string) (*Deposit, error) {
	id, m, err := newDepositRecord(ownerRef, recipientAddress)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	const q = `
INSERT INTO deposits (id, owner_ref, recipient_address, amount, memo, status, attempts, created_at)
VALUES (?, ?, ?, 0, ?, 'pending', 0, ?);
`
	if _, err := r.db.ExecContext(ctx, q, id, ownerRef, recipientAddress, m, now); err != nil {
		return nil, storageErr("create deposit", err)
	}

	return &Deposit{
		ID:               id,
		OwnerRef:         ownerRef,
		RecipientAddress: recipientAddress,
		Memo:             m,
		Status:           StatusPending,
		CreatedAt:        now,
	}, nil
}

const sqliteDepositColumns = `id, owner_ref, recipient_address, amount, memo, status, attempts, failure_reason, created_at, processed_at`

// GetDepositByMemo retrieves a deposit by its correlation memo.
func (r *SQLiteRepository) GetDepositByMemo(ctx context.Context, m string) (*Deposit, error) {
	const q = `SELECT ` + sqliteDepositColumns + ` FROM deposits WHERE memo = ? LIMIT 1;`
	dep, err := scanSQLiteDeposit(r.db.QueryRowContext(ctx, q, m))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, storageErr("get deposit by memo", err)
	}
	return dep, nil
}

// ListRecentByOwner returns the latest deposits created by the owner.
func (r *SQLiteRepository) ListRecentByOwner(ctx context.Context, ownerRef string, limit int) ([]Deposit, error) {
	if limit <= 0 {
		limit = 5
	}
	const q = `
SELECT ` + sqliteDepositColumns + `
FROM deposits
WHERE owner_ref = ?
ORDER BY created_at DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, ownerRef, limit)
	if err != nil {
		return nil, storageErr("list recent by owner", err)
	}
	defer rows.Close()
	return collectSQLiteDeposits(rows)
}

// SetAmount credits a pending intent with the quantity to disburse.
func (r *SQLiteRepository) SetAmount(ctx context.Context, id string, amount int64) error {
	const q = `UPDATE deposits SET amount = ? WHERE id = ? AND status = 'pending';`
	res, err := r.db.ExecContext(ctx, q, amount, id)
	if err != nil {
		return storageErr("set amount", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("set amount", err)
	}
	if affected == 0 {
		return fmt.Errorf("set amount: %w: %s", ErrNotFound, id)
	}
	return nil
}

// ListPending snapshots funded pending intents, oldest first.
func (r *SQLiteRepository) ListPending(ctx context.Context) ([]Deposit, error) {
	const q = `
SELECT ` + sqliteDepositColumns + `
FROM deposits
WHERE status = 'pending' AND amount > 0
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	defer rows.Close()
	return collectSQLiteDeposits(rows)
}

// ListBatched returns deposits stuck in batched, oldest first.
func (r *SQLiteRepository) ListBatched(ctx context.Context) ([]Deposit, error) {
	const q = `
SELECT ` + sqliteDepositColumns + `
FROM deposits
WHERE status = 'batched'
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storageErr("list batched", err)
	}
	defer rows.Close()
	return collectSQLiteDeposits(rows)
}

// MarkBatched transitions exactly the given ids from pending to batched.
func (r *SQLiteRepository) MarkBatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`UPDATE deposits SET status = 'batched' WHERE id IN (%s) AND status = 'pending';`, placeholders(len(ids)))
	res, err := r.db.ExecContext(ctx, q, idArgs(ids)...)
	if err != nil {
		return storageErr("mark batched", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("mark batched", err)
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("mark batched: updated %d of %d deposits", affected, len(ids))
	}
	return nil
}

// MarkSettled transitions batched deposits to settled, stamping
// processed_at once. Re-running is a no-op.
func (r *SQLiteRepository) MarkSettled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`
UPDATE deposits
SET status = 'settled', processed_at = ?
WHERE id IN (%s) AND status = 'batched';`, placeholders(len(ids)))
	args := append([]any{time.Now().UTC()}, idArgs(ids)...)
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return storageErr("mark settled", err)
	}
	return nil
}

// MarkFailed moves deposits to terminal failed with the given reason.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`
UPDATE deposits
SET status = 'failed', failure_reason = ?, processed_at = ?
WHERE id IN (%s) AND status IN ('pending', 'batched');`, placeholders(len(ids)))
	args := append([]any{reason, time.Now().UTC()}, idArgs(ids)...)
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return storageErr("mark failed", err)
	}
	return nil
}

// Requeue returns batched deposits to pending, counting the attempt;
// deposits at the ceiling go terminal and their ids are returned.
func (r *SQLiteRepository) Requeue(ctx context.Context, ids []string, maxAttempts int) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("requeue begin", err)
	}
	defer tx.Rollback()

	failQ := fmt.Sprintf(`
UPDATE deposits
SET status = 'failed', failure_reason = ?, attempts = attempts + 1, processed_at = ?
WHERE id IN (%s) AND status = 'batched' AND attempts + 1 >= ?
RETURNING id;`, placeholders(len(ids)))
	args := append([]any{FailureRetryCeiling, time.Now().UTC()}, idArgs(ids)...)
	args = append(args, maxAttempts)

	rows, err := tx.QueryContext(ctx, failQ, args...)
	if err != nil {
		return nil, storageErr("requeue fail ceiling", err)
	}
	var failed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scan failed id", err)
		}
		failed = append(failed, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("iterate failed ids", err)
	}
	rows.Close()

	requeueQ := fmt.Sprintf(`
UPDATE deposits
SET status = 'pending', attempts = attempts + 1
WHERE id IN (%s) AND status = 'batched';`, placeholders(len(ids)))
	if _, err := tx.ExecContext(ctx, requeueQ, idArgs(ids)...); err != nil {
		return nil, storageErr("requeue", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("requeue commit", err)
	}
	return failed, nil
}

func scanSQLiteDeposit(row *sql.Row) (*Deposit, error) {
	var d Deposit
	if err := row.Scan(&d.ID, &d.OwnerRef, &d.RecipientAddress, &d.Amount, &d.Memo, &d.Status, &d.Attempts, &d.FailureReason, &d.CreatedAt, &d.ProcessedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectSQLiteDeposits(rows *sql.Rows) ([]Deposit, error) {
	var deposits []Deposit
	for rows.Next() {
		var d Deposit
		if err := rows.Scan(&d.ID, &d.OwnerRef, &d.RecipientAddress, &d.Amount, &d.Memo, &d.Status, &d.Attempts, &d.FailureReason, &d.CreatedAt, &d.ProcessedAt); err != nil {
			return nil, storageErr("scan deposit", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate deposits", err)
	}
	return deposits, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
