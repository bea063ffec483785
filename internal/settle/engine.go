// Package settle drives batch settlement: it periodically snapshots
// pending deposit intents, submits one composite transfer transaction for
// the whole batch and reconciles the confirmed outcome back into the
// ledger. The composite transaction is atomic on chain, so the batch is
// the unit of settlement: every member settles or none does.
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"pikopay/internal/chain"
	"pikopay/internal/metrics"
	"pikopay/internal/repo"
)

// Ledger is the slice of the repository the engine needs.
type Ledger interface {
	ListPending(ctx context.Context) ([]repo.Deposit, error)
	ListBatched(ctx context.Context) ([]repo.Deposit, error)
	MarkBatched(ctx context.Context, ids []string) error
	MarkSettled(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string, reason string) error
	Requeue(ctx context.Context, ids []string, maxAttempts int) ([]string, error)
}

// Notifier surfaces terminal settlement failures to the owner. Best
// effort; settlement state never depends on delivery.
type Notifier interface {
	NotifyDepositFailed(ctx context.Context, ownerRef, memo, reason string)
}

// Config holds settlement engine parameters.
type Config struct {
	Interval        time.Duration
	FlatFee         int64
	TreasuryAddress string
	ConfirmTimeout  time.Duration
	MaxAttempts     int
}

// Engine is the batch settlement scheduler. One instance, one active run:
// a tick that fires while a run is in flight is skipped, which is what
// prevents double submission.
type Engine struct {
	ledger   Ledger
	gateway  chain.Gateway
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	running  atomic.Bool
}

// New creates a settlement engine. notifier may be nil.
func New(ledger Ledger, gateway chain.Gateway, notifier Notifier, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "settle"),
		cfg:      cfg,
	}
}

// Start runs the tick loop until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("settlement engine started", "interval", e.cfg.Interval, "flat_fee", e.cfg.FlatFee)

	// Sweep deposits left batched by a previous process before the first
	// tick fires, so a crash between batching and reconciliation never
	// strands them for a full interval.
	if e.running.CompareAndSwap(false, true) {
		if err := e.recoverOrphans(ctx); err != nil {
			e.logger.Error("orphan recovery failed", "error", err)
			e.metrics.Errors.WithLabelValues("settle").Inc()
		}
		e.running.Store(false)
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("settlement engine stopped")
			return
		case <-ticker.C:
			e.TriggerNow(ctx)
		}
	}
}

// TriggerNow requests a settlement run. Returns false if a run was already
// in flight and the request was skipped; otherwise the run's error, if any,
// is returned to the caller as well as logged.
func (e *Engine) TriggerNow(ctx context.Context) (bool, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Warn("settlement run already in progress, skipping")
		e.metrics.SettlementRuns.WithLabelValues("skipped").Inc()
		return false, nil
	}
	defer e.running.Store(false)

	if err := e.run(ctx); err != nil {
		e.logger.Error("settlement run failed", "error", err)
		e.metrics.SettlementRuns.WithLabelValues("error").Inc()
		e.metrics.Errors.WithLabelValues("settle").Inc()
		return true, err
	}
	return true, nil
}

func (e *Engine) run(ctx context.Context) error {
	if err := e.recoverOrphans(ctx); err != nil {
		return err
	}

	snapshot, err := e.ledger.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("select pending: %w", err)
	}
	if len(snapshot) == 0 {
		e.metrics.SettlementRuns.WithLabelValues("empty").Inc()
		return nil
	}

	// Per-intent fee check before inclusion. Short intents go terminal
	// here and never reach the batch.
	included := make([]repo.Deposit, 0, len(snapshot))
	var short []repo.Deposit
	for _, dep := range snapshot {
		if dep.Amount-e.cfg.FlatFee < 0 {
			short = append(short, dep)
			continue
		}
		included = append(included, dep)
	}
	if len(short) > 0 {
		if err := e.ledger.MarkFailed(ctx, depositIDs(short), repo.FailureInsufficientAmount); err != nil {
			return fmt.Errorf("fail short deposits: %w", err)
		}
		e.metrics.DepositTransitions.WithLabelValues(repo.StatusFailed).Add(float64(len(short)))
		e.logger.Warn("excluded deposits below flat fee", "count", len(short), "flat_fee", e.cfg.FlatFee)
		e.notifyFailed(ctx, short, repo.FailureInsufficientAmount)
	}
	if len(included) == 0 {
		e.metrics.SettlementRuns.WithLabelValues("empty").Inc()
		return nil
	}

	ids := depositIDs(included)
	instructions := make([]chain.Instruction, 0, len(included))
	for _, dep := range included {
		instructions = append(instructions, chain.Instruction{
			From:     e.cfg.TreasuryAddress,
			To:       dep.RecipientAddress,
			Lamports: uint64(dep.Amount - e.cfg.FlatFee),
		})
	}

	// Capturing the id set closes the race window: deposits created from
	// here on stay pending and are picked up by the next tick.
	if err := e.ledger.MarkBatched(ctx, ids); err != nil {
		return fmt.Errorf("mark batched: %w", err)
	}
	e.metrics.DepositTransitions.WithLabelValues(repo.StatusBatched).Add(float64(len(ids)))
	e.metrics.SettlementBatchSize.Observe(float64(len(ids)))

	// From here on the batch is (about to be) on the wire. Reconciliation
	// must outlive a shutdown signal: aborting the state write because the
	// run context was cancelled would strand the batch.
	reconcileCtx := context.WithoutCancel(ctx)

	ref, err := e.gateway.Submit(ctx, instructions)
	if err != nil {
		e.logger.Warn("batch submission failed, requeueing", "count", len(ids), "error", err)
		e.metrics.SettlementRuns.WithLabelValues("submit_failed").Inc()
		return e.requeue(reconcileCtx, included)
	}

	outcome, err := e.gateway.Confirm(ctx, ref, e.cfg.ConfirmTimeout)
	if err != nil {
		e.logger.Warn("confirmation failed, requeueing", "tx_ref", string(ref), "error", err)
		e.metrics.SettlementRuns.WithLabelValues("confirm_failed").Inc()
		return e.requeue(reconcileCtx, included)
	}

	switch outcome {
	case chain.OutcomeSuccess:
		if err := e.ledger.MarkSettled(reconcileCtx, ids); err != nil {
			return fmt.Errorf("mark settled: %w", err)
		}
		e.metrics.DepositTransitions.WithLabelValues(repo.StatusSettled).Add(float64(len(ids)))
		e.metrics.SettlementRuns.WithLabelValues("settled").Inc()
		e.logger.Info("batch settled", "tx_ref", string(ref), "count", len(ids))
		return nil
	default:
		e.logger.Warn("batch not confirmed, requeueing", "tx_ref", string(ref), "outcome", string(outcome), "count", len(ids))
		e.metrics.SettlementRuns.WithLabelValues("unconfirmed").Inc()
		return e.requeue(reconcileCtx, included)
	}
}

// recoverOrphans requeues deposits left batched by an interrupted run: a
// crash or shutdown between batching and reconciliation, or a storage
// error during the requeue itself. They follow the normal retry path, so
// repeated interruptions still hit the attempt ceiling.
func (e *Engine) recoverOrphans(ctx context.Context) error {
	orphans, err := e.ledger.ListBatched(ctx)
	if err != nil {
		return fmt.Errorf("list batched: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}
	e.logger.Warn("recovering deposits from an interrupted run", "count", len(orphans))
	return e.requeue(ctx, orphans)
}

// requeue reverts a failed batch to pending for the next tick, up to the
// per-intent attempt ceiling.
func (e *Engine) requeue(ctx context.Context, batch []repo.Deposit) error {
	failedIDs, err := e.ledger.Requeue(ctx, depositIDs(batch), e.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("requeue batch: %w", err)
	}
	if len(failedIDs) == 0 {
		return nil
	}

	e.metrics.DepositTransitions.WithLabelValues(repo.StatusFailed).Add(float64(len(failedIDs)))
	byID := make(map[string]repo.Deposit, len(batch))
	for _, dep := range batch {
		byID[dep.ID] = dep
	}
	terminal := make([]repo.Deposit, 0, len(failedIDs))
	for _, id := range failedIDs {
		if dep, ok := byID[id]; ok {
			terminal = append(terminal, dep)
		}
	}
	e.logger.Warn("deposits exceeded retry ceiling", "count", len(terminal), "max_attempts", e.cfg.MaxAttempts)
	e.notifyFailed(ctx, terminal, repo.FailureRetryCeiling)
	return nil
}

func (e *Engine) notifyFailed(ctx context.Context, deposits []repo.Deposit, reason string) {
	if e.notifier == nil {
		return
	}
	for _, dep := range deposits {
		e.notifier.NotifyDepositFailed(ctx, dep.OwnerRef, dep.Memo, reason)
	}
}

func depositIDs(deposits []repo.Deposit) []string {
	ids := make([]string, len(deposits))
	for i, dep := range deposits {
		ids[i] = dep.ID
	}
	return ids
}
