package settle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"pikopay/internal/chain"
	"pikopay/internal/metrics"
	"pikopay/internal/repo"
)

// fakeLedger mirrors the repository's conditional transition semantics:
// every update is scoped to an id set and guarded by the current status.
// Like the real backends, every call fails once its context is cancelled.
type fakeLedger struct {
	mu       sync.Mutex
	seq      int
	deposits map[string]*repo.Deposit
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{deposits: make(map[string]*repo.Deposit)}
}

func (f *fakeLedger) add(ownerRef, recipient string, amount int64) *repo.Deposit {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	dep := &repo.Deposit{
		ID:               fmt.Sprintf("dep-%03d", f.seq),
		OwnerRef:         ownerRef,
		RecipientAddress: recipient,
		Amount:           amount,
		Memo:             fmt.Sprintf("PK-%s-dep-%03d", ownerRef, f.seq),
		Status:           repo.StatusPending,
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, 0, f.seq, time.UTC),
	}
	f.deposits[dep.ID] = dep
	return dep
}

func (f *fakeLedger) get(id string) repo.Deposit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.deposits[id]
}

func (f *fakeLedger) listByStatus(status string) []repo.Deposit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repo.Deposit
	for _, dep := range f.deposits {
		if dep.Status == status {
			out = append(out, *dep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakeLedger) ListPending(ctx context.Context) ([]repo.Deposit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []repo.Deposit
	for _, dep := range f.listByStatus(repo.StatusPending) {
		if dep.Amount > 0 {
			out = append(out, dep)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListBatched(ctx context.Context) ([]repo.Deposit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.listByStatus(repo.StatusBatched), nil
}

func (f *fakeLedger) MarkBatched(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	updated := 0
	for _, id := range ids {
		if dep, ok := f.deposits[id]; ok && dep.Status == repo.StatusPending {
			dep.Status = repo.StatusBatched
			updated++
		}
	}
	if updated != len(ids) {
		return fmt.Errorf("mark batched: updated %d of %d deposits", updated, len(ids))
	}
	return nil
}

func (f *fakeLedger) MarkSettled(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if dep, ok := f.deposits[id]; ok && dep.Status == repo.StatusBatched {
			dep.Status = repo.StatusSettled
			dep.ProcessedAt = &now
		}
	}
	return nil
}

func (f *fakeLedger) MarkFailed(ctx context.Context, ids []string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if dep, ok := f.deposits[id]; ok && (dep.Status == repo.StatusPending || dep.Status == repo.StatusBatched) {
			dep.Status = repo.StatusFailed
			r := reason
			dep.FailureReason = &r
			dep.ProcessedAt = &now
		}
	}
	return nil
}

func (f *fakeLedger) Requeue(ctx context.Context, ids []string, maxAttempts int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var failed []string
	for _, id := range ids {
		dep, ok := f.deposits[id]
		if !ok || dep.Status != repo.StatusBatched {
			continue
		}
		dep.Attempts++
		if dep.Attempts >= maxAttempts {
			dep.Status = repo.StatusFailed
			r := repo.FailureRetryCeiling
			dep.FailureReason = &r
			dep.ProcessedAt = &now
			failed = append(failed, id)
		} else {
			dep.Status = repo.StatusPending
		}
	}
	return failed, nil
}

type fakeGateway struct {
	mu           sync.Mutex
	submits      [][]chain.Instruction
	submitErr    error
	outcomes     []chain.Outcome
	confirmCalls int
	onSubmit     func()
	onConfirm    func()
	blockConfirm chan struct{}
}

func (g *fakeGateway) Submit(ctx context.Context, instructions []chain.Instruction) (chain.TxRef, error) {
	g.mu.Lock()
	g.submits = append(g.submits, instructions)
	hook := g.onSubmit
	err := g.submitErr
	n := len(g.submits)
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return chain.TxRef(fmt.Sprintf("tx-%d", n)), nil
}

func (g *fakeGateway) Confirm(ctx context.Context, ref chain.TxRef, timeout time.Duration) (chain.Outcome, error) {
	if g.blockConfirm != nil {
		<-g.blockConfirm
	}
	if g.onConfirm != nil {
		g.onConfirm()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmCalls++
	if g.confirmCalls <= len(g.outcomes) {
		return g.outcomes[g.confirmCalls-1], nil
	}
	return chain.OutcomeSuccess, nil
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

type failureNote struct {
	ownerRef, memo, reason string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []failureNote
}

func (n *fakeNotifier) NotifyDepositFailed(ctx context.Context, ownerRef, memo, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, failureNote{ownerRef, memo, reason})
}

func newTestEngine(ledger *fakeLedger, gateway *fakeGateway, notifier *fakeNotifier) *Engine {
	cfg := Config{
		Interval:        time.Minute,
		FlatFee:         5000,
		TreasuryAddress: "TREASURY",
		ConfirmTimeout:  time.Second,
		MaxAttempts:     3,
	}
	return New(ledger, gateway, notifier, metrics.Registry("settle_test"), slog.Default(), cfg)
}

func TestRunWithNoPendingIsNoop(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	ok, err := engine.TriggerNow(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !ok {
		t.Fatal("expected run to start")
	}
	if gateway.submitCount() != 0 {
		t.Fatalf("expected no gateway calls, got %d submits", gateway.submitCount())
	}
}

func TestRunExcludesIntentsBelowFlatFee(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	engine := newTestEngine(ledger, gateway, notifier)

	big := ledger.add("42", "R1", 1_000_000)
	small := ledger.add("42", "R2", 3_000)

	engine.TriggerNow(context.Background())

	gotBig := ledger.get(big.ID)
	if gotBig.Status != repo.StatusSettled {
		t.Fatalf("expected %s settled, got %s", big.ID, gotBig.Status)
	}
	gotSmall := ledger.get(small.ID)
	if gotSmall.Status != repo.StatusFailed {
		t.Fatalf("expected %s failed, got %s", small.ID, gotSmall.Status)
	}
	if gotSmall.FailureReason == nil || *gotSmall.FailureReason != repo.FailureInsufficientAmount {
		t.Fatalf("expected insufficient_amount reason, got %v", gotSmall.FailureReason)
	}
	if gotSmall.ProcessedAt == nil {
		t.Fatal("expected processed_at on failed deposit")
	}

	if gateway.submitCount() != 1 {
		t.Fatalf("expected 1 submit, got %d", gateway.submitCount())
	}
	instructions := gateway.submits[0]
	if len(instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(instructions))
	}
	if instructions[0].To != "R1" || instructions[0].Lamports != 995_000 {
		t.Fatalf("unexpected instruction: %+v", instructions[0])
	}

	if len(notifier.notes) != 1 || notifier.notes[0].reason != repo.FailureInsufficientAmount || notifier.notes[0].ownerRef != "42" {
		t.Fatalf("unexpected notifications: %+v", notifier.notes)
	}
}

func TestRunSettlesWholeBatchOnConfirmedSuccess(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	d1 := ledger.add("42", "R1", 100_000)
	d2 := ledger.add("43", "R2", 200_000)

	engine.TriggerNow(context.Background())

	for _, id := range []string{d1.ID, d2.ID} {
		dep := ledger.get(id)
		if dep.Status != repo.StatusSettled {
			t.Fatalf("expected %s settled, got %s", id, dep.Status)
		}
		if dep.ProcessedAt == nil {
			t.Fatalf("expected processed_at on %s", id)
		}
	}
	if gateway.submitCount() != 1 || len(gateway.submits[0]) != 2 {
		t.Fatalf("expected a single composite submission with 2 transfers")
	}
	if gateway.submits[0][0].From != "TREASURY" {
		t.Fatalf("expected transfers from treasury, got %q", gateway.submits[0][0].From)
	}
}

func TestConfirmTimeoutRevertsBatchToPending(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{outcomes: []chain.Outcome{chain.OutcomeTimeout}}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	dep := ledger.add("42", "R1", 100_000)

	engine.TriggerNow(context.Background())

	got := ledger.get(dep.ID)
	if got.Status != repo.StatusPending {
		t.Fatalf("expected pending after timeout, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.ProcessedAt != nil {
		t.Fatal("processed_at must not be set on a retryable deposit")
	}

	// Next tick retries and settles.
	engine.TriggerNow(context.Background())
	if got := ledger.get(dep.ID); got.Status != repo.StatusSettled {
		t.Fatalf("expected settled after retry, got %s", got.Status)
	}
}

func TestSubmitFailureRevertsBatchToPending(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{submitErr: fmt.Errorf("rpc unreachable")}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	dep := ledger.add("42", "R1", 100_000)

	engine.TriggerNow(context.Background())

	got := ledger.get(dep.ID)
	if got.Status != repo.StatusPending || got.Attempts != 1 {
		t.Fatalf("expected pending with 1 attempt, got %s/%d", got.Status, got.Attempts)
	}
	if gateway.confirmCalls != 0 {
		t.Fatalf("confirm must not run after failed submit, got %d calls", gateway.confirmCalls)
	}
}

func TestRetryCeilingMovesDepositToFailed(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{outcomes: []chain.Outcome{chain.OutcomeTimeout, chain.OutcomeFailure}}
	notifier := &fakeNotifier{}
	engine := newTestEngine(ledger, gateway, notifier)
	engine.cfg.MaxAttempts = 2

	dep := ledger.add("42", "R1", 100_000)

	engine.TriggerNow(context.Background())
	engine.TriggerNow(context.Background())

	got := ledger.get(dep.ID)
	if got.Status != repo.StatusFailed {
		t.Fatalf("expected failed after ceiling, got %s", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != repo.FailureRetryCeiling {
		t.Fatalf("expected retry ceiling reason, got %v", got.FailureReason)
	}
	if got.ProcessedAt == nil {
		t.Fatal("expected processed_at on terminal deposit")
	}
	if len(notifier.notes) != 1 || notifier.notes[0].reason != repo.FailureRetryCeiling {
		t.Fatalf("expected one retry ceiling notification, got %+v", notifier.notes)
	}
}

func TestDepositsCreatedDuringRunStayInNextBatch(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	var lateID string
	gateway.onSubmit = func() {
		dep := ledger.add("99", "R9", 50_000)
		lateID = dep.ID
	}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	first := ledger.add("42", "R1", 100_000)
	engine.TriggerNow(context.Background())

	if got := ledger.get(first.ID); got.Status != repo.StatusSettled {
		t.Fatalf("expected %s settled, got %s", first.ID, got.Status)
	}
	if got := ledger.get(lateID); got.Status != repo.StatusPending {
		t.Fatalf("deposit created mid-run must stay pending, got %s", got.Status)
	}
	if len(gateway.submits[0]) != 1 {
		t.Fatalf("mid-run deposit leaked into the batch: %+v", gateway.submits[0])
	}

	gateway.onSubmit = nil
	engine.TriggerNow(context.Background())
	if got := ledger.get(lateID); got.Status != repo.StatusSettled {
		t.Fatalf("expected late deposit settled on next run, got %s", got.Status)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	ledger := newFakeLedger()
	release := make(chan struct{})
	gateway := &fakeGateway{blockConfirm: release}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	ledger.add("42", "R1", 100_000)

	started := make(chan bool, 1)
	go func() {
		ok, _ := engine.TriggerNow(context.Background())
		started <- ok
	}()

	// Wait until the first run is inside the gateway call.
	deadline := time.After(2 * time.Second)
	for gateway.submitCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never submitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if ok, _ := engine.TriggerNow(context.Background()); ok {
		t.Fatal("overlapping run must be skipped")
	}

	close(release)
	if !<-started {
		t.Fatal("first run should have executed")
	}
}

func TestShutdownDuringConfirmStillRequeues(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{outcomes: []chain.Outcome{chain.OutcomeTimeout}}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	dep := ledger.add("42", "R1", 100_000)

	// A shutdown signal lands while the run is waiting on confirmation.
	// The gateway reports the cut-short wait as a timeout; the requeue
	// must still be written even though the run context is cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gateway.onConfirm = cancel

	if _, err := engine.TriggerNow(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got := ledger.get(dep.ID)
	if got.Status != repo.StatusPending {
		t.Fatalf("deposit stranded in status %q, expected pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	batched, err := ledger.ListBatched(context.Background())
	if err != nil {
		t.Fatalf("list batched: %v", err)
	}
	if len(batched) != 0 {
		t.Fatalf("expected no batched leftovers, got %d", len(batched))
	}
}

func TestOrphanedBatchIsRecoveredOnNextRun(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	// A previous process died between batching and reconciliation.
	dep := ledger.add("42", "R1", 100_000)
	if err := ledger.MarkBatched(context.Background(), []string{dep.ID}); err != nil {
		t.Fatalf("mark batched: %v", err)
	}

	if _, err := engine.TriggerNow(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got := ledger.get(dep.ID)
	if got.Status != repo.StatusSettled {
		t.Fatalf("expected orphan settled, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected the interrupted attempt counted once, got %d", got.Attempts)
	}
	if gateway.submitCount() != 1 {
		t.Fatalf("expected 1 submit, got %d", gateway.submitCount())
	}
}

func TestOrphanAtCeilingFailsWithNotification(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	engine := newTestEngine(ledger, gateway, notifier)
	engine.cfg.MaxAttempts = 1

	dep := ledger.add("42", "R1", 100_000)
	if err := ledger.MarkBatched(context.Background(), []string{dep.ID}); err != nil {
		t.Fatalf("mark batched: %v", err)
	}

	if _, err := engine.TriggerNow(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got := ledger.get(dep.ID)
	if got.Status != repo.StatusFailed {
		t.Fatalf("expected failed at ceiling, got %s", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != repo.FailureRetryCeiling {
		t.Fatalf("expected retry ceiling reason, got %v", got.FailureReason)
	}
	if gateway.submitCount() != 0 {
		t.Fatalf("orphan at ceiling must not be resubmitted, got %d submits", gateway.submitCount())
	}
	if len(notifier.notes) != 1 || notifier.notes[0].reason != repo.FailureRetryCeiling {
		t.Fatalf("expected one retry ceiling notification, got %+v", notifier.notes)
	}
}

func TestStartSweepsOrphansBeforeFirstTick(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})
	engine.cfg.Interval = time.Hour

	dep := ledger.add("42", "R1", 100_000)
	if err := ledger.MarkBatched(context.Background(), []string{dep.ID}); err != nil {
		t.Fatalf("mark batched: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for ledger.get(dep.ID).Status != repo.StatusPending {
		select {
		case <-deadline:
			t.Fatal("orphan was not swept back to pending at startup")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got := ledger.get(dep.ID); got.Attempts != 1 {
		t.Fatalf("expected the interrupted attempt counted, got %d", got.Attempts)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ledger := newFakeLedger()
	gateway := &fakeGateway{}
	engine := newTestEngine(ledger, gateway, &fakeNotifier{})

	dep := ledger.add("42", "R1", 100_000)
	engine.TriggerNow(context.Background())

	first := ledger.get(dep.ID)
	if first.Status != repo.StatusSettled || first.ProcessedAt == nil {
		t.Fatalf("expected settled deposit, got %+v", first)
	}

	// Re-applying the same outcome must not move the record or re-stamp it.
	if err := ledger.MarkSettled(context.Background(), []string{dep.ID}); err != nil {
		t.Fatalf("mark settled: %v", err)
	}
	second := ledger.get(dep.ID)
	if second.Status != repo.StatusSettled || !second.ProcessedAt.Equal(*first.ProcessedAt) {
		t.Fatalf("reconcile re-run changed the record: %+v vs %+v", first, second)
	}

	// A further run sees nothing pending and makes no gateway calls.
	engine.TriggerNow(context.Background())
	if gateway.submitCount() != 1 {
		t.Fatalf("expected no further submissions, got %d", gateway.submitCount())
	}
}
