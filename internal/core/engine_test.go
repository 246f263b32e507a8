package core_test

import (
	"context"
	"errors"
	"testing"

	"everlong/internal/core"
	"everlong/internal/event"
	"everlong/internal/journal"
	"everlong/internal/protocol"
	"everlong/internal/vault"
)

// --- Test helpers ---

const testStartTime = int64(10_000)

// newTestEngine builds an engine over a par-priced simulator with a
// fixed clock, buffered channels, and no DB checker.
func newTestEngine(t *testing.T) (*core.Engine, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()

	pool := protocol.PoolConfig{
		MinimumTransactionAmount: 10,
		PositionDuration:         1_000,
		CheckpointDuration:       100,
	}
	clock := func() int64 { return testStartTime }
	sim := protocol.NewSimulator(pool, protocol.WithClock(clock))

	cfg := vault.DefaultConfig()
	cfg.SlippageToleranceBps = 1_000

	v, err := vault.New(context.Background(), sim, cfg, vault.WithVaultClock(clock))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	return core.NewEngine(v, 0, persistChan, projChan, nil, nil), persistChan, projChan
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	out := make([]core.CoreOutput, 0, len(ch))
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// --- Operations ---

func TestDeposit_EmitsChainedEnvelopes(t *testing.T) {
	engine, persistChan, _ := newTestEngine(t)

	shares, err := engine.Deposit(context.Background(), "d1", 100_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares != 100_000 {
		t.Errorf("shares: got %d, want 100_000", shares)
	}

	outputs := drainOutputs(persistChan)
	if len(outputs) != 3 {
		t.Fatalf("outputs: got %d, want 3", len(outputs))
	}

	var zero [32]byte
	for i, out := range outputs {
		env := out.Envelope
		if env.Sequence != int64(i) {
			t.Errorf("output %d: sequence %d", i, env.Sequence)
		}
		if env.StateHash == zero {
			t.Errorf("output %d: zero state hash", i)
		}
		if i > 0 && env.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev hash does not chain", i)
		}
	}

	// Events arrive in mutation order: the deposit first with the
	// caller's key unchanged, then the rebalance steps under derived
	// step keys
	first := outputs[0].Envelope
	if first.EventType != event.EventTypeDeposited {
		t.Errorf("first event: got %s, want Deposited", first.EventType)
	}
	if first.IdempotencyKey != "d1" {
		t.Errorf("first key: got %q, want d1", first.IdempotencyKey)
	}
	if outputs[1].Envelope.IdempotencyKey != "d1:0" {
		t.Errorf("step key: got %q, want d1:0", outputs[1].Envelope.IdempotencyKey)
	}
	if outputs[2].Envelope.EventType != event.EventTypeRebalanced {
		t.Errorf("last event: got %s, want Rebalanced", outputs[2].Envelope.EventType)
	}

	if engine.GetSequence() != 3 {
		t.Errorf("next sequence: got %d, want 3", engine.GetSequence())
	}
}

func TestDeposit_BooksDepositCreditBeforeDeployDebit(t *testing.T) {
	engine, persistChan, _ := newTestEngine(t)

	// A first deposit that deploys everything only balances if the
	// deposit's idle credit is booked before the deploy's idle debit
	if _, err := engine.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var idle int64
	for _, out := range drainOutputs(persistChan) {
		for _, j := range out.Batch.Journals {
			if j.Debit == journal.AccountVaultIdle {
				idle += j.Amount
			}
			if j.Credit == journal.AccountVaultIdle {
				idle -= j.Amount
			}
			if idle < 0 {
				t.Fatalf("idle account negative (%d) applying %s batch in emitted order",
					idle, out.Envelope.EventType)
			}
		}
	}
}

func TestDuplicateKey_Rejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if _, err := engine.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	_, err := engine.Deposit(context.Background(), "d1", 100_000)
	if !errors.Is(err, core.ErrDuplicateOperation) {
		t.Errorf("got %v, want ErrDuplicateOperation", err)
	}

	// Same key under a different operation namespace is a fresh request
	if _, err := engine.Redeem(context.Background(), "d1", 50_000); err != nil {
		t.Errorf("redeem with reused key in other namespace: %v", err)
	}
}

func TestFailedOperation_KeyNotConsumed(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	// Invalid amount fails without consuming the key
	if _, err := engine.Deposit(context.Background(), "d1", -5); err == nil {
		t.Fatal("expected rejection")
	}
	if _, err := engine.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Errorf("retry after rejection: %v", err)
	}
}

func TestBalances_MirrorVaultState(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if _, err := engine.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	balances := engine.Balances()
	if balances["vault:idle"] != 0 {
		t.Errorf("vault:idle: got %d, want 0", balances["vault:idle"])
	}
	if balances["vault:deployed"] != 100_000 {
		t.Errorf("vault:deployed: got %d, want 100_000", balances["vault:deployed"])
	}
	if balances["external:depositors"] != -100_000 {
		t.Errorf("external:depositors: got %d, want -100_000", balances["external:depositors"])
	}

	var sum int64
	for _, b := range balances {
		sum += b
	}
	if sum != 0 {
		t.Errorf("global sum: got %d, want 0", sum)
	}
}

func TestStats_ReflectPortfolio(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if _, err := engine.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	stats := engine.Stats()
	if stats.Sequence != 3 {
		t.Errorf("sequence: got %d, want 3", stats.Sequence)
	}
	if stats.TotalShares != 100_000 || stats.PositionCount != 1 || stats.TotalQuantity != 100_000 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	pool := protocol.PoolConfig{
		MinimumTransactionAmount: 10,
		PositionDuration:         1_000,
		CheckpointDuration:       100,
	}
	clock := func() int64 { return testStartTime }
	sim := protocol.NewSimulator(pool, protocol.WithClock(clock))

	v, err := vault.New(context.Background(), sim, vault.DefaultConfig(), vault.WithVaultClock(clock))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1) // deposit emits three events
	engine := core.NewEngine(v, 0, persistChan, projChan, nil, nil)

	if _, err := engine.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit must not block on a full projection channel: %v", err)
	}

	if len(projChan) != 1 {
		t.Errorf("projection channel: got %d queued, want 1", len(projChan))
	}
	if len(persistChan) != 3 {
		t.Errorf("persist channel: got %d queued, want 3", len(persistChan))
	}
}

// --- Snapshot and replay ---

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	source, _, _ := newTestEngine(t)

	if _, err := source.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := source.Redeem(context.Background(), "r1", 40_000); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	snap := source.CreateSnapshotState()
	if snap.Sequence != source.GetSequence()-1 {
		t.Errorf("snapshot sequence: got %d, want %d", snap.Sequence, source.GetSequence()-1)
	}

	restored, _, _ := newTestEngine(t)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.GetSequence() != source.GetSequence() {
		t.Errorf("sequence: got %d, want %d", restored.GetSequence(), source.GetSequence())
	}
	if restored.GetStateHash() != source.GetStateHash() {
		t.Error("state hash differs after restore")
	}
	if restored.Stats() != source.Stats() {
		t.Errorf("stats: got %+v, want %+v", restored.Stats(), source.Stats())
	}

	// Processed keys survive the snapshot
	if _, err := restored.Deposit(context.Background(), "d1", 1_000); !errors.Is(err, core.ErrDuplicateOperation) {
		t.Errorf("got %v, want ErrDuplicateOperation after restore", err)
	}
}

func TestReplay_RebuildsStateFromLog(t *testing.T) {
	source, persistChan, _ := newTestEngine(t)

	if _, err := source.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := source.Redeem(context.Background(), "r1", 40_000); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	outputs := drainOutputs(persistChan)

	replayed, _, _ := newTestEngine(t)
	for _, out := range outputs {
		if err := replayed.ReplayEvent(out.Envelope); err != nil {
			t.Fatalf("replay sequence %d (%s): %v", out.Envelope.Sequence, out.Envelope.EventType, err)
		}
	}

	if replayed.GetSequence() != source.GetSequence() {
		t.Errorf("sequence: got %d, want %d", replayed.GetSequence(), source.GetSequence())
	}
	if replayed.GetStateHash() != source.GetStateHash() {
		t.Error("state hash differs after replay")
	}
	if replayed.Stats() != source.Stats() {
		t.Errorf("stats: got %+v, want %+v", replayed.Stats(), source.Stats())
	}

	srcBalances, repBalances := source.Balances(), replayed.Balances()
	for account, want := range srcBalances {
		if repBalances[account] != want {
			t.Errorf("balance %s: got %d, want %d", account, repBalances[account], want)
		}
	}

	// Replayed operation keys stay deduplicated
	if _, err := replayed.Deposit(context.Background(), "d1", 1_000); !errors.Is(err, core.ErrDuplicateOperation) {
		t.Errorf("got %v, want ErrDuplicateOperation after replay", err)
	}
}

func TestReplay_SequenceGapDetected(t *testing.T) {
	source, persistChan, _ := newTestEngine(t)

	if _, err := source.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	outputs := drainOutputs(persistChan)

	replayed, _, _ := newTestEngine(t)
	// Skipping the first event leaves a gap at sequence 0
	err := replayed.ReplayEvent(outputs[1].Envelope)
	if err == nil {
		t.Fatal("expected gap error")
	}
}
