package vault_test

import (
	"context"
	"testing"

	"everlong/internal/event"
	"everlong/internal/protocol"
)

func TestCanRebalance_EmptyVault(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	if f.vault.CanRebalance() {
		t.Error("empty vault has nothing to rebalance")
	}
}

func TestCanRebalance_IdleAboveMinimum(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.IdleDeployment = func(int64, protocol.PoolConfig) int64 { return 0 }
	f := newFixture(t, cfg)

	// Park capital idle, then restore the default deployment policy
	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if f.vault.CanRebalance() {
		t.Error("nothing to do while the policy deploys nothing")
	}
}

func TestCanRebalance_MaturedPosition(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if f.vault.CanRebalance() {
		t.Error("fully deployed, nothing matured: no work")
	}

	f.now = 11_000 // first maturity
	if !f.vault.CanRebalance() {
		t.Error("matured position should make rebalance worthwhile")
	}
}

func TestRebalance_ClosesMaturedAndRedeploys(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.vault.DrainEvents()

	f.now = 11_000
	if err := f.vault.Rebalance(context.Background(), "k1"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}

	// The matured position closed at par and the proceeds rolled into a
	// fresh position one duration out
	if f.vault.Idle() != 0 {
		t.Errorf("idle: got %d, want 0", f.vault.Idle())
	}
	positions := f.vault.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions: got %d, want 1", len(positions))
	}
	if positions[0].MaturityTime != 12_000 {
		t.Errorf("rolled maturity: got %d, want 12_000", positions[0].MaturityTime)
	}
	if positions[0].Quantity != 100_000 {
		t.Errorf("rolled quantity: got %d, want 100_000", positions[0].Quantity)
	}

	var sawClose, sawOpen, sawRebalanced bool
	for _, evt := range f.vault.DrainEvents() {
		switch e := evt.(type) {
		case *event.PositionClosed:
			sawClose = true
			if !e.Matured {
				t.Error("close should be flagged matured")
			}
		case *event.PositionOpened:
			sawOpen = true
		case *event.Rebalanced:
			sawRebalanced = true
			// The keeper's Rebalanced is the operation-level record and
			// carries the request key, not a step key
			if e.Key != "k1" {
				t.Errorf("rebalanced key: got %q, want k1", e.Key)
			}
			if e.MaturedClosed != 1 {
				t.Errorf("matured closed: got %d, want 1", e.MaturedClosed)
			}
			if e.IdleDeployed != 100_000 {
				t.Errorf("idle deployed: got %d, want 100_000", e.IdleDeployed)
			}
		}
	}
	if !sawClose || !sawOpen || !sawRebalanced {
		t.Errorf("events: close=%v open=%v rebalanced=%v, want all", sawClose, sawOpen, sawRebalanced)
	}
}

func TestRebalance_SameCheckpointMergesPositions(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	// Two deposits inside one checkpoint mint the same maturity, so the
	// second deploy merges instead of appending
	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if _, err := f.vault.Deposit(context.Background(), "d2", 50_000); err != nil {
		t.Fatalf("second deposit: %v", err)
	}

	positions := f.vault.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions: got %d, want 1 (merged)", len(positions))
	}
	if positions[0].Quantity != 150_000 {
		t.Errorf("merged quantity: got %d, want 150_000", positions[0].Quantity)
	}

	var sawMerge bool
	for _, evt := range f.vault.DrainEvents() {
		if u, ok := evt.(*event.PositionUpdated); ok && u.QuantityDelta > 0 {
			sawMerge = true
			if u.QuantityAfter != 150_000 {
				t.Errorf("merge quantity after: got %d, want 150_000", u.QuantityAfter)
			}
		}
	}
	if !sawMerge {
		t.Error("expected a PositionUpdated merge event")
	}
}

func TestRebalance_BelowMinimumLeavesIdleAlone(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	// Deposit under the pool's minimum transaction: nothing deploys
	if _, err := f.vault.Deposit(context.Background(), "d1", 5); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if f.vault.Idle() != 5 {
		t.Errorf("idle: got %d, want 5", f.vault.Idle())
	}
	if len(f.vault.Positions()) != 0 {
		t.Errorf("positions: got %d, want 0", len(f.vault.Positions()))
	}
}
