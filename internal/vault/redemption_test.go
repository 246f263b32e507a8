package vault_test

import (
	"context"
	"errors"
	"testing"

	"everlong/internal/event"
	"everlong/internal/vault"
)

// setupTwoPositions deposits 100_000 then 50_000 one checkpoint apart,
// producing a ledger of (maturity 11_000, qty 100_000) and (maturity
// 11_100, qty 50_000) at par, 150_000 shares outstanding.
func setupTwoPositions(t *testing.T, cfg vault.Config) *fixture {
	t.Helper()
	f := newFixture(t, cfg)

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	f.now = 10_100
	if _, err := f.vault.Deposit(context.Background(), "d2", 50_000); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	f.vault.DrainEvents()

	if n := len(f.vault.Positions()); n != 2 {
		t.Fatalf("setup: got %d positions, want 2", n)
	}
	return f
}

func TestRedeem_SlippageAbsorbedByRedeemer(t *testing.T) {
	f := setupTwoPositions(t, defaultTestConfig())

	// Both positions are immature; a 5% haircut now applies to every
	// early close execution
	f.sim.SetCloseHaircutBps(500)

	// Target 120_000: the full first position closes for 95_000 (5_000
	// short of its 100_000 estimate), then a 20_000 slice of the second
	// closes for 19_000. Both shortfalls come out of the payout.
	paid, err := f.vault.Redeem(context.Background(), "r1", 120_000)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if paid != 114_000 {
		t.Errorf("paid: got %d, want 114_000", paid)
	}

	// Remaining holders keep full value: the second position still has
	// 30_000 quantity and the idle balance is exactly the payout residue
	if f.vault.Idle() != 0 {
		t.Errorf("idle: got %d, want 0", f.vault.Idle())
	}
	if f.vault.TotalShares() != 30_000 {
		t.Errorf("shares: got %d, want 30_000", f.vault.TotalShares())
	}

	positions := f.vault.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions: got %d, want 1", len(positions))
	}
	if positions[0].MaturityTime != 11_100 || positions[0].Quantity != 30_000 {
		t.Errorf("survivor: got maturity=%d quantity=%d, want 11_100/30_000",
			positions[0].MaturityTime, positions[0].Quantity)
	}

	// The Redeemed event records the absorbed shortfall
	var redeemed *event.Redeemed
	for _, evt := range f.vault.DrainEvents() {
		if r, ok := evt.(*event.Redeemed); ok {
			redeemed = r
		}
	}
	if redeemed == nil {
		t.Fatal("no Redeemed event staged")
	}
	if redeemed.ShortfallAbsorbed != 6_000 {
		t.Errorf("shortfall absorbed: got %d, want 6_000", redeemed.ShortfallAbsorbed)
	}
	if redeemed.AssetsPaid != 114_000 {
		t.Errorf("assets paid: got %d, want 114_000", redeemed.AssetsPaid)
	}
}

func TestRedeem_PartialCloseStagesUpdateNotClose(t *testing.T) {
	f := setupTwoPositions(t, defaultTestConfig())

	// Target 120_000 at par with no haircut: full close of the first
	// position, then a partial 20_000 close of the second
	paid, err := f.vault.Redeem(context.Background(), "r1", 120_000)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if paid != 120_000 {
		t.Errorf("paid: got %d, want 120_000", paid)
	}

	var sawFullClose, sawPartial bool
	for _, evt := range f.vault.DrainEvents() {
		switch e := evt.(type) {
		case *event.PositionClosed:
			sawFullClose = true
			if e.Quantity != 100_000 {
				t.Errorf("full close quantity: got %d, want 100_000", e.Quantity)
			}
		case *event.PositionUpdated:
			sawPartial = true
			if e.QuantityDelta != -20_000 {
				t.Errorf("partial close delta: got %d, want -20_000", e.QuantityDelta)
			}
			if e.QuantityAfter != 30_000 {
				t.Errorf("quantity after: got %d, want 30_000", e.QuantityAfter)
			}
		}
	}
	if !sawFullClose || !sawPartial {
		t.Errorf("events: full=%v partial=%v, want both", sawFullClose, sawPartial)
	}
}

func TestRedeem_MaturedPositionsClosedAtFullValue(t *testing.T) {
	f := setupTwoPositions(t, defaultTestConfig())
	f.sim.SetCloseHaircutBps(500)

	// Past both maturities everything closes at par, haircut-free
	f.now = 11_100

	paid, err := f.vault.Redeem(context.Background(), "r1", 150_000)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if paid != 150_000 {
		t.Errorf("paid: got %d, want 150_000", paid)
	}
	if f.vault.TotalShares() != 0 {
		t.Errorf("shares: got %d, want 0", f.vault.TotalShares())
	}

	for _, evt := range f.vault.DrainEvents() {
		if r, ok := evt.(*event.Redeemed); ok && r.ShortfallAbsorbed != 0 {
			t.Errorf("matured closes should absorb nothing, got %d", r.ShortfallAbsorbed)
		}
	}
}

func TestRedeem_ClosureLimitFailsButRetainsCloses(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxClosuresPerCall = 1
	f := setupTwoPositions(t, cfg)

	_, err := f.vault.Redeem(context.Background(), "r1", 140_000)
	if !errors.Is(err, vault.ErrTargetLiquidityUnreachable) {
		t.Fatalf("got %v, want ErrTargetLiquidityUnreachable", err)
	}

	// The one close that executed before the limit stays: its proceeds
	// sit idle and the burn never happened
	if f.vault.Idle() != 100_000 {
		t.Errorf("idle: got %d, want 100_000 (retained close)", f.vault.Idle())
	}
	if f.vault.TotalShares() != 150_000 {
		t.Errorf("shares: got %d, want 150_000 (burn unwound)", f.vault.TotalShares())
	}
	if n := len(f.vault.Positions()); n != 1 {
		t.Errorf("positions: got %d, want 1", n)
	}

	// The retained close is still staged for the log
	var closes int
	for _, evt := range f.vault.DrainEvents() {
		if _, ok := evt.(*event.PositionClosed); ok {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("staged closes: got %d, want 1", closes)
	}
}
