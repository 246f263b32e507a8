package vault_test

import (
	"context"
	"errors"
	"testing"

	"everlong/internal/event"
	"everlong/internal/protocol"
	"everlong/internal/vault"
)

// --- Test helpers ---

// fixture pins both the vault and the simulator to one mutable clock so
// tests can advance time deterministically.
type fixture struct {
	vault *vault.Vault
	sim   *protocol.Simulator
	now   int64
}

func testPool() protocol.PoolConfig {
	return protocol.PoolConfig{
		MinimumTransactionAmount: 10,
		PositionDuration:         1_000,
		CheckpointDuration:       100,
	}
}

func newFixture(t *testing.T, cfg vault.Config, simOpts ...protocol.SimulatorOption) *fixture {
	t.Helper()

	f := &fixture{now: 10_000}
	clock := func() int64 { return f.now }

	opts := append([]protocol.SimulatorOption{protocol.WithClock(clock)}, simOpts...)
	f.sim = protocol.NewSimulator(testPool(), opts...)

	v, err := vault.New(context.Background(), f.sim, cfg, vault.WithVaultClock(clock))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	f.vault = v
	return f
}

func defaultTestConfig() vault.Config {
	cfg := vault.DefaultConfig()
	cfg.SlippageToleranceBps = 1_000
	return cfg
}

func eventTypes(events []event.Event) []event.EventType {
	out := make([]event.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType())
	}
	return out
}

// --- Deposit ---

func TestDeposit_FirstDepositorMintsOneToOne(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	shares, err := f.vault.Deposit(context.Background(), "d1", 100_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares != 100_000 {
		t.Errorf("shares minted: got %d, want 100_000", shares)
	}
	if f.vault.TotalShares() != 100_000 {
		t.Errorf("total shares: got %d, want 100_000", f.vault.TotalShares())
	}

	// The deposit's rebalance deployed everything at the par spot price
	if f.vault.Idle() != 0 {
		t.Errorf("idle after deploy: got %d, want 0", f.vault.Idle())
	}
	positions := f.vault.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions: got %d, want 1", len(positions))
	}
	if positions[0].Quantity != 100_000 {
		t.Errorf("position quantity: got %d, want 100_000", positions[0].Quantity)
	}
	if positions[0].MaturityTime != 11_000 {
		t.Errorf("maturity: got %d, want 11_000", positions[0].MaturityTime)
	}
}

func TestDeposit_StagesEventsInExecutionOrder(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Mutation order: assets entered idle first, then the rebalance
	// deployed them — consumers applying the events one at a time must
	// never see the deploy before the deposit
	types := eventTypes(f.vault.DrainEvents())
	want := []event.EventType{
		event.EventTypeDeposited,
		event.EventTypePositionOpened,
		event.EventTypeRebalanced,
	}
	if len(types) != len(want) {
		t.Fatalf("event count: got %d (%v), want %d", len(types), types, len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, types[i], want[i])
		}
	}

	// Drain empties the buffer
	if left := f.vault.DrainEvents(); len(left) != 0 {
		t.Errorf("second drain: got %d events, want 0", len(left))
	}
}

func TestDeposit_SecondDepositorPricedByTotalAssets(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	// At par with no accretion the portfolio still values at cost
	shares, err := f.vault.Deposit(context.Background(), "d2", 50_000)
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if shares != 50_000 {
		t.Errorf("shares minted: got %d, want 50_000", shares)
	}
	if f.vault.TotalShares() != 150_000 {
		t.Errorf("total shares: got %d, want 150_000", f.vault.TotalShares())
	}
}

func TestDeposit_InvalidAmount(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	for _, assets := range []int64{0, -100} {
		_, err := f.vault.Deposit(context.Background(), "d1", assets)
		if !errors.Is(err, vault.ErrInvalidAmount) {
			t.Errorf("deposit %d: got %v, want ErrInvalidAmount", assets, err)
		}
	}
}

func TestDeposit_UnwoundWhenDeployFails(t *testing.T) {
	cfg := defaultTestConfig()
	// A min-output policy demanding more than the market will mint makes
	// every deploy fail
	cfg.MinOutput = func(estimated, _ int64) int64 { return estimated + 1 }

	f := newFixture(t, cfg)

	_, err := f.vault.Deposit(context.Background(), "d1", 100_000)
	if !errors.Is(err, protocol.ErrMinOutputNotMet) {
		t.Fatalf("got %v, want ErrMinOutputNotMet", err)
	}

	// Mint and idle were unwound; nothing was staged
	if f.vault.TotalShares() != 0 || f.vault.Idle() != 0 {
		t.Errorf("state after failed deposit: shares=%d idle=%d", f.vault.TotalShares(), f.vault.Idle())
	}
	if staged := f.vault.DrainEvents(); len(staged) != 0 {
		t.Errorf("staged events after failed deposit: got %d, want 0", len(staged))
	}
}

func TestRedeem_UnwoundWhenRedeployFails(t *testing.T) {
	cfg := defaultTestConfig()
	failDeploys := false
	cfg.MinPrice = func(price, _ int64) int64 {
		if failDeploys {
			return price + 1
		}
		return 0
	}

	f := newFixture(t, cfg)

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.vault.DrainEvents()

	// Mature the position, then make every deploy trip the price guard:
	// the redemption's close succeeds but its trailing rebalance fails
	f.now = 11_000
	failDeploys = true

	_, err := f.vault.Redeem(context.Background(), "r1", 40_000)
	if !errors.Is(err, protocol.ErrPriceGuard) {
		t.Fatalf("got %v, want ErrPriceGuard", err)
	}

	// Burn and payout unwound; the matured close is retained as idle
	if f.vault.TotalShares() != 100_000 {
		t.Errorf("shares: got %d, want 100_000", f.vault.TotalShares())
	}
	if f.vault.Idle() != 100_000 {
		t.Errorf("idle: got %d, want 100_000", f.vault.Idle())
	}
	if n := len(f.vault.Positions()); n != 0 {
		t.Errorf("positions: got %d, want 0", n)
	}

	// Only the retained close stays staged; the Redeemed was withdrawn
	types := eventTypes(f.vault.DrainEvents())
	if len(types) != 1 || types[0] != event.EventTypePositionClosed {
		t.Errorf("staged: got %v, want [PositionClosed]", types)
	}
}

// --- Redeem basics ---

func TestRedeem_PaysFromIdleWithoutCloses(t *testing.T) {
	cfg := defaultTestConfig()
	// Keep capital idle so the redemption never touches the market
	cfg.IdleDeployment = func(int64, protocol.PoolConfig) int64 { return 0 }

	f := newFixture(t, cfg)

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if f.vault.Idle() != 100_000 {
		t.Fatalf("idle: got %d, want 100_000", f.vault.Idle())
	}

	paid, err := f.vault.Redeem(context.Background(), "r1", 40_000)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if paid != 40_000 {
		t.Errorf("paid: got %d, want 40_000", paid)
	}
	if f.vault.TotalShares() != 60_000 {
		t.Errorf("shares: got %d, want 60_000", f.vault.TotalShares())
	}
	if f.vault.Idle() != 60_000 {
		t.Errorf("idle: got %d, want 60_000", f.vault.Idle())
	}
}

func TestRedeem_InsufficientShares(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	_, err := f.vault.Redeem(context.Background(), "r1", 100_001)
	if !errors.Is(err, vault.ErrInsufficientShares) {
		t.Errorf("got %v, want ErrInsufficientShares", err)
	}
}

func TestRedeem_InvalidAmount(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	_, err := f.vault.Redeem(context.Background(), "r1", 0)
	if !errors.Is(err, vault.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

// --- Previews ---

func TestPreviews_MatchShareMath(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	shares, err := f.vault.PreviewDeposit(context.Background(), 50_000)
	if err != nil {
		t.Fatalf("preview deposit: %v", err)
	}
	if shares != 50_000 {
		t.Errorf("preview deposit: got %d, want 50_000", shares)
	}

	assets, err := f.vault.PreviewRedeem(context.Background(), 25_000)
	if err != nil {
		t.Fatalf("preview redeem: %v", err)
	}
	if assets != 25_000 {
		t.Errorf("preview redeem: got %d, want 25_000", assets)
	}
}

// --- Params ---

func TestUpdateParams_Applies(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	p := vault.Params{SlippageToleranceBps: 200, MaxClosuresPerCall: 4}
	if err := f.vault.UpdateParams("c1", p); err != nil {
		t.Fatalf("update params: %v", err)
	}
	if got := f.vault.Params(); got != p {
		t.Errorf("params: got %+v, want %+v", got, p)
	}

	types := eventTypes(f.vault.DrainEvents())
	if len(types) != 1 || types[0] != event.EventTypeConfigUpdated {
		t.Errorf("staged events: got %v, want [ConfigUpdated]", types)
	}
}

func TestUpdateParams_RejectsOutOfRange(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	for _, p := range []vault.Params{
		{SlippageToleranceBps: -1},
		{SlippageToleranceBps: 10_000},
		{SlippageToleranceBps: 50, MaxClosuresPerCall: -1},
	} {
		if err := f.vault.UpdateParams("c1", p); !errors.Is(err, vault.ErrInvalidParams) {
			t.Errorf("params %+v: got %v, want ErrInvalidParams", p, err)
		}
	}
}

// --- Snapshot state ---

func TestVaultState_RestoreRoundTrip(t *testing.T) {
	f := newFixture(t, defaultTestConfig())

	if _, err := f.vault.Deposit(context.Background(), "d1", 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.vault.DrainEvents()
	state := f.vault.State()

	g := newFixture(t, defaultTestConfig())
	if err := g.vault.RestoreState(state); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if g.vault.Idle() != f.vault.Idle() || g.vault.TotalShares() != f.vault.TotalShares() {
		t.Errorf("restored idle=%d shares=%d, want idle=%d shares=%d",
			g.vault.Idle(), g.vault.TotalShares(), f.vault.Idle(), f.vault.TotalShares())
	}
	if string(g.vault.CanonicalDigest()) != string(f.vault.CanonicalDigest()) {
		t.Error("canonical digest differs after restore")
	}
}

func TestVaultState_RestoreAfterPartialClose(t *testing.T) {
	f := setupTwoPositions(t, defaultTestConfig())

	// The partial bridging close leaves remove-path rounding in the
	// ledger aggregates; the snapshot must carry it through verbatim
	if _, err := f.vault.Redeem(context.Background(), "r1", 120_000); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	f.vault.DrainEvents()

	g := newFixture(t, defaultTestConfig())
	if err := g.vault.RestoreState(f.vault.State()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	_, fMat, fPrice := f.vault.LedgerAggregates()
	_, gMat, gPrice := g.vault.LedgerAggregates()
	if gMat != fMat || gPrice != fPrice {
		t.Errorf("aggregates: got maturity=%d price=%d, want maturity=%d price=%d",
			gMat, gPrice, fMat, fPrice)
	}
	if string(g.vault.CanonicalDigest()) != string(f.vault.CanonicalDigest()) {
		t.Error("canonical digest differs after restore")
	}
}
