package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"everlong/internal/event"
	fpmath "everlong/internal/math"
	"everlong/internal/portfolio"
	"everlong/internal/protocol"
)

var (
	// ErrTargetLiquidityUnreachable means a redemption needed more than
	// idle plus every position could provide, or the per-call closure
	// limit was hit first. Fatal to the redemption; closes already
	// executed are retained.
	ErrTargetLiquidityUnreachable = errors.New("vault: target liquidity unreachable")

	// ErrInvalidAmount rejects non-positive deposit/redeem amounts.
	ErrInvalidAmount = errors.New("vault: amount must be positive")

	// ErrInsufficientShares rejects redeeming more shares than exist.
	ErrInsufficientShares = errors.New("vault: insufficient shares")
)

// Vault owns one position ledger and deploys depositor capital into
// fixed-term positions on the external market. All methods are invoked
// under the engine's single-writer lock; the Vault itself does no
// locking.
//
// Mutating operations follow one discipline: ledger and idle-balance
// mutations happen only after the corresponding external call has
// succeeded, so each sub-step is atomic and final. When a later step of
// an operation fails, the operation's own bookkeeping (mint, burn,
// payout) is unwound, while completed closes stay — they converted
// positions to idle at market terms and hurt nobody by remaining.
type Vault struct {
	ledger *portfolio.Ledger
	market protocol.Market
	pool   protocol.PoolConfig
	cfg    Config

	idle        int64
	totalShares int64

	clock func() int64

	staged []event.Event
	opKey  string
	opStep int64
}

// Option configures a Vault.
type Option func(*Vault)

// WithVaultClock overrides the time source used for maturity checks.
func WithVaultClock(clock func() int64) Option {
	return func(v *Vault) { v.clock = clock }
}

// New builds a Vault over the given market. The pool configuration is
// fetched once here; the market treats it as immutable.
func New(ctx context.Context, market protocol.Market, cfg Config, opts ...Option) (*Vault, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()

	pool, err := market.PoolConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: fetch pool config: %w", err)
	}

	v := &Vault{
		ledger: portfolio.NewLedger(),
		market: market,
		pool:   pool,
		cfg:    cfg,
		clock:  func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Deposit adds assets to the vault, mints shares at the pre-deposit
// share price, and runs a rebalance pass. A rebalance failure fails the
// deposit: the mint is unwound, though matured closes performed along
// the way are kept.
func (v *Vault) Deposit(ctx context.Context, key string, assets int64) (int64, error) {
	if assets <= 0 {
		return 0, fmt.Errorf("%w: deposit %d", ErrInvalidAmount, assets)
	}
	v.beginOp(key)

	totalAssets, err := v.TotalAssets(ctx)
	if err != nil {
		return 0, err
	}

	shares := v.convertToShares(assets, totalAssets)
	v.idle += assets
	v.totalShares += shares

	// Staged in mutation order: the deposit credited idle before the
	// rebalance deploys it, and the journal and replay paths apply
	// events one at a time, so the deploy's idle debit must never
	// precede the deposit's credit in the buffer.
	v.stage(&event.Deposited{
		Key:          key,
		Assets:       assets,
		SharesMinted: shares,
		IdleAfter:    v.idle,
		SharesAfter:  v.totalShares,
	})
	staged := len(v.staged) - 1

	if err := v.rebalance(ctx, v.stepKey); err != nil {
		v.idle -= assets
		v.totalShares -= shares
		v.unstage(staged)
		return 0, fmt.Errorf("vault: deposit rebalance: %w", err)
	}
	return shares, nil
}

// Redeem burns shares for assets. The redemption controller frees the
// target liquidity oldest-first; any slippage realized doing so reduces
// what the redeemer receives, never what remaining holders keep. The
// post-redemption rebalance failing fails the redeem the same way a
// deposit fails: burn and payout unwound, executed closes retained.
func (v *Vault) Redeem(ctx context.Context, key string, shares int64) (int64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("%w: redeem %d", ErrInvalidAmount, shares)
	}
	if shares > v.totalShares {
		return 0, fmt.Errorf("%w: redeem %d of %d", ErrInsufficientShares, shares, v.totalShares)
	}
	v.beginOp(key)

	totalAssets, err := v.TotalAssets(ctx)
	if err != nil {
		return 0, err
	}
	target := v.convertToAssets(shares, totalAssets)

	shortfall, err := v.ensureIdle(ctx, target)
	if err != nil {
		return 0, err
	}

	paid := target - shortfall
	if paid > v.idle {
		paid = v.idle
	}
	if paid < 0 {
		paid = 0
	}

	v.totalShares -= shares
	v.idle -= paid

	// Staged after the closes ensureIdle recorded and before the
	// rebalance: the payout debits idle that the closes credited.
	v.stage(&event.Redeemed{
		Key:               key,
		SharesBurned:      shares,
		AssetsPaid:        paid,
		ShortfallAbsorbed: shortfall,
		IdleAfter:         v.idle,
		SharesAfter:       v.totalShares,
	})
	staged := len(v.staged) - 1

	if err := v.rebalance(ctx, v.stepKey); err != nil {
		v.totalShares += shares
		v.idle += paid
		v.unstage(staged)
		return 0, fmt.Errorf("vault: redeem rebalance: %w", err)
	}
	return paid, nil
}

// Rebalance is the permissionless keeper entrypoint: close matured
// positions, deploy idle capital. The Rebalanced event carries the
// request key itself — it is the operation-level record the dedup
// tiers look up; step keys are reserved for the position events.
func (v *Vault) Rebalance(ctx context.Context, key string) error {
	v.beginOp(key)
	return v.rebalance(ctx, func() string { return key })
}

// PreviewDeposit estimates the shares a deposit would mint.
func (v *Vault) PreviewDeposit(ctx context.Context, assets int64) (int64, error) {
	if assets <= 0 {
		return 0, fmt.Errorf("%w: deposit %d", ErrInvalidAmount, assets)
	}
	totalAssets, err := v.TotalAssets(ctx)
	if err != nil {
		return 0, err
	}
	return v.convertToShares(assets, totalAssets), nil
}

// PreviewRedeem estimates the assets a redemption would pay before any
// slippage absorbed while freeing liquidity.
func (v *Vault) PreviewRedeem(ctx context.Context, shares int64) (int64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("%w: redeem %d", ErrInvalidAmount, shares)
	}
	totalAssets, err := v.TotalAssets(ctx)
	if err != nil {
		return 0, err
	}
	return v.convertToAssets(shares, totalAssets), nil
}

// UpdateParams applies an administrative parameter change.
func (v *Vault) UpdateParams(key string, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	v.beginOp(key)
	v.cfg.Params = p
	v.stage(&event.ConfigUpdated{
		Key:                  key,
		SlippageToleranceBps: p.SlippageToleranceBps,
		MaxClosuresPerCall:   p.MaxClosuresPerCall,
	})
	return nil
}

// Idle returns the undeployed asset balance.
func (v *Vault) Idle() int64 { return v.idle }

// TotalShares returns the outstanding share supply.
func (v *Vault) TotalShares() int64 { return v.totalShares }

// Params returns the current admin-settable parameters.
func (v *Vault) Params() Params { return v.cfg.Params }

// Pool returns the cached market pool configuration.
func (v *Vault) Pool() protocol.PoolConfig { return v.pool }

// Positions returns copies of all open positions, oldest first.
func (v *Vault) Positions() []portfolio.Position { return v.ledger.Positions() }

// LedgerAggregates exposes the portfolio's running aggregates.
func (v *Vault) LedgerAggregates() (totalQuantity, avgMaturityTime, avgEntryPrice int64) {
	return v.ledger.TotalQuantity(), v.ledger.AvgMaturityTime(), v.ledger.AvgEntryPrice()
}

// DrainEvents returns and clears the events staged since the last drain.
// Events staged by completed sub-steps of a failed operation are
// included: they describe state that was retained.
func (v *Vault) DrainEvents() []event.Event {
	out := v.staged
	v.staged = nil
	return out
}

// CanonicalDigest serializes the vault state for hash chaining.
func (v *Vault) CanonicalDigest() []byte {
	ledgerBytes := v.ledger.CanonicalBytes()
	buf := make([]byte, 0, len(ledgerBytes)+32)
	buf = appendInt64LE(buf, v.idle)
	buf = appendInt64LE(buf, v.totalShares)
	buf = appendInt64LE(buf, v.cfg.SlippageToleranceBps)
	buf = appendInt64LE(buf, v.cfg.MaxClosuresPerCall)
	return append(buf, ledgerBytes...)
}

// State captures the vault for snapshotting. The weighted ledger
// aggregates are carried alongside the positions: the live values hold
// rounding from partial closes that re-folding the survivors cannot
// reproduce, and the state digest covers them.
type State struct {
	Positions       []portfolio.Position `json:"positions"`
	AvgMaturityTime int64                `json:"avg_maturity_time"`
	AvgEntryPrice   int64                `json:"avg_entry_price"`
	Idle            int64                `json:"idle"`
	TotalShares     int64                `json:"total_shares"`
	Params          Params               `json:"params"`
}

// State returns a snapshot of the vault.
func (v *Vault) State() State {
	return State{
		Positions:       v.ledger.Positions(),
		AvgMaturityTime: v.ledger.AvgMaturityTime(),
		AvgEntryPrice:   v.ledger.AvgEntryPrice(),
		Idle:            v.idle,
		TotalShares:     v.totalShares,
		Params:          v.cfg.Params,
	}
}

// RestoreState replaces the vault state from a snapshot.
func (v *Vault) RestoreState(s State) error {
	if err := s.Params.Validate(); err != nil {
		return err
	}
	if err := v.ledger.Restore(s.Positions, s.AvgMaturityTime, s.AvgEntryPrice); err != nil {
		return err
	}
	v.idle = s.Idle
	v.totalShares = s.TotalShares
	v.cfg.Params = s.Params
	v.staged = nil
	return nil
}

func (v *Vault) convertToShares(assets, totalAssets int64) int64 {
	if v.totalShares == 0 || totalAssets == 0 {
		return assets // first depositor prices shares 1:1
	}
	return fpmath.MulDiv(assets, v.totalShares, totalAssets, fpmath.RoundDown)
}

func (v *Vault) convertToAssets(shares, totalAssets int64) int64 {
	if v.totalShares == 0 {
		return 0
	}
	return fpmath.MulDiv(shares, totalAssets, v.totalShares, fpmath.RoundDown)
}

func (v *Vault) beginOp(key string) {
	v.opKey = key
	v.opStep = 0
}

func (v *Vault) stepKey() string {
	k := fmt.Sprintf("%s:%d", v.opKey, v.opStep)
	v.opStep++
	return k
}

func (v *Vault) stage(evt event.Event) {
	v.staged = append(v.staged, evt)
}

// unstage withdraws the event at index i from the staged buffer. Used
// to unwind an operation-level event when a later step fails; the step
// events around it describe retained state and stay.
func (v *Vault) unstage(i int) {
	v.staged = append(v.staged[:i], v.staged[i+1:]...)
}

func appendInt64LE(buf []byte, x int64) []byte {
	return append(buf,
		byte(x),
		byte(x>>8),
		byte(x>>16),
		byte(x>>24),
		byte(x>>32),
		byte(x>>40),
		byte(x>>48),
		byte(x>>56),
	)
}
