package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"everlong/internal/event"
	"everlong/internal/journal"
	fpmath "everlong/internal/math"
	"everlong/internal/observability"
	"everlong/internal/portfolio"
	"everlong/internal/protocol"
	"everlong/internal/vault"

	"github.com/google/uuid"
)

// ErrDuplicateOperation means the idempotency key was already processed.
// The original outcome stands; the caller gets no second execution.
var ErrDuplicateOperation = errors.New("core: duplicate operation")

// Operation names used as the idempotency namespace and metric label.
const (
	OpDeposit   = "deposit"
	OpRedeem    = "redeem"
	OpRebalance = "rebalance"
	OpConfig    = "config"
)

// CoreOutput is what the engine hands to the persistence and projection
// workers for every sealed event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Batch    *journal.Batch
}

// Engine is the single-writer core. Every mutating operation runs under
// one mutex: it executes against the vault (which may call the external
// market), drains the staged events, books their journal batches, seals
// envelopes into the hash chain, and emits them. The persist channel
// gets a BLOCKING send (backpressure: the engine stalls until the
// persistence worker drains), the projection channel a non-blocking
// send with drop (projections rebuild from the event log).
type Engine struct {
	mu sync.Mutex

	vault       *vault.Vault
	sequence    int64
	hasher      *StateHasher
	balances    *journal.BalanceTracker
	generator   *journal.Generator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	now         func() time.Time

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the envelope timestamp source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(
	v *vault.Vault,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	opts ...EngineOption,
) *Engine {
	balances := journal.NewBalanceTracker()

	e := &Engine{
		vault:          v,
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		balances:       balances,
		generator:      journal.NewGenerator(balances),
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker, metrics),
		metrics:        metrics,
		now:            time.Now,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deposit executes a deposit and returns the shares minted.
func (e *Engine) Deposit(ctx context.Context, key string, assets int64) (int64, error) {
	return e.runOp(ctx, OpDeposit, key, func(ctx context.Context, key string) (int64, error) {
		return e.vault.Deposit(ctx, key, assets)
	})
}

// Redeem executes a redemption and returns the assets paid.
func (e *Engine) Redeem(ctx context.Context, key string, shares int64) (int64, error) {
	return e.runOp(ctx, OpRedeem, key, func(ctx context.Context, key string) (int64, error) {
		return e.vault.Redeem(ctx, key, shares)
	})
}

// Rebalance runs one keeper rebalance pass.
func (e *Engine) Rebalance(ctx context.Context, key string) error {
	_, err := e.runOp(ctx, OpRebalance, key, func(ctx context.Context, key string) (int64, error) {
		if err := e.vault.Rebalance(ctx, key); err != nil {
			return 0, err
		}
		if e.metrics != nil {
			e.metrics.Rebalances.Inc()
		}
		return 0, nil
	})
	return err
}

// UpdateParams applies an administrative parameter change.
func (e *Engine) UpdateParams(ctx context.Context, key string, p vault.Params) error {
	_, err := e.runOp(ctx, OpConfig, key, func(ctx context.Context, key string) (int64, error) {
		return 0, e.vault.UpdateParams(key, p)
	})
	return err
}

// runOp is the shared operation pipeline: dedup, execute, commit staged
// events, mark processed. Staged events are committed even when the
// operation failed — completed sub-steps of a failed operation describe
// retained state and must reach the log.
func (e *Engine) runOp(
	ctx context.Context,
	op, key string,
	fn func(ctx context.Context, key string) (int64, error),
) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if key == "" {
		key = uuid.New().String()
	}
	if e.idempotency.IsDuplicate(op, key) {
		return 0, fmt.Errorf("%w: %s %s", ErrDuplicateOperation, op, key)
	}

	start := time.Now()
	result, opErr := fn(ctx, key)

	if err := e.commitStaged(); err != nil {
		// The generator or tracker rejected a batch the vault produced.
		// The in-memory state no longer matches the books.
		panic(fmt.Sprintf("FATAL: journal commit failed for %s %s: %v", op, key, err))
	}

	if opErr != nil {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(op, rejectionReason(opErr)).Inc()
		}
		e.updateGauges()
		return 0, opErr
	}

	e.idempotency.MarkProcessed(op, key)

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	e.updateGauges()
	return result, nil
}

// commitStaged drains the vault's staged events and pushes each through
// the pipeline: journal batch, balance application, hash chain, emit.
func (e *Engine) commitStaged() error {
	for _, evt := range e.vault.DrainEvents() {
		payload, err := event.Encode(evt)
		if err != nil {
			return err
		}

		batch, err := e.generator.BatchFor(evt)
		if err != nil {
			return err
		}
		// Empty batches (Rebalanced, ConfigUpdated) skip application but
		// still get an envelope in the event log.
		if len(batch.Journals) > 0 {
			if err := e.balances.ApplyBatch(batch); err != nil {
				return err
			}
		}

		prevHash := e.hasher.GetPrevHash()
		stateHash := e.hasher.ComputeHash(e.sequence, e.vault.CanonicalDigest())

		envelope := &event.EventEnvelope{
			Sequence:       e.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			Timestamp:      e.now(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}

		e.recordEventMetrics(evt)

		out := CoreOutput{Envelope: envelope, Event: evt, Batch: batch}

		// Blocking send — the engine stalls until persistence drains.
		// This guarantees no event is lost.
		if e.persistChan != nil {
			e.persistChan <- out
		}

		// Non-blocking send — drop on full, projections catch up via rebuild.
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- out:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDrops.Inc()
				}
			}
		}

		e.sequence++
	}
	return nil
}

func (e *Engine) recordEventMetrics(evt event.Event) {
	if e.metrics == nil {
		return
	}
	switch ev := evt.(type) {
	case *event.Redeemed:
		if ev.ShortfallAbsorbed > 0 {
			e.metrics.SlippageAbsorbed.Add(float64(ev.ShortfallAbsorbed))
		}
	case *event.PositionOpened:
		e.metrics.PositionsOpened.Inc()
	case *event.PositionUpdated:
		if ev.QuantityDelta > 0 {
			e.metrics.PositionsOpened.Inc()
		} else {
			e.metrics.PositionsClosed.WithLabelValues("early").Inc()
		}
	case *event.PositionClosed:
		if ev.Matured {
			e.metrics.PositionsClosed.WithLabelValues("matured").Inc()
		} else {
			e.metrics.PositionsClosed.WithLabelValues("early").Inc()
		}
	}
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.Sequence.Set(float64(e.sequence))
	e.metrics.IdleBalance.Set(float64(e.vault.Idle()))
	e.metrics.TotalShares.Set(float64(e.vault.TotalShares()))
	e.metrics.OpenPositions.Set(float64(len(e.vault.Positions())))
}

// rejectionReason maps an operation error to a stable metric label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, vault.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, vault.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, vault.ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, vault.ErrTargetLiquidityUnreachable):
		return "target_unreachable"
	case errors.Is(err, protocol.ErrMinOutputNotMet):
		return "min_output"
	case errors.Is(err, protocol.ErrPriceGuard):
		return "price_guard"
	case errors.Is(err, protocol.ErrBelowMinimumTransaction):
		return "below_minimum"
	case errors.Is(err, portfolio.ErrOrderingViolation):
		return "ordering_violation"
	case errors.Is(err, portfolio.ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, portfolio.ErrEmptyLedger):
		return "empty_ledger"
	default:
		return "internal"
	}
}

// --- Read-side views (still serialized through the engine lock) ---

// TotalAssets estimates idle plus portfolio value at current market terms.
func (e *Engine) TotalAssets(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	total, err := e.vault.TotalAssets(ctx)
	if err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.TotalAssets.Set(float64(total))
		if shares := e.vault.TotalShares(); shares > 0 {
			e.metrics.SharePrice.Set(float64(fpmath.MulDiv(total, fpmath.PriceConfig.Scale, shares, fpmath.RoundHalfEven)))
		}
	}
	return total, nil
}

// CanRebalance reports whether a rebalance would do work right now.
func (e *Engine) CanRebalance() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.CanRebalance()
}

// PreviewDeposit estimates the shares a deposit would mint.
func (e *Engine) PreviewDeposit(ctx context.Context, assets int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.PreviewDeposit(ctx, assets)
}

// PreviewRedeem estimates the assets a redemption would pay.
func (e *Engine) PreviewRedeem(ctx context.Context, shares int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.PreviewRedeem(ctx, shares)
}

// Positions returns copies of all open positions, oldest first.
func (e *Engine) Positions() []portfolio.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.Positions()
}

// VaultStats is a point-in-time view of vault and portfolio state.
type VaultStats struct {
	Sequence        int64        `json:"sequence"`
	Idle            int64        `json:"idle"`
	TotalShares     int64        `json:"total_shares"`
	Params          vault.Params `json:"params"`
	PositionCount   int          `json:"position_count"`
	TotalQuantity   int64        `json:"total_quantity"`
	AvgMaturityTime int64        `json:"avg_maturity_time"`
	AvgEntryPrice   int64        `json:"avg_entry_price"`
}

// Stats returns the current vault view without touching the market.
func (e *Engine) Stats() VaultStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	qty, avgMat, avgPrice := e.vault.LedgerAggregates()
	return VaultStats{
		Sequence:        e.sequence,
		Idle:            e.vault.Idle(),
		TotalShares:     e.vault.TotalShares(),
		Params:          e.vault.Params(),
		PositionCount:   len(e.vault.Positions()),
		TotalQuantity:   qty,
		AvgMaturityTime: avgMat,
		AvgEntryPrice:   avgPrice,
	}
}

// Balances returns the journal account balances keyed by account path.
func (e *Engine) Balances() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances.Snapshot()
}

// GetSequence returns the next sequence the engine will assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current hash chain tip.
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// --- Snapshot & recovery ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Vault           vault.State
	Balances        map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &SnapshotState{
		Sequence:        e.sequence - 1, // Last processed sequence
		StateHash:       e.hasher.GetPrevHash(),
		Vault:           e.vault.State(),
		Balances:        e.balances.Snapshot(),
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot restores the engine's in-memory state. On warm
// restart, the latest snapshot is loaded first, then events after it
// are replayed.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.vault.RestoreState(snap.Vault); err != nil {
		return fmt.Errorf("core: restore vault: %w", err)
	}
	e.balances.Restore(snap.Balances)
	e.hasher.SetPrevHash(snap.StateHash)
	e.sequence = snap.Sequence + 1 // Next sequence to assign
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// ReplayEvent re-applies one logged event during recovery. No market
// calls happen: every event carries the deltas its original execution
// settled, and the stored state hash is adopted as the chain tip rather
// than recomputed.
func (e *Engine) ReplayEvent(env *event.EventEnvelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence {
		return fmt.Errorf("core: replay gap: expected sequence %d, got %d", e.sequence, env.Sequence)
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return err
	}

	if err := e.vault.ApplyReplay(evt); err != nil {
		return err
	}
	e.vault.DrainEvents() // replay stages nothing, but keep the buffer clean

	batch, err := e.generator.BatchFor(evt)
	if err != nil {
		return err
	}
	if len(batch.Journals) > 0 {
		if err := e.balances.ApplyBatch(batch); err != nil {
			return fmt.Errorf("core: replay batch at sequence %d: %w", env.Sequence, err)
		}
	}

	e.markReplayedKey(evt)
	e.hasher.SetPrevHash(env.StateHash)
	e.sequence = env.Sequence + 1
	return nil
}

// markReplayedKey re-arms idempotency for replayed operation-level events
// so the original request keys stay deduplicated after a restart. A
// Rebalanced staged inside a deposit or redeem carries a step key, so
// marking it cannot collide with a real rebalance request key.
func (e *Engine) markReplayedKey(evt event.Event) {
	switch ev := evt.(type) {
	case *event.Deposited:
		e.idempotency.MarkProcessed(OpDeposit, ev.Key)
	case *event.Redeemed:
		e.idempotency.MarkProcessed(OpRedeem, ev.Key)
	case *event.Rebalanced:
		e.idempotency.MarkProcessed(OpRebalance, ev.Key)
	case *event.ConfigUpdated:
		e.idempotency.MarkProcessed(OpConfig, ev.Key)
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}
