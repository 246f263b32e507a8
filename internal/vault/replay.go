package vault

import (
	"fmt"

	"everlong/internal/event"
)

// ApplyReplay re-applies a logged event to the vault state during
// recovery. Replay touches no external market — every event carries the
// deltas its original execution already settled. Events are expected in
// log order; position events replay through the same ledger operations
// that produced them, so the ordering and conservation invariants are
// re-checked for free.
func (v *Vault) ApplyReplay(evt event.Event) error {
	switch e := evt.(type) {
	case *event.Deposited:
		v.idle += e.Assets
		v.totalShares += e.SharesMinted

	case *event.Redeemed:
		v.idle -= e.AssetsPaid
		v.totalShares -= e.SharesBurned

	case *event.PositionOpened:
		if _, _, err := v.ledger.Open(e.MaturityTime, e.Quantity, e.AvgEntryPrice); err != nil {
			return fmt.Errorf("vault: replay open: %w", err)
		}
		v.idle -= e.Cost

	case *event.PositionUpdated:
		if e.QuantityDelta > 0 {
			if _, _, err := v.ledger.Open(e.MaturityTime, e.QuantityDelta, e.LotEntryPrice); err != nil {
				return fmt.Errorf("vault: replay merge: %w", err)
			}
			v.idle -= e.Cost
		} else {
			if _, _, err := v.ledger.CloseOldest(-e.QuantityDelta); err != nil {
				return fmt.Errorf("vault: replay partial close: %w", err)
			}
			v.idle += e.Proceeds
		}

	case *event.PositionClosed:
		if _, _, err := v.ledger.CloseOldest(e.Quantity); err != nil {
			return fmt.Errorf("vault: replay close: %w", err)
		}
		v.idle += e.Proceeds

	case *event.Rebalanced:
		// Carries totals only; the position events hold the deltas.

	case *event.ConfigUpdated:
		v.cfg.Params = Params{
			SlippageToleranceBps: e.SlippageToleranceBps,
			MaxClosuresPerCall:   e.MaxClosuresPerCall,
		}

	default:
		return fmt.Errorf("vault: replay: unknown event type %s", evt.EventType())
	}

	if v.idle < 0 {
		return fmt.Errorf("vault: replay drove idle negative (%d) at event %s", v.idle, evt.IdempotencyKey())
	}
	return nil
}
