package vault

import (
	"context"
	"fmt"

	"everlong/internal/event"
	fpmath "everlong/internal/math"
)

// ensureIdle frees liquidity until the idle balance covers target,
// closing positions oldest-first: matured ones in full, then immature
// ones, partially when a partial close bridges the remaining gap.
//
// Whenever a close executes below its estimate, the difference is
// subtracted from the remaining target instead of being charged to the
// holders who stay — the redeemer triggered the early close and bears
// its slippage. Returns the total shortfall absorbed that way.
//
// Fails with ErrTargetLiquidityUnreachable when every position is gone
// (or the closure limit is hit) and the adjusted target is still not
// covered. Closes executed before the failure are retained; each was
// atomic and final against the market.
func (v *Vault) ensureIdle(ctx context.Context, target int64) (int64, error) {
	if v.idle >= target {
		return 0, nil
	}

	if _, _, err := v.closeMatured(ctx); err != nil {
		return 0, err
	}

	var shortfall int64
	var closures int64

	for v.idle < target-shortfall {
		if v.ledger.IsEmpty() {
			return shortfall, fmt.Errorf("%w: idle=%d target=%d shortfall=%d",
				ErrTargetLiquidityUnreachable, v.idle, target, shortfall)
		}
		if v.cfg.MaxClosuresPerCall > 0 && closures >= v.cfg.MaxClosuresPerCall {
			return shortfall, fmt.Errorf("%w: closure limit %d reached, idle=%d target=%d",
				ErrTargetLiquidityUnreachable, v.cfg.MaxClosuresPerCall, v.idle, target-shortfall)
		}

		oldest, err := v.ledger.PeekOldest()
		if err != nil {
			return shortfall, err
		}

		estimatedFull, err := v.estimatePositionProceeds(ctx, oldest)
		if err != nil {
			return shortfall, err
		}

		needed := target - shortfall - v.idle
		closeQuantity := oldest.Quantity
		estimated := estimatedFull

		if estimatedFull > needed {
			// Close only the slice that bridges the gap, rounded up so
			// one pass suffices at the estimated price. The market
			// refuses dust closes, so respect its minimum.
			closeQuantity = fpmath.MulDiv(oldest.Quantity, needed, estimatedFull, fpmath.RoundUp)
			if closeQuantity < v.pool.MinimumTransactionAmount {
				closeQuantity = v.pool.MinimumTransactionAmount
			}
			if closeQuantity > oldest.Quantity {
				closeQuantity = oldest.Quantity
			}
			if closeQuantity < oldest.Quantity {
				estimated, err = v.previewCloseQuantity(ctx, oldest.MaturityTime, closeQuantity)
				if err != nil {
					return shortfall, err
				}
			}
		}

		minOutput := v.cfg.MinOutput(estimated, v.cfg.SlippageToleranceBps)
		actual, err := v.market.ClosePosition(ctx, oldest.MaturityTime, closeQuantity, minOutput)
		if err != nil {
			return shortfall, fmt.Errorf("vault: close for redemption maturity=%d quantity=%d: %w",
				oldest.MaturityTime, closeQuantity, err)
		}

		before, removed, err := v.ledger.CloseOldest(closeQuantity)
		if err != nil {
			return shortfall, fmt.Errorf("vault: ledger desync on redemption close: %w", err)
		}

		if actual < estimated {
			shortfall += estimated - actual
		}
		v.idle += actual
		closures++

		costBasis := fpmath.MulDiv(closeQuantity, before.AvgEntryPrice, fpmath.PriceConfig.Scale, fpmath.RoundDown)
		if removed {
			v.stage(&event.PositionClosed{
				Key:               v.stepKey(),
				MaturityTime:      before.MaturityTime,
				Quantity:          closeQuantity,
				Proceeds:          actual,
				CostBasisReleased: costBasis,
				Matured:           before.IsMatured(v.clock()),
			})
		} else {
			v.stage(&event.PositionUpdated{
				Key:               v.stepKey(),
				MaturityTime:      before.MaturityTime,
				QuantityDelta:     -closeQuantity,
				QuantityAfter:     before.Quantity - closeQuantity,
				AvgEntryPrice:     before.AvgEntryPrice,
				Proceeds:          actual,
				CostBasisReleased: costBasis,
			})
		}
	}

	return shortfall, nil
}
