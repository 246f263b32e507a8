package vault

import (
	"context"
	"fmt"

	"everlong/internal/event"
	fpmath "everlong/internal/math"
)

// CanRebalance reports whether a mutating rebalance would do work:
// a matured position exists or the deployment policy would deploy idle.
// Cheap and read-only so keepers can poll it before spending a call.
func (v *Vault) CanRebalance() bool {
	if oldest, err := v.ledger.PeekOldest(); err == nil && oldest.IsMatured(v.clock()) {
		return true
	}
	amount := v.cfg.IdleDeployment(v.idle, v.pool)
	return amount >= v.pool.MinimumTransactionAmount && amount > 0
}

// rebalance runs one pass: close everything matured, then deploy idle.
// A deploy failure aborts the pass — silently skipping it would leave
// capital un-invested with nothing signalling that to operators.
// rebalancedKey supplies the key for the Rebalanced event: the keeper
// entrypoint passes the request key itself, deposit/redeem pass a step
// key of the enclosing operation.
func (v *Vault) rebalance(ctx context.Context, rebalancedKey func() string) error {
	maturedProceeds, maturedClosed, err := v.closeMatured(ctx)
	if err != nil {
		return err
	}

	deployed, err := v.deployIdle(ctx)
	if err != nil {
		return err
	}

	v.stage(&event.Rebalanced{
		Key:             rebalancedKey(),
		MaturedClosed:   maturedClosed,
		MaturedProceeds: maturedProceeds,
		IdleDeployed:    deployed,
		IdleAfter:       v.idle,
	})
	return nil
}

// closeMatured fully closes front positions whose maturity has passed,
// feeding proceeds into the idle balance.
func (v *Vault) closeMatured(ctx context.Context) (proceeds int64, closed int64, err error) {
	now := v.clock()

	for {
		oldest, peekErr := v.ledger.PeekOldest()
		if peekErr != nil || !oldest.IsMatured(now) {
			return proceeds, closed, nil
		}

		estimated, err := v.estimatePositionProceeds(ctx, oldest)
		if err != nil {
			return proceeds, closed, err
		}
		minOutput := v.cfg.MinOutput(estimated, v.cfg.SlippageToleranceBps)

		actual, err := v.market.ClosePosition(ctx, oldest.MaturityTime, oldest.Quantity, minOutput)
		if err != nil {
			return proceeds, closed, fmt.Errorf("vault: close matured maturity=%d: %w", oldest.MaturityTime, err)
		}

		if _, _, err := v.ledger.CloseOldest(oldest.Quantity); err != nil {
			// The market accepted a close the ledger cannot account for.
			return proceeds, closed, fmt.Errorf("vault: ledger desync on matured close: %w", err)
		}
		v.idle += actual
		proceeds += actual
		closed++

		v.stage(&event.PositionClosed{
			Key:               v.stepKey(),
			MaturityTime:      oldest.MaturityTime,
			Quantity:          oldest.Quantity,
			Proceeds:          actual,
			CostBasisReleased: oldest.CostBasis(fpmath.PriceConfig.Scale),
			Matured:           true,
		})
	}
}

// deployIdle opens one position with the policy's share of the idle
// balance. Returns the amount deployed; zero when under the pool minimum.
func (v *Vault) deployIdle(ctx context.Context) (int64, error) {
	amount := v.cfg.IdleDeployment(v.idle, v.pool)
	if amount <= 0 || amount < v.pool.MinimumTransactionAmount {
		return 0, nil
	}
	if amount > v.idle {
		amount = v.idle
	}

	price, err := v.market.CurrentPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("vault: current price: %w", err)
	}

	minPrice := v.cfg.MinPrice(price, v.cfg.SlippageToleranceBps)
	estimatedQuantity := fpmath.MulDiv(amount, fpmath.PriceConfig.Scale, price, fpmath.RoundDown)
	minOutput := v.cfg.MinOutput(estimatedQuantity, v.cfg.SlippageToleranceBps)

	maturity, quantity, err := v.market.OpenPosition(ctx, amount, minOutput, minPrice)
	if err != nil {
		return 0, fmt.Errorf("vault: open position amount=%d: %w", amount, err)
	}

	entryPrice := fpmath.MulDiv(amount, fpmath.PriceConfig.Scale, quantity, fpmath.RoundHalfEven)
	pos, merged, err := v.ledger.Open(maturity, quantity, entryPrice)
	if err != nil {
		// Ordering violation: the market minted an older maturity than
		// the ledger's newest. Unrecoverable from here.
		return 0, fmt.Errorf("vault: record opened position: %w", err)
	}
	v.idle -= amount

	if merged {
		v.stage(&event.PositionUpdated{
			Key:           v.stepKey(),
			MaturityTime:  pos.MaturityTime,
			QuantityDelta: quantity,
			QuantityAfter: pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
			LotEntryPrice: entryPrice,
			Cost:          amount,
		})
	} else {
		v.stage(&event.PositionOpened{
			Key:           v.stepKey(),
			MaturityTime:  pos.MaturityTime,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice,
			Cost:          amount,
		})
	}
	return amount, nil
}
