package vault

import (
	"context"
	"fmt"

	"everlong/internal/portfolio"
)

// TotalAssets values the vault: idle balance plus the estimated
// liquidation proceeds of every open position. This is the share-price
// basis, so preview failures propagate — substituting zero would let
// redeemers mis-price shares.
func (v *Vault) TotalAssets(ctx context.Context) (int64, error) {
	portfolioValue, err := v.estimatePortfolioProceeds(ctx)
	if err != nil {
		return 0, err
	}
	return v.idle + portfolioValue, nil
}

// estimatePortfolioProceeds values each position individually against
// the market's preview. Linear in position count; the O(1) alternative
// of previewing the aggregate (avgMaturityTime, totalQuantity) mis-prices
// portfolios whose positions have diverged in per-unit value, so it is
// not used for anything that feeds the share price.
func (v *Vault) estimatePortfolioProceeds(ctx context.Context) (int64, error) {
	var total int64
	count := v.ledger.Count()
	for i := uint64(0); i < count; i++ {
		pos, err := v.ledger.At(i)
		if err != nil {
			return 0, err
		}
		proceeds, err := v.estimatePositionProceeds(ctx, pos)
		if err != nil {
			return 0, err
		}
		total += proceeds
	}
	return total, nil
}

// estimatePositionProceeds previews the close of one concrete position.
func (v *Vault) estimatePositionProceeds(ctx context.Context, pos portfolio.Position) (int64, error) {
	proceeds, err := v.market.PreviewClosePosition(ctx, pos.MaturityTime, pos.Quantity)
	if err != nil {
		return 0, fmt.Errorf("vault: preview close maturity=%d quantity=%d: %w",
			pos.MaturityTime, pos.Quantity, err)
	}
	return proceeds, nil
}

// previewCloseQuantity previews closing part of a position.
func (v *Vault) previewCloseQuantity(ctx context.Context, maturityTime, quantity int64) (int64, error) {
	proceeds, err := v.market.PreviewClosePosition(ctx, maturityTime, quantity)
	if err != nil {
		return 0, fmt.Errorf("vault: preview close maturity=%d quantity=%d: %w",
			maturityTime, quantity, err)
	}
	return proceeds, nil
}
