package protocol

import (
	"context"
	"errors"
)

var (
	// ErrMinOutputNotMet means a close or open produced less than the
	// caller's minimum-output guard. Retryable with relaxed parameters.
	ErrMinOutputNotMet = errors.New("protocol: output below minimum")

	// ErrPriceGuard means the market price violated the caller's
	// price-floor guard on open. Retryable.
	ErrPriceGuard = errors.New("protocol: price below floor")

	// ErrBelowMinimumTransaction means the amount is under the pool's
	// minimum transaction size.
	ErrBelowMinimumTransaction = errors.New("protocol: amount below pool minimum")

	// ErrUnknownPosition means a close referenced a maturity the market
	// has no outstanding quantity for.
	ErrUnknownPosition = errors.New("protocol: unknown position")
)

// PoolConfig holds the market parameters the vault consumes. Fetched
// once at startup; the market treats these as immutable.
type PoolConfig struct {
	// MinimumTransactionAmount is the smallest open or close the market accepts.
	MinimumTransactionAmount int64

	// PositionDuration is the fixed term of every new position, seconds.
	PositionDuration int64

	// CheckpointDuration is the granularity maturities are rounded to.
	// Opens within the same checkpoint mint the same maturity.
	CheckpointDuration int64
}

// Market is the external fixed-term position protocol. All amounts are
// fixed-point base units. Every call can fail on the market's own guard
// rails; such failures abort the enclosing vault operation and are the
// caller's to retry.
type Market interface {
	// OpenPosition spends amount on a new position. minOutput is the
	// least acceptable quantity; minPrice is a floor on the current
	// bond price. Returns the minted maturity and quantity.
	OpenPosition(ctx context.Context, amount, minOutput, minPrice int64) (maturityTime, quantity int64, err error)

	// ClosePosition redeems quantity of the position maturing at
	// maturityTime. minOutput is the least acceptable proceeds.
	ClosePosition(ctx context.Context, maturityTime, quantity, minOutput int64) (proceeds int64, err error)

	// PreviewClosePosition estimates close proceeds without executing.
	PreviewClosePosition(ctx context.Context, maturityTime, quantity int64) (proceeds int64, err error)

	// PoolConfig returns the market's static parameters.
	PoolConfig(ctx context.Context) (PoolConfig, error)

	// CurrentPrice returns the current bond price, price scale.
	CurrentPrice(ctx context.Context) (int64, error)
}
