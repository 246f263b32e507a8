package vault

import (
	"errors"
	"fmt"

	fpmath "everlong/internal/math"
	"everlong/internal/protocol"
)

// ErrInvalidParams rejects out-of-range admin parameters.
var ErrInvalidParams = errors.New("vault: invalid params")

// MinOutputPolicy computes the minimum acceptable output for an open or
// close, given the estimated output and the configured tolerance.
type MinOutputPolicy func(estimated, slippageToleranceBps int64) int64

// MinPricePolicy computes the price floor passed to OpenPosition, given
// the current market price and the configured tolerance.
type MinPricePolicy func(currentPrice, slippageToleranceBps int64) int64

// IdleDeploymentPolicy decides how much idle capital a rebalance deploys.
type IdleDeploymentPolicy func(idle int64, pool protocol.PoolConfig) int64

// Params are the serializable, admin-settable knobs. They travel in
// ConfigUpdated events and snapshots.
type Params struct {
	// SlippageToleranceBps widens the gap tolerated between estimated
	// and executed amounts before the market's guards trip.
	SlippageToleranceBps int64 `json:"slippage_tolerance_bps"`

	// MaxClosuresPerCall bounds how many positions a single redemption
	// may close. Zero means unbounded.
	MaxClosuresPerCall int64 `json:"max_closures_per_call"`
}

func (p Params) Validate() error {
	if p.SlippageToleranceBps < 0 || p.SlippageToleranceBps >= 10_000 {
		return fmt.Errorf("%w: slippage tolerance %d bps out of range [0, 10000)", ErrInvalidParams, p.SlippageToleranceBps)
	}
	if p.MaxClosuresPerCall < 0 {
		return fmt.Errorf("%w: max closures per call must be >= 0, got %d", ErrInvalidParams, p.MaxClosuresPerCall)
	}
	return nil
}

// Config holds the vault's rebalance and redemption policies. The
// policies are pure functions injected at construction; the Params are
// mutable through the admin surface.
type Config struct {
	Params

	MinOutput      MinOutputPolicy
	MinPrice       MinPricePolicy
	IdleDeployment IdleDeploymentPolicy
}

// DefaultConfig deploys all idle capital and tolerates 50 bps slippage.
func DefaultConfig() Config {
	return Config{
		Params: Params{
			SlippageToleranceBps: 50,
			MaxClosuresPerCall:   0,
		},
		MinOutput:      DefaultMinOutput,
		MinPrice:       DefaultMinPrice,
		IdleDeployment: DeployAllIdle,
	}
}

// DefaultMinOutput accepts estimated minus the tolerance.
func DefaultMinOutput(estimated, slippageToleranceBps int64) int64 {
	return fpmath.ApplyBps(estimated, slippageToleranceBps)
}

// DefaultMinPrice floors the open at current price minus the tolerance.
func DefaultMinPrice(currentPrice, slippageToleranceBps int64) int64 {
	return fpmath.ApplyBps(currentPrice, slippageToleranceBps)
}

// DeployAllIdle is the default deployment policy: everything above the
// pool minimum goes into the next position.
func DeployAllIdle(idle int64, pool protocol.PoolConfig) int64 {
	if idle < pool.MinimumTransactionAmount {
		return 0
	}
	return idle
}

func (c *Config) normalize() {
	if c.MinOutput == nil {
		c.MinOutput = DefaultMinOutput
	}
	if c.MinPrice == nil {
		c.MinPrice = DefaultMinPrice
	}
	if c.IdleDeployment == nil {
		c.IdleDeployment = DeployAllIdle
	}
}
