package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	fpmath "everlong/internal/math"
)

// Simulator is an in-memory Market for local runs and tests. Bonds are
// minted at the current spot price and accrete linearly to par over the
// position duration; an optional haircut on immature closes models the
// gap between previewed and executed proceeds.
type Simulator struct {
	mu sync.Mutex

	cfg       PoolConfig
	spotPrice int64 // price of a freshly minted bond, price scale
	clock     func() int64

	// haircutBps is deducted from executed (not previewed) proceeds of
	// immature closes. Zero means preview == execution.
	haircutBps int64

	// outstanding tracks minted quantity per maturity so closes of
	// unknown positions are rejected.
	outstanding map[int64]int64
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithClock overrides the simulator's time source.
func WithClock(clock func() int64) SimulatorOption {
	return func(s *Simulator) { s.clock = clock }
}

// WithSpotPrice sets the initial bond price.
func WithSpotPrice(price int64) SimulatorOption {
	return func(s *Simulator) { s.spotPrice = price }
}

// WithCloseHaircutBps sets the immature-close execution haircut.
func WithCloseHaircutBps(bps int64) SimulatorOption {
	return func(s *Simulator) { s.haircutBps = bps }
}

func NewSimulator(cfg PoolConfig, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		cfg:         cfg,
		spotPrice:   fpmath.ParPrice,
		clock:       func() int64 { return time.Now().Unix() },
		outstanding: make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSpotPrice moves the market. Test hook.
func (s *Simulator) SetSpotPrice(price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spotPrice = price
}

// SetCloseHaircutBps changes the execution haircut. Test hook.
func (s *Simulator) SetCloseHaircutBps(bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haircutBps = bps
}

func (s *Simulator) OpenPosition(ctx context.Context, amount, minOutput, minPrice int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < s.cfg.MinimumTransactionAmount {
		return 0, 0, fmt.Errorf("%w: amount=%d minimum=%d",
			ErrBelowMinimumTransaction, amount, s.cfg.MinimumTransactionAmount)
	}
	if s.spotPrice < minPrice {
		return 0, 0, fmt.Errorf("%w: spot=%d floor=%d", ErrPriceGuard, s.spotPrice, minPrice)
	}

	quantity := fpmath.MulDiv(amount, fpmath.PriceConfig.Scale, s.spotPrice, fpmath.RoundDown)
	if quantity < minOutput {
		return 0, 0, fmt.Errorf("%w: quantity=%d minOutput=%d", ErrMinOutputNotMet, quantity, minOutput)
	}

	now := s.clock()
	checkpoint := now - now%s.cfg.CheckpointDuration
	maturity := checkpoint + s.cfg.PositionDuration

	s.outstanding[maturity] += quantity
	return maturity, quantity, nil
}

func (s *Simulator) ClosePosition(ctx context.Context, maturityTime, quantity, minOutput int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.outstanding[maturityTime]
	if !ok || held < quantity {
		return 0, fmt.Errorf("%w: maturity=%d quantity=%d held=%d",
			ErrUnknownPosition, maturityTime, quantity, held)
	}

	proceeds := s.valueLocked(maturityTime, quantity)
	if maturityTime > s.clock() && s.haircutBps > 0 {
		proceeds = fpmath.ApplyBps(proceeds, s.haircutBps)
	}

	if proceeds < minOutput {
		return 0, fmt.Errorf("%w: proceeds=%d minOutput=%d", ErrMinOutputNotMet, proceeds, minOutput)
	}

	s.outstanding[maturityTime] -= quantity
	if s.outstanding[maturityTime] == 0 {
		delete(s.outstanding, maturityTime)
	}
	return proceeds, nil
}

func (s *Simulator) PreviewClosePosition(ctx context.Context, maturityTime, quantity int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outstanding[maturityTime]; !ok {
		return 0, fmt.Errorf("%w: maturity=%d", ErrUnknownPosition, maturityTime)
	}
	return s.valueLocked(maturityTime, quantity), nil
}

func (s *Simulator) PoolConfig(ctx context.Context) (PoolConfig, error) {
	return s.cfg, nil
}

func (s *Simulator) CurrentPrice(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spotPrice, nil
}

// valueLocked prices quantity of a position: par at or after maturity,
// otherwise the spot price plus linear accretion toward par over the
// remaining term. Callers hold s.mu.
func (s *Simulator) valueLocked(maturityTime, quantity int64) int64 {
	now := s.clock()

	price := int64(fpmath.ParPrice)
	if maturityTime > now {
		remaining := maturityTime - now
		if remaining > s.cfg.PositionDuration {
			remaining = s.cfg.PositionDuration
		}
		elapsed := s.cfg.PositionDuration - remaining
		accretion := fpmath.MulDiv(fpmath.ParPrice-s.spotPrice, elapsed, s.cfg.PositionDuration, fpmath.RoundDown)
		price = s.spotPrice + accretion
	}

	return fpmath.MulDiv(quantity, price, fpmath.PriceConfig.Scale, fpmath.RoundDown)
}
