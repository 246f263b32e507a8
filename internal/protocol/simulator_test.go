package protocol_test

import (
	"context"
	"errors"
	"testing"

	fpmath "everlong/internal/math"
	"everlong/internal/protocol"
)

func testPool() protocol.PoolConfig {
	return protocol.PoolConfig{
		MinimumTransactionAmount: 1_000,
		PositionDuration:         1_000,
		CheckpointDuration:       100,
	}
}

func TestSimulatorOpen_BelowMinimumRejected(t *testing.T) {
	s := protocol.NewSimulator(testPool())

	_, _, err := s.OpenPosition(context.Background(), 999, 0, 0)
	if !errors.Is(err, protocol.ErrBelowMinimumTransaction) {
		t.Errorf("got %v, want ErrBelowMinimumTransaction", err)
	}
}

func TestSimulatorOpen_PriceGuard(t *testing.T) {
	s := protocol.NewSimulator(testPool(), protocol.WithSpotPrice(900_000))

	// Floor above spot trips the guard
	_, _, err := s.OpenPosition(context.Background(), 10_000, 0, 950_000)
	if !errors.Is(err, protocol.ErrPriceGuard) {
		t.Errorf("got %v, want ErrPriceGuard", err)
	}
}

func TestSimulatorOpen_MaturityOnCheckpoint(t *testing.T) {
	now := int64(12_345)
	s := protocol.NewSimulator(testPool(), protocol.WithClock(func() int64 { return now }))

	maturity, quantity, err := s.OpenPosition(context.Background(), 10_000, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// now rounds down to checkpoint 12_300, plus the 1_000s duration
	if maturity != 13_300 {
		t.Errorf("maturity: got %d, want 13_300", maturity)
	}
	// At par spot, quantity equals amount
	if quantity != 10_000 {
		t.Errorf("quantity: got %d, want 10_000", quantity)
	}
}

func TestSimulatorOpen_DiscountMintsMoreQuantity(t *testing.T) {
	s := protocol.NewSimulator(testPool(), protocol.WithSpotPrice(900_000))

	_, quantity, err := s.OpenPosition(context.Background(), 9_000, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// 9_000 / 0.9 = 10_000 bonds
	if quantity != 10_000 {
		t.Errorf("quantity: got %d, want 10_000", quantity)
	}
}

func TestSimulatorClose_AtParAfterMaturity(t *testing.T) {
	now := int64(10_000)
	s := protocol.NewSimulator(testPool(),
		protocol.WithSpotPrice(900_000),
		protocol.WithClock(func() int64 { return now }))

	maturity, quantity, err := s.OpenPosition(context.Background(), 9_000, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now = maturity // advance to maturity
	proceeds, err := s.ClosePosition(context.Background(), maturity, quantity, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if proceeds != quantity {
		t.Errorf("proceeds at par: got %d, want %d", proceeds, quantity)
	}
}

func TestSimulatorClose_HaircutAppliesToExecutionOnly(t *testing.T) {
	now := int64(10_000)
	s := protocol.NewSimulator(testPool(),
		protocol.WithClock(func() int64 { return now }),
		protocol.WithCloseHaircutBps(500))

	maturity, quantity, err := s.OpenPosition(context.Background(), 10_000, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	preview, err := s.PreviewClosePosition(context.Background(), maturity, quantity)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	actual, err := s.ClosePosition(context.Background(), maturity, quantity, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	want := fpmath.ApplyBps(preview, 500)
	if actual != want {
		t.Errorf("haircut execution: got %d, want %d (preview %d)", actual, want, preview)
	}
	if actual >= preview {
		t.Error("immature close should execute below preview with a haircut")
	}
}

func TestSimulatorClose_MinOutputGuard(t *testing.T) {
	now := int64(10_000)
	s := protocol.NewSimulator(testPool(),
		protocol.WithClock(func() int64 { return now }),
		protocol.WithCloseHaircutBps(500))

	maturity, quantity, err := s.OpenPosition(context.Background(), 10_000, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	preview, _ := s.PreviewClosePosition(context.Background(), maturity, quantity)

	// Demanding at least the preview must trip the guard under a haircut
	_, err = s.ClosePosition(context.Background(), maturity, quantity, preview)
	if !errors.Is(err, protocol.ErrMinOutputNotMet) {
		t.Errorf("got %v, want ErrMinOutputNotMet", err)
	}
}

func TestSimulatorClose_UnknownPosition(t *testing.T) {
	s := protocol.NewSimulator(testPool())

	_, err := s.ClosePosition(context.Background(), 99_999, 10, 0)
	if !errors.Is(err, protocol.ErrUnknownPosition) {
		t.Errorf("got %v, want ErrUnknownPosition", err)
	}
}

func TestSimulatorValue_AccretesTowardPar(t *testing.T) {
	now := int64(10_000)
	s := protocol.NewSimulator(testPool(),
		protocol.WithSpotPrice(900_000),
		protocol.WithClock(func() int64 { return now }))

	maturity, quantity, err := s.OpenPosition(context.Background(), 9_000, 0, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	early, err := s.PreviewClosePosition(context.Background(), maturity, quantity)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	now = maturity - 100 // most of the term elapsed
	late, err := s.PreviewClosePosition(context.Background(), maturity, quantity)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	if late <= early {
		t.Errorf("value should accrete toward par: early=%d late=%d", early, late)
	}
	if late >= quantity {
		t.Errorf("immature value should stay below par: late=%d par=%d", late, quantity)
	}
}
