package portfolio

import (
	"errors"
	"fmt"

	fpmath "everlong/internal/math"
)

var (
	// ErrOrderingViolation means an open arrived with a maturity older
	// than the newest ledger entry. The external market mints maturities
	// as current time plus a fixed duration, so this indicates a caller
	// bug or a change in the market's duration semantics.
	ErrOrderingViolation = errors.New("portfolio: maturity older than newest position")

	// ErrInsufficientQuantity means a close asked for more quantity than
	// the oldest position holds. Closes never span positions.
	ErrInsufficientQuantity = errors.New("portfolio: close quantity exceeds oldest position")

	// ErrEmptyLedger means a peek or close was attempted with no open positions.
	ErrEmptyLedger = errors.New("portfolio: ledger is empty")

	// ErrIndexOutOfRange means At was called with an index >= Count.
	ErrIndexOutOfRange = errors.New("portfolio: index out of range")
)

// Ledger is a double-ended, FIFO-by-maturity collection of positions plus
// running aggregates. Positions live in the half-open index window
// [head, tail) of a sparse map, so insertion and removal at either end is
// O(1) and reads touch only the positions addressed. Indices are uint64
// and only ever move forward; they do not wrap within any realistic
// vault lifetime.
//
// Invariants, checked by the mutating operations:
//   - maturities are non-decreasing from head to tail, with no duplicates
//     (equal maturities merge on insert);
//   - TotalQuantity equals the sum of all position quantities;
//   - the ledger is empty iff TotalQuantity is zero.
type Ledger struct {
	head  uint64
	tail  uint64
	slots map[uint64]*Position

	totalQuantity   int64
	avgMaturityTime int64 // quantity-weighted, unix seconds
	avgEntryPrice   int64 // quantity-weighted, price scale
}

func NewLedger() *Ledger {
	return &Ledger{
		slots: make(map[uint64]*Position),
	}
}

// Count returns the number of open positions.
func (l *Ledger) Count() uint64 {
	return l.tail - l.head
}

// IsEmpty reports whether the ledger holds no positions.
func (l *Ledger) IsEmpty() bool {
	return l.head == l.tail
}

// TotalQuantity returns the sum of all position quantities.
func (l *Ledger) TotalQuantity() int64 {
	return l.totalQuantity
}

// AvgMaturityTime returns the quantity-weighted mean maturity.
// Zero when the ledger is empty.
func (l *Ledger) AvgMaturityTime() int64 {
	return l.avgMaturityTime
}

// AvgEntryPrice returns the quantity-weighted mean entry price.
// Zero when the ledger is empty.
func (l *Ledger) AvgEntryPrice() int64 {
	return l.avgEntryPrice
}

// PeekOldest returns a copy of the position with the smallest maturity.
func (l *Ledger) PeekOldest() (Position, error) {
	if l.IsEmpty() {
		return Position{}, ErrEmptyLedger
	}
	return *l.slots[l.head], nil
}

// PeekNewest returns a copy of the position with the largest maturity.
func (l *Ledger) PeekNewest() (Position, error) {
	if l.IsEmpty() {
		return Position{}, ErrEmptyLedger
	}
	return *l.slots[l.tail-1], nil
}

// At returns a copy of the i-th position from the oldest end.
func (l *Ledger) At(i uint64) (Position, error) {
	if i >= l.Count() {
		return Position{}, ErrIndexOutOfRange
	}
	return *l.slots[l.head+i], nil
}

// Open records quantity maturing at maturityTime, purchased at entryPrice.
// A maturity equal to the newest entry's merges into it with a
// quantity-weighted entry price; a newer maturity appends; an older
// maturity is rejected with ErrOrderingViolation. Returns a copy of the
// affected position and whether the open merged into an existing one.
func (l *Ledger) Open(maturityTime, quantity, entryPrice int64) (Position, bool, error) {
	if quantity <= 0 {
		return Position{}, false, fmt.Errorf("portfolio: open quantity must be positive, got %d", quantity)
	}

	if !l.IsEmpty() {
		newest := l.slots[l.tail-1]

		if maturityTime < newest.MaturityTime {
			return Position{}, false, fmt.Errorf("%w: incoming %d < newest %d",
				ErrOrderingViolation, maturityTime, newest.MaturityTime)
		}

		if maturityTime == newest.MaturityTime {
			// Merge: same maturity is the same claim against the market.
			newest.AvgEntryPrice = fpmath.WeightedAverage(
				newest.Quantity, newest.AvgEntryPrice, quantity, entryPrice)
			newest.Quantity += quantity
			l.addToAggregates(maturityTime, quantity, entryPrice)
			return *newest, true, nil
		}
	}

	l.slots[l.tail] = &Position{
		MaturityTime:  maturityTime,
		Quantity:      quantity,
		AvgEntryPrice: entryPrice,
	}
	l.tail++
	l.addToAggregates(maturityTime, quantity, entryPrice)

	return *l.slots[l.tail-1], false, nil
}

// CloseOldest removes quantity from the front position. A full-quantity
// close removes the position; a smaller close decrements it in place; a
// larger close fails with ErrInsufficientQuantity and no state change.
// Returns a copy of the front position as it was before the close and
// whether the position was removed.
func (l *Ledger) CloseOldest(quantity int64) (Position, bool, error) {
	if l.IsEmpty() {
		return Position{}, false, ErrEmptyLedger
	}
	if quantity <= 0 {
		return Position{}, false, fmt.Errorf("portfolio: close quantity must be positive, got %d", quantity)
	}

	oldest := l.slots[l.head]
	if quantity > oldest.Quantity {
		return Position{}, false, fmt.Errorf("%w: want %d, have %d",
			ErrInsufficientQuantity, quantity, oldest.Quantity)
	}

	before := *oldest
	l.removeFromAggregates(oldest.MaturityTime, quantity, oldest.AvgEntryPrice)

	if quantity == oldest.Quantity {
		delete(l.slots, l.head)
		l.head++
		return before, true, nil
	}

	oldest.Quantity -= quantity
	return before, false, nil
}

// Positions returns copies of all open positions, oldest first.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, l.Count())
	for i := l.head; i < l.tail; i++ {
		out = append(out, *l.slots[i])
	}
	return out
}

// Restore replaces the ledger contents from a snapshot. Positions must
// be sorted by strictly increasing maturity. The weighted aggregates
// are restored verbatim rather than re-derived: partial closes update
// the live values through the remove path, whose rounding a re-fold of
// the surviving positions cannot reproduce, and CanonicalBytes covers
// the aggregates. Total quantity is exact either way and is recomputed.
func (l *Ledger) Restore(positions []Position, avgMaturityTime, avgEntryPrice int64) error {
	fresh := NewLedger()
	for _, p := range positions {
		if !fresh.IsEmpty() {
			newest := fresh.slots[fresh.tail-1]
			if p.MaturityTime <= newest.MaturityTime {
				return fmt.Errorf("%w: snapshot position %d not strictly newer than %d",
					ErrOrderingViolation, p.MaturityTime, newest.MaturityTime)
			}
		}
		if _, _, err := fresh.Open(p.MaturityTime, p.Quantity, p.AvgEntryPrice); err != nil {
			return err
		}
	}
	if !fresh.IsEmpty() {
		fresh.avgMaturityTime = avgMaturityTime
		fresh.avgEntryPrice = avgEntryPrice
	}
	*l = *fresh
	return nil
}

// CanonicalBytes returns deterministic serialization of the full ledger
// (aggregates then positions, oldest first) for state hashing.
func (l *Ledger) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32+24*int(l.Count()))
	buf = appendInt64LE(buf, int64(l.Count()))
	buf = appendInt64LE(buf, l.totalQuantity)
	buf = appendInt64LE(buf, l.avgMaturityTime)
	buf = appendInt64LE(buf, l.avgEntryPrice)
	for i := l.head; i < l.tail; i++ {
		buf = append(buf, l.slots[i].CanonicalBytes()...)
	}
	return buf
}

func (l *Ledger) addToAggregates(maturityTime, quantity, entryPrice int64) {
	l.avgMaturityTime = fpmath.WeightedAverage(l.totalQuantity, l.avgMaturityTime, quantity, maturityTime)
	l.avgEntryPrice = fpmath.WeightedAverage(l.totalQuantity, l.avgEntryPrice, quantity, entryPrice)
	l.totalQuantity += quantity
}

func (l *Ledger) removeFromAggregates(maturityTime, quantity, entryPrice int64) {
	if quantity == l.totalQuantity {
		l.totalQuantity = 0
		l.avgMaturityTime = 0
		l.avgEntryPrice = 0
		return
	}
	l.avgMaturityTime = fpmath.WeightedAverageRemove(l.totalQuantity, l.avgMaturityTime, quantity, maturityTime)
	l.avgEntryPrice = fpmath.WeightedAverageRemove(l.totalQuantity, l.avgEntryPrice, quantity, entryPrice)
	l.totalQuantity -= quantity
}

func mulDivDown(a, b, denominator int64) int64 {
	return fpmath.MulDiv(a, b, denominator, fpmath.RoundDown)
}
