package portfolio

// Position represents a claim against the external market that redeems
// for a variable payout at or after MaturityTime. Immutable once created
// except for Quantity, which only decreases (partial close) or grows by
// merge when another open lands on the same maturity.
type Position struct {
	MaturityTime  int64 // Unix seconds
	Quantity      int64 // Fixed-point: bond scale
	AvgEntryPrice int64 // Fixed-point: price scale, quantity-weighted
}

// IsMatured reports whether the position can be closed at full value.
func (p *Position) IsMatured(now int64) bool {
	return p.MaturityTime <= now
}

// CostBasis returns the asset amount originally spent on the position's
// remaining quantity, derived from the weighted entry price.
func (p *Position) CostBasis(priceScale int64) int64 {
	return mulDivDown(p.Quantity, p.AvgEntryPrice, priceScale)
}

// CanonicalBytes returns deterministic serialization for state hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 24)
	buf = appendInt64LE(buf, p.MaturityTime)
	buf = appendInt64LE(buf, p.Quantity)
	buf = appendInt64LE(buf, p.AvgEntryPrice)
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
