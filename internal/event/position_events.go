package event

// PositionOpened records a new position appended to the back of the ledger.
type PositionOpened struct {
	Key           string `json:"key"`
	MaturityTime  int64  `json:"maturity_time"`
	Quantity      int64  `json:"quantity"`
	AvgEntryPrice int64  `json:"avg_entry_price"`
	Cost          int64  `json:"cost"` // assets spent opening
}

func (p *PositionOpened) IdempotencyKey() string { return p.Key }
func (p *PositionOpened) EventType() EventType   { return EventTypePositionOpened }

// PositionUpdated records an in-place change to an existing position:
// a merge at the back (QuantityDelta > 0, Cost and LotEntryPrice set) or
// a partial close at the front (QuantityDelta < 0, Proceeds and
// CostBasisReleased set). AvgEntryPrice is the post-change weighted
// average; LotEntryPrice is the raw price of the merged lot, kept so
// replay reproduces the weighted average exactly.
type PositionUpdated struct {
	Key               string `json:"key"`
	MaturityTime      int64  `json:"maturity_time"`
	QuantityDelta     int64  `json:"quantity_delta"`
	QuantityAfter     int64  `json:"quantity_after"`
	AvgEntryPrice     int64  `json:"avg_entry_price"`
	LotEntryPrice     int64  `json:"lot_entry_price,omitempty"`
	Cost              int64  `json:"cost,omitempty"`
	Proceeds          int64  `json:"proceeds,omitempty"`
	CostBasisReleased int64  `json:"cost_basis_released,omitempty"`
}

func (p *PositionUpdated) IdempotencyKey() string { return p.Key }
func (p *PositionUpdated) EventType() EventType   { return EventTypePositionUpdated }

// PositionClosed records the full close of the oldest position.
type PositionClosed struct {
	Key               string `json:"key"`
	MaturityTime      int64  `json:"maturity_time"`
	Quantity          int64  `json:"quantity"`
	Proceeds          int64  `json:"proceeds"`
	CostBasisReleased int64  `json:"cost_basis_released"`
	Matured           bool   `json:"matured"`
}

func (p *PositionClosed) IdempotencyKey() string { return p.Key }
func (p *PositionClosed) EventType() EventType   { return EventTypePositionClosed }
