package query

import "time"

// PositionView represents a position read model for API queries.
type PositionView struct {
	MaturityTime  int64      `json:"maturity_time"`
	Quantity      int64      `json:"quantity"`
	AvgEntryPrice int64      `json:"avg_entry_price"`
	Status        string     `json:"status"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	Proceeds      int64      `json:"proceeds"`
	AsOfSequence  int64      `json:"as_of_sequence"`
}

// VaultMetricsView is the projected vault state.
type VaultMetricsView struct {
	Idle                 int64     `json:"idle"`
	TotalShares          int64     `json:"total_shares"`
	SlippageToleranceBps int64     `json:"slippage_tolerance_bps"`
	MaxClosuresPerCall   int64     `json:"max_closures_per_call"`
	UpdatedAt            time.Time `json:"updated_at"`
	AsOfSequence         int64     `json:"as_of_sequence"`
}

// BalanceView is one projected journal account balance.
type BalanceView struct {
	AccountPath  string `json:"account_path"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string    `json:"journal_id"`
	BatchID       string    `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Amount        int64     `json:"amount"`
	Kind          string    `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	GlobalImbalance int64   `json:"global_imbalance"`
}
