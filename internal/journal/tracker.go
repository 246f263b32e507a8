package journal

import (
	"fmt"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[Account]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[Account]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.Debit] += j.Amount
	bt.balances[j.Credit] -= j.Amount
}

// ApplyBatch validates and applies all journals in a batch, then checks
// that no vault account went negative. A violation here means the
// generator produced entries inconsistent with the vault state — a
// fatal invariant break for the caller to escalate.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	for _, acct := range []Account{AccountVaultIdle, AccountVaultDeployed} {
		if bt.balances[acct] < 0 {
			return fmt.Errorf("account %s negative after batch %s: %d",
				acct.Path(), batch.BatchID, bt.balances[acct])
		}
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(a Account) int64 {
	return bt.balances[a]
}

// GlobalSum adds every account balance; a zero-sum ledger returns 0.
func (bt *BalanceTracker) GlobalSum() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// Snapshot returns a copy of all balances keyed by account path.
func (bt *BalanceTracker) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64, len(bt.balances))
	for a, v := range bt.balances {
		snapshot[a.Path()] = v
	}
	return snapshot
}

// Restore replaces balances from a snapshot keyed by account path.
func (bt *BalanceTracker) Restore(snapshot map[string]int64) {
	bt.balances = make(map[Account]int64, len(snapshot))
	for path, v := range snapshot {
		for _, a := range []Account{AccountVaultIdle, AccountVaultDeployed, AccountExternalDepositors, AccountExternalMarket} {
			if a.Path() == path {
				bt.balances[a] = v
			}
		}
	}
}
