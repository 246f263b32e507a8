package journal

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalKind classifies an entry for projections and audits.
type JournalKind int32

const (
	KindUnknown JournalKind = iota
	KindDeposit
	KindRedemption
	KindDeploy
	KindRelease
	KindRealizedGain
	KindRealizedLoss
)

func (k JournalKind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindRedemption:
		return "redemption"
	case KindDeploy:
		return "deploy"
	case KindRelease:
		return "release"
	case KindRealizedGain:
		return "realized_gain"
	case KindRealizedLoss:
		return "realized_loss"
	default:
		return "unknown"
	}
}

// Journal is one double-entry record: Amount moves onto the debit
// account and off the credit account.
type Journal struct {
	JournalID uuid.UUID
	BatchID   uuid.UUID
	Debit     Account
	Credit    Account
	Amount    int64
	Kind      JournalKind
}

// Batch groups the journals generated by one domain event. Applied
// atomically; an invalid batch is rejected whole.
type Batch struct {
	BatchID  uuid.UUID
	EventKey string
	Journals []Journal
}

// Validate checks structural soundness: positive amounts, distinct
// accounts. Zero-sum holds by construction of double entries; the
// tracker enforces non-negative vault accounts after application.
func (b *Batch) Validate() error {
	for i, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %d: non-positive amount %d", i, j.Amount)
		}
		if j.Debit == j.Credit {
			return fmt.Errorf("journal %d: debit == credit (%s)", i, j.Debit.Path())
		}
		if j.Debit == AccountUnknown || j.Credit == AccountUnknown {
			return fmt.Errorf("journal %d: unknown account", i)
		}
	}
	return nil
}
