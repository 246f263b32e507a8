package journal

import (
	"fmt"

	"everlong/internal/event"

	"github.com/google/uuid"
)

// Generator maps domain events to balanced journal batches. It consults
// the balance tracker so that cost-basis releases never overdraw the
// deployed account when weighted-average rounding has drifted a unit or
// two from the exact amounts spent.
type Generator struct {
	balances *BalanceTracker
}

func NewGenerator(balances *BalanceTracker) *Generator {
	return &Generator{balances: balances}
}

// BatchFor produces the journal batch for one domain event. Events with
// no balance effect (Rebalanced, ConfigUpdated) yield an empty batch.
func (g *Generator) BatchFor(evt event.Event) (*Batch, error) {
	batch := &Batch{
		BatchID:  uuid.New(),
		EventKey: evt.IdempotencyKey(),
	}

	switch e := evt.(type) {
	case *event.Deposited:
		g.add(batch, AccountVaultIdle, AccountExternalDepositors, e.Assets, KindDeposit)

	case *event.Redeemed:
		g.add(batch, AccountExternalDepositors, AccountVaultIdle, e.AssetsPaid, KindRedemption)

	case *event.PositionOpened:
		g.add(batch, AccountVaultDeployed, AccountVaultIdle, e.Cost, KindDeploy)

	case *event.PositionUpdated:
		if e.QuantityDelta > 0 {
			g.add(batch, AccountVaultDeployed, AccountVaultIdle, e.Cost, KindDeploy)
		} else {
			g.addClose(batch, e.Proceeds, e.CostBasisReleased)
		}

	case *event.PositionClosed:
		g.addClose(batch, e.Proceeds, e.CostBasisReleased)

	case *event.Rebalanced, *event.ConfigUpdated:
		// No balance movement of their own; the position events they
		// accompany carry the flows.

	default:
		return nil, fmt.Errorf("journal: no mapping for event type %s", evt.EventType())
	}

	return batch, nil
}

// addClose books a close: the cost basis moves back from deployed to
// idle, and the difference against actual proceeds is realized against
// the market account.
func (g *Generator) addClose(batch *Batch, proceeds, costBasis int64) {
	if deployed := g.balances.GetBalance(AccountVaultDeployed); costBasis > deployed {
		costBasis = deployed
	}

	if costBasis > 0 {
		g.add(batch, AccountVaultIdle, AccountVaultDeployed, costBasis, KindRelease)
	}

	switch {
	case proceeds > costBasis:
		g.add(batch, AccountVaultIdle, AccountExternalMarket, proceeds-costBasis, KindRealizedGain)
	case proceeds < costBasis:
		g.add(batch, AccountExternalMarket, AccountVaultIdle, costBasis-proceeds, KindRealizedLoss)
	}
}

func (g *Generator) add(batch *Batch, debit, credit Account, amount int64, kind JournalKind) {
	if amount <= 0 {
		return
	}
	batch.Journals = append(batch.Journals, Journal{
		JournalID: uuid.New(),
		BatchID:   batch.BatchID,
		Debit:     debit,
		Credit:    credit,
		Amount:    amount,
		Kind:      kind,
	})
}
