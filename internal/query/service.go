package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to projection tables. All responses
// include as_of_sequence so callers can reason about freshness relative
// to the event log.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetPositions returns positions from the read model, open positions
// first, each group ordered by maturity.
func (qs *Service) GetPositions(ctx context.Context, includeClosed bool) ([]PositionView, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT maturity_time, quantity, avg_entry_price, status, opened_at, closed_at, proceeds
		FROM projections.positions
	`
	if !includeClosed {
		query += ` WHERE status = 'open'`
	}
	query += ` ORDER BY status DESC, maturity_time ASC`

	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionView
	for rows.Next() {
		var p PositionView
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.MaturityTime, &p.Quantity, &p.AvgEntryPrice,
			&p.Status, &p.OpenedAt, &p.ClosedAt, &p.Proceeds,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetVaultMetrics returns the projected vault state.
func (qs *Service) GetVaultMetrics(ctx context.Context) (*VaultMetricsView, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var m VaultMetricsView
	m.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT idle, total_shares, slippage_tolerance_bps, max_closures_per_call, updated_at
		FROM projections.vault_metrics
		WHERE id = 1
	`).Scan(&m.Idle, &m.TotalShares, &m.SlippageToleranceBps, &m.MaxClosuresPerCall, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return &m, nil // No operations yet
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetBalances returns all projected journal account balances.
func (qs *Service) GetBalances(ctx context.Context) ([]BalanceView, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, balance
		FROM projections.balances
		ORDER BY account_path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceView
	for rows.Next() {
		var b BalanceView
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.AccountPath, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// GetJournalHistory returns journal entries with cursor pagination.
func (qs *Service) GetJournalHistory(
	ctx context.Context,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, kind, timestamp
		FROM event_log.journal
	`
	args := []interface{}{}
	argIdx := 1

	if afterSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.Kind, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity and the global zero-sum
// invariant over the projected balances.
func (qs *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var imbalance sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT SUM(balance) FROM projections.balances
	`).Scan(&imbalance)
	if err != nil {
		return nil, err
	}
	if imbalance.Valid {
		report.GlobalImbalance = imbalance.Int64
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.GlobalImbalance == 0
	return report, nil
}

func (qs *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
