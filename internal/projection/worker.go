package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"everlong/internal/event"
	"everlong/internal/observability"

	"github.com/rs/zerolog"
)

// Output mirrors the data projection workers need. The orchestrator
// bridges between core.CoreOutput and this.
type Output struct {
	Sequence  int64
	EventType event.EventType
	Payload   []byte
	Journals  []JournalEntry
	Timestamp time.Time
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
}

// Worker updates projection tables from processed events. The feed
// channel is non-blocking with drop on the engine side: if projections
// fall behind they are rebuilt from the event log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Continue — projections are eventually consistent and
				// can be rebuilt from the event log.
				pw.log.Warn().Int64("sequence", output.Sequence).Err(err).Msg("projection update failed")
				continue
			}

			pw.lastSeq = output.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionLastSeq.Set(float64(output.Sequence))
			}
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.applyEvent(ctx, tx, output); err != nil {
		return err
	}

	for _, j := range output.Journals {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyEvent maintains the position and vault-metric read models.
func (pw *Worker) applyEvent(ctx context.Context, tx *sql.Tx, output Output) error {
	evt, err := event.Decode(output.EventType, output.Payload)
	if err != nil {
		return err
	}

	switch e := evt.(type) {
	case *event.Deposited:
		return pw.updateVaultMetrics(ctx, tx, e.IdleAfter, e.SharesAfter, output.Sequence)

	case *event.Redeemed:
		return pw.updateVaultMetrics(ctx, tx, e.IdleAfter, e.SharesAfter, output.Sequence)

	case *event.Rebalanced:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.vault_metrics
			SET idle = $1, last_sequence = $2, updated_at = NOW()
			WHERE id = 1
		`, e.IdleAfter, output.Sequence)
		return err

	case *event.ConfigUpdated:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.vault_metrics
			SET slippage_tolerance_bps = $1, max_closures_per_call = $2,
			    last_sequence = $3, updated_at = NOW()
			WHERE id = 1
		`, e.SlippageToleranceBps, e.MaxClosuresPerCall, output.Sequence)
		return err

	case *event.PositionOpened:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(maturity_time, quantity, avg_entry_price, status, opened_at, last_sequence)
			VALUES ($1, $2, $3, 'open', $4, $5)
			ON CONFLICT (maturity_time) DO UPDATE SET
				quantity = $2, avg_entry_price = $3, status = 'open',
				closed_at = NULL, proceeds = 0, last_sequence = $5
		`, e.MaturityTime, e.Quantity, e.AvgEntryPrice, output.Timestamp, output.Sequence)
		return err

	case *event.PositionUpdated:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET quantity = $1, avg_entry_price = $2, last_sequence = $3
			WHERE maturity_time = $4
		`, e.QuantityAfter, e.AvgEntryPrice, output.Sequence, e.MaturityTime)
		return err

	case *event.PositionClosed:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET quantity = 0, status = 'closed', closed_at = $1,
			    proceeds = proceeds + $2, last_sequence = $3
			WHERE maturity_time = $4
		`, output.Timestamp, e.Proceeds, output.Sequence, e.MaturityTime)
		return err
	}

	return nil
}

func (pw *Worker) updateVaultMetrics(ctx context.Context, tx *sql.Tx, idle, shares, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.vault_metrics (id, idle, total_shares, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			idle = $1, total_shares = $2, last_sequence = $3, updated_at = NOW()
	`, idle, shares, seq)
	return err
}

// Balance projections share the tracker's convention: debit adds,
// credit subtracts, so vault accounts read positive.
func (pw *Worker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3
	`, j.DebitAccount, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, -$2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $2, last_sequence = $3
	`, j.CreditAccount, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// Rebuild truncates the projection tables and replays the whole event
// log through the same apply path the live worker uses.
func (pw *Worker) Rebuild(ctx context.Context) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.vault_metrics`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := pw.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := pw.db.QueryContext(ctx, `
		SELECT e.sequence, e.event_type, e.payload, e.timestamp
		FROM event_log.events e
		ORDER BY e.sequence ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq       int64
			eventType string
			payload   []byte
			ts        time.Time
		)
		if err := rows.Scan(&seq, &eventType, &payload, &ts); err != nil {
			return err
		}

		journals, err := pw.loadJournals(ctx, seq)
		if err != nil {
			return err
		}

		out := Output{
			Sequence:  seq,
			EventType: event.ParseEventType(eventType),
			Payload:   payload,
			Journals:  journals,
			Timestamp: ts,
		}
		if err := pw.processOutput(ctx, out); err != nil {
			return fmt.Errorf("rebuild at sequence %d: %w", seq, err)
		}
		pw.lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return err
	}

	pw.log.Info().Int64("last_sequence", pw.lastSeq).Msg("projection rebuild complete")
	return nil
}

func (pw *Worker) loadJournals(ctx context.Context, sequence int64) ([]JournalEntry, error) {
	rows, err := pw.db.QueryContext(ctx, `
		SELECT debit_account, credit_account, amount
		FROM event_log.journal
		WHERE sequence = $1
	`, sequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journals []JournalEntry
	for rows.Next() {
		var j JournalEntry
		if err := rows.Scan(&j.DebitAccount, &j.CreditAccount, &j.Amount); err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}
