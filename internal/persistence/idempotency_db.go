package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication, the cold
// tier behind the engine's in-memory LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

// opEventTypes maps each operation namespace to the operation-level
// event type that records its completion. Only that event marks the key
// consumed: a failed operation may have logged retained step events
// ("key:N") and must stay retryable under its original key, and the
// same key under a different namespace is a different operation.
var opEventTypes = map[string]string{
	"deposit":   "Deposited",
	"redeem":    "Redeemed",
	"rebalance": "Rebalanced",
	"config":    "ConfigUpdated",
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks whether the operation already logged its
// operation-level event under this key. The event type qualifies the
// lookup, mirroring the "op:key" composite the LRU tier stores.
func (pic *PostgresIdempotencyChecker) IsDuplicate(op string, idempotencyKey string) (bool, error) {
	eventType, ok := opEventTypes[op]
	if !ok {
		return false, fmt.Errorf("persistence: unknown operation namespace %q", op)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE idempotency_key = $1 AND event_type = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, idempotencyKey, eventType).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil // Not found - not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil // Found - is duplicate
}
