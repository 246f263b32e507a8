package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"everlong/internal/core"
	"everlong/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const leaseKey = "everlong:keeper:lease"

// Rebalancer is the slice of the engine the keeper drives.
type Rebalancer interface {
	Rebalance(ctx context.Context, key string) error
	CanRebalance() bool
}

// Keeper polls the vault on a cron schedule and triggers a rebalance
// when one would do work. A Redis lease (SetNX with TTL) elects a single
// active keeper when several replicas run; losing the lease is normal,
// not an error.
type Keeper struct {
	engine   Rebalancer
	redis    *redis.Client
	cron     *cron.Cron
	schedule string
	leaseTTL time.Duration
	log      zerolog.Logger
}

func New(engine Rebalancer, redisClient *redis.Client, schedule string, leaseTTL time.Duration) *Keeper {
	return &Keeper{
		engine:   engine,
		redis:    redisClient,
		cron:     cron.New(),
		schedule: schedule,
		leaseTTL: leaseTTL,
		log:      observability.NewLogger("keeper"),
	}
}

// Start registers the cron entry and starts the scheduler.
func (k *Keeper) Start(ctx context.Context) error {
	_, err := k.cron.AddFunc(k.schedule, func() {
		k.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("keeper: add cron job: %w", err)
	}

	k.cron.Start()
	k.log.Info().Str("schedule", k.schedule).Msg("keeper started")
	return nil
}

// Stop stops the scheduler and waits for a running tick to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
}

func (k *Keeper) tick(ctx context.Context) {
	if !k.engine.CanRebalance() {
		return
	}

	if k.redis != nil {
		ok, err := k.acquireLease(ctx)
		if err != nil {
			k.log.Warn().Err(err).Msg("lease check failed, skipping tick")
			return
		}
		if !ok {
			return // Another keeper holds the lease
		}
	}

	key := fmt.Sprintf("keeper:%s", uuid.New())
	start := time.Now()

	err := k.engine.Rebalance(ctx, key)
	switch {
	case err == nil:
		k.log.Info().Str("key", key).Dur("took", time.Since(start)).Msg("rebalanced")
	case errors.Is(err, core.ErrDuplicateOperation):
		// Lost a race with another trigger source; nothing to do.
	default:
		k.log.Warn().Str("key", key).Err(err).Msg("rebalance failed")
	}
}

// acquireLease takes the keeper lease for one TTL window. The lease is
// deliberately not released after the tick: the TTL spacing throttles
// how often the fleet rebalances.
func (k *Keeper) acquireLease(ctx context.Context) (bool, error) {
	return k.redis.SetNX(ctx, leaseKey, uuid.New().String(), k.leaseTTL).Result()
}
