package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
)

// promoteBatch caps how many due delayed jobs one Dequeue call moves onto
// the ready list.
const promoteBatch = 64

// redisQueue stores ready jobs on a list and delayed jobs on a sorted set
// scored by their ready-at time. Workers promote due jobs before blocking
// on the list, so a dedicated scheduler process is not needed.
type redisQueue struct {
	client      *goredis.Client
	readyKey    string
	delayedKey  string
	pollTimeout time.Duration
	logger      *zap.Logger
}

func newRedisQueue(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Queue, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
	})

	q := &redisQueue{
		client:      client,
		readyKey:    cfg.Queue.ReadyKey,
		delayedKey:  cfg.Queue.DelayedKey,
		pollTimeout: cfg.Queue.PollTimeout,
		logger:      logger,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("ping redis queue: %w", err)
			}
			logger.Info("redis job queue connected", zap.String("addr", cfg.Cache.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing redis job queue")
			return client.Close()
		},
	})

	return q, nil
}

func (q *redisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	if delay <= 0 {
		return q.client.LPush(ctx, q.readyKey, raw).Err()
	}

	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, q.delayedKey, goredis.Z{Score: readyAt, Member: raw}).Err()
}

func (q *redisQueue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("promoting delayed jobs failed", zap.Error(err))
	}

	res, err := q.client.BRPop(ctx, q.pollTimeout, q.readyKey).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// promoteDue moves jobs whose ready-at time has passed from the delayed set
// onto the ready list.
func (q *redisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}

	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey, raw).Result()
		if err != nil {
			return err
		}
		// Another worker promoted this one first.
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey, raw).Err(); err != nil {
			return err
		}
	}
	return nil
}
