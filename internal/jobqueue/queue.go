package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
)

// Job types dispatched through the queue.
const (
	TypeProvision = "instance.provision"
	TypeTerminate = "instance.terminate"
)

// Job is one unit of background work. Payload carries the job-type-specific
// body; Attempt counts Create executions for the provisioning retry policy.
type Job struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one dequeued job. Returning an error only logs it;
// retries are explicit re-enqueues decided by the handler itself.
type Handler func(context.Context, Job) error

// Queue is the durable work queue feeding the orchestration workers.
// Delivery is at-least-once. A delay schedules the job for later pickup,
// which is how exponential backoff between provisioning attempts is
// implemented.
type Queue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks for at most the configured poll timeout and returns
	// (nil, nil) when no job became ready.
	Dequeue(ctx context.Context) (*Job, error)
}

// Module provides the queue and its worker engine to Fx.
var Module = fx.Options(
	fx.Provide(NewQueue),
	fx.Provide(NewEngine),
	fx.Invoke(func(lc fx.Lifecycle, engine *Engine) {
		lc.Append(fx.Hook{
			OnStart: engine.start,
			OnStop:  engine.stop,
		})
	}),
)

// NewQueue initialises the configured queue driver.
func NewQueue(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		logger.Info("job queue using in-memory driver; jobs do not survive restarts")
		return NewMemoryQueue(cfg.Queue.PollTimeout), nil
	case "redis":
		return newRedisQueue(lc, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Queue.Driver)
	}
}
