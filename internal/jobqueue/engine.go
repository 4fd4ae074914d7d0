package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
)

// HandlerRegistration binds a job type to its handler.
type HandlerRegistration struct {
	JobType string
	Handler Handler
}

// Params collects engine dependencies via Fx.
type Params struct {
	fx.In

	Queue         Queue
	Logger        *zap.Logger
	Config        config.Config
	Registrations []HandlerRegistration `group:"jobqueue.handlers"`
}

// Engine runs the worker pool that drains the job queue. Each job runs to
// completion on one worker; a slow poll inside a provisioning job only ties
// up that worker.
type Engine struct {
	queue         Queue
	logger        *zap.Logger
	concurrency   int
	registrations map[string]Handler
	cancel        context.CancelFunc
	wg            *sync.WaitGroup
}

// NewEngine constructs the job Engine.
func NewEngine(p Params) *Engine {
	reg := make(map[string]Handler, len(p.Registrations))
	for _, r := range p.Registrations {
		if r.JobType == "" || r.Handler == nil {
			continue
		}
		reg[r.JobType] = r.Handler
	}

	return &Engine{
		queue:         p.Queue,
		logger:        p.Logger,
		concurrency:   p.Config.Queue.Concurrency,
		registrations: reg,
	}
}

func (e *Engine) start(ctx context.Context) error {
	if len(e.registrations) == 0 {
		e.logger.Info("job engine has no handlers; skipping")

		return nil
	}

	concurrency := e.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg = &sync.WaitGroup{}

	for i := 0; i < concurrency; i++ {
		workerID := i
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.workLoop(runCtx, workerID)
		}()
	}

	e.logger.Info("job engine started", zap.Int("workers", concurrency))

	return nil
}

func (e *Engine) stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	done := make(chan struct{})
	go func() {
		if e.wg != nil {
			e.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		e.logger.Info("job engine stopped")

		return nil
	}
}

func (e *Engine) workLoop(ctx context.Context, workerID int) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := e.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			e.logger.Error("dequeue failed", zap.Error(err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if job == nil {
			continue
		}

		handler, ok := e.registrations[job.Type]
		if !ok {
			e.logger.Warn("no handler for job type", zap.String("type", job.Type))

			continue
		}

		e.logger.Debug("processing job",
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempt),
			zap.Int("worker", workerID),
		)

		if err := handler(ctx, *job); err != nil {
			// Handlers own their retry policy; nothing to re-deliver here.
			e.logger.Error("job handler failed", zap.String("type", job.Type), zap.Error(err))
		}
	}
}
