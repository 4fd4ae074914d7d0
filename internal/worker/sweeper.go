package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/service/provision"
)

// Sweeper periodically reclaims instances whose rental period has lapsed.
type Sweeper struct {
	service  *provision.Service
	logger   *zap.Logger
	interval time.Duration
	enabled  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSweeper constructs the expiry sweeper.
func NewSweeper(service *provision.Service, cfg config.Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		logger:   logger,
		interval: cfg.Sweep.Interval,
		enabled:  cfg.Sweep.Enabled,
	}
}

// SweeperModule wires the sweeper into the Fx lifecycle.
var SweeperModule = fx.Options(
	fx.Provide(NewSweeper),
	fx.Invoke(func(lc fx.Lifecycle, sweeper *Sweeper) {
		lc.Append(fx.Hook{
			OnStart: sweeper.start,
			OnStop:  sweeper.stop,
		})
	}),
)

func (s *Sweeper) start(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info("expiry sweeper disabled")

		return nil
	}

	interval := s.interval
	if interval <= 0 {
		interval = time.Hour
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, interval)
	}()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", interval))

	return nil
}

func (s *Sweeper) stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.logger.Info("expiry sweeper stopped")

		return nil
	}
}

func (s *Sweeper) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			terminated, err := s.service.SweepExpired(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))

				continue
			}
			if terminated > 0 {
				s.logger.Info("expiry sweep completed", zap.Int("terminated", terminated))
			}
		}
	}
}
