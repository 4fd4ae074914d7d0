package jobqueue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
)

func newEngineForTest(q Queue, regs ...HandlerRegistration) *Engine {
	return NewEngine(Params{
		Queue:  q,
		Logger: zap.NewNop(),
		Config: config.Config{
			Queue: config.Queue{Concurrency: 2},
		},
		Registrations: regs,
	})
}

func TestEngineDispatchesByType(t *testing.T) {
	q := NewMemoryQueue(10 * time.Millisecond)
	defer q.Close()

	var provisions, terminations atomic.Int32
	engine := newEngineForTest(q,
		HandlerRegistration{JobType: TypeProvision, Handler: func(ctx context.Context, job Job) error {
			provisions.Add(1)
			return nil
		}},
		HandlerRegistration{JobType: TypeTerminate, Handler: func(ctx context.Context, job Job) error {
			terminations.Add(1)
			return nil
		}},
	)

	require.NoError(t, engine.start(context.Background()))

	payload, _ := json.Marshal(map[string]string{"order_id": "ord-1"})
	require.NoError(t, q.Enqueue(context.Background(), Job{Type: TypeProvision, Payload: payload}, 0))
	require.NoError(t, q.Enqueue(context.Background(), Job{Type: TypeProvision, Payload: payload}, 0))
	require.NoError(t, q.Enqueue(context.Background(), Job{Type: TypeTerminate, Payload: payload}, 0))

	require.Eventually(t, func() bool {
		return provisions.Load() == 2 && terminations.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.stop(stopCtx))
}

func TestEngineSurvivesHandlerError(t *testing.T) {
	q := NewMemoryQueue(10 * time.Millisecond)
	defer q.Close()

	var calls atomic.Int32
	engine := newEngineForTest(q,
		HandlerRegistration{JobType: TypeProvision, Handler: func(ctx context.Context, job Job) error {
			calls.Add(1)
			return assert.AnError
		}},
	)

	require.NoError(t, engine.start(context.Background()))

	require.NoError(t, q.Enqueue(context.Background(), Job{Type: TypeProvision}, 0))
	require.NoError(t, q.Enqueue(context.Background(), Job{Type: TypeProvision}, 0))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.stop(stopCtx))
}

func TestEngineSkipsUnknownJobType(t *testing.T) {
	q := NewMemoryQueue(10 * time.Millisecond)
	defer q.Close()

	var calls atomic.Int32
	engine := newEngineForTest(q,
		HandlerRegistration{JobType: TypeProvision, Handler: func(ctx context.Context, job Job) error {
			calls.Add(1)
			return nil
		}},
	)

	require.NoError(t, engine.start(context.Background()))

	require.NoError(t, q.Enqueue(context.Background(), Job{Type: "unknown.type"}, 0))
	require.NoError(t, q.Enqueue(context.Background(), Job{Type: TypeProvision}, 0))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.stop(stopCtx))
}

func TestEngineWithoutHandlersDoesNotStart(t *testing.T) {
	q := NewMemoryQueue(10 * time.Millisecond)
	defer q.Close()

	engine := newEngineForTest(q)
	require.NoError(t, engine.start(context.Background()))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.stop(stopCtx))
}
