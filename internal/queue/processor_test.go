package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/queue"
	"github.com/neeroai/messagebackbone/internal/store"
)

var errAlways = errors.New("handler always fails")

func newTestProcessor(t *testing.T, cfg config.QueueConfig) *queue.Processor {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStore(client, zap.NewNop())
	return queue.New(st, cfg, zap.NewNop())
}

func TestProcessor_PriorityPreemption(t *testing.T) {
	p := newTestProcessor(t, config.QueueConfig{MaxWorkers: 1, MaxConcurrentPerUser: 3})

	var order []models.Priority
	var mu sync.Mutex
	gate := make(chan struct{})

	p.RegisterHandler(models.MessageTypeText, func(ctx context.Context, msg *models.QueuedMessage) error {
		mu.Lock()
		order = append(order, msg.Priority)
		mu.Unlock()
		if len(order) == 1 {
			<-gate
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// enqueue a BATCH message first and let the single worker pick it up and
	// block on `gate`, then enqueue a CRITICAL message — it must be served
	// before any further BATCH work once the worker frees up.
	_, err := p.Enqueue(ctx, "u-low", models.MessageTypeText, json.RawMessage(`{}`), models.PriorityBatch, nil, nil)
	require.NoError(t, err)

	p.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	_, err = p.Enqueue(ctx, "u-high", models.MessageTypeText, json.RawMessage(`{}`), models.PriorityCritical, nil, nil)
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, "u-low2", models.MessageTypeText, json.RawMessage(`{}`), models.PriorityBatch, nil, nil)
	require.NoError(t, err)

	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, models.PriorityBatch, order[0])
	require.Equal(t, models.PriorityCritical, order[1])
	require.Equal(t, models.PriorityBatch, order[2])
}

func TestProcessor_RetryThenDeadLetter(t *testing.T) {
	p := newTestProcessor(t, config.QueueConfig{MaxWorkers: 2, MaxConcurrentPerUser: 3})

	var attempts int32
	p.RegisterHandler(models.MessageTypeText, func(ctx context.Context, msg *models.QueuedMessage) error {
		atomic.AddInt32(&attempts, 1)
		return errAlways
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := p.Enqueue(ctx, "u-1", models.MessageTypeText, json.RawMessage(`{}`), models.PriorityNormal, nil, nil)
	require.NoError(t, err)

	p.Start(ctx)

	require.Eventually(t, func() bool {
		return len(p.DeadLetters()) == 1
	}, 20*time.Second, 50*time.Millisecond)

	require.Equal(t, int32(models.DefaultMaxRetries+1), atomic.LoadInt32(&attempts))
	dl := p.DeadLetters()
	require.Equal(t, models.StatusDeadLetter, dl[0].Status)
}

func TestProcessor_PerUserConcurrencyGate(t *testing.T) {
	p := newTestProcessor(t, config.QueueConfig{MaxWorkers: 10, MaxConcurrentPerUser: 1})

	var maxConcurrent int32
	var current int32

	p.RegisterHandler(models.MessageTypeText, func(ctx context.Context, msg *models.QueuedMessage) error {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := p.Enqueue(ctx, "same-user", models.MessageTypeText, json.RawMessage(`{}`), models.PriorityNormal, nil, nil)
		require.NoError(t, err)
	}

	p.Start(ctx)

	require.Eventually(t, func() bool {
		snap := p.Status()
		return snap.InFlightTotal == 0 && snap.Depths[models.PriorityNormal] == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}
