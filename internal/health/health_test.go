package health_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/cache"
	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/health"
	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
}

func TestController_CriticalTransitionTriggersFailover(t *testing.T) {
	st := newTestStore(t)
	c, err := cache.New(st, nil, config.CacheConfig{}, zap.NewNop())
	require.NoError(t, err)

	var scaled int32
	var restarted int32
	fakeInfra := &fakeInfra{onScale: func() { atomic.AddInt32(&scaled, 1) }, onRestart: func() { atomic.AddInt32(&restarted, 1) }}

	alerts := health.NewAlertEngine(nil, st, zap.NewNop())
	snapshots := health.NewSnapshotStore(5, "test", fakeInfra, st, zap.NewNop())

	ctrl := health.New(config.HealthConfig{
		CheckInterval:     10 * time.Millisecond,
		FailoverStageGap:  5 * time.Millisecond,
		StabilizationWait: 5 * time.Millisecond,
	}, st, c, fakeInfra, alerts, snapshots, 2, 10, zap.NewNop())

	failing := int32(1)
	ctrl.RegisterCheck("whatsapp-api", "https://example.test/health", time.Second, 200, true, func(ctx context.Context) (int, error) {
		if atomic.LoadInt32(&failing) == 1 {
			return 500, nil
		}
		return 200, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.RunProbeLoop(ctx)

	require.Eventually(t, func() bool {
		return ctrl.Status() == models.SystemStatusCritical
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&scaled) > 0 && atomic.LoadInt32(&restarted) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAlertEngine_SustainAndCooldown(t *testing.T) {
	st := newTestStore(t)
	engine := health.NewAlertEngine([]models.AlertRule{
		{
			Name:       "high_error_rate",
			Metric:     "error_rate",
			Comparison: models.ComparisonGT,
			Threshold:  0.1,
			SustainFor: 20 * time.Millisecond,
			Level:      models.AlertLevelError,
			Cooldown:   time.Hour,
			Enabled:    true,
		},
	}, st, zap.NewNop())

	ctx := context.Background()
	engine.EvaluateMetric(ctx, "error_rate", 0.5)
	require.Empty(t, engine.Active(), "must not fire before sustain window elapses")

	time.Sleep(30 * time.Millisecond)
	engine.EvaluateMetric(ctx, "error_rate", 0.5)
	require.Len(t, engine.Active(), 1)

	engine.EvaluateMetric(ctx, "error_rate", 0.5)
	require.Len(t, engine.Active(), 1, "cooldown must suppress immediate re-fire")

	engine.EvaluateMetric(ctx, "error_rate", 0.01)
	require.Empty(t, engine.Active(), "clearing the breach auto-resolves")
}

type fakeInfra struct {
	onScale   func()
	onRestart func()
}

func (f *fakeInfra) ScaleTo(ctx context.Context, targetCapacity int) error {
	if f.onScale != nil {
		f.onScale()
	}
	return nil
}

func (f *fakeInfra) RestartService(ctx context.Context, serviceName string) error {
	if f.onRestart != nil {
		f.onRestart()
	}
	return nil
}

func (f *fakeInfra) ActivateBackupRouting(ctx context.Context) error { return nil }
func (f *fakeInfra) RestoreDatabase(ctx context.Context, backupID string) error { return nil }
func (f *fakeInfra) RestoreInfrastructure(ctx context.Context, descriptor map[string]interface{}) error {
	return nil
}
