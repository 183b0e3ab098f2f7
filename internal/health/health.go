// Package health implements the Health/Failover Controller (spec.md §4.4):
// periodic component probes, an aggregate status state machine, an
// automated failover sequence, and (supplemented, see SPEC_FULL.md §9) an
// alert engine and snapshot/rollback substrate. Grounded on
// original_source/services/emergency_failover.py (thresholds, failover
// sequence, snapshot/rollback) and original_source/services/
// real_time_monitoring.py (alert rule evaluation).
package health

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/cache"
	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/store"
)

// Prober issues one probe against a monitored component and reports the
// observed HTTP-style status code (or an error on transport failure).
type Prober func(ctx context.Context) (statusCode int, err error)

// DegradationConfig is published to the shared store on HEALTHY->DEGRADED
// (spec.md §4.4).
type DegradationConfig struct {
	RateLimitFactor        float64 `json:"rate_limit_factor"`
	CacheTTLFactor         float64 `json:"cache_ttl_factor"`
	QueuePriorityMode      bool    `json:"queue_priority_mode"`
	NonCriticalFeaturesOff bool    `json:"non_critical_features_off"`
}

// DegradationConfigKey is the shared-store key the controller publishes to.
const DegradationConfigKey = "system:degradation_config"

// BackupModeKey is the shared-store key set during backup-routing activation.
const BackupModeKey = "system:backup_mode"

type registeredCheck struct {
	check  *models.HealthCheck
	prober Prober
}

// Controller drives health probing, aggregate status, and failover.
type Controller struct {
	mu     sync.RWMutex
	checks map[string]*registeredCheck

	cfg            config.HealthConfig
	store          store.Store
	cache          *cache.Cache
	infra          Infra
	alerts         *AlertEngine
	snapshots      *SnapshotStore
	logger         *zap.Logger
	failureThreshold int

	currentCapacity int
	maxCapacity     int

	aggregate          atomic.Value // models.SystemStatus
	failoverInProgress atomic.Bool
}

// New constructs a Controller.
func New(cfg config.HealthConfig, st store.Store, c *cache.Cache, infra Infra, alerts *AlertEngine, snapshots *SnapshotStore, currentCapacity, maxCapacity int, logger *zap.Logger) *Controller {
	ctrl := &Controller{
		checks:          make(map[string]*registeredCheck),
		cfg:             cfg,
		store:           st,
		cache:           c,
		infra:           infra,
		alerts:          alerts,
		snapshots:       snapshots,
		logger:          logger,
		failureThreshold: models.FailureThresholdDefault,
		currentCapacity: currentCapacity,
		maxCapacity:     maxCapacity,
	}
	ctrl.aggregate.Store(models.SystemStatusHealthy)
	return ctrl
}

// RegisterCheck adds a monitored component.
func (c *Controller) RegisterCheck(name, endpoint string, timeout time.Duration, expectedStatus int, critical bool, prober Prober) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = &registeredCheck{
		check: &models.HealthCheck{
			ServiceName:    name,
			Endpoint:       endpoint,
			Timeout:        timeout,
			ExpectedStatus: expectedStatus,
			Critical:       critical,
			CurrentStatus:  models.SystemStatusHealthy,
		},
		prober: prober,
	}
}

// RunProbeLoop probes every registered check every CheckInterval (30s when
// unset) until ctx is cancelled.
func (c *Controller) RunProbeLoop(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *Controller) probeAll(ctx context.Context) {
	c.mu.RLock()
	entries := make([]*registeredCheck, 0, len(c.checks))
	for _, rc := range c.checks {
		entries = append(entries, rc)
	}
	c.mu.RUnlock()

	for _, rc := range entries {
		c.probeOne(ctx, rc)
	}

	prev := c.aggregate.Load().(models.SystemStatus)
	next := c.computeAggregate()
	c.aggregate.Store(next)

	if next != prev {
		c.onTransition(ctx, prev, next)
	}
}

func (c *Controller) probeOne(ctx context.Context, rc *registeredCheck) {
	check := rc.check
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := rc.prober(probeCtx)
	now := time.Now()

	if err != nil || (check.ExpectedStatus != 0 && status != check.ExpectedStatus) {
		check.RecordFailure(now, c.failureThreshold)
	} else {
		check.RecordSuccess(now)
	}
}

// computeAggregate applies the state table from spec.md §4.4.
func (c *Controller) computeAggregate() models.SystemStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	criticalFailing := 0
	degraded := 0
	for _, rc := range c.checks {
		switch rc.check.CurrentStatus {
		case models.SystemStatusCritical:
			if rc.check.Critical {
				criticalFailing++
			}
		case models.SystemStatusDegraded:
			degraded++
		}
	}

	switch {
	case criticalFailing >= 2:
		return models.SystemStatusEmergency
	case criticalFailing == 1:
		return models.SystemStatusCritical
	case degraded >= 3:
		return models.SystemStatusDegraded
	default:
		return models.SystemStatusHealthy
	}
}

func (c *Controller) onTransition(ctx context.Context, prev, next models.SystemStatus) {
	c.logger.Warn("aggregate health transition", zap.String("from", string(prev)), zap.String("to", string(next)))

	if next == models.SystemStatusDegraded && prev == models.SystemStatusHealthy {
		c.publishDegradationConfig(ctx)
	}

	if next == models.SystemStatusCritical && c.failoverInProgress.CompareAndSwap(false, true) {
		go c.runFailoverSequence(ctx)
	}

	if next == models.SystemStatusEmergency {
		c.emergencyResponse(ctx)
	}
}

func (c *Controller) publishDegradationConfig(ctx context.Context) {
	cfg := DegradationConfig{
		RateLimitFactor:        0.7,
		CacheTTLFactor:         0.5,
		QueuePriorityMode:      true,
		NonCriticalFeaturesOff: true,
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		c.logger.Error("failed to marshal degradation config", zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, DegradationConfigKey, data, 0); err != nil {
		c.logger.Error("failed to publish degradation config", zap.Error(err))
	}
}

// runFailoverSequence executes spec.md §4.4's four-step sequence with a 5s
// gap between steps, aborting on the first failure, then waits 60s and
// re-probes to decide whether to escalate or clear the in-progress flag.
func (c *Controller) runFailoverSequence(ctx context.Context) {
	defer c.failoverInProgress.Store(false)

	stageGap := c.cfg.FailoverStageGap
	if stageGap <= 0 {
		stageGap = 5 * time.Second
	}

	steps := []func(context.Context) error{
		c.stageScaleUp,
		c.stageRestartCritical,
		c.stageActivateBackupRouting,
		c.stagePurgePoisonedCache,
	}

	for i, step := range steps {
		if err := step(ctx); err != nil {
			c.logger.Error("failover sequence aborted", zap.Int("step", i), zap.Error(err))
			c.emergencyResponse(ctx)
			return
		}
		if i < len(steps)-1 {
			sleepOrDone(ctx, stageGap)
		}
	}

	wait := c.cfg.StabilizationWait
	if wait <= 0 {
		wait = 60 * time.Second
	}
	sleepOrDone(ctx, wait)

	c.probeAll(ctx)
	final := c.aggregate.Load().(models.SystemStatus)
	if final != models.SystemStatusHealthy && final != models.SystemStatusDegraded {
		c.emergencyResponse(ctx)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (c *Controller) stageScaleUp(ctx context.Context) error {
	target := int(math.Ceil(float64(c.currentCapacity) * 1.5))
	if target > c.maxCapacity {
		target = c.maxCapacity
	}
	if err := c.infra.ScaleTo(ctx, target); err != nil {
		return errors.Wrap(err, "scale up failed")
	}
	c.currentCapacity = target
	return nil
}

func (c *Controller) stageRestartCritical(ctx context.Context) error {
	c.mu.RLock()
	var toRestart []string
	for _, rc := range c.checks {
		if rc.check.CurrentStatus == models.SystemStatusCritical {
			toRestart = append(toRestart, rc.check.ServiceName)
		}
	}
	c.mu.RUnlock()

	for _, name := range toRestart {
		if err := c.infra.RestartService(ctx, name); err != nil {
			return errors.Wrapf(err, "restart of %s failed", name)
		}
	}
	return nil
}

func (c *Controller) stageActivateBackupRouting(ctx context.Context) error {
	if err := c.infra.ActivateBackupRouting(ctx); err != nil {
		return errors.Wrap(err, "backup routing activation failed")
	}
	return c.store.Set(ctx, BackupModeKey, []byte("active"), 0)
}

// stagePurgePoisonedCache purges entries scoped to user errors, failed
// messages, and temporary keys (spec.md §4.4 step 4).
func (c *Controller) stagePurgePoisonedCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.PurgePrefixes(ctx, []string{"error:", "failed_message:", "tmp:"})
}

// emergencyResponse notifies and captures a snapshot (spec.md §4.4 *→EMERGENCY).
func (c *Controller) emergencyResponse(ctx context.Context) {
	c.logger.Error("emergency response triggered", zap.Strings("contacts", c.cfg.EmergencyContacts))
	if c.alerts != nil {
		c.alerts.Notify(ctx, "emergency_response", models.AlertLevelCritical, 0)
	}
	if c.snapshots != nil {
		if _, err := c.snapshots.Capture(ctx, ""); err != nil {
			c.logger.Error("emergency snapshot failed", zap.Error(err))
		}
	}
}

// Status returns the current aggregate status.
func (c *Controller) Status() models.SystemStatus {
	return c.aggregate.Load().(models.SystemStatus)
}

// CheckSnapshot is a read view of one registered check.
type CheckSnapshot struct {
	Name     string              `json:"name"`
	Status   models.SystemStatus `json:"status"`
	Failures int                 `json:"consecutive_failures"`
}

// Checks returns a snapshot of every registered check's current state.
func (c *Controller) Checks() []CheckSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CheckSnapshot, 0, len(c.checks))
	for _, rc := range c.checks {
		out = append(out, CheckSnapshot{
			Name:     rc.check.ServiceName,
			Status:   rc.check.CurrentStatus,
			Failures: rc.check.ConsecutiveFailures,
		})
	}
	return out
}

// ActiveAlerts returns every currently unresolved alert.
func (c *Controller) ActiveAlerts() []models.Alert {
	return c.alerts.Active()
}
