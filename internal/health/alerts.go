package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/store"
)

// AlertEngine evaluates AlertRules against observed metric values, applying
// sustain-duration and cooldown semantics before firing, and auto-resolves
// once the breach clears. Grounded on
// original_source/services/real_time_monitoring.py — a feature the
// distilled spec dropped (see SPEC_FULL.md §9).
type AlertEngine struct {
	mu    sync.Mutex
	rules map[string]*models.AlertRule

	breaching map[string]time.Time  // ruleName -> first-breach time
	active    map[string]*models.Alert
	lastFired map[string]time.Time

	store  store.Store
	logger *zap.Logger
}

// NewAlertEngine constructs an engine with the given rule set.
func NewAlertEngine(rules []models.AlertRule, st store.Store, logger *zap.Logger) *AlertEngine {
	e := &AlertEngine{
		rules:     make(map[string]*models.AlertRule, len(rules)),
		breaching: make(map[string]time.Time),
		active:    make(map[string]*models.Alert),
		lastFired: make(map[string]time.Time),
		store:     st,
		logger:    logger,
	}
	for i := range rules {
		r := rules[i]
		e.rules[r.Name] = &r
	}
	return e
}

// EvaluateMetric feeds one observed value for metricName through every rule
// that watches it.
func (e *AlertEngine) EvaluateMetric(ctx context.Context, metricName string, value float64) {
	e.mu.Lock()
	var matching []*models.AlertRule
	for _, r := range e.rules {
		if r.Enabled && r.Metric == metricName {
			matching = append(matching, r)
		}
	}
	e.mu.Unlock()

	for _, rule := range matching {
		e.evaluateRule(ctx, rule, value)
	}
}

func (e *AlertEngine) evaluateRule(ctx context.Context, rule *models.AlertRule, value float64) {
	breach := rule.Comparison.Evaluate(value, rule.Threshold)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !breach {
		delete(e.breaching, rule.Name)
		if active, ok := e.active[rule.Name]; ok {
			resolvedAt := now
			active.Resolved = true
			active.ResolvedAt = &resolvedAt
			delete(e.active, rule.Name)
			e.persist(ctx, active)
			e.logger.Info("alert auto-resolved", zap.String("rule", rule.Name))
		}
		return
	}

	since, tracking := e.breaching[rule.Name]
	if !tracking {
		e.breaching[rule.Name] = now
		return
	}

	sustainFor := rule.SustainFor
	if now.Sub(since) < sustainFor {
		return
	}

	if last, ok := e.lastFired[rule.Name]; ok && rule.Cooldown > 0 && now.Sub(last) < rule.Cooldown {
		return
	}

	alert := &models.Alert{RuleName: rule.Name, ObservedValue: value, FiredAt: now}
	e.active[rule.Name] = alert
	e.lastFired[rule.Name] = now
	e.logger.Warn("alert fired", zap.String("rule", rule.Name), zap.Float64("value", value), zap.String("level", string(rule.Level)))
	e.persist(ctx, alert)
}

// Notify records an out-of-band alert (e.g. the health controller's
// emergency response) without rule/sustain/cooldown evaluation.
func (e *AlertEngine) Notify(ctx context.Context, name string, level models.AlertLevel, value float64) {
	alert := &models.Alert{RuleName: name, ObservedValue: value, FiredAt: time.Now()}
	e.logger.Warn("alert notified", zap.String("rule", name), zap.String("level", string(level)))
	e.persist(ctx, alert)
}

func (e *AlertEngine) persist(ctx context.Context, alert *models.Alert) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(alert)
	if err != nil {
		e.logger.Error("failed to marshal alert", zap.Error(err))
		return
	}
	key := store.AlertKey(alert.FiredAt.Unix(), alert.RuleName)
	if err := e.store.Set(ctx, key, data, 7*24*time.Hour); err != nil {
		e.logger.Error("failed to persist alert", zap.Error(err))
	}
}

// Active returns a snapshot of every currently-firing alert.
func (e *AlertEngine) Active() []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}
