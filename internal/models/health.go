package models

import "time"

// HealthCheck tracks one monitored component's probe history.
type HealthCheck struct {
	ServiceName         string        `json:"service_name"`
	Endpoint            string        `json:"endpoint"`
	Timeout             time.Duration `json:"timeout"`
	ExpectedStatus      int           `json:"expected_status"`
	Critical            bool          `json:"critical"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheckAt         time.Time     `json:"last_check_at"`
	CurrentStatus       SystemStatus  `json:"current_status"`
}

// FailureThresholdDefault is the default consecutive-failure count before a check is CRITICAL.
const FailureThresholdDefault = 3

// RecordSuccess resets the consecutive-failure counter.
func (h *HealthCheck) RecordSuccess(at time.Time) {
	h.ConsecutiveFailures = 0
	h.LastCheckAt = at
	h.CurrentStatus = SystemStatusHealthy
}

// RecordFailure bumps the consecutive-failure counter and recomputes this check's status.
func (h *HealthCheck) RecordFailure(at time.Time, threshold int) {
	h.ConsecutiveFailures++
	h.LastCheckAt = at
	if h.Critical && h.ConsecutiveFailures >= threshold {
		h.CurrentStatus = SystemStatusCritical
	} else {
		h.CurrentStatus = SystemStatusDegraded
	}
}

// SystemSnapshot is a point-in-time capture used for rollback.
type SystemSnapshot struct {
	Version              int64                  `json:"version"`
	CapturedAt            time.Time              `json:"captured_at"`
	DatabaseBackupID      string                 `json:"database_backup_id"`
	ApplicationVersion    string                 `json:"application_version"`
	InfrastructureDescriptor map[string]interface{} `json:"infrastructure_descriptor"`
	CacheConfig           map[string]interface{} `json:"cache_config"`
	BalancerConfig        map[string]interface{} `json:"balancer_config"`
}

// AlertRule describes a metric threshold that produces Alerts.
type AlertRule struct {
	Name           string        `json:"name"`
	Metric         string        `json:"metric"`
	Comparison     Comparison    `json:"comparison"`
	Threshold      float64       `json:"threshold"`
	SustainFor     time.Duration `json:"sustain_for"`
	Level          AlertLevel    `json:"level"`
	Cooldown       time.Duration `json:"cooldown"`
	Enabled        bool          `json:"enabled"`
}

// Alert is one occurrence of a fired AlertRule.
type Alert struct {
	RuleName     string     `json:"rule_name"`
	ObservedValue float64   `json:"observed_value"`
	FiredAt      time.Time  `json:"fired_at"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}
