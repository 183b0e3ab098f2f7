// Package balancer implements the Number Pool Load Balancer (spec.md §4.1):
// consistent-hash assignment across a pool of WhatsApp sending numbers,
// per-number rate-limit enforcement, and failure-driven reassignment.
// Grounded on original_source/services/load_balancer.py, with the Python
// original's hashlib.md5 hash swapped for cespare/xxhash/v2 — the idiomatic
// Go choice also used across the wider example pack.
package balancer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/store"
)

// Reason classifies the outcome of getOptimalForMessage (spec.md §4.1).
type Reason string

const (
	ReasonStickyAssignment     Reason = "sticky_assignment"
	ReasonNewAssignment        Reason = "new_assignment"
	ReasonReassignedRateLimit  Reason = "reassigned_due_to_rate_limit"
	ReasonReassignedForced     Reason = "reassigned_forced"
	ReasonNoAvailableNumber    Reason = "no_available_number"
)

// overrideLoadGap and overrideCapacityRatio implement the bounded corrective
// override in spec.md §4.1 step 4.
const (
	overrideLoadGap       = 100
	overrideCapacityRatio = 0.8
)

// Balancer assigns users to SendingNumbers and tracks their health.
type Balancer struct {
	mu      sync.RWMutex
	numbers map[string]*models.SendingNumber // phoneID -> number
	order   []string                         // stable iteration order

	assignments sync.Map // userID -> phoneID, mirrored to the shared store

	store  store.Store
	logger *zap.Logger
	cfg    config.BalancerConfig

	rehab map[string]*time.Timer
	rehabMu sync.Mutex
}

// New constructs a Balancer over the given pool of numbers.
func New(numbers []*models.SendingNumber, st store.Store, cfg config.BalancerConfig, logger *zap.Logger) *Balancer {
	b := &Balancer{
		numbers: make(map[string]*models.SendingNumber, len(numbers)),
		store:   st,
		logger:  logger,
		cfg:     cfg,
		rehab:   make(map[string]*time.Timer),
	}
	for _, n := range numbers {
		b.numbers[n.PhoneID] = n
		b.order = append(b.order, n.PhoneID)
	}
	sort.Strings(b.order)
	return b
}

// AssignNumber returns the user's existing assignment when it's still
// available and forceReassign is false; otherwise selects a fresh one.
func (b *Balancer) AssignNumber(ctx context.Context, userID string, forceReassign bool) (*models.SendingNumber, error) {
	if !forceReassign {
		if phoneID, ok := b.assignments.Load(userID); ok {
			if n, ok := b.numbers[phoneID.(string)]; ok && n.IsAvailable(b.maxMessagesPerWindow()) {
				n.IncrementLoad()
				return n, nil
			}
		}
	}
	return b.selectAndAssign(ctx, userID)
}

// GetOptimalForMessage selects a number for userID and reports why. A sticky
// number that has hit its rolling rate limit is reassigned rather than kept
// (spec.md §4.1).
func (b *Balancer) GetOptimalForMessage(ctx context.Context, userID string, _ models.MessageType, _ models.Priority) (*models.SendingNumber, Reason, error) {
	if phoneID, ok := b.assignments.Load(userID); ok {
		if n, ok := b.numbers[phoneID.(string)]; ok {
			if n.IsRateLimited(b.maxMessagesPerWindow()) {
				next, err := b.handleRateLimitLocked(ctx, userID, n)
				if err != nil {
					return nil, ReasonNoAvailableNumber, err
				}
				if next == nil {
					return nil, ReasonNoAvailableNumber, nil
				}
				return next, ReasonReassignedRateLimit, nil
			}
			if n.IsAvailable(b.maxMessagesPerWindow()) {
				return n, ReasonStickyAssignment, nil
			}
		}
	}

	n, err := b.selectAndAssign(ctx, userID)
	if err != nil {
		return nil, ReasonNoAvailableNumber, err
	}
	if n == nil {
		return nil, ReasonNoAvailableNumber, nil
	}
	return n, ReasonNewAssignment, nil
}

func (b *Balancer) maxMessagesPerWindow() int {
	if b.cfg.MaxMessagesPerWindow <= 0 {
		return models.DefaultMaxMessagesPerWindow
	}
	return b.cfg.MaxMessagesPerWindow
}

func (b *Balancer) selectAndAssign(ctx context.Context, userID string) (*models.SendingNumber, error) {
	candidates := b.availableCandidates()
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen := selectCandidate(userID, candidates)
	chosen.IncrementLoad()

	b.assignments.Store(userID, chosen.PhoneID)
	b.persistAssignment(ctx, userID, chosen.PhoneID)

	return chosen, nil
}

// selectCandidate implements spec.md §4.1's selection algorithm: stable hash,
// sort by (load, rate-limit counter), pick at hash mod len, then the bounded
// corrective override.
func selectCandidate(userID string, candidates []*models.SendingNumber) *models.SendingNumber {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CurrentLoad != candidates[j].CurrentLoad {
			return candidates[i].CurrentLoad < candidates[j].CurrentLoad
		}
		return candidates[i].RateLimitCount() < candidates[j].RateLimitCount()
	})

	h := xxhash.Sum64String(userID)
	highBits := uint32(h >> 32)
	idx := int(highBits) % len(candidates)
	picked := candidates[idx]
	leastLoaded := candidates[0]

	if picked.CurrentLoad-leastLoaded.CurrentLoad > overrideLoadGap &&
		float64(leastLoaded.CurrentLoad) < float64(leastLoaded.MaxCapacity)*overrideCapacityRatio {
		return leastLoaded
	}
	return picked
}

func (b *Balancer) availableCandidates() []*models.SendingNumber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	maxPerWindow := b.maxMessagesPerWindow()
	var out []*models.SendingNumber
	for _, id := range b.order {
		n := b.numbers[id]
		if n.IsAvailable(maxPerWindow) {
			out = append(out, n)
		}
	}
	return out
}

func (b *Balancer) persistAssignment(ctx context.Context, userID, phoneID string) {
	if b.store == nil {
		return
	}
	if err := b.store.HSet(ctx, store.NamespaceUserAssignments, userID, []byte(phoneID)); err != nil {
		b.logger.Warn("failed to persist user assignment", zap.String("user_id", userID), zap.Error(err))
	}
}

// RecordMessageResult updates per-number counters and, on a rate-limit
// failure, reassigns the user and schedules rehabilitation (spec.md §4.1).
func (b *Balancer) RecordMessageResult(ctx context.Context, userID, phoneID string, success bool, errDetails string, structuredRateLimited bool) {
	n, ok := b.numbers[phoneID]
	if !ok {
		return
	}

	if success {
		n.RecordSuccess()
		return
	}

	n.RecordFailure()

	// Prefer the structured signal; fall back to the string classification
	// spec.md §9 flags as fragile.
	if structuredRateLimited || containsRateLimitText(errDetails) {
		b.handleRateLimitLocked(ctx, userID, n)
	}
}

func containsRateLimitText(detail string) bool {
	return strings.Contains(strings.ToLower(detail), "rate limit")
}

// HandleRateLimit marks failedNumber RATE_LIMITED, reassigns the user, and
// schedules automatic recovery once the rolling window clears.
func (b *Balancer) HandleRateLimit(ctx context.Context, userID string, failedNumber *models.SendingNumber) (*models.SendingNumber, error) {
	return b.handleRateLimitLocked(ctx, userID, failedNumber)
}

func (b *Balancer) handleRateLimitLocked(ctx context.Context, userID string, n *models.SendingNumber) (*models.SendingNumber, error) {
	n.MarkRateLimited()
	b.scheduleRehabilitation(n)

	next, err := b.selectAndAssign(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "reassignment after rate limit failed")
	}
	return next, nil
}

func (b *Balancer) scheduleRehabilitation(n *models.SendingNumber) {
	delay := b.cfg.RehabilitationDelay
	if delay <= 0 {
		delay = models.RateLimitWindow
	}

	b.rehabMu.Lock()
	defer b.rehabMu.Unlock()
	if t, ok := b.rehab[n.PhoneID]; ok {
		t.Stop()
	}
	b.rehab[n.PhoneID] = time.AfterFunc(delay, func() {
		if n.WindowCleared() {
			n.MarkActive()
		}
	})
}

// RunHealthLoop runs the periodic health evaluation described in spec.md
// §4.1 until ctx is cancelled: every interval, promote/demote/recover.
func (b *Balancer) RunHealthLoop(ctx context.Context) {
	interval := b.cfg.HealthCheckInterval
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
			b.evaluateHealth()
		}
	}
}

func (b *Balancer) evaluateHealth() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	failureThreshold := b.cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	recoveryThreshold := b.cfg.RecoveryThreshold
	if recoveryThreshold <= 0 {
		recoveryThreshold = 3
	}

	for _, id := range b.order {
		n := b.numbers[id]
		switch n.CurrentStatus() {
		case models.NumberStatusRateLimited:
			if n.WindowCleared() {
				n.MarkActive()
			}
		case models.NumberStatusActive:
			if n.Errors() >= failureThreshold {
				n.MarkFailed()
			}
		case models.NumberStatusFailed:
			if n.Errors() < recoveryThreshold {
				n.MarkActive()
			}
		}
	}
}

// Snapshot returns a point-in-time view of every number in the pool.
func (b *Balancer) Snapshot() []models.SendingNumber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.SendingNumber, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.numbers[id].Snapshot())
	}
	return out
}
