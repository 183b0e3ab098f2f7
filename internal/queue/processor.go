// Package queue implements the Priority Queue Processor (spec.md §4.2):
// per-priority heaps, a bounded worker pool with per-user fairness gates,
// exponential-backoff retry, scheduled delivery, and a dead-letter path.
// Grounded on original_source/services/massive_queue_processor.py (retry
// delay formula, worker-loop gates, sweep interval) and the teacher's
// internal/queue/producer.go/consumer.go (gobreaker usage, graceful
// stop-drain, goroutine-per-queue shape).
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/store"
)

// HandlerFunc processes one message of a registered type. It must not block
// indefinitely; the processor bounds every invocation with ProcessingTimeout.
type HandlerFunc func(ctx context.Context, msg *models.QueuedMessage) error

var priorityOrder = []models.Priority{
	models.PriorityCritical,
	models.PriorityHigh,
	models.PriorityNormal,
	models.PriorityLow,
	models.PriorityBatch,
}

// QueueSnapshot is the read model returned by Status().
type QueueSnapshot struct {
	Depths         map[models.Priority]int `json:"depths"`
	DeadLetterSize int                     `json:"dead_letter_size"`
	InFlightTotal  int                     `json:"in_flight_total"`
	AvgProcessTime time.Duration           `json:"avg_process_time"`
}

// Processor drives QueuedMessages from enqueue to terminal status.
type Processor struct {
	heapMu sync.Mutex
	heaps  map[models.Priority]*priorityHeap

	handlersMu sync.RWMutex
	handlers   map[models.MessageType]HandlerFunc

	inFlightMu   sync.Mutex
	inFlight     map[string]int
	lastServedMu sync.Mutex
	lastServed   map[string]time.Time

	deadLetterMu sync.Mutex
	deadLetter   []*models.QueuedMessage

	avgMu          sync.Mutex
	avgProcessTime time.Duration
	processedCount int64

	store  store.Store
	cfg    config.QueueConfig
	logger *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// New constructs a Processor. Call Start to begin draining work.
func New(st store.Store, cfg config.QueueConfig, logger *zap.Logger) *Processor {
	p := &Processor{
		heaps:      make(map[models.Priority]*priorityHeap, len(priorityOrder)),
		handlers:   make(map[models.MessageType]HandlerFunc),
		inFlight:   make(map[string]int),
		lastServed: make(map[string]time.Time),
		store:      st,
		cfg:        cfg,
		logger:     logger,
	}
	for _, pr := range priorityOrder {
		p.heaps[pr] = newPriorityHeap()
	}
	return p
}

// RegisterHandler installs the processing function for msgType.
func (p *Processor) RegisterHandler(msgType models.MessageType, fn HandlerFunc) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[msgType] = fn
}

// Enqueue accepts a new message and returns its id immediately. Scheduled
// messages bypass the live heaps and are stored durably until due.
func (p *Processor) Enqueue(ctx context.Context, userID string, msgType models.MessageType, payload json.RawMessage, priority models.Priority, scheduledAt *time.Time, metadata map[string]interface{}) (string, error) {
	if priority == 0 {
		priority = models.PriorityNormal
	}

	msg, err := models.NewQueuedMessage(userID, msgType, payload, priority, scheduledAt, metadata)
	if err != nil {
		return "", errors.Wrap(err, "constructing queued message")
	}

	if scheduledAt != nil && scheduledAt.After(time.Now()) {
		if err := p.persistScheduled(ctx, msg); err != nil {
			return "", err
		}
		return msg.ID, nil
	}

	if priority == models.PriorityCritical || priority == models.PriorityHigh {
		if err := p.persistCriticalOrHigh(ctx, msg); err != nil {
			p.logger.Warn("failed to durably persist message on enqueue", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}

	p.pushHeap(priority, msg)
	return msg.ID, nil
}

func (p *Processor) pushHeap(priority models.Priority, msg *models.QueuedMessage) {
	p.heapMu.Lock()
	defer p.heapMu.Unlock()
	p.heaps[priority].push(msg)
}

func (p *Processor) persistCriticalOrHigh(ctx context.Context, msg *models.QueuedMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return p.store.Set(ctx, store.QueueCriticalKey(msg.ID), data, time.Hour)
}

func (p *Processor) persistScheduled(ctx context.Context, msg *models.QueuedMessage) error {
	data, err := msg.ToJSON()
	if err != nil {
		return errors.Wrap(err, "marshal scheduled message")
	}
	key := store.ScheduledKey(msg.ScheduledAt.Unix(), msg.ID)
	return p.store.ZAdd(ctx, key, float64(msg.ScheduledAt.Unix()), data)
}

// Start launches the worker pool and the background periodic tasks.
func (p *Processor) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	workers := p.cfg.MaxWorkers
	if workers <= 0 {
		workers = 100
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}

	p.wg.Add(1)
	go p.scheduledSweepLoop()
}

// Stop drains in-flight work, cancels periodic tasks, and persists every
// PENDING message regardless of priority, per spec.md §4.2.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("queue processor stop timed out waiting for workers to drain")
	}

	return p.persistAllPending(ctx)
}

func (p *Processor) persistAllPending(ctx context.Context) error {
	p.heapMu.Lock()
	defer p.heapMu.Unlock()

	var firstErr error
	for _, pr := range priorityOrder {
		h := p.heaps[pr]
		for _, msg := range h.items {
			data, err := msg.ToJSON()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := p.store.Set(ctx, store.QueueCriticalKey(msg.ID), data, time.Hour); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func (p *Processor) workerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		msg, priority := p.popHighestPriority()
		if msg == nil {
			sleepOrDone(p.ctx, 100*time.Millisecond)
			continue
		}

		if p.isRateLimited(msg.UserID) {
			p.pushHeap(priority, msg)
			sleepOrDone(p.ctx, 100*time.Millisecond)
			continue
		}

		maxConcurrent := p.cfg.MaxConcurrentPerUser
		if maxConcurrent <= 0 {
			maxConcurrent = 3
		}
		if p.inFlightCountFor(msg.UserID) >= maxConcurrent {
			p.pushHeap(priority, msg)
			sleepOrDone(p.ctx, 200*time.Millisecond)
			continue
		}

		p.markServed(msg.UserID)
		p.processOne(msg)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Processor) popHighestPriority() (*models.QueuedMessage, models.Priority) {
	p.heapMu.Lock()
	defer p.heapMu.Unlock()
	for _, pr := range priorityOrder {
		if msg := p.heaps[pr].pop(); msg != nil {
			return msg, pr
		}
	}
	return nil, 0
}

func (p *Processor) isRateLimited(userID string) bool {
	p.lastServedMu.Lock()
	defer p.lastServedMu.Unlock()
	last, ok := p.lastServed[userID]
	return ok && time.Since(last) < time.Second
}

func (p *Processor) markServed(userID string) {
	p.lastServedMu.Lock()
	defer p.lastServedMu.Unlock()
	p.lastServed[userID] = time.Now()
}

func (p *Processor) inFlightCountFor(userID string) int {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	return p.inFlight[userID]
}

func (p *Processor) incrementInFlight(userID string) {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	p.inFlight[userID]++
}

func (p *Processor) decrementInFlight(userID string) {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	if p.inFlight[userID] > 0 {
		p.inFlight[userID]--
	}
}

func (p *Processor) processOne(msg *models.QueuedMessage) {
	_ = msg.UpdateStatus(models.StatusProcessing, nil)
	p.incrementInFlight(msg.UserID)

	start := time.Now()
	err := p.invokeHandler(msg)
	elapsed := time.Since(start)

	p.decrementInFlight(msg.UserID)
	p.recordElapsed(elapsed)

	if err == nil {
		_ = msg.UpdateStatus(models.StatusCompleted, nil)
		return
	}

	_ = msg.UpdateStatus(models.StatusFailed, err)
	msg.RetryCount++

	if msg.RetryCount <= msg.MaxRetries {
		_ = msg.UpdateStatus(models.StatusRetry, nil)
		p.scheduleRetry(msg)
		return
	}

	_ = msg.UpdateStatus(models.StatusDeadLetter, err)
	p.deadLetterMu.Lock()
	p.deadLetter = append(p.deadLetter, msg)
	p.deadLetterMu.Unlock()
}

func (p *Processor) invokeHandler(msg *models.QueuedMessage) (err error) {
	p.handlersMu.RLock()
	fn, ok := p.handlers[msg.Type]
	p.handlersMu.RUnlock()
	if !ok {
		return errors.Errorf("no handler registered for message type %s", msg.Type)
	}

	timeout := msg.ProcessingTimeout
	if timeout <= 0 {
		timeout = models.DefaultProcessingTimeout
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("handler panic: %v", r)
			}
		}()
		done <- fn(ctx, msg)
	}()

	select {
	case <-ctx.Done():
		return errors.New("processing timeout")
	case err = <-done:
		return err
	}
}

// retryDelay implements the min(2^retry_count, 60)s schedule from spec.md §4.2.
func retryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	seconds := 1 << uint(retryCount)
	if seconds > 60 || retryCount > 6 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// scheduleRetry moves msg to the NORMAL heap after its backoff delay,
// regardless of original priority (spec.md §4.2: a retried message loses
// its original level).
func (p *Processor) scheduleRetry(msg *models.QueuedMessage) {
	delay := retryDelay(msg.RetryCount)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}
		_ = msg.UpdateStatus(models.StatusPending, nil)
		p.pushHeap(models.PriorityNormal, msg)
	}()
}

func (p *Processor) recordElapsed(d time.Duration) {
	p.avgMu.Lock()
	defer p.avgMu.Unlock()
	p.processedCount++
	if p.processedCount == 1 {
		p.avgProcessTime = d
		return
	}
	// incremental moving average
	p.avgProcessTime += (d - p.avgProcessTime) / time.Duration(p.processedCount)
}

func (p *Processor) scheduledSweepLoop() {
	defer p.wg.Done()
	interval := p.cfg.ScheduledSweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweepScheduled()
		}
	}
}

func (p *Processor) sweepScheduled() {
	keys, err := p.store.ScanPrefix(p.ctx, "scheduled:")
	if err != nil {
		p.logger.Warn("scheduled sweep: scan failed", zap.Error(err))
		return
	}

	now := float64(time.Now().Unix())
	for _, key := range keys {
		due, err := p.store.ZRangeByScore(p.ctx, key, now)
		if err != nil {
			continue
		}
		for _, raw := range due {
			msg, err := models.QueuedMessageFromJSON(raw)
			if err != nil {
				p.logger.Warn("scheduled sweep: bad envelope", zap.Error(err))
				_ = p.store.ZRem(p.ctx, key, raw)
				continue
			}
			_ = msg.UpdateStatus(models.StatusPending, nil)
			p.pushHeap(msg.Priority, msg)
			_ = p.store.ZRem(p.ctx, key, raw)
		}
	}
}

// Status reports the current queue depths and fairness state.
func (p *Processor) Status() QueueSnapshot {
	p.heapMu.Lock()
	depths := make(map[models.Priority]int, len(priorityOrder))
	for _, pr := range priorityOrder {
		depths[pr] = p.heaps[pr].Len()
	}
	p.heapMu.Unlock()

	p.deadLetterMu.Lock()
	dl := len(p.deadLetter)
	p.deadLetterMu.Unlock()

	p.inFlightMu.Lock()
	total := 0
	for _, n := range p.inFlight {
		total += n
	}
	p.inFlightMu.Unlock()

	p.avgMu.Lock()
	avg := p.avgProcessTime
	p.avgMu.Unlock()

	return QueueSnapshot{Depths: depths, DeadLetterSize: dl, InFlightTotal: total, AvgProcessTime: avg}
}

// DeadLetters returns a copy of the dead-letter list for operator inspection.
func (p *Processor) DeadLetters() []*models.QueuedMessage {
	p.deadLetterMu.Lock()
	defer p.deadLetterMu.Unlock()
	out := make([]*models.QueuedMessage, len(p.deadLetter))
	copy(out, p.deadLetter)
	return out
}
