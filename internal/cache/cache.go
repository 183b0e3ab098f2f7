// Package cache implements the Multi-Level Cache (spec.md §4.3): an
// in-process LRU tier, a shared Redis tier, and a durable tier with an
// extended TTL for cold warm-up. Grounded on
// original_source/services/massive_cache.py (promotion-on-hit, key hashing,
// eviction-to-90%, compression-if-smaller, warm-up set) and the teacher's
// repository layer for the durable-tier shape.
package cache

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/store"
)

// Level selects which tiers a Set call writes through.
type Level = models.CacheLevel

var (
	hitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "cache_hit_total", Help: "Cache hits by tier"},
		[]string{"tier"},
	)
	missTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "cache_miss_total", Help: "Cache misses across all tiers"},
	)
	responseTime = promauto.NewHistogram(
		prometheus.HistogramOpts{Name: "cache_get_duration_seconds", Help: "Cache get() latency", Buckets: prometheus.DefBuckets},
	)
)

// Cache is the multi-tier cache described in spec.md §4.3.
type Cache struct {
	l1   *lru.Cache[string, *models.CacheEntry]
	l1mu sync.Mutex

	l1Bytes      int64
	maxEntries   int
	maxBytes     int64
	targetRatio  float64
	compressOver int

	l2     store.Store
	l3     store.Store
	cfg    config.CacheConfig
	logger *zap.Logger
}

// New constructs a Cache. l3 may be nil — L3 is opt-in per Set call.
func New(l2, l3 store.Store, cfg config.CacheConfig, logger *zap.Logger) (*Cache, error) {
	maxEntries := cfg.MaxMemoryEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	maxBytes := cfg.MaxMemoryBytes
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	ratio := cfg.EvictionTargetRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.9
	}
	compressOver := cfg.CompressionThreshold
	if compressOver <= 0 {
		compressOver = models.CompressionThresholdBytes
	}

	c := &Cache{
		maxEntries:   maxEntries,
		maxBytes:     maxBytes,
		targetRatio:  ratio,
		compressOver: compressOver,
		l2:           l2,
		l3:           l3,
		cfg:          cfg,
		logger:       logger,
	}

	onEvict := func(key string, entry *models.CacheEntry) {
		c.l1Bytes -= int64(entry.ByteSize)
	}
	l1, err := lru.NewWithEvict[string, *models.CacheEntry](maxEntries, onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "constructing L1 cache")
	}
	c.l1 = l1

	return c, nil
}

// Get probes L1, then L2, then L3, promoting on every hit below the level
// found, per spec.md §4.3.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	defer func() { responseTime.Observe(time.Since(start).Seconds()) }()

	if entry, ok := c.getL1(key); ok {
		hitTotal.WithLabelValues("l1").Inc()
		_, payload := splitEnvelopeFlag(entry.Value)
		return decodeEnvelope(payload, entry.Compressed), true
	}

	if c.l2 != nil {
		if raw, err := c.l2.Get(ctx, store.L2Key(key)); err == nil {
			hitTotal.WithLabelValues("l2").Inc()
			compressed, value := splitEnvelopeFlag(raw)
			c.putL1(key, raw, compressed, c.cfg.DefaultTTL)
			return decodeEnvelope(value, compressed), true
		}
	}

	if c.l3 != nil {
		if raw, err := c.l3.Get(ctx, store.L3Key(key)); err == nil {
			hitTotal.WithLabelValues("l3").Inc()
			compressed, value := splitEnvelopeFlag(raw)
			c.putL1(key, raw, compressed, c.cfg.DefaultTTL)
			if c.l2 != nil {
				_ = c.l2.Set(ctx, store.L2Key(key), raw, c.cfg.DefaultTTL)
			}
			return decodeEnvelope(value, compressed), true
		}
	}

	missTotal.Inc()
	return nil, false
}

// Set writes value to L1 and L2 by default; L3 is opt-in via levels.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, levels ...Level) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if len(levels) == 0 {
		levels = []Level{models.CacheLevelL1, models.CacheLevelL2}
	}

	envelope, compressed := buildEnvelope(value, c.compressOver)
	raw := prependEnvelopeFlag(envelope, compressed)

	var firstErr error
	for _, lvl := range levels {
		switch lvl {
		case models.CacheLevelL1:
			c.putL1(key, raw, compressed, ttl)
		case models.CacheLevelL2:
			if c.l2 != nil {
				if err := c.l2.Set(ctx, store.L2Key(key), raw, ttl); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		case models.CacheLevelL3:
			if c.l3 != nil {
				if err := c.l3.Set(ctx, store.L3Key(key), raw, ttl*2); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Delete removes key from every tier.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.l1mu.Lock()
	c.l1.Remove(key)
	c.l1mu.Unlock()

	var firstErr error
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, store.L2Key(key)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.l3 != nil {
		if err := c.l3.Delete(ctx, store.L3Key(key)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InvalidateUser scrubs the conversation: and profile: entries for userID
// across every tier that supports prefix scanning. AI-response entries are
// not scrubbed.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	prefixes := []string{
		"conversation:" + userID,
		"profile:" + userID,
	}

	c.l1mu.Lock()
	for _, key := range c.l1.Keys() {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				c.l1.Remove(key)
			}
		}
	}
	c.l1mu.Unlock()

	var firstErr error
	tiers := []struct {
		backend store.Store
		key     func(string) string
	}{{c.l2, store.L2Key}, {c.l3, store.L3Key}}
	for _, tier := range tiers {
		backend := tier.backend
		if backend == nil {
			continue
		}
		for _, p := range prefixes {
			keys, err := backend.ScanPrefix(ctx, tier.key(p))
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			for _, k := range keys {
				_ = backend.Delete(ctx, k)
			}
		}
	}
	return firstErr
}

// PurgePrefixes removes every entry whose key begins with one of the given
// prefixes from every tier — used by the failover sequence's poisoned-cache
// purge step (spec.md §4.4 step 4).
func (c *Cache) PurgePrefixes(ctx context.Context, prefixes []string) error {
	c.l1mu.Lock()
	for _, key := range c.l1.Keys() {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				c.l1.Remove(key)
			}
		}
	}
	c.l1mu.Unlock()

	var firstErr error
	tiers := []struct {
		backend store.Store
		key     func(string) string
	}{{c.l2, store.L2Key}, {c.l3, store.L3Key}}
	for _, tier := range tiers {
		backend := tier.backend
		if backend == nil {
			continue
		}
		for _, p := range prefixes {
			keys, err := backend.ScanPrefix(ctx, tier.key(p))
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			for _, k := range keys {
				_ = backend.Delete(ctx, k)
			}
		}
	}
	return firstErr
}

func (c *Cache) getL1(key string) (*models.CacheEntry, bool) {
	c.l1mu.Lock()
	defer c.l1mu.Unlock()

	entry, ok := c.l1.Get(key)
	if !ok {
		return nil, false
	}
	if entry.Expired(time.Now()) {
		c.l1.Remove(key)
		return nil, false
	}
	entry.Touch(time.Now())
	return entry, true
}

func (c *Cache) putL1(key string, raw []byte, compressed bool, ttl time.Duration) {
	c.l1mu.Lock()
	defer c.l1mu.Unlock()

	if old, ok := c.l1.Peek(key); ok {
		c.l1Bytes -= int64(old.ByteSize)
	}

	entry := &models.CacheEntry{
		Key:        key,
		Value:      raw,
		CreatedAt:  time.Now(),
		TTL:        ttl,
		Compressed: compressed,
		ByteSize:   len(raw),
	}
	c.l1.Add(key, entry)
	c.l1Bytes += int64(entry.ByteSize)

	c.evictToTargetLocked()
}

// evictToTargetLocked evicts oldest entries until both the entry-count and
// byte budgets are at or below the configured target ratio (spec.md §4.3
// invariant). Caller must hold l1mu.
func (c *Cache) evictToTargetLocked() {
	entryTarget := int(float64(c.maxEntries) * c.targetRatio)
	byteTarget := int64(float64(c.maxBytes) * c.targetRatio)

	for (c.l1.Len() > entryTarget || c.l1Bytes > byteTarget) && c.l1.Len() > 0 {
		c.l1.RemoveOldest()
	}
}

// SweepExpired removes lazily-discoverable expired L1 entries proactively;
// called by the background task every 5 minutes (spec.md §4.3).
func (c *Cache) SweepExpired() int {
	c.l1mu.Lock()
	defer c.l1mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.l1.Keys() {
		entry, ok := c.l1.Peek(key)
		if !ok {
			continue
		}
		if entry.Expired(now) {
			c.l1.Remove(key)
			removed++
		}
	}
	return removed
}

// RunBackgroundTasks starts the sweep (5m) and stats emission (1m) loops
// described in spec.md §4.3 until ctx is cancelled.
func (c *Cache) RunBackgroundTasks(ctx context.Context) {
	sweepInterval := c.cfg.CleanupInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	sweepTicker := time.NewTicker(sweepInterval)
	statsTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			n := c.SweepExpired()
			if n > 0 {
				c.logger.Info("cache sweep evicted expired entries", zap.Int("count", n))
			}
		case <-statsTicker.C:
			c.logger.Info("cache stats", zap.Int("l1_entries", c.l1.Len()), zap.Int64("l1_bytes", c.l1Bytes))
		}
	}
}

// WarmUp seeds canonical greeting/help/fallback responses into L1+L2 with a
// 24h TTL, per spec.md §4.3.
func (c *Cache) WarmUp(ctx context.Context, canned map[string]string) error {
	var firstErr error
	for key, value := range canned {
		if err := c.Set(ctx, key, []byte(value), 24*time.Hour, models.CacheLevelL1, models.CacheLevelL2); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// relevantContext is the only context subset that affects AI-response cache
// identity (spec.md §4.3 Keying).
type relevantContext struct {
	UserType          string `json:"user_type"`
	ConversationStage string `json:"conversation_stage"`
	LastIntent        string `json:"last_intent"`
}

// AIResponseKey derives the deterministic cache key for an AI response,
// per spec.md §4.3: md5 of {input, context_hash} where context_hash is
// itself an md5 of the relevant context subset.
func AIResponseKey(input string, userType, conversationStage, lastIntent string) string {
	ctxSubset := relevantContext{UserType: userType, ConversationStage: conversationStage, LastIntent: lastIntent}
	ctxJSON, _ := json.Marshal(ctxSubset)
	ctxHash := md5Hex(ctxJSON)

	normalized := strings.TrimSpace(strings.ToLower(input))
	envelope := struct {
		Input       string `json:"input"`
		ContextHash string `json:"context_hash"`
	}{Input: normalized, ContextHash: ctxHash}
	envJSON, _ := json.Marshal(envelope)

	return "ai_response:" + md5Hex(envJSON)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// GetCachedAIResponse and CacheAIResponse are the typed helpers from
// spec.md §4.3's public contract.
func (c *Cache) GetCachedAIResponse(ctx context.Context, input, userType, conversationStage, lastIntent string) ([]byte, bool) {
	return c.Get(ctx, AIResponseKey(input, userType, conversationStage, lastIntent))
}

func (c *Cache) CacheAIResponse(ctx context.Context, input, userType, conversationStage, lastIntent string, response []byte, ttl time.Duration) error {
	return c.Set(ctx, AIResponseKey(input, userType, conversationStage, lastIntent), response, ttl, models.CacheLevelL1, models.CacheLevelL2)
}

func (c *Cache) GetConversationContext(ctx context.Context, userID string) ([]byte, bool) {
	return c.Get(ctx, "conversation:"+userID)
}

func (c *Cache) SetConversationContext(ctx context.Context, userID string, context []byte, ttl time.Duration) error {
	return c.Set(ctx, "conversation:"+userID, context, ttl, models.CacheLevelL1, models.CacheLevelL2)
}

func (c *Cache) GetUserProfile(ctx context.Context, userID string) ([]byte, bool) {
	return c.Get(ctx, "profile:"+userID)
}

func (c *Cache) SetUserProfile(ctx context.Context, userID string, profile []byte, ttl time.Duration) error {
	return c.Set(ctx, "profile:"+userID, profile, ttl, models.CacheLevelL1, models.CacheLevelL2, models.CacheLevelL3)
}

// buildEnvelope compresses value with flate when it exceeds compressOver
// bytes and the compressed form is actually smaller, per spec.md §4.3.
func buildEnvelope(value []byte, compressOver int) (envelope []byte, compressed bool) {
	if len(value) <= compressOver {
		return value, false
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return value, false
	}
	if _, err := w.Write(value); err != nil {
		return value, false
	}
	if err := w.Close(); err != nil {
		return value, false
	}

	if buf.Len() < len(value) {
		return buf.Bytes(), true
	}
	return value, false
}

func decodeEnvelope(envelope []byte, compressed bool) []byte {
	if !compressed {
		return envelope
	}
	r := flate.NewReader(bytes.NewReader(envelope))
	defer r.Close()
	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return decoded
}

// prependEnvelopeFlag/splitEnvelopeFlag carry the compressed bit alongside
// the payload across store boundaries (length-prefixed binary envelope,
// spec.md §4.3 Serialization).
func prependEnvelopeFlag(payload []byte, compressed bool) []byte {
	out := make([]byte, 1+4+len(payload))
	if compressed {
		out[0] = 1
	}
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

func splitEnvelopeFlag(raw []byte) (compressed bool, payload []byte) {
	if len(raw) < 5 {
		return false, raw
	}
	compressed = raw[0] == 1
	n := binary.BigEndian.Uint32(raw[1:5])
	if int(n) > len(raw)-5 {
		return compressed, raw[5:]
	}
	return compressed, raw[5 : 5+n]
}
