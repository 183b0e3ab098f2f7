// Package webhook implements the inbound ingress HTTP surface (spec.md §6):
// HMAC-SHA256 signature verification, Meta-style subscription handshake,
// and per-inner-message priority classification into the Priority Queue
// Processor. Grounded on the teacher's
// internal/handlers/webhook_handler.go (sync.Pool payload buffering,
// http.MaxBytesReader, otel span attributes, retry-with-backoff dispatch).
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/queue"
	"github.com/neeroai/messagebackbone/pkg/whatsapp"
)

const (
	verificationTimeout = 10 * time.Second
	maxRetryAttempts    = 3
	retryBaseDelay      = time.Second
)

// Enqueuer is the subset of *queue.Processor the webhook handler depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID string, msgType models.MessageType, payload json.RawMessage, priority models.Priority, scheduledAt *time.Time, metadata map[string]interface{}) (string, error)
}

// Handler is the gin-facing webhook ingress surface.
type Handler struct {
	client      *whatsapp.Client
	processor   Enqueuer
	verifyToken string
	payloadPool sync.Pool
	tracer      trace.Tracer
	logger      *zap.Logger
}

// New constructs a Handler.
func New(client *whatsapp.Client, processor Enqueuer, cfg config.WebhookConfig, logger *zap.Logger) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 16 * 1024 * 1024
	}
	return &Handler{
		client:      client,
		processor:   processor,
		verifyToken: cfg.VerifyToken,
		payloadPool: sync.Pool{
			New: func() interface{} { return make([]byte, 0, maxBody) },
		},
		tracer: otel.Tracer("webhook"),
		logger: logger,
	}
}

// HandleWebhook processes an inbound delivery/status/message event.
func (h *Handler) HandleWebhook(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handle_webhook",
		trace.WithAttributes(attribute.String("handler", "webhook")))
	defer span.End()

	signature := c.GetHeader("X-Hub-Signature-256")
	if signature == "" {
		span.SetAttributes(attribute.String("error", "missing_signature"))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing signature"})
		return
	}

	buf := h.payloadPool.Get().([]byte)
	defer h.payloadPool.Put(buf)

	reader := http.MaxBytesReader(c.Writer, c.Request.Body, int64(cap(buf)))
	body, err := io.ReadAll(reader)
	if err != nil {
		span.SetAttributes(attribute.String("error", "payload_too_large"))
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	if !h.client.VerifyWebhookSignature(body, signature) {
		span.SetAttributes(attribute.String("error", "invalid_signature"))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var payload whatsapp.InboundWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		span.SetAttributes(attribute.String("error", "invalid_payload"))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, verificationTimeout)
	defer cancel()

	enqueued, err := h.dispatchWithRetry(timeoutCtx, &payload)
	if err != nil {
		span.SetAttributes(attribute.String("error", "processing_failed"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process webhook"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed", "enqueued": enqueued})
}

// VerifyWebhook answers Meta's subscription handshake (hub.challenge echo).
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token == "" || challenge == "" || token != h.verifyToken {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, challenge)
}

func (h *Handler) dispatchWithRetry(ctx context.Context, payload *whatsapp.InboundWebhookPayload) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		n, err := h.dispatch(ctx, payload)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if attempt < maxRetryAttempts {
			time.Sleep(retryBaseDelay * time.Duration(1<<uint(attempt)))
		}
	}
	return 0, lastErr
}

// dispatch classifies and enqueues every inner message across every
// entry/change in the payload (spec.md §6 webhook ingress tree).
func (h *Handler) dispatch(ctx context.Context, payload *whatsapp.InboundWebhookPayload) (int, error) {
	count := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				priority := classifyPriority(msg)
				raw, err := json.Marshal(msg)
				if err != nil {
					return count, err
				}
				if _, err := h.processor.Enqueue(ctx, msg.From, inboundMessageType(msg), raw, priority, nil, map[string]interface{}{
					"wamid": msg.ID,
				}); err != nil {
					return count, err
				}
				count++
			}
		}
	}
	return count, nil
}

// classifyPriority promotes interactive replies (button/list taps — usually
// a user acting on a time-sensitive prompt) to HIGH; everything else is
// NORMAL.
func classifyPriority(msg whatsapp.InboundMessage) models.Priority {
	if msg.Type == "interactive" || msg.Type == "button" {
		return models.PriorityHigh
	}
	return models.PriorityNormal
}

func inboundMessageType(msg whatsapp.InboundMessage) models.MessageType {
	switch msg.Type {
	case "image":
		return models.MessageTypeImage
	case "audio":
		return models.MessageTypeAudio
	case "video":
		return models.MessageTypeVideo
	case "document":
		return models.MessageTypeDocument
	case "interactive", "button":
		return models.MessageTypeInteractive
	default:
		return models.MessageTypeText
	}
}

var _ Enqueuer = (*queue.Processor)(nil)
