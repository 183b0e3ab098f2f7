package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/models"
	"github.com/neeroai/messagebackbone/internal/webhook"
	"github.com/neeroai/messagebackbone/pkg/whatsapp"
)

type fakeEnqueuer struct {
	calls []models.Priority
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, userID string, msgType models.MessageType, payload json.RawMessage, priority models.Priority, scheduledAt *time.Time, metadata map[string]interface{}) (string, error) {
	f.calls = append(f.calls, priority)
	return "msg-1", nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhook_ClassifiesAndEnqueues(t *testing.T) {
	gin.SetMode(gin.TestMode)

	secret := "topsecret"
	client, err := whatsapp.NewClient("https://graph.facebook.com", whatsapp.ClientOptions{WebhookSecret: secret})
	require.NoError(t, err)
	enq := &fakeEnqueuer{}
	h := webhook.New(client, enq, config.WebhookConfig{VerifyToken: "vt"}, zap.NewNop())

	payload := whatsapp.InboundWebhookPayload{
		Object: "whatsapp_business_account",
		Entry: []whatsapp.InboundEntry{{
			ID: "entry-1",
			Changes: []whatsapp.InboundChange{{
				Field: "messages",
				Value: whatsapp.InboundValue{
					Messages: []whatsapp.InboundMessage{
						{ID: "wamid.1", From: "15551234567", Type: "text"},
						{ID: "wamid.2", From: "15551234567", Type: "interactive"},
					},
				},
			}},
		}},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	router := gin.New()
	router.POST("/webhook", h.HandleWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, enq.calls, 2)
	require.Equal(t, models.PriorityNormal, enq.calls[0])
	require.Equal(t, models.PriorityHigh, enq.calls[1])
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)

	client, err := whatsapp.NewClient("https://graph.facebook.com", whatsapp.ClientOptions{WebhookSecret: "real-secret"})
	require.NoError(t, err)
	enq := &fakeEnqueuer{}
	h := webhook.New(client, enq, config.WebhookConfig{}, zap.NewNop())

	router := gin.New()
	router.POST("/webhook", h.HandleWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Hub-Signature-256", "deadbeef")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, enq.calls)
}

func TestVerifyWebhook_EchoesChallenge(t *testing.T) {
	gin.SetMode(gin.TestMode)

	client, err := whatsapp.NewClient("https://graph.facebook.com", whatsapp.ClientOptions{WebhookSecret: "s"})
	require.NoError(t, err)
	h := webhook.New(client, &fakeEnqueuer{}, config.WebhookConfig{VerifyToken: "vt"}, zap.NewNop())

	router := gin.New()
	router.GET("/webhook", h.VerifyWebhook)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=vt&hub.challenge=abc123", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc123", rec.Body.String())
}
