// Package whatsapp provides the outbound WhatsApp Business API collaborator client.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Common errors surfaced to callers of Sender.
var (
	ErrInvalidEndpoint  = errors.New("invalid API endpoint")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

var (
	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatsapp_client_send_duration_seconds",
			Help:    "Duration of outbound WhatsApp send calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	sendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_client_send_total",
			Help: "Total outbound WhatsApp send attempts",
		},
		[]string{"outcome"},
	)
)

// Sender is the opaque outbound collaborator contract from spec.md §6:
// send(phoneId, credentials, payload) -> {messageId, status}.
type Sender interface {
	Send(ctx context.Context, phoneID string, creds Credentials, payload *Message) (*APIResponse, error)
	HandleWebhook(body []byte, signature string) (*WebhookEvent, error)
}

// Credentials mirrors models.Credentials without importing internal/models,
// keeping pkg/whatsapp usable as a standalone client library.
type Credentials struct {
	AccountID string
	Token     string
}

// Client is a rate-limited, circuit-broken WhatsApp Business API client.
type Client struct {
	apiEndpoint   string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	webhookSecret string
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Timeout           time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
	WebhookSecret     string
}

// NewClient constructs a Client against apiEndpoint.
func NewClient(apiEndpoint string, opts ClientOptions) (*Client, error) {
	if apiEndpoint == "" {
		return nil, ErrInvalidEndpoint
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.Burst == 0 {
		opts.Burst = 40
	}

	breakerSettings := gobreaker.Settings{
		Name:    "whatsapp-send",
		Timeout: opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	}

	return &Client{
		apiEndpoint: apiEndpoint,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		limiter:       rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker:       gobreaker.NewCircuitBreaker(breakerSettings),
		webhookSecret: opts.WebhookSecret,
	}, nil
}

// Send delivers message to phoneID with retry, rate limiting and circuit breaking.
// Errors returned here flow into recordMessageResult per spec.md §6.
func (c *Client) Send(ctx context.Context, phoneID string, creds Credentials, message *Message) (*APIResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait")
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.sendWithRetry(ctx, phoneID, creds, message)
	})
	if err != nil {
		sendTotal.WithLabelValues("error").Inc()
		if err == gobreaker.ErrOpenState {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	sendTotal.WithLabelValues("success").Inc()
	return result.(*APIResponse), nil
}

func (c *Client) sendWithRetry(ctx context.Context, phoneID string, creds Credentials, message *Message) (*APIResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		timer := prometheus.NewTimer(sendDuration.WithLabelValues("attempt"))
		resp, err := c.doSend(ctx, phoneID, creds, message)
		timer.ObserveDuration()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Recoverable {
			return nil, err
		}

		if attempt < c.retryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}
	}
	return nil, errors.Wrap(lastErr, "max retry attempts reached")
}

func (c *Client) doSend(ctx context.Context, phoneID string, creds Credentials, message *Message) (*APIResponse, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message")
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.apiEndpoint, phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}

	if apiResp.Error != nil {
		return &apiResp, apiResp.Error
	}
	return &apiResp, nil
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.retryDelay * time.Duration(1<<uint(attempt))
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

// HandleWebhook verifies the HMAC-SHA256 signature over the raw body and
// decodes the WebhookEvent (spec.md §6).
func (c *Client) HandleWebhook(body []byte, signature string) (*WebhookEvent, error) {
	if c.webhookSecret == "" {
		return nil, errors.New("webhook secret not configured")
	}
	if signature == "" || !c.validateWebhookSignature(body, signature) {
		return nil, ErrInvalidSignature
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, errors.Wrap(err, "unmarshal webhook event")
	}
	return &event, nil
}

func (c *Client) validateWebhookSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// VerifyWebhookSignature exposes the HMAC-SHA256 check for callers (the
// webhook ingress handler) that parse the provider-conformant entry tree
// themselves rather than going through HandleWebhook's generic WebhookEvent.
func (c *Client) VerifyWebhookSignature(body []byte, signature string) bool {
	if c.webhookSecret == "" || signature == "" {
		return false
	}
	return c.validateWebhookSignature(body, signature)
}

