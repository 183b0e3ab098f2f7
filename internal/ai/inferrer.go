// Package ai defines the AI reply collaborator contract. Reply generation
// itself is an explicit non-goal; this package only carries the
// circuit-broken call boundary between the message backbone and whatever
// conversational model serves it.
package ai

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neeroai/messagebackbone/internal/config"
)

// ErrCircuitOpen is returned when the breaker has tripped on the inference backend.
var ErrCircuitOpen = errors.New("ai inference circuit is open")

// ConversationContext is the relevant-context subset passed alongside the
// input (user_type, conversation_stage, last_intent), matching the shape
// the Multi-Level Cache hashes into its AI-response key.
type ConversationContext struct {
	UserType         string
	ConversationStage string
	LastIntent       string
}

// Reply is the opaque model output; its content is not this package's concern.
type Reply struct {
	Text     string
	Metadata map[string]interface{}
}

// Inferrer is the collaborator contract: infer(input, context) -> reply.
type Inferrer interface {
	Infer(ctx context.Context, input string, convCtx ConversationContext) (*Reply, error)
}

// Backend performs the actual out-of-process call a concrete Inferrer wraps.
type Backend interface {
	Call(ctx context.Context, input string, convCtx ConversationContext) (*Reply, error)
}

// Client is a circuit-broken, traced Inferrer wrapping a Backend.
type Client struct {
	backend Backend
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
}

// NewClient constructs a Client around backend using cfg's breaker tuning.
func NewClient(backend Backend, cfg config.AIConfig) *Client {
	settings := gobreaker.Settings{
		Name:    "ai-inference",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.BreakerFailureRatio
		},
	}
	return &Client{
		backend: backend,
		breaker: gobreaker.NewCircuitBreaker(settings),
		tracer:  otel.Tracer("ai"),
	}
}

// Infer calls the backend behind the circuit breaker, tracing the attempt.
func (c *Client) Infer(ctx context.Context, input string, convCtx ConversationContext) (*Reply, error) {
	ctx, span := c.tracer.Start(ctx, "ai.infer", trace.WithAttributes(
		attribute.String("conversation_stage", convCtx.ConversationStage),
		attribute.String("user_type", convCtx.UserType),
	))
	defer span.End()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.backend.Call(ctx, input, convCtx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			span.SetAttributes(attribute.String("error", "circuit_open"))
			return nil, ErrCircuitOpen
		}
		span.SetAttributes(attribute.String("error", "backend_failure"))
		return nil, errors.Wrap(err, "ai backend call")
	}
	return result.(*Reply), nil
}

var _ Inferrer = (*Client)(nil)
