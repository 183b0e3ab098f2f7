package ai_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/neeroai/messagebackbone/internal/ai"
	"github.com/neeroai/messagebackbone/internal/config"
)

type fakeBackend struct {
	fail bool
}

func (f *fakeBackend) Call(ctx context.Context, input string, convCtx ai.ConversationContext) (*ai.Reply, error) {
	if f.fail {
		return nil, errors.New("backend down")
	}
	return &ai.Reply{Text: "ok"}, nil
}

func TestClient_InferSuccess(t *testing.T) {
	backend := &fakeBackend{}
	client := ai.NewClient(backend, config.AIConfig{
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.6,
	})

	reply, err := client.Infer(context.Background(), "hi", ai.ConversationContext{UserType: "returning"})
	require.NoError(t, err)
	require.Equal(t, "ok", reply.Text)
}

func TestClient_CircuitOpensAfterFailures(t *testing.T) {
	backend := &fakeBackend{fail: true}
	client := ai.NewClient(backend, config.AIConfig{
		BreakerMinRequests:  3,
		BreakerFailureRatio: 0.5,
	})

	for i := 0; i < 3; i++ {
		_, err := client.Infer(context.Background(), "hi", ai.ConversationContext{})
		require.Error(t, err)
	}

	_, err := client.Infer(context.Background(), "hi", ai.ConversationContext{})
	require.ErrorIs(t, err, ai.ErrCircuitOpen)
}
