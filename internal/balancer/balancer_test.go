package balancer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neeroai/messagebackbone/internal/balancer"
	"github.com/neeroai/messagebackbone/internal/config"
	"github.com/neeroai/messagebackbone/internal/models"
)

func threeNumberPool() []*models.SendingNumber {
	return []*models.SendingNumber{
		models.NewSendingNumber("N1", models.Credentials{}, "N1", 1000),
		models.NewSendingNumber("N2", models.Credentials{}, "N2", 1000),
		models.NewSendingNumber("N3", models.Credentials{}, "N3", 1000),
	}
}

func TestAssignNumber_ConsistentAssignment(t *testing.T) {
	b := balancer.New(threeNumberPool(), nil, config.BalancerConfig{}, zap.NewNop())
	ctx := context.Background()

	var first *models.SendingNumber
	for i := 0; i < 10; i++ {
		n, err := b.AssignNumber(ctx, "u-42", false)
		require.NoError(t, err)
		require.NotNil(t, n)
		if first == nil {
			first = n
		} else {
			require.Equal(t, first.PhoneID, n.PhoneID)
		}
	}

	require.Equal(t, 10, first.Snapshot().CurrentLoad)
}

func TestRecordMessageResult_RateLimitReassigns(t *testing.T) {
	pool := threeNumberPool()
	b := balancer.New(pool, nil, config.BalancerConfig{}, zap.NewNop())
	ctx := context.Background()

	n, err := b.AssignNumber(ctx, "u-7", false)
	require.NoError(t, err)
	original := n.PhoneID

	b.RecordMessageResult(ctx, "u-7", original, false, "rate limit exceeded", false)

	next, reason, err := b.GetOptimalForMessage(ctx, "u-7", models.MessageTypeText, models.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, balancer.ReasonStickyAssignment, reason)
	require.NotEqual(t, original, next.PhoneID)
}

func TestAssignNumber_NoneWhenPoolExhausted(t *testing.T) {
	pool := []*models.SendingNumber{
		models.NewSendingNumber("N1", models.Credentials{}, "N1", 1),
	}
	b := balancer.New(pool, nil, config.BalancerConfig{}, zap.NewNop())
	ctx := context.Background()

	_, err := b.AssignNumber(ctx, "u-1", false)
	require.NoError(t, err)

	n, err := b.AssignNumber(ctx, "u-2", true)
	require.NoError(t, err)
	require.Nil(t, n)
}
