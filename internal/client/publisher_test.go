package client

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tuner/internal/metrics"
)

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	args := m.Called(dataset, rec.NumRows())
	return args.Error(0)
}

func TestPublisher_StopsAfterConsecutiveFailures(t *testing.T) {
	p := &mockPutter{}
	p.On("DoPut", "summary", int64(1)).Return(errors.New("unavailable")).Twice()

	pub := NewPublisher(p, NewCircuitBreaker(2, 0), nil)
	skipped := testutil.ToFloat64(metrics.Uploads.WithLabelValues("skipped"))

	ctx := context.Background()
	values := map[string]float64{"train_loss": 0.1}
	assert.Error(t, pub.PublishFloats(ctx, "summary", values))
	assert.Error(t, pub.PublishFloats(ctx, "summary", values))
	assert.ErrorIs(t, pub.PublishFloats(ctx, "summary", values), ErrCircuitOpen)

	p.AssertNumberOfCalls(t, "DoPut", 2)
	assert.Equal(t, skipped+1, testutil.ToFloat64(metrics.Uploads.WithLabelValues("skipped")))
	assert.Equal(t, StateOpen, pub.Breaker().State())
}

func TestPublisher_PublishStrings(t *testing.T) {
	p := &mockPutter{}
	p.On("DoPut", "lima_converted", int64(2)).Return(nil).Once()

	pub := NewPublisher(p, nil, nil)
	err := pub.PublishStrings(context.Background(), "lima_converted", []StringColumn{
		{Name: "messages", Values: []string{"[]", "[]"}},
	})
	require.NoError(t, err)

	// Empty tables are not sent.
	require.NoError(t, pub.PublishStrings(context.Background(), "lima_converted", nil))
	p.AssertExpectations(t)
}
