package store

import (
	"context"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func storeErrors(t *testing.T, op string) float64 {
	var m dto.Metric
	require.NoError(t, prometheusStoreErrors.WithLabelValues(op).Write(&m))
	return m.GetCounter().GetValue()
}

// stallStore blocks until the caller gives up.
type stallStore struct {
	*Memory
}

func (s stallStore) Get(ctx context.Context, key string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s stallStore) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

func TestWithTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("slow operation becomes unavailable", func(t *testing.T) {
		s := WithTimeout(stallStore{NewMemory()}, 10*time.Millisecond)
		_, err := s.Get(ctx, "k")
		require.ErrorIs(t, err, ErrStoreUnavailable)
	})

	t.Run("backend error becomes unavailable", func(t *testing.T) {
		s := WithTimeout(stallStore{NewMemory()}, time.Second)
		before := storeErrors(t, "ping")
		require.ErrorIs(t, s.Ping(ctx), ErrStoreUnavailable)
		require.Equal(t, before+1, storeErrors(t, "ping"))
	})

	t.Run("not found passes through", func(t *testing.T) {
		s := WithTimeout(NewMemory(), time.Second)
		before := storeErrors(t, "get")
		_, err := s.Get(ctx, "k")
		require.True(t, IsNotFound(err))
		require.Equal(t, before, storeErrors(t, "get"))
		require.False(t, errors.Is(err, ErrStoreUnavailable))
	})

	t.Run("success passes through", func(t *testing.T) {
		s := WithTimeout(NewMemory(), time.Second)
		require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "v", string(v))
	})
}
