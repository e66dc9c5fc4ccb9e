package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptagon/ion-sessiond/pkg/store"
	"github.com/cryptagon/ion-sessiond/pkg/types"
)

func TestHealthSnapshot(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestManager()

	h := m.HealthSnapshot(ctx)
	require.True(t, h.OK())
	require.Zero(t, h.TotalSessions)

	for i, sid := range []string{s1, s2, s3} {
		_, err := m.Create(ctx, userA, sid, nil)
		require.NoError(t, err, i)
	}
	_, err := m.Create(ctx, userB, s1, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, store.TransportKey(s1), []byte("{}"), 0))

	h = m.HealthSnapshot(ctx)
	require.True(t, h.OK())
	require.Equal(t, 4, h.TotalSessions)
	require.Equal(t, 2, h.TotalIdentities)
	require.Equal(t, 3, h.SessionsPerIdentity[userA])
	require.Equal(t, 1, h.SessionsPerIdentity[userB])
	require.Equal(t, 1, h.TransportSessions)
	require.Equal(t, 3, h.LegacySessions)
}

func TestAnalytics(t *testing.T) {
	ctx := context.Background()
	m, _, c := newTestManager()

	// one identity with a single session, one with seven
	_, err := m.Create(ctx, userB, s1, map[string]string{
		types.AttrDetectedFrom: "middleware",
		types.AttrAuthKind:     string(types.AuthBearer),
	})
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := m.Create(ctx, userA, fmt.Sprintf("%032x", i), map[string]string{
			types.AttrDetectedFrom: "query_hex",
			types.AttrAuthKind:     string(types.AuthAnonymous),
		})
		require.NoError(t, err)
	}
	_, err = m.Create(ctx, userA, fmt.Sprintf("%032x", 100), map[string]string{types.AttrRecovered: "true"})
	require.NoError(t, err)
	c.Advance(30 * time.Second)

	a, err := m.Analytics(ctx)
	require.NoError(t, err)
	require.Equal(t, 9, a.TotalSessions)
	require.Equal(t, 9, a.ActiveSessions)
	require.Equal(t, 2, a.TotalIdentities)
	require.Equal(t, 1, a.MinPerIdentity)
	require.Equal(t, 8, a.MaxPerIdentity)
	require.InDelta(t, 4.5, a.MeanPerIdentity, 0.001)
	require.Equal(t, []Bucket{
		{Label: "1", Count: 1},
		{Label: "2-5", Count: 0},
		{Label: "6-10", Count: 1},
		{Label: ">10", Count: 0},
	}, a.Distribution)
	require.Equal(t, 7, a.BySource["query_hex"])
	require.Equal(t, 1, a.BySource["middleware"])
	require.Equal(t, 1, a.ByAuthKind["bearer"])
	require.Equal(t, 1, a.RecoveredCount)
	require.InDelta(t, 30, a.OldestIdleSeconds, 0.001)
}
