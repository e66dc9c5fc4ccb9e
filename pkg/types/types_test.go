package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &SessionRecord{
		SessionID:      "11111111111111111111111111111111",
		IdentityHash:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CreatedAt:      now,
		LastAccessedAt: now,
		Attributes:     map[string]string{"user_agent": "curl/8", "empty": ""},
		IsActive:       true,
	}

	out := rec.Clone()
	require.Equal(t, rec, out)

	out.Attributes["user_agent"] = "changed"
	out.Attributes["added"] = "x"
	require.Equal(t, map[string]string{"user_agent": "curl/8", "empty": ""}, rec.Attributes)

	t.Run("nil attributes come back writable", func(t *testing.T) {
		bare := &SessionRecord{SessionID: "s"}
		out := bare.Clone()
		require.NotNil(t, out.Attributes)
		out.Attributes["k"] = "v"
		require.Nil(t, bare.Attributes)
	})
}
