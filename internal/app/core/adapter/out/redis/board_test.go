package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStatus(t *testing.T) {
	st, err := decodeStatus("T1", map[string]string{
		fieldWorkstation:  "ws1",
		fieldIntentID:     "RP262363",
		fieldRequestedAt:  "2026-10-01T12:00:00Z",
		fieldLastResponse: `{"ResultCode":"0"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "ws1", st.Workstation)
	assert.Equal(t, "0", st.LastResponse["ResultCode"])
	assert.False(t, st.Pending())
	assert.False(t, st.Errored())

	st, err = decodeStatus("T1", map[string]string{
		fieldIntentID:  "RP262363",
		fieldLastError: "Could not connect to the payment terminal.",
	})
	require.NoError(t, err)
	assert.True(t, st.Errored())

	_, err = decodeStatus("T1", map[string]string{fieldLastResponse: "{"})
	assert.Error(t, err)
}

// 需要真的 redis，REDIS_ADDR 沒設就跳過
func TestBoard_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, Config{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	board := NewBoard(client, Config{Prefix: "test:" + ulid.Make().String() + ":", TTL: time.Minute})

	require.NoError(t, board.Begin(ctx, "T1", "ws1", "RP1"))
	st, err := board.Status(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, st.Pending())

	require.NoError(t, board.Succeed(ctx, "T1", map[string]string{"ResultCode": "0"}, "Partial approval"))
	st, err = board.Status(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "Partial approval", st.LastError)
	assert.Equal(t, "0", st.LastResponse["ResultCode"])

	require.NoError(t, board.Begin(ctx, "T1", "ws1", "RP2"))
	require.NoError(t, board.Fail(ctx, "T1", "busy"))
	st, err = board.Status(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, st.Errored())
	assert.Equal(t, "RP2", st.IntentID)
}
