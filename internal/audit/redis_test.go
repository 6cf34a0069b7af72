package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightdesk/freightdesk/internal/config"
)

type fakeStreamClient struct {
	args   []*redis.XAddArgs
	err    error
	closed bool
}

func (f *fakeStreamClient) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func (f *fakeStreamClient) Close() error {
	f.closed = true
	return nil
}

func TestRedisStreamShipper_Ship(t *testing.T) {
	client := &fakeStreamClient{}
	rs := newRedisStreamShipper(client, "audit:events", 10000)

	entry := &LogEntry{ID: "a1", OrganizationID: "org-1", Action: "create", EntityType: "quote"}
	require.NoError(t, rs.Ship(context.Background(), entry))

	require.Len(t, client.args, 1)
	a := client.args[0]
	assert.Equal(t, "audit:events", a.Stream)
	assert.Equal(t, int64(10000), a.MaxLen)
	assert.True(t, a.Approx)

	values, ok := a.Values.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "org-1", values["organization_id"])
	assert.Equal(t, "create", values["action"])

	var decoded LogEntry
	require.NoError(t, json.Unmarshal([]byte(values["entry"].(string)), &decoded))
	assert.Equal(t, "a1", decoded.ID)

	require.NoError(t, rs.Close())
	assert.True(t, client.closed)
}

func TestRedisStreamShipper_DefaultsAndUntrimmed(t *testing.T) {
	client := &fakeStreamClient{}
	rs := newRedisStreamShipper(client, "", 0)

	require.NoError(t, rs.Ship(context.Background(), &LogEntry{ID: "a1"}))
	assert.Equal(t, defaultAuditStream, client.args[0].Stream)
	assert.Zero(t, client.args[0].MaxLen)
	assert.False(t, client.args[0].Approx)
}

func TestRedisStreamShipper_Error(t *testing.T) {
	client := &fakeStreamClient{err: errors.New("READONLY You can't write against a read only replica")}
	rs := newRedisStreamShipper(client, "s", 0)

	err := rs.Ship(context.Background(), &LogEntry{ID: "a1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
}

func TestNewRedisStreamShipper_RequiresAddress(t *testing.T) {
	_, err := NewRedisStreamShipper(&config.AuditRedisConfig{})
	assert.Error(t, err)

	rs, err := NewRedisStreamShipper(&config.AuditRedisConfig{
		RedisConfig: config.RedisConfig{Address: "127.0.0.1:6379"},
		Stream:      "s",
	})
	require.NoError(t, err)
	assert.NoError(t, rs.Close())
}
