package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyadlab/relmc/sim/store"
)

type fakeCmdable struct {
	values map[string][]byte
	ttls   map[string]time.Duration
	setErr error
	getErr error
}

func newFakeCmdable() *fakeCmdable {
	return &fakeCmdable{values: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	if f.setErr != nil {
		return goredis.NewStatusResult("", f.setErr)
	}
	f.values[key] = append([]byte(nil), value.([]byte)...)
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeCmdable) Get(ctx context.Context, key string) *goredis.StringCmd {
	if f.getErr != nil {
		return goredis.NewStringResult("", f.getErr)
	}
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(string(v), nil)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorContains(t, err, "redis client is required")
}

func TestPutAndGet(t *testing.T) {
	client := newFakeCmdable()
	s, err := New(client)
	require.NoError(t, err)

	key := store.ResultKey("pair-1")
	require.NoError(t, s.Put(context.Background(), key, []byte(`{"pairId":"pair-1"}`), time.Hour))
	assert.Equal(t, time.Hour, client.ttls[key])

	got, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pairId":"pair-1"}`, string(got))
}

func TestPutDefaultsTTL(t *testing.T) {
	client := newFakeCmdable()
	s, err := New(client)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "result:p", []byte("{}"), 0))
	assert.Equal(t, store.DefaultResultTTL, client.ttls["result:p"])

	require.NoError(t, s.Put(context.Background(), "result:q", []byte("{}"), -1))
	assert.Equal(t, time.Duration(0), client.ttls["result:q"], "negative ttl persists without expiry")
}

func TestPutValidation(t *testing.T) {
	s, err := New(newFakeCmdable())
	require.NoError(t, err)

	assert.ErrorContains(t, s.Put(context.Background(), "", []byte("{}"), 0), "key is required")
}

func TestPutPropagatesErrors(t *testing.T) {
	client := newFakeCmdable()
	client.setErr = errors.New("connection reset")
	s, err := New(client)
	require.NoError(t, err)

	assert.ErrorContains(t, s.Put(context.Background(), "result:p", []byte("{}"), 0), "connection reset")
}

func TestGetMissingKey(t *testing.T) {
	s, err := New(newFakeCmdable())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "result:absent")
	assert.ErrorIs(t, err, ErrNotFound)
}
