package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/sessions/internal/domain"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return srv, NewRedisStoreWithClient(client, time.Minute)
}

func TestRedisLock(t *testing.T) {
	srv, r := newRedis(t)
	ctx := context.Background()
	key := domain.SessionKey{VehicleID: "DOBACK022", Date: day, Sequence: 1}

	unlock, err := r.Lock(ctx, key)
	require.NoError(t, err)
	assert.True(t, srv.Exists("session:lock:DOBACK022:20250315:1"))

	_, err = r.Lock(ctx, key)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, unlock(ctx))
	assert.False(t, srv.Exists("session:lock:DOBACK022:20250315:1"))

	unlock, err = r.Lock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestRedisUnlockLeavesForeignLock(t *testing.T) {
	srv, r := newRedis(t)
	ctx := context.Background()
	key := domain.SessionKey{VehicleID: "DOBACK022", Date: day, Sequence: 2}

	unlock, err := r.Lock(ctx, key)
	require.NoError(t, err)

	// Our lock expires and another run takes the key.
	srv.FastForward(2 * time.Minute)
	require.NoError(t, srv.Set("session:lock:DOBACK022:20250315:2", "someone-else"))

	require.NoError(t, unlock(ctx))
	got, err := srv.Get("session:lock:DOBACK022:20250315:2")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisPolarity(t *testing.T) {
	srv, r := newRedis(t)
	ctx := context.Background()

	_, ok, err := r.GetPolarity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := r.SetPolarityNX(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	v, err = r.SetPolarityNX(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, v, "first writer wins")

	v, ok, err = r.GetPolarity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, v)

	require.NoError(t, srv.Set(PolarityKey, "maybe"))
	_, _, err = r.GetPolarity(ctx)
	assert.Error(t, err)
}

func TestRedisPublishOutcomes(t *testing.T) {
	srv, r := newRedis(t)
	ctx := context.Background()

	sub := r.Client().Subscribe(ctx, OutcomeChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = r.PublishOutcomes(ctx, "run-1", []Published{
		{Counter: "persisted", Payload: []byte(`{"a":1}`)},
		{Counter: "persisted", Payload: []byte(`{"a":2}`)},
		{Counter: "duplicate", Payload: []byte(`{"a":3}`)},
	})
	require.NoError(t, err)

	stats, err := r.RunStats(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"persisted": 2, "duplicate": 1}, stats)
	assert.Greater(t, srv.TTL("run:run-1:outcomes"), time.Duration(0))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, `{"a":1}`, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outcome message")
	}

	assert.NoError(t, r.PublishOutcomes(ctx, "run-1", nil))
}

func TestRedisPublishSessionEvent(t *testing.T) {
	_, r := newRedis(t)
	ctx := context.Background()

	sub := r.Client().Subscribe(ctx, "fleet:DOBACK022:session_events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.PublishSessionEvent(ctx, "DOBACK022", []byte("dep")))
	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "dep", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
