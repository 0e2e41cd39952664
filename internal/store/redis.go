package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fleet-monitor/sessions/internal/config"
	"fleet-monitor/sessions/internal/domain"
)

const (
	PolarityKey     = "beacon:active_value"
	OutcomeChannel  = "fleet:sessions:outcomes"
	EventChannelFmt = "fleet:%s:session_events"

	runStatsTTL = 24 * time.Hour
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by another run is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisStore struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, lockTTL: cfg.LockTTL}, nil
}

func NewRedisStoreWithClient(client *redis.Client, lockTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, lockTTL: lockTTL}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func lockKey(key domain.SessionKey) string {
	return fmt.Sprintf("session:lock:%s", key)
}

// Lock takes the cross-process lock on one session key. The returned func
// releases it. domain.ErrLockHeld means another ingestion holds the key.
func (r *RedisStore) Lock(ctx context.Context, key domain.SessionKey) (func(context.Context) error, error) {
	token := uuid.NewString()
	k := lockKey(key)

	ok, err := r.client.SetNX(ctx, k, token, r.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s failed: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
			return fmt.Errorf("unlock %s failed: %w", key, err)
		}
		return nil
	}, nil
}

func (r *RedisStore) GetPolarity(ctx context.Context) (int, bool, error) {
	val, err := r.client.Get(ctx, PolarityKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get polarity failed: %w", err)
	}
	v, err := parsePolarity(val)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (r *RedisStore) SetPolarityNX(ctx context.Context, value int) (int, error) {
	ok, err := r.client.SetNX(ctx, PolarityKey, strconv.Itoa(value), 0).Result()
	if err != nil {
		return 0, fmt.Errorf("redis set polarity failed: %w", err)
	}
	if ok {
		return value, nil
	}
	stored, found, err := r.GetPolarity(ctx)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.New("polarity key vanished after SETNX")
	}
	return stored, nil
}

func parsePolarity(val string) (int, error) {
	switch val {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	}
	return 0, fmt.Errorf("stored beacon polarity %q is not 0 or 1", val)
}

// Published is one outcome message and the run counter it increments.
type Published struct {
	Counter string
	Payload []byte
}

// PublishOutcomes sends a batch of outcome messages and bumps the run's
// per-status counters in one pipeline.
func (r *RedisStore) PublishOutcomes(ctx context.Context, runID string, batch []Published) error {
	if len(batch) == 0 {
		return nil
	}
	statsKey := fmt.Sprintf("run:%s:outcomes", runID)

	pipe := r.client.Pipeline()
	for _, p := range batch {
		pipe.HIncrBy(ctx, statsKey, p.Counter, 1)
		pipe.Publish(ctx, OutcomeChannel, p.Payload)
	}
	pipe.Expire(ctx, statsKey, runStatsTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// RunStats returns the per-status counters of a run.
func (r *RedisStore) RunStats(ctx context.Context, runID string) (map[string]int, error) {
	raw, err := r.client.HGetAll(ctx, fmt.Sprintf("run:%s:outcomes", runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis run stats failed: %w", err)
	}
	out := make(map[string]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("run stats %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func (r *RedisStore) PublishSessionEvent(ctx context.Context, vehicleID string, payload []byte) error {
	return r.client.Publish(ctx, fmt.Sprintf(EventChannelFmt, vehicleID), payload).Err()
}
