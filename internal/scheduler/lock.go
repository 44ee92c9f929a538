package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	logx "postbot/pkg/logx"
)

const DefaultLockKey = "postbot:sweep"

type RedisLockConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// RedisLocker is a Locker backed by a redis SET NX lease. The TTL must
// exceed the longest expected sweep or two instances may overlap.
type RedisLocker struct {
	rdb    *redis.Client
	locker *redislock.Client
	key    string
	ttl    time.Duration
	log    logx.Logger
}

// NewRedisLocker connects and pings redis so a misconfigured address fails
// at startup instead of on the first tick.
func NewRedisLocker(ctx context.Context, cfg RedisLockConfig, log logx.Logger) (*RedisLocker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis lock: addr is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultLockKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * DefaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisLocker{rdb: rdb, locker: redislock.New(rdb), key: cfg.Key, ttl: cfg.TTL, log: log}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(), bool, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.Warn("sweep lock release failed", logx.Err(err))
		}
	}, true, nil
}

func (l *RedisLocker) Close() error { return l.rdb.Close() }
