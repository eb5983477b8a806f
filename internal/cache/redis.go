package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

const epochTTL = 10 * time.Minute

type redisCache struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewRedis(logg *logger.Logger) (Cache, error) {
	addr := env.Get("REDIS_ADDR", "localhost:6379", logg)
	password := env.Get("REDIS_PASSWORD", "", logg)
	db := env.GetAsInt("REDIS_DB", 0, logg)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisCache{log: logg.With("service", "RedisCache"), rdb: rdb}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests.
func NewRedisWithClient(rdb *goredis.Client, logg *logger.Logger) Cache {
	return &redisCache{log: logg.With("service", "RedisCache"), rdb: rdb}
}

func (c *redisCache) Enabled() bool { return true }

func (c *redisCache) Close() error { return c.rdb.Close() }

func (c *redisCache) GetLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, epochKey(conversationID, clientID)).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translateRedis(err)
	}
	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return epoch, true, nil
}

func (c *redisCache) SetLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) error {
	return translateRedis(c.rdb.Set(ctx, epochKey(conversationID, clientID), strconv.FormatInt(epoch, 10), epochTTL).Err())
}

func (c *redisCache) InvalidateLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	return translateRedis(c.rdb.Del(ctx, epochKey(conversationID, clientID)).Err())
}

func (c *redisCache) GetRecord(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translateRedis(err)
	}
	return val, true, nil
}

func (c *redisCache) SetRecord(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return translateRedis(c.rdb.Set(ctx, key, value, ttl).Err())
}

func (c *redisCache) DeleteRecord(ctx context.Context, key string) error {
	return translateRedis(c.rdb.Del(ctx, key).Err())
}

func (c *redisCache) AppendStream(ctx context.Context, key string, data []byte, done bool, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			"data": data,
			"done": boolField(done),
		},
	})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return translateRedis(err)
}

func (c *redisCache) ReadStream(ctx context.Context, key string, afterID string, block time.Duration) ([]StreamEntry, error) {
	if afterID == "" {
		afterID = "0"
	}
	var (
		streams []goredis.XStream
		err     error
	)
	if block > 0 {
		streams, err = c.rdb.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{key, afterID},
			Block:   block,
		}).Result()
	} else {
		var msgs []goredis.XMessage
		msgs, err = c.rdb.XRange(ctx, key, incrementStreamID(afterID), "+").Result()
		if err == nil {
			streams = []goredis.XStream{{Stream: key, Messages: msgs}}
		}
	}
	if err == goredis.Nil || err == context.DeadlineExceeded {
		return []StreamEntry{}, nil
	}
	if err != nil {
		return nil, translateRedis(err)
	}

	out := []StreamEntry{}
	for _, s := range streams {
		for _, m := range s.Messages {
			entry := StreamEntry{ID: m.ID}
			if raw, ok := m.Values["data"].(string); ok {
				entry.Data = []byte(raw)
			}
			if raw, ok := m.Values["done"].(string); ok {
				entry.Done = raw == "1"
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

func (c *redisCache) DeleteStream(ctx context.Context, key string) error {
	return translateRedis(c.rdb.Del(ctx, key).Err())
}

func (c *redisCache) PublishCancel(ctx context.Context, responseID string) error {
	return translateRedis(c.rdb.Publish(ctx, cancelChannel(responseID), "cancel").Err())
}

func (c *redisCache) SubscribeCancel(ctx context.Context, responseID string) (<-chan struct{}, func(), error) {
	sub := c.rdb.Subscribe(ctx, cancelChannel(responseID))
	// Receive confirms the subscription actually started.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, translateRedis(err)
	}

	out := make(chan struct{}, 1)
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

func cancelChannel(responseID string) string {
	return "response:cancel:" + responseID
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// incrementStreamID turns an inclusive XRANGE bound into an exclusive one.
// Redis 6.2+ supports the "(" prefix for exactly this.
func incrementStreamID(id string) string {
	if id == "0" || id == "" {
		return "-"
	}
	return "(" + id
}

func translateRedis(err error) error {
	if err == nil || err == goredis.Nil {
		return nil
	}
	return fault.Wrap(fault.KindUnavailable, "cache unavailable", err)
}
