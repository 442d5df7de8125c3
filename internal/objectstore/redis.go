package objectstore

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldData        = "data"
	fieldContentType = "content_type"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires objects after the given duration; zero keeps them.
	TTL time.Duration
}

// Redis stores each object as a hash holding the bytes and the content type.
type Redis struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *goredis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) (*Object, error) {
	vals, err := r.client.HMGet(ctx, r.key(key), fieldData, fieldContentType).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}

	data, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	contentType, _ := vals[1].(string)
	return &Object{Data: []byte(data), ContentType: contentType}, nil
}

func (r *Redis) Put(ctx context.Context, key string, data []byte, contentType string) error {
	k := r.key(key)
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, k, fieldData, data, fieldContentType, contentType)
		if r.ttl > 0 {
			pipe.Expire(ctx, k, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
