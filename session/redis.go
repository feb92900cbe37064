package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "custos:session:"
	userIndexPrefix  = "custos:user_sessions:"
)

// RedisStore keeps sessions in Redis. Records are msgpack-encoded and a
// per-user set indexes session IDs so RevokeUser avoids a keyspace scan.
type RedisStore struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *zap.SugaredLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Infof("Session store connected to Redis at %s", opts.Addr)
	return &RedisStore{client: client, logger: logger}, nil
}

func sessionKey(id string) string  { return sessionKeyPrefix + id }
func userIndexKey(u string) string { return userIndexPrefix + u }

// Put stores the record and registers it in the user's session index.
func (rs *RedisStore) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	if rec.ID == "" {
		return fmt.Errorf("session record has no ID")
	}

	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	pipe := rs.client.TxPipeline()
	pipe.Set(ctx, sessionKey(rec.ID), data, ttl)
	pipe.SAdd(ctx, userIndexKey(rec.Username), rec.ID)
	// Index outlives the longest session slightly so revocation still
	// finds IDs for sessions about to lapse.
	pipe.Expire(ctx, userIndexKey(rec.Username), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Get returns the record or ErrNotFound once the key has expired.
func (rs *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := rs.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}

	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return &rec, nil
}

// Delete removes a single session and its index entry.
func (rs *RedisStore) Delete(ctx context.Context, id string) error {
	rec, err := rs.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := rs.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, userIndexKey(rec.Username), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// RevokeUser removes all sessions for a username.
func (rs *RedisStore) RevokeUser(ctx context.Context, username string) error {
	ids, err := rs.client.SMembers(ctx, userIndexKey(username)).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, userIndexKey(username))

	if err := rs.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to revoke user sessions: %w", err)
	}

	rs.logger.Infow("AUDIT: all sessions revoked", "username", username, "count", len(ids))
	return nil
}

// Close closes the Redis client.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
