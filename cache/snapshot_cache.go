package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"AudioDeck/core/store"
)

const (
	snapshotKey      = "audiodeck:snapshot:%s"
	snapshotSavedKey = "audiodeck:snapshot:%s:saved_at"
	// SnapshotTTL 与快照过期策略一致，作为第二道保险
	SnapshotTTL = 24 * time.Hour
)

// RedisSnapshotStore keeps the session snapshot as one redis string.
type RedisSnapshotStore struct {
	client  *redis.Client
	session string
	ttl     time.Duration
}

// NewRedisSnapshotStore 创建快照缓存
func NewRedisSnapshotStore(client *redis.Client, session string) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, session: session, ttl: SnapshotTTL}
}

func (c *RedisSnapshotStore) key() string {
	return fmt.Sprintf(snapshotKey, c.session)
}

func (c *RedisSnapshotStore) savedKey() string {
	return fmt.Sprintf(snapshotSavedKey, c.session)
}

// PutSnapshot 写入快照并刷新过期时间
func (c *RedisSnapshotStore) PutSnapshot(ctx context.Context, data []byte) error {
	if c.client == nil {
		return errors.New("Redis client not initialized")
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.key(), data, c.ttl)
	pipe.Set(ctx, c.savedKey(), time.Now().UnixMilli(), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns store.ErrNotFound when no snapshot is cached.
func (c *RedisSnapshotStore) GetSnapshot(ctx context.Context) ([]byte, error) {
	if c.client == nil {
		return nil, errors.New("Redis client not initialized")
	}
	data, err := c.client.Get(ctx, c.key()).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return data, nil
}

// DeleteSnapshot 删除快照
func (c *RedisSnapshotStore) DeleteSnapshot(ctx context.Context) error {
	if c.client == nil {
		return errors.New("Redis client not initialized")
	}
	if err := c.client.Del(ctx, c.key(), c.savedKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// SnapshotInfo 快照的缓存信息，供命令行查看
type SnapshotInfo struct {
	Size    int
	SavedAt time.Time
	TTL     time.Duration
}

// Info reports size, save time and remaining TTL of the cached snapshot.
func (c *RedisSnapshotStore) Info(ctx context.Context) (*SnapshotInfo, error) {
	pipe := c.client.Pipeline()
	lenCmd := pipe.StrLen(ctx, c.key())
	savedCmd := pipe.Get(ctx, c.savedKey())
	ttlCmd := pipe.TTL(ctx, c.key())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read snapshot info: %w", err)
	}
	if lenCmd.Val() == 0 {
		return nil, store.ErrNotFound
	}
	info := &SnapshotInfo{Size: int(lenCmd.Val()), TTL: ttlCmd.Val()}
	if ms, err := strconv.ParseInt(savedCmd.Val(), 10, 64); err == nil {
		info.SavedAt = time.UnixMilli(ms)
	}
	return info, nil
}
