// Package cache provides the best-effort snapshot store for comment threads.
// It is a cache of the thread collection keyed by paper id, not the source of
// truth: the in-memory session stays authoritative and Postgres holds the
// durable copy.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const threadSnapshotPrefix = "comment-threads:"

// ErrNotFound is returned when no snapshot exists for a paper.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore keeps JSON blobs per paper id in Redis.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotStore(redisURL string) (*SnapshotStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &SnapshotStore{client: client, ttl: 30 * 24 * time.Hour}, nil
}

func (s *SnapshotStore) key(paperID string) string {
	return threadSnapshotPrefix + paperID
}

// SaveThreads stores the serialized thread collection for a paper.
func (s *SnapshotStore) SaveThreads(ctx context.Context, paperID string, blob []byte) error {
	if err := s.client.Set(ctx, s.key(paperID), blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("save thread snapshot: %w", err)
	}
	return nil
}

// LoadThreads returns the serialized thread collection for a paper, or
// ErrNotFound when none has been written.
func (s *SnapshotStore) LoadThreads(ctx context.Context, paperID string) ([]byte, error) {
	blob, err := s.client.Get(ctx, s.key(paperID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread snapshot: %w", err)
	}
	return blob, nil
}

// DeleteThreads drops the snapshot for a paper.
func (s *SnapshotStore) DeleteThreads(ctx context.Context, paperID string) error {
	if err := s.client.Del(ctx, s.key(paperID)).Err(); err != nil {
		return fmt.Errorf("delete thread snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SnapshotStore) Close() error {
	return s.client.Close()
}
