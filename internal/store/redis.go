package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agentchat/internal/session"
)

const redisKeyPrefix = "agentchat:session:"

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(key session.Key) string {
	return redisKeyPrefix + string(key)
}

func (s *RedisStore) Save(ctx context.Context, snap session.Snapshot) error {
	if s == nil || s.client == nil {
		return nil
	}
	if strings.TrimSpace(string(snap.Key)) == "" {
		return errEmptyKey
	}
	data, err := json.Marshal(settled(snap))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey(snap.Key), data, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, key session.Key) (session.Snapshot, bool, error) {
	if s == nil || s.client == nil {
		return session.Snapshot{}, false, nil
	}
	data, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, err
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key session.Key) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Del(ctx, redisKey(key)).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	if s == nil || s.client == nil {
		return []Entry{}, nil
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		snap, ok, err := s.Load(ctx, session.Key(strings.TrimPrefix(k, redisKeyPrefix)))
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entryFor(snap))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
