package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "speakingbot:session:"
	defaultTTL       = 24 * time.Hour
)

// redisStore implements Store on Redis, for deployments where bot sessions
// must survive a relay restart or be visible to operational tooling.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(client *redis.Client, ttl time.Duration) *redisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *redisStore) key(id string) string {
	return sessionKeyPrefix + id
}

func (s *redisStore) Create(ctx context.Context, data *Data) error {
	now := time.Now()
	data.CreatedAt = now
	data.UpdatedAt = now
	data.Version = 1

	val, err := sonic.Marshal(data)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", data.ID, err)
	}
	if err := s.client.Set(ctx, s.key(data.ID), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: store %s: %w", data.ID, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*Data, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: fetch %s: %w", id, err)
	}

	var data Data
	if err := sonic.Unmarshal(val, &data); err != nil {
		return nil, fmt.Errorf("session: unmarshal %s: %w", id, err)
	}
	return &data, nil
}

// Update uses WATCH for the version check so two relays (or two teardown
// paths) cannot both win a stale write.
func (s *redisStore) Update(ctx context.Context, data *Data) error {
	key := s.key(data.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored Data
		if err := sonic.Unmarshal(val, &stored); err != nil {
			return err
		}
		if stored.Version != data.Version {
			return ErrVersionConflict
		}

		data.Version++
		data.UpdatedAt = time.Now()
		next, err := sonic.Marshal(data)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("session: update %s: %w", data.ID, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	return nil
}

func (s *redisStore) List(ctx context.Context) ([]*Data, error) {
	var all []*Data
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("session: list: %w", err)
		}
		var data Data
		if err := sonic.Unmarshal(val, &data); err != nil {
			return nil, fmt.Errorf("session: list: %w", err)
		}
		all = append(all, &data)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return all, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
