// Package presence provides the Redis-backed presence heartbeat store.
// Records expire via key TTL, so the staleness window needs no sweep.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"auditdesk/api/internal/store"
)

// record is the JSON payload stored per presence key
type record struct {
	ActorName  string    `json:"actor_name"`
	ActorRole  string    `json:"actor_role"`
	ActiveTab  string    `json:"active_tab"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// RedisStore implements presence storage using Redis key TTLs
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed presence store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
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

	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(companyID, actorID string) string {
	return s.prefix + companyID + ":" + actorID
}

// Upsert stores a presence heartbeat with the staleness window as TTL
func (s *RedisStore) Upsert(ctx context.Context, item store.Presence) error {
	data := record{
		ActorName:  item.ActorName,
		ActorRole:  item.ActorRole,
		ActiveTab:  item.ActiveTab,
		LastSeenAt: item.LastSeenAt,
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	key := s.key(item.CompanyID, item.ActorID)
	if err := s.client.Set(ctx, key, jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// Remove deletes a presence record on explicit leave
func (s *RedisStore) Remove(ctx context.Context, companyID, actorID string) error {
	if err := s.client.Del(ctx, s.key(companyID, actorID)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// List returns the live presence records for one company. Expired keys
// never appear; Redis drops them when the TTL lapses.
func (s *RedisStore) List(ctx context.Context, companyID string) ([]store.Presence, error) {
	pattern := s.prefix + companyID + ":*"

	items := make([]store.Presence, 0)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		for _, key := range keys {
			jsonData, err := s.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read presence: %w", err)
			}
			var data record
			if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
				return nil, fmt.Errorf("unmarshal presence: %w", err)
			}
			actorID := strings.TrimPrefix(key, s.prefix+companyID+":")
			items = append(items, store.Presence{
				CompanyID:  companyID,
				ActorID:    actorID,
				ActorName:  data.ActorName,
				ActorRole:  data.ActorRole,
				ActiveTab:  data.ActiveTab,
				LastSeenAt: data.LastSeenAt,
			})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].ActorName < items[j].ActorName
	})
	return items, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
