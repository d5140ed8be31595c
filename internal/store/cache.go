package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ttlRoster   = 6 * time.Hour
	ttlGameName = 24 * time.Hour
	ttlGroupID  = 7 * 24 * time.Hour
)

// Cache memoizes per-game player rosters, display names and resolved group ids
// in Redis so turn handling does not re-scrape or re-list on every event.
type Cache struct{ rdb *redis.Client }

func NewCache(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

// NewCacheFromURL dials Redis from a redis:// URL and pings it once.
func NewCacheFromURL(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Cache{rdb: rdb}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *Cache) keyRoster(gameID string) string   { return "game:roster:" + strings.TrimSpace(gameID) }
func (c *Cache) keyGameName(gameID string) string { return "game:name:" + strings.TrimSpace(gameID) }
func (c *Cache) keyGroupID(handle string) string  { return "group:id:" + strings.TrimSpace(handle) }

// Roster returns the cached player list for a game, or nil when absent.
func (c *Cache) Roster(ctx context.Context, gameID string) ([]string, error) {
	raw, err := c.rdb.Get(ctx, c.keyRoster(gameID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var players []string
	if err := json.Unmarshal(raw, &players); err != nil {
		return nil, err
	}
	return players, nil
}

func (c *Cache) SaveRoster(ctx context.Context, gameID string, players []string) error {
	if len(players) == 0 {
		return nil
	}
	raw, err := json.Marshal(players)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.keyRoster(gameID), raw, ttlRoster).Err()
}

// GameName returns the cached display name for a game, "" when absent.
func (c *Cache) GameName(ctx context.Context, gameID string) (string, error) {
	name, err := c.rdb.Get(ctx, c.keyGameName(gameID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return name, err
}

func (c *Cache) SaveGameName(ctx context.Context, gameID, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	return c.rdb.Set(ctx, c.keyGameName(gameID), name, ttlGameName).Err()
}

// GroupID returns the cached resolved group id for a group handle, "" when absent.
func (c *Cache) GroupID(ctx context.Context, handle string) (string, error) {
	id, err := c.rdb.Get(ctx, c.keyGroupID(handle)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

func (c *Cache) SaveGroupID(ctx context.Context, handle, groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return nil
	}
	return c.rdb.Set(ctx, c.keyGroupID(handle), groupID, ttlGroupID).Err()
}
