package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// Key patterns for fleet records.
const (
	ResourceKeyPattern  = "resource:%s"  // single resource by id
	ResourcesKeyPattern = "resources:%s" // listing per provider scope
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Cache fronts Redis with a local sync.Map so hot lookups skip the network.
type Cache struct {
	client     *redis.Client
	localCache sync.Map
	ttl        time.Duration
}

func NewCache(config Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{
		client: client,
		ttl:    5 * time.Minute,
	}, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if value, ok := c.localCache.Load(key); ok {
		str, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("invalid type assertion to string")
		}
		return str, nil
	}
	return c.client.Get(ctx, key).Result()
}

func (c *Cache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := c.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return err
	}
	c.localCache.Store(key, value)
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	c.localCache.Delete(key)
	return nil
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

// SaveResource caches one record and invalidates the listings it appears in.
func (c *Cache) SaveResource(ctx context.Context, resource *types.ProxyResource) error {
	key := fmt.Sprintf(ResourceKeyPattern, resource.ID)
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, string(data), c.ttl); err != nil {
		return err
	}
	return c.InvalidateListings(ctx, resource.Provider)
}

// GetResource returns a cached record, or types.ErrNotFound on miss.
func (c *Cache) GetResource(ctx context.Context, id string) (*types.ProxyResource, error) {
	data, err := c.Get(ctx, fmt.Sprintf(ResourceKeyPattern, id))
	if err != nil {
		return nil, types.ErrNotFound
	}
	var resource types.ProxyResource
	if err := json.Unmarshal([]byte(data), &resource); err != nil {
		return nil, types.ErrNotFound
	}
	return &resource, nil
}

// RemoveResource drops one record and its listings.
func (c *Cache) RemoveResource(ctx context.Context, id string, provider types.Provider) error {
	if err := c.Delete(ctx, fmt.Sprintf(ResourceKeyPattern, id)); err != nil {
		return err
	}
	return c.InvalidateListings(ctx, provider)
}

// InvalidateListings drops the cached listing for one provider and for the
// merged all-provider scope.
func (c *Cache) InvalidateListings(ctx context.Context, provider types.Provider) error {
	if err := c.Delete(ctx, fmt.Sprintf(ResourcesKeyPattern, provider)); err != nil {
		return err
	}
	return c.Delete(ctx, fmt.Sprintf(ResourcesKeyPattern, types.ProviderAll))
}
