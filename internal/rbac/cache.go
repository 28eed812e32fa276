package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	globalVersionKey = "rbac:ver"
	decisionTTLMin   = time.Second
)

// DecisionCache memoizes permission check outcomes in Redis. Keys embed a
// global and a per-user version counter, so invalidation is a single INCR and
// stale entries simply age out.
//
// A nil cache is valid and behaves as a permanent miss, which keeps the
// evaluator usable without Redis.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDecisionCache wraps client with the given decision TTL.
func NewDecisionCache(client *redis.Client, ttl time.Duration) *DecisionCache {
	if ttl < decisionTTLMin {
		ttl = decisionTTLMin
	}
	return &DecisionCache{client: client, ttl: ttl}
}

func userVersionKey(userID int64) string {
	return fmt.Sprintf("rbac:ver:user:%d", userID)
}

func (c *DecisionCache) decisionKey(ctx context.Context, userID int64, resource, action string, resourceID int64) (string, error) {
	vals, err := c.client.MGet(ctx, globalVersionKey, userVersionKey(userID)).Result()
	if err != nil {
		return "", err
	}
	global, user := "0", "0"
	if s, ok := vals[0].(string); ok {
		global = s
	}
	if s, ok := vals[1].(string); ok {
		user = s
	}
	return fmt.Sprintf("rbac:dec:%s:%s:%d:%s:%s:%d", global, user, userID, resource, action, resourceID), nil
}

// Get returns a cached decision. ok is false on miss or any Redis error.
func (c *DecisionCache) Get(ctx context.Context, userID int64, resource, action string, resourceID int64) (allowed, ok bool) {
	if c == nil || c.client == nil {
		return false, false
	}
	key, err := c.decisionKey(ctx, userID, resource, action, resourceID)
	if err != nil {
		return false, false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return false, false
	}
	return val == "1", true
}

// Set stores a decision under the current version pair. Errors are dropped;
// the cache is best effort.
func (c *DecisionCache) Set(ctx context.Context, userID int64, resource, action string, resourceID int64, allowed bool) {
	if c == nil || c.client == nil {
		return
	}
	key, err := c.decisionKey(ctx, userID, resource, action, resourceID)
	if err != nil {
		return
	}
	val := "0"
	if allowed {
		val = "1"
	}
	c.client.Set(ctx, key, val, c.ttl)
}

// InvalidateUser drops all cached decisions for one user by bumping their
// version counter.
func (c *DecisionCache) InvalidateUser(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, userVersionKey(userID)).Err()
}

// InvalidateAll drops every cached decision. Used after role-level mutations,
// which can affect any number of users.
func (c *DecisionCache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, globalVersionKey).Err()
}
