package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentmesh/pkg/domain"
)

// RouteStore mirrors remote routes into a table shared across nodes.
type RouteStore interface {
	Put(id domain.AgentID, route RouteInfo, ttl time.Duration) error
	Get(id domain.AgentID) (RouteInfo, bool, error)
	Delete(id domain.AgentID) error
}

// RedisRouteStore keeps routes in redis under a namespace, with redis TTL
// doing the expiry. Used when the runtime is clustered; single-node
// deployments pass a nil RouteStore to the registry.
type RedisRouteStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisRouteStore connects to redis and verifies the connection.
func NewRedisRouteStore(addr, namespace string) (*RedisRouteStore, error) {
	if namespace == "" {
		namespace = "agentmesh"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to connect to redis at %s: %v", domain.ErrTransport, addr, err)
	}

	return &RedisRouteStore{client: client, namespace: namespace}, nil
}

func (s *RedisRouteStore) key(id domain.AgentID) string {
	return fmt.Sprintf("%s:routes:%s", s.namespace, id)
}

// Put stores the route with the given TTL.
func (s *RedisRouteStore) Put(id domain.AgentID, route RouteInfo, ttl time.Duration) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: route store set: %v", domain.ErrTransport, err)
	}
	return nil
}

// Get fetches a route; the second result is false when no fresh route exists.
func (s *RedisRouteStore) Get(id domain.AgentID) (RouteInfo, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return RouteInfo{}, false, nil
	}
	if err != nil {
		return RouteInfo{}, false, fmt.Errorf("%w: route store get: %v", domain.ErrTransport, err)
	}

	var route RouteInfo
	if err := json.Unmarshal(data, &route); err != nil {
		return RouteInfo{}, false, fmt.Errorf("failed to unmarshal route: %w", err)
	}
	return route, true, nil
}

// Delete removes a route. Absent keys are not an error.
func (s *RedisRouteStore) Delete(id domain.AgentID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: route store delete: %v", domain.ErrTransport, err)
	}
	return nil
}

// Close releases the redis connection.
func (s *RedisRouteStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

var _ RouteStore = (*RedisRouteStore)(nil)
