/*
Copyright 2024 Hookrelay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache is a cache-aside store for upstream reads. Values are kept in
// Redis, optionally fronted by an in-process TinyLFU cache, and carry their own
// storage time so a read never returns an entry older than its TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/hookrelay/hookrelay/internal/clock"
)

// Cache is the subset of the store used by callers that only need key/value access.
type Cache interface {
	Set(ctx context.Context, namespace, id string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, namespace, id string, out interface{}) (bool, error)
	Invalidate(ctx context.Context, namespace, id string) error
}

// Options configures key prefix, TTLs and the optional in-process layer.
type Options struct {
	Prefix     string
	DefaultTTL time.Duration
	// TTLs maps a resource type (the last namespace segment) to its TTL.
	TTLs map[string]time.Duration
	// LocalCacheSize enables the in-process cache when positive.
	LocalCacheSize int
	Clock          clock.Clock
}

type envelope struct {
	Data     []byte `msgpack:"d"`
	StoredAt int64  `msgpack:"s"`
	TTL      int64  `msgpack:"t"`
}

// Store is the cache-aside store. Values are JSON encoded.
type Store struct {
	cache  *cache.Cache
	client redis.UniversalClient
	opts   Options
	group  singleflight.Group
}

// New returns a store over client. LocalCacheSize > 0 adds a TinyLFU layer in front of Redis.
func New(client redis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "{hookrelay}"
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}

	co := &cache.Options{Redis: client}
	if opts.LocalCacheSize > 0 {
		co.LocalCache = cache.NewTinyLFU(opts.LocalCacheSize, time.Minute)
	}
	return &Store{cache: cache.New(co), client: client, opts: opts}
}

// TenantNamespace scopes a resource namespace to a tenant.
func TenantNamespace(tenantID, resource string) string {
	return fmt.Sprintf("t:%s:%s", tenantID, resource)
}

// TTLFor resolves the TTL for a namespace from the resource type map.
func (s *Store) TTLFor(namespace string) time.Duration {
	if ttl, ok := s.opts.TTLs[namespace]; ok {
		return ttl
	}
	resource := namespace
	if i := strings.LastIndex(namespace, ":"); i >= 0 {
		resource = namespace[i+1:]
	}
	if ttl, ok := s.opts.TTLs[resource]; ok {
		return ttl
	}
	return s.opts.DefaultTTL
}

func (s *Store) key(namespace, id string) string {
	return fmt.Sprintf("%s:cache:%s:%s", s.opts.Prefix, namespace, id)
}

// Set stores value under namespace/id. A zero ttl uses the namespace's configured TTL.
func (s *Store) Set(ctx context.Context, namespace, id string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.TTLFor(namespace)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	// Redis expiry is the periodic sweep; it has a one second floor so round up.
	redisTTL := ttl.Round(time.Second)
	if redisTTL < ttl {
		redisTTL += time.Second
	}
	return s.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   s.key(namespace, id),
		Value: &envelope{Data: data, StoredAt: s.opts.Clock.Now().UnixMilli(), TTL: int64(ttl)},
		TTL:   redisTTL,
	})
}

// Get loads namespace/id into out. Entries older than their TTL are evicted and reported as a miss.
func (s *Store) Get(ctx context.Context, namespace, id string, out interface{}) (bool, error) {
	key := s.key(namespace, id)
	var env envelope
	err := s.cache.Get(ctx, key, &env)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	age := s.opts.Clock.Now().Sub(time.UnixMilli(env.StoredAt))
	if age >= time.Duration(env.TTL) {
		if err := s.cache.Delete(ctx, key); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			logrus.WithFields(logrus.Fields{"key": key, "error": err}).Warn("failed to evict stale cache entry")
		}
		return false, nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return true, nil
}

// GetOrFetch returns the cached value for namespace/id or calls fetch and caches
// its result. Concurrent misses for the same key share one fetch. Failed fetches
// are never cached.
func GetOrFetch[T any](ctx context.Context, s *Store, namespace, id string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var out T
	hit, err := s.Get(ctx, namespace, id, &out)
	if err != nil {
		logrus.WithFields(logrus.Fields{"namespace": namespace, "id": id, "error": err}).Warn("cache read failed, fetching")
	}
	if hit {
		return out, nil
	}

	v, err, _ := s.group.Do(s.key(namespace, id), func() (interface{}, error) {
		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(ctx, namespace, id, val, ttl); err != nil {
			logrus.WithFields(logrus.Fields{"namespace": namespace, "id": id, "error": err}).Warn("cache write failed")
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops one entry.
func (s *Store) Invalidate(ctx context.Context, namespace, id string) error {
	err := s.cache.Delete(ctx, s.key(namespace, id))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

// InvalidateNamespace drops every entry in namespace.
func (s *Store) InvalidateNamespace(ctx context.Context, namespace string) (int, error) {
	return s.deleteMatching(ctx, fmt.Sprintf("%s:cache:%s:*", escapeGlob(s.opts.Prefix), escapeGlob(namespace)))
}

// InvalidateTenant drops every namespace that belongs to tenantID.
func (s *Store) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	return s.deleteMatching(ctx, fmt.Sprintf("%s:cache:t:%s:*", escapeGlob(s.opts.Prefix), escapeGlob(tenantID)))
}

func (s *Store) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var keys []string
	scan := func(ctx context.Context, c redis.Cmdable) error {
		iter := c.Scan(ctx, 0, pattern, 500).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	}

	var err error
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		var mu sync.Mutex
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			mu.Lock()
			defer mu.Unlock()
			return scan(ctx, c)
		})
	} else {
		err = scan(ctx, s.client)
	}
	if err != nil {
		return 0, err
	}

	for _, k := range keys {
		if err := s.cache.Delete(ctx, k); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			return 0, err
		}
	}
	return len(keys), nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
