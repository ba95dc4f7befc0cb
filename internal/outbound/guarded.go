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

package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/internal/breaker"
	"github.com/hookrelay/hookrelay/internal/cache"
	"github.com/hookrelay/hookrelay/internal/ratelimit"
	"github.com/hookrelay/hookrelay/model"
)

// Guard layers the cache, the circuit breakers and the rate limiter over a Client.
type Guard struct {
	Client            *Client
	Limiter           *ratelimit.Limiter
	Breakers          *breaker.Registry
	Cache             *cache.Store
	PerAccountLimit   bool
	PerAccountBreaker bool
}

// For returns a client bound to one account. A nil account binds to the global scope.
func (g *Guard) For(account *model.Account) *GuardedClient {
	gc := &GuardedClient{guard: g}
	if account != nil {
		gc.accountID = account.AccountID
		gc.tenantID = account.TenantID
	}
	return gc
}

// GuardedClient is what handlers use to reach the upstream API.
type GuardedClient struct {
	guard     *Guard
	accountID string
	tenantID  string
}

func (c *GuardedClient) AccountID() string { return c.accountID }
func (c *GuardedClient) TenantID() string  { return c.tenantID }

// ResourceType is the first path segment of a resource, "/questions/1" -> "questions".
func ResourceType(resource string) string {
	trimmed := strings.TrimPrefix(resource, "/")
	if i := strings.IndexAny(trimmed, "/?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "root"
	}
	return trimmed
}

func (c *GuardedClient) namespace(resource string) string {
	if c.tenantID == "" {
		return ResourceType(resource)
	}
	return cache.TenantNamespace(c.tenantID, ResourceType(resource))
}

func (c *GuardedClient) operation(method, resource string) string {
	op := method + " /" + ResourceType(resource)
	if c.guard.PerAccountBreaker {
		return breaker.Key(op, c.accountID)
	}
	return op
}

func (c *GuardedClient) scope() string {
	if c.guard.PerAccountLimit && c.accountID != "" {
		return ratelimit.AccountScope(c.accountID)
	}
	return ratelimit.GlobalScope
}

// call waits on the scope's pace outside the circuit. Only the upstream
// attempt itself is recorded by the breaker.
func (c *GuardedClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	return c.guard.Limiter.Schedule(ctx, c.scope(), func(ctx context.Context) error {
		return c.guard.Breakers.Execute(ctx, c.operation(method, path), func(ctx context.Context) error {
			return c.guard.Client.Do(ctx, c.accountID, method, path, body, out)
		})
	})
}

// Get reads resource through the cache. ttl of zero uses the resource type's TTL.
func (c *GuardedClient) Get(ctx context.Context, resource string, ttl time.Duration, out interface{}) error {
	if c.guard.Cache == nil {
		return c.Fetch(ctx, resource, out)
	}
	raw, err := cache.GetOrFetch(ctx, c.guard.Cache, c.namespace(resource), resource, ttl, func(ctx context.Context) (json.RawMessage, error) {
		var raw json.RawMessage
		if err := c.call(ctx, http.MethodGet, resource, nil, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Fetch reads resource bypassing the cache.
func (c *GuardedClient) Fetch(ctx context.Context, resource string, out interface{}) error {
	return c.call(ctx, http.MethodGet, resource, nil, out)
}

// Post, Put and Delete write upstream and then drop the cached copy of path.
func (c *GuardedClient) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.write(ctx, http.MethodPost, path, body, out)
}

func (c *GuardedClient) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.write(ctx, http.MethodPut, path, body, out)
}

func (c *GuardedClient) Delete(ctx context.Context, path string) error {
	return c.write(ctx, http.MethodDelete, path, nil, nil)
}

// writes drop the cached copy of the path they touched
func (c *GuardedClient) write(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.call(ctx, method, path, body, out); err != nil {
		return err
	}
	if c.guard.Cache != nil {
		if err := c.guard.Cache.Invalidate(ctx, c.namespace(path), path); err != nil {
			logrus.WithFields(logrus.Fields{"path": path, "error": err}).Warn("cache invalidation after write failed")
		}
	}
	return nil
}
