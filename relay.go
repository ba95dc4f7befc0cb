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

// Package hookrelay turns marketplace change notifications into rate limited,
// circuit broken calls back to the marketplace API.
//
// A Relay owns every piece of shared state in the pipeline: the idempotency
// store, the durable queue, the cache, the per-scope rate limiter and the
// circuit breakers. It is built once at process start and handed to the HTTP
// layer and the worker loop.
package hookrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/hookrelay/hookrelay/config"
	"github.com/hookrelay/hookrelay/internal/alerts"
	"github.com/hookrelay/hookrelay/internal/breaker"
	"github.com/hookrelay/hookrelay/internal/cache"
	"github.com/hookrelay/hookrelay/internal/clock"
	"github.com/hookrelay/hookrelay/internal/idempotency"
	"github.com/hookrelay/hookrelay/internal/outbound"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/ratelimit"
	"github.com/hookrelay/hookrelay/model"
)

var tracer = otel.Tracer("hookrelay")

// Resolver maps a marketplace user id to the internal account that owns it.
// It returns model.ErrAccountNotFound for unknown or inactive accounts.
type Resolver interface {
	Resolve(ctx context.Context, originAccountID string) (*model.Account, error)
}

// Options carries the collaborators a Relay does not build itself.
type Options struct {
	Resolver Resolver
	// Tokens supplies the upstream access token per account. Defaults to the configured static token.
	Tokens outbound.TokenSource
	Alerts alerts.Sender
	// Cache is shared with the resolver when set; otherwise one is built from the config.
	Cache *cache.Store
	Clock clock.Clock
}

// Relay is the pipeline coordinator shared by the HTTP layer and the worker loop.
type Relay struct {
	cfg        *config.Configuration
	redis      redis.UniversalClient
	clock      clock.Clock
	instanceID string

	idem     *idempotency.Store
	queue    *queue.Queue
	cache    *cache.Store
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	guard    *outbound.Guard
	resolver Resolver
	alerts   alerts.Sender

	dispatch *dispatcher
	metrics  *Metrics

	origins     map[string]struct{}
	interactive map[string]struct{}

	mu             sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler
}

// NewCache builds the cache-aside store described by the config.
func NewCache(cfg *config.Configuration, rdb redis.UniversalClient, clk clock.Clock) *cache.Store {
	ttls := make(map[string]time.Duration, len(cfg.Cache.TTLs))
	for resource, sec := range cfg.Cache.TTLs {
		ttls[resource] = time.Duration(sec) * time.Second
	}
	return cache.New(rdb, cache.Options{
		Prefix:         cfg.Queue.Prefix,
		DefaultTTL:     time.Duration(cfg.Cache.DefaultTTLSec) * time.Second,
		TTLs:           ttls,
		LocalCacheSize: cfg.Cache.LocalCacheSize,
		Clock:          clk,
	})
}

// NewRelay applies config defaults and builds every shared component. A
// resolver is required; alerts, tokens, cache and clock fall back to defaults.
func NewRelay(cfg *config.Configuration, rdb redis.UniversalClient, opts Options) (*Relay, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("account resolver is required")
	}
	cfg.ApplyDefaults()

	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Alerts == nil {
		opts.Alerts = alerts.Discard{}
	}
	if opts.Tokens == nil {
		opts.Tokens = outbound.StaticToken(cfg.Upstream.Token)
	}
	if opts.Cache == nil {
		opts.Cache = NewCache(cfg, rdb, opts.Clock)
	}

	r := &Relay{
		cfg:         cfg,
		redis:       rdb,
		clock:       opts.Clock,
		instanceID:  uuid.NewString(),
		cache:       opts.Cache,
		resolver:    opts.Resolver,
		alerts:      opts.Alerts,
		metrics:     &Metrics{},
		origins:     toSet(cfg.Receiver.AllowedOrigins, strings.TrimSpace),
		interactive: toSet(cfg.Receiver.InteractiveTopics, strings.ToLower),
		handlers:    make(map[string]Handler),
	}

	r.idem = idempotency.NewStore(rdb, cfg.Queue.Prefix, cfg.Receiver.IdempotencyWindow())
	r.queue = queue.New(rdb, queue.Options{
		Prefix:             cfg.Queue.Prefix,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		BaseBackoff:        time.Duration(cfg.Queue.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:         time.Duration(cfg.Queue.MaxBackoffMs) * time.Millisecond,
		VisibilityTimeout:  time.Duration(cfg.Queue.VisibilityTimeout) * time.Second,
		CompletedRetention: time.Duration(cfg.Queue.CompletedRetention) * time.Second,
		Clock:              opts.Clock,
	})

	rl := cfg.RateLimiter
	limiterCfg := ratelimit.Config{
		MinDelay:         time.Duration(rl.MinDelayMs) * time.Millisecond,
		MaxDelay:         time.Duration(rl.MaxDelayMs) * time.Millisecond,
		SuccessThreshold: rl.SuccessThreshold,
	}
	if rl.InitialDelayMs != nil {
		limiterCfg.InitialDelay = time.Duration(*rl.InitialDelayMs) * time.Millisecond
	}
	if rl.GlobalRPS != nil {
		limiterCfg.GlobalRPS = *rl.GlobalRPS
	}
	r.limiter = ratelimit.New(limiterCfg)

	cb := cfg.CircuitBreaker
	r.breakers = breaker.New(breaker.Config{
		FailureThreshold: uint32(cb.FailureThreshold),
		Window:           time.Duration(cb.WindowSec) * time.Second,
		Cooldown:         time.Duration(cb.CooldownSec) * time.Second,
		IsFailure:        outbound.IsBreakerFailure,
		OnStateChange:    r.circuitChanged,
	})

	r.guard = &outbound.Guard{
		Client:            outbound.NewClient(cfg.Upstream.BaseURL, time.Duration(cfg.Upstream.TimeoutSec)*time.Second, opts.Tokens),
		Limiter:           r.limiter,
		Breakers:          r.breakers,
		Cache:             r.cache,
		PerAccountLimit:   rl.PerAccount,
		PerAccountBreaker: cb.PerAccount,
	}

	r.dispatch = newDispatcher(cfg.Receiver.DispatchWorkers, cfg.Receiver.DispatchBuffer)

	if cfg.Worker.HandlerTimeout() >= time.Duration(cfg.Queue.VisibilityTimeout)*time.Second {
		logrus.WithFields(logrus.Fields{
			"handler_timeout":    cfg.Worker.HandlerTimeout(),
			"visibility_timeout": time.Duration(cfg.Queue.VisibilityTimeout) * time.Second,
		}).Warn("handler timeout is not below the queue visibility timeout; slow jobs may be redelivered while running")
	}
	return r, nil
}

func toSet(values []string, normalize func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = normalize(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// circuitChanged runs under the breaker's lock, so the alert is raised asynchronously.
func (r *Relay) circuitChanged(operation, from, to string) {
	logrus.WithFields(logrus.Fields{"operation": operation, "from": from, "to": to}).Warn("circuit state changed")
	if to != "open" {
		return
	}
	go r.alert(alerts.CircuitOpened, map[string]interface{}{"operation": operation, "from": from})
}

func (r *Relay) alert(eventType string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.alerts.Send(ctx, alerts.NewEvent(eventType, data)); err != nil {
		logrus.WithFields(logrus.Fields{"event": eventType, "error": err}).Error("failed to raise alert")
	}
}

// Config returns the effective configuration, defaults applied.
func (r *Relay) Config() *config.Configuration { return r.cfg }
func (r *Relay) Queue() *queue.Queue           { return r.queue }
func (r *Relay) Cache() *cache.Store           { return r.cache }
func (r *Relay) Limiter() *ratelimit.Limiter   { return r.limiter }
func (r *Relay) Breakers() *breaker.Registry   { return r.breakers }

// Client returns the guarded upstream client for an account, as handed to handlers.
func (r *Relay) Client(account *model.Account) *outbound.GuardedClient {
	return r.guard.For(account)
}

// Health reports whether the shared store is reachable.
func (r *Relay) Health(ctx context.Context) error {
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

// Job returns the stored state of a job.
func (r *Relay) Job(ctx context.Context, id string) (*model.Job, error) {
	return r.queue.Get(ctx, id)
}

// DeadLetters lists dead-lettered jobs, most recent first.
func (r *Relay) DeadLetters(ctx context.Context, limit int64) ([]*model.Job, error) {
	return r.queue.DeadLetters(ctx, limit)
}

// RequeueDeadLetter gives a dead-lettered job a fresh attempt budget.
func (r *Relay) RequeueDeadLetter(ctx context.Context, id string) error {
	if err := r.queue.RequeueDeadLetter(ctx, id); err != nil {
		return err
	}
	logrus.WithField("job_id", id).Info("dead-lettered job requeued")
	return nil
}

// InvalidateNamespace drops every cache entry under namespace and returns how many were removed.
func (r *Relay) InvalidateNamespace(ctx context.Context, namespace string) (int, error) {
	return r.cache.InvalidateNamespace(ctx, namespace)
}

// InvalidateTenant drops every cache entry of one tenant.
func (r *Relay) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	return r.cache.InvalidateTenant(ctx, tenantID)
}

// Close stops accepting detached work and waits for what was already accepted.
func (r *Relay) Close(ctx context.Context) error {
	return r.dispatch.Close(ctx)
}
