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

// Package ratelimit paces outbound calls per scope and adapts the pace to
// rate-limit signals coming back from the upstream API.
//
// Each scope runs its calls one at a time in submission order, spaced by the
// scope's current delay. A rate-limit response doubles the delay up to MaxDelay;
// every SuccessThreshold consecutive successes shrink it by 10% down to MinDelay.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrRateLimited is the signal that makes a scope back off. Errors returned by
// scheduled calls should match it with errors.Is for a 429 style response.
var ErrRateLimited = errors.New("rate limited by upstream")

const GlobalScope = "global"

// Config bounds and tunes the adaptive delay. Zero values take defaults:
// 100ms min delay, a threshold of 10 successes, recovery 0.9 and backoff 2.
type Config struct {
	MinDelay         time.Duration
	MaxDelay         time.Duration
	InitialDelay     time.Duration
	SuccessThreshold int
	RecoveryFactor   float64
	BackoffFactor    float64
	// GlobalRPS caps all scopes together. Zero disables the cap.
	GlobalRPS     float64
	IsRateLimited func(error) bool
}

func (c *Config) setDefaults() {
	if c.MinDelay <= 0 {
		c.MinDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.InitialDelay < c.MinDelay {
		c.InitialDelay = c.MinDelay
	}
	if c.InitialDelay > c.MaxDelay {
		c.InitialDelay = c.MaxDelay
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 10
	}
	if c.RecoveryFactor <= 0 || c.RecoveryFactor >= 1 {
		c.RecoveryFactor = 0.9
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.IsRateLimited == nil {
		c.IsRateLimited = func(err error) bool { return errors.Is(err, ErrRateLimited) }
	}
}

// State is the pacing state of one scope.
type State struct {
	ScopeKey                 string        `json:"scope_key"`
	CurrentDelay             time.Duration `json:"current_delay"`
	ConsecutiveSuccesses     int           `json:"consecutive_successes"`
	ConsecutiveRateLimitHits int           `json:"consecutive_rate_limit_hits"`
	LastRequestAt            time.Time     `json:"last_request_at"`
	Queued                   int           `json:"queued"`
}

type request struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type scope struct {
	mu      sync.Mutex
	state   State
	pending []*request
	running bool
}

// Limiter paces calls per scope key. Scopes are created on first use.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu     sync.RWMutex
	scopes map[string]*scope
}

// New returns a limiter with cfg defaults applied.
func New(cfg Config) *Limiter {
	cfg.setDefaults()
	l := &Limiter{cfg: cfg, scopes: make(map[string]*scope)}
	if cfg.GlobalRPS > 0 {
		burst := int(cfg.GlobalRPS)
		if burst < 1 {
			burst = 1
		}
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return l
}

// AccountScope is the scope key for calls made on behalf of one account.
func AccountScope(accountID string) string {
	return "account:" + accountID
}

func (l *Limiter) scope(key string) *scope {
	l.mu.RLock()
	s, ok := l.scopes[key]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.scopes[key]; ok {
		return s
	}
	s = &scope{state: State{ScopeKey: key, CurrentDelay: l.cfg.InitialDelay}}
	l.scopes[key] = s
	return s
}

// Schedule runs fn in the scope's FIFO order once the scope's spacing allows it
// and returns fn's error. If ctx ends first, fn is skipped and ctx's error returned.
func (l *Limiter) Schedule(ctx context.Context, key string, fn func(context.Context) error) error {
	req := &request{ctx: ctx, fn: fn, done: make(chan error, 1)}

	s := l.scope(key)
	s.mu.Lock()
	s.pending = append(s.pending, req)
	if !s.running {
		s.running = true
		go l.run(s)
	}
	s.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do is Schedule for calls that return a value.
func Do[T any](ctx context.Context, l *Limiter, key string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Schedule(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		if ctx.Err() != nil {
			return zero, err
		}
		return out, err
	}
	return out, nil
}

func (l *Limiter) run(s *scope) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		req := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		next := s.state.LastRequestAt.Add(s.state.CurrentDelay)
		s.mu.Unlock()

		if err := req.ctx.Err(); err != nil {
			req.done <- err
			continue
		}
		if err := sleepUntil(req.ctx, next); err != nil {
			req.done <- err
			continue
		}
		if l.global != nil {
			if err := l.global.Wait(req.ctx); err != nil {
				req.done <- err
				continue
			}
		}

		s.mu.Lock()
		s.state.LastRequestAt = time.Now()
		s.mu.Unlock()

		err := invoke(req)

		s.mu.Lock()
		l.observe(&s.state, err)
		s.mu.Unlock()
		req.done <- err
	}
}

func invoke(req *request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled call panicked: %v", r)
		}
	}()
	return req.fn(req.ctx)
}

func (l *Limiter) observe(st *State, err error) {
	switch {
	case err != nil && l.cfg.IsRateLimited(err):
		st.ConsecutiveSuccesses = 0
		st.ConsecutiveRateLimitHits++
		prev := st.CurrentDelay
		st.CurrentDelay = clamp(time.Duration(float64(st.CurrentDelay)*l.cfg.BackoffFactor), l.cfg.MinDelay, l.cfg.MaxDelay)
		logrus.WithFields(logrus.Fields{
			"scope":      st.ScopeKey,
			"from_delay": prev,
			"to_delay":   st.CurrentDelay,
			"hits":       st.ConsecutiveRateLimitHits,
		}).Warn("upstream rate limit hit, backing off")
	case err != nil:
		st.ConsecutiveSuccesses = 0
		st.ConsecutiveRateLimitHits = 0
	default:
		st.ConsecutiveRateLimitHits = 0
		st.ConsecutiveSuccesses++
		if st.ConsecutiveSuccesses >= l.cfg.SuccessThreshold {
			st.ConsecutiveSuccesses = 0
			st.CurrentDelay = clamp(time.Duration(float64(st.CurrentDelay)*l.cfg.RecoveryFactor), l.cfg.MinDelay, l.cfg.MaxDelay)
		}
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of one scope. Unknown scopes report the initial delay.
func (l *Limiter) State(key string) State {
	l.mu.RLock()
	s, ok := l.scopes[key]
	l.mu.RUnlock()
	if !ok {
		return State{ScopeKey: key, CurrentDelay: l.cfg.InitialDelay}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Queued = len(s.pending)
	return st
}

// States returns a snapshot of every known scope ordered by key.
func (l *Limiter) States() []State {
	l.mu.RLock()
	keys := make([]string, 0, len(l.scopes))
	for k := range l.scopes {
		keys = append(keys, k)
	}
	l.mu.RUnlock()
	sort.Strings(keys)

	out := make([]State, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.State(k))
	}
	return out
}
