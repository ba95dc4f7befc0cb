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

// Package breaker keeps one circuit breaker per upstream operation.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitOpenError is returned without calling the operation while its
// circuit is open, or half-open with the single trial request already in flight.
type CircuitOpenError struct {
	Operation  string
	State      string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is %s, retry after %s", e.Operation, e.State, e.RetryAfter)
}

// Config is shared by every circuit in a registry.
type Config struct {
	// FailureThreshold failures within Window open the circuit.
	FailureThreshold uint32
	Window           time.Duration
	Cooldown         time.Duration
	// IsFailure decides which errors count against the circuit. Defaults to every non-nil error.
	IsFailure     func(error) bool
	OnStateChange func(operation string, from, to string)
}

// Snapshot is the observable state of one circuit.
type Snapshot struct {
	Operation    string    `json:"operation"`
	State        string    `json:"state"`
	FailureCount uint32    `json:"failure_count"`
	SuccessCount uint32    `json:"success_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

type entry struct {
	cb       *gobreaker.CircuitBreaker
	mu       sync.Mutex
	openedAt time.Time
}

// Registry holds one circuit per operation key, created on first use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*entry
}

// New returns an empty registry. A nil IsFailure counts every error.
func New(cfg Config) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Registry{cfg: cfg, breakers: make(map[string]*entry)}
}

// Key builds the operation key, optionally scoped to an account.
func Key(operation, accountID string) string {
	if accountID == "" {
		return operation
	}
	return operation + ":" + accountID
}

func (r *Registry) get(op string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.breakers[op]; ok {
		return e
	}

	e := &entry{}
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        op,
		MaxRequests: 1,
		Interval:    r.cfg.Window,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.TotalFailures >= r.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !r.cfg.IsFailure(err)
		},
		// runs under the breaker's own lock, so it must not call back into cb
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.mu.Lock()
			if to == gobreaker.StateOpen {
				e.openedAt = time.Now()
			} else if to == gobreaker.StateClosed {
				e.openedAt = time.Time{}
			}
			e.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"operation": name,
				"from":      from.String(),
				"to":        to.String(),
			}).Warn("circuit state changed")
			if r.cfg.OnStateChange != nil {
				r.cfg.OnStateChange(name, from.String(), to.String())
			}
		},
	})
	r.breakers[op] = e
	return e
}

// Execute runs fn through the circuit for op.
func (r *Registry) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	e := r.get(op)
	_, err := e.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return r.openError(op, e)
	}
	return err
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, r *Registry, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (r *Registry) openError(op string, e *entry) *CircuitOpenError {
	state := e.cb.State()
	e.mu.Lock()
	openedAt := e.openedAt
	e.mu.Unlock()

	retry := r.cfg.Cooldown
	if state == gobreaker.StateOpen && !openedAt.IsZero() {
		retry = time.Until(openedAt.Add(r.cfg.Cooldown))
		if retry < 0 {
			retry = 0
		}
	}
	return &CircuitOpenError{Operation: op, State: state.String(), RetryAfter: retry}
}

// State reports the current state of op's circuit. Unknown operations are closed.
func (r *Registry) State(op string) Snapshot {
	r.mu.Lock()
	e, ok := r.breakers[op]
	r.mu.Unlock()
	if !ok {
		return Snapshot{Operation: op, State: gobreaker.StateClosed.String()}
	}
	return snapshot(op, e)
}

func snapshot(op string, e *entry) Snapshot {
	state := e.cb.State()
	counts := e.cb.Counts()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Operation:    op,
		State:        state.String(),
		FailureCount: counts.TotalFailures,
		SuccessCount: counts.TotalSuccesses,
		OpenedAt:     e.openedAt,
	}
}

// States returns every known circuit ordered by operation.
func (r *Registry) States() []Snapshot {
	r.mu.Lock()
	ops := make([]string, 0, len(r.breakers))
	entries := make(map[string]*entry, len(r.breakers))
	for op, e := range r.breakers {
		ops = append(ops, op)
		entries[op] = e
	}
	r.mu.Unlock()
	sort.Strings(ops)

	out := make([]Snapshot, 0, len(ops))
	for _, op := range ops {
		out = append(out, snapshot(op, entries[op]))
	}
	return out
}
