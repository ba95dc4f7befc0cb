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

// Package redlock holds short-lived Redis locks owned by a single worker.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another owner holds the lock.
var ErrLockHeld = errors.New("lock is held by another owner")

// ErrNotHolder is returned when releasing or extending a lock this owner no longer holds.
var ErrNotHolder = errors.New("lock expired or held by another owner")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is an ownership lock on a single Redis key.
type Locker struct {
	client redis.UniversalClient
	key    string
	owner  string
}

// NewLocker returns a lock on key held under owner.
func NewLocker(client redis.UniversalClient, key, owner string) *Locker {
	return &Locker{client: client, key: key, owner: owner}
}

// ForJob returns the processing lock for a queued job.
func ForJob(client redis.UniversalClient, prefix, jobID, owner string) *Locker {
	return NewLocker(client, fmt.Sprintf("%s:lock:job:%s", prefix, jobID), owner)
}

func (l *Locker) Key() string { return l.key }

// Lock takes the key for ttl or returns ErrLockHeld.
func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("lock %s: %w", l.key, ErrLockHeld)
	}
	return nil
}

// Unlock releases the key if owner still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("unlock %s: %w", l.key, ErrNotHolder)
	}
	return nil
}

// Extend pushes the expiry of a held lock out to ttl from now.
func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("extend %s: %w", l.key, ErrNotHolder)
	}
	return nil
}
