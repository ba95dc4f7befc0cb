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

// Package idempotency records which notifications have already been accepted.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const forgetScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"

// Store claims idempotency keys in Redis. A claim is a SET NX with a TTL, so
// the check and the record happen in one atomic step across all replicas.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStore keeps claims under prefix for ttl.
func NewStore(client redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(k string) string {
	return fmt.Sprintf("%s:idem:%s", s.prefix, k)
}

// SeenAndRecord claims key on behalf of owner. It returns true when the key
// was already claimed, in which case nothing is written.
func (s *Store) SeenAndRecord(ctx context.Context, key, owner string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), owner, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim failed: %w", err)
	}
	return !ok, nil
}

// Forget drops a claim so a redelivery of the same notification is accepted again.
// Only the owner that made the claim can remove it.
func (s *Store) Forget(ctx context.Context, key, owner string) error {
	res, err := s.client.Eval(ctx, forgetScript, []string{s.key(key)}, owner).Result()
	if err != nil {
		return fmt.Errorf("idempotency release failed: %w", err)
	}
	if res == int64(0) {
		return fmt.Errorf("idempotency claim for %s is not held by %s", key, owner)
	}
	return nil
}

// Exists reports whether key is currently claimed.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
