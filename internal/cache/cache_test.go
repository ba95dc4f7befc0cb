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
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/clock"
)

type question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func setupStore(t *testing.T, opts Options) (*Store, *clock.MockClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	clk := clock.NewMockClock(time.Now())
	opts.Clock = clk
	return New(client, opts), clk
}

func TestGetOrFetchHitSkipsFetcher(t *testing.T) {
	s, _ := setupStore(t, Options{DefaultTTL: time.Minute})
	ctx := context.Background()

	var calls int32
	fetch := func(context.Context) (question, error) {
		atomic.AddInt32(&calls, 1)
		return question{ID: "1", Text: "is it new?"}, nil
	}

	first, err := GetOrFetch(ctx, s, "questions", "1", 0, fetch)
	require.NoError(t, err)
	second, err := GetOrFetch(ctx, s, "questions", "1", 0, fetch)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEntriesOlderThanTTLAreNotReturned(t *testing.T) {
	s, clk := setupStore(t, Options{LocalCacheSize: 100})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "items", "MLB1", question{ID: "MLB1"}, 30*time.Second))

	clk.Add(29 * time.Second)
	var got question
	hit, err := s.Get(ctx, "items", "MLB1", &got)
	require.NoError(t, err)
	assert.True(t, hit)

	clk.Add(2 * time.Second)
	hit, err = s.Get(ctx, "items", "MLB1", &got)
	require.NoError(t, err)
	assert.False(t, hit, "stale entry must be a miss even when the local cache still holds it")

	var calls int32
	_, err = GetOrFetch(ctx, s, "items", "MLB1", 30*time.Second, func(context.Context) (question, error) {
		atomic.AddInt32(&calls, 1)
		return question{ID: "MLB1", Text: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestFailedFetchIsNotCached(t *testing.T) {
	s, _ := setupStore(t, Options{})
	ctx := context.Background()

	_, err := GetOrFetch(ctx, s, "questions", "9", time.Minute, func(context.Context) (question, error) {
		return question{}, errors.New("upstream 500")
	})
	require.Error(t, err)

	var got question
	hit, err := s.Get(ctx, "questions", "9", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	s, _ := setupStore(t, Options{})
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	fetch := func(context.Context) (question, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return question{ID: "5"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := GetOrFetch(ctx, s, "questions", "5", time.Minute, fetch)
			assert.NoError(t, err)
			assert.Equal(t, "5", q.ID)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvalidate(t *testing.T) {
	s, _ := setupStore(t, Options{LocalCacheSize: 100})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "questions", "1", question{ID: "1"}, time.Minute))
	require.NoError(t, s.Invalidate(ctx, "questions", "1"))

	var got question
	hit, err := s.Get(ctx, "questions", "1", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInvalidateNamespaceAndTenant(t *testing.T) {
	s, _ := setupStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, TenantNamespace("ten1", "items"), "a", question{ID: "a"}, time.Minute))
	require.NoError(t, s.Set(ctx, TenantNamespace("ten1", "orders"), "b", question{ID: "b"}, time.Minute))
	require.NoError(t, s.Set(ctx, TenantNamespace("ten2", "items"), "c", question{ID: "c"}, time.Minute))
	require.NoError(t, s.Set(ctx, "accounts", "d", question{ID: "d"}, time.Minute))

	n, err := s.InvalidateNamespace(ctx, TenantNamespace("ten2", "items"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.InvalidateTenant(ctx, "ten1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got question
	hit, err := s.Get(ctx, "accounts", "d", &got)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestTTLFor(t *testing.T) {
	s, _ := setupStore(t, Options{
		DefaultTTL: time.Minute,
		TTLs:       map[string]time.Duration{"questions": 10 * time.Second, "accounts": time.Hour},
	})
	assert.Equal(t, 10*time.Second, s.TTLFor(TenantNamespace("ten1", "questions")))
	assert.Equal(t, time.Hour, s.TTLFor("accounts"))
	assert.Equal(t, time.Minute, s.TTLFor("items"))
}
