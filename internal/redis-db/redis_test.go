package redis_db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		password string
		wantErr  bool
	}{
		{name: "simple docker style", url: "redis:6379", addr: "redis:6379"},
		{name: "redis url with password", url: "redis://:password123@localhost:6379", addr: "localhost:6379", password: "password123"},
		{name: "password without colon", url: "redis://secret@localhost:6379", addr: "localhost:6379", password: "secret"},
		{name: "empty", url: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, got.Addr)
			assert.Equal(t, tt.password, got.Password)
		})
	}
}

func TestSplitAddresses(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, SplitAddresses(" a:1, ,b:2 "))
	assert.Empty(t, SplitAddresses(""))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedisClient([]string{mr.Addr()}, time.Second)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Client().Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisClientErrors(t *testing.T) {
	_, err := NewRedisClient(nil, time.Second)
	assert.Error(t, err)

	_, err = NewRedisClient([]string{"127.0.0.1:1"}, 300*time.Millisecond)
	assert.Error(t, err)
}
