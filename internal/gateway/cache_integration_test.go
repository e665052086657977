//go:build integration

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	platformredis "verdict/internal/platform/redis"
	"verdict/internal/subject"
	"verdict/pkg/testutil/containers"
)

func TestRedisCacheRoundTrip(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	cache := NewRedisCache(&platformredis.Client{Client: rc.Client})

	_, ok := cache.Get(ctx, "verdict:results:missing")
	assert.False(t, ok)

	cache.Set(ctx, "verdict:results:k", []byte(`["cached"]`), time.Minute)
	got, ok := cache.Get(ctx, "verdict:results:k")
	require.True(t, ok)
	assert.Equal(t, []byte(`["cached"]`), got)
}

func TestRedisCacheEntriesExpire(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	cache := NewRedisCache(&platformredis.Client{Client: rc.Client})
	cache.Set(ctx, "verdict:results:ttl", []byte("x"), 100*time.Millisecond)

	_, ok := cache.Get(ctx, "verdict:results:ttl")
	require.True(t, ok)

	time.Sleep(300 * time.Millisecond)
	_, ok = cache.Get(ctx, "verdict:results:ttl")
	assert.False(t, ok)
}

// Two client instances sharing one Redis must share cached lookups, the way
// concurrent server replicas do.
func TestResultsClientsShareRedisCache(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data": [{
			"id": 1,
			"testcase": {"name": "dist.rpmdeplint"},
			"outcome": "PASSED",
			"submit_time": "2024-05-01T10:00:00.000000",
			"data": {"type": ["koji_build"], "item": ["glibc-2.38-1.fc40"]}
		}]}`)
	}))
	defer upstream.Close()

	sub := subject.New(&subject.Type{ID: "koji_build", ItemKey: "item"}, "glibc-2.38-1.fc40")
	newClient := func() *ResultsClient {
		cache := NewRedisCache(&platformredis.Client{Client: rc.Client})
		return NewResultsClient(upstream.URL, time.Second, 0, cache, time.Minute, DefaultOutcomes())
	}

	first, err := newClient().Results(ctx, sub, "dist.rpmdeplint", "", nil)
	require.NoError(t, err)
	second, err := newClient().Results(ctx, sub, "dist.rpmdeplint", "", nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load())
}
