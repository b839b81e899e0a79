//go:build integration

package store

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"go2tv.app/avsession/internal/domain"
)

var (
	testRedisURL   string
	redisContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint
	redisContainer = container

	code := m.Run()

	if err := redisContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func setupRedisHistory(t *testing.T, capacity int) *RedisHistory {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	rdb, err := NewRedisClient(testRedisURL)
	require.NoError(t, err)
	require.NoError(t, rdb.FlushAll(context.Background()).Err())

	h := NewRedisHistory(rdb, "", capacity)
	t.Cleanup(func() {
		_ = h.Close()
	})
	return h
}

func TestRedisHistoryKeepsNewestWithinCapacity(t *testing.T) {
	h := setupRedisHistory(t, 2)
	ctx := context.Background()
	require.NoError(t, h.Ping(ctx))

	for _, title := range []string{"one", "two", "three"} {
		rec := domain.HistoricalRecord{
			Descriptor: domain.SessionDescriptor{SessionID: title, OwnerID: "owner"},
			QueueTitle: title,
		}
		require.NoError(t, h.Append(ctx, rec))
	}

	recs, err := h.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "three", recs[0].QueueTitle)
	assert.Equal(t, "two", recs[1].QueueTitle)

	one, err := h.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "three", one[0].Descriptor.SessionID)
}

func TestStoreWithRedisHistory(t *testing.T) {
	h := setupRedisHistory(t, 10)
	s := New(h)
	ctx := context.Background()

	sess, err := s.Create("owner", "tag", domain.SessionTypeAudio)
	require.NoError(t, err)
	_, err = s.Destroy(ctx, sess.ID())
	require.NoError(t, err)

	recs, err := s.ListHistorical(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sess.ID(), recs[0].Descriptor.SessionID)
}
