package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/fieldlink/model"
)

func startRedisContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return container, host + ":" + port.Port()
}

func TestCacheLatestReadings(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, addr := startRedisContainer(ctx, t)
	defer container.Terminate(ctx)

	cache, err := Connect(ctx, addr, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	newer := model.Reading{
		SensorID: "sn-1", EquipmentID: "eq-1",
		Timestamp: base.Add(time.Minute), Value: 42.5, Quality: model.QualityGood,
	}
	require.NoError(t, cache.SetLatest(ctx, newer))

	got, ok, err := cache.Latest(ctx, "sn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42.5, got.Value)
	assert.True(t, got.Timestamp.Equal(newer.Timestamp))

	// A stale write must not clobber the newer value.
	stale := model.Reading{
		SensorID: "sn-1", EquipmentID: "eq-1",
		Timestamp: base, Value: 40.0, Quality: model.QualityGood,
	}
	require.NoError(t, cache.SetLatest(ctx, stale))
	got, ok, err = cache.Latest(ctx, "sn-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42.5, got.Value)

	// Cache miss reports absence, not an error.
	_, ok, err = cache.Latest(ctx, "sn-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheLatestMany(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, addr := startRedisContainer(ctx, t)
	defer container.Terminate(ctx)

	cache, err := Connect(ctx, addr, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	now := time.Now().Truncate(time.Millisecond)
	for i, id := range []string{"sn-1", "sn-2"} {
		require.NoError(t, cache.SetLatest(ctx, model.Reading{
			SensorID: id, EquipmentID: "eq-1",
			Timestamp: now, Value: float64(i + 1), Quality: model.QualityGood,
		}))
	}

	got, err := cache.LatestMany(ctx, []string{"sn-1", "sn-2", "sn-missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got["sn-1"].Value)
	assert.Equal(t, 2.0, got["sn-2"].Value)

	require.NoError(t, cache.Invalidate(ctx, "sn-1"))
	_, ok, err := cache.Latest(ctx, "sn-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
