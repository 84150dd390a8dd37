package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugwatch/plugwatch-go/internal/core/driver"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

func newTestRegistry(t *testing.T) (*Registry, map[string]*driver.Mock) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	mocks := make(map[string]*driver.Mock)
	reg := New(func(address string, _ *driver.Credentials) (driver.Driver, error) {
		m := driver.NewMock(address)
		mocks[address] = m
		return m, nil
	}, log)
	return reg, mocks
}

func TestRegistryAddGetList(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id1, err := reg.Add(types.Device{Address: "10.0.0.1", Alias: "washer"}, nil)
	require.NoError(t, err)
	id2, err := reg.Add(types.Device{Address: "10.0.0.2", Alias: "dryer"}, nil)
	require.NoError(t, err)

	dev, err := reg.Get(id1)
	require.NoError(t, err)
	assert.Equal(t, "washer", dev.Alias)
	assert.Equal(t, types.DeviceDiscovered, dev.State)
	assert.False(t, dev.CreatedAt.IsZero())

	all := reg.List()
	require.Len(t, all, 2)

	// Only monitored devices are visible to the poller.
	assert.Empty(t, reg.ListMonitored())
	require.NoError(t, reg.SetMonitored(id2, true))
	monitored := reg.ListMonitored()
	require.Len(t, monitored, 1)
	assert.Equal(t, id2, monitored[0].ID)
}

func TestRegistryAddRequiresAddress(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Add(types.Device{}, nil)
	assert.Error(t, err)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Add(types.Device{Address: "10.0.0.1", Alias: "washer"}, nil)
	require.NoError(t, err)

	dev, err := reg.Get(id)
	require.NoError(t, err)
	dev.Alias = "mutated"

	again, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "washer", again.Alias)
}

func TestRegistryAcquireSerializesAccess(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Add(types.Device{Address: "10.0.0.1"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	var active, peak int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Acquire(ctx, id)
			require.NoError(t, err)
			defer h.Release()

			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
}

func TestRegistryAcquireHonorsContext(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Add(types.Device{Address: "10.0.0.1"}, nil)
	require.NoError(t, err)

	h, err := reg.Acquire(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h.Release()

	// Released, the device can be acquired again.
	h2, err := reg.Acquire(context.Background(), id)
	require.NoError(t, err)
	h2.Release()
}

func TestRegistryUpdateAddressSwapsDriver(t *testing.T) {
	reg, mocks := newTestRegistry(t)

	id, err := reg.Add(types.Device{Address: "10.0.0.1"}, nil)
	require.NoError(t, err)

	h, err := reg.Acquire(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, reg.UpdateAddress(id, "10.0.0.9", nil))
	require.Contains(t, mocks, "10.0.0.9")

	// A handle acquired before the swap sees the new driver.
	assert.Equal(t, "10.0.0.9", h.Driver().Address())
	h.Release()

	dev, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", dev.Address)
}

func TestRegistryRemove(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Add(types.Device{Address: "10.0.0.1"}, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Remove(id))
	_, err = reg.Get(id)
	assert.Error(t, err)
	assert.Error(t, reg.Remove(id))
}

func TestRegistryRemoveWaitsForHolder(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Add(types.Device{Address: "10.0.0.1"}, nil)
	require.NoError(t, err)

	h, err := reg.Acquire(context.Background(), id)
	require.NoError(t, err)

	removed := make(chan struct{})
	go func() {
		require.NoError(t, reg.Remove(id))
		close(removed)
	}()

	// Remove blocks on the held action mutex.
	select {
	case <-removed:
		t.Fatal("remove completed while a handle was held")
	case <-time.After(30 * time.Millisecond):
	}

	h.Release()
	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("remove did not complete after release")
	}
}

func TestRegistryFailureCounters(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.Add(types.Device{Address: "10.0.0.1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, reg.RecordFailure(id))
	assert.Equal(t, 2, reg.RecordFailure(id))
	assert.Equal(t, 2, reg.FailureCount(id))

	prior := reg.RecordSuccess(id)
	assert.Equal(t, 2, prior)
	assert.Zero(t, reg.FailureCount(id))
	assert.False(t, reg.LastSuccess(id).IsZero())
}
