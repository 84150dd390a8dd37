package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugwatch/plugwatch-go/internal/core/bus"
	"github.com/plugwatch/plugwatch-go/internal/core/driver"
	"github.com/plugwatch/plugwatch-go/internal/core/registry"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
)

type pollFixture struct {
	poller *Poller
	reg    *registry.Registry
	bus    *bus.Bus
	mocks  map[string]*driver.Mock

	mu     sync.Mutex
	events []DeviceEvent
}

func newPollFixture(t *testing.T, cfg Config, deviceIDs ...string) *pollFixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	m := metrics.New()

	f := &pollFixture{mocks: make(map[string]*driver.Mock)}
	f.reg = registry.New(func(address string, _ *driver.Credentials) (driver.Driver, error) {
		mock := driver.NewMock(address)
		f.mocks[address] = mock
		return mock, nil
	}, log)

	for _, id := range deviceIDs {
		_, err := f.reg.Add(types.Device{ID: id, Address: "addr-" + id, State: types.DeviceMonitored}, nil)
		require.NoError(t, err)
	}

	f.bus = bus.New(log, m)
	f.poller = New(cfg, f.reg, f.bus, func(ev DeviceEvent) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	}, log, m)
	return f
}

func (f *pollFixture) mock(deviceID string) *driver.Mock {
	return f.mocks["addr-"+deviceID]
}

func (f *pollFixture) eventKinds() []DeviceEventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]DeviceEventKind, 0, len(f.events))
	for _, ev := range f.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func defaultConfig() Config {
	return Config{
		Interval:         time.Second,
		Guard:            100 * time.Millisecond,
		DriverTimeout:    500 * time.Millisecond,
		WorkerPoolSize:   4,
		OfflineThreshold: 3,
	}
}

func TestPollerPublishesReadings(t *testing.T) {
	f := newPollFixture(t, defaultConfig(), "plug-1", "plug-2")

	var mu sync.Mutex
	got := make(map[string]int)
	require.NoError(t, f.bus.Subscribe("test", func(r *types.Reading) {
		mu.Lock()
		got[r.DeviceID]++
		mu.Unlock()
	}))

	f.poller.runTick(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["plug-1"] == 1 && got["plug-2"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPollerOfflineEventFiresExactlyAtThreshold(t *testing.T) {
	f := newPollFixture(t, defaultConfig(), "plug-1")
	f.mock("plug-1").Fail(fmt.Errorf("unreachable"))

	// Threshold is 3: the first two failures stay quiet, the third crossing
	// poll fires one offline event, further failures stay quiet again.
	for i := 0; i < 5; i++ {
		f.poller.runTick(context.Background())
	}

	assert.Equal(t, []DeviceEventKind{DeviceOffline}, f.eventKinds())
	assert.Equal(t, 5, f.reg.FailureCount("plug-1"))
}

func TestPollerOnlineEventOnRecovery(t *testing.T) {
	f := newPollFixture(t, defaultConfig(), "plug-1")

	f.mock("plug-1").Fail(fmt.Errorf("unreachable"))
	for i := 0; i < 3; i++ {
		f.poller.runTick(context.Background())
	}

	f.mock("plug-1").Fail(nil)
	f.poller.runTick(context.Background())

	assert.Equal(t, []DeviceEventKind{DeviceOffline, DeviceOnline}, f.eventKinds())
	assert.Zero(t, f.reg.FailureCount("plug-1"))
}

func TestPollerRecoveryBelowThresholdIsQuiet(t *testing.T) {
	f := newPollFixture(t, defaultConfig(), "plug-1")

	f.mock("plug-1").Fail(fmt.Errorf("unreachable"))
	f.poller.runTick(context.Background())
	f.poller.runTick(context.Background())

	f.mock("plug-1").Fail(nil)
	f.poller.runTick(context.Background())

	assert.Empty(t, f.eventKinds())
}

func TestPollerFailingDeviceDoesNotImpairOthers(t *testing.T) {
	f := newPollFixture(t, defaultConfig(), "plug-1", "plug-2")
	f.mock("plug-1").Fail(fmt.Errorf("unreachable"))

	var healthy int
	var mu sync.Mutex
	require.NoError(t, f.bus.Subscribe("test", func(r *types.Reading) {
		if r.DeviceID == "plug-2" {
			mu.Lock()
			healthy++
			mu.Unlock()
		}
	}))

	for i := 0; i < 3; i++ {
		f.poller.runTick(context.Background())
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return healthy == 3
	}, time.Second, 5*time.Millisecond)
}

func TestPollerSkipsTickWhenPreviousStillRunning(t *testing.T) {
	cfg := defaultConfig()
	cfg.Interval = 30 * time.Millisecond
	cfg.DriverTimeout = 400 * time.Millisecond
	cfg.Guard = 0

	f := newPollFixture(t, cfg, "plug-1")
	f.mock("plug-1").SnapshotFunc = func(context.Context) (*types.Reading, error) {
		time.Sleep(150 * time.Millisecond)
		return &types.Reading{Timestamp: time.Now().UTC()}, nil
	}

	f.poller.Start()
	time.Sleep(200 * time.Millisecond)
	f.poller.Stop(time.Second)

	// Ticks due while a slow tick was in flight are skipped, never queued.
	assert.Positive(t, f.poller.Overruns())
}

func TestPollerUnmonitoredDeviceSkipped(t *testing.T) {
	f := newPollFixture(t, defaultConfig(), "plug-1")
	require.NoError(t, f.reg.SetMonitored("plug-1", false))

	f.poller.runTick(context.Background())
	assert.Zero(t, f.mock("plug-1").Snaps)
}
