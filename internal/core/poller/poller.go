// Package poller drives the periodic snapshot loop: each tick it snapshots
// the monitored device set, pulls every device through its driver on a
// bounded worker pool, and publishes readings to the bus. A tick that cannot
// finish before the next one is due causes the next tick to be skipped, never
// queued.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/bus"
	"github.com/plugwatch/plugwatch-go/internal/core/registry"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
)

// DeviceEventKind distinguishes the offline/online edges the poller reports.
type DeviceEventKind string

const (
	DeviceOffline DeviceEventKind = "device_offline"
	DeviceOnline  DeviceEventKind = "device_online"
)

// DeviceEvent is emitted when a device crosses the offline threshold or
// recovers from it.
type DeviceEvent struct {
	Kind      DeviceEventKind
	DeviceID  string
	Failures  int
	Timestamp time.Time
}

// EventHandler receives device offline/online events.
type EventHandler func(DeviceEvent)

// Config carries the poller's tunables.
type Config struct {
	Interval         time.Duration
	Guard            time.Duration
	DriverTimeout    time.Duration
	WorkerPoolSize   int
	OfflineThreshold int
}

// Poller is the periodic snapshot engine.
type Poller struct {
	cfg      Config
	registry *registry.Registry
	bus      *bus.Bus
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	events   EventHandler

	tickRunning atomic.Bool
	overruns    atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a poller. The event handler may be nil.
func New(cfg Config, reg *registry.Registry, b *bus.Bus, events EventHandler, logger *logrus.Logger, m *metrics.Metrics) *Poller {
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	if cfg.OfflineThreshold < 1 {
		cfg.OfflineThreshold = 5
	}
	return &Poller{
		cfg:      cfg,
		registry: reg,
		bus:      b,
		events:   events,
		logger:   logger,
		metrics:  m,
	}
}

// Start launches the tick loop. The first tick fires after one interval.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx)

	p.logger.WithFields(logrus.Fields{
		"interval":    p.cfg.Interval,
		"worker_pool": p.cfg.WorkerPoolSize,
	}).Info("Poller started")
}

// Stop cancels the loop and waits for in-flight device tasks to drain within
// the grace period; tasks still running afterwards are abandoned.
func (p *Poller) Stop(grace time.Duration) {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		p.logger.Info("Poller stopped")
	case <-time.After(grace):
		p.logger.Warn("Poller stop grace period elapsed with tasks in flight")
	}
}

// Overruns reports how many ticks were skipped because a prior tick was still
// running.
func (p *Poller) Overruns() uint64 {
	return p.overruns.Load()
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.tickRunning.CompareAndSwap(false, true) {
				p.overruns.Add(1)
				p.metrics.PollOverruns.Inc()
				p.logger.Warn("Poll tick skipped: previous tick still running")
				continue
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.tickRunning.Store(false)
				p.runTick(ctx)
			}()
		}
	}
}

// taskTimeout bounds each device task so one slow plug cannot starve a tick.
func (p *Poller) taskTimeout() time.Duration {
	timeout := p.cfg.Interval - p.cfg.Guard
	if p.cfg.DriverTimeout > 0 && p.cfg.DriverTimeout < timeout {
		timeout = p.cfg.DriverTimeout
	}
	if timeout <= 0 {
		timeout = p.cfg.Interval
	}
	return timeout
}

func (p *Poller) runTick(ctx context.Context) {
	p.metrics.PollTicks.Inc()

	devices := p.registry.ListMonitored()
	p.metrics.MonitoredDevices.Set(float64(len(devices)))
	if len(devices) == 0 {
		return
	}

	sem := make(chan struct{}, p.cfg.WorkerPoolSize)
	var wg sync.WaitGroup

	for _, dev := range devices {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(dev *types.Device) {
			defer wg.Done()
			defer func() { <-sem }()
			p.pollDevice(ctx, dev)
		}(dev)
	}

	wg.Wait()
}

func (p *Poller) pollDevice(ctx context.Context, dev *types.Device) {
	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout())
	defer cancel()

	handle, err := p.registry.Acquire(taskCtx, dev.ID)
	if err != nil {
		p.recordFailure(dev.ID, err)
		return
	}
	defer handle.Release()

	reading, err := handle.Driver().Snapshot(taskCtx)
	if err != nil {
		p.recordFailure(dev.ID, err)
		return
	}

	reading.DeviceID = dev.ID

	prior := p.registry.RecordSuccess(dev.ID)
	if prior >= p.cfg.OfflineThreshold {
		p.emit(DeviceEvent{
			Kind:      DeviceOnline,
			DeviceID:  dev.ID,
			Timestamp: time.Now().UTC(),
		})
	}

	p.bus.Publish(reading)
}

func (p *Poller) recordFailure(deviceID string, err error) {
	count := p.registry.RecordFailure(deviceID)
	p.metrics.PollFailures.WithLabelValues(deviceID).Inc()

	p.logger.WithError(err).WithFields(logrus.Fields{
		"device_id":            deviceID,
		"consecutive_failures": count,
	}).Debug("Device snapshot failed")

	// Fire the offline event exactly once, on the crossing poll. The device
	// stays monitored.
	if count == p.cfg.OfflineThreshold {
		p.emit(DeviceEvent{
			Kind:      DeviceOffline,
			DeviceID:  deviceID,
			Failures:  count,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (p *Poller) emit(ev DeviceEvent) {
	if p.events == nil {
		return
	}
	p.events(ev)
	p.logger.WithFields(logrus.Fields{
		"device_id": ev.DeviceID,
		"event":     ev.Kind,
	}).Info("Device availability changed")
}
