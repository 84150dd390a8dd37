// Package registry holds the authoritative set of tracked devices. A
// read-mostly map guarded by an RW lock carries per-device state; a
// per-device action mutex serializes physical access so a poll and a control
// action never overlap on the same plug. The registry lock is never held
// across device I/O.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/driver"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

type entry struct {
	device *types.Device
	driver driver.Driver

	// actionMu serializes all I/O against the physical device. A channel
	// semaphore instead of sync.Mutex so acquisition honors contexts.
	actionMu chan struct{}

	consecutiveFailures int
	lastSuccess         time.Time
}

// Registry is the authoritative device set.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	factory driver.Factory
	logger  *logrus.Logger
}

// New creates a registry that builds drivers with the given factory.
func New(factory driver.Factory, logger *logrus.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
		logger:  logger,
	}
}

// Add registers a new device at the given address and returns its id. The
// device starts in the discovered state.
func (r *Registry) Add(dev types.Device, creds *driver.Credentials) (string, error) {
	if dev.Address == "" {
		return "", fmt.Errorf("device address is required")
	}

	drv, err := r.factory(dev.Address, creds)
	if err != nil {
		return "", fmt.Errorf("failed to create driver for %s: %w", dev.Address, err)
	}

	if dev.ID == "" {
		dev.ID = uuid.NewString()
	}
	if dev.State == "" {
		dev.State = types.DeviceDiscovered
	}
	now := time.Now().UTC()
	dev.CreatedAt = now
	dev.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[dev.ID]; exists {
		drv.Close()
		return "", fmt.Errorf("device %s already registered", dev.ID)
	}

	r.entries[dev.ID] = &entry{
		device:   &dev,
		driver:   drv,
		actionMu: make(chan struct{}, 1),
	}

	r.logger.WithFields(logrus.Fields{
		"device_id": dev.ID,
		"address":   dev.Address,
		"model":     dev.Model,
	}).Info("Device registered")

	return dev.ID, nil
}

// Remove deletes a device. In-flight operations holding its handle finish
// normally; the driver is closed afterwards.
func (r *Registry) Remove(deviceID string) error {
	r.mu.Lock()
	e, ok := r.entries[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %s not found", deviceID)
	}
	e.device.State = types.DeviceRemoved
	delete(r.entries, deviceID)
	r.mu.Unlock()

	// Wait for any holder of the action mutex before closing the driver.
	e.actionMu <- struct{}{}
	err := e.driver.Close()
	<-e.actionMu

	r.logger.WithField("device_id", deviceID).Info("Device removed")
	return err
}

// SetMonitored flips the monitored flag. An unmonitored device is excluded
// from polling on the next tick; in-flight work completes normally.
func (r *Registry) SetMonitored(deviceID string, monitored bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return fmt.Errorf("device %s not found", deviceID)
	}

	if monitored {
		e.device.State = types.DeviceMonitored
	} else {
		e.device.State = types.DeviceUnmonitored
	}
	e.device.UpdatedAt = time.Now().UTC()

	r.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"monitored": monitored,
	}).Info("Device monitored flag updated")
	return nil
}

// UpdateAddress atomically swaps the device's driver for one pointed at the
// new address. Id and history are preserved.
func (r *Registry) UpdateAddress(deviceID, newAddress string, creds *driver.Credentials) error {
	if newAddress == "" {
		return fmt.Errorf("address is required")
	}

	newDrv, err := r.factory(newAddress, creds)
	if err != nil {
		return fmt.Errorf("failed to create driver for %s: %w", newAddress, err)
	}

	r.mu.Lock()
	e, ok := r.entries[deviceID]
	if !ok {
		r.mu.Unlock()
		newDrv.Close()
		return fmt.Errorf("device %s not found", deviceID)
	}
	oldDrv := e.driver
	e.driver = newDrv
	e.device.Address = newAddress
	e.device.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	oldDrv.Close()

	r.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"address":   newAddress,
	}).Info("Device address updated")
	return nil
}

// Get returns a copy of the device record.
func (r *Registry) Get(deviceID string) (*types.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s not found", deviceID)
	}
	dev := *e.device
	return &dev, nil
}

// List returns copies of all device records, ordered by id.
func (r *Registry) List() []*types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Device, 0, len(r.entries))
	for _, e := range r.entries {
		dev := *e.device
		out = append(out, &dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListMonitored returns copies of the devices the poller should visit.
func (r *Registry) ListMonitored() []*types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Device, 0, len(r.entries))
	for _, e := range r.entries {
		if e.device.State == types.DeviceMonitored {
			dev := *e.device
			out = append(out, &dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handle is an acquired claim on a device: while held, no other poll or
// control action touches the same physical plug.
type Handle struct {
	registry *Registry
	deviceID string
	e        *entry
}

// Acquire locks the device's action mutex and returns a handle. It fails if
// the context expires first or the device disappears.
func (r *Registry) Acquire(ctx context.Context, deviceID string) (*Handle, error) {
	r.mu.RLock()
	e, ok := r.entries[deviceID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %s not found", deviceID)
	}

	select {
	case e.actionMu <- struct{}{}:
		return &Handle{registry: r, deviceID: deviceID, e: e}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Driver returns the device's current driver. Reads the registry at call
// time so an address swap is picked up by the next acquirer.
func (h *Handle) Driver() driver.Driver {
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	if cur, ok := h.registry.entries[h.deviceID]; ok {
		return cur.driver
	}
	return h.e.driver
}

// DeviceID returns the held device's id.
func (h *Handle) DeviceID() string {
	return h.deviceID
}

// Release unlocks the device's action mutex.
func (h *Handle) Release() {
	<-h.e.actionMu
}

// RecordFailure increments the device's consecutive-failure counter and
// returns the new count.
func (r *Registry) RecordFailure(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return 0
	}
	e.consecutiveFailures++
	return e.consecutiveFailures
}

// RecordSuccess resets the failure counter and stamps the last success. It
// returns the failure count the success cleared, so the poller can detect an
// offline-to-online edge.
func (r *Registry) RecordSuccess(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return 0
	}
	prior := e.consecutiveFailures
	e.consecutiveFailures = 0
	e.lastSuccess = time.Now().UTC()
	return prior
}

// FailureCount returns the current consecutive-failure count.
func (r *Registry) FailureCount(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[deviceID]; ok {
		return e.consecutiveFailures
	}
	return 0
}

// LastSuccess returns the timestamp of the device's most recent successful
// snapshot, zero if it has never succeeded.
func (r *Registry) LastSuccess(deviceID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[deviceID]; ok {
		return e.lastSuccess
	}
	return time.Time{}
}
