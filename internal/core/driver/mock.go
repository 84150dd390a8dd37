package driver

import (
	"context"
	"sync"
	"time"

	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

// Mock is an in-memory driver used by engine tests and the mock-device
// configuration. Behavior is scripted through SnapshotFunc or the queued
// readings; control calls are recorded.
type Mock struct {
	mu sync.Mutex

	addr     string
	on       bool
	queued   []*types.Reading
	err      error
	delay    time.Duration
	OnCalls  int
	OffCalls int
	Toggles  int
	Snaps    int

	// SnapshotFunc, when set, overrides the queued-reading behavior.
	SnapshotFunc func(ctx context.Context) (*types.Reading, error)
}

// NewMock creates a mock driver reporting the given address.
func NewMock(address string) *Mock {
	return &Mock{addr: address}
}

// Queue appends readings returned by successive Snapshot calls. The last
// queued reading is repeated once the queue drains.
func (m *Mock) Queue(readings ...*types.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, readings...)
}

// Fail makes every subsequent call return err until cleared with Fail(nil).
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Delay makes every call sleep before responding, for timeout tests.
func (m *Mock) Delay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *Mock) Snapshot(ctx context.Context) (*types.Reading, error) {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc(ctx)
	}

	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, Transient("snapshot", m.addr, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snaps++
	if m.err != nil {
		return nil, m.err
	}

	var r *types.Reading
	switch {
	case len(m.queued) > 1:
		r = m.queued[0]
		m.queued = m.queued[1:]
	case len(m.queued) == 1:
		r = m.queued[0]
	default:
		r = &types.Reading{IsOn: m.on}
	}

	out := *r
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return &out, nil
}

func (m *Mock) TurnOn(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.OnCalls++
	m.on = true
	return nil
}

func (m *Mock) TurnOff(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.OffCalls++
	m.on = false
	return nil
}

func (m *Mock) Toggle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.Toggles++
	m.on = !m.on
	return nil
}

func (m *Mock) Address() string {
	return m.addr
}

func (m *Mock) Close() error {
	return nil
}

// IsOn reports the mock relay state.
func (m *Mock) IsOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}
