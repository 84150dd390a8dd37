// Package bus fans readings out to in-process subscribers. Delivery is
// best-effort per subscriber: a subscriber that cannot keep up has its oldest
// queued reading dropped so the publisher never blocks. Per-device order is
// preserved to any single subscriber.
package bus

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
)

const defaultQueueSize = 64

// Handler receives each published reading on the subscriber's own goroutine.
type Handler func(*types.Reading)

type subscriber struct {
	name    string
	queue   chan *types.Reading
	handler Handler
	dropped atomic.Uint64
	done    chan struct{}
}

// Bus is the in-process reading publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	queueSize   int
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	closed      bool
}

// New creates a bus with the default per-subscriber queue size.
func New(logger *logrus.Logger, m *metrics.Metrics) *Bus {
	return NewWithQueueSize(logger, m, defaultQueueSize)
}

// NewWithQueueSize creates a bus whose subscribers buffer up to size readings.
func NewWithQueueSize(logger *logrus.Logger, m *metrics.Metrics, size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		queueSize:   size,
		logger:      logger,
		metrics:     m,
	}
}

// Subscribe registers a named handler. The handler runs on a dedicated
// goroutine and must not be registered twice under the same name.
func (b *Bus) Subscribe(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errClosed
	}
	if _, exists := b.subscribers[name]; exists {
		return errDuplicate(name)
	}

	sub := &subscriber{
		name:    name,
		queue:   make(chan *types.Reading, b.queueSize),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.subscribers[name] = sub

	go sub.run()

	b.logger.WithField("subscriber", name).Debug("Bus subscriber registered")
	return nil
}

// Unsubscribe removes a subscriber and stops its delivery goroutine.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subscribers[name]
	if ok {
		delete(b.subscribers, name)
	}
	b.mu.Unlock()

	if ok {
		close(sub.queue)
		<-sub.done
	}
}

// Publish delivers a reading to every subscriber without ever blocking. When
// a subscriber's queue is full its oldest queued reading is discarded and the
// subscriber's dropped counter incremented.
func (b *Bus) Publish(r *types.Reading) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.metrics.ReadingsPublished.Inc()

	for _, sub := range b.subscribers {
		select {
		case sub.queue <- r:
			continue
		default:
		}

		// A full queue often just means the consumer goroutine has not had a
		// turn yet, which on a single CPU a tight publish loop never grants.
		// Yield once and retry before sacrificing data.
		runtime.Gosched()
		select {
		case sub.queue <- r:
			continue
		default:
		}

		// Still full: drop the oldest entry to make room. The retried send
		// can still race with the consumer; losing that race just means room
		// appeared, so the reading goes through without a second drop.
		select {
		case <-sub.queue:
			sub.dropped.Add(1)
			b.metrics.DroppedReadings.WithLabelValues(sub.name).Inc()
		default:
		}
		select {
		case sub.queue <- r:
		default:
			sub.dropped.Add(1)
			b.metrics.DroppedReadings.WithLabelValues(sub.name).Inc()
		}
	}
}

// Dropped returns how many readings the named subscriber has lost.
func (b *Bus) Dropped(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subscribers[name]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Close stops all subscribers. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
		<-sub.done
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for r := range s.queue {
		s.handler(r)
	}
}
