// Package notify fans raised alerts out to delivery sinks. Delivery is
// asynchronous and best-effort: a dead sink slows nothing upstream, it just
// exhausts its retries and the failure is logged.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/alerts"
)

// Sink delivers one alert to an external channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, alert *alerts.Alert) error
	Close() error
}

// Registration binds a sink to its filters: alerts below the severity floor
// or outside the category list never reach the sink.
type Registration struct {
	Sink          Sink
	SeverityFloor alerts.Severity
	// Categories limits delivery; empty means all categories.
	Categories []string
}

func (r *Registration) wants(alert *alerts.Alert) bool {
	if alert.Severity < r.SeverityFloor {
		return false
	}
	if len(r.Categories) == 0 {
		return true
	}
	for _, c := range r.Categories {
		if c == alert.Category {
			return true
		}
	}
	return false
}

// Config bounds delivery attempts.
type Config struct {
	DeliveryTimeout time.Duration
	MaxRetries      int
}

// Dispatcher routes alerts to registered sinks.
type Dispatcher struct {
	cfg    Config
	logger *logrus.Logger

	mu    sync.RWMutex
	sinks []Registration

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(cfg Config, logger *logrus.Logger) *Dispatcher {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Register adds a sink with its filters.
func (d *Dispatcher) Register(reg Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, reg)
	d.logger.WithField("sink", reg.Sink.Name()).Info("Notification sink registered")
}

// Dispatch fans one alert out to all matching sinks. It returns immediately;
// each delivery runs on its own goroutine with retries.
func (d *Dispatcher) Dispatch(alert *alerts.Alert) {
	select {
	case <-d.closed:
		return
	default:
	}

	d.mu.RLock()
	regs := make([]Registration, 0, len(d.sinks))
	for _, reg := range d.sinks {
		if reg.wants(alert) {
			regs = append(regs, reg)
		}
	}
	d.mu.RUnlock()

	for _, reg := range regs {
		reg := reg
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(reg.Sink, alert)
		}()
	}
}

// deliver attempts one sink with bounded exponential backoff inside an
// overall deadline.
func (d *Dispatcher) deliver(sink Sink, alert *alerts.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				d.logger.WithFields(logrus.Fields{
					"sink":     sink.Name(),
					"alert_id": alert.ID,
				}).Warn("Notification delivery deadline exceeded")
				return
			case <-time.After(backoff):
			}
		}
		if err = sink.Deliver(ctx, alert); err == nil {
			d.logger.WithFields(logrus.Fields{
				"sink":     sink.Name(),
				"alert_id": alert.ID,
				"severity": alert.Severity.String(),
			}).Debug("Alert delivered")
			return
		}
	}

	d.logger.WithError(err).WithFields(logrus.Fields{
		"sink":     sink.Name(),
		"alert_id": alert.ID,
		"attempts": d.cfg.MaxRetries + 1,
	}).Error("Notification delivery failed")
}

// Close drains in-flight deliveries and closes all sinks.
func (d *Dispatcher) Close() {
	close(d.closed)
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, reg := range d.sinks {
		if err := reg.Sink.Close(); err != nil {
			d.logger.WithError(err).WithField("sink", reg.Sink.Name()).Warn("Sink close failed")
		}
	}
	d.sinks = nil
}
