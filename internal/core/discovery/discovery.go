// Package discovery browses mDNS for smart plugs and registers new finds in
// the discovered state. Known addresses are skipped; nothing here promotes a
// device to monitored, that stays an operator decision.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/registry"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

// Config carries the browse parameters.
type Config struct {
	ServiceType string
	Domain      string
	Interval    time.Duration
	Timeout     time.Duration
}

// Service periodically browses the local network.
type Service struct {
	cfg      Config
	registry *registry.Registry
	logger   *logrus.Logger

	mu   sync.Mutex
	seen map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the discovery service.
func NewService(cfg Config, reg *registry.Registry, logger *logrus.Logger) *Service {
	if cfg.ServiceType == "" {
		cfg.ServiceType = "_plugwatch._tcp"
	}
	if cfg.Domain == "" {
		cfg.Domain = "local."
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Service{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		seen:     make(map[string]bool),
	}
}

// Start launches the periodic browse loop. The first pass runs immediately.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.browse(ctx)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.browse(ctx)
			}
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"service":  s.cfg.ServiceType,
		"interval": s.cfg.Interval,
	}).Info("mDNS discovery started")
}

// Stop halts the browse loop.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) browse(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create mDNS resolver")
		return
	}

	browseCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			s.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(browseCtx, s.cfg.ServiceType, s.cfg.Domain, entries); err != nil {
		s.logger.WithError(err).Error("mDNS browse failed")
		return
	}
	<-browseCtx.Done()
}

func (s *Service) handleEntry(entry *zeroconf.ServiceEntry) {
	if len(entry.AddrIPv4) == 0 {
		return
	}
	address := entry.AddrIPv4[0].String()
	if entry.Port != 0 && entry.Port != 80 {
		address = fmt.Sprintf("%s:%d", address, entry.Port)
	}

	s.mu.Lock()
	already := s.seen[address]
	s.seen[address] = true
	s.mu.Unlock()
	if already || s.knownAddress(address) {
		return
	}

	dev := types.Device{
		Address: address,
		Alias:   entry.Instance,
		Model:   txtValue(entry.Text, "model"),
		MAC:     txtValue(entry.Text, "mac"),
		State:   types.DeviceDiscovered,
	}
	id, err := s.registry.Add(dev, nil)
	if err != nil {
		s.logger.WithError(err).WithField("address", address).Warn("Failed to register discovered device")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": id,
		"address":   address,
		"instance":  entry.Instance,
	}).Info("Discovered new device")
}

func (s *Service) knownAddress(address string) bool {
	for _, dev := range s.registry.List() {
		if dev.Address == address {
			return true
		}
	}
	return false
}

// txtValue extracts a key=value pair from mDNS TXT records.
func txtValue(txt []string, key string) string {
	prefix := key + "="
	for _, t := range txt {
		if strings.HasPrefix(t, prefix) {
			return strings.TrimPrefix(t, prefix)
		}
	}
	return ""
}
