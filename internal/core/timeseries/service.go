// Package timeseries owns the reading store: raw appends, hourly/daily/
// monthly rollups and retention. Raw rows are only deleted once the hour
// they fall in has been rolled up, so history degrades in resolution rather
// than disappearing.
package timeseries

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/tariff"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
	"github.com/plugwatch/plugwatch-go/pkg/errors"
)

// resetEpsilonKWh absorbs meter jitter when detecting lifetime-counter
// resets. A decrease smaller than this is noise, not a reset.
const resetEpsilonKWh = 0.001

// Repository is the persistence surface the service needs. The sqlite
// implementation lives in internal/database.
type Repository interface {
	InsertReading(ctx context.Context, r *types.Reading) error
	LatestReading(ctx context.Context, deviceID string) (*types.Reading, error)
	ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]types.Reading, error)
	DeviceIDsWithReadings(ctx context.Context, from, to time.Time) ([]string, error)

	UpsertRollup(ctx context.Context, r *types.Rollup) error
	Rollup(ctx context.Context, deviceID string, bucket types.BucketKind, start time.Time) (*types.Rollup, error)
	RollupsBetween(ctx context.Context, deviceID string, bucket types.BucketKind, from, to time.Time) ([]types.Rollup, error)

	// DeleteCoveredReadings removes raw rows older than before whose
	// enclosing hour already has a rollup, up to limit rows.
	DeleteCoveredReadings(ctx context.Context, before time.Time, limit int) (int64, error)
	DeleteRollupsBefore(ctx context.Context, bucket types.BucketKind, before time.Time, limit int) (int64, error)
}

// TariffSource resolves the tariff effective at a point in time.
type TariffSource interface {
	ActiveAt(ts time.Time) *tariff.Tariff
}

// Config carries the store's tunables.
type Config struct {
	RawRetentionDays    int
	HourlyRetentionDays int
	HourlyRollupMinute  int
	CleanupBatchSize    int
	Location            *time.Location
}

// Service is the time-series store.
type Service struct {
	cfg     Config
	repo    Repository
	tariffs TariffSource
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	lastTotal map[string]float64
	lastSeen  map[string]time.Time

	cron *cron.Cron
}

// NewService creates the store. tariffs may be nil; rollups then carry no
// cost.
func NewService(cfg Config, repo Repository, tariffs TariffSource, logger *logrus.Logger, m *metrics.Metrics) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CleanupBatchSize < 1 {
		cfg.CleanupBatchSize = 500
	}
	return &Service{
		cfg:       cfg,
		repo:      repo,
		tariffs:   tariffs,
		logger:    logger,
		metrics:   m,
		lastTotal: make(map[string]float64),
		lastSeen:  make(map[string]time.Time),
	}
}

// Start schedules the rollup and retention jobs. Jobs skip when a previous
// run is still going; a rollup pass over a large fleet must never stack.
func (s *Service) Start() error {
	s.cron = cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		),
	)

	specs := map[string]func(){
		fmt.Sprintf("%d * * * *", s.cfg.HourlyRollupMinute): s.runHourlyRollups,
		"10 0 * * *":  s.runDailyRollups,
		"20 0 1 * *":  s.runMonthlyRollups,
		"30 3 * * *":  s.runRetention,
	}
	for spec, job := range specs {
		if _, err := s.cron.AddFunc(spec, job); err != nil {
			return fmt.Errorf("failed to schedule store job %q: %w", spec, err)
		}
	}

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"hourly_minute": s.cfg.HourlyRollupMinute,
		"timezone":      s.cfg.Location.String(),
	}).Info("Time-series store jobs scheduled")
	return nil
}

// Stop halts the job scheduler and waits for running jobs.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// HandleReading appends one reading. Out-of-order rows per device are
// dropped; a lifetime-counter decrease beyond the epsilon marks the row as a
// reset so rollups treat the gap as zero consumption rather than negative.
func (s *Service) HandleReading(ctx context.Context, r *types.Reading) error {
	s.mu.Lock()
	last, seeded := s.lastSeen[r.DeviceID]
	s.mu.Unlock()

	if !seeded {
		if prev, err := s.repo.LatestReading(ctx, r.DeviceID); err == nil && prev != nil {
			s.mu.Lock()
			s.lastSeen[r.DeviceID] = prev.Timestamp
			s.lastTotal[r.DeviceID] = prev.TotalEnergy
			last = prev.Timestamp
			seeded = true
			s.mu.Unlock()
		}
	}

	if seeded && !r.Timestamp.After(last) {
		s.logger.WithFields(logrus.Fields{
			"device_id": r.DeviceID,
			"timestamp": r.Timestamp,
		}).Debug("Dropped out-of-order reading")
		return nil
	}

	s.mu.Lock()
	if prevTotal, ok := s.lastTotal[r.DeviceID]; ok {
		if prevTotal-r.TotalEnergy > resetEpsilonKWh {
			r.ResetDetected = true
		}
	}
	s.lastTotal[r.DeviceID] = r.TotalEnergy
	s.lastSeen[r.DeviceID] = r.Timestamp
	s.mu.Unlock()

	if r.ResetDetected {
		s.logger.WithField("device_id", r.DeviceID).Warn("Lifetime energy counter reset detected")
	}

	if err := s.repo.InsertReading(ctx, r); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to store reading")
	}
	return nil
}

// Latest returns the most recent reading for a device.
func (s *Service) Latest(ctx context.Context, deviceID string) (*types.Reading, error) {
	r, err := s.repo.LatestReading(ctx, deviceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to load latest reading")
	}
	if r == nil {
		return nil, errors.Newf(errors.KindNotFound, "no readings for device %s", deviceID)
	}
	return r, nil
}

// LatestFields adapts Latest for predicate evaluation.
func (s *Service) LatestFields(deviceID string) (map[string]interface{}, bool) {
	r, err := s.Latest(context.Background(), deviceID)
	if err != nil {
		return nil, false
	}
	return r.Fields(), true
}

// QueryReadings returns raw readings for a device over [from, to).
func (s *Service) QueryReadings(ctx context.Context, deviceID string, from, to time.Time) ([]types.Reading, error) {
	if !to.After(from) {
		return nil, errors.New(errors.KindInvalid, "query range is empty")
	}
	rows, err := s.repo.ReadingsBetween(ctx, deviceID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "reading query failed")
	}
	return rows, nil
}

// QueryRollups returns rollups of one granularity for a device over [from, to).
func (s *Service) QueryRollups(ctx context.Context, deviceID string, bucket types.BucketKind, from, to time.Time) ([]types.Rollup, error) {
	switch bucket {
	case types.BucketHour, types.BucketDay, types.BucketMonth:
	default:
		return nil, errors.Newf(errors.KindInvalid, "unknown rollup granularity %q", bucket)
	}
	rows, err := s.repo.RollupsBetween(ctx, deviceID, bucket, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "rollup query failed")
	}
	return rows, nil
}

func (s *Service) runHourlyRollups() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now().In(s.cfg.Location)
	hourStart := now.Truncate(time.Hour).Add(-time.Hour)

	if err := s.RollupHour(ctx, hourStart); err != nil {
		s.logger.WithError(err).Error("Hourly rollup pass failed")
	}
}

// RollupHour computes hourly rollups for every device with readings in the
// hour starting at hourStart. Re-running is idempotent.
func (s *Service) RollupHour(ctx context.Context, hourStart time.Time) error {
	hourStart = hourStart.Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	devices, err := s.repo.DeviceIDsWithReadings(ctx, hourStart, hourEnd)
	if err != nil {
		return fmt.Errorf("failed to enumerate devices for hour %s: %w", hourStart, err)
	}

	for _, deviceID := range devices {
		readings, err := s.repo.ReadingsBetween(ctx, deviceID, hourStart, hourEnd)
		if err != nil {
			s.logger.WithError(err).WithField("device_id", deviceID).Error("Failed to load readings for rollup")
			continue
		}
		rollup := aggregateReadings(deviceID, hourStart, readings)
		if rollup == nil {
			continue
		}
		if err := s.repo.UpsertRollup(ctx, rollup); err != nil {
			s.logger.WithError(err).WithField("device_id", deviceID).Error("Failed to write hourly rollup")
			continue
		}
	}

	s.metrics.RollupRuns.WithLabelValues(string(types.BucketHour)).Inc()
	s.logger.WithFields(logrus.Fields{
		"hour":    hourStart,
		"devices": len(devices),
	}).Debug("Hourly rollup pass complete")
	return nil
}

func (s *Service) runDailyRollups() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	dayStart := startOfDay(time.Now().In(s.cfg.Location)).AddDate(0, 0, -1)
	if err := s.RollupDay(ctx, dayStart); err != nil {
		s.logger.WithError(err).Error("Daily rollup pass failed")
	}
}

// RollupDay aggregates a local day from its hourly rollups and prices it
// under the tariffs effective during the day. Days whose hourly pass never
// ran are recomputed from raw readings instead.
func (s *Service) RollupDay(ctx context.Context, dayStart time.Time) error {
	dayStart = startOfDay(dayStart.In(s.cfg.Location))
	dayEnd := dayStart.AddDate(0, 0, 1)

	devices, err := s.repo.DeviceIDsWithReadings(ctx, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("failed to enumerate devices for day %s: %w", dayStart, err)
	}

	for _, deviceID := range devices {
		hours, err := s.repo.RollupsBetween(ctx, deviceID, types.BucketHour, dayStart, dayEnd)
		if err != nil {
			s.logger.WithError(err).WithField("device_id", deviceID).Error("Failed to load hourly rollups")
			continue
		}
		if len(hours) == 0 {
			readings, err := s.repo.ReadingsBetween(ctx, deviceID, dayStart, dayEnd)
			if err != nil {
				s.logger.WithError(err).WithField("device_id", deviceID).Error("Failed to load readings for daily rollup")
				continue
			}
			hours = hourlyFromReadings(deviceID, readings)
		}
		rollup := mergeRollups(deviceID, types.BucketDay, dayStart, hours)
		if rollup == nil {
			continue
		}
		s.priceRollup(rollup, hours)
		if err := s.repo.UpsertRollup(ctx, rollup); err != nil {
			s.logger.WithError(err).WithField("device_id", deviceID).Error("Failed to write daily rollup")
		}
	}

	s.metrics.RollupRuns.WithLabelValues(string(types.BucketDay)).Inc()
	return nil
}

func (s *Service) runMonthlyRollups() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	monthStart := startOfMonth(time.Now().In(s.cfg.Location)).AddDate(0, -1, 0)
	if err := s.RollupMonth(ctx, monthStart); err != nil {
		s.logger.WithError(err).Error("Monthly rollup pass failed")
	}
}

// RollupMonth aggregates a calendar month from its daily rollups. Cost is
// recomputed from hourly data so tiered tariffs apportion over the whole
// month instead of summing per-day tier walks.
func (s *Service) RollupMonth(ctx context.Context, monthStart time.Time) error {
	monthStart = startOfMonth(monthStart.In(s.cfg.Location))
	monthEnd := monthStart.AddDate(0, 1, 0)

	devices, err := s.repo.DeviceIDsWithReadings(ctx, monthStart, monthEnd)
	if err != nil {
		return fmt.Errorf("failed to enumerate devices for month %s: %w", monthStart, err)
	}

	for _, deviceID := range devices {
		days, err := s.repo.RollupsBetween(ctx, deviceID, types.BucketDay, monthStart, monthEnd)
		if err != nil {
			s.logger.WithError(err).WithField("device_id", deviceID).Error("Failed to load daily rollups")
			continue
		}
		rollup := mergeRollups(deviceID, types.BucketMonth, monthStart, days)
		if rollup == nil {
			continue
		}
		hours, err := s.repo.RollupsBetween(ctx, deviceID, types.BucketHour, monthStart, monthEnd)
		if err == nil && len(hours) > 0 {
			s.priceRollup(rollup, hours)
		} else {
			s.priceRollup(rollup, days)
		}
		if err := s.repo.UpsertRollup(ctx, rollup); err != nil {
			s.logger.WithError(err).WithField("device_id", deviceID).Error("Failed to write monthly rollup")
		}
	}

	s.metrics.RollupRuns.WithLabelValues(string(types.BucketMonth)).Inc()
	return nil
}

// priceRollup fills Cost and Currency from the sub-bucket energy timeline.
// Sub-buckets are grouped by the tariff effective at their start, so a
// mid-period tariff change prices each span under its own tariff.
func (s *Service) priceRollup(rollup *types.Rollup, parts []types.Rollup) {
	if s.tariffs == nil || len(parts) == 0 {
		return
	}

	breakdown, err := CostOfRollups(s.tariffs, parts)
	if err != nil {
		if err != tariff.ErrNoTariff {
			s.logger.WithError(err).WithField("device_id", rollup.DeviceID).Warn("Cost computation failed")
		}
		return
	}
	cost, _ := breakdown.Total.Float64()
	rollup.Cost = cost
	rollup.Currency = breakdown.Currency
}

func (s *Service) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	now := time.Now().In(s.cfg.Location)

	rawCutoff := now.AddDate(0, 0, -s.cfg.RawRetentionDays).Truncate(time.Hour)
	s.deleteInBatches(ctx, "raw readings", func() (int64, error) {
		return s.repo.DeleteCoveredReadings(ctx, rawCutoff, s.cfg.CleanupBatchSize)
	})

	if s.cfg.HourlyRetentionDays > 0 {
		hourlyCutoff := now.AddDate(0, 0, -s.cfg.HourlyRetentionDays)
		s.deleteInBatches(ctx, "hourly rollups", func() (int64, error) {
			return s.repo.DeleteRollupsBefore(ctx, types.BucketHour, hourlyCutoff, s.cfg.CleanupBatchSize)
		})
	}
}

// deleteInBatches runs a bounded delete repeatedly, yielding between batches
// so a large backlog never holds the write lock for long.
func (s *Service) deleteInBatches(ctx context.Context, what string, del func() (int64, error)) {
	var total int64
	for {
		n, err := del()
		if err != nil {
			s.logger.WithError(err).WithField("target", what).Error("Retention delete failed")
			return
		}
		total += n
		if n < int64(s.cfg.CleanupBatchSize) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	if total > 0 {
		s.logger.WithFields(logrus.Fields{
			"target":  what,
			"deleted": total,
		}).Info("Retention pass removed expired rows")
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
