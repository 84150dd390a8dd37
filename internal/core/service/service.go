// Package service is the control plane: every operator-facing mutation and
// query goes through here, gets validated, persisted, and leaves an audit
// row behind.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/alerts"
	"github.com/plugwatch/plugwatch-go/internal/core/audit"
	"github.com/plugwatch/plugwatch-go/internal/core/driver"
	"github.com/plugwatch/plugwatch-go/internal/core/registry"
	"github.com/plugwatch/plugwatch-go/internal/core/schedule"
	"github.com/plugwatch/plugwatch-go/internal/core/tariff"
	"github.com/plugwatch/plugwatch-go/internal/core/timeseries"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/database"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
	"github.com/plugwatch/plugwatch-go/pkg/errors"
)

// ControlAction names the direct device operations.
type ControlAction string

const (
	ControlOn     ControlAction = "on"
	ControlOff    ControlAction = "off"
	ControlToggle ControlAction = "toggle"
)

// Service wires the engines behind one mutation surface.
type Service struct {
	registry  *registry.Registry
	store     *timeseries.Service
	tariffs   *tariff.Manager
	schedules *schedule.Engine
	alerts    *alerts.Engine
	audit     *audit.Service

	devices   *database.DeviceRepository
	schedRepo *database.ScheduleRepository
	alertRepo *database.AlertRepository

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// New creates the control-plane service.
func New(
	reg *registry.Registry,
	store *timeseries.Service,
	tariffs *tariff.Manager,
	schedules *schedule.Engine,
	alertEngine *alerts.Engine,
	auditSvc *audit.Service,
	devices *database.DeviceRepository,
	schedRepo *database.ScheduleRepository,
	alertRepo *database.AlertRepository,
	logger *logrus.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		registry:  reg,
		store:     store,
		tariffs:   tariffs,
		schedules: schedules,
		alerts:    alertEngine,
		audit:     auditSvc,
		devices:   devices,
		schedRepo: schedRepo,
		alertRepo: alertRepo,
		logger:    logger,
		metrics:   m,
	}
}

// AddDevice registers a plug and persists it. The device starts discovered;
// monitoring is a separate decision.
func (s *Service) AddDevice(ctx context.Context, actor string, dev types.Device, creds *driver.Credentials) (string, error) {
	id, err := s.registry.Add(dev, creds)
	s.auditMutation(ctx, actor, "device.add", "device", id, "", snapshotJSON(dev), err)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInvalid, "failed to add device")
	}

	if stored, gerr := s.registry.Get(id); gerr == nil {
		if perr := s.devices.SaveDevice(ctx, stored); perr != nil {
			s.logger.WithError(perr).WithField("device_id", id).Error("Failed to persist device")
		}
	}
	return id, nil
}

// SetMonitored flips whether the poller visits the device.
func (s *Service) SetMonitored(ctx context.Context, actor, deviceID string, monitored bool) error {
	before := s.deviceSnapshot(deviceID)
	err := s.registry.SetMonitored(deviceID, monitored)
	s.auditMutation(ctx, actor, "device.set_monitored", "device", deviceID, before, s.deviceSnapshot(deviceID), err)
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "failed to update monitored flag")
	}

	s.persistDevice(ctx, deviceID)
	s.metrics.MonitoredDevices.Set(float64(len(s.registry.ListMonitored())))
	return nil
}

// UpdateAddress repoints the device at a new address, keeping id and history.
func (s *Service) UpdateAddress(ctx context.Context, actor, deviceID, address string, creds *driver.Credentials) error {
	before := s.deviceSnapshot(deviceID)
	err := s.registry.UpdateAddress(deviceID, address, creds)
	s.auditMutation(ctx, actor, "device.update_address", "device", deviceID, before, s.deviceSnapshot(deviceID), err)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalid, "failed to update device address")
	}
	s.persistDevice(ctx, deviceID)
	return nil
}

// RemoveDevice drops the device from the registry and store. Its historical
// readings are kept.
func (s *Service) RemoveDevice(ctx context.Context, actor, deviceID string) error {
	before := s.deviceSnapshot(deviceID)
	err := s.registry.Remove(deviceID)
	s.auditMutation(ctx, actor, "device.remove", "device", deviceID, before, "", err)
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "failed to remove device")
	}

	if perr := s.devices.DeleteDevice(ctx, deviceID); perr != nil {
		s.logger.WithError(perr).WithField("device_id", deviceID).Error("Failed to delete persisted device")
	}
	s.metrics.MonitoredDevices.Set(float64(len(s.registry.ListMonitored())))
	return nil
}

// Device returns one device record.
func (s *Service) Device(deviceID string) (*types.Device, error) {
	dev, err := s.registry.Get(deviceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "device lookup failed")
	}
	return dev, nil
}

// Devices lists all device records.
func (s *Service) Devices() []*types.Device {
	return s.registry.List()
}

// ControlDevice performs a direct on/off/toggle. The per-device handle
// guarantees it never overlaps a poll or schedule action on the same plug.
func (s *Service) ControlDevice(ctx context.Context, actor, deviceID string, action ControlAction) error {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	handle, err := s.registry.Acquire(opCtx, deviceID)
	if err != nil {
		s.auditMutation(ctx, actor, "device.control."+string(action), "device", deviceID, "", "", err)
		return errors.Wrap(err, errors.KindNotFound, "failed to acquire device")
	}
	defer handle.Release()

	drv := handle.Driver()
	switch action {
	case ControlOn:
		err = drv.TurnOn(opCtx)
	case ControlOff:
		err = drv.TurnOff(opCtx)
	case ControlToggle:
		err = drv.Toggle(opCtx)
	default:
		err = fmt.Errorf("unknown control action %q", action)
	}

	s.auditMutation(ctx, actor, "device.control."+string(action), "device", deviceID, "", "", err)
	if err != nil {
		if driver.IsTransient(err) {
			return errors.Wrap(err, errors.KindUnavailable, "device control failed")
		}
		return errors.Wrap(err, errors.KindInvalid, "device control failed")
	}
	return nil
}

// PutTariff installs a tariff; the prior history is retained.
func (s *Service) PutTariff(ctx context.Context, actor string, t *tariff.Tariff) error {
	err := s.tariffs.Put(ctx, t)
	s.auditMutation(ctx, actor, "tariff.put", "tariff", t.ID, "", snapshotJSON(t), err)
	if err != nil {
		return errors.Wrap(err, errors.KindInvalid, "failed to store tariff")
	}
	return nil
}

// ActiveTariff returns the tariff in effect now, nil when none.
func (s *Service) ActiveTariff() *tariff.Tariff {
	return s.tariffs.Active()
}

// PutScheduleRule installs a schedule rule and persists it.
func (s *Service) PutScheduleRule(ctx context.Context, actor string, rule *schedule.Rule) (string, error) {
	id, err := s.schedules.PutRule(rule)
	s.auditMutation(ctx, actor, "schedule.put", "schedule_rule", id, "", snapshotJSON(rule), err)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInvalid, "failed to store schedule rule")
	}
	if perr := s.schedRepo.SaveRule(ctx, rule); perr != nil {
		s.logger.WithError(perr).WithField("rule_id", id).Error("Failed to persist schedule rule")
	}
	return id, nil
}

// DeleteScheduleRule removes a schedule rule.
func (s *Service) DeleteScheduleRule(ctx context.Context, actor, id string) error {
	err := s.schedules.DeleteRule(id)
	s.auditMutation(ctx, actor, "schedule.delete", "schedule_rule", id, "", "", err)
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "failed to delete schedule rule")
	}
	if perr := s.schedRepo.DeleteRule(ctx, id); perr != nil {
		s.logger.WithError(perr).WithField("rule_id", id).Error("Failed to delete persisted schedule rule")
	}
	return nil
}

// ScheduleConflicts returns all recorded schedule conflicts.
func (s *Service) ScheduleConflicts() []schedule.Conflict {
	return s.schedules.Conflicts()
}

// PutAlertRule installs an alert rule and persists it.
func (s *Service) PutAlertRule(ctx context.Context, actor string, rule *alerts.Rule) (string, error) {
	id, err := s.alerts.PutRule(rule)
	s.auditMutation(ctx, actor, "alert_rule.put", "alert_rule", id, "", snapshotJSON(rule), err)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInvalid, "failed to store alert rule")
	}
	if perr := s.alertRepo.SaveRule(ctx, rule); perr != nil {
		s.logger.WithError(perr).WithField("rule_id", id).Error("Failed to persist alert rule")
	}
	return id, nil
}

// DeleteAlertRule removes an alert rule.
func (s *Service) DeleteAlertRule(ctx context.Context, actor, id string) error {
	err := s.alerts.DeleteRule(id)
	s.auditMutation(ctx, actor, "alert_rule.delete", "alert_rule", id, "", "", err)
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "failed to delete alert rule")
	}
	if perr := s.alertRepo.DeleteRule(ctx, id); perr != nil {
		s.logger.WithError(perr).WithField("rule_id", id).Error("Failed to delete persisted alert rule")
	}
	return nil
}

// PutSuppression installs a suppression window.
func (s *Service) PutSuppression(ctx context.Context, actor string, sup *alerts.Suppression) (string, error) {
	id, err := s.alerts.PutSuppression(sup)
	s.auditMutation(ctx, actor, "suppression.put", "suppression", id, "", snapshotJSON(sup), err)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInvalid, "failed to store suppression")
	}
	if perr := s.alertRepo.SaveSuppression(ctx, sup); perr != nil {
		s.logger.WithError(perr).WithField("suppression_id", id).Error("Failed to persist suppression")
	}
	return id, nil
}

// DeleteSuppression removes a suppression window.
func (s *Service) DeleteSuppression(ctx context.Context, actor, id string) error {
	err := s.alerts.DeleteSuppression(id)
	s.auditMutation(ctx, actor, "suppression.delete", "suppression", id, "", "", err)
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "failed to delete suppression")
	}
	if perr := s.alertRepo.DeleteSuppression(ctx, id); perr != nil {
		s.logger.WithError(perr).WithField("suppression_id", id).Error("Failed to delete persisted suppression")
	}
	return nil
}

// AcknowledgeAlert marks an active alert acknowledged.
func (s *Service) AcknowledgeAlert(ctx context.Context, actor, alertID, note string) error {
	err := s.alerts.Acknowledge(ctx, alertID, actor, note)
	s.auditMutation(ctx, actor, "alert.acknowledge", "alert", alertID, "", "", err)
	if err != nil {
		return errors.Wrap(err, errors.KindConflict, "failed to acknowledge alert")
	}
	return nil
}

// ResolveAlert closes an alert.
func (s *Service) ResolveAlert(ctx context.Context, actor, alertID, note string) error {
	err := s.alerts.Resolve(ctx, alertID, actor, note)
	s.auditMutation(ctx, actor, "alert.resolve", "alert", alertID, "", "", err)
	if err != nil {
		return errors.Wrap(err, errors.KindConflict, "failed to resolve alert")
	}
	return nil
}

// QueryReadings returns raw readings for a device.
func (s *Service) QueryReadings(ctx context.Context, deviceID string, from, to time.Time) ([]types.Reading, error) {
	return s.store.QueryReadings(ctx, deviceID, from, to)
}

// QueryRollups returns aggregated buckets for a device.
func (s *Service) QueryRollups(ctx context.Context, deviceID string, bucket types.BucketKind, from, to time.Time) ([]types.Rollup, error) {
	return s.store.QueryRollups(ctx, deviceID, bucket, from, to)
}

// ComputeCost prices consumption over [from, to) from hourly rollups under
// the tariffs effective during the range. An empty deviceID prices the whole
// fleet by summing per-device breakdowns.
func (s *Service) ComputeCost(ctx context.Context, deviceID string, from, to time.Time) (*tariff.Breakdown, error) {
	if deviceID != "" {
		return s.deviceCost(ctx, deviceID, from, to)
	}

	total := &tariff.Breakdown{}
	priced := 0
	for _, dev := range s.registry.List() {
		b, err := s.deviceCost(ctx, dev.ID, from, to)
		if err != nil {
			// Devices with no data or no effective tariff contribute nothing.
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		total.EnergyCost = total.EnergyCost.Add(b.EnergyCost)
		total.DemandCost = total.DemandCost.Add(b.DemandCost)
		total.Total = total.Total.Add(b.Total)
		total.Currency = b.Currency
		total.Lines = append(total.Lines, b.Lines...)
		priced++
	}
	if priced == 0 {
		return nil, errors.New(errors.KindNotFound, "no rolled-up data for any device in range")
	}
	return total, nil
}

func (s *Service) deviceCost(ctx context.Context, deviceID string, from, to time.Time) (*tariff.Breakdown, error) {
	hours, err := s.store.QueryRollups(ctx, deviceID, types.BucketHour, from, to)
	if err != nil {
		return nil, err
	}
	if len(hours) == 0 {
		return nil, errors.Newf(errors.KindNotFound, "no rolled-up data for device %s in range", deviceID)
	}

	breakdown, err := timeseries.CostOfRollups(s.tariffs, hours)
	if err != nil {
		if err == tariff.ErrNoTariff {
			return nil, errors.Wrap(err, errors.KindNotFound, "no tariff effective for the requested period")
		}
		return nil, errors.Wrap(err, errors.KindInternal, "cost computation failed")
	}
	return breakdown, nil
}

// VerifyAudit re-hashes audit rows over a range and returns tampered ids.
func (s *Service) VerifyAudit(ctx context.Context, from, to time.Time) ([]string, error) {
	ids, err := s.audit.Verify(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "audit verification failed")
	}
	return ids, nil
}

func (s *Service) persistDevice(ctx context.Context, deviceID string) {
	dev, err := s.registry.Get(deviceID)
	if err != nil {
		return
	}
	if perr := s.devices.SaveDevice(ctx, dev); perr != nil {
		s.logger.WithError(perr).WithField("device_id", deviceID).Error("Failed to persist device")
	}
}

func (s *Service) deviceSnapshot(deviceID string) string {
	dev, err := s.registry.Get(deviceID)
	if err != nil {
		return ""
	}
	return snapshotJSON(dev)
}

func (s *Service) auditMutation(ctx context.Context, actor, action, resourceType, resourceID, before, after string, opErr error) {
	s.audit.Log(ctx, actor, action, resourceType, resourceID, before, after, opErr == nil)
}

func snapshotJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
