package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/config"
	"github.com/plugwatch/plugwatch-go/internal/core/alerts"
	"github.com/plugwatch/plugwatch-go/internal/core/audit"
	"github.com/plugwatch/plugwatch-go/internal/core/bus"
	"github.com/plugwatch/plugwatch-go/internal/core/discovery"
	"github.com/plugwatch/plugwatch-go/internal/core/driver"
	"github.com/plugwatch/plugwatch-go/internal/core/notify"
	"github.com/plugwatch/plugwatch-go/internal/core/poller"
	"github.com/plugwatch/plugwatch-go/internal/core/registry"
	"github.com/plugwatch/plugwatch-go/internal/core/schedule"
	"github.com/plugwatch/plugwatch-go/internal/core/service"
	"github.com/plugwatch/plugwatch-go/internal/core/tariff"
	"github.com/plugwatch/plugwatch-go/internal/core/timeseries"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/database"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
	"github.com/plugwatch/plugwatch-go/pkg/logger"
)

const shutdownGrace = 15 * time.Second

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(log, cfg.Logging.Level)

	loc := config.LoadLocation(cfg.Location.Timezone)
	m := metrics.New()

	db, err := database.Open(database.Config{
		Path:           cfg.Database.Path,
		MigrationsPath: cfg.Database.MigrationsPath,
		MaxConnections: cfg.Database.MaxConnections,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	readingRepo := database.NewReadingRepository(db)
	tariffRepo := database.NewTariffRepository(db)
	schedRepo := database.NewScheduleRepository(db)
	alertRepo := database.NewAlertRepository(db)
	auditRepo := database.NewAuditRepository(db)
	deviceRepo := database.NewDeviceRepository(db)

	ctx := context.Background()

	auditSvc := audit.NewService(auditRepo, log)

	tariffs, err := tariff.NewManager(ctx, tariffRepo, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load tariff history")
	}

	reg := registry.New(driver.NewHTTPDriver, log)
	restoreDevices(ctx, reg, deviceRepo, log)

	store := timeseries.NewService(timeseries.Config{
		RawRetentionDays:    cfg.Retention.RawDays,
		HourlyRetentionDays: cfg.Retention.HourlyDays,
		HourlyRollupMinute:  cfg.Retention.HourlyRollupMinute,
		CleanupBatchSize:    cfg.Retention.CleanupBatchSize,
		Location:            loc,
	}, readingRepo, tariffs, log, m)

	alertEngine := alerts.NewEngine(alertRepo, func(deviceID string) map[string]interface{} {
		dev, err := reg.Get(deviceID)
		if err != nil {
			return nil
		}
		return dev.Metadata()
	}, log, m)
	restoreAlertRules(ctx, alertEngine, alertRepo, log)

	dispatcher := notify.NewDispatcher(notify.Config{
		DeliveryTimeout: time.Duration(cfg.Notify.DeliveryTimeoutSecs) * time.Second,
		MaxRetries:      cfg.Notify.MaxRetries,
	}, log)
	if cfg.Notify.MQTT.Enabled {
		sink, err := notify.NewMQTTSink(notify.MQTTConfig{
			Broker:      cfg.Notify.MQTT.Broker,
			ClientID:    cfg.Notify.MQTT.ClientID,
			Username:    cfg.Notify.MQTT.Username,
			Password:    cfg.Notify.MQTT.Password,
			TopicPrefix: cfg.Notify.MQTT.TopicPrefix,
		})
		if err != nil {
			log.WithError(err).Error("MQTT sink unavailable, continuing without it")
		} else {
			dispatcher.Register(notify.Registration{Sink: sink})
		}
	}
	alertEngine.SetHandler(dispatcher.Dispatch)

	scheduler := schedule.NewEngine(schedule.Config{
		Tick:      time.Duration(cfg.Schedule.TickSeconds) * time.Second,
		Location:  loc,
		Latitude:  cfg.Location.Latitude,
		Longitude: cfg.Location.Longitude,
	}, reg, schedRepo, store.LatestFields, nil, log, m)
	restoreScheduleRules(ctx, scheduler, schedRepo, log)

	svc := service.New(reg, store, tariffs, scheduler, alertEngine, auditSvc,
		deviceRepo, schedRepo, alertRepo, log, m)

	if cfg.SeedFile != "" {
		applySeed(ctx, cfg.SeedFile, svc, log)
	}

	readingBus := bus.New(log, m)
	mustSubscribe(readingBus, "store", func(r *types.Reading) {
		if err := store.HandleReading(context.Background(), r); err != nil {
			log.WithError(err).WithField("device_id", r.DeviceID).Error("Failed to store reading")
		}
	}, log)
	mustSubscribe(readingBus, "alerts", alertEngine.HandleReading, log)

	poll := poller.New(poller.Config{
		Interval:         time.Duration(cfg.Polling.IntervalSeconds) * time.Second,
		Guard:            time.Duration(cfg.Polling.GuardSeconds) * time.Second,
		DriverTimeout:    time.Duration(cfg.Polling.DriverTimeoutSecs) * time.Second,
		WorkerPoolSize:   cfg.Polling.WorkerPoolSize,
		OfflineThreshold: cfg.Polling.OfflineThreshold,
	}, reg, readingBus, func(ev poller.DeviceEvent) {
		alertEngine.HandleDeviceEvent(string(ev.Kind), ev.DeviceID, ev.Timestamp)
	}, log, m)

	if err := store.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start time-series store")
	}
	poll.Start()
	scheduler.Start()

	var disco *discovery.Service
	if cfg.Discovery.Enabled {
		interval, _ := time.ParseDuration(cfg.Discovery.IntervalString)
		timeout, _ := time.ParseDuration(cfg.Discovery.TimeoutString)
		disco = discovery.NewService(discovery.Config{
			ServiceType: cfg.Discovery.ServiceType,
			Domain:      cfg.Discovery.Domain,
			Interval:    interval,
			Timeout:     timeout,
		}, reg, log)
		disco.Start()
	}

	archiver := audit.NewArchiver(auditSvc, cfg.Audit.ArchivePath, cfg.Audit.RetentionDays, cfg.Retention.CleanupBatchSize)
	stopArchive := startAuditArchive(archiver, log)

	metricsSrv := &http.Server{
		Addr:    ":9090",
		Handler: promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server failed")
		}
	}()

	log.Info("plugwatch started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("Shutting down")

	close(stopArchive)
	if disco != nil {
		disco.Stop()
	}
	poll.Stop(shutdownGrace)
	scheduler.Stop(shutdownGrace)
	readingBus.Close()
	store.Stop()
	dispatcher.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)

	log.Info("plugwatch stopped")
}

func mustSubscribe(b *bus.Bus, name string, h bus.Handler, log *logrus.Logger) {
	if err := b.Subscribe(name, h); err != nil {
		log.WithError(err).WithField("subscriber", name).Fatal("Failed to subscribe to reading bus")
	}
}

// restoreDevices reloads the persisted fleet into the registry. A device
// whose driver cannot be built is skipped, not fatal.
func restoreDevices(ctx context.Context, reg *registry.Registry, repo *database.DeviceRepository, log *logrus.Logger) {
	devices, err := repo.ListDevices(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load persisted devices")
		return
	}
	for _, dev := range devices {
		if dev.State == types.DeviceRemoved {
			continue
		}
		if _, err := reg.Add(*dev, nil); err != nil {
			log.WithError(err).WithField("device_id", dev.ID).Warn("Failed to restore device")
		}
	}
	if len(devices) > 0 {
		log.WithField("count", len(devices)).Info("Restored persisted devices")
	}
}

func restoreAlertRules(ctx context.Context, engine *alerts.Engine, repo *database.AlertRepository, log *logrus.Logger) {
	rules, err := repo.ListRules(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load persisted alert rules")
	}
	for _, rule := range rules {
		if _, err := engine.PutRule(rule); err != nil {
			log.WithError(err).WithField("rule_id", rule.ID).Warn("Failed to restore alert rule")
		}
	}

	sups, err := repo.ListSuppressions(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load persisted suppressions")
	}
	for _, sup := range sups {
		if _, err := engine.PutSuppression(sup); err != nil {
			log.WithError(err).WithField("suppression_id", sup.ID).Warn("Failed to restore suppression")
		}
	}
}

func restoreScheduleRules(ctx context.Context, engine *schedule.Engine, repo *database.ScheduleRepository, log *logrus.Logger) {
	rules, err := repo.ListRules(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load persisted schedule rules")
		return
	}
	for _, rule := range rules {
		if _, err := engine.PutRule(rule); err != nil {
			log.WithError(err).WithField("rule_id", rule.ID).Warn("Failed to restore schedule rule")
			continue
		}
		// Re-arm the firing guards from the last persisted execution, so a
		// restart inside the fire window does not fire the rule twice.
		execs, err := repo.ExecutionsForRule(ctx, rule.ID, 1)
		if err != nil {
			log.WithError(err).WithField("rule_id", rule.ID).Warn("Failed to load schedule executions")
			continue
		}
		if len(execs) > 0 {
			engine.RestoreExecution(rule.ID, execs[0].FiredAt, execs[0].Status == schedule.ExecSuccess)
		}
	}
}

// applySeed bootstraps devices, the tariff and rule sets from the seed file.
// The file is validated wholesale before anything is applied.
func applySeed(ctx context.Context, path string, svc *service.Service, log *logrus.Logger) {
	if len(svc.Devices()) > 0 || svc.ActiveTariff() != nil {
		log.Debug("Existing state found, skipping seed file")
		return
	}

	seed, err := config.LoadSeed(path)
	if err != nil {
		log.WithError(err).Error("Seed file rejected")
		return
	}

	const actor = "seed"
	for _, sd := range seed.Devices {
		var creds *driver.Credentials
		if sd.Username != "" {
			creds = &driver.Credentials{Username: sd.Username, Password: sd.Password}
		}
		id, err := svc.AddDevice(ctx, actor, types.Device{
			Address: sd.Address,
			Alias:   sd.Alias,
			Model:   sd.Model,
		}, creds)
		if err != nil {
			log.WithError(err).WithField("address", sd.Address).Warn("Failed to seed device")
			continue
		}
		if sd.Monitored {
			if err := svc.SetMonitored(ctx, actor, id, true); err != nil {
				log.WithError(err).WithField("device_id", id).Warn("Failed to monitor seeded device")
			}
		}
	}
	if seed.Tariff != nil {
		if err := svc.PutTariff(ctx, actor, seed.Tariff); err != nil {
			log.WithError(err).Warn("Failed to seed tariff")
		}
	}
	for _, rule := range seed.AlertRules {
		if _, err := svc.PutAlertRule(ctx, actor, rule); err != nil {
			log.WithError(err).WithField("rule", rule.Name).Warn("Failed to seed alert rule")
		}
	}
	for _, rule := range seed.ScheduleRules {
		if _, err := svc.PutScheduleRule(ctx, actor, rule); err != nil {
			log.WithError(err).WithField("rule", rule.Name).Warn("Failed to seed schedule rule")
		}
	}
	for _, sup := range seed.Suppressions {
		if _, err := svc.PutSuppression(ctx, actor, sup); err != nil {
			log.WithError(err).Warn("Failed to seed suppression")
		}
	}
	log.WithField("path", path).Info("Seed file applied")
}

// startAuditArchive runs the audit archiver daily until the returned channel
// is closed.
func startAuditArchive(archiver *audit.Archiver, log *logrus.Logger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				if err := archiver.Run(ctx); err != nil {
					log.WithError(err).Error("Audit archive pass failed")
				}
				cancel()
			}
		}
	}()
	return stop
}
