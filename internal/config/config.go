package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Retention RetentionConfig `mapstructure:"retention"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Location  LocationConfig  `mapstructure:"location"`
	SeedFile  string          `mapstructure:"seed_file"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type PollingConfig struct {
	IntervalSeconds   int `mapstructure:"interval_seconds"`
	WorkerPoolSize    int `mapstructure:"worker_pool_size"`
	DriverTimeoutSecs int `mapstructure:"driver_timeout_seconds"`
	GuardSeconds      int `mapstructure:"guard_seconds"`
	OfflineThreshold  int `mapstructure:"offline_threshold_consecutive_failures"`
}

type RetentionConfig struct {
	RawDays            int `mapstructure:"raw_days"`
	HourlyDays         int `mapstructure:"hourly_days"`
	HourlyRollupMinute int `mapstructure:"hourly_rollup_minute"`
	CleanupBatchSize   int `mapstructure:"cleanup_batch_size"`
}

type ScheduleConfig struct {
	TickSeconds int `mapstructure:"tick_seconds"`
}

type AlertsConfig struct {
	HistoryRetentionDays int `mapstructure:"history_retention_days"`
}

type DiscoveryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceType    string `mapstructure:"service_type"`
	Domain         string `mapstructure:"domain"`
	IntervalString string `mapstructure:"interval"`
	TimeoutString  string `mapstructure:"timeout"`
}

type NotifyConfig struct {
	DeliveryTimeoutSecs int        `mapstructure:"delivery_timeout_seconds"`
	MaxRetries          int        `mapstructure:"max_retries"`
	MQTT                MQTTConfig `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type AuditConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	ArchivePath   string `mapstructure:"archive_path"`
}

// LocationConfig carries the local timezone plus the coordinates solar
// triggers are computed against.
type LocationConfig struct {
	Timezone  string  `mapstructure:"timezone"`
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
}

// Load reads configuration from config.yaml (search path: ., ./configs,
// /etc/plugwatch) with environment variable overrides.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/plugwatch")

	viper.SetEnvPrefix("PLUGWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults and env cover everything.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects a bad configuration wholesale; nothing is partially
// applied.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Polling.IntervalSeconds < 1 {
		errs = append(errs, "polling.interval_seconds must be >= 1")
	}
	if c.Polling.DriverTimeoutSecs < 1 {
		errs = append(errs, "polling.driver_timeout_seconds must be >= 1")
	}
	if c.Polling.WorkerPoolSize < 1 {
		errs = append(errs, "polling.worker_pool_size must be >= 1")
	}
	if c.Schedule.TickSeconds < 1 {
		errs = append(errs, "schedule.tick_seconds must be >= 1")
	}
	if c.Retention.RawDays < 1 {
		errs = append(errs, "retention.raw_days must be >= 1")
	}
	if c.Retention.HourlyRollupMinute < 0 || c.Retention.HourlyRollupMinute > 59 {
		errs = append(errs, "retention.hourly_rollup_minute must be in 0..59")
	}
	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		errs = append(errs, "location.latitude must be in -90..90")
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		errs = append(errs, "location.longitude must be in -180..180")
	}
	if c.Notify.MQTT.Enabled && c.Notify.MQTT.Broker == "" {
		errs = append(errs, "notify.mqtt.broker is required when MQTT is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errs, "\n- "))
	}

	return nil
}

func defaultWorkerPoolSize() int {
	n := 4 * runtime.NumCPU()
	if n > 32 {
		n = 32
	}
	return n
}

func setDefaults() {
	// Database defaults
	viper.SetDefault("database.path", "./data/plugwatch.db")
	viper.SetDefault("database.migrations_path", "./migrations")
	viper.SetDefault("database.max_connections", 25)

	// Logging defaults
	viper.SetDefault("logging.level", "info")

	// Polling defaults
	viper.SetDefault("polling.interval_seconds", 30)
	viper.SetDefault("polling.worker_pool_size", defaultWorkerPoolSize())
	viper.SetDefault("polling.driver_timeout_seconds", 5)
	viper.SetDefault("polling.guard_seconds", 2)
	viper.SetDefault("polling.offline_threshold_consecutive_failures", 5)

	// Retention defaults
	viper.SetDefault("retention.raw_days", 7)
	viper.SetDefault("retention.hourly_days", 90)
	viper.SetDefault("retention.hourly_rollup_minute", 5)
	viper.SetDefault("retention.cleanup_batch_size", 500)

	// Schedule defaults
	viper.SetDefault("schedule.tick_seconds", 10)

	// Alerts defaults
	viper.SetDefault("alerts.history_retention_days", 365)

	// Discovery defaults
	viper.SetDefault("discovery.enabled", false)
	viper.SetDefault("discovery.service_type", "_plugwatch._tcp")
	viper.SetDefault("discovery.domain", "local.")
	viper.SetDefault("discovery.interval", "5m")
	viper.SetDefault("discovery.timeout", "30s")

	// Notify defaults
	viper.SetDefault("notify.delivery_timeout_seconds", 30)
	viper.SetDefault("notify.max_retries", 3)
	viper.SetDefault("notify.mqtt.enabled", false)
	viper.SetDefault("notify.mqtt.client_id", "plugwatch")
	viper.SetDefault("notify.mqtt.topic_prefix", "plugwatch")

	// Audit defaults
	viper.SetDefault("audit.retention_days", 90)
	viper.SetDefault("audit.archive_path", "./data/audit-archive")

	// Location defaults
	viper.SetDefault("location.timezone", "UTC")
	viper.SetDefault("location.latitude", 0.0)
	viper.SetDefault("location.longitude", 0.0)
}
