package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/plugwatch/plugwatch-go/internal/core/alerts"
	"github.com/plugwatch/plugwatch-go/internal/core/schedule"
	"github.com/plugwatch/plugwatch-go/internal/core/tariff"
)

// SeedDevice bootstraps one plug into the registry at startup.
type SeedDevice struct {
	Address   string `yaml:"address"`
	Alias     string `yaml:"alias"`
	Model     string `yaml:"model"`
	Monitored bool   `yaml:"monitored"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Seed is the optional bootstrap file: devices, the initial tariff and rule
// sets, applied once at startup on an empty database.
type Seed struct {
	Devices       []SeedDevice          `yaml:"devices"`
	Tariff        *tariff.Tariff        `yaml:"tariff"`
	AlertRules    []*alerts.Rule        `yaml:"alert_rules"`
	ScheduleRules []*schedule.Rule      `yaml:"schedule_rules"`
	Suppressions  []*alerts.Suppression `yaml:"suppressions"`
}

// LoadSeed parses and validates a seed file. Validation is all-or-nothing: a
// single bad entry rejects the whole file so a half-applied bootstrap can
// never happen.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	var errs []string
	for i, d := range seed.Devices {
		if d.Address == "" {
			errs = append(errs, fmt.Sprintf("device %d: address is required", i))
		}
	}
	if seed.Tariff != nil {
		if err := seed.Tariff.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("tariff: %v", err))
		}
	}
	for i, r := range seed.AlertRules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("alert rule %d: %v", i, err))
		}
	}
	for i, r := range seed.ScheduleRules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("schedule rule %d: %v", i, err))
		}
	}
	for i, s := range seed.Suppressions {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("suppression %d: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("seed file validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return &seed, nil
}
