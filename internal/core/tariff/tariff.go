// Package tariff models electricity rate structures and prices energy
// timelines against them. All arithmetic uses decimals so repeated
// evaluation of the same inputs is bit-identical.
package tariff

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags the tariff variant.
type Kind string

const (
	KindFlat     Kind = "flat"
	KindTiered   Kind = "tiered"
	KindTOU      Kind = "time_of_use"
	KindSeasonal Kind = "seasonal"
	KindDemand   Kind = "demand"
)

// Tariff is a tagged rate structure. Exactly one variant field matching Kind
// is set. Prior tariffs are retained so historical buckets are always priced
// against the tariff active at their timestamps.
type Tariff struct {
	ID            string    `json:"id" yaml:"id"`
	Kind          Kind      `json:"kind" yaml:"kind"`
	Currency      string    `json:"currency" yaml:"currency"`
	EffectiveFrom time.Time `json:"effective_from" yaml:"effective_from"`
	// Timezone governs local-time decisions: TOU minute-of-day, seasonal
	// month selection, tiered month reset. Empty means UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	Flat     *Flat     `json:"flat,omitempty" yaml:"flat,omitempty"`
	Tiered   *Tiered   `json:"tiered,omitempty" yaml:"tiered,omitempty"`
	TOU      *TOU      `json:"tou,omitempty" yaml:"tou,omitempty"`
	Seasonal *Seasonal `json:"seasonal,omitempty" yaml:"seasonal,omitempty"`
	Demand   *Demand   `json:"demand,omitempty" yaml:"demand,omitempty"`
}

// Flat charges every kWh at one rate.
type Flat struct {
	RatePerKWh decimal.Decimal `json:"rate_per_kwh" yaml:"rate_per_kwh"`
}

// Tier is one cumulative-kWh band. CapKWh nil means unbounded and is only
// legal on the last tier.
type Tier struct {
	CapKWh *decimal.Decimal `json:"cap_kwh,omitempty" yaml:"cap_kwh,omitempty"`
	Rate   decimal.Decimal  `json:"rate" yaml:"rate"`
}

// Tiered apportions each billing month's kWh across cumulative caps. Tiers
// reset at the start of each calendar month in the tariff's zone.
type Tiered struct {
	Tiers []Tier `json:"tiers" yaml:"tiers"`
}

// TOURule prices intervals whose local day and minute-of-day fall inside it.
// Rules are matched in declared order; first match wins.
type TOURule struct {
	// DayMask has bit N set for time.Weekday N (Sunday = bit 0).
	DayMask     uint8           `json:"day_mask" yaml:"day_mask"`
	StartMinute int             `json:"start_minute" yaml:"start_minute"`
	EndMinute   int             `json:"end_minute" yaml:"end_minute"`
	Rate        decimal.Decimal `json:"rate" yaml:"rate"`
	Label       string          `json:"label,omitempty" yaml:"label,omitempty"`
}

// TOU is a time-of-use tariff.
type TOU struct {
	Rules []TOURule `json:"rules" yaml:"rules"`
}

// Season binds a sub-tariff to a set of months.
type Season struct {
	// MonthMask has bit M set for time.Month M (January = bit 1).
	MonthMask uint16  `json:"month_mask" yaml:"month_mask"`
	Tariff    *Tariff `json:"tariff" yaml:"tariff"`
}

// Seasonal selects a sub-tariff by the interval's local month.
type Seasonal struct {
	Seasons []Season `json:"seasons" yaml:"seasons"`
}

// Demand adds a per-kW charge on the billing-period peak to an energy
// sub-tariff.
type Demand struct {
	Energy          *Tariff         `json:"energy" yaml:"energy"`
	DemandRatePerKW decimal.Decimal `json:"demand_rate_per_kw" yaml:"demand_rate_per_kw"`
}

// WeekdayMask builds a DayMask from weekdays.
func WeekdayMask(days ...time.Weekday) uint8 {
	var mask uint8
	for _, d := range days {
		mask |= 1 << uint(d)
	}
	return mask
}

// MonthMask builds a month mask from months.
func MonthMask(months ...time.Month) uint16 {
	var mask uint16
	for _, m := range months {
		mask |= 1 << uint(m)
	}
	return mask
}

// AllDays covers every weekday.
const AllDays uint8 = 0x7F

// Location resolves the tariff's zone, defaulting to UTC.
func (t *Tariff) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate rejects structurally invalid tariffs at ingestion.
func (t *Tariff) Validate() error {
	if t.Currency == "" {
		return fmt.Errorf("tariff currency is required")
	}
	switch t.Kind {
	case KindFlat:
		if t.Flat == nil {
			return fmt.Errorf("flat tariff body is required")
		}
		if t.Flat.RatePerKWh.IsNegative() {
			return fmt.Errorf("flat rate must be non-negative")
		}
	case KindTiered:
		if t.Tiered == nil || len(t.Tiered.Tiers) == 0 {
			return fmt.Errorf("tiered tariff requires at least one tier")
		}
		prev := decimal.Zero
		for i, tier := range t.Tiered.Tiers {
			last := i == len(t.Tiered.Tiers)-1
			if tier.CapKWh == nil {
				if !last {
					return fmt.Errorf("tier %d: only the last tier may be unbounded", i)
				}
				continue
			}
			if last {
				return fmt.Errorf("last tier must be unbounded")
			}
			if !tier.CapKWh.GreaterThan(prev) {
				return fmt.Errorf("tier %d: caps must be strictly increasing", i)
			}
			prev = *tier.CapKWh
		}
	case KindTOU:
		if t.TOU == nil || len(t.TOU.Rules) == 0 {
			return fmt.Errorf("time-of-use tariff requires at least one rule")
		}
		for i, rule := range t.TOU.Rules {
			if rule.StartMinute < 0 || rule.StartMinute >= 1440 {
				return fmt.Errorf("tou rule %d: start_minute out of range", i)
			}
			if rule.EndMinute <= rule.StartMinute || rule.EndMinute > 1440 {
				return fmt.Errorf("tou rule %d: end_minute must be in (start_minute, 1440]", i)
			}
			if rule.DayMask == 0 {
				return fmt.Errorf("tou rule %d: day_mask is empty", i)
			}
		}
	case KindSeasonal:
		if t.Seasonal == nil || len(t.Seasonal.Seasons) == 0 {
			return fmt.Errorf("seasonal tariff requires at least one season")
		}
		for i, season := range t.Seasonal.Seasons {
			if season.MonthMask == 0 {
				return fmt.Errorf("season %d: month_mask is empty", i)
			}
			if season.Tariff == nil {
				return fmt.Errorf("season %d: sub-tariff is required", i)
			}
			if season.Tariff.Kind == KindSeasonal {
				return fmt.Errorf("season %d: seasonal tariffs do not nest", i)
			}
			sub := *season.Tariff
			sub.Currency = t.Currency
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("season %d: %w", i, err)
			}
		}
	case KindDemand:
		if t.Demand == nil || t.Demand.Energy == nil {
			return fmt.Errorf("demand tariff requires an energy sub-tariff")
		}
		if t.Demand.DemandRatePerKW.IsNegative() {
			return fmt.Errorf("demand rate must be non-negative")
		}
		if t.Demand.Energy.Kind == KindDemand {
			return fmt.Errorf("demand tariffs do not nest")
		}
		sub := *t.Demand.Energy
		sub.Currency = t.Currency
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("demand energy sub-tariff: %w", err)
		}
	default:
		return fmt.Errorf("unknown tariff kind %q", t.Kind)
	}
	return nil
}
