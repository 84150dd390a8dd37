package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plugwatch/plugwatch-go/internal/core/alerts"
)

// TriggerKind tags the three trigger variants.
type TriggerKind string

const (
	TriggerAt    TriggerKind = "at"
	TriggerCron  TriggerKind = "cron"
	TriggerSolar TriggerKind = "solar"
)

// SolarKind names the solar events a trigger can anchor to.
type SolarKind string

const (
	SolarSunrise   SolarKind = "sunrise"
	SolarSunset    SolarKind = "sunset"
	SolarCivilDawn SolarKind = "civil_dawn"
	SolarCivilDusk SolarKind = "civil_dusk"
)

// Trigger describes when a rule should fire. Exactly one variant is used,
// selected by Kind.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`

	// At variant: local time of day plus a day-of-week mask (Sunday = bit 0).
	Time    string `json:"time,omitempty" yaml:"time,omitempty"` // "15:04"
	DayMask uint8  `json:"day_mask,omitempty" yaml:"day_mask,omitempty"`

	// Cron variant.
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`

	// Solar variant.
	Solar         SolarKind `json:"solar,omitempty" yaml:"solar,omitempty"`
	OffsetMinutes int       `json:"offset_minutes,omitempty" yaml:"offset_minutes,omitempty"`

	// Timezone applies to At and Cron triggers; empty means the engine's
	// local zone.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// ActionKind tags the device operation a rule performs.
type ActionKind string

const (
	ActionTurnOn        ActionKind = "turn_on"
	ActionTurnOff       ActionKind = "turn_off"
	ActionToggle        ActionKind = "toggle"
	ActionSetBrightness ActionKind = "set_brightness"
	ActionSetColor      ActionKind = "set_color"
	ActionScene         ActionKind = "scene"
)

// Action is the operation dispatched to each target device.
type Action struct {
	Kind       ActionKind `json:"kind" yaml:"kind"`
	Brightness int        `json:"brightness,omitempty" yaml:"brightness,omitempty"`
	Hue        int        `json:"hue,omitempty" yaml:"hue,omitempty"`
	Saturation int        `json:"saturation,omitempty" yaml:"saturation,omitempty"`
	Value      int        `json:"value,omitempty" yaml:"value,omitempty"`
	SceneID    string     `json:"scene_id,omitempty" yaml:"scene_id,omitempty"`
}

// RetryPolicy bounds transient-error retries of an action. Backoff is 5·n
// seconds for attempt n, capped at one minute.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// Rule is one declarative schedule entry.
type Rule struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Trigger  Trigger `json:"trigger" yaml:"trigger"`
	Action   Action  `json:"action" yaml:"action"`
	DeviceID []string `json:"device_ids" yaml:"device_ids"`
	GroupID  string  `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	// Predicates are AND-composed over each target device's latest reading;
	// any failure keeps the whole rule from firing (no cooldown armed).
	Predicates      []alerts.Clause `json:"predicates,omitempty" yaml:"predicates,omitempty"`
	RandomDelayMaxS int             `json:"random_delay_max_s" yaml:"random_delay_max_s"`
	Retry           RetryPolicy     `json:"retry" yaml:"retry"`
	ValidFrom       time.Time       `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil      time.Time       `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	CooldownSeconds int             `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	Priority        int             `json:"priority" yaml:"priority"`
	Enabled         bool            `json:"enabled" yaml:"enabled"`
}

// Validate rejects malformed rules at ingestion.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("schedule rule name is required")
	}
	if len(r.DeviceID) == 0 && r.GroupID == "" {
		return fmt.Errorf("rule %s: a target device list or group is required", r.Name)
	}

	switch r.Trigger.Kind {
	case TriggerAt:
		if _, err := time.Parse("15:04", r.Trigger.Time); err != nil {
			return fmt.Errorf("rule %s: invalid time %q", r.Name, r.Trigger.Time)
		}
		if r.Trigger.DayMask == 0 {
			return fmt.Errorf("rule %s: day_mask is empty", r.Name)
		}
	case TriggerCron:
		if _, err := cron.ParseStandard(r.Trigger.Cron); err != nil {
			return fmt.Errorf("rule %s: invalid cron expression %q: %w", r.Name, r.Trigger.Cron, err)
		}
	case TriggerSolar:
		switch r.Trigger.Solar {
		case SolarSunrise, SolarSunset, SolarCivilDawn, SolarCivilDusk:
		default:
			return fmt.Errorf("rule %s: unknown solar event %q", r.Name, r.Trigger.Solar)
		}
	default:
		return fmt.Errorf("rule %s: unknown trigger kind %q", r.Name, r.Trigger.Kind)
	}

	switch r.Action.Kind {
	case ActionTurnOn, ActionTurnOff, ActionToggle, ActionScene:
	case ActionSetBrightness:
		if r.Action.Brightness < 0 || r.Action.Brightness > 100 {
			return fmt.Errorf("rule %s: brightness out of range", r.Name)
		}
	case ActionSetColor:
	default:
		return fmt.Errorf("rule %s: unknown action kind %q", r.Name, r.Action.Kind)
	}

	for i := range r.Predicates {
		if err := r.Predicates[i].Validate(); err != nil {
			return fmt.Errorf("rule %s predicate %d: %w", r.Name, i, err)
		}
	}

	if r.RandomDelayMaxS < 0 {
		return fmt.Errorf("rule %s: random_delay_max_s must be >= 0", r.Name)
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("rule %s: cooldown_seconds must be >= 0", r.Name)
	}
	if !r.ValidFrom.IsZero() && !r.ValidUntil.IsZero() && !r.ValidUntil.After(r.ValidFrom) {
		return fmt.Errorf("rule %s: validity window is empty", r.Name)
	}
	return nil
}

// withinValidity reports whether now falls inside the rule's validity window.
func (r *Rule) withinValidity(now time.Time) bool {
	if !r.ValidFrom.IsZero() && now.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidUntil.IsZero() && !now.Before(r.ValidUntil) {
		return false
	}
	return true
}

// ExecutionStatus is the recorded outcome of one rule firing on one device.
type ExecutionStatus string

const (
	ExecSuccess              ExecutionStatus = "success"
	ExecFailed               ExecutionStatus = "failed"
	ExecSuppressedByConflict ExecutionStatus = "suppressed_by_conflict"
)

// Execution is one row of a rule's firing history, keyed by rule id.
type Execution struct {
	ID       string          `json:"id" db:"id"`
	RuleID   string          `json:"rule_id" db:"rule_id"`
	DeviceID string          `json:"device_id" db:"device_id"`
	FiredAt  time.Time       `json:"fired_at" db:"fired_at"`
	Status   ExecutionStatus `json:"status" db:"status"`
	Attempts int             `json:"attempts" db:"attempts"`
	Error    string          `json:"error,omitempty" db:"error"`
}

// Conflict records two rules that can fire in the same minute against an
// overlapping device set. Conflicts are recorded, never rejected; the
// higher-priority rule wins when they coincide.
type Conflict struct {
	RuleA      string    `json:"rule_a"`
	RuleB      string    `json:"rule_b"`
	DetectedAt time.Time `json:"detected_at"`
}
