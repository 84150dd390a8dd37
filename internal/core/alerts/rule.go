package alerts

import (
	"fmt"
	"time"
)

// Severity orders alerts from informational to emergency.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityEmergency
)

var severityNames = map[Severity]string{
	SeverityInfo:      "info",
	SeverityWarning:   "warning",
	SeverityError:     "error",
	SeverityCritical:  "critical",
	SeverityEmergency: "emergency",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity resolves a severity name.
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", name)
}

// Rule is a declarative predicate over readings. The predicate must hold at
// least TriggerCount times within WindowSeconds before an alert is raised;
// CooldownSeconds then gates the next one.
type Rule struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Severity        Severity `json:"severity" yaml:"severity"`
	Category        string   `json:"category" yaml:"category"`
	Clauses         []Clause `json:"clauses" yaml:"clauses"`
	TriggerCount    int      `json:"trigger_count" yaml:"trigger_count"`
	WindowSeconds   int      `json:"window_seconds" yaml:"window_seconds"`
	CooldownSeconds int      `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	// Title and Message are templates for the raised alert; empty values get
	// a generated default.
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Validate rejects malformed rules at ingestion.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Clauses) == 0 {
		return fmt.Errorf("rule %s: at least one clause is required", r.Name)
	}
	if r.TriggerCount < 1 {
		return fmt.Errorf("rule %s: trigger_count must be >= 1", r.Name)
	}
	if r.WindowSeconds < 1 {
		return fmt.Errorf("rule %s: window_seconds must be >= 1", r.Name)
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("rule %s: cooldown_seconds must be >= 0", r.Name)
	}
	for i := range r.Clauses {
		if err := r.Clauses[i].Validate(); err != nil {
			return fmt.Errorf("rule %s clause %d: %w", r.Name, i, err)
		}
	}
	return nil
}

// State tracks an alert instance's lifecycle.
type State string

const (
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
	StateResolved     State = "resolved"
	StateSuppressed   State = "suppressed"
)

// Alert is one raised instance of a rule.
type Alert struct {
	ID        string                 `json:"id" db:"id"`
	RuleID    string                 `json:"rule_id" db:"rule_id"`
	RuleName  string                 `json:"rule_name" db:"rule_name"`
	Severity  Severity               `json:"severity" db:"severity"`
	Category  string                 `json:"category" db:"category"`
	State     State                  `json:"state" db:"state"`
	Title     string                 `json:"title" db:"title"`
	Message   string                 `json:"message" db:"message"`
	Source    string                 `json:"source" db:"source"`
	Snapshot  map[string]interface{} `json:"snapshot"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// HistoryEntry is one append-only lifecycle transition of an alert.
type HistoryEntry struct {
	AlertID   string    `json:"alert_id" db:"alert_id"`
	Event     string    `json:"event" db:"event"`
	Actor     string    `json:"actor,omitempty" db:"actor"`
	Note      string    `json:"note,omitempty" db:"note"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Suppression blocks alert creation for matching rules over its interval.
// Nil/empty selector fields match everything; a zero severity_max leaves the
// range open at the top.
type Suppression struct {
	ID          string    `json:"id" yaml:"id"`
	RulePattern string    `json:"rule_pattern,omitempty" yaml:"rule_pattern,omitempty"`
	Category    string    `json:"category,omitempty" yaml:"category,omitempty"`
	SeverityMin Severity  `json:"severity_min" yaml:"severity_min"`
	SeverityMax Severity  `json:"severity_max,omitempty" yaml:"severity_max,omitempty"`
	Start       time.Time `json:"start" yaml:"start"`
	End         time.Time `json:"end" yaml:"end"`
	Reason      string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Validate rejects malformed suppressions at ingestion.
func (s *Suppression) Validate() error {
	if !s.End.After(s.Start) {
		return fmt.Errorf("suppression end must be after start")
	}
	if s.SeverityMax != SeverityInfo && s.SeverityMax < s.SeverityMin {
		return fmt.Errorf("suppression severity_max must be >= severity_min")
	}
	return nil
}

// Matches reports whether this suppression covers the rule at the given
// instant.
func (s *Suppression) Matches(rule *Rule, now time.Time) bool {
	if now.Before(s.Start) || !now.Before(s.End) {
		return false
	}
	if s.RulePattern != "" && !globMatch(s.RulePattern, rule.Name) {
		return false
	}
	if s.Category != "" && s.Category != rule.Category {
		return false
	}
	if rule.Severity < s.SeverityMin {
		return false
	}
	// SeverityInfo is the zero value; an unset max does not cap the range.
	if s.SeverityMax != SeverityInfo && rule.Severity > s.SeverityMax {
		return false
	}
	return true
}
