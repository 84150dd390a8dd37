// Package alerts evaluates predicate rules over the reading stream, applies
// windowed trigger counts, suppressions and cooldowns, and hands raised
// alerts to the notifier dispatch.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
)

// Repository persists alerts and their append-only history. A nil repository
// keeps everything in memory only.
type Repository interface {
	SaveAlert(ctx context.Context, a *Alert) error
	UpdateAlertState(ctx context.Context, id string, state State) error
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
}

// MetadataFunc resolves the device metadata joined onto each reading before
// predicate evaluation.
type MetadataFunc func(deviceID string) map[string]interface{}

// AlertHandler receives each newly created alert; the notifier dispatch
// registers here.
type AlertHandler func(*Alert)

// ruleState is the per-rule sliding window and cooldown.
type ruleState struct {
	mu            sync.Mutex
	window        []time.Time
	cooldownUntil time.Time
	warned        map[string]bool
}

// Engine is the alert evaluation engine.
type Engine struct {
	rules        atomic.Pointer[[]*Rule]
	suppressions atomic.Pointer[[]*Suppression]

	mu     sync.Mutex // guards mutations of rules/suppressions and states
	states map[string]*ruleState
	active map[string]*Alert

	suppressedCount atomic.Uint64

	metadata MetadataFunc
	handler  AlertHandler
	repo     Repository
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	// now is replaceable for tests.
	now func() time.Time
}

// NewEngine creates an alert engine. metadata and repo may be nil.
func NewEngine(repo Repository, metadata MetadataFunc, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		states:   make(map[string]*ruleState),
		active:   make(map[string]*Alert),
		metadata: metadata,
		repo:     repo,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
	empty := make([]*Rule, 0)
	e.rules.Store(&empty)
	emptySup := make([]*Suppression, 0)
	e.suppressions.Store(&emptySup)
	return e
}

// SetHandler registers the downstream alert consumer.
func (e *Engine) SetHandler(h AlertHandler) {
	e.handler = h
}

// PutRule validates and installs a rule; an existing rule with the same id is
// replaced. Rule sets are copy-on-write so in-flight evaluation keeps its
// snapshot.
func (e *Engine) PutRule(rule *Rule) (string, error) {
	if err := rule.Validate(); err != nil {
		return "", err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.rules.Load()
	next := make([]*Rule, 0, len(current)+1)
	for _, r := range current {
		if r.ID != rule.ID {
			next = append(next, r)
		}
	}
	next = append(next, rule)
	e.rules.Store(&next)

	if _, ok := e.states[rule.ID]; !ok {
		e.states[rule.ID] = &ruleState{warned: make(map[string]bool)}
	}

	e.logger.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"severity":  rule.Severity.String(),
	}).Info("Alert rule installed")
	return rule.ID, nil
}

// DeleteRule removes a rule and its evaluation state.
func (e *Engine) DeleteRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.rules.Load()
	next := make([]*Rule, 0, len(current))
	found := false
	for _, r := range current {
		if r.ID == id {
			found = true
			continue
		}
		next = append(next, r)
	}
	if !found {
		return fmt.Errorf("alert rule %s not found", id)
	}
	e.rules.Store(&next)
	delete(e.states, id)
	return nil
}

// Rules returns the current rule snapshot.
func (e *Engine) Rules() []*Rule {
	return *e.rules.Load()
}

// PutSuppression validates and installs a suppression window.
func (e *Engine) PutSuppression(s *Suppression) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.suppressions.Load()
	next := make([]*Suppression, 0, len(current)+1)
	for _, existing := range current {
		if existing.ID != s.ID {
			next = append(next, existing)
		}
	}
	next = append(next, s)
	e.suppressions.Store(&next)
	return s.ID, nil
}

// DeleteSuppression removes a suppression window.
func (e *Engine) DeleteSuppression(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.suppressions.Load()
	next := make([]*Suppression, 0, len(current))
	found := false
	for _, s := range current {
		if s.ID == id {
			found = true
			continue
		}
		next = append(next, s)
	}
	if !found {
		return fmt.Errorf("suppression %s not found", id)
	}
	e.suppressions.Store(&next)
	return nil
}

// SuppressedCount reports how many rule matches suppressions have swallowed.
func (e *Engine) SuppressedCount() uint64 {
	return e.suppressedCount.Load()
}

// HandleReading evaluates every enabled rule against one reading. This is the
// bus subscriber entry point; a failing rule never impairs the others.
func (e *Engine) HandleReading(r *types.Reading) {
	fields := r.Fields()
	if e.metadata != nil {
		if meta := e.metadata(r.DeviceID); meta != nil {
			fields["device"] = meta
		}
	}

	now := e.now()
	for _, rule := range *e.rules.Load() {
		if !rule.Enabled {
			continue
		}
		e.evaluateRule(rule, fields, r.DeviceID, now)
	}
}

// HandleDeviceEvent turns poller offline/online edges into alerts in the
// availability category, honoring suppressions like any rule match.
func (e *Engine) HandleDeviceEvent(kind, deviceID string, ts time.Time) {
	severity := SeverityWarning
	title := fmt.Sprintf("Device %s offline", deviceID)
	if kind == "device_online" {
		severity = SeverityInfo
		title = fmt.Sprintf("Device %s back online", deviceID)
	}

	pseudo := &Rule{
		ID:       "availability:" + kind,
		Name:     kind,
		Severity: severity,
		Category: "availability",
	}
	if e.isSuppressed(pseudo, ts) {
		e.suppressedCount.Add(1)
		e.metrics.AlertsSuppressed.Inc()
		return
	}

	e.raise(pseudo, title, title, deviceID, map[string]interface{}{
		"event":     kind,
		"device_id": deviceID,
		"timestamp": ts,
	})
}

func (e *Engine) evaluateRule(rule *Rule, fields map[string]interface{}, source string, now time.Time) {
	state := e.stateFor(rule.ID)

	warn := func(reason string) {
		state.mu.Lock()
		seen := state.warned[reason]
		if !seen {
			state.warned[reason] = true
		}
		state.mu.Unlock()
		if !seen {
			e.logger.WithFields(logrus.Fields{
				"rule_id":   rule.ID,
				"rule_name": rule.Name,
				"reason":    reason,
			}).Debug("Predicate evaluation degraded to false")
		}
	}

	for i := range rule.Clauses {
		if !rule.Clauses[i].Evaluate(fields, warn) {
			return
		}
	}

	if e.isSuppressed(rule, now) {
		e.suppressedCount.Add(1)
		e.metrics.AlertsSuppressed.Inc()
		return
	}

	state.mu.Lock()
	// Slide the window, append this match, and decide under one lock so
	// concurrent readings cannot double-fire the rule.
	cutoff := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)
	kept := state.window[:0]
	for _, ts := range state.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	state.window = append(kept, now)

	fire := len(state.window) >= rule.TriggerCount && !now.Before(state.cooldownUntil)
	if fire {
		state.cooldownUntil = now.Add(time.Duration(rule.CooldownSeconds) * time.Second)
		state.window = state.window[:0]
	}
	state.mu.Unlock()

	if !fire {
		return
	}

	title := rule.Title
	if title == "" {
		title = fmt.Sprintf("[%s] %s", rule.Severity.String(), rule.Name)
	}
	message := rule.Message
	if message == "" {
		message = fmt.Sprintf("Rule %q matched %d time(s) within %ds", rule.Name, rule.TriggerCount, rule.WindowSeconds)
	}

	e.raise(rule, title, message, source, fields)
}

func (e *Engine) raise(rule *Rule, title, message, source string, snapshot map[string]interface{}) {
	alert := &Alert{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		Category:  rule.Category,
		State:     StateActive,
		Title:     title,
		Message:   message,
		Source:    source,
		Snapshot:  snapshot,
		CreatedAt: e.now().UTC(),
	}

	e.mu.Lock()
	e.active[alert.ID] = alert
	e.mu.Unlock()

	ctx := context.Background()
	if e.repo != nil {
		if err := e.repo.SaveAlert(ctx, alert); err != nil {
			e.logger.WithError(err).WithField("alert_id", alert.ID).Error("Failed to persist alert")
		}
		e.appendHistory(ctx, alert.ID, "triggered", "", "")
	}

	e.metrics.AlertsCreated.WithLabelValues(alert.Severity.String()).Inc()
	e.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"rule":     rule.Name,
		"severity": alert.Severity.String(),
		"source":   source,
	}).Info("Alert raised")

	// Escalation hook: external policies subscribe via the same handler.
	if e.handler != nil {
		e.handler(alert)
	}
}

// Acknowledge transitions an active alert to acknowledged, recording the
// actor.
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor, note string) error {
	return e.transition(ctx, alertID, StateActive, StateAcknowledged, "acknowledged", actor, note)
}

// Resolve closes an alert from the active or acknowledged state.
func (e *Engine) Resolve(ctx context.Context, alertID, actor, note string) error {
	e.mu.Lock()
	alert, ok := e.active[alertID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("alert %s not found", alertID)
	}
	if alert.State != StateActive && alert.State != StateAcknowledged {
		return fmt.Errorf("alert %s cannot be resolved from state %s", alertID, alert.State)
	}
	return e.applyTransition(ctx, alert, StateResolved, "resolved", actor, note)
}

func (e *Engine) transition(ctx context.Context, alertID string, from, to State, event, actor, note string) error {
	e.mu.Lock()
	alert, ok := e.active[alertID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("alert %s not found", alertID)
	}
	if alert.State != from {
		return fmt.Errorf("alert %s is %s, expected %s", alertID, alert.State, from)
	}
	return e.applyTransition(ctx, alert, to, event, actor, note)
}

func (e *Engine) applyTransition(ctx context.Context, alert *Alert, to State, event, actor, note string) error {
	e.mu.Lock()
	alert.State = to
	e.mu.Unlock()

	if e.repo != nil {
		if err := e.repo.UpdateAlertState(ctx, alert.ID, to); err != nil {
			return err
		}
		e.appendHistory(ctx, alert.ID, event, actor, note)
	}
	return nil
}

// Get returns an alert the engine knows about.
func (e *Engine) Get(alertID string) (*Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[alertID]
	return a, ok
}

func (e *Engine) isSuppressed(rule *Rule, now time.Time) bool {
	for _, s := range *e.suppressions.Load() {
		if s.Matches(rule, now) {
			return true
		}
	}
	return false
}

func (e *Engine) stateFor(ruleID string) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[ruleID]
	if !ok {
		state = &ruleState{warned: make(map[string]bool)}
		e.states[ruleID] = state
	}
	return state
}

func (e *Engine) appendHistory(ctx context.Context, alertID, event, actor, note string) {
	entry := &HistoryEntry{
		AlertID:   alertID,
		Event:     event,
		Actor:     actor,
		Note:      note,
		Timestamp: e.now().UTC(),
	}
	if err := e.repo.AppendHistory(ctx, entry); err != nil {
		e.logger.WithError(err).WithField("alert_id", alertID).Error("Failed to append alert history")
	}
}
