// Package schedule fires device actions on wall-clock, cron and solar
// triggers. One cooperative loop ticks on a fixed cadence; rule sets are
// copy-on-write so operator mutations never race a tick in progress.
package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/plugwatch/plugwatch-go/internal/core/driver"
	"github.com/plugwatch/plugwatch-go/internal/core/registry"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
)

const (
	// fireWindow is the tolerance around a trigger's expected time; the
	// guard below keeps the 10 s tick from firing twice inside it.
	fireWindow = 60 * time.Second
	idemGuard  = 55 * time.Second

	backoffStep = 5 * time.Second
	backoffCap  = time.Minute

	conflictHorizon = 7 * 24 * time.Hour
)

// Repository persists rule firing history, keyed by rule id.
type Repository interface {
	SaveExecution(ctx context.Context, e *Execution) error
}

// LatestFunc resolves the most recent reading fields for a device, for
// predicate evaluation.
type LatestFunc func(deviceID string) (map[string]interface{}, bool)

// GroupFunc expands a group id into device ids.
type GroupFunc func(groupID string) []string

// Config carries the engine's tunables.
type Config struct {
	Tick      time.Duration
	Location  *time.Location
	Latitude  float64
	Longitude float64
}

// Engine is the schedule engine.
type Engine struct {
	cfg   Config
	rules atomic.Pointer[[]*Rule]

	mu        sync.Mutex
	lastExec  map[string]time.Time // any dispatch, drives the 55 s guard
	lastFire  map[string]time.Time // successful fire, drives cooldown
	conflicts []Conflict

	registry *registry.Registry
	repo     Repository
	latest   LatestFunc
	groups   GroupFunc
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	// now and sleeper are replaceable for tests.
	now   func() time.Time
	sleep func(time.Duration)

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a schedule engine. repo, latest and groups may be nil.
func NewEngine(cfg Config, reg *registry.Registry, repo Repository, latest LatestFunc, groups GroupFunc, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	if cfg.Tick < time.Second {
		cfg.Tick = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &Engine{
		cfg:      cfg,
		lastExec: make(map[string]time.Time),
		lastFire: make(map[string]time.Time),
		registry: reg,
		repo:     repo,
		latest:   latest,
		groups:   groups,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	empty := make([]*Rule, 0)
	e.rules.Store(&empty)
	return e
}

// Start launches the tick loop.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.loop(ctx)
	e.logger.WithField("tick", e.cfg.Tick).Info("Schedule engine started")
}

// Stop cancels the loop and drains in-flight dispatches within the grace
// period.
func (e *Engine) Stop(grace time.Duration) {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		e.logger.Info("Schedule engine stopped")
	case <-time.After(grace):
		e.logger.Warn("Schedule engine stop grace period elapsed with dispatches in flight")
	}
}

// PutRule validates and installs a rule, recording (not rejecting) conflicts
// with existing rules. Returns the rule id.
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

	for _, other := range next {
		if e.rulesConflict(rule, other) {
			e.conflicts = append(e.conflicts, Conflict{
				RuleA:      rule.ID,
				RuleB:      other.ID,
				DetectedAt: e.now().UTC(),
			})
			e.logger.WithFields(logrus.Fields{
				"rule":  rule.Name,
				"other": other.Name,
			}).Warn("Schedule rules can fire in the same minute on an overlapping device set")
		}
	}

	next = append(next, rule)
	e.rules.Store(&next)

	e.logger.WithFields(logrus.Fields{
		"rule_id": rule.ID,
		"name":    rule.Name,
		"trigger": rule.Trigger.Kind,
	}).Info("Schedule rule installed")
	return rule.ID, nil
}

// DeleteRule removes a rule.
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
		return fmt.Errorf("schedule rule %s not found", id)
	}
	e.rules.Store(&next)
	delete(e.lastExec, id)
	delete(e.lastFire, id)
	return nil
}

// RestoreExecution seeds the firing guards from a persisted execution, so a
// restart inside the fire window does not re-fire a rule that already ran.
// Successful executions arm the cooldown as well.
func (e *Engine) RestoreExecution(ruleID string, firedAt time.Time, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastExec[ruleID]; !ok || firedAt.After(last) {
		e.lastExec[ruleID] = firedAt
	}
	if success {
		if last, ok := e.lastFire[ruleID]; !ok || firedAt.After(last) {
			e.lastFire[ruleID] = firedAt
		}
	}
}

// Rules returns the current rule snapshot.
func (e *Engine) Rules() []*Rule {
	return *e.rules.Load()
}

// Conflicts returns all recorded rule conflicts.
func (e *Engine) Conflicts() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conflict, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one firing pass. Exposed so tests can drive the engine with a
// synthetic clock.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()
	snapshot := *e.rules.Load()

	var due []*Rule
	for _, rule := range snapshot {
		if e.isDue(rule, now) {
			due = append(due, rule)
		}
	}
	if len(due) == 0 {
		return
	}

	winners, losers := resolveContention(due, e.expandTargets)

	for _, rule := range losers {
		e.mu.Lock()
		e.lastExec[rule.ID] = now
		e.mu.Unlock()
		e.recordExecution(ctx, &Execution{
			ID:      uuid.NewString(),
			RuleID:  rule.ID,
			FiredAt: now.UTC(),
			Status:  ExecSuppressedByConflict,
		})
		e.metrics.ScheduleFirings.WithLabelValues(string(ExecSuppressedByConflict)).Inc()
		e.logger.WithField("rule", rule.Name).Info("Schedule rule suppressed by higher-priority conflict")
	}

	for _, rule := range winners {
		if !e.predicatesHold(rule) {
			// Predicate failure: no cooldown armed, the rule may fire on a
			// later trigger instance.
			continue
		}

		e.mu.Lock()
		e.lastExec[rule.ID] = now
		e.mu.Unlock()

		rule := rule
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatch(ctx, rule, now)
		}()
	}
}

// isDue applies the firing decision: enabled, inside validity, off cooldown,
// expected trigger time within the fire window, and the idempotence guard.
func (e *Engine) isDue(rule *Rule, now time.Time) bool {
	if !rule.Enabled || !rule.withinValidity(now) {
		return false
	}

	e.mu.Lock()
	lastFire, fired := e.lastFire[rule.ID]
	lastExec, executed := e.lastExec[rule.ID]
	e.mu.Unlock()

	if fired && rule.CooldownSeconds > 0 {
		if now.Before(lastFire.Add(time.Duration(rule.CooldownSeconds) * time.Second)) {
			return false
		}
	}

	expected := e.expectedFireTime(rule, now)
	if expected.IsZero() {
		return false
	}
	diff := now.Sub(expected)
	if diff < 0 {
		diff = -diff
	}
	if diff >= fireWindow {
		return false
	}

	// Idempotence guard: a 10 s tick samples a 60 s window several times.
	if executed && now.Sub(lastExec) < idemGuard {
		return false
	}
	return true
}

// expectedFireTime computes the trigger occurrence nearest to now.
func (e *Engine) expectedFireTime(rule *Rule, now time.Time) time.Time {
	loc := e.cfg.Location
	if rule.Trigger.Timezone != "" {
		if l, err := time.LoadLocation(rule.Trigger.Timezone); err == nil {
			loc = l
		}
	}

	switch rule.Trigger.Kind {
	case TriggerAt:
		local := now.In(loc)
		if rule.Trigger.DayMask&(1<<uint(local.Weekday())) == 0 {
			return time.Time{}
		}
		t, err := time.Parse("15:04", rule.Trigger.Time)
		if err != nil {
			return time.Time{}
		}
		return time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)

	case TriggerCron:
		sched, err := cron.ParseStandard(rule.Trigger.Cron)
		if err != nil {
			return time.Time{}
		}
		// The occurrence inside the window, if any: the first firing after
		// (now - window) is either just past or just ahead.
		return sched.Next(now.In(loc).Add(-fireWindow))

	case TriggerSolar:
		event := solarEventTime(rule.Trigger.Solar, e.cfg.Latitude, e.cfg.Longitude, now.In(loc))
		if event.IsZero() {
			return time.Time{}
		}
		return event.Add(time.Duration(rule.Trigger.OffsetMinutes) * time.Minute)
	}
	return time.Time{}
}

// predicatesHold evaluates the rule's predicates against each target
// device's latest reading. Missing data or a failing clause keeps the rule
// from firing.
func (e *Engine) predicatesHold(rule *Rule) bool {
	if len(rule.Predicates) == 0 {
		return true
	}
	if e.latest == nil {
		return false
	}

	warn := func(reason string) {
		e.logger.WithFields(logrus.Fields{
			"rule":   rule.Name,
			"reason": reason,
		}).Debug("Schedule predicate evaluation degraded to false")
	}

	for _, deviceID := range e.expandTargets(rule) {
		fields, ok := e.latest(deviceID)
		if !ok {
			return false
		}
		for i := range rule.Predicates {
			if !rule.Predicates[i].Evaluate(fields, warn) {
				return false
			}
		}
	}
	return true
}

func (e *Engine) expandTargets(rule *Rule) []string {
	targets := append([]string(nil), rule.DeviceID...)
	if rule.GroupID != "" && e.groups != nil {
		targets = append(targets, e.groups(rule.GroupID)...)
	}
	return targets
}

// dispatch applies the rule's action to every target, honoring the random
// delay and per-device retry policy. Cooldown is armed only when at least one
// device succeeded.
func (e *Engine) dispatch(ctx context.Context, rule *Rule, firedAt time.Time) {
	if rule.RandomDelayMaxS > 0 {
		delay := time.Duration(rand.Int63n(int64(rule.RandomDelayMaxS)+1)) * time.Second
		e.sleep(delay)
	}

	anySuccess := false
	for _, deviceID := range e.expandTargets(rule) {
		exec := e.dispatchDevice(ctx, rule, deviceID, firedAt)
		e.recordExecution(ctx, exec)
		if exec.Status == ExecSuccess {
			anySuccess = true
		}
		e.metrics.ScheduleFirings.WithLabelValues(string(exec.Status)).Inc()
	}

	if anySuccess {
		e.mu.Lock()
		e.lastFire[rule.ID] = firedAt
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{
			"rule":   rule.Name,
			"action": rule.Action.Kind,
		}).Info("Schedule rule fired")
	}
}

func (e *Engine) dispatchDevice(ctx context.Context, rule *Rule, deviceID string, firedAt time.Time) *Execution {
	exec := &Execution{
		ID:       uuid.NewString(),
		RuleID:   rule.ID,
		DeviceID: deviceID,
		FiredAt:  firedAt.UTC(),
	}

	maxAttempts := rule.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		exec.Attempts = attempt
		lastErr = e.performAction(ctx, rule, deviceID)
		if lastErr == nil {
			exec.Status = ExecSuccess
			return exec
		}
		if !driver.IsTransient(lastErr) {
			break
		}
		if attempt < maxAttempts {
			backoff := time.Duration(attempt) * backoffStep
			if backoff > backoffCap {
				backoff = backoffCap
			}
			e.sleep(backoff)
		}
	}

	exec.Status = ExecFailed
	exec.Error = lastErr.Error()
	e.logger.WithError(lastErr).WithFields(logrus.Fields{
		"rule":      rule.Name,
		"device_id": deviceID,
		"attempts":  exec.Attempts,
	}).Error("Schedule action failed")
	return exec
}

func (e *Engine) performAction(ctx context.Context, rule *Rule, deviceID string) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	handle, err := e.registry.Acquire(opCtx, deviceID)
	if err != nil {
		return err
	}
	defer handle.Release()

	drv := handle.Driver()
	switch rule.Action.Kind {
	case ActionTurnOn:
		return drv.TurnOn(opCtx)
	case ActionTurnOff:
		return drv.TurnOff(opCtx)
	case ActionToggle:
		return drv.Toggle(opCtx)
	case ActionSetBrightness:
		dimmer, ok := drv.(driver.Dimmer)
		if !ok {
			return driver.Permanent(string(rule.Action.Kind), drv.Address(), fmt.Errorf("device is not dimmable"))
		}
		return dimmer.SetBrightness(opCtx, rule.Action.Brightness)
	case ActionSetColor:
		setter, ok := drv.(driver.ColorSetter)
		if !ok {
			return driver.Permanent(string(rule.Action.Kind), drv.Address(), fmt.Errorf("device has no color support"))
		}
		return setter.SetColor(opCtx, rule.Action.Hue, rule.Action.Saturation, rule.Action.Value)
	case ActionScene:
		return driver.Permanent(string(rule.Action.Kind), drv.Address(), fmt.Errorf("scene %s: no scene resolver configured", rule.Action.SceneID))
	}
	return fmt.Errorf("unknown action kind %q", rule.Action.Kind)
}

func (e *Engine) recordExecution(ctx context.Context, exec *Execution) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		e.logger.WithError(err).WithField("rule_id", exec.RuleID).Error("Failed to persist schedule execution")
	}
}

// resolveContention splits due rules into winners and conflict-suppressed
// losers. Rules contend when their target sets overlap; the higher priority
// wins, ties broken by lexically smaller id.
func resolveContention(due []*Rule, targets func(*Rule) []string) (winners, losers []*Rule) {
	type contender struct {
		rule    *Rule
		targets map[string]bool
	}

	contenders := make([]contender, 0, len(due))
	for _, rule := range due {
		set := make(map[string]bool)
		for _, id := range targets(rule) {
			set[id] = true
		}
		contenders = append(contenders, contender{rule: rule, targets: set})
	}

	// Stable precedence order: priority descending, then id ascending.
	sort.SliceStable(contenders, func(i, j int) bool {
		if contenders[i].rule.Priority != contenders[j].rule.Priority {
			return contenders[i].rule.Priority > contenders[j].rule.Priority
		}
		return contenders[i].rule.ID < contenders[j].rule.ID
	})

	claimed := make(map[string]bool)
	for _, c := range contenders {
		overlap := false
		for id := range c.targets {
			if claimed[id] {
				overlap = true
				break
			}
		}
		if overlap {
			losers = append(losers, c.rule)
			continue
		}
		for id := range c.targets {
			claimed[id] = true
		}
		winners = append(winners, c.rule)
	}
	return winners, losers
}

// rulesConflict reports whether two rules share a target device and have
// triggers that can coincide within the same minute.
func (e *Engine) rulesConflict(a, b *Rule) bool {
	aTargets := make(map[string]bool)
	for _, id := range e.expandTargets(a) {
		aTargets[id] = true
	}
	overlap := false
	for _, id := range e.expandTargets(b) {
		if aTargets[id] {
			overlap = true
			break
		}
	}
	if !overlap {
		return false
	}
	return triggersCanCoincide(&a.Trigger, &b.Trigger, e.cfg.Location)
}

// triggersCanCoincide enumerates each trigger's firing minutes over a 7-day
// horizon and checks for intersection. Solar triggers coincide only with the
// same solar event at the same offset, since both resolve to one location.
func triggersCanCoincide(a, b *Trigger, loc *time.Location) bool {
	if a.Kind == TriggerSolar || b.Kind == TriggerSolar {
		return a.Kind == TriggerSolar && b.Kind == TriggerSolar &&
			a.Solar == b.Solar && a.OffsetMinutes == b.OffsetMinutes
	}

	aMinutes := triggerMinutes(a, loc)
	bMinutes := triggerMinutes(b, loc)
	for m := range aMinutes {
		if bMinutes[m] {
			return true
		}
	}
	return false
}

func triggerMinutes(t *Trigger, loc *time.Location) map[int64]bool {
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}

	start := time.Now().In(loc)
	end := start.Add(conflictHorizon)
	minutes := make(map[int64]bool)

	switch t.Kind {
	case TriggerAt:
		parsed, err := time.Parse("15:04", t.Time)
		if err != nil {
			return minutes
		}
		for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
			if t.DayMask&(1<<uint(day.Weekday())) == 0 {
				continue
			}
			fire := time.Date(day.Year(), day.Month(), day.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
			minutes[fire.Unix()/60] = true
		}
	case TriggerCron:
		sched, err := cron.ParseStandard(t.Cron)
		if err != nil {
			return minutes
		}
		next := sched.Next(start)
		for i := 0; i < 20000 && !next.IsZero() && next.Before(end); i++ {
			minutes[next.Unix()/60] = true
			next = sched.Next(next)
		}
	}
	return minutes
}
