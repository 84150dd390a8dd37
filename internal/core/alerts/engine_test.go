package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
)

func newTestEngine(t *testing.T) (*Engine, *capture) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	e := NewEngine(nil, nil, log, metrics.New())
	cap := &capture{}
	e.SetHandler(cap.handle)
	return e, cap
}

type capture struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (c *capture) handle(a *Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *capture) last() *Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.alerts) == 0 {
		return nil
	}
	return c.alerts[len(c.alerts)-1]
}

func powerReading(deviceID string, watts float64) *types.Reading {
	return &types.Reading{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		IsOn:      true,
		PowerW:    &watts,
	}
}

func highPowerRule() *Rule {
	return &Rule{
		Name:            "high-power",
		Severity:        SeverityWarning,
		Category:        "power",
		Clauses:         []Clause{{Field: "power_w", Op: OpGt, Value: 1000.0}},
		TriggerCount:    3,
		WindowSeconds:   60,
		CooldownSeconds: 300,
		Enabled:         true,
	}
}

func TestEngineFiresAfterWindowCount(t *testing.T) {
	e, cap := newTestEngine(t)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := base
	e.now = func() time.Time { return clock }

	_, err := e.PutRule(highPowerRule())
	require.NoError(t, err)

	// Two matches inside the window: not enough.
	e.HandleReading(powerReading("plug-1", 1500))
	clock = clock.Add(10 * time.Second)
	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 0, cap.count())

	// Third match within 60s fires exactly one alert.
	clock = clock.Add(10 * time.Second)
	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 1, cap.count())
	assert.Equal(t, SeverityWarning, cap.last().Severity)
	assert.Equal(t, StateActive, cap.last().State)
}

func TestEngineWindowExpires(t *testing.T) {
	e, cap := newTestEngine(t)

	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	_, err := e.PutRule(highPowerRule())
	require.NoError(t, err)

	e.HandleReading(powerReading("plug-1", 1500))
	clock = clock.Add(30 * time.Second)
	e.HandleReading(powerReading("plug-1", 1500))

	// The first match ages out before the third arrives.
	clock = clock.Add(45 * time.Second)
	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 0, cap.count())
}

func TestEngineCooldownGatesNextAlert(t *testing.T) {
	e, cap := newTestEngine(t)

	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	rule := highPowerRule()
	rule.TriggerCount = 1
	_, err := e.PutRule(rule)
	require.NoError(t, err)

	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 1, cap.count())

	// Matches during cooldown are swallowed.
	clock = clock.Add(60 * time.Second)
	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 1, cap.count())

	// Past the cooldown the rule can fire again.
	clock = clock.Add(300 * time.Second)
	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 2, cap.count())
}

func TestEngineNonMatchingReadingLeavesWindowAlone(t *testing.T) {
	e, cap := newTestEngine(t)

	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	rule := highPowerRule()
	rule.TriggerCount = 2
	_, err := e.PutRule(rule)
	require.NoError(t, err)

	e.HandleReading(powerReading("plug-1", 1500))
	clock = clock.Add(5 * time.Second)
	e.HandleReading(powerReading("plug-1", 200)) // below threshold
	clock = clock.Add(5 * time.Second)
	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 1, cap.count())
}

func TestEngineSuppression(t *testing.T) {
	e, cap := newTestEngine(t)

	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	rule := highPowerRule()
	rule.TriggerCount = 1
	_, err := e.PutRule(rule)
	require.NoError(t, err)

	_, err = e.PutSuppression(&Suppression{
		RulePattern: "high-*",
		SeverityMin: SeverityInfo,
		SeverityMax: SeverityEmergency,
		Start:       clock.Add(-time.Minute),
		End:         clock.Add(time.Hour),
	})
	require.NoError(t, err)

	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 0, cap.count())
	assert.Equal(t, uint64(1), e.SuppressedCount())

	// Outside the suppression interval the rule fires again.
	clock = clock.Add(2 * time.Hour)
	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 1, cap.count())
}

func TestEngineSuppressionSelectors(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rule := &Rule{Name: "high-power", Severity: SeverityWarning, Category: "power"}

	tests := []struct {
		name string
		sup  Suppression
		want bool
	}{
		{
			"pattern and interval match",
			Suppression{RulePattern: "high-*", SeverityMax: SeverityEmergency, Start: now.Add(-time.Hour), End: now.Add(time.Hour)},
			true,
		},
		{
			"wrong category",
			Suppression{Category: "availability", SeverityMax: SeverityEmergency, Start: now.Add(-time.Hour), End: now.Add(time.Hour)},
			false,
		},
		{
			"severity below floor",
			Suppression{SeverityMin: SeverityError, SeverityMax: SeverityEmergency, Start: now.Add(-time.Hour), End: now.Add(time.Hour)},
			false,
		},
		{
			"interval not yet started",
			Suppression{SeverityMax: SeverityEmergency, Start: now.Add(time.Minute), End: now.Add(time.Hour)},
			false,
		},
		{
			"interval end is exclusive",
			Suppression{SeverityMax: SeverityEmergency, Start: now.Add(-time.Hour), End: now},
			false,
		},
		{
			"category only, severity range left open",
			Suppression{Category: "power", Start: now.Add(-time.Hour), End: now.Add(time.Hour)},
			true,
		},
		{
			"unset severity_max does not cap the range",
			Suppression{SeverityMin: SeverityWarning, Start: now.Add(-time.Hour), End: now.Add(time.Hour)},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sup.Matches(rule, now))
		})
	}
}

func TestSuppressionValidateAcceptsOpenTopRange(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sup := &Suppression{SeverityMin: SeverityError, Start: now, End: now.Add(time.Hour)}
	assert.NoError(t, sup.Validate())

	sup.SeverityMax = SeverityWarning
	assert.Error(t, sup.Validate())
}

func TestEngineAcknowledgeAndResolve(t *testing.T) {
	e, cap := newTestEngine(t)

	rule := highPowerRule()
	rule.TriggerCount = 1
	_, err := e.PutRule(rule)
	require.NoError(t, err)

	e.HandleReading(powerReading("plug-1", 1500))
	require.Equal(t, 1, cap.count())
	alertID := cap.last().ID

	ctx := context.Background()
	require.NoError(t, e.Acknowledge(ctx, alertID, "operator", "looking into it"))

	got, ok := e.Get(alertID)
	require.True(t, ok)
	assert.Equal(t, StateAcknowledged, got.State)

	// Double-acknowledge is rejected.
	assert.Error(t, e.Acknowledge(ctx, alertID, "operator", ""))

	require.NoError(t, e.Resolve(ctx, alertID, "operator", "fixed"))
	got, _ = e.Get(alertID)
	assert.Equal(t, StateResolved, got.State)

	// Resolved is terminal.
	assert.Error(t, e.Resolve(ctx, alertID, "operator", ""))
}

func TestEngineResolveDirectlyFromActive(t *testing.T) {
	e, cap := newTestEngine(t)

	rule := highPowerRule()
	rule.TriggerCount = 1
	_, err := e.PutRule(rule)
	require.NoError(t, err)

	e.HandleReading(powerReading("plug-1", 1500))
	require.Equal(t, 1, cap.count())

	require.NoError(t, e.Resolve(context.Background(), cap.last().ID, "operator", ""))
}

func TestEngineDeviceEvents(t *testing.T) {
	e, cap := newTestEngine(t)

	e.HandleDeviceEvent("device_offline", "plug-1", time.Now())
	require.Equal(t, 1, cap.count())
	assert.Equal(t, "availability", cap.last().Category)
	assert.Equal(t, SeverityWarning, cap.last().Severity)

	e.HandleDeviceEvent("device_online", "plug-1", time.Now())
	require.Equal(t, 2, cap.count())
	assert.Equal(t, SeverityInfo, cap.last().Severity)
}

func TestEngineDisabledRuleNeverFires(t *testing.T) {
	e, cap := newTestEngine(t)

	rule := highPowerRule()
	rule.TriggerCount = 1
	rule.Enabled = false
	_, err := e.PutRule(rule)
	require.NoError(t, err)

	e.HandleReading(powerReading("plug-1", 1500))
	assert.Equal(t, 0, cap.count())
}

func TestEngineDeleteRule(t *testing.T) {
	e, _ := newTestEngine(t)

	id, err := e.PutRule(highPowerRule())
	require.NoError(t, err)

	require.NoError(t, e.DeleteRule(id))
	assert.Error(t, e.DeleteRule(id))
	assert.Empty(t, e.Rules())
}
