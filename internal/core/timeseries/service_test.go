package timeseries

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugwatch/plugwatch-go/internal/core/tariff"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
	"github.com/plugwatch/plugwatch-go/internal/metrics"
)

type memStore struct {
	mu       sync.Mutex
	readings map[string][]types.Reading
	rollups  map[string]types.Rollup
}

func newMemStore() *memStore {
	return &memStore{
		readings: make(map[string][]types.Reading),
		rollups:  make(map[string]types.Rollup),
	}
}

func rollupKey(deviceID string, bucket types.BucketKind, start time.Time) string {
	return deviceID + "|" + string(bucket) + "|" + start.UTC().Format(time.RFC3339)
}

func (m *memStore) InsertReading(_ context.Context, r *types.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[r.DeviceID] = append(m.readings[r.DeviceID], *r)
	return nil
}

func (m *memStore) LatestReading(_ context.Context, deviceID string) (*types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.readings[deviceID]
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[0]
	for _, r := range rows[1:] {
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	return &latest, nil
}

func (m *memStore) ReadingsBetween(_ context.Context, deviceID string, from, to time.Time) ([]types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Reading
	for _, r := range m.readings[deviceID] {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) DeviceIDsWithReadings(_ context.Context, from, to time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rows := range m.readings {
		for _, r := range rows {
			if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) UpsertRollup(_ context.Context, r *types.Rollup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollups[rollupKey(r.DeviceID, r.Bucket, r.BucketStart)] = *r
	return nil
}

func (m *memStore) Rollup(_ context.Context, deviceID string, bucket types.BucketKind, start time.Time) (*types.Rollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rollups[rollupKey(deviceID, bucket, start)]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *memStore) RollupsBetween(_ context.Context, deviceID string, bucket types.BucketKind, from, to time.Time) ([]types.Rollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Rollup
	for _, r := range m.rollups {
		if r.DeviceID == deviceID && r.Bucket == bucket &&
			!r.BucketStart.Before(from) && r.BucketStart.Before(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func (m *memStore) DeleteCoveredReadings(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, rows := range m.readings {
		var kept []types.Reading
		for _, r := range rows {
			hour := r.Timestamp.UTC().Truncate(time.Hour)
			_, covered := m.rollups[rollupKey(id, types.BucketHour, hour)]
			if r.Timestamp.Before(before) && covered && int(deleted) < limit {
				deleted++
				continue
			}
			kept = append(kept, r)
		}
		m.readings[id] = kept
	}
	return deleted, nil
}

func (m *memStore) DeleteRollupsBefore(_ context.Context, bucket types.BucketKind, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for k, r := range m.rollups {
		if r.Bucket == bucket && r.BucketStart.Before(before) && int(deleted) < limit {
			delete(m.rollups, k)
			deleted++
		}
	}
	return deleted, nil
}

func newTestStore(t *testing.T, src TariffSource) (*Service, *memStore) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	repo := newMemStore()
	svc := NewService(Config{RawRetentionDays: 7, CleanupBatchSize: 100}, repo, src, log, metrics.New())
	return svc, repo
}

func TestHandleReadingAppends(t *testing.T) {
	svc, repo := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base, TotalEnergy: 50.0}))
	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base.Add(30 * time.Second), TotalEnergy: 50.1}))

	assert.Len(t, repo.readings["plug-1"], 2)
}

func TestHandleReadingDropsOutOfOrder(t *testing.T) {
	svc, repo := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base, TotalEnergy: 50.0}))

	// Earlier and equal timestamps are both dropped, not errors.
	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base.Add(-time.Minute), TotalEnergy: 49.0}))
	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base, TotalEnergy: 50.0}))

	assert.Len(t, repo.readings["plug-1"], 1)
}

func TestHandleReadingSeedsFromStore(t *testing.T) {
	svc, repo := newTestStore(t, nil)
	ctx := context.Background()

	// A row already in the store from a previous run gates ordering after a
	// restart.
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	repo.readings["plug-1"] = []types.Reading{{DeviceID: "plug-1", Timestamp: base, TotalEnergy: 50.0}}

	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base.Add(-time.Minute), TotalEnergy: 49.0}))
	assert.Len(t, repo.readings["plug-1"], 1)

	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base.Add(time.Minute), TotalEnergy: 50.1}))
	assert.Len(t, repo.readings["plug-1"], 2)
}

func TestHandleReadingFlagsCounterReset(t *testing.T) {
	svc, repo := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base, TotalEnergy: 100.0}))

	// A drop within the epsilon is jitter, not a reset.
	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base.Add(time.Minute), TotalEnergy: 99.9995}))
	assert.False(t, repo.readings["plug-1"][1].ResetDetected)

	require.NoError(t, svc.HandleReading(ctx, &types.Reading{DeviceID: "plug-1", Timestamp: base.Add(2 * time.Minute), TotalEnergy: 0.5}))
	assert.True(t, repo.readings["plug-1"][2].ResetDetected)
}

func TestRollupHourPerDevice(t *testing.T) {
	svc, repo := newTestStore(t, nil)
	ctx := context.Background()

	hour := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"plug-1", "plug-2"} {
		repo.readings[id] = []types.Reading{
			{DeviceID: id, Timestamp: hour.Add(10 * time.Minute), TodayEnergy: 1.0, TotalEnergy: 10.0},
			{DeviceID: id, Timestamp: hour.Add(40 * time.Minute), TodayEnergy: 1.0 + float64(i+1)*0.1, TotalEnergy: 10.0 + float64(i+1)*0.1},
		}
	}

	require.NoError(t, svc.RollupHour(ctx, hour))

	r1, err := repo.Rollup(ctx, "plug-1", types.BucketHour, hour)
	require.NoError(t, err)
	require.NotNil(t, r1)
	assert.InDelta(t, 0.1, r1.EnergyKWh, 1e-9)

	r2, err := repo.Rollup(ctx, "plug-2", types.BucketHour, hour)
	require.NoError(t, err)
	require.NotNil(t, r2)
	assert.InDelta(t, 0.2, r2.EnergyKWh, 1e-9)
}

func TestRollupDayMergesAndPrices(t *testing.T) {
	flat := flatTariff("0.10")
	svc, repo := newTestStore(t, fakeTariffSource{fn: func(time.Time) *tariff.Tariff { return flat }})
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	// Device must have raw readings in the day to be enumerated.
	repo.readings["plug-1"] = []types.Reading{{DeviceID: "plug-1", Timestamp: day.Add(time.Hour)}}
	for h := 0; h < 3; h++ {
		start := day.Add(time.Duration(h) * time.Hour)
		require.NoError(t, repo.UpsertRollup(ctx, &types.Rollup{
			DeviceID: "plug-1", Bucket: types.BucketHour, BucketStart: start,
			SampleCount: 10, EnergyKWh: 1.0,
		}))
	}

	require.NoError(t, svc.RollupDay(ctx, day))

	r, err := repo.Rollup(ctx, "plug-1", types.BucketDay, day)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.InDelta(t, 3.0, r.EnergyKWh, 1e-9)
	assert.InDelta(t, 0.3, r.Cost, 1e-9)
	assert.Equal(t, "EUR", r.Currency)
}

func TestRollupDayFallsBackToRawReadings(t *testing.T) {
	flat := flatTariff("0.10")
	svc, repo := newTestStore(t, fakeTariffSource{fn: func(time.Time) *tariff.Tariff { return flat }})
	ctx := context.Background()

	// Raw rows only, no hourly rollups: the day is recomputed from scratch.
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	repo.readings["plug-1"] = []types.Reading{
		{DeviceID: "plug-1", Timestamp: day.Add(10 * time.Minute), TodayEnergy: 0.0, TotalEnergy: 10.0},
		{DeviceID: "plug-1", Timestamp: day.Add(50 * time.Minute), TodayEnergy: 1.0, TotalEnergy: 11.0},
		{DeviceID: "plug-1", Timestamp: day.Add(time.Hour + 10*time.Minute), TodayEnergy: 1.5, TotalEnergy: 11.5},
		{DeviceID: "plug-1", Timestamp: day.Add(time.Hour + 50*time.Minute), TodayEnergy: 2.0, TotalEnergy: 12.0},
	}

	require.NoError(t, svc.RollupDay(ctx, day))

	r, err := repo.Rollup(ctx, "plug-1", types.BucketDay, day)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.InDelta(t, 1.5, r.EnergyKWh, 1e-9)
	assert.InDelta(t, 0.15, r.Cost, 1e-9)
	assert.Equal(t, "EUR", r.Currency)
}

func TestQueryValidation(t *testing.T) {
	svc, _ := newTestStore(t, nil)
	ctx := context.Background()
	now := time.Now()

	_, err := svc.QueryReadings(ctx, "plug-1", now, now)
	assert.Error(t, err)

	_, err = svc.QueryRollups(ctx, "plug-1", "fortnight", now.Add(-time.Hour), now)
	assert.Error(t, err)

	_, err = svc.QueryRollups(ctx, "plug-1", types.BucketHour, now.Add(-time.Hour), now)
	assert.NoError(t, err)
}

func TestLatestNotFound(t *testing.T) {
	svc, _ := newTestStore(t, nil)
	_, err := svc.Latest(context.Background(), "ghost")
	assert.Error(t, err)

	_, ok := svc.LatestFields("ghost")
	assert.False(t, ok)
}
