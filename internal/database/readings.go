package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

const readingColumns = `device_id, timestamp, is_on, power_w, voltage_v, current_a,
	today_energy_kwh, month_energy_kwh, total_energy_kwh, rssi, reset_detected`

// ReadingRepository stores raw readings and rollups. Each raw row carries a
// precomputed hour_start so retention can join against hourly rollups without
// caring how the driver encodes timestamps.
type ReadingRepository struct {
	db *DB
}

// NewReadingRepository creates the repository.
func NewReadingRepository(db *DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

func (r *ReadingRepository) InsertReading(ctx context.Context, reading *types.Reading) error {
	query := `
		INSERT INTO readings (device_id, timestamp, hour_start, is_on, power_w, voltage_v, current_a,
			today_energy_kwh, month_energy_kwh, total_energy_kwh, rssi, reset_detected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		reading.DeviceID,
		reading.Timestamp.UTC(),
		reading.Timestamp.UTC().Truncate(time.Hour),
		reading.IsOn,
		reading.PowerW,
		reading.VoltageV,
		reading.CurrentA,
		reading.TodayEnergy,
		reading.MonthEnergy,
		reading.TotalEnergy,
		reading.RSSI,
		reading.ResetDetected,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading for %s: %w", reading.DeviceID, err)
	}
	return nil
}

func (r *ReadingRepository) LatestReading(ctx context.Context, deviceID string) (*types.Reading, error) {
	var reading types.Reading
	query := `SELECT ` + readingColumns + ` FROM readings
		WHERE device_id = ? ORDER BY timestamp DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &reading, query, deviceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest reading for %s: %w", deviceID, err)
	}
	return &reading, nil
}

func (r *ReadingRepository) ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]types.Reading, error) {
	var readings []types.Reading
	query := `SELECT ` + readingColumns + ` FROM readings
		WHERE device_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`
	if err := r.db.SelectContext(ctx, &readings, query, deviceID, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("failed to load readings for %s: %w", deviceID, err)
	}
	return readings, nil
}

func (r *ReadingRepository) DeviceIDsWithReadings(ctx context.Context, from, to time.Time) ([]string, error) {
	var ids []string
	query := `SELECT DISTINCT device_id FROM readings
		WHERE timestamp >= ? AND timestamp < ? ORDER BY device_id`
	if err := r.db.SelectContext(ctx, &ids, query, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("failed to enumerate devices with readings: %w", err)
	}
	return ids, nil
}

func (r *ReadingRepository) UpsertRollup(ctx context.Context, rollup *types.Rollup) error {
	query := `
		INSERT INTO rollups (device_id, bucket, bucket_start, sample_count,
			power_mean_w, power_min_w, power_max_w, energy_kwh,
			voltage_mean_v, current_mean_a, on_fraction, cost, currency, peak_demand_kw)
		VALUES (:device_id, :bucket, :bucket_start, :sample_count,
			:power_mean_w, :power_min_w, :power_max_w, :energy_kwh,
			:voltage_mean_v, :current_mean_a, :on_fraction, :cost, :currency, :peak_demand_kw)
		ON CONFLICT (device_id, bucket, bucket_start) DO UPDATE SET
			sample_count = excluded.sample_count,
			power_mean_w = excluded.power_mean_w,
			power_min_w = excluded.power_min_w,
			power_max_w = excluded.power_max_w,
			energy_kwh = excluded.energy_kwh,
			voltage_mean_v = excluded.voltage_mean_v,
			current_mean_a = excluded.current_mean_a,
			on_fraction = excluded.on_fraction,
			cost = excluded.cost,
			currency = excluded.currency,
			peak_demand_kw = excluded.peak_demand_kw`
	_, err := r.db.NamedExecContext(ctx, query, rollup)
	if err != nil {
		return fmt.Errorf("failed to upsert %s rollup for %s: %w", rollup.Bucket, rollup.DeviceID, err)
	}
	return nil
}

func (r *ReadingRepository) Rollup(ctx context.Context, deviceID string, bucket types.BucketKind, start time.Time) (*types.Rollup, error) {
	var rollup types.Rollup
	query := `SELECT * FROM rollups WHERE device_id = ? AND bucket = ? AND bucket_start = ?`
	if err := r.db.GetContext(ctx, &rollup, query, deviceID, bucket, start.UTC()); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load rollup: %w", err)
	}
	return &rollup, nil
}

func (r *ReadingRepository) RollupsBetween(ctx context.Context, deviceID string, bucket types.BucketKind, from, to time.Time) ([]types.Rollup, error) {
	var rollups []types.Rollup
	query := `SELECT * FROM rollups
		WHERE device_id = ? AND bucket = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC`
	if err := r.db.SelectContext(ctx, &rollups, query, deviceID, bucket, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("failed to load rollups for %s: %w", deviceID, err)
	}
	return rollups, nil
}

// DeleteCoveredReadings removes raw rows older than before whose enclosing
// hour has an hourly rollup, so resolution only degrades once the aggregate
// exists.
func (r *ReadingRepository) DeleteCoveredReadings(ctx context.Context, before time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM readings WHERE rowid IN (
			SELECT rd.rowid FROM readings rd
			WHERE rd.timestamp < ?
			AND EXISTS (
				SELECT 1 FROM rollups ro
				WHERE ro.device_id = rd.device_id
				AND ro.bucket = 'hour'
				AND ro.bucket_start = rd.hour_start
			)
			LIMIT ?
		)`
	res, err := r.db.ExecContext(ctx, query, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete covered readings: %w", err)
	}
	return res.RowsAffected()
}

func (r *ReadingRepository) DeleteRollupsBefore(ctx context.Context, bucket types.BucketKind, before time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM rollups WHERE rowid IN (
			SELECT rowid FROM rollups
			WHERE bucket = ? AND bucket_start < ?
			LIMIT ?
		)`
	res, err := r.db.ExecContext(ctx, query, bucket, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rollups: %w", err)
	}
	return res.RowsAffected()
}
