package database

import (
	"context"
	"fmt"

	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

// DeviceRepository persists registry records so the tracked fleet survives
// restarts. The registry stays the runtime authority; rows here mirror it.
type DeviceRepository struct {
	db *DB
}

// NewDeviceRepository creates the repository.
func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) SaveDevice(ctx context.Context, d *types.Device) error {
	query := `
		INSERT INTO devices (id, address, alias, model, hw_version, mac,
			has_energy_meter, is_switchable, is_dimmable, credentials_ref,
			state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			address = excluded.address,
			alias = excluded.alias,
			model = excluded.model,
			hw_version = excluded.hw_version,
			mac = excluded.mac,
			has_energy_meter = excluded.has_energy_meter,
			is_switchable = excluded.is_switchable,
			is_dimmable = excluded.is_dimmable,
			credentials_ref = excluded.credentials_ref,
			state = excluded.state,
			updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.Address, d.Alias, d.Model, d.HWVersion, d.MAC,
		d.Capabilities.HasEnergyMeter, d.Capabilities.IsSwitchable, d.Capabilities.IsDimmable,
		d.CredentialsRef, d.State, d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save device %s: %w", d.ID, err)
	}
	return nil
}

func (r *DeviceRepository) DeleteDevice(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device %s: %w", id, err)
	}
	return nil
}

func (r *DeviceRepository) ListDevices(ctx context.Context) ([]*types.Device, error) {
	type row struct {
		types.Device
		HasEnergyMeter bool `db:"has_energy_meter"`
		IsSwitchable   bool `db:"is_switchable"`
		IsDimmable     bool `db:"is_dimmable"`
	}
	var rows []row
	query := `SELECT id, address, alias, model, hw_version, mac,
		has_energy_meter, is_switchable, is_dimmable, credentials_ref,
		state, created_at, updated_at
		FROM devices ORDER BY id`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}

	out := make([]*types.Device, 0, len(rows))
	for i := range rows {
		dev := rows[i].Device
		dev.Capabilities = types.Capabilities{
			HasEnergyMeter: rows[i].HasEnergyMeter,
			IsSwitchable:   rows[i].IsSwitchable,
			IsDimmable:     rows[i].IsDimmable,
		}
		out = append(out, &dev)
	}
	return out, nil
}
