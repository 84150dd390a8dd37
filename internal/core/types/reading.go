package types

import "time"

// Reading is one timestamped snapshot of a device's electrical state.
// PowerW, VoltageV, CurrentA and RSSI are nil when the device does not meter
// them. TotalEnergyKWh is monotonic non-decreasing across the device's
// lifetime except over an explicit reset, which the store flags as a gap.
type Reading struct {
	DeviceID      string    `json:"device_id" db:"device_id"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	IsOn          bool      `json:"is_on" db:"is_on"`
	PowerW        *float64  `json:"power_w,omitempty" db:"power_w"`
	VoltageV      *float64  `json:"voltage_v,omitempty" db:"voltage_v"`
	CurrentA      *float64  `json:"current_a,omitempty" db:"current_a"`
	TodayEnergy   float64   `json:"today_energy_kwh" db:"today_energy_kwh"`
	MonthEnergy   float64   `json:"month_energy_kwh" db:"month_energy_kwh"`
	TotalEnergy   float64   `json:"total_energy_kwh" db:"total_energy_kwh"`
	RSSI          *int      `json:"rssi,omitempty" db:"rssi"`
	ResetDetected bool      `json:"reset_detected,omitempty" db:"reset_detected"`
}

// Fields flattens a reading into the map alert predicates evaluate against.
func (r *Reading) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"device_id":        r.DeviceID,
		"timestamp":        r.Timestamp,
		"is_on":            r.IsOn,
		"today_energy_kwh": r.TodayEnergy,
		"month_energy_kwh": r.MonthEnergy,
		"total_energy_kwh": r.TotalEnergy,
	}
	if r.PowerW != nil {
		fields["power_w"] = *r.PowerW
	}
	if r.VoltageV != nil {
		fields["voltage_v"] = *r.VoltageV
	}
	if r.CurrentA != nil {
		fields["current_a"] = *r.CurrentA
	}
	if r.RSSI != nil {
		fields["rssi"] = float64(*r.RSSI)
	}
	return fields
}

// BucketKind identifies a rollup granularity.
type BucketKind string

const (
	BucketHour  BucketKind = "hour"
	BucketDay   BucketKind = "day"
	BucketMonth BucketKind = "month"
)

// Rollup is an aggregate of readings over one (device, bucket) pair. Closed
// buckets are immutable once written; the in-progress bucket may be
// recomputed.
type Rollup struct {
	DeviceID    string     `json:"device_id" db:"device_id"`
	Bucket      BucketKind `json:"bucket" db:"bucket"`
	BucketStart time.Time  `json:"bucket_start" db:"bucket_start"`
	SampleCount int        `json:"sample_count" db:"sample_count"`
	PowerMeanW  float64    `json:"power_mean_w" db:"power_mean_w"`
	PowerMinW   float64    `json:"power_min_w" db:"power_min_w"`
	PowerMaxW   float64    `json:"power_max_w" db:"power_max_w"`
	EnergyKWh   float64    `json:"energy_kwh" db:"energy_kwh"`
	VoltageMean float64    `json:"voltage_mean_v" db:"voltage_mean_v"`
	CurrentMean float64    `json:"current_mean_a" db:"current_mean_a"`
	OnFraction  float64    `json:"on_fraction" db:"on_fraction"`
	// Cost is computed for day and month buckets only.
	Cost     float64 `json:"cost" db:"cost"`
	Currency string  `json:"currency" db:"currency"`
	// PeakDemandKW is the highest mean power seen in any sub-bucket, used by
	// demand tariffs.
	PeakDemandKW float64 `json:"peak_demand_kw" db:"peak_demand_kw"`
}
