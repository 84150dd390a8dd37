package types

import "time"

// DeviceState tracks the lifecycle of a device in the registry.
type DeviceState string

const (
	DeviceDiscovered  DeviceState = "discovered"
	DeviceMonitored   DeviceState = "monitored"
	DeviceUnmonitored DeviceState = "unmonitored"
	DeviceRemoved     DeviceState = "removed"
)

// Capabilities describes what a plug can do beyond reporting on/off state.
type Capabilities struct {
	HasEnergyMeter bool `json:"has_energy_meter" db:"has_energy_meter"`
	IsSwitchable   bool `json:"is_switchable" db:"is_switchable"`
	IsDimmable     bool `json:"is_dimmable" db:"is_dimmable"`
}

// Device is the registry's record for one smart plug. The id is stable for
// the device's lifetime; the address may change without losing history.
type Device struct {
	ID           string       `json:"id" db:"id"`
	Address      string       `json:"address" db:"address"`
	Alias        string       `json:"alias" db:"alias"`
	Model        string       `json:"model" db:"model"`
	HWVersion    string       `json:"hw_version" db:"hw_version"`
	MAC          string       `json:"mac" db:"mac"`
	Capabilities Capabilities `json:"capabilities"`
	// CredentialsRef is an opaque handle into the credentials store; the
	// registry never inspects it.
	CredentialsRef string      `json:"credentials_ref,omitempty" db:"credentials_ref"`
	State          DeviceState `json:"state" db:"state"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Metadata is the device view exposed to alert predicates alongside each
// reading.
func (d *Device) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"id":               d.ID,
		"address":          d.Address,
		"alias":            d.Alias,
		"model":            d.Model,
		"hw_version":       d.HWVersion,
		"mac":              d.MAC,
		"has_energy_meter": d.Capabilities.HasEnergyMeter,
		"is_switchable":    d.Capabilities.IsSwitchable,
		"is_dimmable":      d.Capabilities.IsDimmable,
	}
}
