package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

const httpDriverTimeout = 10 * time.Second

// HTTPDriver speaks the plug's JSON-over-HTTP protocol: GET /rpc/status for a
// snapshot, POST /rpc/switch for relay control. One request per call.
type HTTPDriver struct {
	address string
	client  *http.Client
	creds   *Credentials
}

// NewHTTPDriver is a Factory for HTTP plugs.
func NewHTTPDriver(address string, creds *Credentials) (Driver, error) {
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}
	return &HTTPDriver{
		address: address,
		client:  &http.Client{Timeout: httpDriverTimeout},
		creds:   creds,
	}, nil
}

func (d *HTTPDriver) Address() string {
	return d.address
}

// statusPayload mirrors the plug firmware's status document.
type statusPayload struct {
	Relay struct {
		On bool `json:"on"`
	} `json:"relay"`
	Meter *struct {
		PowerW      float64 `json:"power_w"`
		VoltageV    float64 `json:"voltage_v"`
		CurrentA    float64 `json:"current_a"`
		TodayKWh    float64 `json:"today_kwh"`
		MonthKWh    float64 `json:"month_kwh"`
		LifetimeKWh float64 `json:"lifetime_kwh"`
	} `json:"meter"`
	WiFi *struct {
		RSSI int `json:"rssi"`
	} `json:"wifi"`
}

func (d *HTTPDriver) Snapshot(ctx context.Context) (*types.Reading, error) {
	var payload statusPayload
	if err := d.get(ctx, "snapshot", "/rpc/status", &payload); err != nil {
		return nil, err
	}

	reading := &types.Reading{
		Timestamp: time.Now().UTC(),
		IsOn:      payload.Relay.On,
	}
	if payload.Meter != nil {
		p := payload.Meter.PowerW
		v := payload.Meter.VoltageV
		a := payload.Meter.CurrentA
		reading.PowerW = &p
		reading.VoltageV = &v
		reading.CurrentA = &a
		reading.TodayEnergy = payload.Meter.TodayKWh
		reading.MonthEnergy = payload.Meter.MonthKWh
		reading.TotalEnergy = payload.Meter.LifetimeKWh
	}
	if payload.WiFi != nil {
		rssi := payload.WiFi.RSSI
		reading.RSSI = &rssi
	}
	return reading, nil
}

func (d *HTTPDriver) TurnOn(ctx context.Context) error {
	return d.setRelay(ctx, true)
}

func (d *HTTPDriver) TurnOff(ctx context.Context) error {
	return d.setRelay(ctx, false)
}

func (d *HTTPDriver) Toggle(ctx context.Context) error {
	return d.post(ctx, "toggle", "/rpc/switch/toggle", nil)
}

// SetBrightness implements Dimmer for dimmable plug models.
func (d *HTTPDriver) SetBrightness(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return Permanent("set_brightness", d.address, fmt.Errorf("brightness %d out of range", percent))
	}
	body := map[string]interface{}{"brightness": percent}
	return d.post(ctx, "set_brightness", "/rpc/light", body)
}

// SetColor implements ColorSetter for color-capable plug models.
func (d *HTTPDriver) SetColor(ctx context.Context, hue, saturation, value int) error {
	body := map[string]interface{}{"hue": hue, "saturation": saturation, "value": value}
	return d.post(ctx, "set_color", "/rpc/light/color", body)
}

func (d *HTTPDriver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *HTTPDriver) setRelay(ctx context.Context, on bool) error {
	op := "turn_off"
	if on {
		op = "turn_on"
	}
	return d.post(ctx, op, "/rpc/switch", map[string]interface{}{"on": on})
}

func (d *HTTPDriver) get(ctx context.Context, op, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url(path), nil)
	if err != nil {
		return Permanent(op, d.address, err)
	}
	return d.do(op, req, out)
}

func (d *HTTPDriver) post(ctx context.Context, op, path string, body interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return Permanent(op, d.address, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url(path), &buf)
	if err != nil {
		return Permanent(op, d.address, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(op, req, nil)
}

func (d *HTTPDriver) do(op string, req *http.Request, out interface{}) error {
	if d.creds != nil {
		req.SetBasicAuth(d.creds.Username, d.creds.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Transient(op, d.address, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Permanent(op, d.address, fmt.Errorf("auth rejected: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return Permanent(op, d.address, fmt.Errorf("unsupported capability: status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return Transient(op, d.address, fmt.Errorf("device error: status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Permanent(op, d.address, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Permanent(op, d.address, fmt.Errorf("malformed response: %w", err))
		}
	}
	return nil
}

func (d *HTTPDriver) url(path string) string {
	host := d.address
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "80")
	}
	return "http://" + host + path
}
