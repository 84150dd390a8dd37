package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadLocation(t *testing.T) {
	tests := []struct {
		name string
		zone string
		want string
	}{
		{"empty defaults to UTC", "", "UTC"},
		{"iana name passes through", "Europe/Berlin", "Europe/Berlin"},
		{"posix alias translated", "CST6CDT", "America/Chicago"},
		{"posix alias for pacific", "PST8PDT", "America/Los_Angeles"},
		{"unknown falls back to UTC", "Mars/Olympus_Mons", "UTC"},
		{"garbage falls back to UTC", "not a zone", "UTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LoadLocation(tt.zone).String())
		})
	}
}

func TestLoadLocationUsableForConversion(t *testing.T) {
	loc := LoadLocation("EST5EDT")
	ts := time.Date(2026, 7, 1, 16, 0, 0, 0, time.UTC).In(loc)
	assert.Equal(t, 12, ts.Hour())
}
