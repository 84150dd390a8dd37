package config

import "time"

// posixAliases maps the legacy POSIX zone names still found in older plug
// firmware and imported settings to their IANA equivalents.
var posixAliases = map[string]string{
	"CST6CDT":   "America/Chicago",
	"EST5EDT":   "America/New_York",
	"MST7MDT":   "America/Denver",
	"PST8PDT":   "America/Los_Angeles",
	"HST10":     "Pacific/Honolulu",
	"AKST9AKDT": "America/Anchorage",
}

// LoadLocation resolves a timezone name, translating legacy POSIX names to
// IANA zones. Unknown zones fall back to UTC rather than failing startup.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	if alias, ok := posixAliases[name]; ok {
		name = alias
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
