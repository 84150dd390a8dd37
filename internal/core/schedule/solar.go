package schedule

import (
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// civilTwilightElevation is the solar elevation defining civil dawn/dusk.
const civilTwilightElevation = -6.0

// solarEventTime computes the requested solar event for a date at the given
// coordinates. The zero time is returned for polar day/night dates where the
// event does not occur.
func solarEventTime(kind SolarKind, lat, lng float64, date time.Time) time.Time {
	year, month, day := date.Date()

	switch kind {
	case SolarSunrise, SolarSunset:
		rise, set := sunrise.SunriseSunset(lat, lng, year, month, day)
		if kind == SolarSunrise {
			return rise
		}
		return set
	case SolarCivilDawn, SolarCivilDusk:
		dawn, dusk := sunrise.TimeOfElevation(lat, lng, civilTwilightElevation, year, month, day)
		if kind == SolarCivilDawn {
			return dawn
		}
		return dusk
	}
	return time.Time{}
}
