package tariff

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func hourly(start time.Time, kwhs ...string) []Interval {
	intervals := make([]Interval, 0, len(kwhs))
	for i, k := range kwhs {
		intervals = append(intervals, Interval{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			KWh:       dec(k),
		})
	}
	return intervals
}

func TestEvaluateFlat(t *testing.T) {
	tariff := &Tariff{
		Kind:     KindFlat,
		Currency: "USD",
		Flat:     &Flat{RatePerKWh: dec("0.15")},
	}

	b, err := Evaluate(tariff, hourly(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "2", "3", "5"))
	require.NoError(t, err)

	assert.Equal(t, "1.5", b.Total.String())
	assert.Equal(t, "USD", b.Currency)
	require.Len(t, b.Lines, 1)
	assert.Equal(t, "flat", b.Lines[0].Label)
	assert.Equal(t, "10", b.Lines[0].KWh.String())
}

func TestEvaluateTieredApportionsAcrossCaps(t *testing.T) {
	tariff := &Tariff{
		Kind:     KindTiered,
		Currency: "USD",
		Tiered: &Tiered{Tiers: []Tier{
			{CapKWh: decPtr("100"), Rate: dec("0.10")},
			{Rate: dec("0.20")},
		}},
	}

	// 150 kWh in one month: first 100 at 0.10, remaining 50 at 0.20.
	b, err := Evaluate(tariff, hourly(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "60", "60", "30"))
	require.NoError(t, err)

	assert.Equal(t, "20", b.Total.String())
	require.Len(t, b.Lines, 2)
	assert.Equal(t, "100", b.Lines[0].KWh.String())
	assert.Equal(t, "50", b.Lines[1].KWh.String())
}

func TestEvaluateTieredResetsEachCalendarMonth(t *testing.T) {
	tariff := &Tariff{
		Kind:     KindTiered,
		Currency: "USD",
		Tiered: &Tiered{Tiers: []Tier{
			{CapKWh: decPtr("100"), Rate: dec("0.10")},
			{Rate: dec("0.20")},
		}},
	}

	intervals := []Interval{
		{Timestamp: time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC), KWh: dec("150")},
		{Timestamp: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), KWh: dec("150")},
	}
	b, err := Evaluate(tariff, intervals)
	require.NoError(t, err)

	// Each month independently: 100*0.10 + 50*0.20 = 20.
	assert.Equal(t, "40", b.Total.String())
}

func TestEvaluateTOUFirstMatchWins(t *testing.T) {
	weekdays := WeekdayMask(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	tariff := &Tariff{
		Kind:     KindTOU,
		Currency: "USD",
		TOU: &TOU{Rules: []TOURule{
			{DayMask: weekdays, StartMinute: 9 * 60, EndMinute: 17 * 60, Rate: dec("0.30"), Label: "peak"},
			{DayMask: AllDays, StartMinute: 0, EndMinute: 1440, Rate: dec("0.10"), Label: "offpeak"},
		}},
	}

	tests := []struct {
		name string
		ts   time.Time
		want string
	}{
		{"monday noon is peak", time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), "0.30"},
		{"monday night is offpeak", time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), "0.10"},
		{"saturday noon is offpeak", time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC), "0.10"},
		{"peak start minute is peak", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), "0.30"},
		{"peak end minute is offpeak", time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC), "0.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Evaluate(tariff, []Interval{{Timestamp: tt.ts, KWh: dec("1")}})
			require.NoError(t, err)
			assert.Equal(t, dec(tt.want).Round(2).String(), b.Total.String())
		})
	}
}

func TestEvaluateTOUStraddlingIntervalUsesStartMinuteRate(t *testing.T) {
	tariff := &Tariff{
		Kind:     KindTOU,
		Currency: "USD",
		TOU: &TOU{Rules: []TOURule{
			{DayMask: AllDays, StartMinute: 0, EndMinute: 10 * 60, Rate: dec("0.10"), Label: "morning"},
			{DayMask: AllDays, StartMinute: 10 * 60, EndMinute: 1440, Rate: dec("0.50"), Label: "rest"},
		}},
	}

	// Interval starts 09:30, so the whole kWh is priced at the morning rate.
	b, err := Evaluate(tariff, []Interval{{
		Timestamp: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		KWh:       dec("2"),
	}})
	require.NoError(t, err)
	assert.Equal(t, "0.2", b.Total.String())
}

func TestEvaluateSeasonalSelectsByMonth(t *testing.T) {
	tariff := &Tariff{
		Kind:     KindSeasonal,
		Currency: "USD",
		Seasonal: &Seasonal{Seasons: []Season{
			{
				MonthMask: MonthMask(time.June, time.July, time.August),
				Tariff:    &Tariff{Kind: KindFlat, Flat: &Flat{RatePerKWh: dec("0.40")}},
			},
			{
				MonthMask: MonthMask(time.January, time.February, time.March, time.April, time.May,
					time.September, time.October, time.November, time.December),
				Tariff: &Tariff{Kind: KindFlat, Flat: &Flat{RatePerKWh: dec("0.20")}},
			},
		}},
	}

	b, err := Evaluate(tariff, []Interval{
		{Timestamp: time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC), KWh: dec("1")},
		{Timestamp: time.Date(2026, 11, 15, 12, 0, 0, 0, time.UTC), KWh: dec("1")},
	})
	require.NoError(t, err)
	assert.Equal(t, "0.6", b.Total.String())
}

func TestEvaluateDemandAddsPeakCharge(t *testing.T) {
	tariff := &Tariff{
		Kind:     KindDemand,
		Currency: "USD",
		Demand: &Demand{
			Energy:          &Tariff{Kind: KindFlat, Flat: &Flat{RatePerKWh: dec("0.10")}},
			DemandRatePerKW: dec("5"),
		},
	}

	intervals := []Interval{
		{Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), KWh: dec("50"), PeakDemandKW: dec("1.5")},
		{Timestamp: time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC), KWh: dec("50"), PeakDemandKW: dec("2")},
	}
	b, err := Evaluate(tariff, intervals)
	require.NoError(t, err)

	assert.Equal(t, "10", b.EnergyCost.String())
	assert.Equal(t, "10", b.DemandCost.String())
	assert.Equal(t, "20", b.Total.String())
}

func TestEvaluateDemandEnergySubTariffInheritsTimezone(t *testing.T) {
	tariff := &Tariff{
		Kind:     KindDemand,
		Currency: "USD",
		Timezone: "America/New_York",
		Demand: &Demand{
			Energy: &Tariff{Kind: KindTiered, Tiered: &Tiered{Tiers: []Tier{
				{CapKWh: decPtr("100"), Rate: dec("0.10")},
				{Rate: dec("0.20")},
			}}},
			DemandRatePerKW: dec("5"),
		},
	}

	// 02:00 UTC on April 1 is still March 31 in New York, 06:00 UTC is
	// April 1 there. The tiered sub-tariff carries no timezone of its own,
	// so the month reset must follow the parent's zone and land between the
	// two intervals: 100*0.10 + 50*0.20 twice, not 300 kWh in one month.
	intervals := []Interval{
		{Timestamp: time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC), KWh: dec("150")},
		{Timestamp: time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC), KWh: dec("150")},
	}
	b, err := Evaluate(tariff, intervals)
	require.NoError(t, err)

	assert.Equal(t, "40", b.EnergyCost.String())
}

func TestEvaluateDeterministic(t *testing.T) {
	tariff := &Tariff{
		Kind:     KindTiered,
		Currency: "USD",
		Tiered: &Tiered{Tiers: []Tier{
			{CapKWh: decPtr("33.333"), Rate: dec("0.0713")},
			{Rate: dec("0.1279")},
		}},
	}
	intervals := hourly(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		"1.17", "2.003", "0.41", "7.777", "13.9", "22.05")

	first, err := Evaluate(tariff, intervals)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Evaluate(tariff, intervals)
		require.NoError(t, err)
		assert.True(t, first.Total.Equal(again.Total), "run %d diverged", i)
	}
}

func TestEvaluateNoTariff(t *testing.T) {
	_, err := Evaluate(nil, hourly(time.Now(), "1"))
	assert.ErrorIs(t, err, ErrNoTariff)
}

func TestEvaluateRejectsNegativeEnergy(t *testing.T) {
	tariff := &Tariff{Kind: KindFlat, Currency: "USD", Flat: &Flat{RatePerKWh: dec("0.1")}}
	_, err := Evaluate(tariff, []Interval{{Timestamp: time.Now(), KWh: dec("-1")}})
	assert.Error(t, err)
}

func TestCurrencyRounding(t *testing.T) {
	tests := []struct {
		currency string
		want     string
	}{
		{"USD", "0.16"},
		{"JPY", "0"},
		{"KWD", "0.157"},
	}
	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			tariff := &Tariff{Kind: KindFlat, Currency: tt.currency, Flat: &Flat{RatePerKWh: dec("0.1567")}}
			b, err := Evaluate(tariff, hourly(time.Now(), "1"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Total.String())
		})
	}
}

func TestTariffValidate(t *testing.T) {
	tests := []struct {
		name    string
		tariff  Tariff
		wantErr bool
	}{
		{
			name:    "missing currency",
			tariff:  Tariff{Kind: KindFlat, Flat: &Flat{RatePerKWh: dec("0.1")}},
			wantErr: true,
		},
		{
			name:    "flat ok",
			tariff:  Tariff{Kind: KindFlat, Currency: "USD", Flat: &Flat{RatePerKWh: dec("0.1")}},
			wantErr: false,
		},
		{
			name: "tiered bounded last tier",
			tariff: Tariff{Kind: KindTiered, Currency: "USD", Tiered: &Tiered{Tiers: []Tier{
				{CapKWh: decPtr("10"), Rate: dec("0.1")},
				{CapKWh: decPtr("20"), Rate: dec("0.2")},
			}}},
			wantErr: true,
		},
		{
			name: "tou end before start",
			tariff: Tariff{Kind: KindTOU, Currency: "USD", TOU: &TOU{Rules: []TOURule{
				{DayMask: AllDays, StartMinute: 600, EndMinute: 300, Rate: dec("0.1")},
			}}},
			wantErr: true,
		},
		{
			name: "seasonal does not nest",
			tariff: Tariff{Kind: KindSeasonal, Currency: "USD", Seasonal: &Seasonal{Seasons: []Season{
				{MonthMask: MonthMask(time.June), Tariff: &Tariff{Kind: KindSeasonal, Seasonal: &Seasonal{}}},
			}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tariff.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
