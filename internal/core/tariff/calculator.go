package tariff

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Interval is one slice of an energy timeline: the energy consumed in the
// interval starting at Timestamp, plus the optional peak demand observed in
// it. Intervals must be supplied in chronological order.
type Interval struct {
	Timestamp    time.Time
	KWh          decimal.Decimal
	PeakDemandKW decimal.Decimal
}

// Line is one component of a breakdown: a tier or TOU rule with the energy
// and cost attributed to it.
type Line struct {
	Label string          `json:"label"`
	KWh   decimal.Decimal `json:"kwh"`
	Rate  decimal.Decimal `json:"rate"`
	Cost  decimal.Decimal `json:"cost"`
}

// Breakdown is the calculator's output. Values are rounded to the currency's
// decimal places; lines carry unrounded components.
type Breakdown struct {
	EnergyCost decimal.Decimal `json:"energy_cost"`
	DemandCost decimal.Decimal `json:"demand_cost"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	Lines      []Line          `json:"lines,omitempty"`
}

// ErrNoTariff is returned when cost is requested for a period with no
// effective tariff. There is deliberately no fallback rate.
var ErrNoTariff = fmt.Errorf("no tariff effective for the requested period")

// currencyPlaces returns the decimal places results are rounded to.
func currencyPlaces(currency string) int32 {
	switch currency {
	case "JPY", "KRW", "VND":
		return 0
	case "BHD", "KWD", "OMR":
		return 3
	default:
		return 2
	}
}

// calcState carries the running accumulators a chronological walk needs:
// tiered tariffs track cumulative kWh per billing month, demand tariffs track
// the period peak.
type calcState struct {
	monthAnchor time.Time
	monthKWh    decimal.Decimal
	peakKW      decimal.Decimal
	lines       map[string]*Line
	lineOrder   []string
}

func newCalcState() *calcState {
	return &calcState{lines: make(map[string]*Line)}
}

func (s *calcState) addLine(label string, kwh, rate decimal.Decimal) {
	line, ok := s.lines[label]
	if !ok {
		line = &Line{Label: label, Rate: rate}
		s.lines[label] = line
		s.lineOrder = append(s.lineOrder, label)
	}
	line.KWh = line.KWh.Add(kwh)
	line.Cost = line.Cost.Add(kwh.Mul(rate))
}

// Evaluate prices an energy timeline under a tariff. Intervals must be in
// chronological order; tier accumulation resets at calendar-month boundaries
// in the tariff's zone.
func Evaluate(t *Tariff, intervals []Interval) (*Breakdown, error) {
	if t == nil {
		return nil, ErrNoTariff
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	state := newCalcState()
	energy := decimal.Zero

	for _, iv := range intervals {
		if iv.KWh.IsNegative() {
			return nil, fmt.Errorf("interval at %s has negative energy", iv.Timestamp)
		}
		cost, err := priceInterval(t, iv, state)
		if err != nil {
			return nil, err
		}
		energy = energy.Add(cost)
		if iv.PeakDemandKW.GreaterThan(state.peakKW) {
			state.peakKW = iv.PeakDemandKW
		}
	}

	demand := decimal.Zero
	if t.Kind == KindDemand {
		demand = state.peakKW.Mul(t.Demand.DemandRatePerKW)
	}

	places := currencyPlaces(t.Currency)
	breakdown := &Breakdown{
		EnergyCost: energy.Round(places),
		DemandCost: demand.Round(places),
		Total:      energy.Add(demand).Round(places),
		Currency:   t.Currency,
	}
	for _, label := range state.lineOrder {
		breakdown.Lines = append(breakdown.Lines, *state.lines[label])
	}
	return breakdown, nil
}

// priceInterval returns the unrounded energy cost for one interval and
// advances the running state.
func priceInterval(t *Tariff, iv Interval, state *calcState) (decimal.Decimal, error) {
	switch t.Kind {
	case KindFlat:
		cost := iv.KWh.Mul(t.Flat.RatePerKWh)
		state.addLine("flat", iv.KWh, t.Flat.RatePerKWh)
		return cost, nil

	case KindTiered:
		return priceTiered(t, iv, state), nil

	case KindTOU:
		rule := matchTOU(t, iv.Timestamp)
		if rule == nil {
			// No rule admits this interval: declared rules are expected to
			// cover the week, so uncovered time is free rather than guessed.
			return decimal.Zero, nil
		}
		label := rule.Label
		if label == "" {
			label = fmt.Sprintf("tou_%04d_%04d", rule.StartMinute, rule.EndMinute)
		}
		state.addLine(label, iv.KWh, rule.Rate)
		return iv.KWh.Mul(rule.Rate), nil

	case KindSeasonal:
		sub := matchSeason(t, iv.Timestamp)
		if sub == nil {
			return decimal.Zero, nil
		}
		return priceInterval(sub, iv, state)

	case KindDemand:
		return priceInterval(inheritDefaults(t.Demand.Energy, t), iv, state)
	}
	return decimal.Zero, fmt.Errorf("unknown tariff kind %q", t.Kind)
}

// priceTiered apportions the interval's kWh across cumulative caps, resetting
// the running total at the start of each calendar month in the tariff's zone.
func priceTiered(t *Tariff, iv Interval, state *calcState) decimal.Decimal {
	loc := t.Location()
	monthStart := startOfMonth(iv.Timestamp.In(loc))
	if !monthStart.Equal(state.monthAnchor) {
		state.monthAnchor = monthStart
		state.monthKWh = decimal.Zero
	}

	remaining := iv.KWh
	cost := decimal.Zero

	for i, tier := range t.Tiered.Tiers {
		if remaining.IsZero() {
			break
		}

		inTier := remaining
		if tier.CapKWh != nil {
			headroom := tier.CapKWh.Sub(state.monthKWh)
			if headroom.IsNegative() || headroom.IsZero() {
				continue
			}
			if headroom.LessThan(inTier) {
				inTier = headroom
			}
		}

		cost = cost.Add(inTier.Mul(tier.Rate))
		state.addLine(fmt.Sprintf("tier_%d", i+1), inTier, tier.Rate)
		state.monthKWh = state.monthKWh.Add(inTier)
		remaining = remaining.Sub(inTier)
	}

	return cost
}

// matchTOU finds the first rule covering the timestamp's local day and
// minute-of-day. An interval straddling a rule boundary is priced at the rate
// of its start minute; callers wanting exact boundary splits pre-split.
func matchTOU(t *Tariff, ts time.Time) *TOURule {
	local := ts.In(t.Location())
	day := uint8(1) << uint(local.Weekday())
	minute := local.Hour()*60 + local.Minute()

	for i := range t.TOU.Rules {
		rule := &t.TOU.Rules[i]
		if rule.DayMask&day == 0 {
			continue
		}
		if minute >= rule.StartMinute && minute < rule.EndMinute {
			return rule
		}
	}
	return nil
}

func matchSeason(t *Tariff, ts time.Time) *Tariff {
	local := ts.In(t.Location())
	month := uint16(1) << uint(local.Month())
	for i := range t.Seasonal.Seasons {
		season := &t.Seasonal.Seasons[i]
		if season.MonthMask&month != 0 {
			return inheritDefaults(season.Tariff, t)
		}
	}
	return nil
}

// inheritDefaults copies a nested tariff, filling currency and timezone from
// its parent when the child leaves them blank.
func inheritDefaults(child, parent *Tariff) *Tariff {
	sub := *child
	if sub.Currency == "" {
		sub.Currency = parent.Currency
	}
	if sub.Timezone == "" {
		sub.Timezone = parent.Timezone
	}
	return &sub
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
