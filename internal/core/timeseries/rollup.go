package timeseries

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plugwatch/plugwatch-go/internal/core/tariff"
	"github.com/plugwatch/plugwatch-go/internal/core/types"
)

// aggregateReadings folds raw readings into an hourly rollup. Energy is the
// sum of today-counter deltas; a delta that goes negative means the counter
// rolled over at local midnight or was reset, in which case the lifetime
// counter diff is used instead (or zero across a reset).
func aggregateReadings(deviceID string, bucketStart time.Time, readings []types.Reading) *types.Rollup {
	if len(readings) == 0 {
		return nil
	}

	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	rollup := &types.Rollup{
		DeviceID:    deviceID,
		Bucket:      types.BucketHour,
		BucketStart: bucketStart.UTC(),
		SampleCount: len(readings),
	}

	var (
		powerSum, voltSum, currSum float64
		powerN, voltN, currN       int
		onCount                    int
		energy                     float64
	)
	powerMin, powerMax := 0.0, 0.0
	firstPower := true

	for i := range readings {
		r := &readings[i]
		if r.IsOn {
			onCount++
		}
		if r.PowerW != nil {
			p := *r.PowerW
			powerSum += p
			powerN++
			if firstPower {
				powerMin, powerMax = p, p
				firstPower = false
			} else {
				if p < powerMin {
					powerMin = p
				}
				if p > powerMax {
					powerMax = p
				}
			}
		}
		if r.VoltageV != nil {
			voltSum += *r.VoltageV
			voltN++
		}
		if r.CurrentA != nil {
			currSum += *r.CurrentA
			currN++
		}

		if i == 0 {
			continue
		}
		prev := &readings[i-1]
		delta := r.TodayEnergy - prev.TodayEnergy
		if delta < 0 {
			// Midnight rollover: the lifetime counter still carries the true
			// consumption. Across a reset both go backwards; count zero.
			delta = r.TotalEnergy - prev.TotalEnergy
			if delta < 0 || r.ResetDetected {
				delta = 0
			}
		}
		energy += delta
	}

	rollup.EnergyKWh = energy
	rollup.OnFraction = float64(onCount) / float64(len(readings))
	if powerN > 0 {
		rollup.PowerMeanW = powerSum / float64(powerN)
		rollup.PowerMinW = powerMin
		rollup.PowerMaxW = powerMax
	}
	if voltN > 0 {
		rollup.VoltageMean = voltSum / float64(voltN)
	}
	if currN > 0 {
		rollup.CurrentMean = currSum / float64(currN)
	}
	// Mean demand over one hour equals the hour's energy numerically.
	rollup.PeakDemandKW = energy
	return rollup
}

// hourlyFromReadings rebuilds per-hour rollups straight from raw rows, for
// spans whose hourly pass never ran.
func hourlyFromReadings(deviceID string, readings []types.Reading) []types.Rollup {
	byHour := make(map[time.Time][]types.Reading)
	for i := range readings {
		h := readings[i].Timestamp.UTC().Truncate(time.Hour)
		byHour[h] = append(byHour[h], readings[i])
	}

	starts := make([]time.Time, 0, len(byHour))
	for h := range byHour {
		starts = append(starts, h)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	out := make([]types.Rollup, 0, len(starts))
	for _, h := range starts {
		if rollup := aggregateReadings(deviceID, h, byHour[h]); rollup != nil {
			out = append(out, *rollup)
		}
	}
	return out
}

// mergeRollups folds sub-buckets into a coarser bucket: sums, sample-weighted
// means, extremes of extremes. Cost is left for the caller to price.
func mergeRollups(deviceID string, bucket types.BucketKind, bucketStart time.Time, parts []types.Rollup) *types.Rollup {
	if len(parts) == 0 {
		return nil
	}

	rollup := &types.Rollup{
		DeviceID:    deviceID,
		Bucket:      bucket,
		BucketStart: bucketStart.UTC(),
	}

	var powerWeighted, voltWeighted, currWeighted, onWeighted float64
	firstPower := true

	for i := range parts {
		p := &parts[i]
		rollup.SampleCount += p.SampleCount
		rollup.EnergyKWh += p.EnergyKWh
		w := float64(p.SampleCount)
		powerWeighted += p.PowerMeanW * w
		voltWeighted += p.VoltageMean * w
		currWeighted += p.CurrentMean * w
		onWeighted += p.OnFraction * w

		if firstPower {
			rollup.PowerMinW, rollup.PowerMaxW = p.PowerMinW, p.PowerMaxW
			firstPower = false
		} else {
			if p.PowerMinW < rollup.PowerMinW {
				rollup.PowerMinW = p.PowerMinW
			}
			if p.PowerMaxW > rollup.PowerMaxW {
				rollup.PowerMaxW = p.PowerMaxW
			}
		}
		if p.PeakDemandKW > rollup.PeakDemandKW {
			rollup.PeakDemandKW = p.PeakDemandKW
		}
	}

	if rollup.SampleCount > 0 {
		n := float64(rollup.SampleCount)
		rollup.PowerMeanW = powerWeighted / n
		rollup.VoltageMean = voltWeighted / n
		rollup.CurrentMean = currWeighted / n
		rollup.OnFraction = onWeighted / n
	}
	return rollup
}

// CostOfRollups prices a chronological run of rollups. Spans are grouped by
// the tariff effective at their start, so a mid-period tariff change prices
// each span under its own tariff; results are summed. ErrNoTariff is
// returned when no span has an effective tariff.
func CostOfRollups(src TariffSource, parts []types.Rollup) (*tariff.Breakdown, error) {
	sorted := make([]types.Rollup, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BucketStart.Before(sorted[j].BucketStart)
	})

	type span struct {
		tariff    *tariff.Tariff
		intervals []tariff.Interval
	}
	var spans []span

	for i := range sorted {
		p := &sorted[i]
		t := src.ActiveAt(p.BucketStart)
		if t == nil {
			continue
		}
		iv := tariff.Interval{
			Timestamp:    p.BucketStart,
			KWh:          decimal.NewFromFloat(p.EnergyKWh),
			PeakDemandKW: decimal.NewFromFloat(p.PeakDemandKW),
		}
		if len(spans) > 0 && spans[len(spans)-1].tariff == t {
			spans[len(spans)-1].intervals = append(spans[len(spans)-1].intervals, iv)
		} else {
			spans = append(spans, span{tariff: t, intervals: []tariff.Interval{iv}})
		}
	}

	if len(spans) == 0 {
		return nil, tariff.ErrNoTariff
	}

	total := &tariff.Breakdown{}
	for _, sp := range spans {
		b, err := tariff.Evaluate(sp.tariff, sp.intervals)
		if err != nil {
			return nil, err
		}
		total.EnergyCost = total.EnergyCost.Add(b.EnergyCost)
		total.DemandCost = total.DemandCost.Add(b.DemandCost)
		total.Total = total.Total.Add(b.Total)
		total.Currency = b.Currency
		total.Lines = append(total.Lines, b.Lines...)
	}
	return total, nil
}
