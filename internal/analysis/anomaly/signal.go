package anomaly

import (
	"math"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/gateway/prom"
	"gonum.org/v1/gonum/stat"
)

// signal reduces a series to the single value compared against thresholds.
func signal(series prom.Series, aggregation string) float64 {
	samples := series.Samples
	if len(samples) == 0 {
		return 0
	}
	switch aggregation {
	case config.AggregationIncrease:
		return increase(series.Values())
	case config.AggregationSustained:
		return sustainedMinutes(samples)
	default:
		return samples[len(samples)-1].Value
	}
}

// increase is the counter growth across the window. A drop is treated as a
// counter reset and the post-reset value counts as growth.
func increase(values []float64) float64 {
	var total float64
	for i := 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		if delta < 0 {
			delta = values[i]
		}
		total += delta
	}
	return total
}

// sustainedMinutes is how long the value has been continuously above zero,
// measured back from the newest sample.
func sustainedMinutes(samples []prom.Sample) float64 {
	last := len(samples) - 1
	if samples[last].Value <= 0 {
		return 0
	}
	start := last
	for start > 0 && samples[start-1].Value > 0 {
		start--
	}
	return samples[last].Timestamp.Sub(samples[start].Timestamp).Minutes()
}

// baseline is the mean of every sample except the newest.
func baseline(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.Mean(values[:len(values)-1], nil)
}

// zScore of current against the preceding samples, using the sample
// standard deviation. Zero when the deviation is undefined or zero.
func zScore(current float64, preceding []float64) float64 {
	if len(preceding) < 2 {
		return 0
	}
	mean, sd := stat.MeanStdDev(preceding, nil)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return math.Abs(current-mean) / sd
}
