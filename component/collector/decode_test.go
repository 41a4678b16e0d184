package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SalmonSung/psql-cli/component/timeseries"
)

func minuteTs(minute, second int) time.Time {
	return time.Date(2026, 1, 29, 10, minute, second, 0, time.UTC)
}

func scalarPoints(values ...float64) []RawPoint {
	points := make([]RawPoint, len(values))
	for i, v := range values {
		points[i] = RawPoint{Ts: minuteTs(i, 30), Value: v}
	}
	return points
}

func TestDecodeCumulative(t *testing.T) {
	s := timeseries.New("us")
	decodeCumulative(s, scalarPoints(0, 100, 250, 200))

	// First point passes through raw; the reset at the last point clamps
	// the negative difference to zero.
	require.Equal(t, []float64{0, 100, 150, 0}, s.Values())

	// Timestamps are truncated to whole minutes.
	require.Equal(t, []time.Time{
		minuteTs(0, 0), minuteTs(1, 0), minuteTs(2, 0), minuteTs(3, 0),
	}, s.Timestamps())
}

func TestDecodeCumulativeFirstPointIsRaw(t *testing.T) {
	s := timeseries.New("us")
	decodeCumulative(s, scalarPoints(500))
	require.Equal(t, []float64{500}, s.Values())
}

func TestPercentileFromBuckets(t *testing.T) {
	bounds := []float64{10, 20, 30}
	counts := []int64{2, 3, 5}

	// p75 of 10 observations: target rank 7.5 lands in the third bucket
	// [20,30); the interpolated fraction (7.5-5)/5 = 0.5 yields 25.
	require.InDelta(t, 25.0, percentileFromBuckets(bounds, counts, 0.75), 1e-9)
}

func TestPercentileFromBucketsEdges(t *testing.T) {
	bounds := []float64{10, 20, 30}

	// Target inside the underflow bucket interpolates from zero toward the
	// first bound.
	require.InDelta(t, 5.0, percentileFromBuckets(bounds, []int64{10, 0, 0}, 0.5), 1e-9)

	// Target inside the unbounded last bucket returns its lower bound, not
	// an upward extrapolation.
	require.InDelta(t, 30.0, percentileFromBuckets(bounds, []int64{0, 0, 0, 10}, 0.99), 1e-9)

	// Empty histograms yield zero.
	require.Equal(t, 0.0, percentileFromBuckets(nil, nil, 0.75))
	require.Equal(t, 0.0, percentileFromBuckets(bounds, []int64{0, 0, 0}, 0.75))

	// Out-of-range q values are clamped.
	require.InDelta(t, 30.0, percentileFromBuckets(bounds, []int64{0, 0, 0, 10}, 1.5), 1e-9)
	require.Equal(t, 0.0, percentileFromBuckets(bounds, []int64{10, 0, 0}, -1))
}

func distPoint(minute int, count int64, mean float64, bounds []float64, buckets []int64) RawPoint {
	return RawPoint{
		Ts: minuteTs(minute, 15),
		Dist: &Distribution{
			Count:        count,
			Mean:         mean,
			Bounds:       bounds,
			BucketCounts: buckets,
		},
	}
}

func TestDecodeDistribution(t *testing.T) {
	bounds := []float64{10, 20, 30}
	points := []RawPoint{
		distPoint(0, 0, 0, bounds, []int64{0, 0, 0, 0}),
		distPoint(1, 10, 20, bounds, []int64{2, 3, 5, 0}),
	}

	count := timeseries.New("count")
	mean := timeseries.New("us")
	pct := timeseries.New("us")
	decodeDistribution(count, mean, pct, points, 0.75, "q1")

	require.Equal(t, []float64{0, 10}, count.Values())
	require.Equal(t, []float64{0, 20}, mean.Values())
	// Same delta histogram as the percentile example above.
	require.InDelta(t, 25.0, pct.Values()[1], 1e-9)

	// All three sibling series must share one timestamp domain.
	require.Equal(t, count.Timestamps(), mean.Timestamps())
	require.Equal(t, count.Timestamps(), pct.Timestamps())
}

func TestDecodeDistributionFirstPointConvention(t *testing.T) {
	bounds := []float64{10, 20, 30}
	points := []RawPoint{
		distPoint(0, 10, 18, bounds, []int64{2, 3, 5, 0}),
	}

	count := timeseries.New("count")
	mean := timeseries.New("us")
	pct := timeseries.New("us")
	decodeDistribution(count, mean, pct, points, 0.75, "q1")

	// No predecessor: deltas equal the raw first-sample values.
	require.Equal(t, []float64{10}, count.Values())
	require.Equal(t, []float64{18}, mean.Values())
	require.InDelta(t, 25.0, pct.Values()[0], 1e-9)
}

func TestDecodeDistributionLayoutDrift(t *testing.T) {
	points := []RawPoint{
		distPoint(0, 2, 10, []float64{10, 20}, []int64{1, 1, 0}),
		// The histogram layout changed between samples; the delta histogram
		// is unusable and the estimate degrades to the interval mean since
		// exactly one observation arrived.
		distPoint(1, 3, 20, []float64{10, 20, 30}, []int64{1, 1, 1, 0}),
		// Two more observations with drifting layout: estimate degrades to 0.
		distPoint(2, 5, 30, []float64{10, 20, 30, 40}, []int64{1, 1, 1, 2, 0}),
	}

	count := timeseries.New("count")
	mean := timeseries.New("us")
	pct := timeseries.New("us")
	decodeDistribution(count, mean, pct, points, 0.75, "q1")

	require.Equal(t, []float64{2, 1, 2}, count.Values())
	// delta_sum = 3*20 - 2*10 = 40 over 1 observation.
	require.InDelta(t, 40.0, mean.Values()[1], 1e-9)
	require.InDelta(t, 40.0, pct.Values()[1], 1e-9)
	require.Equal(t, 0.0, pct.Values()[2])
}

func TestDecodeDistributionCountReset(t *testing.T) {
	bounds := []float64{10}
	points := []RawPoint{
		distPoint(0, 10, 5, bounds, []int64{10, 0}),
		// A count regression clamps the interval to zero observations.
		distPoint(1, 4, 5, bounds, []int64{4, 0}),
	}

	count := timeseries.New("count")
	mean := timeseries.New("us")
	pct := timeseries.New("us")
	decodeDistribution(count, mean, pct, points, 0.75, "q1")

	require.Equal(t, []float64{10, 0}, count.Values())
	require.Equal(t, 0.0, mean.Values()[1])
	require.Equal(t, 0.0, pct.Values()[1])
}

func TestResolveWindow(t *testing.T) {
	now := time.Date(2026, 1, 29, 12, 0, 0, 0, time.UTC)
	a := time.Date(2026, 1, 29, 8, 0, 0, 0, time.UTC)
	b := time.Date(2026, 1, 29, 9, 0, 0, 0, time.UTC)

	w, err := ResolveWindow(a, b, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, Window{Start: a, End: b}, w)

	w, err = ResolveWindow(a, time.Time{}, 2*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, Window{Start: a, End: a.Add(2 * time.Hour)}, w)

	w, err = ResolveWindow(time.Time{}, b, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, Window{Start: b.Add(-time.Hour), End: b}, w)

	w, err = ResolveWindow(time.Time{}, time.Time{}, time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, Window{Start: now.Add(-time.Hour), End: now}, w)

	_, err = ResolveWindow(b, a, time.Hour, now)
	require.Error(t, err)
}
