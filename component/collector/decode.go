package collector

import (
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/SalmonSung/psql-cli/component/timeseries"
)

// truncMinute drops seconds and finer so every decoded sample lands on a
// whole-minute key.
func truncMinute(ts time.Time) time.Time {
	return ts.Truncate(time.Minute)
}

// decodeCumulative reconstructs per-interval increments from time-ordered
// cumulative readings and appends them to dst. The first sample passes
// through as its raw value, which assumes the counter was zero at the start
// of the window; this is a documented approximation, not reset detection.
// Later samples emit max(0, cur-prev): a negative difference (counter reset
// or instance restart) clamps to zero and the lost increment is discarded.
func decodeCumulative(dst *timeseries.Series, points []RawPoint) {
	var last float64
	first := true
	for _, p := range points {
		delta := p.Value
		if !first {
			delta = p.Value - last
			if delta < 0 {
				delta = 0
			}
		}
		dst.Append(truncMinute(p.Ts), delta)
		last = p.Value
		first = false
	}
}

// decodeDistribution walks time-ordered cumulative distribution samples and
// appends three sibling series: per-interval observation counts, interval
// means and a percentile estimate from the delta histogram. All three share
// one timestamp per input point, keeping the bundle's series aligned.
//
// Layout drift between consecutive histograms degrades that interval to an
// empty delta histogram; the percentile then falls back to the interval mean
// when exactly one observation arrived, else 0.
func decodeDistribution(count, mean, pct *timeseries.Series, points []RawPoint, q float64, ident string) {
	var (
		prev  *Distribution
		drift bool
	)
	for _, p := range points {
		ts := truncMinute(p.Ts)
		cur := p.Dist
		if cur == nil {
			cur = &Distribution{}
		}

		var (
			deltaCount   int64
			deltaSum     float64
			deltaBuckets []int64
			bounds       []float64
		)
		if prev == nil {
			// First sample of the series: same first-point convention as
			// the scalar counter decoder.
			deltaCount = cur.Count
			deltaSum = cur.Sum()
			deltaBuckets = cur.BucketCounts
			bounds = cur.Bounds
		} else {
			deltaCount = cur.Count - prev.Count
			if deltaCount < 0 {
				deltaCount = 0
			}
			deltaSum = cur.Sum() - prev.Sum()
			if deltaSum < 0 {
				deltaSum = 0
			}
			bounds = cur.Bounds
			if len(cur.BucketCounts) > 0 && len(prev.BucketCounts) == len(cur.BucketCounts) &&
				len(cur.Bounds) > 0 && len(prev.Bounds) == len(cur.Bounds) {
				deltaBuckets = make([]int64, len(cur.BucketCounts))
				for i, c := range cur.BucketCounts {
					if d := c - prev.BucketCounts[i]; d > 0 {
						deltaBuckets[i] = d
					}
				}
			} else if !drift {
				drift = true
				log.Warn("histogram layout drift, degrading percentile estimate",
					zap.String("identity", ident),
					zap.Time("ts", ts),
					zap.Int("prevBuckets", len(prev.BucketCounts)),
					zap.Int("curBuckets", len(cur.BucketCounts)))
			}
		}

		count.Append(ts, float64(deltaCount))

		var intervalMean float64
		if deltaCount > 0 {
			intervalMean = deltaSum / float64(deltaCount)
		}
		mean.Append(ts, intervalMean)

		var estimate float64
		if deltaCount > 0 && len(deltaBuckets) > 0 && len(bounds) > 0 {
			estimate = percentileFromBuckets(bounds, deltaBuckets, q)
		} else if deltaCount == 1 {
			estimate = intervalMean
		}
		pct.Append(ts, estimate)

		prev = cur
	}
}

// percentileFromBuckets estimates percentile q in [0,1] from an
// explicit-bucket delta histogram, interpolating linearly inside the answer
// bucket under a uniform-density assumption. The underflow bucket
// interpolates toward bounds[0] from zero (its true lower bound is -inf);
// the overflow bucket returns its lower bound rather than extrapolating.
func percentileFromBuckets(bounds []float64, counts []int64, q float64) float64 {
	var total int64
	for _, c := range counts {
		total += c
	}
	if total <= 0 || len(bounds) == 0 {
		return 0
	}
	if q < 0 {
		q = 0
	} else if q > 1 {
		q = 1
	}

	target := q * float64(total)
	cum := 0.0
	for i, c := range counts {
		if c <= 0 {
			cum += float64(c)
			continue
		}
		next := cum + float64(c)
		if target <= next {
			within := (target - cum) / float64(c)
			if i == 0 {
				if v := within * bounds[0]; v > 0 {
					return v
				}
				return 0
			}
			if i >= len(bounds) {
				return bounds[len(bounds)-1]
			}
			lower, upper := bounds[i-1], bounds[i]
			return lower + within*(upper-lower)
		}
		cum = next
	}
	// Rounding pushed the target past every bucket.
	return bounds[len(bounds)-1]
}
