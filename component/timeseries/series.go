package timeseries

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Aggregation modes accepted by GroupByMinutes and Combine.
const (
	ModeSum = "sum"
	ModeAvg = "avg"
)

var (
	// ErrValidation reports malformed local input, e.g. a non-positive
	// bucket size. Never retried.
	ErrValidation = errors.New("invalid argument")
	// ErrAggregation reports an unsupported aggregation mode string.
	ErrAggregation = errors.New("unsupported aggregation mode")
)

// Point is a single observation.
type Point struct {
	Ts    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Series is an ordered sequence of points. Unit is descriptive metadata
// only and never affects aggregation.
type Series struct {
	Points []Point `json:"points"`
	Unit   string  `json:"unit,omitempty"`
}

func New(unit string) *Series {
	return &Series{Unit: unit}
}

// Append adds a point without reordering.
func (s *Series) Append(ts time.Time, value float64) {
	s.Points = append(s.Points, Point{Ts: ts, Value: value})
}

func (s *Series) Len() int {
	return len(s.Points)
}

// Sort orders points by timestamp. The sort is stable so equal timestamps
// keep their insertion order.
func (s *Series) Sort(ascending bool) {
	sort.SliceStable(s.Points, func(i, j int) bool {
		if ascending {
			return s.Points[i].Ts.Before(s.Points[j].Ts)
		}
		return s.Points[i].Ts.After(s.Points[j].Ts)
	})
}

func (s *Series) Timestamps() []time.Time {
	out := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Ts
	}
	return out
}

func (s *Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// GetByTS returns the value at the exact timestamp. An absent timestamp
// returns the sentinel 0, not an error; callers must treat 0 as "no sample"
// whenever absence is possible. This holds for every series, including ones
// carrying 0/1 boolean-style values.
func (s *Series) GetByTS(ts time.Time) float64 {
	for _, p := range s.Points {
		if p.Ts.Equal(ts) {
			return p.Value
		}
	}
	return 0
}

// Total sums all values.
func (s *Series) Total() float64 {
	var total float64
	for _, p := range s.Points {
		total += p.Value
	}
	return total
}

// GroupByMinutes replaces the series contents with fixed minute buckets
// aligned to multiples of bucketMinutes within the hour (12:00, 12:05, ...
// for bucketMinutes=5). Seconds and finer are truncated to zero. All samples
// falling into the same bucket are aggregated with mode. After the call,
// timestamps are unique and sorted ascending.
func (s *Series) GroupByMinutes(bucketMinutes int, mode string) error {
	if bucketMinutes <= 0 {
		return errors.Wrapf(ErrValidation, "bucket minutes %d", bucketMinutes)
	}
	if mode != ModeSum && mode != ModeAvg {
		return errors.Wrapf(ErrAggregation, "mode %q", mode)
	}

	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	buckets := make(map[int64]time.Time)

	for _, p := range s.Points {
		bucketMinute := (p.Ts.Minute() / bucketMinutes) * bucketMinutes
		bucketTs := time.Date(p.Ts.Year(), p.Ts.Month(), p.Ts.Day(), p.Ts.Hour(),
			bucketMinute, 0, 0, p.Ts.Location())
		key := bucketTs.UnixNano()
		sums[key] += p.Value
		counts[key]++
		buckets[key] = bucketTs
	}

	keys := make([]int64, 0, len(sums))
	for key := range sums {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	newPoints := make([]Point, 0, len(keys))
	for _, key := range keys {
		agg := sums[key]
		if mode == ModeAvg {
			agg /= float64(counts[key])
		}
		newPoints = append(newPoints, Point{Ts: buckets[key], Value: agg})
	}
	s.Points = newPoints
	return nil
}

// Combine returns a new series over the union of both timestamp domains.
// A timestamp present in both series is combined with mode; a timestamp
// present in only one keeps its value unchanged (it is not treated as a
// zero on the other side). Duplicate timestamps inside one input collapse
// last-wins before the two sides meet. The result unit is the first
// non-empty unit, preferring the receiver's.
func (s *Series) Combine(other *Series, mode string) (*Series, error) {
	if mode != ModeSum && mode != ModeAvg {
		return nil, errors.Wrapf(ErrAggregation, "mode %q", mode)
	}

	unit := s.Unit
	if unit == "" {
		unit = other.Unit
	}
	result := New(unit)

	own := make(map[int64]Point, len(s.Points))
	for _, p := range s.Points {
		own[p.Ts.UnixNano()] = p
	}
	theirs := make(map[int64]Point, len(other.Points))
	for _, p := range other.Points {
		theirs[p.Ts.UnixNano()] = p
	}

	for key, p := range own {
		value := p.Value
		if q, ok := theirs[key]; ok {
			value += q.Value
			if mode == ModeAvg {
				value /= 2
			}
		}
		result.Append(p.Ts, value)
	}
	for key, q := range theirs {
		if _, ok := own[key]; !ok {
			result.Append(q.Ts, q.Value)
		}
	}
	result.Sort(true)
	return result, nil
}

// Extend concatenates the other series' points without resorting. Callers
// must Sort before any order-dependent use.
func (s *Series) Extend(other *Series) {
	s.Points = append(s.Points, other.Points...)
}

// Clone returns an independent copy sharing no backing storage.
func (s *Series) Clone() *Series {
	points := make([]Point, len(s.Points))
	copy(points, s.Points)
	return &Series{Points: points, Unit: s.Unit}
}
