package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLatencyBundle(t *testing.T) *Bundle {
	t.Helper()
	return NewBundle(SchemaQueryLatency, map[string]string{
		LabelQueryHash: "abc123",
		LabelQuery:     "SELECT 1",
		LabelUser:      "app",
		LabelLocation:  "us-central1",
		LabelDatabase:  "orders",
		"extra":        "dropped",
	})
}

func TestNewBundleKeepsSchemaLabelsOnly(t *testing.T) {
	b := newLatencyBundle(t)
	require.Equal(t, "abc123", b.Label(LabelQueryHash))
	require.NotContains(t, b.Labels, "extra")
	require.Len(t, b.Series, 3)
	require.Equal(t, "us", b.Series[SeriesMean].Unit)
}

func TestBundleKeyOrder(t *testing.T) {
	b := newLatencyBundle(t)
	require.Equal(t, "abc123\x1fSELECT 1\x1fapp\x1fus-central1\x1forders", b.Key())

	other := NewBundle(SchemaQueryLatency, map[string]string{
		LabelQueryHash: "abc123",
		LabelQuery:     "SELECT 1",
		LabelUser:      "app",
		LabelLocation:  "us-central1",
		LabelDatabase:  "orders",
	})
	require.Equal(t, b.Key(), other.Key())
}

func TestBundleAligned(t *testing.T) {
	b := newLatencyBundle(t)
	b.Series[SeriesCount].Append(minuteTs(1, 0), 3)
	b.Series[SeriesMean].Append(minuteTs(1, 0), 150)
	b.Series[SeriesPercentile].Append(minuteTs(1, 0), 200)
	require.NoError(t, b.Aligned(SeriesCount, SeriesMean, SeriesPercentile))

	b.Series[SeriesMean].Append(minuteTs(2, 0), 120)
	require.Error(t, b.Aligned(SeriesCount, SeriesMean))

	b.Series[SeriesCount].Append(minuteTs(3, 0), 1)
	// Equal lengths but diverging timestamps must still fail.
	require.Error(t, b.Aligned(SeriesCount, SeriesMean))

	require.Error(t, b.Aligned(SeriesCount, "missing"))
}

func TestBundlePairedSamples(t *testing.T) {
	b := newLatencyBundle(t)
	b.Series[SeriesCount].Append(minuteTs(1, 0), 3)
	b.Series[SeriesCount].Append(minuteTs(2, 0), 5)
	b.Series[SeriesCount].Append(minuteTs(4, 0), 7)
	b.Series[SeriesMean].Append(minuteTs(1, 0), 100)
	// Gap at minute 2 in the mean series.
	b.Series[SeriesMean].Append(minuteTs(4, 0), 300)

	pairs, err := b.PairedSamples(SeriesCount, SeriesMean)
	require.NoError(t, err)
	// The join is timestamp-keyed: the gap drops only its own row instead
	// of shifting later pairings.
	require.Equal(t, []Pair{
		{Ts: minuteTs(1, 0), A: 3, B: 100},
		{Ts: minuteTs(4, 0), A: 7, B: 300},
	}, pairs)

	_, err = b.PairedSamples(SeriesCount, "missing")
	require.Error(t, err)
}

func TestRawSeriesLabelPrecedence(t *testing.T) {
	rs := &RawSeries{
		MetricLabels:   map[string]string{"database": "from_metric"},
		ResourceLabels: map[string]string{"database": "from_resource", "region": "us-central1"},
	}
	require.Equal(t, "from_metric", rs.Label("database"))
	require.Equal(t, "us-central1", rs.Label("region"))
	require.Equal(t, "", rs.Label("missing"))
}

func TestBundleListSortedAndOrdered(t *testing.T) {
	grouped := map[string]*Bundle{}
	b1 := NewBundle(SchemaQueryLockTime, map[string]string{LabelQueryHash: "zzz"})
	b1.Series[SeriesLockTime].Append(minuteTs(2, 0), 2)
	b1.Series[SeriesLockTime].Append(minuteTs(1, 0), 1)
	b2 := NewBundle(SchemaQueryLockTime, map[string]string{LabelQueryHash: "aaa"})
	grouped[b1.Key()] = b1
	grouped[b2.Key()] = b2

	out := bundleList(grouped)
	require.Len(t, out, 2)
	require.Equal(t, "aaa", out[0].Label(LabelQueryHash))
	// Every series comes out sorted ascending.
	require.Equal(t, []time.Time{minuteTs(1, 0), minuteTs(2, 0)},
		out[1].Series[SeriesLockTime].Timestamps())
}
