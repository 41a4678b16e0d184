package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	monitoring "cloud.google.com/go/monitoring/apiv3/v2"
	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Window is a half-open acquisition interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ResolveWindow fills in missing edges: both set means as-is, start alone
// extends by duration, otherwise duration reaches back from end (or now).
func ResolveWindow(start, end time.Time, duration time.Duration, now time.Time) (Window, error) {
	switch {
	case !start.IsZero() && !end.IsZero():
	case !start.IsZero():
		end = start.Add(duration)
	default:
		if end.IsZero() {
			end = now.UTC()
		}
		start = end.Add(-duration)
	}
	if !start.Before(end) {
		return Window{}, errors.Errorf("window start %s is not before end %s", start, end)
	}
	return Window{Start: start, End: end}, nil
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Distribution is an explicit-bucket histogram sample. Bucket i covers
// [Bounds[i-1], Bounds[i]); bucket 0 is unbounded below and the last bucket
// unbounded above, so len(BucketCounts) == len(Bounds)+1 when populated.
type Distribution struct {
	Count        int64
	Mean         float64
	Bounds       []float64
	BucketCounts []int64
}

// Sum derives the cumulative sum of observations.
func (d *Distribution) Sum() float64 {
	return d.Mean * float64(d.Count)
}

// RawPoint is one backend sample. Scalar points carry Value; distribution
// points carry Dist and leave Value zero.
type RawPoint struct {
	Ts    time.Time
	Value float64
	Dist  *Distribution
}

// RawSeries is one stream returned by the backend: a label map plus points
// ordered oldest first.
type RawSeries struct {
	MetricLabels   map[string]string
	ResourceLabels map[string]string
	Points         []RawPoint
}

// Label looks a name up in the metric labels first, then in the resource
// labels.
func (rs *RawSeries) Label(name string) string {
	if v, ok := rs.MetricLabels[name]; ok {
		return v
	}
	return rs.ResourceLabels[name]
}

// Query describes one backend call.
type Query struct {
	MetricType   string
	ResourceType string
	// ResourceFilter is an extra label predicate, e.g. restricting to one
	// database_id. Empty means no restriction beyond the resource type.
	ResourceFilter string
	Window         Window
	// RateAligned requests per-second rate alignment over AlignmentPeriod.
	RateAligned     bool
	AlignmentPeriod time.Duration
}

// Backend fetches raw series for a query. Implementations must be safe for
// concurrent use from multiple fetch tasks; an implementation that cannot
// honor that contract has to be wrapped in a per-task or pooled client.
type Backend interface {
	ListSeries(ctx context.Context, q Query) ([]RawSeries, error)
}

// MonitoringBackend implements Backend on the Cloud Monitoring API. The
// underlying client holds no per-request mutable state and is reused across
// concurrent tasks.
type MonitoringBackend struct {
	client  *monitoring.MetricClient
	project string
}

func NewMonitoringBackend(ctx context.Context, project string, opts ...option.ClientOption) (*MonitoringBackend, error) {
	client, err := monitoring.NewMetricClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create monitoring client")
	}
	return &MonitoringBackend{client: client, project: project}, nil
}

func (b *MonitoringBackend) Close() error {
	return b.client.Close()
}

func (b *MonitoringBackend) ListSeries(ctx context.Context, q Query) ([]RawSeries, error) {
	filter := fmt.Sprintf("metric.type=%q AND resource.type=%q", q.MetricType, q.ResourceType)
	if q.ResourceFilter != "" {
		filter += " AND " + q.ResourceFilter
	}
	req := &monitoringpb.ListTimeSeriesRequest{
		Name:   "projects/" + b.project,
		Filter: filter,
		Interval: &monitoringpb.TimeInterval{
			StartTime: timestamppb.New(q.Window.Start),
			EndTime:   timestamppb.New(q.Window.End),
		},
		View: monitoringpb.ListTimeSeriesRequest_FULL,
	}
	if q.RateAligned {
		period := q.AlignmentPeriod
		if period <= 0 {
			period = time.Minute
		}
		req.Aggregation = &monitoringpb.Aggregation{
			AlignmentPeriod:  durationpb.New(period),
			PerSeriesAligner: monitoringpb.Aggregation_ALIGN_RATE,
		}
	}

	var out []RawSeries
	it := b.client.ListTimeSeries(ctx, req)
	for {
		ts, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", q.MetricType)
		}
		out = append(out, convertSeries(ts))
	}
	return out, nil
}

func convertSeries(ts *monitoringpb.TimeSeries) RawSeries {
	rs := RawSeries{
		MetricLabels:   ts.GetMetric().GetLabels(),
		ResourceLabels: ts.GetResource().GetLabels(),
		Points:         make([]RawPoint, 0, len(ts.GetPoints())),
	}
	for _, p := range ts.GetPoints() {
		end := p.GetInterval().GetEndTime()
		if end == nil {
			end = p.GetInterval().GetStartTime()
		}
		raw := RawPoint{Ts: end.AsTime()}
		switch v := p.GetValue().GetValue().(type) {
		case *monitoringpb.TypedValue_DoubleValue:
			raw.Value = v.DoubleValue
		case *monitoringpb.TypedValue_Int64Value:
			raw.Value = float64(v.Int64Value)
		case *monitoringpb.TypedValue_BoolValue:
			if v.BoolValue {
				raw.Value = 1
			}
		case *monitoringpb.TypedValue_DistributionValue:
			d := v.DistributionValue
			raw.Dist = &Distribution{
				Count:        d.GetCount(),
				Mean:         d.GetMean(),
				Bounds:       d.GetBucketOptions().GetExplicitBuckets().GetBounds(),
				BucketCounts: d.GetBucketCounts(),
			}
		}
		rs.Points = append(rs.Points, raw)
	}
	// The API often returns newest first; decoders rely on ascending order.
	sort.SliceStable(rs.Points, func(i, j int) bool {
		return rs.Points[i].Ts.Before(rs.Points[j].Ts)
	})
	return rs
}
