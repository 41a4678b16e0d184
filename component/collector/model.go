package collector

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SalmonSung/psql-cli/component/statements"
	"github.com/SalmonSung/psql-cli/component/timeseries"
)

// SeriesDef names one sub-series of a bundle and its unit tag.
type SeriesDef struct {
	Name string
	Unit string
}

// Schema describes one metric category: the ordered identity labels used as
// the grouping key and the named sub-series every bundle of the category
// carries.
type Schema struct {
	Category string
	Labels   []string
	Series   []SeriesDef
}

// Bundle groups the correlated series of one identity. Two raw series with
// equal identity label tuples land in the same bundle.
type Bundle struct {
	Schema *Schema                       `json:"-"`
	Labels map[string]string             `json:"labels"`
	Series map[string]*timeseries.Series `json:"series"`
}

// Identity label and series name constants shared by the schemas below.
const (
	LabelQueryHash  = "query_hash"
	LabelQuery      = "querystring"
	LabelUser       = "user"
	LabelLocation   = "location"
	LabelDatabase   = "database"
	LabelIOType     = "io_type"
	LabelState      = "state"
	LabelDatabaseID = "database_id"
	LabelRegion     = "region"

	SeriesLockTime   = "lock_time"
	SeriesCount      = "count"
	SeriesMean       = "latency_mean"
	SeriesPercentile = "latency_p75"
	SeriesIOTime     = "io_time"
	SeriesBytesRate  = "bytes_rate"
	SeriesBackends   = "backends"
)

var (
	SchemaQueryLockTime = &Schema{
		Category: CategoryQueryLockTime,
		Labels:   []string{LabelQueryHash, LabelQuery, LabelUser, LabelLocation, LabelDatabase},
		Series:   []SeriesDef{{SeriesLockTime, "us"}},
	}
	SchemaQueryLatency = &Schema{
		Category: CategoryQueryLatency,
		Labels:   []string{LabelQueryHash, LabelQuery, LabelUser, LabelLocation, LabelDatabase},
		Series: []SeriesDef{
			{SeriesCount, "count"},
			{SeriesMean, "us"},
			{SeriesPercentile, "us"},
		},
	}
	SchemaQueryIOTime = &Schema{
		Category: CategoryQueryIOTime,
		Labels:   []string{LabelQueryHash, LabelQuery, LabelUser, LabelIOType, LabelDatabase},
		Series:   []SeriesDef{{SeriesIOTime, "us"}},
	}
	SchemaWALFlushedBytes = &Schema{
		Category: CategoryWALFlushedBytes,
		Labels:   []string{LabelDatabaseID, LabelRegion},
		Series:   []SeriesDef{{SeriesBytesRate, "bytes/s"}},
	}
	SchemaWALInsertedBytes = &Schema{
		Category: CategoryWALInsertedBytes,
		Labels:   []string{LabelDatabaseID, LabelRegion},
		Series:   []SeriesDef{{SeriesBytesRate, "bytes/s"}},
	}
	SchemaBackendsByState = &Schema{
		Category: CategoryBackendsByState,
		Labels:   []string{LabelState, LabelDatabase, LabelRegion},
		Series:   []SeriesDef{{SeriesBackends, "count"}},
	}
)

// NewBundle builds an empty bundle for the schema, keeping only the identity
// labels the schema names.
func NewBundle(schema *Schema, labels map[string]string) *Bundle {
	b := &Bundle{
		Schema: schema,
		Labels: make(map[string]string, len(schema.Labels)),
		Series: make(map[string]*timeseries.Series, len(schema.Series)),
	}
	for _, name := range schema.Labels {
		b.Labels[name] = labels[name]
	}
	for _, def := range schema.Series {
		b.Series[def.Name] = timeseries.New(def.Unit)
	}
	return b
}

// Key joins the identity label values in schema order. Equal keys mean equal
// identity.
func (b *Bundle) Key() string {
	values := make([]string, len(b.Schema.Labels))
	for i, name := range b.Schema.Labels {
		values[i] = b.Labels[name]
	}
	return strings.Join(values, "\x1f")
}

func (b *Bundle) Label(name string) string {
	return b.Labels[name]
}

func (b *Bundle) sortAll() {
	for _, s := range b.Series {
		s.Sort(true)
	}
}

// Aligned verifies that the named sibling series share an identical
// timestamp domain, which indexed pairing relies on.
func (b *Bundle) Aligned(names ...string) error {
	if len(names) < 2 {
		return nil
	}
	first := b.Series[names[0]]
	if first == nil {
		return errors.Errorf("bundle %s has no series %q", b.Schema.Category, names[0])
	}
	for _, name := range names[1:] {
		s := b.Series[name]
		if s == nil {
			return errors.Errorf("bundle %s has no series %q", b.Schema.Category, name)
		}
		if s.Len() != first.Len() {
			return errors.Errorf("bundle %s: series %q has %d points, %q has %d",
				b.Schema.Category, names[0], first.Len(), name, s.Len())
		}
		for i, p := range s.Points {
			if !p.Ts.Equal(first.Points[i].Ts) {
				return errors.Errorf("bundle %s: series %q and %q diverge at index %d",
					b.Schema.Category, names[0], name, i)
			}
		}
	}
	return nil
}

// Pair is one timestamp-joined row of two sibling series.
type Pair struct {
	Ts   time.Time
	A, B float64
}

// PairedSamples joins two sibling series by timestamp, emitting only
// timestamps present in both. Joining by key instead of position keeps a
// gap in either series from silently misaligning the rest.
func (b *Bundle) PairedSamples(nameA, nameB string) ([]Pair, error) {
	sa, sb := b.Series[nameA], b.Series[nameB]
	if sa == nil || sb == nil {
		return nil, errors.Errorf("bundle %s: unknown series pair %q/%q", b.Schema.Category, nameA, nameB)
	}
	byTs := make(map[int64]float64, sb.Len())
	for _, p := range sb.Points {
		byTs[p.Ts.UnixNano()] = p.Value
	}
	out := make([]Pair, 0, sa.Len())
	for _, p := range sa.Points {
		if v, ok := byTs[p.Ts.UnixNano()]; ok {
			out = append(out, Pair{Ts: p.Ts, A: p.Value, B: v})
		}
	}
	return out, nil
}

// Snapshot is the aggregate acquisition result for one instance and window.
// It is assembled once by Collect and read-only afterwards; downstream
// transformation must work on caller-owned clones.
type Snapshot struct {
	Window Window `json:"window"`

	QueryLockTime    []*Bundle `json:"query_lock_time"`
	QueryLatency     []*Bundle `json:"query_latency"`
	QueryIOTime      []*Bundle `json:"query_io_time"`
	WALFlushedBytes  *Bundle   `json:"wal_flushed_bytes"`
	WALInsertedBytes *Bundle   `json:"wal_inserted_bytes"`
	BackendsByState  []*Bundle `json:"backends_by_state"`

	CPUUsageTime     *timeseries.Series `json:"cpu_usage_time"`
	CPUUtilization   *timeseries.Series `json:"cpu_utilization"`
	CPUReservedCores *timeseries.Series `json:"cpu_reserved_cores"`

	DiskQuota           *timeseries.Series            `json:"disk_quota"`
	DiskUtilization     *timeseries.Series            `json:"disk_utilization"`
	DiskReadBytes       *timeseries.Series            `json:"disk_read_bytes"`
	DiskReadOps         *timeseries.Series            `json:"disk_read_ops"`
	DiskWriteBytes      *timeseries.Series            `json:"disk_write_bytes"`
	DiskWriteOps        *timeseries.Series            `json:"disk_write_ops"`
	DiskBytesUsed       *timeseries.Series            `json:"disk_bytes_used"`
	DiskBytesUsedByType map[string]*timeseries.Series `json:"disk_bytes_used_by_type"`

	MemoryQuota      *timeseries.Series            `json:"memory_quota"`
	MemoryComponents map[string]*timeseries.Series `json:"memory_components"`

	TopStatements      []statements.Row `json:"top_statements,omitempty"`
	HeavyWALStatements []statements.Row `json:"heavy_wal_statements,omitempty"`

	// Failed maps category to failure reason; populated only in tolerant
	// mode, where failed categories keep their zero value.
	Failed map[string]string `json:"failed,omitempty"`
}

func newSnapshot(w Window) *Snapshot {
	return &Snapshot{Window: w}
}

func bundleList(grouped map[string]*Bundle) []*Bundle {
	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*Bundle, 0, len(keys))
	for _, key := range keys {
		b := grouped[key]
		b.sortAll()
		out = append(out, b)
	}
	return out
}
