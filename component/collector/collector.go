package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SalmonSung/psql-cli/component/statements"
	"github.com/SalmonSung/psql-cli/component/timeseries"
)

// Metric categories. The task table below is the closed set: every category
// maps to exactly one Snapshot field and no two tasks share a field.
const (
	CategoryQueryLockTime       = "query_lock_time"
	CategoryQueryLatency        = "query_latency"
	CategoryQueryIOTime         = "query_io_time"
	CategoryWALFlushedBytes     = "wal_flushed_bytes"
	CategoryWALInsertedBytes    = "wal_inserted_bytes"
	CategoryBackendsByState     = "backends_by_state"
	CategoryCPUUsageTime        = "cpu_usage_time"
	CategoryCPUUtilization      = "cpu_utilization"
	CategoryCPUReservedCores    = "cpu_reserved_cores"
	CategoryDiskQuota           = "disk_quota"
	CategoryDiskUtilization     = "disk_utilization"
	CategoryDiskReadBytes       = "disk_read_bytes"
	CategoryDiskReadOps         = "disk_read_ops"
	CategoryDiskWriteBytes      = "disk_write_bytes"
	CategoryDiskWriteOps        = "disk_write_ops"
	CategoryDiskBytesUsed       = "disk_bytes_used"
	CategoryDiskBytesUsedByType = "disk_bytes_used_by_type"
	CategoryMemoryQuota         = "memory_quota"
	CategoryMemoryComponents    = "memory_components"
	CategoryStatements          = "statements"
)

// Cloud SQL metric types and monitored resource types.
const (
	metricQueryLockTime       = "cloudsql.googleapis.com/database/postgresql/insights/perquery/lock_time"
	metricQueryLatency        = "cloudsql.googleapis.com/database/postgresql/insights/perquery/latencies"
	metricQueryIOTime         = "cloudsql.googleapis.com/database/postgresql/insights/perquery/io_time"
	metricWALFlushedBytes     = "cloudsql.googleapis.com/database/postgresql/write_ahead_log/flushed_bytes_count"
	metricWALInsertedBytes    = "cloudsql.googleapis.com/database/postgresql/write_ahead_log/inserted_bytes_count"
	metricBackendsByState     = "cloudsql.googleapis.com/database/postgresql/num_backends_by_state"
	metricCPUUsageTime        = "cloudsql.googleapis.com/database/cpu/usage_time"
	metricCPUUtilization      = "cloudsql.googleapis.com/database/cpu/utilization"
	metricCPUReservedCores    = "cloudsql.googleapis.com/database/cpu/reserved_cores"
	metricDiskQuota           = "cloudsql.googleapis.com/database/disk/quota"
	metricDiskUtilization     = "cloudsql.googleapis.com/database/disk/utilization"
	metricDiskReadBytes       = "cloudsql.googleapis.com/database/disk/read_bytes_count"
	metricDiskReadOps         = "cloudsql.googleapis.com/database/disk/read_ops_count"
	metricDiskWriteBytes      = "cloudsql.googleapis.com/database/disk/write_bytes_count"
	metricDiskWriteOps        = "cloudsql.googleapis.com/database/disk/write_ops_count"
	metricDiskBytesUsed       = "cloudsql.googleapis.com/database/disk/bytes_used"
	metricDiskBytesUsedByType = "cloudsql.googleapis.com/database/disk/bytes_used_by_data_type"
	metricMemoryQuota         = "cloudsql.googleapis.com/database/memory/quota"
	metricMemoryComponents    = "cloudsql.googleapis.com/database/memory/components"

	resourceDatabase         = "cloudsql_database"
	resourceInstanceDatabase = "cloudsql_instance_database"
)

// FetchError reports the failure of one category's backend call. It is
// isolated to its task; under the fail-fast policy it aborts the whole
// acquisition.
type FetchError struct {
	Category string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Category, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Options configure a Collector.
type Options struct {
	Project  string
	Instance string
	Window   Window
	// MaxWorkers caps concurrent fetch tasks; <=0 or larger than the task
	// count means one worker per task.
	MaxWorkers int
	// TaskTimeout bounds each fetch task; zero imposes none.
	TaskTimeout time.Duration
	// Tolerant assembles a partial snapshot instead of failing fast; failed
	// categories stay empty and are listed in Snapshot.Failed.
	Tolerant bool
	// Percentile estimated for latency distributions, in (0, 1).
	Percentile float64
	// Statements enables the pg_stat_statements task when non-nil.
	Statements statements.Store
	// TopStatements caps both statement rankings.
	TopStatements int
}

// Collector acquires one consistent Snapshot per Collect call by fanning
// out one task per metric category against the backend.
type Collector struct {
	backend Backend
	opts    Options
}

func New(backend Backend, opts Options) *Collector {
	if opts.Percentile <= 0 || opts.Percentile >= 1 {
		opts.Percentile = 0.75
	}
	if opts.TopStatements <= 0 {
		opts.TopStatements = 20
	}
	return &Collector{backend: backend, opts: opts}
}

type task struct {
	category string
	run      func(ctx context.Context) error
}

// tasks builds the closed task table. Each task decodes into exactly one
// field of snap, so completed tasks never contend on the result.
func (c *Collector) tasks(snap *Snapshot) []task {
	ts := []task{
		{CategoryQueryLockTime, func(ctx context.Context) error {
			bundles, err := c.loadQueryLockTime(ctx)
			snap.QueryLockTime = bundles
			return err
		}},
		{CategoryQueryLatency, func(ctx context.Context) error {
			bundles, err := c.loadQueryLatency(ctx)
			snap.QueryLatency = bundles
			return err
		}},
		{CategoryQueryIOTime, func(ctx context.Context) error {
			bundles, err := c.loadQueryIOTime(ctx)
			snap.QueryIOTime = bundles
			return err
		}},
		{CategoryWALFlushedBytes, func(ctx context.Context) error {
			b, err := c.loadWALRate(ctx, metricWALFlushedBytes, SchemaWALFlushedBytes)
			snap.WALFlushedBytes = b
			return err
		}},
		{CategoryWALInsertedBytes, func(ctx context.Context) error {
			b, err := c.loadWALRate(ctx, metricWALInsertedBytes, SchemaWALInsertedBytes)
			snap.WALInsertedBytes = b
			return err
		}},
		{CategoryBackendsByState, func(ctx context.Context) error {
			bundles, err := c.loadBackendsByState(ctx)
			snap.BackendsByState = bundles
			return err
		}},
		{CategoryCPUUsageTime, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricCPUUsageTime, "CPU-seconds")
			snap.CPUUsageTime = s
			return err
		}},
		{CategoryCPUUtilization, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricCPUUtilization, "ratio")
			snap.CPUUtilization = s
			return err
		}},
		{CategoryCPUReservedCores, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricCPUReservedCores, "cores")
			snap.CPUReservedCores = s
			return err
		}},
		{CategoryDiskQuota, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricDiskQuota, "bytes")
			snap.DiskQuota = s
			return err
		}},
		{CategoryDiskUtilization, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricDiskUtilization, "ratio")
			snap.DiskUtilization = s
			return err
		}},
		{CategoryDiskReadBytes, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricDiskReadBytes, "bytes")
			snap.DiskReadBytes = s
			return err
		}},
		{CategoryDiskReadOps, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricDiskReadOps, "ops")
			snap.DiskReadOps = s
			return err
		}},
		{CategoryDiskWriteBytes, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricDiskWriteBytes, "bytes")
			snap.DiskWriteBytes = s
			return err
		}},
		{CategoryDiskWriteOps, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricDiskWriteOps, "ops")
			snap.DiskWriteOps = s
			return err
		}},
		{CategoryDiskBytesUsed, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricDiskBytesUsed, "bytes")
			snap.DiskBytesUsed = s
			return err
		}},
		{CategoryDiskBytesUsedByType, func(ctx context.Context) error {
			m, err := c.loadKeyed(ctx, metricDiskBytesUsedByType, "data_type", "bytes")
			snap.DiskBytesUsedByType = m
			return err
		}},
		{CategoryMemoryQuota, func(ctx context.Context) error {
			s, err := c.loadScalar(ctx, metricMemoryQuota, "bytes")
			snap.MemoryQuota = s
			return err
		}},
		{CategoryMemoryComponents, func(ctx context.Context) error {
			m, err := c.loadKeyed(ctx, metricMemoryComponents, "component", "ratio")
			snap.MemoryComponents = m
			return err
		}},
	}
	if c.opts.Statements != nil {
		ts = append(ts, task{CategoryStatements, func(ctx context.Context) error {
			rows, err := c.opts.Statements.Statements(ctx)
			if err != nil {
				return err
			}
			snap.TopStatements = statements.TopByTotalExec(rows, c.opts.TopStatements)
			snap.HeavyWALStatements = statements.TopByWALBytes(rows, c.opts.TopStatements)
			return nil
		}})
	}
	return ts
}

// Collect fans every category task out over a bounded worker pool, waits
// for all of them, and assembles the Snapshot. The default policy is
// fail-fast: the first failure cancels the remaining tasks and Collect
// returns a FetchError naming the category. With Options.Tolerant the
// failures are recorded in Snapshot.Failed instead and a partial snapshot
// is returned.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := newSnapshot(c.opts.Window)
	tasks := c.tasks(snap)

	limit := c.opts.MaxWorkers
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	failed := make(map[string]string)

	start := time.Now()
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			err := c.runTask(gctx, t)
			if err == nil {
				return nil
			}
			if !c.opts.Tolerant {
				return err
			}
			mu.Lock()
			failed[t.category] = err.Error()
			mu.Unlock()
			log.Warn("category failed, continuing in tolerant mode",
				zap.String("category", t.category), zap.Error(err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(failed) > 0 {
		snap.Failed = failed
	}
	log.Info("snapshot assembled",
		zap.Int("tasks", len(tasks)),
		zap.Int("failed", len(failed)),
		zap.Duration("cost", time.Since(start)))
	return snap, nil
}

func (c *Collector) runTask(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in fetch task",
				zap.String("category", t.category),
				zap.Reflect("r", r),
				zap.Stack("stack trace"))
			err = &FetchError{Category: t.category, Err: errors.Errorf("panic: %v", r)}
		}
	}()

	if c.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	err = t.run(ctx)
	fetchDuration.WithLabelValues(t.category).Observe(time.Since(start).Seconds())
	if err != nil {
		fetchFailures.WithLabelValues(t.category).Inc()
		return &FetchError{Category: t.category, Err: err}
	}
	return nil
}

func (c *Collector) databaseID() string {
	return c.opts.Project + ":" + c.opts.Instance
}

func (c *Collector) databaseFilter() string {
	return fmt.Sprintf("resource.labels.database_id=%q", c.databaseID())
}

func (c *Collector) insightsFilter() string {
	return fmt.Sprintf("resource.labels.resource_id=%q", c.databaseID())
}

func (c *Collector) loadQueryLockTime(ctx context.Context) ([]*Bundle, error) {
	raw, err := c.backend.ListSeries(ctx, Query{
		MetricType:     metricQueryLockTime,
		ResourceType:   resourceInstanceDatabase,
		ResourceFilter: c.insightsFilter(),
		Window:         c.opts.Window,
	})
	if err != nil {
		return nil, err
	}
	grouped := make(map[string]*Bundle)
	for i := range raw {
		rs := &raw[i]
		b := groupInto(grouped, SchemaQueryLockTime, rs)
		decodeCumulative(b.Series[SeriesLockTime], rs.Points)
	}
	log.Debug("decoded query lock time", zap.Int("series", len(raw)), zap.Int("bundles", len(grouped)))
	return bundleList(grouped), nil
}

func (c *Collector) loadQueryLatency(ctx context.Context) ([]*Bundle, error) {
	raw, err := c.backend.ListSeries(ctx, Query{
		MetricType:     metricQueryLatency,
		ResourceType:   resourceInstanceDatabase,
		ResourceFilter: c.insightsFilter(),
		Window:         c.opts.Window,
	})
	if err != nil {
		return nil, err
	}
	grouped := make(map[string]*Bundle)
	for i := range raw {
		rs := &raw[i]
		b := groupInto(grouped, SchemaQueryLatency, rs)
		decodeDistribution(b.Series[SeriesCount], b.Series[SeriesMean], b.Series[SeriesPercentile],
			rs.Points, c.opts.Percentile, b.Key())
	}
	log.Debug("decoded query latency", zap.Int("series", len(raw)), zap.Int("bundles", len(grouped)))
	return bundleList(grouped), nil
}

func (c *Collector) loadQueryIOTime(ctx context.Context) ([]*Bundle, error) {
	raw, err := c.backend.ListSeries(ctx, Query{
		MetricType:     metricQueryIOTime,
		ResourceType:   resourceInstanceDatabase,
		ResourceFilter: c.insightsFilter(),
		Window:         c.opts.Window,
	})
	if err != nil {
		return nil, err
	}
	grouped := make(map[string]*Bundle)
	for i := range raw {
		rs := &raw[i]
		b := groupInto(grouped, SchemaQueryIOTime, rs)
		decodeCumulative(b.Series[SeriesIOTime], rs.Points)
	}
	return bundleList(grouped), nil
}

// loadWALRate fetches a rate-aligned WAL throughput metric. All returned
// streams describe the one filtered instance, so they collapse into a single
// bundle keyed by database_id/region.
func (c *Collector) loadWALRate(ctx context.Context, metricType string, schema *Schema) (*Bundle, error) {
	raw, err := c.backend.ListSeries(ctx, Query{
		MetricType:      metricType,
		ResourceType:    resourceDatabase,
		ResourceFilter:  c.databaseFilter(),
		Window:          c.opts.Window,
		RateAligned:     true,
		AlignmentPeriod: time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return NewBundle(schema, map[string]string{LabelDatabaseID: c.databaseID()}), nil
	}

	b := groupInto(make(map[string]*Bundle), schema, &raw[0])
	series := b.Series[SeriesBytesRate]
	for i := range raw {
		for _, p := range raw[i].Points {
			series.Append(p.Ts, p.Value)
		}
	}
	series.Sort(true)
	return b, nil
}

func (c *Collector) loadBackendsByState(ctx context.Context) ([]*Bundle, error) {
	raw, err := c.backend.ListSeries(ctx, Query{
		MetricType:     metricBackendsByState,
		ResourceType:   resourceDatabase,
		ResourceFilter: c.databaseFilter(),
		Window:         c.opts.Window,
	})
	if err != nil {
		return nil, err
	}
	grouped := make(map[string]*Bundle)
	for i := range raw {
		rs := &raw[i]
		b := groupInto(grouped, SchemaBackendsByState, rs)
		series := b.Series[SeriesBackends]
		for _, p := range rs.Points {
			series.Append(truncMinute(p.Ts), p.Value)
		}
	}
	return bundleList(grouped), nil
}

func (c *Collector) loadScalar(ctx context.Context, metricType, unit string) (*timeseries.Series, error) {
	raw, err := c.backend.ListSeries(ctx, Query{
		MetricType:     metricType,
		ResourceType:   resourceDatabase,
		ResourceFilter: c.databaseFilter(),
		Window:         c.opts.Window,
	})
	if err != nil {
		return nil, err
	}
	s := timeseries.New(unit)
	for i := range raw {
		for _, p := range raw[i].Points {
			s.Append(truncMinute(p.Ts), p.Value)
		}
	}
	s.Sort(true)
	return s, nil
}

// loadKeyed fetches a metric whose streams split on one metric label (e.g.
// data_type, component) and returns one series per label value.
func (c *Collector) loadKeyed(ctx context.Context, metricType, labelKey, unit string) (map[string]*timeseries.Series, error) {
	raw, err := c.backend.ListSeries(ctx, Query{
		MetricType:     metricType,
		ResourceType:   resourceDatabase,
		ResourceFilter: c.databaseFilter(),
		Window:         c.opts.Window,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*timeseries.Series)
	for i := range raw {
		rs := &raw[i]
		key := rs.Label(labelKey)
		s, ok := out[key]
		if !ok {
			s = timeseries.New(unit)
			out[key] = s
		}
		for _, p := range rs.Points {
			s.Append(truncMinute(p.Ts), p.Value)
		}
	}
	for _, s := range out {
		s.Sort(true)
	}
	return out, nil
}

// groupInto routes a raw series into the bundle owning its identity,
// creating the bundle on first sight.
func groupInto(grouped map[string]*Bundle, schema *Schema, rs *RawSeries) *Bundle {
	labels := make(map[string]string, len(schema.Labels))
	for _, name := range schema.Labels {
		labels[name] = rs.Label(name)
	}
	probe := NewBundle(schema, labels)
	key := probe.Key()
	if b, ok := grouped[key]; ok {
		return b
	}
	grouped[key] = probe
	return probe
}
