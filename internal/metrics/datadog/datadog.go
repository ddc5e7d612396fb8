// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// Pipeline runs last from seconds to many minutes (model calls dominate), and
// the HTTP server lives for days. Submitting only at exit would give a single
// spike per process, so the backend:
//   - buffers observations in memory under a mutex
//   - flushes on a ticker (default: once per minute)
//   - flushes one final time on Close()
//
// Concurrency model:
//   - any session goroutine may call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under the mutex, then submits out-of-lock
//
// Only the metric names declared in internal/metrics are recognized; anything
// else is dropped so a typo cannot create unbounded Datadog series.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"lakeforge/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "lakeforge".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "team:data"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the slice of *datadogV2.MetricsApi the backend needs,
// so tests can capture payloads without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesSpec maps an internal metric name to its Datadog name and the label
// keys that become tags.
type seriesSpec struct {
	ddName  string
	tagKeys []string
}

var counterSpecs = map[string]seriesSpec{
	metrics.StageTotal:         {ddName: "lakeforge.pipeline.stage.total", tagKeys: []string{"stage", "status"}},
	metrics.RunsTotal:          {ddName: "lakeforge.pipeline.runs.total", tagKeys: []string{"status"}},
	metrics.LLMRequestsTotal:   {ddName: "lakeforge.llm.requests.total", tagKeys: []string{"model", "status"}},
	metrics.SQLStatementsTotal: {ddName: "lakeforge.sql.statements.total", tagKeys: []string{"phase", "status"}},
	metrics.FilesParsedTotal:   {ddName: "lakeforge.files.parsed.total", tagKeys: []string{"format", "status"}},
	metrics.EventsTotal:        {ddName: "lakeforge.pipeline.events.total", tagKeys: []string{"type"}},
}

var histogramSpecs = map[string]seriesSpec{
	metrics.StageDuration:      {ddName: "lakeforge.pipeline.stage.duration_seconds", tagKeys: []string{"stage", "status"}},
	metrics.LLMRequestDuration: {ddName: "lakeforge.llm.request.duration_seconds", tagKeys: []string{"model", "status"}},
}

// seriesKey identifies one buffered series: metric plus its ordered tag values.
type seriesKey struct {
	metric string
	tags   string // tag values joined with \x00, in seriesSpec.tagKeys order
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu         sync.Mutex
	counters   map[seriesKey]float64
	histograms map[seriesKey][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and starts
// its flush loop.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "lakeforge".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//   - Credentials come from DD_API_KEY / DD_SITE via the client's default context.
//
// Errors:
//   - None today; network errors surface from Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "lakeforge"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[seriesKey]float64),
		histograms: make(map[seriesKey][]float64),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Call it once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

func keyFor(metric string, spec seriesSpec, labels metrics.Labels) seriesKey {
	vals := make([]string, len(spec.tagKeys))
	for i, k := range spec.tagKeys {
		v := labels[k]
		if v == "" {
			v = "unknown"
		}
		vals[i] = v
	}
	return seriesKey{metric: metric, tags: strings.Join(vals, "\x00")}
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	spec, ok := counterSpecs[name]
	if !ok {
		return
	}
	k := keyFor(name, spec, labels)

	b.mu.Lock()
	b.counters[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	spec, ok := histogramSpecs[name]
	if !ok {
		return
	}
	k := keyFor(name, spec, labels)

	b.mu.Lock()
	b.histograms[k] = append(b.histograms[k], value)
	b.mu.Unlock()
}

// snapshot is the detached buffer state used to build one flush payload.
type snapshot struct {
	counters   map[seriesKey]float64
	histograms map[seriesKey][]float64
}

func (s snapshot) isEmpty() bool {
	return len(s.counters) == 0 && len(s.histograms) == 0
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{counters: b.counters, histograms: b.histograms}
	b.counters = make(map[seriesKey]float64)
	b.histograms = make(map[seriesKey][]float64)
	return s
}

// Flush submits buffered metrics and resets local buffers.
//
// Edge cases:
//   - Returns nil without a request when nothing was recorded.
//   - Buffers are reset even when submission fails; delivery is at most once.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure: it turns a snapshot into Datadog series at a fixed
// timestamp. Output order is sorted by metric name then tags, so payloads are
// deterministic.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.counters)+6*len(s.histograms))

	for _, k := range sortedKeys(s.counters) {
		v := s.counters[k]
		if v == 0 {
			continue
		}
		spec := counterSpecs[k.metric]
		series = append(series, point(spec.ddName, datadogV2.METRICINTAKETYPE_COUNT, v, b.tagsFor(spec, k), nowUnix))
	}

	for _, k := range sortedKeys(s.histograms) {
		samples := s.histograms[k]
		if len(samples) == 0 {
			continue
		}
		spec := histogramSpecs[k.metric]
		cp := append([]float64(nil), samples...)
		sort.Float64s(cp)
		tags := b.tagsFor(spec, k)

		gauge := datadogV2.METRICINTAKETYPE_GAUGE
		series = append(series,
			point(spec.ddName+".p50", gauge, percentileNearestRank(cp, 0.50), tags, nowUnix),
			point(spec.ddName+".p90", gauge, percentileNearestRank(cp, 0.90), tags, nowUnix),
			point(spec.ddName+".p95", gauge, percentileNearestRank(cp, 0.95), tags, nowUnix),
			point(spec.ddName+".p99", gauge, percentileNearestRank(cp, 0.99), tags, nowUnix),
			point(spec.ddName+".max", gauge, cp[len(cp)-1], tags, nowUnix),
			point(spec.ddName+".samples", gauge, float64(len(cp)), tags, nowUnix),
		)
	}
	return series
}

func (b *Backend) tagsFor(spec seriesSpec, k seriesKey) []string {
	vals := strings.Split(k.tags, "\x00")
	extras := make([]string, 0, len(spec.tagKeys))
	for i, tk := range spec.tagKeys {
		v := "unknown"
		if i < len(vals) {
			v = vals[i]
		}
		extras = append(extras, tk+":"+v)
	}
	return withTags(b.baseTags, extras...)
}

func sortedKeys[V any](m map[seriesKey]V) []seriesKey {
	keys := make([]seriesKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].tags < keys[j].tags
	})
	return keys
}

func point(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:data".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
