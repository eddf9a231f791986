package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"paineis/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// quietOptions disables the periodic loop for deterministic tests.
func quietOptions(fs *fakeSubmitter, unix int64) Options {
	return Options{
		JobName:    "worker",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(unix, 0) },
		newTicker:  func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

func newQuietBackend(t *testing.T, fs *fakeSubmitter, unix int64) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), quietOptions(fs, unix))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}

	in := errors.New("boom")
	got := wrapInitErr(in)
	if got == nil || !strings.Contains(got.Error(), "datadog metrics init:") {
		t.Fatalf("wrapInitErr(err)=%v, want prefixed error", got)
	}
	if !errors.Is(got, in) {
		t.Fatalf("wrapInitErr did not wrap original error: got=%v", got)
	}
}

func TestNewBackend_RejectsMalformedTags(t *testing.T) {
	for _, tag := range []string{"service", ":x", "env:"} {
		opts := quietOptions(&fakeSubmitter{}, 1)
		opts.Tags = []string{tag}
		if b, err := NewBackend(context.Background(), opts); err == nil {
			_ = b.Close()
			t.Fatalf("NewBackend(tags=[%q]) err=nil, want error", tag)
		}
	}
}

// TestWithTags verifies tag concatenation and that the output does not alias base.
func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:paineis"}
	got := withTags(base, "status:ok")
	want := []string{"env:test", "job:paineis", "status:ok"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestSeriesShapes(t *testing.T) {
	now := int64(1234567)
	g := gaugeSeries("paineis.test.gauge", 3.14, []string{"env:test"}, now)
	c := countSeries("paineis.test.total", 2, []string{"env:test"}, now)

	if g.Type == nil || *g.Type != datadogV2.METRICINTAKETYPE_GAUGE {
		t.Fatalf("gauge Type=%v, want GAUGE", g.Type)
	}
	if c.Type == nil || *c.Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Fatalf("count Type=%v, want COUNT", c.Type)
	}
	if len(g.Points) != 1 || *g.Points[0].Timestamp != now || *g.Points[0].Value != 3.14 {
		t.Fatalf("gauge points=%+v", g.Points)
	}
}

// TestAddPercentiles verifies the six gauges and that input order is kept.
func TestAddPercentiles(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"status:ok"}, "paineis.ingest.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}

	byName := map[string]float64{}
	for _, s := range series {
		byName[s.Metric] = *s.Points[0].Value
	}
	want := map[string]float64{
		"paineis.ingest.duration_seconds.p50":     3,
		"paineis.ingest.duration_seconds.max":     5,
		"paineis.ingest.duration_seconds.samples": 5,
	}
	for k, v := range want {
		if byName[k] != v {
			t.Fatalf("%s=%v, want %v (all=%v)", k, byName[k], v, byName)
		}
	}

	var none []datadogV2.MetricSeries
	addPercentiles(&none, nil, "x", nil, 1)
	if len(none) != 0 {
		t.Fatalf("empty samples produced %d series", len(none))
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs, 123)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"service:paineis"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:paineis") || !contains(b.baseTags, "service:paineis") {
		t.Fatalf("baseTags=%v, want job:paineis and service:paineis", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuietBackend(t, fs, 1000)

	b.IncCounter(metrics.IngestTotal, 1, metrics.Labels{"status": "ok"})
	b.IncCounter(metrics.IngestTotal, 1, metrics.Labels{"status": "ok"})
	b.IncCounter(metrics.IngestTotal, 1, metrics.Labels{"status": "error"})
	b.IncCounter(metrics.RowsTotal, 120, metrics.Labels{"kind": "rows"})
	b.IncCounter(metrics.CacheTotal, 1, metrics.Labels{"result": "hit"})
	b.IncCounter(metrics.QueueJobsTotal, 1, metrics.Labels{"status": "enqueued"})
	b.ObserveHistogram(metrics.IngestDurationSeconds, 0.5, metrics.Labels{"status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.counts) != 0 || len(b.samples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	got := map[string]float64{}
	var names []string
	for _, s := range payload.Series {
		key := s.Metric + "|" + s.Tags[len(s.Tags)-1]
		got[key] = *s.Points[0].Value
		names = append(names, key)
		if !contains(s.Tags, "job:worker") {
			t.Fatalf("series %q missing job tag: %v", s.Metric, s.Tags)
		}
	}

	want := map[string]float64{
		"paineis.ingest.total|status:ok":                    2,
		"paineis.ingest.total|status:error":                 1,
		"paineis.rows.total|kind:rows":                      120,
		"paineis.dashboard_cache.total|result:hit":          1,
		"paineis.queue.jobs.total|status:enqueued":          1,
		"paineis.ingest.duration_seconds.p50|status:ok":     0.5,
		"paineis.ingest.duration_seconds.samples|status:ok": 1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s=%v, want %v; got series %v", k, got[k], v, names)
		}
	}
}

func metricNames(series []datadogV2.MetricSeries) []string {
	out := make([]string, 0, len(series))
	for _, s := range series {
		out = append(out, s.Metric)
	}
	return out
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuietBackend(t, fs, 1000)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_SubmitErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake down")}
	b := newQuietBackend(t, fs, 1000)

	b.IncCounter(metrics.IngestTotal, 1, metrics.Labels{"status": "ok"})
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	fs.err = nil
	if err := b.Flush(); err != nil || fs.count() != 1 {
		t.Fatalf("second Flush() err=%v submissions=%d, want nil and 1", err, fs.count())
	}
}

// TestLoopAndClose verifies the background loop flushes and Close performs a final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.QueueJobsTotal, 1, metrics.Labels{"status": "consumed"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.QueueJobsTotal, 1, metrics.Labels{"status": "consumed"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuietBackend(t, fs, 3000)

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.IngestTotal, 1, metrics.Labels{"status": "ok"})
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": "rows"})
				b.ObserveHistogram(metrics.IngestDurationSeconds, 0.01, metrics.Labels{"status": "ok"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, _ := fs.last()
	for _, s := range payload.Series {
		if s.Metric == "paineis.ingest.total" && *s.Points[0].Value != float64(workers*iters) {
			t.Fatalf("ingest total=%v, want %d", *s.Points[0].Value, workers*iters)
		}
	}
}

// TestIncCounterAndObserveHistogram_EdgeCases verifies ignored paths and defaults.
func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newQuietBackend(t, fs, 4000)

	b.IncCounter(metrics.IngestTotal, 0, metrics.Labels{"status": "ok"})
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.IngestDurationSeconds, -1, metrics.Labels{"status": "ok"})
	// Missing status falls back to "unknown".
	b.IncCounter(metrics.IngestTotal, 1, nil)
	b.ObserveHistogram(metrics.IngestDurationSeconds, 0.1, metrics.Labels{"status": "  "})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}
	if len(payload.Series) != 7 {
		t.Fatalf("series=%v, want 1 count + 6 gauges", metricNames(payload.Series))
	}
	for _, s := range payload.Series {
		if !contains(s.Tags, "status:unknown") {
			t.Fatalf("series %q tags=%v, want status:unknown", s.Metric, s.Tags)
		}
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,service:paineis,  ,team:gepub ", want: []string{"env:prod", "service:paineis", "team:gepub"}},
		{name: "single_tag", in: "service:paineis", want: []string{"service:paineis"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
