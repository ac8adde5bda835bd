package query

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sitscholl/MeteoService/internal/gapfinder"
	"github.com/sitscholl/MeteoService/internal/profile"
	"github.com/sitscholl/MeteoService/internal/provider"
	"github.com/sitscholl/MeteoService/internal/record"
	"github.com/sitscholl/MeteoService/internal/store"
)

// fakeAdapter is a minimal provider.Adapter double: it serves fixed
// values for whatever gap it is asked about, and can be told to fail
// a given gap to exercise the partial-failure path.
type fakeAdapter struct {
	freq      time.Duration
	inclusive gapfinder.Inclusive

	mu         sync.Mutex
	calls      int
	fail       func(start, end time.Time) bool
	lastModels []string
}

func (f *fakeAdapter) Name() string                  { return "fake" }
func (f *fakeAdapter) Freq() time.Duration            { return f.freq }
func (f *fakeAdapter) Inclusive() gapfinder.Inclusive { return f.inclusive }
func (f *fakeAdapter) CanForecast() bool              { return false }
func (f *fakeAdapter) CacheData() bool                { return true }
func (f *fakeAdapter) LatestWindow() time.Duration    { return 24 * time.Hour }
func (f *fakeAdapter) ForecastWindow() time.Duration  { return 0 }
func (f *fakeAdapter) Open(ctx context.Context) error { return nil }
func (f *fakeAdapter) Close() error                   { return nil }

func (f *fakeAdapter) ListStations(ctx context.Context) ([]record.Station, error) { return nil, nil }

func (f *fakeAdapter) GetStationInfo(ctx context.Context, id string) (record.Station, error) {
	return record.Station{Provider: "fake", ExternalID: id}, nil
}

func (f *fakeAdapter) GetSensors(ctx context.Context, id string) ([]provider.Sensor, error) {
	return nil, nil
}

func (f *fakeAdapter) Run(ctx context.Context, station string, models []string, start, end time.Time) (*record.Frame, error) {
	f.mu.Lock()
	f.calls++
	f.lastModels = models
	f.mu.Unlock()

	if f.fail != nil && f.fail(start, end) {
		return nil, errors.New("simulated upstream failure")
	}

	frame := record.NewFrame("tair_2m")
	for t := start; t.Before(end); t = t.Add(f.freq) {
		frame.Rows = append(frame.Rows, record.Row{
			Datetime: t, Station: station, Values: map[string]*float64{"tair_2m": record.Float(1.0)},
		})
	}
	return frame, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetDataFullFetchIntoEmptyCache(t *testing.T) {
	s := openTestStore(t)
	adapter := &fakeAdapter{freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth}
	m := NewManager(s, adapter)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return end.Add(time.Hour) }

	res, err := m.GetData(context.Background(), "S1", "", start, end)
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	if len(res.Combined.Rows) == 0 {
		t.Fatalf("expected rows from a full fetch into an empty cache")
	}
	if adapter.calls == 0 {
		t.Fatalf("expected the adapter to be called for the missing range")
	}
}

func TestGetDataCachedExactRangeSkipsUpstream(t *testing.T) {
	s := openTestStore(t)
	adapter := &fakeAdapter{freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth}
	m := NewManager(s, adapter)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return end.Add(time.Hour) }

	if _, err := m.GetData(context.Background(), "S1", "", start, end); err != nil {
		t.Fatalf("warm the cache: %v", err)
	}
	m.WaitForWriteBacks()
	firstCalls := adapter.calls

	// second call over the exact same, now fully-cached range should
	// not need any further upstream fetch.
	res, err := m.GetData(context.Background(), "S1", "", start, end)
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	if adapter.calls != firstCalls {
		t.Fatalf("expected no additional upstream calls once the range is fully cached, calls went from %d to %d", firstCalls, adapter.calls)
	}
	if len(res.Combined.Rows) == 0 {
		t.Fatalf("expected cached rows to be returned")
	}
}

func TestGetDataRecordsGapFetchOnMonitor(t *testing.T) {
	s := openTestStore(t)
	adapter := &fakeAdapter{freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth}
	m := NewManager(s, adapter)
	m.Monitor = profile.NewPerformanceMonitor()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	base := end.Add(time.Hour)
	var calls int
	m.Now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Millisecond)
	}

	if _, err := m.GetData(context.Background(), "S1", "", start, end); err != nil {
		t.Fatalf("get data: %v", err)
	}
	if m.Monitor.GetAverageQueryTime() <= 0 {
		t.Fatalf("expected a recorded query time greater than zero, got %v", m.Monitor.GetAverageQueryTime())
	}
	if m.Monitor.GetAverageGapFetchDuration() <= 0 {
		t.Fatalf("expected a recorded gap-fetch duration greater than zero, got %v", m.Monitor.GetAverageGapFetchDuration())
	}
}

func TestGetDataAllGapsFailedEmptyCacheReturnsEmptyFrames(t *testing.T) {
	s := openTestStore(t)
	adapter := &fakeAdapter{
		freq:      10 * time.Minute,
		inclusive: gapfinder.InclusiveBoth,
		fail:      func(start, end time.Time) bool { return true },
	}
	m := NewManager(s, adapter)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return end.Add(time.Hour) }

	res, err := m.GetData(context.Background(), "S1", "", start, end)
	if err != nil {
		t.Fatalf("expected no error when every gap fails and cache is empty, got %v", err)
	}
	if len(res.Combined.Rows) != 0 || len(res.Pending.Rows) != 0 {
		t.Fatalf("expected empty frames, got %d combined and %d pending rows", len(res.Combined.Rows), len(res.Pending.Rows))
	}
}

func TestGetDataPartialGapFailureStillReturnsCachedPortion(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC)

	warmAdapter := &fakeAdapter{freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth}
	warm := NewManager(s, warmAdapter)
	warm.Now = func() time.Time { return end.Add(time.Hour) }
	if _, err := warm.GetData(context.Background(), "S1", "", start, end); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	warm.WaitForWriteBacks()

	laterEnd := end.Add(30 * time.Minute)
	failingAdapter := &fakeAdapter{
		freq:      10 * time.Minute,
		inclusive: gapfinder.InclusiveBoth,
		fail:      func(s, e time.Time) bool { return true },
	}
	m := NewManager(s, failingAdapter)
	m.Now = func() time.Time { return laterEnd.Add(time.Hour) }

	res, err := m.GetData(context.Background(), "S1", "", start, laterEnd)
	if err != nil {
		t.Fatalf("expected no error since cache already covered part of the range: %v", err)
	}
	if len(res.Combined.Rows) == 0 {
		t.Fatalf("expected the previously cached rows to still be returned")
	}
}
