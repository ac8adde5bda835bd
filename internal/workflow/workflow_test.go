package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sitscholl/MeteoService/internal/gapfinder"
	"github.com/sitscholl/MeteoService/internal/meteoerr"
	"github.com/sitscholl/MeteoService/internal/provider"
	"github.com/sitscholl/MeteoService/internal/query"
	"github.com/sitscholl/MeteoService/internal/record"
	"github.com/sitscholl/MeteoService/internal/store"
)

type fakeAdapter struct {
	name         string
	freq         time.Duration
	inclusive    gapfinder.Inclusive
	canForecast  bool
	latestWindow time.Duration
	forecastWin  time.Duration
}

func (f *fakeAdapter) Name() string                   { return f.name }
func (f *fakeAdapter) Freq() time.Duration             { return f.freq }
func (f *fakeAdapter) Inclusive() gapfinder.Inclusive  { return f.inclusive }
func (f *fakeAdapter) CanForecast() bool               { return f.canForecast }
func (f *fakeAdapter) CacheData() bool                 { return true }
func (f *fakeAdapter) LatestWindow() time.Duration     { return f.latestWindow }
func (f *fakeAdapter) ForecastWindow() time.Duration   { return f.forecastWin }
func (f *fakeAdapter) Open(ctx context.Context) error  { return nil }
func (f *fakeAdapter) Close() error                    { return nil }

func (f *fakeAdapter) ListStations(ctx context.Context) ([]record.Station, error) { return nil, nil }

func (f *fakeAdapter) GetStationInfo(ctx context.Context, id string) (record.Station, error) {
	return record.Station{Provider: f.name, ExternalID: id, Name: "Test Station"}, nil
}

func (f *fakeAdapter) GetSensors(ctx context.Context, id string) ([]provider.Sensor, error) {
	return []provider.Sensor{{Code: "T", Variable: "tair_2m"}}, nil
}

func (f *fakeAdapter) Run(ctx context.Context, station string, models []string, start, end time.Time) (*record.Frame, error) {
	frame := record.NewFrame("tair_2m")
	for t := start; t.Before(end); t = t.Add(f.freq) {
		frame.Rows = append(frame.Rows, record.Row{Datetime: t, Station: station, Values: map[string]*float64{"tair_2m": record.Float(1)}})
	}
	return frame, nil
}

func newTestWorkflow(t *testing.T, adapter *fakeAdapter) *Workflow {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	registry := provider.NewRegistry(adapter)
	managers := map[string]*query.Manager{adapter.Name(): query.NewManager(s, adapter)}
	return New(registry, managers, "UTC")
}

func TestRunTimeseriesQueryDefaultsNonForecastBounds(t *testing.T) {
	adapter := &fakeAdapter{name: "obs", freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth, latestWindow: time.Hour}
	w := newTestWorkflow(t, adapter)

	resp, _, err := w.RunTimeseriesQuery(context.Background(), Query{Provider: "obs", Station: "S1"})
	if err != nil {
		t.Fatalf("run query: %v", err)
	}
	if !resp.Metadata.Start.Before(resp.Metadata.End) {
		t.Fatalf("expected start before end, got %v .. %v", resp.Metadata.Start, resp.Metadata.End)
	}
	if resp.Metadata.End.Sub(resp.Metadata.Start) > 2*time.Hour {
		t.Fatalf("expected default window close to the adapter's latest window, got %v", resp.Metadata.End.Sub(resp.Metadata.Start))
	}
}

func TestRunTimeseriesQueryRejectsFutureStartOnNonForecastProvider(t *testing.T) {
	adapter := &fakeAdapter{name: "obs", freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth, latestWindow: time.Hour}
	w := newTestWorkflow(t, adapter)

	future := time.Now().Add(48 * time.Hour)
	end := future.Add(time.Hour)
	_, _, err := w.RunTimeseriesQuery(context.Background(), Query{Provider: "obs", Station: "S1", Start: &future, End: &end})
	if !errors.Is(err, meteoerr.ErrPastOnly) {
		t.Fatalf("expected ErrPastOnly, got %v", err)
	}
}

func TestRunTimeseriesQueryRejectsAggAndLatestTogether(t *testing.T) {
	adapter := &fakeAdapter{name: "obs", freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth, latestWindow: time.Hour}
	w := newTestWorkflow(t, adapter)

	_, _, err := w.RunTimeseriesQuery(context.Background(), Query{Provider: "obs", Station: "S1", Agg: 24 * time.Hour, Latest: true})
	if !errors.Is(err, meteoerr.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange for agg+latest, got %v", err)
	}
}

func TestRunTimeseriesQueryUnknownProvider(t *testing.T) {
	adapter := &fakeAdapter{name: "obs", freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth, latestWindow: time.Hour}
	w := newTestWorkflow(t, adapter)

	_, _, err := w.RunTimeseriesQuery(context.Background(), Query{Provider: "nope", Station: "S1"})
	if !errors.Is(err, meteoerr.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRunTimeseriesQueryForecastDefaultsLookForward(t *testing.T) {
	adapter := &fakeAdapter{name: "fx", freq: time.Hour, inclusive: gapfinder.InclusiveLeft, canForecast: true, forecastWin: 6 * time.Hour}
	w := newTestWorkflow(t, adapter)

	resp, _, err := w.RunTimeseriesQuery(context.Background(), Query{Provider: "fx", Station: "46.5,11.3"})
	if err != nil {
		t.Fatalf("run query: %v", err)
	}
	if resp.Metadata.End.Before(resp.Metadata.Start) {
		t.Fatalf("expected a forward-looking window for a forecast provider")
	}
}

func TestRunTimeseriesQueryResamplesWhenAggSet(t *testing.T) {
	adapter := &fakeAdapter{name: "obs", freq: 10 * time.Minute, inclusive: gapfinder.InclusiveBoth, latestWindow: 2 * time.Hour}
	w := newTestWorkflow(t, adapter)

	resp, _, err := w.RunTimeseriesQuery(context.Background(), Query{Provider: "obs", Station: "S1", Agg: 24 * time.Hour})
	if err != nil {
		t.Fatalf("run query: %v", err)
	}
	if len(resp.Frame.Rows) > 2 {
		t.Fatalf("expected resampling to collapse the window onto at most a couple of daily buckets, got %d rows", len(resp.Frame.Rows))
	}
}
