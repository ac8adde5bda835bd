// Package workflow implements the top-level timeseries query
// operation: resolving timezones and default windows, delegating to
// the query manager, optionally resampling, and attaching station
// metadata to the response.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sitscholl/MeteoService/internal/meteoerr"
	"github.com/sitscholl/MeteoService/internal/provider"
	"github.com/sitscholl/MeteoService/internal/query"
	"github.com/sitscholl/MeteoService/internal/record"
	"github.com/sitscholl/MeteoService/internal/resample"
)

// Query describes one timeseries request. Start and End are optional;
// when nil they default based on the provider's latest/forecast
// window. Agg, when set, is the resampling bucket size (e.g. 24h for
// daily) and is mutually exclusive with Latest.
type Query struct {
	Provider string
	Station  string
	Model    string
	Start    *time.Time
	End      *time.Time
	Timezone string
	Agg      time.Duration
	Latest   bool
}

// ResponseMetadata carries the resolved request bounds and station
// information alongside the data itself.
type ResponseMetadata struct {
	Provider string
	Station  record.Station
	Start    time.Time
	End      time.Time
	Timezone string
}

// Response is the full result of RunTimeseriesQuery.
type Response struct {
	Metadata ResponseMetadata
	Frame    *record.Frame
}

// Workflow wires a provider registry to the query managers backing
// each provider.
type Workflow struct {
	Registry        *provider.Registry
	Managers        map[string]*query.Manager // keyed by the adapter's own Name()
	DefaultTimezone string
}

// New builds a Workflow. managers must contain one entry per adapter
// registered in registry, keyed by the adapter's own Name().
func New(registry *provider.Registry, managers map[string]*query.Manager, defaultTimezone string) *Workflow {
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	return &Workflow{Registry: registry, Managers: managers, DefaultTimezone: defaultTimezone}
}

// RunTimeseriesQuery validates q, resolves its effective timezone and
// default bounds, fetches data through the query manager, optionally
// resamples, and returns the response along with whatever rows were
// freshly fetched from upstream (the same "pending" split GetData
// reports, useful to callers deciding whether to wait on a
// write-behind cache flush).
func (w *Workflow) RunTimeseriesQuery(ctx context.Context, q Query) (*Response, *record.Frame, error) {
	if q.Agg > 0 && q.Latest {
		return nil, nil, fmt.Errorf("%w: agg and latest are mutually exclusive", meteoerr.ErrInvalidRange)
	}

	adapter, err := w.Registry.Get(q.Provider)
	if err != nil {
		return nil, nil, err
	}
	manager, ok := w.Managers[adapter.Name()]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no query manager configured for %s", meteoerr.ErrUnknownProvider, adapter.Name())
	}

	tz, err := w.resolveTimezone(q)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().In(tz)
	start, end, err := w.resolveBounds(q, adapter, now)
	if err != nil {
		return nil, nil, err
	}

	if !adapter.CanForecast() && start.After(now) {
		return nil, nil, fmt.Errorf("%w: start %s is in the future", meteoerr.ErrPastOnly, start)
	}
	if !start.Before(end) {
		return nil, nil, fmt.Errorf("%w: start %s must be before end %s", meteoerr.ErrInvalidRange, start, end)
	}

	if err := adapter.Open(ctx); err != nil {
		return nil, nil, fmt.Errorf("workflow: open provider: %w", err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			logrus.WithError(err).Warn("workflow: closing provider failed")
		}
	}()

	result, err := manager.GetData(ctx, q.Station, q.Model, start, end)
	if err != nil {
		return nil, nil, err
	}

	frame := result.Combined
	if q.Agg > 0 {
		frame, err = resample.New().Apply(frame, q.Agg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow: resample: %w", err)
		}
	}

	station := w.bestEffortStationInfo(ctx, adapter, q.Station)

	resp := &Response{
		Metadata: ResponseMetadata{
			Provider: adapter.Name(),
			Station:  station,
			Start:    start,
			End:      end,
			Timezone: tz.String(),
		},
		Frame: frame,
	}
	return resp, result.Pending, nil
}

// resolveTimezone prefers the query's own Timezone field, then the
// location carried by an explicit Start, then End, falling back to the
// workflow's configured default.
func (w *Workflow) resolveTimezone(q Query) (*time.Location, error) {
	name := q.Timezone
	if name == "" {
		if q.Start != nil && q.Start.Location() != time.UTC {
			return q.Start.Location(), nil
		}
		if q.End != nil && q.End.Location() != time.UTC {
			return q.End.Location(), nil
		}
		name = w.DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("workflow: load timezone %q: %w", name, err)
	}
	return loc, nil
}

// resolveBounds fills in a missing Start or End using the adapter's
// latest/forecast window, and localizes whichever bound was given in
// UTC (treated as the "naive" case) into the resolved timezone.
func (w *Workflow) resolveBounds(q Query, adapter provider.Adapter, now time.Time) (time.Time, time.Time, error) {
	end := q.End
	if end == nil {
		t := now
		end = &t
	}
	start := q.Start
	if start == nil {
		var t time.Time
		if adapter.CanForecast() {
			t = now
			fw := adapter.ForecastWindow()
			if fw > 0 && q.End == nil {
				extended := now.Add(fw)
				end = &extended
			}
		} else {
			window := adapter.LatestWindow()
			if window <= 0 {
				window = 24 * time.Hour
			}
			t = end.Add(-window)
		}
		start = &t
	}
	return localize(*start, now.Location()), localize(*end, now.Location()), nil
}

func localize(t time.Time, loc *time.Location) time.Time {
	if t.Location() == time.UTC {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	}
	return t
}

// bestEffortStationInfo tries the cache first (via the provider's own
// GetStationInfo, which adapters cache internally) and swallows any
// error: station metadata enriches the response but its absence must
// never fail the query.
func (w *Workflow) bestEffortStationInfo(ctx context.Context, adapter provider.Adapter, station string) record.Station {
	st, err := adapter.GetStationInfo(ctx, station)
	if err != nil {
		logrus.WithError(err).WithField("station", station).Debug("workflow: station metadata unavailable")
		return record.Station{Provider: adapter.Name(), ExternalID: station}
	}
	return st
}
