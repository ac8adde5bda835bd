// Package openmeteo implements the forecast provider adapter for the
// Open-Meteo API: one request per numerical model, sensors requested
// together as a single comma-separated parameter, model-keyed output
// rows.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sitscholl/MeteoService/internal/gapfinder"
	"github.com/sitscholl/MeteoService/internal/httpclient"
	"github.com/sitscholl/MeteoService/internal/meteoerr"
	"github.com/sitscholl/MeteoService/internal/provider"
	"github.com/sitscholl/MeteoService/internal/record"
)

// stationCacheSize bounds the "lat,lon" virtual-station cache; unlike
// province's fixed catalog, a caller could in principle request
// unboundedly many distinct coordinates, so this is an LRU rather than
// a full preload.
const stationCacheSize = 1024

// sensorParam maps canonical variable names onto the Open-Meteo
// hourly parameter names the API expects.
var sensorParam = map[string]string{
	"tair_2m":            "temperature_2m",
	"relative_humidity":  "relative_humidity_2m",
	"precipitation":      "precipitation",
	"wind_speed":         "wind_speed_10m",
	"wind_direction":     "wind_direction_10m",
	"wind_gust":          "wind_gusts_10m",
	"air_pressure":       "surface_pressure",
	"solar_radiation":    "shortwave_radiation",
	"snow_height":        "snow_depth",
}

// Config configures a new Adapter.
type Config struct {
	BaseURL               string
	Models                []string
	Timeout               time.Duration
	MaxConcurrentRequests int
	SleepBetweenRequests  time.Duration
	ForecastWindow        time.Duration
}

// Adapter is the Open-Meteo forecast provider.
type Adapter struct {
	*provider.Base
	baseURL        string
	models         []string
	forecastWindow time.Duration

	stationCache *lru.Cache[string, record.Station]
}

// New builds an openmeteo Adapter. At least one model must be given.
func New(cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.open-meteo.com/v1/forecast"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"best_match"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 5
	}
	if cfg.SleepBetweenRequests <= 0 {
		cfg.SleepBetweenRequests = time.Second
	}
	if cfg.ForecastWindow <= 0 {
		cfg.ForecastWindow = 7 * 24 * time.Hour
	}

	base, err := provider.NewBase(cfg.Timeout, cfg.MaxConcurrentRequests, cfg.SleepBetweenRequests)
	if err != nil {
		return nil, err
	}
	stationCache, err := lru.New[string, record.Station](stationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("openmeteo: build station cache: %w", err)
	}
	return &Adapter{
		Base:           base,
		baseURL:        cfg.BaseURL,
		models:         cfg.Models,
		forecastWindow: cfg.ForecastWindow,
		stationCache:   stationCache,
	}, nil
}

func (a *Adapter) Name() string                  { return "openmeteo" }
func (a *Adapter) Freq() time.Duration           { return time.Hour }
func (a *Adapter) Inclusive() gapfinder.Inclusive { return gapfinder.InclusiveLeft }
func (a *Adapter) CanForecast() bool             { return true }
func (a *Adapter) CacheData() bool               { return false }
func (a *Adapter) LatestWindow() time.Duration   { return 0 }
func (a *Adapter) ForecastWindow() time.Duration { return a.forecastWindow }

// ListStations is not supported: Open-Meteo addresses locations by
// coordinate, not by a fixed station catalog, so callers must already
// know the station they want GetStationInfo for.
func (a *Adapter) ListStations(ctx context.Context) ([]record.Station, error) {
	return nil, fmt.Errorf("%w: openmeteo has no fixed station catalog", meteoerr.ErrProviderContract)
}

// GetStationInfo parses a "lat,lon" external ID into a virtual
// station, caching the parse so repeated lookups are cheap.
func (a *Adapter) GetStationInfo(ctx context.Context, externalID string) (record.Station, error) {
	if st, ok := a.stationCache.Get(externalID); ok {
		return st, nil
	}

	parts := strings.Split(externalID, ",")
	if len(parts) != 2 {
		return record.Station{}, fmt.Errorf("%w: openmeteo station id must be \"lat,lon\", got %q", meteoerr.ErrUnknownStation, externalID)
	}
	var lat, lon float64
	if _, err := fmt.Sscanf(parts[0], "%f", &lat); err != nil {
		return record.Station{}, fmt.Errorf("%w: bad latitude %q", meteoerr.ErrUnknownStation, parts[0])
	}
	if _, err := fmt.Sscanf(parts[1], "%f", &lon); err != nil {
		return record.Station{}, fmt.Errorf("%w: bad longitude %q", meteoerr.ErrUnknownStation, parts[1])
	}

	st := record.Station{
		Provider:   a.Name(),
		ExternalID: externalID,
		Name:       externalID,
		Latitude:   lat,
		Longitude:  lon,
		Timezone:   "UTC",
	}
	a.stationCache.Add(externalID, st)
	return st, nil
}

// GetSensors reports the full canonical variable set Open-Meteo can
// serve; the caller selects the subset it needs.
func (a *Adapter) GetSensors(ctx context.Context, externalID string) ([]provider.Sensor, error) {
	sensors := make([]provider.Sensor, 0, len(sensorParam))
	for canonical, param := range sensorParam {
		sensors = append(sensors, provider.Sensor{Code: param, Variable: canonical})
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].Variable < sensors[j].Variable })
	return sensors, nil
}

type forecastResponse struct {
	Hourly struct {
		Time   []string             `json:"time"`
		Values map[string][]float64 `json:"-"`
	} `json:"-"`
	Raw map[string]interface{} `json:"-"`
}

type modelResult struct {
	model string
	times []time.Time
	freq  time.Duration
	cols  map[string][]*float64
}

// Run issues one request per effective model, each with every known
// sensor requested as a comma-separated parameter, fetches the models
// concurrently, and merges them into a single model-keyed frame. The
// effective model set is models when the caller gave one, otherwise
// the adapter's own configured default (which may list several models
// to fetch and concatenate in one call, per fetch_raw's contract). A
// caller naming more than one model in a single request fails fast
// with meteoerr.ErrMultiModelUnsupported instead of being fetched,
// matching the query pipeline's "at most one model per request"
// invariant; the adapter's own configured default is exempt from that
// check; two default models at differing native frequencies instead
// return meteoerr.ErrMixedFrequency rather than silently picking one.
func (a *Adapter) Run(ctx context.Context, station string, models []string, start, end time.Time) (*record.Frame, error) {
	if len(models) > 1 {
		return nil, fmt.Errorf("%w: openmeteo: requested %d models %v, at most one is supported per request", meteoerr.ErrMultiModelUnsupported, len(models), models)
	}
	effectiveModels := models
	if len(effectiveModels) == 0 {
		effectiveModels = a.models
	}

	st, err := a.GetStationInfo(ctx, station)
	if err != nil {
		return nil, err
	}
	sensors, err := a.GetSensors(ctx, station)
	if err != nil {
		return nil, err
	}
	params := make([]string, len(sensors))
	columns := make([]string, len(sensors))
	variableByParam := make(map[string]string, len(sensors))
	for i, s := range sensors {
		params[i] = s.Code
		columns[i] = s.Variable
		variableByParam[s.Code] = s.Variable
	}

	results := make([]*modelResult, len(effectiveModels))
	g, gctx := errgroup.WithContext(ctx)
	for i, model := range effectiveModels {
		i, model := i, model
		g.Go(func() error {
			r, err := a.fetchModel(gctx, st, model, params, variableByParam, start, end)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var commonFreq time.Duration
	for _, r := range results {
		if r == nil || len(r.times) < 2 {
			continue
		}
		if commonFreq == 0 {
			commonFreq = r.freq
			continue
		}
		if commonFreq != r.freq {
			return nil, fmt.Errorf("%w: model %q reported freq %v, expected %v", meteoerr.ErrMixedFrequency, r.model, r.freq, commonFreq)
		}
	}

	frame := record.NewFrame(columns...)
	for _, r := range results {
		if r == nil {
			continue
		}
		for i, t := range r.times {
			row := record.Row{Datetime: t, Station: station, Model: r.model, Values: make(map[string]*float64, len(columns))}
			for _, col := range columns {
				if vals, ok := r.cols[col]; ok && i < len(vals) {
					row.Values[col] = vals[i]
				}
			}
			frame.Rows = append(frame.Rows, row)
		}
	}
	frame.SortByDatetime()
	return frame, nil
}

func (a *Adapter) fetchModel(ctx context.Context, st record.Station, model string, params []string, variableByParam map[string]string, start, end time.Time) (*modelResult, error) {
	release, err := a.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meteoerr.ErrUpstream, err)
	}
	defer release()

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%f", st.Latitude))
	q.Set("longitude", fmt.Sprintf("%f", st.Longitude))
	q.Set("hourly", strings.Join(params, ","))
	q.Set("models", model)
	q.Set("start_date", start.Format("2006-01-02"))
	q.Set("end_date", end.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("openmeteo: build request: %w", err)
	}
	client := a.Client()
	if client == nil {
		return nil, fmt.Errorf("%w: openmeteo: adapter not open", meteoerr.ErrProviderContract)
	}
	resp, err := client.Do(req)
	if err != nil {
		dialErr := fmt.Errorf("%w: openmeteo: %v", meteoerr.ErrUpstream, err)
		retryable := httpclient.Classify(dialErr, 0)
		logrus.WithFields(logrus.Fields{
			"model":        model,
			"should_retry": retryable.ShouldRetry,
		}).Warn("openmeteo: request failed before a response was received")
		return nil, dialErr
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		upstreamErr := fmt.Errorf("%w: openmeteo: status %s: %s", meteoerr.ErrUpstream, resp.Status, body)
		retryable := httpclient.Classify(upstreamErr, resp.StatusCode)
		logrus.WithFields(logrus.Fields{
			"model":        model,
			"status":       resp.StatusCode,
			"should_retry": retryable.ShouldRetry,
		}).Warn("openmeteo: upstream request failed")
		return nil, upstreamErr
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: openmeteo: decode response: %v", meteoerr.ErrProviderContract, err)
	}
	var hourly map[string]json.RawMessage
	if err := json.Unmarshal(raw["hourly"], &hourly); err != nil {
		return nil, fmt.Errorf("%w: openmeteo: missing hourly block: %v", meteoerr.ErrProviderContract, err)
	}

	var rawTimes []string
	if err := json.Unmarshal(hourly["time"], &rawTimes); err != nil {
		return nil, fmt.Errorf("%w: openmeteo: missing hourly.time: %v", meteoerr.ErrProviderContract, err)
	}

	times := make([]time.Time, len(rawTimes))
	for i, s := range rawTimes {
		ts, err := time.Parse("2006-01-02T15:04", s)
		if err != nil {
			return nil, fmt.Errorf("%w: openmeteo: parse timestamp %q: %v", meteoerr.ErrProviderContract, s, err)
		}
		times[i] = ts.UTC()
	}
	var freq time.Duration
	if len(times) >= 2 {
		freq = times[1].Sub(times[0])
	}

	cols := make(map[string][]*float64, len(params))
	for _, param := range params {
		canonical := variableByParam[param]
		var raw []*float64
		if payload, ok := hourly[param]; ok {
			if err := json.Unmarshal(payload, &raw); err != nil {
				return nil, fmt.Errorf("%w: openmeteo: decode %s: %v", meteoerr.ErrProviderContract, param, err)
			}
		}
		cols[canonical] = raw
	}

	return &modelResult{model: model, times: times, freq: freq, cols: cols}, nil
}
