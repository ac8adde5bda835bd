// Package province implements the observational provider adapter for
// the South Tyrol open weather data portal: one HTTP call per sensor,
// a dense 10-minute grid, and no forecast models.
package province

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

	"github.com/sitscholl/MeteoService/internal/gapfinder"
	"github.com/sitscholl/MeteoService/internal/httpclient"
	"github.com/sitscholl/MeteoService/internal/meteoerr"
	"github.com/sitscholl/MeteoService/internal/provider"
	"github.com/sitscholl/MeteoService/internal/record"
)

// stationCacheSize and sensorCacheSize bound the per-station metadata
// caches; the province portal has on the order of a few hundred
// stations, so these sizes comfortably hold the whole catalog without
// growing unbounded the way a plain map would.
const (
	stationCacheSize = 1024
	sensorCacheSize  = 1024
)

// rename maps the portal's native sensor codes onto the canonical
// variable names the rest of the system understands.
var rename = map[string]string{
	"LT":     "tair_2m",
	"LF":     "relative_humidity",
	"N":      "precipitation",
	"WG":     "wind_speed",
	"WR":     "wind_direction",
	"WG.BOE": "wind_gust",
	"LD.RED": "air_pressure",
	"SD":     "sun_duration",
	"GS":     "solar_radiation",
	"HS":     "snow_height",
	"W":      "water_level",
	"Q":      "discharge",
}

const defaultChunkSizeDays = 365

// Config configures a new Adapter.
type Config struct {
	BaseURL               string
	Timeout               time.Duration
	MaxConcurrentRequests int
	SleepBetweenRequests  time.Duration
	ChunkSizeDays         int
}

// Adapter is the province.bz.it observational provider.
type Adapter struct {
	*provider.Base
	baseURL       string
	chunkSizeDays int

	stationCache *lru.Cache[string, record.Station]
	sensorCache  *lru.Cache[string, []provider.Sensor]
}

// New builds a province Adapter with sensible defaults for any
// unset Config fields.
func New(cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://daten.buergernetz.bz.it/services/meteo/v1"
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
	if cfg.ChunkSizeDays <= 0 {
		cfg.ChunkSizeDays = defaultChunkSizeDays
	}

	base, err := provider.NewBase(cfg.Timeout, cfg.MaxConcurrentRequests, cfg.SleepBetweenRequests)
	if err != nil {
		return nil, err
	}
	stationCache, err := lru.New[string, record.Station](stationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("province: build station cache: %w", err)
	}
	sensorCache, err := lru.New[string, []provider.Sensor](sensorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("province: build sensor cache: %w", err)
	}
	return &Adapter{
		Base:          base,
		baseURL:       cfg.BaseURL,
		chunkSizeDays: cfg.ChunkSizeDays,
		stationCache:  stationCache,
		sensorCache:   sensorCache,
	}, nil
}

func (a *Adapter) Name() string                        { return "province" }
func (a *Adapter) Freq() time.Duration                  { return 10 * time.Minute }
func (a *Adapter) Inclusive() gapfinder.Inclusive       { return gapfinder.InclusiveBoth }
func (a *Adapter) CanForecast() bool                    { return false }
func (a *Adapter) CacheData() bool                      { return true }
func (a *Adapter) LatestWindow() time.Duration          { return 24 * time.Hour }
func (a *Adapter) ForecastWindow() time.Duration        { return 0 }

type stationFeature struct {
	Properties struct {
		SCODE     string  `json:"SCODE"`
		Name      string  `json:"NAME_D"`
		Latitude  float64 `json:"LAT"`
		Longitude float64 `json:"LONG"`
		Altitude  float64 `json:"ALT"`
	} `json:"properties"`
}

type stationsResponse struct {
	Features []stationFeature `json:"features"`
}

// ListStations fetches and parses the portal's full station list.
func (a *Adapter) ListStations(ctx context.Context) ([]record.Station, error) {
	var resp stationsResponse
	if err := a.getJSON(ctx, a.baseURL+"/stations", &resp); err != nil {
		return nil, err
	}

	out := make([]record.Station, 0, len(resp.Features))
	for _, f := range resp.Features {
		out = append(out, record.Station{
			Provider:   a.Name(),
			ExternalID: f.Properties.SCODE,
			Name:       f.Properties.Name,
			Latitude:   f.Properties.Latitude,
			Longitude:  f.Properties.Longitude,
			Elevation:  f.Properties.Altitude,
			Timezone:   "Europe/Rome",
		})
	}
	return out, nil
}

// GetStationInfo resolves one station's metadata from the LRU cache,
// refilling it from the full station list on a miss. No lock spans the
// miss, so concurrent callers that all miss each issue a request.
func (a *Adapter) GetStationInfo(ctx context.Context, externalID string) (record.Station, error) {
	if st, ok := a.stationCache.Get(externalID); ok {
		return st, nil
	}

	stations, err := a.ListStations(ctx)
	if err != nil {
		return record.Station{}, err
	}

	for _, st := range stations {
		a.stationCache.Add(st.ExternalID, st)
	}
	st, ok := a.stationCache.Get(externalID)
	if !ok {
		return record.Station{}, fmt.Errorf("%w: %s/%s", meteoerr.ErrUnknownStation, a.Name(), externalID)
	}
	return st, nil
}

type sensorEntry struct {
	TypeCode string `json:"TYPE"`
}

// GetSensors returns the canonical variables a station reports,
// caching per station in an LRU the same way GetStationInfo does.
func (a *Adapter) GetSensors(ctx context.Context, externalID string) ([]provider.Sensor, error) {
	if s, ok := a.sensorCache.Get(externalID); ok {
		return s, nil
	}

	var entries []sensorEntry
	u := fmt.Sprintf("%s/sensors?station_code=%s", a.baseURL, url.QueryEscape(externalID))
	if err := a.getJSON(ctx, u, &entries); err != nil {
		return nil, err
	}

	sensors := make([]provider.Sensor, 0, len(entries))
	for _, e := range entries {
		canonical, known := rename[e.TypeCode]
		if !known {
			logrus.WithFields(logrus.Fields{"station": externalID, "code": e.TypeCode}).Debug("province: unmapped sensor code, skipping")
			continue
		}
		sensors = append(sensors, provider.Sensor{Code: e.TypeCode, Variable: canonical})
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].Variable < sensors[j].Variable })

	a.sensorCache.Add(externalID, sensors)
	return sensors, nil
}

type timeseriesPoint struct {
	Date  string  `json:"DATE"`
	Value float64 `json:"VALUE"`
}

var timeseriesLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// parseTimeseriesTimestamp mirrors province.py's transform() DST
// disambiguation: the portal appends a "CEST"/"CET" abbreviation to
// the wall-clock string during the October fall-back, when the same
// local time occurs twice (once at +02:00, once at +01:00). Stripping
// the suffix and parsing naively would collapse both into one instant
// and silently drop a row; instead the suffix is read as an explicit
// UTC offset before parsing, so the two occurrences land on distinct
// UTC instants. A string with no such suffix is parsed directly
// against loc, exactly as the original naive timestamps were.
func parseTimeseriesTimestamp(raw string, loc *time.Location) (time.Time, error) {
	isDST := strings.Contains(raw, "CEST")
	isStd := !isDST && strings.Contains(raw, "CET")
	stripped := strings.TrimSpace(strings.NewReplacer("CEST", "", "CET", "").Replace(raw))

	if isDST || isStd {
		offset := time.Hour
		if isDST {
			offset = 2 * time.Hour
		}
		fixed := time.FixedZone("", int(offset.Seconds()))
		for _, layout := range timeseriesLayouts {
			naive, err := time.Parse(layout, stripped)
			if err == nil {
				return time.Date(naive.Year(), naive.Month(), naive.Day(), naive.Hour(), naive.Minute(), naive.Second(), 0, fixed).UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", raw)
	}

	var lastErr error
	for _, layout := range timeseriesLayouts {
		ts, err := time.ParseInLocation(layout, stripped, loc)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Run fetches, transforms and validates one station's data for
// [start, end], issuing one HTTP call per sensor (chunked by
// chunkSizeDays when the range is long) and returning one row per
// instant the portal reported, sorted by time. province has
// no model concept of its own, so models is accepted for contract
// compatibility and otherwise ignored.
func (a *Adapter) Run(ctx context.Context, station string, models []string, start, end time.Time) (*record.Frame, error) {
	sensors, err := a.GetSensors(ctx, station)
	if err != nil {
		return nil, err
	}
	if len(sensors) == 0 {
		return nil, fmt.Errorf("%w: station %s reports no known sensors", meteoerr.ErrProviderContract, station)
	}

	loc, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		return nil, fmt.Errorf("province: load timezone: %w", err)
	}

	columns := make([]string, len(sensors))
	for i, s := range sensors {
		columns[i] = s.Variable
	}
	frame := record.NewFrame(columns...)
	values := make(map[time.Time]map[string]*float64)

	for _, chunk := range a.chunks(start, end) {
		for _, sensor := range sensors {
			points, err := a.fetchSensorChunk(ctx, station, sensor.Code, chunk.Start, chunk.End)
			if err != nil {
				return nil, err
			}
			for _, p := range points {
				ts, err := parseTimeseriesTimestamp(p.Date, loc)
				if err != nil {
					return nil, fmt.Errorf("%w: province: parse timestamp %q: %v", meteoerr.ErrProviderContract, p.Date, err)
				}
				if values[ts] == nil {
					values[ts] = make(map[string]*float64, len(columns))
				}
				v := p.Value
				values[ts][sensor.Variable] = &v
			}
		}
	}

	times := make([]time.Time, 0, len(values))
	for t := range values {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for _, t := range times {
		frame.Rows = append(frame.Rows, record.Row{Datetime: t, Station: station, Values: values[t]})
	}

	if err := a.Validate(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Validate rejects a nil frame. It does not check the frame's columns
// or value types against the station's sensor list.
func (a *Adapter) Validate(f *record.Frame) error {
	if f == nil {
		return fmt.Errorf("%w: province: nil frame", meteoerr.ErrProviderContract)
	}
	return nil
}

type timeChunk struct {
	Start, End time.Time
}

// chunks splits [start, end] into windows no longer than
// chunkSizeDays, the shape province.py's per-request pagination takes
// when a query spans more than a year.
func (a *Adapter) chunks(start, end time.Time) []timeChunk {
	step := time.Duration(a.chunkSizeDays) * 24 * time.Hour
	var out []timeChunk
	for cur := start; cur.Before(end); cur = cur.Add(step) {
		chunkEnd := cur.Add(step)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		out = append(out, timeChunk{Start: cur, End: chunkEnd})
	}
	return out
}

func (a *Adapter) fetchSensorChunk(ctx context.Context, station, sensorCode string, start, end time.Time) ([]timeseriesPoint, error) {
	release, err := a.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meteoerr.ErrUpstream, err)
	}
	defer release()

	u := fmt.Sprintf("%s/timeseries?station_code=%s&sensor_code=%s&from=%s&to=%s",
		a.baseURL, url.QueryEscape(station), url.QueryEscape(sensorCode),
		start.Format("2006-01-02"), end.Format("2006-01-02"))

	var points []timeseriesPoint
	if err := a.getJSON(ctx, u, &points); err != nil {
		return nil, fmt.Errorf("%w: %v", meteoerr.ErrUpstream, err)
	}
	return points, nil
}

func (a *Adapter) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("province: build request: %w", err)
	}
	client := a.Client()
	if client == nil {
		return fmt.Errorf("%w: province: adapter not open", meteoerr.ErrProviderContract)
	}
	resp, err := client.Do(req)
	if err != nil {
		dialErr := fmt.Errorf("%w: province: %v", meteoerr.ErrUpstream, err)
		retryable := httpclient.Classify(dialErr, 0)
		logrus.WithFields(logrus.Fields{
			"url":          rawURL,
			"should_retry": retryable.ShouldRetry,
		}).Warn("province: request failed before a response was received")
		return dialErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		upstreamErr := fmt.Errorf("%w: province: status %s for %s: %s", meteoerr.ErrUpstream, resp.Status, rawURL, body)
		retryable := httpclient.Classify(upstreamErr, resp.StatusCode)
		logrus.WithFields(logrus.Fields{
			"url":          rawURL,
			"status":       resp.StatusCode,
			"should_retry": retryable.ShouldRetry,
		}).Warn("province: upstream request failed")
		return upstreamErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: province: decode response: %v", meteoerr.ErrProviderContract, err)
	}
	return nil
}
