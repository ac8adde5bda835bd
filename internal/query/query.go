// Package query implements the read-through query manager: given a
// time range it has a provider adapter and a cache store, it figures
// out what is missing, fetches only that, and returns the full range
// merged from cache and fresh data.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sitscholl/MeteoService/internal/gapfinder"
	"github.com/sitscholl/MeteoService/internal/meteoerr"
	"github.com/sitscholl/MeteoService/internal/profile"
	"github.com/sitscholl/MeteoService/internal/provider"
	"github.com/sitscholl/MeteoService/internal/record"
	"github.com/sitscholl/MeteoService/internal/store"
)

// Manager orchestrates one provider adapter against one cache store.
type Manager struct {
	Store   *store.Store
	Adapter provider.Adapter

	// MinGapDuration overrides gapfinder.DefaultMinGapDuration when
	// non-zero.
	MinGapDuration time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	// MaxConcurrentGapFetches bounds how many gaps one GetData call
	// fetches in parallel, independent of the adapter's own internal
	// rate limiting.
	MaxConcurrentGapFetches int

	// Monitor records gap-fetch timing when set. Nil by default; a
	// caller that wants visibility into provider latency wires one in
	// with profile.NewPerformanceMonitor().
	Monitor *profile.PerformanceMonitor

	writeBacks sync.WaitGroup
}

// WaitForWriteBacks blocks until every background cache write started
// by a prior GetData call has finished. GetData itself never waits on
// this; it exists so tests (and an operator's graceful shutdown path)
// can observe the cache settle.
func (m *Manager) WaitForWriteBacks() {
	m.writeBacks.Wait()
}

// NewManager builds a Manager with sensible defaults.
func NewManager(s *store.Store, a provider.Adapter) *Manager {
	return &Manager{
		Store:                   s,
		Adapter:                 a,
		Now:                     time.Now,
		MaxConcurrentGapFetches: 4,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Result is the outcome of GetData: Combined is the full requested
// range (cache plus anything freshly fetched), Pending is just the
// freshly fetched portion, the same split the cache-write-behind
// background task persists.
type Result struct {
	Combined *record.Frame
	Pending  *record.Frame
}

// GetData returns data for one station over [start, end], reading
// from cache, fetching only the missing grid instants from the
// provider, and merging the two. Fresh data is written back to the
// cache in the background: GetData does not block on that write.
//
// A per-gap fetch failure is logged and the gap is skipped. If every
// gap failed and the cache held nothing at all for the range, GetData
// logs that and returns empty Combined and Pending frames rather than
// an error.
func (m *Manager) GetData(ctx context.Context, externalStationID, model string, start, end time.Time) (*Result, error) {
	requestID := uuid.NewString()
	freq := m.Adapter.Freq()
	inclusive := m.Adapter.Inclusive()

	if m.Monitor != nil {
		queryStart := m.now()
		defer func() { m.Monitor.RecordQueryTime(m.now().Sub(queryStart)) }()
	}

	now := m.now()
	if end.After(now) {
		end = now
	}
	start = start.UTC().Truncate(freq)
	end = end.UTC().Truncate(freq)

	stationAttrs := record.Station{Provider: m.Adapter.Name(), ExternalID: externalStationID}
	if info, infoErr := m.Adapter.GetStationInfo(ctx, externalStationID); infoErr == nil {
		info.Provider = stationAttrs.Provider
		info.ExternalID = stationAttrs.ExternalID
		stationAttrs = info
	} else {
		logrus.WithFields(logrus.Fields{
			"request_id": requestID,
			"station":    externalStationID,
			"error":      infoErr,
		}).Debug("query: station metadata unavailable, registering with bare identity")
	}

	station, err := m.Store.EnsureStation(stationAttrs)
	if err != nil {
		return nil, fmt.Errorf("query: ensure station: %w", err)
	}

	existingTimes, err := m.Store.ExistingDatetimes(station, model, start, end)
	if err != nil {
		return nil, fmt.Errorf("query: load existing datetimes: %w", err)
	}

	gaps := gapfinder.Find(existingTimes, start, end, freq, inclusive, m.MinGapDuration)
	logrus.WithFields(logrus.Fields{
		"request_id": requestID,
		"station":    externalStationID,
		"gap_count":  len(gaps),
	}).Debug("query: computed gaps for request")

	cachedMeasurements, varNames, err := m.Store.QueryMeasurements(station, model, start, end)
	if err != nil {
		return nil, fmt.Errorf("query: load cached measurements: %w", err)
	}
	cached := store.MeasurementsToFrame(externalStationID, cachedMeasurements, varNames)

	gapFetchStart := m.now()
	pending, gapErrs := m.fetchGaps(ctx, requestID, externalStationID, model, freq, inclusive, gaps)
	if m.Monitor != nil && len(gaps) > 0 {
		m.Monitor.RecordGapFetch(profile.GapFetchStats{GapCount: len(gaps), Duration: m.now().Sub(gapFetchStart)})
	}

	if len(gaps) > 0 && len(gapErrs) == len(gaps) && len(cachedMeasurements) == 0 {
		logrus.WithFields(logrus.Fields{
			"request_id": requestID,
			"station":    externalStationID,
			"error": fmt.Errorf("%w: all %d gaps failed and cache held nothing for %s [%s, %s]",
				meteoerr.ErrUpstream, len(gaps), externalStationID, start, end),
		}).Warn("query: no data available, returning empty frames")
	}

	combined := record.Merge(cached, pending)
	combined = combined.Slice(start, end.Add(freq))

	if len(pending.Rows) > 0 {
		m.writeBack(station, pending)
	}

	return &Result{Combined: combined, Pending: pending}, nil
}

// fetchGaps concurrently runs the adapter over every gap, bounded by
// MaxConcurrentGapFetches, and concatenates whatever succeeded into a
// single frame. It returns the individual gap errors too so the
// caller can decide whether the overall request still has an answer.
func (m *Manager) fetchGaps(ctx context.Context, requestID, station, model string, freq time.Duration, inclusive gapfinder.Inclusive, gaps []gapfinder.Gap) (*record.Frame, []error) {
	pending := record.NewFrame()
	if len(gaps) == 0 {
		return pending, nil
	}

	limit := m.MaxConcurrentGapFetches
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	var errs []error
	var frames []*record.Frame

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for gi, gap := range gaps {
		gi, gap := gi, gap
		isLast := gi == len(gaps)-1
		isFirst := gi == 0
		g.Go(func() error {
			gapStart, gapEnd := gap.Start, gap.End.Add(freq)
			// province.py's inclusive-endpoint rule: a left-inclusive
			// provider drops its own final instant, so the last gap's
			// end must reach one freq further to still request it;
			// symmetrically a right-inclusive provider's first gap
			// must start one freq earlier.
			if inclusive == gapfinder.InclusiveLeft && isLast {
				gapEnd = gapEnd.Add(freq)
			}
			if inclusive == gapfinder.InclusiveRight && isFirst {
				gapStart = gapStart.Add(-freq)
			}

			var models []string
			if model != "" {
				models = []string{model}
			}
			frame, err := m.Adapter.Run(gctx, station, models, gapStart, gapEnd)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"request_id": requestID,
					"station":    station,
					"gap":        gap,
					"error":      err,
				}).Warn("query: gap fetch failed, skipping")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}

			grid := gapfinder.BuildGrid(gap.Start, gap.End, freq, gapfinder.InclusiveBoth)
			reindexed := reindexPerModel(frame, grid, station, model)

			mu.Lock()
			frames = append(frames, reindexed)
			mu.Unlock()
			return nil
		})
	}
	// errgroup's context cancellation on first error is unused here:
	// every path above returns nil so one gap's failure never cancels
	// the others.
	_ = g.Wait()

	for _, f := range frames {
		pending.Columns = mergeColumnSets(pending.Columns, f.Columns)
		pending.Rows = append(pending.Rows, f.Rows...)
	}
	pending.Dedup()
	return pending, errs
}

func mergeColumnSets(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, c := range a {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range b {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// reindexPerModel reindexes frame onto grid separately for each
// distinct model tag it carries (a forecast provider's Run can return
// more than one model for the same gap), building explicit gap-marker
// rows where the provider returned nothing. An empty frame yields one
// gap-marker row per grid instant tagged with requestedModel.
func reindexPerModel(frame *record.Frame, grid []time.Time, station, requestedModel string) *record.Frame {
	models := map[string]bool{}
	for _, r := range frame.Rows {
		models[r.Model] = true
	}
	if len(models) == 0 {
		models[requestedModel] = true
	}
	out := record.NewFrame(frame.Columns...)
	for model := range models {
		piece := frame.ReindexGrid(grid, station, model)
		out.Rows = append(out.Rows, piece.Rows...)
	}
	out.SortByDatetime()
	return out
}

// writeBack persists freshly fetched rows to the cache in the
// background, outside GetData's own return path, logging (not
// panicking) on failure.
func (m *Manager) writeBack(stationID int64, pending *record.Frame) {
	m.writeBacks.Add(1)
	go func() {
		defer m.writeBacks.Done()
		measurements, err := m.Store.FrameToMeasurements(stationID, pending)
		if err != nil {
			logrus.WithError(err).Warn("query: failed to prepare measurements for cache write-back")
			return
		}
		if err := m.Store.UpsertMeasurements(measurements); err != nil {
			logrus.WithError(err).Warn("query: cache write-back failed")
		}
	}()
}
