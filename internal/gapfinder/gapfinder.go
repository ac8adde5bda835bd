// Package gapfinder computes the missing instants of a regular
// timeseries grid given the instants a cache already holds.
package gapfinder

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Inclusive selects which ends of a [start, end] range the canonical
// grid includes, mirroring pandas' date_range(inclusive=...).
type Inclusive string

const (
	InclusiveBoth  Inclusive = "both"
	InclusiveLeft  Inclusive = "left"
	InclusiveRight Inclusive = "right"
	InclusiveNone  Inclusive = "neither"
)

// Gap is a closed interval [Start, End] of missing grid instants.
type Gap struct {
	Start time.Time
	End   time.Time
}

// DefaultMinGapDuration is the smallest gap the finder will report
// when the caller does not specify one explicitly.
const DefaultMinGapDuration = 30 * time.Minute

// BuildGrid returns every instant on the freq-spaced grid between
// start and end (both floored to freq first), honoring inclusive.
// An empty slice is returned, not an error, if the floored range
// collapses to nothing under the chosen inclusive bound.
func BuildGrid(start, end time.Time, freq time.Duration, inclusive Inclusive) []time.Time {
	if freq <= 0 {
		return nil
	}
	start = floor(start, freq)
	end = floor(end, freq)
	if end.Before(start) {
		return nil
	}

	var grid []time.Time
	for t := start; !t.After(end); t = t.Add(freq) {
		grid = append(grid, t)
	}
	if len(grid) == 0 {
		return grid
	}
	switch inclusive {
	case InclusiveLeft:
		grid = grid[:len(grid)-1]
	case InclusiveRight:
		grid = grid[1:]
	case InclusiveNone:
		if len(grid) >= 2 {
			grid = grid[1 : len(grid)-1]
		} else {
			grid = nil
		}
	case InclusiveBoth, "":
		// keep both ends
	}
	return grid
}

func floor(t time.Time, d time.Duration) time.Time {
	u := t.UTC()
	return u.Truncate(d)
}

// Find returns the gaps in existing covering [start, end] at the
// given freq/inclusive grid, discarding any gap shorter than
// minGapDuration. On any internal failure (a zero frequency, an
// inverted range) it falls back to reporting the entire requested
// range as a single gap rather than silently returning no gaps —
// callers must never interpret an empty result as "nothing to do"
// when the inputs themselves are malformed.
func Find(existing []time.Time, start, end time.Time, freq time.Duration, inclusive Inclusive, minGapDuration time.Duration) []Gap {
	if minGapDuration <= 0 {
		minGapDuration = DefaultMinGapDuration
	}

	fallback := []Gap{{Start: start, End: end}}

	if freq <= 0 || end.Before(start) {
		logrus.WithFields(logrus.Fields{
			"start": start,
			"end":   end,
			"freq":  freq,
		}).Warn("gapfinder: invalid inputs, returning full range as gap")
		return fallback
	}

	grid := BuildGrid(start, end, freq, inclusive)
	if len(grid) == 0 {
		return nil
	}
	if len(existing) == 0 {
		return []Gap{{Start: grid[0], End: grid[len(grid)-1]}}
	}

	have := make(map[time.Time]bool, len(existing))
	for _, t := range existing {
		have[t.UTC().Truncate(freq)] = true
	}

	var missing []time.Time
	for _, t := range grid {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	runs := coalesce(missing, freq)
	gaps := make([]Gap, 0, len(runs))
	for _, r := range runs {
		coverage := r.End.Sub(r.Start) + freq
		if coverage >= minGapDuration {
			gaps = append(gaps, r)
		}
	}
	return gaps
}

// coalesce groups a sorted-or-unsorted list of missing instants into
// consecutive runs spaced exactly freq apart.
func coalesce(missing []time.Time, freq time.Duration) []Gap {
	sorted := make([]time.Time, len(missing))
	copy(sorted, missing)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var gaps []Gap
	runStart := sorted[0]
	runEnd := sorted[0]
	for _, t := range sorted[1:] {
		if t.Equal(runEnd.Add(freq)) {
			runEnd = t
			continue
		}
		gaps = append(gaps, Gap{Start: runStart, End: runEnd})
		runStart = t
		runEnd = t
	}
	gaps = append(gaps, Gap{Start: runStart, End: runEnd})
	return gaps
}
