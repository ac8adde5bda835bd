// Package record defines the canonical station/variable/measurement
// model shared by the cache store, the gap finder, provider adapters
// and the query manager.
package record

import (
	"sort"
	"time"
)

// Station is a physical or virtual measurement site known to one
// provider. ExternalID is the provider's own station code (for
// example CIMIS station "2" or the province "SCODE"); ID is the
// cache's surrogate primary key and is zero until the station has
// been persisted via a store.
type Station struct {
	ID         int64
	Provider   string
	ExternalID string
	Name       string
	Latitude   float64
	Longitude  float64
	Elevation  float64
	Timezone   string
}

// Variable is a measured quantity, identified by its canonical name
// (for example "tair_2m" or "precipitation"). Unit is informational
// only; the store does not enforce unit conversion.
type Variable struct {
	ID   int64
	Name string
	Unit string
}

// Measurement is a single value of one variable, at one station, at
// one instant, optionally tagged with a model name for providers that
// expose more than one numerical model (forecast ensembles). Value is
// a pointer so that an explicit, confirmed absence of data (a "gap
// marker") can be distinguished from "never attempted": a nil Value
// persisted to the store means the provider was asked and had
// nothing, not that the slot was never queried.
type Measurement struct {
	StationID  int64
	VariableID int64
	Model      string
	Datetime   time.Time
	Value      *float64
}

// Row is one instant of a wide timeseries frame: one timestamp, one
// station, one model, and a value per variable name. Rows are the
// unit the gap finder, provider adapters and query manager exchange;
// Measurement is the unit the store persists.
type Row struct {
	Datetime time.Time
	Station  string // provider ExternalID, not the surrogate key
	Model    string
	Values   map[string]*float64
}

// Frame is an ordered collection of Rows sharing the same variable
// set. Columns records the canonical variable order so that callers
// rendering a frame (CSV, JSON, a resampled output) see stable column
// ordering regardless of map iteration order.
type Frame struct {
	Columns []string
	Rows    []Row
}

// NewFrame returns an empty frame with the given canonical column
// order.
func NewFrame(columns ...string) *Frame {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Frame{Columns: cols}
}

// Get returns the value of column in row, or nil if the row has no
// entry for that column.
func (r Row) Get(column string) *float64 {
	if r.Values == nil {
		return nil
	}
	return r.Values[column]
}

// key identifies a row's (datetime, station, model) identity, the
// same triple the store's uniqueness constraint and the gap finder's
// grid diffing are built around.
type key struct {
	datetime time.Time
	station  string
	model    string
}

func rowKey(r Row) key {
	return key{datetime: r.Datetime.UTC(), station: r.Station, model: r.Model}
}

// SortByDatetime sorts rows in place by (datetime, station, model).
func (f *Frame) SortByDatetime() {
	sort.Slice(f.Rows, func(i, j int) bool {
		a, b := f.Rows[i], f.Rows[j]
		if !a.Datetime.Equal(b.Datetime) {
			return a.Datetime.Before(b.Datetime)
		}
		if a.Station != b.Station {
			return a.Station < b.Station
		}
		return a.Model < b.Model
	})
}

// Dedup removes duplicate (datetime, station, model) rows, keeping
// the last occurrence in the current row order. Callers that want
// "last write wins" semantics should order the frame so the
// authoritative rows (freshest fetch) come last before calling Dedup.
func (f *Frame) Dedup() {
	if len(f.Rows) == 0 {
		return
	}
	last := make(map[key]int, len(f.Rows))
	for i, r := range f.Rows {
		last[rowKey(r)] = i
	}
	keep := make([]bool, len(f.Rows))
	for _, i := range last {
		keep[i] = true
	}
	out := f.Rows[:0:0]
	for i, r := range f.Rows {
		if keep[i] {
			out = append(out, r)
		}
	}
	f.Rows = out
	f.SortByDatetime()
}

// Merge combines base with incoming, with rows from incoming taking
// priority over rows from base on a matching (datetime, station, model)
// key. Neither input is mutated; a new frame is returned.
func Merge(base, incoming *Frame) *Frame {
	columns := mergeColumns(base, incoming)
	out := NewFrame(columns...)
	byKey := make(map[key]Row)
	order := make([]key, 0, len(base.Rows)+len(incoming.Rows))
	for _, r := range base.Rows {
		k := rowKey(r)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = r
	}
	for _, r := range incoming.Rows {
		k := rowKey(r)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = r
	}
	out.Rows = make([]Row, 0, len(order))
	for _, k := range order {
		out.Rows = append(out.Rows, byKey[k])
	}
	out.SortByDatetime()
	return out
}

func mergeColumns(frames ...*Frame) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, f := range frames {
		if f == nil {
			continue
		}
		for _, c := range f.Columns {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// ReindexGrid returns a new frame covering exactly the instants in
// grid for the given station/model pair: existing rows are carried
// over and any instant in grid with no matching row becomes an
// explicit gap-marker row (every column nil). This is what turns a
// provider's possibly-sparse response into the canonical, complete
// shape the cache persists.
func (f *Frame) ReindexGrid(grid []time.Time, station, model string) *Frame {
	out := NewFrame(f.Columns...)
	existing := make(map[time.Time]Row, len(f.Rows))
	for _, r := range f.Rows {
		if r.Station == station && r.Model == model {
			existing[r.Datetime.UTC()] = r
		}
	}
	out.Rows = make([]Row, 0, len(grid))
	for _, t := range grid {
		if r, ok := existing[t.UTC()]; ok {
			out.Rows = append(out.Rows, r)
			continue
		}
		out.Rows = append(out.Rows, Row{Datetime: t.UTC(), Station: station, Model: model, Values: make(map[string]*float64, len(f.Columns))})
	}
	return out
}

// IsGapMarker reports whether every column of r is nil, the marker a
// provider's confirmed-empty answer leaves behind.
func (r Row) IsGapMarker() bool {
	for _, v := range r.Values {
		if v != nil {
			return false
		}
	}
	return true
}

// Slice returns the subset of rows within [start, end), in current
// order.
func (f *Frame) Slice(start, end time.Time) *Frame {
	out := NewFrame(f.Columns...)
	for _, r := range f.Rows {
		if !r.Datetime.Before(start) && r.Datetime.Before(end) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Float returns v as a non-nil *float64, for building rows inline.
func Float(v float64) *float64 {
	return &v
}
