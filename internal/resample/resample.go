// Package resample aggregates a dense timeseries frame onto a coarser
// grid (typically daily), using a per-column aggregation function
// rather than one blanket rule: sums for precipitation, means for
// temperature, a mode for wind direction, and so on.
package resample

import (
	"fmt"
	"sort"
	"time"

	"github.com/sitscholl/MeteoService/internal/record"
)

// AggFunc names one of the aggregation strategies a column can use.
type AggFunc string

const (
	AggMean   AggFunc = "mean"
	AggSum    AggFunc = "sum"
	AggMax    AggFunc = "max"
	AggMin    AggFunc = "min"
	AggMedian AggFunc = "median"
	AggFirst  AggFunc = "first"
	AggLast   AggFunc = "last"
	AggMode   AggFunc = "mode"
)

// DefaultColumnMap is the canonical variable-to-aggregation mapping:
// accumulating quantities sum, instantaneous quantities mean, peak
// quantities max, and wind direction takes the most frequent sampled
// bearing rather than an average of angles.
var DefaultColumnMap = map[string]AggFunc{
	"precipitation":     AggSum,
	"solar_radiation":   AggSum,
	"sun_duration":      AggMean,
	"irrigation":        AggMax,
	"wind_gust":         AggMax,
	"tair_2m":           AggMean,
	"tsoil_25cm":        AggMean,
	"tdry_60cm":         AggMean,
	"twet_60cm":         AggMean,
	"relative_humidity": AggMean,
	"wind_speed":        AggMean,
	"air_pressure":      AggMean,
	"snow_height":       AggMean,
	"water_level":       AggMean,
	"discharge":         AggMean,
	"leaf_wetness":      AggMean,
	"wind_direction":    AggMode,
}

// DefaultMinSize is the minimum number of non-nil samples a bucket
// needs before it is reported at all; buckets with fewer samples than
// this yield a nil value rather than an aggregate computed from too
// little data.
const DefaultMinSize = 1

// Resampler aggregates a frame's rows onto a coarser time grid.
type Resampler struct {
	ColumnMap map[string]AggFunc
	MinSize   int
}

// New returns a Resampler seeded with DefaultColumnMap and
// DefaultMinSize.
func New() *Resampler {
	cm := make(map[string]AggFunc, len(DefaultColumnMap))
	for k, v := range DefaultColumnMap {
		cm[k] = v
	}
	return &Resampler{ColumnMap: cm, MinSize: DefaultMinSize}
}

// UpdateAggFunc overrides (or adds) the aggregation strategy for one
// column.
func (r *Resampler) UpdateAggFunc(column string, fn AggFunc) {
	r.ColumnMap[column] = fn
}

func (r *Resampler) resolve(column string) AggFunc {
	if fn, ok := r.ColumnMap[column]; ok {
		return fn
	}
	return AggMean
}

type bucketKey struct {
	bucket  time.Time
	station string
	model   string
}

// Apply buckets f's rows onto a freq-spaced grid (each row's
// timestamp truncated to freq) and aggregates each column within a
// bucket using its configured AggFunc. A bucket with fewer than
// MinSize non-nil samples for a column reports nil for that column.
func (r *Resampler) Apply(f *record.Frame, freq time.Duration) (*record.Frame, error) {
	if freq <= 0 {
		return nil, fmt.Errorf("resample: frequency must be positive, got %v", freq)
	}

	groups := make(map[bucketKey]map[string][]*float64)
	order := make([]bucketKey, 0)

	for _, row := range f.Rows {
		k := bucketKey{bucket: row.Datetime.UTC().Truncate(freq), station: row.Station, model: row.Model}
		cols, ok := groups[k]
		if !ok {
			cols = make(map[string][]*float64, len(f.Columns))
			groups[k] = cols
			order = append(order, k)
		}
		for _, col := range f.Columns {
			cols[col] = append(cols[col], row.Get(col))
		}
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if !a.bucket.Equal(b.bucket) {
			return a.bucket.Before(b.bucket)
		}
		if a.station != b.station {
			return a.station < b.station
		}
		return a.model < b.model
	})

	out := record.NewFrame(f.Columns...)
	for _, k := range order {
		cols := groups[k]
		row := record.Row{Datetime: k.bucket, Station: k.station, Model: k.model, Values: make(map[string]*float64, len(f.Columns))}
		for _, col := range f.Columns {
			row.Values[col] = r.aggregate(r.resolve(col), cols[col])
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func (r *Resampler) aggregate(fn AggFunc, values []*float64) *float64 {
	var present []float64
	for _, v := range values {
		if v != nil {
			present = append(present, *v)
		}
	}
	if len(present) < r.MinSize {
		return nil
	}

	switch fn {
	case AggSum:
		var s float64
		for _, v := range present {
			s += v
		}
		return record.Float(s)
	case AggMax:
		m := present[0]
		for _, v := range present[1:] {
			if v > m {
				m = v
			}
		}
		return record.Float(m)
	case AggMin:
		m := present[0]
		for _, v := range present[1:] {
			if v < m {
				m = v
			}
		}
		return record.Float(m)
	case AggFirst:
		return record.Float(present[0])
	case AggLast:
		return record.Float(present[len(present)-1])
	case AggMedian:
		return record.Float(median(present))
	case AggMode:
		return record.Float(mode(present))
	case AggMean:
		fallthrough
	default:
		var s float64
		for _, v := range present {
			s += v
		}
		return record.Float(s / float64(len(present)))
	}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// mode returns the most frequent value, breaking ties by choosing the
// smallest tied value so the result is deterministic.
func mode(values []float64) float64 {
	counts := make(map[float64]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	best := values[0]
	bestCount := 0
	keys := append([]float64(nil), values...)
	sort.Float64s(keys)
	seen := make(map[float64]bool, len(keys))
	for _, v := range keys {
		if seen[v] {
			continue
		}
		seen[v] = true
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}
