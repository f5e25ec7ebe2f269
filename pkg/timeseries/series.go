package timeseries

import (
	"math"
	"slices"
	"strconv"
	"time"
)

// Canonical column names of a prepared series.
const (
	ColumnTime  = "ds"
	ColumnValue = "y"
)

// Point is one observation. Missing marks an explicit null value; the
// timestamp is always present.
type Point struct {
	Time    time.Time
	Value   float64
	Missing bool
}

// Series is an ascending sequence of points.
// It is created once per upload and treated as immutable afterwards;
// every derived series is a fresh copy.
type Series struct {
	Points []Point
}

// Len returns the number of points, including missing ones.
func (s *Series) Len() int { return len(s.Points) }

// Min returns the earliest timestamp, or the zero time for an empty series.
func (s *Series) Min() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[0].Time
}

// Max returns the latest timestamp, or the zero time for an empty series.
func (s *Series) Max() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[len(s.Points)-1].Time
}

// Until returns a copy holding the points with Time <= cutoff.
func (s *Series) Until(cutoff time.Time) *Series {
	out := &Series{}
	for _, p := range s.Points {
		if p.Time.After(cutoff) {
			break
		}
		out.Points = append(out.Points, p)
	}
	return out
}

// Between returns a copy holding the points with from < Time <= to.
func (s *Series) Between(from, to time.Time) *Series {
	out := &Series{}
	for _, p := range s.Points {
		if p.Time.After(from) && !p.Time.After(to) {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

// Observed returns the points carrying a value.
func (s *Series) Observed() []Point {
	out := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if !p.Missing {
			out = append(out, p)
		}
	}
	return out
}

// DistinctObserved counts the distinct timestamps that carry a value.
func (s *Series) DistinctObserved() int {
	seen := make(map[int64]struct{}, len(s.Points))
	for _, p := range s.Points {
		if !p.Missing {
			seen[p.Time.UnixNano()] = struct{}{}
		}
	}
	return len(seen)
}

// Summary describes the observed values of a series. Std is the sample
// standard deviation (0 for a single value); quartiles interpolate linearly
// between order statistics.
type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	P25   float64 `json:"p25"`
	P50   float64 `json:"p50"`
	P75   float64 `json:"p75"`
	Max   float64 `json:"max"`
}

// Describe summarizes the observed values. ok is false when there are none.
func (s *Series) Describe() (sum Summary, ok bool) {
	values := make([]float64, 0, len(s.Points))
	for _, p := range s.Points {
		if !p.Missing {
			values = append(values, p.Value)
		}
	}
	if len(values) == 0 {
		return Summary{}, false
	}
	slices.Sort(values)

	var total float64
	for _, v := range values {
		total += v
	}
	n := float64(len(values))
	sum = Summary{
		Count: len(values),
		Mean:  total / n,
		Min:   values[0],
		P25:   quantile(values, 0.25),
		P50:   quantile(values, 0.5),
		P75:   quantile(values, 0.75),
		Max:   values[len(values)-1],
	}
	if len(values) > 1 {
		var sq float64
		for _, v := range values {
			sq += (v - sum.Mean) * (v - sum.Mean)
		}
		sum.Std = math.Sqrt(sq / (n - 1))
	}
	return sum, true
}

// quantile expects sorted values.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(sorted)-1)
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

// Table renders the series as a (ds, y) table that Prepare accepts unchanged.
func (s *Series) Table() *Table {
	t := &Table{
		Header: []string{ColumnTime, ColumnValue},
		Rows:   make([][]string, len(s.Points)),
	}
	for i, p := range s.Points {
		value := ""
		if !p.Missing {
			value = strconv.FormatFloat(p.Value, 'g', -1, 64)
		}
		t.Rows[i] = []string{p.Time.Format(time.RFC3339Nano), value}
	}
	return t
}
