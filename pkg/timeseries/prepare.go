package timeseries

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SchemaError reports a requested column that the raw table does not have.
type SchemaError struct {
	Column    string
	Available []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("column %q not found (available: %s)", e.Column, strings.Join(e.Available, ", "))
}

// ParseError reports a cell that could not be coerced to its column type.
// Row is the zero-based data row index in the raw table.
type ParseError struct {
	Row    int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("row %d column %q: cannot parse %q: %v", e.Row, e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrMixedTimeLayouts is wrapped by ParseError when a timestamp does not
// use the layout detected for the file.
var ErrMixedTimeLayouts = errors.New("mixed timestamp layouts")

// timeLayouts are tried in order when coercing the timestamp column.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.DateOnly,
	time.DateTime,
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"01/02/2006",
	"2006-01",
}

var missingTokens = map[string]struct{}{
	"":     {},
	"na":   {},
	"nan":  {},
	"<na>": {},
	"null": {},
	"none": {},
}

// ParseTime coerces a timestamp cell using the supported layouts.
// Times without a zone are interpreted as UTC.
func ParseTime(s string) (time.Time, error) {
	t, _, err := detectTime(s)
	return t, err
}

// detectTime parses s with the first matching layout and returns it.
func detectTime(s string) (time.Time, string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("unrecognized timestamp format")
}

// parseValue returns (value, missing, error).
func parseValue(s string) (float64, bool, error) {
	s = strings.TrimSpace(s)
	if _, ok := missingTokens[strings.ToLower(s)]; ok {
		return 0, true, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(v) {
		return 0, true, nil
	}
	return v, false, nil
}

// Prepare selects the timestamp and value columns from a raw table and
// returns them as a Series sorted ascending by timestamp. Rows sharing a
// timestamp keep their original relative order and are not deduplicated.
//
// The timestamp layout is detected from the first row and every other row
// must use it.
//
// Returns *SchemaError if a column is absent and *ParseError for the first
// cell that cannot be coerced. The input table is not modified.
func Prepare(t Tabular, timestampColumn, valueColumn string) (*Series, error) {
	columns := t.Columns()

	tsIdx := slices.Index(columns, timestampColumn)
	if tsIdx < 0 {
		return nil, &SchemaError{Column: timestampColumn, Available: slices.Clone(columns)}
	}
	valIdx := slices.Index(columns, valueColumn)
	if valIdx < 0 {
		return nil, &SchemaError{Column: valueColumn, Available: slices.Clone(columns)}
	}

	var layout string
	points := make([]Point, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		row := t.Row(i)

		var rawTS, rawVal string
		if tsIdx < len(row) {
			rawTS = row[tsIdx]
		}
		if valIdx < len(row) {
			rawVal = row[valIdx]
		}

		var ts time.Time
		var err error
		if layout == "" {
			ts, layout, err = detectTime(rawTS)
		} else if ts, err = time.Parse(layout, strings.TrimSpace(rawTS)); err != nil {
			if _, _, detectErr := detectTime(rawTS); detectErr != nil {
				err = detectErr
			} else {
				err = fmt.Errorf("%w: want layout %q detected from row 0", ErrMixedTimeLayouts, layout)
			}
		}
		if err != nil {
			return nil, &ParseError{Row: i, Column: timestampColumn, Value: rawTS, Err: err}
		}

		value, missing, err := parseValue(rawVal)
		if err != nil {
			return nil, &ParseError{Row: i, Column: valueColumn, Value: rawVal, Err: err}
		}

		points = append(points, Point{Time: ts, Value: value, Missing: missing})
	}

	sort.SliceStable(points, func(a, b int) bool {
		return points[a].Time.Before(points[b].Time)
	})

	return &Series{Points: points}, nil
}
