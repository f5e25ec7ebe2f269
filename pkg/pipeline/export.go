package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/HatiCode/foresight/pkg/models"
)

// Record is one exported forecast line.
type Record struct {
	Time      time.Time `json:"ds"`
	YhatLower float64   `json:"yhat_lower"`
	Yhat      float64   `json:"yhat"`
	YhatUpper float64   `json:"yhat_upper"`
}

// ExportHeader is the CSV header written by WriteCSV.
var ExportHeader = []string{"ds", "yhat_lower", "yhat", "yhat_upper"}

// Export flattens forecast rows into records in chronological order.
// Rows with equal timestamps keep their relative order.
func Export(rows []models.ForecastRow) []Record {
	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = Record{Time: row.Time, YhatLower: row.YhatLower, Yhat: row.Yhat, YhatUpper: row.YhatUpper}
	}
	slices.SortStableFunc(records, func(a, b Record) int {
		return a.Time.Compare(b.Time)
	})
	return records
}

// WriteCSV writes records as comma-separated UTF-8 with a header line.
// Dates are written as 2006-01-02, or as 2006-01-02 15:04:05 for every
// record when any record carries a time of day.
func WriteCSV(w io.Writer, records []Record) error {
	layout := time.DateOnly
	for _, r := range records {
		if hasClock(r.Time) {
			layout = time.DateTime
			break
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		line := []string{
			r.Time.Format(layout),
			formatFloat(r.YhatLower),
			formatFloat(r.Yhat),
			formatFloat(r.YhatUpper),
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func hasClock(t time.Time) bool {
	h, m, s := t.Clock()
	return h != 0 || m != 0 || s != 0 || t.Nanosecond() != 0
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
