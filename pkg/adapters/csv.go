package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/HatiCode/foresight/pkg/timeseries"
)

// CSVSource reads a delimited table from Reader, or from the file at Path
// when Reader is nil. A zero Delimiter is sniffed from the header line.
type CSVSource struct {
	Path      string
	Reader    io.Reader
	Delimiter rune
}

func (c *CSVSource) Name() string { return "csv" }

// Load implements Source.
func (c *CSVSource) Load(ctx context.Context) (*timeseries.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := c.Reader
	if r == nil {
		if c.Path == "" {
			return nil, errors.New("csv source: path or reader is required")
		}
		f, err := os.Open(c.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", c.Path, err)
		}
		defer f.Close()
		r = f
	}

	t, err := timeseries.ReadCSV(r, timeseries.ReadOptions{Delimiter: c.Delimiter})
	if err != nil {
		return nil, fmt.Errorf("csv source: %w", err)
	}
	return t, nil
}
