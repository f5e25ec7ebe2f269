// Package timeseries provides the raw tabular input accepted by Foresight and
// the canonical (ds, y) series every later pipeline stage works on.
//
// A Table is whatever the ingestion side produced: arbitrary column names and
// string cells. Prepare turns a Table into a Series by selecting the timestamp
// and value columns, coercing them, and sorting by timestamp.
package timeseries

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Tabular is the minimal view of a raw dataset: column names and row access.
type Tabular interface {
	Columns() []string
	Len() int
	Row(i int) []string
}

// Table is an in-memory raw dataset with string cells.
// Rows shorter than the header are padded with empty cells when read.
type Table struct {
	Header []string
	Rows   [][]string
}

// Columns returns the header names.
func (t *Table) Columns() []string { return t.Header }

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// Row returns the i-th data row.
func (t *Table) Row(i int) []string { return t.Rows[i] }

// ReadOptions controls CSV ingestion.
type ReadOptions struct {
	// Delimiter is the field separator. Zero means sniff it from the header
	// line among ',', ';', '\t' and '|'.
	Delimiter rune
}

var candidateDelimiters = []rune{',', ';', '\t', '|'}

// ReadCSV reads a headered CSV document into a Table.
// A UTF-8 byte order mark on the first line is dropped.
func ReadCSV(r io.Reader, opts ReadOptions) (*Table, error) {
	br := bufio.NewReader(r)

	delim := opts.Delimiter
	if delim == 0 {
		peek, err := br.Peek(4096)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		delim = sniffDelimiter(peek)
	}

	reader := csv.NewReader(br)
	reader.Comma = delim
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("read csv: empty input")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	table := &Table{Header: header}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) < len(header) {
			padded := make([]string, len(header))
			copy(padded, record)
			record = padded
		}
		table.Rows = append(table.Rows, record)
	}

	return table, nil
}

// sniffDelimiter picks the candidate delimiter occurring most often on the
// first line, falling back to a comma.
func sniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}

	best := ','
	bestCount := 0
	for _, d := range candidateDelimiters {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best = d
			bestCount = n
		}
	}
	return best
}
