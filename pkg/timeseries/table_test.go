package timeseries

import (
	"strings"
	"testing"
)

func TestReadCSV_SniffsDelimiter(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "comma", input: "date,y\n2024-01-01,1\n2024-01-02,2\n"},
		{name: "semicolon", input: "date;y\n2024-01-01;1\n2024-01-02;2\n"},
		{name: "tab", input: "date\ty\n2024-01-01\t1\n2024-01-02\t2\n"},
		{name: "bom and crlf", input: "\uFEFFdate,y\r\n2024-01-01,1\r\n2024-01-02,2\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := ReadCSV(strings.NewReader(tt.input), ReadOptions{})
			if err != nil {
				t.Fatalf("ReadCSV() error = %v", err)
			}
			if got := table.Columns(); len(got) != 2 || got[0] != "date" || got[1] != "y" {
				t.Errorf("Columns() = %q, want [date y]", got)
			}
			if table.Len() != 2 {
				t.Errorf("Len() = %d, want 2", table.Len())
			}
			if table.Row(1)[1] != "2" {
				t.Errorf("Row(1)[1] = %q, want %q", table.Row(1)[1], "2")
			}
		})
	}
}

func TestReadCSV_ExplicitDelimiter(t *testing.T) {
	input := "a|b\n1|2\n"
	table, err := ReadCSV(strings.NewReader(input), ReadOptions{Delimiter: '|'})
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if table.Row(0)[1] != "2" {
		t.Errorf("Row(0)[1] = %q, want %q", table.Row(0)[1], "2")
	}
}

func TestReadCSV_PadsShortRows(t *testing.T) {
	input := "ds,y,extra\n2024-01-01,1\n"
	table, err := ReadCSV(strings.NewReader(input), ReadOptions{})
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if len(table.Row(0)) != 3 {
		t.Errorf("len(Row(0)) = %d, want 3", len(table.Row(0)))
	}
}

func TestReadCSV_Empty(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader(""), ReadOptions{}); err == nil {
		t.Error("ReadCSV() on empty input should fail")
	}
}
