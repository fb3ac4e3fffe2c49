// Package ingest reads the pipeline's input tables from CSV or XLSX files,
// validates rows, and builds filtered repeat-sale pairs from raw
// transactions.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/banshee-data/hpi.report/internal/monitoring"
)

var logf = monitoring.Componentf("ingest")

// Table is a header plus string rows. Column lookup is case-insensitive.
type Table struct {
	Header []string
	Rows   [][]string
	index  map[string]int
}

func newTable(header []string, rows [][]string) (*Table, error) {
	if len(header) == 0 {
		return nil, errors.New("ingest: missing header row")
	}
	t := &Table{Header: header, Rows: rows, index: make(map[string]int, len(header))}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := t.index[key]; dup {
			return nil, fmt.Errorf("ingest: duplicate column %q", h)
		}
		t.index[key] = i
	}
	return t, nil
}

// Column returns the index of the first of names present in the header.
func (t *Table) Column(names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := t.index[strings.ToLower(n)]; ok {
			return i, true
		}
	}
	return -1, false
}

// Cell returns the trimmed value at (row, col). Short rows read as empty.
func (t *Table) Cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// ReadTable loads a .csv file or the first non-empty sheet of a .xlsx file.
func ReadTable(path string) (*Table, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: open %s: %w", path, err)
		}
		defer f.Close()
		return ParseCSV(f)
	case ".xlsx":
		return readXLSX(path)
	default:
		return nil, fmt.Errorf("ingest: unsupported file type %q for %s", ext, path)
	}
}

// ParseCSV reads a header row followed by data rows.
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ingest: parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("ingest: empty csv")
	}
	return newTable(records[0], records[1:])
}

func readXLSX(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open workbook %s: %w", path, err)
	}
	defer f.Close()

	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("ingest: read sheet %s: %w", name, err)
		}
		if len(rows) == 0 {
			continue
		}
		logf("reading sheet %q of %s (%d rows)", name, path, len(rows)-1)
		return newTable(rows[0], rows[1:])
	}
	return nil, fmt.Errorf("ingest: workbook %s has no data", path)
}
