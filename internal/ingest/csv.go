// Package ingest turns uploaded CSV files into bulk generation rows.
package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reserved columns consumed by the batch pipeline rather than the template.
const (
	ColumnSupplierName  = "supplier_name"
	ColumnSupplierEmail = "supplier_email"
)

var (
	ErrEmptyFile    = errors.New("csv file is empty")
	ErrEmptyHeader  = errors.New("csv header contains an empty column name")
	ErrDuplicateCol = errors.New("csv header contains a duplicate column name")
)

// Table is a parsed CSV upload.
type Table struct {
	Headers []string
	Rows    []map[string]any
}

// HasHeader reports whether name is a column. Matching is exact apart from
// surrounding space: required labels must be spelled as in the template.
func (t *Table) HasHeader(name string) bool {
	want := strings.TrimSpace(name)
	for _, h := range t.Headers {
		if h == want {
			return true
		}
	}
	return false
}

// ParseCSV reads headers from the first record and one row per following
// record. Cells that look like a JSON array or object are decoded (invalid
// JSON stays a string); everything else is a string. Short records leave
// the missing cells absent, blank records are skipped.
func ParseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	headers := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("column %d: %w", i+1, ErrEmptyHeader)
		}
		key := strings.ToLower(h)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%q: %w", h, ErrDuplicateCol)
		}
		seen[key] = struct{}{}
		headers[i] = h
	}

	table := &Table{Headers: headers}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if blank(record) {
			continue
		}
		row := make(map[string]any, len(headers))
		for i, cell := range record {
			if i >= len(headers) {
				break
			}
			row[headers[i]] = Cell(cell)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// Cell converts one raw CSV cell into a row value.
func Cell(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) >= 2 {
		first, last := trimmed[0], trimmed[len(trimmed)-1]
		if (first == '[' && last == ']') || (first == '{' && last == '}') {
			var v any
			dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
			dec.UseNumber()
			if err := dec.Decode(&v); err == nil && !dec.More() {
				return v
			}
		}
	}
	return raw
}

func blank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// Supplier returns the reserved supplier columns of a row.
func Supplier(row map[string]any) (name, email string) {
	str := func(key string) string {
		for k, v := range row {
			if strings.EqualFold(k, key) {
				if s, ok := v.(string); ok {
					return strings.TrimSpace(s)
				}
			}
		}
		return ""
	}
	return str(ColumnSupplierName), str(ColumnSupplierEmail)
}
