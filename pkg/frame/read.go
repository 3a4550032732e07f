package frame

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

var ErrNoSheets = errors.New("workbook has no sheets")

var timeLayouts = []string{
	DateTimeLayout,
	"2006-01-02",
	time.RFC3339,
	"2006/01/02",
	"2006/01/02 15:04:05",
}

// SheetNames lists the sheets of an xlsx workbook in workbook order.
func SheetNames(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

// ReadXLSX decodes one sheet of an xlsx workbook. An empty sheet name selects the first sheet.
func ReadXLSX(r io.Reader, sheet string) (*Frame, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrNoSheets
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	return fromRecords(rows)
}

// ReadCSV decodes comma-separated text whose first record is the header.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}
	return fromRecords(records)
}

// fromRecords builds a frame from string records. Columns with an empty or "Unnamed" header
// are dropped and repeated header names are suffixed with .1, .2, ...
func fromRecords(records [][]string) (*Frame, error) {
	if len(records) == 0 {
		return &Frame{}, nil
	}
	header := records[0]
	var keep []int
	var columns []string
	seen := make(map[string]int)
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" || strings.HasPrefix(h, "Unnamed") {
			continue
		}
		name := h
		if n, ok := seen[h]; ok {
			name = fmt.Sprintf("%s.%d", h, n)
		}
		seen[h]++
		keep = append(keep, i)
		columns = append(columns, name)
	}

	rows := make([][]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make([]any, len(keep))
		empty := true
		for k, i := range keep {
			if i >= len(rec) {
				continue
			}
			row[k] = ParseCell(rec[i])
			if row[k] != nil {
				empty = false
			}
		}
		if empty {
			continue
		}
		rows = append(rows, row)
	}
	return &Frame{Columns: columns, Rows: rows}, nil
}

// ParseCell types a raw text cell: empty to nil, then integer, float, boolean and timestamp
// forms, and otherwise the trimmed string.
func ParseCell(s string) any {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil && looksNumeric(s) {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return s
}

func looksNumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.', r == ',', r == '-', r == '+', r == 'e', r == 'E':
		default:
			return false
		}
	}
	return true
}
