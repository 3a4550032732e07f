package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

var footerRE = regexp.MustCompile(`^\[\d+ rows x \d+ columns\]$`)

// ParseTextTable is a best-effort parser for whitespace-aligned table dumps such as a printed
// data frame. The first line is the header; when its first token is a number the header is
// treated as data-less and positional Column_i labels are used. A leading integer token on a
// data row longer than the header is taken as a row index and dropped. Cells equal to "nan"
// (any case) are empty. Input that does not look like a table becomes a single cell holding
// the original text.
func ParseTextTable(s string) (t smartquery.CanonicalTable) {
	defer func() {
		if r := recover(); r != nil {
			t = singleCell(s)
		}
	}()

	lines := splitLines(s)
	for len(lines) > 0 && footerRE.MatchString(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 2 {
		return singleCell(s)
	}

	header := strings.Fields(lines[0])
	if len(header) == 0 {
		return singleCell(s)
	}
	labels := header
	if isInt(header[0]) {
		labels = make([]string, len(header))
		for i := range header {
			labels[i] = "Column_" + strconv.Itoa(i)
		}
	}

	cols := make([]smartquery.TableColumn, len(labels))
	for i, l := range labels {
		cols[i] = smartquery.TableColumn{Key: "col_" + strconv.Itoa(i), Label: l}
	}

	var rows []map[string]any
	consistent := 0
	for _, line := range lines[1:] {
		tokens := strings.Fields(line)
		if len(tokens) == 0 || isEllipsis(tokens) {
			continue
		}
		if len(tokens) > len(cols) && isInt(tokens[0]) {
			tokens = tokens[1:]
		}
		if len(tokens) == len(cols) {
			consistent++
		}
		if len(tokens) > len(cols) {
			last := len(cols) - 1
			tokens = append(tokens[:last:last], strings.Join(tokens[last:], " "))
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			v := ""
			if i < len(tokens) && !strings.EqualFold(tokens[i], "nan") {
				v = tokens[i]
			}
			row[c.Key] = v
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 || consistent*2 < len(rows) {
		return singleCell(s)
	}
	return smartquery.CanonicalTable{Columns: cols, Rows: rows, Total: len(rows)}
}

func splitLines(s string) []string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, strings.TrimSpace(l))
	}
	return lines
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func isEllipsis(tokens []string) bool {
	for _, t := range tokens {
		if strings.Trim(t, ".") != "" {
			return false
		}
	}
	return true
}
