package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// table is a parsed CSV file.
type table struct {
	header map[string]int
	rows   [][]string
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	head, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &table{header: map[string]int{}}, nil
		}
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	t := &table{header: make(map[string]int, len(head))}
	for i, name := range head {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := t.header[name]; !dup {
			t.header[name] = i
		}
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

// column returns the index of the first alias present in the header.
func (t *table) column(aliases []string) (int, bool) {
	for _, name := range aliases {
		if i, ok := t.header[name]; ok {
			return i, true
		}
	}
	return 0, false
}

// value returns the cell of row under the first present alias.
func (t *table) value(row []string, aliases []string) string {
	i, ok := t.column(aliases)
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// present reports whether a cell carries a usable value.
func present(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, "nan")
}

// StageStats counts rows with a non-empty guess per enrichment stage.
type StageStats struct {
	GenAI  int `json:"genai_pan"`
	YOLO   int `json:"yolo_pan"`
	Corner int `json:"corner_pan"`
}

// CSVAnalyzer implements CoverageAnalyzer over local CSV files.
type CSVAnalyzer struct {
	aliases Aliases
}

// NewCSVAnalyzer creates a CSVAnalyzer using the given alias table.
func NewCSVAnalyzer(aliases Aliases) *CSVAnalyzer {
	return &CSVAnalyzer{aliases: aliases}
}

// Analyze counts rows for which no enrichment stage produced a guess. A file
// without any known guess column reports zero missing rows.
func (a *CSVAnalyzer) Analyze(_ context.Context, path string) (CSVCoverage, error) {
	t, err := readTable(path)
	if err != nil {
		return CSVCoverage{}, err
	}

	var cols []int
	for _, group := range [][]string{a.aliases.GenAI, a.aliases.YOLO, a.aliases.Corner} {
		if i, ok := t.column(group); ok {
			cols = append(cols, i)
		}
	}

	cov := CSVCoverage{Total: len(t.rows)}
	if len(cols) == 0 {
		return cov, nil
	}

	for _, row := range t.rows {
		hasAny := false
		for _, i := range cols {
			if i < len(row) && present(row[i]) {
				hasAny = true
				break
			}
		}
		if !hasAny {
			cov.Missing++
		}
	}
	return cov, nil
}

// Stats counts non-empty guesses per stage.
func (a *CSVAnalyzer) Stats(path string) (StageStats, error) {
	t, err := readTable(path)
	if err != nil {
		return StageStats{}, err
	}

	count := func(aliases []string) int {
		i, ok := t.column(aliases)
		if !ok {
			return 0
		}
		n := 0
		for _, row := range t.rows {
			if i < len(row) && present(row[i]) {
				n++
			}
		}
		return n
	}

	return StageStats{
		GenAI:  count(a.aliases.GenAI),
		YOLO:   count(a.aliases.YOLO),
		Corner: count(a.aliases.Corner),
	}, nil
}
