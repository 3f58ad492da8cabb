package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"
)

// CSVSource reads targets from a local CSV file. The first row is treated
// as a header. The file is loaded into memory on open; status write-back
// rewrites the file in place.
type CSVSource struct {
	mu           sync.Mutex
	path         string
	headers      []string
	records      [][]string // data rows, excluding the header
	mapping      Mapping
	statusColumn int // -1 when write-back is disabled
}

// OpenCSV opens a CSV file and resolves the column mapping. When mapping
// is unresolved it is inferred from the header row. statusColumn names
// the column status is written back into; empty disables write-back.
func OpenCSV(path string, mapping Mapping, statusColumn string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // tolerate ragged rows

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("source file is empty")
	}

	headers := rows[0]
	records := rows[1:]

	if !mapping.Valid() {
		mapping = InferMapping(headers)
	}
	if !mapping.Valid() {
		return nil, fmt.Errorf("could not resolve profile/message columns from headers %v", headers)
	}

	s := &CSVSource{
		path:         path,
		headers:      headers,
		records:      records,
		mapping:      mapping,
		statusColumn: -1,
	}

	if statusColumn != "" {
		for i, h := range headers {
			if strings.EqualFold(strings.TrimSpace(h), statusColumn) {
				s.statusColumn = i
				break
			}
		}
		if s.statusColumn < 0 {
			// Append the status column rather than failing; the sink
			// treats write-back as best-effort either way.
			s.headers = append(s.headers, statusColumn)
			s.statusColumn = len(s.headers) - 1
		}
	}

	return s, nil
}

// Mapping returns the resolved column mapping
func (s *CSVSource) Mapping() Mapping {
	return s.mapping
}

// Len returns the number of data rows
func (s *CSVSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// FetchRows returns normalized rows in [from, to). to <= 0 means all
// remaining rows.
func (s *CSVSource) FetchRows(ctx context.Context, from, to int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from < 0 {
		from = 0
	}
	if to <= 0 || to > len(s.records) {
		to = len(s.records)
	}

	var rows []Row
	for i := from; i < to; i++ {
		rec := s.records[i]
		rows = append(rows, Row{
			Index:      i,
			ProfileRef: cell(rec, s.mapping.ProfileColumn),
			Message:    cell(rec, s.mapping.MessageColumn),
		})
	}
	return rows, nil
}

// WriteStatus writes the status cell for a row and flushes the file.
// Disabled (no status column configured) is a silent no-op: the guard is
// deliberate best-effort, not a correctness mechanism.
func (s *CSVSource) WriteStatus(rowIndex int, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statusColumn < 0 {
		return nil
	}
	if rowIndex < 0 || rowIndex >= len(s.records) {
		return fmt.Errorf("row index %d out of range", rowIndex)
	}

	rec := s.records[rowIndex]
	for len(rec) <= s.statusColumn {
		rec = append(rec, "")
	}
	rec[s.statusColumn] = status
	s.records[rowIndex] = rec

	return s.flushLocked()
}

func (s *CSVSource) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(s.headers); err != nil {
		f.Close()
		return err
	}
	for _, rec := range s.records {
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, s.path)
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
