package sheets

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Service implementation for tests.
type Fake struct {
	mu      sync.Mutex
	headers map[string][]string
	rows    map[string][][]string
	// FailWith, when set, is returned by every operation.
	FailWith error
}

// NewFake creates an empty fake system of record.
func NewFake() *Fake {
	return &Fake{
		headers: make(map[string][]string),
		rows:    make(map[string][][]string),
	}
}

// Seed creates a worksheet with a header and data rows, replacing any
// existing content.
func (f *Fake) Seed(sheet string, headers []string, rows [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[sheet] = headers
	f.rows[sheet] = rows
}

// ListRecords returns the seeded rows mapped onto the header.
func (f *Fake) ListRecords(ctx context.Context, sheet string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	header, ok := f.headers[sheet]
	if !ok {
		return nil, fmt.Errorf("worksheet %q not found", sheet)
	}
	all := append([][]string{header}, f.rows[sheet]...)
	return rowsToRecords(all), nil
}

// CreateSheet creates a worksheet; an existing one is reused.
func (f *Fake) CreateSheet(ctx context.Context, title string, headers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if _, ok := f.headers[title]; ok {
		return nil
	}
	f.headers[title] = headers
	return nil
}

// AppendRow appends one row to a worksheet.
func (f *Fake) AppendRow(ctx context.Context, sheet string, values []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if _, ok := f.headers[sheet]; !ok {
		return fmt.Errorf("worksheet %q not found", sheet)
	}
	row := make([]string, len(values))
	copy(row, values)
	f.rows[sheet] = append(f.rows[sheet], row)
	return nil
}

// Rows returns a copy of a worksheet's data rows, for assertions.
func (f *Fake) Rows(sheet string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([][]string, len(f.rows[sheet]))
	for i, row := range f.rows[sheet] {
		rows[i] = append([]string(nil), row...)
	}
	return rows
}

// Headers returns the header row of a worksheet, or nil when absent.
func (f *Fake) Headers(sheet string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.headers[sheet]...)
}

// HasSheet reports whether a worksheet exists.
func (f *Fake) HasSheet(sheet string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.headers[sheet]
	return ok
}
