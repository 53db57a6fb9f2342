// Package sheets provides the system-of-record boundary over Google Sheets.
//
// The spreadsheet holds the employee directory, the question definitions and
// one result worksheet per feedback cycle. All schema knowledge stays with the
// callers; this package moves rows.
package sheets

import (
	"context"
)

// Record is one spreadsheet row keyed by header column name.
type Record map[string]string

// Service defines the operations FeedbackLoop needs from the system of record.
type Service interface {
	// ListRecords returns all data rows of a worksheet as header-keyed maps,
	// in sheet order.
	ListRecords(ctx context.Context, sheet string) ([]Record, error)

	// CreateSheet creates a worksheet with the given header row. A worksheet
	// that already exists is reused, not an error.
	CreateSheet(ctx context.Context, title string, headers []string) error

	// AppendRow appends one row of values to a worksheet.
	AppendRow(ctx context.Context, sheet string, values []string) error
}

// rowsToRecords maps raw value rows onto the first (header) row. Short rows
// pad with empty strings; extra cells beyond the header are dropped.
func rowsToRecords(rows [][]string) []Record {
	if len(rows) < 2 {
		return nil
	}
	header := rows[0]
	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(Record, len(header))
		for i, col := range header {
			if col == "" {
				continue
			}
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		records = append(records, rec)
	}
	return records
}
