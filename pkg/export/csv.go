package export

import (
	"encoding/csv"
	"io"

	"github.com/puzzlehealth/reconciler/pkg/aggregate"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

// WriteCSV streams the summary table. One header row, one row per facility,
// columns in schema order.
func WriteCSV(w io.Writer, cat terminology.Catalog, rows []aggregate.Row) error {
	cols := Columns(cat)
	writer := csv.NewWriter(w)

	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = col.Title
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	record := make([]string, len(cols))
	for _, row := range rows {
		for i, col := range cols {
			record[i] = col.Value(row)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
