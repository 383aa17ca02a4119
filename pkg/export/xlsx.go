package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/puzzlehealth/reconciler/pkg/aggregate"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

const summarySheet = "Summary"

// WriteXLSX renders the workbook and streams it to w.
func WriteXLSX(w io.Writer, cat terminology.Catalog, rows []aggregate.Row) error {
	f, err := Workbook(cat, rows)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// Workbook builds the summary workbook: one Summary sheet with a row per
// facility, plus one detail sheet per facility with the same metrics laid out
// vertically.
func Workbook(cat terminology.Catalog, rows []aggregate.Row) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(summarySheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating summary sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating header style: %w", err)
	}

	cols := Columns(cat)
	if err := writeSummary(f, cols, rows, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	used := map[string]bool{strings.ToLower(summarySheet): true}
	for _, row := range rows {
		name := sheetName(row.DisplayName, used)
		if err := writeFacilitySheet(f, name, cols, row, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}

	return f, nil
}

func writeSummary(f *excelize.File, cols []Column, rows []aggregate.Row, headerStyle int) error {
	for i, col := range cols {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("converting coordinates: %w", err)
		}
		if err := f.SetCellValue(summarySheet, cell, col.Title); err != nil {
			return fmt.Errorf("setting header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(summarySheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("styling header cell %s: %w", cell, err)
		}

		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("converting column number: %w", err)
		}
		width := 14.0
		if i == 0 {
			width = 32
		}
		if err := f.SetColWidth(summarySheet, name, name, width); err != nil {
			return fmt.Errorf("setting column width: %w", err)
		}
	}

	for r, row := range rows {
		for c, col := range cols {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return fmt.Errorf("converting coordinates: %w", err)
			}
			if err := f.SetCellValue(summarySheet, cell, col.Value(row)); err != nil {
				return fmt.Errorf("setting cell %s: %w", cell, err)
			}
		}
	}

	return freezeHeader(f, summarySheet)
}

func writeFacilitySheet(f *excelize.File, sheet string, cols []Column, row aggregate.Row, headerStyle int) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("creating sheet %q: %w", sheet, err)
	}

	if err := f.SetCellValue(sheet, "A1", "Metric"); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "B1", "Value"); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "B1", headerStyle); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", "A", 36); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "B", "B", 20); err != nil {
		return err
	}

	for i, col := range cols {
		r := i + 2
		if err := f.SetCellValue(sheet, fmt.Sprintf("A%d", r), col.Title); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, fmt.Sprintf("B%d", r), col.Value(row)); err != nil {
			return err
		}
	}

	return freezeHeader(f, sheet)
}

func freezeHeader(f *excelize.File, sheet string) error {
	err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
	if err != nil {
		return fmt.Errorf("freezing header row: %w", err)
	}
	return nil
}

// sheetName derives a legal, unique worksheet name from the facility display
// name. Excel caps names at 31 characters and forbids a handful of symbols.
func sheetName(display string, used map[string]bool) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return ' '
		}
		return r
	}, display)
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		name = "Facility"
	}
	if len(name) > 31 {
		name = strings.TrimSpace(name[:31])
	}

	candidate := name
	for n := 2; used[strings.ToLower(candidate)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		if len(name)+len(suffix) > 31 {
			candidate = name[:31-len(suffix)] + suffix
		} else {
			candidate = name + suffix
		}
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}
