package drive

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// sheetToCSV streams the first sheet of a workbook to dst as CSV and returns the number
// of rows written. Rows are padded or cut to the header width; blank rows are dropped.
func sheetToCSV(src io.Reader, dst io.Writer) (int, error) {
	book, err := excelize.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open workbook: %w", err)
	}
	defer book.Close()

	sheet := book.GetSheetName(0)
	if sheet == "" {
		return 0, fmt.Errorf("workbook has no sheets")
	}
	rows, err := book.Rows(sheet)
	if err != nil {
		return 0, fmt.Errorf("sheet %s: %w", sheet, err)
	}
	defer rows.Close()

	w := csv.NewWriter(dst)
	written, width := 0, 0
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return written, fmt.Errorf("sheet %s row %d: %w", sheet, written+1, err)
		}
		if blank(cells) {
			continue
		}
		if width == 0 {
			width = len(cells)
		}
		row := make([]string, width)
		copy(row, cells)
		if err := w.Write(row); err != nil {
			return written, err
		}
		written++
	}
	if err := rows.Error(); err != nil {
		return written, fmt.Errorf("sheet %s: %w", sheet, err)
	}
	w.Flush()
	return written, w.Error()
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
