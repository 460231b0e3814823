package transfer

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const expenseSheet = "Expenses"

// ReadXLSX reads the first sheet of a workbook the same way as ReadCSV.
func ReadXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &MissingColumnsError{Columns: requiredColumns}
	}
	table, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	lines := make([]int, len(table))
	for i := range lines {
		lines[i] = i + 1
	}
	return rowsFromTable(table, lines)
}

// WriteExpensesXLSX writes a single-sheet workbook in the import format.
func WriteExpensesXLSX(w io.Writer, expenses []ExportExpense) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), expenseSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	rows := make([][]string, 0, len(expenses)+1)
	rows = append(rows, ExpenseHeader)
	for _, e := range expenses {
		rows = append(rows, e.Values())
	}
	for i, values := range rows {
		for j, v := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(expenseSheet, cell, v); err != nil {
				return fmt.Errorf("set %s: %w", cell, err)
			}
		}
	}
	if err := f.SetColWidth(expenseSheet, "A", "A", 30); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
