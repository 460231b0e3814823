// Package transfer reads and writes the spreadsheet format used to move
// expenses in and out: columns Name, Amount, Frequency, Account, Category,
// Split (whole percent of the importing user), with an optional Notes.
package transfer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"allocator/internal/core"
)

// DefaultSplitPercent applies when a row has no Split value.
const DefaultSplitPercent = 50

var (
	ExpenseHeader = []string{"Name", "Amount", "Frequency", "Account", "Category", "Split"}
	IncomeHeader  = []string{"Source", "Amount", "Frequency"}

	requiredColumns = []string{"Name", "Amount", "Frequency"}
)

var ErrUnsupportedFormat = errors.New("unsupported file format: use .csv or .xlsx")

// MissingColumnsError lists required header columns absent from a file.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "missing required columns: " + strings.Join(e.Columns, ", ")
}

// Row is one data line as read, keyed by header name. Line is the 1-based
// line of the source file, header included.
type Row struct {
	Line   int
	Fields map[string]string
}

func (r Row) Get(column string) string {
	return strings.TrimSpace(r.Fields[column])
}

// ExpenseRow is a validated import row.
type ExpenseRow struct {
	Name      string
	Amount    float64
	Frequency string
	Account   string
	Category  string
	// Ratio is Split/100.
	Ratio float64
	Notes string
}

// RowError reports why one line was skipped.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// ParseExpense validates a row: name, a positive amount and a frequency are
// required; Split, when present, must be a percentage between 0 and 100.
func (r Row) ParseExpense() (ExpenseRow, error) {
	out := ExpenseRow{
		Name:      r.Get("Name"),
		Frequency: r.Get("Frequency"),
		Account:   r.Get("Account"),
		Category:  r.Get("Category"),
		Notes:     r.Get("Notes"),
		Ratio:     DefaultSplitPercent / 100.0,
	}
	if out.Name == "" {
		return ExpenseRow{}, &core.ValidationError{Field: "Name", Reason: "must not be empty"}
	}
	amount, err := core.ParseAmount(r.Get("Amount"))
	if err != nil {
		return ExpenseRow{}, &core.ValidationError{Field: "Amount", Reason: "must be a positive number"}
	}
	out.Amount = amount
	if out.Frequency == "" {
		return ExpenseRow{}, &core.ValidationError{Field: "Frequency", Reason: "is required"}
	}
	if s := r.Get("Split"); s != "" {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil || pct < 0 || pct > 100 {
			return ExpenseRow{}, &core.ValidationError{Field: "Split", Reason: "must be a percentage between 0 and 100", Cause: core.ErrInvalidRatio}
		}
		out.Ratio = pct / 100
	}
	return out, nil
}

// Read picks the reader by file extension.
func Read(filename string, r io.Reader) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ReadCSV(r)
	case ".xlsx":
		return ReadXLSX(r)
	default:
		return nil, ErrUnsupportedFormat
	}
}

// ReadCSV reads a header line followed by data lines. Blank lines are skipped.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var (
		records [][]string
		lines   []int
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		records = append(records, rec)
		lines = append(lines, line)
	}
	return rowsFromTable(records, lines)
}

// rowsFromTable turns a header plus data lines into rows, checking the
// required columns. lines holds the source line of each table entry.
func rowsFromTable(table [][]string, lines []int) ([]Row, error) {
	if len(table) == 0 {
		return nil, &MissingColumnsError{Columns: requiredColumns}
	}
	header := make([]string, len(table[0]))
	for i, h := range table[0] {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	var missing []string
	for _, col := range requiredColumns {
		found := false
		for _, h := range header {
			if strings.EqualFold(h, col) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	var rows []Row
	for i, rec := range table[1:] {
		if isBlank(rec) {
			continue
		}
		fields := make(map[string]string, len(header))
		for j, h := range header {
			if j < len(rec) {
				fields[canonical(h)] = rec[j]
			}
		}
		rows = append(rows, Row{Line: lines[i+1], Fields: fields})
	}
	return rows, nil
}

// canonical maps a header to its title-cased column name when known.
func canonical(h string) string {
	for _, known := range append(append([]string{"Notes"}, ExpenseHeader...), IncomeHeader...) {
		if strings.EqualFold(h, known) {
			return known
		}
	}
	return h
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ExportExpense is one expense as written out.
type ExportExpense struct {
	Name      string
	Amount    float64
	Frequency string
	Account   string
	Category  string
	Ratio     float64
}

// Values renders e in ExpenseHeader order, Split as a whole percent.
func (e ExportExpense) Values() []string {
	return []string{
		e.Name,
		strconv.FormatFloat(e.Amount, 'f', -1, 64),
		e.Frequency,
		e.Account,
		e.Category,
		strconv.Itoa(core.Percent(e.Ratio)),
	}
}

// ExportIncome is one income record as written out.
type ExportIncome struct {
	Source    string
	Amount    float64
	Frequency string
}

func (i ExportIncome) Values() []string {
	return []string{i.Source, strconv.FormatFloat(i.Amount, 'f', -1, 64), i.Frequency}
}

// WriteExpensesCSV writes the header and one line per expense.
func WriteExpensesCSV(w io.Writer, expenses []ExportExpense) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExpenseHeader); err != nil {
		return err
	}
	for _, e := range expenses {
		if err := cw.Write(e.Values()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteIncomeCSV writes the header and one line per income record.
func WriteIncomeCSV(w io.Writer, incomes []ExportIncome) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(IncomeHeader); err != nil {
		return err
	}
	for _, in := range incomes {
		if err := cw.Write(in.Values()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
