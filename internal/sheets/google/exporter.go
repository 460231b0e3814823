// Package google writes exported expense rows to a Google Sheet.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	applog "allocator/internal/log"
	"allocator/internal/transfer"
)

// Config selects the spreadsheet and the service account used to write it.
type Config struct {
	SpreadsheetID string
	// SheetName is the base tab name; the current year is prefixed to it.
	SheetName       string
	CredentialsFile string
	CredentialsJSON string
}

// Exporter replaces the contents of one sheet tab with exported rows.
type Exporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheet         string
}

// New builds an Exporter authenticated with service account credentials,
// taken inline from CredentialsJSON or read from CredentialsFile.
func New(ctx context.Context, cfg Config, opts ...goption.ClientOption) (*Exporter, error) {
	spreadsheetID := strings.TrimSpace(cfg.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet ID")
	}
	base := strings.TrimSpace(cfg.SheetName)
	if base == "" {
		base = "Expenses"
	}

	if len(opts) == 0 {
		creds, err := credentials(cfg)
		if err != nil {
			return nil, err
		}
		opts = []goption.ClientOption{
			goption.WithCredentialsJSON(creds),
			goption.WithScopes(gsheet.SpreadsheetsScope),
		}
	}
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &Exporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheet:         yearPrefixedName(base, time.Now().Year()),
	}, nil
}

func credentials(cfg Config) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		return []byte(cfg.CredentialsJSON), nil
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_CREDENTIALS_JSON or GOOGLE_CREDENTIALS_FILE)")
	}
}

// Sheet returns the tab the exporter writes to.
func (x *Exporter) Sheet() string {
	return x.sheet
}

// ExportExpenses clears the tab and writes the header plus one row per
// expense. It returns the range written.
func (x *Exporter) ExportExpenses(ctx context.Context, expenses []transfer.ExportExpense) (string, error) {
	if x.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	clearRange := fmt.Sprintf("%s!A:F", x.sheet)
	_, err := x.svc.Spreadsheets.Values.Clear(x.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("clear %s: %w", clearRange, err)
	}

	values := expenseValues(expenses)
	writeRange := fmt.Sprintf("%s!A1:F%d", x.sheet, len(values))
	_, err = x.svc.Spreadsheets.Values.Update(x.spreadsheetID, writeRange, &gsheet.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("update %s: %w", writeRange, err)
	}

	applog.FromContext(ctx).WithComponent(applog.ComponentSheets).InfoContext(ctx, "Exported expenses to sheet",
		applog.FieldOperation, applog.OpExport,
		"sheet", x.sheet,
		"rows", len(expenses))
	return writeRange, nil
}

// expenseValues lays expenses out like the CSV export, amounts and split
// as numbers so the sheet can sum them.
func expenseValues(expenses []transfer.ExportExpense) [][]any {
	out := make([][]any, 0, len(expenses)+1)
	header := make([]any, len(transfer.ExpenseHeader))
	for i, h := range transfer.ExpenseHeader {
		header[i] = h
	}
	out = append(out, header)
	for _, e := range expenses {
		row := e.Values()
		split, _ := strconv.Atoi(row[5])
		out = append(out, []any{e.Name, e.Amount, e.Frequency, e.Account, e.Category, split})
	}
	return out
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
