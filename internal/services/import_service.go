package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"allocator/internal/aggregate"
	"allocator/internal/core"
	applog "allocator/internal/log"
	"allocator/internal/store"
	"allocator/internal/transfer"
)

// ImportResult counts the saved rows and explains the skipped ones.
type ImportResult struct {
	Imported int                 `json:"imported"`
	Errors   []transfer.RowError `json:"-"`
}

// Failed is the number of skipped rows.
func (r ImportResult) Failed() int { return len(r.Errors) }

// ImportService moves expenses between the store and the transfer format.
type ImportService struct {
	store      store.RecordStore
	accounts   *AccountService
	categories *CategoryService
	incomes    *IncomeService
	aggregator *aggregate.Aggregator
	now        func() time.Time
}

func NewImportService(e *Engine) *ImportService {
	return &ImportService{
		store:      e.store,
		accounts:   e.Accounts,
		categories: e.Categories,
		incomes:    e.Incomes,
		aggregator: e.aggregator,
		now:        time.Now,
	}
}

// Import saves each valid row as an expense of actor with actor's split row
// set to the row's Split. Account and category names are matched
// case-insensitively among actor's accounts and all categories; unknown
// names leave the reference empty. No proposals are sent.
func (s *ImportService) Import(ctx context.Context, actor string, rows []transfer.Row) (ImportResult, error) {
	if err := core.RequireID("actor", actor); err != nil {
		return ImportResult{}, err
	}
	accounts, err := s.accounts.ListOwned(ctx, actor)
	if err != nil {
		return ImportResult{}, err
	}
	categories, err := s.categories.List(ctx)
	if err != nil {
		return ImportResult{}, err
	}

	var result ImportResult
	for _, row := range rows {
		parsed, err := row.ParseExpense()
		if err != nil {
			result.Errors = append(result.Errors, transfer.RowError{Line: row.Line, Err: err})
			continue
		}
		e := core.Expense{
			Name:       parsed.Name,
			RawAmount:  core.NewAmount(parsed.Amount, parsed.Frequency),
			AccountID:  accountByName(accounts, parsed.Account),
			CategoryID: categoryByName(categories, parsed.Category),
			Notes:      parsed.Notes,
		}
		if err := s.save(ctx, actor, e, parsed.Ratio); err != nil {
			if core.IsTransient(err) {
				return result, err
			}
			result.Errors = append(result.Errors, transfer.RowError{Line: row.Line, Err: err})
			continue
		}
		result.Imported++
	}

	applog.FromContext(ctx).WithComponent(applog.ComponentImport).InfoContext(ctx, "Import complete",
		applog.FieldUserID, actor, applog.FieldOperation, applog.OpImport,
		"imported", result.Imported, "errors", result.Failed())
	return result, nil
}

func (s *ImportService) save(ctx context.Context, actor string, e core.Expense, ratio float64) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return inTx(ctx, s.store, func(ctx context.Context, tx store.RecordStore) error {
		rec := expenseRecord(e)
		rec["created_by"] = actor
		rec["created_at"] = store.FormatTime(s.now())
		saved, err := tx.Insert(ctx, store.TableExpenses, rec)
		if err != nil {
			return fmt.Errorf("insert expense: %w", err)
		}
		_, err = tx.Insert(ctx, store.TableSplits, store.Record{
			"expense_id": saved.Str("id"),
			"user_id":    actor,
			"ratio":      ratio,
		})
		if err != nil {
			return fmt.Errorf("write split: %w", err)
		}
		return nil
	})
}

// ExportExpenses returns actor's visible expenses in the transfer format,
// Split being actor's ratio (or the approximation when actor has no row).
func (s *ImportService) ExportExpenses(ctx context.Context, actor string, expenses []core.Expense) ([]transfer.ExportExpense, error) {
	accounts, err := s.accounts.ListOwned(ctx, actor)
	if err != nil {
		return nil, err
	}
	categories, err := s.categories.List(ctx)
	if err != nil {
		return nil, err
	}
	accountNames := make(map[string]string, len(accounts))
	for _, a := range accounts {
		accountNames[a.ID] = a.Name
	}
	categoryNames := make(map[string]string, len(categories))
	for _, c := range categories {
		categoryNames[c.ID] = c.Name
	}

	out := make([]transfer.ExportExpense, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, transfer.ExportExpense{
			Name:      e.Name,
			Amount:    e.RawAmount.Value,
			Frequency: e.RawAmount.Descriptor,
			Account:   accountNames[e.AccountID],
			Category:  categoryNames[e.CategoryID],
			Ratio:     s.aggregator.SplitRatioFor(e, actor),
		})
	}
	return out, nil
}

// ExportIncome returns actor's income in the transfer format.
func (s *ImportService) ExportIncome(ctx context.Context, actor string) ([]transfer.ExportIncome, error) {
	incomes, err := s.incomes.List(ctx, actor)
	if err != nil {
		return nil, err
	}
	out := make([]transfer.ExportIncome, 0, len(incomes))
	for _, in := range incomes {
		out = append(out, transfer.ExportIncome{
			Source:    in.Source,
			Amount:    in.RawAmount.Value,
			Frequency: in.RawAmount.Descriptor,
		})
	}
	return out, nil
}

func accountByName(accounts []core.Account, name string) string {
	if name == "" {
		return ""
	}
	for _, a := range accounts {
		if strings.EqualFold(a.Name, name) {
			return a.ID
		}
	}
	return ""
}

func categoryByName(categories []core.Category, name string) string {
	if name == "" {
		return ""
	}
	for _, c := range categories {
		if strings.EqualFold(c.Name, name) {
			return c.ID
		}
	}
	return ""
}
