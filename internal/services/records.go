package services

import (
	"context"
	"errors"
	"strings"

	"allocator/internal/core"
	"allocator/internal/store"
)

// nullable stores an empty reference as NULL.
func nullable(id string) any {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return id
}

func userFromRecord(r store.Record) core.User {
	return core.User{ID: r.Str("id"), Name: r.Str("name"), Email: r.Str("email")}
}

func accountFromRecord(r store.Record) core.Account {
	return core.Account{
		ID:       r.Str("id"),
		Name:     r.Str("name"),
		Type:     core.AccountType(r.Str("type")),
		OwnerIDs: store.SplitIDs(r.Str("owner_ids")),
	}
}

func accountRecord(a core.Account) store.Record {
	return store.Record{
		"name":      a.Name,
		"type":      string(a.Type),
		"owner_ids": store.JoinIDs(a.OwnerIDs),
	}
}

func categoryFromRecord(r store.Record) core.Category {
	return core.Category{ID: r.Str("id"), Name: r.Str("name")}
}

func expenseFromRecord(r store.Record) core.Expense {
	return core.Expense{
		ID:         r.Str("id"),
		Name:       r.Str("name"),
		RawAmount:  core.NewAmount(r.Float("raw_amount"), r.Str("raw_frequency")),
		AccountID:  r.Str("account_id"),
		CategoryID: r.Str("category_id"),
		CreatedBy:  r.Str("created_by"),
		Notes:      r.Str("notes"),
	}
}

// expenseRecord carries the mutable columns of e together with the monthly
// equivalent computed at save time.
func expenseRecord(e core.Expense) store.Record {
	return store.Record{
		"name":              e.Name,
		"raw_amount":        e.RawAmount.Value,
		"raw_frequency":     e.RawAmount.Descriptor,
		"normalised_amount": core.RoundCents(e.RawAmount.Monthly()),
		"account_id":        nullable(e.AccountID),
		"category_id":       nullable(e.CategoryID),
		"notes":             nullable(e.Notes),
	}
}

func splitFromRecord(r store.Record) core.ExpenseSplit {
	return core.ExpenseSplit{
		ID:        r.Str("id"),
		ExpenseID: r.Str("expense_id"),
		UserID:    r.Str("user_id"),
		Ratio:     r.Float("ratio"),
	}
}

func incomeFromRecord(r store.Record) core.Income {
	return core.Income{
		ID:        r.Str("id"),
		UserID:    r.Str("user_id"),
		Source:    r.Str("source"),
		RawAmount: core.NewAmount(r.Float("raw_amount"), r.Str("raw_frequency")),
	}
}

func proposalFromRecord(r store.Record) core.SplitProposal {
	return core.SplitProposal{
		ID:              r.Str("id"),
		ExpenseID:       r.Str("expense_id"),
		FromUser:        r.Str("from_user_id"),
		ToUser:          r.Str("to_user_id"),
		SuggestedRatio:  r.Float("suggested_ratio"),
		SuggestedAmount: r.Float("suggested_amount"),
		Status:          core.ProposalStatus(r.Str("status")),
		CreatedAt:       r.Time("created_at"),
	}
}

// getOne loads the record with id from table, failing with a NotFoundError.
func getOne(ctx context.Context, st store.RecordStore, table, id string) (store.Record, error) {
	rows, err := st.Query(ctx, table, store.Where("id", id))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &core.NotFoundError{Table: table, ID: id}
	}
	return rows[0], nil
}

func loadAccount(ctx context.Context, st store.RecordStore, id string) (core.Account, error) {
	rec, err := getOne(ctx, st, store.TableAccounts, id)
	if err != nil {
		return core.Account{}, err
	}
	return accountFromRecord(rec), nil
}

// loadExpense returns the expense with its split rows attached.
func loadExpense(ctx context.Context, st store.RecordStore, id string) (core.Expense, error) {
	rec, err := getOne(ctx, st, store.TableExpenses, id)
	if err != nil {
		return core.Expense{}, err
	}
	e := expenseFromRecord(rec)
	rows, err := st.Query(ctx, store.TableSplits, store.Where("expense_id", id), store.Asc("user_id"))
	if err != nil {
		return core.Expense{}, err
	}
	for _, r := range rows {
		e.Splits = append(e.Splits, splitFromRecord(r))
	}
	return e, nil
}

// inTx runs fn in a transaction when st supports one, otherwise directly
// against st.
func inTx(ctx context.Context, st store.RecordStore, fn func(ctx context.Context, tx store.RecordStore) error) error {
	if t, ok := st.(store.Transactor); ok {
		return t.InTx(ctx, fn)
	}
	return fn(ctx, st)
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
