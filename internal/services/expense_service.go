package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"allocator/internal/core"
	applog "allocator/internal/log"
	"allocator/internal/split"
	"allocator/internal/store"
)

// SaveExpense is the input of ExpenseService.Save. An empty ID creates a
// new expense.
type SaveExpense struct {
	ID         string
	Name       string
	Amount     float64
	Frequency  string
	AccountID  string
	CategoryID string
	Notes      string
	Policy     split.Policy
	// Edits and Locked drive the per-dollar-custom policy.
	Edits  []split.Edit
	Locked []string
}

// ExpenseService saves expenses with the caller's own split row and fans
// proposals out to the other owners of a shared account.
type ExpenseService struct {
	store     store.RecordStore
	proposals *ProposalService
	now       func() time.Time
}

func NewExpenseService(st store.RecordStore, proposals *ProposalService) *ExpenseService {
	return &ExpenseService{
		store:     st,
		proposals: proposals,
		now:       time.Now,
	}
}

// Save validates and stores the expense, writes the actor's split row and
// proposes each other owner's share. The returned expense is re-read from
// the store.
func (s *ExpenseService) Save(ctx context.Context, actor string, in SaveExpense) (core.Expense, error) {
	if err := core.RequireID("actor", actor); err != nil {
		return core.Expense{}, err
	}
	if strings.TrimSpace(in.Frequency) == "" {
		return core.Expense{}, &core.ValidationError{Field: "frequency", Reason: "is required"}
	}
	e := core.Expense{
		ID:         in.ID,
		Name:       strings.TrimSpace(in.Name),
		RawAmount:  core.NewAmount(in.Amount, strings.TrimSpace(in.Frequency)),
		AccountID:  in.AccountID,
		CategoryID: in.CategoryID,
		CreatedBy:  actor,
		Notes:      in.Notes,
	}
	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}
	policy := in.Policy
	if policy == "" {
		policy = split.Equal
	}

	participants := []string{actor}
	var account core.Account
	if e.AccountID != "" {
		var err error
		account, err = loadAccount(ctx, s.store, e.AccountID)
		if err != nil {
			return core.Expense{}, err
		}
		if !account.HasOwner(actor) {
			return core.Expense{}, &core.AuthorizationError{Actor: actor, Resource: "account " + account.ID}
		}
		participants = account.OwnerIDs
	}
	if e.CategoryID != "" {
		if _, err := getOne(ctx, s.store, store.TableCategories, e.CategoryID); err != nil {
			return core.Expense{}, err
		}
	}

	alloc, err := split.Compute(policy, participants, actor, e.RawAmount.Value, in.Edits, in.Locked)
	if err != nil {
		return core.Expense{}, err
	}

	// Every owner's share is checked before anything is written.
	var others []string
	if account.IsJoint() {
		for _, owner := range account.OwnerIDs {
			if owner == actor {
				continue
			}
			share, _ := alloc.Share(owner)
			if err := validateProposal(actor, owner, share.Ratio, share.Amount); err != nil {
				return core.Expense{}, fmt.Errorf("propose split to %s: %w", owner, err)
			}
			others = append(others, owner)
		}
	}
	if e.ID != "" && len(others) > 0 {
		keys := make([]string, len(others))
		for i, owner := range others {
			keys[i] = pairKey(e.ID, actor, owner)
		}
		unlock := s.proposals.locks.LockAll(keys)
		defer unlock()
	}

	var proposed []core.SplitProposal
	err = inTx(ctx, s.store, func(ctx context.Context, tx store.RecordStore) error {
		proposed = proposed[:0]
		if e.ID == "" {
			rec := expenseRecord(e)
			rec["created_by"] = actor
			rec["created_at"] = store.FormatTime(s.now())
			saved, err := tx.Insert(ctx, store.TableExpenses, rec)
			if err != nil {
				return fmt.Errorf("insert expense: %w", err)
			}
			e.ID = saved.Str("id")
		} else {
			if err := authorizeExpenseEdit(ctx, tx, e.ID, actor); err != nil {
				return err
			}
			if err := tx.Update(ctx, store.TableExpenses, store.Where("id", e.ID), expenseRecord(e)); err != nil {
				return fmt.Errorf("update expense: %w", err)
			}
		}
		if err := writeOwnSplit(ctx, tx, e.ID, actor, alloc); err != nil {
			return err
		}
		for _, owner := range others {
			share, _ := alloc.Share(owner)
			p, err := s.proposals.insert(ctx, tx, e.ID, actor, owner, share.Ratio, share.Amount)
			if err != nil {
				return fmt.Errorf("propose split to %s: %w", owner, err)
			}
			proposed = append(proposed, p)
		}
		return nil
	})
	if err != nil {
		return core.Expense{}, err
	}

	for _, p := range proposed {
		s.proposals.announce(ctx, p)
	}

	applog.FromContext(ctx).WithComponent(applog.ComponentExpense).InfoContext(ctx, "Expense saved",
		applog.NewFields().WithExpense(e.ID).WithUser(actor).
			WithOperation(applog.OpUpdate).ToSlice()...)

	return loadExpense(ctx, s.store, e.ID)
}

// writeOwnSplit replaces actor's split row. A participant with no positive
// share keeps no row, unless nobody has one, in which case actor takes it all.
func writeOwnSplit(ctx context.Context, tx store.RecordStore, expenseID, actor string, alloc split.Allocation) error {
	ratio := 0.0
	if share, ok := alloc.Share(actor); ok {
		ratio = share.Ratio
	}
	anyPositive := false
	for _, sh := range alloc.Shares {
		if sh.Ratio > 0 {
			anyPositive = true
			break
		}
	}
	if !anyPositive {
		ratio = 1
	}

	mine := store.Where("expense_id", expenseID).Eq("user_id", actor)
	if err := tx.Delete(ctx, store.TableSplits, mine); err != nil {
		return fmt.Errorf("delete split: %w", err)
	}
	if ratio <= 0 {
		return nil
	}
	if err := core.ValidateRatio(ratio); err != nil {
		return err
	}
	if _, err := tx.Insert(ctx, store.TableSplits, store.Record{
		"expense_id": expenseID,
		"user_id":    actor,
		"ratio":      ratio,
	}); err != nil {
		return fmt.Errorf("write split: %w", err)
	}
	return nil
}

// authorizeExpenseEdit allows the creator or any owner of the expense's account.
func authorizeExpenseEdit(ctx context.Context, st store.RecordStore, expenseID, actor string) error {
	rec, err := getOne(ctx, st, store.TableExpenses, expenseID)
	if err != nil {
		return err
	}
	if rec.Str("created_by") == actor {
		return nil
	}
	if accountID := rec.Str("account_id"); accountID != "" {
		account, err := loadAccount(ctx, st, accountID)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil && account.HasOwner(actor) {
			return nil
		}
	}
	return &core.AuthorizationError{Actor: actor, Resource: "expense " + expenseID}
}

// Delete removes the expense with its split rows, closing its pending proposals.
func (s *ExpenseService) Delete(ctx context.Context, actor, expenseID string) error {
	if err := core.RequireID("expense_id", expenseID); err != nil {
		return err
	}
	err := inTx(ctx, s.store, func(ctx context.Context, tx store.RecordStore) error {
		if err := authorizeExpenseEdit(ctx, tx, expenseID, actor); err != nil {
			return err
		}
		if err := supersedeForExpense(ctx, tx, expenseID); err != nil {
			return fmt.Errorf("close proposals: %w", err)
		}
		if err := tx.Delete(ctx, store.TableSplits, store.Where("expense_id", expenseID)); err != nil {
			return fmt.Errorf("delete splits: %w", err)
		}
		if err := tx.Delete(ctx, store.TableSuggestions, store.Where("expense_id", expenseID)); err != nil {
			return fmt.Errorf("delete proposals: %w", err)
		}
		if err := tx.Delete(ctx, store.TableExpenses, store.Where("id", expenseID)); err != nil {
			return fmt.Errorf("delete expense: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	applog.FromContext(ctx).WithComponent(applog.ComponentExpense).InfoContext(ctx, "Expense deleted",
		applog.NewFields().WithExpense(expenseID).WithUser(actor).WithOperation(applog.OpDelete).ToSlice()...)
	return nil
}

// Get returns one expense with its split rows.
func (s *ExpenseService) Get(ctx context.Context, expenseID string) (core.Expense, error) {
	return loadExpense(ctx, s.store, expenseID)
}

// List returns the expenses visible to userID: those they created and those
// on accounts they own. Split rows are attached.
func (s *ExpenseService) List(ctx context.Context, userID string) ([]core.Expense, error) {
	accounts, err := listOwnedAccounts(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}

	seen := make(map[string]bool)
	var expenses []core.Expense
	collect := func(filter store.Filter) error {
		rows, err := s.store.Query(ctx, store.TableExpenses, filter, store.Asc("created_at"))
		if err != nil {
			return err
		}
		for _, r := range rows {
			if id := r.Str("id"); !seen[id] {
				seen[id] = true
				expenses = append(expenses, expenseFromRecord(r))
			}
		}
		return nil
	}
	if err := collect(store.Where("created_by", userID)); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		if err := collect(store.Filter{}.InStrings("account_id", ids)); err != nil {
			return nil, err
		}
	}
	if len(expenses) == 0 {
		return nil, nil
	}

	expenseIDs := make([]string, len(expenses))
	for i, e := range expenses {
		expenseIDs[i] = e.ID
	}
	rows, err := s.store.Query(ctx, store.TableSplits, store.Filter{}.InStrings("expense_id", expenseIDs), store.Asc("user_id"))
	if err != nil {
		return nil, err
	}
	byExpense := make(map[string][]core.ExpenseSplit)
	for _, r := range rows {
		sp := splitFromRecord(r)
		byExpense[sp.ExpenseID] = append(byExpense[sp.ExpenseID], sp)
	}
	for i := range expenses {
		expenses[i].Splits = byExpense[expenses[i].ID]
	}
	return expenses, nil
}

// ListViews tags each visible expense as Settled, or AwaitingProposal when a
// pending proposal addressed to userID exists for it.
func (s *ExpenseService) ListViews(ctx context.Context, userID string) ([]core.ExpenseView, error) {
	expenses, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending, err := s.proposals.PendingFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	// PendingFor is newest first, so the first proposal seen per expense wins.
	byExpense := make(map[string]core.SplitProposal, len(pending))
	for _, p := range pending {
		if _, ok := byExpense[p.ExpenseID]; !ok {
			byExpense[p.ExpenseID] = p
		}
	}

	views := make([]core.ExpenseView, 0, len(expenses))
	for _, e := range expenses {
		if p, ok := byExpense[e.ID]; ok {
			views = append(views, core.AwaitingProposal{E: e, Proposal: p})
		} else {
			views = append(views, core.Settled{E: e})
		}
	}
	return views, nil
}

// InferPolicy reports the split policy the stored rows of e correspond to,
// as seen by userID.
func InferPolicy(e core.Expense, userID string) split.Policy {
	return split.Infer(e.Splits, userID)
}
