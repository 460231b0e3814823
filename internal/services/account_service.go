package services

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"allocator/internal/core"
	applog "allocator/internal/log"
	"allocator/internal/store"
)

// AccountService manages accounts. Only owners may change or delete an
// account, and the creator is always an owner.
type AccountService struct {
	store store.RecordStore
}

func NewAccountService(st store.RecordStore) *AccountService {
	return &AccountService{store: st}
}

func (s *AccountService) Create(ctx context.Context, actor string, a core.Account) (core.Account, error) {
	if err := core.RequireID("actor", actor); err != nil {
		return core.Account{}, err
	}
	a.Name = strings.TrimSpace(a.Name)
	a.OwnerIDs = normaliseOwners(a.OwnerIDs, actor)
	if err := a.Validate(); err != nil {
		return core.Account{}, err
	}
	if err := requireKnownUsers(ctx, s.store, a.OwnerIDs, []string{actor}); err != nil {
		return core.Account{}, err
	}

	rec, err := s.store.Insert(ctx, store.TableAccounts, accountRecord(a))
	if err != nil {
		return core.Account{}, fmt.Errorf("insert account: %w", err)
	}
	saved := accountFromRecord(rec)

	applog.FromContext(ctx).WithComponent(applog.ComponentAccount).InfoContext(ctx, "Account created",
		applog.FieldAccountID, saved.ID, applog.FieldUserID, actor, "owners", len(saved.OwnerIDs))
	return saved, nil
}

// Update replaces name, type and owners. The owner set must stay non-empty
// but may drop the actor. Pending proposals from or to a dropped owner on
// the account's expenses are superseded.
func (s *AccountService) Update(ctx context.Context, actor string, a core.Account) (core.Account, error) {
	if err := core.RequireID("id", a.ID); err != nil {
		return core.Account{}, err
	}
	current, err := loadAccount(ctx, s.store, a.ID)
	if err != nil {
		return core.Account{}, err
	}
	if !current.HasOwner(actor) {
		return core.Account{}, &core.AuthorizationError{Actor: actor, Resource: "account " + a.ID}
	}
	a.Name = strings.TrimSpace(a.Name)
	a.OwnerIDs = normaliseOwners(a.OwnerIDs, "")
	if err := a.Validate(); err != nil {
		return core.Account{}, err
	}
	if err := requireKnownUsers(ctx, s.store, a.OwnerIDs, append([]string{actor}, current.OwnerIDs...)); err != nil {
		return core.Account{}, err
	}

	var removed []string
	for _, id := range current.OwnerIDs {
		if !a.HasOwner(id) {
			removed = append(removed, id)
		}
	}

	err = inTx(ctx, s.store, func(ctx context.Context, tx store.RecordStore) error {
		if err := tx.Update(ctx, store.TableAccounts, store.Where("id", a.ID), accountRecord(a)); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if len(removed) == 0 {
			return nil
		}
		return supersedeForOwners(ctx, tx, a.ID, removed)
	})
	if err != nil {
		return core.Account{}, err
	}
	if len(removed) > 0 {
		applog.FromContext(ctx).WithComponent(applog.ComponentAccount).InfoContext(ctx, "Account owners removed",
			applog.FieldAccountID, a.ID, applog.FieldUserID, actor, "removed", removed)
	}
	return loadAccount(ctx, s.store, a.ID)
}

// supersedeForOwners closes pending proposals on the account's expenses
// sent by or addressed to any of users.
func supersedeForOwners(ctx context.Context, tx store.RecordStore, accountID string, users []string) error {
	rows, err := tx.Query(ctx, store.TableExpenses, store.Where("account_id", accountID))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.Str("id")
	}
	superseded := store.Record{"status": string(core.Superseded)}
	for _, column := range []string{"to_user_id", "from_user_id"} {
		filter := store.Filter{}.InStrings("expense_id", ids).
			InStrings(column, users).
			Eq("status", string(core.Pending))
		if err := tx.Update(ctx, store.TableSuggestions, filter, superseded); err != nil {
			return fmt.Errorf("supersede proposals of removed owners: %w", err)
		}
	}
	return nil
}

// requireKnownUsers checks that every id outside trusted has a users row.
func requireKnownUsers(ctx context.Context, st store.RecordStore, ids, trusted []string) error {
	for _, id := range ids {
		if slices.Contains(trusted, id) {
			continue
		}
		if _, err := getOne(ctx, st, store.TableUsers, id); err != nil {
			if isNotFound(err) {
				return &core.ValidationError{Field: "owner_ids", Reason: id + " is not a known user"}
			}
			return err
		}
	}
	return nil
}

// Delete removes the account and detaches its expenses, which keep existing
// without an account.
func (s *AccountService) Delete(ctx context.Context, actor, accountID string) error {
	current, err := loadAccount(ctx, s.store, accountID)
	if err != nil {
		return err
	}
	if !current.HasOwner(actor) {
		return &core.AuthorizationError{Actor: actor, Resource: "account " + accountID}
	}

	err = inTx(ctx, s.store, func(ctx context.Context, tx store.RecordStore) error {
		if err := tx.Update(ctx, store.TableExpenses, store.Where("account_id", accountID), store.Record{"account_id": nil}); err != nil {
			return fmt.Errorf("detach expenses: %w", err)
		}
		if err := tx.Delete(ctx, store.TableAccounts, store.Where("id", accountID)); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	applog.FromContext(ctx).WithComponent(applog.ComponentAccount).InfoContext(ctx, "Account deleted",
		applog.FieldAccountID, accountID, applog.FieldUserID, actor)
	return nil
}

func (s *AccountService) Get(ctx context.Context, accountID string) (core.Account, error) {
	return loadAccount(ctx, s.store, accountID)
}

// ListOwned returns the accounts userID owns, by name.
func (s *AccountService) ListOwned(ctx context.Context, userID string) ([]core.Account, error) {
	return listOwnedAccounts(ctx, s.store, userID)
}

func listOwnedAccounts(ctx context.Context, st store.RecordStore, userID string) ([]core.Account, error) {
	rows, err := st.Query(ctx, store.TableAccounts, nil, store.Asc("name"))
	if err != nil {
		return nil, err
	}
	var out []core.Account
	for _, r := range rows {
		if a := accountFromRecord(r); a.HasOwner(userID) {
			out = append(out, a)
		}
	}
	return out, nil
}

// normaliseOwners trims and de-duplicates ids, adding required when set.
func normaliseOwners(ids []string, required string) []string {
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if required != "" && !slices.Contains(out, required) {
		out = append([]string{required}, out...)
	}
	return out
}
