package services

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"allocator/internal/core"
	applog "allocator/internal/log"
	"allocator/internal/store"
)

// ProposalNotifier is told about every proposal once it is stored.
type ProposalNotifier interface {
	ProposalCreated(ctx context.Context, p core.SplitProposal)
}

// ProposalService runs the split proposal workflow: pending proposals are
// written for co-owners, who accept or reject them. Only the addressee
// writes their own split row.
type ProposalService struct {
	store    store.RecordStore
	notifier ProposalNotifier
	now      func() time.Time

	// locks serialises work on one proposal, or on one
	// (expense, from, to) tuple while superseding.
	locks keyedMutex
}

func NewProposalService(st store.RecordStore, notifier ProposalNotifier) *ProposalService {
	return &ProposalService{
		store:    st,
		notifier: notifier,
		now:      time.Now,
	}
}

// Propose records a pending proposal from fromUser to toUser, superseding
// any still pending one for the same expense and pair.
func (s *ProposalService) Propose(ctx context.Context, expenseID, fromUser, toUser string, ratio, amount float64) (string, error) {
	if err := core.RequireID("expense_id", expenseID); err != nil {
		return "", err
	}
	if err := validateProposal(fromUser, toUser, ratio, amount); err != nil {
		return "", err
	}

	unlock := s.locks.Lock(pairKey(expenseID, fromUser, toUser))
	defer unlock()

	var created core.SplitProposal
	err := inTx(ctx, s.store, func(ctx context.Context, tx store.RecordStore) error {
		var err error
		created, err = s.insert(ctx, tx, expenseID, fromUser, toUser, ratio, amount)
		return err
	})
	if err != nil {
		return "", err
	}

	s.announce(ctx, created)
	return created.ID, nil
}

func validateProposal(fromUser, toUser string, ratio, amount float64) error {
	if err := core.RequireID("from_user", fromUser); err != nil {
		return err
	}
	if err := core.RequireID("to_user", toUser); err != nil {
		return err
	}
	if fromUser == toUser {
		return &core.ValidationError{Field: "to_user", Reason: "must differ from the proposing user"}
	}
	if err := core.ValidateRatio(ratio); err != nil {
		return err
	}
	if amount < 0 || math.IsNaN(amount) {
		return &core.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	return nil
}

func pairKey(expenseID, fromUser, toUser string) string {
	return expenseID + "|" + fromUser + "|" + toUser
}

// insert supersedes the pending proposal for the same expense and pair and
// stores the new one, inside the caller's transaction. Nobody is told
// until announce.
func (s *ProposalService) insert(ctx context.Context, tx store.RecordStore, expenseID, fromUser, toUser string, ratio, amount float64) (core.SplitProposal, error) {
	if err := authorizeProposer(ctx, tx, expenseID, fromUser, toUser); err != nil {
		return core.SplitProposal{}, err
	}

	pending := store.Where("expense_id", expenseID).
		Eq("from_user_id", fromUser).
		Eq("to_user_id", toUser).
		Eq("status", string(core.Pending))
	if err := tx.Update(ctx, store.TableSuggestions, pending, store.Record{"status": string(core.Superseded)}); err != nil {
		return core.SplitProposal{}, fmt.Errorf("supersede pending proposals: %w", err)
	}

	rec, err := tx.Insert(ctx, store.TableSuggestions, store.Record{
		"expense_id":       expenseID,
		"from_user_id":     fromUser,
		"to_user_id":       toUser,
		"suggested_ratio":  ratio,
		"suggested_amount": core.RoundCents(amount),
		"status":           string(core.Pending),
		"created_at":       store.FormatTime(s.now()),
	})
	if err != nil {
		return core.SplitProposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return proposalFromRecord(rec), nil
}

// announce logs a committed proposal and hands it to the notifier.
func (s *ProposalService) announce(ctx context.Context, p core.SplitProposal) {
	applog.NewStructuredLogger(applog.FromContext(ctx)).
		LogProposal(ctx, applog.OpPropose, p.ID, p.ExpenseID, p.FromUser, p.ToUser, p.SuggestedRatio)
	if s.notifier != nil {
		s.notifier.ProposalCreated(ctx, p)
	}
}

// authorizeProposer checks that fromUser owns the expense's account and
// that toUser is a co-owner.
func authorizeProposer(ctx context.Context, st store.RecordStore, expenseID, fromUser, toUser string) error {
	rec, err := getOne(ctx, st, store.TableExpenses, expenseID)
	if err != nil {
		return err
	}
	accountID := rec.Str("account_id")
	if accountID == "" {
		return &core.AuthorizationError{Actor: fromUser, Resource: "expense " + expenseID + " (no shared account)"}
	}
	account, err := loadAccount(ctx, st, accountID)
	if err != nil {
		return err
	}
	if !account.HasOwner(fromUser) {
		return &core.AuthorizationError{Actor: fromUser, Resource: "account " + accountID}
	}
	if !account.HasOwner(toUser) {
		return &core.ValidationError{Field: "to_user", Reason: toUser + " is not an owner of account " + accountID}
	}
	return nil
}

// Accept materialises the proposed ratio as actingUser's split row, then
// marks the proposal accepted. The status never flips unless the split
// write succeeded.
func (s *ProposalService) Accept(ctx context.Context, proposalID, actingUser string) error {
	unlock := s.locks.Lock(proposalID)
	defer unlock()

	var accepted core.SplitProposal
	err := inTx(ctx, s.store, func(ctx context.Context, tx store.RecordStore) error {
		p, err := pendingFor(ctx, tx, proposalID, actingUser, "accept")
		if err != nil {
			return err
		}

		mine := store.Where("expense_id", p.ExpenseID).Eq("user_id", actingUser)
		if err := tx.Delete(ctx, store.TableSplits, mine); err != nil {
			return fmt.Errorf("delete split: %w", err)
		}
		if _, err := tx.Insert(ctx, store.TableSplits, store.Record{
			"expense_id": p.ExpenseID,
			"user_id":    actingUser,
			"ratio":      p.SuggestedRatio,
		}); err != nil {
			return fmt.Errorf("write split: %w", err)
		}

		if err := s.setStatus(ctx, tx, p.ID, core.Accepted); err != nil {
			return err
		}
		accepted = p
		return nil
	})
	if err != nil {
		return err
	}

	applog.NewStructuredLogger(applog.FromContext(ctx)).
		LogProposal(ctx, applog.OpAccept, accepted.ID, accepted.ExpenseID, accepted.FromUser, actingUser, accepted.SuggestedRatio)
	return nil
}

// Reject closes the proposal without touching any split row.
func (s *ProposalService) Reject(ctx context.Context, proposalID, actingUser string) error {
	unlock := s.locks.Lock(proposalID)
	defer unlock()

	var rejected core.SplitProposal
	err := inTx(ctx, s.store, func(ctx context.Context, tx store.RecordStore) error {
		p, err := pendingFor(ctx, tx, proposalID, actingUser, "reject")
		if err != nil {
			return err
		}
		rejected = p
		return s.setStatus(ctx, tx, p.ID, core.Rejected)
	})
	if err != nil {
		return err
	}

	applog.NewStructuredLogger(applog.FromContext(ctx)).
		LogProposal(ctx, applog.OpReject, rejected.ID, rejected.ExpenseID, rejected.FromUser, actingUser, rejected.SuggestedRatio)
	return nil
}

// pendingFor loads a proposal and checks it is pending and addressed to actingUser.
func pendingFor(ctx context.Context, st store.RecordStore, proposalID, actingUser, action string) (core.SplitProposal, error) {
	if err := core.RequireID("proposal_id", proposalID); err != nil {
		return core.SplitProposal{}, err
	}
	rec, err := getOne(ctx, st, store.TableSuggestions, proposalID)
	if err != nil {
		return core.SplitProposal{}, err
	}
	p := proposalFromRecord(rec)
	if p.Status != core.Pending {
		return p, &core.StateError{ProposalID: p.ID, Status: p.Status, Reason: "cannot " + action + " a " + string(p.Status) + " proposal"}
	}
	if p.ToUser != actingUser {
		return p, &core.StateError{ProposalID: p.ID, Status: p.Status, Reason: fmt.Sprintf("user %s cannot %s a proposal addressed to %s", actingUser, action, p.ToUser)}
	}
	return p, nil
}

func (s *ProposalService) setStatus(ctx context.Context, st store.RecordStore, proposalID string, status core.ProposalStatus) error {
	filter := store.Where("id", proposalID).Eq("status", string(core.Pending))
	if err := st.Update(ctx, store.TableSuggestions, filter, store.Record{"status": string(status)}); err != nil {
		return fmt.Errorf("mark proposal %s: %w", status, err)
	}
	return nil
}

// PendingFor lists the pending proposals addressed to userID, newest first.
func (s *ProposalService) PendingFor(ctx context.Context, userID string) ([]core.SplitProposal, error) {
	if err := core.RequireID("user_id", userID); err != nil {
		return nil, err
	}
	rows, err := s.store.Query(ctx, store.TableSuggestions,
		store.Where("to_user_id", userID).Eq("status", string(core.Pending)),
		store.Desc("created_at"))
	if err != nil {
		return nil, err
	}
	out := make([]core.SplitProposal, 0, len(rows))
	for _, r := range rows {
		out = append(out, proposalFromRecord(r))
	}
	return out, nil
}

// Get returns one proposal.
func (s *ProposalService) Get(ctx context.Context, proposalID string) (core.SplitProposal, error) {
	rec, err := getOne(ctx, s.store, store.TableSuggestions, proposalID)
	if err != nil {
		return core.SplitProposal{}, err
	}
	return proposalFromRecord(rec), nil
}

// supersedeForExpense closes every pending proposal on an expense.
func supersedeForExpense(ctx context.Context, st store.RecordStore, expenseID string) error {
	filter := store.Where("expense_id", expenseID).Eq("status", string(core.Pending))
	return st.Update(ctx, store.TableSuggestions, filter, store.Record{"status": string(core.Superseded)})
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockAll takes the locks for keys in sorted order, so two callers with
// overlapping keys cannot deadlock.
func (k *keyedMutex) LockAll(keys []string) (unlock func()) {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		unlocks = append(unlocks, k.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
