package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"allocator/internal/core"
	"allocator/internal/split"
	"allocator/internal/store"
	"allocator/internal/store/memory"
	"allocator/internal/transfer"
)

type recordingNotifier struct {
	mu        sync.Mutex
	proposals []core.SplitProposal
}

func (n *recordingNotifier) ProposalCreated(_ context.Context, p core.SplitProposal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.proposals = append(n.proposals, p)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.proposals)
}

// fixture is two co-owners of a joint account plus an outsider.
type fixture struct {
	engine   *Engine
	store    *memory.Store
	notifier *recordingNotifier
	joint    core.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	n := &recordingNotifier{}
	e := NewEngine(st, n)

	// A stepping clock keeps created_at ordering deterministic.
	var (
		mu    sync.Mutex
		clock = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	step := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	e.Proposals.now = step
	e.Expenses.now = step

	for _, u := range []core.User{{ID: "u1", Name: "Ana"}, {ID: "u2", Name: "Ben"}, {ID: "u3", Name: "Cy"}} {
		if err := e.Users.Ensure(ctx, u); err != nil {
			t.Fatalf("Ensure(%s) error = %v", u.ID, err)
		}
	}
	joint, err := e.Accounts.Create(ctx, "u1", core.Account{Name: "Joint", Type: core.Checking, OwnerIDs: []string{"u2"}})
	if err != nil {
		t.Fatalf("Create account error = %v", err)
	}
	return &fixture{engine: e, store: st, notifier: n, joint: joint}
}

func (f *fixture) rent(t *testing.T, policy split.Policy) core.Expense {
	t.Helper()
	e, err := f.engine.Expenses.Save(context.Background(), "u1", SaveExpense{
		Name:      "Rent",
		Amount:    2000,
		Frequency: "monthly",
		AccountID: f.joint.ID,
		Policy:    policy,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return e
}

func (f *fixture) pending(t *testing.T, userID string) []core.SplitProposal {
	t.Helper()
	ps, err := f.engine.ListPendingProposals(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListPendingProposals(%s) error = %v", userID, err)
	}
	return ps
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRentIsSharedAfterAcceptance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	monthly := core.Fixed(core.Monthly)

	e := f.rent(t, split.Equal)
	if s, ok := e.SplitFor("u1"); !ok || s.Ratio != 0.5 {
		t.Fatalf("u1 split = %+v, %v", s, ok)
	}
	if _, ok := e.SplitFor("u2"); ok {
		t.Fatal("u2 must not have a split row before accepting")
	}

	pending := f.pending(t, "u2")
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending proposal for u2, got %d", len(pending))
	}
	p := pending[0]
	if p.FromUser != "u1" || p.SuggestedRatio != 0.5 || p.SuggestedAmount != 1000 {
		t.Errorf("proposal = %+v", p)
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifier saw %d proposals, want 1", f.notifier.count())
	}

	before, err := f.engine.Dashboard(ctx, "u2", monthly)
	if err != nil {
		t.Fatal(err)
	}
	if before.TotalExpenses != 0 || before.PendingProposals != 1 {
		t.Errorf("u2 before accepting: expenses %v, pending %d", before.TotalExpenses, before.PendingProposals)
	}

	if err := f.engine.AcceptProposal(ctx, p.ID, "u2"); err != nil {
		t.Fatalf("AcceptProposal() error = %v", err)
	}

	for _, user := range []string{"u1", "u2"} {
		sum, err := f.engine.Dashboard(ctx, user, monthly)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(sum.TotalExpenses, 1000) {
			t.Errorf("%s total expenses = %v, want 1000", user, sum.TotalExpenses)
		}
		if sum.PendingProposals != 0 {
			t.Errorf("%s pending = %d", user, sum.PendingProposals)
		}
	}

	got, err := f.engine.Proposals.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.Accepted {
		t.Errorf("status = %s, want accepted", got.Status)
	}
}

func TestProposeSupersedesPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.rent(t, split.Equal)
	first := f.pending(t, "u2")[0]

	id, err := f.engine.ProposeSplit(ctx, e.ID, "u1", "u2", 0.3, 600)
	if err != nil {
		t.Fatalf("ProposeSplit() error = %v", err)
	}

	pending := f.pending(t, "u2")
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v, want only %s", pending, id)
	}
	old, err := f.engine.Proposals.Get(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != core.Superseded {
		t.Errorf("old proposal status = %s, want superseded", old.Status)
	}
}

func TestConcurrentProposalsLeaveOnePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.rent(t, split.Equal)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.engine.ProposeSplit(ctx, e.ID, "u1", "u2", float64(i)/10, float64(i)*200); err != nil {
				t.Errorf("ProposeSplit() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n := len(f.pending(t, "u2")); n != 1 {
		t.Errorf("expected 1 pending proposal, got %d", n)
	}
}

func TestProposeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shared := f.rent(t, split.Equal)
	solo, err := f.engine.Expenses.Save(ctx, "u1", SaveExpense{Name: "Gym", Amount: 40, Frequency: "monthly"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		expense string
		from    string
		to      string
		ratio   float64
		want    error
	}{
		{"no shared account", solo.ID, "u1", "u2", 0.5, core.ErrNotAuthorized},
		{"proposer not an owner", shared.ID, "u3", "u2", 0.5, core.ErrNotAuthorized},
		{"addressee not an owner", shared.ID, "u1", "u3", 0.5, core.ErrValidation},
		{"self proposal", shared.ID, "u1", "u1", 0.5, core.ErrValidation},
		{"ratio above one", shared.ID, "u1", "u2", 1.5, core.ErrInvalidRatio},
		{"negative ratio", shared.ID, "u1", "u2", -0.1, core.ErrInvalidRatio},
		{"unknown expense", "missing", "u1", "u2", 0.5, core.ErrNotFound},
		{"missing expense id", "", "u1", "u2", 0.5, core.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ProposeSplit(ctx, tt.expense, tt.from, tt.to, tt.ratio, 100)
			if !errors.Is(err, tt.want) {
				t.Errorf("ProposeSplit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAcceptTwiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rent(t, split.Equal)
	p := f.pending(t, "u2")[0]

	if err := f.engine.AcceptProposal(ctx, p.ID, "u2"); err != nil {
		t.Fatal(err)
	}
	err := f.engine.AcceptProposal(ctx, p.ID, "u2")
	if !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("second accept error = %v, want ErrInvalidState", err)
	}
	if err := f.engine.RejectProposal(ctx, p.ID, "u2"); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("reject after accept error = %v, want ErrInvalidState", err)
	}
}

func TestAnswerByWrongUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rent(t, split.Equal)
	p := f.pending(t, "u2")[0]

	err := f.engine.AcceptProposal(ctx, p.ID, "u1")
	var se *core.StateError
	if !errors.As(err, &se) {
		t.Fatalf("accept by proposer error = %v, want StateError", err)
	}
	if !strings.Contains(se.Error(), "u1") {
		t.Errorf("error should name the acting user: %v", se)
	}
	if err := f.engine.RejectProposal(ctx, p.ID, "u3"); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("reject by outsider error = %v", err)
	}

	still, err := f.engine.Proposals.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if still.Status != core.Pending {
		t.Errorf("status = %s, want pending", still.Status)
	}
}

func TestRejectLeavesSplitsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.rent(t, split.Equal)
	p := f.pending(t, "u2")[0]

	if err := f.engine.RejectProposal(ctx, p.ID, "u2"); err != nil {
		t.Fatal(err)
	}
	got, err := f.engine.Expenses.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Splits) != 1 || got.Splits[0].UserID != "u1" {
		t.Errorf("splits = %+v", got.Splits)
	}
}

// failingStore fails every insert into table made inside a transaction.
type failingStore struct {
	*memory.Store
	table string
}

func (s failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.RecordStore) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx store.RecordStore) error {
		return fn(ctx, failingTx{tx, s.table})
	})
}

type failingTx struct {
	store.RecordStore
	table string
}

func (t failingTx) Insert(ctx context.Context, table string, r store.Record) (store.Record, error) {
	if table == t.table {
		return nil, &core.StoreError{Op: "insert", Table: table, Transient: true, Err: errors.New("disk full")}
	}
	return t.RecordStore.Insert(ctx, table, r)
}

func (f *fixture) rowCount(t *testing.T, table string) int {
	t.Helper()
	rows, err := f.store.Query(context.Background(), table, nil)
	if err != nil {
		t.Fatal(err)
	}
	return len(rows)
}

func (f *fixture) assertNothingWritten(t *testing.T) {
	t.Helper()
	for _, table := range []string{store.TableExpenses, store.TableSplits, store.TableSuggestions} {
		if n := f.rowCount(t, table); n != 0 {
			t.Errorf("%s has %d rows after a failed save, want 0", table, n)
		}
	}
	if n := f.notifier.count(); n != 0 {
		t.Errorf("notifier saw %d proposals after a failed save", n)
	}
}

func TestSaveRejectsShareAboveTotal(t *testing.T) {
	f := newFixture(t)
	for _, edit := range []split.Edit{{UserID: "u1", Amount: 3000}, {UserID: "u2", Amount: 3000}} {
		_, err := f.engine.Expenses.Save(context.Background(), "u1", SaveExpense{
			Name: "Rent", Amount: 2000, Frequency: "monthly", AccountID: f.joint.ID,
			Policy: split.PerDollarCustom, Edits: []split.Edit{edit},
		})
		var verr *core.ValidationError
		if !errors.As(err, &verr) || verr.Field != "amount" {
			t.Fatalf("Save() with %s=%v error = %v, want amount validation error", edit.UserID, edit.Amount, err)
		}
	}
	f.assertNothingWritten(t)
}

func TestSaveRollsBackWhenFanOutFails(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(failingStore{f.store, store.TableSuggestions}, f.notifier)

	_, err := engine.Expenses.Save(context.Background(), "u1", SaveExpense{
		Name: "Rent", Amount: 2000, Frequency: "monthly", AccountID: f.joint.ID, Policy: split.Equal,
	})
	if !errors.Is(err, core.ErrStore) {
		t.Fatalf("Save() error = %v, want store error", err)
	}
	f.assertNothingWritten(t)
}

func TestSaveProposesToEveryOtherOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	trio, err := f.engine.Accounts.Create(ctx, "u1", core.Account{Name: "House", Type: core.Checking, OwnerIDs: []string{"u2", "u3"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Expenses.Save(ctx, "u1", SaveExpense{
		Name: "Power", Amount: 300, Frequency: "monthly", AccountID: trio.ID, Policy: split.Equal,
	}); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"u2", "u3"} {
		if ps := f.pending(t, u); len(ps) != 1 || !almostEqual(ps[0].SuggestedAmount, 100) {
			t.Errorf("pending for %s = %+v, want one proposal of 100", u, ps)
		}
	}
	if n := f.notifier.count(); n != 2 {
		t.Errorf("notifier saw %d proposals, want 2", n)
	}
}

func TestAcceptIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.rent(t, split.Equal)
	p := f.pending(t, "u2")[0]

	broken := NewProposalService(failingStore{f.store, store.TableSplits}, nil)
	err := broken.Accept(ctx, p.ID, "u2")
	if !errors.Is(err, core.ErrStore) || !core.IsTransient(err) {
		t.Fatalf("Accept() error = %v, want transient store error", err)
	}

	got, err := f.engine.Proposals.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.Pending {
		t.Errorf("status = %s, want pending after a failed split write", got.Status)
	}
	exp, err := f.engine.Expenses.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := exp.SplitFor("u2"); ok {
		t.Error("u2 split row must not exist after a failed accept")
	}

	if err := f.engine.AcceptProposal(ctx, p.ID, "u2"); err != nil {
		t.Fatalf("retry error = %v", err)
	}
}

func TestSolelyMineProposesZeroShare(t *testing.T) {
	f := newFixture(t)
	e := f.rent(t, split.SolelyMine)

	if s, ok := e.SplitFor("u1"); !ok || s.Ratio != 1 {
		t.Errorf("u1 split = %+v, %v", s, ok)
	}
	pending := f.pending(t, "u2")
	if len(pending) != 1 {
		t.Fatalf("expected a proposal for u2, got %d", len(pending))
	}
	if pending[0].SuggestedRatio != 0 || pending[0].SuggestedAmount != 0 {
		t.Errorf("proposal = %+v, want zero share", pending[0])
	}
}

func TestSaveRejectsForeignAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Expenses.Save(context.Background(), "u3", SaveExpense{
		Name: "Rent", Amount: 10, Frequency: "monthly", AccountID: f.joint.ID,
	})
	if !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("Save() error = %v, want ErrNotAuthorized", err)
	}
}

func TestSaveValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		in   SaveExpense
	}{
		{"empty name", SaveExpense{Amount: 10, Frequency: "monthly"}},
		{"zero amount", SaveExpense{Name: "x", Frequency: "monthly"}},
		{"no frequency", SaveExpense{Name: "x", Amount: 10}},
		{"unknown category", SaveExpense{Name: "x", Amount: 10, Frequency: "monthly", CategoryID: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Expenses.Save(context.Background(), "u1", tt.in); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestListViewsMarksAwaiting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rent(t, split.Equal)

	views, err := f.engine.Expenses.ListViews(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 view, got %d", len(views))
	}
	if _, ok := views[0].(core.AwaitingProposal); !ok {
		t.Errorf("u2 view = %T, want AwaitingProposal", views[0])
	}

	views, err = f.engine.Expenses.ListViews(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := views[0].(core.Settled); !ok {
		t.Errorf("u1 view = %T, want Settled", views[0])
	}

	if views, _ := f.engine.Expenses.ListViews(ctx, "u3"); len(views) != 0 {
		t.Errorf("u3 should see nothing, got %d views", len(views))
	}
}

func TestDeleteExpenseClosesProposals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.rent(t, split.Equal)

	if err := f.engine.Expenses.Delete(ctx, "u3", e.ID); !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("Delete by outsider error = %v", err)
	}
	if err := f.engine.Expenses.Delete(ctx, "u2", e.ID); err != nil {
		t.Fatalf("Delete by co-owner error = %v", err)
	}
	if _, err := f.engine.Expenses.Get(ctx, e.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get after delete error = %v", err)
	}
	if n := len(f.pending(t, "u2")); n != 0 {
		t.Errorf("pending after delete = %d", n)
	}
	rows, err := f.store.Query(ctx, store.TableSplits, store.Where("expense_id", e.ID))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("split rows left: %d", len(rows))
	}
}

func TestDeleteAccountDetachesExpenses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.rent(t, split.Equal)

	if err := f.engine.Accounts.Delete(ctx, "u3", f.joint.ID); !errors.Is(err, core.ErrNotAuthorized) {
		t.Fatalf("Delete by outsider error = %v", err)
	}
	if err := f.engine.Accounts.Delete(ctx, "u1", f.joint.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err := f.engine.Expenses.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("expense should survive its account: %v", err)
	}
	if got.AccountID != "" {
		t.Errorf("AccountID = %q, want empty", got.AccountID)
	}
}

func TestAccountOwners(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if !f.joint.HasOwner("u1") || !f.joint.HasOwner("u2") || len(f.joint.OwnerIDs) != 2 {
		t.Errorf("owners = %v", f.joint.OwnerIDs)
	}
	f.joint.OwnerIDs = nil
	if _, err := f.engine.Accounts.Update(ctx, "u1", f.joint); !errors.Is(err, core.ErrValidation) {
		t.Errorf("Update with no owners error = %v", err)
	}
	if _, err := f.engine.Accounts.Update(ctx, "u3", f.joint); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("Update by outsider error = %v", err)
	}
}

func TestAccountRejectsUnknownOwners(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Accounts.Create(ctx, "u1", core.Account{Name: "Ghost", Type: core.Savings, OwnerIDs: []string{"nobody"}})
	var ve *core.ValidationError
	if !errors.As(err, &ve) || ve.Field != "owner_ids" {
		t.Fatalf("Create with unknown owner error = %v", err)
	}
	if n := f.rowCount(t, store.TableAccounts); n != 1 {
		t.Errorf("accounts = %d, want only the fixture account", n)
	}

	joint := f.joint
	joint.OwnerIDs = []string{"u1", "u2", "nobody"}
	if _, err := f.engine.Accounts.Update(ctx, "u1", joint); !errors.As(err, &ve) || ve.Field != "owner_ids" {
		t.Errorf("Update with unknown owner error = %v", err)
	}

	// The actor needs no users row of their own.
	if _, err := f.engine.Accounts.Create(ctx, "token-only", core.Account{Name: "Solo", Type: core.Checking, OwnerIDs: []string{"u2"}}); err != nil {
		t.Errorf("Create by actor without a users row error = %v", err)
	}
}

func TestFindUserByEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.engine.Users.Ensure(ctx, core.User{ID: "u4", Name: "Dee", Email: "dee@example.com"}); err != nil {
		t.Fatal(err)
	}

	u, err := f.engine.Users.FindByEmail(ctx, "  DEE@example.com ")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "u4" || u.Name != "Dee" {
		t.Errorf("FindByEmail = %+v", u)
	}
	if _, err := f.engine.Users.FindByEmail(ctx, "nobody@example.com"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("unknown email error = %v", err)
	}
	if _, err := f.engine.Users.FindByEmail(ctx, ""); !errors.Is(err, core.ErrValidation) {
		t.Errorf("empty email error = %v", err)
	}
}

func TestRemovingOwnerSupersedesTheirProposals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rent(t, split.Equal)
	if got := f.pending(t, "u2"); len(got) != 1 {
		t.Fatalf("u2 pending = %d, want 1", len(got))
	}
	proposalID := f.pending(t, "u2")[0].ID

	joint := f.joint
	joint.OwnerIDs = []string{"u1"}
	updated, err := f.engine.Accounts.Update(ctx, "u1", joint)
	if err != nil {
		t.Fatal(err)
	}
	if updated.HasOwner("u2") {
		t.Errorf("owners = %v, u2 still present", updated.OwnerIDs)
	}
	if got := f.pending(t, "u2"); len(got) != 0 {
		t.Errorf("u2 pending after removal = %+v", got)
	}
	p, err := f.engine.Proposals.Get(ctx, proposalID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != core.Superseded {
		t.Errorf("status = %s, want %s", p.Status, core.Superseded)
	}
	if err := f.engine.Proposals.Accept(ctx, proposalID, "u2"); err == nil {
		t.Error("accepting a superseded proposal succeeded")
	}
}

func TestIncomeOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in, err := f.engine.Incomes.Create(ctx, "u1", "Salary", 2500, "biweekly")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Incomes.Create(ctx, "u2", "Salary", 3000, "monthly"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Incomes.Update(ctx, "u2", in.ID, "Mine now", 1, "monthly"); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("Update by other user error = %v", err)
	}
	if err := f.engine.Incomes.Delete(ctx, "u2", in.ID); !errors.Is(err, core.ErrNotAuthorized) {
		t.Errorf("Delete by other user error = %v", err)
	}
	if _, err := f.engine.Incomes.Create(ctx, "u1", "Bonus", 100, ""); !errors.Is(err, core.ErrValidation) {
		t.Errorf("Create without frequency error = %v", err)
	}

	list, err := f.engine.Incomes.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Source != "Salary" {
		t.Errorf("u1 income = %+v", list)
	}
}

func TestCategoryCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.engine.Categories.Create(ctx, "Housing")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.engine.Categories.Create(ctx, "housing")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("second create returned a new category: %s vs %s", a.ID, b.ID)
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.engine.Categories.Create(ctx, "Housing"); err != nil {
		t.Fatal(err)
	}

	csv := "Name,Amount,Frequency,Account,Category,Split\n" +
		"Rent,2000,monthly,joint,housing,40\n" +
		"Netflix,15.99,monthly,,,\n" +
		"Broken,-3,monthly,,,\n"
	rows, err := transfer.ReadCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatal(err)
	}

	imp := NewImportService(f.engine)
	tick := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	imp.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	res, err := imp.Import(ctx, "u1", rows)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res.Imported != 2 || res.Failed() != 1 {
		t.Fatalf("imported %d, failed %d", res.Imported, res.Failed())
	}
	if res.Errors[0].Line != 4 {
		t.Errorf("error line = %d, want 4", res.Errors[0].Line)
	}
	if n := len(f.pending(t, "u2")); n != 0 {
		t.Errorf("import must not propose, got %d pending", n)
	}

	expenses, err := f.engine.Expenses.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(expenses) != 2 {
		t.Fatalf("expected 2 expenses, got %d", len(expenses))
	}
	rent := expenses[0]
	if rent.AccountID != f.joint.ID || rent.CategoryID == "" {
		t.Errorf("rent references = account %q, category %q", rent.AccountID, rent.CategoryID)
	}
	if s, ok := rent.SplitFor("u1"); !ok || s.Ratio != 0.4 {
		t.Errorf("rent split = %+v", s)
	}

	exported, err := imp.ExportExpenses(ctx, "u1", expenses)
	if err != nil {
		t.Fatal(err)
	}
	if exported[0].Account != "Joint" || exported[0].Category != "Housing" || exported[0].Ratio != 0.4 {
		t.Errorf("exported = %+v", exported[0])
	}
	if exported[1].Ratio != 0.5 {
		t.Errorf("default split ratio = %v, want 0.5", exported[1].Ratio)
	}
}

func TestConvertAndComputeSplit(t *testing.T) {
	f := newFixture(t)

	if got := f.engine.ConvertAmount(1200, "yearly", "monthly"); !almostEqual(got, 100) {
		t.Errorf("ConvertAmount() = %v, want 100", got)
	}

	ratios, err := f.engine.ComputeSplit(split.Equal, []string{"u1", "u2", "u3"}, "u1", 90, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ratios) != 3 || !almostEqual(ratios["u2"], 1.0/3) {
		t.Errorf("ratios = %v", ratios)
	}
	if _, err := f.engine.ComputeSplit(split.Equal, nil, "u1", 90, nil, nil); !errors.Is(err, core.ErrValidation) {
		t.Errorf("empty users error = %v", err)
	}
}
