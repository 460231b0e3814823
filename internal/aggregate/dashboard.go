package aggregate

import "allocator/internal/core"

// Snapshot is everything one user can see, as read from the store.
type Snapshot struct {
	Views      []core.ExpenseView
	Incomes    []core.Income
	Accounts   []core.Account
	Categories []core.Category
	Users      []core.User
}

// Dashboard is Aggregate with named breakdowns: accounts owned by userID,
// every category, participant names and the number of proposals waiting
// for the user.
func (a *Aggregator) Dashboard(snap Snapshot, target core.Frequency, userID string) Summary {
	sum := a.Aggregate(snap.Views, snap.Incomes, target, userID)

	owned := make([]core.Account, 0, len(snap.Accounts))
	for _, acc := range snap.Accounts {
		if acc.HasOwner(userID) {
			owned = append(owned, acc)
		}
	}
	sum.ByAccount = a.AccountBreakdown(snap.Views, owned, userID, target)
	sum.ByCategory = a.CategoryBreakdown(snap.Views, snap.Categories, userID, target)

	names := make(map[string]string, len(snap.Users))
	for _, u := range snap.Users {
		names[u.ID] = u.Name
	}
	for i, p := range sum.BySplitParticipant {
		sum.BySplitParticipant[i].Name = names[p.UserID]
	}

	for _, v := range snap.Views {
		if _, ok := v.(core.AwaitingProposal); ok {
			sum.PendingProposals++
		}
	}
	return sum
}
