// Package aggregate folds expense views and incomes into dashboard totals
// at a chosen display frequency.
package aggregate

import (
	"cmp"
	"log/slog"
	"slices"
	"sync/atomic"

	"allocator/internal/core"
)

// minParticipantRatio hides rows that only exist to record a zero share.
const minParticipantRatio = 0.001

// Breakdown is one account or category line of the dashboard.
type Breakdown struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Amount     float64 `json:"amount"`
	Percentage float64 `json:"percentage"`
}

// Participant is one user's share across every expense.
type Participant struct {
	UserID     string  `json:"user_id"`
	Name       string  `json:"name,omitempty"`
	Amount     float64 `json:"amount"`
	Percentage float64 `json:"percentage"`
}

// Summary is the result of Aggregate.
type Summary struct {
	Frequency          string        `json:"frequency"`
	FrequencyLabel     string        `json:"frequency_label"`
	TotalIncome        float64       `json:"total_income"`
	TotalExpenses      float64       `json:"total_expenses"`
	NetRemaining       float64       `json:"net_remaining"`
	ByAccount          []Breakdown   `json:"by_account"`
	ByCategory         []Breakdown   `json:"by_category"`
	BySplitParticipant []Participant `json:"by_split_participant"`
	PendingProposals   int           `json:"pending_proposals"`
}

// Aggregator computes totals. It keeps one piece of state, the number of
// times a ratio had to be approximated from another user's split row.
type Aggregator struct {
	fallbacks atomic.Int64
}

func New() *Aggregator {
	return &Aggregator{}
}

// Fallbacks returns how many lookups used approximateRatioFallback.
func (a *Aggregator) Fallbacks() int64 {
	return a.fallbacks.Load()
}

// TotalAtFrequency sums every settled expense at target. Expenses still
// awaiting a proposal answer are excluded.
func (a *Aggregator) TotalAtFrequency(views []core.ExpenseView, target core.Frequency) float64 {
	var total float64
	for _, e := range settled(views) {
		total += e.RawAmount.At(target)
	}
	return total
}

// UserShareTotal sums userID's share of every settled expense at target.
func (a *Aggregator) UserShareTotal(views []core.ExpenseView, userID string, target core.Frequency) float64 {
	var total float64
	for _, e := range settled(views) {
		total += e.RawAmount.At(target) * a.SplitRatioFor(e, userID)
	}
	return total
}

// TotalForAccount is UserShareTotal restricted to accountID.
func (a *Aggregator) TotalForAccount(views []core.ExpenseView, accountID, userID string, target core.Frequency) float64 {
	var total float64
	for _, e := range settled(views) {
		if e.AccountID == accountID {
			total += e.RawAmount.At(target) * a.SplitRatioFor(e, userID)
		}
	}
	return total
}

// TotalForCategory is UserShareTotal restricted to categoryID.
func (a *Aggregator) TotalForCategory(views []core.ExpenseView, categoryID, userID string, target core.Frequency) float64 {
	var total float64
	for _, e := range settled(views) {
		if e.CategoryID == categoryID {
			total += e.RawAmount.At(target) * a.SplitRatioFor(e, userID)
		}
	}
	return total
}

// SplitRatioFor returns userID's ratio of e. When the user has no row yet,
// the first row's ratio stands in for it. An expense without rows
// contributes nothing.
func (a *Aggregator) SplitRatioFor(e core.Expense, userID string) float64 {
	if s, ok := e.SplitFor(userID); ok {
		return s.Ratio
	}
	if len(e.Splits) == 0 {
		return 0
	}
	return a.approximateRatioFallback(e, userID)
}

func (a *Aggregator) approximateRatioFallback(e core.Expense, userID string) float64 {
	a.fallbacks.Add(1)
	slog.Debug("Approximating split ratio from first split",
		"component", "aggregate",
		"expense_id", e.ID,
		"user_id", userID,
		"ratio", e.Splits[0].Ratio)
	return e.Splits[0].Ratio
}

// AccountBreakdown returns userID's share per account, largest first.
// Accounts with nothing allocated are still listed.
func (a *Aggregator) AccountBreakdown(views []core.ExpenseView, accounts []core.Account, userID string, target core.Frequency) []Breakdown {
	out := make([]Breakdown, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, Breakdown{
			ID:     acc.ID,
			Name:   acc.Name,
			Amount: a.TotalForAccount(views, acc.ID, userID, target),
		})
	}
	return rank(out)
}

// CategoryBreakdown returns userID's share per category, largest first.
func (a *Aggregator) CategoryBreakdown(views []core.ExpenseView, categories []core.Category, userID string, target core.Frequency) []Breakdown {
	out := make([]Breakdown, 0, len(categories))
	for _, c := range categories {
		out = append(out, Breakdown{
			ID:     c.ID,
			Name:   c.Name,
			Amount: a.TotalForCategory(views, c.ID, userID, target),
		})
	}
	return rank(out)
}

// BySplitParticipant totals each user's stored share across settled
// expenses. Percentages are of the whole expense total.
func (a *Aggregator) BySplitParticipant(views []core.ExpenseView, target core.Frequency) []Participant {
	amounts := make(map[string]float64)
	var total float64
	for _, e := range settled(views) {
		amount := e.RawAmount.At(target)
		total += amount
		for _, s := range e.Splits {
			if s.Ratio > minParticipantRatio {
				amounts[s.UserID] += amount * s.Ratio
			}
		}
	}

	out := make([]Participant, 0, len(amounts))
	for userID, amount := range amounts {
		out = append(out, Participant{UserID: userID, Amount: amount, Percentage: percentOf(amount, total)})
	}
	slices.SortFunc(out, func(x, y Participant) int {
		if c := cmp.Compare(y.Amount, x.Amount); c != 0 {
			return c
		}
		return cmp.Compare(x.UserID, y.UserID)
	})
	return out
}

// TotalIncome sums the incomes belonging to userID at target.
func (a *Aggregator) TotalIncome(incomes []core.Income, userID string, target core.Frequency) float64 {
	var total float64
	for _, in := range incomes {
		if in.UserID == userID {
			total += in.RawAmount.At(target)
		}
	}
	return total
}

// Aggregate builds the dashboard figures for userID. Accounts and
// categories are taken from the expenses themselves; use Dashboard to
// name them.
func (a *Aggregator) Aggregate(views []core.ExpenseView, incomes []core.Income, target core.Frequency, userID string) Summary {
	income := a.TotalIncome(incomes, userID, target)
	expenses := a.UserShareTotal(views, userID, target)
	return Summary{
		Frequency:          target.String(),
		FrequencyLabel:     target.DisplayName(),
		TotalIncome:        income,
		TotalExpenses:      expenses,
		NetRemaining:       income - expenses,
		ByAccount:          a.AccountBreakdown(views, referencedAccounts(views), userID, target),
		ByCategory:         a.CategoryBreakdown(views, referencedCategories(views), userID, target),
		BySplitParticipant: a.BySplitParticipant(views, target),
	}
}

func settled(views []core.ExpenseView) []core.Expense {
	out := make([]core.Expense, 0, len(views))
	for _, v := range views {
		if s, ok := v.(core.Settled); ok {
			out = append(out, s.E)
		}
	}
	return out
}

func rank(items []Breakdown) []Breakdown {
	var total float64
	for _, b := range items {
		total += b.Amount
	}
	for i := range items {
		items[i].Percentage = percentOf(items[i].Amount, total)
	}
	slices.SortStableFunc(items, func(x, y Breakdown) int {
		return cmp.Compare(y.Amount, x.Amount)
	})
	return items
}

func percentOf(amount, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return amount / total * 100
}

func referencedAccounts(views []core.ExpenseView) []core.Account {
	var out []core.Account
	seen := make(map[string]bool)
	for _, v := range views {
		id := v.Expense().AccountID
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, core.Account{ID: id, Name: id})
		}
	}
	return out
}

func referencedCategories(views []core.ExpenseView) []core.Category {
	var out []core.Category
	seen := make(map[string]bool)
	for _, v := range views {
		id := v.Expense().CategoryID
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, core.Category{ID: id, Name: id})
		}
	}
	return out
}
