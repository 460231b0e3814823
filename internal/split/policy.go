// Package split computes how a shared expense is divided among its
// participants. Every function is pure: the same inputs always yield the
// same allocation.
package split

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"allocator/internal/core"
)

// Policy names how an expense is shared.
type Policy string

const (
	Equal           Policy = "equal"
	SolelyMine      Policy = "solely-mine"
	PerDollarCustom Policy = "per-dollar-custom"
)

// Differences smaller than a cent are not redistributed.
const tolerance = 0.01

// equalTolerance is how far a ratio may sit from 1/n and still count as equal.
const equalTolerance = 0.001

var policyAliases = map[string]Policy{
	"equal":             Equal,
	"solely-mine":       SolelyMine,
	"solely_mine":       SolelyMine,
	"me":                SolelyMine,
	"per-dollar-custom": PerDollarCustom,
	"per_dollar_custom": PerDollarCustom,
	"custom":            PerDollarCustom,
}

// ParsePolicy accepts the canonical names and the short forms used by the
// import format and the CLI ("me", "custom").
func ParsePolicy(s string) (Policy, error) {
	if p, ok := policyAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	return "", &core.ValidationError{Field: "split_type", Reason: fmt.Sprintf("unknown split type %q", s)}
}

// Share is one participant's dollar amount and ratio of the expense.
type Share struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
	Ratio  float64 `json:"ratio"`
}

// Allocation is the result of applying a policy. Unallocated is the part of
// the total no participant could absorb; it is reported, never hidden.
type Allocation struct {
	Shares      []Share `json:"shares"`
	Unallocated float64 `json:"unallocated"`
}

// Ratios returns the allocation keyed by user.
func (a Allocation) Ratios() map[string]float64 {
	out := make(map[string]float64, len(a.Shares))
	for _, s := range a.Shares {
		out[s.UserID] = s.Ratio
	}
	return out
}

// Share returns the share of userID.
func (a Allocation) Share(userID string) (Share, bool) {
	for _, s := range a.Shares {
		if s.UserID == userID {
			return s, true
		}
	}
	return Share{}, false
}

// Edit sets one participant's dollar amount.
type Edit struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
}

// EqualShares gives each user 1/n of the expense.
func EqualShares(users []string, total float64) Allocation {
	if len(users) == 0 {
		return Allocation{}
	}
	ratio := 1 / float64(len(users))
	shares := make([]Share, len(users))
	for i, u := range users {
		shares[i] = Share{UserID: u, Amount: total * ratio, Ratio: ratio}
	}
	return Allocation{Shares: shares}
}

// SolelyMineShares gives self the whole expense and every other user
// nothing. Self is added when missing from users.
func SolelyMineShares(users []string, self string, total float64) Allocation {
	if !slices.Contains(users, self) {
		users = append(slices.Clone(users), self)
	}
	shares := make([]Share, len(users))
	for i, u := range users {
		if u == self {
			shares[i] = Share{UserID: u, Amount: total, Ratio: 1}
			continue
		}
		shares[i] = Share{UserID: u}
	}
	return Allocation{Shares: shares}
}

// EqualizePerDollar resets a per-dollar allocation so every user carries
// total/n.
func EqualizePerDollar(users []string, total float64) Allocation {
	return EqualShares(users, total)
}

// Redistribute applies one per-dollar edit. The edited user takes the new
// amount, and whatever is left between the total and the sum of all amounts
// is spread evenly over users that are neither locked nor the edited one.
// Amounts never go below zero. When no user can take the difference it is
// left in Unallocated.
func Redistribute(current []Share, locked map[string]bool, edit Edit, total float64) (Allocation, error) {
	if edit.Amount < 0 || math.IsNaN(edit.Amount) {
		return Allocation{}, &core.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if edit.Amount > total {
		return Allocation{}, &core.ValidationError{Field: "amount", Reason: fmt.Sprintf("%s's share %.2f exceeds the total %.2f", edit.UserID, edit.Amount, total)}
	}

	shares := slices.Clone(current)
	idx := slices.IndexFunc(shares, func(s Share) bool { return s.UserID == edit.UserID })
	if idx < 0 {
		return Allocation{}, &core.ValidationError{Field: "user_id", Reason: fmt.Sprintf("%s is not a participant", edit.UserID)}
	}
	shares[idx].Amount = edit.Amount

	diff := total - sumAmounts(shares)
	if math.Abs(diff) < tolerance {
		diff = 0
	}

	if diff != 0 {
		var recipients []int
		for i, s := range shares {
			if i != idx && !locked[s.UserID] {
				recipients = append(recipients, i)
			}
		}
		if len(recipients) > 0 {
			each := diff / float64(len(recipients))
			for _, i := range recipients {
				shares[i].Amount = max(shares[i].Amount+each, 0)
			}
		}
	}

	return finish(shares, total), nil
}

// Compute runs policy over users. For PerDollarCustom the allocation starts
// equal and each edit is applied in order; an edited user stays locked for
// the edits that follow, and users in locked never absorb a difference.
func Compute(policy Policy, users []string, self string, total float64, edits []Edit, locked []string) (Allocation, error) {
	if len(users) == 0 {
		return Allocation{}, &core.ValidationError{Field: "users", Reason: "must not be empty"}
	}
	if total < 0 || math.IsNaN(total) {
		return Allocation{}, &core.ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	switch policy {
	case Equal:
		return EqualShares(users, total), nil
	case SolelyMine:
		if err := core.RequireID("self", self); err != nil {
			return Allocation{}, err
		}
		return SolelyMineShares(users, self, total), nil
	case PerDollarCustom:
		alloc := EqualizePerDollar(users, total)
		lockSet := make(map[string]bool, len(locked)+len(edits))
		for _, u := range locked {
			lockSet[u] = true
		}
		for _, e := range edits {
			next, err := Redistribute(alloc.Shares, lockSet, e, total)
			if err != nil {
				return Allocation{}, err
			}
			alloc = next
			lockSet[e.UserID] = true
		}
		return alloc, nil
	default:
		return Allocation{}, &core.ValidationError{Field: "split_type", Reason: fmt.Sprintf("unknown split type %q", policy)}
	}
}

// Infer reports which policy produced the stored splits as seen by self:
// a lone row owned by self is SolelyMine, rows all within 0.001 of 1/n are
// Equal, anything else is PerDollarCustom. No rows at all reads as Equal.
func Infer(splits []core.ExpenseSplit, self string) Policy {
	if len(splits) == 0 {
		return Equal
	}
	if len(splits) == 1 && splits[0].UserID == self {
		return SolelyMine
	}
	expected := 1 / float64(len(splits))
	for _, s := range splits {
		if math.Abs(s.Ratio-expected) >= equalTolerance {
			return PerDollarCustom
		}
	}
	return Equal
}

func finish(shares []Share, total float64) Allocation {
	for i := range shares {
		if total > 0 {
			shares[i].Ratio = shares[i].Amount / total
		} else {
			shares[i].Ratio = 0
		}
	}
	rest := total - sumAmounts(shares)
	if math.Abs(rest) < tolerance {
		rest = 0
	}
	return Allocation{Shares: shares, Unallocated: rest}
}

func sumAmounts(shares []Share) float64 {
	var sum float64
	for _, s := range shares {
		sum += s.Amount
	}
	return sum
}
