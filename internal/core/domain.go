package core

import (
	"math"
	"slices"
	"strings"
	"time"
)

const (
	Checking   AccountType = "checking"
	Savings    AccountType = "savings"
	Credit     AccountType = "credit"
	Investment AccountType = "investment"
	Other      AccountType = "other"
)

const (
	Pending    ProposalStatus = "pending"
	Accepted   ProposalStatus = "accepted"
	Rejected   ProposalStatus = "rejected"
	Superseded ProposalStatus = "superseded"
)

const maxNameLength = 200

type (
	AccountType string

	ProposalStatus string

	// MonetaryAmount is a value recurring at a frequency.
	MonetaryAmount struct {
		Value     float64
		Frequency Frequency
		// Descriptor is the frequency text as entered, kept for round trips.
		Descriptor string
	}

	User struct {
		ID    string
		Name  string
		Email string
	}

	Account struct {
		ID       string
		Name     string
		Type     AccountType
		OwnerIDs []string
	}

	Category struct {
		ID   string
		Name string
	}

	// ExpenseSplit is one participant's share of an expense. Only the
	// participant may write their own row.
	ExpenseSplit struct {
		ID        string
		ExpenseID string
		UserID    string
		Ratio     float64
	}

	Expense struct {
		ID         string
		Name       string
		RawAmount  MonetaryAmount
		AccountID  string // empty when unassigned
		CategoryID string // empty when uncategorised
		CreatedBy  string
		Notes      string
		Splits     []ExpenseSplit
	}

	Income struct {
		ID        string
		UserID    string
		Source    string
		RawAmount MonetaryAmount
	}

	SplitProposal struct {
		ID              string
		ExpenseID       string
		FromUser        string
		ToUser          string
		SuggestedRatio  float64
		SuggestedAmount float64
		Status          ProposalStatus
		CreatedAt       time.Time
	}
)

// NewAmount builds a MonetaryAmount from a descriptor using the lenient parse.
func NewAmount(value float64, descriptor string) MonetaryAmount {
	return MonetaryAmount{Value: value, Frequency: ResolveFrequency(descriptor), Descriptor: descriptor}
}

// At converts the amount to the target frequency.
func (m MonetaryAmount) At(target Frequency) float64 {
	return Convert(m.Value, m.Frequency, target)
}

// Monthly returns the normalised (monthly-equivalent) amount.
func (m MonetaryAmount) Monthly() float64 {
	return m.At(Fixed(Monthly))
}

func (m MonetaryAmount) Validate() error {
	if m.Value <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(m.Descriptor) == "" && m.Frequency.IsZero() {
		return &ValidationError{Field: "frequency", Reason: "is required"}
	}
	return nil
}

// IsValid reports whether t is a known account type.
func (t AccountType) IsValid() bool {
	switch t {
	case Checking, Savings, Credit, Investment, Other:
		return true
	default:
		return false
	}
}

// IsJoint reports whether the account has more than one owner.
func (a Account) IsJoint() bool { return len(a.OwnerIDs) > 1 }

// HasOwner reports whether userID owns the account.
func (a Account) HasOwner(userID string) bool {
	return slices.Contains(a.OwnerIDs, userID)
}

func (a Account) Validate() error {
	if err := validateName("name", a.Name); err != nil {
		return err
	}
	if !a.Type.IsValid() {
		return &ValidationError{Field: "type", Reason: "must be one of checking, savings, credit, investment, other"}
	}
	if len(a.OwnerIDs) == 0 {
		return &ValidationError{Field: "owner_ids", Reason: "must not be empty"}
	}
	return nil
}

func (c Category) Validate() error {
	return validateName("name", c.Name)
}

func (e Expense) Validate() error {
	if err := validateName("name", e.Name); err != nil {
		return err
	}
	if err := e.RawAmount.Validate(); err != nil {
		return err
	}
	for _, s := range e.Splits {
		if err := ValidateRatio(s.Ratio); err != nil {
			return err
		}
	}
	return nil
}

// SplitFor returns the split row owned by userID, if any.
func (e Expense) SplitFor(userID string) (ExpenseSplit, bool) {
	for _, s := range e.Splits {
		if s.UserID == userID {
			return s, true
		}
	}
	return ExpenseSplit{}, false
}

func (i Income) Validate() error {
	if err := validateName("source", i.Source); err != nil {
		return err
	}
	if strings.TrimSpace(i.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}
	return i.RawAmount.Validate()
}

// IsTerminal reports whether no further transition is allowed.
func (s ProposalStatus) IsTerminal() bool {
	return s != Pending
}

// ValidateRatio checks that r lies in [0,1].
func ValidateRatio(r float64) error {
	if math.IsNaN(r) || r < 0 || r > 1 {
		return &ValidationError{Field: "ratio", Reason: "must be between 0 and 1", Cause: ErrInvalidRatio}
	}
	return nil
}

func validateName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if len(name) > maxNameLength {
		return &ValidationError{Field: field, Reason: "too long (max 200 characters)"}
	}
	return nil
}

// ExpenseView is how one user sees an expense: either settled, or still
// awaiting their answer to a split proposal.
type ExpenseView interface {
	Expense() Expense
	isExpenseView()
}

// Settled is an expense with no open proposal for the viewer.
type Settled struct {
	E Expense
}

// AwaitingProposal is an expense whose split the viewer has not yet answered.
type AwaitingProposal struct {
	E        Expense
	Proposal SplitProposal
}

func (s Settled) Expense() Expense          { return s.E }
func (Settled) isExpenseView()              {}
func (a AwaitingProposal) Expense() Expense { return a.E }
func (AwaitingProposal) isExpenseView()     {}

// SettledViews wraps plain expenses as settled views.
func SettledViews(expenses []Expense) []ExpenseView {
	out := make([]ExpenseView, len(expenses))
	for i, e := range expenses {
		out[i] = Settled{E: e}
	}
	return out
}

// RequireID returns a validation error naming field when id is blank.
func RequireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}
