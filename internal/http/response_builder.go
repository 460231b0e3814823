package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"allocator/internal/core"
	applog "allocator/internal/log"
	"allocator/internal/middleware/trace"
	"allocator/internal/transfer"
)

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		mc *transfer.MissingColumnsError
		se *core.StoreError
	)
	switch {
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrParse),
		errors.Is(err, core.ErrInvalidRatio), errors.Is(err, errBadRequest),
		errors.Is(err, transfer.ErrUnsupportedFormat), errors.As(err, &mc):
		return http.StatusBadRequest
	case errors.As(err, &se) && se.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the mapped status. Server-side failures are
// logged with their cause and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{
		Error:     err.Error(),
		RequestID: trace.GetRequestID(r.Context()),
	}
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}

	switch status {
	case http.StatusServiceUnavailable:
		body.Error = "storage temporarily unavailable"
		body.Retryable = true
		w.Header().Set("Retry-After", "5")
		applog.FromContext(r.Context()).WithComponent(applog.ComponentHTTP).WarnContext(r.Context(), "Transient store failure",
			applog.NewFields().WithError(err).ToSlice()...)
	case http.StatusInternalServerError:
		body.Error = "internal server error"
		applog.NewStructuredLogger(applog.FromContext(r.Context())).
			LogError(r.Context(), "Request failed", err, applog.ComponentHTTP, r.Method+" "+r.URL.Path, nil)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

type amountDTO struct {
	Value     float64 `json:"value"`
	Frequency string  `json:"frequency"`
	Label     string  `json:"frequency_label"`
	// Display is Value re-expressed at the requested display frequency.
	Display float64 `json:"display"`
}

func newAmountDTO(m core.MonetaryAmount, target core.Frequency) amountDTO {
	return amountDTO{
		Value:     m.Value,
		Frequency: m.Descriptor,
		Label:     m.Frequency.DisplayName(),
		Display:   core.RoundCents(m.At(target)),
	}
}

type splitDTO struct {
	UserID string  `json:"user_id"`
	Ratio  float64 `json:"ratio"`
}

type proposalDTO struct {
	ID              string    `json:"id"`
	ExpenseID       string    `json:"expense_id"`
	FromUser        string    `json:"from_user"`
	ToUser          string    `json:"to_user"`
	SuggestedRatio  float64   `json:"suggested_ratio"`
	SuggestedAmount float64   `json:"suggested_amount"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

func newProposalDTO(p core.SplitProposal) proposalDTO {
	return proposalDTO{
		ID:              p.ID,
		ExpenseID:       p.ExpenseID,
		FromUser:        p.FromUser,
		ToUser:          p.ToUser,
		SuggestedRatio:  p.SuggestedRatio,
		SuggestedAmount: p.SuggestedAmount,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt,
	}
}

type expenseDTO struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Amount     amountDTO    `json:"amount"`
	AccountID  string       `json:"account_id,omitempty"`
	CategoryID string       `json:"category_id,omitempty"`
	CreatedBy  string       `json:"created_by"`
	Notes      string       `json:"notes,omitempty"`
	SplitType  string       `json:"split_type"`
	Splits     []splitDTO   `json:"splits"`
	State      string       `json:"state,omitempty"`
	Proposal   *proposalDTO `json:"proposal,omitempty"`
}

func newExpenseDTO(e core.Expense, policy string, target core.Frequency) expenseDTO {
	splits := make([]splitDTO, 0, len(e.Splits))
	for _, sp := range e.Splits {
		splits = append(splits, splitDTO{UserID: sp.UserID, Ratio: sp.Ratio})
	}
	return expenseDTO{
		ID:         e.ID,
		Name:       e.Name,
		Amount:     newAmountDTO(e.RawAmount, target),
		AccountID:  e.AccountID,
		CategoryID: e.CategoryID,
		CreatedBy:  e.CreatedBy,
		Notes:      e.Notes,
		SplitType:  policy,
		Splits:     splits,
	}
}

type accountDTO struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	OwnerIDs []string `json:"owner_ids"`
	Joint    bool     `json:"joint"`
}

func newAccountDTO(a core.Account) accountDTO {
	return accountDTO{ID: a.ID, Name: a.Name, Type: string(a.Type), OwnerIDs: a.OwnerIDs, Joint: a.IsJoint()}
}

type incomeDTO struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Amount amountDTO `json:"amount"`
}

func newIncomeDTO(i core.Income, target core.Frequency) incomeDTO {
	return incomeDTO{ID: i.ID, Source: i.Source, Amount: newAmountDTO(i.RawAmount, target)}
}

type categoryDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
