package http

import (
	"net/http"

	"allocator/internal/core"
	"allocator/internal/services"
	"allocator/internal/split"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := s.displayFrequency(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.engine.Dashboard(r.Context(), actor, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleConvert re-expresses ?amount= from ?from= to ?to=. Unknown
// frequencies count as monthly, like everywhere else amounts are shown.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	amount, err := queryFloat(r, "amount")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if to == "" {
		to = s.frequency.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount": amount,
		"from":   from,
		"to":     to,
		"result": core.RoundCents(s.engine.ConvertAmount(amount, from, to)),
	})
}

// handleComputeSplit previews a policy without storing anything.
func (s *Server) handleComputeSplit(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req splitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	policy, err := parsePolicy(req.SplitType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	users := req.Users
	if len(users) == 0 {
		users = []string{actor}
	}
	alloc, err := split.Compute(policy, users, actor, req.Amount, req.Edits, req.Locked)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := s.displayFrequency(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views, err := s.engine.Expenses.ListViews(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]expenseDTO, 0, len(views))
	for _, v := range views {
		out = append(out, s.viewDTO(v, actor, target))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) viewDTO(v core.ExpenseView, actor string, target core.Frequency) expenseDTO {
	e := v.Expense()
	dto := newExpenseDTO(e, string(services.InferPolicy(e, actor)), target)
	switch v := v.(type) {
	case core.AwaitingProposal:
		p := newProposalDTO(v.Proposal)
		dto.State = "awaiting_proposal"
		dto.Proposal = &p
	default:
		dto.State = "settled"
	}
	return dto
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := s.displayFrequency(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views, err := s.engine.Expenses.ListViews(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := pathID(r)
	for _, v := range views {
		if v.Expense().ID == id {
			writeJSON(w, http.StatusOK, s.viewDTO(v, actor, target))
			return
		}
	}
	// Invisible and missing expenses look the same.
	s.writeError(w, r, &core.NotFoundError{Table: "expenses", ID: id})
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	s.saveExpense(w, r, "", http.StatusCreated)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	s.saveExpense(w, r, pathID(r), http.StatusOK)
}

func (s *Server) saveExpense(w http.ResponseWriter, r *http.Request, id string, status int) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req expenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	policy, err := parsePolicy(req.SplitType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.engine.Expenses.Save(r.Context(), actor, services.SaveExpense{
		ID:         id,
		Name:       req.Name,
		Amount:     req.Amount,
		Frequency:  req.Frequency,
		AccountID:  req.AccountID,
		CategoryID: req.CategoryID,
		Notes:      req.Notes,
		Policy:     policy,
		Edits:      req.Edits,
		Locked:     req.Locked,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dto := newExpenseDTO(saved, string(services.InferPolicy(saved, actor)), s.frequency)
	dto.State = "settled"
	writeJSON(w, status, dto)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Expenses.Delete(r.Context(), actor, pathID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
