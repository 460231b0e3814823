package http

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"allocator/internal/core"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accounts, err := s.engine.Accounts.ListOwned(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]accountDTO, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, newAccountDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	owners, err := s.resolveOwners(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.engine.Accounts.Create(r.Context(), actor, core.Account{
		Name:     req.Name,
		Type:     core.AccountType(req.Type),
		OwnerIDs: owners,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountDTO(a))
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	owners, err := s.resolveOwners(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.engine.Accounts.Update(r.Context(), actor, core.Account{
		ID:       pathID(r),
		Name:     req.Name,
		Type:     core.AccountType(req.Type),
		OwnerIDs: owners,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountDTO(a))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Accounts.Delete(r.Context(), actor, pathID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIncome(w http.ResponseWriter, r *http.Request) {
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
	incomes, err := s.engine.Incomes.List(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]incomeDTO, 0, len(incomes))
	for _, in := range incomes {
		out = append(out, newIncomeDTO(in, target))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateIncome(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req incomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := s.engine.Incomes.Create(r.Context(), actor, req.Source, req.Amount, req.Frequency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newIncomeDTO(in, s.frequency))
}

func (s *Server) handleUpdateIncome(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req incomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := s.engine.Incomes.Update(r.Context(), actor, pathID(r), req.Source, req.Amount, req.Frequency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newIncomeDTO(in, s.frequency))
}

func (s *Server) handleDeleteIncome(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Incomes.Delete(r.Context(), actor, pathID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.engine.Categories.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]categoryDTO, 0, len(categories))
	for _, c := range categories {
		out = append(out, categoryDTO{ID: c.ID, Name: c.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.engine.Categories.Create(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categoryDTO{ID: c.ID, Name: c.Name})
}

// resolveOwners merges owner_ids with the users found for owner_emails.
func (s *Server) resolveOwners(ctx context.Context, req accountRequest) ([]string, error) {
	owners := slices.Clone(req.OwnerIDs)
	for _, email := range req.OwnerEmails {
		u, err := s.engine.Users.FindByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, &core.ValidationError{Field: "owner_emails", Reason: "no user with email " + email}
			}
			return nil, err
		}
		owners = append(owners, u.ID)
	}
	return owners, nil
}
