package http

import (
	"context"
	"net/http"
)

func (s *Server) handlePendingProposals(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pending, err := s.engine.ListPendingProposals(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]proposalDTO, 0, len(pending))
	for _, p := range pending {
		out = append(out, newProposalDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePropose sends a proposal from the caller; the caller is always the
// proposer.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req proposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.engine.ProposeSplit(r.Context(), req.ExpenseID, actor, req.ToUser, req.SuggestedRatio, req.SuggestedAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.Proposals.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newProposalDTO(p))
}

func (s *Server) handleAcceptProposal(w http.ResponseWriter, r *http.Request) {
	s.answerProposal(w, r, s.engine.AcceptProposal)
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	s.answerProposal(w, r, s.engine.RejectProposal)
}

func (s *Server) answerProposal(w http.ResponseWriter, r *http.Request, answer func(ctx context.Context, proposalID, actingUser string) error) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := pathID(r)
	if err := answer(r.Context(), id, actor); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.Proposals.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProposalDTO(p))
}
