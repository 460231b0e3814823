package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"allocator/internal/core"
	"allocator/internal/split"
)

const (
	maxBodyBytes   = 1 << 20
	maxUploadBytes = 10 << 20
)

var errBadRequest = errors.New("bad request")

// decodeJSON reads a single JSON object into v, refusing unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON object", errBadRequest)
	}
	return nil
}

// displayFrequency is the ?frequency= override, strictly parsed, or the
// server default.
func (s *Server) displayFrequency(r *http.Request) (core.Frequency, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("frequency"))
	if raw == "" {
		return s.frequency, nil
	}
	return core.ParseFrequency(raw)
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, &core.ValidationError{Field: name, Reason: "is required"}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &core.ValidationError{Field: name, Reason: "must be a number"}
	}
	return v, nil
}

func pathID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// parsePolicy accepts an empty split type as equal.
func parsePolicy(raw string) (split.Policy, error) {
	if strings.TrimSpace(raw) == "" {
		return split.Equal, nil
	}
	return split.ParsePolicy(raw)
}

type expenseRequest struct {
	Name       string       `json:"name"`
	Amount     float64      `json:"amount"`
	Frequency  string       `json:"frequency"`
	AccountID  string       `json:"account_id"`
	CategoryID string       `json:"category_id"`
	Notes      string       `json:"notes"`
	SplitType  string       `json:"split_type"`
	Edits      []split.Edit `json:"edits"`
	Locked     []string     `json:"locked"`
}

type accountRequest struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	OwnerIDs    []string `json:"owner_ids"`
	OwnerEmails []string `json:"owner_emails"`
}

type incomeRequest struct {
	Source    string  `json:"source"`
	Amount    float64 `json:"amount"`
	Frequency string  `json:"frequency"`
}

type categoryRequest struct {
	Name string `json:"name"`
}

type proposeRequest struct {
	ExpenseID       string  `json:"expense_id"`
	ToUser          string  `json:"to_user"`
	SuggestedRatio  float64 `json:"suggested_ratio"`
	SuggestedAmount float64 `json:"suggested_amount"`
}

type splitRequest struct {
	SplitType string       `json:"split_type"`
	Users     []string     `json:"users"`
	Amount    float64      `json:"amount"`
	Edits     []split.Edit `json:"edits"`
	Locked    []string     `json:"locked"`
}
