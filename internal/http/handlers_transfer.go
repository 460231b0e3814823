package http

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"allocator/internal/transfer"
)

type importResponse struct {
	Imported int              `json:"imported"`
	Failed   int              `json:"failed"`
	Errors   []importRowError `json:"errors,omitempty"`
}

type importRowError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

// handleImport reads a CSV or XLSX upload from the "file" form field.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: missing file field", errBadRequest))
		return
	}
	defer file.Close()

	rows, err := transfer.Read(header.Filename, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.imports.Import(r.Context(), actor, rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := importResponse{Imported: result.Imported, Failed: result.Failed()}
	for _, re := range result.Errors {
		resp.Errors = append(resp.Errors, importRowError{Line: re.Line, Error: re.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExport writes the caller's expenses as ?format=csv (default),
// xlsx, or sheet when a spreadsheet exporter is configured.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = "csv"
	}
	if format == "sheet" && s.exporter == nil {
		s.writeError(w, r, fmt.Errorf("%w: sheet export is not configured", errBadRequest))
		return
	}
	switch format {
	case "csv", "xlsx", "sheet":
	default:
		s.writeError(w, r, fmt.Errorf("%w: unknown export format %q", errBadRequest, format))
		return
	}

	expenses, err := s.engine.Expenses.List(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.imports.ExportExpenses(r.Context(), actor, expenses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	switch format {
	case "sheet":
		written, err := s.exporter.ExportExpenses(r.Context(), rows)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"range": written, "rows": len(rows)})
		return
	case "xlsx":
		if err := transfer.WriteExpensesXLSX(&buf, rows); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.attachment(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "expenses", "xlsx", buf.Bytes())
	default:
		if err := transfer.WriteExpensesCSV(&buf, rows); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.attachment(w, "text/csv; charset=utf-8", "expenses", "csv", buf.Bytes())
	}
}

func (s *Server) handleExportIncome(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.imports.ExportIncome(r.Context(), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := transfer.WriteIncomeCSV(&buf, rows); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.attachment(w, "text/csv; charset=utf-8", "income", "csv", buf.Bytes())
}

func (s *Server) attachment(w http.ResponseWriter, contentType, name, ext string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.%s"`, name, s.now().Format("2006-01-02"), ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
