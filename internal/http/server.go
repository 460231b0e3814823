// Package http is the JSON API over the allocation engine: bearer-token
// sessions, expense and proposal endpoints, import/export and a websocket
// that pushes new proposals to their addressee.
package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"allocator/internal/core"
	applog "allocator/internal/log"
	"allocator/internal/middleware/ratelimit"
	"allocator/internal/middleware/security"
	"allocator/internal/middleware/trace"
	"allocator/internal/notify"
	"allocator/internal/services"
	"allocator/internal/store"
	"allocator/internal/transfer"
)

// SheetExporter writes export rows to a spreadsheet and returns the range written.
type SheetExporter interface {
	ExportExpenses(ctx context.Context, expenses []transfer.ExportExpense) (string, error)
}

// Options wires the server. Hub and Exporter are optional.
type Options struct {
	Engine   *services.Engine
	Tokens   *Tokens
	Hub      *notify.Hub
	Exporter SheetExporter
	Logger   *applog.Logger
	// DefaultFrequency is the display frequency when a request names none.
	DefaultFrequency core.Frequency
	// TrustedProxies adds CIDRs whose forwarding headers are believed.
	TrustedProxies []string
	// WritesPerMinute limits mutating requests per user; zero uses the default.
	WritesPerMinute int
}

type Server struct {
	http.Server
	engine    *services.Engine
	imports   *services.ImportService
	tokens    *Tokens
	hub       *notify.Hub
	exporter  SheetExporter
	frequency core.Frequency
	trace     *trace.Middleware
	limiter   *ratelimit.Limiter
	upgrader  websocket.Upgrader
	now       func() time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, opts Options) (*Server, error) {
	if opts.Engine == nil || opts.Tokens == nil {
		return nil, errors.New("engine and tokens are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = applog.FromContext(context.Background())
	}
	clientIP, err := security.NewClientIP(opts.TrustedProxies...)
	if err != nil {
		return nil, err
	}
	frequency := opts.DefaultFrequency
	if frequency.IsZero() {
		frequency = core.Fixed(core.Biweekly)
	}

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		engine:    opts.Engine,
		imports:   services.NewImportService(opts.Engine),
		tokens:    opts.Tokens,
		hub:       opts.Hub,
		exporter:  opts.Exporter,
		frequency: frequency,
		trace:     trace.NewMiddleware(logger.WithComponent(applog.ComponentHTTP), clientIP.Extract),
		limiter:   ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: opts.WritesPerMinute}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		now: time.Now,
	}
	s.Handler = s.routes(clientIP)
	return s, nil
}

func (s *Server) routes(clientIP *security.ClientIP) http.Handler {
	r := chi.NewRouter()
	r.Use(s.trace.Handler)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers(security.DefaultHeadersConfig()))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limiter.Middleware(func(r *http.Request) string {
			if p, ok := store.PrincipalFromContext(r.Context()); ok {
				return p.UserID
			}
			return clientIP.Extract(r)
		}, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:     "rate limit exceeded",
				Retryable: true,
				RequestID: trace.GetRequestID(r.Context()),
			})
		}))

		r.Get("/dashboard", s.handleDashboard)
		r.Get("/convert", s.handleConvert)
		r.Post("/split", s.handleComputeSplit)

		r.Route("/expenses", func(r chi.Router) {
			r.Get("/", s.handleListExpenses)
			r.Post("/", s.handleCreateExpense)
			r.Get("/{id}", s.handleGetExpense)
			r.Put("/{id}", s.handleUpdateExpense)
			r.Delete("/{id}", s.handleDeleteExpense)
		})
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleCreateAccount)
			r.Put("/{id}", s.handleUpdateAccount)
			r.Delete("/{id}", s.handleDeleteAccount)
		})
		r.Route("/income", func(r chi.Router) {
			r.Get("/", s.handleListIncome)
			r.Post("/", s.handleCreateIncome)
			r.Put("/{id}", s.handleUpdateIncome)
			r.Delete("/{id}", s.handleDeleteIncome)
		})
		r.Route("/categories", func(r chi.Router) {
			r.Get("/", s.handleListCategories)
			r.Post("/", s.handleCreateCategory)
		})
		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", s.handlePendingProposals)
			r.Post("/", s.handlePropose)
			r.Post("/{id}/accept", s.handleAcceptProposal)
			r.Post("/{id}/reject", s.handleRejectProposal)
		})

		r.Post("/import", s.handleImport)
		r.Get("/export", s.handleExport)
		r.Get("/export/income", s.handleExportIncome)
		r.Get("/ws", s.handleWebSocket)
	})
	return r
}

// Shutdown stops the limiter sweep and then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

// Metrics returns the request counters.
func (s *Server) Metrics() trace.Metrics {
	return s.trace.GetMetrics()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"requests": s.trace.GetMetrics(),
	})
}

// handleReady checks that the record store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.engine.Categories.List(ctx); err != nil {
		applog.FromContext(ctx).WithComponent(applog.ComponentHTTP).WarnContext(ctx, "Readiness check failed",
			applog.NewFields().WithError(err).ToSlice()...)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
