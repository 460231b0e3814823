package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"allocator/internal/core"
	applog "allocator/internal/log"
	"allocator/internal/notify"
	"allocator/internal/services"
	"allocator/internal/store/memory"
	"allocator/internal/transfer"
)

const testSecret = "0123456789abcdef-test"

type testServer struct {
	srv    *Server
	engine *services.Engine
	tokens *Tokens
	hub    *notify.Hub
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	st := memory.New()
	hub := notify.NewHub()
	engine := services.NewEngine(st, hub)
	for _, u := range []core.User{
		{ID: "u1", Name: "Ana", Email: "ana@example.com"},
		{ID: "u2", Name: "Ben", Email: "ben@example.com"},
		{ID: "u3", Name: "Cy", Email: "cy@example.com"},
	} {
		if err := engine.Users.Ensure(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
	tokens, err := NewTokens(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	opts.Engine = engine
	opts.Tokens = tokens
	opts.Hub = hub
	opts.Logger = applog.New(applog.Config{Output: io.Discard})
	srv, err := NewServer(":0", opts)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { srv.limiter.Stop() })
	return &testServer{srv: srv, engine: engine, tokens: tokens, hub: hub}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := ts.tokens.Issue(userID)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// do sends body (JSON-encoded unless it is an io.Reader) as userID.
func (ts *testServer) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	r := httptest.NewRequest(method, path, reader)
	if userID != "" {
		r.Header.Set("Authorization", "Bearer "+ts.token(t, userID))
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (ts *testServer) jointRent(t *testing.T) (accountDTO, expenseDTO) {
	t.Helper()
	rec := ts.do(t, "u1", http.MethodPost, "/api/accounts", accountRequest{Name: "Joint", Type: "checking", OwnerIDs: []string{"u2"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: %d %s", rec.Code, rec.Body.String())
	}
	account := decode[accountDTO](t, rec)

	rec = ts.do(t, "u1", http.MethodPost, "/api/expenses", expenseRequest{
		Name: "Rent", Amount: 2000, Frequency: "monthly", AccountID: account.ID, SplitType: "equal",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create expense: %d %s", rec.Code, rec.Body.String())
	}
	return account, decode[expenseDTO](t, rec)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, Options{})

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := ts.do(t, "", http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s: missing request id", path)
		}
	}
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, Options{})

	expired, err := NewTokens(testSecret, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, _, err := expired.Issue("u1")
	if err != nil {
		t.Fatal(err)
	}
	other, _ := NewTokens("another-secret-0123456789", time.Hour)
	forged, _, _ := other.Issue("u1")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic dTE6cGFzcw==", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not.a.token", want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + stale, want: http.StatusUnauthorized},
		{name: "other secret", header: "Bearer " + forged, want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + ts.token(t, "u1"), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.srv.Handler.ServeHTTP(rec, r)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRentSharedOverHTTP(t *testing.T) {
	ts := newTestServer(t, Options{})
	_, rent := ts.jointRent(t)

	rec := ts.do(t, "u2", http.MethodGet, "/api/proposals", nil)
	pending := decode[[]proposalDTO](t, rec)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending proposal, got %d", len(pending))
	}
	p := pending[0]
	if p.ExpenseID != rent.ID || p.FromUser != "u1" || p.SuggestedRatio != 0.5 || p.SuggestedAmount != 1000 {
		t.Fatalf("unexpected proposal %+v", p)
	}

	rec = ts.do(t, "u2", http.MethodGet, "/api/expenses", nil)
	views := decode[[]expenseDTO](t, rec)
	if len(views) != 1 || views[0].State != "awaiting_proposal" || views[0].Proposal == nil {
		t.Fatalf("u2 should see the rent awaiting a proposal: %+v", views)
	}

	rec = ts.do(t, "u2", http.MethodPost, "/api/proposals/"+p.ID+"/accept", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[proposalDTO](t, rec).Status; got != "accepted" {
		t.Errorf("status = %q, want accepted", got)
	}

	for _, user := range []string{"u1", "u2"} {
		rec := ts.do(t, user, http.MethodGet, "/api/dashboard?frequency=monthly", nil)
		var sum struct {
			Frequency     string  `json:"frequency"`
			TotalExpenses float64 `json:"total_expenses"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
			t.Fatal(err)
		}
		if sum.TotalExpenses != 1000 {
			t.Errorf("%s total = %v, want 1000", user, sum.TotalExpenses)
		}
	}
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t, Options{})
	account, rent := ts.jointRent(t)
	pending := decode[[]proposalDTO](t, ts.do(t, "u2", http.MethodGet, "/api/proposals", nil))
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending proposal, got %d", len(pending))
	}
	proposalID := pending[0].ID

	tests := []struct {
		name      string
		user      string
		method    string
		path      string
		body      any
		want      int
		wantField string
	}{
		{name: "answer by proposer", user: "u1", method: http.MethodPost, path: "/api/proposals/" + proposalID + "/accept", want: http.StatusConflict},
		{name: "unknown proposal", user: "u2", method: http.MethodPost, path: "/api/proposals/nope/reject", want: http.StatusNotFound},
		{name: "outsider edits account", user: "u3", method: http.MethodPut, path: "/api/accounts/" + account.ID,
			body: accountRequest{Name: "Mine", Type: "checking", OwnerIDs: []string{"u3"}}, want: http.StatusForbidden},
		{name: "unknown owner email", user: "u1", method: http.MethodPost, path: "/api/accounts",
			body: accountRequest{Name: "Trip", Type: "checking", OwnerEmails: []string{"nobody@example.com"}}, want: http.StatusBadRequest, wantField: "owner_emails"},
		{name: "unknown owner id", user: "u1", method: http.MethodPost, path: "/api/accounts",
			body: accountRequest{Name: "Trip", Type: "checking", OwnerIDs: []string{"nobody"}}, want: http.StatusBadRequest, wantField: "owner_ids"},
		{name: "outsider reads expense", user: "u3", method: http.MethodGet, path: "/api/expenses/" + rent.ID, want: http.StatusNotFound},
		{name: "bad display frequency", user: "u1", method: http.MethodGet, path: "/api/dashboard?frequency=sometimes", want: http.StatusBadRequest},
		{name: "bad ratio", user: "u1", method: http.MethodPost, path: "/api/proposals",
			body: proposeRequest{ExpenseID: rent.ID, ToUser: "u2", SuggestedRatio: 1.5}, want: http.StatusBadRequest, wantField: "ratio"},
		{name: "empty name", user: "u1", method: http.MethodPost, path: "/api/expenses",
			body: expenseRequest{Name: " ", Amount: 10, Frequency: "monthly"}, want: http.StatusBadRequest, wantField: "name"},
		{name: "unknown field", user: "u1", method: http.MethodPost, path: "/api/categories",
			body: strings.NewReader(`{"name":"Food","colour":"red"}`), want: http.StatusBadRequest},
		{name: "unknown split type", user: "u1", method: http.MethodPost, path: "/api/split",
			body: splitRequest{SplitType: "half", Amount: 10}, want: http.StatusBadRequest, wantField: "split_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.user, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			body := decode[errorResponse](t, rec)
			if body.Error == "" {
				t.Error("error message missing")
			}
			if tt.wantField != "" && body.Field != tt.wantField {
				t.Errorf("field = %q, want %q", body.Field, tt.wantField)
			}
		})
	}

	rec := ts.do(t, "u2", http.MethodPost, "/api/proposals/"+proposalID+"/accept", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d", rec.Code)
	}
	if rec := ts.do(t, "u2", http.MethodPost, "/api/proposals/"+proposalID+"/accept", nil); rec.Code != http.StatusConflict {
		t.Errorf("second accept status = %d, want 409", rec.Code)
	}
}

func TestShareAccountByEmail(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, "u1", http.MethodPost, "/api/accounts",
		accountRequest{Name: "House", Type: "checking", OwnerEmails: []string{"Ben@Example.com"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	account := decode[accountDTO](t, rec)
	if !account.Joint || len(account.OwnerIDs) != 2 {
		t.Fatalf("account = %+v, want u1 and u2 as owners", account)
	}

	rec = ts.do(t, "u2", http.MethodPut, "/api/accounts/"+account.ID,
		accountRequest{Name: "House", Type: "checking", OwnerIDs: []string{"u2"}, OwnerEmails: []string{"ana@example.com", "cy@example.com"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[accountDTO](t, rec); len(got.OwnerIDs) != 3 {
		t.Errorf("owners = %v, want three", got.OwnerIDs)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&core.StoreError{Op: "query", Table: "expenses", Transient: true, Err: io.ErrUnexpectedEOF}, http.StatusServiceUnavailable},
		{&core.StoreError{Op: "insert", Table: "expenses", Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
		{&core.ParseError{Input: "sometimes"}, http.StatusBadRequest},
		{core.ErrUnauthenticated, http.StatusUnauthorized},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestConvertAndSplit(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(t, "u1", http.MethodGet, "/api/convert?amount=1200&from=yearly&to=monthly", nil)
	conv := decode[map[string]any](t, rec)
	if conv["result"] != 100.0 {
		t.Errorf("convert result = %v, want 100", conv["result"])
	}

	rec = ts.do(t, "u1", http.MethodPost, "/api/split", splitRequest{SplitType: "equal", Users: []string{"u1", "u2", "u3"}, Amount: 90})
	var alloc struct {
		Shares []struct {
			UserID string  `json:"user_id"`
			Amount float64 `json:"amount"`
		} `json:"shares"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &alloc); err != nil {
		t.Fatal(err)
	}
	if len(alloc.Shares) != 3 || alloc.Shares[0].Amount != 30 {
		t.Errorf("unexpected allocation %s", rec.Body.String())
	}
}

func TestImportAndExport(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.jointRent(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "expenses.csv")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, "Name,Amount,Frequency,Account,Split\nGym,40,monthly,joint,100\nBroken,abc,monthly,,\n")
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/api/import", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r.Header.Set("Authorization", "Bearer "+ts.token(t, "u1"))
	rec := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("import: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[importResponse](t, rec)
	if res.Imported != 1 || res.Failed != 1 || res.Errors[0].Line != 3 {
		t.Fatalf("unexpected import result %+v", res)
	}

	rec = ts.do(t, "u1", http.MethodGet, "/api/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Disposition"), `attachment; filename="expenses-`) {
		t.Errorf("Content-Disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	csv := rec.Body.String()
	for _, want := range []string{"Name,Amount,Frequency,Account,Category,Split", "Rent,2000,monthly,Joint,,50", "Gym,40,monthly,Joint,,100"} {
		if !strings.Contains(csv, want) {
			t.Errorf("export missing %q:\n%s", want, csv)
		}
	}

	if rec := ts.do(t, "u1", http.MethodGet, "/api/export?format=sheet", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("sheet export without exporter: status = %d, want 400", rec.Code)
	}
}

type fakeSheet struct{ rows int }

func (f *fakeSheet) ExportExpenses(_ context.Context, rows []transfer.ExportExpense) (string, error) {
	f.rows = len(rows)
	return "2024 Expenses!A1:F2", nil
}

func TestSheetExport(t *testing.T) {
	sheet := &fakeSheet{}
	ts := newTestServer(t, Options{Exporter: sheet})
	ts.jointRent(t)

	rec := ts.do(t, "u1", http.MethodGet, "/api/export?format=sheet", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if sheet.rows != 1 {
		t.Errorf("exporter got %d rows, want 1", sheet.rows)
	}
}

func TestWriteRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{WritesPerMinute: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, "u1", http.MethodPost, "/api/categories", categoryRequest{Name: "Food"}).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
	if rec := ts.do(t, "u2", http.MethodPost, "/api/categories", categoryRequest{Name: "Food"}); rec.Code != http.StatusOK {
		t.Errorf("another user is limited separately, got %d", rec.Code)
	}
	if rec := ts.do(t, "u1", http.MethodGet, "/api/categories", nil); rec.Code != http.StatusOK {
		t.Errorf("reads are not limited, got %d", rec.Code)
	}
}

func TestWebSocketPushesProposals(t *testing.T) {
	ts := newTestServer(t, Options{})
	srv := httptest.NewServer(ts.srv.Handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?access_token=" + ts.token(t, "u2")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	_, rent := ts.jointRent(t)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != "proposal.created" || msg.Proposal.ToUser != "u2" || msg.Proposal.ExpenseID != rent.ID {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	ts := newTestServer(t, Options{})
	srv := httptest.NewServer(ts.srv.Handler)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}
