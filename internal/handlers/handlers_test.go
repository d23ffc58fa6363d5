package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/api/middleware"
	"github.com/eldtechnologies/leasehold/internal/apierr"
	"github.com/eldtechnologies/leasehold/internal/crypto"
	"github.com/eldtechnologies/leasehold/internal/engine"
	"github.com/eldtechnologies/leasehold/internal/ledger"
	"github.com/eldtechnologies/leasehold/internal/models"
	"github.com/eldtechnologies/leasehold/internal/ownership"
	"github.com/eldtechnologies/leasehold/internal/quota"
	"github.com/eldtechnologies/leasehold/internal/relay"
	"github.com/eldtechnologies/leasehold/internal/store"
	"github.com/eldtechnologies/leasehold/internal/webhook"
)

const testUserHeader = "X-Test-User"

var (
	testMaster        = []byte("handlers-test-master-secret-0123")
	testWebhookSecret = []byte("whsec_handlers")
)

type fakeEngine struct {
	mu        sync.Mutex
	next      int
	sessions  map[string]bool
	deleted   []string
	createErr error
	deleteErr error
	startErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sessions: make(map[string]bool)}
}

func (f *fakeEngine) CreateSession(ctx context.Context, userID string, body json.RawMessage) (*engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.next++
	id := fmt.Sprintf("sess-%d", f.next)
	f.sessions[id] = true
	return &engine.Session{ID: id, Raw: json.RawMessage(fmt.Sprintf(`{"id":%q,"status":"created"}`, id))}, nil
}

func (f *fakeEngine) GetSession(ctx context.Context, sessionID string) (*engine.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return nil, &apierr.EngineError{Op: "get", Status: http.StatusNotFound, Err: errors.New("no such session")}
	}
	return &engine.Session{ID: sessionID, Raw: json.RawMessage(fmt.Sprintf(`{"id":%q,"status":"idle"}`, sessionID))}, nil
}

func (f *fakeEngine) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, sessionID)
	if !f.sessions[sessionID] {
		return &apierr.EngineError{Op: "delete", Status: http.StatusNotFound, Err: errors.New("no such session")}
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeEngine) StartSession(ctx context.Context, sessionID string, body json.RawMessage) (json.RawMessage, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return json.RawMessage(`{"status":"running"}`), nil
}

func (f *fakeEngine) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// failingOwnership fails inserts while passing everything else through.
type failingOwnership struct {
	store.OwnershipStore
	insertErr error
}

func (f failingOwnership) InsertOwnership(ctx context.Context, rec models.OwnershipRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.OwnershipStore.InsertOwnership(ctx, rec)
}

type fixture struct {
	store   *store.SQLiteStore
	engine  *fakeEngine
	ledger  *ledger.Service
	hub     *relay.Hub
	tokens  *relay.TokenIssuer
	hasher  *crypto.KeyHasher
	router  http.Handler
	handler *Handler
}

type fixtureOptions struct {
	insertErr error
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	logger := zerolog.Nop()
	registry := ownership.NewRegistry(failingOwnership{OwnershipStore: s, insertErr: opts.insertErr}, time.Second, logger)
	ledgerSvc := ledger.NewService(s, ledger.Config{CreditsPerMinute: 1, Timeout: time.Second}, logger)
	hub := relay.NewHub(relay.HubConfig{}, logger)
	t.Cleanup(hub.Close)

	tokens, err := relay.NewTokenIssuer(testMaster, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := crypto.NewKeyHasher(testMaster)
	if err != nil {
		t.Fatal(err)
	}

	eng := newFakeEngine()
	h := NewHandler(Deps{
		Store:        s,
		Registry:     registry,
		Ledger:       ledgerSvc,
		Quota:        quota.NewGuard(registry, ledgerSvc, 3, logger),
		Engine:       eng,
		Relay:        hub,
		RelayStats:   hub,
		Tokens:       tokens,
		Hasher:       hasher,
		Webhooks:     webhook.NewVerifier(testWebhookSecret, 0),
		Logger:       logger,
		StoreTimeout: time.Second,
	})

	return &fixture{
		store:   s,
		engine:  eng,
		ledger:  ledgerSvc,
		hub:     hub,
		tokens:  tokens,
		hasher:  hasher,
		router:  newTestRouter(h),
		handler: h,
	}
}

// newTestRouter mounts the handlers the way the api package does, with the
// caller's identity taken from a test header instead of the gateway.
func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if user := req.Header.Get(testUserHeader); user != "" {
				identity := models.Identity{ID: user, Email: user + "@example.com"}
				req = req.WithContext(context.WithValue(req.Context(), middleware.IdentityContextKey, identity))
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/health", h.Health)
	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{id}", h.GetSession)
	r.Delete("/sessions/{id}", h.DeleteSession)
	r.Post("/sessions/{id}/start", h.StartSession)
	r.Post("/sessions/{id}/realtime-token", h.RealtimeToken)
	r.Get("/billing/balance", h.GetBalance)
	r.Get("/billing/transactions", h.ListTransactions)
	r.Post("/keys", h.CreateKey)
	r.Get("/keys", h.ListKeys)
	r.Delete("/keys/{id}", h.DeleteKey)
	r.Post("/internal/sessions/{id}/events", h.IngestEvents)
	r.Post("/internal/usage", h.ReportUsage)
	r.Post("/internal/token-usage", h.ReportTokenUsage)
	r.Post("/webhooks/payments", h.PaymentWebhook)
	r.Post("/admin/credits", h.AdjustCredits)
	r.Get("/admin/users/{id}/balance", h.UserBalance)
	r.Post("/admin/keys/{id}/revoke", h.RevokeKey)
	r.Delete("/admin/blocks/{ip}", h.UnblockIP)
	r.Get("/admin/stats", h.Stats)
	return r
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) topUp(t *testing.T, userID string, amount int64) {
	t.Helper()
	if _, err := f.ledger.TopUp(context.Background(), userID, amount, "test"); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) createSession(t *testing.T, user string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/sessions", user, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		ID string `json:"id"`
	}
	decode(t, rec, &resp)
	return resp.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	return body["error"]
}

func TestCreateSessionQuotaScenario(t *testing.T) {
	// Requirement: with balance 1000 and quota 3, three creations succeed and
	// the fourth is rejected with QuotaExceeded without reaching the engine.
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 1000)

	for i := 0; i < 3; i++ {
		f.createSession(t, "u1")
	}

	rec := f.do(t, http.MethodPost, "/sessions", "u1", nil)
	if rec.Code != http.StatusForbidden || errorBody(t, rec) != "quota exceeded" {
		t.Fatalf("4th create: status = %d body = %s", rec.Code, rec.Body)
	}
	if f.engine.created() != 3 {
		t.Errorf("engine created %d sessions, want 3", f.engine.created())
	}

	var list SessionListResponse
	decode(t, f.do(t, http.MethodGet, "/sessions", "u1", nil), &list)
	if want := []string{"sess-3", "sess-2", "sess-1"}; strings.Join(list.Sessions, ",") != strings.Join(want, ",") {
		t.Errorf("sessions = %v, want %v", list.Sessions, want)
	}
}

func TestCreateSessionRequiresBalance(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/sessions", "u1", nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.engine.created() != 0 {
		t.Error("engine called without balance")
	}
}

func TestCreateSessionRollsBackEngineOnRegisterFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{insertErr: errors.New("disk full")})
	f.topUp(t, "u1", 100)

	rec := f.do(t, http.MethodPost, "/sessions", "u1", nil)
	if rec.Code != http.StatusInternalServerError || errorBody(t, rec) != "internal error" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if len(f.engine.deleted) != 1 || f.engine.deleted[0] != "sess-1" {
		t.Fatalf("engine deletes = %v, want [sess-1]", f.engine.deleted)
	}
}

func TestCreateSessionEngineFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 100)
	f.engine.createErr = &apierr.EngineError{Op: "create", Status: http.StatusServiceUnavailable, Err: errors.New("overloaded")}

	rec := f.do(t, http.MethodPost, "/sessions", "u1", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "overloaded") {
		t.Errorf("engine detail leaked: %s", rec.Body)
	}
}

func TestSessionOwnershipEnforced(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "owner", 100)
	id := f.createSession(t, "owner")

	tests := []struct {
		method, path string
	}{
		{http.MethodGet, "/sessions/" + id},
		{http.MethodDelete, "/sessions/" + id},
		{http.MethodPost, "/sessions/" + id + "/start"},
		{http.MethodPost, "/sessions/" + id + "/realtime-token"},
	}
	for _, tt := range tests {
		rec := f.do(t, tt.method, tt.path, "intruder", nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s by non-owner: status = %d", tt.method, tt.path, rec.Code)
		}
	}

	rec := f.do(t, http.MethodGet, "/sessions/"+id, "owner", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"idle"`) {
		t.Fatalf("owner get: status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 100)
	a := f.createSession(t, "u1")
	b := f.createSession(t, "u1")

	if rec := f.do(t, http.MethodDelete, "/sessions/"+a, "u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}

	// The engine already lost b; the ownership record still goes.
	f.engine.mu.Lock()
	delete(f.engine.sessions, b)
	f.engine.mu.Unlock()
	if rec := f.do(t, http.MethodDelete, "/sessions/"+b, "u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete after engine 404: status = %d", rec.Code)
	}

	var list SessionListResponse
	decode(t, f.do(t, http.MethodGet, "/sessions", "u1", nil), &list)
	if len(list.Sessions) != 0 {
		t.Errorf("sessions = %v, want none", list.Sessions)
	}
}

func TestDeleteSessionKeepsRecordOnEngineFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 100)
	id := f.createSession(t, "u1")
	f.engine.deleteErr = &apierr.EngineError{Op: "delete", Err: errors.New("connection refused")}

	if rec := f.do(t, http.MethodDelete, "/sessions/"+id, "u1", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	owned, err := f.store.OwnershipExists(context.Background(), "u1", id)
	if err != nil || !owned {
		t.Fatalf("ownership dropped after failed engine delete: %v %v", owned, err)
	}
}

func TestStartSessionChecksBalance(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 10)
	id := f.createSession(t, "u1")

	if rec := f.do(t, http.MethodPost, "/sessions/"+id+"/start", "u1", `{"prompt":"hi"}`); rec.Code != http.StatusOK {
		t.Fatalf("start: status = %d body = %s", rec.Code, rec.Body)
	}

	if _, err := f.ledger.AddTransaction(context.Background(), "u1", -10, models.TransactionUsage, "drain", nil); err != nil {
		t.Fatal(err)
	}
	if rec := f.do(t, http.MethodPost, "/sessions/"+id+"/start", "u1", nil); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("start at zero balance: status = %d", rec.Code)
	}
}

func TestRealtimeTokenIsScoped(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 10)
	id := f.createSession(t, "u1")

	rec := f.do(t, http.MethodPost, "/sessions/"+id+"/realtime-token", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp RealtimeTokenResponse
	decode(t, rec, &resp)

	claims, err := f.tokens.Verify(resp.Token, id)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "u1" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if _, err := f.tokens.Verify(resp.Token, "other"); !errors.Is(err, relay.ErrSessionMismatch) {
		t.Errorf("token accepted for another session: %v", err)
	}
}

func TestBillingEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 500)
	f.topUp(t, "u1", 250)

	var bal models.Balance
	decode(t, f.do(t, http.MethodGet, "/billing/balance", "u1", nil), &bal)
	if bal.BalanceCredits != 750 {
		t.Errorf("balance = %d", bal.BalanceCredits)
	}

	var list TransactionListResponse
	decode(t, f.do(t, http.MethodGet, "/billing/transactions?limit=1", "u1", nil), &list)
	if len(list.Transactions) != 1 || list.Transactions[0].AmountCredits != 250 {
		t.Errorf("transactions = %+v", list.Transactions)
	}

	rec := f.do(t, http.MethodGet, "/billing/transactions?limit=abc", "u1", nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(errorBody(t, rec), "limit") {
		t.Errorf("bad limit: status = %d body = %s", rec.Code, rec.Body)
	}

	// A user who never transacted starts at zero.
	decode(t, f.do(t, http.MethodGet, "/billing/balance", "new-user", nil), &bal)
	if bal.BalanceCredits != 0 || bal.UserID != "new-user" {
		t.Errorf("new user balance = %+v", bal)
	}
}

func TestMissingIdentity(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rec := f.do(t, http.MethodGet, "/billing/balance", "", nil)
	if rec.Code != http.StatusUnauthorized || errorBody(t, rec) != "Unauthorized" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestPlatformKeyLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/keys", "u1", CreateKeyRequest{Name: "  ci\x00 runner "})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body = %s", rec.Code, rec.Body)
	}
	var created CreateKeyResponse
	decode(t, rec, &created)
	if !crypto.IsPlatformKey(created.Key) || created.Hint != crypto.KeyHint(created.Key) || created.Name != "ci runner" {
		t.Fatalf("created = %+v", created)
	}
	if strings.Contains(rec.Body.String(), f.hasher.Hash(created.Key)) {
		t.Error("key hash exposed")
	}

	stored, err := f.store.GetPlatformKeyByHash(context.Background(), f.hasher.Hash(created.Key))
	if err != nil || stored == nil || stored.UserID != "u1" {
		t.Fatalf("stored = %+v, %v", stored, err)
	}

	rec = f.do(t, http.MethodGet, "/keys", "u1", nil)
	if strings.Contains(rec.Body.String(), created.Key) {
		t.Error("plaintext key listed")
	}
	var list KeyListResponse
	decode(t, rec, &list)
	if len(list.Keys) != 1 {
		t.Fatalf("keys = %+v", list.Keys)
	}

	if rec := f.do(t, http.MethodDelete, "/keys/"+created.ID, "intruder", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign delete: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/keys/"+created.ID, "u1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", rec.Code)
	}
	stored, _ = f.store.GetPlatformKeyByHash(context.Background(), f.hasher.Hash(created.Key))
	if stored != nil {
		t.Error("key still resolvable after delete")
	}
}

func signedWebhook(t *testing.T, f *fixture, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderSignature, webhook.Sign(testWebhookSecret, []byte(body), time.Now()))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestPaymentWebhookTopUpOnce(t *testing.T) {
	// Requirement: a webhook top-up of 5000 at balance 1000 yields 6000 and
	// exactly one new top-up transaction, however often it is delivered.
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 1000)

	body := `{"id":"evt_42","type":"payment.succeeded","data":{"userId":"u1","amountCredits":5000}}`

	var first WebhookResponse
	rec := signedWebhook(t, f, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	decode(t, rec, &first)
	if first.Status != "applied" || first.TransactionID == "" {
		t.Fatalf("first = %+v", first)
	}

	var again WebhookResponse
	decode(t, signedWebhook(t, f, body), &again)
	if again.Status != "duplicate" {
		t.Fatalf("redelivery = %+v", again)
	}

	bal, _ := f.ledger.GetBalance(context.Background(), "u1")
	if bal.BalanceCredits != 6000 {
		t.Errorf("balance = %d, want 6000", bal.BalanceCredits)
	}
	txns, _ := f.ledger.ListTransactions(context.Background(), "u1", 10)
	topUps := 0
	for _, txn := range txns {
		if txn.Type == models.TransactionTopUp && txn.AmountCredits == 5000 {
			topUps++
		}
	}
	if topUps != 1 {
		t.Errorf("found %d webhook top-ups, want 1", topUps)
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	body := `{"id":"evt_1","type":"payment.succeeded","data":{"userId":"u1","amountCredits":5000}}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set(webhook.HeaderSignature, webhook.Sign([]byte("wrong"), []byte(body), time.Now()))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized || errorBody(t, rec) != "Unauthorized" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	bal, _ := f.ledger.GetBalance(context.Background(), "u1")
	if bal.BalanceCredits != 0 {
		t.Errorf("balance moved to %d", bal.BalanceCredits)
	}
}

func TestPaymentWebhookIgnoresOtherTypes(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	var resp WebhookResponse
	decode(t, signedWebhook(t, f, `{"id":"evt_9","type":"customer.created","data":{}}`), &resp)
	if resp.Status != "ignored" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestIngestEventsReachSubscribers(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	sub, err := f.hub.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	batch := `[{"seq":1,"type":"output","timestamp":1,"data":{"line":"a"}},{"seq":2,"type":"output","timestamp":2,"sessionId":"s1","data":{"line":"b"}}]`
	rec := f.do(t, http.MethodPost, "/internal/sessions/s1/events", "", batch)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	for want := int64(1); want <= 2; want++ {
		select {
		case evt := <-sub.Events():
			if evt.Seq != want || evt.SessionID != "s1" {
				t.Fatalf("event = %+v", evt)
			}
			if want == 2 && string(evt.Data) != `{"line":"b"}` {
				t.Errorf("data altered: %s", evt.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", want)
		}
	}

	tests := []struct {
		name string
		body string
	}{
		{"other session", `{"seq":3,"type":"output","sessionId":"s2"}`},
		{"zero seq", `{"seq":0,"type":"output"}`},
		{"no type", `{"seq":3}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		if rec := f.do(t, http.MethodPost, "/internal/sessions/s1/events", "", tt.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", tt.name, rec.Code)
		}
	}
}

// Requirement: ingest accepts bodies up to the router cap, not the generic JSON cap.
func TestIngestEventsLargeBodies(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	sub, err := f.hub.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	line := strings.Repeat("x", 70*1024)
	rec := f.do(t, http.MethodPost, "/internal/sessions/s1/events", "",
		`{"seq":1,"type":"output","timestamp":1,"data":{"line":"`+line+`"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("large event: status = %d body = %s", rec.Code, rec.Body)
	}
	select {
	case evt := <-sub.Events():
		if evt.Seq != 1 || len(evt.Data) < len(line) {
			t.Fatalf("event seq %d with %d data bytes", evt.Seq, len(evt.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("large event not delivered")
	}

	var batch strings.Builder
	batch.WriteByte('[')
	payload := strings.Repeat("y", 200)
	for i := 0; i < maxEventsPerBatch; i++ {
		if i > 0 {
			batch.WriteByte(',')
		}
		fmt.Fprintf(&batch, `{"seq":%d,"type":"output","timestamp":%d,"data":{"line":%q}}`, i+2, i+2, payload)
	}
	batch.WriteByte(']')

	rec = f.do(t, http.MethodPost, "/internal/sessions/s1/events", "", batch.String())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("full batch: status = %d body = %s", rec.Code, rec.Body)
	}
	var resp IngestResponse
	decode(t, rec, &resp)
	if resp.Accepted != maxEventsPerBatch {
		t.Errorf("accepted = %d, want %d", resp.Accepted, maxEventsPerBatch)
	}

	rec = f.do(t, http.MethodPost, "/internal/sessions/s1/events", "",
		`{"seq":9999,"type":"output","data":{"line":"`+strings.Repeat("z", maxIngestBody)+`"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversized body: status = %d", rec.Code)
	}
}

func TestReportUsageEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.topUp(t, "u1", 100)

	rec := f.do(t, http.MethodPost, "/internal/usage", "", UsageRequest{UserID: "u1", SessionID: "s1", DurationMs: 61000})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var charge ChargeResponse
	decode(t, rec, &charge)
	if charge.ChargedCredits != 2 {
		t.Errorf("charged = %d, want 2", charge.ChargedCredits)
	}

	decode(t, f.do(t, http.MethodPost, "/internal/token-usage", "", TokenUsageRequest{
		UserID: "u1", SessionID: "s1", Service: "llm", Model: "unknown", InputTokens: 1000, OutputTokens: 1000,
	}), &charge)
	if charge.ChargedCredits != 4 {
		t.Errorf("token charge = %d, want 4", charge.ChargedCredits)
	}

	bal, _ := f.ledger.GetBalance(context.Background(), "u1")
	if bal.BalanceCredits != 94 {
		t.Errorf("balance = %d, want 94", bal.BalanceCredits)
	}

	if rec := f.do(t, http.MethodPost, "/internal/usage", "", `{"userId":"u1","sessionId":"s1","durationMs":"long"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad duration type: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/internal/usage", "", UsageRequest{SessionID: "s1", DurationMs: 1}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user: status = %d", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/admin/credits", "", CreditAdjustmentRequest{UserID: "u1", AmountCredits: 300})
	if rec.Code != http.StatusCreated {
		t.Fatalf("credit: status = %d body = %s", rec.Code, rec.Body)
	}
	var txn models.Transaction
	decode(t, rec, &txn)
	if txn.Type != models.TransactionTopUp {
		t.Errorf("type = %s", txn.Type)
	}

	decode(t, f.do(t, http.MethodPost, "/admin/credits", "", CreditAdjustmentRequest{UserID: "u1", AmountCredits: -100}), &txn)
	if txn.Type != models.TransactionRefund {
		t.Errorf("negative adjustment type = %s", txn.Type)
	}

	// Requirement: a manual debit may not drive the balance negative.
	rec = f.do(t, http.MethodPost, "/admin/credits", "", CreditAdjustmentRequest{UserID: "u1", AmountCredits: -201})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "amountCredits") {
		t.Errorf("overdraw: status = %d body = %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodPost, "/admin/credits", "", CreditAdjustmentRequest{UserID: "nobody", AmountCredits: -1}); rec.Code != http.StatusBadRequest {
		t.Errorf("debit unknown user: status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/admin/credits", "", CreditAdjustmentRequest{UserID: "u1", AmountCredits: 5, Type: models.TransactionUsage}); rec.Code != http.StatusBadRequest {
		t.Errorf("usage type: status = %d", rec.Code)
	}

	var rec2 ledger.Reconciliation
	decode(t, f.do(t, http.MethodGet, "/admin/users/u1/balance", "", nil), &rec2)
	if rec2.BalanceCredits != 200 || !rec2.Consistent {
		t.Errorf("reconciliation = %+v", rec2)
	}

	if rec := f.do(t, http.MethodPost, "/admin/keys/missing/revoke", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("revoke missing key: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/admin/blocks/not-an-ip", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unblock garbage: status = %d", rec.Code)
	}

	var stats StatsResponse
	decode(t, f.do(t, http.MethodGet, "/admin/stats", "", nil), &stats)
	if stats.Version != version {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAdminRevokeKey(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	var created CreateKeyResponse
	decode(t, f.do(t, http.MethodPost, "/keys", "u1", nil), &created)

	if rec := f.do(t, http.MethodPost, "/admin/keys/"+created.ID+"/revoke", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: status = %d", rec.Code)
	}
	stored, err := f.store.GetPlatformKeyByHash(context.Background(), f.hasher.Hash(created.Key))
	if err != nil || stored == nil || stored.RevokedAt == nil {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var resp HealthResponse
	decode(t, rec, &resp)
	if resp.Status != "healthy" || resp.Checks["database"].Status != "pass" || resp.Checks["redis"].Status != "skip" {
		t.Errorf("health = %+v", resp)
	}

	f.store.Close()
	if rec := f.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("closed store: status = %d", rec.Code)
	}
}
