package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/kanbanfeed/crowbar-master-backend/internal/api"
	"github.com/kanbanfeed/crowbar-master-backend/internal/auth"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing/billingtest"
	"github.com/kanbanfeed/crowbar-master-backend/internal/bridge"
	"github.com/kanbanfeed/crowbar-master-backend/internal/checkout"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/gate"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/kanbanfeed/crowbar-master-backend/internal/rules"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/kanbanfeed/crowbar-master-backend/internal/user"
	"github.com/stretchr/testify/require"
)

const bridgeSecret = "bridge-secret"

var signingKey = []byte("profile-test-key")

type server struct {
	router     *mux.Router
	gateway    *billingtest.FakeGateway
	store      *store.MemoryStore
	dispatcher *reconcile.InlineDispatcher
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := store.NewMemoryStore()
	gw := billingtest.NewFakeGateway()
	catalog := billing.NewCatalog([]billing.Partner{
		{Key: "careduel", DisplayName: "CareDuel", DailyReward: 2, LegacyGrant: 5, RedirectURL: "https://careduel.example"},
	})
	c := credits.NewService(s)
	engine := reconcile.NewEngine(c, catalog, nil)
	dispatcher := reconcile.NewInlineDispatcher(engine, 5*time.Second)
	co := checkout.NewService(c, gw, catalog, checkout.Config{
		SuccessURL: "https://crowbar.example/success",
		CancelURL:  "https://crowbar.example/cancel",
	})
	users := user.NewService(c, nil)

	router := api.SetupRoutes(api.Handlers{
		Checkout: api.NewCheckoutHandler(co, gw, dispatcher),
		Credits:  api.NewCreditsHandler(c, rules.NewReferrals(c)),
		Gate:     api.NewGateHandler(gate.NewService(c, co, engine, gw, catalog)),
		Bridge:   api.NewBridgeHandler(bridge.NewService(bridgeSecret, c, engine, catalog)),
		Profile:  api.NewProfileHandler(users),
		Users:    users,
		Verifier: auth.NewStaticVerifier(func(*jwt.Token) (any, error) { return signingKey, nil }),

		AllowedOrigin: "https://crowbar.example",
	})
	return &server{router: router, gateway: gw, store: s, dispatcher: dispatcher}
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (s *server) do(t *testing.T, method, path string, body any, headers map[string]string) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	code, out := srv.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, out.Success)
}

func TestCheckoutAndWebhookFlow(t *testing.T) {
	srv := newServer(t)

	code, out := srv.do(t, http.MethodPost, "/checkout/create-session", map[string]any{
		"email":        "buyer@x.com",
		"payment_type": "lifetime_purchase",
		"tier":         "basic",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	var created checkout.Result
	require.NoError(t, json.Unmarshal(out.Data, &created))
	require.Equal(t, int64(4900), created.AmountCents)

	srv.gateway.MarkPaid(created.SessionID)
	session, err := srv.gateway.GetCheckoutSession(context.Background(), created.SessionID)
	require.NoError(t, err)
	payload := billingtest.EventPayload("evt_1", billing.EventCheckoutCompleted, session)

	code, out = srv.do(t, http.MethodPost, "/payment/webhook", payload, map[string]string{"Stripe-Signature": "t=0,v1=forged"})
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, out.Success)
	require.Equal(t, "invalid_signature", out.Code)

	for i := 0; i < 2; i++ {
		code, out = srv.do(t, http.MethodPost, "/payment/webhook", payload, map[string]string{"Stripe-Signature": billingtest.ValidSignature})
		require.Equal(t, http.StatusAccepted, code)
		require.True(t, out.Success)
	}
	srv.dispatcher.Wait()

	code, out = srv.do(t, http.MethodGet, "/credits/balance?email=Buyer@x.com", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"email":"buyer@x.com","total_credits":49}`, string(out.Data))

	code, out = srv.do(t, http.MethodGet, "/checkout/session-status?session_id="+created.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, code)
	var status checkout.Status
	require.NoError(t, json.Unmarshal(out.Data, &status))
	require.True(t, status.Reconciled)
	require.Equal(t, int64(49), status.CreditsGrant)
}

func TestCreditsEndpoints(t *testing.T) {
	srv := newServer(t)

	code, out := srv.do(t, http.MethodGet, "/credits/balance?email=ghost@x.com", nil, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.False(t, out.Success)

	code, _ = srv.do(t, http.MethodPost, "/credits/earn", map[string]any{"email": "a@x.com", "amount": 10, "origin": "careduel"}, nil)
	require.Equal(t, http.StatusOK, code)

	code, out = srv.do(t, http.MethodPost, "/credits/spend", map[string]any{"email": "a@x.com", "amount": 4, "origin": "careduel"}, nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"applied":true,"delta":-4,"total_credits":6}`, string(out.Data))

	code, out = srv.do(t, http.MethodPost, "/credits/spend", map[string]any{"email": "a@x.com", "amount": 100, "origin": "careduel"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "insufficient_credits", out.Code)

	code, out = srv.do(t, http.MethodPost, "/credits/earn", map[string]any{"email": "a@x.com", "amount": 10}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, out.Success)

	code, out = srv.do(t, http.MethodGet, "/credits/history?email=a@x.com&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &rows))
	require.Len(t, rows, 1)

	code, _ = srv.do(t, http.MethodGet, "/credits/history?email=a@x.com&limit=zero", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestReferralEndpoints(t *testing.T) {
	srv := newServer(t)

	code, out := srv.do(t, http.MethodPost, "/credits/referral-code", map[string]any{"email": "ref@x.com"}, nil)
	require.Equal(t, http.StatusOK, code)
	var issued map[string]string
	require.NoError(t, json.Unmarshal(out.Data, &issued))
	require.NotEmpty(t, issued["referral_code"])

	body := map[string]any{"email": "new@x.com", "code": issued["referral_code"]}
	code, _ = srv.do(t, http.MethodPost, "/credits/apply-referral-code", body, nil)
	require.Equal(t, http.StatusOK, code)

	code, out = srv.do(t, http.MethodPost, "/credits/apply-referral-code", body, nil)
	require.Equal(t, http.StatusConflict, code)
	require.False(t, out.Success)
}

func TestGateEndpoints(t *testing.T) {
	srv := newServer(t)

	code, out := srv.do(t, http.MethodPost, "/gate/start", map[string]any{"email": "a@x.com", "partner": "careduel"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "legal_acceptance_required", out.Code)

	code, out = srv.do(t, http.MethodPost, "/gate/start", map[string]any{"email": "a@x.com", "partner": "careduel", "legal_accept": true}, nil)
	require.Equal(t, http.StatusOK, code)
	var started gate.Result
	require.NoError(t, json.Unmarshal(out.Data, &started))
	require.Equal(t, gate.ActionCheckout, started.Action)

	srv.gateway.MarkPaid(started.SessionID)
	code, out = srv.do(t, http.MethodPost, "/gate/complete", map[string]any{"session_id": started.SessionID}, nil)
	require.Equal(t, http.StatusOK, code)
	var completed gate.Result
	require.NoError(t, json.Unmarshal(out.Data, &completed))
	require.True(t, completed.Awarded)
	require.Equal(t, "https://careduel.example", completed.RedirectURL)
}

func TestBridgeRequiresSecret(t *testing.T) {
	srv := newServer(t)
	body := map[string]any{"email": "a@x.com", "partner": "careduel"}

	code, out := srv.do(t, http.MethodPost, "/bridge/sync-login", body, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.False(t, out.Success)

	code, out = srv.do(t, http.MethodPost, "/bridge/sync-login", body, map[string]string{"X-Bridge-Secret": bridgeSecret})
	require.Equal(t, http.StatusOK, code)
	require.True(t, out.Success)
}

func TestProfileRequiresBearerToken(t *testing.T) {
	srv := newServer(t)

	code, _ := srv.do(t, http.MethodGet, "/profile", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user_1",
		"email": "p@x.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString(signingKey)
	require.NoError(t, err)
	headers := map[string]string{"Authorization": "Bearer " + token}

	code, out := srv.do(t, http.MethodPut, "/profile", map[string]any{"name": "Ada"}, headers)
	require.Equal(t, http.StatusOK, code)
	var profile user.Profile
	require.NoError(t, json.Unmarshal(out.Data, &profile))
	require.Equal(t, "p@x.com", profile.Email)
	require.Equal(t, "Ada", profile.Profile.Name)

	code, out = srv.do(t, http.MethodPost, "/profile/kyc-upload-url", map[string]any{"document": "selfie", "content_type": "image/png"}, headers)
	require.Equal(t, http.StatusBadGateway, code)
	require.Equal(t, "uploads_unavailable", out.Code)
}

func TestRecoveryMiddlewareReturnsJSON(t *testing.T) {
	h := api.RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"success":false,"error":"Internal server error","code":"internal_error"}`, rec.Body.String())
}
