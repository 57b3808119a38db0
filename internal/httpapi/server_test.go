package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/balance/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/balance/pkg/balance"
	"github.com/golang-jwt/jwt/v5"
)

const testSigningKey = "test-signing-key"

type testHarness struct {
	router http.Handler
	store  *memstore.Store
	token  string
}

func newHarness(test *testing.T, options ...balance.ServiceOption) *testHarness {
	test.Helper()
	store := memstore.New()
	var tick int64 = 1_700_000_000
	clock := func() int64 {
		tick++
		return tick
	}
	service, err := balance.NewService(store, clock, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	server, err := New(service, nil, Config{
		AuthSigningKey: testSigningKey,
	})
	if err != nil {
		test.Fatalf("server init failed: %v", err)
	}
	return &testHarness{
		router: server.Router(),
		store:  store,
		token:  signToken(test, defaultAuthIssuer, "user-7"),
	}
}

func signToken(test *testing.T, issuer string, subject string) string {
	test.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func (harness *testHarness) do(test *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if harness.token != "" {
		request.Header.Set("Authorization", "Bearer "+harness.token)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestRequestsWithoutTokenAreRejected(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.token = ""
	recorder := harness.do(test, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRequestsWithWrongIssuerAreRejected(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.token = signToken(test, "someone-else", "user-7")
	recorder := harness.do(test, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestHealthzIsPublic(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	harness.token = ""
	recorder := harness.do(test, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestSeedThenGetBalance(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)

	recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-1/seed", map[string]any{"initial_minor": 1000})
	if recorder.Code != http.StatusCreated {
		test.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	seeded := decodeBody(test, recorder)
	entry, ok := seeded["entry"].(map[string]any)
	if !ok {
		test.Fatalf("expected seed entry in response: %v", seeded)
	}
	if entry["reason"] != balance.ReasonInitialSeed || entry["delta_minor"] != float64(1000) {
		test.Fatalf("unexpected seed entry: %v", entry)
	}

	recorder = harness.do(test, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	snapshot, ok := payload["balance"].(map[string]any)
	if !ok || snapshot["balance_minor"] != float64(1000) || snapshot["account_id"] != "acct-1" {
		test.Fatalf("unexpected balance payload: %v", payload)
	}
}

func TestSeedWithoutBodyCreatesZeroBalance(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-zero/seed", nil)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if _, hasEntry := payload["entry"]; hasEntry {
		test.Fatalf("zero seed must not write an entry: %v", payload)
	}
}

func TestSeedTwiceConflicts(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	if recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-dup/seed", map[string]any{"initial_minor": 100}); recorder.Code != http.StatusCreated {
		test.Fatalf("first seed: %d", recorder.Code)
	}
	recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-dup/seed", map[string]any{"initial_minor": 100})
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestGetBalanceUnknownAccount(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	recorder := harness.do(test, http.MethodGet, "/api/accounts/ghost/balance", nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestAdjustRecordsActorFromToken(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	if recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-2/seed", map[string]any{"initial_minor": 500}); recorder.Code != http.StatusCreated {
		test.Fatalf("seed: %d", recorder.Code)
	}

	recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-2/adjustments", map[string]any{
		"delta_minor": -200,
		"reason":      "purchase",
		"metadata":    map[string]any{"order": "ord-9"},
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	entry, ok := payload["entry"].(map[string]any)
	if !ok {
		test.Fatalf("expected entry: %v", payload)
	}
	if entry["delta_minor"] != float64(-200) || entry["balance_after_minor"] != float64(300) {
		test.Fatalf("unexpected entry: %v", entry)
	}
	if entry["actor_id"] != "user-7" {
		test.Fatalf("expected token subject as actor, got %v", entry["actor_id"])
	}
	metadata, ok := entry["metadata"].(map[string]any)
	if !ok || metadata["order"] != "ord-9" {
		test.Fatalf("unexpected metadata: %v", entry["metadata"])
	}
}

func TestAdjustBelowZeroIsRejected(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	if recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-3/seed", map[string]any{"initial_minor": 100}); recorder.Code != http.StatusCreated {
		test.Fatalf("seed: %d", recorder.Code)
	}
	recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-3/adjustments", map[string]any{
		"delta_minor": -150,
		"reason":      "purchase",
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		test.Fatalf("expected 422, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestAdjustMissingReasonIsBadRequest(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	if recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-4/seed", map[string]any{"initial_minor": 100}); recorder.Code != http.StatusCreated {
		test.Fatalf("seed: %d", recorder.Code)
	}
	recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-4/adjustments", map[string]any{"delta_minor": 10})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestSetBalanceRecordsAppliedDelta(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	if recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-5/seed", map[string]any{"initial_minor": 300}); recorder.Code != http.StatusCreated {
		test.Fatalf("seed: %d", recorder.Code)
	}
	recorder := harness.do(test, http.MethodPut, "/api/accounts/acct-5/balance", map[string]any{
		"target_minor": 1000,
		"reason":       "admin_grant",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	entry, ok := payload["entry"].(map[string]any)
	if !ok {
		test.Fatalf("expected entry: %v", payload)
	}
	if entry["delta_minor"] != float64(700) || entry["balance_after_minor"] != float64(1000) {
		test.Fatalf("expected applied delta 700, got %v", entry)
	}
}

func TestListLedgerSupportsLimitAndOrder(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	if recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-6/seed", map[string]any{"initial_minor": 0}); recorder.Code != http.StatusCreated {
		test.Fatalf("seed: %d", recorder.Code)
	}
	for index := 0; index < 3; index++ {
		if recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-6/adjustments", map[string]any{
			"delta_minor": 100,
			"reason":      "topup",
		}); recorder.Code != http.StatusOK {
			test.Fatalf("adjust %d: %d", index, recorder.Code)
		}
	}

	recorder := harness.do(test, http.MethodGet, "/api/accounts/acct-6/ledger?limit=2", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	entries, ok := payload["entries"].([]any)
	if !ok || len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %v", payload)
	}
	first := entries[0].(map[string]any)
	second := entries[1].(map[string]any)
	if first["created_unix_utc"].(float64) < second["created_unix_utc"].(float64) {
		test.Fatalf("expected newest-first order: %v", entries)
	}

	recorder = harness.do(test, http.MethodGet, "/api/accounts/acct-6/ledger?order=asc", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload = decodeBody(test, recorder)
	entries, ok = payload["entries"].([]any)
	if !ok || len(entries) != 3 {
		test.Fatalf("expected 3 entries, got %v", payload)
	}
	oldest := entries[0].(map[string]any)
	if oldest["balance_after_minor"] != float64(100) {
		test.Fatalf("expected oldest entry first: %v", entries)
	}
}

func TestVerificationEndpointFixesDrift(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	if recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-7/seed", map[string]any{"initial_minor": 1000}); recorder.Code != http.StatusCreated {
		test.Fatalf("seed: %d", recorder.Code)
	}
	accountID, err := balance.NewAccountID("acct-7")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	// Drift: move the stored balance without a ledger entry.
	if err := harness.store.UpdateBalance(context.Background(), accountID, 1200, 1_700_000_100); err != nil {
		test.Fatalf("corrupt: %v", err)
	}

	recorder := harness.do(test, http.MethodPost, "/api/accounts/acct-7/verification", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	result, ok := payload["result"].(map[string]any)
	if !ok || result["matches"] != false || result["discrepancy_minor"] != float64(200) || result["fixed"] != false {
		test.Fatalf("unexpected detection result: %v", payload)
	}

	recorder = harness.do(test, http.MethodPost, "/api/accounts/acct-7/verification", map[string]any{"auto_fix": true})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload = decodeBody(test, recorder)
	result, ok = payload["result"].(map[string]any)
	if !ok || result["fixed"] != true {
		test.Fatalf("expected fix, got %v", payload)
	}

	recorder = harness.do(test, http.MethodGet, "/api/accounts/acct-7/balance", nil)
	payload = decodeBody(test, recorder)
	snapshot := payload["balance"].(map[string]any)
	if snapshot["balance_minor"] != float64(1000) {
		test.Fatalf("expected corrected balance, got %v", snapshot)
	}
}

func TestBulkVerificationEndpoint(test *testing.T) {
	test.Parallel()
	harness := newHarness(test)
	for _, account := range []string{"bulk-1", "bulk-2"} {
		if recorder := harness.do(test, http.MethodPost, "/api/accounts/"+account+"/seed", map[string]any{"initial_minor": 100}); recorder.Code != http.StatusCreated {
			test.Fatalf("seed %s: %d", account, recorder.Code)
		}
	}
	accountID, err := balance.NewAccountID("bulk-2")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if err := harness.store.UpdateBalance(context.Background(), accountID, 175, 1_700_000_100); err != nil {
		test.Fatalf("corrupt: %v", err)
	}

	recorder := harness.do(test, http.MethodPost, "/api/verification", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["total_checked"] != float64(2) || payload["mismatches_found"] != float64(1) || payload["fixed"] != float64(0) {
		test.Fatalf("unexpected bulk report: %v", payload)
	}
	details, ok := payload["details"].([]any)
	if !ok || len(details) != 2 {
		test.Fatalf("expected per-account details, got %v", payload)
	}
}

func TestConfigValidateRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected error for missing signing key")
	}
	cfg = Config{AuthSigningKey: "key"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.AuthIssuer != defaultAuthIssuer || cfg.RequestTimeout != defaultRequestLimit {
		test.Fatalf("expected defaults applied, got %+v", cfg)
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" http://a.example , ,http://b.example ")
	if len(origins) != 2 || origins[0] != "http://a.example" || origins[1] != "http://b.example" {
		test.Fatalf("unexpected origins: %v", origins)
	}
	if origins := ParseAllowedOrigins("  "); len(origins) != 0 {
		test.Fatalf("expected empty slice, got %v", origins)
	}
}
