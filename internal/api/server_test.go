package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/connecthub/connecthub/internal/auth"
	"github.com/connecthub/connecthub/internal/config"
	"github.com/connecthub/connecthub/internal/messaging"
	"github.com/connecthub/connecthub/internal/presence"
	"github.com/connecthub/connecthub/internal/presence/presencetest"
	"github.com/connecthub/connecthub/internal/router"
	"github.com/connecthub/connecthub/internal/signaling"
	"github.com/connecthub/connecthub/internal/store"
)

type testEnv struct {
	srv      *Server
	auth     *auth.Service
	store    store.Store
	registry *presence.Registry
}

func setupTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}
	for _, m := range mutate {
		m(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.NewService(s, cfg.Auth)
	reg := presence.NewRegistry(presence.Options{}, logger)
	broker := signaling.NewBroker(reg, s, signaling.Options{}, logger)
	t.Cleanup(broker.Shutdown)
	rt := router.New(authSvc, reg, messaging.NewRelay(reg, s, 4096, logger), broker, logger, router.Options{})

	srv := NewServer(s, authSvc, authSvc, rt, reg, cfg, logger)
	return &testEnv{srv: srv, auth: authSvc, store: s, registry: reg}
}

// createUser registers a user and returns its ID and a bearer token.
func (e *testEnv) createUser(t *testing.T, username string) (string, string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.auth.Register(ctx, username, "testpassword123", ""); err != nil {
		t.Fatal(err)
	}
	token, user, err := e.auth.Login(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return user.ID, token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

// parseJSONResponse decodes the JSON body of the response into the given target.
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("expected uptime field in response")
	}
	if resp["connections"] != float64(0) {
		t.Errorf("expected 0 connections, got %v", resp["connections"])
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestReadyz(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ready" {
		t.Errorf("expected status ready, got %q", resp["status"])
	}

	_ = env.store.Close()
	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with a closed store, got %d", w.Code)
	}
}

func TestAuthConfig(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/api/auth/config", "", nil)
	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["provider"] != "builtin" {
		t.Errorf("expected builtin provider, got %v", resp["provider"])
	}
	if resp["registration_open"] != true {
		t.Errorf("expected registration_open, got %v", resp["registration_open"])
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodOptions, "/api/users", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("unexpected allow-origin %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, DELETE, OPTIONS" {
		t.Errorf("unexpected allow-methods %q", got)
	}
}

func TestRegister(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "newuser", "password": "newpassword123", "display_name": "New User",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID          string `json:"id"`
			Username    string `json:"username"`
			DisplayName string `json:"display_name"`
		} `json:"user"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.Token == "" {
		t.Error("expected a token")
	}
	if resp.User.Username != "newuser" || resp.User.DisplayName != "New User" {
		t.Errorf("unexpected user %+v", resp.User)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("password")) {
		t.Error("response must not leak the password hash")
	}

	// Same username again.
	w = env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "newuser", "password": "newpassword123",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"short username", map[string]string{"username": "ab", "password": "newpassword123"}},
		{"short password", map[string]string{"username": "validname", "password": "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/auth/register", "", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d; body: %s", w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestLoginSuccess(t *testing.T) {
	env := setupTestServer(t)
	env.createUser(t, "loginuser")

	w := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "loginuser", "password": "testpassword123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.Token == "" {
		t.Error("expected non-empty token in response")
	}
	if _, err := env.auth.ValidateToken(context.Background(), resp.Token); err != nil {
		t.Errorf("issued token does not validate: %v", err)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := setupTestServer(t)
	env.createUser(t, "loginuser2")

	w := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "loginuser2", "password": "wrongpassword",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "loginuser2"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing password, got %d", w.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := setupTestServer(t)

	var last int
	for i := 0; i < 15; i++ {
		w := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": "nobody", "password": "whatever123",
		})
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", last)
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupTestServer(t)

	for _, path := range []string{"/api/me", "/api/users", "/api/calls", "/api/blocks"} {
		w := env.do(t, http.MethodGet, path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}

	w := env.do(t, http.MethodGet, "/api/me", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid token, got %d", w.Code)
	}
}

func TestGetMe(t *testing.T) {
	env := setupTestServer(t)
	id, token := env.createUser(t, "meuser")
	env.registry.SetOnline(id, presencetest.NewConn())

	w := env.do(t, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["id"] != id || resp["username"] != "meuser" {
		t.Errorf("unexpected identity %v", resp)
	}
	if resp["display_name"] != "meuser" {
		t.Errorf("expected display name to default to the username, got %v", resp["display_name"])
	}
	if resp["online"] != true {
		t.Errorf("expected online=true, got %v", resp["online"])
	}
}

func TestListUsers(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.createUser(t, "zoe")
	bobID, _ := env.createUser(t, "bob")
	env.createUser(t, "carol")
	env.registry.SetOnline(bobID, presencetest.NewConn())

	w := env.do(t, http.MethodGet, "/api/users", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Users []userInfo `json:"users"`
	}
	parseJSONResponse(t, w, &resp)

	if len(resp.Users) != 2 {
		t.Fatalf("expected 2 users (caller excluded), got %d", len(resp.Users))
	}
	if resp.Users[0].Username != "bob" || resp.Users[1].Username != "carol" {
		t.Errorf("expected users sorted by username, got %+v", resp.Users)
	}
	if !resp.Users[0].Online || resp.Users[1].Online {
		t.Errorf("unexpected online flags %+v", resp.Users)
	}

	w = env.do(t, http.MethodGet, "/api/users/online", token, nil)
	var online struct {
		Users []string `json:"users"`
	}
	parseJSONResponse(t, w, &online)
	if len(online.Users) != 1 || online.Users[0] != bobID {
		t.Errorf("expected [%s] online, got %v", bobID, online.Users)
	}
}

func TestConversationHistory(t *testing.T) {
	env := setupTestServer(t)
	aliceID, token := env.createUser(t, "alice")
	bobID, _ := env.createUser(t, "bob")
	carolID, _ := env.createUser(t, "carol")

	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()
	for i, m := range []store.Message{
		{SenderID: aliceID, ReceiverID: bobID, Text: "first"},
		{SenderID: bobID, ReceiverID: aliceID, Text: "second"},
		{SenderID: aliceID, ReceiverID: carolID, Text: "other thread"},
		{SenderID: aliceID, ReceiverID: bobID, Text: "third"},
	} {
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := env.store.InsertMessage(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/chat/"+bobID+"/messages", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Messages []store.Message `json:"messages"`
	}
	parseJSONResponse(t, w, &resp)
	if len(resp.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(resp.Messages))
	}
	if resp.Messages[0].Text != "first" || resp.Messages[2].Text != "third" {
		t.Errorf("expected oldest first, got %+v", resp.Messages)
	}

	w = env.do(t, http.MethodGet, "/api/chat/"+bobID+"/messages?limit=2", token, nil)
	parseJSONResponse(t, w, &resp)
	if len(resp.Messages) != 2 || resp.Messages[1].Text != "third" {
		t.Errorf("expected the 2 most recent messages, got %+v", resp.Messages)
	}

	w = env.do(t, http.MethodGet, "/api/chat/nobody/messages", token, nil)
	parseJSONResponse(t, w, &resp)
	if resp.Messages == nil || len(resp.Messages) != 0 {
		t.Errorf("expected empty list, got %+v", resp.Messages)
	}
}

func TestCallHistory(t *testing.T) {
	env := setupTestServer(t)
	aliceID, token := env.createUser(t, "alice")
	bobID, _ := env.createUser(t, "bob")

	ctx := context.Background()
	dur := int64(12)
	start := time.Now().Add(-time.Minute).UTC()
	end := start.Add(12 * time.Second)
	for _, rec := range []store.CallRecord{
		{CallerID: bobID, ReceiverID: aliceID, CallType: "audio", Status: store.CallMissed, CreatedAt: start},
		{CallerID: aliceID, ReceiverID: bobID, CallType: "video", Status: store.CallCompleted,
			Duration: &dur, StartedAt: &start, EndedAt: &end, CreatedAt: end},
	} {
		if err := env.store.InsertCallRecord(ctx, &rec); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/calls", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Calls []store.CallRecord `json:"calls"`
	}
	parseJSONResponse(t, w, &resp)
	if len(resp.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(resp.Calls))
	}
	if resp.Calls[0].Status != store.CallCompleted {
		t.Errorf("expected newest first, got %+v", resp.Calls[0])
	}
	if resp.Calls[0].Duration == nil || *resp.Calls[0].Duration != 12 {
		t.Errorf("expected duration 12, got %v", resp.Calls[0].Duration)
	}
	if resp.Calls[1].Duration != nil {
		t.Errorf("missed call must have no duration")
	}
}

func TestBlocks(t *testing.T) {
	env := setupTestServer(t)
	aliceID, aliceTok := env.createUser(t, "alice")
	bobID, bobTok := env.createUser(t, "bob")

	w := env.do(t, http.MethodPost, "/api/blocks", aliceTok, map[string]string{"blocked_id": bobID})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/blocks", aliceTok, map[string]string{"blocked_id": bobID})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for repeat block, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/blocks", aliceTok, map[string]string{"blocked_id": aliceID})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for self block, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/blocks", aliceTok, map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing id, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/blocks", aliceTok, nil)
	var list struct {
		Blocked []store.Block `json:"blocked"`
	}
	parseJSONResponse(t, w, &list)
	if len(list.Blocked) != 1 || list.Blocked[0].BlockedID != bobID {
		t.Errorf("unexpected block list %+v", list.Blocked)
	}

	var status map[string]bool
	w = env.do(t, http.MethodGet, "/api/blocks/"+bobID+"/status", aliceTok, nil)
	parseJSONResponse(t, w, &status)
	if !status["i_blocked_them"] || status["they_blocked_me"] {
		t.Errorf("alice view: %v", status)
	}
	w = env.do(t, http.MethodGet, "/api/blocks/"+aliceID+"/status", bobTok, nil)
	parseJSONResponse(t, w, &status)
	if status["i_blocked_them"] || !status["they_blocked_me"] {
		t.Errorf("bob view: %v", status)
	}

	w = env.do(t, http.MethodDelete, "/api/blocks/"+bobID, aliceTok, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 on unblock, got %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/api/blocks/"+bobID, aliceTok, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second unblock, got %d", w.Code)
	}

	blocked, err := env.store.IsBlocked(context.Background(), aliceID, bobID)
	if err != nil || blocked {
		t.Errorf("expected no block after unblock, got %v %v", blocked, err)
	}
}

func TestUserRateLimit(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	})
	_, token := env.createUser(t, "busy")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(t, http.MethodGet, "/api/me", token, nil).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected [200 200 429], got %v", codes)
	}
}

func TestTooManyRequestsRetryAfter(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{1200 * time.Millisecond, "2"},
		{time.Minute, "60"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		tooManyRequests(w, tt.wait, "slow down")
		if w.Code != http.StatusTooManyRequests {
			t.Errorf("wait %v: expected 429, got %d", tt.wait, w.Code)
		}
		if got := w.Header().Get("Retry-After"); got != tt.want {
			t.Errorf("wait %v: Retry-After = %q, want %q", tt.wait, got, tt.want)
		}
	}
}

func TestCORSExposesRetryAfter(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "Retry-After, X-Request-Id" {
		t.Errorf("unexpected expose headers %q", got)
	}
}
