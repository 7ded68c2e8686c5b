package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pulse/api/internal/authpw"
	"pulse/api/internal/content"
)

type memoryUserStore struct {
	accounts map[string]authpw.Account
}

func (m *memoryUserStore) GetByEmail(ctx context.Context, email string) (authpw.Account, error) {
	if account, ok := m.accounts[email]; ok {
		return account, nil
	}
	return authpw.Account{}, errors.New("account not found")
}

func (m *memoryUserStore) Create(ctx context.Context, account authpw.Account) error {
	if m.accounts == nil {
		m.accounts = make(map[string]authpw.Account)
	}
	m.accounts[account.Email] = account
	return nil
}

func newTestServer(t *testing.T, counters *fakeCounterStore) (*httptest.Server, *Service) {
	t.Helper()
	accounts := authpw.NewService(&memoryUserStore{})
	svc := New(testConfig(), counters, newFakeSessionStore(), accounts, nil)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func memberToken(t *testing.T, svc *Service) string {
	t.Helper()
	session, err := svc.issueSession(context.Background(), authpw.Viewer{ID: "user-1", Name: "Rosa", Role: "member"})
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}
	return session.Token
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeCounterStore{})
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestReadyReportsStoreFailure(t *testing.T) {
	counters := &fakeCounterStore{
		pingFn: func(context.Context) error { return errors.New("store down") },
	}
	server, _ := newTestServer(t, counters)
	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if payload["status"] != "not_ready" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestStatsEndpointIsPublic(t *testing.T) {
	counters := &fakeCounterStore{
		readStatsFn: func(ctx context.Context, ref content.Ref) (content.Stats, error) {
			return content.Stats{"likes": 4, "shares": 2}, nil
		},
	}
	server, _ := newTestServer(t, counters)

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/content/article/a1/stats", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, payload)
	}
	stats := payload["stats"].(map[string]any)
	if stats["likes"].(float64) != 4 {
		t.Errorf("unexpected stats: %v", stats)
	}
	if _, ok := payload["interactions"]; ok {
		t.Error("anonymous stats response must not carry interactions")
	}
}

func TestStatsIncludeInteractionsForViewer(t *testing.T) {
	counters := &fakeCounterStore{
		readStatsFn: func(context.Context, content.Ref) (content.Stats, error) {
			return content.Stats{"likes": 4}, nil
		},
		readInteractionsFn: func(ctx context.Context, ref content.Ref, actorID string) (content.Interactions, error) {
			if actorID != "user-1" {
				t.Errorf("expected viewer user-1, got %q", actorID)
			}
			return content.Interactions{"isLiked": true}, nil
		},
	}
	server, svc := newTestServer(t, counters)

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/content/article/a1/stats", memberToken(t, svc), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	interactions := payload["interactions"].(map[string]any)
	if interactions["isLiked"] != true {
		t.Errorf("unexpected interactions: %v", interactions)
	}
}

func TestInteractionRequiresToken(t *testing.T) {
	server, _ := newTestServer(t, &fakeCounterStore{})
	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/content/article/a1/interactions", "", map[string]any{"action": "like"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if payload["code"] != "UNAUTHENTICATED" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestInteractionRejectsGarbageToken(t *testing.T) {
	server, _ := newTestServer(t, &fakeCounterStore{})
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/content/article/a1/interactions", "not-a-token", map[string]any{"action": "like"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestInteractionHappyPath(t *testing.T) {
	counters := &fakeCounterStore{
		applyInteractionFn: func(ctx context.Context, ref content.Ref, actorID string, action content.Action) (content.Stats, content.Interactions, error) {
			if ref.Type != content.TypeThread || ref.ID != "t9" {
				t.Errorf("unexpected ref: %v", ref)
			}
			if action != content.ActionHelpful {
				t.Errorf("unexpected action: %v", action)
			}
			return content.Stats{"helpful": 5}, content.Interactions{"isHelpful": true}, nil
		},
	}
	server, svc := newTestServer(t, counters)

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/content/thread/t9/interactions", memberToken(t, svc), map[string]any{"action": "helpful"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, payload)
	}
	stats := payload["stats"].(map[string]any)
	if stats["helpful"].(float64) != 5 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestInteractionValidation(t *testing.T) {
	server, svc := newTestServer(t, &fakeCounterStore{})
	token := memberToken(t, svc)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/content/article/a1/interactions", token, map[string]any{"action": "upvote"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unknown action, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/content/banana/a1/interactions", token, map[string]any{"action": "like"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unknown content type, got %d", resp.StatusCode)
	}
}

func TestSignUpSignInAndSessionFlow(t *testing.T) {
	server, _ := newTestServer(t, &fakeCounterStore{})

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/auth/signup", "", map[string]any{
		"email":    "rosa@example.com",
		"password": "longenough",
		"name":     "Rosa",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, payload)
	}
	token, _ := payload["accessToken"].(string)
	if token == "" {
		t.Fatal("signup did not return an access token")
	}

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/session", token, nil)
	if resp.StatusCode != http.StatusOK || payload["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %d %v", resp.StatusCode, payload)
	}
	if payload["role"] != "member" {
		t.Errorf("expected member role, got %v", payload["role"])
	}

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/auth/signin", "", map[string]any{
		"email":    "rosa@example.com",
		"password": "wrong-password",
	})
	if resp.StatusCode != http.StatusUnauthorized || payload["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d %v", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/auth/signin", "", map[string]any{
		"email":    "rosa@example.com",
		"password": "longenough",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, payload)
	}

	refreshToken, _ := payload["refreshToken"].(string)
	resp, payload = doJSON(t, http.MethodPost, server.URL+"/api/session/refresh", "", map[string]any{"refreshToken": refreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh failed: %d %v", resp.StatusCode, payload)
	}

	rotated, _ := payload["refreshToken"].(string)
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/session/logout", "", map[string]any{"refreshToken": rotated})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout failed: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/api/session/refresh", "", map[string]any{"refreshToken": rotated})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected revoked refresh token to be rejected, got %d", resp.StatusCode)
	}
}

func TestRequestIDHeader(t *testing.T) {
	server, _ := newTestServer(t, &fakeCounterStore{})
	resp, _ := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}
