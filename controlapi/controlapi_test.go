package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lookatitude/voxtenant/cache"
	_ "github.com/lookatitude/voxtenant/cache/providers/inmemory"
	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/synthcache"
	"github.com/lookatitude/voxtenant/tenant"
	"github.com/lookatitude/voxtenant/tokens"
	voice "github.com/lookatitude/voxtenant/pkg/voice"
)

type fakeLookup struct {
	records map[string]*tenant.Record
}

func (f *fakeLookup) TenantByID(ctx context.Context, id string) (*tenant.Record, error) {
	return f.records[id], nil
}
func (f *fakeLookup) TenantBySlug(ctx context.Context, slug string) (*tenant.Record, error) {
	for _, r := range f.records {
		if r.Slug == slug {
			return r, nil
		}
	}
	return nil, nil
}
func (f *fakeLookup) CredentialByHash(ctx context.Context, hash string) (*tenant.Credential, error) {
	return nil, nil
}

type fakeAgents struct{}

func (fakeAgents) AgentByID(ctx context.Context, tenantID, agentID string) (voice.Agent, error) {
	if agentID != "agent-1" {
		return voice.Agent{}, core.NewError("fakeAgents.AgentByID", core.ErrNotFound, "agent not found", nil)
	}
	return voice.Agent{ID: "agent-1", TenantID: tenantID, VoiceID: "v1", Tuning: "default", Language: "en"}, nil
}

type fakeAuthenticator struct {
	permissions []string
}

func (f fakeAuthenticator) Authenticate(tenantSlug, username, password string) (string, []string, error) {
	if username != "operator" || password != "correct-horse" {
		return "", nil, core.NewError("fakeAuthenticator.Authenticate", core.ErrUnauthenticated, "invalid credentials", nil)
	}
	return "principal-1", f.permissions, nil
}

type fakeSpeech struct{}

func (fakeSpeech) Transcribe(ctx context.Context, audio []byte) (string, float64, error) {
	return string(audio), 1, nil
}
func (fakeSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("audio:" + text), nil
}

func newTestServer(t *testing.T) (*Server, *tokens.Issuer, *fakeLookup) {
	t.Helper()
	issuer, err := tokens.New(tokens.Config{Secret: []byte("test-secret-test-secret"), Issuer: "voxtenant", Audience: "voxtenant"})
	if err != nil {
		t.Fatalf("tokens.New() error = %v", err)
	}
	lookup := &fakeLookup{records: map[string]*tenant.Record{
		"tenant-1": {ID: "tenant-1", Slug: "acme", Status: tenant.StatusActive, Tier: tenant.TierProfessional},
	}}
	resolver := tenant.New(lookup, issuer)

	backend, err := cache.New("inmemory", cache.Config{MaxSize: 100, TTL: time.Hour})
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	synth := synthcache.New(backend, time.Hour)

	s := NewServer(Config{
		Resolver: resolver,
		Issuer:   issuer,
		Synth:    synth,
		Agents:   fakeAgents{},
		Speech:   fakeSpeech{},
	})
	return s, issuer, lookup
}

func newLoginTestServer(t *testing.T, rpm, maxFailedLogins, lockoutMinutes int) *Server {
	t.Helper()
	issuer, err := tokens.New(tokens.Config{Secret: []byte("test-secret-test-secret"), Issuer: "voxtenant", Audience: "voxtenant"})
	if err != nil {
		t.Fatalf("tokens.New() error = %v", err)
	}
	return NewServer(Config{
		Issuer:                  issuer,
		Authenticator:           fakeAuthenticator{permissions: []string{"conversation:read"}},
		LoginRateLimitPerMinute: rpm,
		MaxFailedLogins:         maxFailedLogins,
		LockoutMinutes:          lockoutMinutes,
	})
}

func issueTokenRequest(s *Server, tenantSlug, username, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(loginRequest{TenantSlug: tenantSlug, Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleIssueToken_ValidCredentialsIssuesTokens(t *testing.T) {
	s := newLoginTestServer(t, 0, 0, 0)
	rec := issueTokenRequest(s, "acme", "operator", "correct-horse")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["access_token"] == "" || resp["refresh_token"] == "" {
		t.Errorf("expected both tokens, got %v", resp)
	}
}

func TestHandleIssueToken_InvalidCredentialsRejected(t *testing.T) {
	s := newLoginTestServer(t, 0, 0, 0)
	rec := issueTokenRequest(s, "acme", "operator", "wrong-password")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleIssueToken_ExceedingRateLimitRejected(t *testing.T) {
	s := newLoginTestServer(t, 1, 0, 0)

	first := issueTokenRequest(s, "acme", "operator", "correct-horse")
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body = %s", first.Code, first.Body.String())
	}

	second := issueTokenRequest(s, "acme", "operator", "correct-horse")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429, body = %s", second.Code, second.Body.String())
	}
}

func TestHandleIssueToken_DistinctTenantsHaveIndependentRateLimits(t *testing.T) {
	s := newLoginTestServer(t, 1, 0, 0)

	if rec := issueTokenRequest(s, "acme", "operator", "correct-horse"); rec.Code != http.StatusOK {
		t.Fatalf("tenant acme status = %d", rec.Code)
	}
	if rec := issueTokenRequest(s, "globex", "operator", "correct-horse"); rec.Code != http.StatusOK {
		t.Fatalf("tenant globex should not share acme's rate budget, status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleIssueToken_LockedOutAfterRepeatedFailures(t *testing.T) {
	s := newLoginTestServer(t, 0, 3, 15)

	for i := 0; i < 3; i++ {
		rec := issueTokenRequest(s, "acme", "operator", "wrong-password")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i, rec.Code)
		}
	}

	// A 4th attempt, even with the correct password, is rejected by the
	// lockout rather than reaching the authenticator.
	rec := issueTokenRequest(s, "acme", "operator", "correct-horse")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (locked out), body = %s", rec.Code, rec.Body.String())
	}
}

func accessToken(t *testing.T, issuer *tokens.Issuer, perms ...string) string {
	t.Helper()
	tok, err := issuer.IssueAccess("tenant-1", "principal-1", "session-1", perms)
	if err != nil {
		t.Fatalf("IssueAccess() error = %v", err)
	}
	return tok
}

func TestHandleSynthesize_ReturnsAudioHex(t *testing.T) {
	s, issuer, _ := newTestServer(t)
	body, _ := json.Marshal(synthesizeRequest{Text: "hello world", AgentID: "agent-1", Language: "en"})
	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken(t, issuer, "voice:synthesize"))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp["audio_hex"] == "" {
		t.Error("expected non-empty audio_hex")
	}
	if resp["cache_hit"] != false {
		t.Errorf("cache_hit = %v, want false on first call", resp["cache_hit"])
	}
}

func TestHandleSynthesize_SecondCallIsCacheHit(t *testing.T) {
	s, issuer, _ := newTestServer(t)
	tok := accessToken(t, issuer, "voice:synthesize")
	body, _ := json.Marshal(synthesizeRequest{Text: "repeat me", AgentID: "agent-1", Language: "en"})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d, body = %s", i, rec.Code, rec.Body.String())
		}
		var resp map[string]any
		json.Unmarshal(rec.Body.Bytes(), &resp)
		wantHit := i == 1
		if resp["cache_hit"] != wantHit {
			t.Errorf("call %d: cache_hit = %v, want %v", i, resp["cache_hit"], wantHit)
		}
	}
}

func TestHandleSynthesize_MissingPermissionIsForbidden(t *testing.T) {
	s, issuer, _ := newTestServer(t)
	body, _ := json.Marshal(synthesizeRequest{Text: "hi", AgentID: "agent-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken(t, issuer)) // no permissions
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSynthesize_UnknownAgentIsNotFound(t *testing.T) {
	s, issuer, _ := newTestServer(t)
	body, _ := json.Marshal(synthesizeRequest{Text: "hi", AgentID: "does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken(t, issuer, "voice:synthesize"))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for an unknown agent, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSynthesize_NoBearerTokenIsUnauthenticated(t *testing.T) {
	s, _, _ := newTestServer(t)
	body, _ := json.Marshal(synthesizeRequest{Text: "hi", AgentID: "agent-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/synthesize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Host = "unknown-host.example.com"
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized && rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 401 or 404 for an unidentifiable request", rec.Code)
	}
}

func TestHandleQualityAnalyze_FlagsOverlongText(t *testing.T) {
	s, issuer, _ := newTestServer(t)
	longText := ""
	for i := 0; i < 50; i++ {
		longText += "this is a moderately long sentence. "
	}
	body, _ := json.Marshal(qualityAnalyzeRequest{Text: longText, AgentID: "agent-1", Threshold: 100})
	req := httptest.NewRequest(http.MethodPost, "/v1/quality/analyze", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken(t, issuer, "voice:synthesize"))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if score, ok := resp["score"].(float64); !ok || score >= 100 {
		t.Errorf("score = %v, want < 100 for overlong text", resp["score"])
	}
	alts, _ := resp["alternatives"].([]any)
	if len(alts) == 0 {
		t.Error("expected at least one alternative phrasing")
	}
}

func TestHandleRequestSchema_ReturnsPropertiesForKnownOperation(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/schemas/synthesize", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var schema map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &schema); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %v", schema)
	}
	if _, ok := props["text"]; !ok {
		t.Errorf("expected a \"text\" property, got %v", props)
	}
	if _, ok := props["agent_id"]; !ok {
		t.Errorf("expected an \"agent_id\" property, got %v", props)
	}
}

func TestHandleRequestSchema_UnknownOperationIsNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/schemas/does-not-exist", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRefreshToken_IssuesNewAccessToken(t *testing.T) {
	s, issuer, _ := newTestServer(t)
	refresh, err := issuer.IssueRefresh("tenant-1", "principal-1", "session-1")
	if err != nil {
		t.Fatalf("IssueRefresh() error = %v", err)
	}
	body, _ := json.Marshal(refreshRequest{RefreshToken: refresh})
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/refresh", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["access_token"] == "" {
		t.Error("expected a non-empty access_token")
	}
}

func TestHandleVoiceHealth_RequiresAdminPermission(t *testing.T) {
	s, issuer, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/voice/health", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken(t, issuer, "voice:synthesize"))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without voice:admin", rec.Code)
	}
}
