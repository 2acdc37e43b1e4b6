package tokens

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memBlocklist struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func newMemBlocklist() *memBlocklist {
	return &memBlocklist{revoked: make(map[string]bool)}
}

func (b *memBlocklist) Revoke(_ context.Context, jti string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[jti] = true
	return nil
}

func (b *memBlocklist) IsRevoked(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revoked[jti], nil
}

func testIssuer(t *testing.T, bl Blocklist) *Issuer {
	t.Helper()
	iss, err := New(Config{
		Secret:   []byte("test-secret-key-material"),
		Issuer:   "voxtenant",
		Audience: "voxtenant-clients",
		Blocklist: bl,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return iss
}

func TestIssueAndValidateAccess(t *testing.T) {
	iss := testIssuer(t, newMemBlocklist())
	token, err := iss.IssueAccess("tenant-1", "principal-1", "session-1", []string{"conversation:read"})
	if err != nil {
		t.Fatalf("IssueAccess() error = %v", err)
	}

	claims, err := iss.Validate(context.Background(), token, TypeAccess)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.TenantID != "tenant-1" || claims.PrincipalID != "principal-1" {
		t.Errorf("claims = %+v", claims)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "conversation:read" {
		t.Errorf("permissions = %v", claims.Permissions)
	}
}

func TestValidate_WrongTypeRejected(t *testing.T) {
	iss := testIssuer(t, newMemBlocklist())
	refresh, _ := iss.IssueRefresh("tenant-1", "principal-1", "session-1")

	if _, err := iss.Validate(context.Background(), refresh, TypeAccess); err == nil {
		t.Fatal("expected type mismatch error validating a refresh token as access")
	}
}

func TestValidate_RevokedTokenRejected(t *testing.T) {
	bl := newMemBlocklist()
	iss := testIssuer(t, bl)

	token, _ := iss.IssueAccess("tenant-1", "principal-1", "session-1", nil)
	claims, err := iss.Validate(context.Background(), token, TypeAccess)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if err := iss.Revoke(context.Background(), claims.ID, claims.ExpiresAt.Time); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if _, err := iss.Validate(context.Background(), token, TypeAccess); err == nil {
		t.Fatal("expected revoked token to fail validation")
	}
}

func TestRefresh_IssuesNewAccessTokenSameSession(t *testing.T) {
	iss := testIssuer(t, newMemBlocklist())
	refresh, _ := iss.IssueRefresh("tenant-1", "principal-1", "session-1")

	access, err := iss.Refresh(context.Background(), refresh, []string{"voice_agent:update"})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	claims, err := iss.Validate(context.Background(), access, TypeAccess)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != "session-1" {
		t.Errorf("Subject = %q, want session-1 (same session identity)", claims.Subject)
	}
}

func TestValidate_WrongAudienceRejected(t *testing.T) {
	iss1 := testIssuer(t, newMemBlocklist())
	token, _ := iss1.IssueAccess("tenant-1", "principal-1", "session-1", nil)

	iss2, _ := New(Config{Secret: []byte("test-secret-key-material"), Issuer: "voxtenant", Audience: "other-audience"})
	if _, err := iss2.Validate(context.Background(), token, TypeAccess); err == nil {
		t.Fatal("expected audience mismatch to fail validation")
	}
}

func TestNew_RejectsEmptySecret(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestIssueAccess_DefaultsTokenVersionToOne(t *testing.T) {
	iss := testIssuer(t, newMemBlocklist())
	token, _ := iss.IssueAccess("tenant-1", "principal-1", "session-1", nil)

	claims, err := iss.Validate(context.Background(), token, TypeAccess)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.TokenVersion != 1 {
		t.Errorf("TokenVersion = %d, want 1", claims.TokenVersion)
	}
}

func TestValidate_BelowMinimumTokenVersionRejected(t *testing.T) {
	iss, err := New(Config{
		Secret:       []byte("test-secret-key-material"),
		Issuer:       "voxtenant",
		Audience:     "voxtenant-clients",
		TokenVersion: 1,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	token, _ := iss.IssueAccess("tenant-1", "principal-1", "session-1", nil)

	// Simulate a forced rotation: every token minted below version 2 is now
	// invalid, even though this particular token is otherwise unexpired and
	// unrevoked.
	iss.SetMinTokenVersion(2)

	if _, err := iss.Validate(context.Background(), token, TypeAccess); err == nil {
		t.Fatal("expected token below minimum version to fail validation")
	}
}

func TestValidate_AtOrAboveMinimumTokenVersionAccepted(t *testing.T) {
	iss, err := New(Config{
		Secret:          []byte("test-secret-key-material"),
		Issuer:          "voxtenant",
		Audience:        "voxtenant-clients",
		TokenVersion:    2,
		MinTokenVersion: 2,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	token, _ := iss.IssueAccess("tenant-1", "principal-1", "session-1", nil)

	if _, err := iss.Validate(context.Background(), token, TypeAccess); err != nil {
		t.Fatalf("Validate() error = %v, want token at minimum version accepted", err)
	}
}
