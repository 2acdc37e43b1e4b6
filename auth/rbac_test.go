package auth

import (
	"context"
	"testing"
)

func TestRBACPolicy_Name(t *testing.T) {
	p := NewRBACPolicy("test-rbac")
	if p.Name() != "test-rbac" {
		t.Errorf("expected name 'test-rbac', got %q", p.Name())
	}
}

func TestRBACPolicy_AddRole(t *testing.T) {
	p := NewRBACPolicy("rbac")

	err := p.AddRole(Role{Name: "admin", Permissions: []Permission{"voice_agent:update", "conversation:read"}})
	if err != nil {
		t.Fatalf("AddRole failed: %v", err)
	}

	// Duplicate should fail.
	err = p.AddRole(Role{Name: "admin", Permissions: []Permission{"voice_agent:update"}})
	if err == nil {
		t.Fatal("expected error for duplicate role")
	}
}

func TestRBACPolicy_AddRoleEmptyName(t *testing.T) {
	p := NewRBACPolicy("rbac")
	err := p.AddRole(Role{Name: "", Permissions: []Permission{"voice_agent:update"}})
	if err == nil {
		t.Fatal("expected error for empty role name")
	}
}

func TestRBACPolicy_AssignRole(t *testing.T) {
	p := NewRBACPolicy("rbac")
	_ = p.AddRole(Role{Name: "admin", Permissions: []Permission{"voice_agent:update"}})

	err := p.AssignRole("alice", "admin")
	if err != nil {
		t.Fatalf("AssignRole failed: %v", err)
	}

	// Assign nonexistent role.
	err = p.AssignRole("alice", "nonexistent")
	if err == nil {
		t.Fatal("expected error for nonexistent role")
	}

	// Duplicate assignment.
	err = p.AssignRole("alice", "admin")
	if err == nil {
		t.Fatal("expected error for duplicate assignment")
	}
}

func TestRBACPolicy_RemoveRole(t *testing.T) {
	p := NewRBACPolicy("rbac")
	_ = p.AddRole(Role{Name: "admin", Permissions: []Permission{"voice_agent:update"}})
	_ = p.AssignRole("alice", "admin")

	err := p.RemoveRole("alice", "admin")
	if err != nil {
		t.Fatalf("RemoveRole failed: %v", err)
	}

	// Remove again should fail.
	err = p.RemoveRole("alice", "admin")
	if err == nil {
		t.Fatal("expected error removing unassigned role")
	}
}

func TestRBACPolicy_AuthorizeAllowed(t *testing.T) {
	ctx := context.Background()
	p := NewRBACPolicy("rbac")
	_ = p.AddRole(Role{Name: "admin", Permissions: []Permission{"voice_agent:update", "conversation:read"}})
	_ = p.AssignRole("alice", "admin")

	allowed, err := p.Authorize(ctx, "alice", "voice_agent:update", "calculator")
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if !allowed {
		t.Error("expected alice to be allowed voice_agent:update")
	}

	allowed, err = p.Authorize(ctx, "alice", "conversation:read", "history")
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if !allowed {
		t.Error("expected alice to be allowed conversation:read")
	}
}

func TestRBACPolicy_AuthorizeDenied(t *testing.T) {
	ctx := context.Background()
	p := NewRBACPolicy("rbac")
	_ = p.AddRole(Role{Name: "reader", Permissions: []Permission{"conversation:read"}})
	_ = p.AssignRole("bob", "reader")

	allowed, err := p.Authorize(ctx, "bob", "voice_agent:update", "calculator")
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if allowed {
		t.Error("expected bob to be denied voice_agent:update")
	}
}

func TestRBACPolicy_AuthorizeDefaultDeny(t *testing.T) {
	ctx := context.Background()
	p := NewRBACPolicy("rbac")

	// No roles assigned â€” default deny.
	allowed, err := p.Authorize(ctx, "unknown", "voice_agent:update", "anything")
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if allowed {
		t.Error("expected default deny for unknown subject")
	}
}

func TestRBACPolicy_MultipleRoles(t *testing.T) {
	ctx := context.Background()
	p := NewRBACPolicy("rbac")
	_ = p.AddRole(Role{Name: "reader", Permissions: []Permission{"conversation:read"}})
	_ = p.AddRole(Role{Name: "writer", Permissions: []Permission{"conversation:write"}})
	_ = p.AssignRole("charlie", "reader")
	_ = p.AssignRole("charlie", "writer")

	tests := []struct {
		perm    Permission
		allowed bool
	}{
		{"conversation:read", true},
		{"conversation:write", true},
		{"voice_agent:update", false},
	}

	for _, tt := range tests {
		allowed, err := p.Authorize(ctx, "charlie", tt.perm, "resource")
		if err != nil {
			t.Fatalf("Authorize error for %s: %v", tt.perm, err)
		}
		if allowed != tt.allowed {
			t.Errorf("Authorize(%s) = %v, want %v", tt.perm, allowed, tt.allowed)
		}
	}
}

func TestRBACPolicy_RemoveRoleDeniesAccess(t *testing.T) {
	ctx := context.Background()
	p := NewRBACPolicy("rbac")
	_ = p.AddRole(Role{Name: "admin", Permissions: []Permission{"voice_agent:update"}})
	_ = p.AssignRole("alice", "admin")

	// Verify allowed before removal.
	allowed, _ := p.Authorize(ctx, "alice", "voice_agent:update", "tool")
	if !allowed {
		t.Fatal("expected allowed before removal")
	}

	_ = p.RemoveRole("alice", "admin")

	// Verify denied after removal.
	allowed, _ = p.Authorize(ctx, "alice", "voice_agent:update", "tool")
	if allowed {
		t.Error("expected denied after role removal")
	}
}
