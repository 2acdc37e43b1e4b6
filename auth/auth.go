// Package auth provides role- and attribute-based authorization for
// tenant-scoped principals. It implements RBAC, ABAC, and composite policy
// patterns with a default-deny security model. Every authorization check is
// explicit — if no policy grants access, the request is denied.
//
// Permissions are namespaced "resource:action" strings. A role may hold the
// resource wildcard "resource:*" or the super-permission SuperAdmin; see
// Matches for the exact precedence (super:admin > wildcard > exact).
//
// Policies are registered via the standard Registry pattern and composed using
// CompositePolicy with configurable combination modes (allow-if-any,
// allow-if-all, deny-if-any).
//
// Usage:
//
//	rbac := auth.NewRBACPolicy("main")
//	rbac.AddRole(auth.Role{Name: "admin", Permissions: []auth.Permission{"voice_agent:*"}})
//	rbac.AssignRole("alice", "admin")
//	allowed, err := rbac.Authorize(ctx, "alice", "voice_agent:update", "ag-1")
package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Policy determines whether a subject is authorized to perform a given
// permission on a resource. Implementations must be safe for concurrent use.
type Policy interface {
	// Name returns a unique identifier for this policy.
	Name() string

	// Authorize checks whether subject is allowed to perform permission on
	// resource. Returns (false, nil) for a clean deny. Returns (false, err)
	// when the decision cannot be made due to an error.
	Authorize(ctx context.Context, subject string, permission Permission, resource string) (bool, error)
}

// Permission is a namespaced "resource:action" string, the resource-wildcard
// form "resource:*", or the super-permission SuperAdmin. Namespaces are
// defined by callers (e.g. "voice_agent:update", "conversation:read");
// the package only special-cases the wildcard suffix and SuperAdmin.
type Permission string

// SuperAdmin bypasses every permission check.
const SuperAdmin Permission = "super:admin"

// Matches reports whether holding the permission held satisfies a request
// for requested. SuperAdmin held always matches. A held permission ending in
// ":*" matches any requested permission sharing its resource prefix. Anything
// else requires an exact match.
func Matches(held, requested Permission) bool {
	if held == SuperAdmin {
		return true
	}
	if held == requested {
		return true
	}
	resource, isWildcard := strings.CutSuffix(string(held), ":*")
	if !isWildcard {
		return false
	}
	reqResource, _, ok := strings.Cut(string(requested), ":")
	return ok && reqResource == resource
}

// MatchesAny reports whether any permission in held satisfies requested.
func MatchesAny(held []Permission, requested Permission) bool {
	for _, h := range held {
		if Matches(h, requested) {
			return true
		}
	}
	return false
}

// AllRequired reports whether held satisfies every permission in required
// (the "all-required" evaluation mode). An empty required slice is
// vacuously satisfied.
func AllRequired(held []Permission, required []Permission) bool {
	for _, req := range required {
		if !MatchesAny(held, req) {
			return false
		}
	}
	return true
}

// AnyOf reports whether held satisfies at least one permission in candidates
// (the "any-of" evaluation mode). An empty candidates slice is treated as
// satisfied.
func AnyOf(held []Permission, candidates []Permission) bool {
	for _, c := range candidates {
		if MatchesAny(held, c) {
			return true
		}
	}
	return len(candidates) == 0
}

// Config carries arbitrary configuration for policy factories.
type Config struct {
	// Extra holds provider-specific configuration.
	Extra map[string]any
}

// Factory creates a Policy from a configuration. Factories are stored in the
// package-level registry and invoked by New.
type Factory func(cfg Config) (Policy, error)

// registry holds the named policy factories.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named policy factory to the global registry. It is safe to
// call from init functions. Register panics if name is empty or already
// registered.
func Register(name string, f Factory) {
	if name == "" {
		panic("auth: Register called with empty name")
	}
	if f == nil {
		panic("auth: Register called with nil factory for " + name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic("auth: Register called twice for " + name)
	}
	registry[name] = f
}

// New creates a Policy by looking up the named factory in the registry and
// invoking it with cfg. Returns an error if the name is not registered.
func New(name string, cfg Config) (Policy, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("auth: unknown policy %q", name)
	}
	return f(cfg)
}

// List returns the sorted names of all registered policy factories.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
