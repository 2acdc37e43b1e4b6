// Package tenant implements the tenant resolver (§4.F): on every
// non-public request it determines which tenant and principal are acting,
// builds a request-scoped context, and enforces the tenant-level gates
// (active status, source-network allow-list, maintenance mode) before any
// business logic runs.
package tenant

import (
	"context"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/tokens"
)

// Status is a tenant's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusTerminated   Status = "terminated"
	StatusError        Status = "error"
)

// Tier selects a tenant's feature flags and quota table.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierCustom       Tier = "custom"
)

// Record is the subset of tenant state the resolver needs. Lookup supplies
// it; the resolver itself holds no tenant storage.
type Record struct {
	ID        string
	Slug      string
	Status    Status
	Tier      Tier
	Maintenance bool
	AllowList []*net.IPNet
}

// Credential is a programmatic API credential, already authenticated by the
// caller (the resolver only needs the tenant and scope it resolves to).
type Credential struct {
	TenantID string
	Scopes   []string
}

// Lookup resolves tenant and credential records. Implementations back onto
// the persistent store gateway.
type Lookup interface {
	TenantByID(ctx context.Context, id string) (*Record, error)
	TenantBySlug(ctx context.Context, slug string) (*Record, error)
	CredentialByHash(ctx context.Context, hash string) (*Credential, error)
}

// RequestContext is the outcome of a successful resolution: everything
// downstream handlers need without re-deriving tenant identity.
type RequestContext struct {
	TenantID          string
	TenantSlug        string
	Tier              Tier
	PrincipalID       string
	Permissions       []string
	SourceNetwork     net.IP
	CorrelationID     string
	CredentialBased   bool
}

type ctxKey struct{}

// WithRequestContext attaches rc to ctx for downstream handlers.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	ctx = core.WithTenant(ctx, core.TenantID(rc.TenantID))
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext retrieves the RequestContext attached by WithRequestContext.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok
}

// Resolver implements the tenant resolution algorithm of §4.F.
type Resolver struct {
	lookup Lookup
	issuer *tokens.Issuer
}

// New creates a Resolver.
func New(lookup Lookup, issuer *tokens.Issuer) *Resolver {
	return &Resolver{lookup: lookup, issuer: issuer}
}

// Request carries the raw material a transport-specific adapter (HTTP
// middleware, WebSocket upgrade handler) extracts from an inbound request.
type Request struct {
	BearerToken     string
	CredentialHash  string
	Hostname        string
	PathPrefix      string
	SourceIP        net.IP
}

// Resolve runs the three-way lookup (bearer token → API credential →
// hostname/path tenant slug) and the tenant-level gates, in the order
// §4.F specifies. correlationID is generated if empty.
func (r *Resolver) Resolve(ctx context.Context, req Request, correlationID string) (*RequestContext, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	rc, err := r.identify(ctx, req)
	if err != nil {
		return nil, err
	}
	rc.CorrelationID = correlationID
	rc.SourceNetwork = req.SourceIP

	record, err := r.lookup.TenantByID(ctx, rc.TenantID)
	if err != nil {
		return nil, core.NewError("tenant.Resolve", core.ErrStoreUnavailable, "tenant lookup failed", err)
	}
	if record == nil {
		return nil, core.NewError("tenant.Resolve", core.ErrNotFound, "tenant not found", nil)
	}

	if record.Status != StatusActive {
		return nil, core.NewError("tenant.Resolve", core.ErrUnauthorized, "tenant is not active", nil)
	}
	if !sourceAllowed(record.AllowList, req.SourceIP) {
		return nil, core.NewError("tenant.Resolve", core.ErrUnauthorized, "source network not allowed", nil)
	}
	if record.Maintenance {
		return nil, core.NewError("tenant.Resolve", core.ErrUnauthorized, "tenant is in maintenance mode", nil)
	}

	rc.TenantSlug = record.Slug
	rc.Tier = record.Tier
	return rc, nil
}

func (r *Resolver) identify(ctx context.Context, req Request) (*RequestContext, error) {
	if req.BearerToken != "" {
		claims, err := r.issuer.Validate(ctx, req.BearerToken, tokens.TypeAccess)
		if err != nil {
			return nil, err
		}
		return &RequestContext{
			TenantID:        claims.TenantID,
			PrincipalID:     claims.PrincipalID,
			Permissions:     claims.Permissions,
			CredentialBased: false,
		}, nil
	}

	if req.CredentialHash != "" {
		cred, err := r.lookup.CredentialByHash(ctx, req.CredentialHash)
		if err != nil {
			return nil, core.NewError("tenant.identify", core.ErrStoreUnavailable, "credential lookup failed", err)
		}
		if cred == nil {
			return nil, core.NewError("tenant.identify", core.ErrUnauthenticated, "unknown credential", nil)
		}
		return &RequestContext{
			TenantID:        cred.TenantID,
			Permissions:     cred.Scopes,
			CredentialBased: true,
		}, nil
	}

	slug := slugFrom(req)
	if slug == "" {
		return nil, core.NewError("tenant.identify", core.ErrUnauthenticated, "no tenant identity supplied", nil)
	}
	record, err := r.lookup.TenantBySlug(ctx, slug)
	if err != nil {
		return nil, core.NewError("tenant.identify", core.ErrStoreUnavailable, "tenant slug lookup failed", err)
	}
	if record == nil {
		return nil, core.NewError("tenant.identify", core.ErrNotFound, "tenant not found", nil)
	}
	return &RequestContext{TenantID: record.ID, CredentialBased: false}, nil
}

func slugFrom(req Request) string {
	if host := req.Hostname; host != "" {
		if idx := strings.IndexByte(host, '.'); idx > 0 {
			return host[:idx]
		}
	}
	if p := strings.Trim(req.PathPrefix, "/"); p != "" {
		return strings.SplitN(p, "/", 2)[0]
	}
	return ""
}

func sourceAllowed(allowList []*net.IPNet, ip net.IP) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, n := range allowList {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
