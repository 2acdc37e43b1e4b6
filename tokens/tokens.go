// Package tokens implements the session token issuer and validator:
// signed access and refresh tokens carrying tenant and principal identity,
// issued and verified with golang-jwt/jwt/v5. Revocation is checked against
// an injected blocklist store keyed by token id.
package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lookatitude/voxtenant/core"
)

// Type distinguishes access tokens (carrying a frozen permission snapshot)
// from refresh tokens (carrying only session identity).
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the token payload. It embeds jwt.RegisteredClaims for iss/aud/
// iat/nbf/exp/jti and adds the tenant- and permission-scoped fields §4.D
// requires.
type Claims struct {
	jwt.RegisteredClaims

	TenantID    string   `json:"tenant_id"`
	PrincipalID string   `json:"principal_id"`
	TokenType   Type     `json:"token_type"`
	Permissions []string `json:"permissions,omitempty"`

	// TokenVersion is stamped with the issuer's current signing generation
	// (§9: default 1) and checked against MinTokenVersion on validation, so
	// every outstanding token can be invalidated en masse — independent of
	// the per-jti Blocklist — by raising the issuer's minimum.
	TokenVersion int `json:"token_version"`
}

// Blocklist records revoked token ids until their natural expiry. The
// tokens package is storage-agnostic; production deployments back this with
// the same ephemeral store used by the counter store (Redis), keyed
// separately.
type Blocklist interface {
	// Revoke marks jti revoked for at least ttl.
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	// IsRevoked reports whether jti has been revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Issuer issues and validates tokens for one issuer/audience pair using a
// single HMAC shared secret. An RSA-backed Issuer is a drop-in alternative:
// validation semantics (signature, issuer, audience, expiry, revocation,
// type match) do not depend on which algorithm signs the token.
type Issuer struct {
	secret          []byte
	issuer          string
	audience        string
	blocklist       Blocklist
	accessTTL       time.Duration
	refreshTTL      time.Duration
	tokenVersion    int
	minTokenVersion int
}

// Config configures a new Issuer.
type Config struct {
	Secret     []byte
	Issuer     string
	Audience   string
	Blocklist  Blocklist
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// TokenVersion is stamped onto every token this Issuer mints. Zero
	// defaults to 1.
	TokenVersion int
	// MinTokenVersion rejects any token (however else valid) carrying a
	// version below this floor — the §9 minimum-version gate, distinct from
	// Blocklist's per-jti revocation. Zero defaults to 1, i.e. no gate
	// beyond "the token carries a version at all".
	MinTokenVersion int
}

// New creates an Issuer. Zero TTLs default to 15 minutes for access tokens
// and 30 days for refresh tokens.
func New(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("tokens: secret must not be empty")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.TokenVersion <= 0 {
		cfg.TokenVersion = 1
	}
	if cfg.MinTokenVersion <= 0 {
		cfg.MinTokenVersion = 1
	}
	return &Issuer{
		secret:          cfg.Secret,
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		blocklist:       cfg.Blocklist,
		accessTTL:       cfg.AccessTTL,
		refreshTTL:      cfg.RefreshTTL,
		tokenVersion:    cfg.TokenVersion,
		minTokenVersion: cfg.MinTokenVersion,
	}, nil
}

// SetMinTokenVersion raises (or lowers) the minimum version Validate accepts,
// letting an operator invalidate every outstanding token at once — e.g. after
// a secret rotation or a suspected leak — without touching the Blocklist.
func (iss *Issuer) SetMinTokenVersion(v int) {
	iss.minTokenVersion = v
}

// IssueAccess mints a new access token carrying a frozen snapshot of
// permissions. sessionID ties the access token to the refresh token that
// will be used to renew it.
func (iss *Issuer) IssueAccess(tenantID, principalID, sessionID string, permissions []string) (string, error) {
	return iss.issue(tenantID, principalID, sessionID, TypeAccess, permissions, iss.accessTTL)
}

// IssueRefresh mints a new refresh token for a session. Refresh tokens never
// carry a permission snapshot; permissions are re-evaluated at each refresh
// exchange.
func (iss *Issuer) IssueRefresh(tenantID, principalID, sessionID string) (string, error) {
	return iss.issue(tenantID, principalID, sessionID, TypeRefresh, nil, iss.refreshTTL)
}

func (iss *Issuer) issue(tenantID, principalID, sessionID string, typ Type, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    iss.issuer,
			Audience:  jwt.ClaimStrings{iss.audience},
			Subject:   sessionID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:     tenantID,
		PrincipalID:  principalID,
		TokenType:    typ,
		Permissions:  permissions,
		TokenVersion: iss.tokenVersion,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(iss.secret)
	if err != nil {
		return "", core.NewError("tokens.issue", core.ErrBusinessRule, "signing failed", err)
	}
	return signed, nil
}

// Validate parses and verifies raw, checking signature, issuer, audience,
// expiry, revocation, and (if wantType is non-empty) token type. It returns
// the validated claims on success.
func (iss *Issuer) Validate(ctx context.Context, raw string, wantType Type) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return iss.secret, nil
	}, jwt.WithIssuer(iss.issuer), jwt.WithAudience(iss.audience))
	if err != nil || !token.Valid {
		return nil, core.NewError("tokens.Validate", core.ErrUnauthenticated, "token invalid or expired", err)
	}

	if wantType != "" && claims.TokenType != wantType {
		return nil, core.NewError("tokens.Validate", core.ErrUnauthenticated, "token type mismatch", nil)
	}

	version := claims.TokenVersion
	if version == 0 {
		// Tokens minted before this field existed carry no token_version;
		// treat them as version 1 rather than rejecting them outright.
		version = 1
	}
	if version < iss.minTokenVersion {
		return nil, core.NewError("tokens.Validate", core.ErrUnauthenticated, "token version below minimum", nil)
	}

	if iss.blocklist != nil {
		revoked, err := iss.blocklist.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, core.NewError("tokens.Validate", core.ErrStoreUnavailable, "revocation check failed", err)
		}
		if revoked {
			return nil, core.NewError("tokens.Validate", core.ErrUnauthenticated, "token revoked", nil)
		}
	}

	return claims, nil
}

// Revoke blocklists a token id for at least the remaining lifetime implied
// by expiresAt, per §4.D's "TTL no shorter than the token's remaining
// lifetime" requirement.
func (iss *Issuer) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if iss.blocklist == nil {
		return core.NewError("tokens.Revoke", core.ErrBusinessRule, "no blocklist configured", nil)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil // already expired; nothing to revoke
	}
	if err := iss.blocklist.Revoke(ctx, jti, ttl); err != nil {
		return core.NewError("tokens.Revoke", core.ErrStoreUnavailable, "revocation write failed", err)
	}
	return nil
}

// Refresh exchanges a valid refresh token for a new access token bearing
// the given (freshly evaluated) permissions. The refresh token itself is
// returned unchanged — it is rotated only by explicit logout, not by use.
func (iss *Issuer) Refresh(ctx context.Context, refreshToken string, permissions []string) (accessToken string, err error) {
	claims, err := iss.Validate(ctx, refreshToken, TypeRefresh)
	if err != nil {
		return "", err
	}
	return iss.IssueAccess(claims.TenantID, claims.PrincipalID, claims.Subject, permissions)
}
