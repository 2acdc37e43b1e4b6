// Package controlapi implements the transport-agnostic control surface of
// §6: every listed operation as a gin-gonic HTTP handler, behind a
// middleware chain that resolves the tenant, validates the bearer/refresh
// token, and checks the permission the operation requires.
package controlapi

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lookatitude/voxtenant/auth"
	"github.com/lookatitude/voxtenant/billing"
	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/internal/jsonutil"
	"github.com/lookatitude/voxtenant/o11y"
	"github.com/lookatitude/voxtenant/pregen"
	"github.com/lookatitude/voxtenant/synthcache"
	"github.com/lookatitude/voxtenant/tenant"
	"github.com/lookatitude/voxtenant/tokens"
	"github.com/lookatitude/voxtenant/transport"
	"github.com/lookatitude/voxtenant/vault"
	voice "github.com/lookatitude/voxtenant/pkg/voice"
)

// Permission names referenced by the handlers below. These are namespaced
// "resource:action" strings per the auth package's convention.
const (
	permVoiceSynthesize = auth.Permission("voice:synthesize")
	permVoiceAdmin      = auth.Permission("voice:admin")
	permCredentialAdmin = auth.Permission("credential:admin")
	permTokenOwn        = auth.Permission("token:own")
)

// AgentLookup resolves a voice agent's synthesis configuration.
type AgentLookup interface {
	AgentByID(ctx context.Context, tenantID, agentID string) (voice.Agent, error)
}

// CredentialStore persists and rotates API credentials (§3's API-credential
// entity), with opaque secrets sealed through the vault.
type CredentialStore interface {
	Create(ctx context.Context, tenantID, name string, scopes []string) (id string, opaque string, err error)
	Revoke(ctx context.Context, tenantID, id, reason string) error
	Rotate(ctx context.Context, tenantID, id string) (opaque string, err error)
}

// Server wires every §6 operation to a gin handler.
type Server struct {
	engine *gin.Engine

	resolver      *tenant.Resolver
	policy        auth.Policy
	issuer        *tokens.Issuer
	vault         *vault.Vault
	synth         *synthcache.Cache
	quota         *billing.Evaluator
	usage         *billing.Recorder
	voiceMgr      *voice.Manager
	pregenJobs    pregen.Queue
	creds         CredentialStore
	agents        AgentLookup
	speech        voice.SpeechProvider
	authenticator Authenticator
	logins        *loginLimiter
}

// Config assembles a Server's dependencies. Authenticator, Creds, Agents,
// PregenJobs and Speech may be left nil: the operations that need them
// return a business_rule error. Policy, Quota and Usage may be left nil: the
// corresponding check or recording is skipped. Resolver, Issuer and Synth
// are used without a nil check, as is VoiceMgr when a streaming session
// begins.
type Config struct {
	Resolver      *tenant.Resolver
	Policy        auth.Policy
	Issuer        *tokens.Issuer
	Vault         *vault.Vault
	Synth         *synthcache.Cache
	Quota         *billing.Evaluator
	Usage         *billing.Recorder
	VoiceMgr      *voice.Manager
	PregenJobs    pregen.Queue
	Creds         CredentialStore
	Agents        AgentLookup
	Speech        voice.SpeechProvider
	Authenticator Authenticator

	// LoginRateLimitPerMinute, MaxFailedLogins, and LockoutMinutes configure
	// the loginLimiter guarding handleIssueToken (auth.* keys, §6). Any value
	// left at zero disables the corresponding check.
	LoginRateLimitPerMinute int
	MaxFailedLogins         int
	LockoutMinutes          int
}

// NewServer constructs a Server and registers every route on a fresh gin
// engine in release-agnostic mode (callers set gin.Mode before calling).
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:        gin.New(),
		resolver:      cfg.Resolver,
		policy:        cfg.Policy,
		issuer:        cfg.Issuer,
		vault:         cfg.Vault,
		synth:         cfg.Synth,
		quota:         cfg.Quota,
		usage:         cfg.Usage,
		voiceMgr:      cfg.VoiceMgr,
		pregenJobs:    cfg.PregenJobs,
		creds:         cfg.Creds,
		agents:        cfg.Agents,
		speech:        cfg.Speech,
		authenticator: cfg.Authenticator,
		logins:        newLoginLimiter(cfg.LoginRateLimitPerMinute, cfg.MaxFailedLogins, cfg.LockoutMinutes),
	}
	s.engine.Use(gin.Recovery(), s.tracingMiddleware())
	s.routes()
	return s
}

// Handler returns the http.Handler to mount behind a listener.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	// Unauthenticated.
	s.engine.POST("/v1/tokens/login", s.handleIssueToken)
	s.engine.POST("/v1/tokens/refresh", s.handleRefreshToken)
	s.engine.GET("/v1/schemas/:operation", s.handleRequestSchema)

	authed := s.engine.Group("/v1")
	authed.Use(s.tenantMiddleware())
	{
		authed.POST("/tokens/revoke", s.requirePermission(permTokenOwn), s.handleRevokeToken)

		authed.POST("/credentials", s.requirePermission(permCredentialAdmin), s.handleCreateCredential)
		authed.POST("/credentials/:id/revoke", s.requirePermission(permCredentialAdmin), s.handleRevokeCredential)
		authed.POST("/credentials/:id/rotate", s.requirePermission(permCredentialAdmin), s.handleRotateCredential)

		authed.GET("/sessions/:id/stream", s.requirePermission(permVoiceSynthesize), s.handleBeginStreamingSession)
		authed.POST("/synthesize", s.requirePermission(permVoiceSynthesize), s.handleSynthesize)
		authed.POST("/synthesize/bulk", s.requirePermission(permVoiceSynthesize), s.handleBulkSynthesize)
		authed.POST("/pregenerate", s.requirePermission(permVoiceSynthesize), s.handlePregenerate)
		authed.POST("/quality/analyze", s.requirePermission(permVoiceSynthesize), s.handleQualityAnalyze)
		authed.GET("/voice/health", s.requirePermission(permVoiceAdmin), s.handleVoiceHealth)
	}
}

// tracingMiddleware starts one span per request, named by route, matching
// the per-operation tracing convention used throughout the rest of the
// module.
func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := o11y.StartSpan(c.Request.Context(), "controlapi."+c.FullPath(), o11y.Attrs{
			"method": c.Request.Method,
		})
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
	}
}

// tenantMiddleware runs the tenant resolver (§4.F) against the bearer
// token, credential hash, or hostname/path slug before any handler body
// runs, and stores the resulting RequestContext on the gin context.
func (s *Server) tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := tenant.Request{
			BearerToken: bearerFrom(c.Request.Header.Get("Authorization")),
			Hostname:    c.Request.Host,
			PathPrefix:  c.Request.URL.Path,
			SourceIP:    sourceIP(c.Request),
		}
		correlationID := c.Request.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		rc, err := s.resolver.Resolve(c.Request.Context(), req, correlationID)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		ctx := tenant.WithRequestContext(c.Request.Context(), rc)
		c.Request = c.Request.WithContext(ctx)
		c.Set("rc", rc)
		c.Next()
	}
}

// requirePermission denies the request unless the resolved principal holds
// perm, either directly or via the permission evaluator's wildcard/
// super-admin rules (§4.E).
func (s *Server) requirePermission(perm auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc, ok := c.MustGet("rc").(*tenant.RequestContext)
		if !ok {
			writeError(c, core.NewError("controlapi.requirePermission", core.ErrUnauthenticated, "no tenant context", nil))
			c.Abort()
			return
		}

		held := make([]auth.Permission, 0, len(rc.Permissions))
		for _, p := range rc.Permissions {
			held = append(held, auth.Permission(p))
		}
		if auth.MatchesAny(held, perm) {
			c.Next()
			return
		}

		if s.policy != nil {
			allowed, err := s.policy.Authorize(c.Request.Context(), rc.PrincipalID, perm, rc.TenantID)
			if err == nil && allowed {
				c.Next()
				return
			}
		}

		writeError(c, core.NewError("controlapi.requirePermission", core.ErrUnauthorized,
			"missing required permission: "+string(perm), nil))
		c.Abort()
	}
}

func bearerFrom(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func sourceIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// writeError maps a core.Error's code to the client-visible HTTP status and
// body shape prescribed by §7's error table. Non-core errors fall back to
// a generic 500.
func writeError(c *gin.Context, err error) {
	code, body := mapError(err)
	c.JSON(code, body)
	_ = c.Error(err)
}

func mapError(err error) (int, gin.H) {
	cerr, ok := err.(*core.Error)
	if !ok {
		return http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()}
	}

	switch cerr.Code {
	case core.ErrValidation:
		return http.StatusBadRequest, gin.H{"error": "validation", "message": cerr.Message}
	case core.ErrUnauthenticated:
		return http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": cerr.Message}
	case core.ErrUnauthorized:
		return http.StatusForbidden, gin.H{"error": "unauthorized", "message": cerr.Message}
	case core.ErrNotFound:
		return http.StatusNotFound, gin.H{"error": "not_found", "message": cerr.Message}
	case core.ErrConflict:
		return http.StatusConflict, gin.H{"error": "conflict", "message": cerr.Message}
	case core.ErrQuotaExceeded:
		return http.StatusTooManyRequests, gin.H{"error": "quota_exceeded", "message": cerr.Message}
	case core.ErrRateLimit:
		return http.StatusTooManyRequests, gin.H{"error": "rate_limit", "message": cerr.Message}
	case core.ErrProviderDown:
		return http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "message": cerr.Message}
	case core.ErrProviderError:
		return http.StatusBadGateway, gin.H{"error": "provider_error", "message": cerr.Message}
	case core.ErrStoreUnavailable:
		return http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": cerr.Message}
	case core.ErrBusinessRule:
		return http.StatusBadRequest, gin.H{"error": "business_rule", "message": cerr.Message}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal_error", "message": cerr.Message}
	}
}

func requestContext(c *gin.Context) *tenant.RequestContext {
	rc, _ := c.MustGet("rc").(*tenant.RequestContext)
	return rc
}
