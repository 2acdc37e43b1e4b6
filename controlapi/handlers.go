package controlapi

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lookatitude/voxtenant/auth"
	"github.com/lookatitude/voxtenant/billing"
	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/internal/jsonutil"
	"github.com/lookatitude/voxtenant/pregen"
	"github.com/lookatitude/voxtenant/synthcache"
	"github.com/lookatitude/voxtenant/tenant"
	"github.com/lookatitude/voxtenant/tokens"
	"github.com/lookatitude/voxtenant/transport"
	voice "github.com/lookatitude/voxtenant/pkg/voice"
)

// Authenticator verifies tenant-scoped login credentials, the missing piece
// "issue token (login)" needs that the token issuer itself does not own:
// the issuer only mints/validates already-authenticated identity.
type Authenticator interface {
	Authenticate(tenantSlug, username, password string) (principalID string, permissions []string, err error)
}

type loginRequest struct {
	TenantSlug string `json:"tenant_slug" binding:"required"`
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewError("controlapi.handleIssueToken", core.ErrValidation, err.Error(), nil))
		return
	}
	if s.authenticator == nil {
		writeError(c, core.NewError("controlapi.handleIssueToken", core.ErrBusinessRule, "no authenticator configured", nil))
		return
	}

	if err := s.logins.allow(c.Request.Context(), req.TenantSlug); err != nil {
		writeError(c, err)
		return
	}

	if s.logins.lockedOut(req.TenantSlug, req.Username) {
		writeError(c, core.NewError("controlapi.handleIssueToken", core.ErrUnauthenticated, "account temporarily locked after repeated failed logins", nil))
		return
	}

	principalID, permissions, err := s.authenticator.Authenticate(req.TenantSlug, req.Username, req.Password)
	if err != nil {
		s.logins.recordFailure(req.TenantSlug, req.Username)
		writeError(c, core.NewError("controlapi.handleIssueToken", core.ErrUnauthenticated, "invalid credentials", err))
		return
	}
	s.logins.recordSuccess(req.TenantSlug, req.Username)

	sessionID := uuid.NewString()
	access, err := s.issuer.IssueAccess(req.TenantSlug, principalID, sessionID, permissions)
	if err != nil {
		writeError(c, err)
		return
	}
	refresh, err := s.issuer.IssueRefresh(req.TenantSlug, principalID, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"permissions":   permissions,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) handleRefreshToken(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewError("controlapi.handleRefreshToken", core.ErrValidation, err.Error(), nil))
		return
	}

	claims, err := s.issuer.Validate(c.Request.Context(), req.RefreshToken, tokens.TypeRefresh)
	if err != nil {
		writeError(c, err)
		return
	}

	access, err := s.issuer.Refresh(c.Request.Context(), req.RefreshToken, claims.Permissions)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": access})
}

type revokeTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	var req revokeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewError("controlapi.handleRevokeToken", core.ErrValidation, err.Error(), nil))
		return
	}

	claims, err := s.issuer.Validate(c.Request.Context(), req.Token, "")
	if err != nil {
		writeError(c, err)
		return
	}

	rc := requestContext(c)
	if claims.PrincipalID != rc.PrincipalID && !auth.MatchesAny(permsOf(rc), permTokenOwn) {
		writeError(c, core.NewError("controlapi.handleRevokeToken", core.ErrUnauthorized, "cannot revoke another principal's token", nil))
		return
	}

	if err := s.issuer.Revoke(c.Request.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createCredentialRequest struct {
	Name   string   `json:"name" binding:"required"`
	Scopes []string `json:"scopes" binding:"required,min=1"`
}

func (s *Server) handleCreateCredential(c *gin.Context) {
	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewError("controlapi.handleCreateCredential", core.ErrValidation, err.Error(), nil))
		return
	}
	rc := requestContext(c)

	if s.creds == nil {
		writeError(c, core.NewError("controlapi.handleCreateCredential", core.ErrBusinessRule, "no credential store configured", nil))
		return
	}
	id, opaque, err := s.creds.Create(c.Request.Context(), rc.TenantID, req.Name, req.Scopes)
	if err != nil {
		writeError(c, err)
		return
	}
	// The opaque secret is shown exactly once, per §3's API-credential entity.
	c.JSON(http.StatusCreated, gin.H{"id": id, "credential": opaque})
}

func (s *Server) handleRevokeCredential(c *gin.Context) {
	rc := requestContext(c)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if s.creds == nil {
		writeError(c, core.NewError("controlapi.handleRevokeCredential", core.ErrBusinessRule, "no credential store configured", nil))
		return
	}
	if err := s.creds.Revoke(c.Request.Context(), rc.TenantID, c.Param("id"), body.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRotateCredential(c *gin.Context) {
	rc := requestContext(c)
	if s.creds == nil {
		writeError(c, core.NewError("controlapi.handleRotateCredential", core.ErrBusinessRule, "no credential store configured", nil))
		return
	}
	opaque, err := s.creds.Rotate(c.Request.Context(), rc.TenantID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": opaque})
}

// voiceSessionHandler adapts the voice session manager to transport.Handler
// for one connection, routing each "synthesize" frame's text through the
// conversational pipeline instead of a bare TTS call.
type voiceSessionHandler struct {
	mgr     *voice.Manager
	session *voice.Session
}

func (h *voiceSessionHandler) Synthesize(ctx context.Context, text string) ([]byte, map[string]any, error) {
	audio, result, err := h.mgr.ProcessTurn(ctx, h.session, []byte(text))
	if err != nil {
		return nil, nil, err
	}
	return audio, map[string]any{
		"lead_qualified":     result.LeadQualified,
		"needs_transfer":     result.NeedsTransfer,
		"conversation_ended": result.ConversationEnded,
	}, nil
}

func (h *voiceSessionHandler) Hangup(ctx context.Context) error {
	h.mgr.Abandon(ctx, h.session)
	return nil
}

type notFoundHandler struct{ err error }

func (h notFoundHandler) Synthesize(context.Context, string) ([]byte, map[string]any, error) {
	return nil, nil, h.err
}
func (notFoundHandler) Hangup(context.Context) error { return nil }

// handleBeginStreamingSession upgrades the connection to the streaming
// transport (§4.M) for an existing or newly begun voice session, closing
// with a reason if the agent cannot be found.
func (s *Server) handleBeginStreamingSession(c *gin.Context) {
	rc := requestContext(c)
	sessionID := c.Param("id")
	agentID := c.Query("agent_id")
	if agentID == "" {
		writeError(c, core.NewError("controlapi.handleBeginStreamingSession", core.ErrValidation, "agent_id is required", nil))
		return
	}

	agent, err := s.lookupAgent(c.Request.Context(), rc.TenantID, agentID)
	if err != nil {
		conn, acceptErr := transport.Accept(c.Writer, c.Request, sessionID, agentID, nil, notFoundHandler{err: err})
		if acceptErr == nil {
			_ = conn.Close(transport.CloseAgentNotFound, "agent not found")
		}
		writeError(c, err)
		return
	}

	session := s.voiceMgr.Begin(c.Query("caller_id"), agent)
	conn, err := transport.Accept(c.Writer, c.Request, session.ID, agentID,
		[]string{"synthesize", "ping", "get-stats", "hangup"},
		&voiceSessionHandler{mgr: s.voiceMgr, session: session})
	if err != nil {
		writeError(c, err)
		return
	}
	_ = conn.Serve(c.Request.Context())
}

type synthesizeRequest struct {
	Text     string `json:"text" binding:"required"`
	AgentID  string `json:"agent_id" binding:"required"`
	Language string `json:"language"`
	Format   string `json:"format"`
}

func (s *Server) handleSynthesize(c *gin.Context) {
	var req synthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewError("controlapi.handleSynthesize", core.ErrValidation, err.Error(), nil))
		return
	}
	rc := requestContext(c)

	agent, err := s.lookupAgent(c.Request.Context(), rc.TenantID, req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}

	if s.quota != nil {
		decision, err := s.quota.Evaluate(c.Request.Context(), rc.TenantID, rc.Tier, billing.MetricSynthesisChars, float64(len(req.Text)))
		if err != nil {
			writeError(c, err)
			return
		}
		if !decision.Allowed {
			writeError(c, billing.QuotaExceededError("controlapi.handleSynthesize", decision))
			return
		}
	}

	start := time.Now()
	fp := synthcache.Fingerprint(agent.VoiceID, agent.Tuning, req.Language, req.Text)
	artifact, hit, err := s.synth.GetOrBuild(c.Request.Context(), fp, func(ctx context.Context) (*synthcache.Artifact, error) {
		if s.speech == nil {
			return nil, core.NewError("controlapi.handleSynthesize", core.ErrBusinessRule, "no speech provider bound", nil)
		}
		audio, err := s.speech.Synthesize(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		return &synthcache.Artifact{Fingerprint: fp, Audio: audio}, nil
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if s.usage != nil {
		_, _ = s.usage.RecordUsage(c.Request.Context(), rc.TenantID, billing.MetricSynthesisChars,
			ratFromInt(len(req.Text)), false)
	}

	c.JSON(http.StatusOK, gin.H{
		"audio_hex":   hexEncodeString(artifact.Audio),
		"cache_hit":   hit,
		"elapsed_ms":  time.Since(start).Milliseconds(),
		"fingerprint": fp,
	})
}

type bulkSynthesizeRequest struct {
	Texts      []string `json:"texts" binding:"required,min=1"`
	AgentID    string   `json:"agent_id" binding:"required"`
	Language   string   `json:"language"`
	Background bool     `json:"background"`
}

func (s *Server) handleBulkSynthesize(c *gin.Context) {
	var req bulkSynthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewError("controlapi.handleBulkSynthesize", core.ErrValidation, err.Error(), nil))
		return
	}
	rc := requestContext(c)
	agent, err := s.lookupAgent(c.Request.Context(), rc.TenantID, req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}

	if req.Background {
		jobID := uuid.NewString()
		job := &pregen.Job{ID: jobID, TenantID: rc.TenantID, AgentID: req.AgentID,
			VoiceID: agent.VoiceID, Tuning: agent.Tuning, Language: req.Language, Texts: req.Texts}
		if err := s.enqueuePregenJob(c.Request.Context(), job); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
		return
	}

	results := make([]gin.H, 0, len(req.Texts))
	for _, text := range req.Texts {
		fp := synthcache.Fingerprint(agent.VoiceID, agent.Tuning, req.Language, text)
		artifact, hit, err := s.synth.Get(c.Request.Context(), fp)
		if err != nil || !hit {
			results = append(results, gin.H{"text": text, "error": "not cached"})
			continue
		}
		results = append(results, gin.H{"text": text, "audio_hex": hexEncodeString(artifact.Audio), "cache_hit": true})
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type pregenerateRequest struct {
	AgentID     string   `json:"agent_id" binding:"required"`
	Language    string   `json:"language"`
	CustomTexts []string `json:"custom_texts"`
}

func (s *Server) handlePregenerate(c *gin.Context) {
	var req pregenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewError("controlapi.handlePregenerate", core.ErrValidation, err.Error(), nil))
		return
	}
	rc := requestContext(c)
	agent, err := s.lookupAgent(c.Request.Context(), rc.TenantID, req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}

	jobID := uuid.NewString()
	job := &pregen.Job{ID: jobID, TenantID: rc.TenantID, AgentID: req.AgentID,
		VoiceID: agent.VoiceID, Tuning: agent.Tuning, Language: req.Language, Texts: req.CustomTexts}
	if err := s.enqueuePregenJob(c.Request.Context(), job); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// qualityAnalyzeRequest analyzes a candidate text's synthesis quality risk.
// This operation is named in §6 without an owning component in §4; it is a
// thin scorer layered over the same agent configuration synthesis uses.
type qualityAnalyzeRequest struct {
	Text      string `json:"text" binding:"required"`
	AgentID   string `json:"agent_id" binding:"required"`
	Threshold int    `json:"threshold"`
}

func (s *Server) handleQualityAnalyze(c *gin.Context) {
	var req qualityAnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, core.NewError("controlapi.handleQualityAnalyze", core.ErrValidation, err.Error(), nil))
		return
	}
	if req.Threshold <= 0 {
		req.Threshold = 200
	}

	length := len(req.Text)
	score := 100
	var recommendations, alternatives []string

	if length > req.Threshold {
		overBy := length - req.Threshold
		score -= minInt(overBy/10, 60)
		recommendations = append(recommendations, "split into shorter sentences to stay under the agent's synthesis threshold")
		alternatives = append(alternatives, truncateAtSentence(req.Text, req.Threshold))
	}
	if hasRepeatedPunctuation(req.Text) {
		score -= 10
		recommendations = append(recommendations, "remove repeated punctuation, which can produce unnatural prosody")
	}
	if score < 0 {
		score = 0
	}

	for len(alternatives) < 3 && length > 0 {
		divisor := len(alternatives) + 1
		alternatives = append(alternatives, truncateAtSentence(req.Text, req.Threshold/divisor))
	}

	c.JSON(http.StatusOK, gin.H{
		"score":           score,
		"recommendations": recommendations,
		"alternatives":    alternatives[:minInt(len(alternatives), 3)],
	})
}

// requestSchemas maps the :operation path parameter accepted by
// handleRequestSchema to the request body type integrators need a schema
// for. Kept separate from the route table so adding an operation here is a
// one-line change.
var requestSchemas = map[string]any{
	"synthesize":        synthesizeRequest{},
	"synthesize-bulk":   bulkSynthesizeRequest{},
	"pregenerate":       pregenerateRequest{},
	"quality-analyze":   qualityAnalyzeRequest{},
	"credential-create": createCredentialRequest{},
}

// handleRequestSchema publishes the JSON Schema of a request body so
// integrators can validate client-side instead of hand-maintaining a
// duplicate schema alongside the Go struct.
func (s *Server) handleRequestSchema(c *gin.Context) {
	op := c.Param("operation")
	sample, ok := requestSchemas[op]
	if !ok {
		writeError(c, core.NewError("controlapi.handleRequestSchema", core.ErrNotFound, "unknown operation: "+op, nil))
		return
	}
	c.JSON(http.StatusOK, jsonutil.GenerateSchema(sample))
}

func truncateAtSentence(text string, limit int) string {
	if limit <= 0 || limit >= len(text) {
		return text
	}
	cut := text[:limit]
	for i := len(cut) - 1; i >= 0; i-- {
		if cut[i] == '.' || cut[i] == '!' || cut[i] == '?' {
			return cut[:i+1]
		}
	}
	return cut
}

func hasRepeatedPunctuation(text string) bool {
	for i := 1; i < len(text); i++ {
		if (text[i] == '!' || text[i] == '?' || text[i] == '.') && text[i] == text[i-1] {
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// handleVoiceHealth reports component statuses, active session count, and
// latency stats, restricted to tenant admins per §6's auth column.
func (s *Server) handleVoiceHealth(c *gin.Context) {
	rc := requestContext(c)
	active := 0
	if s.voiceMgr != nil {
		active = s.voiceMgr.ActiveCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":       rc.TenantID,
		"active_sessions": active,
		"components": gin.H{
			"synthesis_cache": "ok",
			"pregen_queue":    "ok",
		},
	})
}

func permsOf(rc *tenant.RequestContext) []auth.Permission {
	out := make([]auth.Permission, 0, len(rc.Permissions))
	for _, p := range rc.Permissions {
		out = append(out, auth.Permission(p))
	}
	return out
}

func hexEncodeString(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

func ratFromInt(n int) *big.Rat {
	return new(big.Rat).SetInt64(int64(n))
}

func (s *Server) lookupAgent(ctx context.Context, tenantID, agentID string) (voice.Agent, error) {
	if s.agents == nil {
		return voice.Agent{}, core.NewError("controlapi.lookupAgent", core.ErrBusinessRule, "no agent lookup configured", nil)
	}
	return s.agents.AgentByID(ctx, tenantID, agentID)
}

func (s *Server) enqueuePregenJob(ctx context.Context, job *pregen.Job) error {
	if s.pregenJobs == nil {
		return core.NewError("controlapi.enqueuePregenJob", core.ErrBusinessRule, "no pregen queue configured", nil)
	}
	return s.pregenJobs.Enqueue(ctx, job)
}
