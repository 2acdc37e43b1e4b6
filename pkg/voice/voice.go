// Package voice implements the voice session manager (§4.L): a per-call
// state machine that drives the latency-budgeted speech-to-text →
// response-generation → text-to-speech pipeline, persists conversation
// turns, and dispatches lifecycle events through the webhook package.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/internal/hookutil"
	"github.com/lookatitude/voxtenant/o11y"
	"github.com/lookatitude/voxtenant/resilience"
	"github.com/lookatitude/voxtenant/synthcache"
)

// breakerThreshold and breakerCooldown are the default circuit-breaker
// settings for infrastructure failures, per spec.md §7: a provider that
// fails breakerThreshold consecutive calls is short-circuited for
// breakerCooldown before a single probe call is allowed through again.
const (
	breakerThreshold = 5
	breakerCooldown  = 60 * time.Second
)

// State is a voice session's lifecycle state.
type State string

const (
	StateInitiated   State = "initiated"
	StateInProgress  State = "in-progress"
	StateCompleted   State = "completed"
	StateTransferred State = "transferred"
	StateFailed      State = "failed"
	StateAbandoned   State = "abandoned"
)

func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateTransferred, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// Direction is a conversation turn's direction.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TurnType categorizes a conversation turn's content.
type TurnType string

const (
	TurnSpeech     TurnType = "speech"
	TurnSystem     TurnType = "system-event"
	TurnTransfer   TurnType = "transfer"
	TurnSchedule   TurnType = "schedule"
)

// Turn is one conversation-turn record, persisted with a dense monotonic
// sequence number per session.
type Turn struct {
	SessionID      string
	Sequence       int
	Direction      Direction
	Type           TurnType
	Content        string
	AudioRef       string
	ProcessingTime time.Duration
	CreatedAt      time.Time
}

// ReplyResult is the structured-output contract of the language-model turn:
// a tagged record with explicit fields, per §9's design note, never a
// free-form map.
type ReplyResult struct {
	Text              string
	LeadQualified     bool
	NeedsTransfer     bool
	ConversationEnded bool
}

// SpeechProvider performs speech-to-text and text-to-speech. Implementations
// wrap an external provider; provider internals are out of scope.
type SpeechProvider interface {
	Transcribe(ctx context.Context, audio []byte) (transcript string, confidence float64, err error)
	Synthesize(ctx context.Context, text string) (audio []byte, err error)
}

// ReplyProvider generates the agent's reply for a turn.
type ReplyProvider interface {
	Generate(ctx context.Context, transcript string, history []Turn, systemPrompt string) (ReplyResult, error)
}

// Persistence writes conversation turns and session outcomes durably.
type Persistence interface {
	SaveTurn(ctx context.Context, t Turn) error
	SaveOutcome(ctx context.Context, sessionID string, state State, outcome string, duration time.Duration) error
}

// Dispatcher publishes lifecycle events, satisfied by *webhook.Dispatcher.
type Dispatcher interface {
	Publish(ctx context.Context, tenantID, kind string, data any) error
}

// LatencyBudget carries the soft per-stage budgets and the hard total cap
// from the "pipeline-soft-budget-ms" / "total-turn-hard-cap-ms" config keys.
type LatencyBudget struct {
	STT      time.Duration
	LLM      time.Duration
	TTS      time.Duration
	HardCap  time.Duration
}

// DefaultLatencyBudget returns the §6 configuration defaults.
func DefaultLatencyBudget() LatencyBudget {
	return LatencyBudget{
		STT:     50 * time.Millisecond,
		LLM:     100 * time.Millisecond,
		TTS:     80 * time.Millisecond,
		HardCap: 2 * time.Second,
	}
}

// Agent is the per-tenant voice agent configuration (§3).
type Agent struct {
	ID              string
	TenantID        string
	VoiceID         string
	Tuning          string
	Language        string
	SystemPrompt    string
	Greeting        string
	Fallback        string
	AllowTransfer   bool
	AllowScheduling bool
}

// fallbackMessage is the spoken reply emitted on any pipeline failure after
// the greeting, per §7's user-visible failure behavior.
const fallbackMessage = "I'm having trouble processing that — could you repeat?"

// maxRepeatedFailures is the number of same-session pipeline failures after
// which the session transitions to failed instead of issuing another
// fallback message.
const maxRepeatedFailures = 3

// Session is one live call instance.
type Session struct {
	ID         string
	CallerID   string
	Agent      Agent
	TenantID   string
	State      State
	StartedAt  time.Time
	EndedAt    time.Time
	Outcome    string

	mu            sync.Mutex
	sequence      int
	history       []Turn
	failureStreak int
}

// Hooks are optional lifecycle callbacks attached to a Manager. A nil field
// is simply skipped; multiple Hooks values compose in the order given.
type Hooks struct {
	// OnTurnComplete runs after a turn finishes successfully, once any
	// transfer/end state transition it triggered has already happened.
	OnTurnComplete func(ctx context.Context, s *Session)
}

// Manager owns voice sessions and runs the per-turn pipeline.
type Manager struct {
	speech  SpeechProvider
	reply   ReplyProvider
	cache   *synthcache.Cache
	persist Persistence
	events  Dispatcher
	budget  LatencyBudget

	// speechBreaker and replyBreaker gate the speech and language-model
	// providers independently, so a failing STT/TTS vendor doesn't trip the
	// breaker guarding an otherwise healthy reply provider, and vice versa.
	speechBreaker *resilience.CircuitBreaker
	replyBreaker  *resilience.CircuitBreaker

	// synthHedgeDelay is the duplicate-call hedge window for Synthesize; see
	// Config.SynthHedgeDelay.
	synthHedgeDelay time.Duration

	onTurnComplete func(ctx context.Context, s *Session)

	mu       sync.Mutex
	sessions map[string]*Session
}

// Config configures a Manager.
type Config struct {
	Speech      SpeechProvider
	Reply       ReplyProvider
	Cache       *synthcache.Cache
	Persistence Persistence
	Events      Dispatcher
	Budget      LatencyBudget
	Hooks       []Hooks

	// SynthHedgeDelay, if positive, races a duplicate synthesis call against
	// the first once this long has elapsed without a result, taking
	// whichever finishes first (§4.L's per-stage latency budget is a tail-
	// latency target, not just an average one). Zero defaults to half of
	// Budget.TTS, so hedging is off only when that is zero too; a negative
	// value disables hedging and every synthesis call runs once.
	SynthHedgeDelay time.Duration
}

// NewManager constructs a Manager.
func NewManager(cfg Config) *Manager {
	budget := cfg.Budget
	if budget == (LatencyBudget{}) {
		budget = DefaultLatencyBudget()
	}
	hedgeDelay := cfg.SynthHedgeDelay
	if hedgeDelay == 0 && budget.TTS > 0 {
		hedgeDelay = budget.TTS / 2
	}
	return &Manager{
		speech:          cfg.Speech,
		reply:           cfg.Reply,
		cache:           cfg.Cache,
		persist:         cfg.Persistence,
		events:          cfg.Events,
		budget:          budget,
		speechBreaker:   resilience.NewCircuitBreaker(breakerThreshold, breakerCooldown),
		replyBreaker:    resilience.NewCircuitBreaker(breakerThreshold, breakerCooldown),
		synthHedgeDelay: hedgeDelay,
		onTurnComplete: hookutil.ComposeVoid1(cfg.Hooks, func(h Hooks) func(context.Context, *Session) {
			return h.OnTurnComplete
		}),
		sessions: make(map[string]*Session),
	}
}

// circuitErr reports a breaker trip as core.ErrProviderDown (the same code
// used for any other infrastructure failure from this provider), so callers
// already handling "provider unavailable" need no special case for it.
func circuitErr(op string, err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return core.NewError(op, core.ErrProviderDown, "circuit open: provider unavailable", err)
	}
	return err
}

// Begin creates and registers a new session in state initiated, then
// transitions it to in-progress once the caller is ready to exchange turns.
func (m *Manager) Begin(callerID string, agent Agent) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		Agent:     agent,
		TenantID:  agent.TenantID,
		State:     StateInitiated,
		StartedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.State = StateInProgress
	s.mu.Unlock()
	return s
}

// Session looks up a live session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ActiveCount returns the number of sessions currently tracked (i.e. not
// yet in a terminal state), for the voice-health control operation.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ProcessTurn runs one complete turn: STT → reply generation → TTS, each
// stage timed against its soft budget, the whole turn timed against the
// hard cap. On any stage failure (after the greeting has already been
// served) it returns the fallback audio instead of propagating the error,
// unless the session has already failed three times, in which case the
// session transitions to failed.
func (m *Manager) ProcessTurn(ctx context.Context, s *Session, audio []byte) ([]byte, ReplyResult, error) {
	ctx, span := o11y.StartSpan(ctx, "voice.ProcessTurn", o11y.Attrs{"session_id": s.ID})
	defer span.End()

	s.mu.Lock()
	if s.State.terminal() {
		s.mu.Unlock()
		return nil, ReplyResult{}, core.NewError("voice.ProcessTurn", core.ErrBusinessRule, "session already terminal", nil)
	}
	s.mu.Unlock()

	hardCtx, cancel := context.WithTimeout(ctx, m.budget.HardCap)
	defer cancel()

	turnStart := time.Now()
	audioOut, result, err := m.runPipeline(hardCtx, s, audio)
	totalLatency := time.Since(turnStart)

	span.SetAttributes(o11y.Attrs{"total_latency_ms": int64(totalLatency / time.Millisecond)})

	if err != nil {
		span.RecordError(err)
		return m.handleFailure(ctx, s, err)
	}
	if totalLatency > m.budget.HardCap {
		// A late real result raced the hard cap: it is discarded and the
		// fallback is served in its place.
		return m.handleFailure(ctx, s, core.NewError("voice.ProcessTurn", core.ErrTimeout, "turn exceeded hard cap", nil))
	}

	s.mu.Lock()
	s.failureStreak = 0
	s.mu.Unlock()

	if result.NeedsTransfer {
		m.transfer(ctx, s)
	} else if result.ConversationEnded {
		m.End(ctx, s, "completed")
	}

	m.onTurnComplete(ctx, s)

	return audioOut, result, nil
}

func (m *Manager) runPipeline(ctx context.Context, s *Session, audio []byte) ([]byte, ReplyResult, error) {
	sttStart := time.Now()
	transcript, err := m.transcribe(ctx, audio)
	m.logOverage(ctx, "stt", time.Since(sttStart), m.budget.STT)
	if err != nil {
		return nil, ReplyResult{}, circuitErr("voice.runPipeline", err)
	}
	m.appendTurn(ctx, s, DirectionInbound, TurnSpeech, transcript, "", time.Since(sttStart))

	llmStart := time.Now()
	result, err := m.generateReply(ctx, transcript, s.snapshotHistory(), s.Agent.SystemPrompt)
	m.logOverage(ctx, "llm", time.Since(llmStart), m.budget.LLM)
	if err != nil {
		return nil, ReplyResult{}, circuitErr("voice.runPipeline", err)
	}

	ttsStart := time.Now()
	fp := synthcache.Fingerprint(s.Agent.VoiceID, s.Agent.Tuning, s.Agent.Language, result.Text)
	artifact, _, err := m.cache.GetOrBuild(ctx, fp, func(ctx context.Context) (*synthcache.Artifact, error) {
		audioBytes, err := m.synthesize(ctx, result.Text)
		if err != nil {
			return nil, err
		}
		return &synthcache.Artifact{Fingerprint: fp, Audio: audioBytes}, nil
	})
	m.logOverage(ctx, "tts", time.Since(ttsStart), m.budget.TTS)
	if err != nil {
		return nil, ReplyResult{}, circuitErr("voice.runPipeline", err)
	}

	m.appendTurn(ctx, s, DirectionOutbound, TurnSpeech, result.Text, fp, time.Since(llmStart))

	return artifact.Audio, result, nil
}

// transcribe runs SpeechProvider.Transcribe behind the speech circuit
// breaker, reporting failure as core.ErrProviderError.
func (m *Manager) transcribe(ctx context.Context, audio []byte) (string, error) {
	res, err := m.speechBreaker.Execute(ctx, func(ctx context.Context) (any, error) {
		transcript, _, err := m.speech.Transcribe(ctx, audio)
		return transcript, err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", err
		}
		return "", core.NewError("voice.runPipeline", core.ErrProviderError, "transcription failed", err)
	}
	return res.(string), nil
}

// generateReply runs ReplyProvider.Generate behind the reply circuit
// breaker, reporting failure as core.ErrProviderError.
func (m *Manager) generateReply(ctx context.Context, transcript string, history []Turn, systemPrompt string) (ReplyResult, error) {
	res, err := m.replyBreaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return m.reply.Generate(ctx, transcript, history, systemPrompt)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return ReplyResult{}, err
		}
		return ReplyResult{}, core.NewError("voice.runPipeline", core.ErrProviderError, "response generation failed", err)
	}
	return res.(ReplyResult), nil
}

// synthesize runs SpeechProvider.Synthesize behind the speech circuit
// breaker (shared with transcribe, since both exercise the same vendor),
// reporting failure as core.ErrProviderError. When synthHedgeDelay is
// positive, a duplicate call is raced alongside the first once the delay
// elapses, trading one extra vendor call for a bounded tail latency.
func (m *Manager) synthesize(ctx context.Context, text string) ([]byte, error) {
	call := func(ctx context.Context) ([]byte, error) {
		return m.speech.Synthesize(ctx, text)
	}
	res, err := m.speechBreaker.Execute(ctx, func(ctx context.Context) (any, error) {
		if m.synthHedgeDelay <= 0 {
			return call(ctx)
		}
		return resilience.Hedge(ctx, call, call, m.synthHedgeDelay)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		return nil, core.NewError("voice.runPipeline", core.ErrProviderError, "synthesis failed", err)
	}
	return res.([]byte), nil
}

func (m *Manager) logOverage(ctx context.Context, stage string, elapsed, budget time.Duration) {
	if elapsed <= budget {
		return
	}
	logger := o11y.FromContext(ctx)
	if logger != nil {
		logger.Warn(ctx, "pipeline stage exceeded soft budget",
			"stage", stage, "elapsed_ms", elapsed.Milliseconds(), "budget_ms", budget.Milliseconds())
	}
}

func (m *Manager) handleFailure(ctx context.Context, s *Session, cause error) ([]byte, ReplyResult, error) {
	s.mu.Lock()
	s.failureStreak++
	streak := s.failureStreak
	s.mu.Unlock()

	if streak > maxRepeatedFailures {
		m.End(ctx, s, "failed")
		return nil, ReplyResult{}, core.NewError("voice.handleFailure", core.ErrProviderDown, "session failed after repeated errors", cause)
	}

	fallbackAudio, err := m.synthesize(ctx, s.Agent.Fallback)
	if err != nil || len(fallbackAudio) == 0 {
		fallbackAudio = nil
	}
	m.appendTurn(ctx, s, DirectionOutbound, TurnSystem, fallbackMessage, "", 0)

	return fallbackAudio, ReplyResult{Text: fallbackMessage}, nil
}

func (s *Session) snapshotHistory() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

func (m *Manager) appendTurn(ctx context.Context, s *Session, dir Direction, typ TurnType, content, audioRef string, processing time.Duration) {
	s.mu.Lock()
	s.sequence++
	t := Turn{
		SessionID:      s.ID,
		Sequence:       s.sequence,
		Direction:      dir,
		Type:           typ,
		Content:        content,
		AudioRef:       audioRef,
		ProcessingTime: processing,
		CreatedAt:      time.Now().UTC(),
	}
	s.history = append(s.history, t)
	s.mu.Unlock()

	if m.persist != nil {
		if err := m.persist.SaveTurn(ctx, t); err != nil {
			logger := o11y.FromContext(ctx)
			if logger != nil {
				logger.Error(ctx, "failed to persist conversation turn", "session_id", s.ID, "error", err)
			}
		}
	}
}

// transfer moves the session to transferred. The transfer is one-way: no
// further speech stages run, and downstream routing is externalized.
func (m *Manager) transfer(ctx context.Context, s *Session) {
	m.appendTurn(ctx, s, DirectionOutbound, TurnTransfer, "", "", 0)
	m.finish(ctx, s, StateTransferred, "transferred")
}

// End transitions the session to completed (or another terminal state via
// the outcome string) and dispatches session-ended.
func (m *Manager) End(ctx context.Context, s *Session, outcome string) {
	state := StateCompleted
	if outcome == "failed" {
		state = StateFailed
	}
	m.finish(ctx, s, state, outcome)
}

// Abandon marks a session abandoned, e.g. on inactivity timeout or client
// disconnect without an explicit end.
func (m *Manager) Abandon(ctx context.Context, s *Session) {
	m.finish(ctx, s, StateAbandoned, "abandoned")
}

func (m *Manager) finish(ctx context.Context, s *Session, state State, outcome string) {
	s.mu.Lock()
	if s.State.terminal() {
		s.mu.Unlock()
		return
	}
	s.State = state
	s.EndedAt = time.Now().UTC()
	s.Outcome = outcome
	duration := s.EndedAt.Sub(s.StartedAt)
	s.mu.Unlock()

	if m.persist != nil {
		if err := m.persist.SaveOutcome(ctx, s.ID, state, outcome, duration); err != nil {
			logger := o11y.FromContext(ctx)
			if logger != nil {
				logger.Error(ctx, "failed to persist session outcome", "session_id", s.ID, "error", err)
			}
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if m.events != nil {
		kind := "session-ended"
		if state == StateTransferred {
			kind = "session-transferred"
		}
		_ = m.events.Publish(ctx, s.TenantID, kind, map[string]any{
			"session_id": s.ID,
			"agent_id":   s.Agent.ID,
			"outcome":    outcome,
			"duration_ms": duration.Milliseconds(),
		})
	}
}

// String implements fmt.Stringer for State, used in log lines.
func (s State) String() string { return string(s) }
