// Package transport implements the streaming session channel (§4.M): one
// bidirectional framed connection per voice session, JSON control messages,
// hex-in-JSON audio payloads (no binary audio frames are sent),
// per-connection stats, and bounded backpressure on synthesize requests —
// one runs at a time per connection and up to queueBound more wait behind
// it, beyond which a "busy" error is returned instead of queuing
// indefinitely.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lookatitude/voxtenant/core"
	"github.com/lookatitude/voxtenant/o11y"
)

// queueBound is the maximum number of synthesize requests allowed to queue
// behind one in flight before a busy error is returned, per §5.
const queueBound = 2

// Kind identifies a message's shape within the JSON control envelope.
type Kind string

const (
	// Inbound kinds.
	KindSynthesize Kind = "synthesize"
	KindPing       Kind = "ping"
	KindGetStats   Kind = "get-stats"
	KindHangup     Kind = "hangup"

	// Outbound kinds.
	KindConnectionEstablished Kind = "connection-established"
	KindAudioResponse         Kind = "audio-response"
	KindSessionStats          Kind = "session-stats"
	KindPong                  Kind = "pong"
	KindError                 Kind = "error"
)

// CloseReason distinguishes why a connection ended, surfaced via the close
// code/reason on the underlying transport.
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseAgentNotFound
	CloseAuthFailed
	CloseProtocolError
)

var closeCodes = map[CloseReason]int{
	CloseNormal:        websocket.CloseNormalClosure,
	CloseAgentNotFound: 4404,
	CloseAuthFailed:    4401,
	CloseProtocolError: websocket.CloseProtocolError,
}

// Envelope is the JSON control-frame wrapper. Audio bytes travel hex-encoded
// inside Data (see AudioResponse); no binary websocket frames are sent.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SynthesizeRequest is the payload of an inbound "synthesize" message.
type SynthesizeRequest struct {
	Text string `json:"text"`
}

// ConnectionEstablished is the payload of the outbound greeting message.
type ConnectionEstablished struct {
	Session      string   `json:"session"`
	Agent        string   `json:"agent"`
	Capabilities []string `json:"capabilities"`
}

// AudioResponse is the payload of an outbound "audio-response" message. The
// audio is hex-encoded in AudioHex; no separate binary frame follows.
type AudioResponse struct {
	AudioHex string         `json:"audio_hex,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// SessionStats is the payload of an outbound "session-stats" message.
type SessionStats struct {
	MessagesProcessed int64  `json:"messages_processed"`
	ProcessingTimeMS  int64  `json:"cumulative_processing_ms"`
	ConnectedAtUnix   int64  `json:"connected_at_unix"`
	SessionID         string `json:"session_id"`
}

// ErrorPayload is the payload of an outbound "error" message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler is implemented by the voice session manager (§4.L) consuming one
// connection's inbound traffic.
type Handler interface {
	// Synthesize runs one synthesize turn and returns the resulting audio
	// and metadata.
	Synthesize(ctx context.Context, text string) (audio []byte, metadata map[string]any, err error)
	// Hangup tears down the session's state, e.g. marking it completed.
	Hangup(ctx context.Context) error
}

// Stats tracks per-connection counters for the "get-stats" reply. They are
// not persisted or handed to the Handler on disconnect.
type Stats struct {
	mu                sync.Mutex
	ConnectedAt       time.Time
	MessagesProcessed int64
	ProcessingTime    time.Duration
}

func (s *Stats) recordMessage(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessagesProcessed++
	s.ProcessingTime += d
}

func (s *Stats) snapshot() (int64, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MessagesProcessed, s.ProcessingTime
}

// Conn manages one bidirectional session channel.
type Conn struct {
	sessionID string
	agentID   string
	ws        *websocket.Conn
	handler   Handler
	stats     Stats

	writeMu sync.Mutex
	sem     chan struct{} // bounds queued-and-in-flight synthesize calls
	synthMu sync.Mutex    // runs accepted synthesize calls one at a time
	wg      sync.WaitGroup

	terminated bool
	termMu     sync.Mutex
}

// Upgrader wraps gorilla/websocket's upgrader with permissive defaults
// suitable for a control-plane session channel behind an authenticated
// tenant-resolved route.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept upgrades an HTTP request to a session connection and sends the
// connection-established greeting.
func Accept(w http.ResponseWriter, r *http.Request, sessionID, agentID string, capabilities []string, handler Handler) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, core.NewError("transport.Accept", core.ErrValidation, "websocket upgrade failed", err)
	}

	c := &Conn{
		sessionID: sessionID,
		agentID:   agentID,
		ws:        ws,
		handler:   handler,
		sem:       make(chan struct{}, queueBound+1),
		stats:     Stats{ConnectedAt: time.Now().UTC()},
	}

	if err := c.send(KindConnectionEstablished, ConnectionEstablished{
		Session: sessionID, Agent: agentID, Capabilities: capabilities,
	}); err != nil {
		ws.Close()
		return nil, err
	}
	return c, nil
}

// Serve runs the read loop until the connection closes or ctx is done.
// Before returning it performs disconnect cleanup: it marks the connection
// terminated, waits for in-flight synthesize calls, calls handler.Hangup
// once and closes the socket. The per-connection stats are not persisted.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, span := o11y.StartSpan(ctx, "transport.Serve", o11y.Attrs{"session_id": c.sessionID})
	defer span.End()
	defer c.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			c.sendError("protocol-error", "expected a JSON control frame")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("protocol-error", "malformed envelope")
			continue
		}

		if err := c.dispatch(ctx, env); err != nil {
			if err == errHangup {
				return nil
			}
		}
	}
}

var errHangup = core.NewError("transport.dispatch", core.ErrBusinessRule, "client requested hangup", nil)

func (c *Conn) dispatch(ctx context.Context, env Envelope) error {
	switch env.Kind {
	case KindPing:
		return c.send(KindPong, struct{}{})

	case KindGetStats:
		n, dur := c.stats.snapshot()
		return c.send(KindSessionStats, SessionStats{
			MessagesProcessed: n,
			ProcessingTimeMS:  dur.Milliseconds(),
			ConnectedAtUnix:   c.stats.ConnectedAt.Unix(),
			SessionID:         c.sessionID,
		})

	case KindHangup:
		// Marking the connection terminated here makes the deferred cleanup
		// skip its own teardown, so the handler's Hangup runs exactly once.
		c.termMu.Lock()
		c.terminated = true
		c.termMu.Unlock()
		c.wg.Wait()
		if err := c.handler.Hangup(ctx); err != nil {
			c.sendError("business_rule", err.Error())
		}
		c.ws.Close()
		return errHangup

	case KindSynthesize:
		var req SynthesizeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendError("validation", "malformed synthesize request")
			return nil
		}
		// Dispatched off the read loop so a slow synthesize call doesn't
		// block the next inbound frame — the semaphore in handleSynthesize
		// bounds how many are accepted, and synthMu runs them one at a time.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleSynthesize(ctx, req.Text)
		}()
		return nil

	default:
		c.sendError("protocol-error", "unknown message kind")
		return nil
	}
}

func (c *Conn) handleSynthesize(ctx context.Context, text string) error {
	select {
	case c.sem <- struct{}{}:
	default:
		c.sendError("busy", "a synthesize request is already in flight")
		return nil
	}
	defer func() { <-c.sem }()

	c.synthMu.Lock()
	defer c.synthMu.Unlock()

	start := time.Now()
	audio, metadata, err := c.handler.Synthesize(ctx, text)
	c.stats.recordMessage(time.Since(start))

	if err != nil {
		c.sendError("provider_error", err.Error())
		return nil
	}
	return c.send(KindAudioResponse, AudioResponse{
		AudioHex: hexEncode(audio),
		Metadata: metadata,
	})
}

func (c *Conn) sendError(code, msg string) {
	_ = c.send(KindError, ErrorPayload{Code: code, Message: msg})
}

func (c *Conn) send(kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Kind: kind, Data: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, body)
}

func (c *Conn) cleanup(ctx context.Context) {
	c.termMu.Lock()
	if c.terminated {
		c.termMu.Unlock()
		return
	}
	c.terminated = true
	c.termMu.Unlock()

	c.wg.Wait()
	_ = c.handler.Hangup(ctx)
	c.ws.Close()
}

// Close closes the underlying connection with the given reason, mapping it
// to a distinguishing close code per §6.
func (c *Conn) Close(reason CloseReason, msg string) error {
	code, ok := closeCodes[reason]
	if !ok {
		code = websocket.CloseProtocolError
	}
	deadline := time.Now().Add(2 * time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), deadline)
	return c.ws.Close()
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
