package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/brooqs/openclaw-voice-server/internal/config"
	"github.com/brooqs/openclaw-voice-server/internal/identity"
)

// OutcomeKind classifies how a session resolved.
type OutcomeKind string

const (
	// OutcomeReply is the one success kind: a run finished and produced text.
	OutcomeReply OutcomeKind = "reply"
	// OutcomePairingRequired means the gateway did not trust this device yet.
	// The whole exchange should be retried once pairing is settled.
	OutcomePairingRequired OutcomeKind = "pairing_required"
	// OutcomeAuthRefused means the connect request was rejected.
	OutcomeAuthRefused OutcomeKind = "auth_refused"
	// OutcomeRemoteError means the gateway reported an error for the run.
	OutcomeRemoteError OutcomeKind = "remote_error"
	// OutcomeTransportError means the socket itself failed.
	OutcomeTransportError OutcomeKind = "transport_error"
	// OutcomeTimeout means no terminal event arrived within the ceiling.
	OutcomeTimeout OutcomeKind = "timeout"
)

// Outcome is the session's single outward-facing result. Every failure kind
// collapses into a short, user-presentable Text so the voice layer always has
// something to speak.
type Outcome struct {
	Kind OutcomeKind
	Text string
}

// Retryable reports whether retrying the whole exchange can succeed without
// operator intervention. Only mid-handshake pairing qualifies: the approved
// identity is expected to pass cleanly on the next attempt.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomePairingRequired
}

// User-presentable resolution texts.
const (
	emptyReplyText      = "The assistant returned an empty reply."
	pairingRetryText    = "Device pairing was just approved. Please try again."
	pairingManualText   = "This device is not paired and remote auto-approval is disabled."
	authRefusedText     = "The gateway refused this device's credentials."
	timeoutText         = "The assistant took too long to respond."
	transportErrorText  = "Could not reach the local gateway."
	clientVersionString = "openclaw-voice-server/1.0"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAwaitingChallenge
	stateAuthenticating
	stateDispatching
	statePolling
	stateTerminal
)

// Session runs one authenticated exchange against the gateway: handshake,
// one agent request, and run tracking until a terminal status. A Session is
// single-use; the surrounding HTTP layer creates one per inbound request.
type Session struct {
	cfg    config.GatewayConfig
	device *identity.Device
	creds  *identity.CredentialStore
	logger *slog.Logger

	conn *websocket.Conn

	state        sessionState
	pendingID    string // at most one request in flight
	credential   string
	pairApproved bool

	run runTracker

	resolveOnce sync.Once
	outcome     Outcome
	resolved    chan struct{}
}

// NewSession creates a session for one exchange.
func NewSession(cfg config.GatewayConfig, device *identity.Device, creds *identity.CredentialStore, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		device:   device,
		creds:    creds,
		logger:   logger.With("component", "gateway-session"),
		state:    stateConnecting,
		resolved: make(chan struct{}),
	}
}

// Exchange submits message text and blocks until the session reaches its one
// terminal state. The timeout ceiling covers the whole session from dial to
// resolution; reaching it force-closes the socket.
func (s *Session) Exchange(ctx context.Context, message string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	deviceToken, err := s.creds.ReadDeviceToken()
	if err != nil {
		s.logger.Warn("device token unreadable, falling back to bootstrap token", "error", err)
	}
	s.credential = deviceToken
	if s.credential == "" {
		s.credential = identity.BootstrapToken()
	}

	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		s.resolve(Outcome{Kind: OutcomeTransportError, Text: transportErrorText})
		return s.outcome
	}
	s.conn = conn
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	s.state = stateAwaitingChallenge
	s.logger.Debug("connected, awaiting challenge", "url", s.cfg.URL)

	// Single-threaded event loop: frames are handled strictly in arrival
	// order, and the context deadline doubles as the session timer.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if s.isResolved() {
				return s.outcome
			}
			if ctx.Err() != nil {
				s.resolve(Outcome{Kind: OutcomeTimeout, Text: timeoutText})
			} else {
				s.logger.Warn("gateway socket error", "error", err)
				s.resolve(Outcome{Kind: OutcomeTransportError, Text: transportErrorText})
			}
			return s.outcome
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			// Malformed frames are logged and skipped; if nothing decodable
			// ever arrives the deadline resolves the session.
			s.logger.Warn("dropping malformed gateway frame", "error", err)
			continue
		}

		s.handleFrame(ctx, message, &f)
		if s.isResolved() {
			return s.outcome
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, message string, f *frame) {
	switch f.Type {
	case "event":
		s.handleEvent(ctx, f)
	case "res":
		if f.ID == "" || f.ID != s.pendingID {
			// Correlation miss: stale or foreign response, never actioned.
			s.logger.Debug("ignoring uncorrelated response", "id", f.ID)
			return
		}
		s.pendingID = ""
		s.handleResponse(ctx, message, f)
	default:
		s.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (s *Session) handleEvent(ctx context.Context, f *frame) {
	switch f.Event {
	case eventChallenge:
		if s.state != stateAwaitingChallenge {
			s.logger.Debug("challenge outside handshake window, ignoring")
			return
		}
		var ch challengePayload
		if err := json.Unmarshal(f.Payload, &ch); err != nil || ch.Nonce == "" {
			s.logger.Warn("challenge event without nonce")
			return
		}
		s.sendConnect(ctx, ch.Nonce)

	case eventPairRequested:
		// Only meaningful before authentication completes.
		if s.state != stateAwaitingChallenge && s.state != stateAuthenticating {
			return
		}
		s.handlePairRequested(ctx, f)

	case eventChat:
		var chat chatPayload
		if err := json.Unmarshal(f.Payload, &chat); err != nil {
			s.logger.Warn("dropping malformed chat event", "error", err)
			return
		}
		s.run.observeChat(&chat)

	default:
		s.logger.Debug("ignoring gateway event", "event", f.Event)
	}
}

// sendConnect signs the challenge and moves to Authenticating. The nonce is
// consumed here; it is never signed twice.
func (s *Session) sendConnect(ctx context.Context, nonce string) {
	attempt := authAttempt{
		DeviceID:   s.device.DeviceID,
		ClientID:   s.cfg.ClientID,
		Mode:       "backend",
		Role:       s.cfg.Role,
		Scopes:     s.cfg.Scopes,
		SignedAtMs: time.Now().UnixMilli(),
		Credential: s.credential,
		Nonce:      nonce,
	}

	params := connectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: clientInfo{
			ID:       s.cfg.ClientID,
			Version:  clientVersionString,
			Platform: "linux",
			Mode:     "backend",
		},
		Role:   s.cfg.Role,
		Scopes: s.cfg.Scopes,
		Auth:   connectAuth{Token: s.credential},
		Device: attempt.sign(s.device),
	}

	s.state = stateAuthenticating
	if err := s.sendRequest(ctx, methodConnect, params); err != nil {
		s.resolve(Outcome{Kind: OutcomeTransportError, Text: transportErrorText})
	}
}

// handlePairRequested auto-approves first-contact pairing, then deliberately
// abandons the socket: a token issued mid-handshake is not safely reusable
// for the request already in flight, so the caller retries fresh.
//
// Auto-approval is an unauthenticated trust decision. It is acceptable only
// because the gateway listens on loopback; beyond loopback it must be
// explicitly enabled.
func (s *Session) handlePairRequested(ctx context.Context, f *frame) {
	requestID := f.RequestID
	if requestID == "" && len(f.Payload) > 0 {
		var p pairRequestedPayload
		if err := json.Unmarshal(f.Payload, &p); err == nil {
			requestID = p.RequestID
		}
	}
	if requestID == "" {
		s.logger.Warn("pairing request without request id, ignoring")
		return
	}

	if !s.cfg.AllowRemotePairing && !isLoopbackURL(s.cfg.URL) {
		s.logger.Warn("refusing pairing auto-approval for non-loopback gateway", "url", s.cfg.URL)
		s.resolve(Outcome{Kind: OutcomePairingRequired, Text: pairingManualText})
		return
	}
	if s.pairApproved {
		return
	}
	s.pairApproved = true

	s.logger.Info("auto-approving device pairing", "request_id", requestID, "device_id", s.device.DeviceID)
	params := pairApproveParams{
		RequestID: requestID,
		Role:      s.cfg.Role,
		Scopes:    s.cfg.Scopes,
	}
	if err := s.sendRequest(ctx, methodPairApprove, params); err != nil {
		s.resolve(Outcome{Kind: OutcomeTransportError, Text: transportErrorText})
		return
	}
	s.pendingID = "" // approval is fire-and-forget
	s.resolve(Outcome{Kind: OutcomePairingRequired, Text: pairingRetryText})
}

func (s *Session) handleResponse(ctx context.Context, message string, f *frame) {
	switch s.state {
	case stateAuthenticating:
		s.handleConnectResponse(ctx, message, f)
	case stateDispatching:
		s.handleAgentResponse(ctx, f)
	case statePolling:
		s.handleWaitResponse(ctx, f)
	default:
		s.logger.Debug("response in unexpected state, ignoring", "state", s.state)
	}
}

func (s *Session) handleConnectResponse(ctx context.Context, message string, f *frame) {
	if !f.ok() {
		msg := authRefusedText
		if f.Error != nil && f.Error.Message != "" {
			msg = fmt.Sprintf("Gateway authentication failed: %s", f.Error.Message)
		}
		s.resolve(Outcome{Kind: OutcomeAuthRefused, Text: msg})
		return
	}

	var res connectResult
	if err := json.Unmarshal(f.body(), &res); err == nil {
		if tok := res.deviceToken(); tok != "" && tok != s.credential {
			// Persist before dispatching: the rotated token must survive even
			// if this session dies mid-run.
			if err := s.creds.WriteDeviceToken(tok); err != nil {
				s.logger.Error("failed to persist rotated device token", "error", err)
			} else {
				s.logger.Info("device token rotated")
				s.credential = tok
			}
		}
	}

	s.state = stateDispatching
	params := agentParams{
		Message:        message,
		AgentID:        s.cfg.AgentID,
		SessionKey:     s.cfg.SessionKey,
		IdempotencyKey: uuid.NewString(),
	}
	if err := s.sendRequest(ctx, methodAgent, params); err != nil {
		s.resolve(Outcome{Kind: OutcomeTransportError, Text: transportErrorText})
	}
}

func (s *Session) handleAgentResponse(ctx context.Context, f *frame) {
	if !f.ok() {
		s.resolve(Outcome{Kind: OutcomeRemoteError, Text: remoteErrorText(f.Error)})
		return
	}

	var res agentResult
	if err := json.Unmarshal(f.body(), &res); err != nil {
		s.logger.Warn("undecodable agent response", "error", err)
		return
	}

	if res.inProgress() && res.RunID != "" {
		s.run.track(res.RunID)
		s.state = statePolling
		s.sendWait(ctx)
		return
	}
	if res.failed() {
		s.resolve(Outcome{Kind: OutcomeRemoteError, Text: remoteErrorText(f.Error)})
		return
	}
	if res.ended() {
		s.resolve(Outcome{Kind: OutcomeReply, Text: s.run.reply()})
		return
	}
	s.resolve(Outcome{Kind: OutcomeRemoteError, Text: fmt.Sprintf("Gateway returned unexpected run status %q.", res.Status)})
}

func (s *Session) handleWaitResponse(ctx context.Context, f *frame) {
	if !f.ok() {
		s.resolve(Outcome{Kind: OutcomeRemoteError, Text: remoteErrorText(f.Error)})
		return
	}

	var res agentResult
	if err := json.Unmarshal(f.body(), &res); err != nil {
		s.logger.Warn("undecodable wait response", "error", err)
		return
	}

	if res.failed() {
		s.resolve(Outcome{Kind: OutcomeRemoteError, Text: remoteErrorText(f.Error)})
		return
	}
	if res.ended() {
		// Completion is authoritative even when the streaming channel never
		// delivered a final chunk.
		s.resolve(Outcome{Kind: OutcomeReply, Text: s.run.reply()})
		return
	}
	// Run still in flight: poll again. Each poll carries a fresh id.
	s.sendWait(ctx)
}

func (s *Session) sendWait(ctx context.Context) {
	if err := s.sendRequest(ctx, methodAgentWait, agentWaitParams{RunID: s.run.runID}); err != nil {
		s.resolve(Outcome{Kind: OutcomeTransportError, Text: transportErrorText})
	}
}

// sendRequest writes one req frame with a fresh id and records it as the
// single outstanding request.
func (s *Session) sendRequest(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	id := uuid.NewString()
	req := frame{Type: "req", ID: id, Method: method, Params: raw}
	if err := wsjson.Write(ctx, s.conn, &req); err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}
	s.pendingID = id
	return nil
}

// resolve records the terminal outcome. It is a no-op after the first call:
// the outward result fires exactly once no matter how many events follow.
func (s *Session) resolve(o Outcome) {
	s.resolveOnce.Do(func() {
		s.state = stateTerminal
		s.outcome = o
		close(s.resolved)
		s.logger.Info("session resolved", "kind", string(o.Kind))
	})
}

func (s *Session) isResolved() bool {
	select {
	case <-s.resolved:
		return true
	default:
		return false
	}
}

func remoteErrorText(e *wireError) string {
	if e == nil {
		return "The gateway reported an error."
	}
	if e.Code != "" {
		return fmt.Sprintf("Gateway error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("Gateway error: %s", e.Message)
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
