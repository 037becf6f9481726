package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brooqs/openclaw-voice-server/internal/config"
	"github.com/brooqs/openclaw-voice-server/internal/identity"
)

// recorder collects observations made inside the fake gateway handler so the
// test goroutine can assert on them after Exchange returns.
type recorder struct {
	mu      sync.Mutex
	methods []string
	notes   map[string]string
	err     error
}

func newRecorder() *recorder {
	return &recorder{notes: map[string]string{}}
}

func (r *recorder) addMethod(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, m)
}

func (r *recorder) note(k, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[k] = v
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *recorder) snapshot() ([]string, map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	methods := append([]string(nil), r.methods...)
	notes := map[string]string{}
	for k, v := range r.notes {
		notes[k] = v
	}
	return methods, notes, r.err
}

type gatewayScript func(ctx context.Context, c *websocket.Conn, rec *recorder) error

// startGateway runs a scripted fake gateway and returns its ws:// URL.
func startGateway(t *testing.T, rec *recorder, script gatewayScript) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			rec.setErr(err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "script done")
		if err := script(r.Context(), c, rec); err != nil {
			rec.setErr(err)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestSession(t *testing.T, url string, timeout time.Duration) (*Session, *identity.CredentialStore) {
	t.Helper()
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "boot-tok")

	dir := t.TempDir()
	dev, err := identity.NewStore(dir).LoadOrCreate()
	require.NoError(t, err)
	creds := identity.NewCredentialStore(dir)

	cfg := config.GatewayConfig{
		URL:        url,
		ClientID:   "voice-bridge",
		AgentID:    "main",
		SessionKey: "agent:main:main",
		Role:       "operator",
		Scopes:     []string{"operator.read", "operator.write"},
		Timeout:    timeout,
	}
	return NewSession(cfg, dev, creds, nil), creds
}

func readClientFrame(ctx context.Context, c *websocket.Conn, rec *recorder) (*frame, error) {
	var f frame
	if err := wsjson.Read(ctx, c, &f); err != nil {
		return nil, err
	}
	if f.Method != "" {
		rec.addMethod(f.Method)
	}
	return &f, nil
}

func writeEvent(ctx context.Context, c *websocket.Conn, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, c, &frame{Type: "event", Event: event, Payload: raw})
}

func writeRes(ctx context.Context, c *websocket.Conn, id string, ok bool, body any, werr *wireError) error {
	f := frame{Type: "res", ID: id, OK: &ok, Error: werr}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		f.Payload = raw
	}
	return wsjson.Write(ctx, c, &f)
}

// verifyAttestation checks the device signature inside a connect request the
// way the real gateway would.
func verifyAttestation(p *connectParams) error {
	if p.Device == nil {
		return fmt.Errorf("connect carries no device attestation")
	}
	pub, err := base64.RawURLEncoding.DecodeString(p.Device.PublicKey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(p.Device.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	attempt := authAttempt{
		DeviceID:   p.Device.ID,
		ClientID:   p.Client.ID,
		Mode:       p.Client.Mode,
		Role:       p.Role,
		Scopes:     p.Scopes,
		SignedAtMs: p.Device.SignedAt,
		Credential: p.Auth.Token,
		Nonce:      p.Device.Nonce,
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(attempt.signingString()), sig) {
		return fmt.Errorf("device signature does not verify")
	}
	return nil
}

func TestExchange_HappyPath(t *testing.T) {
	rec := newRecorder()
	var creds *identity.CredentialStore

	url := startGateway(t, rec, func(ctx context.Context, c *websocket.Conn, rec *recorder) error {
		if err := writeEvent(ctx, c, eventChallenge, challengePayload{Nonce: "abc123", TS: time.Now().UnixMilli()}); err != nil {
			return err
		}

		f, err := readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		var cp connectParams
		if err := json.Unmarshal(f.Params, &cp); err != nil {
			return err
		}
		if err := verifyAttestation(&cp); err != nil {
			return err
		}
		rec.note("connectCredential", cp.Auth.Token)
		if err := writeRes(ctx, c, f.ID, true, map[string]any{
			"protocol": 3,
			"auth":     map[string]any{"deviceToken": "dev-tok-1"},
		}, nil); err != nil {
			return err
		}

		f, err = readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		if f.Method != methodAgent {
			return fmt.Errorf("expected agent request, got %s", f.Method)
		}
		var ap agentParams
		if err := json.Unmarshal(f.Params, &ap); err != nil {
			return err
		}
		rec.note("agentMessage", ap.Message)
		rec.note("idempotencyKey", ap.IdempotencyKey)
		// The rotated token must already be durable when the work request
		// arrives.
		tok, err := creds.ReadDeviceToken()
		if err != nil {
			return err
		}
		rec.note("tokenAtDispatch", tok)

		// An uncorrelated response must be ignored, not actioned.
		if err := writeRes(ctx, c, "bogus-id", false, nil, &wireError{Code: "NOPE", Message: "stray"}); err != nil {
			return err
		}
		// So must undecodable junk.
		if err := c.Write(ctx, websocket.MessageText, []byte("not json at all")); err != nil {
			return err
		}
		if err := writeRes(ctx, c, f.ID, true, agentResult{RunID: "r1", Status: "queued"}, nil); err != nil {
			return err
		}

		f, err = readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		if f.Method != methodAgentWait {
			return fmt.Errorf("expected agent.wait after queued status, got %s", f.Method)
		}
		var wp agentWaitParams
		if err := json.Unmarshal(f.Params, &wp); err != nil {
			return err
		}
		rec.note("waitRunID", wp.RunID)

		if err := writeEvent(ctx, c, eventChat, map[string]any{
			"state": "final",
			"runId": "r1",
			"message": map[string]any{
				"role":    "assistant",
				"content": []map[string]any{{"type": "text", "text": "Hello there"}},
			},
		}); err != nil {
			return err
		}
		return writeRes(ctx, c, f.ID, true, agentResult{RunID: "r1", Status: "ok", EndedAt: time.Now().UnixMilli()}, nil)
	})

	var session *Session
	session, creds = newTestSession(t, url, 5*time.Second)

	outcome := session.Exchange(context.Background(), "hi there")

	require.Equal(t, OutcomeReply, outcome.Kind)
	assert.Equal(t, "Hello there", outcome.Text)
	assert.False(t, outcome.Retryable())

	methods, notes, err := rec.snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{methodConnect, methodAgent, methodAgentWait}, methods)
	assert.Equal(t, "boot-tok", notes["connectCredential"])
	assert.Equal(t, "dev-tok-1", notes["tokenAtDispatch"])
	assert.Equal(t, "hi there", notes["agentMessage"])
	assert.Equal(t, "r1", notes["waitRunID"])
	assert.NotEmpty(t, notes["idempotencyKey"])

	// The rotated token supersedes the bootstrap credential for the next
	// session from this identity.
	tok, err := creds.ReadDeviceToken()
	require.NoError(t, err)
	assert.Equal(t, "dev-tok-1", tok)
}

func TestExchange_EmptyReplySentinel(t *testing.T) {
	rec := newRecorder()
	url := startGateway(t, rec, func(ctx context.Context, c *websocket.Conn, rec *recorder) error {
		if err := writeEvent(ctx, c, eventChallenge, challengePayload{Nonce: "n-1"}); err != nil {
			return err
		}
		f, err := readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		if err := writeRes(ctx, c, f.ID, true, map[string]any{}, nil); err != nil {
			return err
		}
		f, err = readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		if err := writeRes(ctx, c, f.ID, true, agentResult{RunID: "r2", Status: "queued"}, nil); err != nil {
			return err
		}
		f, err = readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		// Run ends without any chat content ever streaming.
		return writeRes(ctx, c, f.ID, true, agentResult{RunID: "r2", Status: "ok", EndedAt: time.Now().UnixMilli()}, nil)
	})

	session, _ := newTestSession(t, url, 5*time.Second)
	outcome := session.Exchange(context.Background(), "hi")

	require.Equal(t, OutcomeReply, outcome.Kind)
	assert.Equal(t, emptyReplyText, outcome.Text)
}

func TestExchange_PairingAutoApprove(t *testing.T) {
	rec := newRecorder()
	url := startGateway(t, rec, func(ctx context.Context, c *websocket.Conn, rec *recorder) error {
		// Unknown device: the gateway opens with a pairing request instead
		// of letting the handshake proceed.
		if err := writeEvent(ctx, c, eventPairRequested, pairRequestedPayload{RequestID: "pr-1"}); err != nil {
			return err
		}

		f, err := readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		if f.Method != methodPairApprove {
			return fmt.Errorf("expected pair approval, got %s", f.Method)
		}
		var pp pairApproveParams
		if err := json.Unmarshal(f.Params, &pp); err != nil {
			return err
		}
		rec.note("approvedRequestID", pp.RequestID)
		rec.note("approvedRole", pp.Role)

		// The client must abandon the socket now; any further frame would be
		// a protocol violation.
		readCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if extra, err := readClientFrame(readCtx, c, rec); err == nil {
			return fmt.Errorf("client sent %q after pairing approval", extra.Method)
		}
		return nil
	})

	session, _ := newTestSession(t, url, 5*time.Second)
	outcome := session.Exchange(context.Background(), "hi")

	require.Equal(t, OutcomePairingRequired, outcome.Kind)
	assert.True(t, outcome.Retryable())
	assert.Equal(t, pairingRetryText, outcome.Text)

	methods, notes, err := rec.snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{methodPairApprove}, methods, "exactly one approval, no work request")
	assert.Equal(t, "pr-1", notes["approvedRequestID"])
	assert.Equal(t, "operator", notes["approvedRole"])
}

func TestExchange_AuthRefused(t *testing.T) {
	rec := newRecorder()
	url := startGateway(t, rec, func(ctx context.Context, c *websocket.Conn, rec *recorder) error {
		if err := writeEvent(ctx, c, eventChallenge, challengePayload{Nonce: "n-2"}); err != nil {
			return err
		}
		f, err := readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		return writeRes(ctx, c, f.ID, false, nil, &wireError{Code: "UNAUTHORIZED", Message: "bad token"})
	})

	session, _ := newTestSession(t, url, 5*time.Second)
	outcome := session.Exchange(context.Background(), "hi")

	require.Equal(t, OutcomeAuthRefused, outcome.Kind)
	assert.Contains(t, outcome.Text, "bad token")

	methods, _, err := rec.snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{methodConnect}, methods, "no work request after refused auth")
}

func TestExchange_RemoteErrorDuringDispatch(t *testing.T) {
	rec := newRecorder()
	url := startGateway(t, rec, func(ctx context.Context, c *websocket.Conn, rec *recorder) error {
		if err := writeEvent(ctx, c, eventChallenge, challengePayload{Nonce: "n-3"}); err != nil {
			return err
		}
		f, err := readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		if err := writeRes(ctx, c, f.ID, true, map[string]any{}, nil); err != nil {
			return err
		}
		f, err = readClientFrame(ctx, c, rec)
		if err != nil {
			return err
		}
		return writeRes(ctx, c, f.ID, false, nil, &wireError{Code: "AGENT_FAILED", Message: "boom"})
	})

	session, _ := newTestSession(t, url, 5*time.Second)
	outcome := session.Exchange(context.Background(), "hi")

	require.Equal(t, OutcomeRemoteError, outcome.Kind)
	assert.Contains(t, outcome.Text, "AGENT_FAILED")
	assert.Contains(t, outcome.Text, "boom")
}

func TestExchange_Timeout(t *testing.T) {
	rec := newRecorder()
	url := startGateway(t, rec, func(ctx context.Context, c *websocket.Conn, rec *recorder) error {
		// Say nothing; the client's ceiling must fire and close the socket.
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return nil
			}
		}
	})

	session, _ := newTestSession(t, url, 300*time.Millisecond)
	start := time.Now()
	outcome := session.Exchange(context.Background(), "hi")

	require.Equal(t, OutcomeTimeout, outcome.Kind)
	assert.Equal(t, timeoutText, outcome.Text)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExchange_TransportError(t *testing.T) {
	rec := newRecorder()
	url := startGateway(t, rec, func(ctx context.Context, c *websocket.Conn, rec *recorder) error {
		return c.Close(websocket.StatusInternalError, "going away")
	})

	session, _ := newTestSession(t, url, 5*time.Second)
	outcome := session.Exchange(context.Background(), "hi")

	require.Equal(t, OutcomeTransportError, outcome.Kind)
}

func TestExchange_DialFailure(t *testing.T) {
	session, _ := newTestSession(t, "ws://127.0.0.1:1/nothing-listens-here", 2*time.Second)
	outcome := session.Exchange(context.Background(), "hi")

	require.Equal(t, OutcomeTransportError, outcome.Kind)
}

func TestResolve_FiresExactlyOnce(t *testing.T) {
	session, _ := newTestSession(t, "ws://127.0.0.1:18789", time.Second)

	session.resolve(Outcome{Kind: OutcomeReply, Text: "first"})
	session.resolve(Outcome{Kind: OutcomeRemoteError, Text: "second"})
	session.resolve(Outcome{Kind: OutcomeTimeout, Text: "third"})

	assert.Equal(t, OutcomeReply, session.outcome.Kind)
	assert.Equal(t, "first", session.outcome.Text)
}

func TestPairing_RefusedOffLoopback(t *testing.T) {
	session, _ := newTestSession(t, "ws://gateway.internal:18789", time.Second)
	session.state = stateAwaitingChallenge

	session.handlePairRequested(context.Background(), &frame{RequestID: "pr-9"})

	require.True(t, session.isResolved())
	assert.Equal(t, OutcomePairingRequired, session.outcome.Kind)
	assert.Equal(t, pairingManualText, session.outcome.Text)
	assert.False(t, session.pairApproved, "no approval frame may be produced off loopback")
}

func TestIsLoopbackURL(t *testing.T) {
	cases := map[string]bool{
		"ws://127.0.0.1:18789":  true,
		"ws://localhost:18789":  true,
		"ws://[::1]:18789":      true,
		"ws://10.0.0.5:18789":   false,
		"wss://gw.example.com":  false,
		"ws://192.168.1.2:1234": false,
	}
	for raw, want := range cases {
		if got := isLoopbackURL(raw); got != want {
			t.Errorf("isLoopbackURL(%q) = %v, want %v", raw, got, want)
		}
	}
}
