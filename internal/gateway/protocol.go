// Package gateway implements the client side of the OpenClaw gateway
// protocol: a challenge-response handshake signed with the device identity,
// first-contact pairing, and asynchronous agent run tracking over one
// WebSocket connection.
package gateway

import "encoding/json"

// Wire methods this client sends.
const (
	methodConnect     = "connect"
	methodAgent       = "agent"
	methodAgentWait   = "agent.wait"
	methodPairApprove = "device.pair.approve"
)

// Events the gateway pushes.
const (
	eventChallenge     = "connect.challenge"
	eventPairRequested = "device.pair.requested"
	eventChat          = "chat"
)

// Protocol versions this client speaks. The signed handshake is part of the
// v3 wire contract; the signing field order must not change within a version.
const (
	minProtocol = 3
	maxProtocol = 3
)

// frame is one message on the gateway socket, discriminated by Type.
type frame struct {
	Type    string          `json:"type"` // "req", "res", "event"
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *wireError      `json:"error,omitempty"`

	// Pairing requests have carried the request id both inside the payload
	// and at the top level across gateway versions.
	RequestID string `json:"requestId,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// body returns the response body, whichever field the gateway used.
func (f *frame) body() json.RawMessage {
	if len(f.Payload) > 0 {
		return f.Payload
	}
	return f.Result
}

func (f *frame) ok() bool {
	return f.OK != nil && *f.OK
}

// challengePayload is the connect.challenge event body.
type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

// connectParams carries the signed auth attempt on the connect request.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      clientInfo    `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Auth        connectAuth   `json:"auth"`
	Device      *deviceAttest `json:"device,omitempty"`
}

type clientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

// deviceAttest proves private-key possession for the challenge nonce.
type deviceAttest struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"` // base64url, unpadded, raw key bytes
	Signature string `json:"signature"` // base64url, unpadded, detached
	SignedAt  int64  `json:"signedAt"`  // epoch millis
	Nonce     string `json:"nonce"`
}

// connectResult is the successful connect response body. The gateway may
// rotate in a fresh device token here; token fields have moved between
// top-level and nested across versions, so both spellings are accepted.
type connectResult struct {
	Protocol int    `json:"protocol,omitempty"`
	Token    string `json:"deviceToken,omitempty"`
	Auth     struct {
		DeviceToken string `json:"deviceToken,omitempty"`
	} `json:"auth"`
}

func (r *connectResult) deviceToken() string {
	if r.Token != "" {
		return r.Token
	}
	return r.Auth.DeviceToken
}

// agentParams submits one unit of work.
type agentParams struct {
	Message        string `json:"message"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// agentResult is the agent / agent.wait response body.
type agentResult struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	EndedAt int64  `json:"endedAt,omitempty"`
}

// inProgress reports whether the run was accepted but has not finished.
func (r *agentResult) inProgress() bool {
	switch r.Status {
	case "accepted", "queued", "running":
		return true
	}
	return false
}

func (r *agentResult) ended() bool {
	return r.Status == "ok" || r.Status == "ended" || r.EndedAt > 0
}

func (r *agentResult) failed() bool {
	return r.Status == "error" || r.Status == "failed"
}

// agentWaitParams polls one run to completion.
type agentWaitParams struct {
	RunID string `json:"runId"`
}

// pairApproveParams auto-approves a first-contact pairing request.
type pairApproveParams struct {
	RequestID string   `json:"requestId"`
	Role      string   `json:"role"`
	Scopes    []string `json:"scopes"`
}

// pairRequestedPayload is the device.pair.requested event body.
type pairRequestedPayload struct {
	RequestID string `json:"requestId"`
}

// chatPayload is the chat streaming event body. Content arrives as typed
// parts; only text parts matter for voice replies.
type chatPayload struct {
	State   string `json:"state"`
	RunID   string `json:"runId,omitempty"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// assistantText joins the text parts of an assistant message, or returns ""
// for non-assistant or non-text content.
func (p *chatPayload) assistantText() string {
	if p.Message.Role != "assistant" {
		return ""
	}
	var out string
	for _, part := range p.Message.Content {
		if part.Type == "text" && part.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += part.Text
		}
	}
	return out
}

// isFinalChunk reports whether this chat event carries a completed message
// rather than an incremental delta.
func (p *chatPayload) isFinalChunk() bool {
	return p.State == "final" || p.State == "completed" || p.State == "done"
}
