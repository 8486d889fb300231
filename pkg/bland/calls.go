package bland

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type AgentConfig struct {
	Prompt            string `json:"prompt"`
	Voice             string `json:"voice,omitempty"`
	Model             string `json:"model,omitempty"`
	Language          string `json:"language,omitempty"`
	MaxDuration       int    `json:"max_duration,omitempty"`
	AnsweredByEnabled bool   `json:"answered_by_enabled"`
	WaitForGreeting   bool   `json:"wait_for_greeting"`
	Record            bool   `json:"record"`
}

type Agent struct {
	ID string
}

// CreateAgent registers a web agent and returns its identifier.
func (c *Client) CreateAgent(ctx context.Context, cfg AgentConfig) (Agent, error) {
	if strings.TrimSpace(cfg.Prompt) == "" {
		return Agent{}, fmt.Errorf("bland create_agent: %w: prompt is required", ErrPermanent)
	}
	var raw struct {
		AgentID string `json:"agent_id"`
		Agent   struct {
			AgentID string `json:"agent_id"`
		} `json:"agent"`
	}
	err := c.doJSON(ctx, request{op: "create_agent", method: http.MethodPost, url: c.endpoint("/agents"), body: cfg}, &raw)
	if err != nil {
		return Agent{}, err
	}
	id := raw.Agent.AgentID
	if id == "" {
		id = raw.AgentID
	}
	if id == "" {
		return Agent{}, fmt.Errorf("bland create_agent: %w: response has no agent_id", ErrPermanent)
	}
	return Agent{ID: id}, nil
}

// AuthorizeAgent mints a short-lived session token for a web agent.
func (c *Client) AuthorizeAgent(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("bland authorize_agent: %w: agent id is required", ErrPermanent)
	}
	var raw struct {
		Token string `json:"token"`
	}
	u := c.endpoint("/agents/" + url.PathEscape(agentID) + "/authorize")
	if err := c.doJSON(ctx, request{op: "authorize_agent", method: http.MethodPost, url: u}, &raw); err != nil {
		return "", err
	}
	if raw.Token == "" {
		return "", fmt.Errorf("bland authorize_agent: %w: response has no token", ErrPermanent)
	}
	return raw.Token, nil
}

type CallRequest struct {
	PhoneNumber     string `json:"phone_number,omitempty"`
	Task            string `json:"task,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	PathwayID       string `json:"pathway_id,omitempty"`
	Voice           string `json:"voice,omitempty"`
	MaxDuration     int    `json:"max_duration,omitempty"`
	WaitForGreeting bool   `json:"wait_for_greeting"`
	Record          bool   `json:"record"`
	// WebCall asks the vendor for a browser-style duplex socket instead of
	// dialing PhoneNumber.
	WebCall bool `json:"web_call,omitempty"`
}

type Call struct {
	ID           string
	Status       string
	WebSocketURL string
}

func (c *Client) StartCall(ctx context.Context, req CallRequest) (Call, error) {
	if req.Task == "" && req.AgentID == "" && req.PathwayID == "" {
		return Call{}, fmt.Errorf("bland start_call: %w: task, agent_id or pathway_id is required", ErrPermanent)
	}
	if req.PhoneNumber == "" && !req.WebCall {
		return Call{}, fmt.Errorf("bland start_call: %w: phone_number is required unless web_call is set", ErrPermanent)
	}
	var raw map[string]json.RawMessage
	if err := c.doJSON(ctx, request{op: "start_call", method: http.MethodPost, url: c.endpoint("/calls"), body: req}, &raw); err != nil {
		return Call{}, err
	}
	call := Call{
		ID:           firstString(raw, "call_id", "id"),
		Status:       firstString(raw, "status"),
		WebSocketURL: firstString(raw, "web_socket_url", "websocket_url"),
	}
	if call.ID == "" && call.WebSocketURL == "" {
		return Call{}, fmt.Errorf("bland start_call: %w: response has no call_id", ErrPermanent)
	}
	if req.WebCall && call.WebSocketURL == "" {
		return Call{}, fmt.Errorf("bland start_call: %w: web call response has no socket url", ErrPermanent)
	}
	return call, nil
}

// TranscriptLine is one utterance of a call transcript.
type TranscriptLine struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	User      string `json:"user"`
	CreatedAt string `json:"created_at,omitempty"`
}

// IsUser reports whether the line was spoken by the caller.
func (l TranscriptLine) IsUser() bool {
	return strings.EqualFold(strings.TrimSpace(l.User), "user")
}

type CallDetails struct {
	ID         string
	Status     string
	Completed  bool
	Transcript []TranscriptLine
}

// Done reports whether the call has reached a terminal status.
func (d CallDetails) Done() bool {
	switch strings.ToLower(d.Status) {
	case "completed", "failed":
		return true
	}
	return d.Completed
}

func (c *Client) GetCall(ctx context.Context, callID string) (CallDetails, error) {
	if callID == "" {
		return CallDetails{}, fmt.Errorf("bland get_call: %w: call id is required", ErrPermanent)
	}
	var raw struct {
		CallID      string           `json:"call_id"`
		Status      string           `json:"status"`
		Completed   bool             `json:"completed"`
		Transcripts []TranscriptLine `json:"transcripts"`
		Transcript  []TranscriptLine `json:"transcript"`
	}
	if err := c.getJSON(ctx, "get_call", c.endpoint("/calls/"+url.PathEscape(callID)), &raw); err != nil {
		return CallDetails{}, err
	}
	out := CallDetails{
		ID:         raw.CallID,
		Status:     raw.Status,
		Completed:  raw.Completed,
		Transcript: raw.Transcripts,
	}
	if len(out.Transcript) == 0 {
		out.Transcript = raw.Transcript
	}
	if out.ID == "" {
		out.ID = callID
	}
	return out, nil
}

func (c *Client) StopCall(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("bland stop_call: %w: call id is required", ErrPermanent)
	}
	_, err := c.do(ctx, request{op: "stop_call", method: http.MethodPost, url: c.endpoint("/calls/" + url.PathEscape(callID) + "/stop"), body: struct{}{}})
	return err
}

// SendCallMessage injects a text message into a live call.
func (c *Client) SendCallMessage(ctx context.Context, callID, message string) error {
	if callID == "" {
		return fmt.Errorf("bland send_call_message: %w: call id is required", ErrPermanent)
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("bland send_call_message: %w: message is required", ErrPermanent)
	}
	body := struct {
		Message string `json:"message"`
	}{Message: message}
	_, err := c.do(ctx, request{op: "send_call_message", method: http.MethodPost, url: c.endpoint("/calls/" + url.PathEscape(callID) + "/send"), body: body})
	return err
}

type AlignedLine struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
	User string `json:"user"`
}

// CorrectedTranscript returns the vendor's post-call aligned transcript.
func (c *Client) CorrectedTranscript(ctx context.Context, callID string) ([]AlignedLine, error) {
	if callID == "" {
		return nil, fmt.Errorf("bland corrected_transcript: %w: call id is required", ErrPermanent)
	}
	var raw struct {
		Aligned []AlignedLine `json:"aligned"`
	}
	if err := c.getJSON(ctx, "corrected_transcript", c.endpoint("/calls/"+url.PathEscape(callID)+"/corrected-transcript"), &raw); err != nil {
		return nil, err
	}
	return raw.Aligned, nil
}

// CallEvent is emitted by MonitorCall for a status change or a new
// transcript line.
type CallEvent struct {
	CallID string
	Status string
	Line   *TranscriptLine
}

// MonitorCall polls a call until it completes or fails, reporting status
// changes and transcript lines not seen on an earlier poll. Transient poll
// failures are logged and retried on the next tick.
func (c *Client) MonitorCall(ctx context.Context, callID string, interval time.Duration, fn func(CallEvent)) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastStatus string
	seen := 0
	for {
		details, err := c.GetCall(ctx, callID)
		switch {
		case err == nil:
			if details.Status != "" && details.Status != lastStatus {
				lastStatus = details.Status
				fn(CallEvent{CallID: callID, Status: details.Status})
			}
			if seen > len(details.Transcript) {
				seen = 0
			}
			for i := seen; i < len(details.Transcript); i++ {
				line := details.Transcript[i]
				if strings.TrimSpace(line.Text) == "" {
					continue
				}
				fn(CallEvent{CallID: callID, Status: details.Status, Line: &line})
			}
			seen = len(details.Transcript)
			if details.Done() {
				return nil
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrTransient):
			c.log.Warn("call poll failed", zap.String("call_id", callID), zap.Error(err))
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
