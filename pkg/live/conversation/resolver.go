package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/voicelink/pkg/bland"
)

// Endpoint is a resolved vendor socket for one conversation.
type Endpoint struct {
	URL    string
	Header http.Header
	// CallID is set when the endpoint was created through the vendor REST
	// API and must be released when the conversation ends.
	CallID string
}

// EndpointResolver produces the socket a conversation dials.
type EndpointResolver interface {
	Resolve(ctx context.Context) (Endpoint, error)
}

// EndpointReleaser is implemented by resolvers that allocate vendor-side
// resources per conversation.
type EndpointReleaser interface {
	Release(ctx context.Context, ep Endpoint) error
}

// StaticEndpoint dials a fixed socket URL. APIKey, when set, is added as the
// api_key query parameter unless the URL already carries one.
type StaticEndpoint struct {
	URL    string
	APIKey string
}

func (s StaticEndpoint) Resolve(context.Context) (Endpoint, error) {
	raw := strings.TrimSpace(s.URL)
	if raw == "" {
		return Endpoint{}, errors.New("static endpoint url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint url: %w", err)
	}
	if s.APIKey != "" {
		q := u.Query()
		if !q.Has("api_key") {
			q.Set("api_key", s.APIKey)
			u.RawQuery = q.Encode()
		}
	}
	return Endpoint{URL: u.String()}, nil
}

// WebCallResolver starts a vendor web call for each conversation and dials
// the socket URL the vendor returns. Release stops the call.
type WebCallResolver struct {
	Client  *bland.Client
	Request bland.CallRequest
}

func (w *WebCallResolver) Resolve(ctx context.Context) (Endpoint, error) {
	if w == nil || w.Client == nil {
		return Endpoint{}, errors.New("web call resolver has no vendor client")
	}
	req := w.Request
	req.WebCall = true
	call, err := w.Client.StartCall(ctx, req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("start web call: %w", err)
	}
	return Endpoint{URL: call.WebSocketURL, CallID: call.ID}, nil
}

func (w *WebCallResolver) Release(ctx context.Context, ep Endpoint) error {
	if w == nil || w.Client == nil || ep.CallID == "" {
		return nil
	}
	if err := w.Client.StopCall(ctx, ep.CallID); err != nil {
		return fmt.Errorf("stop web call %s: %w", ep.CallID, err)
	}
	return nil
}

// AgentResolver creates (or reuses) a web agent, authorizes it and dials the
// agent socket with the session token.
type AgentResolver struct {
	Client  *bland.Client
	Agent   bland.AgentConfig
	AgentID string
	// SocketURL is the agent socket base; the agent id and token are added as
	// query parameters.
	SocketURL string
}

func (a *AgentResolver) Resolve(ctx context.Context) (Endpoint, error) {
	if a == nil || a.Client == nil {
		return Endpoint{}, errors.New("agent resolver has no vendor client")
	}
	agentID := a.AgentID
	if agentID == "" {
		agent, err := a.Client.CreateAgent(ctx, a.Agent)
		if err != nil {
			return Endpoint{}, fmt.Errorf("create agent: %w", err)
		}
		agentID = agent.ID
		a.AgentID = agentID
	}
	token, err := a.Client.AuthorizeAgent(ctx, agentID)
	if err != nil {
		return Endpoint{}, fmt.Errorf("authorize agent: %w", err)
	}
	u, err := url.Parse(a.SocketURL)
	if err != nil || a.SocketURL == "" {
		return Endpoint{}, fmt.Errorf("agent socket url %q is invalid", a.SocketURL)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	q.Set("session_token", token)
	u.RawQuery = q.Encode()
	return Endpoint{URL: u.String()}, nil
}
