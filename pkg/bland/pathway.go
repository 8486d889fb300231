package bland

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// dataEnvelope is the {"data": {...}} wrapper used by the pathway endpoints.
type dataEnvelope struct {
	Data map[string]json.RawMessage `json:"data"`
}

type Pathway struct {
	ID   string
	Name string
}

func (c *Client) CreatePathway(ctx context.Context, name string) (Pathway, error) {
	if strings.TrimSpace(name) == "" {
		return Pathway{}, fmt.Errorf("bland create_pathway: %w: name is required", ErrPermanent)
	}
	body := struct {
		Name string `json:"name"`
	}{Name: name}
	var env dataEnvelope
	if err := c.doJSON(ctx, request{op: "create_pathway", method: http.MethodPost, url: c.endpoint("/pathway/create"), body: body}, &env); err != nil {
		return Pathway{}, err
	}
	id := firstString(env.Data, "pathway_id", "id")
	if id == "" {
		return Pathway{}, fmt.Errorf("bland create_pathway: %w: response has no pathway_id", ErrPermanent)
	}
	return Pathway{ID: id, Name: name}, nil
}

type Chat struct {
	ID        string
	PathwayID string
}

// CreateChat opens a text chat against a pathway.
func (c *Client) CreateChat(ctx context.Context, pathwayID string) (Chat, error) {
	if pathwayID == "" {
		return Chat{}, fmt.Errorf("bland create_chat: %w: pathway id is required", ErrPermanent)
	}
	body := struct {
		PathwayID string `json:"pathway_id"`
	}{PathwayID: pathwayID}
	var env dataEnvelope
	if err := c.doJSON(ctx, request{op: "create_chat", method: http.MethodPost, url: c.chatEndpoint("/pathway/chat/create"), body: body}, &env); err != nil {
		return Chat{}, err
	}
	id := firstString(env.Data, "chat_id", "id")
	if id == "" {
		return Chat{}, fmt.Errorf("bland create_chat: %w: response has no chat_id", ErrPermanent)
	}
	return Chat{ID: id, PathwayID: pathwayID}, nil
}

type ChatReply struct {
	ChatID        string
	CurrentNodeID string
	Responses     []string
}

// SendChat posts one user turn and returns the agent's textual replies.
func (c *Client) SendChat(ctx context.Context, chatID, prompt string) (ChatReply, error) {
	if chatID == "" {
		return ChatReply{}, fmt.Errorf("bland send_chat: %w: chat id is required", ErrPermanent)
	}
	if strings.TrimSpace(prompt) == "" {
		return ChatReply{}, fmt.Errorf("bland send_chat: %w: prompt is required", ErrPermanent)
	}
	body := struct {
		Prompt string `json:"prompt"`
	}{Prompt: prompt}
	var env dataEnvelope
	if err := c.doJSON(ctx, request{op: "send_chat", method: http.MethodPost, url: c.chatEndpoint("/pathway/chat/" + url.PathEscape(chatID)), body: body}, &env); err != nil {
		return ChatReply{}, err
	}
	reply := ChatReply{
		ChatID:        chatID,
		CurrentNodeID: firstString(env.Data, "current_node_id"),
	}
	for _, key := range []string{"assistant_responses", "responses"} {
		raw, ok := env.Data[key]
		if !ok {
			continue
		}
		var out []string
		if err := json.Unmarshal(raw, &out); err != nil {
			return ChatReply{}, fmt.Errorf("bland send_chat: %w: %s is not a string array", ErrPermanent, key)
		}
		reply.Responses = out
		break
	}
	return reply, nil
}

type SpeakRequest struct {
	Voice        string `json:"voice"`
	Text         string `json:"text"`
	OutputFormat string `json:"output_format,omitempty"`
}

const (
	DefaultSpeakVoice  = "Maeve"
	DefaultSpeakFormat = "pcm_44100"
)

// Speak synthesizes text and returns the raw audio bytes.
func (c *Client) Speak(ctx context.Context, req SpeakRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("bland speak: %w: text is required", ErrPermanent)
	}
	if req.Voice == "" {
		req.Voice = DefaultSpeakVoice
	}
	if req.OutputFormat == "" {
		req.OutputFormat = DefaultSpeakFormat
	}
	return c.do(ctx, request{op: "speak", method: http.MethodPost, url: c.endpoint("/speak"), body: req, accept: "audio/*"})
}

// SpeakSampleRate parses the rate out of a pcm_<hz> output format.
func SpeakSampleRate(format string) (int, bool) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, false
	}
	var hz int
	if _, err := fmt.Sscanf(rest, "%d", &hz); err != nil || hz <= 0 {
		return 0, false
	}
	return hz, true
}
