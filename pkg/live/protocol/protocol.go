package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"

	EncodingPCM16LE = "pcm_s16le"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// AudioFormat describes a raw PCM stream shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// BytesPerSecond assumes 16-bit samples.
func (f AudioFormat) BytesPerSecond() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SampleRateHz * ch * 2
}

// Role identifies who produced a transcript line.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one decoded inbound frame. The concrete type is one of
// Transcript, AudioSegment, Status, ServerError or Unknown.
type Message interface {
	MessageType() string
}

type Transcript struct {
	Type string
	Role Role
	Text string
}

func (m Transcript) MessageType() string { return m.Type }

type AudioSegment struct {
	// Binary is true when the segment arrived as a binary frame.
	Binary bool
	Data   []byte
}

func (m AudioSegment) MessageType() string { return "audio" }

type Status struct {
	Status string
}

func (m Status) MessageType() string { return "status" }

type ServerError struct {
	Code    string
	Message string
}

func (m ServerError) MessageType() string { return "error" }

func (m ServerError) Error() string {
	if m.Code == "" {
		return m.Message
	}
	return m.Code + ": " + m.Message
}

// Unknown is returned for well-formed frames with an unrecognized type.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (m Unknown) MessageType() string { return m.Type }

// DecodeBinary wraps a binary frame. Binary frames always carry audio.
func DecodeBinary(data []byte) AudioSegment {
	out := make([]byte, len(data))
	copy(out, data)
	return AudioSegment{Binary: true, Data: out}
}

// DecodeServerMessage decodes one text frame from the vendor channel.
func DecodeServerMessage(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing message type", "type")
	}

	switch typ {
	case "transcript":
		var msg struct {
			Text       string          `json:"text"`
			Transcript json.RawMessage `json:"transcript"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript", "")
		}
		text := firstNonEmpty(msg.Text, nestedText(msg.Transcript))
		if text == "" {
			return nil, badRequest("transcript text is required", "text")
		}
		return Transcript{Type: typ, Role: RoleAssistant, Text: text}, nil

	case "user_transcript":
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_transcript", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("user_transcript text is required", "text")
		}
		return Transcript{Type: typ, Role: RoleUser, Text: msg.Text}, nil

	case "ai_response":
		var msg struct {
			Text     string          `json:"text"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ai_response", "")
		}
		text := firstNonEmpty(nestedText(msg.Response), msg.Text)
		if text == "" {
			return nil, badRequest("ai_response text is required", "response.text")
		}
		return Transcript{Type: typ, Role: RoleAssistant, Text: text}, nil

	case "agent":
		var msg struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid agent message", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("agent text is required", "text")
		}
		return Transcript{Type: typ, Role: RoleAssistant, Text: msg.Text}, nil

	case "audio":
		var msg struct {
			Audio string `json:"audio"`
			Data  string `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio message", "")
		}
		raw := firstNonEmpty(msg.Audio, msg.Data)
		if raw == "" {
			return nil, badRequest("audio payload is required", "audio")
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, badRequest("audio payload must be base64", "audio")
		}
		return AudioSegment{Data: decoded}, nil

	case "status":
		var msg struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid status message", "")
		}
		return Status{Status: firstNonEmpty(msg.Status, msg.Message)}, nil

	case "error":
		var msg struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error message", "")
		}
		text := firstNonEmpty(msg.Message, msg.Error)
		if text == "" {
			text = "vendor reported an error"
		}
		return ServerError{Code: strings.TrimSpace(msg.Code), Message: text}, nil

	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: typ, Raw: raw}, nil
	}
}

// nestedText accepts either a JSON string or an object with a text field.
func nestedText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Text)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type AudioFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func NewAudioFrame(pcm []byte) AudioFrame {
	return AudioFrame{Type: "audio", Data: base64.StdEncoding.EncodeToString(pcm)}
}

type UpdatePrompt struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

func NewUpdatePrompt(prompt string) UpdatePrompt {
	return UpdatePrompt{Type: "update_prompt", Prompt: prompt}
}

// ValidateAudioTransport normalizes and validates a transport name.
func ValidateAudioTransport(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", AudioTransportBinary:
		return AudioTransportBinary, nil
	case AudioTransportBase64JSON:
		return AudioTransportBase64JSON, nil
	default:
		return "", badRequest("audio transport must be binary or base64_json", "audio_transport")
	}
}
