package bland

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New("org_test", WithBaseURL(srv.URL), WithChatBaseURL(srv.URL+"/us"), WithMaxRetries(2))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		t.Errorf("decode request body: %v", err)
	}
	return out
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("  "); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("New() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestCreateAgent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agents" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "org_test" {
			t.Errorf("Authorization = %q", got)
		}
		if body := decodeBody(t, r); body["prompt"] != "be helpful" || body["voice"] != "nat" {
			t.Errorf("body = %v", body)
		}
		_, _ = io.WriteString(w, `{"status":"success","agent":{"agent_id":"ag_1"}}`)
	})

	agent, err := c.CreateAgent(context.Background(), AgentConfig{Prompt: "be helpful", Voice: "nat"})
	if err != nil {
		t.Fatalf("CreateAgent() error: %v", err)
	}
	if agent.ID != "ag_1" {
		t.Fatalf("agent id = %q, want ag_1", agent.ID)
	}
}

func TestCreateAgent_RequiresPrompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	if _, err := c.CreateAgent(context.Background(), AgentConfig{}); !errors.Is(err, ErrPermanent) {
		t.Fatalf("error = %v, want ErrPermanent", err)
	}
}

func TestAuthorizeAgent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/ag_1/authorize" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"token":"tok_abc"}`)
	})
	token, err := c.AuthorizeAgent(context.Background(), "ag_1")
	if err != nil || token != "tok_abc" {
		t.Fatalf("AuthorizeAgent() = %q, %v", token, err)
	}
}

func TestStartCall_WebCallReturnsSocketURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["web_call"] != true || body["task"] != "be brief" {
			t.Errorf("body = %v", body)
		}
		_, _ = io.WriteString(w, `{"status":"success","call_id":"c_1","web_socket_url":"wss://vendor.example/ws/c_1"}`)
	})

	call, err := c.StartCall(context.Background(), CallRequest{Task: "be brief", WebCall: true})
	if err != nil {
		t.Fatalf("StartCall() error: %v", err)
	}
	if call.ID != "c_1" || call.WebSocketURL != "wss://vendor.example/ws/c_1" {
		t.Fatalf("call = %+v", call)
	}
}

func TestStartCall_WebCallWithoutSocketURLFails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"call_id":"c_1"}`)
	})
	_, err := c.StartCall(context.Background(), CallRequest{Task: "x", WebCall: true})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("error = %v, want ErrPermanent", err)
	}
}

func TestStartCall_Validation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	if _, err := c.StartCall(context.Background(), CallRequest{PhoneNumber: "+15550000000"}); !errors.Is(err, ErrPermanent) {
		t.Fatalf("missing task error = %v", err)
	}
	if _, err := c.StartCall(context.Background(), CallRequest{Task: "x"}); !errors.Is(err, ErrPermanent) {
		t.Fatalf("missing phone error = %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrPermanent},
		{http.StatusUnauthorized, ErrPermanent},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"message":"nope"}`)
		})
		err := c.StopCall(context.Background(), "c_1")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: error = %v, want %v", tc.status, err, tc.want)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != tc.status || !strings.Contains(apiErr.Body, "nope") {
			t.Fatalf("status %d: APIError = %+v", tc.status, apiErr)
		}
	}
}

func TestGetCall_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"call_id":"c_1","status":"in-progress","transcripts":[{"id":1,"text":"hi","user":"user"}]}`)
	})

	details, err := c.GetCall(context.Background(), "c_1")
	if err != nil {
		t.Fatalf("GetCall() error: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
	if details.Status != "in-progress" || len(details.Transcript) != 1 || !details.Transcript[0].IsUser() {
		t.Fatalf("details = %+v", details)
	}
	if details.Done() {
		t.Fatal("Done() = true for in-progress call")
	}
}

func TestGetCall_DoesNotRetryPermanent(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	if _, err := c.GetCall(context.Background(), "missing"); !errors.Is(err, ErrPermanent) {
		t.Fatalf("error = %v, want ErrPermanent", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestGetCall_MalformedBodyIsPermanent(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "<html>maintenance</html>")
	})
	if _, err := c.GetCall(context.Background(), "c_1"); !errors.Is(err, ErrPermanent) {
		t.Fatalf("error = %v, want ErrPermanent", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestSendCallMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/c_1/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if body := decodeBody(t, r); body["message"] != "hold on" {
			t.Errorf("body = %v", body)
		}
		_, _ = io.WriteString(w, `{"status":"success"}`)
	})
	if err := c.SendCallMessage(context.Background(), "c_1", "hold on"); err != nil {
		t.Fatalf("SendCallMessage() error: %v", err)
	}
}

func TestCorrectedTranscript(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/c_1/corrected-transcript" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"aligned":[{"id":1,"text":"hello","user":"assistant"},{"id":2,"text":"hi","user":"user"}]}`)
	})
	lines, err := c.CorrectedTranscript(context.Background(), "c_1")
	if err != nil {
		t.Fatalf("CorrectedTranscript() error: %v", err)
	}
	if len(lines) != 2 || lines[0].Text != "hello" || lines[1].User != "user" {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestPathwayChat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pathway/create":
			_, _ = io.WriteString(w, `{"data":{"pathway_id":"pw_1"}}`)
		case "/us/pathway/chat/create":
			if body := decodeBody(t, r); body["pathway_id"] != "pw_1" {
				t.Errorf("create chat body = %v", body)
			}
			_, _ = io.WriteString(w, `{"data":{"chat_id":"ch_1"}}`)
		case "/us/pathway/chat/ch_1":
			if body := decodeBody(t, r); body["prompt"] != "hello" {
				t.Errorf("send chat body = %v", body)
			}
			_, _ = io.WriteString(w, `{"data":{"chat_id":"ch_1","assistant_responses":["Hi there.","How can I help?"],"current_node_id":"n2"}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	pw, err := c.CreatePathway(ctx, "web chat")
	if err != nil || pw.ID != "pw_1" {
		t.Fatalf("CreatePathway() = %+v, %v", pw, err)
	}
	chat, err := c.CreateChat(ctx, pw.ID)
	if err != nil || chat.ID != "ch_1" {
		t.Fatalf("CreateChat() = %+v, %v", chat, err)
	}
	reply, err := c.SendChat(ctx, chat.ID, "hello")
	if err != nil {
		t.Fatalf("SendChat() error: %v", err)
	}
	if len(reply.Responses) != 2 || reply.Responses[1] != "How can I help?" || reply.CurrentNodeID != "n2" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSpeakReturnsRawAudio(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["voice"] != DefaultSpeakVoice || body["output_format"] != DefaultSpeakFormat {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write([]byte{1, 0, 2, 0})
	})
	audio, err := c.Speak(context.Background(), SpeakRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("Speak() error: %v", err)
	}
	if string(audio) != "\x01\x00\x02\x00" {
		t.Fatalf("audio = %v", audio)
	}
}

func TestSpeakSampleRate(t *testing.T) {
	if hz, ok := SpeakSampleRate("pcm_44100"); !ok || hz != 44100 {
		t.Fatalf("SpeakSampleRate(pcm_44100) = %d, %v", hz, ok)
	}
	if _, ok := SpeakSampleRate("mp3"); ok {
		t.Fatal("SpeakSampleRate(mp3) ok = true")
	}
}

func TestMonitorCall_EmitsOnlyNewLines(t *testing.T) {
	responses := []string{
		`{"status":"in-progress","transcripts":[{"id":1,"text":"Hello.","user":"assistant"}]}`,
		`{"status":"in-progress","transcripts":[{"id":1,"text":"Hello.","user":"assistant"},{"id":2,"text":"Hi!","user":"user"}]}`,
		`{"status":"completed","transcripts":[{"id":1,"text":"Hello.","user":"assistant"},{"id":2,"text":"Hi!","user":"user"},{"id":3,"text":"Bye.","user":"assistant"}]}`,
	}
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		i := int(hits.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		_, _ = io.WriteString(w, responses[i])
	})

	var mu sync.Mutex
	var statuses, lines []string
	err := c.MonitorCall(context.Background(), "c_1", 5*time.Millisecond, func(ev CallEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Line != nil {
			lines = append(lines, ev.Line.Text)
			return
		}
		statuses = append(statuses, ev.Status)
	})
	if err != nil {
		t.Fatalf("MonitorCall() error: %v", err)
	}
	if strings.Join(lines, "|") != "Hello.|Hi!|Bye." {
		t.Fatalf("lines = %v", lines)
	}
	if strings.Join(statuses, "|") != "in-progress|completed" {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestMonitorCall_StopsOnCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"in-progress"}`)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.MonitorCall(ctx, "c_1", 10*time.Millisecond, func(CallEvent) {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("MonitorCall() error = %v, want deadline exceeded", err)
	}
}
