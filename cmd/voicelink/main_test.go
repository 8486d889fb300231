package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/voicelink/pkg/config"
	"github.com/vango-go/voicelink/pkg/live/conversation"
	"github.com/vango-go/voicelink/pkg/live/playback"
	"github.com/vango-go/voicelink/pkg/live/transcript"
)

func runCLI(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv("BLAND_API_KEY", "")
	t.Setenv("DATABASE_URL", "")
	var out, errOut bytes.Buffer
	a := &app{stdout: &out, stderr: &errOut, stdin: strings.NewReader(stdin)}
	root := newRootCmd(a)
	root.SetArgs(append([]string{"--env-search", "0"}, args...))
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestSpeak_WritesWAV(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write([]byte{1, 0, 2, 0})
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "hello.wav")
	_, stderr, err := runCLI(t, "", "--api-key", "k-test", "--base-url", srv.URL, "--log-format", "console",
		"speak", "hello", "world", "--out", out)
	if err != nil {
		t.Fatalf("speak: %v (stderr=%s)", err, stderr)
	}
	if gotAuth != "k-test" || gotPath != "/speak" {
		t.Fatalf("auth=%q path=%q", gotAuth, gotPath)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 48 || string(data[:4]) != "RIFF" {
		t.Fatalf("wav len=%d head=%q", len(data), data[:4])
	}
}

func TestSpeak_RequiresAPIKey(t *testing.T) {
	_, _, err := runCLI(t, "", "speak", "hello", "--out", "")
	if err == nil || !strings.Contains(err.Error(), "vendor.api_key is required") {
		t.Fatalf("err=%v", err)
	}
}

func TestRoot_InvalidConfigFails(t *testing.T) {
	_, _, err := runCLI(t, "", "--endpoint", "carrier-pigeon", "transcript")
	if err == nil || !strings.Contains(err.Error(), "vendor.endpoint") {
		t.Fatalf("err=%v", err)
	}
}

func TestTranscript_RequiresDatabase(t *testing.T) {
	_, _, err := runCLI(t, "", "transcript")
	if err == nil || !strings.Contains(err.Error(), "database.url is required") {
		t.Fatalf("err=%v", err)
	}
}

func TestChat_RoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pathway/chat/create", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"chat_id":"chat-1"}}`)
	})
	mux.HandleFunc("/pathway/chat/chat-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"assistant_responses":["Hi! How can I help?"]}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Setenv("VOICELINK_VENDOR_CHAT_BASE_URL", srv.URL)
	stdout, stderr, err := runCLI(t, "hello\n\n", "--api-key", "k", "chat", "--pathway", "pw-1")
	if err != nil {
		t.Fatalf("chat: %v (stderr=%s)", err, stderr)
	}
	for _, want := range []string{"Chat chat-1 ready", "user:", "hello", "assistant:", "Hi! How can I help?"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestNewResolver_Modes(t *testing.T) {
	cfg := config.Config{}
	cfg.Vendor.APIKey = "k"
	cfg.Vendor.WSURL = "wss://vendor.test/ws"

	cfg.Vendor.Endpoint = config.EndpointStatic
	r, err := newResolver(cfg, nil, "prompt")
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	ep, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.URL != "wss://vendor.test/ws?api_key=k" {
		t.Fatalf("url=%q", ep.URL)
	}

	cfg.Vendor.Endpoint = config.EndpointWebCall
	if _, err := newResolver(cfg, nil, "prompt"); err == nil {
		t.Fatal("web_call without client: expected error")
	}

	cfg.Vendor.Endpoint = config.EndpointAgent
	if _, err := newResolver(cfg, nil, "prompt"); err == nil {
		t.Fatal("agent without client: expected error")
	}
	if _, ok := any(r).(conversation.EndpointReleaser); ok {
		t.Fatal("static resolver should not release anything")
	}
}

func TestNewDecoder_Codecs(t *testing.T) {
	cfg := config.Config{}
	cfg.Audio.OutputSampleRate = 16000
	cfg.Audio.OutputChannels = 1
	for _, codec := range []string{"auto", "pcm", "wav"} {
		cfg.Audio.OutputCodec = codec
		if _, err := newDecoder(cfg); err != nil {
			t.Fatalf("%s: %v", codec, err)
		}
	}
}

func TestNewDecoder_OpusNeedsBuildTag(t *testing.T) {
	cfg := config.Config{}
	cfg.Audio.OutputCodec = "opus"
	cfg.Audio.OutputSampleRate = 48000
	cfg.Audio.OutputChannels = 1
	_, err := newDecoder(cfg)
	if playback.OpusAvailable {
		if err != nil {
			t.Fatalf("opus: %v", err)
		}
		return
	}
	if !errors.Is(err, playback.ErrOpusUnavailable) {
		t.Fatalf("err=%v, want ErrOpusUnavailable", err)
	}
}

func TestTalk_TestToneMuted(t *testing.T) {
	t.Setenv("VOICELINK_AUDIO_MUTE", "true")
	started := time.Now()
	if _, stderr, err := runCLI(t, "", "talk", "--test-tone"); err != nil {
		t.Fatalf("talk --test-tone: %v (stderr=%s)", err, stderr)
	}
	if elapsed := time.Since(started); elapsed < 900*time.Millisecond {
		t.Fatalf("tone finished after %s, want about 1s", elapsed)
	}
}

func TestTalk_ListDevicesReportsMissingFFmpeg(t *testing.T) {
	t.Setenv("VOICELINK_AUDIO_FFMPEG", filepath.Join(t.TempDir(), "no-ffmpeg"))
	_, _, err := runCLI(t, "", "talk", "--list-devices")
	if err == nil || !strings.Contains(err.Error(), "list capture devices") {
		t.Fatalf("err=%v", err)
	}
}

func TestLineWriter_Format(t *testing.T) {
	var buf bytes.Buffer
	lw := &lineWriter{w: &buf}
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	lw.printEntry(transcript.Entry{Speaker: transcript.SpeakerAssistant, Text: "hello", Timestamp: ts})
	lw.printEntry(transcript.Entry{Speaker: transcript.SpeakerSystem, Text: "Call ended", Timestamp: ts})

	want := "03:04:05  assistant: hello\n03:04:05  -- Call ended --\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}
