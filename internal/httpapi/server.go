// Package httpapi is the local control surface for a conversation: start and
// stop, microphone toggle, prompt updates, transcript access and a WebSocket
// feed of state and transcript events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voicelink/pkg/live/conversation"
	"github.com/vango-go/voicelink/pkg/live/state"
	"github.com/vango-go/voicelink/pkg/live/transcript"
)

// Conversation is the part of *conversation.Conversation the API drives.
type Conversation interface {
	Start(ctx context.Context) error
	Stop() error
	StartListening(ctx context.Context) error
	StopListening()
	UpdatePrompt(prompt string) error
	Snapshot() state.Snapshot
	State() *state.Machine
	Transcript() *transcript.Store
	Levels() (peak int, rms float64)
}

type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownGrace     time.Duration

	Logger   *zap.Logger
	Gatherer prometheus.Gatherer
	// Tracker, when set, is drained on shutdown.
	Tracker *conversation.Tracker

	// EventBuffer bounds the per-client event queue of /v1/events.
	EventBuffer int
}

type Server struct {
	conv     Conversation
	opts     Options
	log      *zap.Logger
	router   chi.Router
	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(conv Conversation, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	s := &Server{
		conv: conv,
		opts: opts,
		log:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameHostOrigin,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(s.log))
	r.Use(recoverer(s.log))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, errNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, errMethodNotAllowed)
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Post("/session/start", s.handleStart)
		r.Post("/session/stop", s.handleStop)
		r.Post("/session/listen", s.handleListen)
		r.Put("/session/prompt", s.handlePrompt)
		r.Get("/transcript", s.handleTranscript)
		r.Delete("/transcript", s.handleClearTranscript)
		r.Get("/events", s.handleEvents)
	})
	s.router = r
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx ends, then drains: readiness flips to 503, the HTTP
// server shuts down within ShutdownGrace and tracked conversations are
// stopped.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("control api listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.draining.Store(true)
		s.log.Info("control api shutting down", zap.Duration("grace", s.opts.ShutdownGrace))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if n := s.opts.Tracker.StopAll(); n > 0 {
			s.log.Info("stopped active conversations", zap.Int("count", n))
		}
		if !s.opts.Tracker.Wait(shutdownCtx) {
			s.log.Warn("conversations still active after shutdown grace")
		}
		return err
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, r, http.StatusServiceUnavailable, errDraining)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sessionResponse struct {
	state.Snapshot
	Level struct {
		Peak int     `json:"peak"`
		RMS  float64 `json:"rms"`
	} `json:"level"`
}

func (s *Server) sessionBody() sessionResponse {
	var out sessionResponse
	out.Snapshot = s.conv.Snapshot()
	out.Level.Peak, out.Level.RMS = s.conv.Levels()
	return out
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionBody())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.conv.Start(r.Context()); err != nil {
		writeFromError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionBody())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.conv.Stop(); err != nil {
		writeFromError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionBody())
}

type listenRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	var req listenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.On == nil {
		writeError(w, r, http.StatusBadRequest, errors.New(`"on" is required`))
		return
	}
	if *req.On {
		if err := s.conv.StartListening(r.Context()); err != nil {
			writeFromError(w, r, err)
			return
		}
	} else {
		s.conv.StopListening()
	}
	writeJSON(w, http.StatusOK, s.sessionBody())
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.conv.UpdatePrompt(req.Prompt); err != nil {
		writeFromError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.conv.Transcript().All()})
}

func (s *Server) handleClearTranscript(w http.ResponseWriter, r *http.Request) {
	s.conv.Transcript().Clear()
	w.WriteHeader(http.StatusNoContent)
}

const maxBodyBytes = 64 << 10

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
