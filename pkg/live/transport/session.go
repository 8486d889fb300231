// Package transport owns the duplex WebSocket channel to the voice vendor.
//
// # Lifecycle
//
// Open dials the vendor with a bounded connect timeout. Each established
// channel runs one reader goroutine, which decodes frames and dispatches them
// in arrival order, and one writer goroutine, which is the only code that
// writes to the socket.
//
// When an established channel closes unexpectedly the session schedules a
// reconnect using exponential backoff with jitter and a capped delay. At most
// one reconnect runs at a time. When the attempt budget is exhausted the
// session gives up and reports OnGiveUp; it never reconnects after that. A
// vendor error frame or a local Close also suppresses reconnection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/liveerr"
	"github.com/vango-go/voicelink/pkg/live/metrics"
	"github.com/vango-go/voicelink/pkg/live/protocol"
)

var (
	ErrNotOpen    = errors.New("channel not open")
	ErrClosed     = errors.New("session closed")
	ErrBufferFull = errors.New("outbound buffer full")
)

type ReconnectPolicy struct {
	// MaxAttempts is the number of reconnect attempts before giving up. Zero
	// disables reconnection.
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

type Config struct {
	URL    string
	Header http.Header

	AudioTransport string

	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	AudioQueueSize  int

	Reconnect ReconnectPolicy

	Dialer  *websocket.Dialer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() (Config, error) {
	if strings.TrimSpace(c.URL) == "" {
		return c, errors.New("vendor url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return c, fmt.Errorf("parse vendor url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return c, fmt.Errorf("vendor url scheme must be ws or wss, got %q", u.Scheme)
	}
	transport, err := protocol.ValidateAudioTransport(c.AudioTransport)
	if err != nil {
		return c, err
	}
	c.AudioTransport = transport
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 20
	}
	if c.AudioQueueSize <= 0 {
		c.AudioQueueSize = 64
	}
	if c.Reconnect.MaxAttempts < 0 {
		c.Reconnect.MaxAttempts = 0
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = 500 * time.Millisecond
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 15 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c, nil
}

// Info describes an established channel.
type Info struct {
	SessionID string
	Attempt   int
	OpenedAt  time.Time
}

type CloseInfo struct {
	Code   int
	Reason string
	// Local is true when Close was called.
	Local bool
	// WillReconnect is true when a reconnect has been scheduled.
	WillReconnect bool
	// Terminal is true when the close ends the session with an error that
	// is or will be reported through OnError or OnGiveUp.
	Terminal bool
	Err           error
}

// Handlers are invoked from the session's goroutines and must not block.
// OnMessage is called in frame arrival order.
type Handlers struct {
	OnOpen         func(Info)
	OnMessage      func(protocol.Message)
	OnClose        func(CloseInfo)
	OnError        func(error)
	OnReconnecting func(attempt int, delay time.Duration)
	OnGiveUp       func(error)
}

// DialError is returned when the vendor handshake fails.
type DialError struct {
	Status    int
	Permanent bool
	Err       error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dial vendor: http %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("dial vendor: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

type Session struct {
	id  string
	cfg Config
	h   Handlers
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     *channel
	closed bool
	fatal  error

	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

type channel struct {
	conn     *websocket.Conn
	priority chan outboundFrame
	normal   chan outboundFrame
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	attempt  int
}

// Open dials the vendor and returns a live session. The dial is bounded by
// cfg.ConnectTimeout. Failures are ErrConnection errors.
func Open(ctx context.Context, cfg Config, h Handlers) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, liveerr.Connection("open", err)
	}
	s := &Session{
		id:  uuid.NewString(),
		cfg: cfg,
		h:   h,
	}
	s.log = cfg.Logger.With(zap.String("session_id", s.id))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ch, err := s.dial(ctx, 0)
	if err != nil {
		s.cancel()
		return nil, liveerr.Connection("open", err)
	}
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
	s.start(ch)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Ready reports whether a channel is currently open.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil && !s.closed && s.fatal == nil
}

func (s *Session) dial(ctx context.Context, attempt int) (*channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	started := time.Now()
	conn, resp, err := s.cfg.Dialer.DialContext(dialCtx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.Status = resp.StatusCode
			de.Permanent = resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
		}
		s.cfg.Metrics.ConnectAttempt("error")
		s.log.Warn("vendor dial failed",
			zap.String("url", RedactURL(s.cfg.URL)),
			zap.Int("attempt", attempt),
			zap.Int("status", de.Status),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return nil, de
	}
	s.cfg.Metrics.ConnectAttempt("ok")
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	chCtx, chCancel := context.WithCancel(s.ctx)
	return &channel{
		conn:     conn,
		priority: make(chan outboundFrame, 16),
		normal:   make(chan outboundFrame, s.cfg.AudioQueueSize),
		ctx:      chCtx,
		cancel:   chCancel,
		done:     make(chan struct{}),
		attempt:  attempt,
	}, nil
}

func (s *Session) start(ch *channel) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w := &outboundWriter{
			ws:           ch.conn,
			ctx:          ch.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     ch.priority,
			normal:       ch.normal,
		}
		if err := w.Run(); err != nil {
			s.log.Warn("vendor write failed", zap.Error(err))
			// Closing the socket unblocks the reader, which handles the drop.
			_ = ch.conn.Close()
		}
	}()

	// OnOpen returns before the first inbound frame is read.
	s.log.Info("vendor channel open", zap.Int("attempt", ch.attempt))
	if s.h.OnOpen != nil {
		s.h.OnOpen(Info{SessionID: s.id, Attempt: ch.attempt, OpenedAt: time.Now()})
	}

	go func() {
		defer wg.Done()
		s.readLoop(ch)
	}()
	go func() {
		wg.Wait()
		close(ch.done)
	}()
}

func (s *Session) readLoop(ch *channel) {
	conn := ch.conn
	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(ch, err)
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		var msg protocol.Message
		switch mt {
		case websocket.BinaryMessage:
			msg = protocol.DecodeBinary(data)
		case websocket.TextMessage:
			msg, err = protocol.DecodeServerMessage(data)
			if err != nil {
				s.cfg.Metrics.MessageReceived("invalid")
				s.log.Warn("ignoring undecodable vendor frame", zap.Int("bytes", len(data)), zap.Error(err))
				s.emitError(liveerr.Protocol("decode frame", err))
				continue
			}
		default:
			continue
		}
		s.cfg.Metrics.MessageReceived(msg.MessageType())

		if s.h.OnMessage != nil {
			s.h.OnMessage(msg)
		}
		if se, ok := msg.(protocol.ServerError); ok {
			s.markFatal(ch, liveerr.Connection("vendor", se))
		}
	}
}

// markFatal records a vendor-reported failure and closes the channel without
// scheduling a reconnect.
func (s *Session) markFatal(ch *channel, err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	s.log.Warn("vendor reported a fatal error", zap.Error(err))
	s.emitError(err)
	ch.cancel()
}

// handleDrop runs once per channel when its reader stops.
func (s *Session) handleDrop(ch *channel, readErr error) {
	ch.cancel()
	_ = ch.conn.Close()

	info := CloseInfo{Err: readErr}
	var ce *websocket.CloseError
	if errors.As(readErr, &ce) {
		info.Code = ce.Code
		info.Reason = ce.Text
	}

	s.mu.Lock()
	if s.ch != ch {
		s.mu.Unlock()
		return
	}
	s.ch = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.fatal != nil || s.cfg.Reconnect.MaxAttempts == 0 {
		fatal := s.fatal
		s.mu.Unlock()
		info.Terminal = true
		s.log.Info("vendor channel closed", zap.Int("code", info.Code), zap.String("reason", info.Reason))
		s.emitClose(info)
		if fatal == nil {
			s.giveUp(liveerr.Connection("channel closed", readErr), 0)
		}
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	info.WillReconnect = true
	s.log.Warn("vendor channel dropped; reconnecting",
		zap.Int("code", info.Code), zap.String("reason", info.Reason), zap.Error(readErr))
	s.emitClose(info)
	go s.reconnect(readErr)
}

func (s *Session) backoff() retry.Backoff {
	p := s.cfg.Reconnect
	b := retry.NewExponential(p.BaseDelay)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts), b)
}

// reconnect dials until a channel opens, the budget is spent, or the session
// is closed. Only one reconnect runs at a time.
func (s *Session) reconnect(cause error) {
	defer s.wg.Done()

	b := s.backoff()
	lastErr := cause
	attempt := 0
	for {
		delay, stop := b.Next()
		if stop {
			s.reconnecting.Store(false)
			s.giveUp(liveerr.Connection("reconnect", fmt.Errorf("gave up after %d attempts: %w", attempt, lastErr)), attempt)
			return
		}
		attempt++
		s.cfg.Metrics.Reconnect()
		s.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if s.h.OnReconnecting != nil {
			s.h.OnReconnecting(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.reconnecting.Store(false)
			return
		case <-timer.C:
		}

		ch, err := s.dial(s.ctx, attempt)
		if err != nil {
			if s.ctx.Err() != nil {
				s.reconnecting.Store(false)
				return
			}
			lastErr = err
			var de *DialError
			if errors.As(err, &de) && de.Permanent {
				s.reconnecting.Store(false)
				s.giveUp(liveerr.Connection("reconnect", err), attempt)
				return
			}
			continue
		}

		s.mu.Lock()
		s.reconnecting.Store(false)
		if s.closed {
			s.mu.Unlock()
			ch.cancel()
			_ = ch.conn.Close()
			return
		}
		s.ch = ch
		s.mu.Unlock()
		s.start(ch)
		return
	}
}

func (s *Session) giveUp(err error, attempts int) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	s.cfg.Metrics.GiveUp()
	s.log.Error("giving up on vendor channel", zap.Int("attempts", attempts), zap.Error(err))
	if s.h.OnGiveUp != nil {
		s.h.OnGiveUp(err)
	}
}

// SendAudio queues one microphone chunk. It never blocks: when the channel is
// not open or the audio lane is full the chunk is dropped and an ErrSend error
// is returned.
func (s *Session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	ch, err := s.current()
	if err != nil {
		return liveerr.Send("send audio", err)
	}
	var frame outboundFrame
	if s.cfg.AudioTransport == protocol.AudioTransportBase64JSON {
		payload, err := json.Marshal(protocol.NewAudioFrame(chunk))
		if err != nil {
			return liveerr.Send("send audio", err)
		}
		frame.text = payload
	} else {
		frame.binary = chunk
	}
	select {
	case <-ch.ctx.Done():
		return liveerr.Send("send audio", ErrNotOpen)
	default:
	}
	select {
	case ch.normal <- frame:
		return nil
	default:
		return liveerr.Send("send audio", ErrBufferFull)
	}
}

// SendControl queues a JSON control message ahead of any pending audio.
func (s *Session) SendControl(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return liveerr.Send("send control", err)
	}
	ch, err := s.current()
	if err != nil {
		return liveerr.Send("send control", err)
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case ch.priority <- outboundFrame{text: payload}:
		return nil
	case <-ch.ctx.Done():
		return liveerr.Send("send control", ErrNotOpen)
	case <-timer.C:
		return liveerr.Send("send control", ErrBufferFull)
	}
}

func (s *Session) UpdatePrompt(prompt string) error {
	return s.SendControl(protocol.NewUpdatePrompt(prompt))
}

func (s *Session) current() (*channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, ErrClosed
	case s.fatal != nil, s.ch == nil:
		return nil, ErrNotOpen
	}
	return s.ch, nil
}

// Close shuts the channel and cancels any pending reconnect. It is safe to
// call more than once. After it returns nothing more is written to the vendor.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.ch
	s.mu.Unlock()

	s.cancel()
	if ch != nil {
		ch.cancel()
		<-ch.done
	}
	s.wg.Wait()
	s.log.Info("vendor session closed")
	s.emitClose(CloseInfo{Code: websocket.CloseNormalClosure, Local: true})
	return nil
}

func (s *Session) emitClose(info CloseInfo) {
	if s.h.OnClose != nil {
		s.h.OnClose(info)
	}
}

func (s *Session) emitError(err error) {
	if s.h.OnError != nil {
		s.h.OnError(err)
	}
}

// RedactURL hides credentials carried in query parameters.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	for _, key := range []string{"api_key", "apikey", "token", "key", "session_token"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	u.User = nil
	return u.String()
}
