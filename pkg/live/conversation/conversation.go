// Package conversation drives one spoken conversation with the voice vendor.
//
// A Conversation owns the transport session, the microphone recorder, the
// playback queue, the state machine and the transcript. It is constructed
// explicitly by its owner; nothing in this package is process-wide.
//
// Error policy:
//
//	ErrPermissionDenied, ErrConnection  state -> failed, session halted
//	ErrProtocol, ErrPlayback            logged, session continues
//	ErrSend                             chunk dropped and counted
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voicelink/pkg/live/capture"
	"github.com/vango-go/voicelink/pkg/live/liveerr"
	"github.com/vango-go/voicelink/pkg/live/metrics"
	"github.com/vango-go/voicelink/pkg/live/playback"
	"github.com/vango-go/voicelink/pkg/live/protocol"
	"github.com/vango-go/voicelink/pkg/live/state"
	"github.com/vango-go/voicelink/pkg/live/transcript"
	"github.com/vango-go/voicelink/pkg/live/transport"
)

const (
	msgConnected    = "Connected to voice service"
	msgDisconnected = "Disconnected from voice service"
	msgGaveUp       = "Connection lost. Press start to try again."
	msgCallEnded    = "Call ended"
)

var (
	ErrNotConnected = errors.New("conversation is not connected")
	ErrClosed       = errors.New("conversation closed")
	ErrEmptyPrompt  = errors.New("prompt is empty")
)

// Session is the slice of *transport.Session a conversation uses.
type Session interface {
	ID() string
	Ready() bool
	SendAudio(chunk []byte) error
	UpdatePrompt(prompt string) error
	Close() error
}

// Dialer opens a vendor session. The default is transport.Open.
type Dialer func(ctx context.Context, cfg transport.Config, h transport.Handlers) (Session, error)

func dialTransport(ctx context.Context, cfg transport.Config, h transport.Handlers) (Session, error) {
	s, err := transport.Open(ctx, cfg, h)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Config struct {
	// Transport is the dial template; URL and Header come from the resolver.
	Transport transport.Config
	Capture   capture.Constraints

	// Owner keys this conversation in Deps.Tracker.
	Owner string

	ReleaseTimeout time.Duration
	ArchiveTimeout time.Duration
	ArchiveBuffer  int
}

type Deps struct {
	Resolver EndpointResolver
	Device   capture.Device
	Decoder  playback.Decoder
	Speaker  playback.Speaker

	// Optional collaborators. Nil values get private defaults.
	State      *state.Machine
	Transcript *transcript.Store
	Archive    transcript.Sink
	Tracker    *Tracker
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Dial       Dialer
}

type Conversation struct {
	cfg      Config
	resolver EndpointResolver
	dial     Dialer
	log      *zap.Logger
	metrics  *metrics.Metrics
	tracker  *Tracker

	state      *state.Machine
	transcript *transcript.Store
	recorder   *capture.Recorder
	playback   *playback.Queue

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes Start, Stop and halts.
	opMu sync.Mutex

	mu         sync.Mutex
	gen        uint64
	sess       Session
	sessionID  string
	endpoint   Endpoint
	startedAt  time.Time
	unregister func()
	closed     bool

	peak atomic.Int64
	rms  atomic.Uint64

	archive *archiver
	halts   sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Conversation, error) {
	if deps.Resolver == nil {
		return nil, errors.New("conversation: endpoint resolver is required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	if cfg.Owner == "" {
		cfg.Owner = "default"
	}

	c := &Conversation{
		cfg:        cfg,
		resolver:   deps.Resolver,
		dial:       deps.Dial,
		log:        log,
		metrics:    deps.Metrics,
		tracker:    deps.Tracker,
		state:      deps.State,
		transcript: deps.Transcript,
	}
	if c.dial == nil {
		c.dial = dialTransport
	}
	if c.state == nil {
		c.state = state.New()
	}
	if c.transcript == nil {
		c.transcript = transcript.NewStore()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.recorder = capture.NewRecorder(deps.Device, capture.Options{
		Logger: log.Named("capture"),
		OnEnd:  c.onMicEnded,
	})
	c.playback = playback.NewQueue(playback.Options{
		Decoder:    deps.Decoder,
		Speaker:    deps.Speaker,
		Logger:     log.Named("playback"),
		OnSpeaking: c.onSpeaking,
		OnError:    func(err error) { c.handleError(c.currentGen(), err) },
		OnPlayed: func(_ uint64, pcm playback.PCM) {
			c.metrics.SegmentPlayed(playback.Duration(pcm))
			c.metrics.SetQueueDepth(c.playback.Len())
		},
	})
	if deps.Archive != nil {
		c.archive = newArchiver(deps.Archive, cfg.ArchiveBuffer, cfg.ArchiveTimeout, log.Named("archive"))
	}
	return c, nil
}

func (c *Conversation) State() *state.Machine { return c.state }

func (c *Conversation) Transcript() *transcript.Store { return c.transcript }

func (c *Conversation) Snapshot() state.Snapshot { return c.state.Snapshot() }

func (c *Conversation) Entries() []transcript.Entry { return c.transcript.All() }

// SessionID returns the id of the current session, or "".
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Levels returns the peak and RMS of the last microphone chunk, or zeros
// while the microphone is off.
func (c *Conversation) Levels() (peak int, rms float64) {
	if !c.recorder.Active() {
		return 0, 0
	}
	return int(c.peak.Load()), float64(c.rms.Load()) / 1e6
}

// Start opens a new vendor session, tearing down any previous one first.
// A failed start leaves the conversation in the failed state.
func (c *Conversation) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	hadSession := c.sess != nil
	c.mu.Unlock()

	if hadSession {
		c.log.Info("restarting conversation; tearing down previous session")
		c.teardownLocked("restart")
	}
	if st := c.state.Snapshot().State; st != state.Disconnected && st != state.Failed {
		c.state.Closed()
	}
	if err := c.state.Connecting(""); err != nil {
		return err
	}

	// Claim the owner slot before dialing so a conversation it displaces is
	// torn down before a second vendor channel opens.
	unregister := c.tracker.Register(c.cfg.Owner, Handle{Stop: func() { _ = c.Stop() }})

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.sessionID = ""
	c.unregister = unregister
	c.mu.Unlock()

	ep, err := c.resolver.Resolve(ctx)
	if err != nil {
		err = liveerr.Connection("resolve endpoint", err)
		c.fail(gen, err)
		c.dropClaim()
		return err
	}

	tcfg := c.cfg.Transport
	tcfg.URL = ep.URL
	tcfg.Header = ep.Header
	if tcfg.Logger == nil {
		tcfg.Logger = c.log.Named("transport")
	}
	if tcfg.Metrics == nil {
		tcfg.Metrics = c.metrics
	}

	sess, err := c.dial(ctx, tcfg, c.handlers(gen))
	if err != nil {
		if !liveerr.IsFatal(err) {
			err = liveerr.Connection("open session", err)
		}
		c.release(ep)
		c.fail(gen, err)
		c.dropClaim()
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.endpoint = ep
	c.startedAt = time.Now()
	if c.sessionID == "" {
		c.sessionID = sess.ID()
	}
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.log.Info("conversation started", zap.String("session_id", sess.ID()), zap.String("call_id", ep.CallID))
	return nil
}

// StartListening opens the microphone and streams chunks to the vendor.
func (c *Conversation) StartListening(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	sess, gen := c.sess, c.gen
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	err := c.recorder.Start(c.ctx, c.cfg.Capture, func(ch capture.Chunk) { c.onChunk(gen, ch) })
	if err != nil {
		c.handleError(gen, err)
		return err
	}
	c.state.MicStarted()
	return nil
}

func (c *Conversation) StopListening() {
	c.recorder.Stop()
	c.state.MicStopped()
}

// UpdatePrompt sends a replacement system prompt over the live channel.
func (c *Conversation) UpdatePrompt(prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	if err := sess.UpdatePrompt(prompt); err != nil {
		return err
	}
	c.log.Info("prompt updated", zap.Int("chars", len(prompt)))
	return nil
}

// Stop ends the conversation. Calling it again is a no-op.
func (c *Conversation) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	active := c.sess != nil
	c.mu.Unlock()
	if !active {
		return nil
	}
	c.appendEntry(transcript.SpeakerSystem, msgCallEnded)
	c.teardownLocked("stopped")
	c.state.Closed()
	c.log.Info("conversation stopped")
	return nil
}

// Close stops the conversation and releases the speaker and archive worker.
func (c *Conversation) Close() error {
	err := c.Stop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return err
	}
	c.closed = true
	c.mu.Unlock()

	c.halts.Wait()
	c.cancel()
	if perr := c.playback.Close(); perr != nil && err == nil {
		err = perr
	}
	if c.archive != nil {
		if aerr := c.archive.Close(); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}

// teardownLocked releases the current session. Callers hold opMu.
func (c *Conversation) teardownLocked(reason string) {
	c.mu.Lock()
	sess := c.sess
	ep := c.endpoint
	sessionID := c.sessionID
	startedAt := c.startedAt
	unregister := c.unregister
	c.sess = nil
	c.endpoint = Endpoint{}
	c.unregister = nil
	c.gen++
	c.mu.Unlock()

	c.recorder.Stop()
	if sess != nil {
		_ = sess.Close()
	}
	c.playback.Reset()
	c.metrics.SetQueueDepth(0)
	c.release(ep)
	if sessionID != "" {
		c.archive.End(sessionID, reason)
	}
	if sess != nil {
		c.metrics.SessionEnded(time.Since(startedAt))
	}
	if unregister != nil {
		unregister()
	}
}

func (c *Conversation) dropClaim() {
	c.mu.Lock()
	unregister := c.unregister
	c.unregister = nil
	c.mu.Unlock()
	if unregister != nil {
		unregister()
	}
}

func (c *Conversation) release(ep Endpoint) {
	r, ok := c.resolver.(EndpointReleaser)
	if !ok || ep.CallID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
	defer cancel()
	if err := r.Release(ctx, ep); err != nil {
		c.log.Warn("release vendor call failed", zap.String("call_id", ep.CallID), zap.Error(err))
	}
}

func (c *Conversation) handlers(gen uint64) transport.Handlers {
	return transport.Handlers{
		OnOpen: func(info transport.Info) {
			if !c.isCurrent(gen) {
				return
			}
			c.mu.Lock()
			first := c.sessionID == "" || info.Attempt == 0
			if c.sessionID == "" {
				c.sessionID = info.SessionID
			}
			c.mu.Unlock()
			if first {
				c.archive.Begin(info.SessionID, info.OpenedAt)
			}
			c.state.Opened(info.SessionID)
			c.appendEntry(transcript.SpeakerSystem, msgConnected)
		},
		OnMessage: func(msg protocol.Message) {
			if c.isCurrent(gen) {
				c.dispatch(msg)
			}
		},
		OnClose: func(info transport.CloseInfo) {
			if info.Local || !c.isCurrent(gen) {
				return
			}
			c.appendEntry(transcript.SpeakerSystem, msgDisconnected)
			if info.WillReconnect || info.Terminal {
				return
			}
			c.recorder.Stop()
			if c.state.Snapshot().State != state.Failed {
				c.state.Closed()
			}
		},
		OnError: func(err error) { c.handleError(gen, err) },
		OnReconnecting: func(attempt int, delay time.Duration) {
			if !c.isCurrent(gen) {
				return
			}
			c.log.Info("reconnecting to vendor", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			c.state.Reconnecting(attempt)
		},
		OnGiveUp: func(err error) {
			if !c.isCurrent(gen) {
				return
			}
			c.appendEntry(transcript.SpeakerSystem, msgGaveUp)
			c.handleError(gen, err)
		},
	}
}

// dispatch routes one inbound message to exactly one handler.
func (c *Conversation) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Transcript:
		speaker := transcript.SpeakerAssistant
		if m.Role == protocol.RoleUser {
			speaker = transcript.SpeakerUser
		}
		c.appendEntry(speaker, m.Text)
	case protocol.AudioSegment:
		c.playback.Enqueue(m.Data)
		c.metrics.SetQueueDepth(c.playback.Len())
	case protocol.Status:
		c.state.SetVendorStatus(m.Status)
	case protocol.ServerError:
		// The transport reports the failure through OnError.
		c.log.Warn("vendor error message", zap.String("code", m.Code), zap.String("message", m.Message))
	default:
		c.log.Debug("ignoring vendor message", zap.String("type", msg.MessageType()))
	}
}

func (c *Conversation) appendEntry(speaker transcript.Speaker, text string) {
	e := c.transcript.Append(speaker, text)
	c.metrics.TranscriptEntry(string(speaker))
	if sessionID := c.SessionID(); sessionID != "" {
		c.archive.Save(sessionID, e)
	}
}

func (c *Conversation) onChunk(gen uint64, ch capture.Chunk) {
	c.peak.Store(int64(ch.Peak))
	c.rms.Store(uint64(ch.RMS * 1e6))

	c.mu.Lock()
	sess := c.sess
	current := c.gen == gen
	c.mu.Unlock()
	if !current || sess == nil || !sess.Ready() {
		c.metrics.ChunkDropped("not_open")
		return
	}
	if err := sess.SendAudio(ch.Data); err != nil {
		c.handleError(gen, err)
		return
	}
	c.metrics.ChunkSent(len(ch.Data))
}

func (c *Conversation) onSpeaking(speaking bool) {
	if speaking {
		c.state.SpeakingStarted()
		return
	}
	c.state.SpeakingStopped()
}

func (c *Conversation) onMicEnded(err error) {
	if err != nil {
		c.log.Warn("microphone stream ended", zap.Error(err))
	} else {
		c.log.Info("microphone stream ended")
	}
	c.state.MicStopped()
}

// handleError applies the error policy.
func (c *Conversation) handleError(gen uint64, err error) {
	if err == nil {
		return
	}
	label := liveerr.Label(err)
	switch {
	case errors.Is(err, liveerr.ErrSend):
		c.metrics.ChunkDropped("send")
		c.log.Debug("outbound chunk dropped", zap.Error(err))
		return
	case liveerr.IsFatal(err):
		c.metrics.Error(label)
		c.log.Error("conversation failed", zap.String("kind", label), zap.Error(err))
		c.fail(gen, err)
	default:
		c.metrics.Error(label)
		c.log.Warn("conversation error; continuing", zap.String("kind", label), zap.Error(err))
	}
}

// fail records err in the state machine and halts the session. The halt runs
// asynchronously because fail may be called from a transport goroutine that
// Session.Close waits on.
func (c *Conversation) fail(gen uint64, err error) {
	if !c.isCurrent(gen) {
		return
	}
	c.recorder.Stop()
	c.state.Fail(err)

	c.mu.Lock()
	hasSession := c.sess != nil
	c.mu.Unlock()
	if !hasSession {
		return
	}
	c.halts.Add(1)
	go func() {
		defer c.halts.Done()
		c.opMu.Lock()
		defer c.opMu.Unlock()
		if !c.isCurrent(gen) {
			return
		}
		c.teardownLocked(fmt.Sprintf("error: %s", liveerr.Label(err)))
	}()
}

func (c *Conversation) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Conversation) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// archiver writes transcript entries to a Sink from a single goroutine so
// slow storage never blocks the audio path.
type archiver struct {
	sink    transcript.Sink
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	ops    chan archiveOp
	closed bool
	g      errgroup.Group
}

type archiveKind int

const (
	archiveBegin archiveKind = iota
	archiveSave
	archiveEnd
)

type archiveOp struct {
	kind      archiveKind
	sessionID string
	entry     transcript.Entry
	reason    string
	at        time.Time
}

func newArchiver(sink transcript.Sink, buffer int, timeout time.Duration, log *zap.Logger) *archiver {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &archiver{sink: sink, timeout: timeout, log: log, ops: make(chan archiveOp, buffer)}
	a.g.Go(a.run)
	return a
}

func (a *archiver) Begin(sessionID string, at time.Time) {
	a.enqueue(archiveOp{kind: archiveBegin, sessionID: sessionID, at: at})
}

func (a *archiver) Save(sessionID string, e transcript.Entry) {
	a.enqueue(archiveOp{kind: archiveSave, sessionID: sessionID, entry: e})
}

func (a *archiver) End(sessionID, reason string) {
	a.enqueue(archiveOp{kind: archiveEnd, sessionID: sessionID, reason: reason, at: time.Now()})
}

func (a *archiver) enqueue(op archiveOp) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.ops <- op:
	default:
		a.log.Warn("archive buffer full; dropping write", zap.String("session_id", op.sessionID))
	}
}

func (a *archiver) run() error {
	var failures int
	for op := range a.ops {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		var err error
		switch op.kind {
		case archiveBegin:
			err = a.sink.BeginSession(ctx, op.sessionID, op.at)
		case archiveSave:
			err = a.sink.Save(ctx, op.sessionID, op.entry)
		case archiveEnd:
			err = a.sink.EndSession(ctx, op.sessionID, op.reason, op.at)
		}
		cancel()
		if err != nil {
			failures++
			a.log.Warn("archive write failed", zap.String("session_id", op.sessionID), zap.Error(err))
		}
	}
	if failures > 0 {
		return fmt.Errorf("archive: %d writes failed", failures)
	}
	return nil
}

func (a *archiver) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ops)
	}
	a.mu.Unlock()
	return a.g.Wait()
}
