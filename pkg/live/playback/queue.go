// Package playback plays vendor audio segments strictly in arrival order.
//
// # Drain model
//
// Enqueue appends a segment and starts a drain goroutine if none is running.
// The drain pops one segment at a time, decodes it, and blocks on the speaker
// until it has played. At most one drain runs, so segments never overlap or
// reorder. The speaking flag is true for the lifetime of a drain.
//
// A segment that fails to decode or play is reported through OnError and
// skipped; the drain moves on to the next segment.
package playback

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/liveerr"
	"github.com/vango-go/voicelink/pkg/live/protocol"
)

// PCM is decoded audio ready for a speaker.
type PCM struct {
	Format protocol.AudioFormat
	Data   []byte
}

type Decoder interface {
	Decode(segment []byte) (PCM, error)
}

// Speaker plays PCM and returns once the audio has been played or ctx ends.
type Speaker interface {
	Play(ctx context.Context, pcm PCM) error
	Close() error
}

type Options struct {
	Decoder Decoder
	Speaker Speaker
	Logger  *zap.Logger

	OnSpeaking func(bool)
	OnError    func(error)
	OnPlayed   func(seq uint64, pcm PCM)
}

type segment struct {
	seq  uint64
	data []byte
}

type Queue struct {
	dec     Decoder
	speaker Speaker
	log     *zap.Logger

	onSpeaking func(bool)
	onError    func(error)
	onPlayed   func(uint64, PCM)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    []segment
	nextSeq    uint64
	draining   bool
	closed     bool
	playCancel context.CancelFunc
	drainWG    sync.WaitGroup

	emitMu   sync.Mutex
	reported bool
}

func NewQueue(opts Options) *Queue {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	dec := opts.Decoder
	if dec == nil {
		dec = AutoDecoder{}
	}
	sp := opts.Speaker
	if sp == nil {
		sp = NullSpeaker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		dec:        dec,
		speaker:    sp,
		log:        log,
		onSpeaking: opts.OnSpeaking,
		onError:    opts.OnError,
		onPlayed:   opts.OnPlayed,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue appends a segment. The caller gives up ownership of data.
func (q *Queue) Enqueue(data []byte) {
	if q == nil || len(data) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.nextSeq++
	q.pending = append(q.pending, segment{seq: q.nextSeq, data: data})
	start := !q.draining
	if start {
		q.draining = true
		q.drainWG.Add(1)
	}
	q.mu.Unlock()

	if start {
		q.syncSpeaking()
		go q.drain()
	}
}

func (q *Queue) drain() {
	defer q.drainWG.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.closed {
			q.draining = false
			q.playCancel = nil
			q.mu.Unlock()
			q.syncSpeaking()
			return
		}
		seg := q.pending[0]
		q.pending[0] = segment{}
		q.pending = q.pending[1:]
		playCtx, cancel := context.WithCancel(q.ctx)
		q.playCancel = cancel
		q.mu.Unlock()

		q.playOne(playCtx, seg)
		cancel()
	}
}

func (q *Queue) playOne(ctx context.Context, seg segment) {
	pcm, err := q.dec.Decode(seg.data)
	if err != nil {
		q.log.Warn("audio segment decode failed; skipping",
			zap.Uint64("seq", seg.seq), zap.Int("bytes", len(seg.data)), zap.Error(err))
		q.report(liveerr.Playback("decode segment", err))
		return
	}
	if err := q.speaker.Play(ctx, pcm); err != nil {
		if ctx.Err() != nil {
			return
		}
		q.log.Warn("audio segment playback failed; skipping", zap.Uint64("seq", seg.seq), zap.Error(err))
		q.report(liveerr.Playback("play segment", err))
		return
	}
	if q.onPlayed != nil {
		q.onPlayed(seg.seq, pcm)
	}
}

func (q *Queue) report(err error) {
	if q.onError != nil {
		q.onError(err)
	}
}

// syncSpeaking publishes the current drain state if it differs from the last
// published value. Serializing on emitMu means callbacks always converge on the
// true state even when a drain ends while another Enqueue starts one.
func (q *Queue) syncSpeaking() {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	q.mu.Lock()
	want := q.draining
	q.mu.Unlock()
	if want == q.reported {
		return
	}
	q.reported = want
	if q.onSpeaking != nil {
		q.onSpeaking(want)
	}
}

// Speaking reports whether a drain is in progress.
func (q *Queue) Speaking() bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Reset drops pending segments and interrupts the segment being played.
func (q *Queue) Reset() {
	if q == nil {
		return
	}
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	if q.playCancel != nil {
		q.playCancel()
	}
	q.mu.Unlock()
	if dropped > 0 {
		q.log.Debug("playback queue reset", zap.Int("dropped", dropped))
	}
}

// Close stops playback, waits for the drain to exit and closes the speaker.
func (q *Queue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.drainWG.Wait()
	return q.speaker.Close()
}
