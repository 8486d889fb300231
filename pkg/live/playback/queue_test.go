package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicelink/pkg/live/liveerr"
	"github.com/vango-go/voicelink/pkg/live/protocol"
)

// recordingSpeaker records the first byte of every segment it plays.
type recordingSpeaker struct {
	mu      sync.Mutex
	played  []byte
	delay   time.Duration
	active  int
	overlap bool
}

func (s *recordingSpeaker) Play(ctx context.Context, pcm PCM) error {
	s.mu.Lock()
	s.active++
	if s.active > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.delay):
		}
	}

	s.mu.Lock()
	s.active--
	s.played = append(s.played, pcm.Data[0])
	s.mu.Unlock()
	return nil
}

func (s *recordingSpeaker) Close() error { return nil }

func (s *recordingSpeaker) snapshot() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]byte(nil), s.played...)
	return out, s.overlap
}

// failingDecoder fails for segments whose first byte is 0xEE.
type failingDecoder struct{}

func (failingDecoder) Decode(segment []byte) (PCM, error) {
	if segment[0] == 0xEE {
		return PCM{}, errors.New("corrupt segment")
	}
	return PCM{Format: protocol.AudioFormat{SampleRateHz: 16000, Channels: 1}, Data: segment}, nil
}

func segmentOf(b byte) []byte { return []byte{b, 0} }

func waitIdle(t *testing.T, idle <-chan struct{}) {
	t.Helper()
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for playback to finish")
	}
}

func TestQueue_PlaysInFIFOOrderSkippingDecodeFailures(t *testing.T) {
	sp := &recordingSpeaker{delay: 2 * time.Millisecond}
	var (
		errMu   sync.Mutex
		gotErrs []error
	)
	q := NewQueue(Options{
		Decoder: failingDecoder{},
		Speaker: sp,
		OnError: func(err error) {
			errMu.Lock()
			gotErrs = append(gotErrs, err)
			errMu.Unlock()
		},
	})
	defer q.Close()

	for _, b := range []byte{1, 0xEE, 2, 3, 0xEE, 4, 5} {
		q.Enqueue(segmentOf(b))
	}
	waitPlayed(t, sp, 5)

	played, overlap := sp.snapshot()
	if overlap {
		t.Fatal("segments overlapped")
	}
	want := []byte{1, 2, 3, 4, 5}
	if string(played) != string(want) {
		t.Fatalf("played = %v, want %v", played, want)
	}
	errMu.Lock()
	defer errMu.Unlock()
	if len(gotErrs) != 2 {
		t.Fatalf("errors = %d, want 2", len(gotErrs))
	}
	for _, err := range gotErrs {
		if !errors.Is(err, liveerr.ErrPlayback) {
			t.Fatalf("error %v is not a playback error", err)
		}
	}
}

func TestQueue_TwoFailuresThenOneSuccessPlaysOnce(t *testing.T) {
	sp := &recordingSpeaker{}
	q := NewQueue(Options{Decoder: failingDecoder{}, Speaker: sp})
	defer q.Close()

	q.Enqueue(segmentOf(0xEE))
	q.Enqueue(segmentOf(0xEE))
	q.Enqueue(segmentOf(7))
	waitPlayed(t, sp, 1)
	time.Sleep(20 * time.Millisecond)

	played, _ := sp.snapshot()
	if len(played) != 1 || played[0] != 7 {
		t.Fatalf("played = %v, want [7]", played)
	}
}

func TestQueue_SpeakingFlagTracksDrain(t *testing.T) {
	sp := &recordingSpeaker{delay: 20 * time.Millisecond}
	var (
		mu     sync.Mutex
		events []bool
	)
	idle := make(chan struct{}, 4)
	q := NewQueue(Options{
		Decoder: failingDecoder{},
		Speaker: sp,
		OnSpeaking: func(on bool) {
			mu.Lock()
			events = append(events, on)
			mu.Unlock()
			if !on {
				idle <- struct{}{}
			}
		},
	})
	defer q.Close()

	q.Enqueue(segmentOf(1))
	q.Enqueue(segmentOf(2))
	if !q.Speaking() {
		t.Fatal("Speaking() = false while draining")
	}
	waitIdle(t, idle)
	if q.Speaking() {
		t.Fatal("Speaking() = true after drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("speaking events = %v, want [true false]", events)
	}
}

func TestQueue_ResetDropsPending(t *testing.T) {
	sp := &recordingSpeaker{delay: 50 * time.Millisecond}
	idle := make(chan struct{}, 4)
	q := NewQueue(Options{
		Decoder:    failingDecoder{},
		Speaker:    sp,
		OnSpeaking: onIdle(idle),
	})
	defer q.Close()

	for b := byte(1); b <= 5; b++ {
		q.Enqueue(segmentOf(b))
	}
	time.Sleep(10 * time.Millisecond)
	q.Reset()
	waitIdle(t, idle)

	played, _ := sp.snapshot()
	if len(played) != 1 || played[0] != 1 {
		t.Fatalf("played = %v, want only the in-flight segment", played)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_EnqueueAfterCloseIsNoop(t *testing.T) {
	sp := &recordingSpeaker{}
	q := NewQueue(Options{Decoder: failingDecoder{}, Speaker: sp})
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	q.Enqueue(segmentOf(1))
	time.Sleep(10 * time.Millisecond)
	if played, _ := sp.snapshot(); len(played) != 0 {
		t.Fatalf("played after close = %v", played)
	}
}

func waitPlayed(t *testing.T, sp *recordingSpeaker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if played, _ := sp.snapshot(); len(played) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	played, _ := sp.snapshot()
	t.Fatalf("played %d segments, want %d", len(played), n)
}

func onIdle(idle chan<- struct{}) func(bool) {
	return func(on bool) {
		if !on {
			idle <- struct{}{}
		}
	}
}
