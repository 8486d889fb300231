package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/voicelink/pkg/live/liveerr"
	"github.com/vango-go/voicelink/pkg/live/protocol"
)

type pipeDevice struct {
	mu      sync.Mutex
	opens   int
	writers []*io.PipeWriter
	closed  int32
	openErr error
}

type trackedReader struct {
	*io.PipeReader
	dev *pipeDevice
}

func (r trackedReader) Close() error {
	atomic.AddInt32(&r.dev.closed, 1)
	return r.PipeReader.Close()
}

func (d *pipeDevice) Open(ctx context.Context, format protocol.AudioFormat) (io.ReadCloser, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	pr, pw := io.Pipe()
	d.mu.Lock()
	d.opens++
	d.writers = append(d.writers, pw)
	d.mu.Unlock()
	return trackedReader{PipeReader: pr, dev: d}, nil
}

func (d *pipeDevice) writer(i int) *io.PipeWriter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writers[i]
}

var testConstraints = Constraints{
	Format:        protocol.AudioFormat{Encoding: protocol.EncodingPCM16LE, SampleRateHz: 16000, Channels: 1},
	ChunkInterval: 100 * time.Millisecond,
}

func TestRecorder_ChunksAtConfiguredSize(t *testing.T) {
	dev := &pipeDevice{}
	rec := NewRecorder(dev, Options{})

	chunks := make(chan Chunk, 8)
	if err := rec.Start(context.Background(), testConstraints, func(c Chunk) { chunks <- c }); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer rec.Stop()

	// 100ms @ 16kHz mono s16le = 3200 bytes; write 2.5 chunks.
	go func() { _, _ = dev.writer(0).Write(make([]byte, 8000)) }()

	for want := int64(1); want <= 2; want++ {
		select {
		case c := <-chunks:
			if c.Seq != want {
				t.Fatalf("seq = %d, want %d", c.Seq, want)
			}
			if len(c.Data) != 3200 {
				t.Fatalf("chunk bytes = %d, want 3200", len(c.Data))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for chunk %d", want)
		}
	}
	select {
	case c := <-chunks:
		t.Fatalf("unexpected partial chunk %+v", c.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecorder_StopIsIdempotentAndReleasesDevice(t *testing.T) {
	dev := &pipeDevice{}
	rec := NewRecorder(dev, Options{})
	if err := rec.Start(context.Background(), testConstraints, func(Chunk) {}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	rec.Stop()
	rec.Stop()
	if rec.Active() {
		t.Fatal("recorder still active after Stop")
	}
	if got := atomic.LoadInt32(&dev.closed); got != 1 {
		t.Fatalf("device closed %d times, want 1", got)
	}
}

func TestRecorder_StartStopsPriorStream(t *testing.T) {
	dev := &pipeDevice{}
	rec := NewRecorder(dev, Options{})
	if err := rec.Start(context.Background(), testConstraints, func(Chunk) {}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := rec.Start(context.Background(), testConstraints, func(Chunk) {}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer rec.Stop()
	if got := atomic.LoadInt32(&dev.closed); got != 1 {
		t.Fatalf("prior stream closed %d times, want 1", got)
	}
	dev.mu.Lock()
	opens := dev.opens
	dev.mu.Unlock()
	if opens != 2 {
		t.Fatalf("opens = %d, want 2", opens)
	}
}

func TestRecorder_NoChunksAfterStop(t *testing.T) {
	dev := &pipeDevice{}
	rec := NewRecorder(dev, Options{})
	var delivered int32
	var stopped int32
	var late int32
	if err := rec.Start(context.Background(), testConstraints, func(Chunk) {
		atomic.AddInt32(&delivered, 1)
		if atomic.LoadInt32(&stopped) == 1 {
			atomic.AddInt32(&late, 1)
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go func() {
		w := dev.writer(0)
		for {
			if _, err := w.Write(make([]byte, 3200)); err != nil {
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)
	rec.Stop()
	atomic.StoreInt32(&stopped, 1)
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&late); got != 0 {
		t.Fatalf("%d chunks delivered after Stop", got)
	}
}

func TestRecorder_OpenFailureIsPermissionDenied(t *testing.T) {
	dev := &pipeDevice{openErr: errors.New("device busy")}
	rec := NewRecorder(dev, Options{})
	err := rec.Start(context.Background(), testConstraints, func(Chunk) {})
	if !errors.Is(err, liveerr.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if rec.Active() {
		t.Fatal("recorder active after failed open")
	}
}

func TestRecorder_OnEndCalledForDeviceEOF(t *testing.T) {
	dev := &pipeDevice{}
	ended := make(chan error, 1)
	rec := NewRecorder(dev, Options{OnEnd: func(err error) { ended <- err }})
	if err := rec.Start(context.Background(), testConstraints, func(Chunk) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = dev.writer(0).Close()
	select {
	case err := <-ended:
		if err == nil {
			t.Fatal("OnEnd err = nil, want EOF error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnd not called")
	}
	if rec.Active() {
		t.Fatal("recorder still active after EOF")
	}
}

func TestLevels(t *testing.T) {
	// Samples: 0, 16384, -32768
	p := []byte{0x00, 0x00, 0x00, 0x40, 0x00, 0x80}
	peak, rms := Levels(p)
	if peak != 32768 {
		t.Fatalf("peak = %d, want 32768", peak)
	}
	if rms <= 0.6 || rms >= 0.7 {
		t.Fatalf("rms = %.4f, want ~0.645", rms)
	}
}

func TestConstraintsValidation(t *testing.T) {
	if _, err := (Constraints{}).chunkBytes(); err == nil {
		t.Fatal("expected error for zero interval")
	}
	n, err := Constraints{Format: protocol.AudioFormat{SampleRateHz: 16000, Channels: 1}, ChunkInterval: 250 * time.Millisecond}.chunkBytes()
	if err != nil || n != 8000 {
		t.Fatalf("chunkBytes = %d, %v; want 8000", n, err)
	}
}
