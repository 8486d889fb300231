// Package capture reads microphone audio and slices it into fixed-interval
// chunks for the vendor channel.
package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/liveerr"
	"github.com/vango-go/voicelink/pkg/live/protocol"
)

// Device opens a raw PCM s16le stream in the requested format.
type Device interface {
	Open(ctx context.Context, format protocol.AudioFormat) (io.ReadCloser, error)
}

type Constraints struct {
	Format        protocol.AudioFormat
	ChunkInterval time.Duration
}

func (c Constraints) chunkBytes() (int, error) {
	if c.ChunkInterval <= 0 {
		return 0, fmt.Errorf("chunk interval must be > 0")
	}
	if c.Format.SampleRateHz <= 0 {
		return 0, fmt.Errorf("sample rate must be > 0")
	}
	n := int(int64(c.Format.BytesPerSecond()) * int64(c.ChunkInterval) / int64(time.Second))
	n -= n % 2
	if n <= 0 {
		n = 2
	}
	return n, nil
}

type Chunk struct {
	Seq        int64
	Data       []byte
	CapturedAt time.Time
	Peak       int
	RMS        float64
}

type Options struct {
	Logger *zap.Logger
	// OnEnd is called once when a stream ends on its own (device EOF or read
	// failure). It is not called for Stop.
	OnEnd func(error)
}

// Recorder owns at most one open microphone stream at a time.
type Recorder struct {
	device Device
	log    *zap.Logger
	onEnd  func(error)

	mu     sync.Mutex
	active *activeStream
}

type activeStream struct {
	cancel  context.CancelFunc
	rc      io.ReadCloser
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func NewRecorder(device Device, opts Options) *Recorder {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{device: device, log: log, onEnd: opts.OnEnd}
}

// Start opens the device and calls sink for each chunk until Stop, ctx
// cancellation, or device EOF. Any stream already open is stopped first.
// Failing to open the device yields an ErrPermissionDenied error.
func (r *Recorder) Start(ctx context.Context, c Constraints, sink func(Chunk)) error {
	if r == nil || r.device == nil {
		return liveerr.PermissionDenied("open microphone", errors.New("no capture device configured"))
	}
	if sink == nil {
		return errors.New("capture sink is required")
	}
	chunkBytes, err := c.chunkBytes()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.log.Debug("stopping previous capture stream before restart")
		r.stopLocked()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	rc, err := r.device.Open(streamCtx, c.Format)
	if err != nil {
		cancel()
		if errors.Is(err, liveerr.ErrPermissionDenied) {
			return err
		}
		return liveerr.PermissionDenied("open microphone", err)
	}

	s := &activeStream{
		cancel:  cancel,
		rc:      rc,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	r.active = s
	go r.readLoop(streamCtx, s, chunkBytes, sink)
	r.log.Info("capture started",
		zap.Int("sample_rate_hz", c.Format.SampleRateHz),
		zap.Duration("chunk_interval", c.ChunkInterval),
		zap.Int("chunk_bytes", chunkBytes))
	return nil
}

// Stop releases the device. It is safe to call repeatedly and from any exit
// path; after it returns no further chunks are delivered.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Recorder) stopLocked() {
	s := r.active
	if s == nil {
		return
	}
	r.active = nil
	s.once.Do(func() { close(s.stopped) })
	s.cancel()
	_ = s.rc.Close()
	<-s.done
	r.log.Info("capture stopped")
}

func (r *Recorder) Active() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *Recorder) readLoop(ctx context.Context, s *activeStream, chunkBytes int, sink func(Chunk)) {
	var endErr error
	defer func() {
		close(s.done)
		select {
		case <-s.stopped:
			return
		default:
		}
		r.mu.Lock()
		self := r.active == s
		if self {
			r.active = nil
			s.cancel()
			_ = s.rc.Close()
		}
		r.mu.Unlock()
		if self && r.onEnd != nil {
			go r.onEnd(endErr)
		}
	}()

	reader := bufio.NewReaderSize(s.rc, 64*1024)
	buf := make([]byte, 0, chunkBytes*4)
	tmp := make([]byte, 16*1024)
	var seq int64

	for {
		if ctx.Err() != nil {
			endErr = ctx.Err()
			return
		}
		n, err := reader.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for len(buf) >= chunkBytes {
			select {
			case <-s.stopped:
				return
			default:
			}
			data := make([]byte, chunkBytes)
			copy(data, buf[:chunkBytes])
			buf = buf[chunkBytes:]
			seq++
			peak, rms := Levels(data)
			sink(Chunk{Seq: seq, Data: data, CapturedAt: time.Now(), Peak: peak, RMS: rms})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				endErr = fmt.Errorf("mic capture ended (EOF)")
			} else {
				endErr = err
			}
			return
		}
	}
}

// Levels returns the peak absolute sample and RMS (0..1) of PCM s16le audio.
func Levels(p []byte) (peakAbs int, rms float64) {
	if len(p) < 2 {
		return 0, 0
	}
	var sumSquares float64
	samples := 0
	for i := 0; i+1 < len(p); i += 2 {
		v := int16(binary.LittleEndian.Uint16(p[i : i+2]))
		abs := int(v)
		if abs < 0 {
			abs = -abs
		}
		if abs > peakAbs {
			peakAbs = abs
		}
		f := float64(v) / 32768.0
		sumSquares += f * f
		samples++
	}
	if samples == 0 {
		return peakAbs, 0
	}
	return peakAbs, math.Sqrt(sumSquares / float64(samples))
}
