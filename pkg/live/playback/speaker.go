package playback

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/protocol"
)

// FFPlaySpeaker streams PCM into an ffplay subprocess. Play paces writes in
// real time so it returns roughly when the segment has been heard.
type FFPlaySpeaker struct {
	Path     string
	LogLevel string
	Volume   int
	// Tick is the pacing granularity.
	Tick time.Duration
	// Lead is written ahead of real time to keep ffplay's buffer from running dry.
	Lead   time.Duration
	Logger *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	format protocol.AudioFormat
}

func (s *FFPlaySpeaker) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *FFPlaySpeaker) Play(ctx context.Context, pcm PCM) error {
	if len(pcm.Data) == 0 {
		return nil
	}
	if err := s.ensureRunning(pcm.Format); err != nil {
		return err
	}

	bytesPerSecond := pcm.Format.BytesPerSecond()
	if bytesPerSecond <= 0 {
		return fmt.Errorf("invalid pcm format %+v", pcm.Format)
	}
	tick := s.Tick
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	lead := s.Lead
	if lead < 0 {
		lead = 0
	}
	frame := 2 * max(pcm.Format.Channels, 1)
	align := func(n int) int {
		n -= n % frame
		if n <= 0 {
			n = frame
		}
		return n
	}
	bytesPerTick := align(int(int64(bytesPerSecond) * int64(tick) / int64(time.Second)))
	leadBytes := int(int64(bytesPerSecond) * int64(lead) / int64(time.Second))
	leadBytes -= leadBytes % frame

	data := pcm.Data
	if leadBytes > 0 {
		n := min(leadBytes, len(data))
		if err := s.write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for len(data) > 0 {
		n := min(bytesPerTick, len(data))
		if err := s.write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		select {
		case <-ctx.Done():
			// Drop what ffplay has buffered so an interrupted segment stops promptly.
			_ = s.Restart()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	// Let the lead drain before reporting the segment as played.
	if lead > 0 {
		timer := time.NewTimer(lead)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

func (s *FFPlaySpeaker) ensureRunning(format protocol.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		if s.format.SampleRateHz == format.SampleRateHz && s.format.Channels == format.Channels {
			return nil
		}
		s.logger().Debug("speaker format changed; restarting ffplay",
			zap.Int("sample_rate_hz", format.SampleRateHz), zap.Int("channels", format.Channels))
		s.closeLocked()
	}
	return s.startLocked(format)
}

func (s *FFPlaySpeaker) startLocked(format protocol.AudioFormat) error {
	path := s.Path
	if strings.TrimSpace(path) == "" {
		path = "ffplay"
	}
	logLevel := s.LogLevel
	if strings.TrimSpace(logLevel) == "" {
		logLevel = "error"
	}
	volume := s.Volume
	if volume <= 0 {
		volume = 80
	}
	// ffplay does not accept ffmpeg-style -ac; it wants -ch_layout.
	chLayout := "mono"
	if format.Channels == 2 {
		chLayout = "stereo"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", logLevel,
		"-nostats",
		"-volume", strconv.Itoa(volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", chLayout,
		"-ar", strconv.Itoa(format.SampleRateHz),
		"-i", "-",
	}
	cmd := exec.Command(path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can otherwise pick a silent dummy backend.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.logger().Debug("ffplay started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", args))
	s.cmd = cmd
	s.stdin = stdin
	s.format = format
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *FFPlaySpeaker) write(p []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(p)
	return err
}

// Restart drops any audio buffered in ffplay.
func (s *FFPlaySpeaker) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	format := s.format
	s.closeLocked()
	return s.startLocked(format)
}

func (s *FFPlaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FFPlaySpeaker) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
}

// NullSpeaker discards audio. With Realtime set, Play blocks for the
// segment's duration.
type NullSpeaker struct {
	Realtime bool
}

func (n NullSpeaker) Play(ctx context.Context, pcm PCM) error {
	if !n.Realtime {
		return nil
	}
	d := Duration(pcm)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (NullSpeaker) Close() error { return nil }

// Duration returns the play time of pcm.
func Duration(pcm PCM) time.Duration {
	bps := pcm.Format.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(len(pcm.Data)) * int64(time.Second) / int64(bps))
}

// SineTone generates mono PCM s16le, used to check speaker output.
func SineTone(freqHz, sampleRateHz int, d time.Duration, amp float64) PCM {
	format := protocol.AudioFormat{Encoding: protocol.EncodingPCM16LE, SampleRateHz: sampleRateHz, Channels: 1}
	if sampleRateHz <= 0 || d <= 0 || freqHz <= 0 {
		return PCM{Format: format}
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1.0 {
		amp = 1.0
	}
	samples := int(float64(sampleRateHz) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRateHz)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		s := int16(v * 32767.0)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return PCM{Format: format, Data: out}
}
