package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/voicelink/pkg/live/liveerr"
	"github.com/vango-go/voicelink/pkg/live/protocol"
)

// FFmpegDevice captures the system microphone through an ffmpeg subprocess
// writing PCM s16le to stdout. Command, when set, replaces the ffmpeg
// invocation and runs via /bin/sh -lc.
type FFmpegDevice struct {
	Path        string
	InputFormat string
	InputDevice string
	Command     string

	// OpenTimeout bounds the wait for the first audio bytes.
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

func (d *FFmpegDevice) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// DefaultInput returns the ffmpeg input format and device for the host OS.
func DefaultInput() (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		// none:<audioIndex> avoids opening a camera.
		return "avfoundation", "none:0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

func (d *FFmpegDevice) args(format protocol.AudioFormat) []string {
	inFmt, inDev := DefaultInput()
	if strings.TrimSpace(d.InputFormat) != "" {
		inFmt = d.InputFormat
	}
	if strings.TrimSpace(d.InputDevice) != "" {
		inDev = d.InputDevice
	}
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", inFmt,
		"-i", inDev,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(format.SampleRateHz),
		"-f", "s16le",
		"-",
	}
}

func (d *FFmpegDevice) Open(ctx context.Context, format protocol.AudioFormat) (io.ReadCloser, error) {
	var cmd *exec.Cmd
	if strings.TrimSpace(d.Command) != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-lc", d.Command)
	} else {
		path := d.Path
		if strings.TrimSpace(path) == "" {
			path = "ffmpeg"
		}
		cmd = exec.CommandContext(ctx, path, d.args(format)...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture process: %w", err)
	}

	s := &ffmpegStream{
		cmd:    cmd,
		reader: bufio.NewReaderSize(stdout, 64*1024),
		stderr: newTailLog(8),
		exited: make(chan struct{}),
	}
	go s.stderr.consume(stderr, d.logger())
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	timeout := d.OpenTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if err := s.awaitFirstAudio(ctx, timeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type ffmpegStream struct {
	cmd     *exec.Cmd
	reader  *bufio.Reader
	stderr  *tailLog
	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (s *ffmpegStream) awaitFirstAudio(ctx context.Context, timeout time.Duration) error {
	peeked := make(chan error, 1)
	go func() {
		_, err := s.reader.Peek(1)
		peeked <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-peeked:
		if err == nil {
			return nil
		}
		<-s.exited
		return s.classify(err)
	case <-timer.C:
		return liveerr.PermissionDenied("open microphone", fmt.Errorf("no audio received within %s; check microphone permission and input device", timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ffmpegStream) classify(readErr error) error {
	msg := s.stderr.String()
	lower := strings.ToLower(msg)
	cause := readErr
	if s.waitErr != nil {
		cause = s.waitErr
	}
	if msg != "" {
		cause = fmt.Errorf("%w: %s", cause, msg)
	}
	for _, hint := range []string{"permission", "not authorized", "not permitted", "denied"} {
		if strings.Contains(lower, hint) {
			return liveerr.PermissionDenied("open microphone", cause)
		}
	}
	return liveerr.PermissionDenied("open microphone", fmt.Errorf("capture process exited before producing audio: %w", cause))
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.exited
	})
	return nil
}

// tailLog keeps the last few stderr lines of the capture process.
type tailLog struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailLog(max int) *tailLog {
	return &tailLog{max: max}
}

func (t *tailLog) consume(r io.ReadCloser, log *zap.Logger) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// Noisy avfoundation warnings that are not actionable.
		if strings.Contains(line, "NSCameraUseContinuityCameraDeviceType") ||
			strings.Contains(line, "AVCaptureDeviceTypeExternal is deprecated for Continuity Cameras") {
			continue
		}
		log.Warn("capture stderr", zap.String("line", line))
		t.mu.Lock()
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
		t.mu.Unlock()
	}
}

func (t *tailLog) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}

// ListDevices runs ffmpeg's device listing for the host input format and
// returns its output.
func (d *FFmpegDevice) ListDevices(ctx context.Context) (string, error) {
	path := d.Path
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	inFmt, _ := DefaultInput()
	if strings.TrimSpace(d.InputFormat) != "" {
		inFmt = d.InputFormat
	}
	var args []string
	switch inFmt {
	case "avfoundation", "dshow":
		args = []string{"-hide_banner", "-f", inFmt, "-list_devices", "true", "-i", ""}
	default:
		args = []string{"-hide_banner", "-sources", inFmt}
	}
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	// ffmpeg exits non-zero after listing devices.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}
	return string(out), nil
}
