package transcode

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/frames"
)

// FFmpeg transcodes through an ffmpeg subprocess reading stdin and writing
// raw μ-law to stdout. Cancellation kills the process; it is never asked to
// finish gracefully.
type FFmpeg struct {
	path        string
	killTimeout time.Duration
}

func NewFFmpeg(path string, killTimeout time.Duration) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	if killTimeout <= 0 {
		killTimeout = 500 * time.Millisecond
	}
	return &FFmpeg{path: path, killTimeout: killTimeout}
}

func (f *FFmpeg) Name() string { return ModeFFmpeg }

func (f *FFmpeg) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "mulaw",
		"-acodec", "pcm_mulaw",
		"-ar", fmt.Sprint(frames.SampleRate),
		"-ac", "1",
		"-flush_packets", "1",
		"pipe:1",
	}
}

func (f *FFmpeg) Transcode(ctx context.Context, src io.Reader) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, f.path, f.args()...)
	cmd.Stdin = src
	cmd.WaitDelay = f.killTimeout
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonTranscode, "ffmpeg stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonTranscode, "start ffmpeg")
	}
	return &ffmpegStream{cmd: cmd, out: out, stderr: stderr}, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr *tailBuffer

	mu      sync.Mutex
	eof     bool
	closed  bool
	waitErr error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	n, err := s.out.Read(p)
	if err == io.EOF {
		s.mu.Lock()
		s.eof = true
		s.mu.Unlock()
	}
	return n, err
}

// Close kills ffmpeg unless its output was fully consumed, then reaps it.
// Wait is bounded by the command's WaitDelay.
func (s *ffmpegStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.waitErr
	}
	s.closed = true
	eof := s.eof
	s.mu.Unlock()

	if !eof && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	if !eof {
		err = nil
	} else if err != nil {
		err = errorsx.Wrap(fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(s.stderr.String())), errorsx.ReasonTranscode)
	}
	s.mu.Lock()
	s.waitErr = err
	s.mu.Unlock()
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
