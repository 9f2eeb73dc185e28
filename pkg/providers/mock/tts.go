package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/tts"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/frames"
)

type TTSConfig struct {
	// BytesPerUtterance is the μ-law length produced per request.
	BytesPerUtterance int
	ChunkSize         int
	ChunkDelay        time.Duration
	// Fail, when set, is returned by every Synthesize call.
	Fail error
}

// Synthesizer produces deterministic μ-law audio without a network. It
// reports ulaw_8000 so the pipeline can skip transcoding.
type Synthesizer struct {
	cfg TTSConfig

	mu       sync.Mutex
	requests []tts.Request
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	if cfg.BytesPerUtterance <= 0 {
		cfg.BytesPerUtterance = 8 * frames.FrameSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) OutputFormat() string { return "ulaw_8000" }

func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (io.ReadCloser, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.cfg.Fail != nil {
		return nil, s.cfg.Fail
	}
	return &chunkReader{ctx: ctx, cfg: s.cfg, remaining: s.cfg.BytesPerUtterance}, nil
}

// Requests returns the texts requested so far, in order.
func (s *Synthesizer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Text)
	}
	return out
}

type chunkReader struct {
	ctx       context.Context
	cfg       TTSConfig
	remaining int
	closed    bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("mock tts: read on closed stream")
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.remaining == 0 {
		return 0, io.EOF
	}
	if r.cfg.ChunkDelay > 0 {
		t := time.NewTimer(r.cfg.ChunkDelay)
		select {
		case <-r.ctx.Done():
			t.Stop()
			return 0, r.ctx.Err()
		case <-t.C:
		}
	}
	n := r.cfg.ChunkSize
	if n > r.remaining {
		n = r.remaining
	}
	if n > len(p) {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		p[i] = frames.MuLawSilence
	}
	r.remaining -= n
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
