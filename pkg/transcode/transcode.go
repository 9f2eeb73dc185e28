// Package transcode converts synthesized speech into the telephony codec:
// G.711 μ-law, 8 kHz, mono.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrClosed is returned by reads on a stream that has been closed.
var ErrClosed = errors.New("transcode: stream closed")

// Transcoder turns an encoded audio stream into raw μ-law bytes.
// Closing the returned stream stops conversion immediately and releases
// every resource it holds; it never drains pending output.
type Transcoder interface {
	Name() string
	Transcode(ctx context.Context, src io.Reader) (io.ReadCloser, error)
}

const (
	ModeFFmpeg      = "ffmpeg"
	ModeNative      = "native"
	ModePassthrough = "passthrough"
)

// Options selects and tunes a Transcoder.
type Options struct {
	Mode        string
	FFmpegPath  string
	KillTimeout time.Duration
}

// New returns the transcoder for opts.Mode. An empty mode selects ffmpeg.
func New(opts Options) (Transcoder, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Mode)) {
	case "", ModeFFmpeg:
		return NewFFmpeg(opts.FFmpegPath, opts.KillTimeout), nil
	case ModeNative:
		return NewNative(), nil
	case ModePassthrough:
		return Passthrough{}, nil
	default:
		return nil, fmt.Errorf("transcode: unknown mode %q", opts.Mode)
	}
}

// Passthrough forwards audio that is already μ-law 8 kHz.
type Passthrough struct{}

func (Passthrough) Name() string { return ModePassthrough }

func (Passthrough) Transcode(ctx context.Context, src io.Reader) (io.ReadCloser, error) {
	return &ctxReader{ctx: ctx, r: src}, nil
}

type ctxReader struct {
	ctx    context.Context
	r      io.Reader
	closed bool
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *ctxReader) Close() error {
	c.closed = true
	if rc, ok := c.r.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}
