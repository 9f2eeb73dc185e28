package tts

import (
	"context"
	"io"
)

// Synthesizer defines the contract for any TTS vendor implementation.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// OutputFormat reports the encoding of the returned stream,
	// e.g. "mp3_22050_32" or "ulaw_8000".
	OutputFormat() string
	// Synthesize starts streaming speech for req. Cancelling ctx aborts the
	// request and any in-flight read of the returned stream.
	Synthesize(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Request contains vendor-agnostic synthesis parameters.
type Request struct {
	Text     string
	VoiceID  string
	Language string
	StreamID string
}
