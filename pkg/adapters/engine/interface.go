package engine

import (
	"context"
	"time"
)

// SignalKind names the engine events the turn controller reacts to.
type SignalKind int

const (
	SignalUserSpeechStarted SignalKind = iota + 1
	SignalResponseStarted
	SignalTranscriptDelta
	SignalResponseCompleted
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalUserSpeechStarted:
		return "user_speech_started"
	case SignalResponseStarted:
		return "response_started"
	case SignalTranscriptDelta:
		return "transcript_delta"
	case SignalResponseCompleted:
		return "response_completed"
	case SignalError:
		return "engine_error"
	default:
		return "unknown"
	}
}

// Signal is one interpreted engine event.
type Signal struct {
	Kind SignalKind
	// ItemID identifies the assistant output item, when known.
	ItemID string
	// Text carries the transcript delta or the error detail.
	Text string
	// Code carries the engine error code, if any.
	Code string
}

// Session is one duplex conversation with the engine.
type Session interface {
	// AppendAudio forwards base64 μ-law audio exactly as received.
	AppendAudio(payload string) error
	// CancelResponse asks the engine to stop its in-flight response.
	CancelResponse() error
	// Truncate tells the engine how much of an assistant item was heard.
	Truncate(itemID string, contentIndex int, audioEnd time.Duration) error
	// Signals is closed when the connection ends; Err then reports why.
	Signals() <-chan Signal
	Err() error
	Close() error
}

// Dialer opens engine sessions.
type Dialer interface {
	Name() string
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Threshold     float64
	PrefixPadding time.Duration
	Silence       time.Duration
}

// SessionConfig is sent once per call when the session opens.
type SessionConfig struct {
	Instructions      string
	Voice             string
	Language          string
	Temperature       float64
	MaxResponseTokens int
	TurnDetection     TurnDetection
	StreamID          string
}
