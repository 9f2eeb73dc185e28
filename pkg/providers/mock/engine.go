package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
)

var ErrEngineClosed = errors.New("mock engine: closed")

// EngineEvent records one outbound command sent to the mock engine.
type EngineEvent struct {
	Type         string
	Audio        string
	ItemID       string
	ContentIndex int
	AudioEnd     time.Duration
}

// Engine is an in-memory engine.Dialer. Each Connect returns a new
// EngineSession; the latest one is available through Last.
type Engine struct {
	mu       sync.Mutex
	sessions []*EngineSession
	configs  []engine.SessionConfig
	// ConnectErr, when set, fails every Connect.
	ConnectErr error
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Name() string { return "mock_engine" }

func (e *Engine) Connect(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	if e.ConnectErr != nil {
		return nil, e.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := NewEngineSession()
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.configs = append(e.configs, cfg)
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) Last() *EngineSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

func (e *Engine) Configs() []engine.SessionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.SessionConfig(nil), e.configs...)
}

type EngineSession struct {
	mu      sync.Mutex
	events  []EngineEvent
	closed  bool
	err     error
	signals chan engine.Signal
	once    sync.Once
}

func NewEngineSession() *EngineSession {
	return &EngineSession{
		signals: make(chan engine.Signal, 64),
	}
}

func (s *EngineSession) record(ev EngineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrEngineClosed
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *EngineSession) AppendAudio(payload string) error {
	return s.record(EngineEvent{Type: "input_audio_buffer.append", Audio: payload})
}

func (s *EngineSession) CancelResponse() error {
	return s.record(EngineEvent{Type: "response.cancel"})
}

func (s *EngineSession) Truncate(itemID string, contentIndex int, audioEnd time.Duration) error {
	return s.record(EngineEvent{Type: "conversation.item.truncate", ItemID: itemID, ContentIndex: contentIndex, AudioEnd: audioEnd})
}

func (s *EngineSession) Signals() <-chan engine.Signal { return s.signals }

func (s *EngineSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers a signal as if the engine had sent it. Signals pushed after
// the session ended, or beyond the buffer, are dropped.
func (s *EngineSession) Push(sig engine.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.signals <- sig:
	default:
	}
}

// Disconnect ends the signal stream with err, as a dropped connection would.
func (s *EngineSession) Disconnect(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.finish()
}

func (s *EngineSession) Close() error {
	s.finish()
	return nil
}

func (s *EngineSession) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.signals)
		s.mu.Unlock()
	})
}

// Events returns a copy of the commands received so far.
func (s *EngineSession) Events() []EngineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EngineEvent(nil), s.events...)
}

func (s *EngineSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ engine.Dialer  = (*Engine)(nil)
	_ engine.Session = (*EngineSession)(nil)
)
