// Package openai implements the conversational engine bridge on top of the
// OpenAI Realtime WebSocket API. Telephony audio is exchanged as base64
// G.711 μ-law so frames pass through without transcoding.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/logging"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/resilience"
	"github.com/gorilla/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	audioFormat    = "g711_ulaw"
	writeTimeout   = 5 * time.Second
)

var errSessionClosed = errors.New("openai: session closed")

type Config struct {
	APIKey             string
	Model              string
	BaseURL            string
	TranscriptionModel string
	DialTimeout        time.Duration
	Retry              resilience.RetryPolicy
	Logger             *slog.Logger
}

type Realtime struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

var _ engine.Dialer = (*Realtime)(nil)

func NewRealtime(cfg Config) *Realtime {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry = resilience.NewRetryPolicy(2, 250*time.Millisecond)
	}
	return &Realtime{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logging.NewComponentLogger(cfg.Logger, "openai_realtime"),
	}
}

func (r *Realtime) Name() string { return "openai_realtime" }

func (r *Realtime) endpoint() string {
	sep := "?"
	if strings.Contains(r.cfg.BaseURL, "?") {
		sep = "&"
	}
	return r.cfg.BaseURL + sep + "model=" + url.QueryEscape(r.cfg.Model)
}

// Connect dials the engine, retrying only the handshake, and sends the
// session configuration before returning.
func (r *Realtime) Connect(ctx context.Context, sc engine.SessionConfig) (engine.Session, error) {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return nil, errorsx.Newf(errorsx.ReasonConfigInvalid, "openai: api key is required")
	}
	header := http.Header{
		"Authorization": []string{"Bearer " + r.cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}
	var conn *websocket.Conn
	err := r.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
		defer cancel()
		c, resp, err := r.dialer.DialContext(dctx, r.endpoint(), header)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("%w (status %s)", err, resp.Status)
			}
			r.logger.Warn("engine dial failed",
				slog.String("stream_id", sc.StreamID),
				slog.String("error", err.Error()))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonEngineConnect, "openai: dial")
	}

	s := &session{
		conn:     conn,
		signals:  make(chan engine.Signal, 64),
		done:     make(chan struct{}),
		streamID: sc.StreamID,
		logger:   r.logger.With(slog.String("stream_id", sc.StreamID)),
	}
	if err := s.writeJSON(r.sessionUpdate(sc)); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrapf(err, errorsx.ReasonEngineSend, "openai: session update")
	}
	go s.readLoop()
	r.logger.Info("engine session opened",
		slog.String("stream_id", sc.StreamID),
		slog.String("model", r.cfg.Model))
	return s, nil
}

func (r *Realtime) sessionUpdate(sc engine.SessionConfig) sessionUpdateMessage {
	td := sc.TurnDetection
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Instructions:      sc.Instructions,
		Voice:             sc.Voice,
		InputAudioFormat:  audioFormat,
		OutputAudioFormat: audioFormat,
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         td.Threshold,
			PrefixPaddingMS:   int(td.PrefixPadding / time.Millisecond),
			SilenceDurationMS: int(td.Silence / time.Millisecond),
		},
		Temperature:             sc.Temperature,
		MaxResponseOutputTokens: sc.MaxResponseTokens,
	}
	if r.cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{
			Model:    r.cfg.TranscriptionModel,
			Language: sc.Language,
		}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol messages ──────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
	Temperature             float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms"`
}

type serverEvent struct {
	Type  string       `json:"type"`
	Delta string       `json:"delta,omitempty"`
	Item  *serverItem  `json:"item,omitempty"`
	Error *serverError `json:"error,omitempty"`
}

type serverItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Role string `json:"role"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	signals  chan engine.Signal
	done     chan struct{}
	streamID string
	logger   *slog.Logger

	mu        sync.Mutex
	err       error
	closed    bool
	closeOnce sync.Once
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return errSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineSend)
	}
	return nil
}

// readLoop owns the signals channel and closes it when the connection ends.
func (s *session) readLoop() {
	defer close(s.signals)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.setErr(errorsx.Wrapf(err, errorsx.ReasonEngineClosed, "openai: read"))
			}
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Debug("engine event undecodable", slog.String("error", err.Error()))
			continue
		}
		sig, ok := s.translate(&evt)
		if !ok {
			continue
		}
		select {
		case s.signals <- sig:
		case <-s.done:
			return
		}
	}
}

func (s *session) translate(evt *serverEvent) (engine.Signal, bool) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		return engine.Signal{Kind: engine.SignalUserSpeechStarted}, true
	case "response.created":
		return engine.Signal{Kind: engine.SignalResponseStarted}, true
	case "response.output_item.added":
		if evt.Item == nil || (evt.Item.Role != "" && evt.Item.Role != "assistant") {
			return engine.Signal{}, false
		}
		return engine.Signal{Kind: engine.SignalResponseStarted, ItemID: evt.Item.ID}, true
	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" {
			return engine.Signal{}, false
		}
		return engine.Signal{Kind: engine.SignalTranscriptDelta, Text: evt.Delta}, true
	case "response.done":
		return engine.Signal{Kind: engine.SignalResponseCompleted}, true
	case "error":
		sig := engine.Signal{Kind: engine.SignalError, Text: "unknown error"}
		if evt.Error != nil {
			if evt.Error.Message != "" {
				sig.Text = evt.Error.Message
			}
			sig.Code = evt.Error.Code
		}
		return sig, true
	case "response.audio.delta":
		// Engine audio is not played; speech comes from the synthesizer.
		return engine.Signal{}, false
	default:
		s.logger.Debug("engine event ignored", slog.String("type", evt.Type))
		return engine.Signal{}, false
	}
}

func (s *session) AppendAudio(payload string) error {
	return s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: payload})
}

func (s *session) CancelResponse() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

func (s *session) Truncate(itemID string, contentIndex int, audioEnd time.Duration) error {
	if itemID == "" {
		return nil
	}
	if audioEnd < 0 {
		audioEnd = 0
	}
	return s.writeJSON(truncateMessage{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMS:   int(audioEnd / time.Millisecond),
	})
}

func (s *session) Signals() <-chan engine.Signal { return s.signals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the connection. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
