package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/tts"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/logging"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/resilience"
)

const (
	defaultBaseURL      = "https://api.elevenlabs.io"
	defaultModelID      = "eleven_turbo_v2_5"
	defaultOutputFormat = "mp3_22050_32"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Language     string
	BaseURL      string
	// Latency is passed as optimize_streaming_latency (0-4).
	Latency         int
	Stability       float64
	SimilarityBoost float64
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// ElevenLabsTTS streams synthesized speech over the HTTP streaming endpoint.
// Each Synthesize call is one request; the response body is returned as-is.
type ElevenLabsTTS struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaultOutputFormat
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.8
	}
	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: the body streams for as long as the utterance lasts.
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConnsPerHost:   8,
		}}
	}
	return &ElevenLabsTTS{
		cfg:    cfg,
		client: client,
		logger: logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts"),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) OutputFormat() string { return s.cfg.OutputFormat }

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	LanguageCode  string        `json:"language_code,omitempty"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (s *ElevenLabsTTS) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", fmt.Sprint(s.cfg.Latency))
	return strings.TrimRight(s.cfg.BaseURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream?" + q.Encode()
}

// Synthesize starts a streaming request. The caller must close the returned
// body; cancelling ctx aborts the transfer.
func (s *ElevenLabsTTS) Synthesize(ctx context.Context, req tts.Request) (io.ReadCloser, error) {
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = s.cfg.VoiceID
	}
	if s.cfg.APIKey == "" || voiceID == "" {
		return nil, errorsx.Newf(errorsx.ReasonConfigInvalid, "missing elevenlabs config")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errorsx.Newf(errorsx.ReasonTTSEmpty, "elevenlabs: empty text")
	}
	lang := req.Language
	if lang == "" {
		lang = s.cfg.Language
	}
	body, err := json.Marshal(synthesisRequest{
		Text:         text,
		ModelID:      s.cfg.ModelID,
		LanguageCode: lang,
		VoiceSettings: voiceSettings{
			Stability:       s.cfg.Stability,
			SimilarityBoost: s.cfg.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.buildURL(voiceID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", s.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	s.logger.Debug("requesting speech",
		slog.String("stream_id", req.StreamID),
		slog.String("output_format", s.cfg.OutputFormat),
		slog.Int("text_len", len(text)))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errorsx.Wrapf(err, errorsx.ReasonTTSConnect, "elevenlabs: request")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		_ = resp.Body.Close()
		s.logger.Error("ElevenLabs rate limit exceeded",
			slog.String("stream_id", req.StreamID),
			slog.String("status", resp.Status))
		return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, errorsx.Newf(errorsx.ReasonTTSConnect, "elevenlabs: status %s: %s",
			resp.Status, strings.TrimSpace(string(detail)))
	}
	return resp.Body, nil
}

var _ tts.Synthesizer = (*ElevenLabsTTS)(nil)
