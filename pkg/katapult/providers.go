package katapult

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/tts"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/configutil"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/providers/elevenlabs"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/providers/mock"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/providers/openai"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/resilience"
)

type EngineFactory func(cfg Config, logger *slog.Logger) (engine.Dialer, error)
type TTSFactory func(cfg Config, logger *slog.Logger) (tts.Synthesizer, error)

// ProviderRegistry maps provider names from the config to constructors.
type ProviderRegistry struct {
	engines map[string]EngineFactory
	tts     map[string]TTSFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		engines: make(map[string]EngineFactory),
		tts:     make(map[string]TTSFactory),
	}
}

// DefaultProviders registers every built-in provider.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterEngine("openai", buildOpenAI)
	r.RegisterEngine("mock", func(Config, *slog.Logger) (engine.Dialer, error) {
		return mock.NewEngine(), nil
	})
	r.RegisterTTS("elevenlabs", buildElevenLabs)
	r.RegisterTTS("mock", buildMockTTS)
	return r
}

func (r *ProviderRegistry) RegisterEngine(name string, factory EngineFactory) {
	r.engines[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildEngine(cfg Config, logger *slog.Logger) (engine.Dialer, error) {
	fn := r.engines[providerKey(cfg.Engine.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("engine provider not registered: %s", cfg.Engine.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildTTS(cfg Config, logger *slog.Logger) (tts.Synthesizer, error) {
	fn := r.tts[providerKey(cfg.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.TTS.Provider)
	}
	return fn(cfg, logger)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// engineSettings is shared by every engine provider: the session
// parameters are provider independent.
type engineSettings struct {
	APIKey             string  `mapstructure:"api_key"`
	Model              string  `mapstructure:"model"`
	Voice              string  `mapstructure:"voice"`
	BaseURL            string  `mapstructure:"base_url"`
	TranscriptionModel string  `mapstructure:"transcription_model"`
	DialTimeoutMS      int     `mapstructure:"dial_timeout_ms"`
	DialRetries        *int    `mapstructure:"dial_retries"`
	Temperature        float64 `mapstructure:"temperature"`
	MaxResponseTokens  int     `mapstructure:"max_response_tokens"`
	VADThreshold       float64 `mapstructure:"vad_threshold"`
	VADPrefixPaddingMS int     `mapstructure:"vad_prefix_padding_ms"`
	VADSilenceMS       int     `mapstructure:"vad_silence_ms"`
}

var engineOptional = []string{
	"model", "voice", "base_url", "transcription_model", "dial_timeout_ms", "dial_retries",
	"temperature", "max_response_tokens", "vad_threshold", "vad_prefix_padding_ms", "vad_silence_ms",
}

var engineSchemas = map[string]configutil.Schema{
	"openai": {Required: []string{"api_key"}, Optional: engineOptional},
	"mock":   {Optional: append([]string{"api_key"}, engineOptional...)},
}

type elevenlabsSettings struct {
	APIKey          string  `mapstructure:"api_key"`
	VoiceID         string  `mapstructure:"voice_id"`
	ModelID         string  `mapstructure:"model_id"`
	OutputFormat    string  `mapstructure:"output_format"`
	Language        string  `mapstructure:"language"`
	BaseURL         string  `mapstructure:"base_url"`
	Latency         int     `mapstructure:"latency"`
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
}

type mockTTSSettings struct {
	VoiceID           string `mapstructure:"voice_id"`
	BytesPerUtterance int    `mapstructure:"bytes_per_utterance"`
	ChunkSize         int    `mapstructure:"chunk_size"`
	ChunkDelayMS      int    `mapstructure:"chunk_delay_ms"`
}

var ttsSchemas = map[string]configutil.Schema{
	"elevenlabs": {
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format", "language", "base_url", "latency", "stability", "similarity_boost"},
	},
	"mock": {Optional: []string{"voice_id", "bytes_per_utterance", "chunk_size", "chunk_delay_ms"}},
}

func decodeEngineSettings(cfg Config) (engineSettings, error) {
	var s engineSettings
	if err := configutil.DecodeSettings("engine.settings", cfg.Engine.Settings, &s); err != nil {
		return s, err
	}
	if err := configutil.InRange("engine.settings.vad_threshold", s.VADThreshold, 0, 1); err != nil {
		return s, err
	}
	// The Realtime API rejects temperatures outside this band.
	if err := configutil.InRange("engine.settings.temperature", s.Temperature, 0.6, 1.2); err != nil {
		return s, err
	}
	return s, nil
}

// sessionConfig builds the per-call template sent to the engine.
func sessionConfig(cfg Config) (engine.SessionConfig, error) {
	s, err := decodeEngineSettings(cfg)
	if err != nil {
		return engine.SessionConfig{}, err
	}
	threshold := s.VADThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return engine.SessionConfig{
		Instructions:      cfg.Prompt.Instructions,
		Voice:             s.Voice,
		Language:          cfg.Prompt.Language,
		Temperature:       s.Temperature,
		MaxResponseTokens: s.MaxResponseTokens,
		TurnDetection: engine.TurnDetection{
			Threshold:     threshold,
			PrefixPadding: configutil.Millis(s.VADPrefixPaddingMS, 300*time.Millisecond),
			Silence:       configutil.Millis(s.VADSilenceMS, 500*time.Millisecond),
		},
	}, nil
}

func buildOpenAI(cfg Config, logger *slog.Logger) (engine.Dialer, error) {
	s, err := decodeEngineSettings(cfg)
	if err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "engine.settings.api_key"); err != nil {
		return nil, err
	}
	return openai.NewRealtime(openai.Config{
		APIKey:             s.APIKey,
		Model:              s.Model,
		BaseURL:            s.BaseURL,
		TranscriptionModel: s.TranscriptionModel,
		DialTimeout:        configutil.Millis(s.DialTimeoutMS, 10*time.Second),
		Retry:              resilience.NewRetryPolicy(configutil.IntValue(s.DialRetries, 2), 250*time.Millisecond),
		Logger:             logger,
	}), nil
}

func buildElevenLabs(cfg Config, logger *slog.Logger) (tts.Synthesizer, error) {
	var s elevenlabsSettings
	if err := configutil.DecodeSettings("tts.settings", cfg.TTS.Settings, &s); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.APIKey, "tts.settings.api_key"); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(s.VoiceID, "tts.settings.voice_id"); err != nil {
		return nil, err
	}
	if err := configutil.InRange("tts.settings.latency", float64(s.Latency), 0, 4); err != nil {
		return nil, err
	}
	if err := configutil.InRange("tts.settings.stability", s.Stability, 0, 1); err != nil {
		return nil, err
	}
	if err := configutil.InRange("tts.settings.similarity_boost", s.SimilarityBoost, 0, 1); err != nil {
		return nil, err
	}
	language := s.Language
	if language == "" {
		language = cfg.Prompt.Language
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:          s.APIKey,
		VoiceID:         s.VoiceID,
		ModelID:         s.ModelID,
		OutputFormat:    s.OutputFormat,
		Language:        language,
		BaseURL:         s.BaseURL,
		Latency:         s.Latency,
		Stability:       s.Stability,
		SimilarityBoost: s.SimilarityBoost,
		Logger:          logger,
	}), nil
}

func buildMockTTS(cfg Config, _ *slog.Logger) (tts.Synthesizer, error) {
	var s mockTTSSettings
	if err := configutil.DecodeSettings("tts.settings", cfg.TTS.Settings, &s); err != nil {
		return nil, err
	}
	return mock.NewTTS(mock.TTSConfig{
		BytesPerUtterance: s.BytesPerUtterance,
		ChunkSize:         s.ChunkSize,
		ChunkDelay:        time.Duration(s.ChunkDelayMS) * time.Millisecond,
	}), nil
}

// voiceID returns the configured synthesis voice, if any.
func voiceID(cfg Config) string {
	if v, ok := cfg.TTS.Settings["voice_id"].(string); ok {
		return v
	}
	return ""
}
