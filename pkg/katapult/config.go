package katapult

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/configutil"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transcode"
	twiliotransport "github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports/twilio"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
	Server      ServerConfig    `mapstructure:"server"`
	Twilio      TwilioConfig    `mapstructure:"twilio"`
	Engine      VendorConfig    `mapstructure:"engine"`
	TTS         TTSConfig       `mapstructure:"tts"`
	Transcode   TranscodeConfig `mapstructure:"transcode"`
	Turn        TurnConfig      `mapstructure:"turn"`
	Prompt      PromptConfig    `mapstructure:"prompt"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Privacy     PrivacyConfig   `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ServerConfig struct {
	Addr               string   `mapstructure:"addr"`
	PublicURL          string   `mapstructure:"public_url"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	GreetingPath       string   `mapstructure:"greeting_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	MetricsPath        string   `mapstructure:"metrics_path"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	DrainTimeoutMS     int      `mapstructure:"drain_timeout_ms"`
}

type TwilioConfig struct {
	AccountSID         string `mapstructure:"account_sid"`
	AuthToken          string `mapstructure:"auth_token"`
	FromNumber         string `mapstructure:"from_number"`
	GreetingMode       string `mapstructure:"greeting_mode"`
	GreetingCacheTTLMS int    `mapstructure:"greeting_cache_ttl_ms"`
}

type TTSConfig struct {
	Provider          string         `mapstructure:"provider"`
	Settings          map[string]any `mapstructure:"settings"`
	BreakerThreshold  int            `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int            `mapstructure:"breaker_cooldown_ms"`
}

type TranscodeConfig struct {
	Mode          string `mapstructure:"mode"`
	FFmpegPath    string `mapstructure:"ffmpeg_path"`
	KillTimeoutMS int    `mapstructure:"kill_timeout_ms"`
}

type TurnConfig struct {
	GreetingDelayMS     int      `mapstructure:"greeting_delay_ms"`
	TruncateMarginMS    int      `mapstructure:"truncate_margin_ms"`
	RequireUserSpeech   bool     `mapstructure:"require_user_speech"`
	IgnoredEngineErrors []string `mapstructure:"ignored_engine_errors"`
}

// PromptConfig carries the collaborator-supplied conversation content.
type PromptConfig struct {
	Instructions string `mapstructure:"instructions"`
	Greeting     string `mapstructure:"greeting"`
	Language     string `mapstructure:"language"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads a YAML config file, applies defaults, expands ${ENV}
// references and validates the result. KATAPULT_* environment variables
// override file values (server.addr -> KATAPULT_SERVER_ADDR).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KATAPULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.voice_path", "/voice")
	v.SetDefault("server.ws_path", "/media")
	v.SetDefault("server.greeting_path", "/greeting.mp3")
	v.SetDefault("server.status_callback_path", "/status")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.drain_timeout_ms", 30000)
	v.SetDefault("twilio.greeting_mode", twiliotransport.GreetingModeStream)
	v.SetDefault("twilio.greeting_cache_ttl_ms", 3600000)
	v.SetDefault("engine.provider", "openai")
	v.SetDefault("tts.provider", "elevenlabs")
	v.SetDefault("tts.breaker_threshold", 5)
	v.SetDefault("tts.breaker_cooldown_ms", 10000)
	v.SetDefault("transcode.mode", transcode.ModeFFmpeg)
	v.SetDefault("transcode.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcode.kill_timeout_ms", 500)
	v.SetDefault("turn.greeting_delay_ms", 1500)
	v.SetDefault("turn.truncate_margin_ms", 200)
	v.SetDefault("turn.require_user_speech", true)
	v.SetDefault("turn.ignored_engine_errors", []string{"response_cancel_not_active"})
	v.SetDefault("prompt.language", "nl")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("privacy.redact_pii", true)
}

// Validate fails fast on configuration that cannot serve a call.
func (c *Config) Validate() error {
	if err := configutil.CheckVendor("engine", c.Engine.Provider, c.Engine.Settings, engineSchemas); err != nil {
		return err
	}
	if err := configutil.CheckVendor("tts", c.TTS.Provider, c.TTS.Settings, ttsSchemas); err != nil {
		return err
	}
	if !c.development() {
		if err := configutil.RequireString(c.Twilio.AuthToken, "twilio.auth_token"); err != nil {
			return err
		}
		if err := configutil.RequireString(c.Server.PublicURL, "server.public_url"); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Twilio.GreetingMode)) {
	case "", twiliotransport.GreetingModeStream, twiliotransport.GreetingModePlay:
	default:
		return errorsx.Newf(errorsx.ReasonConfigInvalid,
			"twilio.greeting_mode must be one of [stream, play], got %q", c.Twilio.GreetingMode)
	}
	switch strings.ToLower(strings.TrimSpace(c.Transcode.Mode)) {
	case "", transcode.ModeFFmpeg, transcode.ModeNative, transcode.ModePassthrough:
	default:
		return errorsx.Newf(errorsx.ReasonConfigInvalid,
			"transcode.mode must be one of [ffmpeg, native, passthrough], got %q", c.Transcode.Mode)
	}
	if c.Turn.GreetingDelayMS < 0 || c.Turn.TruncateMarginMS < 0 {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "turn timings must not be negative")
	}
	return nil
}

func (c *Config) development() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "development")
}

// greetingMode returns the normalized greeting mode.
func (c *Config) greetingMode() string {
	mode := strings.ToLower(strings.TrimSpace(c.Twilio.GreetingMode))
	if mode == "" {
		return twiliotransport.GreetingModeStream
	}
	return mode
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Engine.Settings = expandSettings(cfg.Engine.Settings)
	cfg.TTS.Settings = expandSettings(cfg.TTS.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
