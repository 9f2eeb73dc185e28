package configutil

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
)

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"API-Key": "  ",
		"voiceid": "v1",
		"colour":  "blue",
	}, Schema{Required: []string{"api_key", "model"}, Optional: []string{"voice_id"}})
	var se *SettingsError
	if !errors.As(err, &se) {
		t.Fatalf("expected SettingsError, got %v", err)
	}
	if len(se.Missing) != 2 || se.Missing[0] != "api_key" || se.Missing[1] != "model" {
		t.Fatalf("unexpected missing keys %v", se.Missing)
	}
	if len(se.Unknown) != 1 || se.Unknown[0] != "colour" {
		t.Fatalf("unexpected unknown keys %v", se.Unknown)
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"api_key": "k", "extra": 1},
		Schema{Required: []string{"api_key"}, AllowUnknown: true})
	if err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}
}

func TestCheckVendor(t *testing.T) {
	schemas := map[string]Schema{
		"openai": {Required: []string{"api_key"}},
		"mock":   {AllowUnknown: true},
	}
	if err := CheckVendor("engine", "OpenAI", map[string]any{"api_key": "sk"}, schemas); err != nil {
		t.Fatalf("expected valid vendor, got %v", err)
	}
	err := CheckVendor("engine", "openai", nil, schemas)
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	if got := err.Error(); got != "engine.settings: missing: api_key" {
		t.Fatalf("unexpected message %q", got)
	}
	if err := CheckVendor("engine", "", nil, schemas); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected missing provider to fail, got %v", err)
	}
	if err := CheckVendor("engine", "azure", nil, schemas); err == nil {
		t.Fatal("expected unknown provider to fail")
	}
}

func TestDecodeSettings(t *testing.T) {
	var out struct {
		APIKey    string        `mapstructure:"api_key"`
		Tokens    int           `mapstructure:"max_response_tokens"`
		Timeout   time.Duration `mapstructure:"timeout"`
		SilenceMS int           `mapstructure:"vad_silence_ms"`
		PaddingMS int           `mapstructure:"vad_prefix_padding_ms"`
	}
	err := DecodeSettings("engine.settings", map[string]any{
		"API_KEY":               "sk",
		"max-response-tokens":   "300",
		"timeout":               "250ms",
		"vad_silence_ms":        "1.5s",
		"vad_prefix_padding_ms": 300,
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "sk" || out.Tokens != 300 || out.Timeout != 250*time.Millisecond {
		t.Fatalf("unexpected decode result %+v", out)
	}
	if out.SilenceMS != 1500 || out.PaddingMS != 300 {
		t.Fatalf("expected millisecond fields from duration and number, got %+v", out)
	}

	err = DecodeSettings("tts.settings", map[string]any{"max_response_tokens": "veel"}, &out)
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "tts.settings: ") {
		t.Fatalf("expected the settings path in %q", err.Error())
	}
}

func TestHelpers(t *testing.T) {
	if err := RequireString(" ", "tts.settings.voice_id"); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	if Millis(0, time.Second) != time.Second || Millis(20, time.Second) != 20*time.Millisecond {
		t.Fatal("unexpected Millis conversion")
	}
	if err := InRange("engine.settings.vad_threshold", 1.5, 0, 1); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected out of range threshold to fail, got %v", err)
	}
	if InRange("engine.settings.vad_threshold", 0, 0.1, 1) != nil || InRange("x", 0.5, 0, 1) != nil {
		t.Fatal("unset and in-range values must pass")
	}
	n := 3
	if IntValue(&n, 1) != 3 || IntValue(nil, 1) != 1 {
		t.Fatal("unexpected IntValue")
	}
}
