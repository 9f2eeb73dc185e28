package katapult

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/frames"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/providers/mock"
	"github.com/gorilla/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func devConfig() Config {
	return Config{
		Environment: "development",
		Engine:      VendorConfig{Provider: "mock", Settings: map[string]any{"voice": "alloy"}},
		TTS:         TTSConfig{Provider: "mock", Settings: map[string]any{"bytes_per_utterance": 4 * frames.FrameSize}},
		Transcode:   TranscodeConfig{Mode: "passthrough"},
		Turn: TurnConfig{
			GreetingDelayMS:   10,
			RequireUserSpeech: true,
		},
		Prompt: PromptConfig{Instructions: "Wees kort.", Greeting: "Welkom", Language: "nl"},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppServesWebhookAndHealth(t *testing.T) {
	cfg := devConfig()
	cfg.Metrics.Enabled = true
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	app, err := New(cfg, Options{Logger: quietLogger(), MeterProvider: mp})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/voice", "application/x-www-form-urlencoded", strings.NewReader("CallSid=CA1&From=%2B31612345678"))
	if err != nil {
		t.Fatalf("voice: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "<Connect><Stream url=\"wss://") || strings.Contains(string(body), "<Play>") {
		t.Fatalf("unexpected TwiML %s", body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestAppPlayModeServesCachedGreeting(t *testing.T) {
	cfg := devConfig()
	cfg.Twilio.GreetingMode = "play"
	app, err := New(cfg, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/voice", "application/x-www-form-urlencoded", strings.NewReader("CallSid=CA1"))
	if err != nil {
		t.Fatalf("voice: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "<Play>") {
		t.Fatalf("expected <Play> in play mode, got %s", body)
	}

	resp, err = http.Get(srv.URL + "/greeting.mp3")
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	audio, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(audio) != 4*frames.FrameSize {
		t.Fatalf("unexpected greeting response %d with %d bytes", resp.StatusCode, len(audio))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/basic" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestAppRejectsUnknownProvider(t *testing.T) {
	cfg := devConfig()
	reg := NewProviderRegistry()
	if _, err := New(cfg, Options{Providers: reg, Logger: quietLogger()}); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestAppRejectsOutOfRangeVendorSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"vad threshold": func(c *Config) { c.Engine.Settings["vad_threshold"] = 1.5 },
		"temperature":   func(c *Config) { c.Engine.Settings["temperature"] = 2.0 },
		"silence":       func(c *Config) { c.Engine.Settings["vad_silence_ms"] = "lang" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := devConfig()
			mutate(&cfg)
			_, err := New(cfg, Options{Logger: quietLogger()})
			if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
				t.Fatalf("expected config_invalid, got %v", err)
			}
			if !strings.Contains(err.Error(), "engine.settings") {
				t.Fatalf("expected the settings path in %q", err.Error())
			}
		})
	}
}

func TestAppDialRequiresCredentials(t *testing.T) {
	app, err := New(devConfig(), Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := app.Dial(context.Background(), "0612345678"); err == nil {
		t.Fatal("expected dial without credentials to fail")
	}
}

func TestAppRelaysCallEndToEnd(t *testing.T) {
	eng := mock.NewEngine()
	reg := DefaultProviders()
	reg.RegisterEngine("mock", func(Config, *slog.Logger) (engine.Dialer, error) { return eng, nil })
	app, err := New(devConfig(), Options{Providers: reg, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/media", nil)
	if err != nil {
		t.Fatalf("dial media: %v", err)
	}
	defer conn.Close()

	send := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(map[string]any{"event": "connected"})
	send(map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZ1", "callSid": "CA1"}})
	send(map[string]any{"event": "media", "media": map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}})

	// The greeting is spoken without waiting for the caller.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := 0
	for got < 4*frames.FrameSize {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (got %d bytes)", err, got)
		}
		var msg struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Event != "media" || msg.StreamSID != "MZ1" {
			continue
		}
		frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil || len(frame) != frames.FrameSize {
			t.Fatalf("unexpected frame (%d bytes, err %v)", len(frame), err)
		}
		got += len(frame)
	}

	sess := eng.Last()
	if sess == nil {
		t.Fatal("expected engine session")
	}
	if cfgs := eng.Configs(); cfgs[0].Instructions != "Wees kort." || cfgs[0].Voice != "alloy" || cfgs[0].StreamID != "MZ1" {
		t.Fatalf("unexpected session config %+v", cfgs[0])
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(sess.Events()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("media never reached the engine")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ev := sess.Events()[0]; ev.Audio != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Fatalf("payload not forwarded verbatim: %+v", ev)
	}

	send(map[string]any{"event": "stop", "stop": map[string]any{"callSid": "CA1"}})
	deadline = time.Now().Add(3 * time.Second)
	for !sess.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("engine session not closed after stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
