// Package katapult assembles the relay from configuration: vendor clients,
// the transcoder, the session manager and the Twilio-facing HTTP server.
package katapult

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/configutil"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/logging"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/metrics"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/resilience"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/runner"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/session"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transcode"
	twiliotransport "github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports/twilio"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/turn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Options struct {
	// Providers defaults to DefaultProviders.
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// MeterProvider overrides the global Prometheus-backed provider.
	MeterProvider metric.MeterProvider
}

type App struct {
	cfg     Config
	logger  *slog.Logger
	server  *twiliotransport.Server
	dialer  *twiliotransport.Dialer
	manager *session.Manager
	runner  *runner.LifecycleRunner

	shutdownMetrics func(context.Context) error
}

func New(cfg Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	logger := logging.NewComponentLogger(opts.Logger, "katapult")

	a := &App{cfg: cfg, logger: logger}

	met, metricsHandler, err := a.initMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	dialer, err := providers.BuildEngine(cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	synth, err := providers.BuildTTS(cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	transcoder, err := transcode.New(transcode.Options{
		Mode:        cfg.Transcode.Mode,
		FFmpegPath:  cfg.Transcode.FFmpegPath,
		KillTimeout: configutil.Millis(cfg.Transcode.KillTimeoutMS, 500*time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	sc, err := sessionConfig(cfg)
	if err != nil {
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker(cfg.TTS.BreakerThreshold,
		configutil.Millis(cfg.TTS.BreakerCooldownMS, 0))
	breaker.OnStateChange(func(from, to resilience.BreakerState) {
		level := slog.LevelInfo
		if to == resilience.BreakerOpen {
			level = slog.LevelWarn
		}
		a.logger.Log(context.Background(), level, "tts_breaker_state",
			slog.String("provider", synth.Name()),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
	})

	greeting := cfg.Prompt.Greeting
	mode := cfg.greetingMode()
	turnGreeting := greeting
	if mode == twiliotransport.GreetingModePlay {
		// The webhook plays it before the stream connects.
		turnGreeting = ""
	}

	a.manager = session.NewManager(session.Config{
		Engine: sc,
		Turn: turn.Config{
			Greeting:            turnGreeting,
			GreetingDelay:       configutil.Millis(cfg.Turn.GreetingDelayMS, 0),
			TruncateMargin:      configutil.Millis(cfg.Turn.TruncateMarginMS, 0),
			RequireUserSpeech:   cfg.Turn.RequireUserSpeech,
			IgnoredEngineErrors: cfg.Turn.IgnoredEngineErrors,
		},
		VoiceID:  voiceID(cfg),
		Language: cfg.Prompt.Language,
	}, session.Deps{
		Dialer:     dialer,
		Synth:      synth,
		Transcoder: transcoder,
		Breaker:    breaker,
		Metrics:    met,
		Logger:     opts.Logger,
	})

	tc := twiliotransport.Config{
		ServerAddr:         cfg.Server.Addr,
		PublicURL:          cfg.Server.PublicURL,
		AuthToken:          cfg.Twilio.AuthToken,
		AccountSID:         cfg.Twilio.AccountSID,
		FromNumber:         cfg.Twilio.FromNumber,
		VoicePath:          cfg.Server.VoicePath,
		WebsocketPath:      cfg.Server.WebsocketPath,
		GreetingPath:       cfg.Server.GreetingPath,
		StatusCallbackPath: cfg.Server.StatusCallbackPath,
		MetricsPath:        cfg.Server.MetricsPath,
		GreetingMode:       mode,
		Greeting:           greeting,
		AllowAnyOrigin:     len(cfg.Server.AllowedOrigins) == 0,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
	}
	var cache *twiliotransport.GreetingCache
	if mode == twiliotransport.GreetingModePlay && strings.TrimSpace(greeting) != "" {
		cache = twiliotransport.NewGreetingCache(synth, configutil.Millis(cfg.Twilio.GreetingCacheTTLMS, time.Hour))
	}
	a.server = twiliotransport.New(tc, twiliotransport.Options{
		Handler:        a.manager,
		Greeting:       cache,
		MetricsHandler: metricsHandler,
		Metrics:        met,
		Logger:         opts.Logger,
	})
	a.dialer = twiliotransport.NewDialer(tc)

	a.runner = runner.NewLifecycleRunner(
		runner.DrainerFunc(a.server.Drain),
		runner.Hooks{OnStart: a.onStart, OnStop: a.onStop},
		configutil.Millis(cfg.Server.DrainTimeoutMS, 30*time.Second),
	)

	logger.Info("katapult_init",
		slog.String("environment", cfg.Environment),
		slog.String("engine_provider", dialer.Name()),
		slog.String("tts_provider", synth.Name()),
		slog.String("tts_format", synth.OutputFormat()),
		slog.String("transcoder", transcoder.Name()),
		slog.String("greeting_mode", mode),
		slog.Bool("metrics", metricsHandler != nil))
	return a, nil
}

func (a *App) initMetrics(mp metric.MeterProvider) (*metrics.Metrics, http.Handler, error) {
	if !a.cfg.Metrics.Enabled {
		return metrics.Noop(), nil, nil
	}
	if mp == nil {
		shutdown, err := metrics.InitProvider()
		if err != nil {
			return nil, nil, err
		}
		a.shutdownMetrics = shutdown
		mp = otel.GetMeterProvider()
	}
	met, err := metrics.New(mp)
	if err != nil {
		return nil, nil, err
	}
	return met, metrics.Handler(), nil
}

// Handler exposes the HTTP routes without starting a listener.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run serves until ctx is cancelled, then drains active calls.
func (a *App) Run(ctx context.Context) error { return a.runner.Run(ctx) }

// Dial places an outbound call that connects back to this relay.
func (a *App) Dial(ctx context.Context, to string) (string, error) {
	return a.dialer.Dial(ctx, to, "", "")
}

// SetBannerOutput redirects or disables (nil) the startup banner.
func (a *App) SetBannerOutput(out io.Writer) {
	a.runner.BannerOutput = out
}

func (a *App) onStart(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	fields := []any{slog.String("message", "Katapult Ready")}
	for k, v := range a.server.ReadyFields() {
		fields = append(fields, slog.Any(k, v))
	}
	a.logger.Info("katapult_ready", fields...)
	return nil
}

func (a *App) onStop() {
	_ = a.server.Stop()
	if a.shutdownMetrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownMetrics(ctx); err != nil {
			a.logger.Warn("metrics_shutdown_failed", slog.String("error", err.Error()))
		}
	}
	a.logger.Info("shutdown",
		slog.Int("goroutines", runtime.NumGoroutine()),
		slog.Int("active_calls", a.server.ActiveCalls()))
}
