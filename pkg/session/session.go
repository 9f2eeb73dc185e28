// Package session wires one accepted telephony connection to an engine
// session, a playback pipeline and a turn controller, and runs them until
// the call ends.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/tts"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/logging"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/metrics"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/observers"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/playback"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/resilience"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transcode"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/turn"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config is the per-call template shared by every session.
type Config struct {
	Engine   engine.SessionConfig
	Turn     turn.Config
	VoiceID  string
	Language string
}

type Deps struct {
	Dialer     engine.Dialer
	Synth      tts.Synthesizer
	Transcoder transcode.Transcoder
	Breaker    *resilience.CircuitBreaker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      turn.Clock
}

// Manager starts one session per accepted call. Sessions share nothing but
// the read-only configuration, the vendor clients and the breaker.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "session"),
	}
}

var _ transports.CallHandler = (*Manager)(nil)

// HandleCall blocks until the call ends and every resource it opened has
// been released.
func (m *Manager) HandleCall(ctx context.Context, call transports.Call) error {
	traceID := uuid.NewString()
	logger := m.logger.With(slog.String("trace_id", traceID))
	started := time.Now()
	m.deps.Metrics.CallStarted(ctx)
	endReason := "completed"
	defer func() {
		m.deps.Metrics.CallEnded(context.Background(), endReason, time.Since(started))
	}()

	start, err := awaitStart(call)
	if err != nil {
		endReason = "no_start"
		logger.Debug("connection closed before start")
		_ = call.Close()
		return nil
	}
	logger = logger.With(
		slog.String("stream_id", start.StreamID),
		slog.String("call_sid", start.CallSID))

	sc := m.cfg.Engine
	sc.StreamID = start.StreamID
	eng, err := m.deps.Dialer.Connect(ctx, sc)
	if err != nil {
		endReason = "failed"
		logger.Error("engine_connect_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		_ = call.SendFallback()
		_ = call.Close()
		return err
	}

	var ctrl *turn.Controller
	player := playback.New(playback.Options{
		Synth:      m.deps.Synth,
		Transcoder: m.deps.Transcoder,
		Leg:        call,
		Breaker:    m.deps.Breaker,
		Metrics:    m.deps.Metrics,
		Logger:     logger,
		VoiceID:    m.cfg.VoiceID,
		Language:   m.cfg.Language,
		OnIdle:     func() { ctrl.PlaybackIdle() },
	})
	ctrl = turn.NewController(m.cfg.Turn, turn.Deps{
		Player:  player,
		Leg:     call,
		Engine:  eng,
		Clock:   m.deps.Clock,
		Metrics: m.deps.Metrics,
		Logger:  logger,
	})
	talk := observers.NewTalkTimeObserver(started)
	ctrl.AddListener(observers.NewMultiObserver(observers.NewLoggerObserver(logger), talk))
	ctrl.Post(turn.Signal{Kind: turn.SignalTelephonyStart, StreamID: start.StreamID, CallSID: start.CallSID})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		readTelephony(call, ctrl)
		return nil
	})
	g.Go(func() error {
		readEngine(eng, ctrl)
		return nil
	})
	err = g.Wait()

	_ = call.Close()
	_ = player.Close()
	_ = eng.Close()
	if err != nil {
		endReason = "failed"
	}
	logger.Info("call_summary",
		slog.String("end_reason", endReason),
		slog.Duration("lifetime", time.Since(started)),
		slog.Any("talk_time", talk.Snapshot()))
	return err
}

func awaitStart(call transports.Call) (transports.Event, error) {
	for {
		ev, err := call.ReadEvent()
		if err != nil {
			return transports.Event{}, err
		}
		switch ev.Kind {
		case transports.EventStart:
			return ev, nil
		case transports.EventStop:
			return transports.Event{}, errors.New("stream stopped before start")
		}
	}
}

func readTelephony(call transports.Call, ctrl *turn.Controller) {
	for {
		ev, err := call.ReadEvent()
		if err != nil {
			ctrl.Post(turn.Signal{Kind: turn.SignalLegClosed, Leg: turn.LegTelephony, Err: err})
			return
		}
		var sig turn.Signal
		switch ev.Kind {
		case transports.EventStart:
			sig = turn.Signal{Kind: turn.SignalTelephonyStart, StreamID: ev.StreamID, CallSID: ev.CallSID}
		case transports.EventMedia:
			sig = turn.Signal{Kind: turn.SignalTelephonyMedia, Payload: ev.Payload}
		case transports.EventStop:
			ctrl.Post(turn.Signal{Kind: turn.SignalTelephonyStop})
			return
		default:
			continue
		}
		if !ctrl.Post(sig) {
			return
		}
	}
}

func readEngine(eng engine.Session, ctrl *turn.Controller) {
	for sig := range eng.Signals() {
		if !ctrl.Post(turn.FromEngine(sig)) {
			return
		}
	}
	ctrl.Post(turn.Signal{Kind: turn.SignalLegClosed, Leg: turn.LegEngine, Err: eng.Err()})
}
