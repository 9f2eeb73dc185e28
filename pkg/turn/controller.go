// Package turn decides who holds the floor on a call: it queues assistant
// speech, suppresses replies nobody asked for, and stops the assistant when
// the caller talks over it.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/logging"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/metrics"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/playback"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/redact"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
)

const signalBuffer = 256

// Player is the speech playback pipeline as seen by the controller.
type Player interface {
	Enqueue(text string) bool
	CancelAll() *playback.Handle
	Busy() bool
	Close() error
}

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Config struct {
	// Greeting is spoken once, GreetingDelay after the stream starts.
	// Empty disables the greeting.
	Greeting      string
	GreetingDelay time.Duration
	// TruncateMargin is subtracted from the elapsed response time when
	// telling the engine how much of an item was heard.
	TruncateMargin time.Duration
	// RequireUserSpeech suppresses replies until the caller has spoken.
	RequireUserSpeech bool
	// IgnoredEngineErrors lists engine error codes that do not end the call.
	IgnoredEngineErrors []string
}

func (c Config) withDefaults() Config {
	if c.GreetingDelay <= 0 {
		c.GreetingDelay = 1500 * time.Millisecond
	}
	if c.TruncateMargin < 0 {
		c.TruncateMargin = 0
	}
	return c
}

type Deps struct {
	Player  Player
	Leg     transports.Leg
	Engine  engine.Session
	Clock   Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller owns all per-call turn state. Every field below the channel
// block is touched only by the Run goroutine.
type Controller struct {
	cfg     Config
	player  Player
	leg     transports.Leg
	engine  engine.Session
	clock   Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
	fsm     *stateMachine
	ignored map[string]bool

	signals chan Signal
	closing chan struct{}
	done    chan struct{}

	streamID          string
	callSID           string
	active            bool
	greeted           bool
	greetingArmed     bool
	greetingTimer     Timer
	userHasSpoken     bool
	transcript        strings.Builder
	responseOpen      bool
	responseCancelled bool
	lastAssistantItem string
	responseStartedAt time.Time
	cause             error
}

func NewController(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	ignored := make(map[string]bool, len(cfg.IgnoredEngineErrors))
	for _, code := range cfg.IgnoredEngineErrors {
		ignored[strings.TrimSpace(code)] = true
	}
	return &Controller{
		cfg:     cfg,
		player:  deps.Player,
		leg:     deps.Leg,
		engine:  deps.Engine,
		clock:   clock,
		metrics: deps.Metrics,
		logger:  logging.NewComponentLogger(deps.Logger, "turn"),
		fsm:     newStateMachine(clock.Now),
		ignored: ignored,
		signals: make(chan Signal, signalBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		active:  true,
	}
}

// Post hands a signal to the loop. It reports false once the controller is
// shutting down.
func (c *Controller) Post(sig Signal) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.signals <- sig:
		return true
	case <-c.closing:
		return false
	}
}

// PlaybackIdle is meant for playback.Options.OnIdle.
func (c *Controller) PlaybackIdle() {
	c.Post(Signal{Kind: SignalPlaybackFinished})
}

func (c *Controller) State() State { return c.fsm.State() }

func (c *Controller) AddListener(l StateListener) { c.fsm.AddListener(l) }

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run processes signals serially until the call ends. It returns the
// failure that ended the call, or nil for a normal hangup.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.terminate("context_cancelled", nil)
			return c.cause
		case sig := <-c.signals:
			c.handle(sig)
			if c.fsm.State() == StateClosed {
				return c.cause
			}
		}
	}
}

func (c *Controller) handle(sig Signal) {
	switch sig.Kind {
	case SignalTelephonyStart:
		c.onStart(sig)
	case SignalTelephonyMedia:
		if err := c.engine.AppendAudio(sig.Payload); err != nil {
			c.terminate("engine_send_failed", errorsx.Wrap(err, errorsx.ReasonEngineSend))
		}
	case SignalTelephonyStop:
		c.terminate("telephony_stop", nil)
	case SignalUserSpeechStarted:
		c.onUserSpeech()
	case SignalResponseStarted:
		c.onResponseStarted(sig)
	case SignalTranscriptDelta:
		if !c.responseCancelled {
			c.transcript.WriteString(sig.Text)
		}
	case SignalResponseCompleted:
		c.onResponseCompleted()
	case SignalEngineError:
		c.onEngineError(sig)
	case SignalLegClosed:
		reason := sig.Leg + "_closed"
		var cause error
		if sig.Leg == LegEngine {
			cause = sig.Err
			if cause == nil {
				cause = errorsx.Newf(errorsx.ReasonEngineClosed, "engine connection closed")
			}
		}
		c.terminate(reason, cause)
	case SignalGreetingDue:
		c.onGreetingDue()
	case SignalPlaybackStarted:
		if c.fsm.State() == StateListening {
			_ = c.fsm.Transition(StateSpeaking, ReasonPlaybackStarted)
		}
	case SignalPlaybackFinished:
		if c.fsm.State() == StateSpeaking && !c.player.Busy() {
			_ = c.fsm.Transition(StateListening, ReasonPlaybackFinished)
		}
	}
}

func (c *Controller) onStart(sig Signal) {
	if c.streamID == "" {
		c.streamID = sig.StreamID
		c.callSID = sig.CallSID
		c.logger = c.logger.With(
			slog.String("stream_id", c.streamID),
			slog.String("call_sid", c.callSID))
	}
	c.logger.Info("call_started")
	if strings.TrimSpace(c.cfg.Greeting) == "" || c.greeted || c.greetingArmed {
		return
	}
	c.greetingArmed = true
	c.greetingTimer = c.clock.AfterFunc(c.cfg.GreetingDelay, func() {
		c.Post(Signal{Kind: SignalGreetingDue})
	})
}

func (c *Controller) onGreetingDue() {
	if !c.active || c.greeted {
		return
	}
	c.greeted = true
	c.logger.Debug("greeting_due")
	c.speak(c.cfg.Greeting)
}

func (c *Controller) onUserSpeech() {
	if !c.userHasSpoken {
		c.userHasSpoken = true
		c.logger.Info("user_speech_detected")
	}
	if c.fsm.State() == StateSpeaking || c.player.Busy() {
		c.bargeIn()
	}
}

// bargeIn silences the assistant: playback first, then the telephony
// buffer, then the engine's own response.
func (c *Controller) bargeIn() {
	c.player.CancelAll()
	if err := c.leg.Clear(); err != nil && !errors.Is(err, transports.ErrLegClosed) {
		c.logger.Warn("clear_failed", slog.String("error", err.Error()))
	}
	if err := c.engine.CancelResponse(); err != nil {
		c.logger.Warn("response_cancel_failed", slog.String("error", err.Error()))
	}
	if c.lastAssistantItem != "" {
		heard := c.clock.Now().Sub(c.responseStartedAt) - c.cfg.TruncateMargin
		if heard < 0 {
			heard = 0
		}
		if err := c.engine.Truncate(c.lastAssistantItem, 0, heard); err != nil {
			c.logger.Warn("truncate_failed", slog.String("error", err.Error()))
		}
		c.logger.Info("barge_in",
			slog.String("item_id", c.lastAssistantItem),
			slog.Int64("audio_end_ms", heard.Milliseconds()))
	} else {
		c.logger.Info("barge_in")
	}
	// Whatever the engine was still generating belongs to the interrupted turn.
	c.transcript.Reset()
	c.responseCancelled = c.responseOpen
	c.metrics.RecordBargeIn(context.Background())
	if c.fsm.State() == StateSpeaking {
		_ = c.fsm.Transition(StateListening, ReasonBargeIn)
	}
}

func (c *Controller) onResponseStarted(sig Signal) {
	if sig.ItemID == "" || !c.responseOpen {
		c.transcript.Reset()
		c.responseStartedAt = c.clock.Now()
		c.lastAssistantItem = ""
		c.responseOpen = true
		c.responseCancelled = false
	}
	if sig.ItemID != "" {
		c.lastAssistantItem = sig.ItemID
	}
}

func (c *Controller) onResponseCompleted() {
	text := strings.TrimSpace(c.transcript.String())
	c.transcript.Reset()
	c.responseOpen = false
	if c.responseCancelled {
		c.responseCancelled = false
		c.logger.Debug("response_discarded", slog.String("reason", "barge_in"))
		return
	}
	if text == "" {
		c.logger.Debug("response_empty")
		return
	}
	if c.cfg.RequireUserSpeech && !c.userHasSpoken {
		c.metrics.RecordUtterance(context.Background(), metrics.StatusSuppressed)
		c.logger.Info("response_suppressed",
			slog.String("reason", "user_has_not_spoken"),
			slog.String("text", redact.Clip(text, 60)))
		return
	}
	c.speak(text)
}

func (c *Controller) speak(text string) {
	if !c.active {
		return
	}
	if c.player.Enqueue(text) {
		c.logger.Debug("utterance_queued", slog.String("text", redact.Clip(text, 60)))
		c.handle(Signal{Kind: SignalPlaybackStarted})
	}
}

func (c *Controller) onEngineError(sig Signal) {
	c.metrics.RecordEngineError(context.Background(), sig.Code)
	if c.ignored[sig.Code] {
		c.logger.Debug("engine_error_ignored",
			slog.String("code", sig.Code),
			slog.String("detail", sig.Text))
		return
	}
	c.terminate("engine_error", errorsx.Wrap(
		fmt.Errorf("engine error %s: %s", sig.Code, sig.Text), errorsx.ReasonEngineEvent))
}

// terminate ends the call for good. Safe to call more than once.
func (c *Controller) terminate(reason string, cause error) {
	if c.fsm.State() == StateClosed {
		return
	}
	c.active = false
	close(c.closing)
	if c.greetingTimer != nil {
		c.greetingTimer.Stop()
	}
	c.player.CancelAll()
	if cause != nil {
		c.cause = cause
		_ = c.leg.SendFallback()
		c.logger.Error("call_failed",
			slog.String("reason", reason),
			slog.String("reason_code", string(errorsx.Reason(cause))),
			slog.String("component", errorsx.Reason(cause).Component()),
			slog.String("error", cause.Error()))
	} else {
		c.logger.Info("call_ended", slog.String("reason", reason))
	}
	// The leg goes first so a worker blocked on it is released.
	_ = c.leg.Close()
	_ = c.player.Close()
	_ = c.engine.Close()
	_ = c.fsm.Transition(StateClosed, reason)
}
