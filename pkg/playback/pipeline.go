// Package playback turns queued assistant utterances into telephony audio,
// one utterance at a time, with prompt cancellation.
package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/tts"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/logging"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/metrics"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/redact"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/resilience"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transcode"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
)

// ErrCancelled marks an utterance stopped by Cancel. It is not a failure.
var ErrCancelled = errors.New("playback cancelled")

type State int

const (
	StateIdle State = iota
	StateSpeaking
)

func (s State) String() string {
	if s == StateSpeaking {
		return "speaking"
	}
	return "idle"
}

const readChunk = 4096

type Options struct {
	Synth tts.Synthesizer
	// Transcoder defaults to passthrough when the synthesizer already emits
	// ulaw_8000, and to ffmpeg otherwise.
	Transcoder transcode.Transcoder
	Leg        transports.Leg
	Breaker    *resilience.CircuitBreaker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	VoiceID    string
	Language   string
	// OnIdle runs on the worker goroutine when the pipeline drains.
	OnIdle func()
}

// Pipeline plays utterances in FIFO order with at most one in flight.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queue   []string
	state   State
	current *Handle
	active  bool
}

func New(opts Options) *Pipeline {
	if isMuLaw(opts.Synth.OutputFormat()) {
		opts.Transcoder = transcode.Passthrough{}
	} else if opts.Transcoder == nil {
		opts.Transcoder = transcode.NewFFmpeg("", 0)
	}
	base, stop := context.WithCancel(context.Background())
	return &Pipeline{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "playback"),
		base:   base,
		stop:   stop,
		active: true,
	}
}

func isMuLaw(format string) bool {
	f := strings.ToLower(format)
	return strings.HasPrefix(f, "ulaw_8000") || strings.HasPrefix(f, "mulaw_8000")
}

// Enqueue appends text to the queue and starts playback when idle. Empty
// text and enqueues after Close are ignored.
func (p *Pipeline) Enqueue(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return false
	}
	p.queue = append(p.queue, text)
	p.pump()
	return true
}

// pump must be called with mu held.
func (p *Pipeline) pump() {
	if !p.active || p.state == StateSpeaking || len(p.queue) == 0 {
		return
	}
	text := p.queue[0]
	p.queue[0] = ""
	p.queue = p.queue[1:]
	ctx, cancel := context.WithCancel(p.base)
	h := newHandle(cancel)
	p.state = StateSpeaking
	p.current = h
	epoch := p.opts.Leg.Epoch()
	p.wg.Add(1)
	go p.run(ctx, h, epoch, text)
}

func (p *Pipeline) run(ctx context.Context, h *Handle, epoch uint64, text string) {
	defer p.wg.Done()
	started := time.Now()
	err := p.speak(ctx, epoch, text)
	h.cancel()
	close(h.done)

	status := metrics.StatusPlayed
	switch {
	case err == nil:
		p.logger.Debug("utterance_played",
			slog.String("stream_id", p.opts.Leg.StreamID()),
			slog.Duration("elapsed", time.Since(started)))
	case errors.Is(err, ErrCancelled):
		status = metrics.StatusCancelled
		p.logger.Debug("utterance_cancelled",
			slog.String("stream_id", p.opts.Leg.StreamID()),
			slog.String("text", redact.Clip(text, 60)))
	case errorsx.HasReason(err, errorsx.ReasonTTSCircuitOpen):
		status = metrics.StatusDropped
		p.logger.Warn("utterance_dropped",
			slog.String("stream_id", p.opts.Leg.StreamID()),
			slog.String("reason_code", string(errorsx.ReasonTTSCircuitOpen)))
	default:
		status = metrics.StatusFailed
		p.logger.Error("utterance_failed",
			slog.String("stream_id", p.opts.Leg.StreamID()),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("text", redact.Clip(text, 60)),
			slog.String("error", err.Error()))
	}
	p.opts.Metrics.RecordUtterance(context.Background(), status)

	p.mu.Lock()
	p.state = StateIdle
	p.current = nil
	p.pump()
	idle := p.state == StateIdle
	p.mu.Unlock()
	if idle && p.opts.OnIdle != nil {
		p.opts.OnIdle()
	}
}

func (p *Pipeline) speak(ctx context.Context, epoch uint64, text string) error {
	if !p.opts.Breaker.Allow() {
		return errorsx.Newf(errorsx.ReasonTTSCircuitOpen, "%s: circuit open", p.opts.Synth.Name())
	}
	err := p.stream(ctx, epoch, text)
	switch {
	case err == nil:
		p.opts.Breaker.OnSuccess()
	case errorsx.SynthesisFault(err):
		p.opts.Breaker.OnError(err)
	default:
		p.opts.Breaker.Release()
	}
	return err
}

// stream runs one utterance through synthesis and transcoding into the leg.
func (p *Pipeline) stream(ctx context.Context, epoch uint64, text string) error {
	requested := time.Now()
	src, err := p.opts.Synth.Synthesize(ctx, tts.Request{
		Text:     text,
		VoiceID:  p.opts.VoiceID,
		Language: p.opts.Language,
		StreamID: p.opts.Leg.StreamID(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if resilience.IsRateLimit(err) {
			return errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
		}
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	defer src.Close()

	out, err := p.opts.Transcoder.Transcode(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return errorsx.Wrapf(err, errorsx.ReasonTranscode, "start %s", p.opts.Transcoder.Name())
	}
	defer out.Close()

	buf := make([]byte, readChunk)
	total := 0
	for {
		n, rerr := out.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			if total == 0 {
				p.opts.Metrics.RecordFirstAudio(ctx, p.opts.Synth.Name(), time.Since(requested))
			}
			total += n
			if err := p.opts.Leg.WriteAudio(epoch, buf[:n]); err != nil {
				return errorsx.Wrap(err, errorsx.ReasonTransportSend)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return errorsx.Wrap(rerr, errorsx.ReasonTranscode)
		}
	}
	// A killed transcoder also ends in EOF.
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if err := out.Close(); err != nil {
		return err
	}
	if total == 0 {
		return errorsx.Newf(errorsx.ReasonTTSEmpty, "%s: no audio produced", p.opts.Synth.Name())
	}
	return nil
}

// CancelAll drops every queued utterance and cancels the one in flight.
// It does not wait for the worker to finish.
func (p *Pipeline) CancelAll() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.queue {
		p.queue[i] = ""
	}
	p.queue = p.queue[:0]
	h := p.current
	if h != nil {
		h.Cancel()
	}
	return h
}

// Close stops playback for good and waits for the worker to exit.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	p.CancelAll()
	p.stop()
	p.wg.Wait()
	return nil
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Busy reports whether an utterance is playing or queued.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateSpeaking || len(p.queue) > 0
}

func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Handle cancels one in-flight utterance. Cancel is idempotent and safe to
// call concurrently with the utterance finishing.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newHandle(cancel context.CancelFunc) *Handle {
	return &Handle{cancel: cancel, done: make(chan struct{})}
}

func (h *Handle) Cancel() {
	if h != nil {
		h.cancel()
	}
}

// Done is closed once the utterance has fully stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }
