package twilio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/frames"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/metrics"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
	"github.com/gorilla/websocket"
)

const (
	legSendBuffer      = 512
	legWriteTimeout    = 5 * time.Second
	legFlushTimeout    = time.Second
	fallbackFrameCount = 5
)

// Leg is one Twilio media stream connection. Outbound messages go through a
// single writer goroutine; WriteAudio and Clear are serialized by mu so a
// clear always follows every frame of the epoch it ends. The writer never
// takes mu.
type Leg struct {
	conn         *websocket.Conn
	sendCh       chan []byte
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	closed       atomic.Bool
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	onStart      func(*Leg)
	// stream id for the writer's log lines
	logStreamID atomic.Value

	mu       sync.Mutex
	streamID string
	callSID  string
	framer   *frames.Framer
	epoch    uint64
}

func newLeg(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics, onStart func(*Leg)) *Leg {
	if writeTimeout <= 0 {
		writeTimeout = legWriteTimeout
	}
	l := &Leg{
		conn:         conn,
		sendCh:       make(chan []byte, legSendBuffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      m,
		onStart:      onStart,
		framer:       frames.NewFramer(frames.FrameSize),
	}
	l.logStreamID.Store("")
	go l.loop()
	return l
}

func (l *Leg) StreamID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamID
}

func (l *Leg) CallSID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callSID
}

func (l *Leg) Epoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// ReadEvent returns the next well-formed inbound event. The first start
// event binds the stream and call ids.
func (l *Leg) ReadEvent() (transports.Event, error) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return transports.Event{}, errorsx.Wrap(err, errorsx.ReasonTransportClosed)
		}
		ev, ok := parseEvent(data)
		if !ok {
			continue
		}
		if ev.Kind == transports.EventStart {
			l.bind(ev.StreamID, ev.CallSID)
		}
		return ev, nil
	}
}

func (l *Leg) bind(streamID, callSID string) {
	l.mu.Lock()
	first := l.streamID == ""
	if first {
		l.streamID = streamID
		l.callSID = callSID
		l.logStreamID.Store(streamID)
	}
	l.mu.Unlock()
	if first && l.onStart != nil {
		l.onStart(l)
	}
}

// WriteAudio re-frames p into 160-byte media messages. Writes carrying an
// epoch older than the current one are dropped.
func (l *Leg) WriteAudio(epoch uint64, p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return transports.ErrLegClosed
	}
	if epoch != l.epoch || l.streamID == "" {
		return nil
	}
	sent := 0
	err := l.framer.Write(p, func(frame []byte) error {
		msg, err := mediaMessage(l.streamID, frame)
		if err != nil {
			return err
		}
		if err := l.enqueue(msg); err != nil {
			return err
		}
		sent++
		return nil
	})
	l.metrics.RecordFrames(context.Background(), sent)
	return err
}

// Clear discards the pending remainder, starts a new epoch and asks Twilio
// to drop buffered audio.
func (l *Leg) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return transports.ErrLegClosed
	}
	l.epoch++
	l.framer.Reset()
	if l.streamID == "" {
		return nil
	}
	msg, err := clearMessage(l.streamID)
	if err != nil {
		return err
	}
	return l.enqueue(msg)
}

// SendFallback emits a short run of silence frames. It also starts a new
// epoch, so audio still in flight for the current one is not sent after it.
// A following Close flushes the silence before closing the connection.
func (l *Leg) SendFallback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return transports.ErrLegClosed
	}
	l.epoch++
	l.framer.Reset()
	if l.streamID == "" {
		return nil
	}
	for _, fr := range frames.Silence(fallbackFrameCount) {
		msg, err := mediaMessage(l.streamID, fr)
		if err != nil {
			return err
		}
		if err := l.enqueue(msg); err != nil {
			return err
		}
	}
	return nil
}

// enqueue must be called with mu held. It waits at most one write timeout
// for room in the send buffer and aborts the leg when the writer is stuck.
func (l *Leg) enqueue(msg []byte) error {
	select {
	case l.sendCh <- msg:
		return nil
	default:
	}
	t := time.NewTimer(l.writeTimeout)
	defer t.Stop()
	select {
	case l.sendCh <- msg:
		return nil
	case <-l.stop:
		return transports.ErrLegClosed
	case <-l.done:
		return transports.ErrLegClosed
	case <-t.C:
		l.abort()
		return errorsx.Newf(errorsx.ReasonTransportSend, "twilio leg: send buffer full after %s", l.writeTimeout)
	}
}

func (l *Leg) loop() {
	defer close(l.done)
	defer l.conn.Close()
	for {
		select {
		case msg := <-l.sendCh:
			if err := l.write(msg, time.Now().Add(l.writeTimeout)); err != nil {
				l.halt()
				l.logger.Warn("twilio_leg_write_failed",
					slog.String("stream_id", l.logStreamID.Load().(string)),
					slog.String("reason_code", string(errorsx.ReasonTransportSend)),
					slog.String("error", err.Error()))
				return
			}
		case <-l.stop:
			l.flush()
			return
		}
	}
}

// flush writes what is still queued, bounded by legFlushTimeout.
func (l *Leg) flush() {
	deadline := time.Now().Add(legFlushTimeout)
	for {
		select {
		case msg := <-l.sendCh:
			if !time.Now().Before(deadline) {
				return
			}
			if err := l.write(msg, deadline); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (l *Leg) write(msg []byte, deadline time.Time) error {
	_ = l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteMessage(websocket.TextMessage, msg)
}

// halt stops accepting writes without waiting for the writer.
func (l *Leg) halt() {
	l.closed.Store(true)
	l.stopOnce.Do(func() { close(l.stop) })
}

// abort halts the leg and fails any write in progress.
func (l *Leg) abort() {
	l.halt()
	_ = l.conn.Close()
}

// Close stops the leg. Messages already queued, such as fallback silence,
// are flushed for at most legFlushTimeout before the connection closes;
// a pending remainder is never sent. Idempotent.
func (l *Leg) Close() error {
	l.halt()
	t := time.NewTimer(legFlushTimeout)
	defer t.Stop()
	select {
	case <-l.done:
	case <-t.C:
		_ = l.conn.Close()
	}
	return nil
}

// Done is closed once the writer has exited and the connection is closed.
func (l *Leg) Done() <-chan struct{} { return l.done }

var _ transports.Call = (*Leg)(nil)
