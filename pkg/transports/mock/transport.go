package mock

import (
	"bytes"
	"io"
	"sync"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/frames"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
)

// Sent is one outbound message recorded by Call.
type Sent struct {
	Clear bool
	Frame []byte
	Epoch uint64
}

// Call is an in-memory telephony call for local testing and integration.
// It implements transports.Call without any network dependency.
type Call struct {
	streamID string
	callSID  string

	inbound chan transports.Event
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	framer *frames.Framer
	epoch  uint64
	sent   []Sent
	closed bool
	notify chan struct{}
}

func New(streamID, callSID string) *Call {
	return &Call{
		streamID: streamID,
		callSID:  callSID,
		inbound:  make(chan transports.Event, 256),
		done:     make(chan struct{}),
		framer:   frames.NewFramer(frames.FrameSize),
		notify:   make(chan struct{}, 1),
	}
}

func (c *Call) StreamID() string { return c.streamID }
func (c *Call) CallSID() string  { return c.callSID }

func (c *Call) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Call) WriteAudio(epoch uint64, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transports.ErrLegClosed
	}
	if epoch != c.epoch {
		return nil
	}
	return c.framer.Write(p, func(frame []byte) error {
		c.sent = append(c.sent, Sent{Frame: frame, Epoch: epoch})
		c.signal()
		return nil
	})
}

func (c *Call) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transports.ErrLegClosed
	}
	c.epoch++
	c.framer.Reset()
	c.sent = append(c.sent, Sent{Clear: true, Epoch: c.epoch})
	c.signal()
	return nil
}

func (c *Call) SendFallback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transports.ErrLegClosed
	}
	c.epoch++
	c.framer.Reset()
	for _, fr := range frames.Silence(5) {
		c.sent = append(c.sent, Sent{Frame: fr, Epoch: c.epoch})
	}
	c.signal()
	return nil
}

func (c *Call) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.framer.Reset()
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *Call) ReadEvent() (transports.Event, error) {
	select {
	case ev := <-c.inbound:
		return ev, nil
	case <-c.done:
		return transports.Event{}, io.EOF
	}
}

// Push injects an inbound event.
func (c *Call) Push(ev transports.Event) {
	select {
	case c.inbound <- ev:
	case <-c.done:
	}
}

// Sent returns a copy of everything written so far.
func (c *Call) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Audio concatenates all frames written so far.
func (c *Call) Audio() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf bytes.Buffer
	for _, s := range c.sent {
		buf.Write(s.Frame)
	}
	return buf.Bytes()
}

// Updated is signalled after every outbound write.
func (c *Call) Updated() <-chan struct{} { return c.notify }

func (c *Call) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Call) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

var _ transports.Call = (*Call)(nil)
