package transports

import (
	"context"
	"errors"
)

// ErrLegClosed is returned by writes on a leg that has been torn down.
var ErrLegClosed = errors.New("telephony leg closed")

// EventKind classifies inbound telephony events.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventMedia
	EventStop
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Event is one inbound telephony event. Payload is the base64 μ-law string
// exactly as received.
type Event struct {
	Kind     EventKind
	StreamID string
	CallSID  string
	From     string
	Payload  string
}

// Leg is the outbound half of one telephony connection. Audio written with a
// stale epoch is dropped; Clear starts a new epoch.
type Leg interface {
	StreamID() string
	CallSID() string
	Epoch() uint64
	WriteAudio(epoch uint64, p []byte) error
	Clear() error
	SendFallback() error
	Close() error
}

// Call is one accepted telephony connection: the leg plus its inbound event
// stream. ReadEvent blocks until the next well-formed event and returns an
// error once the connection ends.
type Call interface {
	Leg
	ReadEvent() (Event, error)
}

// CallHandler serves one call until it ends.
type CallHandler interface {
	HandleCall(ctx context.Context, call Call) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
