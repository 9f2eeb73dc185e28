package turn

import (
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
)

type SignalKind int

const (
	SignalTelephonyStart SignalKind = iota + 1
	SignalTelephonyMedia
	SignalTelephonyStop
	SignalUserSpeechStarted
	SignalResponseStarted
	SignalTranscriptDelta
	SignalResponseCompleted
	SignalEngineError
	SignalLegClosed
	SignalGreetingDue
	SignalPlaybackStarted
	SignalPlaybackFinished
)

func (k SignalKind) String() string {
	switch k {
	case SignalTelephonyStart:
		return "telephony_start"
	case SignalTelephonyMedia:
		return "telephony_media"
	case SignalTelephonyStop:
		return "telephony_stop"
	case SignalUserSpeechStarted:
		return "user_speech_started"
	case SignalResponseStarted:
		return "response_started"
	case SignalTranscriptDelta:
		return "transcript_delta"
	case SignalResponseCompleted:
		return "response_completed"
	case SignalEngineError:
		return "engine_error"
	case SignalLegClosed:
		return "leg_closed"
	case SignalGreetingDue:
		return "greeting_due"
	case SignalPlaybackStarted:
		return "playback_started"
	case SignalPlaybackFinished:
		return "playback_finished"
	default:
		return "unknown"
	}
}

// Leg names the connection a LegClosed signal refers to.
const (
	LegTelephony = "telephony"
	LegEngine    = "engine"
)

// Signal is one input to the controller loop.
type Signal struct {
	Kind     SignalKind
	StreamID string
	CallSID  string
	// Payload is base64 μ-law audio for TelephonyMedia.
	Payload string
	ItemID  string
	Text    string
	Code    string
	Leg     string
	Err     error
}

// FromEngine converts an engine signal.
func FromEngine(s engine.Signal) Signal {
	out := Signal{ItemID: s.ItemID, Text: s.Text, Code: s.Code}
	switch s.Kind {
	case engine.SignalUserSpeechStarted:
		out.Kind = SignalUserSpeechStarted
	case engine.SignalResponseStarted:
		out.Kind = SignalResponseStarted
	case engine.SignalTranscriptDelta:
		out.Kind = SignalTranscriptDelta
	case engine.SignalResponseCompleted:
		out.Kind = SignalResponseCompleted
	default:
		out.Kind = SignalEngineError
	}
	return out
}
