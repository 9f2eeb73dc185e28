package turn

type State int

const (
	StateListening State = iota
	StateSpeaking
	StateClosed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Reasons attached to Listening/Speaking transitions. Transitions to
// StateClosed carry the call end reason instead.
const (
	ReasonPlaybackStarted  = "playback_started"
	ReasonPlaybackFinished = "playback_finished"
	ReasonBargeIn          = "barge_in"
)
