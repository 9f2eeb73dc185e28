package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/turn"
)

// TalkTimeObserver accumulates how long the assistant spoke during one call
// and how often it was interrupted.
type TalkTimeObserver struct {
	mu            sync.Mutex
	turns         int
	interrupted   int
	speaking      time.Duration
	speakingSince time.Time
	firstSpeech   time.Time
	started       time.Time
}

func NewTalkTimeObserver(started time.Time) *TalkTimeObserver {
	return &TalkTimeObserver{started: started}
}

func (o *TalkTimeObserver) OnStateChange(ev turn.StateChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case ev.ToState == turn.StateSpeaking:
		o.turns++
		o.speakingSince = ev.Timestamp
		if o.firstSpeech.IsZero() {
			o.firstSpeech = ev.Timestamp
		}
	case ev.FromState == turn.StateSpeaking:
		if !o.speakingSince.IsZero() {
			o.speaking += ev.Timestamp.Sub(o.speakingSince)
			o.speakingSince = time.Time{}
		}
		if ev.Reason == turn.ReasonBargeIn {
			o.interrupted++
		}
	}
}

// TalkTime is a snapshot of the accumulated counters.
type TalkTime struct {
	Turns       int
	Interrupted int
	Speaking    time.Duration
	// FirstSpeech is the delay from call start to the first assistant
	// audio, or -1 if the assistant never spoke.
	FirstSpeech time.Duration
}

func (o *TalkTimeObserver) Snapshot() TalkTime {
	o.mu.Lock()
	defer o.mu.Unlock()
	first := time.Duration(-1)
	if !o.firstSpeech.IsZero() {
		first = o.firstSpeech.Sub(o.started)
	}
	return TalkTime{
		Turns:       o.turns,
		Interrupted: o.interrupted,
		Speaking:    o.speaking,
		FirstSpeech: first,
	}
}

// LogValue renders the snapshot for slog.
func (t TalkTime) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("turns", t.Turns),
		slog.Int("interrupted", t.Interrupted),
		slog.Int64("speaking_ms", t.Speaking.Milliseconds()),
		slog.Int64("first_speech_ms", durationMs(t.FirstSpeech)),
	)
}

func durationMs(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}

var _ turn.StateListener = (*TalkTimeObserver)(nil)
