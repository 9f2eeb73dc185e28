package observers

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/turn"
)

func TestTalkTimeObserverAccumulates(t *testing.T) {
	start := time.Unix(1000, 0)
	obs := NewTalkTimeObserver(start)
	if snap := obs.Snapshot(); snap.FirstSpeech != -1 || snap.Turns != 0 {
		t.Fatalf("unexpected empty snapshot %+v", snap)
	}

	at := func(ms int) time.Time { return start.Add(time.Duration(ms) * time.Millisecond) }
	events := []turn.StateChange{
		{FromState: turn.StateListening, ToState: turn.StateSpeaking, Timestamp: at(1500), Reason: turn.ReasonPlaybackStarted},
		{FromState: turn.StateSpeaking, ToState: turn.StateListening, Timestamp: at(3500), Reason: turn.ReasonPlaybackFinished},
		{FromState: turn.StateListening, ToState: turn.StateSpeaking, Timestamp: at(5000), Reason: turn.ReasonPlaybackStarted},
		{FromState: turn.StateSpeaking, ToState: turn.StateListening, Timestamp: at(5800), Reason: turn.ReasonBargeIn},
		{FromState: turn.StateListening, ToState: turn.StateClosed, Timestamp: at(9000), Reason: "telephony_stop"},
	}
	for _, ev := range events {
		obs.OnStateChange(ev)
	}
	snap := obs.Snapshot()
	if snap.Turns != 2 || snap.Interrupted != 1 {
		t.Fatalf("unexpected counters %+v", snap)
	}
	if snap.Speaking != 2800*time.Millisecond {
		t.Fatalf("expected 2.8s speaking, got %v", snap.Speaking)
	}
	if snap.FirstSpeech != 1500*time.Millisecond {
		t.Fatalf("expected first speech after 1.5s, got %v", snap.FirstSpeech)
	}
}

func TestSpeakingUntilHangupCounts(t *testing.T) {
	start := time.Unix(0, 0)
	obs := NewTalkTimeObserver(start)
	obs.OnStateChange(turn.StateChange{FromState: turn.StateListening, ToState: turn.StateSpeaking, Timestamp: start})
	obs.OnStateChange(turn.StateChange{FromState: turn.StateSpeaking, ToState: turn.StateClosed, Timestamp: start.Add(time.Second), Reason: "telephony_stop"})
	if snap := obs.Snapshot(); snap.Speaking != time.Second || snap.Interrupted != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestMultiObserverFansOutAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	stats := NewTalkTimeObserver(time.Now())
	multi := NewMultiObserver(NewLoggerObserver(logger), nil, stats)
	multi.OnStateChange(turn.StateChange{FromState: turn.StateListening, ToState: turn.StateSpeaking, Timestamp: time.Now(), Reason: turn.ReasonPlaybackStarted})

	if stats.Snapshot().Turns != 1 {
		t.Fatal("expected stats observer to receive the change")
	}
	out := buf.String()
	if !strings.Contains(out, "turn_state") || !strings.Contains(out, "to=SPEAKING") {
		t.Fatalf("unexpected log output %q", out)
	}

	buf.Reset()
	logger.Info("call_summary", slog.Any("talk_time", stats.Snapshot()))
	if !strings.Contains(buf.String(), "talk_time.turns=1") {
		t.Fatalf("expected grouped talk time, got %q", buf.String())
	}
}
