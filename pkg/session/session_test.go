package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/frames"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/metrics"
	providermock "github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/providers/mock"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports"
	transportmock "github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/transports/mock"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/turn"
)

func newManager(dialer engine.Dialer, synth *providermock.Synthesizer) *Manager {
	return NewManager(Config{
		Engine: engine.SessionConfig{Instructions: "wees kort", MaxResponseTokens: 200},
		Turn:   turn.Config{RequireUserSpeech: true},
	}, Deps{
		Dialer:  dialer,
		Synth:   synth,
		Metrics: metrics.Noop(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionRelaysAudioAndSpeaksReplies(t *testing.T) {
	eng := providermock.NewEngine()
	synth := providermock.NewTTS(providermock.TTSConfig{BytesPerUtterance: 3 * frames.FrameSize})
	m := newManager(eng, synth)
	call := transportmock.New("MZ1", "CA1")

	done := make(chan error, 1)
	go func() { done <- m.HandleCall(context.Background(), call) }()

	call.Push(transports.Event{Kind: transports.EventStart, StreamID: "MZ1", CallSID: "CA1"})
	call.Push(transports.Event{Kind: transports.EventMedia, Payload: "AQ=="})
	call.Push(transports.Event{Kind: transports.EventMedia, Payload: "Ag=="})

	waitFor(t, "engine session", func() bool { return eng.Last() != nil })
	sess := eng.Last()
	if cfgs := eng.Configs(); cfgs[0].StreamID != "MZ1" || cfgs[0].Instructions != "wees kort" {
		t.Fatalf("unexpected session config %+v", cfgs[0])
	}
	waitFor(t, "forwarded media", func() bool { return len(sess.Events()) == 2 })
	if evs := sess.Events(); evs[0].Audio != "AQ==" || evs[1].Audio != "Ag==" {
		t.Fatalf("media forwarded out of order: %+v", evs)
	}

	sess.Push(engine.Signal{Kind: engine.SignalUserSpeechStarted})
	sess.Push(engine.Signal{Kind: engine.SignalResponseStarted, ItemID: "item_1"})
	sess.Push(engine.Signal{Kind: engine.SignalTranscriptDelta, Text: "Goedemiddag"})
	sess.Push(engine.Signal{Kind: engine.SignalResponseCompleted})

	waitFor(t, "synthesized audio", func() bool { return len(call.Audio()) == 3*frames.FrameSize })
	if got := synth.Requests(); len(got) != 1 || got[0] != "Goedemiddag" {
		t.Fatalf("unexpected synthesis requests %v", got)
	}

	call.Push(transports.Event{Kind: transports.EventStop})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean hangup, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after stop")
	}
	if !call.Closed() || !sess.Closed() {
		t.Fatal("expected both legs closed")
	}
}

func TestSessionEndsWhenEngineDisconnects(t *testing.T) {
	eng := providermock.NewEngine()
	m := newManager(eng, providermock.NewTTS(providermock.TTSConfig{}))
	call := transportmock.New("MZ1", "CA1")

	done := make(chan error, 1)
	go func() { done <- m.HandleCall(context.Background(), call) }()
	call.Push(transports.Event{Kind: transports.EventStart, StreamID: "MZ1", CallSID: "CA1"})
	waitFor(t, "engine session", func() bool { return eng.Last() != nil })

	eng.Last().Disconnect(errors.New("read: connection reset"))
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected engine failure to be reported")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after engine disconnect")
	}
	if !call.Closed() {
		t.Fatal("expected telephony leg closed")
	}
	if len(call.Sent()) == 0 {
		t.Fatal("expected fallback audio before hangup")
	}
}

func TestSessionEngineConnectFailure(t *testing.T) {
	eng := providermock.NewEngine()
	eng.ConnectErr = errors.New("dial refused")
	m := newManager(eng, providermock.NewTTS(providermock.TTSConfig{}))
	call := transportmock.New("MZ1", "CA1")
	call.Push(transports.Event{Kind: transports.EventStart, StreamID: "MZ1", CallSID: "CA1"})

	if err := m.HandleCall(context.Background(), call); err == nil {
		t.Fatal("expected connect error")
	}
	if !call.Closed() {
		t.Fatal("expected leg closed after connect failure")
	}
}

func TestSessionWithoutStartDoesNotDial(t *testing.T) {
	eng := providermock.NewEngine()
	m := newManager(eng, providermock.NewTTS(providermock.TTSConfig{}))
	call := transportmock.New("MZ1", "CA1")
	call.Push(transports.Event{Kind: transports.EventStop})

	if err := m.HandleCall(context.Background(), call); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if eng.Last() != nil {
		t.Fatal("engine must not be dialed without a start event")
	}
}
