package mock

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/engine"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/tts"
)

func TestMockTTSProducesRequestedBytes(t *testing.T) {
	s := NewTTS(TTSConfig{BytesPerUtterance: 500, ChunkSize: 64})
	rc, err := s.Synthesize(context.Background(), tts.Request{Text: "hallo"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 500 {
		t.Fatalf("expected 500 bytes, got %d", len(data))
	}
	if got := s.Requests(); len(got) != 1 || got[0] != "hallo" {
		t.Fatalf("unexpected requests %v", got)
	}
}

func TestMockTTSHonorsCancel(t *testing.T) {
	s := NewTTS(TTSConfig{ChunkDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	rc, _ := s.Synthesize(ctx, tts.Request{Text: "x"})
	go cancel()
	if _, err := rc.Read(make([]byte, 10)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMockEngineRecordsAndCloses(t *testing.T) {
	e := NewEngine()
	sess, err := e.Connect(context.Background(), engine.SessionConfig{StreamID: "MZ"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = sess.AppendAudio("AA==")
	_ = sess.Truncate("item", 0, time.Second)
	ms := e.Last()
	ms.Push(engine.Signal{Kind: engine.SignalResponseCompleted})
	if sig := <-sess.Signals(); sig.Kind != engine.SignalResponseCompleted {
		t.Fatalf("unexpected signal %v", sig.Kind)
	}
	if evs := ms.Events(); len(evs) != 2 || evs[1].AudioEnd != time.Second {
		t.Fatalf("unexpected events %+v", evs)
	}
	boom := errors.New("gone")
	ms.Disconnect(boom)
	if _, ok := <-sess.Signals(); ok {
		t.Fatal("expected closed signal channel")
	}
	if !errors.Is(sess.Err(), boom) {
		t.Fatalf("expected disconnect error, got %v", sess.Err())
	}
	ms.Push(engine.Signal{Kind: engine.SignalError})
	if err := sess.CancelResponse(); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
