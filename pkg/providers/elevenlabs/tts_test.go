package elevenlabs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/tts"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/resilience"
)

func TestSynthesizeStreamsBody(t *testing.T) {
	var gotPath, gotKey, gotFormat string
	var gotBody synthesisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio-bytes"))
	}))
	defer srv.Close()

	s := New(Config{APIKey: "xi", VoiceID: "voice1", BaseURL: srv.URL, Language: "nl"})
	body, err := s.Synthesize(context.Background(), tts.Request{Text: "  Hallo  "})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "ID3-audio-bytes" {
		t.Fatalf("unexpected body %q", data)
	}
	if gotPath != "/v1/text-to-speech/voice1/stream" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "xi" {
		t.Fatalf("api key header not sent")
	}
	if gotFormat != defaultOutputFormat {
		t.Fatalf("unexpected output_format %q", gotFormat)
	}
	if gotBody.Text != "Hallo" || gotBody.ModelID != defaultModelID || gotBody.LanguageCode != "nl" {
		t.Fatalf("unexpected request body %+v", gotBody)
	}
}

func TestSynthesizeRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := New(Config{APIKey: "xi", VoiceID: "v", BaseURL: srv.URL})
	_, err := s.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestSynthesizeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "voice not found", http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(Config{APIKey: "xi", VoiceID: "v", BaseURL: srv.URL})
	_, err := s.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if !errorsx.HasReason(err, errorsx.ReasonTTSConnect) {
		t.Fatalf("expected tts_connect, got %v", err)
	}
}

func TestSynthesizeValidatesInput(t *testing.T) {
	s := New(Config{VoiceID: "v"})
	if _, err := s.Synthesize(context.Background(), tts.Request{Text: "hi"}); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid without api key, got %v", err)
	}
	s = New(Config{APIKey: "xi", VoiceID: "v"})
	if _, err := s.Synthesize(context.Background(), tts.Request{Text: "   "}); !errorsx.HasReason(err, errorsx.ReasonTTSEmpty) {
		t.Fatalf("expected tts_empty, got %v", err)
	}
}

func TestSynthesizeCancelAbortsStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{APIKey: "xi", VoiceID: "v", BaseURL: srv.URL})
	body, err := s.Synthesize(ctx, tts.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer body.Close()
	buf := make([]byte, 5)
	if _, err := io.ReadFull(body, buf); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := body.Read(buf)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected read error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after cancel")
	}
}
