package transcode

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/frames"
)

func TestMuLawRoundTrip(t *testing.T) {
	if LinearToMuLaw(0) != frames.MuLawSilence {
		t.Fatalf("zero must encode to μ-law silence, got %#x", LinearToMuLaw(0))
	}
	for _, v := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000, 32767, -32768} {
		got := MuLawToLinear(LinearToMuLaw(v))
		diff := int(got) - int(v)
		if diff < 0 {
			diff = -diff
		}
		tolerance := int(v)
		if tolerance < 0 {
			tolerance = -tolerance
		}
		tolerance = tolerance/16 + 8
		if v == -32768 || v == 32767 {
			tolerance = 1024
		}
		if diff > tolerance {
			t.Fatalf("round trip %d -> %d (diff %d > %d)", v, got, diff, tolerance)
		}
	}
}

func TestResamplerKeepsRatioAcrossChunks(t *testing.T) {
	rs := newResampler(24000, 8000)
	total := 0
	for i := 0; i < 10; i++ {
		chunk := make([]int16, 1201)
		for j := range chunk {
			chunk[j] = int16(j)
		}
		total += len(rs.process(chunk))
	}
	want := 12010 / 3
	if total < want-2 || total > want+2 {
		t.Fatalf("expected about %d samples, got %d", want, total)
	}
	pass := newResampler(8000, 8000)
	in := []int16{1, 2, 3}
	if out := pass.process(in); len(out) != 3 {
		t.Fatalf("expected passthrough at equal rates")
	}
}

func TestResamplerFiltersAboveTargetNyquist(t *testing.T) {
	rms := func(freq float64) float64 {
		rs := newResampler(24000, 8000)
		var out []int16
		n := 0
		for c := 0; c < 10; c++ {
			chunk := make([]int16, 480)
			for j := range chunk {
				chunk[j] = int16(8000 * math.Sin(2*math.Pi*freq*float64(n)/24000))
				n++
			}
			out = append(out, rs.process(chunk)...)
		}
		// skip the filter warm-up
		out = out[len(out)/4:]
		sum := 0.0
		for _, v := range out {
			sum += float64(v) * float64(v)
		}
		return math.Sqrt(sum / float64(len(out)))
	}
	inBand := rms(1000)
	aliased := rms(6000)
	if inBand < 4000 {
		t.Fatalf("expected a 1 kHz tone to pass, rms %.0f", inBand)
	}
	if aliased > inBand*0.05 {
		t.Fatalf("expected a 6 kHz tone to be filtered before decimation, rms %.0f vs %.0f", aliased, inBand)
	}
}

func TestNativeEncodeMixesDownAndCarries(t *testing.T) {
	s := &nativeStream{rs: newResampler(8000, 8000)}
	raw := make([]byte, 0, 4*4+2)
	for _, pair := range [][2]int16{{1000, 3000}, {-2000, -2000}, {0, 0}, {500, -500}} {
		raw = binary.LittleEndian.AppendUint16(raw, uint16(pair[0]))
		raw = binary.LittleEndian.AppendUint16(raw, uint16(pair[1]))
	}
	out := s.encode(append(raw, 0x01, 0x02))
	if len(out) != 4 {
		t.Fatalf("expected 4 μ-law samples, got %d", len(out))
	}
	if out[0] != LinearToMuLaw(2000) || out[1] != LinearToMuLaw(-2000) || out[2] != frames.MuLawSilence {
		t.Fatalf("unexpected encoding %v", out)
	}
	if len(s.carry) != 2 {
		t.Fatalf("expected 2 carried bytes, got %d", len(s.carry))
	}
}

func TestNativeRejectsGarbage(t *testing.T) {
	rc, err := NewNative().Transcode(context.Background(), strings.NewReader("definitely not mpeg audio"))
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	defer rc.Close()
	if _, err := io.ReadAll(rc); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPassthroughHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rc, _ := Passthrough{}.Transcode(ctx, bytes.NewReader(make([]byte, 320)))
	buf := make([]byte, 160)
	if n, err := rc.Read(buf); err != nil || n != 160 {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	cancel()
	if _, err := rc.Read(buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	_ = rc.Close()
	if _, err := rc.Read(buf); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewSelectsMode(t *testing.T) {
	for mode, name := range map[string]string{"": ModeFFmpeg, "FFMPEG": ModeFFmpeg, "native": ModeNative, "passthrough": ModePassthrough} {
		tr, err := New(Options{Mode: mode})
		if err != nil {
			t.Fatalf("New(%q): %v", mode, err)
		}
		if tr.Name() != name {
			t.Fatalf("New(%q) = %s, want %s", mode, tr.Name(), name)
		}
	}
	if _, err := New(Options{Mode: "sox"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestFFmpegStreamsOutput(t *testing.T) {
	path := fakeFFmpeg(t, "exec cat")
	rc, err := NewFFmpeg(path, 200*time.Millisecond).Transcode(context.Background(), strings.NewReader("ulaw-bytes"))
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	out, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "ulaw-bytes" {
		t.Fatalf("unexpected output %q", out)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestFFmpegCloseKillsPromptly(t *testing.T) {
	path := fakeFFmpeg(t, "exec sleep 30")
	rc, err := NewFFmpeg(path, 200*time.Millisecond).Transcode(context.Background(), strings.NewReader(""))
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rc.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close after kill should not report failure: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not return promptly")
	}
	if _, err := rc.Read(make([]byte, 8)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFFmpegContextCancelUnblocksRead(t *testing.T) {
	path := fakeFFmpeg(t, "exec sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	rc, err := NewFFmpeg(path, 200*time.Millisecond).Transcode(ctx, strings.NewReader(""))
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	defer rc.Close()
	read := make(chan struct{})
	go func() {
		_, _ = rc.Read(make([]byte, 8))
		close(read)
	}()
	cancel()
	select {
	case <-read:
	case <-time.After(2 * time.Second):
		t.Fatalf("read still blocked after cancellation")
	}
}
