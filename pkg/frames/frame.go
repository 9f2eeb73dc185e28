package frames

import (
	"bytes"
	"time"
)

// Telephony leg audio is G.711 μ-law, 8 kHz, mono, one byte per sample.
const (
	SampleRate    = 8000
	FrameSize     = 160
	FrameDuration = 20 * time.Millisecond

	// MuLawSilence is the μ-law encoding of a zero sample.
	MuLawSilence byte = 0xFF
)

// Framer re-chunks an arbitrarily split byte stream into fixed-size frames.
// Bytes that do not yet fill a frame are held until the next Write.
// A Framer is not safe for concurrent use.
type Framer struct {
	size      int
	remainder []byte
}

func NewFramer(size int) *Framer {
	if size <= 0 {
		size = FrameSize
	}
	return &Framer{size: size, remainder: make([]byte, 0, size)}
}

// Write appends p to the pending remainder and calls emit once per complete
// frame, in order. The slice passed to emit is owned by the callee.
// Emission stops at the first emit error; the failed frame is dropped.
func (f *Framer) Write(p []byte, emit func(frame []byte) error) error {
	for len(p) > 0 {
		if len(f.remainder) == 0 && len(p) >= f.size {
			frame := make([]byte, f.size)
			copy(frame, p[:f.size])
			p = p[f.size:]
			if err := emit(frame); err != nil {
				return err
			}
			continue
		}
		need := f.size - len(f.remainder)
		if need > len(p) {
			need = len(p)
		}
		f.remainder = append(f.remainder, p[:need]...)
		p = p[need:]
		if len(f.remainder) < f.size {
			return nil
		}
		frame := make([]byte, f.size)
		copy(frame, f.remainder)
		f.remainder = f.remainder[:0]
		if err := emit(frame); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of buffered bytes that do not form a frame yet.
func (f *Framer) Pending() int { return len(f.remainder) }

// Reset discards the pending remainder.
func (f *Framer) Reset() { f.remainder = f.remainder[:0] }

// Size returns the frame size in bytes.
func (f *Framer) Size() int { return f.size }

// Silence returns n frames of μ-law silence.
func Silence(n int) [][]byte {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, bytes.Repeat([]byte{MuLawSilence}, FrameSize))
	}
	return out
}

// Duration converts a μ-law byte count to playback time.
func Duration(nbytes int) time.Duration {
	return time.Duration(nbytes) * time.Second / SampleRate
}
