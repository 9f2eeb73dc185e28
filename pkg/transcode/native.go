package transcode

import (
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/frames"
	"github.com/hajimehoshi/go-mp3"
)

// Native decodes MP3 in-process: stereo PCM16 is mixed down to mono,
// resampled to 8 kHz and μ-law encoded. No subprocess is involved, so
// cancellation only has to stop reading.
type Native struct {
	chunk int
}

func NewNative() *Native { return &Native{chunk: 4608} }

func (n *Native) Name() string { return ModeNative }

func (n *Native) Transcode(ctx context.Context, src io.Reader) (io.ReadCloser, error) {
	return &nativeStream{ctx: ctx, src: src, buf: make([]byte, n.chunk)}, nil
}

type nativeStream struct {
	ctx     context.Context
	src     io.Reader
	dec     *mp3.Decoder
	rs      *resampler
	buf     []byte
	carry   []byte
	pending []byte
	err     error
	closed  atomic.Bool
}

func (s *nativeStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		if s.closed.Load() {
			return 0, ErrClosed
		}
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
		if s.err != nil {
			return 0, s.err
		}
		if s.dec == nil {
			// NewDecoder blocks on the first frame header, so it runs lazily
			// on the reading goroutine.
			dec, err := mp3.NewDecoder(s.src)
			if err != nil {
				s.err = errorsx.Wrapf(err, errorsx.ReasonTranscode, "mp3 decoder")
				return 0, s.err
			}
			s.dec = dec
			s.rs = newResampler(dec.SampleRate(), frames.SampleRate)
		}
		n, err := s.dec.Read(s.buf)
		if n > 0 {
			s.pending = s.encode(s.buf[:n])
		}
		if err != nil {
			s.err = err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// encode converts interleaved little-endian stereo PCM16 to μ-law. Bytes
// that do not complete a stereo sample pair are carried to the next call.
func (s *nativeStream) encode(raw []byte) []byte {
	if len(s.carry) > 0 {
		raw = append(s.carry, raw...)
		s.carry = nil
	}
	whole := len(raw) - len(raw)%4
	if whole < len(raw) {
		s.carry = append([]byte(nil), raw[whole:]...)
	}
	mono := make([]int16, whole/4)
	for i := range mono {
		l := int(int16(binary.LittleEndian.Uint16(raw[i*4:])))
		r := int(int16(binary.LittleEndian.Uint16(raw[i*4+2:])))
		mono[i] = int16((l + r) / 2)
	}
	resampled := s.rs.process(mono)
	out := make([]byte, len(resampled))
	for i, v := range resampled {
		out[i] = LinearToMuLaw(v)
	}
	return out
}

func (s *nativeStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if rc, ok := s.src.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}
