package transcode

import "math"

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// LinearToMuLaw encodes one 16-bit PCM sample as G.711 μ-law.
func LinearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias
	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// MuLawToLinear decodes one G.711 μ-law byte.
func MuLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u) & 0x0F
	s := ((mantissa << 3) + muLawBias) << exponent
	s -= muLawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

// lowPassTaps is the FIR length used ahead of decimation.
const lowPassTaps = 31

// resampler converts mono PCM between rates with linear interpolation. When
// it downsamples, a low-pass FIR first removes content above the target
// Nyquist frequency so it cannot alias into the band. It keeps the
// fractional read position, the filter history and the last sample so that
// chunk boundaries do not click.
type resampler struct {
	step float64
	pos  float64
	last int16
	pass bool
	lp   *lowPass
}

func newResampler(srcRate, dstRate int) *resampler {
	if srcRate <= 0 || srcRate == dstRate {
		return &resampler{pass: true}
	}
	r := &resampler{step: float64(srcRate) / float64(dstRate)}
	if dstRate < srcRate {
		// Cut a little below Nyquist to leave room for the transition band.
		r.lp = newLowPass(0.45*float64(dstRate)/float64(srcRate), lowPassTaps)
	}
	return r
}

func (r *resampler) process(in []int16) []int16 {
	if r.pass || len(in) == 0 {
		return in
	}
	if r.lp != nil {
		in = r.lp.filter(in)
	}
	out := make([]int16, 0, int(float64(len(in))/r.step)+1)
	for {
		i := int(r.pos)
		if r.pos < 0 {
			i = -1
		}
		if i+1 >= len(in) {
			break
		}
		frac := r.pos - float64(i)
		a := r.last
		if i >= 0 {
			a = in[i]
		}
		b := in[i+1]
		out = append(out, int16(float64(a)+(float64(b)-float64(a))*frac))
		r.pos += r.step
	}
	r.pos -= float64(len(in))
	r.last = in[len(in)-1]
	return out
}

// lowPass is a streaming Hamming-windowed sinc filter with unity DC gain.
// cutoff is in cycles per input sample.
type lowPass struct {
	taps []float64
	hist []float64
}

func newLowPass(cutoff float64, n int) *lowPass {
	taps := make([]float64, n)
	mid := float64(n-1) / 2
	sum := 0.0
	for i := range taps {
		x := float64(i) - mid
		v := 2 * cutoff
		if x != 0 {
			v = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		taps[i] = v * (0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		sum += taps[i]
	}
	for i := range taps {
		taps[i] /= sum
	}
	return &lowPass{taps: taps, hist: make([]float64, n-1)}
}

func (f *lowPass) filter(in []int16) []int16 {
	buf := make([]float64, len(f.hist), len(f.hist)+len(in))
	copy(buf, f.hist)
	for _, s := range in {
		buf = append(buf, float64(s))
	}
	out := make([]int16, len(in))
	for i := range in {
		acc := 0.0
		for k, t := range f.taps {
			acc += t * buf[i+k]
		}
		out[i] = clampSample(acc)
	}
	copy(f.hist, buf[len(buf)-len(f.hist):])
	return out
}

func clampSample(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}
