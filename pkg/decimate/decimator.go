package decimate

import "fmt"

// Decimator reduces blocks of frames by an integer factor.
//
// Buffers are channel-major: buf[channel][frame]. Input is always consumed
// from frame 0; outLen*decim input frames are required per channel.
//
// Mean-square channels hold the mean of squared samples, not the root.
// Consumers take the square root before treating them as RMS amplitudes.
type Decimator interface {
	// DecimatePCM reduces raw full-rate frames. len(out) must equal
	// len(in) * Model().Fanout().
	DecimatePCM(in, out [][]float32, outOff, outLen, decim int) error

	// Decimate reduces an already decimated block into the next level.
	// len(in) must equal len(out).
	Decimate(in, out [][]float32, outOff, outLen, decim int) error

	// Model identifies the reduction
	Model() Model
}

// New returns the decimator implementing the model
func New(m Model) (Decimator, error) {
	switch m {
	case HalfwavePeakRMS:
		return halfwave{}, nil
	case FullwavePeakRMS:
		return fullwave{}, nil
	case Median:
		return median{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, m)
	}
}

func checkBlock(in, out [][]float32, outChannels, outOff, outLen, decim int) error {
	if decim < 1 {
		return fmt.Errorf("%w: decimation factor %d", ErrUnsupported, decim)
	}
	if len(out) != outChannels {
		return fmt.Errorf("channel mismatch: %d input channels need %d output channels, got %d",
			len(in), outChannels, len(out))
	}
	need := outLen * decim
	for ch := range in {
		if len(in[ch]) < need {
			return fmt.Errorf("input channel %d holds %d frames, need %d", ch, len(in[ch]), need)
		}
	}
	for ch := range out {
		if len(out[ch]) < outOff+outLen {
			return fmt.Errorf("output channel %d holds %d frames, need %d", ch, len(out[ch]), outOff+outLen)
		}
	}
	return nil
}

// halfwave keeps positive and negative half-waves apart:
// out[4c] +peak, out[4c+1] -peak, out[4c+2] +mean square, out[4c+3] -mean square.
type halfwave struct{}

func (halfwave) Model() Model { return HalfwavePeakRMS }

func (halfwave) DecimatePCM(in, out [][]float32, outOff, outLen, decim int) error {
	if err := checkBlock(in, out, len(in)*4, outOff, outLen, decim); err != nil {
		return err
	}
	scale := 1 / float32(decim)
	for ch, x := range in {
		pPeak, nPeak, pSq, nSq := out[ch*4], out[ch*4+1], out[ch*4+2], out[ch*4+3]
		k := 0
		for i := outOff; i < outOff+outLen; i++ {
			var pp, np, ps, ns float32
			for stop := k + decim; k < stop; k++ {
				v := x[k]
				if v >= 0 {
					if v > pp {
						pp = v
					}
					ps += v * v
				} else {
					if v < np {
						np = v
					}
					ns += v * v
				}
			}
			pPeak[i], nPeak[i] = pp, np
			pSq[i], nSq[i] = ps*scale, ns*scale
		}
	}
	return nil
}

func (halfwave) Decimate(in, out [][]float32, outOff, outLen, decim int) error {
	if len(in)%4 != 0 {
		return fmt.Errorf("halfwave block needs a multiple of 4 channels, got %d", len(in))
	}
	if err := checkBlock(in, out, len(in), outOff, outLen, decim); err != nil {
		return err
	}
	scale := 1 / float32(decim)
	for ch := 0; ch < len(in); ch += 4 {
		k := 0
		for i := outOff; i < outOff+outLen; i++ {
			pp, np := in[ch][k], in[ch+1][k]
			var ps, ns float32
			for stop := k + decim; k < stop; k++ {
				pp = max(pp, in[ch][k])
				np = min(np, in[ch+1][k])
				ps += in[ch+2][k]
				ns += in[ch+3][k]
			}
			out[ch][i], out[ch+1][i] = pp, np
			out[ch+2][i], out[ch+3][i] = ps*scale, ns*scale
		}
	}
	return nil
}

// fullwave: out[3c] +peak, out[3c+1] -peak, out[3c+2] mean square.
type fullwave struct{}

func (fullwave) Model() Model { return FullwavePeakRMS }

func (fullwave) DecimatePCM(in, out [][]float32, outOff, outLen, decim int) error {
	if err := checkBlock(in, out, len(in)*3, outOff, outLen, decim); err != nil {
		return err
	}
	scale := 1 / float32(decim)
	for ch, x := range in {
		hi, lo, sq := out[ch*3], out[ch*3+1], out[ch*3+2]
		k := 0
		for i := outOff; i < outOff+outLen; i++ {
			mx, mn := x[k], x[k]
			var s float32
			for stop := k + decim; k < stop; k++ {
				v := x[k]
				mx = max(mx, v)
				mn = min(mn, v)
				s += v * v
			}
			hi[i], lo[i], sq[i] = mx, mn, s*scale
		}
	}
	return nil
}

func (fullwave) Decimate(in, out [][]float32, outOff, outLen, decim int) error {
	if len(in)%3 != 0 {
		return fmt.Errorf("fullwave block needs a multiple of 3 channels, got %d", len(in))
	}
	if err := checkBlock(in, out, len(in), outOff, outLen, decim); err != nil {
		return err
	}
	scale := 1 / float32(decim)
	for ch := 0; ch < len(in); ch += 3 {
		k := 0
		for i := outOff; i < outOff+outLen; i++ {
			mx, mn := in[ch][k], in[ch+1][k]
			var s float32
			for stop := k + decim; k < stop; k++ {
				mx = max(mx, in[ch][k])
				mn = min(mn, in[ch+1][k])
				s += in[ch+2][k]
			}
			out[ch][i], out[ch+1][i], out[ch+2][i] = mx, mn, s*scale
		}
	}
	return nil
}

// median reduces groups of exactly four frames to the mean of the two middle values.
type median struct{}

func (median) Model() Model { return Median }

func (m median) DecimatePCM(in, out [][]float32, outOff, outLen, decim int) error {
	return m.Decimate(in, out, outOff, outLen, decim)
}

func (median) Decimate(in, out [][]float32, outOff, outLen, decim int) error {
	if decim != 4 {
		return fmt.Errorf("%w: median of %d", ErrUnsupported, decim)
	}
	if err := checkBlock(in, out, len(in), outOff, outLen, decim); err != nil {
		return err
	}
	for ch, x := range in {
		y := out[ch]
		for i, k := outOff, 0; i < outOff+outLen; i, k = i+1, k+4 {
			y[i] = median4(x[k], x[k+1], x[k+2], x[k+3])
		}
	}
	return nil
}

// median4 sorts four values with a five-comparator network and
// averages the middle pair.
func median4(a, b, c, d float32) float32 {
	if a > b {
		a, b = b, a
	}
	if c > d {
		c, d = d, c
	}
	if a > c {
		a, c = c, a
	}
	if b > d {
		b, d = d, b
	}
	if b > c {
		b, c = c, b
	}
	return (b + c) * 0.5
}
