package viz

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/window"
	"github.com/norasector/tandem/pkg/device/daq"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// ChannelPlot draws one channel over the preview window. Time runs from the
// oldest sample (negative) to zero. Skipped samples leave a gap.
func ChannelPlot(label string, samples []float64, rate float64, opts ...PlotOptions) ([]byte, error) {
	p := plotWithDefaults()
	p.Title.Text = label
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = "V"

	pts := make(plotter.XYs, 0, len(samples))
	valid := make([]float64, 0, len(samples))
	for i, s := range samples {
		if s == daq.SkipSentinel {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i-len(samples)+1) / rate, Y: s})
		valid = append(valid, s)
	}
	if len(valid) > 0 {
		lo, hi := floats.Min(valid), floats.Max(valid)
		pad := math.Max((hi-lo)*0.1, 1e-3)
		p.Y.Min, p.Y.Max = lo-pad, hi+pad
	}

	for _, opt := range opts {
		opt(p)
	}
	p.Add(plotter.NewGrid())
	if len(pts) > 0 {
		if err := plotutil.AddLines(p, label, pts); err != nil {
			return nil, err
		}
	}
	return renderPNG(p)
}

// Spectrum returns the one-sided power spectrum of samples in dB, after mean
// removal and a Hann window. Skipped samples count as the mean.
func Spectrum(samples []float64, rate float64) (freqs, power []float64) {
	n := len(samples)
	if n < 2 {
		return nil, nil
	}
	data := make([]float64, n)
	var sum float64
	var valid int
	for _, s := range samples {
		if s != daq.SkipSentinel {
			sum += s
			valid++
		}
	}
	mean := 0.0
	if valid > 0 {
		mean = sum / float64(valid)
	}
	for i, s := range samples {
		if s != daq.SkipSentinel {
			data[i] = s - mean
		}
	}
	window.Apply(data, window.Hann)

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, data)
	freqs = make([]float64, len(coeffs))
	power = make([]float64, len(coeffs))
	// The Hann window has a coherent gain of one half.
	scale := 4.0 / float64(n)
	for i, c := range coeffs {
		freqs[i] = fft.Freq(i) * rate
		mag := cmplx.Abs(c) * scale
		power[i] = 20 * math.Log10(math.Max(mag, 1e-12))
	}
	return freqs, power
}

func SpectrumPlot(label string, samples []float64, rate float64, opts ...PlotOptions) ([]byte, error) {
	p := plotWithDefaults()
	p.Title.Text = label
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Label.Text = "Power (dB)"
	p.Y.Min, p.Y.Max = -120, 20

	for _, opt := range opts {
		opt(p)
	}
	p.Add(plotter.NewGrid())

	freqs, power := Spectrum(samples, rate)
	if len(freqs) > 0 {
		pts := make(plotter.XYs, len(freqs))
		for i := range freqs {
			pts[i] = plotter.XY{X: freqs[i], Y: power[i]}
		}
		if err := plotutil.AddLines(p, "spectrum", pts); err != nil {
			return nil, err
		}
	}
	return renderPNG(p)
}
