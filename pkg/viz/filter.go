package viz

import (
	"math"

	"github.com/mjibson/go-dsp/window"
	"github.com/norasector/tandem/pkg/device/daq"
)

// Stop band attenuation a Hamming window reaches, in dB.
const hammingAttenuation = 53

const maxTaps = 4095

// LowPassTaps designs a windowed-sinc low pass filter with unity DC gain. The
// transition band defaults to a quarter of the cutoff.
func LowPassTaps(rate, cutoff, transition float64) []float64 {
	if transition <= 0 {
		transition = cutoff / 4
	}
	n := int(hammingAttenuation*rate/(22*transition)) | 1
	if n > maxTaps {
		n = maxTaps
	}
	w := window.Hamming(n)
	taps := make([]float64, n)

	m := (n - 1) / 2
	fwT0 := 2 * math.Pi * cutoff / rate
	var sum float64
	for i := -m; i <= m; i++ {
		if i == 0 {
			taps[i+m] = fwT0 / math.Pi * w[i+m]
		} else {
			taps[i+m] = math.Sin(float64(i)*fwT0) / (float64(i) * math.Pi) * w[i+m]
		}
		sum += taps[i+m]
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

// Filter convolves samples with taps, centred so the output lines up with the
// input. Skipped samples hold the previous value while filtering and stay
// marked as skipped in the output.
func Filter(samples, taps []float64) []float64 {
	held := make([]float64, len(samples))
	last := 0.0
	for i, s := range samples {
		if s != daq.SkipSentinel {
			last = s
		}
		held[i] = last
	}

	m := len(taps) / 2
	out := make([]float64, len(samples))
	for i := range samples {
		if samples[i] == daq.SkipSentinel {
			out[i] = daq.SkipSentinel
			continue
		}
		var acc float64
		for k, t := range taps {
			j := i + k - m
			if j < 0 {
				j = 0
			} else if j >= len(held) {
				j = len(held) - 1
			}
			acc += t * held[j]
		}
		out[i] = acc
	}
	return out
}
