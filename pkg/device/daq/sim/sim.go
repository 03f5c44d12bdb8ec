// Package sim is a synthetic streaming DAQ. A goroutine standing in for the
// vendor thread produces sine waves at the scan rate and can inject skipped
// samples.
package sim

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device/daq"
)

const defaultMaxSampleRate = 100000

type Config struct {
	Serial string
	// MaxSampleRate caps scan rate × channels, as on real hardware.
	MaxSampleRate float64
	// Batches ends the stream after this many callbacks. Zero is unlimited.
	Batches int
	// Skips maps a batch number (from 1) to how many leading samples of that
	// batch are replaced by the skip sentinel.
	Skips map[int]int
	// Fast delivers batches back to back instead of pacing them.
	Fast bool
	// Frequency of channel 0 in Hz; channel i runs at (i+1) × Frequency.
	Frequency float64
}

type LineWrite struct {
	Names  []string
	Values []float64
	At     time.Time
}

type Driver struct {
	*attr.MemoryBackend
	cfg Config

	mu        sync.Mutex
	streaming bool
	stop      chan struct{}
	done      chan struct{}
	lines     []LineWrite
}

var descriptors = []attr.Descriptor{
	{Name: "SERIAL_NUMBER", Type: attr.TypeString, Access: attr.AccessRead},
	{Name: "STREAM_TRIGGER_INDEX", Type: attr.TypeInt, Access: attr.AccessReadWrite},
	{Name: "STREAM_CLOCK_SOURCE", Type: attr.TypeInt, Access: attr.AccessReadWrite},
	{Name: "STREAM_RESOLUTION_INDEX", Type: attr.TypeInt, Access: attr.AccessReadWrite},
	{Name: "STREAM_SETTLING_US", Type: attr.TypeFloat, Access: attr.AccessReadWrite},
	{Name: "AIN_ALL_RANGE", Type: attr.TypeFloat, Access: attr.AccessReadWrite},
}

func New(cfg Config) *Driver {
	if cfg.Serial == "" {
		cfg.Serial = "470010001"
	}
	if cfg.MaxSampleRate <= 0 {
		cfg.MaxSampleRate = defaultMaxSampleRate
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 5
	}
	d := &Driver{cfg: cfg}
	d.MemoryBackend = attr.NewMemoryBackend(descriptors, map[string]attr.Value{
		"SERIAL_NUMBER":           attr.String(cfg.Serial),
		"STREAM_TRIGGER_INDEX":    attr.Int(2000),
		"STREAM_CLOCK_SOURCE":     attr.Int(2),
		"STREAM_RESOLUTION_INDEX": attr.Int(0),
		"STREAM_SETTLING_US":      attr.Float(0),
		"AIN_ALL_RANGE":           attr.Float(1),
	})
	d.Guard = d.guard
	return d
}

func (d *Driver) guard(name string, v attr.Value, _ func(string) attr.Value) (attr.Value, error) {
	d.mu.Lock()
	streaming := d.streaming
	d.mu.Unlock()
	if streaming && strings.HasPrefix(name, "STREAM_") {
		return nil, fmt.Errorf("%s is locked while streaming", name)
	}
	if name == "AIN_ALL_RANGE" {
		// Snap to the nearest supported range.
		want := float64(v.(attr.Float))
		best := 10.0
		for _, r := range []float64{10, 1, 0.1, 0.01} {
			if math.Abs(r-want) < math.Abs(best-want) {
				best = r
			}
		}
		return attr.Float(best), nil
	}
	return v, nil
}

func (d *Driver) Serial() string {
	return d.cfg.Serial
}

func validChannel(name string) bool {
	for _, prefix := range []string{"AIN", "FIO", "EIO", "CIO", "MIO", "DAC"} {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}

func (d *Driver) StreamStart(cfg daq.StreamConfig, cb daq.Callback) (float64, error) {
	if len(cfg.Channels) == 0 || cfg.ScansPerRead <= 0 || cfg.ScanRate <= 0 {
		return 0, errors.New("invalid stream configuration")
	}
	for _, ch := range cfg.Channels {
		if !validChannel(ch) {
			return 0, fmt.Errorf("unknown channel %s", ch)
		}
	}
	if idx, _ := d.Read("STREAM_TRIGGER_INDEX"); !attr.Equal(idx, attr.Int(0)) {
		return 0, errors.New("stream is waiting on a hardware trigger")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming {
		return 0, errors.New("stream already running")
	}

	rate := min(cfg.ScanRate, d.cfg.MaxSampleRate/float64(len(cfg.Channels)))
	d.streaming = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(cfg, rate, cb, d.stop, d.done)
	return rate, nil
}

func (d *Driver) run(cfg daq.StreamConfig, rate float64, cb daq.Callback, stop, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if !d.cfg.Fast {
		ticker := time.NewTicker(time.Duration(float64(time.Second) * float64(cfg.ScansPerRead) / rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	nch := len(cfg.Channels)
	scan := 0
	for n := 1; d.cfg.Batches == 0 || n <= d.cfg.Batches; n++ {
		if tick == nil {
			select {
			case <-stop:
				return
			default:
			}
		} else {
			select {
			case <-stop:
				return
			case <-tick:
			}
		}

		first := scan
		samples := make([]float64, cfg.ScansPerRead*nch)
		for s := 0; s < cfg.ScansPerRead; s++ {
			t := float64(scan) / rate
			for c := 0; c < nch; c++ {
				samples[s*nch+c] = math.Sin(2 * math.Pi * d.cfg.Frequency * float64(c+1) * t)
			}
			scan++
		}
		for i := 0; i < d.cfg.Skips[n] && i < len(samples); i++ {
			samples[i] = daq.SkipSentinel
		}

		cb(daq.RawBatch{
			Samples:  samples,
			DeviceTS: int64(math.Round(float64(first) * float64(time.Second) / rate)),
		})
	}
	<-stop
}

func (d *Driver) StreamStop() error {
	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return errors.New("stream not running")
	}
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done

	d.mu.Lock()
	d.streaming = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) WriteLines(names []string, values []float64) error {
	if len(names) != len(values) {
		return fmt.Errorf("%d names for %d values", len(names), len(values))
	}
	for _, n := range names {
		if !validChannel(n) {
			return fmt.Errorf("unknown line %s", n)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, LineWrite{
		Names:  append([]string(nil), names...),
		Values: append([]float64(nil), values...),
		At:     time.Now(),
	})
	return nil
}

// LineWrites returns every WriteLines call so far.
func (d *Driver) LineWrites() []LineWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]LineWrite(nil), d.lines...)
}

func (d *Driver) Close() error {
	d.mu.Lock()
	streaming := d.streaming
	d.mu.Unlock()
	if streaming {
		return d.StreamStop()
	}
	return nil
}

var _ daq.Driver = (*Driver)(nil)
