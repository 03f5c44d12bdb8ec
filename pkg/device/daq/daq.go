package daq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device"
	"github.com/norasector/tandem/pkg/export"
	"github.com/norasector/tandem/pkg/metrics"
	"github.com/norasector/tandem/pkg/pipeline"
	"github.com/norasector/tandem/pkg/trigger"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultScanRate       = 3000
	DefaultScansPerRead   = 1000
	DefaultPreviewSeconds = 15
)

var ErrNoOutputPath = fmt.Errorf("%w: no output path set", attr.ErrConfiguration)

// streamSetup is written at open so the stream is internally clocked and not
// waiting on a hardware trigger. Attributes the driver lacks are skipped.
var streamSetup = map[string]attr.Value{
	"STREAM_TRIGGER_INDEX":    attr.Int(0),
	"STREAM_CLOCK_SOURCE":     attr.Int(0),
	"STREAM_RESOLUTION_INDEX": attr.Int(0),
	"STREAM_SETTLING_US":      attr.Float(6),
	"AIN_ALL_RANGE":           attr.Float(10),
}

// Exporter receives every batch. Offer must not block.
type Exporter interface {
	Offer(p export.Packet) bool
}

type Config struct {
	Channels     []Channel
	ScanRate     float64
	ScansPerRead int
}

// DAQ streams interleaved scans through a driver callback into the relay
// queue, the preview ring and the exporter.
type DAQ struct {
	name      string
	driver    Driver
	reg       *attr.Registry
	sm        pipeline.StateMachine
	logger    zerolog.Logger
	sampleLog zerolog.Logger
	writeAPI  api.WriteAPI
	exporter  Exporter

	drainTimeout   time.Duration
	previewSeconds float64
	pulseLines     []string

	mu           sync.Mutex
	cfg          Config
	ring         *pipeline.Ring[float64]
	outputPath   string
	session      *pipeline.Session[*ScanBatch]
	lastSession  uuid.UUID
	lastStats    pipeline.WriterStats
	actualRate   float64
	started      time.Time
	previewState bool
	lastErr      string

	// streaming is armed before StreamStart and cleared before StreamStop.
	// Batches delivered while it is clear are counted as late and dropped.
	streaming atomic.Bool
	seq       atomic.Uint64
	scans     atomic.Uint64
	skipped   atomic.Uint64
	late      atomic.Uint64
	faults    atomic.Uint64
}

type Option func(d *DAQ)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *DAQ) {
		d.logger = logger
	}
}

func WithMetrics(w api.WriteAPI) Option {
	return func(d *DAQ) {
		d.writeAPI = w
	}
}

func WithExporter(e Exporter) Option {
	return func(d *DAQ) {
		d.exporter = e
	}
}

func WithDrainTimeout(t time.Duration) Option {
	return func(d *DAQ) {
		d.drainTimeout = t
	}
}

func WithPreviewSeconds(s float64) Option {
	return func(d *DAQ) {
		if s > 0 {
			d.previewSeconds = s
		}
	}
}

// WithTriggerLines sets the digital outputs driven by Pulse.
func WithTriggerLines(lines ...string) Option {
	return func(d *DAQ) {
		d.pulseLines = lines
	}
}

func Open(name string, driver Driver, cfg Config, opts ...Option) (*DAQ, error) {
	if driver == nil {
		return nil, fmt.Errorf("daq %s: no driver", name)
	}
	d := &DAQ{
		name:           name,
		driver:         driver,
		logger:         log.Logger,
		drainTimeout:   10 * time.Second,
		previewSeconds: DefaultPreviewSeconds,
		previewState:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("device", name).Str("serial", driver.Serial()).Logger()
	d.sampleLog = d.logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second})
	d.reg = attr.NewRegistry(driver, attr.WithLogger(d.logger))

	setup := make(map[string]attr.Value)
	for k, v := range streamSetup {
		if _, ok := d.reg.Descriptor(k); ok {
			setup[k] = v
		}
	}
	if err := d.reg.ApplyConfig(setup, 1); err != nil {
		return nil, fmt.Errorf("daq %s: stream setup: %w", name, err)
	}
	if err := d.setStream(cfg); err != nil {
		return nil, err
	}

	d.logger.Info().Int("channels", len(cfg.Channels)).Msg("daq opened")
	return d, nil
}

func (d *DAQ) setStream(cfg Config) error {
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("%w: no input channels", ErrChannelSpec)
	}
	if cfg.ScanRate <= 0 {
		cfg.ScanRate = DefaultScanRate
	}
	if cfg.ScansPerRead <= 0 {
		cfg.ScansPerRead = DefaultScansPerRead
	}
	ring := pipeline.NewRing[float64](pipeline.RingCapacity(d.previewSeconds, cfg.ScanRate, len(cfg.Channels)))

	d.mu.Lock()
	defer d.mu.Unlock()
	ring.Enable(d.previewState)
	d.cfg = cfg
	d.ring = ring
	return nil
}

// SetStream changes channels, scan rate or scans per read. Only in standby.
func (d *DAQ) SetStream(cfg Config) error {
	return d.sm.WhileStandby(func() error {
		return d.setStream(cfg)
	})
}

func (d *DAQ) Name() string             { return d.name }
func (d *DAQ) Serial() string           { return d.driver.Serial() }
func (d *DAQ) Kind() device.Kind        { return device.KindDAQ }
func (d *DAQ) Registry() *attr.Registry { return d.reg }
func (d *DAQ) State() pipeline.State    { return d.sm.State() }

func (d *DAQ) DefaultFileName() string {
	return fmt.Sprintf("daq_%s_%s.tdaq", d.name, d.driver.Serial())
}

func (d *DAQ) Configure(p *attr.Preset) error {
	return d.sm.WhileStandby(func() error {
		return d.reg.ApplyConfig(p.Attributes, p.Passes)
	})
}

func (d *DAQ) SetAttr(name string, v attr.Value) (attr.Value, error) {
	return d.reg.Set(name, v)
}

func (d *DAQ) SetOutputPath(path string) error {
	return d.sm.WhileStandby(func() error {
		d.mu.Lock()
		d.outputPath = path
		d.mu.Unlock()
		return nil
	})
}

func (d *DAQ) OutputPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputPath
}

func (d *DAQ) Channels() []Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Channel(nil), d.cfg.Channels...)
}

// ScanRate is the rate the device reported at the last start, or the
// configured rate before that.
func (d *DAQ) ScanRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.actualRate > 0 {
		return d.actualRate
	}
	return d.cfg.ScanRate
}

func (d *DAQ) EnablePreview(enable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previewState = enable
	d.ring.Enable(enable)
}

// PreviewSnapshot copies the preview window, oldest sample first, interleaved.
func (d *DAQ) PreviewSnapshot() []float64 {
	d.mu.Lock()
	ring := d.ring
	d.mu.Unlock()
	return ring.Snapshot()
}

func (d *DAQ) Start(record bool) error {
	return d.sm.Start(record, func(target pipeline.State) error {
		d.mu.Lock()
		cfg, ring := d.cfg, d.ring
		d.mu.Unlock()

		var session *pipeline.Session[*ScanBatch]
		if record {
			s, err := d.newSession(cfg)
			if err != nil {
				return err
			}
			session = s
			session.Start(context.Background())
		}

		d.seq.Store(0)
		d.scans.Store(0)
		d.skipped.Store(0)
		d.late.Store(0)
		d.faults.Store(0)
		ring.Reset()
		d.mu.Lock()
		d.lastErr = ""
		d.mu.Unlock()

		streamCfg := StreamConfig{
			Channels:     channelNames(cfg.Channels),
			ScanRate:     cfg.ScanRate,
			ScansPerRead: cfg.ScansPerRead,
		}
		d.streaming.Store(true)
		actual, err := d.driver.StreamStart(streamCfg, func(b RawBatch) {
			d.onBatch(session, ring, len(cfg.Channels), cfg.ScansPerRead, b)
		})
		if err != nil {
			d.streaming.Store(false)
			if session != nil {
				if cerr := session.Close(); cerr != nil {
					d.logger.Error().Err(cerr).Msg("failed to close aborted session")
				}
			}
			return fmt.Errorf("starting stream: %w", err)
		}
		if actual != cfg.ScanRate {
			d.logger.Warn().Float64("requested", cfg.ScanRate).Float64("actual", actual).Msg("device adjusted scan rate")
		}

		d.mu.Lock()
		d.session = session
		d.actualRate = actual
		d.started = time.Now()
		d.mu.Unlock()

		d.logger.Info().Str("state", target.String()).Float64("scan_rate", actual).Msg("stream started")
		return nil
	})
}

func (d *DAQ) newSession(cfg Config) (*pipeline.Session[*ScanBatch], error) {
	d.mu.Lock()
	path := d.outputPath
	d.mu.Unlock()
	if path == "" {
		return nil, ErrNoOutputPath
	}

	interval := time.Duration(float64(time.Second) * float64(cfg.ScansPerRead) / cfg.ScanRate)
	opts := []pipeline.WriterOption{
		pipeline.WithInterval(interval),
		pipeline.WithDrainTimeout(d.drainTimeout),
	}
	if d.writeAPI != nil {
		opts = append(opts, pipeline.WithMetrics(d.writeAPI, map[string]string{"device": d.name}))
	}
	return pipeline.OpenSession[*ScanBatch](func(id uuid.UUID) (pipeline.Encoder[*ScanBatch], *pipeline.MetaLog, error) {
		enc, err := CreateFile(path, Header{
			Device:       d.name,
			Serial:       d.driver.Serial(),
			Session:      id.String(),
			Started:      time.Now().UTC().Format(time.RFC3339Nano),
			ScanRate:     cfg.ScanRate,
			ScansPerRead: cfg.ScansPerRead,
			Channels:     cfg.Channels,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating %s: %w", path, err)
		}
		metaFile, err := os.Create(path + ".meta.txt")
		if err != nil {
			enc.Close()
			return nil, nil, fmt.Errorf("creating metadata log: %w", err)
		}
		return enc, pipeline.NewMetaLog(metaFile), nil
	}, d.logger, opts...)
}

// onBatch runs on the driver's thread. It only counts, hands off and returns.
func (d *DAQ) onBatch(session *pipeline.Session[*ScanBatch], ring *pipeline.Ring[float64], channels, scansPerRead int, raw RawBatch) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("stream callback panicked")
		}
	}()

	if !d.streaming.Load() {
		seq := d.seq.Add(1)
		late := d.late.Add(1)
		d.sampleLog.Warn().
			Uint64("seq", seq).
			Uint64("late_batches", late).
			Msg("batch delivered after stream stop, dropped")
		return
	}
	if want := channels * scansPerRead; len(raw.Samples) != want {
		faults := d.faults.Add(1)
		d.sampleLog.Error().
			Int("samples", len(raw.Samples)).
			Int("expected", want).
			Uint64("faults", faults).
			Msg("malformed batch from driver, rejected")
		metrics.Point(d.writeAPI, "daq.faults", map[string]string{"device": d.name}, map[string]interface{}{
			"samples": len(raw.Samples),
			"total":   int64(faults),
		})
		return
	}

	b := &ScanBatch{
		Seq:      d.seq.Add(1),
		Samples:  raw.Samples,
		Channels: channels,
		Skipped:  countSkips(raw.Samples),
		DeviceTS: raw.DeviceTS,
		HostTS:   time.Now(),
	}
	d.scans.Add(uint64(b.Scans()))
	if b.Skipped > 0 {
		total := d.skipped.Add(uint64(b.Skipped))
		d.logger.Warn().
			Uint64("seq", b.Seq).
			Int("skipped", b.Skipped).
			Uint64("total_skipped", total).
			Int("device_backlog", raw.DeviceBacklog).
			Int("host_backlog", raw.HostBacklog).
			Msg("device overflow: samples skipped")
		metrics.Point(d.writeAPI, "daq.skipped", map[string]string{"device": d.name}, map[string]interface{}{
			"skipped": b.Skipped,
			"total":   int64(total),
		})
	}

	if session != nil {
		session.Push(b)
	}
	ring.Append(b.Samples...)
	if d.exporter != nil {
		d.exporter.Offer(export.Packet{
			Device:   d.name,
			Seq:      b.Seq,
			DeviceTS: b.DeviceTS,
			HostTS:   b.HostTS,
			Channels: b.Channels,
			Samples:  b.Samples,
		})
	}
}

// Stop halts the stream, then drains the writer.
func (d *DAQ) Stop() error {
	return d.sm.Stop(func(from pipeline.State) error {
		var errs []error
		d.streaming.Store(false)
		if err := d.driver.StreamStop(); err != nil {
			err = fmt.Errorf("stopping stream: %w", err)
			d.logger.Error().Err(err).Msg("driver did not stop cleanly")
			d.mu.Lock()
			d.lastErr = err.Error()
			d.mu.Unlock()
			errs = append(errs, err)
		}

		d.mu.Lock()
		session, started, channels := d.session, d.started, len(d.cfg.Channels)
		d.session = nil
		d.mu.Unlock()

		if session != nil {
			if err := session.Close(); err != nil {
				errs = append(errs, err)
			}
			d.mu.Lock()
			d.lastSession = session.ID
			d.lastStats = session.Stats()
			d.mu.Unlock()
		}

		elapsed := time.Since(started)
		scans := d.scans.Load()
		d.logger.Info().
			Str("from", from.String()).
			Dur("elapsed", elapsed).
			Uint64("scans", scans).
			Float64("timed_scan_rate", float64(scans)/elapsed.Seconds()).
			Uint64("skipped_scans", d.skipped.Load()/uint64(channels)).
			Msg("stream stopped")
		return errors.Join(errs...)
	})
}

// Pulse drives the trigger lines high for the standard pulse width.
func (d *DAQ) Pulse(ctx context.Context) error {
	if len(d.pulseLines) == 0 {
		return fmt.Errorf("%w: no trigger lines configured", attr.ErrConfiguration)
	}
	return trigger.Pulse(ctx, d.driver, d.pulseLines, trigger.DefaultPulseWidth)
}

// Skipped is the number of sentinel samples seen since the last start.
func (d *DAQ) Skipped() uint64 {
	return d.skipped.Load()
}

func (d *DAQ) Status() device.Status {
	d.mu.Lock()
	stats, id := d.lastStats, d.lastSession
	if d.session != nil {
		stats, id = d.session.Stats(), d.session.ID
	}
	path, preview, lastErr := d.outputPath, d.previewState, d.lastErr
	d.mu.Unlock()

	st := device.Status{
		Name:       d.name,
		Kind:       device.KindDAQ,
		Serial:     d.driver.Serial(),
		State:      d.sm.State().String(),
		OutputPath: path,
		Produced:   d.seq.Load(),
		Written:    stats.Written,
		Dropped:    stats.Dropped + d.late.Load(),
		Depth:      stats.Depth,
		Skipped:    d.skipped.Load(),
		Faults:     d.faults.Load(),
		Preview:    preview,
		LastError:  lastErr,
	}
	if id != uuid.Nil {
		st.Session = id.String()
	}
	return st
}

func (d *DAQ) Close() error {
	var errs []error
	if d.sm.Active() {
		if err := d.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotActive) {
			errs = append(errs, err)
		}
	}
	if err := d.driver.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ device.Device = (*DAQ)(nil)
