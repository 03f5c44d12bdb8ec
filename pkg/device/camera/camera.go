package camera

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
	"github.com/norasector/tandem/pkg/metrics"
	"github.com/norasector/tandem/pkg/pipeline"
	"github.com/norasector/tandem/pkg/trigger"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	RateAttr = "AcquisitionFrameRate"

	defaultGrabTimeout = time.Second
	errorBackoff       = 100 * time.Millisecond
)

var ErrNoOutputPath = fmt.Errorf("%w: no output path set", attr.ErrConfiguration)

// Camera runs one grab goroutine per acquisition and, while recording, a
// session that persists every grabbed frame.
type Camera struct {
	name   string
	driver Driver
	reg    *attr.Registry
	trig   *trigger.Controller
	slot   *pipeline.Slot[*Frame]
	sm     pipeline.StateMachine
	logger zerolog.Logger

	writeAPI     api.WriteAPI
	grabTimeout  time.Duration
	drainTimeout time.Duration

	mu          sync.Mutex
	outputPath  string
	encoder     string
	session     *pipeline.Session[*Frame]
	acq         *pipeline.Group
	lastSession uuid.UUID
	lastStats   pipeline.WriterStats

	produced atomic.Uint64
	timeouts atomic.Uint64
}

type Option func(c *Camera)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Camera) {
		c.logger = logger
	}
}

func WithMetrics(w api.WriteAPI) Option {
	return func(c *Camera) {
		c.writeAPI = w
	}
}

// WithGrabTimeout bounds each NextFrame call. Stop waits at most this long for
// the grab goroutine.
func WithGrabTimeout(d time.Duration) Option {
	return func(c *Camera) {
		if d > 0 {
			c.grabTimeout = d
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(c *Camera) {
		c.drainTimeout = d
	}
}

func Open(name string, driver Driver, opts ...Option) (*Camera, error) {
	if driver == nil {
		return nil, fmt.Errorf("camera %s: no driver", name)
	}
	c := &Camera{
		name:         name,
		driver:       driver,
		slot:         pipeline.NewSlot[*Frame](),
		logger:       log.Logger,
		grabTimeout:  defaultGrabTimeout,
		drainTimeout: 10 * time.Second,
		encoder:      EncoderRaw,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("device", name).Str("serial", driver.Serial()).Logger()

	var deps []attr.Dependency
	if hasAttrs(driver, RateAttr, trigger.DefaultModeAttr) {
		deps = append(deps, attr.Dependency{
			Attr:     RateAttr,
			Mode:     trigger.DefaultModeAttr,
			Blocking: attr.Enum("On"),
			Neutral:  attr.Enum("Off"),
		})
	}
	c.reg = attr.NewRegistry(driver, attr.WithLogger(c.logger), attr.WithDependencies(deps...))
	c.trig = trigger.NewController(c.reg, 0, trigger.WithLogger(c.logger))

	c.logger.Info().Msg("camera opened")
	return c, nil
}

func hasAttrs(b attr.Backend, names ...string) bool {
	found := 0
	for _, d := range b.Descriptors() {
		for _, n := range names {
			if d.Name == n {
				found++
			}
		}
	}
	return found == len(names)
}

func (c *Camera) Name() string             { return c.name }
func (c *Camera) Serial() string           { return c.driver.Serial() }
func (c *Camera) Kind() device.Kind        { return device.KindCamera }
func (c *Camera) Registry() *attr.Registry { return c.reg }
func (c *Camera) State() pipeline.State    { return c.sm.State() }

func (c *Camera) DefaultFileName() string {
	return fmt.Sprintf("cam_%s.cbor", c.driver.Serial())
}

// Configure applies a preset. Only allowed in standby.
func (c *Camera) Configure(p *attr.Preset) error {
	return c.sm.WhileStandby(func() error {
		encoder, err := checkEncoder(p.Encoder)
		if err != nil {
			return err
		}
		if err := c.reg.ApplyConfig(p.Attributes, p.Passes); err != nil {
			return err
		}
		c.trig.SetDelay(p.TriggerReleaseDelay)
		c.mu.Lock()
		c.encoder = encoder
		c.mu.Unlock()
		return nil
	})
}

func (c *Camera) SetAttr(name string, v attr.Value) (attr.Value, error) {
	return c.reg.Set(name, v)
}

func (c *Camera) SetOutputPath(path string) error {
	return c.sm.WhileStandby(func() error {
		c.mu.Lock()
		c.outputPath = path
		c.mu.Unlock()
		return nil
	})
}

func (c *Camera) OutputPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputPath
}

func (c *Camera) EnablePreview(enable bool) {
	c.slot.Enable(enable)
}

// CurrentFrame returns the most recent frame. Callers must not modify it.
func (c *Camera) CurrentFrame() (*Frame, bool) {
	f, _, ok := c.slot.Latest()
	return f, ok && f != nil
}

func (c *Camera) Start(record bool) error {
	return c.sm.Start(record, func(target pipeline.State) error {
		var session *pipeline.Session[*Frame]
		if record {
			s, err := c.newSession()
			if err != nil {
				return err
			}
			session = s
			session.Start(context.Background())
		}
		abort := func(err error) error {
			if session != nil {
				if cerr := session.Close(); cerr != nil {
					c.logger.Error().Err(cerr).Msg("failed to close aborted session")
				}
			}
			return err
		}

		c.slot.Reset()
		c.produced.Store(0)
		c.timeouts.Store(0)

		if err := c.trig.Begin(); err != nil {
			return abort(err)
		}
		if err := c.driver.BeginAcquisition(); err != nil {
			if terr := c.trig.End(); terr != nil {
				c.logger.Error().Err(terr).Msg("failed to restore trigger mode")
			}
			return abort(fmt.Errorf("beginning acquisition: %w", err))
		}

		acq := pipeline.NewGroup(context.Background(), c.logger)
		acq.Go("grab", func(ctx context.Context) error {
			c.grab(ctx, session)
			return nil
		})
		c.trig.Release(acq.Context())

		c.mu.Lock()
		c.session = session
		c.acq = acq
		c.mu.Unlock()

		c.logger.Info().Str("state", target.String()).Msg("acquisition started")
		return nil
	})
}

func (c *Camera) newSession() (*pipeline.Session[*Frame], error) {
	c.mu.Lock()
	path, encoder := c.outputPath, c.encoder
	c.mu.Unlock()
	if path == "" {
		return nil, ErrNoOutputPath
	}

	opts := []pipeline.WriterOption{
		pipeline.WithInterval(c.frameInterval()),
		pipeline.WithDrainTimeout(c.drainTimeout),
	}
	if c.writeAPI != nil {
		opts = append(opts, pipeline.WithMetrics(c.writeAPI, map[string]string{"device": c.name}))
	}
	return pipeline.OpenSession[*Frame](func(uuid.UUID) (pipeline.Encoder[*Frame], *pipeline.MetaLog, error) {
		enc, err := CreateContainer(path, encoder)
		if err != nil {
			return nil, nil, fmt.Errorf("creating %s: %w", path, err)
		}
		metaFile, err := os.Create(path + ".meta.txt")
		if err != nil {
			enc.Close()
			return nil, nil, fmt.Errorf("creating metadata log: %w", err)
		}
		return enc, pipeline.NewMetaLog(metaFile), nil
	}, c.logger, opts...)
}

func (c *Camera) frameInterval() time.Duration {
	if _, ok := c.reg.Descriptor(RateAttr); !ok {
		return 0
	}
	v, err := c.reg.Get(RateAttr)
	if err != nil {
		return 0
	}
	if rate, ok := v.(attr.Float); ok && rate > 0 {
		return time.Duration(float64(time.Second) / float64(rate))
	}
	return 0
}

func (c *Camera) grab(ctx context.Context, session *pipeline.Session[*Frame]) {
	timeoutLog := c.logger.Sample(&zerolog.BurstSampler{Burst: 1, Period: 5 * time.Second})
	for ctx.Err() == nil {
		c.grabOnce(ctx, session, timeoutLog)
	}
}

func (c *Camera) grabOnce(ctx context.Context, session *pipeline.Session[*Frame], timeoutLog zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("grab iteration panicked")
		}
	}()

	raw, err := c.driver.NextFrame(c.grabTimeout)
	host := time.Now()
	if errors.Is(err, ErrTimeout) {
		n := c.timeouts.Add(1)
		timeoutLog.Warn().Uint64("timeouts", n).Dur("timeout", c.grabTimeout).Msg("acquisition timeout")
		metrics.Point(c.writeAPI, "camera.timeout", map[string]string{"device": c.name}, map[string]interface{}{"count": int64(n)})
		return
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to grab frame")
		select {
		case <-ctx.Done():
		case <-time.After(errorBackoff):
		}
		return
	}

	f := &Frame{
		Seq:      c.produced.Add(1),
		Width:    raw.Width,
		Height:   raw.Height,
		Pix:      raw.Pix,
		DeviceTS: raw.DeviceTS,
		HostTS:   host,
	}
	c.slot.Publish(f)
	if session != nil {
		session.Push(f)
	}
}

// Stop ends acquisition first and then waits for the writer to drain.
func (c *Camera) Stop() error {
	return c.sm.Stop(func(from pipeline.State) error {
		c.mu.Lock()
		acq, session := c.acq, c.session
		c.acq, c.session = nil, nil
		c.mu.Unlock()

		var errs []error
		if acq != nil {
			if err := acq.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.driver.EndAcquisition(); err != nil {
			errs = append(errs, fmt.Errorf("ending acquisition: %w", err))
		}
		if err := c.trig.End(); err != nil {
			errs = append(errs, err)
		}
		if session != nil {
			if err := session.Close(); err != nil {
				errs = append(errs, err)
			}
			c.mu.Lock()
			c.lastSession = session.ID
			c.lastStats = session.Stats()
			c.mu.Unlock()
		}

		c.logger.Info().
			Str("from", from.String()).
			Uint64("produced", c.produced.Load()).
			Uint64("timeouts", c.timeouts.Load()).
			Msg("acquisition stopped")
		return errors.Join(errs...)
	})
}

func (c *Camera) Status() device.Status {
	c.mu.Lock()
	stats, id := c.lastStats, c.lastSession
	if c.session != nil {
		stats, id = c.session.Stats(), c.session.ID
	}
	path := c.outputPath
	c.mu.Unlock()

	st := device.Status{
		Name:       c.name,
		Kind:       device.KindCamera,
		Serial:     c.driver.Serial(),
		State:      c.sm.State().String(),
		OutputPath: path,
		Produced:   c.produced.Load(),
		Written:    stats.Written,
		Dropped:    stats.Dropped,
		Depth:      stats.Depth,
		Timeouts:   c.timeouts.Load(),
		Skipped:    c.slot.Skipped(),
		Triggered:  c.trig.Released(),
		Preview:    c.slot.Enabled(),
	}
	if id != uuid.Nil {
		st.Session = id.String()
	}
	return st
}

func (c *Camera) Close() error {
	var errs []error
	if c.sm.Active() {
		if err := c.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotActive) {
			errs = append(errs, err)
		}
	}
	if err := c.driver.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ device.Device = (*Camera)(nil)
