// Package trigger handles free-run-then-trigger startup and the restoration of
// a device's trigger configuration on stop.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norasector/tandem/pkg/attr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultModeAttr   = "TriggerMode"
	DefaultPulseWidth = 50 * time.Millisecond
)

// Controller flips a device into trigger mode some time after acquisition
// starts, and puts the configured mode back when acquisition ends.
type Controller struct {
	reg      *attr.Registry
	modeAttr string
	on       attr.Value
	off      attr.Value
	delay    time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	prior    attr.Value
	cancel   context.CancelFunc
	done     chan struct{}
	released atomic.Bool
}

type Option func(c *Controller)

func WithModeAttr(name string, on, off attr.Value) Option {
	return func(c *Controller) {
		c.modeAttr = name
		c.on = on
		c.off = off
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func NewController(reg *attr.Registry, delay time.Duration, opts ...Option) *Controller {
	c := &Controller{
		reg:      reg,
		modeAttr: DefaultModeAttr,
		on:       attr.Enum("On"),
		off:      attr.Enum("Off"),
		delay:    delay,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) SetDelay(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

// Deferred reports whether the next start will free-run before triggering.
func (c *Controller) Deferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferredLocked()
}

func (c *Controller) deferredLocked() bool {
	if c.delay <= 0 {
		return false
	}
	if _, ok := c.reg.Descriptor(c.modeAttr); !ok {
		return false
	}
	cur, err := c.reg.Get(c.modeAttr)
	return err == nil && attr.Equal(cur, c.on)
}

// Begin runs before the hardware is armed. It remembers the configured mode
// and, when release is deferred, drops the device into free-run.
func (c *Controller) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.released.Store(false)
	if _, ok := c.reg.Descriptor(c.modeAttr); !ok {
		c.prior = nil
		return nil
	}
	prior, err := c.reg.Get(c.modeAttr)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.modeAttr, err)
	}
	c.prior = prior

	if !c.deferredLocked() {
		c.released.Store(attr.Equal(prior, c.on))
		return nil
	}
	if _, err := c.reg.Set(c.modeAttr, c.off); err != nil {
		return fmt.Errorf("entering free-run: %w", err)
	}
	c.logger.Info().Dur("delay", c.delay).Msg("free-running before trigger release")
	return nil
}

// Release starts the delayed switch into trigger mode. It runs after the
// hardware is armed and is a no-op when release is not deferred.
func (c *Controller) Release(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.prior == nil || !attr.Equal(c.prior, c.on) || c.delay <= 0 || c.done != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.wait(ctx, c.delay, c.done)
}

func (c *Controller) wait(ctx context.Context, delay time.Duration, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if _, err := c.reg.Set(c.modeAttr, c.on); err != nil {
		c.logger.Error().Err(err).Msg("failed to release trigger")
		return
	}
	c.released.Store(true)
	c.logger.Info().Msg("trigger released")
}

// Released reports whether the device is currently in trigger mode because
// of this controller (or was configured that way without a delay).
func (c *Controller) Released() bool {
	return c.released.Load()
}

// End cancels a pending release, joins the timer goroutine and restores the
// mode captured by Begin.
func (c *Controller) End() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	prior := c.prior
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.released.Store(false)

	if prior == nil {
		return nil
	}
	cur, err := c.reg.Get(c.modeAttr)
	if err == nil && attr.Equal(cur, prior) {
		return nil
	}
	if _, err := c.reg.Set(c.modeAttr, prior); err != nil {
		return fmt.Errorf("restoring %s: %w", c.modeAttr, err)
	}
	return nil
}

// LineWriter drives digital output lines.
type LineWriter interface {
	WriteLines(names []string, values []float64) error
}

// Pulse drives every line high for width, then low again. The low write is
// attempted even if the context ends early.
func Pulse(ctx context.Context, w LineWriter, lines []string, width time.Duration) error {
	if len(lines) == 0 {
		return nil
	}
	high := make([]float64, len(lines))
	low := make([]float64, len(lines))
	for i := range high {
		high[i] = 1
	}

	if err := w.WriteLines(lines, high); err != nil {
		return fmt.Errorf("driving trigger lines high: %w", err)
	}

	timer := time.NewTimer(width)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := w.WriteLines(lines, low); err != nil {
		return fmt.Errorf("driving trigger lines low: %w", err)
	}
	return ctx.Err()
}
