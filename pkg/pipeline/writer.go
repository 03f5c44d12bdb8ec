package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/tandem/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultInterval     = 100 * time.Millisecond
	defaultDepthWarn    = 256
	defaultDrainTimeout = 10 * time.Second
	// The writer waits this many nominal intervals before calling a pop a stall.
	stallIntervals = 3
)

// Encoder persists the primary stream of a session.
type Encoder[T Unit] interface {
	Encode(unit T) error
	Close() error
}

type WriterStats struct {
	Written uint64
	Dropped uint64
	LastSeq uint64
	Depth   int
}

// Writer drains a relay queue into an encoder and a sidecar log. A failed unit
// is logged and dropped; the loop keeps going.
type Writer[T Unit] struct {
	queue        *Queue[T]
	enc          Encoder[T]
	meta         *MetaLog
	popTimeout   time.Duration
	depthWarn    int
	drainTimeout time.Duration
	logger       zerolog.Logger
	writeAPI     api.WriteAPI
	tags         map[string]string

	running atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
	lastSeq atomic.Uint64
}

type WriterOption func(c *writerConfig)

type writerConfig struct {
	interval     time.Duration
	depthWarn    int
	drainTimeout time.Duration
	logger       zerolog.Logger
	writeAPI     api.WriteAPI
	tags         map[string]string
}

// WithInterval sets the nominal time between units.
func WithInterval(d time.Duration) WriterOption {
	return func(c *writerConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithDepthWarning(depth int) WriterOption {
	return func(c *writerConfig) {
		c.depthWarn = depth
	}
}

// WithDrainTimeout bounds how long a stopping writer keeps draining. Zero
// means drain until empty.
func WithDrainTimeout(d time.Duration) WriterOption {
	return func(c *writerConfig) {
		c.drainTimeout = d
	}
}

func WithWriterLogger(logger zerolog.Logger) WriterOption {
	return func(c *writerConfig) {
		c.logger = logger
	}
}

func WithMetrics(w api.WriteAPI, tags map[string]string) WriterOption {
	return func(c *writerConfig) {
		c.writeAPI = w
		c.tags = tags
	}
}

func NewWriter[T Unit](queue *Queue[T], enc Encoder[T], meta *MetaLog, opts ...WriterOption) *Writer[T] {
	c := writerConfig{
		interval:     defaultInterval,
		depthWarn:    defaultDepthWarn,
		drainTimeout: defaultDrainTimeout,
		logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(&c)
	}

	w := &Writer[T]{
		queue:        queue,
		enc:          enc,
		meta:         meta,
		popTimeout:   stallIntervals * c.interval,
		depthWarn:    c.depthWarn,
		drainTimeout: c.drainTimeout,
		logger:       c.logger,
		writeAPI:     c.writeAPI,
		tags:         c.tags,
	}
	w.running.Store(true)
	return w
}

// Finish tells the writer that no more units will be pushed. The writer keeps
// going until the queue is empty, then closes its outputs.
func (w *Writer[T]) Finish() {
	w.running.Store(false)
	w.queue.Wake()
}

func (w *Writer[T]) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		LastSeq: w.lastSeq.Load(),
		Depth:   w.queue.Len(),
	}
}

// Run is the writer loop. It returns after Finish once the queue is drained.
func (w *Writer[T]) Run() error {
	var drainStart time.Time
	behind := false

	for {
		unit, ok := w.queue.Pop(w.popTimeout)
		if ok {
			w.persist(unit)

			depth := w.queue.Len()
			switch {
			case depth > w.depthWarn && !behind:
				behind = true
				w.logger.Warn().Int("depth", depth).Msg("writer falling behind")
			case depth == 0 && behind:
				behind = false
				w.logger.Info().Msg("writer caught up")
			}
		}

		if w.running.Load() {
			if !ok {
				w.logger.Debug().Dur("timeout", w.popTimeout).Msg("no unit within expected interval")
			}
			continue
		}

		remaining := w.queue.Len()
		if remaining == 0 {
			return w.close()
		}
		if drainStart.IsZero() {
			drainStart = time.Now()
			w.logger.Info().Int("depth", remaining).Msg("draining relay queue")
		}
		if w.drainTimeout > 0 && time.Since(drainStart) > w.drainTimeout {
			w.discard()
			return w.close()
		}
	}
}

func (w *Writer[T]) persist(unit T) {
	meta := unit.Meta()
	defer func() {
		if r := recover(); r != nil {
			w.dropped.Add(1)
			w.logger.Error().Uint64("seq", meta.Seq).Interface("panic", r).Msg("dropped unit: encoder panicked")
		}
	}()

	if last := w.lastSeq.Load(); last > 0 && meta.Seq <= last {
		w.logger.Error().Uint64("seq", meta.Seq).Uint64("last_seq", last).Msg("out of order unit")
	}

	if err := w.enc.Encode(unit); err != nil {
		w.dropped.Add(1)
		w.logger.Warn().Err(err).Uint64("seq", meta.Seq).Msg("dropped unit: write failed")
		return
	}
	if err := w.meta.Write(meta); err != nil {
		w.logger.Warn().Err(err).Uint64("seq", meta.Seq).Msg("failed to write metadata line")
	}

	w.lastSeq.Store(meta.Seq)
	w.written.Add(1)

	if w.writeAPI != nil {
		metrics.Point(w.writeAPI, "writer.persisted", w.tags, map[string]interface{}{
			"seq":   int64(meta.Seq),
			"depth": w.queue.Len(),
		})
	}
}

func (w *Writer[T]) discard() {
	n := 0
	for {
		unit, ok := w.queue.TryPop()
		if !ok {
			break
		}
		n++
		w.dropped.Add(1)
		w.logger.Warn().Uint64("seq", unit.Meta().Seq).Msg("dropped unit: drain timeout")
	}
	w.logger.Error().Int("dropped", n).Dur("drain_timeout", w.drainTimeout).Msg("drain period expired")
}

func (w *Writer[T]) close() error {
	var errs []error
	if err := w.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing primary stream: %w", err))
	}
	if err := w.meta.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing metadata log: %w", err))
	}

	stats := w.Stats()
	w.logger.Info().
		Uint64("written", stats.Written).
		Uint64("dropped", stats.Dropped).
		Uint64("last_seq", stats.LastSeq).
		Msg("writer closed")
	return errors.Join(errs...)
}
