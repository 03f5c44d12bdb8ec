package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one recording: a relay queue and the writer draining it. It is
// created on start and discarded on stop.
type Session[T Unit] struct {
	ID     uuid.UUID
	queue  *Queue[T]
	writer *Writer[T]
	group  *Group
	logger zerolog.Logger
}

// Outputs opens the primary stream and sidecar of a session. The session ID
// is passed so it can be written into file headers.
type Outputs[T Unit] func(id uuid.UUID) (Encoder[T], *MetaLog, error)

// OpenSession opens the outputs and builds the writer. Nothing runs until Start.
func OpenSession[T Unit](open Outputs[T], logger zerolog.Logger, opts ...WriterOption) (*Session[T], error) {
	id := uuid.New()
	enc, meta, err := open(id)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("session", id.String()).Logger()
	queue := NewQueue[T]()
	opts = append([]WriterOption{WithWriterLogger(logger)}, opts...)
	return &Session[T]{
		ID:     id,
		queue:  queue,
		writer: NewWriter(queue, enc, meta, opts...),
		logger: logger,
	}, nil
}

// Start launches the writer. Call it before any unit can be pushed.
func (s *Session[T]) Start(ctx context.Context) {
	s.group = NewGroup(ctx, s.logger)
	s.group.Go("writer", func(context.Context) error {
		return s.writer.Run()
	})
	s.logger.Info().Msg("recording session started")
}

// Push hands a unit to the writer. It never blocks.
func (s *Session[T]) Push(unit T) {
	s.queue.Push(unit)
}

// Close waits for the writer to drain the queue and close its outputs. The
// producer must already be stopped.
func (s *Session[T]) Close() error {
	s.writer.Finish()
	if s.group == nil {
		return s.writer.close()
	}
	return s.group.Wait()
}

func (s *Session[T]) Stats() WriterStats {
	return s.writer.Stats()
}

func (s *Session[T]) Logger() zerolog.Logger {
	return s.logger
}
