package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Group runs named goroutines that are always joined. A panic inside one is
// turned into an error instead of taking down the process.
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

func NewGroup(parent context.Context, logger zerolog.Logger) *Group {
	ctx, cancel := context.WithCancel(parent)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{eg: eg, ctx: ctx, cancel: cancel, logger: logger}
}

func (g *Group) Context() context.Context {
	return g.ctx
}

func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.eg.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().
					Str("worker", name).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("worker panicked")
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		if err := fn(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error().Err(err).Str("worker", name).Msg("worker exited")
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// Wait joins every goroutine without cancelling them.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	g.cancel()
	return err
}

// Stop cancels the group context and joins.
func (g *Group) Stop() error {
	g.cancel()
	return g.eg.Wait()
}
