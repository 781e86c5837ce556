package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-running component that returns when ctx is cancelled
// or it fails.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Drainer is a Runner fed by a producer. Close tells it no more input is
// coming so it can flush and return.
type Drainer interface {
	Runner
	Close()
}

type stage struct {
	name string
	run  func(ctx context.Context) error
}

// Orchestrator runs feed sessions, their writers and auxiliary loops as
// one errgroup. A non-context error from any stage cancels the rest.
type Orchestrator struct {
	stages []stage
	logger *slog.Logger
}

// NewOrchestrator creates an empty Orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.With(slog.String("component", "orchestrator"))}
}

// Add registers a standalone stage.
func (o *Orchestrator) Add(name string, r Runner) {
	o.stages = append(o.stages, stage{name: name, run: r.Run})
}

// AddStream registers a source together with the writers it feeds. The
// writers are closed once the source returns so they drain everything the
// source produced before stopping.
func (o *Orchestrator) AddStream(name string, source Runner, sinks ...Drainer) {
	o.stages = append(o.stages, stage{name: name, run: func(ctx context.Context) error {
		defer func() {
			for _, s := range sinks {
				s.Close()
			}
		}()
		return source.Run(ctx)
	}})
	for i, s := range sinks {
		o.stages = append(o.stages, stage{name: fmt.Sprintf("%s/writer-%d", name, i), run: s.Run})
	}
}

// Run starts every stage and blocks until all have returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting", slog.Int("stages", len(o.stages)))

	g, ctx := errgroup.WithContext(ctx)
	for _, st := range o.stages {
		g.Go(func() error {
			o.logger.Info("starting stage", slog.String("stage", st.name))
			err := st.run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			if err != nil {
				return fmt.Errorf("%s: %w", st.name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
