package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

type fakeDrainer struct {
	closed  chan struct{}
	drained atomic.Bool
}

func newFakeDrainer() *fakeDrainer { return &fakeDrainer{closed: make(chan struct{})} }

func (d *fakeDrainer) Close() { close(d.closed) }

func (d *fakeDrainer) Run(ctx context.Context) error {
	<-d.closed
	d.drained.Store(true)
	return nil
}

func TestOrchestratorClosesSinksAfterSource(t *testing.T) {
	o := NewOrchestrator(discardLogger())
	sink := newFakeDrainer()
	o.AddStream("ticks", runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.True(t, sink.drained.Load())
}

func TestOrchestratorPropagatesFailure(t *testing.T) {
	o := NewOrchestrator(discardLogger())
	boom := errors.New("auth rejected")
	sink := newFakeDrainer()
	o.AddStream("depth", runnerFunc(func(context.Context) error { return boom }), sink)
	o.Add("idle", runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := o.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "depth")
	assert.True(t, sink.drained.Load())
}
