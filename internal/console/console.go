// Package console wires one device session: the state container, the health probe,
// the single-call actions and the composite test run.
//
// A Console is one "page load". Once the probe settles disconnected the Console stays
// disconnected; a new Console is the only way back.
package console

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/devicebench/internal/actions"
	"github.com/g960059/devicebench/internal/health"
	"github.com/g960059/devicebench/internal/model"
	"github.com/g960059/devicebench/internal/notify"
	"github.com/g960059/devicebench/internal/screenshot"
	"github.com/g960059/devicebench/internal/state"
	"github.com/g960059/devicebench/internal/testrun"
	"github.com/g960059/devicebench/internal/transport"
)

// Journal receives every settled run and every stored hardware delta.
type Journal = testrun.Journal

type Options struct {
	Notifier  notify.Sink
	Journal   Journal
	Allocator screenshot.Allocator
	Logger    *slog.Logger
}

type Console struct {
	state    *state.State
	monitor  *health.Monitor
	registry *actions.Registry
	runner   *testrun.Runner
	logger   *slog.Logger

	mu    sync.Mutex
	group *errgroup.Group
}

func New(sender transport.Sender, opts Options) *Console {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	st := state.New()
	regOpts := actions.Options{Notifier: opts.Notifier, Logger: logger.With("component", "actions")}
	runOpts := testrun.Options{Notifier: opts.Notifier, Logger: logger.With("component", "testrun")}
	if opts.Journal != nil {
		regOpts.Journal = opts.Journal
		runOpts.Journal = opts.Journal
	}
	return &Console{
		state:    st,
		monitor:  health.NewMonitor(st, sender, logger.With("component", "health")),
		registry: actions.NewRegistry(st, sender, regOpts),
		runner:   testrun.NewRunner(st, sender, opts.Allocator, runOpts),
		logger:   logger,
		group:    new(errgroup.Group),
	}
}

// Probe runs the one-shot health check.
func (c *Console) Probe(ctx context.Context) state.ConnectionStatus {
	return c.monitor.Probe(ctx)
}

func (c *Console) Health() (health.Report, bool) {
	return c.monitor.Report()
}

// Actions lists every name Invoke accepts.
func (c *Console) Actions() []string {
	return append(c.registry.Actions(), model.ActionRunTest)
}

// Invoke runs action to settlement. runTest is routed to the composite runner.
func (c *Console) Invoke(ctx context.Context, action string) (model.ActionRun, error) {
	if action == model.ActionRunTest {
		return c.runner.RunTest(ctx)
	}
	return c.registry.Invoke(ctx, action)
}

func (c *Console) RunTest(ctx context.Context) (model.ActionRun, error) {
	return c.runner.RunTest(ctx)
}

// Dispatch starts action in the background and returns immediately. Busy and
// disconnected rejections are dropped, as a disabled control would drop a click.
// Any other rejection is reported by Wait.
func (c *Console) Dispatch(ctx context.Context, action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group.Go(func() error {
		_, err := c.Invoke(ctx, action)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, state.ErrBusy), errors.Is(err, state.ErrDisconnected):
			c.logger.Debug("dispatch dropped", "action", action, "err", err)
			return nil
		default:
			c.logger.Warn("dispatch rejected", "action", action, "err", err)
			return err
		}
	})
}

// Wait blocks until every dispatched invocation has settled and returns the first
// rejection that was not a busy or disconnected guard.
func (c *Console) Wait() error {
	c.mu.Lock()
	g := c.group
	c.group = new(errgroup.Group)
	c.mu.Unlock()
	return g.Wait()
}

func (c *Console) Snapshot() state.Snapshot {
	return c.state.Snapshot()
}

func (c *Console) State() *state.State {
	return c.state
}

// Close waits for dispatched work and releases the live screenshot.
func (c *Console) Close() error {
	waitErr := c.Wait()
	return errors.Join(waitErr, c.state.Close())
}
