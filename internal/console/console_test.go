package console

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/g960059/devicebench/internal/actions"
	"github.com/g960059/devicebench/internal/backendtest"
	"github.com/g960059/devicebench/internal/db"
	"github.com/g960059/devicebench/internal/model"
	"github.com/g960059/devicebench/internal/notify"
	"github.com/g960059/devicebench/internal/screenshot"
	"github.com/g960059/devicebench/internal/state"
	"github.com/g960059/devicebench/internal/testutil"
	"github.com/g960059/devicebench/internal/transport"
)

func newConsole(t *testing.T, srv *backendtest.Server, opts Options) *Console {
	t.Helper()
	c := New(transport.NewWithClient(srv.URL, srv.Client()), opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSessionFlowJournalsEveryRun(t *testing.T) {
	srv := backendtest.New(t)
	store, ctx := testutil.NewStore(t)
	rec := &notify.Recorder{}
	c := newConsole(t, srv, Options{Notifier: rec, Journal: store})

	require.Equal(t, state.StatusConnected, c.Probe(ctx))
	report, ok := c.Health()
	require.True(t, ok)
	require.True(t, report.PhoneConnected)

	for _, action := range []string{model.ActionReserve, model.ActionMetrics, model.ActionRunTest, model.ActionRelease} {
		run, err := c.Invoke(ctx, action)
		require.NoError(t, err, action)
		require.Equal(t, model.OutcomeSuccess, run.Outcome, action)
	}

	snap := c.Snapshot()
	require.NotNil(t, snap.HardwareDelta)
	require.NotNil(t, snap.DeviceMetrics)
	require.Equal(t, "87%", snap.DeviceMetrics.Battery)
	require.NotNil(t, snap.Screenshot)
	require.Equal(t, state.PhaseCompleted, snap.TestPhase)
	require.Contains(t, snap.Output, "released")

	runs, err := store.ListActionRuns(ctx, db.ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 4)
	_, err = store.LatestHardwareDelta(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Events(), 4)
}

func TestDisconnectedConsoleRejectsEverything(t *testing.T) {
	srv := backendtest.New(t)
	srv.Fail(backendtest.PathHealth, http.StatusServiceUnavailable)
	c := newConsole(t, srv, Options{})

	require.Equal(t, state.StatusDisconnected, c.Probe(context.Background()))
	for _, action := range c.Actions() {
		_, err := c.Invoke(context.Background(), action)
		require.ErrorIs(t, err, actions.ErrDisconnected, action)
	}
	require.Equal(t, 1, srv.TotalCalls())
}

func TestDispatchIsFireAndForget(t *testing.T) {
	srv := backendtest.New(t)
	rec := &notify.Recorder{}
	c := newConsole(t, srv, Options{Notifier: rec})
	require.Equal(t, state.StatusConnected, c.Probe(context.Background()))

	gate := srv.Block(backendtest.PathReserve)
	c.Dispatch(context.Background(), model.ActionReserve)
	<-gate.Arrived()
	require.True(t, c.State().Busy(model.ActionReserve))

	// A second click while busy is dropped without a request.
	c.Dispatch(context.Background(), model.ActionReserve)
	c.Dispatch(context.Background(), model.ActionRunTest)

	gate.Release()
	require.NoError(t, c.Wait())
	require.Equal(t, 1, srv.Calls(backendtest.PathReserve))
	require.False(t, c.Snapshot().AnyBusy)
	last, ok := rec.Last()
	require.True(t, ok)
	require.Equal(t, "reserve Successful", last.Title)
}

func TestDispatchOverlappingActions(t *testing.T) {
	srv := backendtest.New(t)
	c := newConsole(t, srv, Options{})
	c.Probe(context.Background())

	gate := srv.Block(backendtest.PathAlertTest)
	c.Dispatch(context.Background(), model.ActionAlertTest)
	<-gate.Arrived()
	c.Dispatch(context.Background(), model.ActionMetrics)
	gate.Release()

	require.NoError(t, c.Wait())
	require.Equal(t, 1, srv.Calls(backendtest.PathAlertTest))
	require.Equal(t, 1, srv.Calls(backendtest.PathMetrics))
}

func TestWaitReportsUnknownAction(t *testing.T) {
	srv := backendtest.New(t)
	c := newConsole(t, srv, Options{})
	c.Probe(context.Background())

	c.Dispatch(context.Background(), "reboot")
	require.ErrorIs(t, c.Wait(), actions.ErrUnknownAction)
	require.NoError(t, c.Wait(), "a fresh group after Wait")
}

func TestCloseReleasesScreenshot(t *testing.T) {
	srv := backendtest.New(t)
	alloc := screenshot.NewMemoryStore()
	c := New(transport.NewWithClient(srv.URL, srv.Client()), Options{Allocator: alloc})
	c.Probe(context.Background())

	_, err := c.RunTest(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, alloc.Live())

	require.NoError(t, c.Close())
	require.Zero(t, alloc.Live())
}

func TestActionsIncludesRunTest(t *testing.T) {
	srv := backendtest.New(t)
	c := newConsole(t, srv, Options{})
	names := strings.Join(c.Actions(), ",")
	require.Equal(t, "alertTest,metrics,release,reserve,runTest", names)
}
