// Package testrun drives the composite "run test" operation: fetch the hardware delta,
// then the screenshot, and merge both into the shared state.
//
// The screenshot request is issued only after the delta request settled successfully.
// A failed screenshot does not roll back a delta that was already stored.
package testrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/devicebench/internal/metrics"
	"github.com/g960059/devicebench/internal/model"
	"github.com/g960059/devicebench/internal/notify"
	"github.com/g960059/devicebench/internal/screenshot"
	"github.com/g960059/devicebench/internal/state"
	"github.com/g960059/devicebench/internal/transport"
)

const (
	RunningOutput = "Running performance test..."
	SuccessOutput = "✅ Test & metrics collected successfully"

	titleCompleted = "Test Completed"
	titleFailed    = "Test Failed"
	messageDone    = "Performance metrics collected"
)

type Journal interface {
	RecordActionRun(ctx context.Context, run model.ActionRun) error
	RecordHardwareDelta(ctx context.Context, runID string, d metrics.HardwareDelta, at time.Time) error
}

type Options struct {
	Notifier notify.Sink
	Journal  Journal
	Logger   *slog.Logger
	Now      func() time.Time
}

type Runner struct {
	state    *state.State
	sender   transport.Sender
	alloc    screenshot.Allocator
	notifier notify.Sink
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

func NewRunner(st *state.State, sender transport.Sender, alloc screenshot.Allocator, opts Options) *Runner {
	r := &Runner{
		state:    st,
		sender:   sender,
		alloc:    alloc,
		notifier: opts.Notifier,
		journal:  opts.Journal,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if r.alloc == nil {
		r.alloc = screenshot.NewMemoryStore()
	}
	if r.notifier == nil {
		r.notifier = notify.Discard{}
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// RunTest executes one composite run. The error is non-nil only when the run was
// rejected (busy or disconnected) before any request was issued.
func (r *Runner) RunTest(ctx context.Context) (model.ActionRun, error) {
	if err := r.state.Acquire(model.ActionRunTest); err != nil {
		r.logger.Debug("run test rejected", "err", err)
		return model.ActionRun{}, err
	}
	defer r.state.Release(model.ActionRunTest)

	ctx = context.WithoutCancel(ctx)
	run := model.ActionRun{
		RunID:     uuid.NewString(),
		Action:    model.ActionRunTest,
		Endpoint:  model.RunTestEndpoint,
		StartedAt: r.now(),
	}
	r.state.SetOutput(RunningOutput)
	r.state.SetTestPhase(state.PhaseDeltaPending)
	r.logger.Info("test run started", "run_id", run.RunID)

	if err := r.steps(ctx, run.RunID); err != nil {
		run.Outcome = model.OutcomeFailure
		run.Message = err.Error()
		run.Output = "Error: " + err.Error()
		r.state.SetOutput(run.Output)
		r.state.SetTestPhase(state.PhaseFailed)
		r.notifier.Notify(notify.Failure(model.ActionRunTest, titleFailed, run.Message))
		r.logger.Warn("test run failed", "run_id", run.RunID, "err", err)
	} else {
		run.Outcome = model.OutcomeSuccess
		run.Message = messageDone
		run.Output = SuccessOutput
		r.state.SetOutput(run.Output)
		r.state.SetTestPhase(state.PhaseCompleted)
		r.notifier.Notify(notify.Success(model.ActionRunTest, titleCompleted, messageDone))
		r.logger.Info("test run completed", "run_id", run.RunID)
	}
	run.SettledAt = r.now()
	r.recordRun(ctx, run)
	return run, nil
}

func (r *Runner) steps(ctx context.Context, runID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("test run panic: %v", p)
		}
	}()

	delta, err := r.fetchDelta(ctx)
	if err != nil {
		return err
	}
	r.state.SetHardwareDelta(delta)
	r.recordDelta(ctx, runID, delta)

	r.state.SetTestPhase(state.PhaseScreenshotPending)
	ref, err := r.fetchScreenshot(ctx)
	if err != nil {
		return err
	}
	if err := r.state.ReplaceScreenshot(ref); err != nil {
		// The new screenshot is installed; only the old one failed to free.
		r.logger.Warn("release previous screenshot", "err", err)
	}
	return nil
}

func (r *Runner) fetchDelta(ctx context.Context) (metrics.HardwareDelta, error) {
	resp, err := r.sender.Send(ctx, transport.Request{
		Method:   http.MethodGet,
		Endpoint: model.EndpointHardwareDelta,
		Mode:     transport.ModeJSON,
	})
	if err != nil {
		return metrics.HardwareDelta{}, fmt.Errorf("hardware delta: %w", err)
	}
	delta, err := metrics.DecodeHardwareDelta(resp.JSON)
	if err != nil {
		return metrics.HardwareDelta{}, err
	}
	return delta, nil
}

var ErrScreenshotRejected = errors.New("screenshot rejected by backend")

func (r *Runner) fetchScreenshot(ctx context.Context) (*screenshot.Ref, error) {
	resp, err := r.sender.Send(ctx, transport.Request{
		Method:   http.MethodGet,
		Endpoint: model.EndpointScreenshot,
		Mode:     transport.ModeBinary,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	if transport.IsJSONContent(resp.ContentType) {
		return nil, fmt.Errorf("%w: %s", ErrScreenshotRejected, backendError(resp.Body))
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrScreenshotRejected)
	}
	ref, err := r.alloc.Create(resp.Body, resp.ContentType)
	if err != nil {
		return nil, fmt.Errorf("store screenshot: %w", err)
	}
	return ref, nil
}

// backendError extracts the {"error": "..."} message the backend sends with a 200
// when the device is not reserved.
func backendError(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return "unexpected JSON payload"
}

func (r *Runner) recordDelta(ctx context.Context, runID string, d metrics.HardwareDelta) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordHardwareDelta(ctx, runID, d, r.now()); err != nil {
		r.logger.Error("journal hardware delta", "run_id", runID, "err", err)
	}
}

func (r *Runner) recordRun(ctx context.Context, run model.ActionRun) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordActionRun(ctx, run); err != nil {
		r.logger.Error("journal test run", "run_id", run.RunID, "err", err)
	}
}
